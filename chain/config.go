package chain

import (
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultCallTimeout bounds each registry call when Config.CallTimeout is unset.
const DefaultCallTimeout = 10 * time.Second

// Config holds configuration for the Registry client.
type Config struct {
	// RPCURL is the blockchain RPC endpoint URL. Required.
	RPCURL string
	// ContractAddress is the address of the credential status registry
	// contract. Required and must be a valid hex address.
	ContractAddress string
	// CallTimeout bounds every individual registry call.
	// Defaults to DefaultCallTimeout if not set.
	CallTimeout time.Duration
	// HTTPClient is the base client for RPC calls. Its transport is wrapped
	// with OpenTelemetry instrumentation. Defaults to a new http.Client.
	HTTPClient *http.Client
}

// Validate validates the Config to ensure required fields are present and valid.
//
// Checks:
//   - RPCURL is set (required)
//   - ContractAddress is a valid hex address (required)
//   - CallTimeout is not negative
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return errors.New("RPC URL is required")
	}

	if !common.IsHexAddress(c.ContractAddress) {
		return errors.New("contract address is required")
	}

	if c.CallTimeout < 0 {
		return errors.New("call timeout must not be negative")
	}

	return nil
}

// Standardize sets default values for optional Config fields.
func (c *Config) Standardize() {
	if c.CallTimeout == 0 {
		c.CallTimeout = DefaultCallTimeout
	}

	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
}
