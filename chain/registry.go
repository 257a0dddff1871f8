package chain

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pilacorp/go-credential-verifier/signature"
	"github.com/pilacorp/go-credential-verifier/status"
	"github.com/pilacorp/go-credential-verifier/verifyerr"
)

//go:embed credential_registry_abi.json
var registryABIJSON []byte

var (
	parsedABI    abi.ABI
	parseABIOnce sync.Once
	errParseABI  error
)

// loadABI parses the embedded registry ABI exactly once.
func loadABI() (abi.ABI, error) {
	parseABIOnce.Do(func() {
		type hardhatArtifact struct {
			ABI json.RawMessage `json:"abi"`
		}
		var artifact hardhatArtifact
		if err := json.Unmarshal(registryABIJSON, &artifact); err != nil {
			errParseABI = fmt.Errorf("failed to unmarshal artifact JSON: %w", err)
			return
		}
		parsedABI, errParseABI = abi.JSON(strings.NewReader(string(artifact.ABI)))
	})

	return parsedABI, errParseABI
}

// CredentialKey is the on-chain key of a credential: keccak256 of its ID.
func CredentialKey(credentialID string) [32]byte {
	return crypto.Keccak256Hash([]byte(credentialID))
}

// Option configures a Registry.
type Option func(*Registry)

// WithTracer sets the tracer used for registry spans.
func WithTracer(t trace.Tracer) Option {
	return func(r *Registry) {
		if t != nil {
			r.tracer = t
		}
	}
}

func WithClock(clk clock.Clock) Option {
	return func(r *Registry) {
		if clk != nil {
			r.clock = clk
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Registry is a client for the credential status registry contract. It
// implements Querier and KeyResolver.
type Registry struct {
	contract  *bind.BoundContract
	rpcClient *ethclient.Client
	cfg       *Config
	tracer    trace.Tracer
	clock     clock.Clock
	logger    *slog.Logger
}

// NewRegistry dials the RPC endpoint and binds the registry contract.
//
// An invalid config yields a verifyerr.CodeInvalidConfig error.
func NewRegistry(ctx context.Context, cfg *Config, opts ...Option) (*Registry, error) {
	if cfg == nil {
		return nil, verifyerr.New(verifyerr.CodeInvalidConfig, "registry config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, verifyerr.Wrap(err, verifyerr.CodeInvalidConfig, "invalid registry config: "+err.Error())
	}
	cfg.Standardize()

	r := &Registry{
		cfg:    cfg,
		tracer: otel.Tracer("credverify/chain"),
		clock:  clock.New(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}

	httpClient := *cfg.HTTPClient
	base := httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	httpClient.Transport = otelhttp.NewTransport(base)

	rpcClient, err := rpc.DialOptions(ctx, cfg.RPCURL, rpc.WithHTTPClient(&httpClient))
	if err != nil {
		return nil, verifyerr.Wrap(err, verifyerr.CodeInvalidConfig, "failed to init RPC client")
	}
	client := ethclient.NewClient(rpcClient)

	contractABI, err := loadABI()
	if err != nil {
		client.Close()
		return nil, verifyerr.Wrap(err, verifyerr.CodeInvalidConfig, "failed to load registry ABI")
	}

	r.rpcClient = client
	r.contract = bind.NewBoundContract(common.HexToAddress(cfg.ContractAddress), contractABI, client, client, client)
	return r, nil
}

// Close releases the RPC connection.
func (r *Registry) Close() {
	r.rpcClient.Close()
}

// call runs a read-only contract method under the per-call timeout.
func (r *Registry) call(ctx context.Context, method string, args ...any) ([]any, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()

	ctx, span := r.tracer.Start(ctx, "chain."+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("registry.contract", r.cfg.ContractAddress)),
	)
	defer span.End()

	var out []any
	if err := r.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, classify(ctx, err, fmt.Sprintf("contract call %s failed", method))
	}
	if len(out) == 0 {
		return nil, verifyerr.New(verifyerr.CodeNetwork, fmt.Sprintf("contract call %s returned no data", method))
	}
	return out, nil
}

// QueryCredentialStatus implements Querier.
func (r *Registry) QueryCredentialStatus(ctx context.Context, credentialID string) (*status.Record, error) {
	if credentialID == "" {
		return nil, verifyerr.New(verifyerr.CodeNotFound, "credential id is required")
	}

	out, err := r.call(ctx, "credentialStatus", CredentialKey(credentialID))
	if err != nil {
		return nil, err
	}
	if len(out) != 7 {
		return nil, verifyerr.New(verifyerr.CodeNetwork, fmt.Sprintf("unexpected credentialStatus output length: %d", len(out)))
	}

	exists, ok := out[0].(bool)
	if !ok {
		return nil, unexpectedType("exists", out[0])
	}
	if !exists {
		return nil, verifyerr.New(verifyerr.CodeNotFound, fmt.Sprintf("credential %s not found in registry", credentialID))
	}
	code, ok := out[1].(uint8)
	if !ok {
		return nil, unexpectedType("status", out[1])
	}
	credentialType, ok := out[2].(string)
	if !ok {
		return nil, unexpectedType("credentialType", out[2])
	}
	indexed, ok := out[3].(bool)
	if !ok {
		return nil, unexpectedType("indexed", out[3])
	}
	bitmapIndex, ok := out[4].(uint64)
	if !ok {
		return nil, unexpectedType("bitmapIndex", out[4])
	}
	expiresAt, ok := out[5].(uint64)
	if !ok {
		return nil, unexpectedType("expiresAt", out[5])
	}
	siblings, ok := out[6].([][32]byte)
	if !ok {
		return nil, unexpectedType("proof", out[6])
	}

	rec := &status.Record{
		CredentialID:   credentialID,
		Status:         status.StatusFromCode(code),
		CredentialType: credentialType,
		FetchedAt:      r.clock.Now(),
	}
	if expiresAt > 0 {
		rec.ExpiresAt = time.Unix(int64(expiresAt), 0).UTC()
	}
	if indexed {
		rec.BitmapIndex = status.Index(bitmapIndex)
		if len(siblings) > 0 {
			proof := &status.MerkleProof{
				LeafHash:  status.LeafHash(credentialID, rec.Status),
				LeafIndex: bitmapIndex,
			}
			for _, s := range siblings {
				proof.Siblings = append(proof.Siblings, append([]byte(nil), s[:]...))
			}
			rec.Proof = proof
		}
	}
	return rec, nil
}

// QueryRevocationBitmap implements Querier.
func (r *Registry) QueryRevocationBitmap(ctx context.Context) (*status.Bitmap, error) {
	out, err := r.call(ctx, "revocationBitmap")
	if err != nil {
		return nil, err
	}
	if len(out) != 4 {
		return nil, verifyerr.New(verifyerr.CodeNetwork, fmt.Sprintf("unexpected revocationBitmap output length: %d", len(out)))
	}

	root, ok := out[0].([32]byte)
	if !ok {
		return nil, unexpectedType("merkleRoot", out[0])
	}
	compressed, ok := out[1].([]byte)
	if !ok {
		return nil, unexpectedType("compressedBits", out[1])
	}
	generatedAt, ok := out[2].(uint64)
	if !ok {
		return nil, unexpectedType("generatedAt", out[2])
	}
	height, ok := out[3].(uint64)
	if !ok {
		return nil, unexpectedType("height", out[3])
	}

	bits, err := status.Decompress(compressed)
	if err != nil {
		return nil, verifyerr.Wrap(err, verifyerr.CodeNetwork, "failed to decompress revocation bitmap")
	}
	return &status.Bitmap{
		MerkleRoot:  append([]byte(nil), root[:]...),
		Bits:        bits,
		GeneratedAt: time.Unix(int64(generatedAt), 0).UTC(),
		Height:      height,
	}, nil
}

// QueryHeight implements Querier.
func (r *Registry) QueryHeight(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()

	ctx, span := r.tracer.Start(ctx, "chain.blockNumber", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	height, err := r.rpcClient.BlockNumber(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, classify(ctx, err, "failed to get block number")
	}
	return height, nil
}

// ResolveKey implements KeyResolver using the registry's key table.
func (r *Registry) ResolveKey(ctx context.Context, holderID string) (signature.PublicKey, error) {
	out, err := r.call(ctx, "publicKeyOf", holderID)
	if err != nil {
		return signature.PublicKey{}, err
	}
	raw, ok := out[0].([]byte)
	if !ok {
		return signature.PublicKey{}, unexpectedType("publicKey", out[0])
	}
	if len(raw) == 0 {
		return signature.PublicKey{}, verifyerr.New(verifyerr.CodeNotFound, fmt.Sprintf("no public key registered for %s", holderID))
	}
	pub, err := signature.ParsePublicKey(raw)
	if err != nil {
		r.logger.Warn("registry_key_invalid", "holder", holderID, "error", err)
		return signature.PublicKey{}, verifyerr.Wrap(err, verifyerr.CodeSignature, "registered public key is invalid")
	}
	return pub, nil
}

func unexpectedType(field string, v any) error {
	return verifyerr.New(verifyerr.CodeNetwork, fmt.Sprintf("unexpected %s output type: %T", field, v))
}

var (
	_ Querier     = (*Registry)(nil)
	_ KeyResolver = (*Registry)(nil)
	_ KeyResolver = (*StaticKeyResolver)(nil)
)
