package verifier

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/pilacorp/go-credential-verifier/revocation"
	"github.com/pilacorp/go-credential-verifier/signature"
	"github.com/pilacorp/go-credential-verifier/status"
	"github.com/pilacorp/go-credential-verifier/verifyerr"
)

// Stage is the terminal state of a verification.
type Stage string

const (
	StageDecodeFailed          Stage = "decode_failed"
	StageExpired               Stage = "expired"
	StageSignatureInvalid      Stage = "signature_invalid"
	StageNonceRejected         Stage = "nonce_rejected"
	StageRevocationFailed      Stage = "revocation_failed"
	StageMissingDisclosure     Stage = "missing_disclosure"
	StageMissingCredentialType Stage = "missing_credential_type"
	StageVerified              Stage = "verified"
)

// Method says where credential statuses came from.
type Method string

const (
	MethodOnline  Method = "online"
	MethodOffline Method = "offline"
	MethodCached  Method = "cached"
	MethodMixed   Method = "mixed"
)

// Request is one verification request.
type Request struct {
	// Raw is the scanned QR payload.
	Raw string
	// RequiredCredentialTypes must each be matched by at least one presented
	// credential.
	RequiredCredentialTypes []string
	// RequiredDisclosures must each be disclosed with a value other than false.
	RequiredDisclosures []string
	// MaxCredentialAge rejects cached statuses fetched longer ago than this.
	// Zero disables the check.
	MaxCredentialAge time.Duration
	// OfflineOnly forbids live registry queries.
	OfflineOnly bool
	// ObservedAt is when the presentation was scanned. Defaults to now.
	ObservedAt time.Time
	// Actor labels the submitting party in audit events.
	Actor string
}

// CredentialDetail is the per-credential outcome.
type CredentialDetail struct {
	CredentialID   string            `json:"credentialId"`
	Status         status.Status     `json:"status"`
	CredentialType string            `json:"credentialType,omitempty"`
	SignatureValid bool              `json:"signatureValid"`
	OnChain        bool              `json:"onChain"`
	Source         revocation.Source `json:"source"`
	FetchedAt      time.Time         `json:"fetchedAt"`
}

// Result is the complete outcome of a verification. It is never partially
// filled: failures still carry the stage, error, method and audit ID.
type Result struct {
	IsValid             bool                `json:"isValid"`
	HolderID            string              `json:"holderId,omitempty"`
	PresentationID      string              `json:"presentationId,omitempty"`
	VerifiedAt          time.Time           `json:"verifiedAt"`
	CredentialDetails   []CredentialDetail  `json:"credentialDetails"`
	DisclosedAttributes map[string]any      `json:"disclosedAttributes,omitempty"`
	VerificationError   *verifyerr.Error    `json:"-"`
	Stage               Stage               `json:"stage"`
	AuditID             string              `json:"auditId"`
	VerificationMethod  Method              `json:"verificationMethod"`
	NetworkLatency      time.Duration       `json:"-"`
	Algorithm           signature.Algorithm `json:"algorithm,omitempty"`
}

// NetworkLatencyMillis is NetworkLatency in whole milliseconds.
func (r *Result) NetworkLatencyMillis() int64 {
	return r.NetworkLatency.Milliseconds()
}

// ErrorCode is the code of the verification error, empty when valid.
func (r *Result) ErrorCode() verifyerr.Code {
	if r.VerificationError == nil {
		return ""
	}
	return r.VerificationError.Code
}

// resultError is the wire form of a verification error.
type resultError struct {
	Code    verifyerr.Code `json:"code"`
	Message string         `json:"message"`
}

// MarshalJSON writes the verification error as code and message and the
// network latency in milliseconds.
func (r Result) MarshalJSON() ([]byte, error) {
	type plain Result
	out := struct {
		plain
		VerificationError *resultError `json:"verificationError,omitempty"`
		NetworkLatency    int64        `json:"networkLatency"`
	}{
		plain:          plain(r),
		NetworkLatency: r.NetworkLatency.Milliseconds(),
	}
	if r.VerificationError != nil {
		out.VerificationError = &resultError{Code: r.VerificationError.Code, Message: r.VerificationError.Error()}
	}
	return json.Marshal(out)
}

// auditID is the hex SHA-256 of holder, presentation ID and verification time.
func auditID(holderID, presentationID string, verifiedAt time.Time) string {
	sum := sha256.Sum256([]byte(holderID + "|" + presentationID + "|" + verifiedAt.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(sum[:])
}

// methodOf folds the sources of every resolved credential into one method.
func methodOf(offlineOnly bool, sources []revocation.Source) Method {
	if offlineOnly {
		return MethodOffline
	}
	var online, cached int
	for _, s := range sources {
		if s == revocation.SourceOnline {
			online++
		} else {
			cached++
		}
	}
	switch {
	case online == 0 && cached == 0:
		return MethodOffline
	case cached == 0:
		return MethodOnline
	case online == 0:
		return MethodCached
	default:
		return MethodMixed
	}
}
