// Package audit carries the one-way notifications the verification engine
// emits for every attempt and every terminal failure.
package audit

import "time"

// Action names the kind of audit event.
type Action string

const (
	ActionVerificationAttempt Action = "verification_attempt"
	ActionVerificationError   Action = "verification_error"
)

// Event is emitted from the verification engine. Keep it transport-agnostic
// so sinks can fan out.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    Action    `json:"action"`
	// Actor is the party that submitted the presentation, e.g. a scanner ID.
	Actor string `json:"actor,omitempty"`
	// Target is the presentation ID, empty when decoding failed.
	Target   string `json:"target,omitempty"`
	HolderID string `json:"holderId,omitempty"`
	// Outcome is the terminal stage of the verification.
	Outcome string `json:"outcome"`
	Method  string `json:"method,omitempty"`
	Code    string `json:"code,omitempty"`
	Reason  string `json:"reason,omitempty"`
	AuditID string `json:"auditId,omitempty"`
}
