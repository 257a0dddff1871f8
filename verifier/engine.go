// Package verifier runs a presentation through decoding, expiry, signature,
// replay and revocation checks and produces a complete verification result.
//
// Input-driven rejections never surface as errors: they yield a Result with
// IsValid false and a typed VerificationError. Verify only returns an error
// for infrastructure failures such as a corrupt cache or a misconfigured
// collaborator.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pilacorp/go-credential-verifier/audit"
	"github.com/pilacorp/go-credential-verifier/chain"
	"github.com/pilacorp/go-credential-verifier/metrics"
	"github.com/pilacorp/go-credential-verifier/nonce"
	"github.com/pilacorp/go-credential-verifier/presentation"
	"github.com/pilacorp/go-credential-verifier/revocation"
	"github.com/pilacorp/go-credential-verifier/signature"
	"github.com/pilacorp/go-credential-verifier/status"
	"github.com/pilacorp/go-credential-verifier/verifyerr"
)

const DefaultRequestTimeout = 10 * time.Second

// Option configures an Engine.
type Option func(*Engine)

// WithKeyResolver sets how holder public keys are found. Required.
func WithKeyResolver(r chain.KeyResolver) Option {
	return func(e *Engine) {
		e.keys = r
	}
}

// WithOracle sets the revocation oracle. Required.
func WithOracle(o *revocation.Oracle) Option {
	return func(e *Engine) {
		e.oracle = o
	}
}

// WithNonceGuard sets the replay guard. Defaults to an in-memory guard.
func WithNonceGuard(g *nonce.Guard) Option {
	return func(e *Engine) {
		if g != nil {
			e.nonces = g
		}
	}
}

// WithDispatcher overrides the signature dispatcher.
func WithDispatcher(d *signature.Dispatcher) Option {
	return func(e *Engine) {
		if d != nil {
			e.dispatcher = d
		}
	}
}

// WithPublisher sets where audit events go. Defaults to discarding them.
func WithPublisher(p audit.Publisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.publisher = p
		}
	}
}

// WithRequestTimeout bounds the online part of each verification.
func WithRequestTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.requestTimeout = d
		}
	}
}

func WithClock(clk clock.Clock) Option {
	return func(e *Engine) {
		if clk != nil {
			e.clock = clk
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// Engine verifies presentations. It is safe for concurrent use; the nonce
// guard and the cache behind the oracle are the only shared state.
type Engine struct {
	keys           chain.KeyResolver
	oracle         *revocation.Oracle
	nonces         *nonce.Guard
	dispatcher     *signature.Dispatcher
	publisher      audit.Publisher
	requestTimeout time.Duration
	clock          clock.Clock
	logger         *slog.Logger
	metrics        *metrics.Metrics
	tracer         trace.Tracer
}

// New creates an Engine.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		dispatcher:     signature.NewDispatcher(),
		publisher:      audit.Nop{},
		requestTimeout: DefaultRequestTimeout,
		clock:          clock.New(),
		logger:         slog.Default(),
		tracer:         otel.Tracer("credverify/verifier"),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.keys == nil {
		return nil, verifyerr.New(verifyerr.CodeInvalidConfig, "verifier requires a key resolver")
	}
	if e.oracle == nil {
		return nil, verifyerr.New(verifyerr.CodeInvalidConfig, "verifier requires a revocation oracle")
	}
	if e.nonces == nil {
		e.nonces = nonce.NewGuard(nonce.WithClock(e.clock), nonce.WithLogger(e.logger), nonce.WithMetrics(e.metrics))
	}
	return e, nil
}

// run holds the state of one verification.
type run struct {
	req     Request
	res     *Result
	now     time.Time
	sources []revocation.Source
}

// stageError ends a run at stage with a coded error.
type stageError struct {
	stage Stage
	err   *verifyerr.Error
}

func fail(stage Stage, code verifyerr.Code, msg string, cause error) *stageError {
	return &stageError{stage: stage, err: &verifyerr.Error{Code: code, Message: msg, Err: cause}}
}

// Verify runs req through the pipeline.
func (e *Engine) Verify(ctx context.Context, req Request) (*Result, error) {
	start := e.clock.Now()
	ctx, cancel := context.WithTimeout(ctx, e.requestTimeout)
	defer cancel()

	ctx, span := e.tracer.Start(ctx, "verifier.Verify", trace.WithAttributes(
		attribute.Bool("verification.offline_only", req.OfflineOnly),
	))
	defer span.End()

	r := &run{
		req: req,
		now: start,
		res: &Result{VerifiedAt: start, CredentialDetails: []CredentialDetail{}},
	}

	failure, err := e.pipeline(ctx, r)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error("verification_fatal", "error", err, "presentation_id", r.res.PresentationID)
		return nil, err
	}

	res := r.res
	res.VerificationMethod = methodOf(req.OfflineOnly, r.sources)
	res.AuditID = auditID(res.HolderID, res.PresentationID, res.VerifiedAt)
	if failure != nil {
		res.Stage = failure.stage
		res.VerificationError = failure.err
	} else {
		res.Stage = StageVerified
		res.IsValid = true
	}

	span.SetAttributes(
		attribute.String("verification.stage", string(res.Stage)),
		attribute.String("verification.method", string(res.VerificationMethod)),
		attribute.Bool("verification.valid", res.IsValid),
	)
	e.metrics.RecordVerification(string(res.Stage), string(res.VerificationMethod), e.clock.Since(start))
	e.emit(ctx, req.Actor, res)
	return res, nil
}

// pipeline returns the first failing stage, or nil once every check passed.
func (e *Engine) pipeline(ctx context.Context, r *run) (*stageError, error) {
	p, err := presentation.Decode(r.req.Raw)
	if err != nil {
		var decodeErr *presentation.DecodeError
		stage := ""
		if errors.As(err, &decodeErr) {
			stage = string(decodeErr.Stage)
		}
		return fail(StageDecodeFailed, verifyerr.CodeDecode, fmt.Sprintf("malformed presentation (%s)", stage), err), nil
	}
	r.res.HolderID = p.HolderID
	r.res.PresentationID = p.PresentationID

	if p.IsExpired(r.now) {
		return fail(StageExpired, verifyerr.CodeExpired,
			fmt.Sprintf("presentation expired at %s", p.ExpiryTime().UTC().Format(time.RFC3339)), nil), nil
	}

	if failure, err := e.checkSignature(ctx, r, p); failure != nil || err != nil {
		return failure, err
	}

	if failure, err := e.checkNonce(ctx, r, p); failure != nil || err != nil {
		return failure, err
	}

	if failure, err := e.checkRevocation(ctx, r, p); failure != nil || err != nil {
		return failure, err
	}

	disclosed, missing := p.Disclosed(r.req.RequiredDisclosures)
	r.res.DisclosedAttributes = disclosed
	if len(missing) > 0 {
		return fail(StageMissingDisclosure, verifyerr.CodeMissingDisclosure,
			fmt.Sprintf("required disclosure %q not provided", missing[0]), nil), nil
	}

	for _, required := range r.req.RequiredCredentialTypes {
		if !hasCredentialType(r.res.CredentialDetails, required) {
			return fail(StageMissingCredentialType, verifyerr.CodeMissingCredentialType,
				fmt.Sprintf("no credential of type %q presented", required), nil), nil
		}
	}
	return nil, nil
}

func (e *Engine) checkSignature(ctx context.Context, r *run, p *presentation.Presentation) (*stageError, error) {
	key, err := e.keys.ResolveKey(ctx, p.HolderID)
	if err != nil {
		if verifyerr.IsFatal(err) {
			return nil, fmt.Errorf("failed to resolve holder key: %w", err)
		}
		code := verifyerr.CodeSignature
		if verifyerr.IsUnavailable(err) {
			code = verifyerr.CodeOf(err)
		}
		return fail(StageSignatureInvalid, code, "holder key could not be resolved", err), nil
	}

	payload, err := p.CanonicalPayload()
	if err != nil {
		return fail(StageSignatureInvalid, verifyerr.CodeSignature, "signature invalid", err), nil
	}

	result := e.dispatcher.VerifyKey(p.Signature, payload, key)
	r.res.Algorithm = result.Algorithm
	e.metrics.RecordSignatureCheck(string(result.Algorithm), result.Valid)
	if !result.Valid {
		return fail(StageSignatureInvalid, verifyerr.CodeSignature, "signature invalid", nil), nil
	}
	return nil, nil
}

func (e *Engine) checkNonce(ctx context.Context, r *run, p *presentation.Presentation) (*stageError, error) {
	observedAt := r.req.ObservedAt
	if observedAt.IsZero() {
		observedAt = r.now
	}

	outcome, err := e.nonces.CheckAndRecord(ctx, p.PresentationID, p.Nonce, observedAt)
	if err != nil {
		// an unreachable replay store must not let a replay through
		return fail(StageNonceRejected, verifyerr.CodeNetwork, "replay state unavailable", err), nil
	}
	switch outcome {
	case nonce.Replayed:
		return fail(StageNonceRejected, verifyerr.CodeNonceReplay, "presentation nonce already used", nil), nil
	case nonce.Expired:
		return fail(StageNonceRejected, verifyerr.CodeNonceExpired, "presentation observed outside the replay window", nil), nil
	}
	return nil, nil
}

func (e *Engine) checkRevocation(ctx context.Context, r *run, p *presentation.Presentation) (*stageError, error) {
	for _, id := range p.CredentialIDs {
		res, err := e.oracle.Resolve(ctx, id, r.req.OfflineOnly)
		if err != nil {
			if verifyerr.IsFatal(err) {
				return nil, fmt.Errorf("failed to resolve credential %s: %w", id, err)
			}
			return fail(StageRevocationFailed, verifyerr.CodeTimeout,
				fmt.Sprintf("status of credential %s could not be resolved", id), err), nil
		}
		r.sources = append(r.sources, res.Source)
		r.res.NetworkLatency += res.OnlineLatency

		rec := res.Record
		r.res.CredentialDetails = append(r.res.CredentialDetails, CredentialDetail{
			CredentialID:   id,
			Status:         rec.Status,
			CredentialType: rec.CredentialType,
			SignatureValid: true,
			OnChain:        res.Source == revocation.SourceOnline && rec.Status != status.StatusUnknown,
			Source:         res.Source,
			FetchedAt:      rec.FetchedAt,
		})

		if rec.Status != status.StatusActive {
			return fail(StageRevocationFailed, verifyerr.CodeRevocation,
				fmt.Sprintf("credential %s is %s", id, rec.Status), nil), nil
		}
		if r.req.MaxCredentialAge > 0 && res.Source == revocation.SourceCache && r.now.Sub(rec.FetchedAt) > r.req.MaxCredentialAge {
			return fail(StageRevocationFailed, verifyerr.CodeRevocation,
				fmt.Sprintf("cached status of credential %s is older than %s", id, r.req.MaxCredentialAge), nil), nil
		}
	}
	return nil, nil
}

func hasCredentialType(details []CredentialDetail, credentialType string) bool {
	for _, d := range details {
		if d.CredentialType == credentialType {
			return true
		}
	}
	return false
}

func (e *Engine) emit(ctx context.Context, actor string, res *Result) {
	event := audit.Event{
		Timestamp: res.VerifiedAt,
		Action:    audit.ActionVerificationAttempt,
		Actor:     actor,
		Target:    res.PresentationID,
		HolderID:  res.HolderID,
		Outcome:   string(res.Stage),
		Method:    string(res.VerificationMethod),
		AuditID:   res.AuditID,
	}
	e.publisher.Emit(ctx, event)

	if res.IsValid {
		e.logger.Debug("verification_succeeded",
			"presentation_id", res.PresentationID,
			"method", string(res.VerificationMethod),
			"audit_id", res.AuditID,
		)
		return
	}

	event.ID = ""
	event.Action = audit.ActionVerificationError
	event.Code = string(res.VerificationError.Code)
	event.Reason = res.VerificationError.Error()
	e.publisher.Emit(ctx, event)
	e.logger.Info("verification_rejected",
		"presentation_id", res.PresentationID,
		"stage", string(res.Stage),
		"code", event.Code,
		"audit_id", res.AuditID,
	)
}
