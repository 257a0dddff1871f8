package presentation

import (
	"bytes"
	_ "embed"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// MaxRawLength bounds the accepted envelope size. The largest QR code holds
// under 3 KB, so anything near this limit is not a scanned presentation.
const MaxRawLength = 16 << 10

//go:embed schema.json
var schemaJSON []byte

var (
	compiledSchema   *gojsonschema.Schema
	compileSchemaOne sync.Once
	errCompileSchema error
)

// loadSchema compiles the embedded presentation schema exactly once.
func loadSchema() (*gojsonschema.Schema, error) {
	compileSchemaOne.Do(func() {
		compiledSchema, errCompileSchema = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
		if errCompileSchema != nil {
			errCompileSchema = fmt.Errorf("failed to compile presentation schema: %w", errCompileSchema)
		}
	})
	return compiledSchema, errCompileSchema
}

// Stage names the decode step that rejected the input.
type Stage string

const (
	StageBase64     Stage = "base64"
	StageStructural Stage = "structural"
	StageSchema     Stage = "schema"
)

// DecodeError reports why a raw presentation could not be decoded.
type DecodeError struct {
	Stage Stage
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("presentation decode failed at %s stage: %v", e.Stage, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func decodeErr(stage Stage, format string, args ...any) error {
	return &DecodeError{Stage: stage, Err: fmt.Errorf(format, args...)}
}

// Decode parses a raw QR payload into a Presentation. Any failure yields a
// *DecodeError and a nil Presentation.
func Decode(raw string) (*Presentation, error) {
	if len(raw) > MaxRawLength {
		return nil, decodeErr(StageBase64, "payload of %d bytes exceeds %d", len(raw), MaxRawLength)
	}

	data, err := extractData(strings.TrimSpace(raw))
	if err != nil {
		return nil, &DecodeError{Stage: StageBase64, Err: err}
	}

	body, err := decodeBase64(data)
	if err != nil {
		return nil, &DecodeError{Stage: StageBase64, Err: err}
	}

	var object map[string]json.RawMessage
	if err := json.Unmarshal(body, &object); err != nil {
		return nil, decodeErr(StageStructural, "payload is not a JSON object: %w", err)
	}
	if object == nil {
		return nil, decodeErr(StageStructural, "payload is null")
	}

	if err := validateSchema(body); err != nil {
		return nil, err
	}

	var wire wirePresentation
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&wire); err != nil {
		return nil, decodeErr(StageSchema, "field type mismatch: %w", err)
	}

	return fromWire(&wire)
}

func validateSchema(body []byte) error {
	schema, err := loadSchema()
	if err != nil {
		return &DecodeError{Stage: StageSchema, Err: err}
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return decodeErr(StageSchema, "failed to validate payload: %w", err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return decodeErr(StageSchema, "%s", strings.Join(msgs, "; "))
}

func fromWire(w *wirePresentation) (*Presentation, error) {
	if len(w.CredentialIDs) == 0 {
		return nil, decodeErr(StageSchema, "vcs must not be empty")
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(w.Signature, "0x"))
	if err != nil {
		return nil, decodeErr(StageSchema, "sig is not hex: %w", err)
	}
	if len(sig) < MinSignatureLength || len(sig) > MaxSignatureLength {
		return nil, decodeErr(StageSchema, "signature length %d fits no supported algorithm", len(sig))
	}

	ctx := w.DisclosureContext
	if ctx == nil {
		ctx = map[string]any{}
	}

	return &Presentation{
		Version:           w.Version,
		PresentationID:    w.PresentationID,
		HolderID:          w.HolderID,
		CredentialIDs:     append([]string(nil), w.CredentialIDs...),
		DisclosureContext: ctx,
		ExpiresAt:         w.ExpiresAt,
		Nonce:             w.Nonce,
		Signature:         sig,
	}, nil
}

// extractData strips the scheme://verb?data= envelope when present. The data
// value is path-unescaped so a literal '+' of standard base64 survives.
func extractData(raw string) (string, error) {
	i := strings.Index(raw, "://")
	if i < 0 {
		return raw, nil
	}

	rest := raw[i+3:]
	q := strings.IndexByte(rest, '?')
	if q < 0 {
		return "", errors.New("envelope has no query")
	}

	for _, param := range strings.Split(rest[q+1:], "&") {
		value, ok := strings.CutPrefix(param, "data=")
		if !ok {
			continue
		}
		unescaped, err := url.PathUnescape(value)
		if err != nil {
			return "", fmt.Errorf("failed to unescape data parameter: %w", err)
		}
		return unescaped, nil
	}

	return "", errors.New("envelope has no data parameter")
}

// decodeBase64 accepts standard and URL-safe alphabets, padded or not.
func decodeBase64(s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New("empty payload")
	}
	s = strings.TrimRight(s, "=")

	enc := base64.RawStdEncoding
	if strings.ContainsAny(s, "-_") {
		enc = base64.RawURLEncoding
	}

	out, err := enc.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid base64: %w", err)
	}
	return out, nil
}

// Encode serializes p into the QR envelope. With an empty scheme only the
// base64 body is returned.
func Encode(p *Presentation, scheme, verb string) (string, error) {
	if p == nil {
		return "", errors.New("presentation is nil")
	}

	ctx := p.DisclosureContext
	if ctx == nil {
		ctx = map[string]any{}
	}

	body, err := json.Marshal(wirePresentation{
		Version:           p.Version,
		PresentationID:    p.PresentationID,
		HolderID:          p.HolderID,
		CredentialIDs:     p.CredentialIDs,
		DisclosureContext: ctx,
		ExpiresAt:         p.ExpiresAt,
		Nonce:             p.Nonce,
		Signature:         hex.EncodeToString(p.Signature),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal presentation: %w", err)
	}

	data := base64.RawURLEncoding.EncodeToString(body)
	if scheme == "" {
		return data, nil
	}
	return fmt.Sprintf("%s://%s?data=%s", scheme, verb, data), nil
}
