// Package signature provides the canonical-JSON signing primitives shared by
// all AP2 parties. Signatures are modeled as opaque verifiable tokens: the
// [Signer] and [Verifier] contract points exist so real key management can be
// substituted without touching callers.
package signature

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	canonicaljson "github.com/gibson042/canonicaljson-go"
)

// Material captures the inputs needed to validate a signed envelope.
type Material struct {
	Signature     string
	Timestamp     time.Time
	Sender        string
	Receiver      string
	CanonicalBody []byte
}

// Verifier validates the authenticity of envelope signatures.
type Verifier interface {
	Verify(ctx context.Context, material Material) error
}

// VerifierFunc lifts bare functions into [Verifier].
type VerifierFunc func(ctx context.Context, material Material) error

// Verify delegates to the wrapped function.
func (f VerifierFunc) Verify(ctx context.Context, material Material) error {
	return f(ctx, material)
}

// Signer produces envelope signatures for a sending party.
type Signer interface {
	Sign(ctx context.Context, material Material) (string, error)
}

// HMACSigner signs and verifies with base64url-encoded HMAC-SHA256 over the
// signing payload built by [BuildSigningPayload].
type HMACSigner struct {
	Key []byte
}

// Sign implements [Signer].
func (s HMACSigner) Sign(_ context.Context, material Material) (string, error) {
	if len(s.Key) == 0 {
		return "", errors.New("signature: HMACSigner requires a non-empty key")
	}
	mac := hmac.New(sha256.New, s.Key)
	if _, err := mac.Write(BuildSigningPayload(material)); err != nil {
		return "", fmt.Errorf("signature: compute signature: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Verify implements [Verifier] by recomputing the expected HMAC signature.
func (s HMACSigner) Verify(ctx context.Context, material Material) error {
	expected, err := s.Sign(ctx, material)
	if err != nil {
		return err
	}
	decoded, err := base64.RawURLEncoding.DecodeString(material.Signature)
	if err != nil {
		return fmt.Errorf("signature: decode signature: %w", err)
	}
	want, err := base64.RawURLEncoding.DecodeString(expected)
	if err != nil {
		return fmt.Errorf("signature: decode expected signature: %w", err)
	}
	if !hmac.Equal(decoded, want) {
		return errors.New("signature: invalid signature")
	}
	return nil
}

// BuildSigningPayload constructs the canonical byte string that envelope
// signatures cover: sender, receiver, and the SHA-256 digest of the
// canonicalized payload, joined with dots.
func BuildSigningPayload(material Material) []byte {
	digest := sha256.Sum256(material.CanonicalBody)
	var buf bytes.Buffer
	buf.WriteString(material.Sender)
	buf.WriteByte('.')
	buf.WriteString(material.Receiver)
	buf.WriteByte('.')
	buf.WriteString(hex.EncodeToString(digest[:]))
	return buf.Bytes()
}

// ReadAndBufferBody consumes the request body and restores it for the next
// reader so verification does not starve the handler.
func ReadAndBufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		r.Body = io.NopCloser(bytes.NewReader(nil))
		return nil, nil
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(raw))
	return raw, nil
}

// CanonicalizeJSON normalizes arbitrary JSON into canonical form for signing.
func CanonicalizeJSON(raw []byte) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("null"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var payload any
	if err := dec.Decode(&payload); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("signature: multiple JSON documents in body")
	}
	return canonicaljson.Marshal(payload)
}

// CartSignature deterministically signs a cart mandate as the merchant
// fulfillment guarantee. The signature covers merchant identity, the settled
// total, the mandate identity, and the signing date, so re-signing the same
// cart on the same day reproduces the same token.
func CartSignature(merchantID, totalAmount, cartMandateID string, signingDate time.Time) string {
	input := fmt.Sprintf("%s:%s:%s:%s", merchantID, totalAmount, cartMandateID, signingDate.UTC().Format(time.DateOnly))
	digest := sha256.Sum256([]byte(input))
	return hex.EncodeToString(digest[:])
}

// UserSignature models a signature produced on the user's device over a
// mandate identity. Deterministic per (user, subject) pair.
func UserSignature(userID, subject string) string {
	digest := sha256.Sum256([]byte(userID + ":" + subject))
	return hex.EncodeToString(digest[:])
}

// ParseTimestamp accepts timestamp values in RFC3339 or RFC3339Nano format.
func ParseTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("signature: empty timestamp")
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts, nil
	}
	return time.Parse(time.RFC3339, value)
}

// AbsDuration returns the absolute value of the supplied duration.
func AbsDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
