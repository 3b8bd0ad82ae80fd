package ap2

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentpay/ap2/signature"
)

// Protocol and Version identify the A2A envelope format on the wire.
const (
	Protocol = "A2A"
	Version  = "1.0"
)

// Well-known agent names of the three protocol participants.
const (
	AgentShopping    = "shopping_agent"
	AgentMerchant    = "merchant_agent"
	AgentCredentials = "credentials_provider"
)

// Envelope is the shared message format exchanged by the three parties.
// It carries structure and a signature; routing and delivery belong to the
// transport.
type Envelope struct {
	Protocol      string    `json:"protocol" validate:"required,eq=A2A"`
	Version       string    `json:"version" validate:"required"`
	MessageID     string    `json:"message_id" validate:"required"`
	SenderAgent   string    `json:"sender_agent" validate:"required"`
	ReceiverAgent string    `json:"receiver_agent" validate:"required"`
	InResponseTo  string    `json:"in_response_to,omitempty"`
	Timestamp     time.Time `json:"timestamp" validate:"required"`
	Payload       Payload   `json:"payload"`
	Signature     string    `json:"signature"`
}

// Registry knows the recognized protocol participants and their signing
// keys, builds outbound envelopes, and validates inbound ones. One registry
// instance backs one party's inbox; observed message IDs are tracked per
// sender so duplicates and dangling in_response_to references are rejected.
type Registry struct {
	clock func() time.Time

	mu       sync.Mutex
	signers  map[string]signature.HMACSigner
	observed map[string]map[string]struct{}
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithRegistryClock provides deterministic time in tests.
func WithRegistryClock(fn func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.clock = fn
	}
}

// NewRegistry builds a Registry seeded with participant signing keys, keyed
// by agent name.
func NewRegistry(keys map[string][]byte, opts ...RegistryOption) *Registry {
	r := &Registry{
		clock:    time.Now,
		signers:  make(map[string]signature.HMACSigner, len(keys)),
		observed: make(map[string]map[string]struct{}),
	}
	for agent, key := range keys {
		r.signers[agent] = signature.HMACSigner{Key: key}
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(r)
	}
	return r
}

// Recognized reports whether the agent is a known protocol participant.
func (r *Registry) Recognized(agent string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.signers[agent]
	return ok
}

// Send constructs an envelope from sender to receiver with a freshly
// generated message ID, the current timestamp, and a signature over
// (sender, receiver, payload digest). inResponseTo may be empty for
// conversation-opening messages.
func (r *Registry) Send(ctx context.Context, sender, receiver string, payload Payload, inResponseTo string) (*Envelope, error) {
	r.mu.Lock()
	signer, ok := r.signers[sender]
	r.mu.Unlock()
	if !ok {
		return nil, NewPreconditionError(UnknownSender, fmt.Sprintf("agent %q is not a recognized participant", sender))
	}
	if !r.Recognized(receiver) {
		return nil, NewPreconditionError(UnknownSender, fmt.Sprintf("agent %q is not a recognized participant", receiver))
	}
	canonical, err := signature.CanonicalizeJSON(payload.Raw())
	if err != nil {
		return nil, NewInvalidRequestError(fmt.Sprintf("payload is not valid JSON: %v", err))
	}
	env := &Envelope{
		Protocol:      Protocol,
		Version:       Version,
		MessageID:     uuid.NewString(),
		SenderAgent:   sender,
		ReceiverAgent: receiver,
		InResponseTo:  inResponseTo,
		Timestamp:     r.clock().UTC(),
		Payload:       payload,
	}
	sig, err := signer.Sign(ctx, signature.Material{
		Sender:        sender,
		Receiver:      receiver,
		CanonicalBody: canonical,
	})
	if err != nil {
		return nil, NewProcessingError(fmt.Sprintf("sign envelope: %v", err))
	}
	env.Signature = sig
	return env, nil
}

// Receive parses raw bytes into an envelope and validates structural
// well-formedness: required fields present, sender recognized, message ID
// not previously observed from that sender, and in_response_to referencing
// an observed message. It has no side effect beyond recording the message ID.
func (r *Registry) Receive(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, NewInvalidRequestError(fmt.Sprintf("malformed envelope: %v", err), WithOffendingParam("envelope"))
	}
	if err := validate.Struct(env); err != nil {
		normalized := normalizeValidationError(err)
		if typed, ok := normalized.(*Error); ok {
			typed.Code = MalformedEnvelope
			return nil, typed
		}
		return nil, NewInvalidRequestError(normalized.Error())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.signers[env.SenderAgent]; !ok {
		return nil, NewPreconditionError(UnknownSender, fmt.Sprintf("sender %q is not a recognized participant", env.SenderAgent))
	}
	seen := r.observed[env.SenderAgent]
	if seen == nil {
		seen = make(map[string]struct{})
		r.observed[env.SenderAgent] = seen
	}
	if _, dup := seen[env.MessageID]; dup {
		return nil, NewPreconditionError(DuplicateMessage, fmt.Sprintf("message %s already observed from %s", env.MessageID, env.SenderAgent))
	}
	if env.InResponseTo != "" && !r.observedAnyLocked(env.InResponseTo) {
		return nil, NewPreconditionError(UnknownMessage, fmt.Sprintf("in_response_to references unobserved message %s", env.InResponseTo))
	}
	seen[env.MessageID] = struct{}{}
	return &env, nil
}

// Observe records a locally sent message ID so peers' responses referencing
// it pass the in_response_to check.
func (r *Registry) Observe(messageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := r.observed["-"]
	if seen == nil {
		seen = make(map[string]struct{})
		r.observed["-"] = seen
	}
	seen[messageID] = struct{}{}
}

func (r *Registry) observedAnyLocked(messageID string) bool {
	for _, seen := range r.observed {
		if _, ok := seen[messageID]; ok {
			return true
		}
	}
	return false
}

// Verify checks the envelope signature against the sender's key. The check
// is advisory in this core; the contract point exists so real key management
// can be swapped in without touching callers.
func (r *Registry) Verify(ctx context.Context, env *Envelope) bool {
	if env == nil {
		return false
	}
	r.mu.Lock()
	signer, ok := r.signers[env.SenderAgent]
	r.mu.Unlock()
	if !ok {
		return false
	}
	canonical, err := signature.CanonicalizeJSON(env.Payload.Raw())
	if err != nil {
		return false
	}
	return signer.Verify(ctx, signature.Material{
		Signature:     env.Signature,
		Sender:        env.SenderAgent,
		Receiver:      env.ReceiverAgent,
		CanonicalBody: canonical,
	}) == nil
}
