package ap2

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Inbox is implemented by a party's business logic: it consumes one
// validated envelope and answers with exactly one reply envelope.
// [MerchantService] and [CredentialsService] satisfy it.
type Inbox interface {
	HandleMessage(ctx context.Context, env *Envelope) (*Envelope, error)
}

// A2AHandler exposes a party's inbox over HTTP.
type A2AHandler struct {
	registry *Registry
	inbox    Inbox
	mux      *http.ServeMux
	cfg      config
}

// NewA2AHandler builds an [A2AHandler] backed by net/http's ServeMux.
// Inbound envelopes pass structural validation and duplicate detection in
// the registry before reaching the inbox.
func NewA2AHandler(registry *Registry, inbox Inbox, opts ...Option) *A2AHandler {
	cfg := config{
		maxClockSkew: 5 * time.Minute,
		clock:        time.Now,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}
	if cfg.requireSignedRequests && cfg.signatureVerifier == nil {
		panic("a2a: signature verifier required when signed requests are enforced")
	}
	h := &A2AHandler{
		registry: registry,
		inbox:    inbox,
		mux:      http.NewServeMux(),
		cfg:      cfg,
	}
	middleware := []Middleware{h.authenticationMiddleware}
	if mw := newSignatureMiddleware(signatureMiddlewareConfig{
		Verifier:      cfg.signatureVerifier,
		RequireSigned: cfg.requireSignedRequests,
		MaxClockSkew:  cfg.maxClockSkew,
		Clock:         cfg.clock,
	}); mw != nil {
		middleware = append(middleware, Middleware(mw))
	}
	middleware = append(middleware, cfg.middleware...)
	h.registerRoutes(middleware...)
	return h
}

// ServeHTTP satisfies http.Handler.
func (h *A2AHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestCtx := requestContextFromRequest(r)
	ctx := contextWithRequestContext(r.Context(), requestCtx)
	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

func (h *A2AHandler) registerRoutes(middleware ...Middleware) {
	h.mux.HandleFunc("POST /a2a/messages", applyMiddleware(h.handleMessage, middleware...))
}

func (h *A2AHandler) handleMessage(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeJSONError(w, NewInvalidRequestError("unable to read request body"))
		return
	}
	env, err := h.registry.Receive(raw)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	reply, err := h.inbox.HandleMessage(r.Context(), env)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// HTTPTransport delivers envelopes to peer inboxes over HTTP, routing by
// receiver agent name. Replies run through the local registry so duplicate
// and causality checks apply to them like any inbound message.
type HTTPTransport struct {
	registry  *Registry
	endpoints map[string]string
	client    *http.Client
}

// NewHTTPTransport builds a transport from agent names to inbox base URLs.
// A nil client falls back to [http.DefaultClient].
func NewHTTPTransport(registry *Registry, endpoints map[string]string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	eps := make(map[string]string, len(endpoints))
	for agent, url := range endpoints {
		eps[agent] = url
	}
	return &HTTPTransport{registry: registry, endpoints: eps, client: client}
}

// Deliver implements [Transport].
func (t *HTTPTransport) Deliver(ctx context.Context, env *Envelope) (*Envelope, error) {
	base, ok := t.endpoints[env.ReceiverAgent]
	if !ok {
		return nil, NewPreconditionError(UnknownSender, fmt.Sprintf("no endpoint for agent %q", env.ReceiverAgent))
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, NewProcessingError(fmt.Sprintf("marshal envelope: %v", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/a2a/messages", bytes.NewReader(body))
	if err != nil {
		return nil, NewProcessingError(fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("A2A-Version", Version)
	req.Header.Set("Sender-Agent", env.SenderAgent)
	req.Header.Set("Receiver-Agent", env.ReceiverAgent)
	req.Header.Set("Signature", env.Signature)
	req.Header.Set("Timestamp", env.Timestamp.Format(time.RFC3339Nano))

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, NewRetryableError(DeliveryFailed, fmt.Sprintf("deliver to %s: %v", env.ReceiverAgent, err))
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, NewRetryableError(DeliveryFailed, fmt.Sprintf("read reply from %s: %v", env.ReceiverAgent, err))
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		var peerErr Error
		if jsonErr := json.Unmarshal(raw, &peerErr); jsonErr == nil && peerErr.Type != "" {
			return nil, &peerErr
		}
		return nil, NewRetryableError(DeliveryFailed, fmt.Sprintf("agent %s returned %s", env.ReceiverAgent, resp.Status))
	}
	return t.registry.Receive(raw)
}
