package ap2

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// WebhookEventType enumerates the supported fulfillment webhook events.
type WebhookEventType string

const (
	WebhookEventTypeOrderCreated WebhookEventType = "order_created"
	WebhookEventTypeOrderUpdated WebhookEventType = "order_updated"
)

// EventDataType labels the payload for a webhook event.
type EventDataType string

const (
	EventDataTypeOrder EventDataType = "order"
)

// OrderStatus defines model for webhook data status.
type OrderStatus string

const (
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCanceled   OrderStatus = "canceled"
)

// EventData is implemented by webhook payloads.
type EventData interface {
	eventType() WebhookEventType
}

// OrderCreated emits order data after fulfillment opens the order.
type OrderCreated struct {
	Type           EventDataType `json:"type"`
	CartMandateID  string        `json:"cart_mandate_id"`
	FulfillmentID  string        `json:"fulfillment_id"`
	TrackingNumber string        `json:"tracking_number"`
	Status         OrderStatus   `json:"status"`
}

func (OrderCreated) eventType() WebhookEventType { return WebhookEventTypeOrderCreated }

// OrderUpdated emits order data whenever shipment status changes.
type OrderUpdated struct {
	Type           EventDataType `json:"type"`
	CartMandateID  string        `json:"cart_mandate_id"`
	FulfillmentID  string        `json:"fulfillment_id"`
	TrackingNumber string        `json:"tracking_number"`
	Status         OrderStatus   `json:"status"`
}

func (OrderUpdated) eventType() WebhookEventType { return WebhookEventTypeOrderUpdated }

type webhookEvent struct {
	Type WebhookEventType `json:"type"`
	Data any              `json:"data"`
}

// FulfillmentWebhook posts signed order events to an orchestrator-side
// endpoint. The signature travels in the configured header as a base64url
// HMAC-SHA256 over the raw body.
type FulfillmentWebhook struct {
	endpoint string
	secret   []byte
	header   string
	client   *http.Client
}

// NewFulfillmentWebhook configures a webhook emitter. An empty header
// defaults to "Webhook-Signature"; a nil client falls back to
// [http.DefaultClient].
func NewFulfillmentWebhook(endpoint string, secret []byte, header string, client *http.Client) *FulfillmentWebhook {
	if header == "" {
		header = "Webhook-Signature"
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &FulfillmentWebhook{
		endpoint: endpoint,
		secret:   secret,
		header:   header,
		client:   client,
	}
}

// Send posts a single webhook event. Delivery is best effort; callers decide
// whether a failed post aborts the surrounding operation.
func (w *FulfillmentWebhook) Send(ctx context.Context, data EventData) error {
	body, err := json.Marshal(webhookEvent{
		Type: data.eventType(),
		Data: data,
	})
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("A2A-Version", Version)
	req.Header.Set(w.header, signWebhookPayload(w.secret, body))

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: send event: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("webhook: endpoint %s returned %s: %s", w.endpoint, resp.Status, strings.TrimSpace(string(snippet)))
	}
	return nil
}

func signWebhookPayload(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(payload)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
