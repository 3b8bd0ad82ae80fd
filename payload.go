package ap2

import (
	"encoding/json"
	"fmt"

	"github.com/oapi-codegen/runtime"
)

// PayloadAction discriminates the A2A payload union.
type PayloadAction string

// Defines values for PayloadAction.
const (
	ActionIntentMandate  PayloadAction = "intent_mandate"
	ActionCartMandate    PayloadAction = "cart_mandate"
	ActionPaymentMandate PayloadAction = "payment_mandate"
	ActionPaymentSession PayloadAction = "payment_session"
	ActionAuthorization  PayloadAction = "authorization"
	ActionCaptureResult  PayloadAction = "capture_result"
	ActionRefundResult   PayloadAction = "refund_result"
	ActionProductCatalog PayloadAction = "product_catalog"
	ActionAgentTransfer  PayloadAction = "agent_transfer"
)

// ProductCatalogPayload carries a filtered catalog snapshot.
type ProductCatalogPayload struct {
	Products      []Product `json:"products"`
	TotalProducts int       `json:"total_products"`
	FilteredCount int       `json:"filtered_count"`
}

// AgentTransfer establishes a session with a peer agent.
type AgentTransfer struct {
	TransferReason       string   `json:"transfer_reason"`
	Message              string   `json:"message"`
	SessionID            string   `json:"session_id"`
	CapabilitiesRequired []string `json:"capabilities_required,omitempty"`
}

// Payload is the discriminated union carried by an A2A envelope. The
// underlying JSON object holds an "action" field naming the variant.
type Payload struct {
	union json.RawMessage
}

// Action returns the discriminator of the underlying union, or "" if the
// payload is empty or carries none.
func (t Payload) Action() PayloadAction {
	var probe struct {
		Action PayloadAction `json:"action"`
	}
	if err := json.Unmarshal(t.union, &probe); err != nil {
		return ""
	}
	return probe.Action
}

// Raw exposes the underlying JSON for digesting and signing.
func (t Payload) Raw() json.RawMessage {
	return t.union
}

func (t *Payload) from(action PayloadAction, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tag, err := json.Marshal(struct {
		Action PayloadAction `json:"action"`
	}{Action: action})
	if err != nil {
		return err
	}
	merged, err := runtime.JSONMerge(body, tag)
	if err != nil {
		return err
	}
	t.union = merged
	return nil
}

func (t Payload) as(action PayloadAction, v any) error {
	if got := t.Action(); got != action {
		return fmt.Errorf("payload: action is %q, not %q", got, action)
	}
	return json.Unmarshal(t.union, v)
}

// AsIntentMandate returns the union data as an IntentMandate.
func (t Payload) AsIntentMandate() (IntentMandate, error) {
	var body IntentMandate
	err := t.as(ActionIntentMandate, &body)
	return body, err
}

// FromIntentMandate overwrites the union data with the provided IntentMandate.
func (t *Payload) FromIntentMandate(v IntentMandate) error {
	return t.from(ActionIntentMandate, v)
}

// AsCartMandate returns the union data as a CartMandate.
func (t Payload) AsCartMandate() (CartMandate, error) {
	var body CartMandate
	err := t.as(ActionCartMandate, &body)
	return body, err
}

// FromCartMandate overwrites the union data with the provided CartMandate.
func (t *Payload) FromCartMandate(v CartMandate) error {
	return t.from(ActionCartMandate, v)
}

// MergeCartMandate merges the provided CartMandate into the existing union
// data. Used when the merchant folds its countersignature into a cart payload
// it received, preserving fields it does not own.
func (t *Payload) MergeCartMandate(v CartMandate) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	merged, err := runtime.JSONMerge(t.union, body)
	if err != nil {
		return err
	}
	t.union = merged
	return nil
}

// AsPaymentMandate returns the union data as a PaymentMandate.
func (t Payload) AsPaymentMandate() (PaymentMandate, error) {
	var body PaymentMandate
	err := t.as(ActionPaymentMandate, &body)
	return body, err
}

// FromPaymentMandate overwrites the union data with the provided PaymentMandate.
func (t *Payload) FromPaymentMandate(v PaymentMandate) error {
	return t.from(ActionPaymentMandate, v)
}

// AsPaymentSession returns the union data as a PaymentSession.
func (t Payload) AsPaymentSession() (PaymentSession, error) {
	var body PaymentSession
	err := t.as(ActionPaymentSession, &body)
	return body, err
}

// FromPaymentSession overwrites the union data with the provided PaymentSession.
func (t *Payload) FromPaymentSession(v PaymentSession) error {
	return t.from(ActionPaymentSession, v)
}

// AsAuthorization returns the union data as an Authorization.
func (t Payload) AsAuthorization() (Authorization, error) {
	var body Authorization
	err := t.as(ActionAuthorization, &body)
	return body, err
}

// FromAuthorization overwrites the union data with the provided Authorization.
func (t *Payload) FromAuthorization(v Authorization) error {
	return t.from(ActionAuthorization, v)
}

// AsCaptureResult returns the union data as a Capture.
func (t Payload) AsCaptureResult() (Capture, error) {
	var body Capture
	err := t.as(ActionCaptureResult, &body)
	return body, err
}

// FromCaptureResult overwrites the union data with the provided Capture.
func (t *Payload) FromCaptureResult(v Capture) error {
	return t.from(ActionCaptureResult, v)
}

// AsRefundResult returns the union data as a Refund.
func (t Payload) AsRefundResult() (Refund, error) {
	var body Refund
	err := t.as(ActionRefundResult, &body)
	return body, err
}

// FromRefundResult overwrites the union data with the provided Refund.
func (t *Payload) FromRefundResult(v Refund) error {
	return t.from(ActionRefundResult, v)
}

// AsProductCatalog returns the union data as a ProductCatalogPayload.
func (t Payload) AsProductCatalog() (ProductCatalogPayload, error) {
	var body ProductCatalogPayload
	err := t.as(ActionProductCatalog, &body)
	return body, err
}

// FromProductCatalog overwrites the union data with the provided catalog snapshot.
func (t *Payload) FromProductCatalog(v ProductCatalogPayload) error {
	return t.from(ActionProductCatalog, v)
}

// AsAgentTransfer returns the union data as an AgentTransfer.
func (t Payload) AsAgentTransfer() (AgentTransfer, error) {
	var body AgentTransfer
	err := t.as(ActionAgentTransfer, &body)
	return body, err
}

// FromAgentTransfer overwrites the union data with the provided AgentTransfer.
func (t *Payload) FromAgentTransfer(v AgentTransfer) error {
	return t.from(ActionAgentTransfer, v)
}

// AsError returns the union data as an Error when the payload carries a
// peer failure. Cross-service failures never surface as transport errors;
// they travel inside well-formed envelopes.
func (t Payload) AsError() (Error, error) {
	var body Error
	if t.Action() != "" {
		return body, fmt.Errorf("payload: carries %q, not an error", t.Action())
	}
	err := json.Unmarshal(t.union, &body)
	return body, err
}

// FromError overwrites the union data with the provided error payload.
func (t *Payload) FromError(v *Error) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	t.union = body
	return nil
}

// MarshalJSON serializes the underlying union.
func (t Payload) MarshalJSON() ([]byte, error) {
	if t.union == nil {
		return []byte("null"), nil
	}
	return t.union.MarshalJSON()
}

// UnmarshalJSON loads union data.
func (t *Payload) UnmarshalJSON(b []byte) error {
	return t.union.UnmarshalJSON(b)
}
