package ap2

import "time"

// IntentMandateStatus defines model for IntentMandate.Status.
type IntentMandateStatus string

// Defines values for IntentMandateStatus.
const (
	IntentMandateStatusCreated  IntentMandateStatus = "created"
	IntentMandateStatusConsumed IntentMandateStatus = "consumed"
	IntentMandateStatusExpired  IntentMandateStatus = "expired"
)

// CartMandateStatus defines model for CartMandate.Status.
type CartMandateStatus string

// Defines values for CartMandateStatus. Signing transfers the write-lock to
// "immutable": a signed cart is never re-validated against live inventory.
const (
	CartMandateStatusDraft     CartMandateStatus = "draft"
	CartMandateStatusValidated CartMandateStatus = "validated"
	CartMandateStatusSigned    CartMandateStatus = "signed"
	CartMandateStatusFulfilled CartMandateStatus = "fulfilled"
	CartMandateStatusExpired   CartMandateStatus = "expired"
)

// PaymentMandateStatus defines model for PaymentMandate.Status.
type PaymentMandateStatus string

// Defines values for PaymentMandateStatus.
const (
	PaymentMandateStatusCreated     PaymentMandateStatus = "created"
	PaymentMandateStatusSigned      PaymentMandateStatus = "signed"
	PaymentMandateStatusTransmitted PaymentMandateStatus = "transmitted"
	PaymentMandateStatusCompleted   PaymentMandateStatus = "completed"
	PaymentMandateStatusFailed      PaymentMandateStatus = "failed"
)

// SessionStatus defines model for PaymentSession.Status.
type SessionStatus string

// Defines values for SessionStatus.
const (
	SessionStatusCreated SessionStatus = "created"
	SessionStatusExpired SessionStatus = "expired"
)

// AuthorizationStatus defines model for Authorization.Status.
type AuthorizationStatus string

// Defines values for AuthorizationStatus. Captured is terminal: a captured
// authorization can never be settled a second time.
const (
	AuthorizationStatusPendingOTP AuthorizationStatus = "pending_otp"
	AuthorizationStatusAuthorized AuthorizationStatus = "authorized"
	AuthorizationStatusCaptured   AuthorizationStatus = "captured"
	AuthorizationStatusDeclined   AuthorizationStatus = "declined"
	AuthorizationStatusExpired    AuthorizationStatus = "expired"
)

// CaptureStatus defines model for Capture.Status.
type CaptureStatus string

// Defines values for CaptureStatus.
const (
	CaptureStatusCompleted CaptureStatus = "completed"
	CaptureStatusFailed    CaptureStatus = "failed"
)

// RefundStatus defines model for Refund.Status.
type RefundStatus string

// Defines values for RefundStatus.
const (
	RefundStatusProcessed RefundStatus = "processed"
)

// IntentMandate authorizes the shopping agent to purchase on the user's
// behalf. Immutable once signed; terminal at expiry or consumption.
type IntentMandate struct {
	MandateID        string              `json:"mandate_id" validate:"required"`
	UserID           string              `json:"user_id" validate:"required"`
	ItemDescription  string              `json:"item_description" validate:"required"`
	AllowedMerchants []string            `json:"allowed_merchants"`
	Refundable       bool                `json:"refundable"`
	Status           IntentMandateStatus `json:"status" validate:"required"`
	CreatedAt        time.Time           `json:"created_at" validate:"required"`
	ExpiresAt        time.Time           `json:"expires_at" validate:"required"`
	UserSignature    string              `json:"user_signature" validate:"required"`
}

// Expired reports whether the mandate passed its expiry at the given instant.
func (m IntentMandate) Expired(now time.Time) bool {
	return now.After(m.ExpiresAt)
}

// CartItem is a single line of a cart mandate.
type CartItem struct {
	ItemID    string `json:"item_id" validate:"required"`
	Name      string `json:"name,omitempty"`
	Quantity  int    `json:"quantity" validate:"required,gt=0"`
	UnitPrice Amount `json:"unit_price"`
}

// FulfillmentTerms are the merchant commitments attached at signing time.
type FulfillmentTerms struct {
	FulfillmentSLA string `json:"fulfillment_sla"`
	ReturnPolicy   string `json:"return_policy"`
	Warranty       string `json:"warranty"`
}

// CartMandate is authored by the orchestrator and countersigned by the
// merchant as a fulfillment guarantee.
type CartMandate struct {
	CartMandateID   string            `json:"cart_mandate_id" validate:"required"`
	IntentMandateID string            `json:"intent_mandate_id,omitempty"`
	Items           []CartItem        `json:"items" validate:"required,min=1,dive"`
	// TotalAmount is Σ unit_price × quantity over the item lines. Tax and
	// shipping recorded at cart-update time sit alongside, not inside.
	TotalAmount        Amount            `json:"total_amount"`
	Tax                Amount            `json:"tax"`
	Shipping           Amount            `json:"shipping"`
	MerchantID         string            `json:"merchant_id,omitempty"`
	MerchantSignature  *string           `json:"merchant_signature,omitempty"`
	MerchantSignedAt   *time.Time        `json:"merchant_signed_at,omitempty"`
	FulfillmentTerms   *FulfillmentTerms `json:"fulfillment_terms,omitempty"`
	RequiresCredentials bool             `json:"requires_credentials"`
	RequiresShipping   bool              `json:"requires_shipping"`
	ShippingAddress    *Address          `json:"shipping_address,omitempty"`
	Status             CartMandateStatus `json:"status" validate:"required"`
	CreatedAt          time.Time         `json:"created_at"`
	ExpiresAt          time.Time         `json:"expires_at"`
}

// Signed reports whether the merchant countersignature is attached.
func (c CartMandate) Signed() bool {
	return c.MerchantSignature != nil && *c.MerchantSignature != ""
}

// Expired reports whether the accepted staleness window has closed.
func (c CartMandate) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// ItemsSubtotal computes Σ unit_price × quantity over the cart lines.
func (c CartMandate) ItemsSubtotal() Amount {
	var sum Amount
	for _, item := range c.Items {
		sum += item.UnitPrice * Amount(item.Quantity)
	}
	return sum
}

// GrandTotal is the amount a payment mandate against this cart must carry:
// the settled item total plus tax and shipping recorded at cart-update time.
func (c CartMandate) GrandTotal() Amount {
	return c.TotalAmount + c.Tax + c.Shipping
}

// PaymentMandate binds a payment credential token to a signed cart.
type PaymentMandate struct {
	PaymentMandateID string               `json:"payment_mandate_id" validate:"required"`
	CartMandateID    string               `json:"cart_mandate_id" validate:"required"`
	MerchantID       string               `json:"merchant_id,omitempty"`
	TotalAmount      Amount               `json:"total_amount"`
	Currency         string               `json:"currency" validate:"required,currency"`
	PaymentToken     string               `json:"payment_token" validate:"required"`
	UserSignature    *string              `json:"user_signature,omitempty"`
	UserSignedAt     *time.Time           `json:"user_signed_at,omitempty"`
	RequiresOTP      bool                 `json:"requires_otp"`
	Status           PaymentMandateStatus `json:"status" validate:"required"`
	CreatedAt        time.Time            `json:"created_at"`
}

// UserSigned reports whether the user-device signature is attached.
func (p PaymentMandate) UserSigned() bool {
	return p.UserSignature != nil && *p.UserSignature != ""
}

// CredentialToken is a single-use payment credential issued by the
// credentials provider, scoped to authorization and capture.
type CredentialToken struct {
	TokenID         string    `json:"credential_token_id"`
	Token           string    `json:"credential_token"`
	PaymentMethodID string    `json:"payment_method_id"`
	UserEmail       string    `json:"user_email"`
	Scope           []string  `json:"scope"`
	SingleUse       bool      `json:"single_use"`
	GeneratedAt     time.Time `json:"generated_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// PaymentSession is the first stage of the credentials provider sub-chain.
// Merchant and account identity are carried from the mandate so risk policy
// sees the real purchase context.
type PaymentSession struct {
	SessionID        string        `json:"payment_session_id"`
	PaymentMandateID string        `json:"payment_mandate_id"`
	MerchantID       string        `json:"merchant_id,omitempty"`
	UserEmail        string        `json:"user_email,omitempty"`
	Amount           Amount        `json:"amount"`
	Currency         string        `json:"currency"`
	Status           SessionStatus `json:"status"`
	RequiresOTP      bool          `json:"requires_otp"`
	CreatedAt        time.Time     `json:"created_at"`
	ExpiresAt        time.Time     `json:"expires_at"`
}

// Authorization holds risk outcome and OTP challenge state for a session.
// It back-references the session; it does not own it.
type Authorization struct {
	AuthorizationID      string              `json:"authorization_id"`
	SessionID            string              `json:"payment_session_id"`
	Amount               Amount              `json:"amount"`
	Currency             string              `json:"currency"`
	Status               AuthorizationStatus `json:"status"`
	AuthorizationCode    string              `json:"authorization_code"`
	NetworkTransactionID string              `json:"network_transaction_id"`
	RiskScore            int                 `json:"risk_score"`
	AuthorizedAt         time.Time           `json:"authorized_at"`
	ExpiresAt            time.Time           `json:"expires_at"`
	OTPExpiresAt         *time.Time          `json:"otp_expires_at,omitempty"`
	OTPAttemptsRemaining int                 `json:"otp_attempts_remaining"`
}

// Capture is the settlement record converting an authorization into a
// completed transaction. The receipt identifier is immutable.
type Capture struct {
	TransactionID   string        `json:"transaction_id"`
	AuthorizationID string        `json:"authorization_id"`
	CaptureID       string        `json:"capture_id"`
	Amount          Amount        `json:"amount"`
	Currency        string        `json:"currency"`
	Status          CaptureStatus `json:"status"`
	CapturedAt      time.Time     `json:"captured_at"`
	SettlementDate  string        `json:"settlement_date"`
	ReceiptID       string        `json:"receipt_id"`
	ReceiptURL      string        `json:"receipt_url"`
}

// Refund is created only against completed captures, never exceeding the
// capture's remaining refundable headroom.
type Refund struct {
	RefundID              string       `json:"refund_id"`
	OriginalTransactionID string       `json:"original_transaction_id"`
	Amount                Amount       `json:"refund_amount"`
	Currency              string       `json:"currency"`
	Reason                string       `json:"reason"`
	Status                RefundStatus `json:"status"`
	ProcessedAt           time.Time    `json:"processed_at"`
	ExpectedCompletion    string       `json:"expected_completion"`
}

// Product is a catalog record owned by the merchant.
type Product struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Price        Amount    `json:"price"`
	Category     string    `json:"category"`
	Description  string    `json:"description,omitempty"`
	Stock        int       `json:"stock"`
	Merchant     string    `json:"merchant"`
	Expires      time.Time `json:"expires"`
	RefundPeriod int       `json:"refund_period"`
}

// PaymentMethod is a stored credential owned by the credentials provider.
type PaymentMethod struct {
	PaymentMethodID string   `json:"payment_method_id"`
	Type            string   `json:"type"`
	Brand           string   `json:"brand,omitempty"`
	BankName        string   `json:"bank_name,omitempty"`
	LastFour        string   `json:"last_four"`
	ExpMonth        int      `json:"exp_month,omitempty"`
	ExpYear         int      `json:"exp_year,omitempty"`
	HolderName      string   `json:"holder_name,omitempty"`
	BillingCountry  string   `json:"billing_country,omitempty"`
	Default         bool     `json:"default"`
	Verified        bool     `json:"verified"`
	Capabilities    []string `json:"capabilities"`
}

// Address is a stored shipping or billing address.
type Address struct {
	AddressID    string `json:"address_id"`
	Recipient    string `json:"recipient"`
	AddressLine1 string `json:"address_line_1"`
	AddressLine2 string `json:"address_line_2,omitempty"`
	City         string `json:"city"`
	State        string `json:"state"`
	ZipCode      string `json:"zip_code"`
	Country      string `json:"country"`
	Phone        string `json:"phone,omitempty"`
	Organization string `json:"organization,omitempty"`
	Default      bool   `json:"default"`
	AddressType  string `json:"address_type,omitempty"`
}

// UserProfile is account reference data keyed by email.
type UserProfile struct {
	UserID            string    `json:"user_id"`
	FullName          string    `json:"full_name"`
	Email             string    `json:"email"`
	Phone             string    `json:"phone"`
	AccountCreated    time.Time `json:"account_created"`
	AccountStatus     string    `json:"account_status"`
	VerificationLevel string    `json:"verification_level"`
}

// TransactionRecord is a history line for audit and dispute resolution.
type TransactionRecord struct {
	TransactionID string    `json:"transaction_id"`
	Amount        Amount    `json:"amount"`
	Currency      string    `json:"currency"`
	Merchant      string    `json:"merchant"`
	Description   string    `json:"description"`
	Status        string    `json:"status"`
	Date          time.Time `json:"date"`
	PaymentMethod string    `json:"payment_method"`
}

// ItemValidation is the per-item outcome of cart validation.
type ItemValidation struct {
	ItemID      string `json:"item_id"`
	Valid       bool   `json:"valid"`
	Message     string `json:"message,omitempty"`
	ProductName string `json:"product_name,omitempty"`
	UnitPrice   Amount `json:"unit_price,omitempty"`
	Quantity    int    `json:"quantity,omitempty"`
	LineTotal   Amount `json:"line_total,omitempty"`
}

// CartValidation aggregates per-item results and the computed total.
type CartValidation struct {
	Valid       bool             `json:"valid"`
	TotalAmount Amount           `json:"total_amount"`
	Results     []ItemValidation `json:"results"`
}

// ReservedItem records one product hold inside a reservation.
type ReservedItem struct {
	ItemID   string `json:"item_id"`
	Quantity int    `json:"quantity"`
}

// Reservation holds cart quantities out of available-to-sell stock until it
// is consumed by fulfillment or released at expiry.
type Reservation struct {
	ReservationID string         `json:"reservation_id"`
	CartMandateID string         `json:"cart_mandate_id"`
	Items         []ReservedItem `json:"items"`
	CreatedAt     time.Time      `json:"created_at"`
	ExpiresAt     time.Time      `json:"expires_at"`
}

// FulfillmentOrder is issued by the merchant after payment completion.
type FulfillmentOrder struct {
	FulfillmentID     string    `json:"fulfillment_id"`
	CartMandateID     string    `json:"cart_mandate_id"`
	MerchantID        string    `json:"merchant_id"`
	Status            string    `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
	EstimatedShipping time.Time `json:"estimated_shipping"`
	TrackingNumber    string    `json:"tracking_number"`
	ShippingMethod    string    `json:"shipping_method"`
}
