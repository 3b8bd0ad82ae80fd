package ap2

import (
	"net/http"
	"time"
)

// ErrorType classifies a failure for retry handling (protocol §7 taxonomy).
type ErrorType string

const (
	InvalidRequest     ErrorType = "invalid_request"     // Malformed input: bad JSON or missing required field.
	PreconditionFailed ErrorType = "precondition_failed" // Mandate-chain precondition unmet; retry with corrected prerequisites.
	Retryable          ErrorType = "retryable"           // Transient; the caller may retry the same operation.
	Terminal           ErrorType = "terminal"            // The mandate chain is dead; a fresh Intent Mandate is required.
	ProcessingError    ErrorType = "processing_error"    // Internal failure.
)

// ErrorCode is a machine-readable identifier for the specific failure.
type ErrorCode string

const (
	MalformedEnvelope    ErrorCode = "malformed_envelope"     // Required envelope fields absent or unparseable.
	UnknownSender        ErrorCode = "unknown_sender"         // Sender is not a recognized protocol participant.
	DuplicateMessage     ErrorCode = "duplicate_message"      // message_id already observed from this sender.
	UnknownMessage       ErrorCode = "unknown_message"        // in_response_to references an unobserved message_id.
	InvalidSignature     ErrorCode = "invalid_signature"      // Signature is missing or does not match the payload.
	SignatureRequired    ErrorCode = "signature_required"     // Signed envelopes are required but headers were missing.
	StaleTimestamp       ErrorCode = "stale_timestamp"        // Timestamp skew exceeded the allowed window.
	MissingAuthorization ErrorCode = "missing_authorization"  // Authorization header missing.
	InvalidAuthorization ErrorCode = "invalid_authorization"  // Authorization header malformed or API key invalid.
	ProductNotFound      ErrorCode = "product_not_found"      // Item is not in the merchant catalog.
	InsufficientStock    ErrorCode = "insufficient_stock"     // Requested quantity exceeds available stock.
	InvalidCart          ErrorCode = "invalid_cart"           // Cart failed validation and cannot be signed.
	IdempotencyConflict  ErrorCode = "idempotency_conflict"   // Same mandate ID replayed with different contents.
	CartNotSigned        ErrorCode = "cart_not_signed"        // Operation requires a merchant-signed cart.
	MandateExpired       ErrorCode = "mandate_expired"        // Mandate or session passed its expiry.
	MandateNotFound      ErrorCode = "mandate_not_found"      // Referenced mandate is unknown.
	AmountMismatch       ErrorCode = "amount_mismatch"        // Payment amount does not match the signed cart total.
	InvalidTransition    ErrorCode = "invalid_transition"     // Checkout state machine precondition unmet.
	InvalidOTP           ErrorCode = "invalid_otp"            // OTP code does not match; retryable within the attempt budget.
	OTPAttemptsExhausted ErrorCode = "otp_attempts_exhausted" // Attempt budget spent; authorization declined.
	OTPExpired           ErrorCode = "otp_expired"            // OTP validity window passed.
	AuthorizationDenied  ErrorCode = "authorization_declined" // Risk policy declined the authorization.
	SessionExpired       ErrorCode = "session_expired"        // Payment session passed its expiry.
	TransactionNotFound  ErrorCode = "transaction_not_found"  // Refund references an unknown or uncaptured transaction.
	AmountExceedsCapture ErrorCode = "amount_exceeds_captured" // Cumulative refunds would exceed the captured amount.
	ReservationNotFound  ErrorCode = "reservation_not_found"  // Reservation is unknown or already released.
	DeliveryFailed       ErrorCode = "delivery_failed"        // Transport could not deliver the envelope to the peer.
)

// Error represents a structured AP2 error payload.
type Error struct {
	Type    ErrorType `json:"type"`
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Param   *string   `json:"param,omitempty"`

	status     int           `json:"-"`
	retryAfter time.Duration `json:"-"`
}

// Error makes *Error satisfy the stdlib error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Retryable reports whether the caller may retry the same operation.
func (e *Error) Retryable() bool {
	return e != nil && e.Type == Retryable
}

// RetryAfter returns the duration clients should wait before retrying.
func (e *Error) RetryAfter() time.Duration {
	if e == nil {
		return 0
	}
	return e.retryAfter
}

type errorOption func(*Error)

// WithOffendingParam sets the JSON path for the field that triggered the error.
func WithOffendingParam(jsonPath string) errorOption {
	return func(er *Error) {
		er.Param = &jsonPath
	}
}

// WithStatusCode overrides the HTTP status code returned to the client.
func WithStatusCode(status int) errorOption {
	return func(er *Error) {
		er.status = status
	}
}

// WithRetryAfter specifies how long clients should wait before retrying.
func WithRetryAfter(d time.Duration) errorOption {
	return func(er *Error) {
		er.retryAfter = d
	}
}

// NewInvalidRequestError builds a malformed-input error payload. No state has
// changed when this is returned.
func NewInvalidRequestError(message string, opts ...errorOption) *Error {
	return newError(InvalidRequest, ErrorCode(InvalidRequest), message, append([]errorOption{WithStatusCode(http.StatusBadRequest)}, opts...)...)
}

// NewPreconditionError builds an error for a violated mandate-chain
// precondition. The caller should retry with corrected prerequisites, not
// corrected syntax.
func NewPreconditionError(code ErrorCode, message string, opts ...errorOption) *Error {
	return newError(PreconditionFailed, code, message, append([]errorOption{WithStatusCode(http.StatusConflict)}, opts...)...)
}

// NewRetryableError builds an error the caller may retry as-is.
func NewRetryableError(code ErrorCode, message string, opts ...errorOption) *Error {
	return newError(Retryable, code, message, append([]errorOption{WithStatusCode(http.StatusUnprocessableEntity)}, opts...)...)
}

// NewTerminalError builds an error that ends the mandate chain.
func NewTerminalError(code ErrorCode, message string, opts ...errorOption) *Error {
	return newError(Terminal, code, message, append([]errorOption{WithStatusCode(http.StatusGone)}, opts...)...)
}

// NewProcessingError builds an Internal Server Error payload.
func NewProcessingError(message string, opts ...errorOption) *Error {
	return newError(ProcessingError, ErrorCode(ProcessingError), message, append([]errorOption{WithStatusCode(http.StatusInternalServerError)}, opts...)...)
}

// NewHTTPError allows callers to control the status code explicitly.
func NewHTTPError(status int, typ ErrorType, code ErrorCode, message string, opts ...errorOption) *Error {
	return newError(typ, code, message, append(opts, WithStatusCode(status))...)
}

// newError builds a typed error payload matching the AP2 schema.
func newError(typ ErrorType, code ErrorCode, message string, opts ...errorOption) *Error {
	errPayload := &Error{
		Type:    typ,
		Code:    code,
		Message: message,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(errPayload)
	}
	return errPayload
}
