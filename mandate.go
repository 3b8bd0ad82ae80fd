package ap2

import (
	"fmt"
	"time"
)

// CheckCartTotal verifies the signed-cart invariant: total_amount equals
// Σ unit_price × quantity over the cart lines. Tax and shipping recorded at
// cart-update time are layered on top at the payment-mandate stage.
func CheckCartTotal(cart CartMandate) *Error {
	if want := cart.ItemsSubtotal(); cart.TotalAmount != want {
		return NewPreconditionError(AmountMismatch,
			fmt.Sprintf("cart total %s does not match item subtotal %s", cart.TotalAmount, want))
	}
	return nil
}

// CheckCartSignable verifies that a cart may receive a merchant signature.
func CheckCartSignable(cart CartMandate, now time.Time) *Error {
	if cart.Expired(now) {
		return NewTerminalError(MandateExpired, "cart mandate expired")
	}
	switch cart.Status {
	case CartMandateStatusDraft, CartMandateStatusValidated, CartMandateStatusSigned:
		return nil
	default:
		return NewPreconditionError(InvalidCart, fmt.Sprintf("cart in state %q cannot be signed", cart.Status))
	}
}

// CheckPaymentMandate verifies the payment mandate against its referenced
// cart: the cart must be merchant-signed, inside its staleness window, and
// the payment amount must equal the settled cart total.
func CheckPaymentMandate(pm PaymentMandate, cart CartMandate, now time.Time) *Error {
	if pm.CartMandateID != cart.CartMandateID {
		return NewPreconditionError(MandateNotFound, "payment mandate references a different cart")
	}
	if !cart.Signed() || (cart.Status != CartMandateStatusSigned && cart.Status != CartMandateStatusFulfilled) {
		return NewPreconditionError(CartNotSigned, "payment mandate requires a merchant-signed cart")
	}
	if cart.Expired(now) {
		return NewTerminalError(MandateExpired, "referenced cart mandate expired")
	}
	if want := cart.GrandTotal(); pm.TotalAmount != want {
		return NewPreconditionError(AmountMismatch,
			fmt.Sprintf("payment amount %s does not equal cart total %s", pm.TotalAmount, want))
	}
	return nil
}

// CheckIntentUsable verifies an intent mandate can still anchor a purchase.
func CheckIntentUsable(intent IntentMandate, now time.Time) *Error {
	if intent.Expired(now) {
		return NewTerminalError(MandateExpired, "intent mandate expired")
	}
	if intent.Status != IntentMandateStatusCreated {
		return NewTerminalError(MandateExpired, fmt.Sprintf("intent mandate already %s", intent.Status))
	}
	return nil
}

// CheckMerchantAllowed verifies the merchant against the intent allow-list.
// An empty list allows any merchant.
func CheckMerchantAllowed(intent IntentMandate, merchant string) *Error {
	if len(intent.AllowedMerchants) == 0 {
		return nil
	}
	for _, m := range intent.AllowedMerchants {
		if m == merchant {
			return nil
		}
	}
	return NewPreconditionError(InvalidCart, fmt.Sprintf("merchant %q is not allowed by the intent mandate", merchant))
}

// CheckRefundable verifies a refund request against the capture and the
// cumulative amount already refunded.
func CheckRefundable(capture Capture, alreadyRefunded, requested Amount) *Error {
	if capture.Status != CaptureStatusCompleted {
		return NewPreconditionError(TransactionNotFound, "refunds require a completed capture")
	}
	if requested <= 0 {
		return NewInvalidRequestError("refund amount must be positive")
	}
	if alreadyRefunded+requested > capture.Amount {
		return NewPreconditionError(AmountExceedsCapture,
			fmt.Sprintf("refund %s exceeds remaining headroom %s of capture %s",
				requested, capture.Amount-alreadyRefunded, capture.Amount))
	}
	return nil
}
