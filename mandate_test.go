package ap2

import (
	"strings"
	"testing"
	"time"
)

func signedTestCart(now time.Time) CartMandate {
	sig := "deadbeef"
	signedAt := now.Add(-time.Hour)
	return CartMandate{
		CartMandateID: "cart_1",
		Items: []CartItem{
			{ItemID: "laptop_002", Name: "DevStation Pro 15", Quantity: 1, UnitPrice: MustParseAmount("1129.50")},
		},
		TotalAmount:       MustParseAmount("1129.50"),
		Tax:               MustParseAmount("1.50"),
		Shipping:          MustParseAmount("2.00"),
		MerchantID:        "merchant_techstore",
		MerchantSignature: &sig,
		MerchantSignedAt:  &signedAt,
		Status:            CartMandateStatusSigned,
		CreatedAt:         now.Add(-2 * time.Hour),
		ExpiresAt:         now.Add(22 * time.Hour),
	}
}

func TestCartMandateTotals(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, time.January, 15, 12, 0, 0, 0, time.UTC)
	cart := signedTestCart(now)

	if got := cart.ItemsSubtotal(); got != MustParseAmount("1129.50") {
		t.Fatalf("expected subtotal 1129.50 got %s", got)
	}
	if got := cart.GrandTotal(); got != MustParseAmount("1133.00") {
		t.Fatalf("expected grand total 1133.00 got %s", got)
	}
	if err := CheckCartTotal(cart); err != nil {
		t.Fatalf("expected total invariant to hold: %v", err)
	}

	cart.TotalAmount = MustParseAmount("1000.00")
	err := CheckCartTotal(cart)
	if err == nil {
		t.Fatal("expected mismatch rejection")
	}
	if err.Code != AmountMismatch {
		t.Fatalf("expected %s got %s", AmountMismatch, err.Code)
	}
}

func TestCheckPaymentMandate(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, time.January, 15, 12, 0, 0, 0, time.UTC)

	tests := map[string]struct {
		mutate   func(pm *PaymentMandate, cart *CartMandate)
		wantCode ErrorCode
	}{
		"valid": {
			mutate: func(pm *PaymentMandate, cart *CartMandate) {},
		},
		"unsigned cart": {
			mutate: func(pm *PaymentMandate, cart *CartMandate) {
				cart.MerchantSignature = nil
				cart.Status = CartMandateStatusValidated
			},
			wantCode: CartNotSigned,
		},
		"expired cart": {
			mutate: func(pm *PaymentMandate, cart *CartMandate) {
				cart.ExpiresAt = now.Add(-time.Minute)
			},
			wantCode: MandateExpired,
		},
		"amount below grand total": {
			mutate: func(pm *PaymentMandate, cart *CartMandate) {
				pm.TotalAmount = cart.TotalAmount
			},
			wantCode: AmountMismatch,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cart := signedTestCart(now)
			pm := PaymentMandate{
				PaymentMandateID: "pm_1",
				CartMandateID:    cart.CartMandateID,
				TotalAmount:      cart.GrandTotal(),
				Currency:         "USD",
				PaymentToken:     "cred_token_abc",
				Status:           PaymentMandateStatusCreated,
				CreatedAt:        now,
			}
			tt.mutate(&pm, &cart)
			err := CheckPaymentMandate(pm, cart, now)
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			if err.Code != tt.wantCode {
				t.Fatalf("expected code %s got %s", tt.wantCode, err.Code)
			}
		})
	}
}

func TestCheckIntentUsable(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, time.January, 15, 12, 0, 0, 0, time.UTC)
	intent := IntentMandate{
		MandateID:       "intent_1",
		UserID:          "user_1",
		ItemDescription: "a laptop",
		Status:          IntentMandateStatusCreated,
		CreatedAt:       now.Add(-time.Hour),
		ExpiresAt:       now.Add(23 * time.Hour),
		UserSignature:   "sig",
	}
	if err := CheckIntentUsable(intent, now); err != nil {
		t.Fatalf("expected usable intent: %v", err)
	}

	expired := intent
	expired.ExpiresAt = now.Add(-time.Minute)
	if err := CheckIntentUsable(expired, now); err == nil || err.Code != MandateExpired {
		t.Fatalf("expected %s, got %v", MandateExpired, err)
	}

	consumed := intent
	consumed.Status = IntentMandateStatusConsumed
	if err := CheckIntentUsable(consumed, now); err == nil {
		t.Fatal("expected consumed intent rejection")
	}
}

func TestCheckMerchantAllowed(t *testing.T) {
	t.Parallel()

	intent := IntentMandate{AllowedMerchants: []string{"merchant_techstore"}}
	if err := CheckMerchantAllowed(intent, "merchant_techstore"); err != nil {
		t.Fatalf("expected allowed merchant: %v", err)
	}
	if err := CheckMerchantAllowed(intent, "merchant_other"); err == nil {
		t.Fatal("expected disallowed merchant rejection")
	}

	open := IntentMandate{}
	if err := CheckMerchantAllowed(open, "anyone"); err != nil {
		t.Fatalf("expected empty allow-list to admit all merchants: %v", err)
	}
}

func TestCheckRefundable(t *testing.T) {
	t.Parallel()

	capture := Capture{
		TransactionID: "txn_1",
		Amount:        MustParseAmount("1133.00"),
		Status:        CaptureStatusCompleted,
	}

	if err := CheckRefundable(capture, 0, MustParseAmount("100.00")); err != nil {
		t.Fatalf("expected refund within headroom: %v", err)
	}
	if err := CheckRefundable(capture, MustParseAmount("1100.00"), MustParseAmount("33.00")); err != nil {
		t.Fatalf("expected refund consuming exact headroom: %v", err)
	}
	if err := CheckRefundable(capture, MustParseAmount("1100.00"), MustParseAmount("33.01")); err == nil {
		t.Fatal("expected over-refund rejection")
	} else if err.Code != AmountExceedsCapture {
		t.Fatalf("expected %s got %s", AmountExceedsCapture, err.Code)
	}
	if err := CheckRefundable(capture, 0, 0); err == nil {
		t.Fatal("expected zero-amount rejection")
	}

	failed := capture
	failed.Status = CaptureStatusFailed
	if err := CheckRefundable(failed, 0, MustParseAmount("1.00")); err == nil {
		t.Fatal("expected refund against failed capture to be rejected")
	}
}

func TestMandateValidation(t *testing.T) {
	t.Parallel()

	t.Run("cart without items", func(t *testing.T) {
		t.Parallel()
		cart := CartMandate{CartMandateID: "cart_1", Status: CartMandateStatusDraft}
		err := cart.Validate()
		if err == nil {
			t.Fatal("expected validation error")
		}
		typed, ok := err.(*Error)
		if !ok || typed.Type != InvalidRequest {
			t.Fatalf("expected invalid_request, got %v", err)
		}
		if typed.Param == nil || *typed.Param != "items" {
			t.Fatalf("expected offending param items, got %v", typed.Param)
		}
	})

	t.Run("intent without signature", func(t *testing.T) {
		t.Parallel()
		intent := IntentMandate{
			MandateID:       "intent_1",
			UserID:          "user_1",
			ItemDescription: "a laptop",
			Status:          IntentMandateStatusCreated,
			CreatedAt:       time.Now(),
			ExpiresAt:       time.Now().Add(time.Hour),
		}
		err := intent.Validate()
		if err == nil {
			t.Fatal("expected validation error")
		}
		typed, ok := err.(*Error)
		if !ok || typed.Param == nil || *typed.Param != "user_signature" {
			t.Fatalf("expected offending param user_signature, got %v", err)
		}
	})

	t.Run("payment mandate without token", func(t *testing.T) {
		t.Parallel()
		pm := PaymentMandate{
			PaymentMandateID: "pm_1",
			CartMandateID:    "cart_1",
			Currency:         "USD",
			Status:           PaymentMandateStatusCreated,
		}
		err := pm.Validate()
		if err == nil {
			t.Fatal("expected validation error")
		}
		typed, ok := err.(*Error)
		if !ok || typed.Param == nil || *typed.Param != "payment_token" {
			t.Fatalf("expected offending param payment_token, got %v", err)
		}
	})

	t.Run("payment mandate with lowercase currency", func(t *testing.T) {
		t.Parallel()
		pm := PaymentMandate{
			PaymentMandateID: "pm_1",
			CartMandateID:    "cart_1",
			Currency:         "usd",
			PaymentToken:     "cred_token_abc",
			Status:           PaymentMandateStatusCreated,
		}
		err := pm.Validate()
		if err == nil {
			t.Fatal("expected validation error")
		}
		typed, ok := err.(*Error)
		if !ok || typed.Param == nil || *typed.Param != "currency" {
			t.Fatalf("expected offending param currency, got %v", err)
		}
		if !strings.Contains(typed.Message, "ISO-4217") {
			t.Fatalf("expected the currency rule in the message, got %q", typed.Message)
		}
	})
}
