package ap2

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func testCatalog() *Catalog {
	expires := time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC)
	return NewCatalog([]Product{
		{ID: "laptop_001", Name: "UltraBook Air 13", Description: "ultralight laptop for travel", Price: MustParseAmount("999.99"), Category: "laptops", Stock: 5, Merchant: "merchant_techstore", Expires: expires, RefundPeriod: 30},
		{ID: "laptop_002", Name: "DevStation Pro 15", Description: "workstation laptop for development", Price: MustParseAmount("1129.50"), Category: "laptops", Stock: 3, Merchant: "merchant_techstore", Expires: expires, RefundPeriod: 30},
		{ID: "mouse_001", Name: "Ergo Wireless Mouse", Description: "ergonomic wireless mouse", Price: MustParseAmount("49.99"), Category: "accessories", Stock: 1, Merchant: "merchant_techstore", Expires: expires, RefundPeriod: 14},
	})
}

func testMerchant(t *testing.T, opts ...MerchantOption) *MerchantService {
	t.Helper()
	registry := NewRegistry(testKeys())
	return NewMerchantService("merchant_techstore", testCatalog(), registry, opts...)
}

func draftCart(items ...CartItem) CartMandate {
	cart := CartMandate{
		CartMandateID: "cart_test",
		Items:         items,
		MerchantID:    "merchant_techstore",
		Status:        CartMandateStatusDraft,
		CreatedAt:     time.Date(2026, time.January, 15, 10, 0, 0, 0, time.UTC),
	}
	for _, item := range items {
		cart.TotalAmount += item.UnitPrice * Amount(item.Quantity)
	}
	return cart
}

func TestValidateCart(t *testing.T) {
	t.Parallel()

	merchant := testMerchant(t)

	t.Run("valid cart computes total", func(t *testing.T) {
		t.Parallel()
		result, err := merchant.ValidateCart(context.Background(), []CartItem{
			{ItemID: "laptop_002", Quantity: 1},
			{ItemID: "mouse_001", Quantity: 1},
		})
		if err != nil {
			t.Fatalf("validate: %v", err)
		}
		if !result.Valid {
			t.Fatalf("expected valid cart, results %+v", result.Results)
		}
		if want := MustParseAmount("1179.49"); result.TotalAmount != want {
			t.Fatalf("expected total %s got %s", want, result.TotalAmount)
		}
	})

	t.Run("unknown product", func(t *testing.T) {
		t.Parallel()
		result, err := merchant.ValidateCart(context.Background(), []CartItem{
			{ItemID: "tv_001", Quantity: 1},
		})
		if err != nil {
			t.Fatalf("validate: %v", err)
		}
		if result.Valid {
			t.Fatal("expected invalid cart")
		}
	})

	t.Run("insufficient stock", func(t *testing.T) {
		t.Parallel()
		result, err := merchant.ValidateCart(context.Background(), []CartItem{
			{ItemID: "laptop_002", Quantity: 10},
		})
		if err != nil {
			t.Fatalf("validate: %v", err)
		}
		if result.Valid {
			t.Fatal("expected invalid cart")
		}
	})

	t.Run("empty cart", func(t *testing.T) {
		t.Parallel()
		if _, err := merchant.ValidateCart(context.Background(), nil); err == nil {
			t.Fatal("expected rejection of empty cart")
		}
	})
}

func TestSignCart(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, time.January, 15, 10, 0, 0, 0, time.UTC)
	merchant := testMerchant(t, MerchantWithClock(func() time.Time { return now }))

	cart := draftCart(CartItem{ItemID: "laptop_002", Quantity: 1, UnitPrice: MustParseAmount("1129.50")})
	signed, err := merchant.SignCart(context.Background(), cart)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !signed.Signed() {
		t.Fatal("expected merchant signature")
	}
	if signed.Status != CartMandateStatusSigned {
		t.Fatalf("expected signed status, got %s", signed.Status)
	}
	if signed.TotalAmount != MustParseAmount("1129.50") {
		t.Fatalf("expected settled total 1129.50, got %s", signed.TotalAmount)
	}
	if err := CheckCartTotal(*signed); err != nil {
		t.Fatalf("signed-cart total invariant violated: %v", err)
	}
	if signed.FulfillmentTerms == nil {
		t.Fatal("expected fulfillment terms attached at signing")
	}

	// Replays return the stored cart verbatim, even if stock has moved on.
	again, err := merchant.SignCart(context.Background(), cart)
	if err != nil {
		t.Fatalf("re-sign: %v", err)
	}
	if *again.MerchantSignature != *signed.MerchantSignature {
		t.Fatal("expected identical signature on replay")
	}
	if !again.MerchantSignedAt.Equal(*signed.MerchantSignedAt) {
		t.Fatal("expected unchanged merchant_signed_at on replay")
	}
}

func TestSignCartConflictingReplay(t *testing.T) {
	t.Parallel()

	merchant := testMerchant(t)

	cart := draftCart(CartItem{ItemID: "laptop_002", Quantity: 1, UnitPrice: MustParseAmount("1129.50")})
	if _, err := merchant.SignCart(context.Background(), cart); err != nil {
		t.Fatalf("sign: %v", err)
	}

	// A different cart hiding behind the signed cart's ID must not be
	// answered with the signed record.
	imposter := draftCart(CartItem{ItemID: "mouse_001", Quantity: 1, UnitPrice: MustParseAmount("49.99")})
	_, err := merchant.SignCart(context.Background(), imposter)
	typed, ok := err.(*Error)
	if !ok || typed.Code != IdempotencyConflict {
		t.Fatalf("expected %s, got %v", IdempotencyConflict, err)
	}

	// Changed quantities conflict too.
	bumped := draftCart(CartItem{ItemID: "laptop_002", Quantity: 2, UnitPrice: MustParseAmount("1129.50")})
	_, err = merchant.SignCart(context.Background(), bumped)
	typed, ok = err.(*Error)
	if !ok || typed.Code != IdempotencyConflict {
		t.Fatalf("expected %s, got %v", IdempotencyConflict, err)
	}
}

func TestSignCartRefusesInvalidCart(t *testing.T) {
	t.Parallel()

	merchant := testMerchant(t)
	cart := draftCart(CartItem{ItemID: "laptop_002", Quantity: 50, UnitPrice: MustParseAmount("1129.50")})

	_, err := merchant.SignCart(context.Background(), cart)
	if err == nil {
		t.Fatal("expected invalid cart rejection")
	}
	typed, ok := err.(*Error)
	if !ok || typed.Code != InvalidCart {
		t.Fatalf("expected %s, got %v", InvalidCart, err)
	}
}

func TestReserveInventoryLastUnit(t *testing.T) {
	t.Parallel()

	merchant := testMerchant(t)

	first := draftCart(CartItem{ItemID: "mouse_001", Quantity: 1, UnitPrice: MustParseAmount("49.99")})
	first.CartMandateID = "cart_a"
	second := draftCart(CartItem{ItemID: "mouse_001", Quantity: 1, UnitPrice: MustParseAmount("49.99")})
	second.CartMandateID = "cart_b"

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, cart := range []CartMandate{first, second} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = merchant.ReserveInventory(context.Background(), cart, time.Hour)
		}()
	}
	wg.Wait()

	var failures int
	for _, err := range errs {
		if err != nil {
			failures++
			typed, ok := err.(*Error)
			if !ok || typed.Code != InsufficientStock {
				t.Fatalf("expected %s, got %v", InsufficientStock, err)
			}
			if !typed.Retryable() {
				t.Fatal("expected insufficient stock to be retryable")
			}
		}
	}
	if failures != 1 {
		t.Fatalf("expected exactly one loser for the last unit, got %d failures", failures)
	}
}

func TestReserveInventoryAllOrNothing(t *testing.T) {
	t.Parallel()

	merchant := testMerchant(t)
	cart := draftCart(
		CartItem{ItemID: "laptop_001", Quantity: 2, UnitPrice: MustParseAmount("999.99")},
		CartItem{ItemID: "mouse_001", Quantity: 5, UnitPrice: MustParseAmount("49.99")},
	)

	if _, err := merchant.ReserveInventory(context.Background(), cart, time.Hour); err == nil {
		t.Fatal("expected hold failure for the short line")
	}

	// The failed hold must leave every counter unchanged.
	laptop, err := merchant.catalog.Lookup(context.Background(), "laptop_001")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if laptop.Stock != 5 {
		t.Fatalf("expected laptop stock unchanged at 5, got %d", laptop.Stock)
	}
	mouse, err := merchant.catalog.Lookup(context.Background(), "mouse_001")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if mouse.Stock != 1 {
		t.Fatalf("expected mouse stock unchanged at 1, got %d", mouse.Stock)
	}
}

func TestReserveInventoryIdempotentPerCart(t *testing.T) {
	t.Parallel()

	merchant := testMerchant(t)
	cart := draftCart(CartItem{ItemID: "laptop_002", Quantity: 1, UnitPrice: MustParseAmount("1129.50")})

	res1, err := merchant.ReserveInventory(context.Background(), cart, time.Hour)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	res2, err := merchant.ReserveInventory(context.Background(), cart, time.Hour)
	if err != nil {
		t.Fatalf("re-reserve: %v", err)
	}
	if res1.ReservationID != res2.ReservationID {
		t.Fatal("expected the same reservation on replay")
	}

	product, _ := merchant.catalog.Lookup(context.Background(), "laptop_002")
	if product.Stock != 2 {
		t.Fatalf("expected stock decremented once to 2, got %d", product.Stock)
	}
}

func TestReservationExplicitRelease(t *testing.T) {
	t.Parallel()

	merchant := testMerchant(t)
	cart := draftCart(CartItem{ItemID: "laptop_002", Quantity: 2, UnitPrice: MustParseAmount("1129.50")})

	res, err := merchant.ReserveInventory(context.Background(), cart, time.Hour)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	product, _ := merchant.catalog.Lookup(context.Background(), "laptop_002")
	if product.Stock != 1 {
		t.Fatalf("expected stock 1 after hold, got %d", product.Stock)
	}

	merchant.ReleaseReservation(res.ReservationID)
	product, _ = merchant.catalog.Lookup(context.Background(), "laptop_002")
	if product.Stock != 3 {
		t.Fatalf("expected stock restored to 3, got %d", product.Stock)
	}

	// Releasing again is a no-op.
	merchant.ReleaseReservation(res.ReservationID)
	product, _ = merchant.catalog.Lookup(context.Background(), "laptop_002")
	if product.Stock != 3 {
		t.Fatalf("expected stock still 3, got %d", product.Stock)
	}
}

func TestReservationAutoRelease(t *testing.T) {
	t.Parallel()

	merchant := testMerchant(t)
	cart := draftCart(CartItem{ItemID: "laptop_002", Quantity: 1, UnitPrice: MustParseAmount("1129.50")})

	if _, err := merchant.ReserveInventory(context.Background(), cart, 20*time.Millisecond); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		product, _ := merchant.catalog.Lookup(context.Background(), "laptop_002")
		if product.Stock == 3 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected stock restored to 3, still %d", product.Stock)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestProcessOrderFulfillment(t *testing.T) {
	t.Parallel()

	var events int
	var lastEvent webhookEvent
	var mu sync.Mutex
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		events++
		_ = json.Unmarshal(body, &lastEvent)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer sink.Close()

	webhook := NewFulfillmentWebhook(sink.URL, []byte("hook-secret"), "", sink.Client())
	merchant := testMerchant(t, MerchantWithWebhook(webhook))

	cart := draftCart(CartItem{ItemID: "laptop_002", Quantity: 1, UnitPrice: MustParseAmount("1129.50")})
	signed, err := merchant.SignCart(context.Background(), cart)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := merchant.ReserveInventory(context.Background(), *signed, time.Hour); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	order, err := merchant.ProcessOrderFulfillment(context.Background(), *signed)
	if err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	if order.TrackingNumber == "" {
		t.Fatal("expected a tracking number")
	}

	mu.Lock()
	if events != 1 {
		t.Fatalf("expected one webhook event, got %d", events)
	}
	if lastEvent.Type != WebhookEventTypeOrderCreated {
		t.Fatalf("expected %s event, got %s", WebhookEventTypeOrderCreated, lastEvent.Type)
	}
	mu.Unlock()

	// Fulfilling again returns the same order without a second event.
	again, err := merchant.ProcessOrderFulfillment(context.Background(), *signed)
	if err != nil {
		t.Fatalf("re-fulfill: %v", err)
	}
	if again.FulfillmentID != order.FulfillmentID {
		t.Fatal("expected idempotent fulfillment")
	}
	mu.Lock()
	if events != 1 {
		t.Fatalf("expected no second webhook event, got %d", events)
	}
	mu.Unlock()

	// The consumed reservation must not release stock back.
	product, _ := merchant.catalog.Lookup(context.Background(), "laptop_002")
	if product.Stock != 2 {
		t.Fatalf("expected stock 2 after consumed hold, got %d", product.Stock)
	}
}

func TestProcessOrderFulfillmentRequiresSignature(t *testing.T) {
	t.Parallel()

	merchant := testMerchant(t)
	cart := draftCart(CartItem{ItemID: "laptop_002", Quantity: 1, UnitPrice: MustParseAmount("1129.50")})

	if _, err := merchant.ProcessOrderFulfillment(context.Background(), cart); err == nil {
		t.Fatal("expected unsigned cart rejection")
	}

	signed, err := merchant.SignCart(context.Background(), cart)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	forged := *signed
	badSig := "0000"
	forged.MerchantSignature = &badSig
	if _, err := merchant.ProcessOrderFulfillment(context.Background(), forged); err == nil {
		t.Fatal("expected forged signature rejection")
	}
}

func TestMerchantHandleMessage(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(testKeys())
	merchant := NewMerchantService("merchant_techstore", testCatalog(), registry)

	deliver := func(t *testing.T, payload Payload) *Envelope {
		t.Helper()
		env, err := registry.Send(context.Background(), AgentShopping, AgentMerchant, payload, "")
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		registry.Observe(env.MessageID)
		reply, err := merchant.HandleMessage(context.Background(), env)
		if err != nil {
			t.Fatalf("handle: %v", err)
		}
		if reply.InResponseTo != env.MessageID {
			t.Fatalf("expected reply to %s, got %q", env.MessageID, reply.InResponseTo)
		}
		if reply.SenderAgent != AgentMerchant {
			t.Fatalf("expected sender %s got %s", AgentMerchant, reply.SenderAgent)
		}
		return reply
	}

	t.Run("intent mandate yields catalog", func(t *testing.T) {
		reply := deliver(t, intentPayload(t))
		catalog, err := reply.Payload.AsProductCatalog()
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if catalog.TotalProducts != 3 {
			t.Fatalf("expected 3 products in catalog, got %d", catalog.TotalProducts)
		}
	})

	t.Run("cart mandate is countersigned", func(t *testing.T) {
		cart := draftCart(CartItem{ItemID: "laptop_002", Quantity: 1, UnitPrice: MustParseAmount("1129.50")})
		var payload Payload
		if err := payload.FromCartMandate(cart); err != nil {
			t.Fatalf("build payload: %v", err)
		}
		reply := deliver(t, payload)
		signed, err := reply.Payload.AsCartMandate()
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !signed.Signed() {
			t.Fatal("expected countersigned cart")
		}
		if signed.CartMandateID != cart.CartMandateID {
			t.Fatal("expected merged payload to keep the cart identity")
		}
	})

	t.Run("failure travels inside the envelope", func(t *testing.T) {
		cart := draftCart(CartItem{ItemID: "tv_001", Quantity: 1, UnitPrice: MustParseAmount("500.00")})
		cart.CartMandateID = "cart_unknown_product"
		var payload Payload
		if err := payload.FromCartMandate(cart); err != nil {
			t.Fatalf("build payload: %v", err)
		}
		reply := deliver(t, payload)
		peerErr, err := reply.Payload.AsError()
		if err != nil {
			t.Fatalf("decode error payload: %v", err)
		}
		if peerErr.Code != InvalidCart {
			t.Fatalf("expected %s got %s", InvalidCart, peerErr.Code)
		}
	})
}
