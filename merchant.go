package ap2

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentpay/ap2/signature"
)

// CatalogProvider is the read path into merchant reference data plus the
// stock-counter mutation points used by reservations. Absence is "not
// found", never zero.
type CatalogProvider interface {
	Lookup(ctx context.Context, productID string) (*Product, error)
	List(ctx context.Context, category, query string, max int) ([]Product, error)
	// Hold atomically decrements available-to-sell stock for every item or
	// none of them.
	Hold(ctx context.Context, items []ReservedItem) error
	// Release returns previously held quantities to available stock.
	Release(ctx context.Context, items []ReservedItem) error
}

type stockEntry struct {
	mu        sync.Mutex
	product   Product
	available int
}

// Catalog is an in-memory CatalogProvider. Reads are snapshot reads;
// stock mutation serializes on each product's own counter.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]*stockEntry
}

// NewCatalog builds a catalog from the given products, loaded once at
// construction. Requests never mutate the product records, only the
// available-stock counters.
func NewCatalog(products []Product) *Catalog {
	entries := make(map[string]*stockEntry, len(products))
	for _, p := range products {
		entries[p.ID] = &stockEntry{product: p, available: p.Stock}
	}
	return &Catalog{entries: entries}
}

// Lookup returns a snapshot of the product with current available stock.
func (c *Catalog) Lookup(_ context.Context, productID string) (*Product, error) {
	c.mu.RLock()
	entry, ok := c.entries[productID]
	c.mu.RUnlock()
	if !ok {
		return nil, NewPreconditionError(ProductNotFound, fmt.Sprintf("product %q not found in catalog", productID))
	}
	entry.mu.Lock()
	snapshot := entry.product
	snapshot.Stock = entry.available
	entry.mu.Unlock()
	return &snapshot, nil
}

// List returns catalog snapshots filtered by category and free-text query.
// The query is tokenized so an intent description like "a laptop for work"
// matches any product whose name or description carries one of its terms.
func (c *Catalog) List(_ context.Context, category, query string, max int) ([]Product, error) {
	c.mu.RLock()
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	c.mu.RUnlock()
	sort.Strings(ids)

	terms := queryTerms(query)
	category = strings.ToLower(strings.TrimSpace(category))
	var out []Product
	for _, id := range ids {
		c.mu.RLock()
		entry := c.entries[id]
		c.mu.RUnlock()
		entry.mu.Lock()
		p := entry.product
		p.Stock = entry.available
		entry.mu.Unlock()
		if category != "" && strings.ToLower(p.Category) != category {
			continue
		}
		if !matchesTerms(p, terms) {
			continue
		}
		out = append(out, p)
		if max > 0 && len(out) == max {
			break
		}
	}
	return out, nil
}

// queryTerms lowercases and splits the query, dropping stop-word noise.
func queryTerms(query string) []string {
	var terms []string
	for _, field := range strings.Fields(strings.ToLower(query)) {
		if len(field) < 3 {
			continue
		}
		terms = append(terms, field)
	}
	return terms
}

func matchesTerms(p Product, terms []string) bool {
	if len(terms) == 0 {
		return true
	}
	haystack := strings.ToLower(p.Name + " " + p.Description)
	for _, term := range terms {
		if strings.Contains(haystack, term) {
			return true
		}
	}
	return false
}

// Hold decrements stock for all items or none. Product locks are taken in
// sorted ID order so concurrent holds never deadlock, and two holds racing
// for the last unit can never both win it.
func (c *Catalog) Hold(_ context.Context, items []ReservedItem) error {
	entries, unlock, err := c.lockAll(items)
	if err != nil {
		return err
	}
	defer unlock()
	for i, item := range items {
		if item.Quantity > entries[i].available {
			return NewRetryableError(InsufficientStock,
				fmt.Sprintf("insufficient stock for %s: available %d, requested %d", item.ItemID, entries[i].available, item.Quantity))
		}
	}
	for i, item := range items {
		entries[i].available -= item.Quantity
	}
	return nil
}

// Release returns held quantities to available stock.
func (c *Catalog) Release(_ context.Context, items []ReservedItem) error {
	entries, unlock, err := c.lockAll(items)
	if err != nil {
		return err
	}
	defer unlock()
	for i, item := range items {
		entries[i].available += item.Quantity
	}
	return nil
}

func (c *Catalog) lockAll(items []ReservedItem) ([]*stockEntry, func(), error) {
	order := make([]int, len(items))
	for i := range items {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return items[order[a]].ItemID < items[order[b]].ItemID })

	entries := make([]*stockEntry, len(items))
	c.mu.RLock()
	for _, idx := range order {
		entry, ok := c.entries[items[idx].ItemID]
		if !ok {
			c.mu.RUnlock()
			return nil, nil, NewPreconditionError(ProductNotFound, fmt.Sprintf("product %q not found in catalog", items[idx].ItemID))
		}
		entries[idx] = entry
	}
	c.mu.RUnlock()

	for _, idx := range order {
		entries[idx].mu.Lock()
	}
	unlock := func() {
		for i := len(order) - 1; i >= 0; i-- {
			entries[order[i]].mu.Unlock()
		}
	}
	return entries, unlock, nil
}

type reservationState struct {
	reservation Reservation
	timer       *time.Timer
	consumed    bool
	released    bool
}

// MerchantService owns catalog and inventory, validates carts, countersigns
// cart mandates as a fulfillment guarantee, reserves stock, and fulfills
// orders after payment completion.
type MerchantService struct {
	merchantID string
	catalog    CatalogProvider
	terms      FulfillmentTerms
	clock      func() time.Time
	registry   *Registry
	webhook    *FulfillmentWebhook

	mu           sync.Mutex
	signed       map[string]*CartMandate
	reservations map[string]*reservationState
	byCart       map[string]string
	fulfillments map[string]*FulfillmentOrder
}

// MerchantOption customizes a MerchantService.
type MerchantOption func(*MerchantService)

// MerchantWithClock provides deterministic time in tests.
func MerchantWithClock(fn func() time.Time) MerchantOption {
	return func(s *MerchantService) {
		s.clock = fn
	}
}

// MerchantWithTerms overrides the fulfillment terms attached at signing.
func MerchantWithTerms(terms FulfillmentTerms) MerchantOption {
	return func(s *MerchantService) {
		s.terms = terms
	}
}

// MerchantWithWebhook emits signed order events on fulfillment transitions.
func MerchantWithWebhook(w *FulfillmentWebhook) MerchantOption {
	return func(s *MerchantService) {
		s.webhook = w
	}
}

// NewMerchantService wires a merchant identity to its catalog and the A2A
// registry used for replies.
func NewMerchantService(merchantID string, catalog CatalogProvider, registry *Registry, opts ...MerchantOption) *MerchantService {
	s := &MerchantService{
		merchantID: merchantID,
		catalog:    catalog,
		registry:   registry,
		clock:      time.Now,
		terms: FulfillmentTerms{
			FulfillmentSLA: "2-3 business days",
			ReturnPolicy:   "30 days",
			Warranty:       "1 year manufacturer warranty",
		},
		signed:       make(map[string]*CartMandate),
		reservations: make(map[string]*reservationState),
		byCart:       make(map[string]string),
		fulfillments: make(map[string]*FulfillmentOrder),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	return s
}

// ProductCatalog returns a filtered catalog snapshot. Lock-free read path.
func (s *MerchantService) ProductCatalog(ctx context.Context, category, query string, max int) (*ProductCatalogPayload, error) {
	all, err := s.catalog.List(ctx, "", "", 0)
	if err != nil {
		return nil, err
	}
	filtered, err := s.catalog.List(ctx, category, query, max)
	if err != nil {
		return nil, err
	}
	return &ProductCatalogPayload{
		Products:      filtered,
		TotalProducts: len(all),
		FilteredCount: len(filtered),
	}, nil
}

// ValidateCart checks every line against current stock and pricing,
// aggregating per-item outcomes and the computed item subtotal. Prices come
// from the catalog, not from the caller.
func (s *MerchantService) ValidateCart(ctx context.Context, items []CartItem) (*CartValidation, error) {
	if len(items) == 0 {
		return nil, NewInvalidRequestError("cart must contain at least one item")
	}
	result := &CartValidation{Valid: true}
	for _, item := range items {
		if item.Quantity <= 0 {
			result.Valid = false
			result.Results = append(result.Results, ItemValidation{
				ItemID:  item.ItemID,
				Message: "quantity must be positive",
			})
			continue
		}
		product, err := s.catalog.Lookup(ctx, item.ItemID)
		if err != nil {
			result.Valid = false
			result.Results = append(result.Results, ItemValidation{
				ItemID:  item.ItemID,
				Message: "product not found in catalog",
			})
			continue
		}
		if item.Quantity > product.Stock {
			result.Valid = false
			result.Results = append(result.Results, ItemValidation{
				ItemID:  item.ItemID,
				Message: fmt.Sprintf("insufficient stock: available %d, requested %d", product.Stock, item.Quantity),
			})
			continue
		}
		lineTotal := product.Price * Amount(item.Quantity)
		result.Results = append(result.Results, ItemValidation{
			ItemID:      item.ItemID,
			Valid:       true,
			ProductName: product.Name,
			UnitPrice:   product.Price,
			Quantity:    item.Quantity,
			LineTotal:   lineTotal,
		})
		result.TotalAmount += lineTotal
	}
	return result, nil
}

// SignCart validates the cart and attaches the merchant countersignature,
// transitioning it to signed. The transition is one-way: a previously signed
// cart is returned as-is, with the identical signature and an unchanged
// merchant_signed_at, and is never re-validated against live inventory. A
// replay carrying different lines under the same mandate ID is a conflict,
// not a replay.
func (s *MerchantService) SignCart(ctx context.Context, cart CartMandate) (*CartMandate, error) {
	if err := cart.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if prior, ok := s.signed[cart.CartMandateID]; ok {
		out := *prior
		s.mu.Unlock()
		if !cartLinesMatch(cart, out) {
			return nil, NewPreconditionError(IdempotencyConflict,
				fmt.Sprintf("cart mandate %s was already signed with different contents", cart.CartMandateID))
		}
		return &out, nil
	}
	s.mu.Unlock()

	now := s.clock()
	if err := CheckCartSignable(cart, now); err != nil {
		return nil, err
	}
	validation, err := s.ValidateCart(ctx, cart.Items)
	if err != nil {
		return nil, err
	}
	if !validation.Valid {
		return nil, NewPreconditionError(InvalidCart, "cannot sign invalid cart mandate")
	}
	// Settle each line at the catalog price observed at signing time.
	for i := range cart.Items {
		cart.Items[i].UnitPrice = validation.Results[i].UnitPrice
		cart.Items[i].Name = validation.Results[i].ProductName
	}
	cart.TotalAmount = validation.TotalAmount
	if err := CheckCartTotal(cart); err != nil {
		return nil, err
	}

	sig := signature.CartSignature(s.merchantID, cart.TotalAmount.String(), cart.CartMandateID, now)
	signedAt := now.UTC()
	cart.MerchantID = s.merchantID
	cart.MerchantSignature = &sig
	cart.MerchantSignedAt = &signedAt
	terms := s.terms
	cart.FulfillmentTerms = &terms
	cart.Status = CartMandateStatusSigned
	if cart.ExpiresAt.IsZero() {
		cart.ExpiresAt = now.Add(24 * time.Hour)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prior, ok := s.signed[cart.CartMandateID]; ok {
		out := *prior
		if !cartLinesMatch(cart, out) {
			return nil, NewPreconditionError(IdempotencyConflict,
				fmt.Sprintf("cart mandate %s was already signed with different contents", cart.CartMandateID))
		}
		return &out, nil
	}
	stored := cart
	s.signed[cart.CartMandateID] = &stored
	out := cart
	return &out, nil
}

// cartLinesMatch reports whether a replayed cart carries the same lines as
// the signed cart on record. Unit prices are settled at signing time, so
// identity is the item set and quantities.
func cartLinesMatch(replay, stored CartMandate) bool {
	if len(replay.Items) != len(stored.Items) {
		return false
	}
	for i, item := range replay.Items {
		if item.ItemID != stored.Items[i].ItemID || item.Quantity != stored.Items[i].Quantity {
			return false
		}
	}
	return true
}

// ReserveInventory holds the cart's quantities out of available-to-sell
// stock for holdFor. The hold releases back to the catalog at expiry unless
// consumed by fulfillment first. All-or-nothing: a failed hold leaves every
// stock counter unchanged and records no reservation.
func (s *MerchantService) ReserveInventory(ctx context.Context, cart CartMandate, holdFor time.Duration) (*Reservation, error) {
	if len(cart.Items) == 0 {
		return nil, NewInvalidRequestError("cart must contain at least one item")
	}
	if holdFor <= 0 {
		holdFor = 24 * time.Hour
	}

	s.mu.Lock()
	if id, ok := s.byCart[cart.CartMandateID]; ok {
		if state, ok := s.reservations[id]; ok && !state.released && !state.consumed {
			out := state.reservation
			s.mu.Unlock()
			return &out, nil
		}
	}
	s.mu.Unlock()

	items := make([]ReservedItem, len(cart.Items))
	for i, item := range cart.Items {
		items[i] = ReservedItem{ItemID: item.ItemID, Quantity: item.Quantity}
	}
	if err := s.catalog.Hold(ctx, items); err != nil {
		return nil, err
	}

	now := s.clock()
	reservation := Reservation{
		ReservationID: "res_" + uuid.NewString(),
		CartMandateID: cart.CartMandateID,
		Items:         items,
		CreatedAt:     now.UTC(),
		ExpiresAt:     now.Add(holdFor).UTC(),
	}
	state := &reservationState{reservation: reservation}
	state.timer = time.AfterFunc(holdFor, func() {
		s.releaseReservation(reservation.ReservationID)
	})

	s.mu.Lock()
	s.reservations[reservation.ReservationID] = state
	s.byCart[cart.CartMandateID] = reservation.ReservationID
	s.mu.Unlock()
	return &reservation, nil
}

// releaseReservation returns an unconsumed reservation's stock to the
// catalog. Idempotent.
func (s *MerchantService) releaseReservation(reservationID string) {
	s.mu.Lock()
	state, ok := s.reservations[reservationID]
	if !ok || state.consumed || state.released {
		s.mu.Unlock()
		return
	}
	state.released = true
	items := state.reservation.Items
	s.mu.Unlock()
	_ = s.catalog.Release(context.Background(), items)
}

// ReleaseReservation cancels a hold explicitly, for abandoned chains.
func (s *MerchantService) ReleaseReservation(reservationID string) {
	s.mu.Lock()
	if state, ok := s.reservations[reservationID]; ok && state.timer != nil {
		state.timer.Stop()
	}
	s.mu.Unlock()
	s.releaseReservation(reservationID)
}

// ProcessOrderFulfillment consumes the cart's reservation and issues a
// fulfillment order with tracking. Requires a merchant-signed cart; called
// after payment completion. Idempotent per cart mandate.
func (s *MerchantService) ProcessOrderFulfillment(ctx context.Context, cart CartMandate) (*FulfillmentOrder, error) {
	if !cart.Signed() {
		return nil, NewPreconditionError(CartNotSigned, "cart mandate not signed by merchant")
	}

	s.mu.Lock()
	if prior, ok := s.fulfillments[cart.CartMandateID]; ok {
		out := *prior
		s.mu.Unlock()
		return &out, nil
	}
	if stored, ok := s.signed[cart.CartMandateID]; ok && *stored.MerchantSignature != *cart.MerchantSignature {
		s.mu.Unlock()
		return nil, NewPreconditionError(InvalidSignature, "merchant signature does not match the signed cart on record")
	}
	if id, ok := s.byCart[cart.CartMandateID]; ok {
		if state, ok := s.reservations[id]; ok && !state.released {
			state.consumed = true
			if state.timer != nil {
				state.timer.Stop()
			}
		}
	}
	now := s.clock()
	order := &FulfillmentOrder{
		FulfillmentID:     uuid.NewString(),
		CartMandateID:     cart.CartMandateID,
		MerchantID:        s.merchantID,
		Status:            "processing",
		CreatedAt:         now.UTC(),
		EstimatedShipping: now.Add(48 * time.Hour).UTC(),
		TrackingNumber:    "TRACK" + strings.ToUpper(uuid.NewString()[:8]),
		ShippingMethod:    "standard_shipping",
	}
	s.fulfillments[cart.CartMandateID] = order
	if stored, ok := s.signed[cart.CartMandateID]; ok {
		stored.Status = CartMandateStatusFulfilled
	}
	out := *order
	s.mu.Unlock()

	if s.webhook != nil {
		_ = s.webhook.Send(ctx, OrderCreated{
			Type:           EventDataTypeOrder,
			CartMandateID:  cart.CartMandateID,
			FulfillmentID:  out.FulfillmentID,
			TrackingNumber: out.TrackingNumber,
			Status:         OrderStatusProcessing,
		})
	}
	return &out, nil
}

// HandleMessage is the merchant's A2A inbox. Intent mandates are answered
// with a catalog snapshot matching the intent description; cart mandates
// are signed and returned with the countersignature merged into the
// received payload; agent transfers are acknowledged with the merchant's
// capabilities. Every reply is a well-formed envelope; failures travel
// inside it.
func (s *MerchantService) HandleMessage(ctx context.Context, env *Envelope) (*Envelope, error) {
	agent := AgentMerchant
	switch env.Payload.Action() {
	case ActionAgentTransfer:
		var reply Payload
		if err := reply.FromAgentTransfer(AgentTransfer{
			Message:              "Merchant agent ready to process your request",
			SessionID:            uuid.NewString(),
			CapabilitiesRequired: []string{"product_search", "inventory_management", "cart_signing"},
		}); err != nil {
			return nil, NewProcessingError(err.Error())
		}
		return s.registry.Send(ctx, agent, env.SenderAgent, reply, env.MessageID)
	case ActionIntentMandate:
		intent, err := env.Payload.AsIntentMandate()
		if err != nil {
			return s.replyError(ctx, env, NewInvalidRequestError(err.Error()))
		}
		if err := CheckIntentUsable(intent, s.clock()); err != nil {
			return s.replyError(ctx, env, err)
		}
		catalog, err := s.ProductCatalog(ctx, "", intent.ItemDescription, 0)
		if err != nil {
			return s.replyError(ctx, env, err)
		}
		var reply Payload
		if err := reply.FromProductCatalog(*catalog); err != nil {
			return nil, NewProcessingError(err.Error())
		}
		return s.registry.Send(ctx, agent, env.SenderAgent, reply, env.MessageID)
	case ActionCartMandate:
		cart, err := env.Payload.AsCartMandate()
		if err != nil {
			return s.replyError(ctx, env, NewInvalidRequestError(err.Error()))
		}
		signed, err := s.SignCart(ctx, cart)
		if err != nil {
			return s.replyError(ctx, env, err)
		}
		reply := env.Payload
		if err := reply.MergeCartMandate(*signed); err != nil {
			return nil, NewProcessingError(err.Error())
		}
		return s.registry.Send(ctx, agent, env.SenderAgent, reply, env.MessageID)
	default:
		return s.replyError(ctx, env, NewInvalidRequestError(fmt.Sprintf("merchant cannot handle action %q", env.Payload.Action())))
	}
}

func (s *MerchantService) replyError(ctx context.Context, env *Envelope, err error) (*Envelope, error) {
	typed, ok := err.(*Error)
	if !ok {
		typed = NewProcessingError(err.Error())
	}
	var reply Payload
	if ferr := reply.FromError(typed); ferr != nil {
		return nil, NewProcessingError(ferr.Error())
	}
	return s.registry.Send(ctx, AgentMerchant, env.SenderAgent, reply, env.MessageID)
}
