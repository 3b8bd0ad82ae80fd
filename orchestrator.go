package ap2

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentpay/ap2/signature"
)

// CheckoutState tracks a single purchase through the mandate chain.
type CheckoutState string

// Defines values for CheckoutState. Transitions are strictly forward; the
// failure states are terminal and a fresh intent mandate is required after
// reaching one.
const (
	CheckoutStateIntentCreated          CheckoutState = "INTENT_CREATED"
	CheckoutStateProductsFound          CheckoutState = "PRODUCTS_FOUND"
	CheckoutStateCartSelected           CheckoutState = "CART_SELECTED"
	CheckoutStateCartSigned             CheckoutState = "CART_SIGNED"
	CheckoutStateCredentialsObtained    CheckoutState = "CREDENTIALS_OBTAINED"
	CheckoutStateCartPriced             CheckoutState = "CART_PRICED"
	CheckoutStatePaymentMethodsObtained CheckoutState = "PAYMENT_METHODS_OBTAINED"
	CheckoutStateTokenIssued            CheckoutState = "TOKEN_ISSUED"
	CheckoutStatePaymentMandateCreated  CheckoutState = "PAYMENT_MANDATE_CREATED"
	CheckoutStateUserSigned             CheckoutState = "USER_SIGNED"
	CheckoutStateTransmitted            CheckoutState = "TRANSMITTED"
	CheckoutStateOTPPending             CheckoutState = "OTP_PENDING"
	CheckoutStateCompleted              CheckoutState = "COMPLETED"
	CheckoutStateCartInvalid            CheckoutState = "CART_INVALID"
	CheckoutStateOTPFailed              CheckoutState = "OTP_FAILED"
	CheckoutStateExpired                CheckoutState = "EXPIRED"
	CheckoutStateAbandoned              CheckoutState = "ABANDONED"
)

// TerminalFailure reports whether the state ends the chain without a
// completed payment.
func (s CheckoutState) TerminalFailure() bool {
	switch s {
	case CheckoutStateCartInvalid, CheckoutStateOTPFailed, CheckoutStateExpired, CheckoutStateAbandoned:
		return true
	}
	return false
}

// Transport delivers an outbound envelope to its receiver and returns the
// peer's reply envelope. Routing is the transport's concern; the
// orchestrator only builds and consumes envelopes.
type Transport interface {
	Deliver(ctx context.Context, env *Envelope) (*Envelope, error)
}

// TransportFunc lifts bare functions into [Transport].
type TransportFunc func(ctx context.Context, env *Envelope) (*Envelope, error)

// Deliver delegates to the wrapped function.
func (f TransportFunc) Deliver(ctx context.Context, env *Envelope) (*Envelope, error) {
	return f(ctx, env)
}

// CredentialsGateway is the orchestrator's direct line to the credentials
// provider for credential reads, token issuance, and the authorization
// pipeline. [CredentialsService] satisfies it.
type CredentialsGateway interface {
	ShippingAddresses(ctx context.Context, email string) ([]Address, *Address, error)
	PaymentMethods(ctx context.Context, email string, req *MerchantRequirements) ([]PaymentMethod, *PaymentMethod, error)
	IssueCredentialToken(ctx context.Context, paymentMethodID, email string) (*CredentialToken, error)
	Authorize(ctx context.Context, sessionID string) (*Authorization, error)
	VerifyOTPAndCapture(ctx context.Context, authorizationID, code string) (*Capture, error)
}

// Fulfiller closes the loop with the merchant after payment completes.
// [MerchantService] satisfies it.
type Fulfiller interface {
	ProcessOrderFulfillment(ctx context.Context, cart CartMandate) (*FulfillmentOrder, error)
}

// Checkout is a read-only snapshot of one purchase's progress.
type Checkout struct {
	CheckoutID      string            `json:"checkout_id"`
	State           CheckoutState     `json:"state"`
	Intent          IntentMandate     `json:"intent_mandate"`
	Products        []Product         `json:"products,omitempty"`
	Cart            *CartMandate      `json:"cart_mandate,omitempty"`
	ShippingAddress *Address          `json:"shipping_address,omitempty"`
	PaymentMethods  []PaymentMethod   `json:"payment_methods,omitempty"`
	Token           *CredentialToken  `json:"credential_token,omitempty"`
	Payment         *PaymentMandate   `json:"payment_mandate,omitempty"`
	Session         *PaymentSession   `json:"payment_session,omitempty"`
	Authorization   *Authorization    `json:"authorization,omitempty"`
	Capture         *Capture          `json:"capture,omitempty"`
	Fulfillment     *FulfillmentOrder `json:"fulfillment,omitempty"`
}

type checkoutState struct {
	mu sync.Mutex

	id            string
	state         CheckoutState
	intent        IntentMandate
	products      []Product
	cart          *CartMandate
	address       *Address
	methods       []PaymentMethod
	defaultMethod *PaymentMethod
	token         *CredentialToken
	payment       *PaymentMandate
	session       *PaymentSession
	authorization *Authorization
	capture       *Capture
	fulfillment   *FulfillmentOrder
}

func (c *checkoutState) snapshot() Checkout {
	co := Checkout{
		CheckoutID:      c.id,
		State:           c.state,
		Intent:          c.intent,
		Products:        c.products,
		PaymentMethods:  c.methods,
		Cart:            c.cart,
		ShippingAddress: c.address,
		Token:           c.token,
		Payment:         c.payment,
		Session:         c.session,
		Authorization:   c.authorization,
		Capture:         c.capture,
		Fulfillment:     c.fulfillment,
	}
	return co
}

// require rejects any operation whose state precondition is unmet. A chain
// in a terminal failure state yields a terminal error so stale continuations
// after abandonment or expiry can never resume it.
func (c *checkoutState) require(expected CheckoutState) *Error {
	if c.state == expected {
		return nil
	}
	msg := fmt.Sprintf("checkout is in state %s, operation requires %s", c.state, expected)
	if c.state.TerminalFailure() || c.state == CheckoutStateCompleted {
		return NewTerminalError(InvalidTransition, msg)
	}
	return NewPreconditionError(InvalidTransition, msg)
}

// Orchestrator drives the mandate chain on the user's behalf: one checkout
// per purchase, forward-only transitions, exactly one outbound envelope per
// peer-facing transition. Per-checkout state mutation is serialized on the
// checkout's own mutex; checkouts progress independently.
type Orchestrator struct {
	registry    *Registry
	transport   Transport
	credentials CredentialsGateway
	fulfiller   Fulfiller
	clock       func() time.Time
	currency    string
	intentTTL   time.Duration

	mu        sync.Mutex
	checkouts map[string]*checkoutState
}

// OrchestratorOption customizes an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// OrchestratorWithClock provides deterministic time in tests.
func OrchestratorWithClock(fn func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) {
		o.clock = fn
	}
}

// OrchestratorWithFulfiller wires the merchant fulfillment path invoked
// after a completed payment.
func OrchestratorWithFulfiller(f Fulfiller) OrchestratorOption {
	return func(o *Orchestrator) {
		o.fulfiller = f
	}
}

// OrchestratorWithIntentTTL overrides the intent mandate validity window.
func OrchestratorWithIntentTTL(d time.Duration) OrchestratorOption {
	if d <= 0 {
		panic("orchestrator: intent TTL must be positive")
	}
	return func(o *Orchestrator) {
		o.intentTTL = d
	}
}

// NewOrchestrator wires the shopping agent to its envelope registry, the
// peer transport, and the credentials gateway.
func NewOrchestrator(registry *Registry, transport Transport, credentials CredentialsGateway, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		registry:    registry,
		transport:   transport,
		credentials: credentials,
		clock:       time.Now,
		currency:    "USD",
		intentTTL:   24 * time.Hour,
		checkouts:   make(map[string]*checkoutState),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(o)
	}
	return o
}

// Checkout returns a snapshot of the purchase's progress.
func (o *Orchestrator) Checkout(checkoutID string) (Checkout, error) {
	c, err := o.get(checkoutID)
	if err != nil {
		return Checkout{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot(), nil
}

func (o *Orchestrator) get(checkoutID string) (*checkoutState, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.checkouts[checkoutID]
	if !ok {
		return nil, NewPreconditionError(MandateNotFound, fmt.Sprintf("checkout %q not found", checkoutID))
	}
	return c, nil
}

// exchange sends one envelope to the receiver and validates the reply:
// same-conversation causality, and peer failures decoded from the reply
// payload into typed errors. A peer failure never corrupts local state; it
// only blocks the forward transition.
func (o *Orchestrator) exchange(ctx context.Context, receiver string, payload Payload) (*Envelope, error) {
	env, err := o.registry.Send(ctx, AgentShopping, receiver, payload, "")
	if err != nil {
		return nil, err
	}
	o.registry.Observe(env.MessageID)
	reply, err := o.transport.Deliver(ctx, env)
	if err != nil {
		return nil, NewRetryableError(DeliveryFailed, fmt.Sprintf("deliver to %s: %v", receiver, err))
	}
	if reply.InResponseTo != env.MessageID {
		return nil, NewPreconditionError(UnknownMessage,
			fmt.Sprintf("reply %s answers %q, expected %s", reply.MessageID, reply.InResponseTo, env.MessageID))
	}
	if reply.Payload.Action() == "" {
		peerErr, decodeErr := reply.Payload.AsError()
		if decodeErr != nil {
			return nil, NewProcessingError(fmt.Sprintf("undecodable error payload from %s: %v", receiver, decodeErr))
		}
		return nil, &peerErr
	}
	return reply, nil
}

// expireIfStale lazily moves the chain to EXPIRED when the intent's window
// has closed. Caller holds the checkout lock.
func (o *Orchestrator) expireIfStale(c *checkoutState) *Error {
	if c.intent.Expired(o.clock()) {
		c.state = CheckoutStateExpired
		c.intent.Status = IntentMandateStatusExpired
		return NewTerminalError(MandateExpired, fmt.Sprintf("intent mandate %s expired", c.intent.MandateID))
	}
	return nil
}

// CreateIntentMandate opens a new checkout: the user authorizes shopping for
// the described item, and the merchant is greeted with an agent transfer so
// both parties share a session before any mandate flows.
func (o *Orchestrator) CreateIntentMandate(ctx context.Context, userID, itemDescription string, allowedMerchants []string, refundable bool) (Checkout, error) {
	if userID == "" || itemDescription == "" {
		return Checkout{}, NewInvalidRequestError("user_id and item_description are required", WithOffendingParam("user_id"))
	}
	now := o.clock()
	intent := IntentMandate{
		MandateID:        uuid.NewString(),
		UserID:           userID,
		ItemDescription:  itemDescription,
		AllowedMerchants: allowedMerchants,
		Refundable:       refundable,
		Status:           IntentMandateStatusCreated,
		CreatedAt:        now.UTC(),
		ExpiresAt:        now.Add(o.intentTTL).UTC(),
		UserSignature:    signature.UserSignature(userID, itemDescription),
	}
	if err := intent.Validate(); err != nil {
		return Checkout{}, err
	}

	var hello Payload
	if err := hello.FromAgentTransfer(AgentTransfer{
		TransferReason: "purchase_intent",
		Message:        fmt.Sprintf("Shopping for: %s", itemDescription),
		SessionID:      uuid.NewString(),
	}); err != nil {
		return Checkout{}, NewProcessingError(err.Error())
	}
	if _, err := o.exchange(ctx, AgentMerchant, hello); err != nil {
		return Checkout{}, err
	}

	c := &checkoutState{
		id:     uuid.NewString(),
		state:  CheckoutStateIntentCreated,
		intent: intent,
	}
	o.mu.Lock()
	o.checkouts[c.id] = c
	o.mu.Unlock()
	return c.snapshot(), nil
}

// FindProducts transmits the intent mandate to the merchant and records the
// catalog snapshot it answers with.
func (o *Orchestrator) FindProducts(ctx context.Context, checkoutID string) ([]Product, error) {
	c, err := o.get(checkoutID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.require(CheckoutStateIntentCreated); err != nil {
		return nil, err
	}
	if err := o.expireIfStale(c); err != nil {
		return nil, err
	}

	var payload Payload
	if err := payload.FromIntentMandate(c.intent); err != nil {
		return nil, NewProcessingError(err.Error())
	}
	reply, err := o.exchange(ctx, AgentMerchant, payload)
	if err != nil {
		return nil, err
	}
	catalog, err := reply.Payload.AsProductCatalog()
	if err != nil {
		return nil, NewProcessingError(fmt.Sprintf("unexpected merchant reply: %v", err))
	}
	c.products = catalog.Products
	c.state = CheckoutStateProductsFound
	return catalog.Products, nil
}

// SelectCart drafts a cart mandate from the found products. Unit prices are
// settled from the recorded catalog snapshot; the cart total is the item
// subtotal, with tax and shipping layered on later by UpdateCart.
func (o *Orchestrator) SelectCart(ctx context.Context, checkoutID, merchantID string, items []CartItem) (*CartMandate, error) {
	if len(items) == 0 {
		return nil, NewInvalidRequestError("cart must contain at least one item", WithOffendingParam("items"))
	}
	c, err := o.get(checkoutID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.require(CheckoutStateProductsFound); err != nil {
		return nil, err
	}
	if err := o.expireIfStale(c); err != nil {
		return nil, err
	}
	if err := CheckMerchantAllowed(c.intent, merchantID); err != nil {
		return nil, err
	}

	known := make(map[string]Product, len(c.products))
	for _, p := range c.products {
		known[p.ID] = p
	}
	lines := make([]CartItem, len(items))
	for i, item := range items {
		product, ok := known[item.ItemID]
		if !ok {
			return nil, NewPreconditionError(ProductNotFound, fmt.Sprintf("product %q is not among the found products", item.ItemID))
		}
		if item.Quantity <= 0 {
			return nil, NewInvalidRequestError(fmt.Sprintf("quantity for %s must be positive", item.ItemID), WithOffendingParam("items.quantity"))
		}
		lines[i] = CartItem{
			ItemID:    item.ItemID,
			Name:      product.Name,
			Quantity:  item.Quantity,
			UnitPrice: product.Price,
		}
	}
	cart := &CartMandate{
		CartMandateID:       uuid.NewString(),
		IntentMandateID:     c.intent.MandateID,
		Items:               lines,
		MerchantID:          merchantID,
		RequiresCredentials: true,
		RequiresShipping:    true,
		Status:              CartMandateStatusDraft,
		CreatedAt:           o.clock().UTC(),
	}
	cart.TotalAmount = cart.ItemsSubtotal()
	if err := cart.Validate(); err != nil {
		return nil, err
	}
	c.cart = cart
	c.state = CheckoutStateCartSelected
	out := *cart
	return &out, nil
}

// RequestCartSignature sends the draft cart to the merchant and records the
// countersigned cart it returns. A merchant rejection for an invalid cart
// moves the chain to its terminal CART_INVALID state.
func (o *Orchestrator) RequestCartSignature(ctx context.Context, checkoutID string) (*CartMandate, error) {
	c, err := o.get(checkoutID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.require(CheckoutStateCartSelected); err != nil {
		return nil, err
	}
	if err := o.expireIfStale(c); err != nil {
		return nil, err
	}
	if err := CheckCartTotal(*c.cart); err != nil {
		return nil, err
	}

	var payload Payload
	if err := payload.FromCartMandate(*c.cart); err != nil {
		return nil, NewProcessingError(err.Error())
	}
	reply, err := o.exchange(ctx, AgentMerchant, payload)
	if err != nil {
		if typed, ok := err.(*Error); ok && typed.Code == InvalidCart {
			c.state = CheckoutStateCartInvalid
			c.cart.Status = CartMandateStatusExpired
		}
		return nil, err
	}
	signed, err := reply.Payload.AsCartMandate()
	if err != nil {
		return nil, NewProcessingError(fmt.Sprintf("unexpected merchant reply: %v", err))
	}
	if !signed.Signed() {
		return nil, NewPreconditionError(CartNotSigned, "merchant reply carries no countersignature")
	}
	c.cart = &signed
	c.state = CheckoutStateCartSigned
	out := signed
	return &out, nil
}

// AttachShippingAddress fetches the user's address book from the
// credentials provider and records the default address for fulfillment.
func (o *Orchestrator) AttachShippingAddress(ctx context.Context, checkoutID, userEmail string) (*Address, error) {
	c, err := o.get(checkoutID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.require(CheckoutStateCartSigned); err != nil {
		return nil, err
	}
	if err := o.expireIfStale(c); err != nil {
		return nil, err
	}

	_, def, err := o.credentials.ShippingAddresses(ctx, userEmail)
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, NewPreconditionError(MandateNotFound, fmt.Sprintf("no shipping address on file for %s", userEmail))
	}
	addr := *def
	c.address = &addr
	c.state = CheckoutStateCredentialsObtained
	out := addr
	return &out, nil
}

// UpdateCart records tax and shipping against the signed cart and returns
// the grand total a payment mandate must carry. The signed item lines and
// their total are immutable; pricing sits alongside them.
func (o *Orchestrator) UpdateCart(ctx context.Context, checkoutID string, tax, shipping Amount) (Amount, error) {
	if tax < 0 || shipping < 0 {
		return 0, NewInvalidRequestError("tax and shipping must not be negative", WithOffendingParam("tax"))
	}
	c, err := o.get(checkoutID)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.require(CheckoutStateCredentialsObtained); err != nil {
		return 0, err
	}
	if err := o.expireIfStale(c); err != nil {
		return 0, err
	}

	c.cart.Tax = tax
	c.cart.Shipping = shipping
	c.state = CheckoutStateCartPriced
	return c.cart.GrandTotal(), nil
}

// RecordPaymentMethods fetches the user's stored credentials filtered by
// merchant requirements and records them with the effective default.
func (o *Orchestrator) RecordPaymentMethods(ctx context.Context, checkoutID, userEmail string, req *MerchantRequirements) ([]PaymentMethod, *PaymentMethod, error) {
	c, err := o.get(checkoutID)
	if err != nil {
		return nil, nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.require(CheckoutStateCartPriced); err != nil {
		return nil, nil, err
	}
	if err := o.expireIfStale(c); err != nil {
		return nil, nil, err
	}

	methods, def, err := o.credentials.PaymentMethods(ctx, userEmail, req)
	if err != nil {
		return nil, nil, err
	}
	if len(methods) == 0 {
		return nil, nil, NewPreconditionError(MandateNotFound, fmt.Sprintf("no eligible payment methods for %s", userEmail))
	}
	c.methods = methods
	c.defaultMethod = def
	c.state = CheckoutStatePaymentMethodsObtained
	return methods, def, nil
}

// RecordCredentialToken requests a single-use token for one of the recorded
// payment methods.
func (o *Orchestrator) RecordCredentialToken(ctx context.Context, checkoutID, paymentMethodID, userEmail string) (*CredentialToken, error) {
	c, err := o.get(checkoutID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.require(CheckoutStatePaymentMethodsObtained); err != nil {
		return nil, err
	}
	if err := o.expireIfStale(c); err != nil {
		return nil, err
	}
	recorded := false
	for _, m := range c.methods {
		if m.PaymentMethodID == paymentMethodID {
			recorded = true
			break
		}
	}
	if !recorded {
		return nil, NewPreconditionError(MandateNotFound, fmt.Sprintf("payment method %q is not among the recorded methods", paymentMethodID))
	}

	token, err := o.credentials.IssueCredentialToken(ctx, paymentMethodID, userEmail)
	if err != nil {
		return nil, err
	}
	c.token = token
	c.state = CheckoutStateTokenIssued
	out := *token
	return &out, nil
}

// CreatePaymentMandate builds the payment mandate against the signed cart:
// its total is the cart's grand total, its token the issued credential.
func (o *Orchestrator) CreatePaymentMandate(ctx context.Context, checkoutID string) (*PaymentMandate, error) {
	c, err := o.get(checkoutID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.require(CheckoutStateTokenIssued); err != nil {
		return nil, err
	}
	if err := o.expireIfStale(c); err != nil {
		return nil, err
	}

	now := o.clock()
	pm := &PaymentMandate{
		PaymentMandateID: uuid.NewString(),
		CartMandateID:    c.cart.CartMandateID,
		MerchantID:       c.cart.MerchantID,
		TotalAmount:      c.cart.GrandTotal(),
		Currency:         o.currency,
		PaymentToken:     c.token.Token,
		RequiresOTP:      true,
		Status:           PaymentMandateStatusCreated,
		CreatedAt:        now.UTC(),
	}
	if err := CheckPaymentMandate(*pm, *c.cart, now); err != nil {
		if err.Code == MandateExpired {
			c.state = CheckoutStateExpired
			c.cart.Status = CartMandateStatusExpired
		}
		return nil, err
	}
	if err := pm.Validate(); err != nil {
		return nil, err
	}
	c.payment = pm
	c.state = CheckoutStatePaymentMandateCreated
	out := *pm
	return &out, nil
}

// SignMandatesOnUserDevice attaches the user-device signature to the
// payment mandate. Replays are idempotent: a mandate that already carries a
// signature returns it unchanged instead of minting a new one.
func (o *Orchestrator) SignMandatesOnUserDevice(ctx context.Context, checkoutID string) (string, error) {
	c, err := o.get(checkoutID)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.payment != nil && c.payment.UserSigned() {
		return *c.payment.UserSignature, nil
	}
	if err := c.require(CheckoutStatePaymentMandateCreated); err != nil {
		return "", err
	}
	if err := o.expireIfStale(c); err != nil {
		return "", err
	}

	sig := signature.UserSignature(c.intent.UserID, c.payment.PaymentMandateID)
	signedAt := o.clock().UTC()
	c.payment.UserSignature = &sig
	c.payment.UserSignedAt = &signedAt
	c.payment.Status = PaymentMandateStatusSigned
	c.state = CheckoutStateUserSigned
	return sig, nil
}

// TransmitPaymentMandate sends the signed payment mandate to the
// credentials provider and records the payment session it opens.
func (o *Orchestrator) TransmitPaymentMandate(ctx context.Context, checkoutID string) (*PaymentSession, error) {
	c, err := o.get(checkoutID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.require(CheckoutStateUserSigned); err != nil {
		return nil, err
	}
	if err := o.expireIfStale(c); err != nil {
		return nil, err
	}

	var payload Payload
	if err := payload.FromPaymentMandate(*c.payment); err != nil {
		return nil, NewProcessingError(err.Error())
	}
	reply, err := o.exchange(ctx, AgentCredentials, payload)
	if err != nil {
		return nil, err
	}
	session, err := reply.Payload.AsPaymentSession()
	if err != nil {
		return nil, NewProcessingError(fmt.Sprintf("unexpected credentials reply: %v", err))
	}
	c.session = &session
	c.payment.Status = PaymentMandateStatusTransmitted
	c.state = CheckoutStateTransmitted
	out := session
	return &out, nil
}

// MarkOTPPending runs authorization for the open session. A risk decline
// ends the chain terminally; otherwise the checkout waits on the user's OTP
// entry (trivially satisfied when policy waived the challenge).
func (o *Orchestrator) MarkOTPPending(ctx context.Context, checkoutID string) (*Authorization, error) {
	c, err := o.get(checkoutID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.require(CheckoutStateTransmitted); err != nil {
		return nil, err
	}

	auth, err := o.credentials.Authorize(ctx, c.session.SessionID)
	if auth != nil {
		c.authorization = auth
	}
	if err != nil {
		if typed, ok := err.(*Error); ok && typed.Type == Terminal {
			c.payment.Status = PaymentMandateStatusFailed
			switch typed.Code {
			case SessionExpired, MandateExpired:
				c.state = CheckoutStateExpired
			default:
				c.state = CheckoutStateOTPFailed
			}
		}
		return nil, err
	}
	c.state = CheckoutStateOTPPending
	out := *auth
	return &out, nil
}

// CompleteCheckout verifies the OTP, captures the payment, consumes the
// intent, and triggers merchant fulfillment when a fulfiller is wired. A
// wrong code inside the attempt budget leaves the checkout in OTP_PENDING
// for retry; exhausting the budget or missing the OTP window is terminal.
func (o *Orchestrator) CompleteCheckout(ctx context.Context, checkoutID, otpCode string) (*Capture, error) {
	c, err := o.get(checkoutID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.require(CheckoutStateOTPPending); err != nil {
		return nil, err
	}

	capture, err := o.credentials.VerifyOTPAndCapture(ctx, c.authorization.AuthorizationID, otpCode)
	if err != nil {
		if typed, ok := err.(*Error); ok && typed.Type == Terminal {
			c.payment.Status = PaymentMandateStatusFailed
			switch typed.Code {
			case OTPExpired, MandateExpired, SessionExpired:
				c.state = CheckoutStateExpired
			default:
				c.state = CheckoutStateOTPFailed
			}
		}
		return nil, err
	}

	c.capture = capture
	c.payment.Status = PaymentMandateStatusCompleted
	c.intent.Status = IntentMandateStatusConsumed
	c.state = CheckoutStateCompleted

	if o.fulfiller != nil {
		order, ferr := o.fulfiller.ProcessOrderFulfillment(ctx, *c.cart)
		if ferr == nil {
			c.fulfillment = order
			c.cart.Status = CartMandateStatusFulfilled
		}
	}
	out := *capture
	return &out, nil
}

// Abandon unilaterally ends the chain at any state before completion. It is
// idempotent: abandoning an abandoned checkout is a no-op. Later stale
// continuations fail their state preconditions terminally.
func (o *Orchestrator) Abandon(ctx context.Context, checkoutID string) (Checkout, error) {
	c, err := o.get(checkoutID)
	if err != nil {
		return Checkout{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case CheckoutStateAbandoned:
		return c.snapshot(), nil
	case CheckoutStateCompleted:
		return Checkout{}, NewPreconditionError(InvalidTransition, "a completed checkout cannot be abandoned")
	}
	c.state = CheckoutStateAbandoned
	if c.payment != nil && c.payment.Status != PaymentMandateStatusCompleted {
		c.payment.Status = PaymentMandateStatusFailed
	}
	return c.snapshot(), nil
}
