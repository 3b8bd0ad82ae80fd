package ap2

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DirectoryProvider is the read path into user reference data owned by the
// credentials provider. Absence is "not found", never an empty record.
type DirectoryProvider interface {
	Profile(ctx context.Context, email string) (*UserProfile, error)
	Addresses(ctx context.Context, email string) ([]Address, error)
	PaymentMethods(ctx context.Context, email string) ([]PaymentMethod, error)
}

// Directory is an in-memory DirectoryProvider, loaded once and read many
// times. The single-default invariant is enforced at write time.
type Directory struct {
	mu       sync.RWMutex
	profiles map[string]UserProfile
	addrs    map[string][]Address
	methods  map[string][]PaymentMethod
}

// NewDirectory builds an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		profiles: make(map[string]UserProfile),
		addrs:    make(map[string][]Address),
		methods:  make(map[string][]PaymentMethod),
	}
}

// PutProfile stores or replaces a user profile.
func (d *Directory) PutProfile(p UserProfile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles[p.Email] = p
}

// AddAddress appends an address. When the new address is flagged default,
// any prior default for the user is cleared so exactly one remains.
func (d *Directory) AddAddress(email string, addr Address) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if addr.Default {
		for i := range d.addrs[email] {
			d.addrs[email][i].Default = false
		}
	}
	d.addrs[email] = append(d.addrs[email], addr)
}

// AddPaymentMethod appends a payment method, keeping at most one default.
func (d *Directory) AddPaymentMethod(email string, method PaymentMethod) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if method.Default {
		for i := range d.methods[email] {
			d.methods[email][i].Default = false
		}
	}
	d.methods[email] = append(d.methods[email], method)
}

// Profile returns the stored profile for the email.
func (d *Directory) Profile(_ context.Context, email string) (*UserProfile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.profiles[email]
	if !ok {
		return nil, NewPreconditionError(MandateNotFound, fmt.Sprintf("no account for %s", email))
	}
	out := p
	return &out, nil
}

// Addresses returns a snapshot of the user's address book.
func (d *Directory) Addresses(_ context.Context, email string) ([]Address, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	stored, ok := d.addrs[email]
	if !ok {
		return nil, NewPreconditionError(MandateNotFound, fmt.Sprintf("no addresses for %s", email))
	}
	out := make([]Address, len(stored))
	copy(out, stored)
	return out, nil
}

// PaymentMethods returns a snapshot of the user's stored credentials.
func (d *Directory) PaymentMethods(_ context.Context, email string) ([]PaymentMethod, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	stored, ok := d.methods[email]
	if !ok {
		return nil, NewPreconditionError(MandateNotFound, fmt.Sprintf("no payment methods for %s", email))
	}
	out := make([]PaymentMethod, len(stored))
	copy(out, stored)
	return out, nil
}

// RiskScorer computes a deterministic risk score for an authorization. The
// formula is policy, not protocol, and can be swapped without touching the
// payment state machine.
type RiskScorer interface {
	Score(ctx context.Context, amount Amount, merchantID, verificationLevel string) int
}

// RiskScorerFunc lifts bare functions into [RiskScorer].
type RiskScorerFunc func(ctx context.Context, amount Amount, merchantID, verificationLevel string) int

// Score delegates to the wrapped function.
func (f RiskScorerFunc) Score(ctx context.Context, amount Amount, merchantID, verificationLevel string) int {
	return f(ctx, amount, merchantID, verificationLevel)
}

// StaticRiskScorer is the reference policy: a low base score that grows with
// amount, shrinks for verified accounts, and penalizes unknown merchants.
type StaticRiskScorer struct {
	KnownMerchants []string
}

// Score implements [RiskScorer].
func (s StaticRiskScorer) Score(_ context.Context, amount Amount, merchantID, verificationLevel string) int {
	score := 10
	score += int(amount / 100_000) // one point per 1000.00 of exposure
	if verificationLevel == "verified" {
		score -= 5
	}
	known := len(s.KnownMerchants) == 0
	for _, m := range s.KnownMerchants {
		if m == merchantID {
			known = true
			break
		}
	}
	if !known {
		score += 40
	}
	if score < 0 {
		score = 0
	}
	return score
}

// OTPVerifier issues and checks one-time passcodes for an authorization.
type OTPVerifier interface {
	Issue(ctx context.Context, authorizationID string) error
	Verify(ctx context.Context, authorizationID, code string) bool
}

// StaticOTPVerifier accepts a single fixed code for every authorization.
// The reference fixture ships with code "123".
type StaticOTPVerifier struct {
	Code string
}

// Issue is a no-op: the code is fixed.
func (StaticOTPVerifier) Issue(context.Context, string) error { return nil }

// Verify implements [OTPVerifier].
func (v StaticOTPVerifier) Verify(_ context.Context, _ string, code string) bool {
	return code == v.Code
}

// MerchantRequirements filter the payment methods offered for a purchase.
type MerchantRequirements struct {
	AcceptedBrands []string `json:"accepted_brands,omitempty"`
}

type authState struct {
	auth    Authorization
	session string
	// transaction of the capture that settled this authorization, if any
	txn string
}

// CredentialsService is the payment trust anchor: it owns user credential
// data, issues payment tokens, and runs the session → authorization → OTP →
// capture pipeline with compensating refunds.
type CredentialsService struct {
	directory DirectoryProvider
	risk      RiskScorer
	otp       OTPVerifier
	registry  *Registry
	clock     func() time.Time

	currency         string
	sessionTTL       time.Duration
	otpTTL           time.Duration
	authTTL          time.Duration
	otpAttempts      int
	declineThreshold int
	clearingOffset   time.Duration

	mu          sync.Mutex
	tokens      map[string]*CredentialToken
	sessions    map[string]*PaymentSession
	sessionAuth map[string]string
	auths       map[string]*authState
	captures map[string]*Capture
	refunded map[string]Amount
	refunds  map[string]*Refund
	history  []TransactionRecord
}

// CredentialsOption customizes a CredentialsService.
type CredentialsOption func(*CredentialsService)

// CredentialsWithClock provides deterministic time in tests.
func CredentialsWithClock(fn func() time.Time) CredentialsOption {
	return func(s *CredentialsService) {
		s.clock = fn
	}
}

// CredentialsWithRiskScorer swaps the risk policy.
func CredentialsWithRiskScorer(r RiskScorer) CredentialsOption {
	return func(s *CredentialsService) {
		s.risk = r
	}
}

// CredentialsWithOTPVerifier swaps the OTP policy.
func CredentialsWithOTPVerifier(v OTPVerifier) CredentialsOption {
	return func(s *CredentialsService) {
		s.otp = v
	}
}

// CredentialsWithOTPAttempts bounds the OTP retry budget per authorization.
func CredentialsWithOTPAttempts(n int) CredentialsOption {
	if n <= 0 {
		panic("credentials: OTP attempt budget must be positive")
	}
	return func(s *CredentialsService) {
		s.otpAttempts = n
	}
}

// CredentialsWithDeclineThreshold sets the risk score at or above which
// authorizations are declined.
func CredentialsWithDeclineThreshold(n int) CredentialsOption {
	return func(s *CredentialsService) {
		s.declineThreshold = n
	}
}

// NewCredentialsService wires the trust anchor to its reference data and
// the A2A registry used for replies.
func NewCredentialsService(directory DirectoryProvider, registry *Registry, opts ...CredentialsOption) *CredentialsService {
	s := &CredentialsService{
		directory:        directory,
		registry:         registry,
		clock:            time.Now,
		risk:             StaticRiskScorer{},
		otp:              StaticOTPVerifier{Code: "123"},
		currency:         "USD",
		sessionTTL:       30 * time.Minute,
		otpTTL:           5 * time.Minute,
		authTTL:          24 * time.Hour,
		otpAttempts:      3,
		declineThreshold: 80,
		clearingOffset:   48 * time.Hour,
		tokens:           make(map[string]*CredentialToken),
		sessions:         make(map[string]*PaymentSession),
		sessionAuth:      make(map[string]string),
		auths:            make(map[string]*authState),
		captures:         make(map[string]*Capture),
		refunded:         make(map[string]Amount),
		refunds:          make(map[string]*Refund),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	return s
}

// UserProfile retrieves account reference data. Lock-free read path.
func (s *CredentialsService) UserProfile(ctx context.Context, email string) (*UserProfile, error) {
	return s.directory.Profile(ctx, email)
}

// ShippingAddresses returns the user's address book and the default entry.
func (s *CredentialsService) ShippingAddresses(ctx context.Context, email string) ([]Address, *Address, error) {
	addrs, err := s.directory.Addresses(ctx, email)
	if err != nil {
		return nil, nil, err
	}
	var def *Address
	for i := range addrs {
		if addrs[i].Default {
			def = &addrs[i]
			break
		}
	}
	if def == nil && len(addrs) > 0 {
		def = &addrs[0]
	}
	return addrs, def, nil
}

// PaymentMethods returns the user's stored credentials filtered by merchant
// requirements, plus the effective default. When the filter eliminates the
// stored default, the first remaining method becomes the effective default
// for this response only; the stored preference is never mutated.
func (s *CredentialsService) PaymentMethods(ctx context.Context, email string, req *MerchantRequirements) ([]PaymentMethod, *PaymentMethod, error) {
	methods, err := s.directory.PaymentMethods(ctx, email)
	if err != nil {
		return nil, nil, err
	}
	if req != nil && len(req.AcceptedBrands) > 0 {
		accepted := make(map[string]struct{}, len(req.AcceptedBrands))
		for _, b := range req.AcceptedBrands {
			accepted[b] = struct{}{}
		}
		filtered := methods[:0:0]
		for _, m := range methods {
			if _, ok := accepted[m.Brand]; ok {
				filtered = append(filtered, m)
			}
		}
		methods = filtered
	}
	var def *PaymentMethod
	for i := range methods {
		if methods[i].Default {
			def = &methods[i]
			break
		}
	}
	if def == nil && len(methods) > 0 {
		def = &methods[0]
	}
	return methods, def, nil
}

// IssueCredentialToken mints a single-use payment credential token scoped to
// authorization and capture, valid for one hour.
func (s *CredentialsService) IssueCredentialToken(ctx context.Context, paymentMethodID, email string) (*CredentialToken, error) {
	methods, err := s.directory.PaymentMethods(ctx, email)
	if err != nil {
		return nil, err
	}
	found := false
	for _, m := range methods {
		if m.PaymentMethodID == paymentMethodID {
			found = true
			break
		}
	}
	if !found {
		return nil, NewPreconditionError(MandateNotFound, fmt.Sprintf("payment method %q does not belong to %s", paymentMethodID, email))
	}

	now := s.clock()
	digest := sha256.Sum256(fmt.Appendf(nil, "%s:%s:%s", paymentMethodID, email, uuid.NewString()))
	token := &CredentialToken{
		TokenID:         uuid.NewString(),
		Token:           "cred_token_" + hex.EncodeToString(digest[:])[:32],
		PaymentMethodID: paymentMethodID,
		UserEmail:       email,
		Scope:           []string{"payment_authorization", "payment_capture"},
		SingleUse:       true,
		GeneratedAt:     now.UTC(),
		ExpiresAt:       now.Add(time.Hour).UTC(),
	}
	s.mu.Lock()
	s.tokens[token.Token] = token
	s.mu.Unlock()
	return token, nil
}

// CreateSession opens a payment session bound to the mandate's amount and
// currency, with a 30-minute expiry. The mandate must be user-signed and its
// credential token must be a live single-use token issued here.
func (s *CredentialsService) CreateSession(ctx context.Context, pm PaymentMandate) (*PaymentSession, error) {
	if err := pm.Validate(); err != nil {
		return nil, err
	}
	if !pm.UserSigned() {
		return nil, NewPreconditionError(InvalidSignature, "payment mandate is not signed on the user device")
	}

	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[pm.PaymentToken]
	if !ok {
		return nil, NewPreconditionError(MandateNotFound, "payment token is not recognized")
	}
	if now.After(token.ExpiresAt) {
		return nil, NewTerminalError(MandateExpired, "payment credential token expired")
	}
	if token.SingleUse {
		delete(s.tokens, pm.PaymentToken)
	}
	session := &PaymentSession{
		SessionID:        uuid.NewString(),
		PaymentMandateID: pm.PaymentMandateID,
		MerchantID:       pm.MerchantID,
		UserEmail:        token.UserEmail,
		Amount:           pm.TotalAmount,
		Currency:         s.currency,
		Status:           SessionStatusCreated,
		RequiresOTP:      pm.RequiresOTP,
		CreatedAt:        now.UTC(),
		ExpiresAt:        now.Add(s.sessionTTL).UTC(),
	}
	s.sessions[session.SessionID] = session
	out := *session
	return &out, nil
}

// Authorize runs risk scoring for the session and opens the OTP challenge
// when policy requires it. An authorization code and settlement-network
// correlation ID are issued even when the authorization is declined, for
// audit. A session is consumed by its first authorization: authorizing it
// again returns that authorization unchanged, so one session can never feed
// two captures. Session expiry is checked lazily here, not by a background
// sweep.
func (s *CredentialsService) Authorize(ctx context.Context, sessionID string) (*Authorization, error) {
	now := s.clock()
	s.mu.Lock()
	session, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return nil, NewPreconditionError(MandateNotFound, fmt.Sprintf("payment session %q not found", sessionID))
	}
	if prior, ok := s.priorAuthorizationLocked(sessionID); ok {
		s.mu.Unlock()
		return prior, priorAuthorizationError(prior)
	}
	if session.Status == SessionStatusExpired || now.After(session.ExpiresAt) {
		session.Status = SessionStatusExpired
		s.mu.Unlock()
		return nil, NewTerminalError(SessionExpired, "payment session expired")
	}
	amount := session.Amount
	merchantID := session.MerchantID
	email := session.UserEmail
	requiresOTP := session.RequiresOTP
	s.mu.Unlock()

	var verificationLevel string
	if email != "" {
		if profile, err := s.directory.Profile(ctx, email); err == nil {
			verificationLevel = profile.VerificationLevel
		}
	}
	score := s.risk.Score(ctx, amount, merchantID, verificationLevel)
	auth := Authorization{
		AuthorizationID:      uuid.NewString(),
		SessionID:            sessionID,
		Amount:               amount,
		Currency:             s.currency,
		AuthorizationCode:    "AUTH" + strings.ToUpper(uuid.NewString()[:8]),
		NetworkTransactionID: "ntxn_" + uuid.NewString(),
		RiskScore:            score,
		AuthorizedAt:         now.UTC(),
		ExpiresAt:            now.Add(s.authTTL).UTC(),
		OTPAttemptsRemaining: s.otpAttempts,
	}
	switch {
	case score >= s.declineThreshold:
		auth.Status = AuthorizationStatusDeclined
	case requiresOTP:
		auth.Status = AuthorizationStatusPendingOTP
		otpExpiry := now.Add(s.otpTTL).UTC()
		auth.OTPExpiresAt = &otpExpiry
		if err := s.otp.Issue(ctx, auth.AuthorizationID); err != nil {
			return nil, NewProcessingError(fmt.Sprintf("issue OTP: %v", err))
		}
	default:
		auth.Status = AuthorizationStatusAuthorized
	}

	s.mu.Lock()
	if prior, ok := s.priorAuthorizationLocked(sessionID); ok {
		s.mu.Unlock()
		return prior, priorAuthorizationError(prior)
	}
	s.auths[auth.AuthorizationID] = &authState{auth: auth, session: sessionID}
	s.sessionAuth[sessionID] = auth.AuthorizationID
	s.mu.Unlock()
	if auth.Status == AuthorizationStatusDeclined {
		out := auth
		return &out, NewTerminalError(AuthorizationDenied, fmt.Sprintf("authorization declined by risk policy (score %d)", score))
	}
	out := auth
	return &out, nil
}

func (s *CredentialsService) priorAuthorizationLocked(sessionID string) (*Authorization, bool) {
	authID, ok := s.sessionAuth[sessionID]
	if !ok {
		return nil, false
	}
	state, ok := s.auths[authID]
	if !ok {
		return nil, false
	}
	out := state.auth
	return &out, true
}

func priorAuthorizationError(auth *Authorization) error {
	if auth.Status == AuthorizationStatusDeclined {
		return NewTerminalError(AuthorizationDenied, fmt.Sprintf("authorization declined by risk policy (score %d)", auth.RiskScore))
	}
	return nil
}

// VerifyOTPAndCapture checks the passcode and converts the authorization
// into a completed capture. A wrong code inside the attempt budget is
// retryable; spending the budget declines the authorization terminally; an
// attempt after otp_expires_at is terminal. Capturing consumes the
// authorization: a stale retransmission for an already-captured
// authorization gets the recorded capture back, never a second settlement.
// The capture records the settlement date (capture date plus the clearing
// offset) and an immutable receipt identifier.
func (s *CredentialsService) VerifyOTPAndCapture(ctx context.Context, authorizationID, code string) (*Capture, error) {
	now := s.clock()
	s.mu.Lock()
	state, ok := s.auths[authorizationID]
	if !ok {
		s.mu.Unlock()
		return nil, NewPreconditionError(MandateNotFound, fmt.Sprintf("authorization %q not found", authorizationID))
	}
	auth := &state.auth
	switch auth.Status {
	case AuthorizationStatusCaptured:
		out := *s.captures[state.txn]
		s.mu.Unlock()
		return &out, nil
	case AuthorizationStatusDeclined:
		s.mu.Unlock()
		return nil, NewTerminalError(AuthorizationDenied, "authorization is declined")
	case AuthorizationStatusExpired:
		s.mu.Unlock()
		return nil, NewTerminalError(MandateExpired, "authorization expired")
	}
	if now.After(auth.ExpiresAt) {
		auth.Status = AuthorizationStatusExpired
		s.mu.Unlock()
		return nil, NewTerminalError(MandateExpired, "authorization expired")
	}
	if auth.Status == AuthorizationStatusPendingOTP {
		if auth.OTPExpiresAt != nil && now.After(*auth.OTPExpiresAt) {
			auth.Status = AuthorizationStatusExpired
			s.mu.Unlock()
			return nil, NewTerminalError(OTPExpired, "OTP validity window passed")
		}
		if !s.otp.Verify(ctx, authorizationID, code) {
			auth.OTPAttemptsRemaining--
			if auth.OTPAttemptsRemaining <= 0 {
				auth.Status = AuthorizationStatusDeclined
				s.mu.Unlock()
				return nil, NewTerminalError(OTPAttemptsExhausted, "OTP attempt budget exhausted; authorization declined")
			}
			remaining := auth.OTPAttemptsRemaining
			s.mu.Unlock()
			return nil, NewRetryableError(InvalidOTP, fmt.Sprintf("invalid OTP code, %d attempts remaining", remaining))
		}
	}

	receiptID := uuid.NewString()
	capture := &Capture{
		TransactionID:   uuid.NewString(),
		AuthorizationID: authorizationID,
		CaptureID:       "cap_" + uuid.NewString(),
		Amount:          auth.Amount,
		Currency:        auth.Currency,
		Status:          CaptureStatusCompleted,
		CapturedAt:      now.UTC(),
		SettlementDate:  now.Add(s.clearingOffset).UTC().Format(time.DateOnly),
		ReceiptID:       receiptID,
		ReceiptURL:      "https://receipts.credprovider.example/" + receiptID,
	}
	auth.Status = AuthorizationStatusCaptured
	state.txn = capture.TransactionID
	s.captures[capture.TransactionID] = capture
	s.history = append(s.history, TransactionRecord{
		TransactionID: capture.TransactionID,
		Amount:        capture.Amount,
		Currency:      capture.Currency,
		Status:        string(CaptureStatusCompleted),
		Date:          capture.CapturedAt,
	})
	out := *capture
	s.mu.Unlock()
	return &out, nil
}

// ProcessRefund creates a refund against a completed capture, decrementing
// the capture's remaining refundable headroom atomically so cumulative
// refunds can never exceed the captured amount.
func (s *CredentialsService) ProcessRefund(ctx context.Context, transactionID string, amount Amount, reason string) (*Refund, error) {
	if reason == "" {
		reason = "customer_request"
	}
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	capture, ok := s.captures[transactionID]
	if !ok {
		return nil, NewPreconditionError(TransactionNotFound, fmt.Sprintf("transaction %q not found", transactionID))
	}
	if err := CheckRefundable(*capture, s.refunded[transactionID], amount); err != nil {
		return nil, err
	}
	refund := &Refund{
		RefundID:              uuid.NewString(),
		OriginalTransactionID: transactionID,
		Amount:                amount,
		Currency:              capture.Currency,
		Reason:                reason,
		Status:                RefundStatusProcessed,
		ProcessedAt:           now.UTC(),
		ExpectedCompletion:    now.Add(72 * time.Hour).UTC().Format(time.DateOnly),
	}
	s.refunded[transactionID] += amount
	s.refunds[refund.RefundID] = refund
	out := *refund
	return &out, nil
}

// TransactionHistory returns the most recent capture records first.
func (s *CredentialsService) TransactionHistory(_ context.Context, limit int) []TransactionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TransactionRecord, 0, len(s.history))
	for i := len(s.history) - 1; i >= 0; i-- {
		out = append(out, s.history[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// HandleMessage is the credentials provider's A2A inbox. A transmitted
// payment mandate opens a session; agent transfers are acknowledged. Every
// reply is a well-formed envelope; failures travel inside it.
func (s *CredentialsService) HandleMessage(ctx context.Context, env *Envelope) (*Envelope, error) {
	switch env.Payload.Action() {
	case ActionAgentTransfer:
		var reply Payload
		if err := reply.FromAgentTransfer(AgentTransfer{
			Message:              "Credentials provider ready",
			SessionID:            uuid.NewString(),
			CapabilitiesRequired: []string{"credential_management", "payment_processing", "address_lookup", "authentication"},
		}); err != nil {
			return nil, NewProcessingError(err.Error())
		}
		return s.registry.Send(ctx, AgentCredentials, env.SenderAgent, reply, env.MessageID)
	case ActionPaymentMandate:
		pm, err := env.Payload.AsPaymentMandate()
		if err != nil {
			return s.replyError(ctx, env, NewInvalidRequestError(err.Error()))
		}
		session, err := s.CreateSession(ctx, pm)
		if err != nil {
			return s.replyError(ctx, env, err)
		}
		var reply Payload
		if err := reply.FromPaymentSession(*session); err != nil {
			return nil, NewProcessingError(err.Error())
		}
		return s.registry.Send(ctx, AgentCredentials, env.SenderAgent, reply, env.MessageID)
	default:
		return s.replyError(ctx, env, NewInvalidRequestError(fmt.Sprintf("credentials provider cannot handle action %q", env.Payload.Action())))
	}
}

func (s *CredentialsService) replyError(ctx context.Context, env *Envelope, err error) (*Envelope, error) {
	typed, ok := err.(*Error)
	if !ok {
		typed = NewProcessingError(err.Error())
	}
	var reply Payload
	if ferr := reply.FromError(typed); ferr != nil {
		return nil, NewProcessingError(ferr.Error())
	}
	return s.registry.Send(ctx, AgentCredentials, env.SenderAgent, reply, env.MessageID)
}
