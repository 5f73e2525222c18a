// Package mandate builds and verifies the intent, cart, payment and receipt
// chain that authorizes a transfer between a consumer and a provider.
package mandate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"agentex/internal/domain"
	"agentex/internal/ledger"
	"agentex/internal/repo"
)

var (
	ErrProviderNotRegistered = errors.New("provider not registered")
	ErrMandateNotFound       = errors.New("mandate not found")
	ErrMandateExpired        = errors.New("mandate expired")
	ErrMandateUsed           = errors.New("mandate already used")
	ErrWrongKind             = errors.New("mandate has the wrong kind")
	ErrInvalidAmount         = errors.New("amount must be positive")
	ErrTotalMismatch         = errors.New("cart total does not match line items")
	ErrBaseMismatch          = errors.New("cart base does not match intent amount")
	ErrUnsupportedMethod     = errors.New("payment method not supported")
	ErrInvalidAuthorization  = errors.New("invalid mandate authorization")
)

// Receipt error codes.
const (
	CodeAmountMismatch       = "AMOUNT_MISMATCH"
	CodeInvalidAuthorization = "INVALID_AUTHORIZATION"
	CodeMandateExpired       = "MANDATE_EXPIRED"
	CodeInsufficientFunds    = "INSUFFICIENT_FUNDS"
	CodeTransferFailed       = "TRANSFER_FAILED"
)

const (
	DefaultIntentTTL = 24 * time.Hour
	DefaultCartTTL   = 15 * time.Minute
	// DefaultMethod is used when neither the request nor the configuration
	// names a payment method.
	DefaultMethod = "wallet"
)

// Directory resolves registered providers.
type Directory interface {
	Lookup(ctx context.Context, providerID string) (domain.Provider, error)
}

// Ledger moves funds.
type Ledger interface {
	Transfer(ctx context.Context, req ledger.TransferRequest) (domain.Transaction, error)
}

type Stage string

const (
	StageIntent  Stage = "intent"
	StageCart    Stage = "cart"
	StagePayment Stage = "payment"
)

// StageError reports which chain stage failed to produce its mandate.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("mandate chain failed at %s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

type Protocol struct {
	Store            Store
	Directory        Directory
	Ledger           Ledger
	Signer           Signer
	Fees             Fees
	SupportedMethods []string
	IntentTTL        time.Duration
	CartTTL          time.Duration
	Logger           *slog.Logger
	Now              func() time.Time
	// OnReceipt is called for every receipt produced.
	OnReceipt func(domain.PaymentReceipt)
}

func (p *Protocol) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func (p *Protocol) log() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

type IntentRequest struct {
	ConsumerID  string
	ProviderID  string
	Amount      domain.Cents
	Currency    string
	Description string
	ExpiresIn   time.Duration
}

// CreateIntent records a consumer's non-binding intent to buy from a registered provider.
func (p *Protocol) CreateIntent(ctx context.Context, req IntentRequest) (domain.IntentMandate, error) {
	if strings.TrimSpace(req.ConsumerID) == "" || strings.TrimSpace(req.ProviderID) == "" {
		return domain.IntentMandate{}, errors.New("consumer_id and provider_id required")
	}
	if req.Amount <= 0 {
		return domain.IntentMandate{}, ErrInvalidAmount
	}
	if p.Directory != nil {
		prov, err := p.Directory.Lookup(ctx, req.ProviderID)
		if err != nil {
			return domain.IntentMandate{}, fmt.Errorf("%w: %s: %v", ErrProviderNotRegistered, req.ProviderID, err)
		}
		if len(prov.Capabilities) == 0 {
			return domain.IntentMandate{}, fmt.Errorf("%w: %s has no capabilities", ErrProviderNotRegistered, req.ProviderID)
		}
	}
	ttl := req.ExpiresIn
	if ttl <= 0 {
		ttl = p.IntentTTL
	}
	if ttl <= 0 {
		ttl = DefaultIntentTTL
	}
	now := p.now()
	intent := domain.IntentMandate{
		ID:          "intent_" + uuid.NewString(),
		ConsumerID:  req.ConsumerID,
		ProviderID:  req.ProviderID,
		Amount:      req.Amount,
		Currency:    currencyOr(req.Currency),
		Description: req.Description,
		Status:      domain.MandatePending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	rec, err := record(domain.MandateIntent, intent.ID, "", intent.ConsumerID, intent.ProviderID, intent.Amount, intent.Currency, intent.CreatedAt, intent.ExpiresAt, intent)
	if err != nil {
		return domain.IntentMandate{}, err
	}
	if err := p.Store.Record(ctx, rec); err != nil {
		return domain.IntentMandate{}, err
	}
	p.log().Info("intent mandate created", "intent_id", intent.ID, "consumer_id", intent.ConsumerID,
		"provider_id", intent.ProviderID, "amount", intent.Amount.String())
	return intent, nil
}

type CartRequest struct {
	IntentID     string
	LineItems    []domain.LineItem
	Total        domain.Cents
	WorkCategory string
	ExpiresIn    time.Duration
}

// CreateCart itemizes a live intent and has the merchant sign the total. Without
// line items the fee schedule itemizes the intent amount; without a total the
// line sum is used.
func (p *Protocol) CreateCart(ctx context.Context, req CartRequest) (domain.CartMandate, error) {
	rec, err := p.live(ctx, req.IntentID, domain.MandateIntent)
	if err != nil {
		return domain.CartMandate{}, err
	}
	items := req.LineItems
	if len(items) == 0 {
		items = p.Fees.ItemsFor(rec.Amount, req.WorkCategory)
	}
	if base := sumKind(items, domain.LineBase); base != rec.Amount {
		return domain.CartMandate{}, fmt.Errorf("%w: base %s, intent %s", ErrBaseMismatch, base, rec.Amount)
	}
	sum := domain.SumLines(items)
	total := req.Total
	if total == 0 {
		total = sum
	}
	if total != sum {
		return domain.CartMandate{}, fmt.Errorf("%w: total %s, lines %s", ErrTotalMismatch, total, sum)
	}
	if total <= 0 {
		return domain.CartMandate{}, fmt.Errorf("%w: cart total %s", ErrInvalidAmount, total)
	}
	ttl := req.ExpiresIn
	if ttl <= 0 {
		ttl = p.CartTTL
	}
	if ttl <= 0 {
		ttl = DefaultCartTTL
	}
	now := p.now()
	expires := now.Add(ttl)
	if expires.After(rec.ExpiresAt) {
		expires = rec.ExpiresAt
	}
	cart := domain.CartMandate{
		ID:         "cart_" + uuid.NewString(),
		IntentID:   rec.ID,
		MerchantID: rec.ProviderID,
		LineItems:  items,
		Total:      total,
		Currency:   rec.Currency,
		Status:     domain.MandatePending,
		CreatedAt:  now,
		ExpiresAt:  expires,
	}
	cart.Authorization, err = p.Signer.Sign(cart.MerchantID, domain.MandateCart, cart.ID, cartContents(cart))
	if err != nil {
		return domain.CartMandate{}, err
	}
	child, err := record(domain.MandateCart, cart.ID, rec.ID, rec.ConsumerID, rec.ProviderID, cart.Total, cart.Currency, cart.CreatedAt, cart.ExpiresAt, cart)
	if err != nil {
		return domain.CartMandate{}, err
	}
	if err := p.Store.Advance(ctx, rec.ID, child); err != nil {
		return domain.CartMandate{}, err
	}
	p.log().Info("cart mandate created", "cart_id", cart.ID, "intent_id", rec.ID, "total", cart.Total.String(), "lines", len(items))
	return cart, nil
}

// VerifyCart checks the merchant's authorization over the cart contents.
func (p *Protocol) VerifyCart(cart domain.CartMandate) error {
	return p.Signer.Verify(cart.Authorization, cart.MerchantID, domain.MandateCart, cart.ID, cartContents(cart))
}

// VerifyPayment checks the consumer's authorization over the payment contents.
func (p *Protocol) VerifyPayment(pm domain.PaymentMandate) error {
	return p.Signer.Verify(pm.Authorization, pm.ConsumerID, domain.MandatePayment, pm.ID, paymentContents(pm))
}

type PaymentRequest struct {
	CartID string
	Method string
	// ConsumerID, when set, must be the consumer the cart was built for.
	ConsumerID string
}

// CreatePayment records the consumer's consent to pay a live cart's exact
// total with a method. No funds move.
func (p *Protocol) CreatePayment(ctx context.Context, req PaymentRequest) (domain.PaymentMandate, error) {
	rec, err := p.live(ctx, req.CartID, domain.MandateCart)
	if err != nil {
		return domain.PaymentMandate{}, err
	}
	if req.ConsumerID != "" && req.ConsumerID != rec.ConsumerID {
		return domain.PaymentMandate{}, fmt.Errorf("%w: cart %s belongs to %s", ErrInvalidAuthorization, rec.ID, rec.ConsumerID)
	}
	var cart domain.CartMandate
	if err := json.Unmarshal([]byte(rec.Body), &cart); err != nil {
		return domain.PaymentMandate{}, fmt.Errorf("decode cart %s: %w", rec.ID, err)
	}
	if err := p.VerifyCart(cart); err != nil {
		return domain.PaymentMandate{}, err
	}
	method := strings.TrimSpace(req.Method)
	if method == "" {
		method = DefaultMethod
		if len(p.SupportedMethods) > 0 {
			method = p.SupportedMethods[0]
		}
	}
	if !p.methodSupported(method) {
		return domain.PaymentMandate{}, fmt.Errorf("%w: %q", ErrUnsupportedMethod, method)
	}
	now := p.now()
	pm := domain.PaymentMandate{
		ID:            "payment_" + uuid.NewString(),
		CartID:        cart.ID,
		ConsumerID:    rec.ConsumerID,
		PaymentMethod: method,
		Amount:        cart.Total,
		Currency:      cart.Currency,
		Status:        domain.MandatePending,
		CreatedAt:     now,
		ExpiresAt:     cart.ExpiresAt,
	}
	pm.Authorization, err = p.Signer.Sign(pm.ConsumerID, domain.MandatePayment, pm.ID, paymentContents(pm))
	if err != nil {
		return domain.PaymentMandate{}, err
	}
	child, err := record(domain.MandatePayment, pm.ID, cart.ID, rec.ConsumerID, rec.ProviderID, pm.Amount, pm.Currency, pm.CreatedAt, pm.ExpiresAt, pm)
	if err != nil {
		return domain.PaymentMandate{}, err
	}
	if err := p.Store.Advance(ctx, cart.ID, child); err != nil {
		return domain.PaymentMandate{}, err
	}
	p.log().Info("payment mandate created", "payment_mandate_id", pm.ID, "cart_id", cart.ID, "method", method, "amount", pm.Amount.String())
	return pm, nil
}

func (p *Protocol) methodSupported(method string) bool {
	if method == "" {
		return false
	}
	if len(p.SupportedMethods) == 0 {
		return true
	}
	for _, m := range p.SupportedMethods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// ProcessPayment settles an authorized payment mandate through the ledger.
// Business failures come back as a FAILED receipt, never as an error.
func (p *Protocol) ProcessPayment(ctx context.Context, pm domain.PaymentMandate, fromID, toID string, amount domain.Cents, currency string) domain.PaymentReceipt {
	rc := domain.PaymentReceipt{
		ID:               "rcpt_" + uuid.NewString(),
		PaymentMandateID: pm.ID,
		PaymentID:        "pay_" + uuid.NewString(),
		Status:           domain.ReceiptPending,
		Amount:           amount,
		Currency:         currencyOr(currency),
		Timestamp:        p.now(),
	}
	rc = p.settle(ctx, rc, pm, fromID, toID)
	if err := p.Store.SaveReceipt(ctx, rc); err != nil {
		p.log().Error("receipt not recorded", "receipt_id", rc.ID, "payment_mandate_id", pm.ID, "error", err)
	}
	if rc.Status == domain.ReceiptSuccess {
		p.log().Info("payment settled", "payment_id", rc.PaymentID, "confirmation_id", rc.Confirmation, "amount", rc.Amount.String())
	} else {
		p.log().Warn("payment failed", "payment_id", rc.PaymentID, "code", rc.Error.Code, "message", rc.Error.Message)
	}
	if p.OnReceipt != nil {
		p.OnReceipt(rc)
	}
	return rc
}

func failed(rc domain.PaymentReceipt, code, msg string) domain.PaymentReceipt {
	rc.Status = domain.ReceiptFailed
	rc.Error = &domain.ReceiptError{Code: code, Message: msg}
	return rc
}

func (p *Protocol) settle(ctx context.Context, rc domain.PaymentReceipt, pm domain.PaymentMandate, fromID, toID string) domain.PaymentReceipt {
	if rc.Amount != pm.Amount {
		return failed(rc, CodeAmountMismatch, fmt.Sprintf("amount %s does not match authorized %s", rc.Amount, pm.Amount))
	}
	if !strings.EqualFold(rc.Currency, pm.Currency) {
		return failed(rc, CodeAmountMismatch, fmt.Sprintf("currency %s does not match authorized %s", rc.Currency, pm.Currency))
	}
	if !pm.ExpiresAt.IsZero() && !p.now().Before(pm.ExpiresAt) {
		return failed(rc, CodeMandateExpired, "payment mandate expired at "+pm.ExpiresAt.Format(time.RFC3339))
	}
	if err := p.VerifyPayment(pm); err != nil {
		return failed(rc, CodeInvalidAuthorization, err.Error())
	}
	if fromID != "" && fromID != pm.ConsumerID {
		return failed(rc, CodeInvalidAuthorization, fmt.Sprintf("payer %s did not authorize this payment", fromID))
	}
	if fromID == "" {
		fromID = pm.ConsumerID
	}
	stored, err := p.Store.Get(ctx, pm.ID)
	if err != nil {
		return failed(rc, CodeInvalidAuthorization, err.Error())
	}
	if stored.Kind != domain.MandatePayment {
		return failed(rc, CodeInvalidAuthorization, "mandate is not a payment mandate")
	}
	if toID == "" {
		toID = stored.ProviderID
	}
	if toID != stored.ProviderID {
		return failed(rc, CodeInvalidAuthorization, fmt.Sprintf("payee %s is not the authorized merchant", toID))
	}
	if err := p.Store.Consume(ctx, pm.ID); err != nil {
		return failed(rc, CodeInvalidAuthorization, err.Error())
	}
	txn, err := p.Ledger.Transfer(ctx, ledger.TransferRequest{
		From:      fromID,
		To:        toID,
		Amount:    rc.Amount,
		Currency:  rc.Currency,
		Reference: pm.ID,
	})
	if err != nil {
		if relErr := p.Store.Release(ctx, pm.ID); relErr != nil {
			p.log().Error("payment mandate not released", "payment_mandate_id", pm.ID, "error", relErr)
		}
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			return failed(rc, CodeInsufficientFunds, err.Error())
		}
		return failed(rc, CodeTransferFailed, err.Error())
	}
	rc.Status = domain.ReceiptSuccess
	rc.Confirmation = txn.ID
	return rc
}

type ChainRequest struct {
	ConsumerID   string
	ProviderID   string
	Amount       domain.Cents
	Currency     string
	Description  string
	WorkCategory string
	Method       string
}

type ChainResult struct {
	Intent  *domain.IntentMandate  `json:"intent,omitempty"`
	Cart    *domain.CartMandate    `json:"cart,omitempty"`
	Payment *domain.PaymentMandate `json:"payment,omitempty"`
	Receipt *domain.PaymentReceipt `json:"receipt,omitempty"`
}

// ProcessMandateChain runs intent, cart, payment and settlement in order. A
// stage that cannot produce its mandate stops the chain with a *StageError; a
// declined payment is reported by the receipt.
func (p *Protocol) ProcessMandateChain(ctx context.Context, req ChainRequest) (ChainResult, error) {
	var res ChainResult
	intent, err := p.CreateIntent(ctx, IntentRequest{
		ConsumerID:  req.ConsumerID,
		ProviderID:  req.ProviderID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Description: req.Description,
	})
	if err != nil {
		return res, &StageError{Stage: StageIntent, Err: err}
	}
	res.Intent = &intent
	cart, err := p.CreateCart(ctx, CartRequest{IntentID: intent.ID, WorkCategory: req.WorkCategory})
	if err != nil {
		return res, &StageError{Stage: StageCart, Err: err}
	}
	res.Cart = &cart
	pm, err := p.CreatePayment(ctx, PaymentRequest{CartID: cart.ID, Method: req.Method})
	if err != nil {
		return res, &StageError{Stage: StagePayment, Err: err}
	}
	res.Payment = &pm
	rc := p.ProcessPayment(ctx, pm, req.ConsumerID, req.ProviderID, pm.Amount, pm.Currency)
	res.Receipt = &rc
	return res, nil
}

// ListMandates returns recorded chain stages.
func (p *Protocol) ListMandates(ctx context.Context, f repo.MandateFilter) ([]domain.MandateRecord, error) {
	return p.Store.List(ctx, f)
}

// live loads a pending, unexpired mandate of the given kind.
func (p *Protocol) live(ctx context.Context, id string, kind domain.MandateKind) (domain.MandateRecord, error) {
	if strings.TrimSpace(id) == "" {
		return domain.MandateRecord{}, fmt.Errorf("%w: empty %s id", ErrMandateNotFound, kind)
	}
	rec, err := p.Store.Get(ctx, id)
	if err != nil {
		return rec, err
	}
	if rec.Kind != kind {
		return rec, fmt.Errorf("%w: %s is a %s mandate", ErrWrongKind, id, rec.Kind)
	}
	if rec.Status != domain.MandatePending {
		return rec, fmt.Errorf("%w: %s is %s", ErrMandateUsed, id, rec.Status)
	}
	if !p.now().Before(rec.ExpiresAt) {
		return rec, fmt.Errorf("%w: %s expired at %s", ErrMandateExpired, id, rec.ExpiresAt.Format(time.RFC3339))
	}
	return rec, nil
}

func record(kind domain.MandateKind, id, parentID, consumerID, providerID string, amount domain.Cents, currency string, created, expires time.Time, body any) (domain.MandateRecord, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return domain.MandateRecord{}, fmt.Errorf("encode %s mandate: %w", kind, err)
	}
	return domain.MandateRecord{
		ID:         id,
		Kind:       kind,
		ParentID:   parentID,
		ConsumerID: consumerID,
		ProviderID: providerID,
		Amount:     amount,
		Currency:   currency,
		Status:     domain.MandatePending,
		Body:       string(raw),
		CreatedAt:  created,
		ExpiresAt:  expires,
	}, nil
}

func currencyOr(c string) string {
	if c == "" {
		return "USD"
	}
	return strings.ToUpper(c)
}
