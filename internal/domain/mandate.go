package domain

import "time"

type MandateKind string

const (
	MandateIntent  MandateKind = "intent"
	MandateCart    MandateKind = "cart"
	MandatePayment MandateKind = "payment"
)

type MandateStatus string

const (
	MandatePending MandateStatus = "pending"
	MandateUsed    MandateStatus = "used"
	MandateExpired MandateStatus = "expired"
)

type IntentMandate struct {
	ID          string        `json:"id"`
	ConsumerID  string        `json:"consumer_id"`
	ProviderID  string        `json:"provider_id"`
	Amount      Cents         `json:"amount"`
	Currency    string        `json:"currency"`
	Description string        `json:"description"`
	Status      MandateStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
}

type LineKind string

const (
	LineBase   LineKind = "base"
	LineFee    LineKind = "fee"
	LineReward LineKind = "reward"
	LineTax    LineKind = "tax"
)

type LineItem struct {
	Label  string   `json:"label"`
	Kind   LineKind `json:"kind" enum:"base,fee,reward,tax"`
	Amount Cents    `json:"amount"`
}

// SumLines adds up line item amounts.
func SumLines(items []LineItem) Cents {
	var total Cents
	for _, it := range items {
		total += it.Amount
	}
	return total
}

type CartMandate struct {
	ID            string        `json:"id"`
	IntentID      string        `json:"intent_id"`
	MerchantID    string        `json:"merchant_id"`
	LineItems     []LineItem    `json:"line_items"`
	Total         Cents         `json:"total"`
	Currency      string        `json:"currency"`
	Status        MandateStatus `json:"status"`
	Authorization string        `json:"merchant_authorization"`
	CreatedAt     time.Time     `json:"created_at"`
	ExpiresAt     time.Time     `json:"expires_at"`
}

type PaymentMandate struct {
	ID            string        `json:"id"`
	CartID        string        `json:"cart_id"`
	ConsumerID    string        `json:"consumer_id"`
	PaymentMethod string        `json:"payment_method"`
	Amount        Cents         `json:"amount"`
	Currency      string        `json:"currency"`
	Status        MandateStatus `json:"status"`
	Authorization string        `json:"user_authorization"`
	CreatedAt     time.Time     `json:"created_at"`
	ExpiresAt     time.Time     `json:"expires_at"`
}

type ReceiptStatus string

const (
	ReceiptSuccess ReceiptStatus = "SUCCESS"
	ReceiptFailed  ReceiptStatus = "FAILED"
	ReceiptPending ReceiptStatus = "PENDING"
)

type ReceiptError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type PaymentReceipt struct {
	ID               string        `json:"id"`
	PaymentMandateID string        `json:"payment_mandate_id"`
	PaymentID        string        `json:"payment_id"`
	Status           ReceiptStatus `json:"status" enum:"SUCCESS,FAILED,PENDING"`
	Amount           Cents         `json:"amount"`
	Currency         string        `json:"currency"`
	Confirmation     string        `json:"confirmation_id,omitempty"`
	Error            *ReceiptError `json:"error,omitempty"`
	Timestamp        time.Time     `json:"timestamp"`
}

// MandateRecord is the stored form of any chain stage.
type MandateRecord struct {
	ID         string        `json:"id"`
	Kind       MandateKind   `json:"kind"`
	ParentID   string        `json:"parent_id,omitempty"`
	ConsumerID string        `json:"consumer_id"`
	ProviderID string        `json:"provider_id"`
	Amount     Cents         `json:"amount"`
	Currency   string        `json:"currency"`
	Status     MandateStatus `json:"status"`
	Body       string        `json:"body"`
	CreatedAt  time.Time     `json:"created_at"`
	ExpiresAt  time.Time     `json:"expires_at"`
}
