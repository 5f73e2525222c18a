package server

import (
	"encoding/json"

	"agentex/internal/auction"
	"agentex/internal/domain"
	"agentex/internal/mandate"
	"agentex/internal/repo"
)

// Request payloads

type AuctionProviderRequest struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Endpoint string `json:"endpoint"`
}

type RunAuctionRequest struct {
	Capability       string                   `json:"capability,omitempty"`
	TaskDescription  string                   `json:"task_description,omitempty"`
	DocumentPages    int                      `json:"document_pages,omitempty" minimum:"0"`
	ConsumerID       string                   `json:"consumer_id,omitempty"`
	Amount           *domain.Cents            `json:"amount,omitempty"`
	Currency         string                   `json:"currency,omitempty"`
	WorkCategory     string                   `json:"work_category,omitempty"`
	MaxPrice         *float64                 `json:"max_price,omitempty" minimum:"0" doc:"Bids priced above this are disqualified"`
	Strategy         string                   `json:"strategy,omitempty" enum:"lowest_price,best_quality,balanced"`
	TimeoutMS        int                      `json:"timeout_ms,omitempty" minimum:"0"`
	ReferenceMinutes float64                  `json:"reference_minutes,omitempty" minimum:"0"`
	Override         *int                     `json:"override,omitempty"`
	Providers        []AuctionProviderRequest `json:"providers,omitempty"`
}

type MandateChainRequest struct {
	ConsumerID   string       `json:"consumer_id,omitempty"`
	ProviderID   string       `json:"provider_id"`
	Amount       domain.Cents `json:"amount"`
	Currency     string       `json:"currency,omitempty"`
	Description  string       `json:"description,omitempty"`
	WorkCategory string       `json:"work_category,omitempty"`
	Method       string       `json:"payment_method,omitempty"`
}

type CreateIntentRequest struct {
	ConsumerID     string       `json:"consumer_id,omitempty"`
	ProviderID     string       `json:"provider_id"`
	Amount         domain.Cents `json:"amount"`
	Currency       string       `json:"currency,omitempty"`
	Description    string       `json:"description,omitempty"`
	ExpiresSeconds int          `json:"expires_seconds,omitempty" minimum:"0"`
}

type CreateCartRequest struct {
	IntentID     string            `json:"intent_id"`
	LineItems    []domain.LineItem `json:"line_items,omitempty"`
	Total        domain.Cents      `json:"total,omitempty"`
	WorkCategory string            `json:"work_category,omitempty"`
}

type CreatePaymentRequest struct {
	CartID string `json:"cart_id"`
	Method string `json:"payment_method,omitempty"`
}

type ProcessPaymentRequest struct {
	PaymentMandate domain.PaymentMandate `json:"payment_mandate"`
	FromID         string                `json:"from_id,omitempty"`
	ToID           string                `json:"to_id,omitempty"`
	Amount         domain.Cents          `json:"amount"`
	Currency       string                `json:"currency,omitempty"`
}

type VerifyPaymentRequest struct {
	ConsumerID    string        `json:"consumer_id,omitempty"`
	PaymentAmount *domain.Cents `json:"payment_amount,omitempty"`
	PaymentID     string        `json:"payment_id,omitempty"`
	SkipPayment   bool          `json:"skip_payment,omitempty"`
}

type CreateWalletRequest struct {
	OwnerID  string       `json:"owner_id,omitempty"`
	Currency string       `json:"currency,omitempty"`
	Initial  domain.Cents `json:"initial_balance,omitempty"`
}

type TransferRequest struct {
	From      string       `json:"from,omitempty"`
	To        string       `json:"to"`
	Amount    domain.Cents `json:"amount"`
	Currency  string       `json:"currency,omitempty"`
	Reference string       `json:"reference,omitempty"`
}

type RegisterProviderRequest struct {
	ID           string   `json:"id"`
	Name         string   `json:"name,omitempty"`
	Endpoint     string   `json:"endpoint"`
	Capabilities []string `json:"capabilities,omitempty"`
	TrustScore   float64  `json:"trust_score,omitempty" minimum:"0" maximum:"1"`
	TrustTier    string   `json:"trust_tier,omitempty" enum:"UNVERIFIED,VERIFIED,TRUSTED,PREFERRED"`
}

// Response payloads

type HealthResponse struct {
	Status  string `json:"status"`
	AgentID string `json:"agent_id,omitempty"`
}

type RoundResponse = auction.Round

type ChainResponse = mandate.ChainResult

type MandateResponse struct {
	ID         string               `json:"id"`
	Kind       domain.MandateKind   `json:"kind" enum:"intent,cart,payment"`
	ParentID   string               `json:"parent_id,omitempty"`
	ConsumerID string               `json:"consumer_id,omitempty"`
	ProviderID string               `json:"provider_id"`
	Amount     domain.Cents         `json:"amount"`
	Currency   string               `json:"currency"`
	Status     domain.MandateStatus `json:"status" enum:"pending,used,expired"`
	CreatedAt  string               `json:"created_at" format:"date-time"`
	ExpiresAt  string               `json:"expires_at" format:"date-time"`
	Mandate    json.RawMessage      `json:"mandate,omitempty"`
}

type GateDecisionResponse struct {
	Allowed       bool   `json:"allowed"`
	Reason        string `json:"reason"`
	PaymentID     string `json:"payment_id,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

type paginatedMandates struct {
	Items []MandateResponse `json:"items"`
}

type paginatedTransactions struct {
	Items []domain.Transaction `json:"items"`
}

type paginatedProviders struct {
	Items []domain.Provider `json:"items"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func mandateResponse(m domain.MandateRecord) MandateResponse {
	var body json.RawMessage
	if json.Valid([]byte(m.Body)) {
		body = json.RawMessage(m.Body)
	}
	return MandateResponse{
		ID:         m.ID,
		Kind:       m.Kind,
		ParentID:   m.ParentID,
		ConsumerID: m.ConsumerID,
		ProviderID: m.ProviderID,
		Amount:     m.Amount,
		Currency:   m.Currency,
		Status:     m.Status,
		CreatedAt:  m.CreatedAt.UTC().Format(timeLayout),
		ExpiresAt:  m.ExpiresAt.UTC().Format(timeLayout),
		Mandate:    body,
	}
}

func eventResponse(evt domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}

func mandateFilter(party, kind, status string, limit int) repo.MandateFilter {
	return repo.MandateFilter{
		PartyID: party,
		Kind:    domain.MandateKind(kind),
		Status:  domain.MandateStatus(status),
		Limit:   normalizeLimit(limit),
	}
}
