// Package payload is the action sub-protocol carried inside the text part of
// task messages. Every document names its action; decoding dispatches on that
// tag and refuses anything it does not know.
package payload

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"agentex/internal/domain"
)

type Action string

const (
	ActionGetBid          Action = "get_bid"
	ActionBid             Action = "bid"
	ActionBidResponse     Action = "bid_response"
	ActionProcess         Action = "process"
	ActionPaymentResult   Action = "payment_result"
	ActionGetPrice        Action = "get_price"
	ActionPriceResponse   Action = "price_response"
	ActionGetBalance      Action = "get_balance"
	ActionBalanceResponse Action = "balance_response"
	ActionDiscoverAgents  Action = "discover_agents"
	ActionAgentsResponse  Action = "agents_response"
	ActionServiceRequest  Action = "service_request"
	ActionServiceResult   Action = "service_result"
	ActionPaymentRejected Action = "payment_rejected"
	ActionError           Action = "error"
)

var (
	ErrMissingAction = errors.New("payload has no action")
	ErrNoPayload     = errors.New("message carries no action payload")
)

// UnknownActionError names an action tag that has no payload type.
type UnknownActionError struct {
	Action string
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("unknown action %q", e.Action)
}

// Payload is implemented by every action document.
type Payload interface {
	Kind() Action
}

// BidRequest asks a provider for a quote. Op is get_bid or bid.
type BidRequest struct {
	Op              Action        `json:"-"`
	TaskDescription string        `json:"taskDescription,omitempty"`
	Capability      string        `json:"capability,omitempty"`
	DocumentPages   int           `json:"documentPages,omitempty"`
	ConsumerID      string        `json:"consumerId,omitempty"`
	Amount          *domain.Cents `json:"amount,omitempty"`
	Currency        string        `json:"currency,omitempty"`
	WorkCategory    string        `json:"workCategory,omitempty"`
}

func (b BidRequest) Kind() Action {
	if b.Op == "" {
		return ActionGetBid
	}
	return b.Op
}

type BidOffer struct {
	ProviderID       string           `json:"providerId"`
	ProviderName     string           `json:"providerName"`
	Price            float64          `json:"price"`
	Currency         string           `json:"currency,omitempty"`
	Confidence       float64          `json:"confidence"`
	EstimatedMinutes float64          `json:"estimatedMinutes"`
	TrustScore       float64          `json:"trustScore"`
	Tier             domain.TrustTier `json:"tier"`
	ExpiresAt        *time.Time       `json:"expiresAt,omitempty"`
	BaseFeePercent   float64          `json:"baseFeePercent,omitempty"`
	RewardPercent    float64          `json:"rewardPercent,omitempty"`
}

type BidResponse struct {
	Bid  BidOffer            `json:"bid"`
	Cart *domain.CartMandate `json:"cartMandate,omitempty"`
}

func (BidResponse) Kind() Action { return ActionBidResponse }

// ProcessRequest asks a payment provider to settle an authorized payment mandate.
type ProcessRequest struct {
	Payment  domain.PaymentMandate `json:"paymentMandate"`
	FromID   string                `json:"fromId"`
	ToID     string                `json:"toId"`
	Amount   domain.Cents          `json:"amount"`
	Currency string                `json:"currency,omitempty"`
}

func (ProcessRequest) Kind() Action { return ActionProcess }

type PaymentResult struct {
	Receipt domain.PaymentReceipt `json:"receipt"`
}

func (PaymentResult) Kind() Action { return ActionPaymentResult }

type PriceRequest struct{}

func (PriceRequest) Kind() Action { return ActionGetPrice }

type PriceResponse struct {
	AgentID   string       `json:"agentId"`
	AgentName string       `json:"agentName,omitempty"`
	Price     domain.Cents `json:"price"`
	Currency  string       `json:"currency"`
}

func (PriceResponse) Kind() Action { return ActionPriceResponse }

type BalanceRequest struct{}

func (BalanceRequest) Kind() Action { return ActionGetBalance }

type BalanceResponse struct {
	AgentID  string       `json:"agentId"`
	Balance  domain.Cents `json:"balance"`
	Currency string       `json:"currency"`
}

func (BalanceResponse) Kind() Action { return ActionBalanceResponse }

type DiscoverRequest struct {
	Capability string `json:"capability,omitempty"`
}

func (DiscoverRequest) Kind() Action { return ActionDiscoverAgents }

type AgentsResponse struct {
	Agents []domain.Provider `json:"agents"`
}

func (AgentsResponse) Kind() Action { return ActionAgentsResponse }

// ServiceRequest asks for paid work. The payment fields feed the payment gate.
type ServiceRequest struct {
	ConsumerID    string         `json:"consumerId,omitempty"`
	PaymentAmount *domain.Cents  `json:"paymentAmount,omitempty"`
	PaymentID     string         `json:"paymentId,omitempty"`
	SkipPayment   bool           `json:"skipPayment,omitempty"`
	Input         string         `json:"input,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
}

func (ServiceRequest) Kind() Action { return ActionServiceRequest }

type ServiceResult struct {
	AgentID  string `json:"agentId"`
	Output   string `json:"output"`
	Verified string `json:"verifiedBy,omitempty"`
}

func (ServiceResult) Kind() Action { return ActionServiceResult }

type PaymentRejected struct {
	Code            string        `json:"code"`
	Error           string        `json:"error"`
	RequiredPayment domain.Cents  `json:"requiredPayment"`
	OfferedPayment  *domain.Cents `json:"offeredPayment,omitempty"`
	AgentID         string        `json:"agentId"`
	Hint            string        `json:"hint,omitempty"`
}

func (PaymentRejected) Kind() Action { return ActionPaymentRejected }

type ErrorResponse struct {
	Error            string   `json:"error"`
	SupportedActions []Action `json:"supportedActions,omitempty"`
}

func (ErrorResponse) Kind() Action { return ActionError }

type envelope struct {
	Action string `json:"action"`
}

// Decode parses a single action document.
func Decode(text string) (Payload, error) {
	data := []byte(strings.TrimSpace(text))
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if env.Action == "" {
		return nil, ErrMissingAction
	}
	var (
		p   Payload
		err error
	)
	switch Action(env.Action) {
	case ActionGetBid, ActionBid:
		var v BidRequest
		err = json.Unmarshal(data, &v)
		v.Op = Action(env.Action)
		p = v
	case ActionBidResponse:
		p, err = decodeAs[BidResponse](data)
	case ActionProcess:
		p, err = decodeAs[ProcessRequest](data)
	case ActionPaymentResult:
		p, err = decodeAs[PaymentResult](data)
	case ActionGetPrice:
		p = PriceRequest{}
	case ActionPriceResponse:
		p, err = decodeAs[PriceResponse](data)
	case ActionGetBalance:
		p = BalanceRequest{}
	case ActionBalanceResponse:
		p, err = decodeAs[BalanceResponse](data)
	case ActionDiscoverAgents:
		p, err = decodeAs[DiscoverRequest](data)
	case ActionAgentsResponse:
		p, err = decodeAs[AgentsResponse](data)
	case ActionServiceRequest:
		p, err = decodeAs[ServiceRequest](data)
	case ActionServiceResult:
		p, err = decodeAs[ServiceResult](data)
	case ActionPaymentRejected:
		p, err = decodeAs[PaymentRejected](data)
	case ActionError:
		p, err = decodeAs[ErrorResponse](data)
	default:
		return nil, &UnknownActionError{Action: env.Action}
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Action, err)
	}
	return p, nil
}

func decodeAs[T Payload](data []byte) (Payload, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Encode renders a payload with its action tag.
func Encode(p Payload) (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", p.Kind(), err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return "", fmt.Errorf("encode %s payload: %w", p.Kind(), err)
	}
	tag, _ := json.Marshal(p.Kind())
	fields["action"] = tag
	out, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Part wraps an encoded payload in a text part.
func Part(p Payload) (domain.Part, error) {
	text, err := Encode(p)
	if err != nil {
		return domain.Part{}, err
	}
	return domain.TextPart(text), nil
}

// FromParts returns the first text part that decodes as a payload. Unknown
// actions are reported rather than skipped.
func FromParts(parts []domain.Part) (Payload, error) {
	for _, part := range parts {
		if part.Type != "text" || !strings.HasPrefix(strings.TrimSpace(part.Text), "{") {
			continue
		}
		p, err := Decode(part.Text)
		if err == nil {
			return p, nil
		}
		var unknown *UnknownActionError
		if errors.As(err, &unknown) || errors.Is(err, ErrMissingAction) {
			return nil, err
		}
	}
	return nil, ErrNoPayload
}

// FromTask scans agent messages newest first for a payload.
func FromTask(task domain.Task) (Payload, error) {
	for i := len(task.History) - 1; i >= 0; i-- {
		msg := task.History[i]
		if msg.Role != "agent" {
			continue
		}
		if p, err := FromParts(msg.Parts); err == nil {
			return p, nil
		} else if !errors.Is(err, ErrNoPayload) {
			return nil, err
		}
	}
	return nil, ErrNoPayload
}
