// Package agent is the provider side of the marketplace: it answers bid,
// price, balance and discovery requests, settles payments and performs paid
// work once the payment gate lets a request through.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"agentex/internal/domain"
	"agentex/internal/mandate"
	"agentex/internal/payload"
	"agentex/internal/paygate"
	"agentex/internal/protocol"
)

const defaultDocumentPages = 5

// Pricing is how the agent quotes work.
type Pricing struct {
	ServicePrice     domain.Cents
	Currency         string
	BaseRate         float64
	PerPageRate      float64
	Confidence       float64
	EstimatedMinutes int
	TrustScore       float64
	TrustTier        domain.TrustTier
}

// Quote prices a job from its page count.
func (p Pricing) Quote(pages int) float64 {
	if pages <= 0 {
		pages = defaultDocumentPages
	}
	return math.Round((p.BaseRate+p.PerPageRate*float64(pages))*100) / 100
}

// Service performs the paid work itself.
type Service interface {
	Perform(ctx context.Context, req payload.ServiceRequest) (string, error)
}

type ServiceFunc func(ctx context.Context, req payload.ServiceRequest) (string, error)

func (f ServiceFunc) Perform(ctx context.Context, req payload.ServiceRequest) (string, error) {
	return f(ctx, req)
}

type Wallets interface {
	GetBalance(ctx context.Context, ref string) (domain.Cents, error)
}

type Directory interface {
	Search(ctx context.Context, capability string) ([]domain.Provider, error)
}

// Agent implements protocol.Handler. Nil collaborators disable the actions
// that need them.
type Agent struct {
	ID       string
	Name     string
	Pricing  Pricing
	Gate     *paygate.Gate
	Mandates *mandate.Protocol
	Wallets  Wallets
	Registry Directory
	Service  Service
	Logger   *slog.Logger
}

var _ protocol.Handler = (*Agent)(nil)

func (a *Agent) log() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

// SupportedActions lists the request actions this agent answers.
func (a *Agent) SupportedActions() []payload.Action {
	actions := []payload.Action{payload.ActionGetBid, payload.ActionBid, payload.ActionGetPrice}
	if a.Mandates != nil {
		actions = append(actions, payload.ActionProcess)
	}
	if a.Wallets != nil {
		actions = append(actions, payload.ActionGetBalance)
	}
	if a.Registry != nil {
		actions = append(actions, payload.ActionDiscoverAgents)
	}
	return append(actions, payload.ActionServiceRequest)
}

func (a *Agent) Handle(ctx context.Context, call protocol.Call, updates chan<- protocol.Update) (protocol.Result, error) {
	updates <- protocol.StatusUpdate{Message: "Processing request..."}
	req, err := payload.FromParts(call.Message.Parts)
	switch {
	case errors.Is(err, payload.ErrNoPayload):
		req = payload.ServiceRequest{Input: call.Message.Text()}
	case err != nil:
		a.log().Info("unsupported request", "agent_id", a.ID, "task_id", call.TaskID, "error", err)
		return reply(payload.ErrorResponse{Error: err.Error(), SupportedActions: a.SupportedActions()})
	}

	switch r := req.(type) {
	case payload.BidRequest:
		return a.bid(ctx, r)
	case payload.PriceRequest:
		return reply(payload.PriceResponse{AgentID: a.ID, AgentName: a.Name, Price: a.Pricing.ServicePrice, Currency: a.currency()})
	case payload.ProcessRequest:
		if a.Mandates == nil {
			break
		}
		rc := a.Mandates.ProcessPayment(ctx, r.Payment, r.FromID, r.ToID, r.Amount, r.Currency)
		return reply(payload.PaymentResult{Receipt: rc})
	case payload.BalanceRequest:
		if a.Wallets == nil {
			break
		}
		bal, err := a.Wallets.GetBalance(ctx, a.ID)
		if err != nil {
			return protocol.Result{}, fmt.Errorf("balance for %s: %w", a.ID, err)
		}
		return reply(payload.BalanceResponse{AgentID: a.ID, Balance: bal, Currency: a.currency()})
	case payload.DiscoverRequest:
		if a.Registry == nil {
			break
		}
		found, err := a.Registry.Search(ctx, r.Capability)
		if err != nil {
			return protocol.Result{}, err
		}
		if found == nil {
			found = []domain.Provider{}
		}
		return reply(payload.AgentsResponse{Agents: found})
	case payload.ServiceRequest:
		if r.ConsumerID == "" {
			r.ConsumerID = subject(call.Auth)
		}
		return a.serve(ctx, r, updates)
	}
	return reply(payload.ErrorResponse{
		Error:            fmt.Sprintf("action %s not supported by %s", req.Kind(), a.ID),
		SupportedActions: a.SupportedActions(),
	})
}

func (a *Agent) bid(ctx context.Context, r payload.BidRequest) (protocol.Result, error) {
	offer := payload.BidOffer{
		ProviderID:       a.ID,
		ProviderName:     a.Name,
		Price:            a.Pricing.Quote(r.DocumentPages),
		Currency:         a.currency(),
		Confidence:       a.Pricing.Confidence,
		EstimatedMinutes: float64(a.Pricing.EstimatedMinutes),
		TrustScore:       a.Pricing.TrustScore,
		Tier:             a.Pricing.TrustTier,
	}
	resp := payload.BidResponse{Bid: offer}
	if r.Kind() == payload.ActionBid && r.Amount != nil && a.Mandates != nil {
		intent, err := a.Mandates.CreateIntent(ctx, mandate.IntentRequest{
			ConsumerID:  r.ConsumerID,
			ProviderID:  a.ID,
			Amount:      *r.Amount,
			Currency:    r.Currency,
			Description: r.TaskDescription,
		})
		if err != nil {
			return protocol.Result{}, fmt.Errorf("intent for bid: %w", err)
		}
		cart, err := a.Mandates.CreateCart(ctx, mandate.CartRequest{IntentID: intent.ID, WorkCategory: r.WorkCategory})
		if err != nil {
			return protocol.Result{}, fmt.Errorf("cart for bid: %w", err)
		}
		resp.Cart = &cart
	}
	if a.Mandates != nil {
		resp.Bid.BaseFeePercent = a.Mandates.Fees.BaseFeePercent
		resp.Bid.RewardPercent = a.Mandates.Fees.RewardPercent(r.WorkCategory)
	}
	a.log().Info("bid quoted", "agent_id", a.ID, "price", offer.Price, "pages", r.DocumentPages, "cart", resp.Cart != nil)
	return reply(resp)
}

// serve runs the payment gate before any work starts.
func (a *Agent) serve(ctx context.Context, r payload.ServiceRequest, updates chan<- protocol.Update) (protocol.Result, error) {
	verified := ""
	if a.Gate != nil {
		d, err := a.Gate.Verify(ctx, paygate.Claim{
			Payer:         r.ConsumerID,
			PaymentAmount: r.PaymentAmount,
			PaymentID:     r.PaymentID,
			SkipPayment:   r.SkipPayment,
		})
		var rej *paygate.Rejection
		if errors.As(err, &rej) {
			return reply(payload.PaymentRejected{
				Code:            rej.Code,
				Error:           rej.Error(),
				RequiredPayment: rej.RequiredPayment,
				OfferedPayment:  rej.OfferedPayment,
				AgentID:         rej.AgentID,
				Hint:            rej.Hint,
			})
		}
		if err != nil {
			return protocol.Result{}, err
		}
		verified = d.Reason
	}
	if a.Service == nil {
		return protocol.Result{}, errors.New("no service configured")
	}
	updates <- protocol.StatusUpdate{Message: "Payment verified, working"}
	out, err := a.Service.Perform(ctx, r)
	if err != nil {
		return protocol.Result{}, err
	}
	updates <- protocol.ArtifactUpdate{Artifact: domain.Artifact{Name: "result.txt", Parts: []domain.Part{domain.TextPart(out)}}}
	return reply(payload.ServiceResult{AgentID: a.ID, Output: out, Verified: verified})
}

func (a *Agent) currency() string {
	if a.Pricing.Currency == "" {
		return "USD"
	}
	return strings.ToUpper(a.Pricing.Currency)
}

func reply(p payload.Payload) (protocol.Result, error) {
	part, err := payload.Part(p)
	if err != nil {
		return protocol.Result{}, err
	}
	return protocol.Result{Parts: []domain.Part{part}}, nil
}

func subject(claims map[string]any) string {
	if s, ok := claims["sub"].(string); ok {
		return s
	}
	return ""
}
