// Package paygate decides whether a provider may start paid work on a request.
package paygate

import (
	"context"
	"fmt"
	"log/slog"

	"agentex/internal/domain"
)

const DefaultWindow = 10

// Rejection codes.
const (
	CodeUnderpaid       = "underpaid"
	CodePaymentRequired = "payment_required"
)

// Decision reasons for accepted claims.
const (
	ReasonSkipPayment = "skip_payment"
	ReasonPaymentID   = "payment_id"
	ReasonHistory     = "history"
)

// HistorySource lists a party's transactions, newest first.
type HistorySource interface {
	History(ctx context.Context, ref string, limit int) ([]domain.Transaction, error)
}

// Claim is what a caller asserts about its payment.
type Claim struct {
	Payer         string
	PaymentAmount *domain.Cents
	PaymentID     string
	SkipPayment   bool
}

type Decision struct {
	Reason        string `json:"reason"`
	PaymentID     string `json:"payment_id,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// Rejection is returned when a claim does not cover the service price.
type Rejection struct {
	Code            string
	RequiredPayment domain.Cents
	OfferedPayment  *domain.Cents
	AgentID         string
	Hint            string
}

func (r *Rejection) Error() string {
	if r.Code == CodeUnderpaid && r.OfferedPayment != nil {
		return fmt.Sprintf("underpaid: %s requires %s, offered %s", r.AgentID, r.RequiredPayment, *r.OfferedPayment)
	}
	return fmt.Sprintf("payment required: %s requires %s", r.AgentID, r.RequiredPayment)
}

type Gate struct {
	AgentID string
	Price   domain.Cents
	History HistorySource
	Window  int
	Logger  *slog.Logger
	// Observe receives "allow" or the rejection code for every decision.
	Observe func(outcome string)
}

func (g Gate) log() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}

func (g Gate) window() int {
	if g.Window > 0 {
		return g.Window
	}
	return DefaultWindow
}

// Verify accepts the claim or returns a *Rejection. The cheap local checks run
// before the history lookup and an underpayment is never excused by a payment id.
func (g Gate) Verify(ctx context.Context, c Claim) (Decision, error) {
	d, err := g.decide(ctx, c)
	outcome := "allow"
	if rej, ok := err.(*Rejection); ok {
		outcome = rej.Code
		g.log().Info("payment rejected", "agent_id", g.AgentID, "payer", c.Payer, "code", rej.Code, "required", g.Price.String())
	} else {
		g.log().Info("payment accepted", "agent_id", g.AgentID, "payer", c.Payer, "reason", d.Reason)
	}
	if g.Observe != nil {
		g.Observe(outcome)
	}
	return d, err
}

func (g Gate) decide(ctx context.Context, c Claim) (Decision, error) {
	if c.SkipPayment {
		return Decision{Reason: ReasonSkipPayment}, nil
	}
	if c.PaymentAmount != nil && *c.PaymentAmount > 0 && *c.PaymentAmount < g.Price {
		return Decision{}, &Rejection{
			Code:            CodeUnderpaid,
			RequiredPayment: g.Price,
			OfferedPayment:  c.PaymentAmount,
			AgentID:         g.AgentID,
			Hint:            fmt.Sprintf("pay at least %s and resubmit", g.Price),
		}
	}
	if c.PaymentID != "" {
		return Decision{Reason: ReasonPaymentID, PaymentID: c.PaymentID}, nil
	}
	if g.History != nil && c.Payer != "" {
		txns, err := g.History.History(ctx, g.AgentID, g.window())
		if err != nil {
			g.log().Warn("payment history unavailable", "agent_id", g.AgentID, "error", err)
			return Decision{}, g.required("payment history unavailable; pay and resubmit with paymentId")
		}
		if len(txns) > g.window() {
			txns = txns[:g.window()]
		}
		for _, tx := range txns {
			if tx.Status != "" && tx.Status != domain.TxCompleted {
				continue
			}
			if !matches(c.Payer, tx.FromOwner, tx.FromWallet) || !matches(g.AgentID, tx.ToOwner, tx.ToWallet) {
				continue
			}
			if tx.Amount >= g.Price {
				return Decision{Reason: ReasonHistory, TransactionID: tx.ID}, nil
			}
		}
	}
	return Decision{}, g.required(fmt.Sprintf("transfer %s to %s, then resubmit with paymentId or paymentAmount", g.Price, g.AgentID))
}

func (g Gate) required(hint string) *Rejection {
	return &Rejection{Code: CodePaymentRequired, RequiredPayment: g.Price, AgentID: g.AgentID, Hint: hint}
}

func matches(party, owner, wallet string) bool {
	return party != "" && (party == owner || party == wallet)
}
