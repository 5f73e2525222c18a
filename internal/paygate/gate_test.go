package paygate

import (
	"context"
	"errors"
	"strings"
	"testing"

	"agentex/internal/domain"
)

type history struct {
	txns  []domain.Transaction
	err   error
	calls int
}

func (h *history) History(ctx context.Context, ref string, limit int) ([]domain.Transaction, error) {
	h.calls++
	if h.err != nil {
		return nil, h.err
	}
	if len(h.txns) > limit {
		return h.txns[:limit], nil
	}
	return h.txns, nil
}

func cents(v domain.Cents) *domain.Cents { return &v }

func TestUnderpaymentBeatsPaymentID(t *testing.T) {
	h := &history{}
	g := Gate{AgentID: "lexbot", Price: 1000, History: h}
	_, err := g.Verify(context.Background(), Claim{Payer: "acme", PaymentAmount: cents(500), PaymentID: "x"})
	var rej *Rejection
	if !errors.As(err, &rej) || rej.Code != CodeUnderpaid || rej.RequiredPayment != 1000 || *rej.OfferedPayment != 500 {
		t.Fatalf("expected underpaid rejection, got %v", err)
	}
	if h.calls != 0 {
		t.Fatalf("history consulted for an underpayment")
	}
}

func TestPaymentIDAccepted(t *testing.T) {
	h := &history{}
	g := Gate{AgentID: "lexbot", Price: 1000, History: h}
	d, err := g.Verify(context.Background(), Claim{PaymentID: "x"})
	if err != nil || d.Reason != ReasonPaymentID || h.calls != 0 {
		t.Fatalf("expected payment id acceptance, got %+v %v", d, err)
	}
}

func TestSkipPayment(t *testing.T) {
	g := Gate{AgentID: "lexbot", Price: 1000}
	d, err := g.Verify(context.Background(), Claim{SkipPayment: true, PaymentAmount: cents(1)})
	if err != nil || d.Reason != ReasonSkipPayment {
		t.Fatalf("expected skip, got %+v %v", d, err)
	}
}

func TestNoPaymentRejectedWithRequiredAmount(t *testing.T) {
	var outcomes []string
	g := Gate{AgentID: "lexbot", Price: 1000, History: &history{}, Observe: func(o string) { outcomes = append(outcomes, o) }}
	_, err := g.Verify(context.Background(), Claim{Payer: "acme"})
	var rej *Rejection
	if !errors.As(err, &rej) || rej.Code != CodePaymentRequired {
		t.Fatalf("expected payment required, got %v", err)
	}
	if !strings.Contains(err.Error(), "10.00") || rej.Hint == "" {
		t.Fatalf("rejection should name the price: %q hint %q", err.Error(), rej.Hint)
	}
	if len(outcomes) != 1 || outcomes[0] != CodePaymentRequired {
		t.Fatalf("observed %v", outcomes)
	}
}

func TestHistoryMatch(t *testing.T) {
	h := &history{txns: []domain.Transaction{
		{ID: "t1", FromOwner: "acme", ToOwner: "lexbot", Amount: 900, Status: domain.TxCompleted},
		{ID: "t2", FromOwner: "other", ToOwner: "lexbot", Amount: 5000, Status: domain.TxCompleted},
		{ID: "t3", FromOwner: "acme", ToOwner: "lexbot", Amount: 1000, Status: domain.TxCompleted},
	}}
	g := Gate{AgentID: "lexbot", Price: 1000, History: h}
	d, err := g.Verify(context.Background(), Claim{Payer: "acme"})
	if err != nil || d.TransactionID != "t3" || d.Reason != ReasonHistory {
		t.Fatalf("expected t3 to satisfy the gate, got %+v %v", d, err)
	}
}

func TestHistoryWindow(t *testing.T) {
	txns := make([]domain.Transaction, 0, 11)
	for i := 0; i < 10; i++ {
		txns = append(txns, domain.Transaction{ID: "noise", FromOwner: "other", ToOwner: "lexbot", Amount: 1})
	}
	txns = append(txns, domain.Transaction{ID: "old", FromOwner: "acme", ToOwner: "lexbot", Amount: 1000})
	g := Gate{AgentID: "lexbot", Price: 1000, History: &history{txns: txns}}
	if _, err := g.Verify(context.Background(), Claim{Payer: "acme"}); err == nil {
		t.Fatalf("payment outside the window must not count")
	}
}

func TestHistoryFailureRejects(t *testing.T) {
	g := Gate{AgentID: "lexbot", Price: 1000, History: &history{err: errors.New("ledger down")}}
	_, err := g.Verify(context.Background(), Claim{Payer: "acme"})
	var rej *Rejection
	if !errors.As(err, &rej) || rej.Code != CodePaymentRequired {
		t.Fatalf("expected rejection on history failure, got %v", err)
	}
}
