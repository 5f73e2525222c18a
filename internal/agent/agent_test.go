package agent

import (
	"context"
	"testing"

	"agentex/internal/config"
	"agentex/internal/db"
	"agentex/internal/domain"
	"agentex/internal/ledger"
	"agentex/internal/mandate"
	"agentex/internal/migrate"
	"agentex/internal/payload"
	"agentex/internal/paygate"
	"agentex/internal/protocol"
)

func testAgent() *Agent {
	return &Agent{
		ID:   "lexbot",
		Name: "LexBot",
		Pricing: Pricing{
			ServicePrice: 1000, BaseRate: 5, PerPageRate: 2, Confidence: 0.85,
			EstimatedMinutes: 10, TrustScore: 0.8, TrustTier: domain.TierVerified,
		},
		Gate:    &paygate.Gate{AgentID: "lexbot", Price: 1000},
		Service: EchoService,
	}
}

func call(t *testing.T, a *Agent, p payload.Payload) (payload.Payload, []protocol.Update) {
	t.Helper()
	part, err := payload.Part(p)
	if err != nil {
		t.Fatal(err)
	}
	return callParts(t, a, []domain.Part{part})
}

func callParts(t *testing.T, a *Agent, parts []domain.Part) (payload.Payload, []protocol.Update) {
	t.Helper()
	updates := make(chan protocol.Update, 16)
	res, err := a.Handle(context.Background(), protocol.Call{TaskID: "t1", Message: domain.Message{Role: "user", Parts: parts}}, updates)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	close(updates)
	var seen []protocol.Update
	for u := range updates {
		seen = append(seen, u)
	}
	out, err := payload.FromParts(res.Parts)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return out, seen
}

func TestGetBidQuotesByPages(t *testing.T) {
	a := testAgent()
	out, _ := call(t, a, payload.BidRequest{Op: payload.ActionGetBid, DocumentPages: 3})
	resp, ok := out.(payload.BidResponse)
	if !ok || resp.Bid.Price != 11 || resp.Bid.ProviderID != "lexbot" || resp.Bid.Tier != domain.TierVerified {
		t.Fatalf("unexpected bid %#v", out)
	}
	out, _ = call(t, a, payload.BidRequest{})
	if out.(payload.BidResponse).Bid.Price != 15 {
		t.Fatalf("default page count not applied: %#v", out)
	}
}

func TestUnknownActionListsSupported(t *testing.T) {
	out, _ := callParts(t, testAgent(), []domain.Part{domain.TextPart(`{"action":"launch_rocket"}`)})
	resp, ok := out.(payload.ErrorResponse)
	if !ok || len(resp.SupportedActions) == 0 {
		t.Fatalf("expected error response, got %#v", out)
	}
}

func TestServiceRequestGated(t *testing.T) {
	a := testAgent()
	short := domain.Cents(500)
	out, updates := call(t, a, payload.ServiceRequest{ConsumerID: "acme", PaymentAmount: &short, PaymentID: "pay_1", Input: "review"})
	rej, ok := out.(payload.PaymentRejected)
	if !ok || rej.Code != paygate.CodeUnderpaid || rej.RequiredPayment != 1000 || rej.AgentID != "lexbot" {
		t.Fatalf("expected underpaid rejection, got %#v", out)
	}
	for _, u := range updates {
		if _, isArtifact := u.(protocol.ArtifactUpdate); isArtifact {
			t.Fatalf("work performed before payment was verified")
		}
	}

	out, updates = call(t, a, payload.ServiceRequest{ConsumerID: "acme", PaymentID: "pay_1", Input: "review"})
	res, ok := out.(payload.ServiceResult)
	if !ok || res.Output != "processed: review" || res.Verified != paygate.ReasonPaymentID {
		t.Fatalf("expected service result, got %#v", out)
	}
	if _, isArtifact := updates[len(updates)-1].(protocol.ArtifactUpdate); !isArtifact {
		t.Fatalf("expected result artifact, got %#v", updates)
	}
}

func TestPlainTextIsGatedServiceRequest(t *testing.T) {
	out, _ := callParts(t, testAgent(), []domain.Part{domain.TextPart("please review my NDA")})
	if rej, ok := out.(payload.PaymentRejected); !ok || rej.Code != paygate.CodePaymentRequired {
		t.Fatalf("expected payment required, got %#v", out)
	}
}

func TestBidWithAmountEmbedsCart(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	a := testAgent()
	a.Wallets = ledger.New(conn, nil)
	a.Mandates = &mandate.Protocol{
		Store:  mandate.NewSQLStore(conn),
		Ledger: ledger.New(conn, nil),
		Signer: mandate.Signer{Secret: []byte("k")},
		Fees:   mandate.Fees{BaseFeePercent: 2, CategoryRewards: map[string]float64{"default": 1}},
	}
	amount := domain.Cents(2000)
	out, _ := call(t, a, payload.BidRequest{Op: payload.ActionBid, ConsumerID: "acme", Amount: &amount})
	resp := out.(payload.BidResponse)
	if resp.Cart == nil || resp.Cart.Total != 2020 || resp.Cart.MerchantID != "lexbot" || resp.Bid.BaseFeePercent != 2 {
		t.Fatalf("unexpected bid response %#v", resp)
	}
	if err := a.Mandates.VerifyCart(*resp.Cart); err != nil {
		t.Fatalf("embedded cart does not verify: %v", err)
	}
}

func TestCardAdvertisesPayments(t *testing.T) {
	cfg := config.Default("lexbot")
	card := Card(cfg)
	if card.URL != "http://127.0.0.1:8100/a2a" || len(card.Skills) != 1 {
		t.Fatalf("unexpected card %+v", card)
	}
	if len(card.Capabilities.Extensions) != 1 || card.Capabilities.Extensions[0].URI != PaymentsExtensionURI {
		t.Fatalf("payments extension missing: %+v", card.Capabilities)
	}
}
