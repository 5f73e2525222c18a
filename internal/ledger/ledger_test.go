package ledger_test

import (
	"context"
	"errors"
	"testing"

	"agentex/internal/db"
	"agentex/internal/domain"
	"agentex/internal/ledger"
	"agentex/internal/migrate"
)

func newTestLedger(t *testing.T) ledger.Ledger {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return ledger.New(conn, nil)
}

func TestTransferMovesFunds(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	if _, err := l.CreateWallet(ctx, "alice", "usd", 5000); err != nil {
		t.Fatalf("create alice: %v", err)
	}
	bob, err := l.CreateWallet(ctx, "bob", "USD", 0)
	if err != nil {
		t.Fatalf("create bob: %v", err)
	}
	txn, err := l.Transfer(ctx, ledger.TransferRequest{From: "alice", To: bob.ID, Amount: 1250, Reference: "pm-1"})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if txn.FromOwner != "alice" || txn.ToOwner != "bob" || txn.Currency != "USD" {
		t.Fatalf("unexpected transaction %+v", txn)
	}
	aliceBal, _ := l.GetBalance(ctx, "alice")
	bobBal, _ := l.GetBalance(ctx, "bob")
	if aliceBal != 3750 || bobBal != 1250 {
		t.Fatalf("balances alice=%s bob=%s", aliceBal, bobBal)
	}
	hist, err := l.History(ctx, "bob", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 1 || hist[0].ID != txn.ID || hist[0].FromOwner != "alice" {
		t.Fatalf("unexpected history %+v", hist)
	}
}

func TestTransferRejectsOverdraft(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	_, _ = l.CreateWallet(ctx, "alice", "USD", 100)
	_, _ = l.CreateWallet(ctx, "bob", "USD", 0)
	_, err := l.Transfer(ctx, ledger.TransferRequest{From: "alice", To: "bob", Amount: 101})
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	bal, _ := l.GetBalance(ctx, "alice")
	if bal != 100 {
		t.Fatalf("balance changed after failed transfer: %s", bal)
	}
	hist, _ := l.History(ctx, "alice", 10)
	if len(hist) != 0 {
		t.Fatalf("failed transfer left history: %+v", hist)
	}
}

func TestTransferValidation(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	_, _ = l.CreateWallet(ctx, "alice", "USD", 100)
	_, _ = l.CreateWallet(ctx, "carol", "EUR", 100)
	cases := []struct {
		name string
		req  ledger.TransferRequest
		want error
	}{
		{"zero", ledger.TransferRequest{From: "alice", To: "carol", Amount: 0}, ledger.ErrInvalidAmount},
		{"same", ledger.TransferRequest{From: "alice", To: "alice", Amount: 1}, ledger.ErrSameWallet},
		{"currency", ledger.TransferRequest{From: "alice", To: "carol", Amount: 1}, ledger.ErrCurrencyMismatch},
		{"missing", ledger.TransferRequest{From: "alice", To: "nobody", Amount: 1}, ledger.ErrWalletNotFound},
	}
	for _, tc := range cases {
		if _, err := l.Transfer(ctx, tc.req); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestCreateWalletRejectsDuplicateOwner(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	if _, err := l.CreateWallet(ctx, "alice", "USD", domain.Cents(0)); err != nil {
		t.Fatal(err)
	}
	if _, err := l.CreateWallet(ctx, "alice", "USD", 0); !errors.Is(err, ledger.ErrWalletExists) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	_, _ = l.CreateWallet(ctx, "alice", "USD", 1000)
	_, _ = l.CreateWallet(ctx, "bob", "USD", 0)
	for _, amt := range []domain.Cents{100, 200, 300} {
		if _, err := l.Transfer(ctx, ledger.TransferRequest{From: "alice", To: "bob", Amount: amt}); err != nil {
			t.Fatal(err)
		}
	}
	hist, err := l.History(ctx, "alice", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 || hist[0].Amount != 300 || hist[1].Amount != 200 {
		t.Fatalf("unexpected order %+v", hist)
	}
}
