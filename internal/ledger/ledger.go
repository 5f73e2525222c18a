// Package ledger is the wallet and transfer store behind mandate settlement
// and payment verification.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"agentex/internal/domain"
	"agentex/internal/events"
	"agentex/internal/repo"
)

var (
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrWalletExists        = errors.New("wallet already exists")
	ErrInsufficientBalance = repo.ErrInsufficientBalance
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrSameWallet          = errors.New("cannot transfer to the same wallet")
	ErrCurrencyMismatch    = errors.New("currency mismatch")
)

const tsLayout = "2006-01-02T15:04:05.000000Z"

type Ledger struct {
	Repo   repo.Repo
	Events events.Writer
	Logger *slog.Logger
	Now    func() time.Time
}

func New(db *sql.DB, logger *slog.Logger) Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return Ledger{
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Logger: logger,
		Now:    time.Now,
	}
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l Ledger) log() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// CreateWallet opens a wallet for an owner with an optional opening balance.
func (l Ledger) CreateWallet(ctx context.Context, ownerID, currency string, initial domain.Cents) (domain.Wallet, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return domain.Wallet{}, errors.New("owner_id required")
	}
	if initial < 0 {
		return domain.Wallet{}, ErrInvalidAmount
	}
	if currency == "" {
		currency = "USD"
	}
	w := domain.Wallet{
		ID:        "wallet_" + uuid.NewString(),
		OwnerID:   ownerID,
		Currency:  strings.ToUpper(currency),
		Balance:   initial,
		CreatedAt: l.now().UTC().Format(tsLayout),
	}
	err := l.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := l.Repo.GetWalletByOwner(ctx, tx, ownerID); err == nil {
			return ErrWalletExists
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if err := l.Repo.InsertWallet(ctx, tx, w); err != nil {
			return fmt.Errorf("insert wallet: %w", err)
		}
		return l.Events.Append(ctx, tx, events.WalletCreated, "wallet", w.ID, ownerID, events.EventPayload{
			"owner_id": ownerID, "currency": w.Currency, "balance": w.Balance.String(),
		})
	})
	if err != nil {
		return domain.Wallet{}, err
	}
	l.log().Info("wallet created", "wallet_id", w.ID, "owner_id", ownerID, "balance", w.Balance.String())
	return w, nil
}

// Wallet resolves a wallet by wallet id or owner id.
func (l Ledger) Wallet(ctx context.Context, ref string) (domain.Wallet, error) {
	return l.resolve(ctx, nil, ref)
}

func (l Ledger) resolve(ctx context.Context, tx *sql.Tx, ref string) (domain.Wallet, error) {
	w, err := l.Repo.GetWallet(ctx, tx, ref)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Wallet{}, err
	}
	w, err = l.Repo.GetWalletByOwner(ctx, tx, ref)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Wallet{}, fmt.Errorf("%w: %s", ErrWalletNotFound, ref)
	}
	return w, err
}

// GetBalance returns the current balance of a wallet or owner.
func (l Ledger) GetBalance(ctx context.Context, ref string) (domain.Cents, error) {
	w, err := l.Wallet(ctx, ref)
	if err != nil {
		return 0, err
	}
	return w.Balance, nil
}

type TransferRequest struct {
	From      string
	To        string
	Amount    domain.Cents
	Currency  string
	Reference string
}

// Transfer moves funds atomically between two wallets.
func (l Ledger) Transfer(ctx context.Context, req TransferRequest) (domain.Transaction, error) {
	if req.Amount <= 0 {
		return domain.Transaction{}, ErrInvalidAmount
	}
	var txn domain.Transaction
	err := l.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		from, err := l.resolve(ctx, tx, req.From)
		if err != nil {
			return err
		}
		to, err := l.resolve(ctx, tx, req.To)
		if err != nil {
			return err
		}
		if from.ID == to.ID {
			return ErrSameWallet
		}
		currency := strings.ToUpper(req.Currency)
		if currency == "" {
			currency = from.Currency
		}
		if currency != from.Currency || currency != to.Currency {
			return fmt.Errorf("%w: %s -> %s in %s", ErrCurrencyMismatch, from.Currency, to.Currency, currency)
		}
		if err := l.Repo.Debit(ctx, tx, from.ID, req.Amount); err != nil {
			return err
		}
		if err := l.Repo.Credit(ctx, tx, to.ID, req.Amount); err != nil {
			return err
		}
		txn = domain.Transaction{
			ID:         "tx_" + uuid.NewString(),
			FromWallet: from.ID,
			ToWallet:   to.ID,
			FromOwner:  from.OwnerID,
			ToOwner:    to.OwnerID,
			Amount:     req.Amount,
			Currency:   currency,
			Reference:  req.Reference,
			Status:     domain.TxCompleted,
			CreatedAt:  l.now().UTC().Format(tsLayout),
		}
		if err := l.Repo.InsertTransaction(ctx, tx, txn); err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}
		return l.Events.Append(ctx, tx, events.TransferDone, "transaction", txn.ID, from.OwnerID, events.EventPayload{
			"from": from.OwnerID, "to": to.OwnerID, "amount": txn.Amount.String(), "currency": currency, "reference": req.Reference,
		})
	})
	if err != nil {
		l.log().Warn("transfer failed", "from", req.From, "to", req.To, "amount", req.Amount.String(), "error", err)
		return domain.Transaction{}, err
	}
	l.log().Info("transfer completed", "tx_id", txn.ID, "from", txn.FromOwner, "to", txn.ToOwner, "amount", txn.Amount.String())
	return txn, nil
}

// History returns the most recent transactions touching a wallet, newest first.
func (l Ledger) History(ctx context.Context, ref string, limit int) ([]domain.Transaction, error) {
	w, err := l.Wallet(ctx, ref)
	if err != nil {
		return nil, err
	}
	return l.Repo.TransactionsForWallet(ctx, w.ID, limit)
}
