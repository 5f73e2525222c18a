package repo

import (
	"context"
	"database/sql"
	"errors"

	"agentex/internal/domain"
)

// ErrInsufficientBalance is returned when a debit would overdraw a wallet.
var ErrInsufficientBalance = errors.New("insufficient balance")

func (r Repo) InsertWallet(ctx context.Context, tx *sql.Tx, w domain.Wallet) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO wallets(id,owner_id,currency,balance,created_at) VALUES (?,?,?,?,?)`,
		w.ID, w.OwnerID, w.Currency, int64(w.Balance), w.CreatedAt)
	return err
}

func scanWallet(row *sql.Row) (domain.Wallet, error) {
	var w domain.Wallet
	var bal int64
	err := row.Scan(&w.ID, &w.OwnerID, &w.Currency, &bal, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	w.Balance = domain.Cents(bal)
	return w, err
}

func (r Repo) GetWallet(ctx context.Context, tx *sql.Tx, id string) (domain.Wallet, error) {
	return scanWallet(r.q(tx).QueryRowContext(ctx, `SELECT id,owner_id,currency,balance,created_at FROM wallets WHERE id=?`, id))
}

func (r Repo) GetWalletByOwner(ctx context.Context, tx *sql.Tx, ownerID string) (domain.Wallet, error) {
	return scanWallet(r.q(tx).QueryRowContext(ctx, `SELECT id,owner_id,currency,balance,created_at FROM wallets WHERE owner_id=?`, ownerID))
}

func (r Repo) ListWallets(ctx context.Context) ([]domain.Wallet, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,owner_id,currency,balance,created_at FROM wallets ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Wallet
	for rows.Next() {
		var w domain.Wallet
		var bal int64
		if err := rows.Scan(&w.ID, &w.OwnerID, &w.Currency, &bal, &w.CreatedAt); err != nil {
			return nil, err
		}
		w.Balance = domain.Cents(bal)
		res = append(res, w)
	}
	return res, rows.Err()
}

// Debit removes amount from a wallet, refusing to overdraw it.
func (r Repo) Debit(ctx context.Context, tx *sql.Tx, walletID string, amount domain.Cents) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE wallets SET balance = balance - ? WHERE id=? AND balance >= ?`, int64(amount), walletID, int64(amount))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := r.GetWallet(ctx, tx, walletID); err != nil {
			return err
		}
		return ErrInsufficientBalance
	}
	return nil
}

func (r Repo) Credit(ctx context.Context, tx *sql.Tx, walletID string, amount domain.Cents) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE wallets SET balance = balance + ? WHERE id=?`, int64(amount), walletID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertTransaction(ctx context.Context, tx *sql.Tx, t domain.Transaction) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO transactions(id,from_wallet,to_wallet,amount,currency,reference,status,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		t.ID, t.FromWallet, t.ToWallet, int64(t.Amount), t.Currency, nullable(t.Reference), string(t.Status), t.CreatedAt)
	return err
}

// TransactionsForWallet returns the newest transactions touching a wallet.
func (r Repo) TransactionsForWallet(ctx context.Context, walletID string, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT t.id,t.from_wallet,t.to_wallet,fw.owner_id,tw.owner_id,t.amount,t.currency,COALESCE(t.reference,''),t.status,t.created_at
FROM transactions t
JOIN wallets fw ON fw.id=t.from_wallet
JOIN wallets tw ON tw.id=t.to_wallet
WHERE t.from_wallet=? OR t.to_wallet=? ORDER BY t.created_at DESC, t.rowid DESC LIMIT ?`, walletID, walletID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		var amount int64
		var status string
		if err := rows.Scan(&t.ID, &t.FromWallet, &t.ToWallet, &t.FromOwner, &t.ToOwner, &amount, &t.Currency, &t.Reference, &status, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Amount = domain.Cents(amount)
		t.Status = domain.TransactionStatus(status)
		res = append(res, t)
	}
	return res, rows.Err()
}
