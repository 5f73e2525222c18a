package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"agentex/internal/domain"
)

// ErrStaleStatus is returned when a conditional status update finds another status.
var ErrStaleStatus = errors.New("mandate status changed")

func (r Repo) InsertMandate(ctx context.Context, tx *sql.Tx, m domain.MandateRecord) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO mandates(id,kind,parent_id,consumer_id,provider_id,amount,currency,status,body,created_at,expires_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, string(m.Kind), nullable(m.ParentID), m.ConsumerID, m.ProviderID, int64(m.Amount), m.Currency, string(m.Status), m.Body,
		formatTime(m.CreatedAt), formatTime(m.ExpiresAt))
	return err
}

const mandateColumns = `id,kind,COALESCE(parent_id,''),consumer_id,provider_id,amount,currency,status,body,created_at,expires_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMandate(row rowScanner) (domain.MandateRecord, error) {
	var m domain.MandateRecord
	var kind, status, created, expires string
	var amount int64
	err := row.Scan(&m.ID, &kind, &m.ParentID, &m.ConsumerID, &m.ProviderID, &amount, &m.Currency, &status, &m.Body, &created, &expires)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.Kind = domain.MandateKind(kind)
	m.Status = domain.MandateStatus(status)
	m.Amount = domain.Cents(amount)
	m.CreatedAt = parseTime(created)
	m.ExpiresAt = parseTime(expires)
	return m, nil
}

func (r Repo) GetMandate(ctx context.Context, tx *sql.Tx, id string) (domain.MandateRecord, error) {
	return scanMandate(r.q(tx).QueryRowContext(ctx, `SELECT `+mandateColumns+` FROM mandates WHERE id=?`, id))
}

// UpdateMandateStatus moves a mandate from one status to another atomically.
func (r Repo) UpdateMandateStatus(ctx context.Context, tx *sql.Tx, id string, from, to domain.MandateStatus) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE mandates SET status=? WHERE id=? AND status=?`, string(to), id, string(from))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := r.GetMandate(ctx, tx, id); err != nil {
			return err
		}
		return ErrStaleStatus
	}
	return nil
}

type MandateFilter struct {
	PartyID string
	Kind    domain.MandateKind
	Status  domain.MandateStatus
	Limit   int
}

// ListMandates returns mandates where the party is consumer or provider, newest first.
func (r Repo) ListMandates(ctx context.Context, f MandateFilter) ([]domain.MandateRecord, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.PartyID != "" {
		clauses = append(clauses, "(consumer_id=? OR provider_id=?)")
		args = append(args, f.PartyID, f.PartyID)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, string(f.Kind))
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, `SELECT `+mandateColumns+` FROM mandates WHERE `+strings.Join(clauses, " AND ")+` ORDER BY created_at DESC, rowid DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MandateRecord
	for rows.Next() {
		m, err := scanMandate(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) InsertReceipt(ctx context.Context, tx *sql.Tx, rc domain.PaymentReceipt) error {
	var code, msg string
	if rc.Error != nil {
		code, msg = rc.Error.Code, rc.Error.Message
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO receipts(id,payment_mandate_id,payment_id,status,amount,currency,confirmation_id,error_code,error_message,ts) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		rc.ID, rc.PaymentMandateID, rc.PaymentID, string(rc.Status), int64(rc.Amount), rc.Currency, nullable(rc.Confirmation), nullable(code), nullable(msg), formatTime(rc.Timestamp))
	return err
}

// GetReceiptByPaymentID looks a receipt up by its ledger-facing payment id.
func (r Repo) GetReceiptByPaymentID(ctx context.Context, paymentID string) (domain.PaymentReceipt, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,payment_mandate_id,payment_id,status,amount,currency,COALESCE(confirmation_id,''),COALESCE(error_code,''),COALESCE(error_message,''),ts FROM receipts WHERE payment_id=? ORDER BY ts DESC LIMIT 1`, paymentID)
	var rc domain.PaymentReceipt
	var status, code, msg, ts string
	var amount int64
	err := row.Scan(&rc.ID, &rc.PaymentMandateID, &rc.PaymentID, &status, &amount, &rc.Currency, &rc.Confirmation, &code, &msg, &ts)
	if err == sql.ErrNoRows {
		return rc, ErrNotFound
	}
	if err != nil {
		return rc, err
	}
	rc.Status = domain.ReceiptStatus(status)
	rc.Amount = domain.Cents(amount)
	rc.Timestamp = parseTime(ts)
	if code != "" {
		rc.Error = &domain.ReceiptError{Code: code, Message: msg}
	}
	return rc, nil
}
