package mandate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"agentex/internal/domain"
	"agentex/internal/events"
	"agentex/internal/repo"
)

// Store persists chain stages and receipts.
type Store interface {
	Record(ctx context.Context, rec domain.MandateRecord) error
	// Advance consumes a pending parent and records its child in one step.
	Advance(ctx context.Context, parentID string, child domain.MandateRecord) error
	Get(ctx context.Context, id string) (domain.MandateRecord, error)
	Consume(ctx context.Context, id string) error
	Release(ctx context.Context, id string) error
	SaveReceipt(ctx context.Context, rc domain.PaymentReceipt) error
	List(ctx context.Context, f repo.MandateFilter) ([]domain.MandateRecord, error)
}

// SQLStore keeps mandates in the workspace database and logs each stage as an event.
type SQLStore struct {
	Repo   repo.Repo
	Events events.Writer
}

func NewSQLStore(db *sql.DB) SQLStore {
	return SQLStore{Repo: repo.Repo{DB: db}, Events: events.Writer{DB: db}}
}

var stageEvents = map[domain.MandateKind]string{
	domain.MandateIntent:  events.MandateIntent,
	domain.MandateCart:    events.MandateCart,
	domain.MandatePayment: events.MandatePayment,
}

func (s SQLStore) insert(ctx context.Context, tx *sql.Tx, rec domain.MandateRecord) error {
	if err := s.Repo.InsertMandate(ctx, tx, rec); err != nil {
		return fmt.Errorf("insert %s mandate: %w", rec.Kind, err)
	}
	return s.Events.Append(ctx, tx, stageEvents[rec.Kind], "mandate", rec.ID, rec.ConsumerID, events.EventPayload{
		"kind":        rec.Kind,
		"parent_id":   rec.ParentID,
		"provider_id": rec.ProviderID,
		"amount":      rec.Amount.String(),
		"currency":    rec.Currency,
	})
}

func (s SQLStore) Record(ctx context.Context, rec domain.MandateRecord) error {
	return s.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		return s.insert(ctx, tx, rec)
	})
}

func (s SQLStore) Advance(ctx context.Context, parentID string, child domain.MandateRecord) error {
	return s.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.Repo.UpdateMandateStatus(ctx, tx, parentID, domain.MandatePending, domain.MandateUsed); err != nil {
			return mapRepoErr(parentID, err)
		}
		return s.insert(ctx, tx, child)
	})
}

func (s SQLStore) Get(ctx context.Context, id string) (domain.MandateRecord, error) {
	rec, err := s.Repo.GetMandate(ctx, nil, id)
	if err != nil {
		return rec, mapRepoErr(id, err)
	}
	return rec, nil
}

func (s SQLStore) Consume(ctx context.Context, id string) error {
	return mapRepoErr(id, s.Repo.UpdateMandateStatus(ctx, nil, id, domain.MandatePending, domain.MandateUsed))
}

func (s SQLStore) Release(ctx context.Context, id string) error {
	return mapRepoErr(id, s.Repo.UpdateMandateStatus(ctx, nil, id, domain.MandateUsed, domain.MandatePending))
}

func (s SQLStore) SaveReceipt(ctx context.Context, rc domain.PaymentReceipt) error {
	return s.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.Repo.InsertReceipt(ctx, tx, rc); err != nil {
			return fmt.Errorf("insert receipt: %w", err)
		}
		payload := events.EventPayload{
			"payment_mandate_id": rc.PaymentMandateID,
			"payment_id":         rc.PaymentID,
			"status":             rc.Status,
			"amount":             rc.Amount.String(),
			"currency":           rc.Currency,
		}
		if rc.Error != nil {
			payload["error_code"] = rc.Error.Code
		}
		if rc.Confirmation != "" {
			payload["confirmation_id"] = rc.Confirmation
		}
		return s.Events.Append(ctx, tx, events.MandateReceipt, "receipt", rc.ID, "", payload)
	})
}

func (s SQLStore) List(ctx context.Context, f repo.MandateFilter) ([]domain.MandateRecord, error) {
	return s.Repo.ListMandates(ctx, f)
}

func mapRepoErr(id string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repo.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrMandateNotFound, id)
	case errors.Is(err, repo.ErrStaleStatus):
		return fmt.Errorf("%w: %s", ErrMandateUsed, id)
	}
	return err
}
