package database

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/resdiag/flowprobe/internal/models"
)

// CompensationJournalRepository persists refund attempts so an operator can
// follow up on failed compensations after the process exits. The journal is
// append-only and best-effort: the in-memory attempt remains the source of
// truth for the live flow.
//
// Expected schema:
//
//	CREATE TABLE compensation_journal (
//	    id          BIGSERIAL PRIMARY KEY,
//	    session_id  TEXT NOT NULL,
//	    generation  BIGINT NOT NULL,
//	    hold_uid    BIGINT NOT NULL,
//	    intent_id   TEXT NOT NULL,
//	    amount      BIGINT NOT NULL,
//	    currency    TEXT NOT NULL,
//	    outcome     TEXT NOT NULL,
//	    detail      TEXT NOT NULL DEFAULT '',
//	    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
type CompensationJournalRepository struct {
	db *sqlx.DB
}

// NewCompensationJournalRepository creates a new journal repository
func NewCompensationJournalRepository(db *sqlx.DB) *CompensationJournalRepository {
	return &CompensationJournalRepository{db: db}
}

// Record appends one refund attempt to the journal
func (r *CompensationJournalRepository) Record(rec models.RefundRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO compensation_journal
			(session_id, generation, hold_uid, intent_id, amount, currency, outcome, detail, created_at)
		VALUES
			(:session_id, :generation, :hold_uid, :intent_id, :amount, :currency, :outcome, :detail, :created_at)
	`

	if _, err := r.db.NamedExec(query, rec); err != nil {
		return fmt.Errorf("failed to record refund attempt: %w", err)
	}

	return nil
}

// ListUnresolved returns the most recent refund attempts that still need
// manual follow-up (failed or unavailable outcomes)
func (r *CompensationJournalRepository) ListUnresolved(limit int) ([]models.RefundRecord, error) {
	query := `
		SELECT session_id, generation, hold_uid, intent_id, amount, currency, outcome, detail, created_at
		FROM compensation_journal
		WHERE outcome IN ($1, $2)
		ORDER BY created_at DESC
		LIMIT $3
	`

	records := []models.RefundRecord{}
	err := r.db.Select(&records, query, string(models.RefundFailed), string(models.RefundUnavailable), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unresolved compensations: %w", err)
	}

	return records, nil
}
