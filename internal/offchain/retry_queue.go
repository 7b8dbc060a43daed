package offchain

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresRetryQueue stores failed link write-backs in
// hypha.link_retries for replay by the relink job.
type PostgresRetryQueue struct {
	db *sql.DB
}

// NewPostgresRetryQueue creates the queue.
func NewPostgresRetryQueue(db *sql.DB) *PostgresRetryQueue {
	return &PostgresRetryQueue{db: db}
}

type patchRow struct {
	State        *string  `json:"state,omitempty"`
	LedgerID     *int64   `json:"ledgerId,omitempty"`
	Address      *string  `json:"address,omitempty"`
	LeadImageURL *string  `json:"leadImageUrl,omitempty"`
	Attachments  []string `json:"attachments,omitempty"`
}

// Enqueue stores the patch; the first replay is due immediately.
func (q *PostgresRetryQueue) Enqueue(ctx context.Context, kind Kind, slug string, patch Patch) error {
	payload, err := json.Marshal(patchRow{
		State:        patch.State,
		LedgerID:     patch.LedgerID,
		Address:      patch.Address,
		LeadImageURL: patch.LeadImageURL,
		Attachments:  patch.Attachments,
	})
	if err != nil {
		return fmt.Errorf("encode patch: %w", err)
	}

	query := `
		INSERT INTO hypha.link_retries (kind, slug, patch, attempts, next_at, created_at)
		VALUES ($1, $2, $3, 0, NOW(), NOW())
	`
	if _, err := q.db.ExecContext(ctx, query, string(kind), slug, payload); err != nil {
		return fmt.Errorf("enqueue link retry %s: %w", slug, err)
	}
	return nil
}

// Due returns retries whose next_at has passed, oldest first.
func (q *PostgresRetryQueue) Due(ctx context.Context, now time.Time, limit int) ([]LinkRetry, error) {
	query := `
		SELECT id, kind, slug, patch, attempts, next_at, created_at
		FROM hypha.link_retries
		WHERE next_at <= $1
		ORDER BY next_at
		LIMIT $2
	`
	rows, err := q.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query link retries: %w", err)
	}
	defer rows.Close()

	var retries []LinkRetry
	for rows.Next() {
		var (
			r       LinkRetry
			kind    string
			payload []byte
		)
		if err := rows.Scan(&r.ID, &kind, &r.Slug, &payload, &r.Attempts, &r.NextAt, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan link retry: %w", err)
		}
		r.Kind = Kind(kind)

		var p patchRow
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("decode patch for %s: %w", r.Slug, err)
		}
		r.Patch = Patch{
			State:        p.State,
			LedgerID:     p.LedgerID,
			Address:      p.Address,
			LeadImageURL: p.LeadImageURL,
			Attachments:  p.Attachments,
		}
		retries = append(retries, r)
	}
	return retries, rows.Err()
}

// Delete removes a replayed (or abandoned) retry.
func (q *PostgresRetryQueue) Delete(ctx context.Context, id int64) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM hypha.link_retries WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete link retry %d: %w", id, err)
	}
	return nil
}

// Bump records a failed replay and schedules the next one.
func (q *PostgresRetryQueue) Bump(ctx context.Context, id int64, nextAt time.Time) error {
	query := `UPDATE hypha.link_retries SET attempts = attempts + 1, next_at = $2 WHERE id = $1`
	if _, err := q.db.ExecContext(ctx, query, id, nextAt); err != nil {
		return fmt.Errorf("bump link retry %d: %w", id, err)
	}
	return nil
}
