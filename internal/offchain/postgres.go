package offchain

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	commonerrors "github.com/hypha-dao/hypha-web-sub000/pkg/errors"
)

// PostgresGateway implements Gateway over the hypha schema. Each record
// kind maps to its own table with a shared column set.
type PostgresGateway struct {
	db *sql.DB
}

// NewPostgresGateway creates the gateway.
func NewPostgresGateway(db *sql.DB) *PostgresGateway {
	return &PostgresGateway{db: db}
}

const recordColumns = `id, slug, title, state, creator_id, ledger_id, address, lead_image_url, attachments, created_at_ms, updated_at_ms`

func tableFor(kind Kind) (string, error) {
	switch kind {
	case KindSpace:
		return "hypha.spaces", nil
	case KindDocument:
		return "hypha.documents", nil
	case KindMember:
		return "hypha.space_members", nil
	case KindToken:
		return "hypha.tokens", nil
	default:
		return "", fmt.Errorf("offchain: unknown record kind %q", kind)
	}
}

func scanRecord(kind Kind, row *sql.Row) (*Record, error) {
	var (
		r           Record
		ledgerID    sql.NullInt64
		attachments []byte
	)
	err := row.Scan(&r.ID, &r.Slug, &r.Title, &r.State, &r.CreatorID,
		&ledgerID, &r.Address, &r.LeadImageURL, &attachments,
		&r.CreatedAtMs, &r.UpdatedAtMs)
	if err != nil {
		return nil, err
	}
	r.Kind = kind
	if ledgerID.Valid {
		v := ledgerID.Int64
		r.LedgerID = &v
	}
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &r.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments: %w", err)
		}
	}
	return &r, nil
}

// Create inserts a new record. A zero creator id and a duplicate slug
// are mapped to their boundary errors.
func (g *PostgresGateway) Create(ctx context.Context, fields Fields) (*Record, error) {
	if fields.CreatorID == 0 {
		return nil, commonerrors.ErrCreatorRequired
	}
	table, err := tableFor(fields.Kind)
	if err != nil {
		return nil, err
	}

	state := fields.State
	if state == "" {
		state = StateProvisional
	}
	now := time.Now().UnixMilli()

	query := `
		INSERT INTO ` + table + `
		(slug, title, state, creator_id, address, lead_image_url, attachments, created_at_ms, updated_at_ms)
		VALUES ($1, $2, $3, $4, $5, '', '[]', $6, $6)
		RETURNING ` + recordColumns
	row := g.db.QueryRowContext(ctx, query,
		fields.Slug, fields.Title, state, fields.CreatorID, fields.Address, now)

	record, err := scanRecord(fields.Kind, row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, commonerrors.Wrap(commonerrors.CodeUniqueConstraint,
				"record "+fields.Slug+" already exists", err)
		}
		return nil, commonerrors.Wrap(commonerrors.CodeOffChainWrite,
			"create "+fields.Slug, err)
	}
	return record, nil
}

// GetBySlug loads one record.
func (g *PostgresGateway) GetBySlug(ctx context.Context, kind Kind, slug string) (*Record, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + recordColumns + ` FROM ` + table + ` WHERE slug = $1`
	record, err := scanRecord(kind, g.db.QueryRowContext(ctx, query, slug))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, commonerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", slug, err)
	}
	return record, nil
}

// FindByLedgerID loads the record linked to a ledger identifier.
func (g *PostgresGateway) FindByLedgerID(ctx context.Context, kind Kind, ledgerID int64) (*Record, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + recordColumns + ` FROM ` + table + ` WHERE ledger_id = $1`
	record, err := scanRecord(kind, g.db.QueryRowContext(ctx, query, ledgerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, commonerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find ledger id %d: %w", ledgerID, err)
	}
	return record, nil
}

// UpdateBySlug applies a partial update and returns the resulting row.
// Applying the same patch twice yields the same row, which the linking
// step relies on.
func (g *PostgresGateway) UpdateBySlug(ctx context.Context, kind Kind, slug string, patch Patch) (*Record, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	if patch.Empty() {
		return g.GetBySlug(ctx, kind, slug)
	}

	sets := make([]string, 0, 6)
	args := make([]interface{}, 0, 7)
	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, column+" = $"+strconv.Itoa(len(args)))
	}

	if patch.State != nil {
		add("state", *patch.State)
	}
	if patch.LedgerID != nil {
		add("ledger_id", *patch.LedgerID)
	}
	if patch.Address != nil {
		add("address", *patch.Address)
	}
	if patch.LeadImageURL != nil {
		add("lead_image_url", *patch.LeadImageURL)
	}
	if patch.Attachments != nil {
		raw, err := json.Marshal(patch.Attachments)
		if err != nil {
			return nil, fmt.Errorf("encode attachments: %w", err)
		}
		add("attachments", string(raw))
	}
	add("updated_at_ms", time.Now().UnixMilli())

	args = append(args, slug)
	query := `UPDATE ` + table + ` SET ` + strings.Join(sets, ", ") +
		` WHERE slug = $` + strconv.Itoa(len(args)) +
		` RETURNING ` + recordColumns

	record, err := scanRecord(kind, g.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, commonerrors.ErrNotFound
	}
	if err != nil {
		return nil, commonerrors.Wrap(commonerrors.CodeOffChainWrite, "update "+slug, err)
	}
	return record, nil
}

// DeleteBySlug removes a record, returning the deleted row.
func (g *PostgresGateway) DeleteBySlug(ctx context.Context, kind Kind, slug string) (*Record, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	query := `DELETE FROM ` + table + ` WHERE slug = $1 RETURNING ` + recordColumns
	record, err := scanRecord(kind, g.db.QueryRowContext(ctx, query, slug))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, commonerrors.ErrNotFound
	}
	if err != nil {
		return nil, commonerrors.Wrap(commonerrors.CodeOffChainWrite, "delete "+slug, err)
	}
	return record, nil
}

// ListByKind loads all records of one kind, used by the read cache
// bypass path.
func (g *PostgresGateway) ListByKind(ctx context.Context, kind Kind) ([]Record, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + recordColumns + ` FROM ` + table + ` ORDER BY id`
	rows, err := g.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r           Record
			ledgerID    sql.NullInt64
			attachments []byte
		)
		if err := rows.Scan(&r.ID, &r.Slug, &r.Title, &r.State, &r.CreatorID,
			&ledgerID, &r.Address, &r.LeadImageURL, &attachments,
			&r.CreatedAtMs, &r.UpdatedAtMs); err != nil {
			return nil, fmt.Errorf("scan %s: %w", kind, err)
		}
		r.Kind = kind
		if ledgerID.Valid {
			v := ledgerID.Int64
			r.LedgerID = &v
		}
		if len(attachments) > 0 {
			if err := json.Unmarshal(attachments, &r.Attachments); err != nil {
				return nil, fmt.Errorf("decode attachments: %w", err)
			}
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
