// Package offchain is the boundary to the relational store holding the
// business-level view of governance actions.
package offchain

import (
	"context"
	"time"
)

// Kind selects the record family (and backing table).
type Kind string

const (
	KindSpace    Kind = "space"
	KindDocument Kind = "document"
	KindMember   Kind = "member"
	KindToken    Kind = "token"
)

// Record states. A record is created provisional and becomes active
// once linked to its ledger identifier; documents additionally move
// through proposal outcomes.
const (
	StateProvisional = "provisional"
	StateActive      = "active"
	StateExecuted    = "executed"
	StateRejected    = "rejected"
	StateExpired     = "expired"
)

// Record is one row of the off-chain store. Slug is the stable
// business key joining the off-chain and on-chain halves of the same
// logical action; LedgerID is filled in by the linking step.
type Record struct {
	ID           int64    `json:"id"`
	Kind         Kind     `json:"kind"`
	Slug         string   `json:"slug"`
	Title        string   `json:"title"`
	State        string   `json:"state"`
	CreatorID    int64    `json:"creatorId"`
	LedgerID     *int64   `json:"ledgerId"`
	Address      string   `json:"address,omitempty"`
	LeadImageURL string   `json:"leadImageUrl,omitempty"`
	Attachments  []string `json:"attachments,omitempty"`
	CreatedAtMs  int64    `json:"createdAtMs"`
	UpdatedAtMs  int64    `json:"updatedAtMs"`
}

// Fields describes a record to create.
type Fields struct {
	Kind      Kind
	Slug      string
	Title     string
	State     string
	CreatorID int64
	Address   string
}

// Patch is a partial update applied by slug. Nil members are left
// untouched, so re-applying the same patch is idempotent.
type Patch struct {
	State        *string
	LedgerID     *int64
	Address      *string
	LeadImageURL *string
	Attachments  []string
}

// Empty reports whether the patch would change nothing.
func (p Patch) Empty() bool {
	return p.State == nil && p.LedgerID == nil && p.Address == nil &&
		p.LeadImageURL == nil && p.Attachments == nil
}

// Gateway is the off-chain boundary contract. All operations complete
// before returning.
type Gateway interface {
	Create(ctx context.Context, fields Fields) (*Record, error)
	GetBySlug(ctx context.Context, kind Kind, slug string) (*Record, error)
	FindByLedgerID(ctx context.Context, kind Kind, ledgerID int64) (*Record, error)
	UpdateBySlug(ctx context.Context, kind Kind, slug string, patch Patch) (*Record, error)
	DeleteBySlug(ctx context.Context, kind Kind, slug string) (*Record, error)
}

// LinkRetry is one queued post-confirmation write-back that failed its
// in-process retries and awaits replay by the relink job.
type LinkRetry struct {
	ID        int64
	Kind      Kind
	Slug      string
	Patch     Patch
	Attempts  int
	NextAt    time.Time
	CreatedAt time.Time
}

// LinkRetryQueue is the durable retry queue for linking failures.
type LinkRetryQueue interface {
	Enqueue(ctx context.Context, kind Kind, slug string, patch Patch) error
	Due(ctx context.Context, now time.Time, limit int) ([]LinkRetry, error)
	Delete(ctx context.Context, id int64) error
	Bump(ctx context.Context, id int64, nextAt time.Time) error
}
