// Package saga orchestrates governance actions that span the off-chain
// store and the ledger: one ordered pipeline of typed steps with
// compensation on partial failure.
package saga

import (
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/hypha-dao/hypha-web-sub000/internal/ledger"
	"github.com/hypha-dao/hypha-web-sub000/internal/offchain"
	"github.com/hypha-dao/hypha-web-sub000/internal/upload"
)

// Task names shared by every saga definition.
const (
	TaskCreateOffChain = "CREATE_OFFCHAIN"
	TaskSubmitOnChain  = "SUBMIT_ONCHAIN"
	TaskUploadFiles    = "UPLOAD_FILES"
	TaskLinkRecords    = "LINK_RECORDS"
)

// LedgerConfig carries the contract addresses and signer for the
// on-chain half of a saga. A nil LedgerConfig on the input skips the
// on-chain step entirely.
type LedgerConfig struct {
	SpaceFactory string `json:"spaceFactory"`
	Proposals    string `json:"proposals"`
	TokenFactory string `json:"tokenFactory"`
	Signer       string `json:"signer"`
}

// VotingConfig is the voting method payload.
type VotingConfig struct {
	Quorum int `json:"quorum"` // percent, 1..100
	Unity  int `json:"unity"`  // percent, 1..100
}

// TokenSpec describes a token to issue.
type TokenSpec struct {
	Name         string `json:"name"`
	Symbol       string `json:"symbol"`
	MaxSupply    uint64 `json:"maxSupply"`
	Transferable bool   `json:"transferable"`
	VotingToken  bool   `json:"votingToken"`
}

// MintSpec describes a mint-to-treasury action.
type MintSpec struct {
	Token     string `json:"token"`     // token contract address
	Recipient string `json:"recipient"` // treasury address
	Amount    string `json:"amount"`    // decimal string, contract units
}

// Input is the union of saga inputs; each definition validates the
// fields it needs and ignores the rest.
type Input struct {
	Slug        string        `json:"slug"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	CreatorID   int64         `json:"creatorId"`
	SpaceID     uint64        `json:"spaceId"`
	Member      string        `json:"member"`
	EntryMethod int           `json:"entryMethod"`
	Voting      *VotingConfig `json:"voting,omitempty"`
	Token       *TokenSpec    `json:"token,omitempty"`
	Mint        *MintSpec     `json:"mint,omitempty"`
	Ledger      *LedgerConfig `json:"ledger,omitempty"`

	LeadImage   *upload.File  `json:"-"`
	Attachments []upload.File `json:"-"`
}

// StepKind tags the step variants of a definition.
type StepKind int

const (
	StepOffChain StepKind = iota + 1
	StepOnChain
	StepUpload
	StepLink
)

// RunContext accumulates the intermediate results of one saga run and
// is threaded through the later steps.
type RunContext struct {
	Slug           string
	Record         *offchain.Record
	TxHash         string
	Event          *ledger.Event
	LeadImageURL   string
	AttachmentURLs []string
}

// Step is one tagged pipeline step. Exactly the functions matching its
// kind are set.
type Step struct {
	Task string
	Kind StepKind

	// StepOffChain: builds the record to create.
	Create func(in Input) offchain.Fields

	// StepOnChain: builds the transaction and names the confirmation
	// event expected in its receipt.
	Call  func(in Input, rc *RunContext) ledger.Call
	Event string

	// StepUpload: selects the files; they are uploaded concurrently.
	Files func(in Input) []upload.File

	// StepLink: builds the idempotent write-back patch.
	Patch func(in Input, rc *RunContext) offchain.Patch
}

// Definition is one declarative governance saga.
type Definition struct {
	Kind       string
	RecordKind offchain.Kind
	Validate   func(in Input) error
	Steps      []Step
}

// TaskNames lists the declared step order for the task store.
func (d Definition) TaskNames() []string {
	names := make([]string, 0, len(d.Steps))
	for _, step := range d.Steps {
		names = append(names, step.Task)
	}
	return names
}

// Slugify lowercases the title and collapses everything else to
// hyphens.
func Slugify(s string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastHyphen = false
		} else if !lastHyphen {
			b.WriteByte('-')
			lastHyphen = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// NewSlug derives a unique slug from a title. The random suffix keeps
// concurrent sagas from racing on the same business key.
func NewSlug(title string) string {
	suffix := uuid.NewString()[:8]
	base := Slugify(title)
	if base == "" {
		return suffix
	}
	return base + "-" + suffix
}
