package ledger

import (
	"encoding/json"
	"fmt"
)

// Event names emitted by the governance contracts.
const (
	EventSpaceCreated     = "SpaceCreated"
	EventProposalCreated  = "ProposalCreated"
	EventProposalExecuted = "ProposalExecuted"
	EventProposalRejected = "ProposalRejected"
	EventProposalExpired  = "ProposalExpired"
	EventMemberJoined     = "MemberJoined"
	EventTokenDeployed    = "TokenDeployed"
)

// SpaceCreated is emitted by the space factory.
type SpaceCreated struct {
	SpaceID  uint64 `json:"spaceId"`
	Executor string `json:"executor"`
	Creator  string `json:"creator"`
}

// ProposalCreated is emitted when a governance proposal is opened.
type ProposalCreated struct {
	ProposalID uint64 `json:"proposalId"`
	SpaceID    uint64 `json:"spaceId"`
}

// ProposalExecuted is emitted when a proposal passes and its
// transactions run.
type ProposalExecuted struct {
	ProposalID uint64 `json:"proposalId"`
}

// ProposalRejected is emitted when a proposal fails its vote.
type ProposalRejected struct {
	ProposalID uint64 `json:"proposalId"`
}

// ProposalExpired is emitted when a proposal's voting window closes
// without reaching quorum.
type ProposalExpired struct {
	ProposalID uint64 `json:"proposalId"`
}

// MemberJoined is emitted by the space factory on entry.
type MemberJoined struct {
	SpaceID uint64 `json:"spaceId"`
	Member  string `json:"member"`
}

// TokenDeployed is emitted by the token factory.
type TokenDeployed struct {
	Token  string `json:"token"`
	Name   string `json:"name"`
	Symbol string `json:"symbol"`
}

// Event is a decoded, typed ledger event. Payload holds one of the
// structs above depending on Name.
type Event struct {
	Name        string
	TxHash      string
	BlockHeight uint64
	Payload     interface{}
}

// Decode turns a raw log into a typed event. Unknown event names are
// an error: the watcher only subscribes to known kinds, so an unknown
// name signals a schema mismatch.
func Decode(l Log) (Event, error) {
	ev := Event{Name: l.Event, TxHash: l.TxHash, BlockHeight: l.BlockHeight}

	var payload interface{}
	switch l.Event {
	case EventSpaceCreated:
		payload = &SpaceCreated{}
	case EventProposalCreated:
		payload = &ProposalCreated{}
	case EventProposalExecuted:
		payload = &ProposalExecuted{}
	case EventProposalRejected:
		payload = &ProposalRejected{}
	case EventProposalExpired:
		payload = &ProposalExpired{}
	case EventMemberJoined:
		payload = &MemberJoined{}
	case EventTokenDeployed:
		payload = &TokenDeployed{}
	default:
		return ev, fmt.Errorf("ledger: unknown event %q", l.Event)
	}

	if err := json.Unmarshal(l.Args, payload); err != nil {
		return ev, fmt.Errorf("ledger: decode %s args: %w", l.Event, err)
	}
	ev.Payload = payload
	return ev, nil
}
