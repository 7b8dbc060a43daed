package saga

import (
	"errors"
	"fmt"

	"github.com/hypha-dao/hypha-web-sub000/internal/ledger"
	"github.com/hypha-dao/hypha-web-sub000/internal/offchain"
	"github.com/hypha-dao/hypha-web-sub000/internal/upload"
)

// Saga kinds, one per governance action.
const (
	KindCreateSpace        = "create-space"
	KindAddMember          = "add-member"
	KindChangeEntryMethod  = "change-entry-method"
	KindChangeVotingMethod = "change-voting-method"
	KindIssueToken         = "issue-token"
	KindMintToTreasury     = "mint-to-treasury"
)

// Definitions returns all governance sagas keyed by kind.
func Definitions() map[string]Definition {
	defs := []Definition{
		CreateSpace(),
		AddMember(),
		ChangeEntryMethod(),
		ChangeVotingMethod(),
		IssueToken(),
		MintToTreasury(),
	}
	out := make(map[string]Definition, len(defs))
	for _, def := range defs {
		out[def.Kind] = def
	}
	return out
}

func allFiles(in Input) []upload.File {
	var files []upload.File
	if in.LeadImage != nil {
		files = append(files, *in.LeadImage)
	}
	files = append(files, in.Attachments...)
	return files
}

// eventLedgerID extracts the ledger-assigned identifier from the
// confirmation event for the linking step.
func eventLedgerID(ev *ledger.Event) *int64 {
	if ev == nil {
		return nil
	}
	var id int64
	switch p := ev.Payload.(type) {
	case *ledger.SpaceCreated:
		id = int64(p.SpaceID)
	case *ledger.ProposalCreated:
		id = int64(p.ProposalID)
	case *ledger.MemberJoined:
		id = int64(p.SpaceID)
	default:
		return nil
	}
	return &id
}

// linkPatch builds the common write-back: ledger id (when the on-chain
// step ran), activation, and uploaded artifact references.
func linkPatch(in Input, rc *RunContext, state string) offchain.Patch {
	patch := offchain.Patch{}
	if state != "" {
		patch.State = &state
	}
	if id := eventLedgerID(rc.Event); id != nil {
		patch.LedgerID = id
	}
	if rc.LeadImageURL != "" {
		patch.LeadImageURL = &rc.LeadImageURL
	}
	if rc.AttachmentURLs != nil {
		patch.Attachments = rc.AttachmentURLs
	}
	return patch
}

// proposalTransaction is one contract call carried by a governance
// proposal.
type proposalTransaction struct {
	Target   string        `json:"target"`
	Function string        `json:"function"`
	Args     []interface{} `json:"args"`
}

func createProposalCall(in Input, title string, txs []proposalTransaction) ledger.Call {
	return ledger.Call{
		Contract: in.Ledger.Proposals,
		Function: "createProposal",
		Args: []interface{}{
			in.SpaceID,
			title,
			txs,
		},
	}
}

// CreateSpace creates the off-chain space record, registers the space
// with the space factory and links the assigned space id back.
func CreateSpace() Definition {
	return Definition{
		Kind:       KindCreateSpace,
		RecordKind: offchain.KindSpace,
		Validate: func(in Input) error {
			if in.Title == "" {
				return errors.New("title is required")
			}
			if in.Voting != nil {
				if err := validateVoting(*in.Voting); err != nil {
					return err
				}
			}
			return nil
		},
		Steps: []Step{
			{Task: TaskCreateOffChain, Kind: StepOffChain, Create: func(in Input) offchain.Fields {
				return offchain.Fields{
					Kind:      offchain.KindSpace,
					Slug:      in.Slug,
					Title:     in.Title,
					CreatorID: in.CreatorID,
				}
			}},
			{Task: TaskSubmitOnChain, Kind: StepOnChain, Event: ledger.EventSpaceCreated,
				Call: func(in Input, rc *RunContext) ledger.Call {
					voting := VotingConfig{Quorum: 50, Unity: 50}
					if in.Voting != nil {
						voting = *in.Voting
					}
					return ledger.Call{
						Contract: in.Ledger.SpaceFactory,
						Function: "createSpace",
						Args: []interface{}{
							map[string]interface{}{
								"name":        in.Title,
								"quorum":      voting.Quorum,
								"unity":       voting.Unity,
								"entryMethod": in.EntryMethod,
								"executor":    in.Ledger.Signer,
							},
						},
					}
				}},
			{Task: TaskUploadFiles, Kind: StepUpload, Files: allFiles},
			{Task: TaskLinkRecords, Kind: StepLink, Patch: func(in Input, rc *RunContext) offchain.Patch {
				return linkPatch(in, rc, offchain.StateActive)
			}},
		},
	}
}

// AddMember records space membership off-chain and joins the space
// on-chain.
func AddMember() Definition {
	return Definition{
		Kind:       KindAddMember,
		RecordKind: offchain.KindMember,
		Validate: func(in Input) error {
			if in.Member == "" {
				return errors.New("member address is required")
			}
			if in.Ledger != nil && in.SpaceID == 0 {
				return errors.New("space id is required for on-chain join")
			}
			return nil
		},
		Steps: []Step{
			{Task: TaskCreateOffChain, Kind: StepOffChain, Create: func(in Input) offchain.Fields {
				return offchain.Fields{
					Kind:      offchain.KindMember,
					Slug:      in.Slug,
					Title:     in.Member,
					CreatorID: in.CreatorID,
					Address:   in.Member,
				}
			}},
			{Task: TaskSubmitOnChain, Kind: StepOnChain, Event: ledger.EventMemberJoined,
				Call: func(in Input, rc *RunContext) ledger.Call {
					return ledger.Call{
						Contract: in.Ledger.SpaceFactory,
						Function: "joinSpace",
						Args:     []interface{}{in.SpaceID, in.Member},
					}
				}},
			{Task: TaskUploadFiles, Kind: StepUpload, Files: allFiles},
			{Task: TaskLinkRecords, Kind: StepLink, Patch: func(in Input, rc *RunContext) offchain.Patch {
				return linkPatch(in, rc, offchain.StateActive)
			}},
		},
	}
}

// ChangeEntryMethod opens a proposal that, when executed, switches how
// members enter the space.
func ChangeEntryMethod() Definition {
	return proposalDefinition(KindChangeEntryMethod,
		func(in Input) error {
			if in.Title == "" {
				return errors.New("title is required")
			}
			if in.EntryMethod < 0 {
				return errors.New("entry method must not be negative")
			}
			return nil
		},
		func(in Input, rc *RunContext) ledger.Call {
			return createProposalCall(in, in.Title, []proposalTransaction{{
				Target:   in.Ledger.SpaceFactory,
				Function: "changeEntryMethod",
				Args:     []interface{}{in.SpaceID, in.EntryMethod},
			}})
		})
}

// ChangeVotingMethod opens a proposal changing quorum and unity.
func ChangeVotingMethod() Definition {
	return proposalDefinition(KindChangeVotingMethod,
		func(in Input) error {
			if in.Title == "" {
				return errors.New("title is required")
			}
			if in.Voting == nil {
				return errors.New("voting config is required")
			}
			return validateVoting(*in.Voting)
		},
		func(in Input, rc *RunContext) ledger.Call {
			return createProposalCall(in, in.Title, []proposalTransaction{{
				Target:   in.Ledger.SpaceFactory,
				Function: "changeVotingMethod",
				Args:     []interface{}{in.SpaceID, in.Voting.Quorum, in.Voting.Unity},
			}})
		})
}

// IssueToken creates a provisional token record and opens a proposal
// whose sole transaction deploys the token. The deployed address is
// written back by the reconciliation watcher once the proposal
// executes.
func IssueToken() Definition {
	return Definition{
		Kind:       KindIssueToken,
		RecordKind: offchain.KindToken,
		Validate: func(in Input) error {
			if in.Token == nil {
				return errors.New("token spec is required")
			}
			if in.Token.Name == "" || in.Token.Symbol == "" {
				return errors.New("token name and symbol are required")
			}
			if in.Ledger != nil && in.SpaceID == 0 {
				return errors.New("space id is required for on-chain issuance")
			}
			return nil
		},
		Steps: []Step{
			{Task: TaskCreateOffChain, Kind: StepOffChain, Create: func(in Input) offchain.Fields {
				return offchain.Fields{
					Kind:      offchain.KindToken,
					Slug:      in.Slug,
					Title:     fmt.Sprintf("%s (%s)", in.Token.Name, in.Token.Symbol),
					CreatorID: in.CreatorID,
				}
			}},
			{Task: TaskSubmitOnChain, Kind: StepOnChain, Event: ledger.EventProposalCreated,
				Call: func(in Input, rc *RunContext) ledger.Call {
					return createProposalCall(in, "Issue token "+in.Token.Symbol, []proposalTransaction{{
						Target:   in.Ledger.TokenFactory,
						Function: "deployToken",
						Args: []interface{}{
							in.SpaceID,
							in.Token.Name,
							in.Token.Symbol,
							in.Token.MaxSupply,
							in.Token.Transferable,
							in.Token.VotingToken,
						},
					}})
				}},
			{Task: TaskUploadFiles, Kind: StepUpload, Files: allFiles},
			{Task: TaskLinkRecords, Kind: StepLink, Patch: func(in Input, rc *RunContext) offchain.Patch {
				// Token stays provisional until the proposal executes
				// and the watcher fills in the deployed address.
				return linkPatch(in, rc, "")
			}},
		},
	}
}

// MintToTreasury opens a proposal minting tokens to the space treasury.
func MintToTreasury() Definition {
	return proposalDefinition(KindMintToTreasury,
		func(in Input) error {
			if in.Mint == nil {
				return errors.New("mint spec is required")
			}
			if in.Mint.Token == "" || in.Mint.Recipient == "" || in.Mint.Amount == "" {
				return errors.New("mint token, recipient and amount are required")
			}
			return nil
		},
		func(in Input, rc *RunContext) ledger.Call {
			return createProposalCall(in, in.Title, []proposalTransaction{{
				Target:   in.Mint.Token,
				Function: "mint",
				Args:     []interface{}{in.Mint.Recipient, in.Mint.Amount},
			}})
		})
}

// proposalDefinition is the shared shape of sagas that create a
// governance document backed by an on-chain proposal.
func proposalDefinition(kind string, validate func(Input) error, call func(Input, *RunContext) ledger.Call) Definition {
	return Definition{
		Kind:       kind,
		RecordKind: offchain.KindDocument,
		Validate: func(in Input) error {
			if in.Ledger != nil && in.SpaceID == 0 {
				return errors.New("space id is required for on-chain proposal")
			}
			return validate(in)
		},
		Steps: []Step{
			{Task: TaskCreateOffChain, Kind: StepOffChain, Create: func(in Input) offchain.Fields {
				return offchain.Fields{
					Kind:      offchain.KindDocument,
					Slug:      in.Slug,
					Title:     in.Title,
					CreatorID: in.CreatorID,
				}
			}},
			{Task: TaskSubmitOnChain, Kind: StepOnChain, Event: ledger.EventProposalCreated, Call: call},
			{Task: TaskUploadFiles, Kind: StepUpload, Files: allFiles},
			{Task: TaskLinkRecords, Kind: StepLink, Patch: func(in Input, rc *RunContext) offchain.Patch {
				return linkPatch(in, rc, offchain.StateActive)
			}},
		},
	}
}

func validateVoting(v VotingConfig) error {
	if v.Quorum < 1 || v.Quorum > 100 {
		return errors.New("quorum must be between 1 and 100")
	}
	if v.Unity < 1 || v.Unity > 100 {
		return errors.New("unity must be between 1 and 100")
	}
	return nil
}
