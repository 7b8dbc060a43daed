package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hypha-dao/hypha-web-sub000/internal/ledger"
	"github.com/hypha-dao/hypha-web-sub000/internal/offchain"
	"github.com/hypha-dao/hypha-web-sub000/internal/tasks"
	"github.com/hypha-dao/hypha-web-sub000/internal/upload"
	commonerrors "github.com/hypha-dao/hypha-web-sub000/pkg/errors"
)

// fakeOffchain is an in-memory Gateway with injectable failures.
type fakeOffchain struct {
	mu      sync.Mutex
	records map[string]*offchain.Record
	nextID  int64

	createErr  error
	updateErrs int // fail this many UpdateBySlug calls, then succeed
	deletes    int
}

func newFakeOffchain() *fakeOffchain {
	return &fakeOffchain{records: make(map[string]*offchain.Record)}
}

func (f *fakeOffchain) Create(ctx context.Context, fields offchain.Fields) (*offchain.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	if fields.CreatorID == 0 {
		return nil, commonerrors.ErrCreatorRequired
	}
	if _, ok := f.records[fields.Slug]; ok {
		return nil, commonerrors.ErrUniqueConstraint
	}
	state := fields.State
	if state == "" {
		state = offchain.StateProvisional
	}
	f.nextID++
	r := &offchain.Record{
		ID:        f.nextID,
		Kind:      fields.Kind,
		Slug:      fields.Slug,
		Title:     fields.Title,
		State:     state,
		CreatorID: fields.CreatorID,
		Address:   fields.Address,
	}
	f.records[fields.Slug] = r
	clone := *r
	return &clone, nil
}

func (f *fakeOffchain) GetBySlug(ctx context.Context, kind offchain.Kind, slug string) (*offchain.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[slug]
	if !ok {
		return nil, commonerrors.ErrNotFound
	}
	clone := *r
	return &clone, nil
}

func (f *fakeOffchain) FindByLedgerID(ctx context.Context, kind offchain.Kind, ledgerID int64) (*offchain.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.records {
		if r.Kind == kind && r.LedgerID != nil && *r.LedgerID == ledgerID {
			clone := *r
			return &clone, nil
		}
	}
	return nil, commonerrors.ErrNotFound
}

func (f *fakeOffchain) UpdateBySlug(ctx context.Context, kind offchain.Kind, slug string, patch offchain.Patch) (*offchain.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErrs > 0 {
		f.updateErrs--
		return nil, errors.New("store unavailable")
	}
	r, ok := f.records[slug]
	if !ok {
		return nil, commonerrors.ErrNotFound
	}
	if patch.State != nil {
		r.State = *patch.State
	}
	if patch.LedgerID != nil {
		r.LedgerID = patch.LedgerID
	}
	if patch.Address != nil {
		r.Address = *patch.Address
	}
	if patch.LeadImageURL != nil {
		r.LeadImageURL = *patch.LeadImageURL
	}
	if patch.Attachments != nil {
		r.Attachments = patch.Attachments
	}
	clone := *r
	return &clone, nil
}

func (f *fakeOffchain) DeleteBySlug(ctx context.Context, kind offchain.Kind, slug string) (*offchain.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	r, ok := f.records[slug]
	if !ok {
		return nil, commonerrors.ErrNotFound
	}
	delete(f.records, slug)
	return r, nil
}

func (f *fakeOffchain) has(slug string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.records[slug]
	return ok
}

// fakeLedger confirms every submission with a scripted event log.
type fakeLedger struct {
	mu        sync.Mutex
	submits   int
	submitErr error
	event     string
	args      interface{}
	status    int
}

func (f *fakeLedger) Submit(ctx context.Context, call ledger.Call) (ledger.TxHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if f.submitErr != nil {
		return ledger.TxHandle{}, f.submitErr
	}
	return ledger.TxHandle{Hash: fmt.Sprintf("0xtx%d", f.submits)}, nil
}

func (f *fakeLedger) WaitForReceipt(ctx context.Context, handle ledger.TxHandle) (*ledger.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := f.status
	if status == 0 && f.event != "" {
		status = 1
	}
	receipt := &ledger.Receipt{TxHash: handle.Hash, Status: status, BlockHeight: 10}
	if f.event != "" {
		raw, err := json.Marshal(f.args)
		if err != nil {
			return nil, err
		}
		receipt.Logs = []ledger.Log{{
			Event:       f.event,
			TxHash:      handle.Hash,
			BlockHeight: 10,
			Args:        raw,
		}}
	}
	return receipt, nil
}

func (f *fakeLedger) ReadContract(ctx context.Context, call ledger.Call, out interface{}) error {
	return errors.New("not implemented")
}

func (f *fakeLedger) SubscribeEvents(ctx context.Context, contract, event string, onBatch func([]ledger.Log)) (ledger.Unsubscribe, error) {
	return nil, errors.New("not implemented")
}

type fakeUploads struct {
	err   error
	calls int
}

func (f *fakeUploads) Upload(ctx context.Context, files []upload.File) ([]upload.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	results := make([]upload.Result, len(files))
	for i, file := range files {
		results[i] = upload.Result{URL: "https://cdn.example/" + file.Name}
	}
	return results, nil
}

type fakeRetryQueue struct {
	mu       sync.Mutex
	enqueued []offchain.LinkRetry
}

func (f *fakeRetryQueue) Enqueue(ctx context.Context, kind offchain.Kind, slug string, patch offchain.Patch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, offchain.LinkRetry{Kind: kind, Slug: slug, Patch: patch})
	return nil
}

func (f *fakeRetryQueue) Due(ctx context.Context, now time.Time, limit int) ([]offchain.LinkRetry, error) {
	return nil, nil
}
func (f *fakeRetryQueue) Delete(ctx context.Context, id int64) error            { return nil }
func (f *fakeRetryQueue) Bump(ctx context.Context, id int64, at time.Time) error { return nil }

func testLedgerConfig() *LedgerConfig {
	return &LedgerConfig{
		SpaceFactory: "0xfactory",
		Proposals:    "0xproposals",
		TokenFactory: "0xtokens",
		Signer:       "0xsigner",
	}
}

type fixture struct {
	offchain *fakeOffchain
	ledger   *fakeLedger
	uploads  *fakeUploads
	retries  *fakeRetryQueue
	coord    *Coordinator
}

func newFixture(t *testing.T, def Definition, event string, args interface{}) *fixture {
	t.Helper()
	f := &fixture{
		offchain: newFakeOffchain(),
		ledger:   &fakeLedger{event: event, args: args},
		uploads:  &fakeUploads{},
		retries:  &fakeRetryQueue{},
	}
	waiter := ledger.NewWaiter(f.ledger, time.Second, nil)
	f.coord = NewCoordinator(def, f.offchain, f.ledger, waiter, f.uploads, f.retries, nil, nil)
	f.coord.linkBackoff = time.Millisecond
	return f
}

func TestCreateSpaceHappyPath(t *testing.T) {
	f := newFixture(t, CreateSpace(), ledger.EventSpaceCreated, ledger.SpaceCreated{SpaceID: 11})

	out, err := f.coord.Run(context.Background(), Input{
		Slug:      "my-space",
		Title:     "My Space",
		CreatorID: 3,
		Ledger:    testLedgerConfig(),
		LeadImage: &upload.File{Name: "lead.png"},
		Attachments: []upload.File{
			{Name: "bylaws.pdf"},
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Partial || len(out.Errors) != 0 {
		t.Fatalf("unexpected failure: partial=%v errors=%v", out.Partial, out.Errors)
	}
	if out.Progress != 100 {
		t.Fatalf("progress = %d, want 100", out.Progress)
	}
	if out.Record == nil || out.Record.State != offchain.StateActive {
		t.Fatalf("record not activated: %+v", out.Record)
	}
	if out.Record.LedgerID == nil || *out.Record.LedgerID != 11 {
		t.Fatalf("ledger id not linked: %+v", out.Record.LedgerID)
	}
	if out.LeadImageURL != "https://cdn.example/lead.png" {
		t.Fatalf("lead image url = %q", out.LeadImageURL)
	}
	if len(out.AttachmentURLs) != 1 || out.AttachmentURLs[0] != "https://cdn.example/bylaws.pdf" {
		t.Fatalf("attachment urls = %v", out.AttachmentURLs)
	}
}

func TestValidationRejectsBeforeSideEffects(t *testing.T) {
	f := newFixture(t, CreateSpace(), ledger.EventSpaceCreated, ledger.SpaceCreated{SpaceID: 1})

	cases := []Input{
		{Title: "No Slug", CreatorID: 3},
		{Slug: "no-creator", Title: "No Creator"},
		{Slug: "no-title", CreatorID: 3},
		{Slug: "bad-voting", Title: "Bad Voting", CreatorID: 3, Voting: &VotingConfig{Quorum: 0, Unity: 50}},
	}
	for _, in := range cases {
		_, err := f.coord.Run(context.Background(), in)
		if !commonerrors.Is(err, commonerrors.CodeValidation) {
			t.Fatalf("input %+v: expected VALIDATION, got %v", in, err)
		}
		f.coord.Reset()
	}
	if len(f.offchain.records) != 0 {
		t.Fatal("validation failure must not create records")
	}
	if f.ledger.submits != 0 {
		t.Fatal("validation failure must not submit transactions")
	}
}

func TestSubmissionFailureCompensates(t *testing.T) {
	f := newFixture(t, CreateSpace(), ledger.EventSpaceCreated, nil)
	f.ledger.submitErr = errors.New("node unreachable")

	out, err := f.coord.Run(context.Background(), Input{
		Slug: "doomed", Title: "Doomed", CreatorID: 3, Ledger: testLedgerConfig(),
	})
	if !commonerrors.Is(err, commonerrors.CodeOnChainSubmission) {
		t.Fatalf("expected ONCHAIN_SUBMISSION, got %v", err)
	}
	if len(out.Errors) != 1 {
		t.Fatalf("errors = %v, want exactly one", out.Errors)
	}
	if out.Partial {
		t.Fatal("compensated failure must not be partial")
	}
	if f.offchain.has("doomed") {
		t.Fatal("record not compensated")
	}
	if task, _ := out.State.Task(TaskSubmitOnChain); task.Status != tasks.StatusError {
		t.Fatalf("submit task = %s, want ERROR", task.Status)
	}
}

func TestOffChainOnlyRunSkipsLedger(t *testing.T) {
	f := newFixture(t, CreateSpace(), ledger.EventSpaceCreated, nil)

	out, err := f.coord.Run(context.Background(), Input{
		Slug: "local-space", Title: "Local Space", CreatorID: 3,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if f.ledger.submits != 0 {
		t.Fatalf("ledger touched %d times for off-chain-only run", f.ledger.submits)
	}
	if out.Progress != 100 {
		t.Fatalf("progress = %d, want 100", out.Progress)
	}
	if task, _ := out.State.Task(TaskSubmitOnChain); task.Status != tasks.StatusDone {
		t.Fatalf("skipped on-chain task = %s, want DONE", task.Status)
	}
	// No ledger event means no ledger id, but the record still activates.
	if out.Record.LedgerID != nil {
		t.Fatalf("unexpected ledger id %v", *out.Record.LedgerID)
	}
	if out.Record.State != offchain.StateActive {
		t.Fatalf("record state = %s, want active", out.Record.State)
	}
}

func TestLinkFailureAfterConfirmationIsPartial(t *testing.T) {
	f := newFixture(t, CreateSpace(), ledger.EventSpaceCreated, ledger.SpaceCreated{SpaceID: 4})
	f.offchain.updateErrs = 100 // outlast the in-process retries

	out, err := f.coord.Run(context.Background(), Input{
		Slug: "half-done", Title: "Half Done", CreatorID: 3, Ledger: testLedgerConfig(),
	})
	if err != nil {
		t.Fatalf("partial success must not return a run error, got %v", err)
	}
	if !out.Partial {
		t.Fatal("expected partial outcome")
	}
	if len(out.Errors) != 1 {
		t.Fatalf("errors = %v, want exactly one", out.Errors)
	}
	if !f.offchain.has("half-done") {
		t.Fatal("record must survive: the on-chain effect is irreversible")
	}
	if len(f.retries.enqueued) != 1 {
		t.Fatalf("retry queue entries = %d, want 1", len(f.retries.enqueued))
	}
	queued := f.retries.enqueued[0]
	if queued.Slug != "half-done" || queued.Patch.LedgerID == nil || *queued.Patch.LedgerID != 4 {
		t.Fatalf("queued retry = %+v", queued)
	}
	if task, _ := out.State.Task(TaskLinkRecords); task.Status != tasks.StatusError {
		t.Fatalf("link task = %s, want ERROR", task.Status)
	}
}

func TestLinkRetriesInProcessBeforeQueueing(t *testing.T) {
	f := newFixture(t, CreateSpace(), ledger.EventSpaceCreated, ledger.SpaceCreated{SpaceID: 4})
	f.offchain.updateErrs = 2 // two transient failures, third attempt wins

	out, err := f.coord.Run(context.Background(), Input{
		Slug: "flaky", Title: "Flaky", CreatorID: 3, Ledger: testLedgerConfig(),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Partial || len(out.Errors) != 0 {
		t.Fatalf("expected clean outcome, got partial=%v errors=%v", out.Partial, out.Errors)
	}
	if len(f.retries.enqueued) != 0 {
		t.Fatal("recovered link must not reach the durable queue")
	}
	if out.Record.LedgerID == nil || *out.Record.LedgerID != 4 {
		t.Fatalf("record not linked: %+v", out.Record.LedgerID)
	}
}

func TestUploadFailureAfterConfirmationIsPartial(t *testing.T) {
	f := newFixture(t, CreateSpace(), ledger.EventSpaceCreated, ledger.SpaceCreated{SpaceID: 2})
	f.uploads.err = errors.New("storage down")

	out, err := f.coord.Run(context.Background(), Input{
		Slug: "no-image", Title: "No Image", CreatorID: 3, Ledger: testLedgerConfig(),
		LeadImage: &upload.File{Name: "lead.png"},
	})
	if err != nil {
		t.Fatalf("partial success must not return a run error, got %v", err)
	}
	if !out.Partial {
		t.Fatal("expected partial outcome")
	}
	if !f.offchain.has("no-image") {
		t.Fatal("record must survive the upload failure")
	}
}

func TestCancellationBeforeSubmission(t *testing.T) {
	f := newFixture(t, CreateSpace(), ledger.EventSpaceCreated, ledger.SpaceCreated{SpaceID: 2})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := f.coord.Run(ctx, Input{
		Slug: "cancelled", Title: "Cancelled", CreatorID: 3, Ledger: testLedgerConfig(),
	})
	if !commonerrors.Is(err, commonerrors.CodeCancelled) {
		t.Fatalf("expected CANCELLED, got %v", err)
	}
	if f.ledger.submits != 0 {
		t.Fatal("cancelled run must not submit")
	}
	if f.offchain.has("cancelled") {
		t.Fatal("record not compensated after cancellation")
	}
	if out.Partial {
		t.Fatal("pre-submission cancellation is never partial")
	}
}

func TestRevertedTransactionCompensates(t *testing.T) {
	f := newFixture(t, CreateSpace(), ledger.EventSpaceCreated, nil)
	f.ledger.status = -1 // any status other than 1 is a revert

	_, err := f.coord.Run(context.Background(), Input{
		Slug: "reverted", Title: "Reverted", CreatorID: 3, Ledger: testLedgerConfig(),
	})
	if !commonerrors.Is(err, commonerrors.CodeTransactionReverted) {
		t.Fatalf("expected TRANSACTION_REVERTED, got %v", err)
	}
	if f.offchain.has("reverted") {
		t.Fatal("record not compensated after revert")
	}
}

func TestOnConfirmedHookRuns(t *testing.T) {
	f := newFixture(t, IssueToken(), ledger.EventProposalCreated, ledger.ProposalCreated{ProposalID: 77, SpaceID: 5})

	var hookedProposal uint64
	f.coord.OnConfirmed = func(ctx context.Context, in Input, rc *RunContext) {
		if created, ok := rc.Event.Payload.(*ledger.ProposalCreated); ok {
			hookedProposal = created.ProposalID
		}
	}

	out, err := f.coord.Run(context.Background(), Input{
		Slug: "token-gov", CreatorID: 3, SpaceID: 5, Ledger: testLedgerConfig(),
		Token: &TokenSpec{Name: "Governance", Symbol: "GOV", MaxSupply: 1000},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if hookedProposal != 77 {
		t.Fatalf("hook proposal = %d, want 77", hookedProposal)
	}
	// The token stays provisional until the watcher reconciles the
	// proposal execution.
	if out.Record.State != offchain.StateProvisional {
		t.Fatalf("token state = %s, want provisional", out.Record.State)
	}
	if out.Record.LedgerID == nil || *out.Record.LedgerID != 77 {
		t.Fatalf("token not linked to proposal: %+v", out.Record.LedgerID)
	}
}

func TestResetAllowsReuse(t *testing.T) {
	f := newFixture(t, CreateSpace(), ledger.EventSpaceCreated, nil)
	f.ledger.submitErr = errors.New("boom")

	_, err := f.coord.Run(context.Background(), Input{
		Slug: "retry-me", Title: "Retry Me", CreatorID: 3, Ledger: testLedgerConfig(),
	})
	if err == nil {
		t.Fatal("expected failure")
	}

	f.coord.Reset()
	f.ledger.submitErr = nil
	f.ledger.event = ledger.EventSpaceCreated
	f.ledger.args = ledger.SpaceCreated{SpaceID: 8}

	out, err := f.coord.Run(context.Background(), Input{
		Slug: "retry-me", Title: "Retry Me", CreatorID: 3, Ledger: testLedgerConfig(),
	})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if out.Progress != 100 {
		t.Fatalf("progress = %d, want 100", out.Progress)
	}
}
