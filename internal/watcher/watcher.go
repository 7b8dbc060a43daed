// Package watcher maintains long-lived ledger event subscriptions and
// reconciles off-chain state with asynchronously observed on-chain
// outcomes, independent of any saga run.
package watcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/hypha-dao/hypha-web-sub000/internal/ledger"
	"github.com/hypha-dao/hypha-web-sub000/internal/metrics"
	"github.com/hypha-dao/hypha-web-sub000/internal/offchain"
	"github.com/hypha-dao/hypha-web-sub000/internal/resolve"
	commonerrors "github.com/hypha-dao/hypha-web-sub000/pkg/errors"
	"github.com/hypha-dao/hypha-web-sub000/pkg/health"
	"github.com/hypha-dao/hypha-web-sub000/pkg/logger"
)

func isUniqueConflict(err error) bool {
	return commonerrors.Is(err, commonerrors.CodeUniqueConstraint)
}

// Sink receives reconciliation notifications for events the watcher
// does not fully handle itself.
type Sink interface {
	ProposalExecuted(ctx context.Context, proposalID uint64) error
	ProposalRejected(ctx context.Context, proposalID uint64) error
	ProposalExpired(ctx context.Context, proposalID uint64) error
	MemberJoined(ctx context.Context, spaceID uint64, member string) error
}

// Contracts are the governance contract addresses under watch.
type Contracts struct {
	SpaceFactory string
	Proposals    string
	TokenFactory string
}

// proposalTx mirrors one transaction carried by an on-chain proposal,
// as returned by the proposals contract read.
type proposalTx struct {
	Target   string `json:"target"`
	Function string `json:"function"`
}

// Watcher reconciles off-chain records against ledger events.
type Watcher struct {
	gateway   ledger.Gateway
	offchain  offchain.Gateway
	spaces    resolve.Collection[offchain.Record]
	dedup     Dedup
	sink      Sink
	contracts Contracts
	metrics   *metrics.Metrics
	log       *logger.Logger
	monitor   *health.LoopMonitor

	resolveOpts resolve.Options
	// SystemCreatorID owns records the watcher derives itself, such as
	// member-joined entries.
	systemCreatorID int64

	mu      sync.Mutex
	tracked map[uint64]struct{}
	unsubs  []ledger.Unsubscribe
}

// Config wires a watcher.
type Config struct {
	Gateway         ledger.Gateway
	OffChain        offchain.Gateway
	Spaces          resolve.Collection[offchain.Record]
	Dedup           Dedup
	Sink            Sink
	Contracts       Contracts
	Metrics         *metrics.Metrics
	Log             *logger.Logger
	Monitor         *health.LoopMonitor
	ResolveOptions  resolve.Options
	SystemCreatorID int64
}

// New creates the watcher.
func New(cfg Config) *Watcher {
	log := cfg.Log
	if log == nil {
		log = logger.Nop()
	}
	dedup := cfg.Dedup
	if dedup == nil {
		dedup = NewMemoryDedup()
	}
	return &Watcher{
		gateway:         cfg.Gateway,
		offchain:        cfg.OffChain,
		spaces:          cfg.Spaces,
		dedup:           dedup,
		sink:            cfg.Sink,
		contracts:       cfg.Contracts,
		metrics:         cfg.Metrics,
		log:             log,
		monitor:         cfg.Monitor,
		resolveOpts:     cfg.ResolveOptions,
		systemCreatorID: cfg.SystemCreatorID,
		tracked:         make(map[uint64]struct{}),
	}
}

// Track registers a proposal id the caller is interested in; untracked
// proposal events are ignored without error.
func (w *Watcher) Track(proposalID uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tracked[proposalID] = struct{}{}
}

// Untrack removes a correlation id.
func (w *Watcher) Untrack(proposalID uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.tracked, proposalID)
}

func (w *Watcher) isTracked(proposalID uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.tracked[proposalID]
	return ok
}

// Start opens one subscription per watched event kind. The returned
// stop function tears all of them down; the watcher has no terminal
// failure state besides that explicit teardown.
func (w *Watcher) Start(ctx context.Context) (stop func(), err error) {
	type sub struct {
		contract string
		event    string
	}
	subs := []sub{
		{w.contracts.Proposals, ledger.EventProposalExecuted},
		{w.contracts.Proposals, ledger.EventProposalRejected},
		{w.contracts.Proposals, ledger.EventProposalExpired},
		{w.contracts.SpaceFactory, ledger.EventMemberJoined},
	}

	for _, s := range subs {
		s := s
		unsub, err := w.gateway.SubscribeEvents(ctx, s.contract, s.event, func(batch []ledger.Log) {
			w.handleBatch(ctx, batch)
		})
		if err != nil {
			w.stopLocked()
			return nil, fmt.Errorf("subscribe %s: %w", s.event, err)
		}
		w.mu.Lock()
		w.unsubs = append(w.unsubs, unsub)
		w.mu.Unlock()
	}

	return w.stopLocked, nil
}

func (w *Watcher) stopLocked() {
	w.mu.Lock()
	unsubs := w.unsubs
	w.unsubs = nil
	w.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
}

// handleBatch dispatches each log. A processing error never aborts the
// subscription: it is logged and the next event proceeds.
func (w *Watcher) handleBatch(ctx context.Context, batch []ledger.Log) {
	if w.monitor != nil {
		w.monitor.Tick()
	}
	for _, l := range batch {
		if err := w.dispatch(ctx, l); err != nil {
			if w.metrics != nil {
				w.metrics.WatcherErrors.WithLabelValues(l.Event).Inc()
			}
			if w.monitor != nil {
				w.monitor.SetError(err)
			}
			w.log.WithError(err).Errorf("event processing failed", map[string]interface{}{
				"event":  l.Event,
				"txHash": l.TxHash,
			})
		}
	}
}

func (w *Watcher) dispatch(ctx context.Context, l ledger.Log) error {
	ev, err := ledger.Decode(l)
	if err != nil {
		return err
	}

	// Idempotency is enforced here at the dispatch boundary, not in
	// the off-chain gateway: the ledger may deliver the same logical
	// event more than once.
	dup, err := w.dedup.Seen(ctx, ev.TxHash, ev.Name)
	if err != nil {
		w.log.WithError(err).Warn("dedup check failed, processing anyway")
	} else if dup {
		if w.metrics != nil {
			w.metrics.DedupHits.Inc()
		}
		return nil
	}

	if w.metrics != nil {
		w.metrics.WatcherEvents.WithLabelValues(ev.Name).Inc()
	}

	if err := w.apply(ctx, ev); err != nil {
		return err
	}

	// Marked only after the side effect succeeded: a failed dispatch
	// must stay eligible for the ledger's redelivery.
	if err := w.dedup.Mark(ctx, ev.TxHash, ev.Name); err != nil {
		w.log.WithError(err).Warn("dedup mark failed")
	}
	return nil
}

func (w *Watcher) apply(ctx context.Context, ev ledger.Event) error {
	switch p := ev.Payload.(type) {
	case *ledger.ProposalExecuted:
		return w.onProposalOutcome(ctx, ev, p.ProposalID, offchain.StateExecuted)
	case *ledger.ProposalRejected:
		return w.onProposalOutcome(ctx, ev, p.ProposalID, offchain.StateRejected)
	case *ledger.ProposalExpired:
		return w.onProposalOutcome(ctx, ev, p.ProposalID, offchain.StateExpired)
	case *ledger.MemberJoined:
		return w.onMemberJoined(ctx, p)
	default:
		return fmt.Errorf("unhandled event %s", ev.Name)
	}
}

// onProposalOutcome applies the off-chain side effect of a decided
// proposal. Token-deployment proposals get type-specific cleanup; all
// others update the document record and notify the sink.
func (w *Watcher) onProposalOutcome(ctx context.Context, ev ledger.Event, proposalID uint64, state string) error {
	if !w.isTracked(proposalID) {
		return nil
	}

	tokenOnly, err := w.isTokenDeployProposal(ctx, proposalID)
	if err != nil {
		return fmt.Errorf("inspect proposal %d: %w", proposalID, err)
	}

	if tokenOnly {
		if err := w.reconcileTokenProposal(ctx, ev, proposalID, state); err != nil {
			return err
		}
	} else {
		if _, err := w.updateByLedgerID(ctx, offchain.KindDocument, int64(proposalID), state); err != nil {
			return err
		}
		if err := w.notifyOutcome(ctx, proposalID, state); err != nil {
			return err
		}
	}

	// The proposal outcome is terminal; later events for this id are
	// not ours to apply.
	w.Untrack(proposalID)
	return nil
}

func (w *Watcher) notifyOutcome(ctx context.Context, proposalID uint64, state string) error {
	if w.sink == nil {
		return nil
	}
	switch state {
	case offchain.StateExecuted:
		return w.sink.ProposalExecuted(ctx, proposalID)
	case offchain.StateRejected:
		return w.sink.ProposalRejected(ctx, proposalID)
	case offchain.StateExpired:
		return w.sink.ProposalExpired(ctx, proposalID)
	}
	return nil
}

// isTokenDeployProposal reads the proposal's transactions from the
// ledger and reports whether they are exclusively token factory
// deployments.
func (w *Watcher) isTokenDeployProposal(ctx context.Context, proposalID uint64) (bool, error) {
	var txs []proposalTx
	err := w.gateway.ReadContract(ctx, ledger.Call{
		Contract: w.contracts.Proposals,
		Function: "getProposalTransactions",
		Args:     []interface{}{proposalID},
	}, &txs)
	if err != nil {
		return false, err
	}
	if len(txs) == 0 {
		return false, nil
	}
	for _, tx := range txs {
		if tx.Target != w.contracts.TokenFactory || tx.Function != "deployToken" {
			return false, nil
		}
	}
	return true, nil
}

// reconcileTokenProposal finishes or cleans up a provisional token
// record: executed proposals yield a deployed address decoded from the
// execution receipt; rejected or expired ones delete the provisional
// record.
func (w *Watcher) reconcileTokenProposal(ctx context.Context, ev ledger.Event, proposalID uint64, state string) error {
	token, err := w.offchain.FindByLedgerID(ctx, offchain.KindToken, int64(proposalID))
	if err != nil {
		return fmt.Errorf("find token for proposal %d: %w", proposalID, err)
	}

	if state != offchain.StateExecuted {
		if _, err := w.offchain.DeleteBySlug(ctx, offchain.KindToken, token.Slug); err != nil {
			return fmt.Errorf("delete provisional token %s: %w", token.Slug, err)
		}
		w.log.WithField("slug", token.Slug).Info("removed provisional token record")
		return w.notifyOutcome(ctx, proposalID, state)
	}

	receipt, err := w.gateway.WaitForReceipt(ctx, ledger.TxHandle{Hash: ev.TxHash})
	if err != nil {
		return fmt.Errorf("execution receipt %s: %w", ev.TxHash, err)
	}
	for _, l := range receipt.Logs {
		if l.Event != ledger.EventTokenDeployed {
			continue
		}
		deployedEv, err := ledger.Decode(l)
		if err != nil {
			return err
		}
		deployed := deployedEv.Payload.(*ledger.TokenDeployed)
		active := offchain.StateActive
		_, err = w.offchain.UpdateBySlug(ctx, offchain.KindToken, token.Slug, offchain.Patch{
			State:   &active,
			Address: &deployed.Token,
		})
		if err != nil {
			return fmt.Errorf("link token address %s: %w", token.Slug, err)
		}
		w.log.Infof("token deployment reconciled", map[string]interface{}{
			"slug":    token.Slug,
			"address": deployed.Token,
		})
		return w.notifyOutcome(ctx, proposalID, state)
	}
	return fmt.Errorf("execution receipt %s has no %s log", ev.TxHash, ledger.EventTokenDeployed)
}

func (w *Watcher) updateByLedgerID(ctx context.Context, kind offchain.Kind, ledgerID int64, state string) (*offchain.Record, error) {
	record, err := w.offchain.FindByLedgerID(ctx, kind, ledgerID)
	if err != nil {
		return nil, fmt.Errorf("find %s by ledger id %d: %w", kind, ledgerID, err)
	}
	updated, err := w.offchain.UpdateBySlug(ctx, kind, record.Slug, offchain.Patch{State: &state})
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", record.Slug, err)
	}
	return updated, nil
}

// onMemberJoined derives a membership record from the ledger event.
// The space row may not have propagated to the read path yet, so the
// lookup goes through the eventual-consistency resolver.
func (w *Watcher) onMemberJoined(ctx context.Context, p *ledger.MemberJoined) error {
	spaceID := int64(p.SpaceID)
	space, err := resolve.Resolve(ctx, w.spaces, func(r offchain.Record) bool {
		return r.LedgerID != nil && *r.LedgerID == spaceID
	}, w.resolveOpts)
	if err != nil {
		return fmt.Errorf("resolve space %d: %w", p.SpaceID, err)
	}

	slug := fmt.Sprintf("%s-member-%s", space.Slug, Slugtail(p.Member))
	_, err = w.offchain.Create(ctx, offchain.Fields{
		Kind:      offchain.KindMember,
		Slug:      slug,
		Title:     p.Member,
		State:     offchain.StateActive,
		CreatorID: w.systemCreatorID,
		Address:   p.Member,
	})
	// A member who joined through our own add-member saga already has
	// a record; the unique slug makes the re-apply a no-op.
	if err != nil && !isUniqueConflict(err) {
		return fmt.Errorf("create member record %s: %w", slug, err)
	}

	if w.sink != nil {
		return w.sink.MemberJoined(ctx, p.SpaceID, p.Member)
	}
	return nil
}

// Slugtail shortens an address for use in derived slugs.
func Slugtail(addr string) string {
	if len(addr) <= 10 {
		return addr
	}
	return addr[len(addr)-10:]
}
