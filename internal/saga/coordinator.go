package saga

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hypha-dao/hypha-web-sub000/internal/ledger"
	"github.com/hypha-dao/hypha-web-sub000/internal/metrics"
	"github.com/hypha-dao/hypha-web-sub000/internal/offchain"
	"github.com/hypha-dao/hypha-web-sub000/internal/tasks"
	"github.com/hypha-dao/hypha-web-sub000/internal/upload"
	commonerrors "github.com/hypha-dao/hypha-web-sub000/pkg/errors"
	"github.com/hypha-dao/hypha-web-sub000/pkg/logger"
)

// Outcome is the aggregated result of one saga run. A non-empty Errors
// list with Partial set means the on-chain effect committed even though
// a later step did not complete; the record was not compensated.
type Outcome struct {
	Record         *offchain.Record `json:"record,omitempty"`
	Event          *ledger.Event    `json:"-"`
	TxHash         string           `json:"txHash,omitempty"`
	LeadImageURL   string           `json:"leadImageUrl,omitempty"`
	AttachmentURLs []string         `json:"attachmentUrls,omitempty"`
	State          *tasks.State     `json:"-"`
	Progress       int              `json:"progress"`
	Errors         []string         `json:"errors,omitempty"`
	Partial        bool             `json:"partial"`
}

// Coordinator drives one saga definition against the gateways.
type Coordinator struct {
	def      Definition
	offchain offchain.Gateway
	ledger   ledger.Gateway
	waiter   *ledger.Waiter
	uploads  upload.Gateway
	retries  offchain.LinkRetryQueue // nil disables the durable queue
	tasks    *tasks.Store
	metrics  *metrics.Metrics
	log      *logger.Logger

	linkAttempts int
	linkBackoff  time.Duration

	// OnConfirmed runs after a successful on-chain step, before
	// uploads and linking. Used to spawn correlated sub-watchers.
	OnConfirmed func(ctx context.Context, in Input, rc *RunContext)
}

// NewCoordinator wires a coordinator for one definition. retries may be
// nil; m may be nil in tests.
func NewCoordinator(
	def Definition,
	offchainGW offchain.Gateway,
	ledgerGW ledger.Gateway,
	waiter *ledger.Waiter,
	uploads upload.Gateway,
	retries offchain.LinkRetryQueue,
	m *metrics.Metrics,
	log *logger.Logger,
) *Coordinator {
	if log == nil {
		log = logger.Nop()
	}
	return &Coordinator{
		def:          def,
		offchain:     offchainGW,
		ledger:       ledgerGW,
		waiter:       waiter,
		uploads:      uploads,
		retries:      retries,
		tasks:        tasks.NewStore(def.TaskNames()...),
		metrics:      m,
		log:          log.WithField("saga", def.Kind),
		linkAttempts: 3,
		linkBackoff:  time.Second,
	}
}

// Tasks exposes the run's task store for progress subscribers.
func (c *Coordinator) Tasks() *tasks.Store {
	return c.tasks
}

// Reset clears the task state so the coordinator can be reused.
func (c *Coordinator) Reset() {
	c.tasks.Reset()
}

func (c *Coordinator) countRun(result string) {
	if c.metrics != nil {
		c.metrics.SagaRuns.WithLabelValues(c.def.Kind, result).Inc()
	}
}

func (c *Coordinator) observeStep(task string, start time.Time) {
	if c.metrics != nil {
		c.metrics.SagaStepLatency.WithLabelValues(task).Observe(time.Since(start).Seconds())
	}
}

// Run executes the saga. Errors before the on-chain step confirm are
// recovered by compensation and returned; errors after confirmation
// are reported in the outcome as partial success with a nil error.
func (c *Coordinator) Run(ctx context.Context, in Input) (*Outcome, error) {
	out := &Outcome{}
	finish := func() {
		out.State = c.tasks.Snapshot()
		out.Progress = out.State.Progress()
	}

	// Validation rejects before any side effect.
	if err := c.validate(in); err != nil {
		c.countRun(metrics.ResultFailed)
		out.Errors = append(out.Errors, err.Error())
		finish()
		return out, err
	}

	rc := &RunContext{Slug: in.Slug}
	onChainDone := false

	// abort fails the current task, compensates if confirmation has
	// not happened, and finalizes the outcome.
	abort := func(task string, err error) (*Outcome, error) {
		c.tasks.Fail(task, err.Error())
		out.Errors = append(out.Errors, err.Error())
		if !onChainDone {
			c.compensate(ctx, rc)
			c.countRun(metrics.ResultFailed)
		} else {
			out.Partial = true
			c.countRun(metrics.ResultPartial)
		}
		finish()
		if onChainDone {
			// The ledger effect is irreversible; surface the failure
			// in the outcome rather than as a run error.
			return out, nil
		}
		return out, err
	}

	for _, step := range c.def.Steps {
		start := time.Now()
		switch step.Kind {
		case StepOffChain:
			c.tasks.Start(step.Task)
			record, err := c.offchain.Create(ctx, step.Create(in))
			if err != nil {
				return abort(step.Task, err)
			}
			rc.Record = record
			rc.Slug = record.Slug
			out.Record = record
			c.tasks.Complete(step.Task)

		case StepOnChain:
			c.tasks.Start(step.Task)
			if in.Ledger == nil {
				c.tasks.Complete(step.Task)
				break
			}
			// The caller may cancel freely up to submission; after
			// that the transaction is out of our hands.
			if err := ctx.Err(); err != nil {
				return abort(step.Task, commonerrors.Wrap(commonerrors.CodeCancelled,
					"saga cancelled before submission", err))
			}
			handle, err := c.ledger.Submit(ctx, step.Call(in, rc))
			if err != nil {
				return abort(step.Task, commonerrors.Wrap(commonerrors.CodeOnChainSubmission,
					"submit "+c.def.Kind, err))
			}
			rc.TxHash = handle.Hash
			out.TxHash = handle.Hash

			ev, err := c.waiter.Await(context.WithoutCancel(ctx), handle, step.Event)
			if err != nil {
				return abort(step.Task, err)
			}
			rc.Event = &ev
			out.Event = &ev
			onChainDone = true
			if c.OnConfirmed != nil {
				c.OnConfirmed(ctx, in, rc)
			}
			c.tasks.Complete(step.Task)

		case StepUpload:
			c.tasks.Start(step.Task)
			files := step.Files(in)
			if len(files) == 0 {
				c.tasks.Complete(step.Task)
				break
			}
			results, err := c.uploadAll(ctx, files)
			if err != nil {
				return abort(step.Task, commonerrors.Wrap(commonerrors.CodeUploadFailed,
					"upload artifacts", err))
			}
			c.assignUploads(in, rc, results)
			out.LeadImageURL = rc.LeadImageURL
			out.AttachmentURLs = rc.AttachmentURLs
			c.tasks.Complete(step.Task)

		case StepLink:
			c.tasks.Start(step.Task)
			patch := step.Patch(in, rc)
			record, err := c.link(ctx, rc.Slug, patch)
			if err != nil {
				// Prior steps committed irreversible effects; rolling
				// back here would desynchronize the two systems.
				c.enqueueRetry(ctx, rc.Slug, patch)
				c.tasks.Fail(step.Task, err.Error())
				out.Errors = append(out.Errors, err.Error())
				out.Partial = onChainDone
				if onChainDone {
					c.countRun(metrics.ResultPartial)
				} else {
					c.countRun(metrics.ResultFailed)
				}
				finish()
				return out, nil
			}
			rc.Record = record
			out.Record = record
			c.tasks.Complete(step.Task)

		default:
			panic(fmt.Sprintf("saga: unknown step kind %d", step.Kind))
		}
		c.observeStep(step.Task, start)
	}

	c.countRun(metrics.ResultSuccess)
	finish()
	return out, nil
}

func (c *Coordinator) validate(in Input) error {
	if in.Slug == "" {
		return commonerrors.New(commonerrors.CodeValidation, "slug is required")
	}
	if in.CreatorID == 0 {
		return commonerrors.New(commonerrors.CodeValidation, "creator id is required")
	}
	if c.def.Validate != nil {
		if err := c.def.Validate(in); err != nil {
			return commonerrors.Wrap(commonerrors.CodeValidation, err.Error(), err)
		}
	}
	return nil
}

// uploadAll runs one upload call per file concurrently; any failure
// aborts the step.
func (c *Coordinator) uploadAll(ctx context.Context, files []upload.File) ([]upload.Result, error) {
	results := make([]upload.Result, len(files))
	errs := make([]error, len(files))
	var wg sync.WaitGroup
	for i := range files {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := c.uploads.Upload(ctx, []upload.File{files[i]})
			if err != nil {
				errs[i] = err
				return
			}
			results[i] = res[0]
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

// assignUploads maps upload results back to their roles. The lead
// image, when present, is always the first file handed to the step.
func (c *Coordinator) assignUploads(in Input, rc *RunContext, results []upload.Result) {
	i := 0
	if in.LeadImage != nil && len(results) > 0 {
		rc.LeadImageURL = results[0].URL
		i = 1
	}
	for ; i < len(results); i++ {
		rc.AttachmentURLs = append(rc.AttachmentURLs, results[i].URL)
	}
}

// link retries the idempotent write-back a bounded number of times.
func (c *Coordinator) link(ctx context.Context, slug string, patch offchain.Patch) (*offchain.Record, error) {
	var lastErr error
	for attempt := 0; attempt < c.linkAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(c.linkBackoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, commonerrors.Wrap(commonerrors.CodeLinking, "link "+slug, ctx.Err())
			case <-timer.C:
			}
		}
		record, err := c.offchain.UpdateBySlug(ctx, c.def.RecordKind, slug, patch)
		if err == nil {
			return record, nil
		}
		lastErr = err
	}
	return nil, commonerrors.Wrap(commonerrors.CodeLinking, "link "+slug, lastErr)
}

func (c *Coordinator) enqueueRetry(ctx context.Context, slug string, patch offchain.Patch) {
	if c.retries == nil {
		return
	}
	if err := c.retries.Enqueue(context.WithoutCancel(ctx), c.def.RecordKind, slug, patch); err != nil {
		c.log.WithError(err).WithField("slug", slug).Error("failed to enqueue link retry")
		return
	}
	if c.metrics != nil {
		c.metrics.LinkRetries.Inc()
	}
	c.log.WithField("slug", slug).Warn("link write-back handed to retry queue")
}

// compensate deletes the record created in this run. Secondary failures
// are logged, never returned, so they cannot mask the original error.
func (c *Coordinator) compensate(ctx context.Context, rc *RunContext) {
	if rc.Record == nil {
		return
	}
	if c.metrics != nil {
		c.metrics.Compensations.WithLabelValues(c.def.Kind).Inc()
	}
	_, err := c.offchain.DeleteBySlug(context.WithoutCancel(ctx), c.def.RecordKind, rc.Slug)
	if err != nil && !commonerrors.Is(err, commonerrors.CodeNotFound) {
		c.log.WithError(err).WithField("slug", rc.Slug).Error("compensation delete failed")
		return
	}
	c.log.WithField("slug", rc.Slug).Info("compensated off-chain record")
}
