package ledger

import (
	"context"
	"errors"
	"time"

	commonerrors "github.com/hypha-dao/hypha-web-sub000/pkg/errors"
	"github.com/hypha-dao/hypha-web-sub000/pkg/logger"
)

// Waiter blocks on transaction finalization and decodes the expected
// domain event from the receipt logs.
type Waiter struct {
	gateway Gateway
	timeout time.Duration
	log     *logger.Logger
}

// NewWaiter creates a waiter with a confirmation deadline per Await.
func NewWaiter(gateway Gateway, timeout time.Duration, log *logger.Logger) *Waiter {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Waiter{gateway: gateway, timeout: timeout, log: log}
}

// Await blocks until the handle's transaction is finalized and returns
// the first log matching eventName, decoded. A confirmed transaction
// without the expected event is a logic mismatch between the submitted
// call and its definition and is surfaced as EVENT_NOT_FOUND.
func (w *Waiter) Await(ctx context.Context, handle TxHandle, eventName string) (Event, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	receipt, err := w.gateway.WaitForReceipt(ctx, handle)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Event{}, commonerrors.Wrap(commonerrors.CodeConfirmationTimeout,
				"transaction "+handle.Hash+" not finalized in time", err)
		}
		return Event{}, commonerrors.Wrap(commonerrors.CodeOnChainSubmission,
			"wait for receipt "+handle.Hash, err)
	}

	if receipt.Status != 1 {
		return Event{}, commonerrors.Newf(commonerrors.CodeTransactionReverted,
			"transaction %s reverted at block %d", handle.Hash, receipt.BlockHeight)
	}

	for _, l := range receipt.Logs {
		if l.Event != eventName {
			continue
		}
		ev, err := Decode(l)
		if err != nil {
			return Event{}, err
		}
		w.log.Infof("transaction confirmed", map[string]interface{}{
			"txHash": handle.Hash,
			"event":  eventName,
			"block":  receipt.BlockHeight,
		})
		return ev, nil
	}

	return Event{}, commonerrors.Newf(commonerrors.CodeEventNotFound,
		"transaction %s confirmed without %s event", handle.Hash, eventName)
}
