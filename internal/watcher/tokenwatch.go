package watcher

import (
	"context"
	"sync"
	"time"

	"github.com/hypha-dao/hypha-web-sub000/internal/ledger"
	"github.com/hypha-dao/hypha-web-sub000/pkg/logger"
)

// WatchTokenDeployment spawns a short-lived subscription that waits for
// the TokenDeployed event correlated by transaction hash. It cancels
// itself on first match or on timeout, whichever comes first; the
// returned function cancels it early. Either way the underlying
// subscription is unsubscribed exactly once.
func WatchTokenDeployment(
	ctx context.Context,
	gateway ledger.Gateway,
	tokenFactory string,
	txHash string,
	timeout time.Duration,
	log *logger.Logger,
	onDeployed func(ledger.TokenDeployed),
) (cancel func(), err error) {
	if log == nil {
		log = logger.Nop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	matched := make(chan ledger.TokenDeployed, 1)
	unsub, err := gateway.SubscribeEvents(ctx, tokenFactory, ledger.EventTokenDeployed, func(batch []ledger.Log) {
		for _, l := range batch {
			if l.TxHash != txHash {
				continue
			}
			ev, err := ledger.Decode(l)
			if err != nil {
				log.WithError(err).Warn("token watch decode failed")
				continue
			}
			select {
			case matched <- *ev.Payload.(*ledger.TokenDeployed):
			default:
			}
			return
		}
	})
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			unsub()
		})
	}

	go func() {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		defer stop()

		select {
		case deployed := <-matched:
			onDeployed(deployed)
		case <-timer.C:
			log.WithField("txHash", txHash).Warn("token watch timed out")
		case <-ctx.Done():
		case <-done:
		}
	}()

	return stop, nil
}
