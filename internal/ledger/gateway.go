// Package ledger defines the boundary to the on-chain side: transaction
// submission, confirmation receipts, contract reads and event
// subscriptions.
package ledger

import (
	"context"
	"encoding/json"
)

// Call identifies a contract function invocation.
type Call struct {
	Contract string        `json:"contract"`
	Function string        `json:"function"`
	Args     []interface{} `json:"args"`
}

// TxHandle is the opaque reference returned on submission, before
// confirmation. It is consumed exactly once by the confirmation waiter.
type TxHandle struct {
	Hash string `json:"hash"`
}

// Log is one emitted log entry, already keyed by event name by the
// node; Args carry the raw payload to be decoded against a schema.
type Log struct {
	Address     string          `json:"address"`
	Event       string          `json:"event"`
	TxHash      string          `json:"txHash"`
	BlockHeight uint64          `json:"blockHeight"`
	Args        json.RawMessage `json:"args"`
}

// Receipt is the finalized view of a submitted transaction.
type Receipt struct {
	TxHash      string `json:"txHash"`
	Status      int    `json:"status"` // 1 = success, 0 = reverted
	BlockHeight uint64 `json:"blockHeight"`
	Logs        []Log  `json:"logs"`
}

// Unsubscribe tears down an event subscription. It must be called to
// avoid leaking the subscription; calling it twice is safe.
type Unsubscribe func()

// Gateway is the ledger boundary contract.
type Gateway interface {
	// Submit sends a state-changing transaction and returns
	// immediately with an opaque handle.
	Submit(ctx context.Context, call Call) (TxHandle, error)

	// WaitForReceipt blocks until the transaction is finalized.
	WaitForReceipt(ctx context.Context, handle TxHandle) (*Receipt, error)

	// ReadContract performs a read-only call and decodes the result
	// into out.
	ReadContract(ctx context.Context, call Call, out interface{}) error

	// SubscribeEvents delivers batches of logs for one event kind on
	// one contract until unsubscribed.
	SubscribeEvents(ctx context.Context, contract, event string, onBatch func([]Log)) (Unsubscribe, error)
}
