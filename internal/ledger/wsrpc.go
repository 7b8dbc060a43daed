package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hypha-dao/hypha-web-sub000/pkg/logger"
)

// WSClient implements Gateway over a JSON-RPC websocket connection to a
// ledger node. Responses are matched to requests by id; subscription
// notifications are fanned out to their registered batch callbacks.
type WSClient struct {
	conn         *websocket.Conn
	log          *logger.Logger
	pollInterval time.Duration

	writeMu sync.Mutex // websocket writes are not concurrency-safe

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan rpcResponse
	subs    map[string]func([]Log)
	closed  bool
	done    chan struct{}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type subscriptionNotice struct {
	Subscription string `json:"subscription"`
	Logs         []Log  `json:"logs"`
}

// DialWS connects to the node endpoint and starts the read loop.
func DialWS(ctx context.Context, url string, pollInterval time.Duration, log *logger.Logger) (*WSClient, error) {
	if log == nil {
		log = logger.Nop()
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial ledger node: %w", err)
	}

	c := &WSClient{
		conn:         conn,
		log:          log,
		pollInterval: pollInterval,
		pending:      make(map[int64]chan rpcResponse),
		subs:         make(map[string]func([]Log)),
		done:         make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close tears the connection down; all pending calls fail.
func (c *WSClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *WSClient) readLoop() {
	defer close(c.done)
	for {
		var resp rpcResponse
		if err := c.conn.ReadJSON(&resp); err != nil {
			c.mu.Lock()
			closed := c.closed
			for id, ch := range c.pending {
				close(ch)
				delete(c.pending, id)
			}
			c.mu.Unlock()
			if !closed {
				c.log.WithError(err).Error("ledger websocket read failed")
			}
			return
		}

		if resp.Method == "ledger_subscription" {
			var notice subscriptionNotice
			if err := json.Unmarshal(resp.Params, &notice); err != nil {
				c.log.WithError(err).Warn("malformed subscription notice")
				continue
			}
			c.mu.Lock()
			onBatch := c.subs[notice.Subscription]
			c.mu.Unlock()
			if onBatch != nil && len(notice.Logs) > 0 {
				onBatch(notice.Logs)
			}
			continue
		}

		c.mu.Lock()
		ch := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if ch != nil {
			ch <- resp
			close(ch)
		}
	}
}

func (c *WSClient) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("ledger client closed")
	}
	c.nextID++
	id := c.nextID
	ch := make(chan rpcResponse, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	c.writeMu.Lock()
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("%s: write: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return fmt.Errorf("%s: connection closed", method)
		}
		if resp.Error != nil {
			return fmt.Errorf("%s: %w", method, resp.Error)
		}
		if out != nil {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("%s: decode result: %w", method, err)
			}
		}
		return nil
	}
}

// Submit sends the transaction and returns its handle.
func (c *WSClient) Submit(ctx context.Context, call Call) (TxHandle, error) {
	var hash string
	if err := c.call(ctx, "ledger_submit", []interface{}{call}, &hash); err != nil {
		return TxHandle{}, err
	}
	return TxHandle{Hash: hash}, nil
}

// WaitForReceipt polls the node until the transaction is finalized or
// ctx expires. The node returns null while the transaction is pending.
func (c *WSClient) WaitForReceipt(ctx context.Context, handle TxHandle) (*Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		var receipt *Receipt
		if err := c.call(ctx, "ledger_getReceipt", []interface{}{handle.Hash}, &receipt); err != nil {
			return nil, err
		}
		if receipt != nil {
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ReadContract performs a read-only call.
func (c *WSClient) ReadContract(ctx context.Context, call Call, out interface{}) error {
	return c.call(ctx, "ledger_call", []interface{}{call}, out)
}

// SubscribeEvents registers a log subscription for one event kind.
func (c *WSClient) SubscribeEvents(ctx context.Context, contract, event string, onBatch func([]Log)) (Unsubscribe, error) {
	var subID string
	if err := c.call(ctx, "ledger_subscribe", []interface{}{contract, event}, &subID); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.subs[subID] = onBatch
	c.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, subID)
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.call(ctx, "ledger_unsubscribe", []interface{}{subID}, nil); err != nil {
				c.log.WithError(err).WithField("subscription", subID).Warn("unsubscribe failed")
			}
		})
	}
	return unsubscribe, nil
}
