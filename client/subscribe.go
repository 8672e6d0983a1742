package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// HeadNotification is one pushed newHeads header. It only nudges the
// realtime loop; correctness never depends on the subscription.
type HeadNotification struct {
	Number     uint64
	Hash       common.Hash
	ParentHash common.Hash
}

type wsRequest struct {
	ID      int           `json:"id"`
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type wsMessage struct {
	ID     *int            `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Params *struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type wsHead struct {
	Number     *hexutil.Big `json:"number"`
	Hash       common.Hash  `json:"hash"`
	ParentHash common.Hash  `json:"parentHash"`
}

// SubscribeNewHeads subscribes to newHeads over the configured WebSocket
// endpoint and delivers notifications to ch until ctx is cancelled or the
// connection drops. Sends are non-blocking; a slow consumer loses pushes.
func (c *Client) SubscribeNewHeads(ctx context.Context, ch chan<- HeadNotification) error {
	if c.cfg.WSEndpoint == "" {
		return fmt.Errorf("no websocket endpoint configured")
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.cfg.WSEndpoint, nil)
	if err != nil {
		return Classify("eth_subscribe", fmt.Errorf("failed to dial %s: %w", c.cfg.WSEndpoint, err))
	}
	defer conn.Close()

	req := wsRequest{ID: 1, JSONRPC: "2.0", Method: "eth_subscribe", Params: []interface{}{"newHeads"}}
	if err := conn.WriteJSON(req); err != nil {
		return Classify("eth_subscribe", err)
	}

	// Unblock ReadJSON on cancellation.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return Classify("eth_subscribe", err)
		}
		if msg.Error != nil {
			return &Error{
				Kind:   KindNodeRejected,
				Method: "eth_subscribe",
				Err:    fmt.Errorf("subscription rejected: %d %s", msg.Error.Code, msg.Error.Message),
			}
		}
		if msg.Params == nil {
			// Subscription confirmation.
			continue
		}

		var head wsHead
		if err := json.Unmarshal(msg.Params.Result, &head); err != nil {
			c.logger.Warn("failed to decode pushed header", zap.Error(err))
			continue
		}
		if head.Number == nil {
			continue
		}

		notification := HeadNotification{
			Number:     head.Number.ToInt().Uint64(),
			Hash:       head.Hash,
			ParentHash: head.ParentHash,
		}
		select {
		case ch <- notification:
		default:
			// Consumer is busy; the realtime timer will catch up.
		}
	}
}
