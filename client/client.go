// Package client implements the JSON-RPC client the indexer reads the chain
// through: batched HTTP calls with per-method endpoint routing, a best-effort
// WebSocket newHeads subscription, hex quantity normalization and error
// classification.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Config holds client configuration.
type Config struct {
	// Endpoint is the default HTTP(S) JSON-RPC endpoint.
	Endpoint string

	// WSEndpoint is the optional WebSocket endpoint for subscriptions.
	WSEndpoint string

	// MethodURLs routes individual RPC methods to dedicated endpoints,
	// e.g. directing trace_replayTransaction at an archive node.
	MethodURLs map[string]string

	// Timeout bounds each RPC round-trip.
	Timeout time.Duration

	// BatchSize is the maximum number of requests per HTTP batch.
	BatchSize int

	// MaxConcurrency bounds concurrent batches within one call.
	MaxConcurrency int

	// RequestsPerSecond throttles outgoing batches. Zero disables the limit.
	RequestsPerSecond float64

	// MaxRetries is the number of in-layer retries for transport and
	// rate-limit failures.
	MaxRetries int

	// RetryDelay is the base delay between retries.
	RetryDelay time.Duration

	Logger *zap.Logger
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Timeout <= 0 {
		out.Timeout = 60 * time.Second
	}
	if out.BatchSize <= 0 {
		out.BatchSize = 250
	}
	if out.MaxConcurrency <= 0 {
		out.MaxConcurrency = 10
	}
	if out.MaxRetries < 0 {
		out.MaxRetries = 0
	}
	if out.RetryDelay <= 0 {
		out.RetryDelay = time.Second
	}
	return out
}

// Client is a JSON-RPC client with per-method endpoint routing.
type Client struct {
	cfg     Config
	logger  *zap.Logger
	limiter *rate.Limiter

	mu      sync.Mutex
	clients map[string]*rpc.Client
}

// NewClient creates a client. Connections are dialed lazily per endpoint.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &Client{
		cfg:     cfg.withDefaults(),
		logger:  logger,
		limiter: limiter,
		clients: make(map[string]*rpc.Client),
	}, nil
}

// Close closes every dialed connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rc := range c.clients {
		rc.Close()
	}
	c.clients = make(map[string]*rpc.Client)
}

// Ping verifies connectivity to the default endpoint.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.LatestBlockNumber(ctx)
	return err
}

// endpointFor returns the endpoint a method is routed to.
func (c *Client) endpointFor(method string) string {
	if url, ok := c.cfg.MethodURLs[method]; ok && url != "" {
		return url
	}
	return c.cfg.Endpoint
}

// rpcFor returns (dialing if needed) the connection for an endpoint.
func (c *Client) rpcFor(ctx context.Context, endpoint string) (*rpc.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rc, ok := c.clients[endpoint]; ok {
		return rc, nil
	}
	rc, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", endpoint, err)
	}
	c.clients[endpoint] = rc
	return rc, nil
}

// call issues a single routed RPC call with timeout and in-layer retry.
func (c *Client) call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	return c.withRetry(ctx, method, func() error {
		rc, err := c.rpcFor(ctx, c.endpointFor(method))
		if err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
		if err := c.wait(callCtx); err != nil {
			return err
		}
		return rc.CallContext(callCtx, result, method, args...)
	})
}

// batchCall issues a routed batch, chunked by BatchSize and bounded by
// MaxConcurrency. Per-element errors are left on the elements for the caller
// to interpret; a failed chunk fails the whole call.
func (c *Client) batchCall(ctx context.Context, method string, elems []rpc.BatchElem) error {
	if len(elems) == 0 {
		return nil
	}

	endpoint := c.endpointFor(method)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.MaxConcurrency)

	for start := 0; start < len(elems); start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > len(elems) {
			end = len(elems)
		}
		chunk := elems[start:end]
		g.Go(func() error {
			return c.withRetry(gctx, method, func() error {
				rc, err := c.rpcFor(gctx, endpoint)
				if err != nil {
					return err
				}
				callCtx, cancel := context.WithTimeout(gctx, c.cfg.Timeout)
				defer cancel()
				if err := c.wait(callCtx); err != nil {
					return err
				}
				return rc.BatchCallContext(callCtx, chunk)
			})
		})
	}
	return g.Wait()
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// withRetry retries transport and rate-limit failures with linear backoff,
// returning the classified error when attempts are exhausted.
func (c *Client) withRetry(ctx context.Context, method string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("retrying RPC call",
				zap.String("method", method),
				zap.Int("attempt", attempt),
				zap.Error(lastErr),
			)
			select {
			case <-ctx.Done():
				return Classify(method, ctx.Err())
			case <-time.After(c.cfg.RetryDelay * time.Duration(attempt)):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		classified := Classify(method, err)
		var ce *Error
		if errors.As(classified, &ce) && !ce.Retryable() {
			return classified
		}
		lastErr = classified
	}
	return lastErr
}
