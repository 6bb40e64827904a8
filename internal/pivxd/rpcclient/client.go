// Package rpcclient talks JSON-RPC over HTTP to the PIVX daemon.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"go.uber.org/zap"

	"github.com/goodnatureofminers/pivxinsight-backend/internal/clock"
)

// Standard daemon error codes the indexer cares about.
const (
	CodeNotFound     = -5
	CodeBadParameter = -8
	CodeWarmingUp    = -28
)

// RPCError is the {code, message} error object returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// IsNotFound reports whether err is the node's "not found" error.
func IsNotFound(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == CodeNotFound
}

// IsBadParameter reports whether err is the node's "bad parameter" error.
func IsBadParameter(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == CodeBadParameter
}

// ErrUnauthorized is returned on HTTP 401/403; never retried.
var ErrUnauthorized = errors.New("rpc authentication failed")

// Config carries connection parameters.
type Config struct {
	URL      string
	User     string
	Password string
	// Timeout bounds one HTTP round trip.
	Timeout time.Duration
	// MaxRetries bounds retransmissions of retryable failures.
	MaxRetries int
}

// RetryMetrics counts retried calls; may be nil.
type RetryMetrics interface {
	ObserveRetry(operation string)
}

// Client issues JSON-RPC calls with per-call timeouts and exponential
// backoff on retryable failures.
type Client struct {
	cfg     Config
	http    *http.Client
	metrics RetryMetrics
	logger  *zap.Logger
}

// New builds a Client.
func New(cfg Config, metrics RetryMetrics, logger *zap.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("rpc url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 6
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		metrics: metrics,
		logger:  logger.Named("rpc"),
	}, nil
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type response struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// call performs one JSON-RPC method with retries and decodes the result.
func (c *Client) call(ctx context.Context, method string, params []any, result any) error {
	backoff := 250 * time.Millisecond
	var lastErr error

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if c.metrics != nil {
				c.metrics.ObserveRetry(method)
			}
			if err := clock.SleepWithContext(ctx, backoff); err != nil {
				return err
			}
			backoff *= 2
		}

		err := c.callOnce(ctx, method, params, result)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		lastErr = err
		c.logger.Warn("retryable rpc failure",
			zap.String("method", method),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return fmt.Errorf("%s after %d retries: %w", method, c.cfg.MaxRetries, lastErr)
}

func (c *Client) callOnce(ctx context.Context, method string, params []any, result any) error {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(request{JSONRPC: "1.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.cfg.User, c.cfg.Password)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &transportError{err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode >= 500:
		return &transportError{err: fmt.Errorf("http status %d", resp.StatusCode)}
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return &transportError{err: err}
	}

	var decoded response
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("decode rpc response: %w", err)
	}
	if decoded.Error != nil {
		return decoded.Error
	}
	if result == nil {
		return nil
	}
	return json.Unmarshal(decoded.Result, result)
}

type transportError struct {
	err error
}

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// retryable reports whether a failure is worth retransmitting: transport
// faults and a warming-up node, never auth failures or node-side errors.
func retryable(err error) bool {
	var terr *transportError
	if errors.As(err, &terr) {
		return true
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code == CodeWarmingUp
	}
	return false
}

// GetBlockCount returns the node's best block height.
func (c *Client) GetBlockCount(ctx context.Context) (int64, error) {
	var count int64
	if err := c.call(ctx, "getblockcount", nil, &count); err != nil {
		return 0, err
	}
	return count, nil
}

// GetBlockHash returns the canonical hash at a height.
func (c *Client) GetBlockHash(ctx context.Context, height int64) (chainhash.Hash, error) {
	var s string
	if err := c.call(ctx, "getblockhash", []any{height}, &s); err != nil {
		return chainhash.Hash{}, err
	}
	hash, err := chainhash.NewHashFromStr(s)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("getblockhash result: %w", err)
	}
	return *hash, nil
}

// GetBlockRaw fetches a block's serialized bytes (verbosity 0).
func (c *Client) GetBlockRaw(ctx context.Context, hash chainhash.Hash) ([]byte, error) {
	var s string
	if err := c.call(ctx, "getblock", []any{hash.String(), 0}, &s); err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("getblock result: %w", err)
	}
	return raw, nil
}

// GetRawTransaction fetches a transaction's serialized bytes.
func (c *Client) GetRawTransaction(ctx context.Context, txid chainhash.Hash) ([]byte, error) {
	var s string
	if err := c.call(ctx, "getrawtransaction", []any{txid.String()}, &s); err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("getrawtransaction result: %w", err)
	}
	return raw, nil
}

// GetRawMempool lists the txids currently in the node's mempool.
func (c *Client) GetRawMempool(ctx context.Context) ([]chainhash.Hash, error) {
	var ids []string
	if err := c.call(ctx, "getrawmempool", nil, &ids); err != nil {
		return nil, err
	}
	out := make([]chainhash.Hash, 0, len(ids))
	for _, id := range ids {
		hash, err := chainhash.NewHashFromStr(id)
		if err != nil {
			return nil, fmt.Errorf("getrawmempool entry %q: %w", id, err)
		}
		out = append(out, *hash)
	}
	return out, nil
}
