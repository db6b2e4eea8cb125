package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-errors/errors"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/loopfi/loop-harvester/lib/hexutils"
)

// ChainReader is a single logical "read chain state at block B" operation.
// Implementations retry transient failures across endpoints; a failed read is
// always surfaced, never substituted with a default value.
type ChainReader interface {
	LatestBlockNumber(ctx context.Context) (int64, error)
	BlockTimestamp(ctx context.Context, blockNumber int64) (time.Time, error)
	CallContract(ctx context.Context, to common.Address, data []byte, atBlock int64) ([]byte, error)
}

const (
	// DefaultMaxAttempts bounds how many distinct endpoints one read may try.
	DefaultMaxAttempts    = 3
	DefaultRequestTimeout = 30 * time.Second

	// transport-level retries per endpoint attempt; cross-endpoint failover
	// is handled above retryablehttp
	httpRetryMax = 1
)

type Config struct {
	MaxAttempts    int
	RequestTimeout time.Duration
}

type rpcClient struct {
	client  *retryablehttp.Client
	pool    *Pool
	cfg     Config
	log     *slog.Logger
	bufPool *sync.Pool
}

var _ ChainReader = &rpcClient{}

func NewClient(log *slog.Logger, pool *Pool, cfg Config) *rpcClient { // revive:disable-line:unexported-return
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	client := retryablehttp.NewClient()
	client.RetryMax = httpRetryMax
	client.Logger = log
	client.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		yes, err2 := retryablehttp.DefaultRetryPolicy(ctx, resp, err)
		if yes {
			if resp == nil {
				log.Warn("Retrying request to RPC endpoint", "error", err2)
			} else {
				log.Warn("Retrying request to RPC endpoint", "statusCode", resp.Status, "error", err2)
			}
		}
		return yes, err2
	}
	client.Backoff = retryablehttp.LinearJitterBackoff
	client.HTTPClient.Timeout = cfg.RequestTimeout

	return &rpcClient{
		client: client,
		pool:   pool,
		cfg:    cfg,
		log:    log.With("module", "chain_reader"),
		bufPool: &sync.Pool{
			New: func() interface{} {
				return new(bytes.Buffer)
			},
		},
	}
}

func (c *rpcClient) LatestBlockNumber(ctx context.Context) (int64, error) {
	result, err := c.execute(ctx, "eth_blockNumber", []any{})
	if err != nil {
		return 0, err
	}
	var hexNumber string
	if err := json.Unmarshal(result, &hexNumber); err != nil {
		return 0, errors.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	return hexutils.IntFromHex(hexNumber)
}

func (c *rpcClient) BlockTimestamp(ctx context.Context, blockNumber int64) (time.Time, error) {
	result, err := c.execute(ctx, "eth_getBlockByNumber", []any{hexutils.HexFromInt(blockNumber), false})
	if err != nil {
		return time.Time{}, err
	}
	if string(result) == "null" {
		return time.Time{}, errors.Errorf("%w: block %d not found", ErrMalformedResponse, blockNumber)
	}
	block := struct {
		Timestamp string `json:"timestamp"`
	}{}
	if err := json.Unmarshal(result, &block); err != nil {
		return time.Time{}, errors.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	unix, err := hexutils.IntFromHex(block.Timestamp)
	if err != nil {
		return time.Time{}, errors.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	return time.Unix(unix, 0).UTC(), nil
}

func (c *rpcClient) CallContract(
	ctx context.Context, to common.Address, data []byte, atBlock int64,
) ([]byte, error) {
	msg := map[string]string{
		"to":   to.Hex(),
		"data": hexutil.Encode(data),
	}
	result, err := c.execute(ctx, "eth_call", []any{msg, hexutils.HexFromInt(atBlock)})
	if err != nil {
		return nil, err
	}
	var hexData string
	if err := json.Unmarshal(result, &hexData); err != nil {
		return nil, errors.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	out, err := hexutil.Decode(hexData)
	if err != nil {
		return nil, errors.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	return out, nil
}

// execute performs one logical read: acquire an endpoint, send the request,
// report the outcome, and on transient failure retry against a different
// endpoint up to the attempt budget. Reverts and malformed payloads surface
// immediately without consuming the budget.
func (c *rpcClient) execute(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		endpoint, err := c.pool.Acquire()
		if err != nil {
			return nil, err
		}

		result, err := c.send(ctx, endpoint, method, params)
		if err == nil {
			c.pool.ReportSuccess(endpoint)
			return result, nil
		}
		if errors.Is(err, ErrCallReverted) {
			// the endpoint behaved correctly, the contract call failed
			c.pool.ReportSuccess(endpoint)
			return nil, err
		}
		c.pool.ReportFailure(endpoint)
		if errors.Is(err, ErrMalformedResponse) {
			return nil, err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}

		lastErr = err
		c.log.Warn("Read failed, rotating endpoint",
			"method", method,
			"endpoint", endpoint.URL(),
			"attempt", attempt+1,
			"error", err,
		)
	}
	return nil, errors.Errorf("%w: %s after %d attempts: %w", ErrReadFailed, method, c.cfg.MaxAttempts, lastErr)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// send performs a single JSON-RPC exchange against one endpoint.
func (c *rpcClient) send(
	ctx context.Context, endpoint *Endpoint, method string, params []any,
) (json.RawMessage, error) {
	t0 := time.Now()
	buf := c.bufPool.Get().(*bytes.Buffer)
	defer c.bufPool.Put(buf)
	buf.Reset()

	reqData := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	}
	if err := json.NewEncoder(buf).Encode(reqData); err != nil {
		return nil, err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL(), buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		observeRPCRequestErr(err, method, t0)
		return nil, errors.Errorf("failed to send request for method %s: %w", method, err)
	}
	defer resp.Body.Close()
	observeRPCRequestCode(resp.StatusCode, method, t0)
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("response for method %s has status code %d", method, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, errors.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	if rpcResp.Error != nil {
		if rpcResp.Error.Reverted() {
			return nil, errors.Errorf("%w: %w", ErrCallReverted, rpcResp.Error)
		}
		// node-side errors (rate limiting et al) are transient
		return nil, rpcResp.Error
	}
	if len(rpcResp.Result) == 0 {
		return nil, errors.Errorf("%w: missing result for method %s", ErrMalformedResponse, method)
	}
	return rpcResp.Result, nil
}
