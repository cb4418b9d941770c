// Package payout - Custodian payout transport
//
// This file provides the transferers a node hands to its ledger. A withdrawal
// is only committed once the custodian has accepted the payout. Every call
// carries an idempotency key: the ledger operation ID when the caller set
// one, so the custodian can recognise a retried or replayed payout. Transport
// failures and 5xx answers leave the outcome unknown and are retried with
// the same key; a definitive refusal is returned at once and rolls the
// withdrawal back.
package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"custody.mini/cbank/internal/ledger"
	"custody.mini/cbank/internal/logger"
)

const (
	defaultTimeout       = 10 * time.Second
	defaultMaxTries      = 4
	defaultRetryInterval = 200 * time.Millisecond
)

// Request is the params object of the JSON-RPC "payout" call.
type Request struct {
	Identity string `json:"identity"`
	// Amount is a decimal string so JSON consumers do not lose precision.
	Amount         string `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
}

type rpcRequest struct {
	JSONRPC string  `json:"jsonrpc"`
	ID      string  `json:"id"`
	Method  string  `json:"method"`
	Params  Request `json:"params"`
}

// HTTPTransferer pays out withdrawals through a JSON-RPC endpoint exposed by
// the custodian.
type HTTPTransferer struct {
	rpcAddr       string
	client        *http.Client
	log           *logger.Logger
	maxTries      uint
	retryInterval time.Duration
}

// Option configures an HTTPTransferer.
type Option func(*HTTPTransferer)

// WithRetry sets how often an ambiguous payout is attempted in total and the
// first wait between attempts.
func WithRetry(maxTries uint, interval time.Duration) Option {
	return func(t *HTTPTransferer) {
		if maxTries > 0 {
			t.maxTries = maxTries
		}
		if interval > 0 {
			t.retryInterval = interval
		}
	}
}

// NewHTTPTransferer creates a transferer for the endpoint at rpcAddr.
//
// Parameters:
//   - rpcAddr: payout RPC address (e.g., "http://localhost:26680/rpc")
//   - timeout: per-attempt deadline; zero selects 10 seconds
func NewHTTPTransferer(rpcAddr string, timeout time.Duration, log *logger.Logger, opts ...Option) *HTTPTransferer {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if log == nil {
		log = logger.NewNop(0)
	}
	t := &HTTPTransferer{
		rpcAddr: rpcAddr,
		client: &http.Client{
			Timeout: timeout,
		},
		log:           log.With("component", "payout"),
		maxTries:      defaultMaxTries,
		retryInterval: defaultRetryInterval,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Transfer asks the custodian to pay amount to identity.
func (t *HTTPTransferer) Transfer(ctx context.Context, identity string, amount uint64) error {
	key := ledger.OperationID(ctx)
	if key == "" {
		key = uuid.NewString()
	}

	reqBytes, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      key,
		Method:  "payout",
		Params: Request{
			Identity:       identity,
			Amount:         strconv.FormatUint(amount, 10),
			IdempotencyKey: key,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal RPC request: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.retryInterval

	txID, err := backoff.Retry(ctx, func() (string, error) {
		return t.call(ctx, key, reqBytes)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(t.maxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			t.log.Warn("payout outcome unknown, retrying", "identity", identity, "key", key, "wait", wait, "error", err)
		}),
	)
	if err != nil {
		return err
	}

	t.log.Info("payout accepted", "identity", identity, "amount", amount, "key", key, "custodian_tx", txID)
	return nil
}

// call performs one attempt. Errors after which the custodian may still have
// paid are returned as they are so the caller retries; refusals are wrapped
// with backoff.Permanent.
func (t *HTTPTransferer) call(ctx context.Context, key string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.rpcAddr, bytes.NewReader(body))
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("failed to build RPC request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send RPC request: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read RPC response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("payout endpoint returned %s", resp.Status)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", backoff.Permanent(fmt.Errorf("payout endpoint returned %s", resp.Status))
	}

	var rpcResp struct {
		JSONRPC string `json:"jsonrpc"`
		ID      string `json:"id"`
		Result  *struct {
			Accepted bool   `json:"accepted"`
			TxID     string `json:"tx_id"`
		} `json:"result"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Data    string `json:"data"`
		} `json:"error"`
	}

	if err := json.Unmarshal(respBytes, &rpcResp); err != nil {
		return "", backoff.Permanent(fmt.Errorf("failed to parse RPC response: %w (body: %s)", err, string(respBytes)))
	}

	// Check for RPC-level error
	if rpcResp.Error != nil {
		return "", backoff.Permanent(fmt.Errorf("RPC error %d: %s (%s)", rpcResp.Error.Code, rpcResp.Error.Message, rpcResp.Error.Data))
	}

	if rpcResp.Result == nil || !rpcResp.Result.Accepted {
		return "", backoff.Permanent(errors.New("payout " + key + " not accepted"))
	}
	return rpcResp.Result.TxID, nil
}

// LogTransferer accepts every payout and only logs it. Nodes without a
// payout endpoint use it so that withdrawals settle on the ledger alone.
type LogTransferer struct {
	log *logger.Logger
}

// NewLogTransferer creates a LogTransferer.
func NewLogTransferer(log *logger.Logger) *LogTransferer {
	if log == nil {
		log = logger.NewNop(0)
	}
	return &LogTransferer{log: log.With("component", "payout")}
}

// Transfer logs the payout and succeeds unless ctx is already done.
func (t *LogTransferer) Transfer(ctx context.Context, identity string, amount uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.log.Info("payout recorded without custodian", "identity", identity, "amount", amount)
	return nil
}
