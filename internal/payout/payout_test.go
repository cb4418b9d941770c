package payout

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custody.mini/cbank/internal/ledger"
	"custody.mini/cbank/internal/logger"
)

type rpcCall struct {
	JSONRPC string  `json:"jsonrpc"`
	ID      string  `json:"id"`
	Method  string  `json:"method"`
	Params  Request `json:"params"`
}

func TestHTTPTransfererSuccess(t *testing.T) {
	var got rpcCall
	var header string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("Idempotency-Key")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"jsonrpc":"2.0","id":"x","result":{"accepted":true,"tx_id":"c-1"}}`))
	}))
	defer srv.Close()

	log := logger.NewNop(10)
	tr := NewHTTPTransferer(srv.URL, time.Second, log)
	require.NoError(t, tr.Transfer(context.Background(), "abc", 18_000_000_000_000_000_000))

	assert.Equal(t, "payout", got.Method)
	assert.Equal(t, "abc", got.Params.Identity)
	assert.Equal(t, "18000000000000000000", got.Params.Amount)
	assert.NotEmpty(t, got.Params.IdempotencyKey)
	assert.Equal(t, got.Params.IdempotencyKey, header)
	assert.Equal(t, got.Params.IdempotencyKey, got.ID)

	recent := log.GetRecent(1)
	require.Len(t, recent, 1)
	assert.Contains(t, recent[0].Text, "payout accepted")
}

func TestHTTPTransfererFailures(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"http status", http.StatusServiceUnavailable, `{}`, "503"},
		{"rpc error", http.StatusOK, `{"jsonrpc":"2.0","error":{"code":-32000,"message":"insufficient float"}}`, "insufficient float"},
		{"not accepted", http.StatusOK, `{"jsonrpc":"2.0","result":{"accepted":false}}`, "not accepted"},
		{"no result", http.StatusOK, `{"jsonrpc":"2.0"}`, "not accepted"},
		{"garbage", http.StatusOK, `<html>`, "parse RPC response"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			err := NewHTTPTransferer(srv.URL, time.Second, nil, WithRetry(2, time.Millisecond)).Transfer(context.Background(), "abc", 1)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestHTTPTransfererTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	err := NewHTTPTransferer(srv.URL, 50*time.Millisecond, nil, WithRetry(2, time.Millisecond)).Transfer(context.Background(), "abc", 1)
	require.Error(t, err)
}

func TestHTTPTransfererRetriesWithOperationID(t *testing.T) {
	var (
		mu   sync.Mutex
		keys []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var call rpcCall
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&call))
		mu.Lock()
		keys = append(keys, call.Params.IdempotencyKey)
		n := len(keys)
		mu.Unlock()
		if n < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"jsonrpc":"2.0","result":{"accepted":true,"tx_id":"c-9"}}`))
	}))
	defer srv.Close()

	tr := NewHTTPTransferer(srv.URL, time.Second, nil, WithRetry(5, time.Millisecond))
	ctx := ledger.WithOperationID(context.Background(), "tx-hash-1")
	require.NoError(t, tr.Transfer(ctx, "abc", 1))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"tx-hash-1", "tx-hash-1", "tx-hash-1"}, keys)
}

func TestHTTPTransfererDoesNotRetryRefusal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"jsonrpc":"2.0","error":{"code":1,"message":"payout refused"}}`))
	}))
	defer srv.Close()

	err := NewHTTPTransferer(srv.URL, time.Second, nil, WithRetry(5, time.Millisecond)).Transfer(context.Background(), "abc", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "payout refused")
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPTransfererRollsBackWithdrawal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	l := ledger.New(10*ledger.MinimumDeposit, ledger.MinimumDeposit,
		ledger.WithTransferer(NewHTTPTransferer(srv.URL, time.Second, nil, WithRetry(2, time.Millisecond))))
	_, err := l.Deposit("abc", ledger.MinimumDeposit)
	require.NoError(t, err)

	_, err = l.Withdraw(context.Background(), "abc", ledger.MinimumDeposit)
	require.ErrorIs(t, err, ledger.ErrTransferFailed)
	assert.Equal(t, ledger.MinimumDeposit, l.BalanceOf("abc"))
	assert.Equal(t, uint64(0), l.AggregateStats().WithdrawalCount)
}

func TestLogTransferer(t *testing.T) {
	log := logger.NewNop(10)
	tr := NewLogTransferer(log)
	require.NoError(t, tr.Transfer(context.Background(), "abc", 7))
	assert.Len(t, log.GetRecent(5), 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, errors.Is(tr.Transfer(ctx, "abc", 7), context.Canceled))
}
