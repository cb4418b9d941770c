// Command custodian is a stand-in payout custodian for local nodes. It
// accepts JSON-RPC "payout" calls the way a real custodian would, answers
// repeated idempotency keys with the original result and keeps a running
// total of what it has paid.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"custody.mini/cbank/internal/payout"
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id,omitempty"`
	Result  interface{} `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
}

type payoutResult struct {
	Accepted bool   `json:"accepted"`
	TxID     string `json:"tx_id"`
}

// custodian records accepted payouts by idempotency key.
type custodian struct {
	mu        sync.Mutex
	paid      map[string]payoutResult
	total     uint64
	maxPayout uint64
}

func newCustodian(maxPayout uint64) *custodian {
	return &custodian{paid: make(map[string]payoutResult), maxPayout: maxPayout}
}

// newMux returns the HTTP handler mux so tests can reuse it.
func newMux(c *custodian) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", c.rpcHandler)
	mux.HandleFunc("/ping", pingHandler)
	mux.HandleFunc("/ready", readyHandler)
	return mux
}

func (c *custodian) rpcHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: -32700, Message: "invalid JSON"}})
		return
	}

	switch req.Method {
	case "payout":
		res, rerr := c.payout(req.Params)
		if rerr != nil {
			json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: rerr})
			return
		}
		json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: res})
	case "ping":
		json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: "pong"})
	default:
		w.WriteHeader(http.StatusNotImplemented)
		json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: -32601, Message: "method not supported"}})
	}
}

func (c *custodian) payout(params json.RawMessage) (payoutResult, *rpcError) {
	var p payout.Request
	if err := json.Unmarshal(params, &p); err != nil {
		return payoutResult{}, &rpcError{Code: -32602, Message: "invalid params", Data: err.Error()}
	}
	amount, err := strconv.ParseUint(p.Amount, 10, 64)
	if err != nil || amount == 0 {
		return payoutResult{}, &rpcError{Code: -32602, Message: "invalid amount", Data: p.Amount}
	}
	if p.Identity == "" || p.IdempotencyKey == "" {
		return payoutResult{}, &rpcError{Code: -32602, Message: "identity and idempotency_key are required"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if res, ok := c.paid[p.IdempotencyKey]; ok {
		return res, nil
	}
	if c.maxPayout > 0 && amount > c.maxPayout {
		return payoutResult{}, &rpcError{Code: 1, Message: "payout refused", Data: "amount above custodian limit"}
	}

	res := payoutResult{Accepted: true, TxID: uuid.NewString()}
	c.paid[p.IdempotencyKey] = res
	c.total += amount
	log.Printf("paid %d to %s (tx %s, total %d)", amount, p.Identity, res.TxID, c.total)
	return res, nil
}

func pingHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("pong"))
}

func readyHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ready"))
}

func main() {
	port := 26680
	if p := os.Getenv("CUSTODIAN_PORT"); p != "" {
		if v, err := strconv.Atoi(p); err == nil {
			port = v
		}
	}
	var maxPayout uint64
	if m := os.Getenv("CUSTODIAN_MAX_PAYOUT"); m != "" {
		v, err := strconv.ParseUint(m, 10, 64)
		if err != nil {
			log.Fatalf("invalid CUSTODIAN_MAX_PAYOUT %q: %v", m, err)
		}
		maxPayout = v
	}

	addr := ":" + strconv.Itoa(port)

	srv := &http.Server{
		Addr:         addr,
		Handler:      newMux(newCustodian(maxPayout)),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("custodian listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down custodian...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	log.Println("Server stopped")
}
