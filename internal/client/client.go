// Package client talks to a cbank node over its HTTP API. It signs
// transactions with a local identity, submits them and reads balances and
// aggregate stats.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"custody.mini/cbank/internal/app"
	"custody.mini/cbank/internal/identity"
	"custody.mini/cbank/internal/ledger"
	"custody.mini/cbank/internal/types"
)

// RejectionError is returned when the node answers a transaction with a
// non-OK code.
type RejectionError struct {
	Status   int
	Response app.Response
}

func (e *RejectionError) Error() string {
	if e.Response.Kind != "" {
		return fmt.Sprintf("rejected (%s, code %d): %s", e.Response.Kind, e.Response.Code, e.Response.Log)
	}
	return fmt.Sprintf("rejected (code %d, http %d): %s", e.Response.Code, e.Status, e.Response.Log)
}

// Kind returns the ledger kind named by the response, or KindUnknown.
func (e *RejectionError) Kind() ledger.Kind {
	for _, k := range ledger.Kinds() {
		if k.String() == e.Response.Kind {
			return k
		}
	}
	return ledger.KindUnknown
}

// Is lets errors.Is match the ledger sentinel of the rejection kind.
func (e *RejectionError) Is(target error) bool {
	kind := e.Kind()
	return kind != ledger.KindUnknown && errors.Is(ledger.Reject(kind, "", 0), target)
}

// Client wraps a node base URL and the identity used to sign.
type Client struct {
	baseURL string
	id      *identity.Identity
	http    *http.Client
}

// New creates a client for the node at baseURL (e.g., "http://localhost:8080").
// id may be nil for read-only use.
func New(baseURL string, id *identity.Identity) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		id:      id,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Deposit sends amount to the node on behalf of the client identity.
func (c *Client) Deposit(ctx context.Context, amount uint64) (app.Response, error) {
	return c.Submit(ctx, types.NewDeposit(amount))
}

// Withdraw asks the node to pay amount back to the client identity.
func (c *Client) Withdraw(ctx context.Context, amount uint64) (app.Response, error) {
	tx, err := types.NewWithdraw(amount)
	if err != nil {
		return app.Response{}, err
	}
	return c.Submit(ctx, tx)
}

// Submit signs tx and posts it to /api/tx.
func (c *Client) Submit(ctx context.Context, tx *types.Transaction) (app.Response, error) {
	if c.id == nil {
		return app.Response{}, fmt.Errorf("submit: client has no identity")
	}
	signed, err := tx.Sign(c.id)
	if err != nil {
		return app.Response{}, err
	}
	body, err := json.Marshal(signed)
	if err != nil {
		return app.Response{}, fmt.Errorf("failed to marshal transaction: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/tx", bytes.NewReader(body))
	if err != nil {
		return app.Response{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return app.Response{}, fmt.Errorf("failed to send transaction: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return app.Response{}, fmt.Errorf("failed to read response: %w", err)
	}

	var out app.Response
	if err := json.Unmarshal(respBytes, &out); err != nil {
		return app.Response{}, fmt.Errorf("failed to parse response: %w (status %s, body: %s)", err, resp.Status, string(respBytes))
	}
	// service errors carry {"error": ...} and no code
	if resp.StatusCode != http.StatusOK && out.Code == app.CodeTypeOK {
		var e struct {
			Error string `json:"error"`
		}
		json.Unmarshal(respBytes, &e)
		return out, fmt.Errorf("node returned %s: %s", resp.Status, e.Error)
	}
	if !out.IsOK() {
		return out, &RejectionError{Status: resp.StatusCode, Response: out}
	}
	return out, nil
}

// Balance returns the balance the node holds for address.
func (c *Client) Balance(ctx context.Context, address string) (uint64, error) {
	var out app.Balance
	if err := c.get(ctx, "/api/balance?identity="+url.QueryEscape(address), &out); err != nil {
		return 0, err
	}
	return out.Balance, nil
}

// Stats returns the node's aggregate ledger stats.
func (c *Client) Stats(ctx context.Context) (ledger.Stats, error) {
	var out ledger.Stats
	err := c.get(ctx, "/api/stats", &out)
	return out, err
}

// Records returns recent records, optionally for a single address.
func (c *Client) Records(ctx context.Context, address string, limit int) ([]ledger.Record, error) {
	q := url.Values{}
	if address != "" {
		q.Set("identity", address)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var out []ledger.Record
	err := c.get(ctx, "/api/records?"+q.Encode(), &out)
	return out, err
}

func (c *Client) get(ctx context.Context, path string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to query node: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("node returned %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
