// Package app contains the transaction application of a cbank node. It
// decodes and authenticates signed transactions (CheckTx), executes them
// against the ledger (DeliverTx), persists committed records and fans them
// out to subscribers. Delivery is serialized through a single executor
// goroutine so that concurrent HTTP clients never race each other into the
// ledger's re-entrancy lock.
//
// Withdrawals are journaled in the store before their payout and settled by
// the commit that records them. A storage failure halts the executor, and
// Recover replays whatever was left journaled under the original
// transaction hash, which is also the payout idempotency key.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"custody.mini/cbank/internal/ledger"
	"custody.mini/cbank/internal/logger"
	"custody.mini/cbank/internal/store"
	"custody.mini/cbank/internal/types"
)

const (
	CodeTypeOK            uint32 = 0
	CodeTypeEncodingError uint32 = 1
	CodeTypeAuthError     uint32 = 2
	CodeTypeInvalidTx     uint32 = 3
	CodeTypeDuplicateTx   uint32 = 4
	CodeTypeUnavailable   uint32 = 5

	// Ledger rejections, one code per kind.
	CodeZeroAmount             uint32 = 10
	CodeDepositTooSmall        uint32 = 11
	CodeBankCapExceeded        uint32 = 12
	CodeExceedsWithdrawalLimit uint32 = 13
	CodeInsufficientBalance    uint32 = 14
	CodeTransferFailed         uint32 = 15
	CodeReentrancy             uint32 = 16
)

// CodeForKind maps a ledger rejection kind to its response code.
func CodeForKind(k ledger.Kind) uint32 {
	switch k {
	case ledger.KindZeroAmount:
		return CodeZeroAmount
	case ledger.KindDepositTooSmall:
		return CodeDepositTooSmall
	case ledger.KindBankCapExceeded:
		return CodeBankCapExceeded
	case ledger.KindExceedsWithdrawalLimit:
		return CodeExceedsWithdrawalLimit
	case ledger.KindInsufficientBalance:
		return CodeInsufficientBalance
	case ledger.KindTransferFailed:
		return CodeTransferFailed
	case ledger.KindReentrancy:
		return CodeReentrancy
	default:
		return CodeTypeInvalidTx
	}
}

// Response is the outcome of CheckTx, DeliverTx or Query.
type Response struct {
	Code   uint32          `json:"code"`
	Log    string          `json:"log,omitempty"`
	Kind   string          `json:"kind,omitempty"`
	Hash   string          `json:"hash,omitempty"`
	Record *ledger.Record  `json:"record,omitempty"`
	Value  json.RawMessage `json:"value,omitempty"`
}

// IsOK reports whether the response carries CodeTypeOK.
func (r Response) IsOK() bool { return r.Code == CodeTypeOK }

// Store is the persistence the application writes committed records to.
type Store interface {
	Commit(txHash string, rec ledger.Record, stats ledger.Stats) error
	MarkProcessed(txHash string, code uint32) error
	IsProcessed(txHash string) (bool, error)
	BeginWithdrawal(txHash, identity string, amount uint64) error
	PendingWithdrawals() ([]store.PendingWithdrawal, error)
}

var (
	// ErrStopped is returned by Submit when the executor is not running.
	ErrStopped = errors.New("application executor stopped")
	// ErrHalted wraps the storage failure that stopped the application.
	ErrHalted = errors.New("application halted")
)

type request struct {
	ctx  context.Context
	tx   []byte
	resp chan Response
}

// Application executes signed transactions against a ledger.
type Application struct {
	ledger *ledger.Ledger
	store  Store
	log    *logger.Logger

	queue chan request
	done  chan struct{}

	// seen holds hashes delivered during this run; the store covers
	// earlier runs.
	seenMu sync.Mutex
	seen   map[string]struct{}

	subsMu sync.Mutex
	subs   map[chan ledger.Record]struct{}

	// halted is set once a ledger change could not be made durable.
	haltMu sync.Mutex
	halted error
}

// New creates an application over l. store may be nil, in which case only
// the in-memory duplicate index is used.
func New(l *ledger.Ledger, store Store, log *logger.Logger) *Application {
	if log == nil {
		log = logger.NewNop(0)
	}
	return &Application{
		ledger: l,
		store:  store,
		log:    log.With("component", "app"),
		queue:  make(chan request),
		done:   make(chan struct{}),
		seen:   make(map[string]struct{}),
		subs:   make(map[chan ledger.Record]struct{}),
	}
}

// Ledger returns the ledger the application executes against.
func (app *Application) Ledger() *ledger.Ledger { return app.ledger }

// Run executes submitted transactions one at a time until ctx is done. It
// returns an ErrHalted error as soon as a delivery fails to persist.
func (app *Application) Run(ctx context.Context) error {
	defer close(app.done)
	app.log.Info("executor started")
	for {
		select {
		case <-ctx.Done():
			app.log.Info("executor stopped")
			return nil
		case req := <-app.queue:
			req.resp <- app.DeliverTx(req.ctx, req.tx)
			if err := app.Err(); err != nil {
				app.log.Error("executor halted", "error", err)
				return err
			}
		}
	}
}

// Err returns the storage failure that halted the application, or nil.
func (app *Application) Err() error {
	app.haltMu.Lock()
	defer app.haltMu.Unlock()
	return app.halted
}

func (app *Application) halt(err error) {
	app.haltMu.Lock()
	defer app.haltMu.Unlock()
	if app.halted == nil {
		app.halted = fmt.Errorf("%w: %w", ErrHalted, err)
	}
}

// Recover settles the withdrawals a previous run journaled but never
// committed. It must run before Run. Each one is executed again under its
// transaction hash, so a custodian that already paid it answers with the
// original payout instead of paying twice.
func (app *Application) Recover(ctx context.Context) error {
	if app.store == nil {
		return nil
	}
	pending, err := app.store.PendingWithdrawals()
	if err != nil {
		return fmt.Errorf("load pending withdrawals: %w", err)
	}
	for _, p := range pending {
		app.markSeen(p.TxHash)
		log := app.log.With("hash", p.TxHash, "identity", p.Identity, "amount", p.Amount)

		opCtx := ledger.WithOperationID(context.WithoutCancel(ctx), p.TxHash)
		rec, err := app.ledger.Withdraw(opCtx, p.Identity, p.Amount)
		if err != nil {
			kind := ledger.KindOf(err)
			if err := app.store.MarkProcessed(p.TxHash, CodeForKind(kind)); err != nil {
				return fmt.Errorf("settle pending withdrawal %s: %w", p.TxHash, err)
			}
			log.Warn("pending withdrawal rejected", "kind", kind, "error", err)
			continue
		}
		if err := app.store.Commit(p.TxHash, rec, app.ledger.AggregateStats()); err != nil {
			return fmt.Errorf("commit pending withdrawal %s: %w", p.TxHash, err)
		}
		log.Info("pending withdrawal settled", "balance", rec.Balance)
		app.publish(rec)
	}
	return nil
}

// Submit hands tx to the executor and waits for its response.
func (app *Application) Submit(ctx context.Context, tx []byte) (Response, error) {
	req := request{ctx: ctx, tx: tx, resp: make(chan Response, 1)}
	select {
	case app.queue <- req:
	case <-app.done:
		return Response{}, ErrStopped
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
	// once accepted the transaction runs to completion; waiting here keeps
	// the caller from losing the outcome of a committed withdrawal
	return <-req.resp, nil
}

// CheckTx decodes and authenticates tx without touching the ledger.
func (app *Application) CheckTx(tx []byte) Response {
	_, _, resp := app.check(tx)
	return resp
}

func (app *Application) check(raw []byte) (*types.SignedTransaction, *types.Transaction, Response) {
	var signedTx types.SignedTransaction
	if err := json.Unmarshal(raw, &signedTx); err != nil {
		return nil, nil, Response{Code: CodeTypeEncodingError, Log: "failed to decode signed tx"}
	}

	if !signedTx.Verify() {
		return nil, nil, Response{Code: CodeTypeAuthError, Log: "invalid signature"}
	}

	tx, err := signedTx.GetTransaction()
	if err != nil {
		return nil, nil, Response{Code: CodeTypeEncodingError, Log: "failed to decode inner tx"}
	}

	if tx.Type == types.TxWithdraw {
		if _, err := tx.DecodeWithdraw(); err != nil {
			return nil, nil, Response{Code: CodeTypeEncodingError, Log: err.Error()}
		}
	}

	return &signedTx, tx, Response{Code: CodeTypeOK, Hash: signedTx.Hash()}
}

// DeliverTx authenticates tx and executes it against the ledger.
//
// Once execution starts it is not bound to ctx: a payout in flight is
// carried through even when the caller goes away.
func (app *Application) DeliverTx(ctx context.Context, raw []byte) Response {
	if err := app.Err(); err != nil {
		return Response{Code: CodeTypeUnavailable, Log: err.Error()}
	}
	signedTx, tx, resp := app.check(raw)
	if !resp.IsOK() {
		return resp
	}
	hash := resp.Hash

	dup, err := app.isDuplicate(hash)
	if err != nil {
		app.log.Error("processed index lookup failed", "hash", hash, "error", err)
		return Response{Code: CodeTypeInvalidTx, Log: "processed index unavailable", Hash: hash}
	}
	if dup {
		return Response{Code: CodeTypeDuplicateTx, Log: "transaction already processed", Hash: hash}
	}
	signer := signedTx.Signer()
	if err := app.journal(hash, signer, tx); err != nil {
		app.log.Error("failed to journal withdrawal", "hash", hash, "error", err)
		app.halt(err)
		return Response{Code: CodeTypeUnavailable, Log: "ledger storage unavailable", Hash: hash}
	}
	app.markSeen(hash)

	opCtx := ledger.WithOperationID(context.WithoutCancel(ctx), hash)
	rec, err := app.execute(opCtx, signer, tx)
	if err != nil {
		kind := ledger.KindOf(err)
		code := CodeForKind(kind)
		app.log.Warn("transaction rejected", "type", tx.Type, "identity", signer, "kind", kind, "error", err)
		if app.store != nil {
			if err := app.store.MarkProcessed(hash, code); err != nil {
				app.log.Error("failed to mark rejected tx", "hash", hash, "error", err)
				app.halt(err)
			}
		}
		return Response{Code: code, Log: err.Error(), Kind: kind.String(), Hash: hash}
	}

	if app.store != nil {
		// The ledger change and any payout have happened. If they cannot be
		// made durable the node stops; a journaled withdrawal is settled by
		// Recover on the next start.
		if err := app.store.Commit(hash, rec, app.ledger.AggregateStats()); err != nil {
			app.log.Error("failed to persist record", "record", rec.ID, "hash", hash, "error", err)
			app.halt(err)
		}
	}
	app.log.Info("transaction committed", "type", tx.Type, "identity", signer, "amount", rec.Amount, "balance", rec.Balance)
	app.publish(rec)

	return Response{Code: CodeTypeOK, Hash: hash, Record: &rec}
}

func (app *Application) execute(ctx context.Context, signer string, tx *types.Transaction) (ledger.Record, error) {
	switch tx.Type {
	case types.TxDeposit:
		return app.ledger.Deposit(signer, tx.Value)

	case types.TxWithdraw:
		// value attached to a withdrawal is unsolicited
		if tx.Value != 0 {
			return ledger.Record{}, ledger.Reject(ledger.KindZeroAmount, signer, tx.Value)
		}
		payload, err := tx.DecodeWithdraw()
		if err != nil {
			return ledger.Record{}, fmt.Errorf("decode withdraw: %w", err)
		}
		return app.ledger.Withdraw(ctx, signer, payload.Amount)

	default:
		// bare transfers and unknown operations carry no deposit
		return ledger.Record{}, ledger.Reject(ledger.KindZeroAmount, signer, tx.Value)
	}
}

// journal records a withdrawal in the store before its payout runs.
// Withdrawals that will be rejected before reaching the ledger are skipped.
func (app *Application) journal(hash, signer string, tx *types.Transaction) error {
	if app.store == nil || tx.Type != types.TxWithdraw || tx.Value != 0 {
		return nil
	}
	payload, err := tx.DecodeWithdraw()
	if err != nil {
		return nil
	}
	return app.store.BeginWithdrawal(hash, signer, payload.Amount)
}

func (app *Application) isDuplicate(hash string) (bool, error) {
	app.seenMu.Lock()
	_, ok := app.seen[hash]
	app.seenMu.Unlock()
	if ok {
		return true, nil
	}
	if app.store == nil {
		return false, nil
	}
	return app.store.IsProcessed(hash)
}

func (app *Application) markSeen(hash string) {
	app.seenMu.Lock()
	app.seen[hash] = struct{}{}
	app.seenMu.Unlock()
}

// Query answers read-only requests. Supported paths are "stats" and
// "balance/<identity>".
func (app *Application) Query(path string) Response {
	path = strings.Trim(path, "/")
	var value any
	switch {
	case path == "stats":
		value = app.ledger.AggregateStats()
	case strings.HasPrefix(path, "balance/"):
		id := strings.TrimPrefix(path, "balance/")
		if id == "" {
			return Response{Code: CodeTypeInvalidTx, Log: "missing identity"}
		}
		value = Balance{Identity: id, Balance: app.ledger.BalanceOf(id)}
	default:
		return Response{Code: CodeTypeInvalidTx, Log: "unknown query path " + path}
	}

	b, err := json.Marshal(value)
	if err != nil {
		return Response{Code: CodeTypeEncodingError, Log: err.Error()}
	}
	return Response{Code: CodeTypeOK, Value: b}
}

// Balance is the value of a "balance/<identity>" query.
type Balance struct {
	Identity string `json:"identity"`
	Balance  uint64 `json:"balance"`
}
