// Package ledger holds the custodial balance ledger of the cbank node. A
// Ledger tracks one balance per identity plus the aggregate counters, applies
// the deposit and withdrawal rules, and guards the withdrawal path with a
// re-entrancy lock so that the external transfer it performs can never
// observe or produce an inconsistent state.
//
// At every point where no withdrawal is in flight the ledger satisfies:
//
//	TotalCustodied == sum of all balances
//	TotalCustodied <= Capacity
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MinimumDeposit is the smallest accepted deposit (10^15 base units).
const MinimumDeposit uint64 = 1_000_000_000_000_000

// Ledger is the custodial state machine. It is safe for concurrent use; the
// internal mutex is never held while the transferer runs.
type Ledger struct {
	mu sync.Mutex

	capacity        uint64
	withdrawalLimit uint64
	total           uint64
	deposits        uint64
	withdrawals     uint64
	balances        map[string]uint64

	// locked is the re-entrancy flag; inflight is the amount the current
	// withdrawal would restore on rollback and is kept out of deposit
	// headroom until the withdrawal settles.
	locked   bool
	inflight uint64

	transfer Transferer
	sinks    []Sink
	now      func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithTransferer sets the effect used to pay out withdrawals. Without it
// every withdrawal fails with KindTransferFailed.
func WithTransferer(t Transferer) Option {
	return func(l *Ledger) {
		if t != nil {
			l.transfer = t
		}
	}
}

// WithSink registers an observer for committed records.
func WithSink(s Sink) Option {
	return func(l *Ledger) {
		if s != nil {
			l.sinks = append(l.sinks, s)
		}
	}
}

// WithClock overrides the record timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// New creates an empty ledger. capacity and withdrawalLimit are fixed for
// the life of the ledger.
func New(capacity, withdrawalLimit uint64, opts ...Option) *Ledger {
	l := &Ledger{
		capacity:        capacity,
		withdrawalLimit: withdrawalLimit,
		balances:        make(map[string]uint64),
		transfer:        refuseTransfers{},
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Capacity returns the global ceiling on custodied value.
func (l *Ledger) Capacity() uint64 { return l.capacity }

// WithdrawalLimit returns the per-call withdrawal ceiling.
func (l *Ledger) WithdrawalLimit() uint64 { return l.withdrawalLimit }

// Deposit credits amount to identity. All checks run before any state is
// touched and no external call is made, so a deposit cannot be re-entered.
func (l *Ledger) Deposit(identity string, amount uint64) (Record, error) {
	l.mu.Lock()
	if err := l.checkDeposit(identity, amount); err != nil {
		l.mu.Unlock()
		return Record{}, err
	}

	balance := l.balances[identity] + amount
	l.balances[identity] = balance
	l.deposits++
	l.total += amount
	l.mu.Unlock()

	rec := l.newRecord(RecordDeposit, identity, amount, balance)
	l.emit(rec)
	return rec, nil
}

func (l *Ledger) checkDeposit(identity string, amount uint64) error {
	if amount == 0 {
		return newError(KindZeroAmount, identity, amount, nil)
	}
	if amount < MinimumDeposit {
		return newError(KindDepositTooSmall, identity, amount, nil)
	}
	// total+inflight <= capacity always holds, so the subtraction is safe
	// and the comparison cannot overflow.
	if amount > l.capacity-l.total-l.inflight {
		return newError(KindBankCapExceeded, identity, amount, nil)
	}
	return nil
}

// Withdraw debits amount from identity and pays it out through the
// configured Transferer. The debit is applied before the transfer; if the
// transfer fails (or panics) the debit is rolled back and the call fails
// with KindTransferFailed. The re-entrancy lock is held for the whole call
// and released on every exit path.
func (l *Ledger) Withdraw(ctx context.Context, identity string, amount uint64) (Record, error) {
	if err := l.acquire(identity, amount); err != nil {
		return Record{}, err
	}
	defer l.release()

	if err := l.debit(identity, amount); err != nil {
		return Record{}, err
	}

	committed := false
	defer func() {
		if !committed {
			l.rollback(identity, amount)
		}
	}()

	if err := l.transfer.Transfer(ctx, identity, amount); err != nil {
		return Record{}, newError(KindTransferFailed, identity, amount, err)
	}

	// a deposit made while the transfer ran may have moved the balance
	l.mu.Lock()
	l.inflight = 0
	committed = true
	balance := l.balances[identity]
	l.mu.Unlock()

	rec := l.newRecord(RecordWithdrawal, identity, amount, balance)
	l.emit(rec)
	return rec, nil
}

func (l *Ledger) acquire(identity string, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locked {
		return newError(KindReentrancy, identity, amount, nil)
	}
	l.locked = true
	return nil
}

func (l *Ledger) release() {
	l.mu.Lock()
	l.locked = false
	l.inflight = 0
	l.mu.Unlock()
}

func (l *Ledger) debit(identity string, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if amount == 0 {
		return newError(KindZeroAmount, identity, amount, nil)
	}
	if amount > l.withdrawalLimit {
		return newError(KindExceedsWithdrawalLimit, identity, amount, nil)
	}
	balance := l.balances[identity]
	if amount > balance {
		return newError(KindInsufficientBalance, identity, amount, nil)
	}

	l.balances[identity] = balance - amount
	l.withdrawals++
	l.total -= amount
	l.inflight = amount
	return nil
}

func (l *Ledger) rollback(identity string, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[identity] += amount
	l.withdrawals--
	l.total += amount
	l.inflight = 0
}

func (l *Ledger) newRecord(kind RecordKind, identity string, amount, balance uint64) Record {
	return Record{
		ID:       uuid.NewString(),
		Kind:     kind,
		Identity: identity,
		Amount:   amount,
		Balance:  balance,
		Time:     l.now().UTC(),
	}
}

func (l *Ledger) emit(rec Record) {
	for _, s := range l.sinks {
		s.Emit(rec)
	}
}
