package ledger

import (
	"fmt"
	"math/bits"
)

// Snapshot is a point-in-time copy of the ledger state, used to persist the
// ledger and to rebuild it on startup.
type Snapshot struct {
	Capacity        uint64            `json:"capacity"`
	WithdrawalLimit uint64            `json:"withdrawal_limit"`
	TotalCustodied  uint64            `json:"total_custodied"`
	DepositCount    uint64            `json:"deposit_count"`
	WithdrawalCount uint64            `json:"withdrawal_count"`
	Balances        map[string]uint64 `json:"balances"`
}

// Snapshot copies the current state. The copy is independent of the ledger.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	balances := make(map[string]uint64, len(l.balances))
	for id, b := range l.balances {
		balances[id] = b
	}
	return Snapshot{
		Capacity:        l.capacity,
		WithdrawalLimit: l.withdrawalLimit,
		TotalCustodied:  l.total,
		DepositCount:    l.deposits,
		WithdrawalCount: l.withdrawals,
		Balances:        balances,
	}
}

// Verify checks the invariants a snapshot must satisfy to be restored.
func (s Snapshot) Verify() error {
	var sum uint64
	for id, b := range s.Balances {
		var carry uint64
		sum, carry = bits.Add64(sum, b, 0)
		if carry != 0 {
			return fmt.Errorf("%w: balance sum overflows at %s", ErrCorruptSnapshot, id)
		}
	}
	if sum != s.TotalCustodied {
		return fmt.Errorf("%w: total %d != sum of balances %d", ErrCorruptSnapshot, s.TotalCustodied, sum)
	}
	if s.TotalCustodied > s.Capacity {
		return fmt.Errorf("%w: total %d above capacity %d", ErrCorruptSnapshot, s.TotalCustodied, s.Capacity)
	}
	return nil
}

// Restore rebuilds a ledger from a snapshot after verifying it.
func Restore(s Snapshot, opts ...Option) (*Ledger, error) {
	if err := s.Verify(); err != nil {
		return nil, err
	}
	l := New(s.Capacity, s.WithdrawalLimit, opts...)
	l.total = s.TotalCustodied
	l.deposits = s.DepositCount
	l.withdrawals = s.WithdrawalCount
	for id, b := range s.Balances {
		l.balances[id] = b
	}
	return l, nil
}
