package ledger

// Stats is the aggregate view of the ledger.
type Stats struct {
	Capacity        uint64 `json:"capacity"`
	TotalCustodied  uint64 `json:"total_custodied"`
	DepositCount    uint64 `json:"deposit_count"`
	WithdrawalCount uint64 `json:"withdrawal_count"`
}

// BalanceOf returns the balance held for identity. Unknown identities hold 0.
func (l *Ledger) BalanceOf(identity string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[identity]
}

// AggregateStats returns capacity, total custodied value and the operation
// counters.
func (l *Ledger) AggregateStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Capacity:        l.capacity,
		TotalCustodied:  l.total,
		DepositCount:    l.deposits,
		WithdrawalCount: l.withdrawals,
	}
}
