package ledger

import "time"

// RecordKind names the stream a record belongs to.
type RecordKind string

const (
	RecordDeposit    RecordKind = "deposit"
	RecordWithdrawal RecordKind = "withdrawal"
)

// Record is emitted for every committed deposit or withdrawal.
type Record struct {
	ID       string     `json:"id"`
	Kind     RecordKind `json:"kind"`
	Identity string     `json:"identity"`
	Amount   uint64     `json:"amount"`
	Balance  uint64     `json:"balance"` // resulting balance of Identity
	Time     time.Time  `json:"time"`
}

// Sink observes committed records. Emit runs synchronously on the calling
// goroutine; a withdrawal record is emitted before the re-entrancy lock is
// released, so sinks must not call Withdraw.
type Sink interface {
	Emit(Record)
}

// SinkFunc adapts a plain function to the Sink interface.
type SinkFunc func(Record)

func (f SinkFunc) Emit(r Record) { f(r) }
