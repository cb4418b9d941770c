package ledger

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testCapacity = 5_000_000_000_000_000_000
	testLimit    = 500_000_000_000_000_000
)

var okTransfer = TransferFunc(func(context.Context, string, uint64) error { return nil })

func newTestLedger(opts ...Option) *Ledger {
	return New(testCapacity, testLimit, append([]Option{WithTransferer(okTransfer)}, opts...)...)
}

func requireConsistent(t *testing.T, l *Ledger) {
	t.Helper()
	snap := l.Snapshot()
	require.NoError(t, snap.Verify())
	assert.False(t, l.locked, "lock must be released at rest")
}

func TestDepositMinimum(t *testing.T) {
	l := newTestLedger()

	rec, err := l.Deposit("A", MinimumDeposit)
	require.NoError(t, err)
	assert.Equal(t, RecordDeposit, rec.Kind)
	assert.Equal(t, MinimumDeposit, rec.Balance)
	assert.NotEmpty(t, rec.ID)

	assert.Equal(t, MinimumDeposit, l.BalanceOf("A"))
	stats := l.AggregateStats()
	assert.Equal(t, uint64(1), stats.DepositCount)
	assert.Equal(t, MinimumDeposit, stats.TotalCustodied)
	requireConsistent(t, l)
}

func TestDepositBelowMinimumLeavesStateUnchanged(t *testing.T) {
	l := newTestLedger()
	_, err := l.Deposit("A", MinimumDeposit)
	require.NoError(t, err)
	before := l.Snapshot()

	_, err = l.Deposit("A", MinimumDeposit/10)
	require.ErrorIs(t, err, ErrDepositTooSmall)
	assert.Equal(t, KindDepositTooSmall, KindOf(err))
	assert.Equal(t, before, l.Snapshot())
}

func TestDepositZero(t *testing.T) {
	l := newTestLedger()
	_, err := l.Deposit("A", 0)
	require.ErrorIs(t, err, ErrZeroAmount)
	assert.Equal(t, uint64(0), l.AggregateStats().DepositCount)
}

func TestWithdrawFullBalance(t *testing.T) {
	l := newTestLedger()
	_, err := l.Deposit("A", MinimumDeposit)
	require.NoError(t, err)

	rec, err := l.Withdraw(context.Background(), "A", MinimumDeposit)
	require.NoError(t, err)
	assert.Equal(t, RecordWithdrawal, rec.Kind)
	assert.Equal(t, uint64(0), rec.Balance)

	assert.Equal(t, uint64(0), l.BalanceOf("A"))
	stats := l.AggregateStats()
	assert.Equal(t, uint64(1), stats.WithdrawalCount)
	assert.Equal(t, uint64(0), stats.TotalCustodied)
	requireConsistent(t, l)

	// the entry stays known at zero
	_, known := l.Snapshot().Balances["A"]
	assert.True(t, known)
}

func TestWithdrawWithoutBalance(t *testing.T) {
	l := newTestLedger()
	_, err := l.Withdraw(context.Background(), "B", 1)
	require.ErrorIs(t, err, ErrInsufficientBalance)
	requireConsistent(t, l)
}

func TestDepositExactCapacity(t *testing.T) {
	l := newTestLedger()
	_, err := l.Deposit("A", testCapacity)
	require.NoError(t, err)

	_, err = l.Deposit("B", MinimumDeposit)
	require.ErrorIs(t, err, ErrBankCapExceeded)

	_, err = l.Deposit("B", ^uint64(0))
	require.ErrorIs(t, err, ErrBankCapExceeded, "huge deposits must not wrap around")
	requireConsistent(t, l)
}

func TestWithdrawRules(t *testing.T) {
	const balance = 3 * MinimumDeposit

	tests := []struct {
		name   string
		amount uint64
		want   error
	}{
		{name: "zero", amount: 0, want: ErrZeroAmount},
		{name: "above limit", amount: testLimit + 1, want: ErrExceedsWithdrawalLimit},
		{name: "above balance", amount: balance + 1, want: ErrInsufficientBalance},
		{name: "exact balance", amount: balance},
		{name: "one unit", amount: 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			l := newTestLedger()
			_, err := l.Deposit("U", balance)
			require.NoError(t, err)
			before := l.Snapshot()

			_, err = l.Withdraw(context.Background(), "U", tc.amount)
			if tc.want != nil {
				require.ErrorIs(t, err, tc.want)
				assert.Equal(t, before, l.Snapshot())
			} else {
				require.NoError(t, err)
				assert.Equal(t, balance-tc.amount, l.BalanceOf("U"))
			}
			requireConsistent(t, l)
		})
	}
}

func TestWithdrawLimitCheckedBeforeBalance(t *testing.T) {
	l := newTestLedger()
	_, err := l.Withdraw(context.Background(), "nobody", testLimit+1)
	assert.Equal(t, KindExceedsWithdrawalLimit, KindOf(err))
}

func TestWithdrawTransferFailureRollsBack(t *testing.T) {
	boom := errors.New("payout endpoint down")
	var sawBalance uint64
	var l *Ledger
	l = New(testCapacity, testLimit, WithTransferer(TransferFunc(func(_ context.Context, id string, _ uint64) error {
		sawBalance = l.BalanceOf(id)
		return boom
	})))

	_, err := l.Deposit("A", 2*MinimumDeposit)
	require.NoError(t, err)
	before := l.Snapshot()

	_, err = l.Withdraw(context.Background(), "A", MinimumDeposit)
	require.ErrorIs(t, err, ErrTransferFailed)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, MinimumDeposit, sawBalance, "effects must be applied before the transfer")
	assert.Equal(t, before, l.Snapshot())
	requireConsistent(t, l)

	// ledger stays usable
	_, err = l.Deposit("A", MinimumDeposit)
	require.NoError(t, err)
}

func TestWithdrawWithoutTransfererFails(t *testing.T) {
	l := New(testCapacity, testLimit)
	_, err := l.Deposit("A", MinimumDeposit)
	require.NoError(t, err)

	_, err = l.Withdraw(context.Background(), "A", MinimumDeposit)
	require.ErrorIs(t, err, ErrTransferFailed)
	require.ErrorIs(t, err, ErrNoTransferer)
	assert.Equal(t, MinimumDeposit, l.BalanceOf("A"))
}

func TestWithdrawPanickingTransferReleasesLock(t *testing.T) {
	l := New(testCapacity, testLimit, WithTransferer(TransferFunc(func(context.Context, string, uint64) error {
		panic("transport exploded")
	})))
	_, err := l.Deposit("A", MinimumDeposit)
	require.NoError(t, err)
	before := l.Snapshot()

	require.Panics(t, func() {
		_, _ = l.Withdraw(context.Background(), "A", MinimumDeposit)
	})
	assert.Equal(t, before, l.Snapshot())
	requireConsistent(t, l)
}

func TestReentrantWithdrawIsRejected(t *testing.T) {
	var inner error
	var l *Ledger
	l = New(testCapacity, testLimit, WithTransferer(TransferFunc(func(ctx context.Context, id string, amount uint64) error {
		_, inner = l.Withdraw(ctx, id, amount)
		return nil
	})))
	_, err := l.Deposit("A", 4*MinimumDeposit)
	require.NoError(t, err)

	plain := newTestLedger()
	_, err = plain.Deposit("A", 4*MinimumDeposit)
	require.NoError(t, err)

	_, err = l.Withdraw(context.Background(), "A", MinimumDeposit)
	require.NoError(t, err)
	require.ErrorIs(t, inner, ErrReentrancy)

	_, err = plain.Withdraw(context.Background(), "A", MinimumDeposit)
	require.NoError(t, err)

	assert.Equal(t, plain.Snapshot(), l.Snapshot())
	requireConsistent(t, l)
}

func TestReentrantDepositKeepsCapacityOnRollback(t *testing.T) {
	var inner error
	var l *Ledger
	l = New(10*MinimumDeposit, 10*MinimumDeposit, WithTransferer(TransferFunc(func(context.Context, string, uint64) error {
		// the withdrawn amount is still reserved, so only 2 units of
		// headroom exist while the transfer is pending
		_, inner = l.Deposit("B", 3*MinimumDeposit)
		if inner != nil {
			_, inner = l.Deposit("B", 2*MinimumDeposit)
		}
		return errors.New("declined")
	})))
	_, err := l.Deposit("A", 8*MinimumDeposit)
	require.NoError(t, err)

	_, err = l.Withdraw(context.Background(), "A", 5*MinimumDeposit)
	require.ErrorIs(t, err, ErrTransferFailed)
	require.NoError(t, inner)

	assert.Equal(t, 8*MinimumDeposit, l.BalanceOf("A"))
	assert.Equal(t, 2*MinimumDeposit, l.BalanceOf("B"))
	assert.Equal(t, 10*MinimumDeposit, l.AggregateStats().TotalCustodied)
	requireConsistent(t, l)
}

func TestReentrantSameIdentityDepositReflectedInRecord(t *testing.T) {
	var inner error
	var l *Ledger
	l = New(testCapacity, testLimit, WithTransferer(TransferFunc(func(context.Context, string, uint64) error {
		_, inner = l.Deposit("A", 3*MinimumDeposit)
		return nil
	})))
	_, err := l.Deposit("A", 2*MinimumDeposit)
	require.NoError(t, err)

	rec, err := l.Withdraw(context.Background(), "A", MinimumDeposit)
	require.NoError(t, err)
	require.NoError(t, inner)

	assert.Equal(t, 4*MinimumDeposit, l.BalanceOf("A"))
	assert.Equal(t, l.BalanceOf("A"), rec.Balance)
	requireConsistent(t, l)
}

func TestConcurrentWithdrawIsRejectedWhileInFlight(t *testing.T) {
	entered := make(chan struct{})
	resume := make(chan struct{})
	l := New(testCapacity, testLimit, WithTransferer(TransferFunc(func(context.Context, string, uint64) error {
		close(entered)
		<-resume
		return nil
	})))
	_, err := l.Deposit("A", MinimumDeposit)
	require.NoError(t, err)
	_, err = l.Deposit("B", MinimumDeposit)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := l.Withdraw(context.Background(), "A", MinimumDeposit)
		done <- err
	}()
	<-entered

	_, err = l.Withdraw(context.Background(), "B", MinimumDeposit)
	assert.ErrorIs(t, err, ErrReentrancy)

	close(resume)
	require.NoError(t, <-done)
	assert.Equal(t, MinimumDeposit, l.BalanceOf("B"))
	requireConsistent(t, l)
}

func TestReadsAreIdempotent(t *testing.T) {
	l := newTestLedger()
	_, err := l.Deposit("A", 7*MinimumDeposit)
	require.NoError(t, err)

	first, firstStats := l.BalanceOf("A"), l.AggregateStats()
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, l.BalanceOf("A"))
		assert.Equal(t, firstStats, l.AggregateStats())
		assert.Equal(t, uint64(0), l.BalanceOf("unknown"))
	}
}

func TestRandomSequencesPreserveInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	ids := []string{"a", "b", "c", "d"}
	failing := false
	l := New(40*MinimumDeposit, 6*MinimumDeposit, WithTransferer(TransferFunc(func(context.Context, string, uint64) error {
		if failing {
			return errors.New("declined")
		}
		return nil
	})))

	for i := 0; i < 2000; i++ {
		id := ids[rng.Intn(len(ids))]
		amount := uint64(rng.Int63n(int64(8 * MinimumDeposit)))
		failing = rng.Intn(5) == 0

		before := l.BalanceOf(id)
		if rng.Intn(2) == 0 {
			_, err := l.Deposit(id, amount)
			if err != nil {
				assert.Equal(t, before, l.BalanceOf(id))
			}
		} else {
			_, err := l.Withdraw(context.Background(), id, amount)
			shouldSucceed := amount > 0 && amount <= testMin(6*MinimumDeposit, before) && !failing
			if shouldSucceed {
				require.NoError(t, err)
				assert.Equal(t, before-amount, l.BalanceOf(id))
			} else {
				require.Error(t, err)
				assert.Equal(t, before, l.BalanceOf(id))
			}
		}
		requireConsistent(t, l)
	}
}

func TestConcurrentDepositsStayConsistent(t *testing.T) {
	l := newTestLedger()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n%4))
			for j := 0; j < 50; j++ {
				_, _ = l.Deposit(id, MinimumDeposit)
			}
		}(i)
	}
	wg.Wait()

	stats := l.AggregateStats()
	assert.Equal(t, uint64(800), stats.DepositCount)
	assert.Equal(t, 800*MinimumDeposit, stats.TotalCustodied)
	requireConsistent(t, l)
}

func TestSinksReceiveRecords(t *testing.T) {
	var got []Record
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	l := newTestLedger(
		WithSink(SinkFunc(func(r Record) { got = append(got, r) })),
		WithClock(func() time.Time { return at }),
	)

	_, err := l.Deposit("A", 2*MinimumDeposit)
	require.NoError(t, err)
	_, err = l.Deposit("A", 1)
	require.Error(t, err)
	_, err = l.Withdraw(context.Background(), "A", MinimumDeposit)
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, Record{ID: got[0].ID, Kind: RecordDeposit, Identity: "A", Amount: 2 * MinimumDeposit, Balance: 2 * MinimumDeposit, Time: at.UTC()}, got[0])
	assert.Equal(t, RecordWithdrawal, got[1].Kind)
	assert.Equal(t, MinimumDeposit, got[1].Balance)
	assert.Equal(t, time.UTC, got[1].Time.Location())
	assert.True(t, got[1].Time.Equal(at))
}

func TestRestore(t *testing.T) {
	l := newTestLedger()
	_, err := l.Deposit("A", 3*MinimumDeposit)
	require.NoError(t, err)
	_, err = l.Withdraw(context.Background(), "A", MinimumDeposit)
	require.NoError(t, err)

	restored, err := Restore(l.Snapshot(), WithTransferer(okTransfer))
	require.NoError(t, err)
	assert.Equal(t, l.Snapshot(), restored.Snapshot())
	assert.Equal(t, l.AggregateStats(), restored.AggregateStats())

	corrupt := l.Snapshot()
	corrupt.TotalCustodied++
	_, err = Restore(corrupt)
	require.ErrorIs(t, err, ErrCorruptSnapshot)

	overCap := Snapshot{Capacity: 1, TotalCustodied: 2, Balances: map[string]uint64{"A": 2}}
	_, err = Restore(overCap)
	require.ErrorIs(t, err, ErrCorruptSnapshot)
}

func TestKindOf(t *testing.T) {
	for _, kind := range Kinds() {
		err := Reject(kind, "x", 1)
		assert.Equal(t, kind, KindOf(err), kind.String())
		assert.NotEqual(t, "Unknown", kind.String())
	}
	assert.Equal(t, KindUnknown, KindOf(nil))
	assert.Equal(t, KindUnknown, KindOf(errors.New("other")))
	assert.Equal(t, KindReentrancy, KindOf(ErrReentrancy))
}

func testMin(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
