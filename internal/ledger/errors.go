package ledger

import (
	"errors"
	"fmt"
)

// Kind classifies a rejected ledger operation. Callers branch on the kind,
// never on the message text.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindZeroAmount
	KindDepositTooSmall
	KindBankCapExceeded
	KindExceedsWithdrawalLimit
	KindInsufficientBalance
	KindTransferFailed
	KindReentrancy
)

// String returns the canonical name of the kind.
func (k Kind) String() string {
	switch k {
	case KindZeroAmount:
		return "ZeroAmount"
	case KindDepositTooSmall:
		return "DepositTooSmall"
	case KindBankCapExceeded:
		return "BankCapExceeded"
	case KindExceedsWithdrawalLimit:
		return "ExceedsWithdrawalLimit"
	case KindInsufficientBalance:
		return "InsufficientBalance"
	case KindTransferFailed:
		return "TransferFailed"
	case KindReentrancy:
		return "Reentrancy"
	default:
		return "Unknown"
	}
}

// Kinds lists every rejection kind in declaration order.
func Kinds() []Kind {
	return []Kind{
		KindZeroAmount,
		KindDepositTooSmall,
		KindBankCapExceeded,
		KindExceedsWithdrawalLimit,
		KindInsufficientBalance,
		KindTransferFailed,
		KindReentrancy,
	}
}

var (
	ErrZeroAmount             = errors.New("zero amount")
	ErrDepositTooSmall        = errors.New("deposit below minimum")
	ErrBankCapExceeded        = errors.New("bank capacity exceeded")
	ErrExceedsWithdrawalLimit = errors.New("withdrawal above limit")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrTransferFailed         = errors.New("transfer failed")
	ErrReentrancy             = errors.New("reentrant withdrawal")

	// ErrNoTransferer is returned by the default transferer of a Ledger
	// built without WithTransferer.
	ErrNoTransferer = errors.New("no transferer configured")
	// ErrCorruptSnapshot is returned by Restore when a snapshot breaks the
	// ledger invariants.
	ErrCorruptSnapshot = errors.New("corrupt ledger snapshot")
)

var sentinels = map[Kind]error{
	KindZeroAmount:             ErrZeroAmount,
	KindDepositTooSmall:        ErrDepositTooSmall,
	KindBankCapExceeded:        ErrBankCapExceeded,
	KindExceedsWithdrawalLimit: ErrExceedsWithdrawalLimit,
	KindInsufficientBalance:    ErrInsufficientBalance,
	KindTransferFailed:         ErrTransferFailed,
	KindReentrancy:             ErrReentrancy,
}

// Error is the rejection returned by Deposit and Withdraw. It matches the
// sentinel of its kind with errors.Is and unwraps to the transfer error for
// KindTransferFailed.
type Error struct {
	Kind     Kind
	Identity string
	Amount   uint64
	Err      error
}

func newError(kind Kind, identity string, amount uint64, cause error) *Error {
	return &Error{Kind: kind, Identity: identity, Amount: amount, Err: cause}
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s (identity=%s amount=%d)", e.Kind, sentinels[e.Kind], e.Identity, e.Amount)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	sentinel, ok := sentinels[e.Kind]
	return ok && target == sentinel
}

// KindOf extracts the rejection kind from err. Errors that did not come from
// the ledger report KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	for kind, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindUnknown
}

// Reject builds a rejection of the given kind. The node uses it for
// failures detected before the ledger is reached, such as value sent to an
// operation that does not accept it.
func Reject(kind Kind, identity string, amount uint64) error {
	return newError(kind, identity, amount, nil)
}
