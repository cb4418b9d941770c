package ledger

import "context"

// Transferer hands custodied value back to an identity. It is the only
// external effect the ledger performs and runs while a withdrawal holds the
// re-entrancy lock. A non-nil error fails the withdrawal with
// KindTransferFailed and rolls back its effects.
type Transferer interface {
	Transfer(ctx context.Context, identity string, amount uint64) error
}

// TransferFunc adapts a plain function to the Transferer interface.
type TransferFunc func(ctx context.Context, identity string, amount uint64) error

func (f TransferFunc) Transfer(ctx context.Context, identity string, amount uint64) error {
	return f(ctx, identity, amount)
}

type refuseTransfers struct{}

func (refuseTransfers) Transfer(context.Context, string, uint64) error {
	return ErrNoTransferer
}

type operationIDKey struct{}

// WithOperationID tags ctx with the identifier of the operation a transfer
// belongs to. Transferers use it as their idempotency key, so a transfer
// retried or replayed under the same identifier pays out at most once.
func WithOperationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, operationIDKey{}, id)
}

// OperationID returns the identifier set with WithOperationID, or "".
func OperationID(ctx context.Context) string {
	id, _ := ctx.Value(operationIDKey{}).(string)
	return id
}
