// Package types defines the wire models for cbank: the signed transactions
// clients submit to a node and the payloads they carry. The signer of a
// transaction is the identity whose balance the transaction operates on.
package types

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"custody.mini/cbank/internal/identity"
)

// Version is the current version of cbank
const Version = "0.3.0"

// BuildTime is set at build time via -ldflags
var BuildTime = "dev"

// TransactionType selects the ledger operation a transaction invokes.
type TransactionType string

const (
	TxDeposit  TransactionType = "deposit"
	TxWithdraw TransactionType = "withdraw"
)

// Transaction is the unsigned body of a client request. Value is the amount
// attached to the call; only deposits may carry value.
type Transaction struct {
	Type      TransactionType `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Value     uint64          `json:"value,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// WithdrawPayload is the payload of a TxWithdraw transaction.
type WithdrawPayload struct {
	Amount uint64 `json:"amount"`
}

// SignedTransaction wraps the encoded transaction with the signer's public
// key and an ed25519 signature over Tx.
type SignedTransaction struct {
	Tx        []byte `json:"tx"`
	PublicKey []byte `json:"public_key"`
	Signature []byte `json:"signature"`
}

// NewDeposit builds a deposit transaction carrying amount as its value.
func NewDeposit(amount uint64) *Transaction {
	return &Transaction{Type: TxDeposit, Timestamp: time.Now().UTC(), Value: amount}
}

// NewWithdraw builds a withdraw transaction for amount.
func NewWithdraw(amount uint64) (*Transaction, error) {
	payload, err := json.Marshal(WithdrawPayload{Amount: amount})
	if err != nil {
		return nil, err
	}
	return &Transaction{Type: TxWithdraw, Timestamp: time.Now().UTC(), Payload: payload}, nil
}

// Sign encodes the transaction and signs it with id.
func (tx *Transaction) Sign(id *identity.Identity) (*SignedTransaction, error) {
	if id == nil {
		return nil, errors.New("sign: nil identity")
	}
	body, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("encode transaction: %w", err)
	}
	return &SignedTransaction{
		Tx:        body,
		PublicKey: append([]byte(nil), id.PublicKey()...),
		Signature: id.Sign(body),
	}, nil
}

// DecodeWithdraw returns the withdraw payload of tx.
func (tx *Transaction) DecodeWithdraw() (WithdrawPayload, error) {
	var p WithdrawPayload
	if len(tx.Payload) == 0 {
		return p, errors.New("missing withdraw payload")
	}
	if err := json.Unmarshal(tx.Payload, &p); err != nil {
		return p, fmt.Errorf("decode withdraw payload: %w", err)
	}
	return p, nil
}

// Verify reports whether the signature matches the transaction bytes.
func (stx *SignedTransaction) Verify() bool {
	if len(stx.PublicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(stx.PublicKey, stx.Tx, stx.Signature)
}

// GetTransaction decodes the inner transaction.
func (stx *SignedTransaction) GetTransaction() (*Transaction, error) {
	var tx Transaction
	if err := json.Unmarshal(stx.Tx, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// Signer returns the hex identity of the signing key.
func (stx *SignedTransaction) Signer() string {
	return hex.EncodeToString(stx.PublicKey)
}

// Hash returns the hex sha256 of the signed bytes and signature; it is the
// key used to reject replays.
func (stx *SignedTransaction) Hash() string {
	h := sha256.New()
	h.Write(stx.PublicKey)
	h.Write(stx.Tx)
	h.Write(stx.Signature)
	return hex.EncodeToString(h.Sum(nil))
}
