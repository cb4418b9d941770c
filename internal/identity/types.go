package identity

import (
	"crypto/ed25519"
	"encoding/hex"
)

// Identity is an account holder's keypair.
type Identity struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	address    string
}

// NewIdentity wraps a private key.
func NewIdentity(privKey ed25519.PrivateKey) *Identity {
	pubKey := privKey.Public().(ed25519.PublicKey)
	return &Identity{
		privateKey: privKey,
		publicKey:  pubKey,
		address:    hex.EncodeToString(pubKey),
	}
}

// Sign signs message with the private key.
func (i *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(i.privateKey, message)
}

// Verify checks a signature made by this identity.
func (i *Identity) Verify(message, signature []byte) bool {
	return ed25519.Verify(i.publicKey, message, signature)
}

func (i *Identity) PublicKey() ed25519.PublicKey { return i.publicKey }

// Address is the hex public key; it names the identity's ledger balance.
func (i *Identity) Address() string { return i.address }
