// Package identity manages the ed25519 keypairs that own ledger balances.
// An account holder's address is the hex encoding of its public key; every
// transaction a holder submits is signed with the matching private key, and
// the node credits or debits the balance of whichever address signed it.
//
// Keys live in PEM files (PKCS8) with 0600 permissions. LoadOrCreateIdentity
// is the entry point used by the node and by cbankctl.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// LoadOrCreateIdentity loads the key at keyPath, generating and saving a
// fresh keypair when the file is missing or empty.
func LoadOrCreateIdentity(keyPath string) (*Identity, error) {
	info, err := os.Stat(keyPath)
	if errors.Is(err, os.ErrNotExist) || (err == nil && info.Size() == 0) {
		privKey, genErr := generateAndSaveKeyPair(keyPath)
		if genErr != nil {
			return nil, genErr
		}
		return NewIdentity(privKey), nil
	}
	if err != nil {
		return nil, err
	}

	privKey, err := loadKeyPair(keyPath)
	if err != nil {
		return nil, err
	}
	return NewIdentity(privKey), nil
}

// Generate creates a new keypair, writes it to keyPath and refuses to
// overwrite an existing non-empty key.
func Generate(keyPath string) (*Identity, error) {
	if info, err := os.Stat(keyPath); err == nil && info.Size() > 0 {
		return nil, fmt.Errorf("key file %s already exists", keyPath)
	}
	privKey, err := generateAndSaveKeyPair(keyPath)
	if err != nil {
		return nil, err
	}
	return NewIdentity(privKey), nil
}

// ParseAddress validates a hex address and returns the raw public key.
func ParseAddress(addr string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(addr)
	if err != nil {
		return nil, fmt.Errorf("address is not hex: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("address has %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

func generateAndSaveKeyPair(keyPath string) (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	x509Encoded, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	if err := pem.Encode(file, &pem.Block{Type: "PRIVATE KEY", Bytes: x509Encoded}); err != nil {
		return nil, err
	}
	return priv, nil
}

func loadKeyPair(keyPath string) (ed25519.PrivateKey, error) {
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}

	pemBlock, _ := pem.Decode(keyData)
	if pemBlock == nil {
		return nil, errors.New("failed to decode PEM block from key file")
	}

	genericKey, err := x509.ParsePKCS8PrivateKey(pemBlock.Bytes)
	if err != nil {
		return nil, err
	}

	privKey, ok := genericKey.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("key is not an ed25519 private key")
	}
	return privKey, nil
}
