// Package crypto loads and stores the secp256k1 operator key that signs
// custody transactions.
package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// PrivateKey wraps an ECDSA key on the secp256k1 curve.
type PrivateKey struct {
	*ecdsa.PrivateKey
}

// GeneratePrivateKey creates a fresh random key.
func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

// Address derives the account address controlled by the key.
func (k *PrivateKey) Address() common.Address {
	return crypto.PubkeyToAddress(k.PrivateKey.PublicKey)
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// PrivateKeyFromHex parses a hex encoded key, with or without 0x prefix.
func PrivateKeyFromHex(raw string) (*PrivateKey, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if trimmed == "" {
		return nil, errors.New("crypto: empty private key")
	}
	b, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode private key: %w", err)
	}
	return PrivateKeyFromBytes(b)
}

// PassphraseFunc supplies the keystore passphrase on demand.
type PassphraseFunc func() (string, error)

// KeySource selects where the operator key comes from. Exactly one of
// PrivateKey and KeystorePath must be set.
type KeySource struct {
	PrivateKey   string
	KeystorePath string
	Passphrase   PassphraseFunc
}

// LoadOperatorKey resolves the signing key from a raw hex value or an
// encrypted v3 keystore.
func LoadOperatorKey(src KeySource) (*PrivateKey, error) {
	hasHex := strings.TrimSpace(src.PrivateKey) != ""
	hasKeystore := strings.TrimSpace(src.KeystorePath) != ""
	switch {
	case hasHex && hasKeystore:
		return nil, errors.New("crypto: configure either a private key or a keystore, not both")
	case hasHex:
		return PrivateKeyFromHex(src.PrivateKey)
	case hasKeystore:
		if src.Passphrase == nil {
			return nil, errors.New("crypto: keystore passphrase source required")
		}
		passphrase, err := src.Passphrase()
		if err != nil {
			return nil, err
		}
		return LoadFromKeystore(src.KeystorePath, passphrase)
	default:
		return nil, errors.New("crypto: operator key not configured")
	}
}
