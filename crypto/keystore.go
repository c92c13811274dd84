package crypto

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/google/uuid"
)

// ErrKeystoreExists is returned when SaveToKeystore would replace an existing
// operator keystore.
var ErrKeystoreExists = errors.New("crypto: keystore already exists")

// SaveToKeystore encrypts key into an Ethereum v3 keystore file at path. The
// parent directory is created with 0700 permissions and an existing file is
// never replaced.
func SaveToKeystore(path string, key *PrivateKey, passphrase string) error {
	return saveToKeystore(path, key, passphrase, keystore.StandardScryptN, keystore.StandardScryptP)
}

func saveToKeystore(path string, key *PrivateKey, passphrase string, scryptN, scryptP int) error {
	if key == nil || key.PrivateKey == nil {
		return errors.New("crypto: nil private key")
	}
	if path == "" {
		return errors.New("crypto: empty keystore path")
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrKeystoreExists, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return err
	}
	encrypted, err := keystore.EncryptKey(&keystore.Key{
		Id:         id,
		Address:    key.Address(),
		PrivateKey: key.PrivateKey,
	}, passphrase, scryptN, scryptP)
	if err != nil {
		return fmt.Errorf("crypto: encrypt key: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".keystore-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(encrypted); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	// Link fails if another writer won the race for path.
	if err := os.Link(tmp.Name(), path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrKeystoreExists, path)
		}
		return err
	}
	return nil
}

// LoadFromKeystore decrypts an Ethereum v3 keystore file using the supplied passphrase.
func LoadFromKeystore(path, passphrase string) (*PrivateKey, error) {
	if path == "" {
		return nil, errors.New("crypto: empty keystore path")
	}
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt %s: %w", filepath.Base(path), err)
	}
	return &PrivateKey{PrivateKey: decrypted.PrivateKey}, nil
}
