package config

import (
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/dswd/zvault/internal/crypto"
	"github.com/dswd/zvault/internal/errors"
)

// keySuffixPublic and keySuffixSecret name the two files a keypair is
// split across in the keys directory, hex-encoded per §9's directory
// layout ("keys/  public/secret key files (hex)"). Splitting them lets a
// repository be imported with only the public half, e.g. to let a client
// write backups without being able to read any of them back.
const (
	keySuffixPublic = ".public"
	keySuffixSecret = ".secret"
)

// SaveKeypair hex-encodes kp's public key, and its secret key if present,
// into <dir>/<name>.public and <dir>/<name>.secret.
func SaveKeypair(dir, name string, kp *crypto.Keypair) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return errors.Wrap(err, "MkdirAll")
	}
	pubPath := filepath.Join(dir, name+keySuffixPublic)
	if err := os.WriteFile(pubPath, []byte(hex.EncodeToString(kp.Public[:])), 0600); err != nil {
		return errors.Wrap(err, "WriteFile")
	}
	if kp.Secret != nil {
		secPath := filepath.Join(dir, name+keySuffixSecret)
		if err := os.WriteFile(secPath, []byte(hex.EncodeToString(kp.Secret[:])), 0600); err != nil {
			return errors.Wrap(err, "WriteFile")
		}
	}
	return nil
}

// LoadKeypair reads <dir>/<name>.public and, if present, <dir>/<name>.secret.
// A missing secret file is not an error: the keypair is simply
// public-only, which is enough to seal new bundles but not to open them.
func LoadKeypair(dir, name string) (*crypto.Keypair, error) {
	pubHex, err := os.ReadFile(filepath.Join(dir, name+keySuffixPublic))
	if err != nil {
		return nil, errors.Wrap(err, "ReadFile")
	}
	pubRaw, err := hex.DecodeString(string(pubHex))
	if err != nil {
		return nil, errors.Wrap(err, "DecodeString")
	}
	if len(pubRaw) != crypto.KeySize {
		return nil, errors.Errorf("public key file %q has invalid length %d", name, len(pubRaw))
	}
	kp := &crypto.Keypair{}
	copy(kp.Public[:], pubRaw)

	secHex, err := os.ReadFile(filepath.Join(dir, name+keySuffixSecret))
	if err != nil {
		if os.IsNotExist(err) {
			return kp, nil
		}
		return nil, errors.Wrap(err, "ReadFile")
	}
	secRaw, err := hex.DecodeString(string(secHex))
	if err != nil {
		return nil, errors.Wrap(err, "DecodeString")
	}
	if len(secRaw) != crypto.KeySize {
		return nil, errors.Errorf("secret key file %q has invalid length %d", name, len(secRaw))
	}
	var sec crypto.SecretKey
	copy(sec[:], secRaw)
	kp.Secret = &sec
	return kp, nil
}

// GenerateAndSaveKeypair creates a fresh keypair and persists it under
// name in dir, used by init when a repository is created with encryption.
func GenerateAndSaveKeypair(dir, name string) (*crypto.Keypair, error) {
	kp, err := crypto.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	if err := SaveKeypair(dir, name, kp); err != nil {
		return nil, err
	}
	return kp, nil
}

// RemoveSecretKey deletes only the secret half of a keypair, used to
// simulate or effect the "key loss" scenario in which a client retains
// write access but can no longer decrypt.
func RemoveSecretKey(dir, name string) error {
	err := os.Remove(filepath.Join(dir, name+keySuffixSecret))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "Remove")
	}
	return nil
}
