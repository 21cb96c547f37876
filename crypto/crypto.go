// Package crypto implements the repository's authenticated-encryption
// envelope and the scrypt-based key-derivation used to unwrap a stored Key
// file into the repository's master key.
package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

// ErrAuth is returned when decryption fails authentication (wrong key or
// corrupted ciphertext).
var ErrAuth = errors.New("crypto: message authentication failed")

// ErrBadKey is returned when a password fails to unwrap a Key file.
var ErrBadKey = errors.New("crypto: failed to unwrap key with given password")

// Overhead is the constant per-message envelope cost: nonce + AEAD tag.
const Overhead = chacha20poly1305.NonceSize + chacha20poly1305.Overhead

// Key wraps a symmetric AEAD key used to encrypt/decrypt repository blobs
// and files.
type Key struct {
	aead chacha20poly1305.AEAD
}

// NewKey builds a Key from raw key bytes (chacha20poly1305.KeySize long).
func NewKey(raw []byte) (*Key, error) {
	aead, err := chacha20poly1305.New(raw)
	if err != nil {
		return nil, fmt.Errorf("crypto: new key: %w", err)
	}
	return &Key{aead: aead}, nil
}

// GenerateKey returns a fresh random master key.
func GenerateKey() (*Key, []byte, error) {
	raw := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return nil, nil, fmt.Errorf("crypto: generate key: %w", err)
	}
	k, err := NewKey(raw)
	if err != nil {
		return nil, nil, err
	}
	return k, raw, nil
}

// Encrypt returns nonce||ciphertext||tag for the given plaintext. It is
// nondeterministic: every call picks a fresh random nonce.
func (k *Key) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+chacha20poly1305.Overhead)
	out = append(out, nonce...)
	return k.aead.Seal(out, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt. It is deterministic and returns ErrAuth if the
// ciphertext was tampered with or encrypted under a different key.
func (k *Key) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("crypto: ciphertext too short")
	}
	nonce := ciphertext[:chacha20poly1305.NonceSize]
	body := ciphertext[chacha20poly1305.NonceSize:]
	plaintext, err := k.aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, ErrAuth
	}
	return plaintext, nil
}

// KDFParams are the scrypt parameters stored (in plaintext) in a Key file.
type KDFParams struct {
	N    int
	R    int
	P    int
	Salt []byte
}

// DefaultKDFParams mirrors restic's scrypt defaults.
func DefaultKDFParams() (KDFParams, error) {
	salt := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return KDFParams{}, fmt.Errorf("crypto: salt: %w", err)
	}
	return KDFParams{N: 1 << 15, R: 8, P: 1, Salt: salt}, nil
}

// DeriveKEK derives a key-encryption-key from a password via scrypt.
func DeriveKEK(password string, p KDFParams) (*Key, error) {
	raw, err := scrypt.Key([]byte(password), p.Salt, p.N, p.R, p.P, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("crypto: scrypt: %w", err)
	}
	return NewKey(raw)
}

// WrapMasterKey encrypts a master key's raw bytes under a password-derived
// KEK, returning the ciphertext to be stored in a KeyFile.
func WrapMasterKey(password string, params KDFParams, masterKeyRaw []byte) ([]byte, error) {
	kek, err := DeriveKEK(password, params)
	if err != nil {
		return nil, err
	}
	return kek.Encrypt(masterKeyRaw)
}

// UnwrapMasterKey decrypts a wrapped master key using a password-derived
// KEK. Returns ErrBadKey (not ErrAuth) on failure, matching the
// user-facing "wrong password" distinction restic makes at this layer.
func UnwrapMasterKey(password string, params KDFParams, wrapped []byte) (*Key, error) {
	kek, err := DeriveKEK(password, params)
	if err != nil {
		return nil, err
	}
	raw, err := kek.Decrypt(wrapped)
	if err != nil {
		return nil, ErrBadKey
	}
	return NewKey(raw)
}
