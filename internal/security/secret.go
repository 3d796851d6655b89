// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// SealedPrefix marks a sealed value (format: ENC:base64(salt|nonce|ciphertext|tag)).
const SealedPrefix = "ENC:"

const (
	// KeySize is the AES-256 key size in bytes.
	KeySize = 32

	// SaltSize is the per-box PBKDF2 salt size in bytes.
	SaltSize = 16

	// NonceSize is the AES-GCM nonce size in bytes.
	NonceSize = 12

	// PBKDF2Iterations follows the OWASP 2023 recommendation for PBKDF2-SHA-256.
	PBKDF2Iterations = 600000
)

var (
	// ErrEmptyKey is returned when a box is created without a passphrase.
	ErrEmptyKey = errors.New("secret key must not be empty")

	// ErrInvalidCiphertext indicates the sealed value is malformed.
	ErrInvalidCiphertext = errors.New("invalid sealed value")

	// ErrDecryptionFailed indicates a wrong key or tampered data.
	ErrDecryptionFailed = errors.New("decryption failed: authentication tag mismatch")
)

// =============================================================================
// SECRET BOX
// =============================================================================

// SecretBox seals short secrets (API keys, passwords, tokens) with a key
// derived from a caller-supplied passphrase. Each box derives its own salt
// once; keys for foreign salts are derived on first Open and cached.
type SecretBox struct {
	mu         sync.Mutex
	passphrase []byte
	salt       []byte
	aeads      map[string]cipher.AEAD
}

// NewSecretBox creates a box for passphrase.
func NewSecretBox(passphrase string) (*SecretBox, error) {
	if passphrase == "" {
		return nil, ErrEmptyKey
	}

	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	return &SecretBox{
		passphrase: []byte(passphrase),
		salt:       salt,
		aeads:      make(map[string]cipher.AEAD),
	}, nil
}

// aead returns the cipher for salt, deriving it on first use.
func (b *SecretBox) aead(salt []byte) (cipher.AEAD, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if gcm, ok := b.aeads[string(salt)]; ok {
		return gcm, nil
	}

	key := pbkdf2.Key(b.passphrase, salt, PBKDF2Iterations, KeySize, sha256.New)
	defer ZeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM cipher: %w", err)
	}

	b.aeads[string(salt)] = gcm
	return gcm, nil
}

// Seal encrypts plaintext. The empty string seals to the empty string.
func (b *SecretBox) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	gcm, err := b.aead(b.salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 0, SaltSize+NonceSize+len(plaintext)+gcm.Overhead())
	out = append(out, b.salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, []byte(plaintext), nil)

	return SealedPrefix + base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts a value produced by Seal with the same passphrase.
func (b *SecretBox) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	if !IsSealed(sealed) {
		return "", ErrInvalidCiphertext
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, SealedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	if len(raw) < SaltSize+NonceSize+1 {
		return "", ErrInvalidCiphertext
	}

	salt := raw[:SaltSize]
	nonce := raw[SaltSize : SaltSize+NonceSize]
	ciphertext := raw[SaltSize+NonceSize:]

	gcm, err := b.aead(salt)
	if err != nil {
		return "", err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// IsSealed reports whether s carries the sealed-value prefix.
func IsSealed(s string) bool {
	return strings.HasPrefix(s, SealedPrefix)
}

// Encrypt seals secret with key using a one-off box.
func Encrypt(secret, key string) (string, error) {
	box, err := NewSecretBox(key)
	if err != nil {
		return "", err
	}
	return box.Seal(secret)
}

// Decrypt opens a value produced by Encrypt.
func Decrypt(sealed, key string) (string, error) {
	box, err := NewSecretBox(key)
	if err != nil {
		return "", err
	}
	return box.Open(sealed)
}

// ZeroBytes overwrites key material.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
