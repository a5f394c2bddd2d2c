package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Vault seals and opens delegated token material for storage at rest
type Vault interface {
	Seal(plaintext string) (string, error)
	Open(ciphertext string) (string, error)
}

// keyInfo binds derived keys to this usage so the same master secret can
// safely serve other derivations later.
const keyInfo = "sellerdesk/credential-vault/v1"

var (
	// ErrCiphertextInvalid is returned for truncated or tampered ciphertext
	ErrCiphertextInvalid = errors.New("vault: ciphertext invalid")
)

// AESVault implements Vault with AES-256-GCM. The key is derived from the
// configured master secret via HKDF-SHA256; a fresh nonce is generated per
// seal and prepended to the ciphertext.
type AESVault struct {
	aead cipher.AEAD
}

// NewAESVault derives the sealing key from the master secret
func NewAESVault(masterSecret string) (*AESVault, error) {
	if masterSecret == "" {
		return nil, errors.New("vault: master secret is empty")
	}

	kdf := hkdf.New(sha256.New, []byte(masterSecret), nil, []byte(keyInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("vault: key derivation failed: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: cipher init failed: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: GCM init failed: %w", err)
	}

	return &AESVault{aead: aead}, nil
}

// Seal encrypts plaintext, returning base64(nonce || ciphertext)
func (v *AESVault) Seal(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: nonce generation failed: %w", err)
	}

	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal
func (v *AESVault) Open(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCiphertextInvalid, err)
	}
	if len(raw) < v.aead.NonceSize() {
		return "", ErrCiphertextInvalid
	}

	nonce, sealed := raw[:v.aead.NonceSize()], raw[v.aead.NonceSize():]
	plain, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrCiphertextInvalid
	}
	return string(plain), nil
}

// Ensure AESVault implements Vault
var _ Vault = (*AESVault)(nil)
