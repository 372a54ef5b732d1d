// Package crypto seals account credentials at rest.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/scrypt"
)

const (
	scryptN      = 32768
	scryptR      = 8
	scryptP      = 1
	derivedKeyLn = 32
)

// Sealer encrypts and decrypts credential strings with a key derived from an
// operator-supplied passphrase. Derived keys are cached per salt since scrypt
// is deliberately expensive.
type Sealer struct {
	passphrase string

	mu      sync.Mutex
	derived map[string][]byte
}

// New builds a Sealer from an operator passphrase. The passphrase itself is
// never persisted; only derived keys (cached in memory) and ciphertext are.
func New(passphrase string) *Sealer {
	return &Sealer{
		passphrase: passphrase,
		derived:    make(map[string][]byte),
	}
}

// DeriveKey derives (and caches) a 32-byte key for the given salt.
func (s *Sealer) DeriveKey(salt string) ([]byte, error) {
	s.mu.Lock()
	if k, ok := s.derived[salt]; ok {
		s.mu.Unlock()
		return k, nil
	}
	s.mu.Unlock()

	key, err := scrypt.Key([]byte(s.passphrase), []byte(salt), scryptN, scryptR, scryptP, derivedKeyLn)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	s.mu.Lock()
	s.derived[salt] = key
	s.mu.Unlock()
	return key, nil
}

// Seal encrypts plaintext with AES-256-CBC under a key derived from salt,
// returning "<iv_hex>:<ciphertext_hex>". Empty plaintext seals to "".
func (s *Sealer) Seal(salt, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	key, err := s.DeriveKey(salt)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), block.BlockSize())

	iv := make([]byte, block.BlockSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ciphertext), nil
}

// Open reverses Seal. Empty ciphertext opens to "".
func (s *Sealer) Open(salt, sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}

	ivHex, ctHex, found := cut(sealed, ':')
	if !found {
		return "", errors.New("malformed sealed value")
	}

	iv, err := hex.DecodeString(ivHex)
	if err != nil {
		return "", fmt.Errorf("decode iv: %w", err)
	}
	ciphertext, err := hex.DecodeString(ctHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	key, err := s.DeriveKey(salt)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	if len(iv) != block.BlockSize() || len(ciphertext) == 0 || len(ciphertext)%block.BlockSize() != 0 {
		return "", errors.New("malformed sealed value")
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	plaintext, err = pkcs7Unpad(plaintext, block.BlockSize())
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// HashAPIKey returns a lookup hash for a client-presented API key, never the
// key itself, suitable for indexed comparison.
func (s *Sealer) HashAPIKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey + s.passphrase))
	return hex.EncodeToString(sum[:])
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(data, padding...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, errors.New("invalid padding")
	}
	return data[:len(data)-padLen], nil
}

func cut(s string, sep byte) (before, after string, found bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}
