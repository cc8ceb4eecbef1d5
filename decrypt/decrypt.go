// Package decrypt implements the field cipher used by the KakaoTalk client
// database that the Iris bridge exposes. Display names and profile fields
// arrive AES-256-CBC encrypted under a key derived from a per-user salt; the
// derivation is the PKCS#12 v1 KDF over SHA-1 with two iterations.
//
// Derivation is deliberately slow, so derived keys are cached per salt. The
// cache never evicts: the key space is bounded by the number of distinct
// (user, encoding) pairs a chat ever sees.
package decrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"unicode/utf8"
)

// Protocol constants mirrored from the KakaoTalk client. The IV is shared
// across all users; it is a property of the wire format being read, not a
// secret.
var (
	baseKey = [16]byte{
		0x16, 0x08, 0x09, 0x6f, 0x02, 0x17, 0x2b, 0x08,
		0x21, 0x21, 0x0a, 0x10, 0x03, 0x03, 0x07, 0x06,
	}
	cbcIV = [16]byte{
		0x0f, 0x08, 0x01, 0x00, 0x19, 0x47, 0x25, 0xdc,
		0x15, 0xf5, 0x17, 0xe0, 0xe1, 0x15, 0x0c, 0x35,
	}
)

const (
	kdfIterations  = 2
	derivedKeySize = 32
)

var (
	ErrBadCiphertext  = errors.New("decrypt: ciphertext is not a positive multiple of the block size")
	errInvalidPadding = errors.New("decrypt: invalid PKCS#7 padding")
	errNotText        = errors.New("decrypt: plaintext is not valid UTF-8")
)

// Decryptor derives and caches per-salt keys and performs field
// encryption/decryption. The zero value is not usable; call NewDecryptor.
// Safe for concurrent use.
type Decryptor struct {
	mu   sync.RWMutex
	keys map[[SaltSize]byte][]byte
}

// NewDecryptor returns a Decryptor with an empty key cache.
func NewDecryptor() *Decryptor {
	return &Decryptor{keys: make(map[[SaltSize]byte][]byte)}
}

// key returns the derived key for salt, deriving and caching it on first use.
// Derivation is pure, so a concurrent double-derive writes identical bytes.
func (d *Decryptor) key(salt [SaltSize]byte) []byte {
	d.mu.RLock()
	k, ok := d.keys[salt]
	d.mu.RUnlock()
	if ok {
		return k
	}

	k = deriveKey(kdfPassword(baseKey[:]), salt[:], kdfIterations, derivedKeySize)

	d.mu.Lock()
	d.keys[salt] = k
	d.mu.Unlock()
	return k
}

// CachedKeys reports how many derived keys are currently cached.
func (d *Decryptor) CachedKeys() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.keys)
}

// Decrypt decodes and decrypts a base64 ciphertext for the given user and
// encoding type, returning the UTF-8 plaintext with padding stripped.
func (d *Decryptor) Decrypt(userID int64, encType int, ciphertextB64 string) (string, error) {
	salt, err := Salt(userID, encType)
	if err != nil {
		return "", err
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return "", fmt.Errorf("decrypt: decode ciphertext: %w", err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return "", ErrBadCiphertext
	}

	block, err := aes.NewCipher(d.key(salt))
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}

	plain := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, cbcIV[:]).CryptBlocks(plain, raw)

	plain, err = unpad(plain)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(plain) {
		return "", errNotText
	}
	return string(plain), nil
}

// Encrypt is the inverse of Decrypt: it pads, encrypts, and base64-encodes a
// plaintext under the same key schedule. Useful for verifying round trips and
// for writing fields back in the client's format.
func (d *Decryptor) Encrypt(userID int64, encType int, plaintext string) (string, error) {
	salt, err := Salt(userID, encType)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(d.key(salt))
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}

	padded := pad([]byte(plaintext))
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, cbcIV[:]).CryptBlocks(out, padded)
	return base64.StdEncoding.EncodeToString(out), nil
}

func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	out := make([]byte, len(b)+n)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func unpad(b []byte) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, errInvalidPadding
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, errInvalidPadding
		}
	}
	return b[:len(b)-n], nil
}
