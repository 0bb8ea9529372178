// Package tokencrypt encrypts provider tokens at rest with AES-256-GCM.
// The data key is derived per operation with argon2id from the
// installation secret and a random salt; salt and nonce are stored inside
// the blob so decryption re-derives the exact key used at encryption time.
package tokencrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	kdfTime    uint32 = 3
	kdfMemory  uint32 = 64 * 1024
	kdfThreads uint8  = 2
	keyLen     uint32 = 32
	saltLen           = 16
)

var (
	// ErrInvalidBlob signals a ciphertext blob too short or not base64.
	ErrInvalidBlob = errors.New("tokencrypt: invalid ciphertext blob")
	// ErrDecryptFailed signals authentication failure (tampering or wrong secret).
	ErrDecryptFailed = errors.New("tokencrypt: decryption failed")
)

// Cipher seals and opens token blobs with a fixed installation secret.
type Cipher struct {
	secret []byte
}

// New creates a cipher from the installation secret. The secret must be
// non-empty; key-management beyond that is left to the secret source.
func New(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, errors.New("tokencrypt: empty installation secret")
	}
	return &Cipher{secret: []byte(secret)}, nil
}

// Encrypt seals plaintext into a base64 blob laid out as salt||nonce||ciphertext.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := c.aead(salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	blob := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = append(blob, sealed...)
	return base64.RawStdEncoding.EncodeToString(blob), nil
}

// Decrypt opens a blob produced by Encrypt. The salt stored in the blob is
// used to re-derive the key; a fresh salt here could never reproduce it.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	blob, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrInvalidBlob
	}
	if len(blob) < saltLen {
		return "", ErrInvalidBlob
	}

	salt := blob[:saltLen]
	gcm, err := c.aead(salt)
	if err != nil {
		return "", err
	}

	rest := blob[saltLen:]
	if len(rest) < gcm.NonceSize() {
		return "", ErrInvalidBlob
	}
	nonce, sealed := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecryptFailed
	}
	return string(plaintext), nil
}

func (c *Cipher) aead(salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey(c.secret, salt, kdfTime, kdfMemory, kdfThreads, keyLen)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return gcm, nil
}
