// Package encryption implements the authenticated codec used for
// connection secrets. Secrets are encrypted with AES-256-GCM using a
// fresh random 16-byte IV per call and stored as three base64 segments
// joined by dots: iv.tag.ciphertext.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// KeySize is the required key length in bytes (AES-256).
	KeySize = 32

	ivSize  = 16
	tagSize = 16

	segmentDelimiter = "."
)

var (
	// ErrKeySize means the configured key is not exactly 32 bytes.
	// This is a startup configuration error, never a per-call one.
	ErrKeySize = fmt.Errorf("encryption key must be exactly %d bytes", KeySize)

	// ErrMalformedSecret means the stored value does not have the
	// expected iv.tag.ciphertext layout.
	ErrMalformedSecret = errors.New("malformed encrypted secret")

	// ErrDecryptFailed means the authentication tag did not verify:
	// the data was tampered with, corrupted, or encrypted under a
	// different key.
	ErrDecryptFailed = errors.New("decryption failed")
)

// Secret is one encrypted string: IV, authentication tag and ciphertext.
type Secret struct {
	IV         []byte
	Tag        []byte
	Ciphertext []byte
}

// Encode serializes the secret into its storage form.
func (s Secret) Encode() string {
	parts := []string{
		base64.StdEncoding.EncodeToString(s.IV),
		base64.StdEncoding.EncodeToString(s.Tag),
		base64.StdEncoding.EncodeToString(s.Ciphertext),
	}

	return strings.Join(parts, segmentDelimiter)
}

// Parse reads a stored secret. Any segment count other than three, or a
// segment that is not valid base64, is reported as ErrMalformedSecret.
func Parse(stored string) (Secret, error) {
	parts := strings.Split(stored, segmentDelimiter)
	if len(parts) != 3 {
		return Secret{}, fmt.Errorf("%w: expected 3 segments, got %d", ErrMalformedSecret, len(parts))
	}

	var (
		s   Secret
		err error
	)

	if s.IV, err = base64.StdEncoding.DecodeString(parts[0]); err != nil {
		return Secret{}, fmt.Errorf("%w: invalid iv: %v", ErrMalformedSecret, err)
	}

	if s.Tag, err = base64.StdEncoding.DecodeString(parts[1]); err != nil {
		return Secret{}, fmt.Errorf("%w: invalid tag: %v", ErrMalformedSecret, err)
	}

	if s.Ciphertext, err = base64.StdEncoding.DecodeString(parts[2]); err != nil {
		return Secret{}, fmt.Errorf("%w: invalid ciphertext: %v", ErrMalformedSecret, err)
	}

	return s, nil
}

// Codec encrypts and decrypts strings under a fixed key. It is
// stateless after construction and safe for concurrent use.
type Codec struct {
	aead cipher.AEAD
}

// New builds a codec from a raw 32-byte key.
func New(key []byte) (*Codec, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	aead, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, err
	}

	return &Codec{aead: aead}, nil
}

// Encrypt encrypts plaintext under a fresh random IV.
func (c *Codec) Encrypt(plaintext string) (Secret, error) {
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return Secret{}, err
	}

	sealed := c.aead.Seal(nil, iv, []byte(plaintext), nil)

	// gcm appends the tag to the ciphertext; split it back out so the
	// stored form keeps the segments independent.
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return Secret{IV: iv, Tag: tag, Ciphertext: ct}, nil
}

// Decrypt reverses Encrypt. It fails closed: a tag mismatch returns
// ErrDecryptFailed, never a garbage plaintext.
func (c *Codec) Decrypt(s Secret) (string, error) {
	if len(s.IV) != ivSize || len(s.Tag) != tagSize {
		return "", fmt.Errorf("%w: bad segment length", ErrMalformedSecret)
	}

	sealed := make([]byte, 0, len(s.Ciphertext)+tagSize)
	sealed = append(sealed, s.Ciphertext...)
	sealed = append(sealed, s.Tag...)

	plaintext, err := c.aead.Open(nil, s.IV, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}

	return string(plaintext), nil
}

// EncryptToString encrypts plaintext straight to the storage form.
func (c *Codec) EncryptToString(plaintext string) (string, error) {
	s, err := c.Encrypt(plaintext)
	if err != nil {
		return "", err
	}

	return s.Encode(), nil
}

// DecryptString decrypts a stored secret string.
func (c *Codec) DecryptString(stored string) (string, error) {
	s, err := Parse(stored)
	if err != nil {
		return "", err
	}

	return c.Decrypt(s)
}
