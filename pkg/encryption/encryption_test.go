package encryption

import (
	"crypto/rand"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()

	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)

	return key
}

func TestNewRejectsBadKeySize(t *testing.T) {
	for _, size := range []int{0, 16, 31, 33, 64} {
		_, err := New(make([]byte, size))
		require.ErrorIs(t, err, ErrKeySize, "key size %d", size)
	}

	_, err := New(testKey(t))
	require.NoError(t, err)
}

func TestRoundTrip(t *testing.T) {
	codec, err := New(testKey(t))
	require.NoError(t, err)

	cases := []string{
		"",
		"a",
		"session-token-abc123",
		strings.Repeat("x", 4096),
		"unicode: héllo wörld 你好",
		"with.dots.and:colons",
	}

	for _, plaintext := range cases {
		stored, err := codec.EncryptToString(plaintext)
		require.NoError(t, err)

		got, err := codec.DecryptString(stored)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestFreshIVPerCall(t *testing.T) {
	codec, err := New(testKey(t))
	require.NoError(t, err)

	a, err := codec.Encrypt("same plaintext")
	require.NoError(t, err)

	b, err := codec.Encrypt("same plaintext")
	require.NoError(t, err)

	assert.NotEqual(t, a.IV, b.IV)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func TestTamperDetection(t *testing.T) {
	codec, err := New(testKey(t))
	require.NoError(t, err)

	secret, err := codec.Encrypt("do not tamper")
	require.NoError(t, err)

	flip := func(buf []byte, i int) []byte {
		out := make([]byte, len(buf))
		copy(out, buf)
		out[i] ^= 0x01

		return out
	}

	for i := range secret.Ciphertext {
		tampered := secret
		tampered.Ciphertext = flip(secret.Ciphertext, i)

		_, err := codec.Decrypt(tampered)
		require.ErrorIs(t, err, ErrDecryptFailed, "ciphertext byte %d", i)
	}

	for i := range secret.Tag {
		tampered := secret
		tampered.Tag = flip(secret.Tag, i)

		_, err := codec.Decrypt(tampered)
		require.ErrorIs(t, err, ErrDecryptFailed, "tag byte %d", i)
	}

	for i := range secret.IV {
		tampered := secret
		tampered.IV = flip(secret.IV, i)

		_, err := codec.Decrypt(tampered)
		require.ErrorIs(t, err, ErrDecryptFailed, "iv byte %d", i)
	}
}

func TestWrongKeyFailsClosed(t *testing.T) {
	codec1, err := New(testKey(t))
	require.NoError(t, err)

	codec2, err := New(testKey(t))
	require.NoError(t, err)

	stored, err := codec1.EncryptToString("secret under key one")
	require.NoError(t, err)

	_, err = codec2.DecryptString(stored)
	require.ErrorIs(t, err, ErrDecryptFailed)
}

func TestParseMalformed(t *testing.T) {
	codec, err := New(testKey(t))
	require.NoError(t, err)

	stored, err := codec.EncryptToString("ok")
	require.NoError(t, err)

	cases := []string{
		"",
		"onlyone",
		"two.segments",
		stored + ".extra",
		"!!!not-base64.QUJD.QUJD",
	}

	for _, c := range cases {
		_, err := codec.DecryptString(c)
		require.Error(t, err, "input %q", c)
		assert.ErrorIs(t, err, ErrMalformedSecret, "input %q", c)
		assert.False(t, errors.Is(err, ErrDecryptFailed), "malformed input must not report tamper: %q", c)
	}
}

func TestStoredFormHasThreeSegments(t *testing.T) {
	codec, err := New(testKey(t))
	require.NoError(t, err)

	stored, err := codec.EncryptToString("abc")
	require.NoError(t, err)

	// base64 of 16-byte segments never contains a dot, so the storage
	// form always splits cleanly.
	assert.Len(t, strings.Split(stored, "."), 3)
}
