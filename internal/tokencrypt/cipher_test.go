package tokencrypt

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRejectsEmptySecret(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := New("installation-secret")
	require.NoError(t, err)

	for _, plaintext := range []string{"", "short", "a-much-longer-access-token-with-structure.abc.def"} {
		blob, err := c.Encrypt(plaintext)
		require.NoError(t, err)
		require.NotContains(t, blob, plaintext)

		got, err := c.Decrypt(blob)
		require.NoError(t, err)
		require.Equal(t, plaintext, got)
	}
}

func TestEncryptProducesUniqueBlobs(t *testing.T) {
	c, err := New("installation-secret")
	require.NoError(t, err)

	first, err := c.Encrypt("same-token")
	require.NoError(t, err)
	second, err := c.Encrypt("same-token")
	require.NoError(t, err)
	require.NotEqual(t, first, second)
}

func TestDecryptRejectsTamperedBlob(t *testing.T) {
	c, err := New("installation-secret")
	require.NoError(t, err)

	blob, err := c.Encrypt("access-token")
	require.NoError(t, err)

	raw, err := base64.RawStdEncoding.DecodeString(blob)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01
	tampered := base64.RawStdEncoding.EncodeToString(raw)

	_, err = c.Decrypt(tampered)
	require.ErrorIs(t, err, ErrDecryptFailed)
}

func TestDecryptRejectsWrongSecret(t *testing.T) {
	first, err := New("secret-one")
	require.NoError(t, err)
	second, err := New("secret-two")
	require.NoError(t, err)

	blob, err := first.Encrypt("access-token")
	require.NoError(t, err)

	_, err = second.Decrypt(blob)
	require.ErrorIs(t, err, ErrDecryptFailed)
}

func TestDecryptRejectsMalformedInput(t *testing.T) {
	c, err := New("installation-secret")
	require.NoError(t, err)

	for _, input := range []string{"not base64!!!", "c2hvcnQ", ""} {
		_, err := c.Decrypt(input)
		require.ErrorIs(t, err, ErrInvalidBlob, input)
	}
}
