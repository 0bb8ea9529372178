package provider

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	gojose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/require"

	"github.com/tuneway/tuneway-connect/internal/domain/connect"
)

func testSigningKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}))
}

func TestClientAssertionClaims(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	keyPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))

	p := connect.Provider{ID: "apple_music", ClientID: "team.tuneway.connect"}
	raw, err := clientAssertion(p, "https://appleid.apple.test/auth/token", keyPEM)
	require.NoError(t, err)

	token, err := gojwt.ParseSigned(raw, []gojose.SignatureAlgorithm{gojose.ES256})
	require.NoError(t, err)

	var claims gojwt.Claims
	require.NoError(t, token.Claims(&key.PublicKey, &claims))
	require.Equal(t, "team.tuneway.connect", claims.Issuer)
	require.Equal(t, "team.tuneway.connect", claims.Subject)
	require.Equal(t, gojwt.Audience{"https://appleid.apple.test/auth/token"}, claims.Audience)
	require.NotEmpty(t, claims.ID)
	require.WithinDuration(t,
		claims.IssuedAt.Time().Add(assertionTTL),
		claims.Expiry.Time(),
		time.Second)
}

func TestParseECKeyAcceptsBothEncodings(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	sec1, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	for _, block := range []*pem.Block{
		{Type: "EC PRIVATE KEY", Bytes: sec1},
		{Type: "PRIVATE KEY", Bytes: pkcs8},
	} {
		parsed, err := parseECKey(string(pem.EncodeToMemory(block)))
		require.NoError(t, err)
		require.NotNil(t, parsed)
	}
}

func TestParseECKeyRejectsGarbage(t *testing.T) {
	_, err := parseECKey("not a pem block")
	require.Error(t, err)
}
