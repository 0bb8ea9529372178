package provider

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	gojose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"

	"github.com/tuneway/tuneway-connect/internal/domain/connect"
)

const assertionTTL = 5 * time.Minute

// clientAssertion signs an ES256 JWT client assertion for providers using
// the private_key_jwt scheme (the Apple Music convention). keyPEM is the
// provider's EC signing key in PKCS#8 or SEC1 PEM form.
func clientAssertion(p connect.Provider, audience, keyPEM string) (string, error) {
	key, err := parseECKey(keyPEM)
	if err != nil {
		return "", err
	}

	signer, err := gojose.NewSigner(
		gojose.SigningKey{Algorithm: gojose.ES256, Key: key},
		(&gojose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("new signer: %w", err)
	}

	now := time.Now().UTC()
	claims := gojwt.Claims{
		Issuer:   p.ClientID,
		Subject:  p.ClientID,
		Audience: gojwt.Audience{audience},
		IssuedAt: gojwt.NewNumericDate(now),
		Expiry:   gojwt.NewNumericDate(now.Add(assertionTTL)),
		ID:       uuid.NewString(),
	}

	assertion, err := gojwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("serialize assertion: %w", err)
	}
	return assertion, nil
}

func parseECKey(keyPEM string) (any, error) {
	block, _ := pem.Decode([]byte(keyPEM))
	if block == nil {
		return nil, fmt.Errorf("signing key is not PEM encoded")
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	return key, nil
}
