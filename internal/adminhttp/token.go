package adminhttp

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ReadPrivateKeyFile reads a PEM encoded PKCS #8 ed25519 private key.
func ReadPrivateKeyFile(name string) (ed25519.PrivateKey, error) {
	privateKeyPemBytes, err := os.ReadFile(name)
	if err != nil {
		return ed25519.PrivateKey{}, err
	}
	privateKeyPemBlock, _ := pem.Decode(privateKeyPemBytes)
	if privateKeyPemBlock == nil {
		return ed25519.PrivateKey{}, errors.New("not a PEM file")
	}
	privateKeyAny, err := x509.ParsePKCS8PrivateKey(privateKeyPemBlock.Bytes)
	if err != nil {
		return ed25519.PrivateKey{}, err
	}
	privateKey, ok := privateKeyAny.(ed25519.PrivateKey)
	if !ok {
		return ed25519.PrivateKey{}, errors.New("not an ed25519 private key file")
	}
	return privateKey, nil
}

// ReadPublicKeyFile reads a PEM encoded PKIX ed25519 public key.
func ReadPublicKeyFile(name string) (ed25519.PublicKey, error) {
	publicKeyPemBytes, err := os.ReadFile(name)
	if err != nil {
		return ed25519.PublicKey{}, err
	}
	publicKeyPemBlock, _ := pem.Decode(publicKeyPemBytes)
	if publicKeyPemBlock == nil {
		return ed25519.PublicKey{}, errors.New("not a PEM file")
	}
	publicKeyAny, err := x509.ParsePKIXPublicKey(publicKeyPemBlock.Bytes)
	if err != nil {
		return ed25519.PublicKey{}, err
	}
	publicKey, ok := publicKeyAny.(ed25519.PublicKey)
	if !ok {
		return ed25519.PublicKey{}, errors.New("not an ed25519 public key file")
	}
	return publicKey, nil
}

// WriteKeyFiles generates a key pair and writes it as PEM files.
func WriteKeyFiles(privateName, publicName string) error {
	publicKey, privateKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		return err
	}
	privateBytes, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return err
	}
	publicBytes, err := x509.MarshalPKIXPublicKey(publicKey)
	if err != nil {
		return err
	}
	err = os.WriteFile(privateName, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privateBytes}), 0o600)
	if err != nil {
		return err
	}
	return os.WriteFile(publicName, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicBytes}), 0o644)
}

// NewToken returns a signed token for the operator subject valid for ttl.
func NewToken(key ed25519.PrivateKey, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	jwtToken := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		ID:        uuid.NewString(),
	})
	return jwtToken.SignedString(key)
}

// parseToken returns the subject of a valid token.
func parseToken(key ed25519.PublicKey, s string) (string, error) {
	jwtToken, err := jwt.ParseWithClaims(
		s,
		&jwt.RegisteredClaims{},
		func(t *jwt.Token) (any, error) {
			return key, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", err
	}
	claims := jwtToken.Claims.(*jwt.RegisteredClaims)
	if claims.Subject == "" {
		return "", errors.New("empty sub token claim")
	}
	if claims.ID == "" {
		return "", errors.New("empty jti token claim")
	}
	if _, err = uuid.Parse(claims.ID); err != nil {
		return "", fmt.Errorf("jti token claim: %w", err)
	}
	return claims.Subject, nil
}
