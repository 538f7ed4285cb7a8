package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenClaims is the JWT payload the relay issues for authenticated
// bridges.
type TokenClaims struct {
	UserID string         `json:"user"`
	Extras map[string]any `json:"extras,omitempty"`
	jwt.RegisteredClaims
}

// TokenVerifier verifies relay-issued access tokens. The Ed25519 keypair is
// derived deterministically from the account master secret so both sides
// can validate without a key exchange.
type TokenVerifier struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

// NewTokenVerifier derives a verifier from the account master secret.
func NewTokenVerifier(masterSecret []byte) *TokenVerifier {
	seed := sha256.Sum256(masterSecret)
	privateKey := ed25519.NewKeyFromSeed(seed[:])
	return &TokenVerifier{
		privateKey: privateKey,
		publicKey:  privateKey.Public().(ed25519.PublicKey),
	}
}

// Sign creates a signed token for a user. Used by tests and the local
// loopback auth path.
func (v *TokenVerifier) Sign(userID string, extras map[string]any) (string, error) {
	claims := TokenClaims{
		UserID: userID,
		Extras: extras,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "tether-relay",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(v.privateKey)
}

// Verify parses and validates a token, returning its claims.
func (v *TokenVerifier) Verify(tokenString string) (*TokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.publicKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if claims, ok := token.Claims.(*TokenClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, fmt.Errorf("invalid token")
}
