package authsvc

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// HandoffClaims are the short-lived JWT claims a hub mints so a browser
// can open a direct connection to an agent's P2P listener without the
// agent and client sharing a static token.
type HandoffClaims struct {
	jwt.RegisteredClaims
	MachineID string `json:"machine,omitempty"`
}

// HandoffTTL bounds how long a minted handoff token stays usable. The
// dashboard re-lists machines far more often than this, so a fresh token
// is always at hand.
const HandoffTTL = time.Hour

// GenerateECKey creates a new P-256 private key and returns it along with
// its base64-DER encoding, suitable for an environment variable.
func GenerateECKey() (*ecdsa.PrivateKey, string, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("generate ec key: %w", err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, "", fmt.Errorf("marshal ec key: %w", err)
	}
	return key, base64.StdEncoding.EncodeToString(der), nil
}

// ParseECKey parses a P-256 private key from PEM or base64-encoded DER.
func ParseECKey(data string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(data))
	if block != nil {
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse pem ec key: %w", err)
		}
		return key, nil
	}

	der, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decode base64 ec key: %w", err)
	}
	key, err := x509.ParseECPrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse der ec key: %w", err)
	}
	return key, nil
}

// MarshalECPublicKey returns the base64-encoded DER form of an ECDSA
// public key, for handing to agents out of band.
func MarshalECPublicKey(pub *ecdsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal ec public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// ParseECPublicKey parses a base64-encoded DER ECDSA public key.
func ParseECPublicKey(data string) (*ecdsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decode base64 ec public key: %w", err)
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse ec public key: %w", err)
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("key is not ECDSA P-256")
	}
	return ecPub, nil
}

// IssueHandoff creates an ES256-signed handoff JWT scoped to one machine.
func IssueHandoff(key *ecdsa.PrivateKey, machineID string) (string, error) {
	claims := HandoffClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(HandoffTTL)),
		},
		MachineID: machineID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign handoff jwt: %w", err)
	}
	return signed, nil
}

// ValidateHandoff verifies an ES256 handoff JWT and returns its claims.
func ValidateHandoff(pubKey *ecdsa.PublicKey, tokenString string) (*HandoffClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &HandoffClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return pubKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse handoff jwt: %w", err)
	}
	claims, ok := token.Claims.(*HandoffClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid handoff claims")
	}
	return claims, nil
}

// SetHandoffKey installs a public key so Authenticate will also accept a
// valid handoff JWT in the "handoff" query parameter. Used by the agent's
// P2P listener.
func (s *Service) SetHandoffKey(pub *ecdsa.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handoffKey = pub
}
