// Package auth implements the bearer-token credential table and JWT
// session-resumption tokens (spec §4.J). Tokens are `<agent-id>:<secret>`;
// the server holds a table of agent-id to Argon2id secret hash and
// validates with constant-time comparison.
package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrUnauthorized is returned for any bearer-token validation failure:
// malformed token, unknown agent-id, or wrong secret.
var ErrUnauthorized = errors.New("auth: unauthorized")

// Table is the server-held credential store: agent-id maps to an Argon2id
// hash of its secret. Safe for concurrent use; reloadable via Register/Remove
// without restarting the process.
type Table struct {
	mu     sync.RWMutex
	hashes map[string]string
}

// NewTable returns an empty credential table.
func NewTable() *Table {
	return &Table{hashes: make(map[string]string)}
}

// Register stores agentID with a freshly hashed secret, replacing any
// existing credential for that agent.
func (t *Table) Register(agentID, secret string) error {
	hash, err := HashSecret(secret)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.hashes[agentID] = hash
	t.mu.Unlock()
	return nil
}

// Remove revokes agentID's credential.
func (t *Table) Remove(agentID string) {
	t.mu.Lock()
	delete(t.hashes, agentID)
	t.mu.Unlock()
}

// Authenticate validates a raw bearer token of the form `<agent-id>:<secret>`
// and returns the agent-id on success. An unknown agent-id still runs the
// Argon2id hash via dummyVerify so the failure path costs the same as a
// wrong-secret rejection, per §4.J.
func (t *Table) Authenticate(token string) (string, error) {
	agentID, secret, ok := strings.Cut(token, ":")
	if !ok || agentID == "" || secret == "" {
		dummyVerify()
		return "", ErrUnauthorized
	}

	t.mu.RLock()
	hash, known := t.hashes[agentID]
	t.mu.RUnlock()

	if !known {
		dummyVerify()
		return "", ErrUnauthorized
	}

	valid, err := VerifySecret(secret, hash)
	if err != nil || !valid {
		return "", ErrUnauthorized
	}
	return agentID, nil
}

// Claims extends jwt.RegisteredClaims with the agent-id a session token
// resumes as.
type Claims struct {
	jwt.RegisteredClaims
	AgentID string `json:"agent_id"`
}

const issuer = "cstp"

// JWTManager issues and validates Ed25519-signed session-resumption tokens,
// used by the agent-tooling transport to avoid re-presenting the bearer
// token on every call within a session.
type JWTManager struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	expiration time.Duration
}

// NewJWTManager creates a JWTManager from PEM key files. If paths are
// empty, an ephemeral key pair is generated (development only — sessions
// do not survive a restart).
func NewJWTManager(privateKeyPath, publicKeyPath string, expiration time.Duration) (*JWTManager, error) {
	if privateKeyPath == "" || publicKeyPath == "" {
		slog.Warn("auth: no JWT key files configured, generating ephemeral key pair (not for production)")
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("auth: generate key pair: %w", err)
		}
		return &JWTManager{privateKey: priv, publicKey: pub, expiration: expiration}, nil
	}

	privPEM, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("auth: read private key: %w", err)
	}
	block, _ := pem.Decode(privPEM)
	if block == nil {
		return nil, fmt.Errorf("auth: decode private key PEM")
	}
	privKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse private key: %w", err)
	}
	edPriv, ok := privKey.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("auth: private key is not Ed25519")
	}

	pubPEM, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("auth: read public key: %w", err)
	}
	pubBlock, _ := pem.Decode(pubPEM)
	if pubBlock == nil {
		return nil, fmt.Errorf("auth: decode public key PEM")
	}
	pubKey, err := x509.ParsePKIXPublicKey(pubBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	edPub, ok := pubKey.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("auth: public key is not Ed25519")
	}

	return &JWTManager{privateKey: edPriv, publicKey: edPub, expiration: expiration}, nil
}

// IssueSessionToken creates a signed JWT that resumes as agentID.
func (m *JWTManager) IssueSessionToken(agentID string) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(m.expiration)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentID,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{issuer},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		AgentID: agentID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign session token: %w", err)
	}
	return signed, exp, nil
}

// ValidateSessionToken parses and validates a session token, returning its claims.
func (m *JWTManager) ValidateSessionToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return m.publicKey, nil
		},
		jwt.WithAudience(issuer),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate session token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}
	if claims.Issuer != issuer {
		return nil, fmt.Errorf("auth: invalid issuer: %s", claims.Issuer)
	}
	if claims.AgentID == "" {
		return nil, fmt.Errorf("auth: missing agent_id claim")
	}

	return claims, nil
}
