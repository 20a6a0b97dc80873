// Package auth covers the hub's two trust boundaries: operator bearer tokens
// on the HTTP API and hub signatures on work assignments. Operator tokens are
// stored as bcrypt hashes; assignments carry short-lived HS256 JWTs that a
// claiming node must present back.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Errors surfaced at the trust boundaries.
var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrInvalidSignature = errors.New("invalid hub signature")
)

// TokenVerifier checks operator bearer tokens against stored bcrypt hashes.
type TokenVerifier struct {
	hashes []string
}

// NewTokenVerifier takes the configured bcrypt hashes of accepted tokens.
func NewTokenVerifier(hashes []string) *TokenVerifier {
	return &TokenVerifier{hashes: hashes}
}

// Verify reports whether the presented token matches any accepted hash.
func (v *TokenVerifier) Verify(token string) error {
	if token == "" {
		return ErrInvalidToken
	}
	for _, h := range v.hashes {
		if bcrypt.CompareHashAndPassword([]byte(h), []byte(token)) == nil {
			return nil
		}
	}
	return ErrInvalidToken
}

// HashToken produces the bcrypt hash to store in configuration.
func HashToken(token string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash token: %w", err)
	}
	return string(h), nil
}

// Signer mints and verifies hub signatures. A signature binds one proposal to
// one node for the lifetime of the assignment; nodes cannot claim work that
// was not signed over to them.
type Signer struct {
	secret []byte
	clock  func() time.Time
}

// NewSigner creates a signer from the shared hub secret.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (s *Signer) WithClock(clock func() time.Time) *Signer {
	s.clock = clock
	return s
}

type assignmentClaims struct {
	ProposalID string `json:"proposal_id"`
	NodeID     string `json:"node_id"`
	jwt.RegisteredClaims
}

// SignAssignment mints the hub signature for one assignment.
func (s *Signer) SignAssignment(proposalID, nodeID string, expiresAt time.Time) (string, error) {
	now := s.clock().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, assignmentClaims{
		ProposalID: proposalID,
		NodeID:     nodeID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "fleethub",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign assignment: %w", err)
	}
	return signed, nil
}

// VerifyAssignment checks a presented hub signature against the proposal and
// node it claims to cover.
func (s *Signer) VerifyAssignment(signature, proposalID, nodeID string) error {
	claims := &assignmentClaims{}
	token, err := jwt.ParseWithClaims(signature, claims,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithTimeFunc(func() time.Time { return s.clock().UTC() }),
	)
	if err != nil || !token.Valid {
		return fmt.Errorf("auth: %w: %v", ErrInvalidSignature, err)
	}
	if claims.ProposalID != proposalID || claims.NodeID != nodeID {
		return fmt.Errorf("auth: signature covers %s/%s: %w",
			claims.ProposalID, claims.NodeID, ErrInvalidSignature)
	}
	return nil
}
