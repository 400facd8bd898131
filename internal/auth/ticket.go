// Package auth verifies the connection tickets presented on /ws. Tickets are
// HS256 JWTs issued elsewhere with the shared secret.
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jason-s-yu/tileclash/internal/apperr"
)

// Claims is a verified ticket.
type Claims struct {
	jwt.RegisteredClaims
	Name       string `json:"name"`
	Instance   string `json:"instance"`
	Initiative int    `json:"initiative"`
}

// PlayerID is the ticket subject.
func (c *Claims) PlayerID() string { return c.Subject }

// Verifier checks ticket signatures and claims.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

// NewVerifier creates a verifier for secret.
func NewVerifier(secret string) (*Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("ticket secret is required")
	}
	return &Verifier{secret: []byte(secret), now: time.Now}, nil
}

// Verify parses ticket and returns its claims. Any failure is an
// authorization error.
func (v *Verifier) Verify(ticket string) (*Claims, error) {
	ticket = strings.TrimSpace(ticket)
	if ticket == "" {
		return nil, apperr.Unauthorized("ticket is required")
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(ticket, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, mapJWTError(err)
	}
	if claims.Subject == "" {
		return nil, apperr.Unauthorized("ticket has no subject").WithDetail("field", "sub")
	}
	if claims.Instance == "" {
		return nil, apperr.Unauthorized("ticket names no instance").WithDetail("field", "instance")
	}
	return &claims, nil
}

// Sign issues a ticket. Production tickets come from the account service;
// this exists for tooling and tests.
func (v *Verifier) Sign(claims Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

func mapJWTError(err error) error {
	var e *apperr.Error
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		e = apperr.Unauthorized("ticket is expired")
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		e = apperr.Unauthorized("ticket is not valid yet")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		e = apperr.Unauthorized("ticket signature is invalid")
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		e = apperr.Unauthorized("ticket alg is invalid")
	default:
		e = apperr.Unauthorized("ticket is invalid")
	}
	e.Err = err
	return e
}
