// Package credential implements the relay's shared-secret gate.
//
// A client proves knowledge of the secret either by sending it verbatim or
// by sending a short-lived HS256 token signed with it. The Go client always
// uses tokens so the secret itself never crosses the wire.
package credential

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrRejected is returned when a credential does not match the secret
var ErrRejected = errors.New("credential rejected")

const (
	// DefaultTokenTTL is how long an issued token stays valid.
	DefaultTokenTTL = time.Minute
	// Leeway absorbs wall-clock skew between client and relay when
	// checking a token's expiry.
	Leeway = 5 * time.Minute
)

// Verifier checks credentials against a shared secret.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

// NewVerifier returns nil when secret is empty, meaning the gate is open.
func NewVerifier(secret string) *Verifier {
	if secret == "" {
		return nil
	}
	return &Verifier{secret: []byte(secret), now: time.Now}
}

// Verify accepts the raw secret or a valid token signed with it.
func (v *Verifier) Verify(credential string) error {
	if credential == "" {
		return fmt.Errorf("%w: empty credential", ErrRejected)
	}
	if subtle.ConstantTimeCompare([]byte(credential), v.secret) == 1 {
		return nil
	}
	if strings.Count(credential, ".") != 2 {
		return ErrRejected
	}

	token, err := jwt.ParseWithClaims(credential, &jwt.RegisteredClaims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return v.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(Leeway),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	if !token.Valid {
		return ErrRejected
	}
	return nil
}

// Issue signs a token for subject, valid for ttl from issuedAt.
func Issue(secret, subject string, issuedAt time.Time, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign credential token: %w", err)
	}
	return signed, nil
}
