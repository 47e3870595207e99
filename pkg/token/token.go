// Package token decodes bearer tokens into the claims the gateway needs to
// authorize a query. Signatures are not checked here: the backend verifies
// every token it receives.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	fragmentDelimiter = "#"

	// InvalidClaimsReason is reported when a required claim is missing or the
	// token has expired.
	InvalidClaimsReason = "invalid token: missing issuer, subject or already expired"
)

// MalformedTokenError is returned by Parse when the token cannot be decoded.
type MalformedTokenError struct {
	cause error
}

func (e *MalformedTokenError) Error() string {
	return fmt.Sprintf("malformed token: %v", e.cause)
}

func (e *MalformedTokenError) Unwrap() error {
	return e.cause
}

// Claims are the authorization relevant fields of a bearer token.
type Claims struct {
	// AgentDID is the issuer identifier without its key fragment.
	AgentDID string
	// AgentFragment is the key name after '#' in the issuer, if any.
	AgentFragment string
	// UserDID is the subject on whose behalf the agent acts.
	UserDID string
	Expiry  time.Time
}

var parser = jwt.NewParser(jwt.WithoutClaimsValidation())

// Parse decodes tokenString. Only the payload is inspected.
func Parse(tokenString string) (*Claims, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return nil, &MalformedTokenError{cause: errors.New("empty token")}
	}

	registered := &jwt.RegisteredClaims{}
	if _, _, err := parser.ParseUnverified(tokenString, registered); err != nil {
		return nil, &MalformedTokenError{cause: err}
	}

	claims := &Claims{UserDID: registered.Subject}
	if registered.ExpiresAt != nil {
		claims.Expiry = registered.ExpiresAt.Time
	}

	parts := strings.Split(registered.Issuer, fragmentDelimiter)
	if len(parts) == 2 {
		claims.AgentDID = parts[0]
		claims.AgentFragment = parts[1]
	}

	return claims, nil
}

// Validate judges the claims against now. It never panics: any failure while
// evaluating is reported as a reason.
func (c *Claims) Validate(now time.Time) (ok bool, reason string) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			reason = fmt.Sprintf("invalid token: %v", r)
		}
	}()

	if c.UserDID == "" || c.AgentDID == "" || c.AgentFragment == "" || !c.Expiry.After(now.UTC()) {
		return false, InvalidClaimsReason
	}
	return true, ""
}

// Valid is shorthand for Validate(time.Now()).
func (c *Claims) Valid() bool {
	ok, _ := c.Validate(time.Now())
	return ok
}

// Issuer rebuilds the issuer claim from its parts.
func (c *Claims) Issuer() string {
	if c.AgentFragment == "" {
		return c.AgentDID
	}
	return c.AgentDID + fragmentDelimiter + c.AgentFragment
}
