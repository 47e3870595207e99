package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func mint(t *testing.T, issuer, subject string, expiry time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{Issuer: issuer, Subject: subject}
	if !expiry.IsZero() {
		claims.ExpiresAt = jwt.NewNumericDate(expiry)
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("not-verified"))
	require.NoError(t, err)
	return signed
}

func TestParse(t *testing.T) {
	expiry := time.Now().Add(time.Hour).Truncate(time.Second)
	tok := mint(t, "did:iotics:agent#app1", "did:iotics:user", expiry)

	claims, err := Parse(tok)
	require.NoError(t, err)
	require.Equal(t, "did:iotics:agent", claims.AgentDID)
	require.Equal(t, "app1", claims.AgentFragment)
	require.Equal(t, "did:iotics:user", claims.UserDID)
	require.True(t, expiry.Equal(claims.Expiry))
	require.Equal(t, "did:iotics:agent#app1", claims.Issuer())
}

func TestParseIssuerWithoutFragmentLeavesAgentUnset(t *testing.T) {
	claims, err := Parse(mint(t, "did:iotics:agent", "did:iotics:user", time.Now().Add(time.Hour)))
	require.NoError(t, err)
	require.Empty(t, claims.AgentDID)
	require.Empty(t, claims.AgentFragment)

	ok, reason := claims.Validate(time.Now())
	require.False(t, ok)
	require.Equal(t, InvalidClaimsReason, reason)
}

func TestParseIssuerWithTooManyFragments(t *testing.T) {
	claims, err := Parse(mint(t, "did:a#b#c", "did:iotics:user", time.Now().Add(time.Hour)))
	require.NoError(t, err)
	require.Empty(t, claims.AgentDID)
	require.False(t, claims.Valid())
}

func TestParseMalformed(t *testing.T) {
	for _, tok := range []string{"", "   ", "abc", "a.b.c", "user:seed"} {
		_, err := Parse(tok)
		var malformed *MalformedTokenError
		require.ErrorAs(t, err, &malformed, tok)
		require.Contains(t, err.Error(), "malformed token")
	}
}

func TestValidate(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	valid := Claims{
		AgentDID:      "did:iotics:agent",
		AgentFragment: "app1",
		UserDID:       "did:iotics:user",
		Expiry:        now.Add(time.Minute),
	}

	tests := []struct {
		name   string
		mutate func(c *Claims)
		valid  bool
	}{
		{name: "all_present_future_expiry", mutate: func(c *Claims) {}, valid: true},
		{name: "missing_issuer", mutate: func(c *Claims) { c.AgentDID = "" }},
		{name: "missing_fragment", mutate: func(c *Claims) { c.AgentFragment = "" }},
		{name: "missing_subject", mutate: func(c *Claims) { c.UserDID = "" }},
		{name: "expired", mutate: func(c *Claims) { c.Expiry = now.Add(-time.Second) }},
		{name: "expires_now", mutate: func(c *Claims) { c.Expiry = now }},
		{name: "no_expiry", mutate: func(c *Claims) { c.Expiry = time.Time{} }},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c := valid
			test.mutate(&c)
			ok, reason := c.Validate(now)
			require.Equal(t, test.valid, ok)
			if test.valid {
				require.Empty(t, reason)
			} else {
				require.Equal(t, InvalidClaimsReason, reason)
			}
		})
	}
}

func TestValidateComparesInUTC(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*60*60)
	now := time.Date(2026, 1, 1, 17, 0, 0, 0, loc)
	c := Claims{AgentDID: "a", AgentFragment: "f", UserDID: "u", Expiry: now.UTC().Add(time.Second)}

	ok, _ := c.Validate(now)
	require.True(t, ok)
}

func TestValidateNeverPanics(t *testing.T) {
	var c *Claims
	require.NotPanics(t, func() {
		ok, reason := c.Validate(time.Now())
		require.False(t, ok)
		require.Contains(t, reason, "invalid token: ")
	})
}
