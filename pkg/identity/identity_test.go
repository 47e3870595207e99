package identity_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smartrics/iotics-sparql-http/internal/mocks"
	"github.com/smartrics/iotics-sparql-http/pkg/identity"
	"github.com/smartrics/iotics-sparql-http/pkg/token"
)

const (
	agentSeed = "5d1c2b3a4f6e7d8c9b0a1f2e3d4c5b6a7988a7b6c5d4e3f2a1b0c9d8e7f6a5b4"
	userSeed  = "0f1e2d3c4b5a69788796a5b4c3d2e1f00112233445566778899aabbccddeeff0"
	otherSeed = "aabbccddeeff00112233445566778899a0b1c2d3e4f5a6b7c8d9e0f1a2b3c4d5"
)

func seedBytes(t *testing.T, seed string) []byte {
	t.Helper()
	b, err := identity.DecodeSeed(seed)
	require.NoError(t, err)
	return b
}

func newRegistrar(t *testing.T) (*identity.ResolverRegistrar, *mocks.ResolverServer) {
	t.Helper()
	resolver := mocks.NewResolverServer()
	t.Cleanup(resolver.Close)

	registrar, err := identity.NewResolverRegistrar(resolver.URL)
	require.NoError(t, err)
	return registrar, resolver
}

func newAgent(t *testing.T) *identity.Agent {
	t.Helper()
	registrar, _ := newRegistrar(t)
	agent, err := registrar.CreateAgent(context.Background(), seedBytes(t, agentSeed), "agent-key", identity.AgentKeyID)
	require.NoError(t, err)
	return agent
}

func TestDecodeSeed(t *testing.T) {
	tests := map[string]struct {
		seed    string
		wantErr error
	}{
		`hex`:     {seed: agentSeed},
		`padded`:  {seed: " " + agentSeed + " "},
		`empty`:   {seed: "  ", wantErr: identity.ErrEmptySeed},
		`not_hex`: {seed: "agent-seed", wantErr: identity.ErrInvalidSeed},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			b, err := identity.DecodeSeed(test.seed)
			if test.wantErr != nil {
				require.ErrorIs(t, err, test.wantErr)
				return
			}
			require.NoError(t, err)
			require.Len(t, b, 32)
		})
	}
}

func TestCreateAgentIsDeterministic(t *testing.T) {
	registrar, resolver := newRegistrar(t)
	ctx := context.Background()

	a, err := registrar.CreateAgent(ctx, seedBytes(t, agentSeed), "agent-key", identity.AgentKeyID)
	require.NoError(t, err)
	b, err := registrar.CreateAgent(ctx, seedBytes(t, agentSeed), "agent-key", identity.AgentKeyID)
	require.NoError(t, err)

	require.Equal(t, a.DID, b.DID)
	require.True(t, strings.HasPrefix(a.DID, "did:iotics:"))
	require.Equal(t, a.DID+identity.AgentKeyID, a.Issuer())
	require.True(t, resolver.Registered(a.DID))

	other, err := registrar.CreateAgent(ctx, seedBytes(t, otherSeed), "agent-key", identity.AgentKeyID)
	require.NoError(t, err)
	require.NotEqual(t, a.DID, other.DID)
}

func TestCreateAgentRejectsEmptyKeyName(t *testing.T) {
	registrar, resolver := newRegistrar(t)

	_, err := registrar.CreateAgent(context.Background(), seedBytes(t, agentSeed), " ", identity.AgentKeyID)
	require.ErrorIs(t, err, identity.ErrEmptyKeyName)
	require.Empty(t, resolver.Documents())
}

func TestDelegateUserRegistersUser(t *testing.T) {
	registrar, resolver := newRegistrar(t)
	ctx := context.Background()

	agent, err := registrar.CreateAgent(ctx, seedBytes(t, agentSeed), "agent-key", identity.AgentKeyID)
	require.NoError(t, err)

	user, err := registrar.DelegateUser(ctx, agent, seedBytes(t, userSeed), "user-key", identity.UserKeyID)
	require.NoError(t, err)
	require.NotEqual(t, agent.DID, user.DID)
	require.Equal(t, "user-key", user.KeyName)
	require.ElementsMatch(t, []string{agent.DID, user.DID}, resolver.DIDs())

	again, err := registrar.DelegateUser(ctx, agent, seedBytes(t, userSeed), "user-key", identity.UserKeyID)
	require.NoError(t, err)
	require.Equal(t, user.DID, again.DID)
}

func TestDelegateUserFailsWhenResolverRejects(t *testing.T) {
	registrar, resolver := newRegistrar(t)
	ctx := context.Background()

	agent, err := registrar.CreateAgent(ctx, seedBytes(t, agentSeed), "agent-key", identity.AgentKeyID)
	require.NoError(t, err)

	resolver.FailNext(10, 500)
	_, err = registrar.DelegateUser(ctx, agent, seedBytes(t, userSeed), "user-key", identity.UserKeyID)
	require.Error(t, err)
}

func TestAgentAuthToken(t *testing.T) {
	agent := newAgent(t)

	tok, err := agent.AuthToken("did:iotics:iotUser", "https://resolver.example", 10*time.Minute)
	require.NoError(t, err)

	claims, err := token.Parse(tok)
	require.NoError(t, err)
	require.Equal(t, agent.Issuer(), claims.Issuer())
	require.Equal(t, agent.DID, claims.AgentDID)
	require.Equal(t, "did:iotics:iotUser", claims.UserDID)
	require.WithinDuration(t, time.Now().Add(10*time.Minute), claims.Expiry, time.Minute)

	ok, reason := claims.Validate(time.Now())
	require.True(t, ok, reason)
}
