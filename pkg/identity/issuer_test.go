package identity_test

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/stretchr/testify/require"

	"github.com/smartrics/iotics-sparql-http/pkg/identity"
	"github.com/smartrics/iotics-sparql-http/pkg/token"
)

type countingRegistrar struct {
	calls atomic.Int32

	mu    sync.Mutex
	err   error
	block chan struct{}
}

func (r *countingRegistrar) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *countingRegistrar) CreateAgent(context.Context, []byte, string, string) (*identity.Agent, error) {
	return nil, errors.New("agents are created with the resolver")
}

func (r *countingRegistrar) DelegateUser(ctx context.Context, _ *identity.Agent, seed []byte, keyName, name string) (*identity.Identity, error) {
	r.calls.Add(1)
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	r.mu.Lock()
	err := r.err
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &identity.Identity{
		DID:     "did:iotics:iot" + hex.EncodeToString(seed[:8]) + keyName,
		KeyName: keyName,
		Name:    name,
	}, nil
}

func TestTokenForPassesPlainTokensThrough(t *testing.T) {
	registrar := &countingRegistrar{}
	issuer := identity.NewIssuer(newAgent(t), identity.WithRegistrar(registrar))

	for _, bearer := range []string{"eyJhbGciOi.payload.sig", ":leading-colon", "no-colon"} {
		tok, err := issuer.TokenFor(context.Background(), bearer, time.Minute)
		require.NoError(t, err)
		require.Equal(t, bearer, tok)
	}
	require.Zero(t, registrar.calls.Load())
}

func TestTokenForMintsDelegatedToken(t *testing.T) {
	agent := newAgent(t)
	issuer := identity.NewIssuer(agent,
		identity.WithAudience("https://resolver.example"),
		identity.WithRegistrar(&countingRegistrar{}),
	)

	tok, err := issuer.TokenFor(context.Background(), "user-key:"+userSeed, 10*time.Minute)
	require.NoError(t, err)

	claims, err := token.Parse(tok)
	require.NoError(t, err)
	require.Equal(t, agent.Issuer(), claims.Issuer())
	require.Equal(t, "did:iotics:iot"+userSeed[:16]+"user-key", claims.UserDID)
	require.WithinDuration(t, time.Now().Add(10*time.Minute), claims.Expiry, time.Minute)
}

func TestTokenForRejectsMalformedCredentials(t *testing.T) {
	registrar := &countingRegistrar{}
	issuer := identity.NewIssuer(newAgent(t), identity.WithRegistrar(registrar))

	for _, bearer := range []string{"key:seed:extra", "key:", "key:not-a-hex-seed"} {
		_, err := issuer.TokenFor(context.Background(), bearer, time.Minute)
		var de *identity.DelegationError
		require.ErrorAs(t, err, &de, bearer)
	}
	require.Zero(t, registrar.calls.Load())
}

func TestTokenForWithoutRegistrar(t *testing.T) {
	issuer := identity.NewIssuer(newAgent(t))

	_, err := issuer.TokenFor(context.Background(), "user-key:"+userSeed, time.Minute)
	var de *identity.DelegationError
	require.ErrorAs(t, err, &de)
}

func TestTokenForRegistersEachDelegationOnce(t *testing.T) {
	registrar := &countingRegistrar{}
	issuer := identity.NewIssuer(newAgent(t), identity.WithRegistrar(registrar))

	p := pool.New().WithErrors()
	for i := 0; i < 50; i++ {
		p.Go(func() error {
			_, err := issuer.TokenFor(context.Background(), "user-key:"+userSeed, time.Minute)
			return err
		})
	}
	require.NoError(t, p.Wait())
	require.Equal(t, int32(1), registrar.calls.Load())

	_, err := issuer.TokenFor(context.Background(), "other-key:"+userSeed, time.Minute)
	require.NoError(t, err)
	require.Equal(t, int32(2), registrar.calls.Load())
}

func TestTokenForRetriesFailedRegistration(t *testing.T) {
	registrar := &countingRegistrar{}
	registrar.setErr(errors.New("resolver down"))
	issuer := identity.NewIssuer(newAgent(t), identity.WithRegistrar(registrar))

	_, err := issuer.TokenFor(context.Background(), "user-key:"+userSeed, time.Minute)
	var de *identity.DelegationError
	require.ErrorAs(t, err, &de)
	require.ErrorContains(t, err, "resolver down")

	registrar.setErr(nil)
	_, err = issuer.TokenFor(context.Background(), "user-key:"+userSeed, time.Minute)
	require.NoError(t, err)
	require.Equal(t, int32(2), registrar.calls.Load())
}

func TestTokenForSurvivesCancelledFirstRequest(t *testing.T) {
	registrar := &countingRegistrar{block: make(chan struct{})}
	issuer := identity.NewIssuer(newAgent(t), identity.WithRegistrar(registrar))

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := issuer.TokenFor(ctx, "user-key:"+userSeed, time.Minute)
		first <- err
	}()

	require.Eventually(t, func() bool { return registrar.calls.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-first, context.Canceled)

	second := make(chan error, 1)
	go func() {
		_, err := issuer.TokenFor(context.Background(), "user-key:"+userSeed, time.Minute)
		second <- err
	}()
	close(registrar.block)

	require.NoError(t, <-second)
	require.Equal(t, int32(1), registrar.calls.Load())
}

func TestDelegationTimeout(t *testing.T) {
	registrar := &countingRegistrar{block: make(chan struct{})}
	defer close(registrar.block)
	issuer := identity.NewIssuer(newAgent(t),
		identity.WithRegistrar(registrar),
		identity.WithDelegationTimeout(20*time.Millisecond),
	)

	_, err := issuer.TokenFor(context.Background(), "user-key:"+userSeed, time.Minute)
	var de *identity.DelegationError
	require.ErrorAs(t, err, &de)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDefaultToken(t *testing.T) {
	agent := newAgent(t)
	registrar := &countingRegistrar{}

	_, err := identity.NewIssuer(agent, identity.WithRegistrar(registrar)).DefaultToken(context.Background(), time.Minute)
	require.ErrorIs(t, err, identity.ErrNoDefaultUser)

	issuer := identity.NewIssuer(agent,
		identity.WithRegistrar(registrar),
		identity.WithDefaultUser("user-key", userSeed),
	)
	require.True(t, issuer.HasDefaultUser())

	defaultTok, err := issuer.DefaultToken(context.Background(), time.Minute)
	require.NoError(t, err)

	claims, err := token.Parse(defaultTok)
	require.NoError(t, err)
	require.Equal(t, "did:iotics:iot"+userSeed[:16]+"user-key", claims.UserDID)
	require.Equal(t, agent.Issuer(), claims.Issuer())
}

func TestBootstrapRegistersDefaultUser(t *testing.T) {
	registrar, resolver := newRegistrar(t)
	agent, err := registrar.CreateAgent(context.Background(), seedBytes(t, agentSeed), "agent-key", identity.AgentKeyID)
	require.NoError(t, err)

	resolver.FailNext(1, http.StatusBadRequest)
	issuer := identity.NewIssuer(agent,
		identity.WithRegistrar(registrar),
		identity.WithAudience(resolver.URL),
		identity.WithDefaultUser("user-key", userSeed),
	)

	require.NoError(t, issuer.Bootstrap(context.Background(), 10*time.Second))
	require.Len(t, resolver.DIDs(), 2)
	registered := len(resolver.Documents())

	_, err = issuer.DefaultToken(context.Background(), time.Minute)
	require.NoError(t, err)
	require.Len(t, resolver.Documents(), registered)
}

func TestBootstrapWithoutDefaultUser(t *testing.T) {
	registrar := &countingRegistrar{}
	issuer := identity.NewIssuer(newAgent(t), identity.WithRegistrar(registrar))

	require.NoError(t, issuer.Bootstrap(context.Background(), time.Second))
	require.Zero(t, registrar.calls.Load())
}

func TestBootstrapRejectsInvalidSeedAtOnce(t *testing.T) {
	registrar := &countingRegistrar{}
	issuer := identity.NewIssuer(newAgent(t),
		identity.WithRegistrar(registrar),
		identity.WithDefaultUser("user-key", "user-seed"),
	)

	err := issuer.Bootstrap(context.Background(), time.Minute)
	var de *identity.DelegationError
	require.ErrorAs(t, err, &de)
	require.ErrorContains(t, err, "seed is not hex encoded")
	require.Zero(t, registrar.calls.Load())
}

func TestBootstrapStopsOnCancel(t *testing.T) {
	registrar := &countingRegistrar{}
	registrar.setErr(errors.New("resolver down"))
	issuer := identity.NewIssuer(newAgent(t),
		identity.WithRegistrar(registrar),
		identity.WithDefaultUser("user-key", userSeed),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.Error(t, issuer.Bootstrap(ctx, time.Minute))
}
