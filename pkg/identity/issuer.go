package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/smartrics/iotics-sparql-http/pkg/cache"
	"github.com/smartrics/iotics-sparql-http/pkg/logger"
)

// ErrNoDefaultUser is returned by DefaultToken when no user identity is
// configured for anonymous access.
var ErrNoDefaultUser = errors.New("no default user configured")

// DelegationError reports a delegated credential that could not be turned
// into a token.
type DelegationError struct {
	Reason string
	Err    error
}

func (e *DelegationError) Error() string {
	if e.Err == nil {
		return "unable to delegate: " + e.Reason
	}
	return fmt.Sprintf("unable to delegate: %s: %v", e.Reason, e.Err)
}

func (e *DelegationError) Unwrap() error {
	return e.Err
}

// IsDelegated reports whether a bearer value is a "keyName:seed" credential
// rather than a ready made token.
func IsDelegated(bearer string) bool {
	return strings.Index(bearer, ":") > 0
}

// Issuer mints tokens for users on behalf of the agent identity. Users are
// derived and their delegation registered at most once per credential.
type Issuer struct {
	agent     *Agent
	audience  string
	registrar Registrar

	defaultKeyName string
	defaultSeed    string

	userCache         cache.Cache[*Identity]
	delegationTimeout time.Duration
	users             *cache.Loader[*Identity]

	logger logger.Logger
}

type IssuerOption func(*Issuer)

// WithAudience sets the aud claim of minted tokens, normally the resolver URL.
func WithAudience(audience string) IssuerOption {
	return func(i *Issuer) {
		i.audience = audience
	}
}

// WithRegistrar creates users and registers their delegation to the agent.
// Without one only plain bearer tokens are accepted.
func WithRegistrar(r Registrar) IssuerOption {
	return func(i *Issuer) {
		i.registrar = r
	}
}

// WithDefaultUser configures the user anonymous requests act as.
func WithDefaultUser(keyName, seed string) IssuerOption {
	return func(i *Issuer) {
		i.defaultKeyName = keyName
		i.defaultSeed = seed
	}
}

// WithUserCache replaces the unbounded user cache.
func WithUserCache(c cache.Cache[*Identity]) IssuerOption {
	return func(i *Issuer) {
		i.userCache = c
	}
}

// WithDelegationTimeout bounds the creation and delegation of a new user.
// It runs detached from the request that asked for it.
func WithDelegationTimeout(d time.Duration) IssuerOption {
	return func(i *Issuer) {
		i.delegationTimeout = d
	}
}

func WithLogger(l logger.Logger) IssuerOption {
	return func(i *Issuer) {
		i.logger = l
	}
}

func NewIssuer(agent *Agent, opts ...IssuerOption) *Issuer {
	i := &Issuer{
		agent:  agent,
		logger: logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.userCache == nil {
		i.userCache = cache.NewInMemoryCache[*Identity]()
	}
	i.users = cache.NewLoader("identity_users", i.userCache,
		cache.WithLoadTimeout[*Identity](i.delegationTimeout))
	return i
}

// Agent returns the identity tokens are issued by.
func (i *Issuer) Agent() *Agent {
	return i.agent
}

// HasDefaultUser reports whether DefaultToken can succeed.
func (i *Issuer) HasDefaultUser() bool {
	return i.defaultSeed != "" && i.defaultKeyName != ""
}

// TokenFor resolves the bearer value of a request. Plain tokens are returned
// unchanged. Delegated credentials of the form "keyName:seed" yield a token
// for that user valid for d.
func (i *Issuer) TokenFor(ctx context.Context, bearer string, d time.Duration) (string, error) {
	if !IsDelegated(bearer) {
		return bearer, nil
	}

	parts := strings.Split(bearer, ":")
	if len(parts) != 2 || parts[1] == "" {
		return "", &DelegationError{Reason: "credential must have the form keyName:seed"}
	}

	user, err := i.user(ctx, parts[0], parts[1], UserKeyID)
	if err != nil {
		return "", err
	}
	return i.mint(user, d)
}

// DefaultToken returns a token for the configured default user.
func (i *Issuer) DefaultToken(ctx context.Context, d time.Duration) (string, error) {
	if !i.HasDefaultUser() {
		return "", ErrNoDefaultUser
	}
	user, err := i.user(ctx, i.defaultKeyName, i.defaultSeed, AgentKeyID)
	if err != nil {
		return "", err
	}
	return i.mint(user, d)
}

// Bootstrap registers the default user delegation, retrying with
// exponential backoff until it succeeds, maxElapsed passes or ctx is done.
func (i *Issuer) Bootstrap(ctx context.Context, maxElapsed time.Duration) error {
	if !i.HasDefaultUser() {
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = maxElapsed

	return backoff.Retry(func() error {
		_, err := i.user(ctx, i.defaultKeyName, i.defaultSeed, AgentKeyID)
		if err != nil {
			var de *DelegationError
			if errors.As(err, &de) && de.Err == nil {
				return backoff.Permanent(err)
			}
			i.logger.Warn("failed to register default user delegation, retrying", zap.Error(err))
		}
		return err
	}, backoff.WithContext(policy, ctx))
}

func (i *Issuer) user(ctx context.Context, keyName, seed, name string) (*Identity, error) {
	key := keyName + ":" + seed
	return i.users.Get(ctx, key, func(ctx context.Context) (*Identity, error) {
		log := i.logger.With(zap.String("key_name", keyName), logger.Fingerprint("credential", key))

		material, err := DecodeSeed(seed)
		if err != nil {
			return nil, &DelegationError{Reason: err.Error()}
		}
		if i.registrar == nil {
			return nil, &DelegationError{Reason: "no resolver configured for delegated credentials"}
		}

		user, err := i.registrar.DelegateUser(ctx, i.agent, material, keyName, name)
		if err != nil {
			if errors.Is(err, ErrEmptyKeyName) {
				return nil, &DelegationError{Reason: err.Error()}
			}
			log.WarnWithContext(ctx, "delegation registration failed", zap.Error(err))
			return nil, &DelegationError{Reason: "failed to register delegation", Err: err}
		}

		log.InfoWithContext(ctx, "user delegation ready", zap.String("user_did", user.DID))
		return user, nil
	})
}

func (i *Issuer) mint(user *Identity, d time.Duration) (string, error) {
	tok, err := i.agent.AuthToken(user.DID, i.audience, d)
	if err != nil {
		return "", &DelegationError{Reason: "failed to mint token", Err: err}
	}
	return tok, nil
}

// Close releases the user cache.
func (i *Issuer) Close() {
	i.users.Close()
}
