package identity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Iotic-Labs/iotics-identity-go/v3/pkg/api"
	"github.com/Iotic-Labs/iotics-identity-go/v3/pkg/register"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"
)

const indexPath = "/index.json"

// NewHTTPClient returns a retrying client for host index and resolver calls.
func NewHTTPClient(maxRetries int, timeout time.Duration) *http.Client {
	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = maxRetries
	client.HTTPClient.Timeout = timeout
	return client.StandardClient()
}

// HostURL turns a host DNS name into the base URL its index is served from.
// Values that already carry a scheme are returned as is.
func HostURL(host string) string {
	host = strings.TrimSuffix(strings.TrimSpace(host), "/")
	if strings.Contains(host, "://") {
		return host
	}
	return "https://" + host
}

// DiscoverResolver reads the resolver address advertised in the host's
// index document.
func DiscoverResolver(ctx context.Context, client *http.Client, host string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, HostURL(host)+indexPath, nil)
	if err != nil {
		return "", fmt.Errorf("error forming request to get host index: %w", err)
	}

	res, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("error getting host index: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status code getting host index: %v", res.StatusCode)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", fmt.Errorf("error reading response body: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return "", errors.New("failed parsing host index")
	}

	resolver := gjson.GetBytes(body, "resolver").String()
	if resolver == "" {
		return "", errors.New("missing resolver value")
	}
	return strings.TrimSuffix(resolver, "/"), nil
}

// Registrar creates identities with the DID resolver.
type Registrar interface {
	// CreateAgent returns the agent for seed, registering it if the resolver
	// does not know it yet.
	CreateAgent(ctx context.Context, seed []byte, keyName, name string) (*Agent, error)
	// DelegateUser returns the user for seed, registering it if needed, and
	// records that it delegates authentication to agent.
	DelegateUser(ctx context.Context, agent *Agent, seed []byte, keyName, name string) (*Identity, error)
}

// ResolverRegistrar talks to an IOTICS resolver over its REST API.
type ResolverRegistrar struct {
	resolver register.ResolverClient
}

var _ Registrar = (*ResolverRegistrar)(nil)

func NewResolverRegistrar(resolverURL string) (*ResolverRegistrar, error) {
	u, err := url.Parse(strings.TrimSuffix(resolverURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid resolver address '%s': %w", resolverURL, err)
	}
	return &ResolverRegistrar{resolver: register.NewDefaultRestResolverClient(u)}, nil
}

func (r *ResolverRegistrar) CreateAgent(ctx context.Context, seed []byte, keyName, name string) (*Agent, error) {
	if strings.TrimSpace(keyName) == "" {
		return nil, ErrEmptyKeyName
	}
	id, err := api.CreateAgentIdentity(ctx, r.resolver, &api.CreateIdentityOpts{
		Seed:    seed,
		KeyName: keyName,
		Name:    name,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating agent identity: %w", err)
	}
	return NewAgent(id, keyName, name), nil
}

func (r *ResolverRegistrar) DelegateUser(ctx context.Context, agent *Agent, seed []byte, keyName, name string) (*Identity, error) {
	if strings.TrimSpace(keyName) == "" {
		return nil, ErrEmptyKeyName
	}
	user, err := api.CreateUserIdentity(ctx, r.resolver, &api.CreateIdentityOpts{
		Seed:    seed,
		KeyName: keyName,
		Name:    name,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating user identity: %w", err)
	}
	if err := api.UserDelegatesAuthenticationToAgent(ctx, r.resolver, agent.id, user, DelegationID); err != nil {
		return nil, fmt.Errorf("error delegating authentication of %s: %w", user.Did(), err)
	}
	return &Identity{DID: user.Did(), KeyName: keyName, Name: name}, nil
}
