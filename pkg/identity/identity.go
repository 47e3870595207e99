// Package identity manages the IOTICS identities the gateway acts with and
// mints the delegated tokens the backend accepts.
package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Iotic-Labs/iotics-identity-go/v3/pkg/api"
	"github.com/Iotic-Labs/iotics-identity-go/v3/pkg/register"
)

const (
	// UserKeyID names the key of users derived from delegated credentials.
	UserKeyID = "#user1"
	// AgentKeyID names the agent's key, and the default user's.
	AgentKeyID = "#app1"
	// DelegationID names the delegation from a user to the agent.
	DelegationID = "#del1"
)

var (
	ErrEmptySeed    = errors.New("empty seed")
	ErrEmptyKeyName = errors.New("empty key name")
	ErrInvalidSeed  = errors.New("seed is not hex encoded")
)

// DecodeSeed turns the hex seed of a credential into key material.
func DecodeSeed(seed string) ([]byte, error) {
	seed = strings.TrimSpace(seed)
	if seed == "" {
		return nil, ErrEmptySeed
	}
	b, err := hex.DecodeString(seed)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSeed, err)
	}
	return b, nil
}

// Identity is a user or agent registered with the resolver.
type Identity struct {
	DID     string
	KeyName string
	Name    string
}

// Issuer is the DID URL of the identity's key, as used in a token's iss claim.
func (i *Identity) Issuer() string {
	return i.DID + i.Name
}

// Agent is the identity tokens are minted by.
type Agent struct {
	Identity
	id register.AgentIdentity
}

func NewAgent(id register.AgentIdentity, keyName, name string) *Agent {
	return &Agent{
		Identity: Identity{DID: id.Did(), KeyName: keyName, Name: name},
		id:       id,
	}
}

// AuthToken mints a token letting the agent act on behalf of subject against
// audience for d.
func (a *Agent) AuthToken(subject, audience string, d time.Duration) (string, error) {
	tok, err := api.CreateAgentAuthToken(a.id, subject, d, audience)
	if err != nil {
		return "", fmt.Errorf("failed to mint token for %s: %w", a.Issuer(), err)
	}
	return string(tok), nil
}
