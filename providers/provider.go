// Package providers defines the interface for federated identity providers
// and the registry that maps provider names to implementations.
package providers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/oauth2"
)

// ErrNotConfigured is returned by a provider whose client credentials are
// missing. The transport layer maps it to a server-side configuration error,
// never a client error.
var ErrNotConfigured = errors.New("provider client credentials are not configured")

// UnsupportedProviderError is returned by the registry for unknown provider names.
type UnsupportedProviderError struct {
	Name string
}

// Error implements the error interface
func (e *UnsupportedProviderError) Error() string {
	return fmt.Sprintf("provider %q is not supported", e.Name)
}

// Provider defines the capability contract for a federated identity provider:
// exchange an authorization code for a token, then fetch the user's profile
// with that token. Implementations must bound both outbound calls with a
// timeout and must not retain any state between calls.
type Provider interface {
	// Name returns the provider name (e.g., "github")
	Name() string

	// AuthorizationURL builds the URL to redirect users to for
	// authentication. Returns ErrNotConfigured when client credentials are
	// missing.
	AuthorizationURL(state string) (string, error)

	// ExchangeCode exchanges an authorization code for a token.
	// Returns standard oauth2.Token.
	ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error)

	// FetchProfile retrieves the authenticated user's profile using the token.
	FetchProfile(ctx context.Context, token *oauth2.Token) (*Profile, error)
}

// Profile represents user information from a provider. It is transient:
// used only to resolve or provision a local account, never persisted.
type Profile struct {
	// ID is the unique user identifier from the provider
	ID string

	// Email is the user's email address
	Email string

	// Name is the user's display name
	Name string

	// AvatarURL is the URL of the user's profile picture
	AvatarURL string
}

// Registry maps provider names to implementations.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

// Register adds a provider under its own name, replacing any previous
// registration with the same name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the provider registered under name, or
// *UnsupportedProviderError when none is.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, &UnsupportedProviderError{Name: name}
	}
	return p, nil
}

// Names returns the sorted names of all registered providers.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
