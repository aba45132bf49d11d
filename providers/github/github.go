// Package github implements the providers.Provider interface for GitHub OAuth.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	oauthgithub "golang.org/x/oauth2/github"

	"github.com/mocksmith/mocksmith/internal/util"
	"github.com/mocksmith/mocksmith/providers"
)

// Compile-time check that Provider implements the providers.Provider interface.
var _ providers.Provider = (*Provider)(nil)

// providerName is the name returned by Provider.Name().
const providerName = "github"

// defaultAPIBaseURL is the GitHub REST API base.
const defaultAPIBaseURL = "https://api.github.com"

// defaultRequestTimeout bounds each outbound call to GitHub. The whole
// callback makes two calls (token exchange + profile fetch), each within
// this budget.
const defaultRequestTimeout = 10 * time.Second

// Provider implements the providers.Provider interface for GitHub OAuth.
type Provider struct {
	config         *oauth2.Config
	apiBaseURL     string
	httpClient     *http.Client
	requestTimeout time.Duration
}

// Config holds GitHub OAuth configuration.
type Config struct {
	// ClientID is the GitHub OAuth App client ID.
	ClientID string

	// ClientSecret is the GitHub OAuth App client secret.
	ClientSecret string

	// RedirectURL is the OAuth callback URL of the frontend.
	RedirectURL string

	// Scopes are optional custom scopes (defaults to ["user:email", "read:user"]).
	Scopes []string

	// AuthURL and TokenURL override GitHub's OAuth endpoints, for testing
	// against a fake provider. Empty means the real endpoints.
	AuthURL  string
	TokenURL string

	// APIBaseURL overrides the GitHub API base URL, for testing.
	APIBaseURL string

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client

	// RequestTimeout is the timeout for each GitHub call (default: 10s).
	RequestTimeout time.Duration
}

// NewProvider creates a new GitHub OAuth provider.
//
// Missing client credentials are not an error here: the provider registers
// fine and fails with providers.ErrNotConfigured when exercised, so the
// server can report the configuration problem at request time.
func NewProvider(cfg *Config) *Provider {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"user:email", "read:user"}
	}
	scopesCopy := make([]string, len(scopes))
	copy(scopesCopy, scopes)

	endpoint := oauthgithub.Endpoint
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}

	apiBaseURL := cfg.APIBaseURL
	if apiBaseURL == "" {
		apiBaseURL = defaultAPIBaseURL
	}

	requestTimeout := cfg.RequestTimeout
	if requestTimeout == 0 {
		requestTimeout = defaultRequestTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}

	return &Provider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopesCopy,
			Endpoint:     endpoint,
		},
		apiBaseURL:     apiBaseURL,
		httpClient:     httpClient,
		requestTimeout: requestTimeout,
	}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// Configured reports whether client credentials are present.
func (p *Provider) Configured() bool {
	return p.config.ClientID != "" && p.config.ClientSecret != ""
}

// AuthorizationURL generates the GitHub OAuth authorization URL.
func (p *Provider) AuthorizationURL(state string) (string, error) {
	if !p.Configured() {
		return "", providers.ErrNotConfigured
	}
	return p.config.AuthCodeURL(state), nil
}

// ensureContextTimeout ensures the context has a deadline, adding one if needed.
// Returns a new context with timeout and a cancel function that should be deferred.
func (p *Provider) ensureContextTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.requestTimeout)
}

// ExchangeCode exchanges an authorization code for a token.
func (p *Provider) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	if !p.Configured() {
		return nil, providers.ErrNotConfigured
	}

	ctx, cancel := p.ensureContextTimeout(ctx)
	defer cancel()

	// Use the provider's HTTP client for the exchange
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	return token, nil
}

// FetchProfile retrieves the authenticated user's profile from GitHub's
// /user endpoint, falling back to /user/emails when the public email is
// hidden.
func (p *Provider) FetchProfile(ctx context.Context, token *oauth2.Token) (*providers.Profile, error) {
	ctx, cancel := p.ensureContextTimeout(ctx)
	defer cancel()

	var ghUser struct {
		ID        int64  `json:"id"`
		Login     string `json:"login"`
		Name      string `json:"name"`
		Email     string `json:"email"`
		AvatarURL string `json:"avatar_url"`
	}

	if err := p.getJSON(ctx, token.AccessToken, "/user", &ghUser); err != nil {
		return nil, fmt.Errorf("failed to fetch user info: %w", err)
	}

	email := ghUser.Email
	if email == "" {
		primary, err := p.fetchPrimaryEmail(ctx, token.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch user email: %w", err)
		}
		email = primary
	}

	// GitHub users may hide their display name; fall back to the login.
	name := ghUser.Name
	if name == "" {
		name = ghUser.Login
	}

	return &providers.Profile{
		ID:        fmt.Sprintf("%d", ghUser.ID),
		Email:     email,
		Name:      name,
		AvatarURL: ghUser.AvatarURL,
	}, nil
}

// fetchPrimaryEmail fetches the user's primary email from /user/emails.
func (p *Provider) fetchPrimaryEmail(ctx context.Context, accessToken string) (string, error) {
	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}

	if err := p.getJSON(ctx, accessToken, "/user/emails", &emails); err != nil {
		return "", err
	}

	for _, e := range emails {
		if e.Primary {
			return e.Email, nil
		}
	}
	for _, e := range emails {
		if e.Verified {
			return e.Email, nil
		}
	}

	return "", fmt.Errorf("no usable email on github account")
}

// getJSON performs an authenticated GET against the GitHub API and decodes
// the JSON response.
func (p *Provider) getJSON(ctx context.Context, accessToken, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/vnd.github.v3+json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("github request %s failed with status %d: %s",
			path, resp.StatusCode, util.SafeTruncate(string(body), 200))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}
