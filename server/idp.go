package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// IdentityProvider represents the minimal behaviour the login flows require
// from a configured OIDC provider.
type IdentityProvider interface {
	AuthCodeURL(state, nonce string) string
	Exchange(ctx context.Context, code, expectedNonce string) (Claims, error)
}

// Claims are the verified assertions extracted from a provider's ID token.
// They are never persisted; the email is used once to resolve a local
// account.
type Claims struct {
	Issuer  string
	Subject string
	Email   string
}

// tokenClient performs the server-to-server calls of the code exchange.
// Redirects are refused outright: following a redirect from a malicious
// token endpoint would amplify SSRF.
var tokenClient = &http.Client{
	Timeout: DefaultExchangeTimeout,
	CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return errors.New("redirects disabled for provider requests")
	},
}

// Registry resolves provider names to lazily discovered OIDC clients.
// Discovery metadata is fetched on first use and cached for the process
// lifetime; discovery failures are not cached, so a later login attempt
// retries.
type Registry struct {
	logger  *slog.Logger
	mu      sync.RWMutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	name     string
	upstream UpstreamProvider
	redirect string
	provider *OIDCProvider
}

// NewRegistry indexes the configured providers. No network calls happen
// here; discovery is deferred until a provider is first resolved.
func NewRegistry(cfg Config, logger *slog.Logger) *Registry {
	base := strings.TrimSuffix(cfg.Server.PublicURL, "/")
	entries := make(map[string]*registryEntry)
	for name, upstream := range cfg.providerMap() {
		if !upstream.Configured() {
			continue
		}
		entries[name] = &registryEntry{
			name:     name,
			upstream: upstream,
			redirect: base + "/" + name + "/callback",
		}
	}
	return &Registry{logger: logger, entries: entries}
}

// Names lists the resolvable provider names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}

// Resolve returns the named provider, running discovery on first use.
// Concurrent first callers may fetch redundantly; the first stored result
// wins and no lock is held across the network call.
func (r *Registry) Resolve(ctx context.Context, name string) (IdentityProvider, error) {
	entry, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}

	r.mu.RLock()
	cached := entry.provider
	r.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	dctx, cancel := context.WithTimeout(ctx, DefaultDiscoveryTimeout)
	defer cancel()
	provider, err := newOIDCProvider(dctx, entry.name, entry.upstream, entry.redirect, r.logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDiscovery, name, err)
	}

	r.mu.Lock()
	if entry.provider == nil {
		entry.provider = provider
	}
	provider = entry.provider
	r.mu.Unlock()

	return provider, nil
}

// OIDCProvider wraps a discovered provider's endpoints and verifier.
type OIDCProvider struct {
	name        string
	oauthConfig *oauth2.Config
	verifier    *oidc.IDTokenVerifier
	logger      *slog.Logger
}

func newOIDCProvider(ctx context.Context, name string, upstream UpstreamProvider, redirect string, logger *slog.Logger) (*OIDCProvider, error) {
	issuer := upstream.Issuer
	if upstream.TenantID != "" {
		if resolved, ok := resolveMicrosoftTenantIssuer(upstream.Issuer, upstream.TenantID); ok {
			issuer = resolved
		}
	}

	op, err := oidc.NewProvider(oidc.ClientContext(ctx, tokenClient), issuer)
	if err != nil {
		return nil, fmt.Errorf("discover provider %s: %w", name, err)
	}

	oauthCfg := &oauth2.Config{
		ClientID:     upstream.ClientID,
		ClientSecret: upstream.ClientSecret,
		RedirectURL:  redirect,
		Endpoint:     op.Endpoint(),
		Scopes:       []string{oidc.ScopeOpenID, "email"},
	}

	verifier := op.Verifier(&oidc.Config{ClientID: upstream.ClientID})

	return &OIDCProvider{
		name:        name,
		oauthConfig: oauthCfg,
		verifier:    verifier,
		logger:      logger,
	}, nil
}

// AuthCodeURL constructs the authorization request for the provider.
func (p *OIDCProvider) AuthCodeURL(state, nonce string) string {
	return p.oauthConfig.AuthCodeURL(state, oidc.Nonce(nonce))
}

// Exchange completes the code exchange and returns verified claims. The
// nonce in the ID token must match the one issued at login initiation.
func (p *OIDCProvider) Exchange(ctx context.Context, code, expectedNonce string) (Claims, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, tokenClient)
	ctx = oidc.ClientContext(ctx, tokenClient)

	tok, err := p.oauthConfig.Exchange(ctx, code)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %s: %v", ErrTokenExchange, p.name, err)
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return Claims{}, fmt.Errorf("%w: %s: id_token missing in response", ErrTokenExchange, p.name)
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %s: %v", ErrClaimsVerification, p.name, err)
	}

	var payload struct {
		Nonce string `json:"nonce"`
		Email string `json:"email"`
	}
	if err := idToken.Claims(&payload); err != nil {
		return Claims{}, fmt.Errorf("%w: %s: parse claims: %v", ErrClaimsVerification, p.name, err)
	}

	if payload.Nonce == "" || payload.Nonce != expectedNonce {
		return Claims{}, fmt.Errorf("%w: %s: nonce mismatch", ErrClaimsVerification, p.name)
	}

	if payload.Email == "" {
		return Claims{}, fmt.Errorf("%w: %s", ErrMissingEmail, p.name)
	}

	return Claims{
		Issuer:  idToken.Issuer,
		Subject: idToken.Subject,
		Email:   payload.Email,
	}, nil
}

func resolveMicrosoftTenantIssuer(base, tenant string) (string, bool) {
	if base == "" || tenant == "" {
		return base, false
	}
	if !strings.Contains(base, "login.microsoftonline.com") {
		return base, false
	}

	trimmed := strings.TrimSuffix(base, "/")
	if strings.Contains(trimmed, "{tenant}") {
		return strings.ReplaceAll(trimmed, "{tenant}", tenant), true
	}

	const segment = "/common"
	idx := strings.Index(trimmed, segment)
	if idx == -1 {
		return base, false
	}
	prefix := trimmed[:idx]
	suffix := trimmed[idx+len(segment):]
	if len(suffix) > 0 && suffix[0] != '/' {
		suffix = "/" + suffix
	}
	return prefix + "/" + tenant + suffix, true
}
