// Package cloudauth provides http.RoundTripper decorators that inject
// tracker credentials (Atlassian Cloud basic auth, personal access tokens,
// OAuth 2.0 refresh tokens) into outbound requests.
package cloudauth

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

// Auth methods accepted by New.
const (
	MethodNone  = "none"
	MethodBasic = "basic"
	MethodToken = "token"
	MethodOAuth = "oauth"
)

// DefaultTokenURL is the Atlassian OAuth 2.0 token endpoint.
const DefaultTokenURL = "https://auth.atlassian.com/oauth/token"

// Credentials selects and parameterizes an auth method.
type Credentials struct {
	Method       string
	Email        string // basic
	Token        string // basic API token or personal access token
	ClientID     string // oauth
	ClientSecret string // oauth
	RefreshToken string // oauth
	TokenURL     string // oauth; defaults to DefaultTokenURL
}

// New wraps base with the transport for creds.Method.
func New(ctx context.Context, base http.RoundTripper, creds Credentials) (http.RoundTripper, error) {
	switch creds.Method {
	case "", MethodNone:
		return base, nil
	case MethodBasic:
		if creds.Email == "" || creds.Token == "" {
			return nil, fmt.Errorf("cloudauth: basic auth requires email and token")
		}
		return &APIKeyTransport{
			Key:        basicCredential(creds.Email, creds.Token),
			HeaderName: "Authorization",
			Prefix:     "Basic ",
			Base:       base,
		}, nil
	case MethodToken:
		if creds.Token == "" {
			return nil, fmt.Errorf("cloudauth: token auth requires a token")
		}
		return &APIKeyTransport{Key: creds.Token, HeaderName: "Authorization", Prefix: "Bearer ", Base: base}, nil
	case MethodOAuth:
		if creds.ClientID == "" || creds.RefreshToken == "" {
			return nil, fmt.Errorf("cloudauth: oauth requires client_id and refresh_token")
		}
		return NewOAuthTransport(ctx, base, creds), nil
	default:
		return nil, fmt.Errorf("cloudauth: unknown auth method %q", creds.Method)
	}
}

// APIKeyTransport is an http.RoundTripper that injects a static credential
// header on every outbound request. Prefix is prepended to Key
// (e.g. "Bearer " for personal access tokens).
type APIKeyTransport struct {
	Key        string
	HeaderName string
	Prefix     string
	Base       http.RoundTripper
}

// RoundTrip clones the request and sets the auth header.
func (t *APIKeyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r2 := r.Clone(r.Context())
	r2.Header.Set(t.HeaderName, t.Prefix+t.Key)
	return t.base().RoundTrip(r2)
}

func (t *APIKeyTransport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func basicCredential(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}

// OAuthTransport injects an OAuth 2.0 bearer token on every outbound
// request. Tokens are cached and refreshed by the token source.
type OAuthTransport struct {
	base   http.RoundTripper
	source oauth2.TokenSource
}

// NewOAuthTransport returns a transport that exchanges creds.RefreshToken
// for access tokens at creds.TokenURL. ctx scopes the token HTTP client.
func NewOAuthTransport(ctx context.Context, base http.RoundTripper, creds Credentials) *OAuthTransport {
	tokenURL := creds.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	cfg := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL, AuthStyle: oauth2.AuthStyleInParams},
	}
	return newOAuthTransportFromSource(base, cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken}))
}

// newOAuthTransportFromSource creates an OAuthTransport with an explicit
// token source (used for testing).
func newOAuthTransportFromSource(base http.RoundTripper, ts oauth2.TokenSource) *OAuthTransport {
	return &OAuthTransport{
		base:   base,
		source: oauth2.ReuseTokenSource(nil, ts),
	}
}

// RoundTrip obtains a token and injects it as a Bearer header.
func (t *OAuthTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	tok, err := t.source.Token()
	if err != nil {
		return nil, fmt.Errorf("cloudauth: obtain oauth token: %w", err)
	}
	r2 := r.Clone(r.Context())
	r2.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	return t.getBase().RoundTrip(r2)
}

func (t *OAuthTransport) getBase() http.RoundTripper {
	if t.base != nil {
		return t.base
	}
	return http.DefaultTransport
}
