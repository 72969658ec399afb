// ABOUTME: Adapts a caller's bearer token to an oauth2.TokenSource
// ABOUTME: The token is static for the lifetime of one request and never refreshed

package gcp

import (
	"context"
	"net/http"

	"golang.org/x/oauth2"
)

// NewTokenSource returns an oauth2.TokenSource that always yields the given
// access token. There is no refresh token; an expired token surfaces as a 401
// from the upstream API.
func NewTokenSource(accessToken string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	})
}

// NewHTTPClient returns an HTTP client that attaches the caller's token to
// every request. base supplies the transport (nil uses http.DefaultTransport).
func NewHTTPClient(ctx context.Context, accessToken string, base *http.Client) *http.Client {
	if base != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	}
	return oauth2.NewClient(ctx, NewTokenSource(accessToken))
}
