// Package provider implements the token refresh paths against OAuth
// providers: the primary relay endpoint and the direct fallback.
package provider

import (
	"context"
)

// Refresh path tags recorded in audit entries and metrics. The tag reflects
// the path's position in the refresh strategy, independent of which client
// backs it.
const (
	MethodPrimary  = "primary"
	MethodFallback = "fallback"
)

// RefreshRequest carries everything a refresh path needs to mint a new
// access token for one instance.
type RefreshRequest struct {
	InstanceID   string
	RefreshToken string
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scope        string
}

// Token is a provider token response. ExpiresIn is the reported lifetime in
// seconds; zero means the provider did not report one and the caller applies
// its default lifetime. RefreshToken is only set when the provider rotated it.
type Token struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Client is one refresh path. Implementations must return structured errors
// carrying "status_code" and "oauth_error" context where the provider reported
// them, so classification can work from codes before falling back to message
// text.
type Client interface {
	Name() string
	Refresh(ctx context.Context, req *RefreshRequest) (*Token, error)
}
