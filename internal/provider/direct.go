package provider

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"credential-broker/internal/common/errors"
)

// DirectClient refreshes tokens against the provider's token endpoint
// directly, bypassing the relay. It is the fallback path used when the
// primary is classified as unavailable.
type DirectClient struct {
	timeout time.Duration
}

// NewDirectClient creates the fallback refresh client. timeout bounds each
// token request independently of the caller's context.
func NewDirectClient(timeout time.Duration) *DirectClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &DirectClient{timeout: timeout}
}

func (c *DirectClient) Name() string {
	return "direct"
}

// Refresh exchanges the refresh token at the instance's own token endpoint.
func (c *DirectClient) Refresh(ctx context.Context, req *RefreshRequest) (*Token, error) {
	if req.TokenURL == "" {
		return nil, errors.ConfigError("instance has no token endpoint configured").
			WithContext("instance_id", req.InstanceID)
	}

	conf := &oauth2.Config{
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  req.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Timeout: c.timeout})

	src := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: req.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, translateOAuth2Error(ctx, err)
	}

	token := &Token{
		AccessToken: tok.AccessToken,
		TokenType:   tok.TokenType,
	}
	// TokenSource returns the original refresh token back; only report a
	// rotation to the caller
	if tok.RefreshToken != req.RefreshToken {
		token.RefreshToken = tok.RefreshToken
	}
	if !tok.Expiry.IsZero() {
		token.ExpiresIn = int(time.Until(tok.Expiry).Seconds())
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		token.Scope = scope
	}
	return token, nil
}

// translateOAuth2Error maps x/oauth2 failures into structured errors carrying
// the provider's status and error code where available.
func translateOAuth2Error(ctx context.Context, err error) *errors.AppError {
	var retrieveErr *oauth2.RetrieveError
	if stderrors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}

		var appErr *errors.AppError
		if status >= 400 && status < 500 && retrieveErr.ErrorCode != "" {
			appErr = errors.AuthError("provider rejected refresh: " + retrieveErr.ErrorCode)
		} else {
			appErr = errors.UpstreamError("provider token request failed", err)
		}

		appErr = appErr.WithContext("status_code", status)
		if retrieveErr.ErrorCode != "" {
			appErr = appErr.WithContext("oauth_error", retrieveErr.ErrorCode)
		}
		return appErr
	}

	if ctx.Err() == context.DeadlineExceeded {
		return errors.TimeoutError("provider token request").WithContext("cause", err.Error())
	}
	return errors.ConnectionError("provider token request failed", err)
}
