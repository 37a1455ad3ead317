package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"credential-broker/internal/circuitbreaker"
	"credential-broker/internal/common/errors"
	"credential-broker/internal/common/logging"
)

// RelayClient refreshes tokens through the relay, an indirection service
// that holds provider allowlists and performs the upstream token call on our
// behalf. It is the primary path; a circuit breaker trips it fast so callers
// fail over to the direct path instead of queueing behind a dead relay.
type RelayClient struct {
	baseURL    string
	httpClient *http.Client
	breaker    *circuitbreaker.GoBreakerAdapter
}

// NewRelayClient creates the primary refresh client. timeout bounds each
// token request independently of the caller's context.
func NewRelayClient(baseURL string, timeout time.Duration, logger logging.Logger) *RelayClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RelayClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		breaker: circuitbreaker.NewGoBreaker("relay-token-endpoint", circuitbreaker.RelayConfig, logger),
	}
}

func (c *RelayClient) Name() string {
	return "relay"
}

// Refresh exchanges the refresh token for a new access token via the relay.
func (c *RelayClient) Refresh(ctx context.Context, req *RefreshRequest) (*Token, error) {
	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", req.RefreshToken)
	data.Set("client_id", req.ClientID)
	data.Set("client_secret", req.ClientSecret)
	data.Set("token_url", req.TokenURL)
	if req.Scope != "" {
		data.Set("scope", req.Scope)
	}

	var token *Token
	err := c.breaker.Execute(ctx, func() error {
		var reqErr error
		token, reqErr = c.requestToken(ctx, data)
		return reqErr
	})
	if err != nil {
		return nil, err
	}
	return token, nil
}

func (c *RelayClient) requestToken(ctx context.Context, data url.Values) (*Token, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/oauth/token", strings.NewReader(data.Encode()))
	if err != nil {
		return nil, errors.InternalError("failed to create token request", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.TimeoutError("relay token request").WithContext("cause", err.Error())
		}
		return nil, errors.ConnectionError("relay token request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, tokenEndpointError(resp)
	}

	var token Token
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, errors.UpstreamError("failed to decode relay token response", err)
	}
	if token.AccessToken == "" {
		return nil, errors.UpstreamError("relay token response missing access_token", nil)
	}
	return &token, nil
}

// tokenEndpointError turns a non-200 token response into a structured error.
// RFC 6749 4xx error codes describe a credential or request problem and map
// to auth errors so the breaker does not count them against the endpoint;
// everything else is an upstream failure.
func tokenEndpointError(resp *http.Response) *errors.AppError {
	var body struct {
		Error       string `json:"error"`
		Description string `json:"error_description"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)

	var appErr *errors.AppError
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && body.Error != "" {
		appErr = errors.AuthError(fmt.Sprintf("token endpoint rejected refresh: %s - %s", body.Error, body.Description))
	} else {
		appErr = errors.UpstreamError(fmt.Sprintf("token request failed with status %d", resp.StatusCode), nil)
	}

	appErr = appErr.WithContext("status_code", resp.StatusCode)
	if body.Error != "" {
		appErr = appErr.WithContext("oauth_error", body.Error)
	}
	return appErr
}
