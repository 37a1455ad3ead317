package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credential-broker/internal/common/errors"
)

func testRequest() *RefreshRequest {
	return &RefreshRequest{
		InstanceID:   "inst-1",
		RefreshToken: "rt-old",
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		TokenURL:     "https://provider.example/oauth/token",
	}
}

func TestRelayClient_Refresh(t *testing.T) {
	t.Run("successful refresh", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/oauth/token", r.URL.Path)
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
			assert.Equal(t, "rt-old", r.Form.Get("refresh_token"))
			assert.Equal(t, "client-1", r.Form.Get("client_id"))
			assert.Equal(t, "https://provider.example/oauth/token", r.Form.Get("token_url"))

			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"access_token":"at-new","refresh_token":"rt-new","expires_in":3600,"scope":"mail"}`))
		}))
		defer server.Close()

		client := NewRelayClient(server.URL, 5*time.Second, nil)
		token, err := client.Refresh(context.Background(), testRequest())

		require.NoError(t, err)
		assert.Equal(t, "at-new", token.AccessToken)
		assert.Equal(t, "rt-new", token.RefreshToken)
		assert.Equal(t, 3600, token.ExpiresIn)
		assert.Equal(t, "mail", token.Scope)
	})

	t.Run("invalid_grant maps to auth error with codes", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid_grant","error_description":"token revoked"}`))
		}))
		defer server.Close()

		client := NewRelayClient(server.URL, 5*time.Second, nil)
		_, err := client.Refresh(context.Background(), testRequest())

		require.Error(t, err)
		appErr, ok := err.(*errors.AppError)
		require.True(t, ok)
		assert.Equal(t, errors.ErrTypeAuth, appErr.Type)
		assert.Equal(t, http.StatusBadRequest, appErr.Context["status_code"])
		assert.Equal(t, "invalid_grant", appErr.Context["oauth_error"])
	})

	t.Run("server error maps to upstream error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		client := NewRelayClient(server.URL, 5*time.Second, nil)
		_, err := client.Refresh(context.Background(), testRequest())

		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrTypeUpstream))
		appErr := err.(*errors.AppError)
		assert.Equal(t, http.StatusServiceUnavailable, appErr.Context["status_code"])
	})

	t.Run("missing access token rejected", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"token_type":"Bearer"}`))
		}))
		defer server.Close()

		client := NewRelayClient(server.URL, 5*time.Second, nil)
		_, err := client.Refresh(context.Background(), testRequest())

		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrTypeUpstream))
	})

	t.Run("unreachable relay maps to connection error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		server.Close()

		client := NewRelayClient(server.URL, time.Second, nil)
		_, err := client.Refresh(context.Background(), testRequest())

		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrTypeConnection))
	})

	t.Run("auth errors do not trip the breaker", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid_grant"}`))
		}))
		defer server.Close()

		client := NewRelayClient(server.URL, 5*time.Second, nil)
		for i := 0; i < 10; i++ {
			_, err := client.Refresh(context.Background(), testRequest())
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrTypeAuth))
		}
	})

	t.Run("repeated server errors open the breaker", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		client := NewRelayClient(server.URL, 5*time.Second, nil)
		for i := 0; i < 5; i++ {
			client.Refresh(context.Background(), testRequest())
		}
		assert.Equal(t, "open", client.breaker.State())
	})
}

func TestClientNames(t *testing.T) {
	assert.Equal(t, "relay", NewRelayClient("http://relay", 0, nil).Name())
	assert.Equal(t, "direct", NewDirectClient(0).Name())
}

func TestDirectClient_Refresh(t *testing.T) {
	t.Run("successful refresh", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
			assert.Equal(t, "rt-old", r.Form.Get("refresh_token"))

			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"access_token":"at-direct","token_type":"Bearer","expires_in":1800,"scope":"mail"}`))
		}))
		defer server.Close()

		req := testRequest()
		req.TokenURL = server.URL

		token, err := NewDirectClient(5 * time.Second).Refresh(context.Background(), req)

		require.NoError(t, err)
		assert.Equal(t, "at-direct", token.AccessToken)
		assert.Equal(t, "mail", token.Scope)
		assert.InDelta(t, 1800, token.ExpiresIn, 5)
		// provider did not rotate the refresh token
		assert.Empty(t, token.RefreshToken)
	})

	t.Run("rotated refresh token reported", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"access_token":"at-direct","refresh_token":"rt-rotated","expires_in":1800}`))
		}))
		defer server.Close()

		req := testRequest()
		req.TokenURL = server.URL

		token, err := NewDirectClient(5 * time.Second).Refresh(context.Background(), req)

		require.NoError(t, err)
		assert.Equal(t, "rt-rotated", token.RefreshToken)
	})

	t.Run("invalid_grant maps to auth error with codes", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid_grant"}`))
		}))
		defer server.Close()

		req := testRequest()
		req.TokenURL = server.URL

		_, err := NewDirectClient(5 * time.Second).Refresh(context.Background(), req)

		require.Error(t, err)
		appErr, ok := err.(*errors.AppError)
		require.True(t, ok)
		assert.Equal(t, errors.ErrTypeAuth, appErr.Type)
		assert.Equal(t, "invalid_grant", appErr.Context["oauth_error"])
	})

	t.Run("server error maps to upstream error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`oops`))
		}))
		defer server.Close()

		req := testRequest()
		req.TokenURL = server.URL

		_, err := NewDirectClient(5 * time.Second).Refresh(context.Background(), req)

		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrTypeUpstream))
	})

	t.Run("missing token endpoint rejected", func(t *testing.T) {
		req := testRequest()
		req.TokenURL = ""

		_, err := NewDirectClient(5 * time.Second).Refresh(context.Background(), req)

		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrTypeConfig))
	})
}
