package github

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/essaytrainer/aigate/provider"
)

func TestNewEndpoint(t *testing.T) {
	_, err := NewEndpoint("", "")
	assert.Error(t, err)

	endpoint, err := NewEndpoint("", "token")
	require.NoError(t, err)
	assert.Equal(t, "github", endpoint.Name())
}

func TestComplete(t *testing.T) {
	t.Run("returns first choice", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
			assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"id":"1","object":"chat.completion","model":"openai/gpt-4.1-mini","choices":[{"index":0,"message":{"role":"assistant","content":"topic"},"finish_reason":"stop"}]}`))
		}))
		defer server.Close()

		endpoint, err := NewEndpoint(server.URL, "token")
		require.NoError(t, err)

		text, err := endpoint.Complete(context.Background(), &provider.Request{Model: "openai/gpt-4.1-mini", Prompt: "p", Temperature: 0.7})
		require.NoError(t, err)
		assert.Equal(t, "topic", text)
	})

	t.Run("rate limit maps to StatusError", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"message":"Rate limit reached","type":"rate_limit","code":"RateLimitReached"}}`))
		}))
		defer server.Close()

		endpoint, err := NewEndpoint(server.URL, "token")
		require.NoError(t, err)

		_, err = endpoint.Complete(context.Background(), &provider.Request{Model: "m", Prompt: "p"})
		var statusError *provider.StatusError
		require.True(t, errors.As(err, &statusError))
		assert.Equal(t, http.StatusTooManyRequests, statusError.StatusCode)
		assert.True(t, provider.NextModel(err))
	})

	t.Run("server error moves to next model", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`upstream exploded`))
		}))
		defer server.Close()

		endpoint, err := NewEndpoint(server.URL, "token")
		require.NoError(t, err)

		_, err = endpoint.Complete(context.Background(), &provider.Request{Model: "m", Prompt: "p"})
		assert.Error(t, err)
		assert.True(t, provider.NextModel(err))
	})
}
