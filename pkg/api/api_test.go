package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/NovaMesh/novalink-client/pkg/network"
	"github.com/NovaMesh/novalink-client/pkg/storage"
)

func newTestServer(t *testing.T, config *Config) *Server {
	t.Helper()

	identity := storage.NewMemoryIdentity()
	client := network.NewClient(network.DefaultConfig("wss://relay.invalid/link"), identity)
	t.Cleanup(func() { client.Close() })

	return NewServer(client, identity, config)
}

func TestAPIHealth(t *testing.T) {
	server := newTestServer(t, DefaultConfig())

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	server.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response HealthResponse
	err := json.Unmarshal(w.Body.Bytes(), &response)
	assert.NoError(t, err)

	assert.True(t, response.Success)
	assert.Equal(t, "ok", response.Status)
	assert.Equal(t, "idle", response.State)
}

func TestAPISessionStatus(t *testing.T) {
	server := newTestServer(t, DefaultConfig())

	req := httptest.NewRequest("GET", "/api/v1/session/status", nil)
	w := httptest.NewRecorder()

	server.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response SessionStatusResponse
	err := json.Unmarshal(w.Body.Bytes(), &response)
	assert.NoError(t, err)

	assert.True(t, response.Success)
	assert.False(t, response.Established)
	assert.Equal(t, "idle", response.Stats["state"])
}

func TestAPISendMessageQueuesWhileIdle(t *testing.T) {
	server := newTestServer(t, DefaultConfig())

	body, _ := json.Marshal(SendMessageRequest{
		Payload: json.RawMessage(`{"type":"chat","body":"hello"}`),
	})
	req := httptest.NewRequest("POST", "/api/v1/messages", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	server.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)

	var response SendMessageResponse
	err := json.Unmarshal(w.Body.Bytes(), &response)
	assert.NoError(t, err)

	assert.True(t, response.Success)
	assert.True(t, response.Queued)
}

func TestAPISendMessageValidation(t *testing.T) {
	server := newTestServer(t, DefaultConfig())

	t.Run("MissingPayload", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/v1/messages", bytes.NewReader([]byte(`{}`)))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()

		server.router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("MalformedBody", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/v1/messages", bytes.NewReader([]byte(`not json`)))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()

		server.router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestAPIDisconnectWhileIdle(t *testing.T) {
	server := newTestServer(t, DefaultConfig())

	req := httptest.NewRequest("POST", "/api/v1/connection/disconnect", nil)
	w := httptest.NewRecorder()

	server.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPIIdentity(t *testing.T) {
	server := newTestServer(t, DefaultConfig())

	req := httptest.NewRequest("GET", "/api/v1/node/identity", nil)
	w := httptest.NewRecorder()

	server.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response IdentityResponse
	err := json.Unmarshal(w.Body.Bytes(), &response)
	assert.NoError(t, err)

	assert.True(t, response.Success)
	assert.NotEmpty(t, response.PublicKey)
}

func TestAPIRateLimiting(t *testing.T) {
	config := DefaultConfig()
	config.RateLimit = 5 // Very low limit for testing

	server := newTestServer(t, config)

	limitExceeded := false
	for i := 0; i < 10; i++ {
		req := httptest.NewRequest("GET", "/health", nil)
		w := httptest.NewRecorder()

		server.router.ServeHTTP(w, req)

		if w.Code == http.StatusTooManyRequests {
			limitExceeded = true
			break
		}
	}

	assert.True(t, limitExceeded, "Rate limit should have been exceeded")
}

func TestAPIKeyAuth(t *testing.T) {
	config := DefaultConfig()
	config.APIKeys = map[string]bool{"secret-key": true}

	server := newTestServer(t, config)

	t.Run("MissingKey", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/health", nil)
		w := httptest.NewRecorder()

		server.router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("ValidKey", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/health", nil)
		req.Header.Set("X-API-Key", "secret-key")
		w := httptest.NewRecorder()

		server.router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})
}
