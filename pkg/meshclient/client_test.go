package meshclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heymex/MeshyMcMapface/internal/codec"
	"github.com/heymex/MeshyMcMapface/pkg/api"
	"github.com/heymex/MeshyMcMapface/pkg/delivery"
)

func TestNewClient(t *testing.T) {
	t.Run("valid_config", func(t *testing.T) {
		client, err := NewClient(Config{ServerURL: "http://localhost:8082"})
		require.NoError(t, err)
		assert.Equal(t, 30*time.Second, client.config.Timeout)
		assert.Equal(t, "http://localhost:8082", client.ServerURL())
	})

	t.Run("missing_server_url", func(t *testing.T) {
		client, err := NewClient(Config{})
		assert.Nil(t, client)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ServerURL is required")
	})

	t.Run("invalid_server_url", func(t *testing.T) {
		_, err := NewClient(Config{ServerURL: "://invalid-url"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid ServerURL")
	})

	t.Run("unsupported_compression", func(t *testing.T) {
		_, err := NewClient(Config{ServerURL: "http://localhost", Compression: "gzip"})
		require.Error(t, err)
	})
}

func TestClient_SubmitEvents(t *testing.T) {
	t.Run("sends_batch_with_key_and_token", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, api.PathAgentEvents, r.URL.Path)
			assert.Equal(t, "Bearer agent-token", r.Header.Get("Authorization"))
			assert.Equal(t, "key-1", r.Header.Get(api.HeaderIdempotencyKey))
			assert.Empty(t, r.Header.Get("Content-Encoding"))

			var batch api.EventBatch
			require.NoError(t, json.NewDecoder(r.Body).Decode(&batch))
			assert.Equal(t, "agent-1", batch.AgentID)
			assert.Len(t, batch.Events, 1)

			json.NewEncoder(w).Encode(api.IngestResponse{Accepted: 1})
		}))
		defer server.Close()

		client, err := NewClient(Config{ServerURL: server.URL, Token: "agent-token"})
		require.NoError(t, err)

		resp, err := client.SubmitEvents(context.Background(), api.EventBatch{
			AgentID: "agent-1",
			Events:  []delivery.Event{{ID: "e1", Type: delivery.EventText, FromNode: "!a"}},
		}, "key-1")
		require.NoError(t, err)
		assert.Equal(t, 1, resp.Accepted)
	})

	t.Run("zstd_body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, codec.ZstdEncoding, r.Header.Get("Content-Encoding"))
			raw, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			plain, err := codec.DecompressZstd(raw)
			require.NoError(t, err)

			var batch api.EventBatch
			require.NoError(t, json.Unmarshal(plain, &batch))
			json.NewEncoder(w).Encode(api.IngestResponse{Accepted: len(batch.Events)})
		}))
		defer server.Close()

		client, err := NewClient(Config{ServerURL: server.URL, Compression: codec.ZstdEncoding})
		require.NoError(t, err)

		resp, err := client.SubmitEvents(context.Background(), api.EventBatch{
			Events: []delivery.Event{{ID: "e1"}, {ID: "e2"}},
		}, "")
		require.NoError(t, err)
		assert.Equal(t, 2, resp.Accepted)
	})
}

func TestClient_Errors(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		retryAfter   string
		body         string
		unauthorized bool
		wantRetry    time.Duration
		wantMessage  string
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, body: `{"error":"Unauthorized","message":"bad token","code":401}`, unauthorized: true, wantMessage: "bad token"},
		{name: "forbidden", status: http.StatusForbidden, body: `{"error":"Forbidden","message":"agent mismatch","code":403}`, unauthorized: true, wantMessage: "agent mismatch"},
		{name: "throttled", status: http.StatusTooManyRequests, retryAfter: "7", body: `{"error":"Too Many Requests","message":"slow down","code":429}`, wantRetry: 7 * time.Second, wantMessage: "slow down"},
		{name: "plain_text_body", status: http.StatusBadGateway, body: "upstream gone\n", wantMessage: "upstream gone"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer server.Close()

			client, err := NewClient(Config{ServerURL: server.URL})
			require.NoError(t, err)

			_, err = client.GetHealth(context.Background())
			require.Error(t, err)

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.unauthorized, apiErr.IsUnauthorized())
			assert.Equal(t, tt.wantRetry, apiErr.RetryAfter)
			assert.Equal(t, tt.wantMessage, apiErr.Message)
		})
	}

	t.Run("malformed_success_body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "{not json")
		}))
		defer server.Close()

		client, err := NewClient(Config{ServerURL: server.URL})
		require.NoError(t, err)

		_, err = client.GetHealth(context.Background())
		assert.ErrorIs(t, err, ErrMalformedResponse)
	})
}

func TestClient_QueryParameters(t *testing.T) {
	var gotPath, gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		io.WriteString(w, "{}")
	}))
	defer server.Close()

	client, err := NewClient(Config{ServerURL: server.URL})
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("routes", func(t *testing.T) {
		_, err := client.Routes(ctx, RouteFilter{Target: "!b", SuccessfulOnly: true, Limit: 5})
		require.NoError(t, err)
		assert.Equal(t, api.PathRoutes, gotPath)
		assert.Equal(t, "limit=5&successful=true&target=%21b", gotQuery)
	})

	t.Run("path", func(t *testing.T) {
		_, err := client.ShortestPath(ctx, "!a", "!c", 4)
		require.NoError(t, err)
		assert.Equal(t, api.PathPath, gotPath)
		assert.Equal(t, "max_hops=4&source=%21a&target=%21c", gotQuery)
	})

	t.Run("reachability", func(t *testing.T) {
		_, err := client.Reachability(ctx, "!abc")
		require.NoError(t, err)
		assert.Equal(t, "/api/v1/nodes/!abc/reachability", gotPath)
	})

	t.Run("connections", func(t *testing.T) {
		_, err := client.Connections(ctx, 1.5)
		require.NoError(t, err)
		assert.Equal(t, "window_hours=1.5", gotQuery)
	})
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"30", 30 * time.Second},
		{"-4", 0},
		{now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0},
		{"soon", 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseRetryAfter(tt.in, now))
		})
	}
}

func TestClient_Watch(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, api.PathStream, r.URL.Path)
		assert.Equal(t, "Bearer op-token", r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		conn.WriteJSON(api.Notification{Kind: api.NotifyEvents, AgentID: "agent-1", Count: 3})
		// Hold the connection until the client goes away
		conn.ReadMessage()
	}))
	defer server.Close()

	t.Run("requires_token", func(t *testing.T) {
		client, err := NewClient(Config{ServerURL: server.URL})
		require.NoError(t, err)
		_, err = client.Watch(context.Background(), WatchConfig{})
		assert.Error(t, err)
	})

	t.Run("receives_notifications", func(t *testing.T) {
		client, err := NewClient(Config{ServerURL: server.URL, Token: "op-token"})
		require.NoError(t, err)

		w, err := client.Watch(context.Background(), WatchConfig{ReconnectDelay: 10 * time.Millisecond})
		require.NoError(t, err)
		defer w.Close()

		select {
		case n := <-w.Notifications():
			assert.Equal(t, api.NotifyEvents, n.Kind)
			assert.Equal(t, "agent-1", n.AgentID)
			assert.Equal(t, 3, n.Count)
		case err := <-w.Errors():
			t.Fatalf("unexpected error: %v", err)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for notification")
		}
	})
}
