// internal/llmclient/gemini_client_test.go
package llmclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/danielgoes1996/facturabot/api/schemas"
	"github.com/danielgoes1996/facturabot/internal/config"
)

func geminiSuccessBody(text string) string {
	body, _ := json.Marshal(map[string]any{
		"candidates": []map[string]any{
			{"content": map[string]any{"parts": []map[string]any{{"text": text}}}},
		},
		"usageMetadata": map[string]any{"promptTokenCount": 10, "candidatesTokenCount": 5},
	})
	return string(body)
}

func newTestGeminiClient(t *testing.T, endpoint string) *GeminiClient {
	t.Helper()
	client, err := NewGeminiClient(config.ModelConfig{
		Provider:   config.ProviderGemini,
		Model:      "gemini-2.0-flash",
		APIKey:     "test-key",
		Endpoint:   endpoint,
		APITimeout: 5 * time.Second,
	}, nil, zap.NewNop())
	require.NoError(t, err)
	return client
}

func TestGeminiClient_Generate(t *testing.T) {
	var gotKey string
	var gotPayload geminiRequestPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-goog-api-key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		w.Write([]byte(geminiSuccessBody(`{"action":"CLICK"}`)))
	}))
	defer server.Close()

	client := newTestGeminiClient(t, server.URL)
	out, err := client.Generate(context.Background(), schemas.GenerationRequest{
		SystemPrompt:    "you are an agent",
		UserPrompt:      "decide",
		ForceJSONFormat: true,
		Temperature:     0.2,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"action":"CLICK"}`, out)
	assert.Equal(t, "test-key", gotKey)
	require.NotNil(t, gotPayload.SystemInstruction)
	assert.Equal(t, "application/json", gotPayload.GenerationConfig.ResponseMimeType)
}

func TestGeminiClient_RetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(geminiSuccessBody("ok")))
	}))
	defer server.Close()

	client := newTestGeminiClient(t, server.URL)
	out, err := client.Generate(context.Background(), schemas.GenerationRequest{UserPrompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestGeminiClient_PermanentErrorDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid argument"}`))
	}))
	defer server.Close()

	client := newTestGeminiClient(t, server.URL)
	_, err := client.Generate(context.Background(), schemas.GenerationRequest{UserPrompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "4xx responses are permanent")
}

func TestGeminiClient_SafetyBlockIsPermanent(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		body, _ := json.Marshal(map[string]any{
			"candidates": []map[string]any{
				{"content": map[string]any{"parts": []map[string]any{}}, "finishReason": "SAFETY"},
			},
		})
		w.Write(body)
	}))
	defer server.Close()

	client := newTestGeminiClient(t, server.URL)
	_, err := client.Generate(context.Background(), schemas.GenerationRequest{UserPrompt: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SAFETY")
	assert.Equal(t, int32(1), calls.Load())
}

func TestGeminiClient_RequiresAPIKey(t *testing.T) {
	_, err := NewGeminiClient(config.ModelConfig{Model: "gemini-2.0-flash"}, nil, zap.NewNop())
	require.Error(t, err)
}
