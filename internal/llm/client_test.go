package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"ragops-api/internal/shared"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testClient(t *testing.T, baseURL string, maxRetries int, breaker *Breaker) *Client {
	t.Helper()
	if breaker == nil {
		breaker = NewBreaker(shared.DefaultFailThreshold, shared.DefaultBreakerOpenFor)
	}
	return NewClient(Config{
		BaseURL:    baseURL,
		Model:      "test-model",
		MaxRetries: maxRetries,
		BaseDelay:  time.Millisecond,
	}, breaker, zap.NewNop().Sugar())
}

func askMessages() []shared.Message {
	return []shared.Message{{Role: shared.RoleUser, Content: "what is the capital of France?"}}
}

func TestGenerateReturnsContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		fmt.Fprint(w, `{"choices":[{"message":{"content":"Paris"}}]}`)
	}))
	defer srv.Close()

	text, err := testClient(t, srv.URL, 0, nil).Generate(context.Background(), askMessages())
	require.NoError(t, err)
	assert.Equal(t, "Paris", text)
}

func TestGenerateRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"Paris"}}]}`)
	}))
	defer srv.Close()

	text, err := testClient(t, srv.URL, 2, nil).Generate(context.Background(), askMessages())
	require.NoError(t, err)
	assert.Equal(t, "Paris", text)
	assert.Equal(t, int64(2), calls.Load())
}

func TestGenerateDoesNotRetryNonTransientFailures(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := testClient(t, srv.URL, 3, nil).Generate(context.Background(), askMessages())
	require.Error(t, err)
	assert.Equal(t, int64(1), calls.Load(), "401 must fail immediately")
}

func TestGenerateFailsFastWhileCircuitOpen(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	breaker := NewBreaker(2, 30*time.Second)
	c := testClient(t, srv.URL, 0, breaker)

	_, err := c.Generate(context.Background(), askMessages())
	require.Error(t, err)
	_, err = c.Generate(context.Background(), askMessages())
	require.Error(t, err)
	require.Equal(t, int64(2), calls.Load())

	// Third call is rejected by the breaker without touching the backend.
	_, err = c.Generate(context.Background(), askMessages())
	assert.ErrorIs(t, err, shared.ErrCircuitOpen)
	assert.Equal(t, int64(2), calls.Load())
}

func TestStreamDecodesSSEFraming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Par\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"is\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	var tokens []string
	err := testClient(t, srv.URL, 0, nil).Stream(context.Background(), askMessages(), func(token string) error {
		tokens = append(tokens, token)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Par", "is"}, tokens)
}

func TestStreamDecodesBareJSONLines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "{\"choices\":[{\"delta\":{\"content\":\"Par\"}}]}\n")
		fmt.Fprint(w, "{\"choices\":[{\"delta\":{\"content\":\"is\"}}]}\n")
	}))
	defer srv.Close()

	var tokens []string
	err := testClient(t, srv.URL, 0, nil).Stream(context.Background(), askMessages(), func(token string) error {
		tokens = append(tokens, token)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Par", "is"}, tokens)
}

func TestStreamFallsBackOnZeroTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Stream {
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"Paris"}}]}`)
	}))
	defer srv.Close()

	var tokens []string
	err := testClient(t, srv.URL, 0, nil).Stream(context.Background(), askMessages(), func(token string) error {
		tokens = append(tokens, token)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Paris"}, tokens, "empty stream degrades to a single one-shot chunk")
}

func TestStreamEmitErrorAbortsWithoutRetry(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Par\"}}]}\n\n")
	}))
	defer srv.Close()

	wantErr := context.Canceled
	err := testClient(t, srv.URL, 3, nil).Stream(context.Background(), askMessages(), func(token string) error {
		return wantErr
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, int64(1), calls.Load(), "a dead client must not trigger a retry")
}

func TestDecodeChunkLine(t *testing.T) {
	cases := []struct {
		line  string
		token string
		ok    bool
	}{
		{`data: {"choices":[{"delta":{"content":"hi"}}]}`, "hi", true},
		{`{"choices":[{"message":{"content":"full"}}]}`, "full", true},
		{"data: [DONE]", "", false},
		{"event: done", "", false},
		{"", "", false},
		{"data: not-json", "", false},
	}
	for _, tc := range cases {
		token, ok := decodeChunkLine(tc.line)
		assert.Equal(t, tc.ok, ok, "line %q", tc.line)
		assert.Equal(t, tc.token, token, "line %q", tc.line)
	}
}
