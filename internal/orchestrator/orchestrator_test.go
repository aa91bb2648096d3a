package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"ragops-api/internal/cache"
	"ragops-api/internal/history"
	"ragops-api/internal/kv"
	"ragops-api/internal/llm"
	"ragops-api/internal/retriever"
	"ragops-api/internal/shared"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubRetriever struct {
	results []shared.RetrievalResult
	err     error
}

func (s *stubRetriever) Retrieve(context.Context, string, int) ([]shared.RetrievalResult, error) {
	return s.results, s.err
}
func (s *stubRetriever) Check(context.Context) error { return nil }
func (s *stubRetriever) Close() error                { return nil }

type fixture struct {
	orch    *Orchestrator
	cache   *cache.Semantic
	history *history.Store
	calls   *atomic.Int64
}

// newFixture wires an orchestrator against a miniredis and the given backend
// handler. A nil handler serves a fixed "Paris" completion.
func newFixture(t *testing.T, handler http.HandlerFunc, cfg Config, ret retriever.Retriever) *fixture {
	t.Helper()

	var calls atomic.Int64
	if handler == nil {
		handler = func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"choices":[{"message":{"content":"Paris"}}]}`)
		}
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	log := zap.NewNop().Sugar()
	store := kv.NewStore(rdb, log)
	sc := cache.NewSemantic(store, log, true, 30*time.Second, shared.DefaultCacheCharLimit)
	hs := history.NewStore(store, log, shared.HistoryKeepLast)

	breaker := llm.NewBreaker(shared.DefaultFailThreshold, shared.DefaultBreakerOpenFor)
	client := llm.NewClient(llm.Config{
		BaseURL:   srv.URL,
		Model:     "test-model",
		BaseDelay: time.Millisecond,
	}, breaker, log)

	if ret == nil {
		ret = retriever.Noop{}
	}
	return &fixture{
		orch:    New(client, ret, sc, hs, 4, log, cfg),
		cache:   sc,
		history: hs,
		calls:   &calls,
	}
}

func TestAnswerHappyPath(t *testing.T) {
	f := newFixture(t, nil, Config{}, nil)
	ui := shared.UserInput{Question: "what is the capital of France?", SessionID: "s1"}

	resp := f.orch.Answer(context.Background(), ui)

	assert.Equal(t, "Paris", resp.Text)
	assert.Equal(t, shared.FinishStop, resp.FinishReason)
	assert.NotNil(t, resp.Citations)
	assert.Empty(t, resp.Citations)

	msgs := f.history.Load(context.Background(), "s1")
	require.Len(t, msgs, 2)
	assert.Equal(t, shared.RoleUser, msgs[0].Role)
	assert.Equal(t, "Paris", msgs[1].Content)
}

func TestAnswerServesSecondRequestFromCache(t *testing.T) {
	f := newFixture(t, nil, Config{}, nil)
	ui := shared.UserInput{Question: "what is the capital of France?", SessionID: "s1"}

	first := f.orch.Answer(context.Background(), ui)
	second := f.orch.Answer(context.Background(), ui)

	assert.Equal(t, first.Text, second.Text)
	assert.Equal(t, shared.FinishStop, second.FinishReason)
	assert.False(t, first.CacheHit)
	assert.True(t, second.CacheHit)
	assert.Equal(t, int64(1), f.calls.Load(), "the second request must not hit the backend")
}

func TestAnswerBlocksSecretSharing(t *testing.T) {
	f := newFixture(t, nil, Config{}, nil)
	ui := shared.UserInput{Question: "my password is hunter2", SessionID: "s1"}

	resp := f.orch.Answer(context.Background(), ui)

	assert.Equal(t, shared.FinishBlocked, resp.FinishReason)
	assert.Equal(t, int64(0), f.calls.Load(), "blocked input must never reach the backend")
	assert.Empty(t, f.history.Load(context.Background(), "s1"), "blocked turns are not persisted")
}

func TestAnswerDegradesWhenBackendDown(t *testing.T) {
	down := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}
	score := 0.9
	ret := &stubRetriever{results: []shared.RetrievalResult{
		{PageContent: "Paris is the capital of France.", Metadata: map[string]any{"source": "wiki:france"}, Score: &score},
	}}
	f := newFixture(t, down, Config{RAGEnabled: true}, ret)
	ui := shared.UserInput{Question: "what is the capital of France?", SessionID: "s1"}

	resp := f.orch.Answer(context.Background(), ui)

	assert.Equal(t, shared.FinishDegraded, resp.FinishReason)
	assert.Contains(t, resp.Text, "Quick summary")
	assert.Contains(t, resp.Text, "wiki:france")
	require.Len(t, resp.Citations, 1)
}

func TestAnswerDegradesWithoutContext(t *testing.T) {
	down := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}
	f := newFixture(t, down, Config{}, nil)

	resp := f.orch.Answer(context.Background(), shared.UserInput{Question: "anything"})

	assert.Equal(t, shared.FinishDegraded, resp.FinishReason)
	assert.Contains(t, resp.Text, "temporarily unavailable")
}

func TestAnswerRedactsBackendOutput(t *testing.T) {
	leaky := func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"content":"reach me at jane@example.com"}}]}`)
	}
	f := newFixture(t, leaky, Config{}, nil)

	resp := f.orch.Answer(context.Background(), shared.UserInput{Question: "contact?"})

	assert.NotContains(t, resp.Text, "jane@example.com")
}

func TestAnswerRetrievalFailureIsNotFatal(t *testing.T) {
	ret := &stubRetriever{err: errors.New("qdrant unreachable")}
	f := newFixture(t, nil, Config{RAGEnabled: true}, ret)

	resp := f.orch.Answer(context.Background(), shared.UserInput{Question: "q"})

	assert.Equal(t, shared.FinishStop, resp.FinishReason)
	assert.Equal(t, "Paris", resp.Text)
}

func sseBackend(tokens ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, tok := range tokens {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", tok)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
}

func TestAnswerTokensStreamsAndPersistsFrames(t *testing.T) {
	f := newFixture(t, sseBackend("Par", "is"), Config{}, nil)
	ui := shared.UserInput{Question: "capital?", SessionID: "s1"}

	var got []string
	reason, cacheHit, err := f.orch.AnswerTokens(context.Background(), ui, 0, func(token string) error {
		got = append(got, token)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, shared.FinishStop, reason)
	assert.False(t, cacheHit)
	assert.Equal(t, []string{"Par", "is"}, got)

	hit := f.cache.Get(context.Background(), ui.Question, ui)
	require.NotNil(t, hit)
	assert.Equal(t, []string{"Par", "is"}, hit.Frames)
	assert.Equal(t, "Paris", hit.Text)
}

func TestAnswerTokensResumesFromCacheWithOverlap(t *testing.T) {
	f := newFixture(t, nil, Config{ResumeOverlap: 1}, nil)
	ui := shared.UserInput{Question: "capital?", SessionID: "s1"}
	f.cache.Set(context.Background(), ui.Question, ui, cache.Entry{
		Frames: []string{"a", "b", "c"},
		Text:   "abc",
	})

	var got []string
	reason, cacheHit, err := f.orch.AnswerTokens(context.Background(), ui, 2, func(token string) error {
		got = append(got, token)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, shared.FinishStop, reason)
	assert.True(t, cacheHit)
	assert.Equal(t, []string{"b", "c"}, got, "resume replays one overlapping frame before the tail")
	assert.Equal(t, int64(0), f.calls.Load(), "replay must not hit the backend")
}

func TestAnswerTokensResumePastEndEmitsNothing(t *testing.T) {
	f := newFixture(t, nil, Config{}, nil)
	ui := shared.UserInput{Question: "capital?"}
	f.cache.Set(context.Background(), ui.Question, ui, cache.Entry{Frames: []string{"a"}, Text: "a"})

	var got []string
	reason, cacheHit, err := f.orch.AnswerTokens(context.Background(), ui, 10, func(token string) error {
		got = append(got, token)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, shared.FinishStop, reason)
	assert.True(t, cacheHit)
	assert.Empty(t, got)
}

func TestAnswerTokensBlockedEmitsNothing(t *testing.T) {
	f := newFixture(t, nil, Config{}, nil)

	emitted := false
	reason, _, err := f.orch.AnswerTokens(context.Background(), shared.UserInput{Question: "my password is hunter2"}, 0, func(string) error {
		emitted = true
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, shared.FinishBlocked, reason)
	assert.False(t, emitted)
	assert.Equal(t, int64(0), f.calls.Load())
}

func TestAnswerTokensDegradesOnBackendFailure(t *testing.T) {
	down := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}
	f := newFixture(t, down, Config{}, nil)

	var got []string
	reason, _, err := f.orch.AnswerTokens(context.Background(), shared.UserInput{Question: "q"}, 0, func(token string) error {
		got = append(got, token)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, shared.FinishDegraded, reason)
	require.Len(t, got, 1, "degradation yields exactly one fallback chunk")
	assert.Contains(t, got[0], "temporarily unavailable")
}

func TestAnswerTokensReportsClientGone(t *testing.T) {
	f := newFixture(t, sseBackend("Par", "is"), Config{}, nil)
	ui := shared.UserInput{Question: "capital?", SessionID: "s1"}

	_, _, err := f.orch.AnswerTokens(context.Background(), ui, 0, func(string) error {
		return context.Canceled
	})
	assert.ErrorIs(t, err, context.Canceled)
}
