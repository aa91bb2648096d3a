package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ragops-api/internal/audit"
	"ragops-api/internal/cache"
	"ragops-api/internal/history"
	"ragops-api/internal/kv"
	"ragops-api/internal/llm"
	"ragops-api/internal/middleware"
	"ragops-api/internal/ops"
	"ragops-api/internal/orchestrator"
	"ragops-api/internal/retriever"
	"ragops-api/internal/routers"
	"ragops-api/internal/shared"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	emw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/manifold-inc/manifold-sdk/lib/eflag"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Flags / ENV Variables
	listenAddr := flag.String("listen-addr", ":8080", "Listen address")
	redisAddr := flag.String("redis-addr", "localhost:6379", "Redis host:port")
	dsn := flag.String("dsn", "", "MySQL DSN for usage auditing (optional)")
	metricsAPIKey := flag.String("metrics-api-key", "", "Metrics api key")
	debug := flag.Bool("debug", false, "Debug enabled")
	strict := flag.Bool("strict", false, "Strict guardrail mode (phone redaction, stream token filter)")

	llmBaseURL := flag.String("llm-base-url", "https://api.openai.com/v1", "Generation backend base url")
	llmModel := flag.String("llm-model", "gpt-4o-mini", "Generation model name")
	llmAPIKey := flag.String("llm-api-key", "", "Generation backend api key")
	llmMaxRetries := flag.Int("llm-max-retries", shared.DefaultMaxRetries, "Max generation retries")

	ragEnabled := flag.Bool("rag-enabled", false, "Enable retrieval augmentation")
	qdrantURL := flag.String("qdrant-url", "", "Qdrant server url")
	qdrantCollection := flag.String("qdrant-collection", "ragops-default", "Qdrant collection name")
	qdrantAPIKey := flag.String("qdrant-api-key", "", "Qdrant api key")
	embeddingModel := flag.String("embedding-model", "text-embedding-3-small", "Embedding model name")

	authMode := flag.String("auth-mode", middleware.AuthModeNone, "Auth mode: none or api_key")
	apiKeys := flag.String("api-keys", "", "Comma separated api keys (api_key mode)")

	rateLimitRPM := flag.Int("rate-limit-rpm", shared.DefaultRateLimitRPM, "Requests per minute per identity")
	cacheEnabled := flag.Bool("cache-enabled", true, "Enable the semantic cache")
	cacheTTLSec := flag.Int("cache-ttl-sec", int(shared.DefaultCacheTTL/time.Second), "Semantic cache ttl seconds")
	maxStreams := flag.Int64("max-concurrent-streams", shared.DefaultMaxConcurrentStreams, "Max simultaneous SSE streams")
	maxGenerations := flag.Int64("max-concurrent-generations", shared.DefaultMaxConcurrentGenerations, "Max simultaneous generation calls")
	heartbeatSec := flag.Int("sse-heartbeat-sec", int(shared.DefaultHeartbeatInterval/time.Second), "SSE heartbeat seconds")
	sseRetryMS := flag.Int("sse-retry-ms", 0, "SSE retry directive in ms, 0 disables")
	streamDeadlineSec := flag.Int("stream-deadline-sec", int(shared.DefaultStreamDeadline/time.Second), "Max SSE stream lifetime seconds")

	err := eflag.SetFlagsFromEnvironment()
	if err != nil {
		panic(err)
	}
	flag.Parse()

	// Load Redis connection
	redisClient := redis.NewClient(&redis.Options{
		Addr:     *redisAddr,
		Password: "",
		DB:       0,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		panic(fmt.Sprintf("failed ping to redis db: %s", err))
	}

	// Audit DB is optional
	var auditDB *sql.DB
	if *dsn != "" {
		auditDB, err = sql.Open("mysql", *dsn)
		if err != nil {
			panic(fmt.Sprintf("failed initializing audit db: %s", err))
		}
		if err := auditDB.Ping(); err != nil {
			panic(fmt.Sprintf("failed ping to audit db: %s", err))
		}
	}

	defer func() {
		if redisClient != nil {
			_ = redisClient.Close()
		}
		if auditDB != nil {
			_ = auditDB.Close()
		}
	}()

	var logger *zap.Logger
	if !*debug {
		logger, err = zap.NewProduction()
		if err != nil {
			panic("Failed init logger")
		}
	}
	if *debug {
		logger, err = zap.NewDevelopment()
		if err != nil {
			panic("Failed init logger")
		}
	}
	log := logger.Sugar().With("instance_id", uuid.New().String())

	store := kv.NewStore(redisClient, log)
	semanticCache := cache.NewSemantic(store, log, *cacheEnabled, time.Duration(*cacheTTLSec)*time.Second, shared.DefaultCacheCharLimit)
	historyStore := history.NewStore(store, log, shared.HistoryKeepLast)
	limiter := ops.NewRateLimiter(redisClient, log, *rateLimitRPM, shared.RateLimitWindow)
	ledger := ops.NewIdempotencyLedger(store, shared.IdempotencyTTL)
	recorder := audit.NewRecorder(auditDB, log)

	breaker := llm.NewBreaker(shared.DefaultFailThreshold, shared.DefaultBreakerOpenFor)
	llmClient := llm.NewClient(llm.Config{
		BaseURL:    *llmBaseURL,
		Model:      *llmModel,
		APIKey:     *llmAPIKey,
		MaxRetries: *llmMaxRetries,
		BaseDelay:  shared.DefaultRetryBaseDelay,
	}, breaker, log)

	var ret retriever.Retriever = retriever.Noop{}
	if *ragEnabled {
		embedder := retriever.NewHTTPEmbedder(*llmBaseURL, *embeddingModel, *llmAPIKey, 30*time.Second)
		ret, err = retriever.NewQdrant(retriever.QdrantConfig{
			URL:            *qdrantURL,
			CollectionName: *qdrantCollection,
			APIKey:         *qdrantAPIKey,
		}, embedder)
		if err != nil {
			panic(fmt.Sprintf("failed initializing retriever: %s", err))
		}
		log.Info("Retrieval enabled")
	}
	defer func() { _ = ret.Close() }()

	orch := orchestrator.New(llmClient, ret, semanticCache, historyStore, *maxGenerations, log, orchestrator.Config{
		RAGEnabled:      *ragEnabled,
		TopK:            shared.DefaultTopK,
		Strict:          *strict,
		ResumeOverlap:   shared.DefaultResumeOverlap,
		FrameFlushEvery: shared.DefaultFrameFlushEvery,
	})

	e := echo.New()
	e.HideBanner = true
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()), func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			apiKey, err := shared.ExtractAPIKey(c)
			if err != nil {
				return c.String(401, "Missing or invalid API key")
			}
			if apiKey != *metricsAPIKey {
				return c.String(401, "Unauthorized API key")
			}
			return next(c)
		}
	})

	base := e.Group("")
	base.Use(emw.CORS())
	base.Use(emw.BodyLimit("256K"))
	base.Use(middleware.NewRecoverMiddleware(log))
	base.Use(middleware.NewTrackMiddleware(log))

	umw, err := middleware.NewUserMiddleware(middleware.AuthConfig{
		Mode:        *authMode,
		APIKeys:     splitKeys(*apiKeys),
		DefaultRole: "user",
	})
	if err != nil {
		panic(err)
	}

	routers.RegisterRetrieveRoutes(base, orch, limiter, ledger, recorder, umw, log, routers.SSEConfig{
		HeartbeatInterval: time.Duration(*heartbeatSec) * time.Second,
		RetryMS:           *sseRetryMS,
		StreamDeadline:    time.Duration(*streamDeadlineSec) * time.Second,
		MaxStreams:        *maxStreams,
	})

	checker := routers.NewReadyChecker(store, llmClient, ret, *ragEnabled, log)
	routers.RegisterHealthRoutes(e, checker)

	checkerCtx, stopChecker := context.WithCancel(context.Background())
	defer stopChecker()
	go checker.Run(checkerCtx, shared.ReadyCheckInterval)

	go func() {
		if err := e.Start(*listenAddr); err != nil && err != http.ErrServerClosed {
			e.Logger.Fatal("shutting down the server")
		}
	}()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	// Flush pending audit buckets before the process goes away.
	recorder.Shutdown()

	sctx, cancel := context.WithTimeout(context.Background(), shared.DefaultShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(sctx); err != nil {
		e.Logger.Fatal(err)
	}
}

func splitKeys(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}
