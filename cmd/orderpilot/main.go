// Command orderpilot runs the order-ingestion worker: the durable workflow
// engine, its activities, and the HTTP control surface, all in one process.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/orderpilot/orderpilot/pkg/api"
	"github.com/orderpilot/orderpilot/pkg/audit"
	"github.com/orderpilot/orderpilot/pkg/casestore"
	"github.com/orderpilot/orderpilot/pkg/catalog"
	"github.com/orderpilot/orderpilot/pkg/committee"
	"github.com/orderpilot/orderpilot/pkg/config"
	"github.com/orderpilot/orderpilot/pkg/eventlog"
	"github.com/orderpilot/orderpilot/pkg/evidence"
	"github.com/orderpilot/orderpilot/pkg/fingerprint"
	"github.com/orderpilot/orderpilot/pkg/matching"
	"github.com/orderpilot/orderpilot/pkg/notify"
	"github.com/orderpilot/orderpilot/pkg/observability"
	"github.com/orderpilot/orderpilot/pkg/outbox"
	"github.com/orderpilot/orderpilot/pkg/parser"
	"github.com/orderpilot/orderpilot/pkg/workflow"
)

func main() {
	if err := run(); err != nil {
		slog.Error("worker exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "orderpilot",
		ServiceVersion: "1.0.0",
		Environment:    os.Getenv("ENVIRONMENT"),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "",
		Insecure:       os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
	})
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}

	blobs, err := evidence.NewStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init evidence store: %w", err)
	}

	var eventBackend eventlog.Backend
	if cfg.EventLogDSN == "memory" {
		eventBackend = eventlog.NewMemoryBackend()
	} else {
		db, err := sql.Open("sqlite", cfg.EventLogDSN)
		if err != nil {
			return fmt.Errorf("open event log: %w", err)
		}
		defer db.Close()
		eventBackend, err = eventlog.NewSQLiteBackend(db)
		if err != nil {
			return fmt.Errorf("init event log: %w", err)
		}
	}
	events := eventlog.New(eventBackend, blobs, cfg.LargePayloadLimit)

	var cases casestore.Store
	var matchDurable casestore.MatchCache
	var fingerprints fingerprint.Store
	if cfg.CaseStoreDSN == "memory" {
		cases = casestore.NewMemoryStore()
		matchDurable = casestore.NewMemoryMatchCache()
		fingerprints = fingerprint.NewMemoryStore()
	} else {
		db, err := sql.Open("sqlite", cfg.CaseStoreDSN)
		if err != nil {
			return fmt.Errorf("open case store: %w", err)
		}
		defer db.Close()
		sqlCases, err := casestore.NewSQLiteStore(db)
		if err != nil {
			return fmt.Errorf("init case store: %w", err)
		}
		cases = sqlCases
		matchDurable = sqlCases
		fingerprints, err = fingerprint.NewSQLiteStore(db)
		if err != nil {
			return fmt.Errorf("init fingerprint store: %w", err)
		}
	}

	var queue outbox.Queue
	if cfg.OutboxDSN != "" {
		db, err := sql.Open("postgres", cfg.OutboxDSN)
		if err != nil {
			return fmt.Errorf("open outbox: %w", err)
		}
		defer db.Close()
		queue, err = outbox.NewPostgresQueue(db)
		if err != nil {
			return fmt.Errorf("init outbox: %w", err)
		}
	} else {
		queue = outbox.NewMemoryQueue()
	}

	weights, err := config.LoadWeights(cfg.CommitteeWeightsPath)
	if err != nil {
		return fmt.Errorf("load committee weights: %w", err)
	}
	pool, err := buildProviderPool(ctx, cfg.CommitteePool)
	if err != nil {
		return fmt.Errorf("build committee pool: %w", err)
	}
	board, err := committee.New(pool, weights, blobs, events, committee.Options{
		N:                   cfg.CommitteeN,
		MinUsable:           cfg.CommitteeMinUsable,
		Timeout:             cfg.CommitteeTimeout,
		MarginThreshold:     cfg.CommitteeConsensusThreshold,
		ConfidenceThreshold: cfg.CommitteeConfidenceThreshold,
	})
	if err != nil {
		return fmt.Errorf("init committee: %w", err)
	}
	board.SetObservability(obs)

	cat, err := catalog.New(catalog.Options{
		Region:             cfg.CatalogRegion,
		GTINFieldID:        cfg.CatalogGTINFieldID,
		IdempotencyFieldID: cfg.CatalogIdempotencyFieldID,
		TenantRPS:          cfg.CatalogTenantRPS,
		Credentials: catalog.StaticCredentials{
			ClientID:     os.Getenv("CATALOG_CLIENT_ID"),
			ClientSecret: os.Getenv("CATALOG_CLIENT_SECRET"),
			RefreshToken: os.Getenv("CATALOG_REFRESH_TOKEN"),
		},
	})
	if err != nil {
		return fmt.Errorf("init catalog client: %w", err)
	}

	var fast matching.Cache
	if cfg.RedisAddr != "" {
		fast = matching.NewRedisCache(cfg.RedisAddr)
	} else {
		fast = matching.NewMemoryCache()
	}
	matcher := matching.New(cat, fast, matchDurable, matching.Options{
		FuzzyThreshold:   cfg.MatcherFuzzyThreshold,
		AmbiguityGap:     cfg.MatcherAmbiguityGap,
		FuzzyNameEnabled: true,
		CacheTTL:         cfg.MatcherCacheTTL,
	})

	notifier := &notify.SlogNotifier{Logger: logger}

	engine := workflow.NewEngine(cases, events, workflow.OrderWorkflow, notifier, logger, workflow.Options{
		ActivitySlots:    cfg.ActivityMaxConcurrency,
		WorkflowSlots:    cfg.WorkflowMaxConcurrency,
		ActivityTimeout:  cfg.WorkflowTaskTimeout,
		RunTimeout:       cfg.WorkflowRunTimeout,
		ReminderInterval: cfg.ReminderInterval,
	})
	engine.SetObservability(obs)

	granularity := fingerprint.Granularity(cfg.FingerprintBucketGranularity)
	if !granularity.Valid() {
		return fmt.Errorf("invalid fingerprint bucket granularity %q", cfg.FingerprintBucketGranularity)
	}
	sheetParser := parser.NewClient(parser.ClientOptions{
		BaseURL:       os.Getenv("PARSER_SERVICE_URL"),
		FormulaPolicy: cfg.ParserFormulaPolicy,
	})
	acts := &workflow.Activities{
		Blobs:        blobs,
		Events:       events,
		Cases:        cases,
		Parser:       sheetParser,
		Committee:    board,
		Matcher:      matcher,
		Fingerprints: fingerprints,
		Catalog:      cat,
		Sealer:       audit.NewSealer(blobs, events),
		Outbox:       queue,
		Notifier:     notifier,
		Fetch:        fetchBlob,
		Obs:          obs,
		Granularity:  granularity,
		Tolerance:    cfg.ArithmeticTolerance,
		SampleCap:    cfg.CommitteeSampleCap,
	}
	acts.RegisterAll(engine)

	if err := engine.Resume(ctx); err != nil {
		return fmt.Errorf("resume workflows: %w", err)
	}

	readyCheck := func(ctx context.Context) error {
		_, err := events.LastSequence(ctx, "readiness-probe")
		return err
	}

	var idem api.IdempotencyStorer
	if cfg.RedisAddr != "" {
		idem = api.NewRedisIdempotencyStore(cfg.RedisAddr, 24*time.Hour)
	} else {
		idem = api.NewIdempotencyStore(24 * time.Hour)
	}
	limiter := api.NewGlobalRateLimiter(20, 40)
	server := api.NewServer(engine, logger, readyCheck)
	if cfg.PresignSigningSecret != "" {
		presigner, err := evidence.NewPresigner(cfg.PresignSigningSecret, os.Getenv("PRESIGN_BASE_URL"))
		if err != nil {
			return fmt.Errorf("init presigner: %w", err)
		}
		server.EnablePresign(presigner)
	}
	handler := server.Routes(limiter, idem)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("control surface listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down", "drain_grace", cfg.DrainGracePeriod)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainGracePeriod)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	engine.Drain(cfg.DrainGracePeriod)
	if err := obs.Shutdown(shutdownCtx); err != nil {
		logger.Warn("observability shutdown incomplete", "error", err)
	}
	logger.Info("worker stopped")
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// buildProviderPool turns COMMITTEE_POOL entries ("openai:<model>" or
// "gemini:<model>") into providers. Keys come from the environment and are
// never logged.
func buildProviderPool(ctx context.Context, ids []string) ([]committee.Provider, error) {
	pool := make([]committee.Provider, 0, len(ids))
	for _, id := range ids {
		family, model, ok := strings.Cut(id, ":")
		if !ok {
			return nil, fmt.Errorf("committee pool entry %q must be family:model", id)
		}
		switch family {
		case "openai":
			pool = append(pool, committee.NewOpenAIProvider(
				id, family, os.Getenv("OPENAI_API_KEY"), model, os.Getenv("OPENAI_BASE_URL")))
		case "gemini":
			p, err := committee.NewGeminiProvider(ctx, id, family, os.Getenv("GEMINI_API_KEY"), model)
			if err != nil {
				return nil, fmt.Errorf("gemini provider %q: %w", id, err)
			}
			pool = append(pool, p)
		default:
			return nil, fmt.Errorf("unknown committee provider family %q", family)
		}
	}
	return pool, nil
}

// fetchBlob retrieves an uploaded spreadsheet by URI. Chat surfaces hand the
// pipeline https download links; file URIs support local operation.
func fetchBlob(ctx context.Context, uri string) ([]byte, error) {
	switch {
	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
		if err != nil {
			return nil, err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetch %s: unexpected status %d", uri, resp.StatusCode)
		}
		return io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	case strings.HasPrefix(uri, "file://"):
		return os.ReadFile(strings.TrimPrefix(uri, "file://"))
	default:
		return nil, fmt.Errorf("unsupported blob uri scheme: %s", uri)
	}
}
