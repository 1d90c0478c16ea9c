// Command server starts the Deepr research automation server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	httpserver "github.com/deepr-dev/deepr/internal/adapter/httpserver"
	"github.com/deepr-dev/deepr/internal/adapter/observability"
	"github.com/deepr-dev/deepr/internal/adapter/provider"
	"github.com/deepr-dev/deepr/internal/adapter/provider/openaiapi"
	"github.com/deepr-dev/deepr/internal/adapter/provider/stub"
	"github.com/deepr-dev/deepr/internal/adapter/repo/sqlite"
	qdrantcli "github.com/deepr-dev/deepr/internal/adapter/vector/qdrant"
	"github.com/deepr-dev/deepr/internal/app"
	"github.com/deepr-dev/deepr/internal/budget"
	"github.com/deepr-dev/deepr/internal/campaign"
	"github.com/deepr-dev/deepr/internal/config"
	"github.com/deepr-dev/deepr/internal/eventbus"
	"github.com/deepr-dev/deepr/internal/expert"
	"github.com/deepr-dev/deepr/internal/poller"
	"github.com/deepr-dev/deepr/internal/queue"
	"github.com/deepr-dev/deepr/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Infra: sqlite DB plus the artifact directory next to it.
	db, err := sqlite.Open(rootCtx, cfg.DBPath)
	if err != nil {
		slog.Error("db open failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	jobRepo := sqlite.NewJobRepo(db)
	campaignRepo := sqlite.NewCampaignRepo(db)
	expertRepo := sqlite.NewExpertRepo(db)
	ledgerRepo := sqlite.NewLedgerRepo(db)
	artifacts, err := sqlite.NewArtifactStore(db, filepath.Join(cfg.DataDir, "artifacts"))
	if err != nil {
		slog.Error("artifact store init failed", slog.Any("error", err))
		os.Exit(1)
	}

	if cfg.DataRetentionDays > 0 {
		cleanup := sqlite.NewCleanupService(db, filepath.Join(cfg.DataDir, "artifacts"), cfg.DataRetentionDays)
		go cleanup.RunPeriodic(rootCtx, cfg.CleanupInterval)
		slog.Info("cleanup service started",
			slog.Int("retention_days", cfg.DataRetentionDays),
			slog.Duration("interval", cfg.CleanupInterval))
	}

	governor, err := budget.New(rootCtx, ledgerRepo, cfg)
	if err != nil {
		slog.Error("budget governor init failed", slog.Any("error", err))
		os.Exit(1)
	}

	caps, err := provider.LoadCapabilities(cfg.CapabilityFile)
	if err != nil {
		slog.Error("capability table load failed", slog.Any("error", err))
		os.Exit(1)
	}
	registry := provider.NewRegistry(caps)
	registerProviders(registry, cfg)
	if len(registry.Names()) == 0 {
		slog.Error("no providers configured; set at least one provider API key")
		os.Exit(1)
	}
	slog.Info("providers registered", slog.Any("names", registry.Names()))

	bus := eventbus.New(cfg.BusBuffer)
	go bus.Run(rootCtx)

	q := queue.New(rootCtx, jobRepo, registry, governor, bus, cfg)
	if err := q.Rehydrate(rootCtx); err != nil {
		slog.Error("queue rehydrate failed", slog.Any("error", err))
		os.Exit(1)
	}

	pol := poller.New(jobRepo, registry, q, artifacts, cfg)
	go pol.Run(rootCtx)

	engine := campaign.NewEngine(campaignRepo, jobRepo, q, artifacts, campaign.TruncatingSummariser{}, bus, cfg)
	go engine.Run(rootCtx)

	// Expert surface: vector document store plus a queue-backed answer model.
	docs := qdrantcli.New(cfg.QdrantURL, cfg.QdrantAPIKey, qdrantcli.NewHashEmbedder())
	q.SetDocumentStore(docs)
	answerer := &expert.QueueRunner{Queue: q, Jobs: jobRepo, Artifacts: artifacts}
	store := expert.NewStore(expertRepo, docs, answerer, bus, cfg)
	loop := expert.NewLoop(store, expertRepo, engine, campaignRepo, jobRepo, artifacts, bus, cfg)
	go loop.Run(rootCtx)

	jobSvc := usecase.NewJobService(q, jobRepo, artifacts)
	campaignSvc := usecase.NewCampaignService(engine, campaignRepo, jobRepo, artifacts)
	expertSvc := usecase.NewExpertService(store, loop, expertRepo)
	costSvc := usecase.NewCostService(governor, ledgerRepo)

	srv := httpserver.NewServer(jobSvc, campaignSvc, expertSvc, costSvc, bus, cfg)
	handler := app.BuildRouter(cfg, srv, app.NewReadiness(cfg, db))

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	select {
	case <-rootCtx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}

// registerProviders wires one OpenAI-compatible client per configured key.
// The stub provider is registered in dev so the full pipeline can run
// without spending anything.
func registerProviders(registry *provider.Registry, cfg config.Config) {
	type entry struct {
		name, baseURL, apiKey string
	}
	for _, e := range []entry{
		{"openai", cfg.OpenAIBaseURL, cfg.OpenAIAPIKey},
		{"azure", cfg.AzureBaseURL, cfg.AzureAPIKey},
		{"gemini", cfg.GeminiBaseURL, cfg.GeminiAPIKey},
		{"grok", cfg.GrokBaseURL, cfg.GrokAPIKey},
		{"anthropic", cfg.AnthropicBaseURL, cfg.AnthropicAPIKey},
	} {
		if e.apiKey == "" || e.baseURL == "" {
			continue
		}
		registry.Register(openaiapi.New(e.name, e.baseURL, e.apiKey, cfg.MaxInflightJobs))
	}
	if cfg.IsDev() || cfg.IsTest() {
		registry.Register(stub.New("stub"))
	}
}
