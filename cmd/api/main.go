// Command api starts the propbot HTTP API.
//
// The server answers opportunity searches and listings, runs fit analyses
// (single and streamed batches) and queues ingest runs for the worker when
// Kafka is configured. Ingestion itself runs in `propbot ingest`.
//
// Usage:
//
//	go run ./cmd/api [-config configs/development.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/propbot/propbot/internal/analysis"
	"github.com/propbot/propbot/internal/api"
	"github.com/propbot/propbot/internal/app"
	"github.com/propbot/propbot/internal/enrich"
	"github.com/propbot/propbot/internal/ingestion/trigger"
	"github.com/propbot/propbot/internal/llm/openai"
	"github.com/propbot/propbot/pkg/config"
	"github.com/propbot/propbot/pkg/kafka"
	"github.com/propbot/propbot/pkg/logger"
	"github.com/propbot/propbot/pkg/metrics"
	"github.com/propbot/propbot/pkg/middleware"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting api server", "port", cfg.Server.Port, "model", cfg.LLM.Model)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)
	deps, err := app.Open(ctx, cfg, m)
	if err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer deps.Close()

	model, err := openai.New(cfg.LLM)
	if err != nil {
		slog.Error("failed to configure model client", "error", err)
		os.Exit(1)
	}

	enricher := enrich.New(deps.Store, deps.SAM, deps.Grants)
	orchestrator := analysis.New(deps.Store, model, cfg.Analysis).
		WithDocuments(enricher).
		WithMetrics(m)

	h := api.New(deps.Store, deps.Search(), orchestrator, cfg.Server.StreamTimeout).
		WithEnricher(enricher)

	if len(cfg.Kafka.Brokers) > 0 {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.IngestRequests)
		defer producer.Close()
		h.WithIngestRequester(trigger.NewPublisher(producer))
		slog.Info("ingest requests enabled", "topic", cfg.Kafka.Topics.IngestRequests)
	}

	if cfg.Metrics.Enabled {
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port)
		defer shutdownMetrics(context.Background())
	}

	routerCfg := api.RouterConfig{
		RequestTimeout: cfg.Server.RequestTimeout,
		AllowOrigins:   cfg.Server.AllowOrigins,
	}
	if cfg.Server.AnalyzeRateLimit > 0 {
		routerCfg.AnalyzeLimiter = middleware.NewClientLimiter(cfg.Server.AnalyzeRateLimit, cfg.Server.AnalyzeBurst)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(h, deps.Health(), m, routerCfg),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		slog.Error("failed to listen", "addr", server.Addr, "error", err)
		os.Exit(1)
	}
	slog.Info("api server listening", "addr", server.Addr)
	if err := serve(ctx, server, ln, cfg.Server.ShutdownTimeout); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("api server stopped")
}

// serve runs server on ln until ctx is cancelled, then shuts it down and
// waits for in-flight requests, batch streams included, to finish. Requests
// still running after shutdownTimeout have their connections closed.
func serve(ctx context.Context, server *http.Server, ln net.Listener, shutdownTimeout time.Duration) error {
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
			server.Close()
		}
	}()

	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-drained
	return nil
}
