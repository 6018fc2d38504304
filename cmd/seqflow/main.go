package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/seqflow/internal/bridge"
	"github.com/rendis/seqflow/internal/bus"
	"github.com/rendis/seqflow/internal/dispatch"
	"github.com/rendis/seqflow/internal/draft"
	"github.com/rendis/seqflow/internal/engineparams"
	"github.com/rendis/seqflow/internal/expressions"
	"github.com/rendis/seqflow/internal/icav2"
	"github.com/rendis/seqflow/internal/logging"
	"github.com/rendis/seqflow/internal/metrics"
	"github.com/rendis/seqflow/internal/preamble"
	"github.com/rendis/seqflow/internal/runtime"
	"github.com/rendis/seqflow/internal/secrets"
	"github.com/rendis/seqflow/internal/store"
	"github.com/rendis/seqflow/internal/transpose"
	"github.com/rendis/seqflow/internal/validation"
	"github.com/rendis/seqflow/pkg/schema"
)

func main() {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("seqflow exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.Migrate(ctx); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(reg)
	metricsSrv := serveMetrics(cfg.MetricsAddr, reg, logger)
	defer shutdownHTTP(metricsSrv, logger)

	var vault secrets.Vault
	if cfg.VaultPassphrase != "" {
		vault, err = secrets.NewAESVault(s, secrets.VaultConfig{
			Passphrase: cfg.VaultPassphrase,
			Salt:       []byte(cfg.VaultSalt),
		})
		if err != nil {
			return err
		}
	}

	exprs, err := expressions.NewRegistry()
	if err != nil {
		return err
	}
	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return err
	}

	eventBus := bus.NewMemoryBus(s, m)
	eventBus.SetLogger(logger)
	preambleSvc := preamble.NewService(s, logger)
	collector := engineparams.NewCollector(s, vault, logger)
	engine := icav2.NewClient(cfg.Engine, vault, logger)

	runner := runtime.NewRunner(eventBus, cfg.PoolSize, runtime.DefaultRetryPolicy, m, logger)
	defer runner.Shutdown()

	pipelines, err := loadPipelines(cfg.PipelinesPath)
	if err != nil {
		return err
	}
	for _, p := range pipelines {
		if err := registerPipeline(ctx, runner, p, preambleSvc, collector, validator, s, eventBus, engine, exprs, m, logger); err != nil {
			return err
		}
		logger.Info("pipeline registered",
			slog.String("workflow", p.WorkflowName),
			slog.String("version", p.WorkflowVersion))
	}

	logger.Info("seqflow started",
		slog.Int("pipelines", len(pipelines)),
		slog.String("db_path", cfg.DBPath),
		slog.String("metrics_addr", cfg.MetricsAddr))

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// registerPipeline wires one pipeline's handlers onto the bus: a draft
// maker (direct or shower), the transposer, the dispatcher and the
// vendor status bridge.
func registerPipeline(ctx context.Context, runner *runtime.Runner, p schema.Pipeline,
	preambleSvc *preamble.Service, collector *engineparams.Collector, validator *validation.JSONSchemaValidator,
	s store.Store, eventBus bus.Bus, engine *icav2.Client, exprs *expressions.Registry,
	m *metrics.Metrics, logger *slog.Logger) error {

	name := p.WorkflowName

	if p.Shower != nil {
		maker := draft.NewShowerMaker(p, draft.ShowerConfig{
			RowKind:      p.Shower.RowKind,
			RunKeyAttr:   p.Shower.RunKeyAttr,
			RowIDAttr:    p.Shower.RowIDAttr,
			RowsInputKey: p.Shower.RowsInputKey,
		}, s, eventBus, logger)
		if err := runner.Register(ctx, name+"-shower-populate", bus.Pattern{
			Source:     p.Trigger.Source,
			DetailType: p.Shower.PopulateDetailType,
			Status:     p.Shower.PopulateStatus,
		}, maker.HandlePopulate); err != nil {
			return err
		}
		if err := runner.Register(ctx, name+"-shower-complete", bus.Pattern{
			Source:     p.Trigger.Source,
			DetailType: p.Shower.CompleteDetailType,
			Status:     p.Shower.CompleteStatus,
		}, maker.HandleComplete); err != nil {
			return err
		}
	} else {
		maker := draft.NewDirectMaker(p, nil, exprs, eventBus, logger)
		if err := runner.Register(ctx, name+"-draft-maker", bus.Pattern{
			Source:     p.Trigger.Source,
			DetailType: p.Trigger.DetailType,
			Status:     p.Trigger.Status,
		}, maker.Handle); err != nil {
			return err
		}
	}

	transposer := transpose.NewTransposer(p, preambleSvc, collector, validator, s, eventBus, transpose.DefaultAwaitConfig, logger)
	if err := runner.Register(ctx, name+"-transposer", bus.Pattern{
		Source:       p.EventSource(),
		DetailType:   schema.DetailTypeWorkflowDraftRunStateChange,
		Status:       schema.StatusDraft,
		WorkflowName: p.WorkflowName,
	}, transposer.Handle); err != nil {
		return err
	}

	dispatcher := dispatch.NewDispatcher(p, engine, s, eventBus, m, logger)
	if err := runner.Register(ctx, name+"-dispatcher", bus.Pattern{
		Source:       p.EventSource(),
		DetailType:   schema.DetailTypeWorkflowRunStateChange,
		Status:       schema.StatusReady,
		WorkflowName: p.WorkflowName,
	}, dispatcher.Handle); err != nil {
		return err
	}

	statusBridge := bridge.NewBridge(p, bridge.Config{RunNamePrefix: p.Prefix()}, engine, s, eventBus, m, logger)
	return runner.Register(ctx, name+"-bridge", bus.Pattern{
		Source: bridge.VendorSource,
	}, statusBridge.HandleEnvelope)
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
	return srv
}

func shutdownHTTP(srv *http.Server, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("metrics server shutdown", slog.String("error", err.Error()))
	}
}
