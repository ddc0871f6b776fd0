// Command observer runs the Observer Core: the ingestion, query, and SSE
// broadcast service described in spec.md. It accepts events, chain-of-thought
// entries, and observations from an external agent orchestration runtime,
// persists them to rotated JSONL streams, and serves the derived status,
// metrics, and event/CoT query surface over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/observer-core/internal/audit"
	"github.com/basket/observer-core/internal/broadcast"
	"github.com/basket/observer-core/internal/bus"
	"github.com/basket/observer-core/internal/config"
	"github.com/basket/observer-core/internal/gateway"
	"github.com/basket/observer-core/internal/ingest"
	otelPkg "github.com/basket/observer-core/internal/otel"
	"github.com/basket/observer-core/internal/redact"
	"github.com/basket/observer-core/internal/runtime"
	"github.com/basket/observer-core/internal/shared"
	"github.com/basket/observer-core/internal/telemetry"
	"github.com/basket/observer-core/internal/writer"
)

func main() {
	devRuntime := flag.Bool("dev-runtime", false, "wire the in-memory development runtime controller instead of running standalone")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())
	if len(cfg.AppliedEnvOverrides) > 0 {
		logger.Debug("config env overrides applied", "overrides", cfg.AppliedEnvOverrides)
	}

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		loopback := host == "127.0.0.1" || host == "localhost" || host == "::1"
		if !loopback && len(cfg.AllowedOrigins) == 0 {
			logger.Warn("allowed_origins is empty on a non-loopback bind; cross-origin browser connections will be rejected", "bind_addr", cfg.BindAddr)
		}
	}

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		SampleRate:     cfg.Telemetry.SampleRate,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	eventBus.OnDrop(func(topic string, topicDropped, totalDropped int64) {
		metrics.BackpressureDrops.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
		logger.Warn("bus delivery dropped", "topic", topic, "topicDropped", topicDropped, "totalDropped", totalDropped)
	})

	wm, err := writer.NewManager(cfg.DataDir, cfg.RotationBytes, logger)
	if err != nil {
		fatalStartup(logger, "E_WRITER_OPEN", err)
	}
	defer func() {
		if err := wm.Close(); err != nil {
			logger.Error("writer close failed", "error", err)
		}
	}()
	logger.Info("startup phase", "phase", "writer_open", "data_dir", cfg.DataDir)

	redactor := redact.New(cfg.PrivacyMode, cfg.RedactionRules)

	var controller runtime.Controller
	if *devRuntime {
		controller = runtime.NewDevController()
		logger.Warn("dev-runtime flag set: using the in-memory development runtime controller, never use this in production")
	}

	store := ingest.NewStore(ingest.StoreConfig{
		MaxQueueSize:   cfg.MaxQueueSize,
		RingCapacity:   cfg.RingCapacity,
		AuthConfigured: cfg.AuthToken != "" || cfg.Auth.Enabled,
		Standalone:     cfg.Standalone,
	}, redactor, wm, eventBus, logger, metrics, controller)

	if err := otelPkg.RegisterQueueDepthCallback(otelProvider.Meter, metrics, store.QueueDepth); err != nil {
		logger.Error("failed to register queue depth callback", "error", err)
	}

	if controller != nil {
		if err := store.StartRuntime(ctx); err != nil {
			logger.Error("dev runtime controller failed to start", "error", err)
		}
	}

	broadcaster := broadcast.New(eventBus, cfg.MaxClients, cfg.HeartbeatInterval(), logger)

	authMW := gateway.NewAuthMiddleware(cfg.AuthConfigFromToken())
	originAllowlist := gateway.NewOriginAllowlist(cfg.AllowedOrigins)

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go watchConfigReloads(ctx, watcher, logger, store, redactor, authMW, originAllowlist)

	rateLimiter := gateway.NewRateLimitMiddleware(cfg.RateLimit)
	rateLimiter.StartEviction(ctx, 10*time.Minute, time.Hour)

	gw := gateway.New(gateway.Config{
		Store:        store,
		Broadcaster:  broadcaster,
		Auth:         authMW,
		Origin:       originAllowlist.Wrap,
		RateLimit:    rateLimiter,
		CORS:         gateway.NewCORSMiddleware(cfg.CORS),
		Tracer:       otelProvider.Tracer,
		MaxBodyBytes: cfg.RequestMaxBytes,
	})

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)
	go func() {
		logger.Info("observer core listening", "addr", cfg.BindAddr)
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Graceful shutdown (spec.md §5): stop accepting new connections, drain
	// the async writer up to DrainTimeoutSeconds, then force-close every
	// streaming subscriber.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout())
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	if controller != nil {
		_ = store.StopRuntime(shutdownCtx)
	}

	drained := make(chan struct{})
	go func() {
		_ = wm.Close()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(cfg.DrainTimeout()):
		logger.Warn("writer drain timed out, forcing shutdown")
	}

	broadcaster.Close()
	logger.Info("shutdown complete")
}

// watchConfigReloads applies config.yaml changes in place (spec.md §6):
// redaction rules, the origin allowlist, and the shared bearer token all
// swap atomically without restarting the process, and the outcome is
// republished as a config.reloaded system event through Ingest so a
// subscriber watching the event/SSE stream sees the same control-plane
// action an operator sees in the logs.
func watchConfigReloads(ctx context.Context, w *config.Watcher, logger *slog.Logger, store *ingest.Store, redactor *redact.Redactor, authMW *gateway.AuthMiddleware, originAllowlist *gateway.OriginAllowlist) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			// One trace_id ties the "triggered"/"failed or reloaded" log
			// lines to the config.reloaded event they produce, so an
			// operator can grep a single reload across both surfaces.
			reloadCtx := shared.WithTraceID(ctx, shared.NewTraceID())
			traceID := shared.TraceID(reloadCtx)
			logger.Info("config reload triggered", "path", ev.Path, "op", ev.Op, "trace_id", traceID)

			reloaded, err := config.Load()
			if err != nil {
				logger.Error("config reload failed, keeping previous configuration", "error", err, "trace_id", traceID)
				store.RecordEvent(ingest.EventInput{
					Type:     "config.reload_failed",
					Severity: ingest.SeverityError,
					Source:   "observer",
					TraceID:  traceID,
					Metadata: map[string]interface{}{"error": err.Error(), "path": ev.Path},
				})
				continue
			}
			redactor.Reload(reloaded.PrivacyMode, reloaded.RedactionRules)
			originAllowlist.Reload(reloaded.AllowedOrigins)
			authMW.Reload(reloaded.AuthConfigFromToken())

			fingerprint := reloaded.Fingerprint()
			logger.Info("config reloaded", "fingerprint", fingerprint, "trace_id", traceID)
			store.RecordEvent(ingest.EventInput{
				Type:     "config.reloaded",
				Severity: ingest.SeverityInfo,
				Source:   "observer",
				TraceID:  traceID,
				Metadata: map[string]interface{}{"fingerprint": fingerprint, "path": ev.Path},
			})
		}
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, message)

	if logger != nil {
		logger.Error("startup failure", "reasonCode", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","reasonCode":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano), reasonCode, message)
	}
	os.Exit(1)
}
