// Command pbl-server is the host-side boot server binary. It loads a YAML
// configuration file, drives the TTY/handshake state machine over a serial
// device, records every transfer to a tamper-evident audit log and a local
// history database, optionally mirrors transfer history fleet-wide to
// PostgreSQL and
// mirrors state transitions to a WebSocket console, and shuts down
// gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eryjus/pi-bootloader/internal/audit"
	"github.com/eryjus/pi-bootloader/internal/auditsink"
	"github.com/eryjus/pi-bootloader/internal/bootserver"
	"github.com/eryjus/pi-bootloader/internal/config"
	"github.com/eryjus/pi-bootloader/internal/console"
	"github.com/eryjus/pi-bootloader/internal/fleetstore"
	"github.com/eryjus/pi-bootloader/internal/history"
	"github.com/eryjus/pi-bootloader/internal/historymirror"
	"github.com/eryjus/pi-bootloader/internal/metrics"
	"github.com/eryjus/pi-bootloader/internal/statusapi"
	"github.com/eryjus/pi-bootloader/internal/watch"
)

func main() {
	configPath := flag.String("config", "/etc/pbl-server/config.yaml", "path to the pbl-server YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pbl-server: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("device", cfg.Device),
		slog.String("manifest", cfg.Manifest),
		slog.String("status_addr", cfg.StatusAddr),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Tamper-evident audit log ─────────────────────────────────────────
	auditLogger, err := audit.Open(cfg.AuditLogPath)
	if err != nil {
		logger.Error("failed to open audit log", slog.String("path", cfg.AuditLogPath), slog.Any("error", err))
		os.Exit(1)
	}
	defer auditLogger.Close()
	logger.Info("audit log opened", slog.String("path", cfg.AuditLogPath))

	// ── Local transfer history ───────────────────────────────────────────
	historyStore, err := history.Open(cfg.HistoryDBPath)
	if err != nil {
		logger.Error("failed to open history database", slog.String("path", cfg.HistoryDBPath), slog.Any("error", err))
		os.Exit(1)
	}
	defer historyStore.Close()
	logger.Info("transfer history database opened", slog.String("path", cfg.HistoryDBPath))

	// ── Optional fleet-wide PostgreSQL mirror ────────────────────────────
	var fleet *fleetstore.Store
	if cfg.FleetDSN != "" {
		fleet, err = fleetstore.New(ctx, cfg.FleetDSN, fleetstore.DefaultBatchSize, fleetstore.DefaultFlushInterval)
		if err != nil {
			logger.Error("failed to open fleet store", slog.Any("error", err))
			os.Exit(1)
		}
		defer fleet.Close(context.Background())
		logger.Info("fleet-wide PostgreSQL mirror connected")
	} else {
		logger.Warn("no fleet_dsn configured; fleet-wide mirror disabled")
	}

	// ── WebSocket console mirror ─────────────────────────────────────────
	var broadcaster *console.Broadcaster
	if cfg.ConsoleAddr != "" {
		broadcaster = console.NewBroadcaster(logger, 64)
		defer broadcaster.Close()
	} else {
		logger.Warn("no console_addr configured; console mirror disabled")
	}

	// ── Boot server state machine ────────────────────────────────────────
	// fleet is passed through a plain interface variable, not *fleetstore.Store
	// directly: a nil *Store boxed into historymirror.FleetStore would compare
	// != nil on the receiving side, defeating the "no mirror configured" check.
	var fleetIface historymirror.FleetStore
	if fleet != nil {
		fleetIface = fleet
	}

	// ── Metrics registry ──────────────────────────────────────────────────
	metricsRegistry := metrics.New()

	var opts []bootserver.Option
	opts = append(opts, bootserver.WithRetryDelay(cfg.OpenRetryDelay))
	opts = append(opts, bootserver.WithAuditSink(&auditsink.BootserverSink{Logger: auditLogger}))
	opts = append(opts, bootserver.WithHistorySink(historymirror.New(historyStore, fleetIface, metricsRegistry, cfg.Device, logger)))
	if broadcaster != nil {
		opts = append(opts, bootserver.WithConsoleSink(&fanoutConsoleSink{broadcaster: broadcaster, registry: metricsRegistry}))
	} else {
		opts = append(opts, bootserver.WithConsoleSink(metricsRegistry))
	}

	srv := bootserver.New(cfg.Device, cfg.Manifest, logger, opts...)

	bootErrCh := make(chan error, 1)
	go func() {
		bootErrCh <- srv.Run(ctx)
	}()

	// ── Status/control HTTP API ──────────────────────────────────────────
	var pubKey *rsa.PublicKey
	if cfg.JWTPublicKeyPath != "" {
		pubKey, err = loadRSAPublicKey(cfg.JWTPublicKeyPath)
		if err != nil {
			logger.Error("failed to load JWT public key", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("JWT validation enabled for status API")
	} else {
		logger.Warn("jwt_public_key_path not configured; status API authentication disabled (dev only)")
	}

	auditReader := &auditsink.Reader{Path: cfg.AuditLogPath}
	statusSrv := statusapi.NewServer(srv, historyStore, auditReader, srv, logger)
	statusHandler := statusapi.NewRouter(statusSrv, pubKey)

	statusMux := http.NewServeMux()
	statusMux.Handle("/metrics", metrics.Handler{Registry: metricsRegistry})
	statusMux.Handle("/", statusHandler)

	statusServer := &http.Server{
		Addr:         cfg.StatusAddr,
		Handler:      statusMux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	statusErrCh := make(chan error, 1)
	go func() {
		logger.Info("status API listening", slog.String("addr", cfg.StatusAddr))
		if err := statusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			statusErrCh <- fmt.Errorf("status API: %w", err)
		}
		close(statusErrCh)
	}()

	// ── Console WebSocket server ──────────────────────────────────────────
	var consoleServer *http.Server
	consoleErrCh := make(chan error, 1)
	if broadcaster != nil {
		mux := http.NewServeMux()
		mux.Handle("/console", console.NewHandler(broadcaster, logger, 10*time.Second))
		consoleServer = &http.Server{
			Addr:         cfg.ConsoleAddr,
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 0, // WebSocket connections are long-lived
			IdleTimeout:  0,
		}
		go func() {
			logger.Info("console mirror listening", slog.String("addr", cfg.ConsoleAddr))
			if err := consoleServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				consoleErrCh <- fmt.Errorf("console server: %w", err)
			}
			close(consoleErrCh)
		}()
	} else {
		close(consoleErrCh)
	}

	// ── Manifest/module change watcher ───────────────────────────────────
	var fileWatcher watch.Watcher
	if paths := watchPaths(cfg); len(paths) > 0 {
		fileWatcher, err = watch.New(paths, logger)
		if err != nil {
			logger.Warn("failed to start file watcher", slog.Any("error", err))
		} else if err := fileWatcher.Start(ctx); err != nil {
			logger.Warn("failed to start file watcher", slog.Any("error", err))
			fileWatcher = nil
		} else {
			go logWatchEvents(fileWatcher, logger)
		}
	}

	// ── Wait for shutdown signal or fatal error ───────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-bootErrCh:
		if err != nil {
			logger.Error("boot server exited", slog.Any("error", err))
		}
	case err := <-statusErrCh:
		if err != nil {
			logger.Error("status API error", slog.Any("error", err))
		}
	case err := <-consoleErrCh:
		if err != nil {
			logger.Error("console server error", slog.Any("error", err))
		}
	}

	// ── Graceful shutdown ──────────────────────────────────────────────────
	logger.Info("shutting down pbl-server")
	cancel()

	if fileWatcher != nil {
		fileWatcher.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := statusServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("status API shutdown error", slog.Any("error", err))
	}
	if consoleServer != nil {
		if err := consoleServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("console server shutdown error", slog.Any("error", err))
		}
	}

	select {
	case <-bootErrCh:
	case <-shutdownCtx.Done():
		logger.Warn("boot server did not exit before shutdown timeout")
	}

	logger.Info("pbl-server exited cleanly")
}

// watchPaths collects the manifest path plus any extra paths configured for
// reload-candidate logging. It deliberately does not parse the manifest to
// also watch the kernel/module files it references — watch.New only needs
// paths that exist at start time, and those files may not exist yet on a
// board that has never booted.
func watchPaths(cfg *config.Config) []string {
	paths := make([]string, 0, len(cfg.WatchPaths)+1)
	paths = append(paths, cfg.Manifest)
	paths = append(paths, cfg.WatchPaths...)
	return paths
}

func logWatchEvents(w watch.Watcher, logger *slog.Logger) {
	for evt := range w.Events() {
		logger.Info("watched path changed",
			slog.String("path", evt.Path),
			slog.String("event", string(evt.Type)),
			slog.Time("at", evt.Timestamp),
		)
	}
}

// fanoutConsoleSink notifies both the WebSocket console broadcaster and the
// metrics registry of every state transition; bootserver.WithConsoleSink
// only accepts a single sink.
type fanoutConsoleSink struct {
	broadcaster *console.Broadcaster
	registry    *metrics.Registry
}

func (f *fanoutConsoleSink) StateChanged(s bootserver.State) {
	f.broadcaster.StateChanged(s)
	f.registry.StateChanged(s)
}

// loadRSAPublicKey reads a PEM-encoded RSA public key (PKIX or PKCS1) from
// path. No library in the corpus's dependency set provides PEM/X.509
// parsing beyond what crypto/x509 already does; the standard library is the
// idiomatic tool for this one-time key load.
func loadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", path, err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("%q: no PEM block found", path)
	}

	if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaKey, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%q: not an RSA public key", path)
		}
		return rsaKey, nil
	}

	rsaKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%q: %w", path, err)
	}
	return rsaKey, nil
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
