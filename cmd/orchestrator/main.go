package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"turtle_botnet/internal/behavior"
	"turtle_botnet/internal/config"
	"turtle_botnet/internal/fleet"
	"turtle_botnet/internal/jobs"
	"turtle_botnet/internal/messaging/inproc"
	"turtle_botnet/internal/orchestrator"
	sqlitestore "turtle_botnet/internal/store/sqlite"
	"turtle_botnet/internal/transport"
	"turtle_botnet/internal/world"
)

type app struct {
	cfg          config.Config
	runtime      config.OrchestratorRuntimeConfig
	orchestrator *orchestrator.Service
	logger       *slog.Logger
}

func main() {
	configPath := flag.String("config", "", "path to config.toml (default: ~/.turtle_botnet/config.toml)")
	addrFlag := flag.String("addr", "", "http listen address override")
	dbPathFlag := flag.String("db", "", "sqlite database path override")
	logLevelFlag := flag.String("log-level", "", "log level override (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	rt := cfg.Orchestrator
	rt.Addr = firstNonEmpty(*addrFlag, rt.Addr)
	rt.DBPath = firstNonEmpty(*dbPathFlag, rt.DBPath)
	rt.LogLevel = firstNonEmpty(*logLevelFlag, rt.LogLevel)
	rt = rt.WithDefaults()
	rt.DBPath = filepath.Clean(rt.DBPath)

	logger := newLogger(rt.LogLevel, rt.LogFormat, os.Stderr)
	slog.SetDefault(logger)

	if err := run(cfg, rt, logger); err != nil {
		logger.Error("orchestrator stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, rt config.OrchestratorRuntimeConfig, logger *slog.Logger) error {
	if err := os.MkdirAll(filepath.Dir(rt.DBPath), 0o755); err != nil {
		return fmt.Errorf("create db directory: %w", err)
	}
	store, err := sqlitestore.Open(rt.DBPath)
	if err != nil {
		return fmt.Errorf("open sqlite store: %w", err)
	}
	defer func() {
		_ = store.Close()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate sqlite: %w", err)
	}

	w := world.New()
	bus := inproc.New(16)
	bridge := jobs.New(jobs.Config{PollInterval: rt.PollInterval()}, store, bus, logger.With("component", "jobs"))

	trees, err := fleet.Build(fleet.Deps{
		World:         w,
		Jobs:          bridge,
		Logger:        logger.With("component", "fleet"),
		FuelThreshold: rt.FuelThreshold,
	}, func(o *behavior.Options) {
		o.Logger = logger.With("component", "behavior")
		o.PollInterval = rt.PollInterval()
		o.MaxWhileIterations = rt.MaxWhileIterations
		o.Events = store
	})
	if err != nil {
		return err
	}
	registry := behavior.NewRegistry(logger.With("component", "registry"))
	if err := trees.Register(registry); err != nil {
		return err
	}

	orch := orchestrator.New(store, w, bridge, registry, orchestrator.Config{
		TickInterval:     rt.TickInterval(),
		SnapshotInterval: rt.SnapshotInterval(),
		EntryTree:        fleet.TreeInitializer,
	}, logger.With("component", "orchestrator"))
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	a := &app{cfg: cfg, runtime: rt, orchestrator: orch, logger: logger}
	turtles := transport.NewServer(
		transport.NewHandler(orch, logger.With("component", "transport")),
		bus,
		logger.With("component", "transport"),
	)

	server := &http.Server{
		Addr:              rt.Addr,
		Handler:           a.routes(turtles),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("turtle_botnet started",
		"addr", rt.Addr,
		"db", rt.DBPath,
		"config", cfg.Path,
		"tick_interval", rt.TickInterval(),
	)

	serveErr := server.ListenAndServe()
	if errors.Is(serveErr, http.ErrServerClosed) {
		serveErr = nil
	}
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := orch.Stop(stopCtx); err != nil {
		logger.Error("final snapshot failed", "error", err)
	} else {
		logger.Info("world saved")
	}
	if serveErr != nil {
		return fmt.Errorf("http server failed: %w", serveErr)
	}
	return nil
}

func (a *app) routes(turtles *transport.Server) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/config", a.handleConfig)
	mux.HandleFunc("/turtles", a.handleTurtles)
	mux.HandleFunc("/turtles/", a.handleTurtleByID)
	mux.HandleFunc("/trees", a.handleTrees)
	mux.HandleFunc("/trees/", a.handleTreeEvents)
	turtles.Mount(mux)
	return loggingMiddleware(a.logger, mux)
}

func (a *app) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *app) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"path":         a.cfg.Path,
		"raw":          a.cfg.Raw,
		"orchestrator": a.runtime,
	})
}

func (a *app) handleTurtles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, a.orchestrator.ListTurtles())
}

func (a *app) handleTurtleByID(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/turtles/"), "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("turtle id is required"))
		return
	}
	switch r.Method {
	case http.MethodGet:
		view, err := a.orchestrator.Turtle(r.Context(), id, queryInt(r, "jobs", 20))
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	case http.MethodDelete:
		if err := a.orchestrator.RetireTurtle(id); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "retired", "turtle_id": id})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *app) handleTrees(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, a.orchestrator.ListTrees())
}

func (a *app) handleTreeEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/trees/"), "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "events" {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown path %s", r.URL.Path))
		return
	}
	events, err := a.orchestrator.ListTreeEvents(r.Context(), parts[0], queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrUnknownTurtle), errors.Is(err, behavior.ErrUnknownTree):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
