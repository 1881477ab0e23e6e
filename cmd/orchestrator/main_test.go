package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"turtle_botnet/internal/behavior"
	"turtle_botnet/internal/config"
	"turtle_botnet/internal/domain"
	"turtle_botnet/internal/fleet"
	"turtle_botnet/internal/jobs"
	"turtle_botnet/internal/messaging/inproc"
	"turtle_botnet/internal/orchestrator"
	sqlitestore "turtle_botnet/internal/store/sqlite"
	"turtle_botnet/internal/transport"
	"turtle_botnet/internal/world"
)

func newTestApp(t *testing.T) (*httptest.Server, *orchestrator.Service) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := sqlitestore.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	w := world.New()
	bus := inproc.New(4)
	bridge := jobs.New(jobs.Config{PollInterval: 2 * time.Millisecond}, store, bus, logger)
	trees, err := fleet.Build(fleet.Deps{World: w, Jobs: bridge, Logger: logger}, func(o *behavior.Options) {
		o.Logger = logger
		o.Events = store
	})
	require.NoError(t, err)
	reg := behavior.NewRegistry(logger)
	require.NoError(t, trees.Register(reg))
	orch := orchestrator.New(store, w, bridge, reg, orchestrator.Config{}, logger)

	a := &app{
		cfg:          config.Config{Path: "/etc/turtle.toml"},
		runtime:      config.OrchestratorRuntimeConfig{}.WithDefaults(),
		orchestrator: orch,
		logger:       logger,
	}
	srv := httptest.NewServer(a.routes(transport.NewServer(transport.NewHandler(orch, logger), bus, logger)))
	t.Cleanup(srv.Close)
	return srv, orch
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	res, err := http.Get(url)
	require.NoError(t, err)
	defer res.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(res.Body).Decode(out))
	}
	return res.StatusCode
}

func TestReadAPI(t *testing.T) {
	srv, _ := newTestApp(t)

	var health map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/healthz", &health))
	assert.Equal(t, "ok", health["status"])

	var cfg struct {
		Path         string                           `json:"path"`
		Orchestrator config.OrchestratorRuntimeConfig `json:"orchestrator"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/config", &cfg))
	assert.Equal(t, "/etc/turtle.toml", cfg.Path)
	assert.Equal(t, 50, cfg.Orchestrator.TickIntervalMS)

	body := `{"job":2,"data":{"x":3,"y":64,"z":-2,"direction":"north"}}`
	res, err := http.Post(srv.URL+"/turtle", "application/json", bytes.NewReader([]byte(body)))
	require.NoError(t, err)
	var registered struct {
		Success bool          `json:"success"`
		Data    domain.Turtle `json:"data"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&registered))
	res.Body.Close()
	require.True(t, registered.Success)
	id := registered.Data.ID

	var turtles []orchestrator.TurtleView
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/turtles", &turtles))
	require.Len(t, turtles, 1)
	assert.Equal(t, id, turtles[0].ID)
	assert.Equal(t, fleet.TreeInitializer, turtles[0].Tree)

	var one orchestrator.TurtleView
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/turtles/"+id, &one))
	assert.Equal(t, domain.Point3{X: 3, Y: 64, Z: -2}, one.Position)
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/turtles/missing", nil))

	var trees []orchestrator.TreeView
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/trees", &trees))
	require.Len(t, trees, 3)
	assert.Equal(t, fleet.TreeInitializer, trees[0].Name)
	require.Len(t, trees[0].Sequencers, 1)
	assert.Equal(t, id, trees[0].Sequencers[0].AgentID)

	var events []domain.TreeEvent
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/trees/initializer/events", &events))
	require.Len(t, events, 1)
	assert.Equal(t, domain.TreeEventAppended, events[0].Kind)
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/trees/nope/events", nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/trees/initializer/other", nil))

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/turtles/"+id, nil)
	require.NoError(t, err)
	del, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	del.Body.Close()
	assert.Equal(t, http.StatusOK, del.StatusCode)
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/turtles", &turtles))
	assert.Empty(t, turtles)
}

func TestNewLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger("warn", "json", &buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.True(t, strings.HasPrefix(out, "{"))
	assert.Contains(t, out, `"k":"v"`)

	buf.Reset()
	newLogger("bogus", "", &buf).Debug("quiet")
	assert.Empty(t, buf.String())
}
