package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-bus/internal/deadletter"
	"github.com/nerrad567/gray-logic-bus/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-bus/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-bus/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-bus/internal/messaging"
	_ "github.com/nerrad567/gray-logic-bus/migrations"
)

// fakeBus is a settable Bus.
type fakeBus struct {
	mu      sync.Mutex
	state   messaging.State
	epoch   uint64
	queue   string
	pending int
	subs    int
}

func (b *fakeBus) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.State() != messaging.StateConnected {
		return messaging.ErrNotConnected
	}
	return nil
}

func (b *fakeBus) State() messaging.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *fakeBus) Epoch() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.epoch
}

func (b *fakeBus) Queue() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queue
}

func (b *fakeBus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

func (b *fakeBus) SubscriptionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs
}

func (b *fakeBus) set(state messaging.State, epoch uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = state
	b.epoch = epoch
}

var _ Bus = (*messaging.System)(nil)

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
}

func testWSConfig() config.WebSocketConfig {
	return config.WebSocketConfig{
		MaxMessageSize: 8192,
		PingInterval:   30,
		PongTimeout:    10,
	}
}

// testRepo creates a migrated SQLite dead-letter repository in a temp dir.
func testRepo(t *testing.T) *deadletter.SQLiteRepository {
	t.Helper()

	db, err := database.Open(context.Background(), database.Config{
		Path:        filepath.Join(t.TempDir(), "api.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return deadletter.NewSQLiteRepository(db.DB)
}

// testServer creates a Server with a fake bus and a running hub.
func testServer(t *testing.T, repo deadletter.Repository, metrics http.Handler) (*Server, *fakeBus) {
	t.Helper()

	bus := &fakeBus{state: messaging.StateConnected, epoch: 3, queue: "amq.gen-1", pending: 4, subs: 2}

	srv, err := New(Deps{
		Config: config.APIConfig{
			Host: "127.0.0.1",
			Port: 0,
			Timeouts: config.APITimeoutConfig{
				Read:  5,
				Write: 5,
				Idle:  5,
			},
		},
		WS:          testWSConfig(),
		Logger:      testLogger(),
		Bus:         bus,
		DeadLetters: repo,
		Metrics:     metrics,
		Site:        "test-site",
		Version:     "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv.hub = NewHub(srv.wsCfg, srv.logger)
	go srv.hub.Run(ctx)

	return srv, bus
}

// do runs one request through the router.
func do(t *testing.T, srv *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding body %q: %v", rec.Body.String(), err)
	}
}

// =============================================================================
// Construction
// =============================================================================

func TestNew_RequiresDeps(t *testing.T) {
	tests := []struct {
		name string
		deps Deps
	}{
		{"no logger", Deps{Bus: &fakeBus{}}},
		{"no bus", Deps{Logger: testLogger()}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.deps); err == nil {
				t.Error("New() should fail")
			}
		})
	}
}

func TestNew_DefaultMetricsPath(t *testing.T) {
	srv, err := New(Deps{Logger: testLogger(), Bus: &fakeBus{}, Metrics: http.NotFoundHandler()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if srv.metricsPath != "/metrics" {
		t.Errorf("metricsPath = %q, want /metrics", srv.metricsPath)
	}
}

// =============================================================================
// Health and Status
// =============================================================================

func TestHandleHealth(t *testing.T) {
	srv, bus := testServer(t, nil, nil)

	rec := do(t, srv, http.MethodGet, "/api/v1/health")
	if rec.Code != http.StatusOK {
		t.Errorf("connected: status = %d, want %d", rec.Code, http.StatusOK)
	}

	bus.set(messaging.StateConnecting, 0)
	rec = do(t, srv, http.MethodGet, "/api/v1/health")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("disconnected: status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	var body map[string]any
	decode(t, rec, &body)
	if body["status"] != "degraded" {
		t.Errorf("status field = %v, want degraded", body["status"])
	}
}

func TestHandleStatus(t *testing.T) {
	srv, _ := testServer(t, nil, nil)

	rec := do(t, srv, http.MethodGet, "/api/v1/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var got StatusResponse
	decode(t, rec, &got)
	want := StatusResponse{
		Site:          "test-site",
		Version:       "test",
		State:         "connected",
		Connected:     true,
		Epoch:         3,
		Queue:         "amq.gen-1",
		Pending:       4,
		Subscriptions: 2,
	}
	if got != want {
		t.Errorf("status = %+v, want %+v", got, want)
	}
}

var _ Store = (*database.DB)(nil)

// storeFunc adapts a function to Store.
type storeFunc func(ctx context.Context) (database.Status, error)

func (f storeFunc) Status(ctx context.Context) (database.Status, error) { return f(ctx) }

func TestHandleStatus_Database(t *testing.T) {
	tests := []struct {
		name    string
		store   Store
		wantDB  *database.Status
		wantErr string
	}{
		{
			name: "reports schema and pool",
			store: storeFunc(func(context.Context) (database.Status, error) {
				return database.Status{Path: "/data/bus.db", SchemaVersion: "20260101_000000", Applied: 1, OpenConnections: 1}, nil
			}),
			wantDB: &database.Status{Path: "/data/bus.db", SchemaVersion: "20260101_000000", Applied: 1, OpenConnections: 1},
		},
		{
			name: "store error is reported, not fatal",
			store: storeFunc(func(context.Context) (database.Status, error) {
				return database.Status{}, errors.New("database is closed")
			}),
			wantErr: "database is closed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := testServer(t, nil, nil)
			srv.store = tt.store

			rec := do(t, srv, http.MethodGet, "/api/v1/status")
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
			}

			var got StatusResponse
			decode(t, rec, &got)
			if got.DatabaseError != tt.wantErr {
				t.Errorf("DatabaseError = %q, want %q", got.DatabaseError, tt.wantErr)
			}
			switch {
			case tt.wantDB == nil && got.Database != nil:
				t.Errorf("Database = %+v, want nil", got.Database)
			case tt.wantDB != nil && (got.Database == nil || *got.Database != *tt.wantDB):
				t.Errorf("Database = %+v, want %+v", got.Database, tt.wantDB)
			}
		})
	}
}

func TestHandleStatus_MigratedDatabase(t *testing.T) {
	db, err := database.Open(context.Background(), database.Config{
		Path:        filepath.Join(t.TempDir(), "status.db"),
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	srv, _ := testServer(t, nil, nil)
	srv.store = db

	var got StatusResponse
	decode(t, do(t, srv, http.MethodGet, "/api/v1/status"), &got)
	if got.Database == nil || got.Database.Pending != 0 || got.Database.Applied == 0 {
		t.Errorf("Database = %+v, want applied migrations and none pending", got.Database)
	}
}

// =============================================================================
// Dead Letters
// =============================================================================

func seedDeadLetters(t *testing.T, repo deadletter.Repository) {
	t.Helper()
	entries := []*deadletter.Entry{
		{Kind: deadletter.KindMalformed, Error: "missing id", Payload: []byte(`{"name":"x"}`)},
		{Kind: deadletter.KindHandlerFault, Name: "orders.created", MessageID: "m-1", Pattern: "orders.*", Error: "boom"},
		{Kind: deadletter.KindHandlerFault, Name: "users.deleted", MessageID: "m-2", Pattern: "users.*", Error: "boom"},
	}
	for _, e := range entries {
		if err := repo.Create(context.Background(), e); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}
}

func TestListDeadLetters(t *testing.T) {
	repo := testRepo(t)
	seedDeadLetters(t, repo)
	srv, _ := testServer(t, repo, nil)

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantTotal  int
	}{
		{"all", "", http.StatusOK, 3},
		{"by kind", "?kind=handler_fault", http.StatusOK, 2},
		{"by name", "?name=orders.created", http.StatusOK, 1},
		{"since future", "?since=" + time.Now().Add(time.Hour).UTC().Format(time.RFC3339), http.StatusOK, 0},
		{"paged", "?limit=1&offset=1", http.StatusOK, 3},
		{"bad kind", "?kind=lost", http.StatusBadRequest, 0},
		{"bad since", "?since=yesterday", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, srv, http.MethodGet, "/api/v1/deadletters"+tt.query)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var res deadletter.ListResult
			decode(t, rec, &res)
			if res.Total != tt.wantTotal {
				t.Errorf("Total = %d, want %d", res.Total, tt.wantTotal)
			}
		})
	}
}

func TestDeadLetters_NotConfigured(t *testing.T) {
	srv, _ := testServer(t, nil, nil)

	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		rec := do(t, srv, method, "/api/v1/deadletters?before=2026-01-01T00:00:00Z")
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s status = %d, want %d", method, rec.Code, http.StatusServiceUnavailable)
		}
	}
}

func TestPurgeDeadLetters(t *testing.T) {
	repo := testRepo(t)
	seedDeadLetters(t, repo)
	srv, _ := testServer(t, repo, nil)

	rec := do(t, srv, http.MethodDelete, "/api/v1/deadletters")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing before: status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	rec = do(t, srv, http.MethodDelete, "/api/v1/deadletters?before=soon")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad before: status = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	before := time.Now().Add(time.Minute).UTC().Format(time.RFC3339)
	rec = do(t, srv, http.MethodDelete, "/api/v1/deadletters?before="+before)
	if rec.Code != http.StatusOK {
		t.Fatalf("purge: status = %d, want %d", rec.Code, http.StatusOK)
	}
	var body struct {
		Purged int64 `json:"purged"`
	}
	decode(t, rec, &body)
	if body.Purged != 3 {
		t.Errorf("purged = %d, want 3", body.Purged)
	}
}

// =============================================================================
// Metrics and Middleware
// =============================================================================

func TestMetricsMounted(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "graybus_bus_connected 1\n")
	})
	srv, _ := testServer(t, nil, metrics)

	rec := do(t, srv, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), "graybus_bus_connected 1") {
		t.Errorf("body = %q, want metrics output", rec.Body.String())
	}
}

func TestMetricsNotMountedWithoutHandler(t *testing.T) {
	srv, _ := testServer(t, nil, nil)

	if rec := do(t, srv, http.MethodGet, "/metrics"); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	srv, _ := testServer(t, nil, nil)

	rec := do(t, srv, http.MethodGet, "/api/v1/status")
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID not generated")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec = httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "req-42" {
		t.Errorf("X-Request-ID = %q, want req-42", got)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	srv, _ := testServer(t, nil, nil)

	h := srv.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("handler exploded")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	var e Error
	decode(t, rec, &e)
	if e.Code != ErrCodeInternal {
		t.Errorf("code = %q, want %q", e.Code, ErrCodeInternal)
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestStartClose(t *testing.T) {
	srv, _ := testServer(t, nil, nil)
	srv.hub = nil // Start creates its own

	if err := srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start should fail")
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := srv.Start(context.Background()); err == nil {
		t.Error("second Start() should fail")
	}
	if err := srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	resp, err := http.Get("http://" + srv.Addr() + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET health error = %v", err)
	}
	io.Copy(io.Discard, resp.Body) //nolint:errcheck // Drain body
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	if err := srv.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestStart_PortInUse(t *testing.T) {
	first, _ := testServer(t, nil, nil)
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer first.Close() //nolint:errcheck // Test cleanup

	second, _ := testServer(t, nil, nil)
	second.cfg.Port = portOf(t, first.Addr())
	if err := second.Start(context.Background()); err == nil {
		second.Close() //nolint:errcheck // Test cleanup
		t.Fatal("Start() on a bound port should fail")
	}
}

func portOf(t *testing.T, addr string) int {
	t.Helper()
	i := strings.LastIndex(addr, ":")
	var port int
	if _, err := fmt.Sscanf(addr[i+1:], "%d", &port); err != nil {
		t.Fatalf("parsing port of %q: %v", addr, err)
	}
	return port
}

func TestHealthCheck_CancelledContext(t *testing.T) {
	srv, _ := testServer(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := srv.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck() error = %v, want context.Canceled", err)
	}
}
