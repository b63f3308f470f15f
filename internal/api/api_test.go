package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/worldsync/internal/db"
	"github.com/livinlefevreloca/worldsync/internal/progress"
	"github.com/livinlefevreloca/worldsync/internal/scheduler"
	"github.com/livinlefevreloca/worldsync/internal/testutil"
)

// fakeSyncer records triggers and reports a configurable busy state
type fakeSyncer struct {
	mu        sync.Mutex
	busy      bool
	armed     bool
	triggered []string
	intervals []time.Duration
	statuses  []scheduler.AdapterStatus
}

func (f *fakeSyncer) TriggerAll(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy {
		return false
	}
	f.triggered = append(f.triggered, "all")
	return true
}

func (f *fakeSyncer) TriggerOne(_ context.Context, name string) (bool, error) {
	if _, err := scheduler.ParseKind(name); err != nil {
		return false, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy {
		return false, nil
	}
	f.triggered = append(f.triggered, name)
	return true, nil
}

func (f *fakeSyncer) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busy
}

func (f *fakeSyncer) Armed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.armed
}

func (f *fakeSyncer) Status(context.Context) ([]scheduler.AdapterStatus, error) {
	return f.statuses, nil
}

func (f *fakeSyncer) Start(_ context.Context, interval time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed = true
	f.intervals = append(f.intervals, interval)
	return nil
}

type fixture struct {
	server *Server
	syncer *fakeSyncer
	store  *db.DB
	events *progress.Broker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := db.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })

	logger := testutil.NewTestLogger().Logger()
	events := progress.NewBroker(16, logger)
	syncer := &fakeSyncer{}

	server := New(context.Background(), syncer, store, events, logger, WithHeartbeat(50*time.Millisecond))
	return &fixture{server: server, syncer: syncer, store: store, events: events}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func (f *fixture) seedLog(t *testing.T, adapter, status string, started time.Time) {
	t.Helper()
	ctx := context.Background()

	entry := &db.SyncLogEntry{Adapter: adapter, StartedAt: started}
	require.NoError(t, f.store.CreateSyncLog(ctx, entry))
	if status != db.StatusRunning {
		require.NoError(t, f.store.FinishSyncLog(ctx, entry.ID, status, 3, 2, nil, started.Add(time.Minute)))
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","syncing":false}`, w.Body.String())
}

func TestSyncAll_AcceptedThenConflict(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/sync", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.True(t, decode[syncResponse](t, w).Started)

	f.syncer.busy = true
	w = f.do(t, http.MethodPost, "/api/v1/sync", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.False(t, decode[syncResponse](t, w).Started)

	assert.Equal(t, []string{"all"}, f.syncer.triggered)
}

func TestSyncOne(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/sync/worldbank", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, syncResponse{Started: true, Adapter: "worldbank"}, decode[syncResponse](t, w))

	w = f.do(t, http.MethodPost, "/api/v1/sync/gdelt", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	f.syncer.busy = true
	w = f.do(t, http.MethodPost, "/api/v1/sync/acled", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	assert.Equal(t, []string{"worldbank"}, f.syncer.triggered)
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	msg := "boom"
	f.syncer.armed = true
	f.syncer.statuses = []scheduler.AdapterStatus{
		{Adapter: "restcountries", Latest: &db.SyncLogEntry{ID: "a", Adapter: "restcountries", Status: db.StatusCompleted, RecordsFetched: 250, RecordsUpserted: 250}},
		{Adapter: "acled", Latest: &db.SyncLogEntry{ID: "b", Adapter: "acled", Status: db.StatusError, ErrorMessage: &msg}},
		{Adapter: "worldbank"},
	}

	w := f.do(t, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[statusResponse](t, w)
	assert.False(t, resp.Syncing)
	assert.True(t, resp.TimerArmed)
	require.Len(t, resp.Adapters, 3)
	assert.Equal(t, "completed", resp.Adapters[0].State)
	assert.Equal(t, 250, resp.Adapters[0].Latest.RecordsUpserted)
	assert.Equal(t, "error", resp.Adapters[1].State)
	assert.Equal(t, "boom", *resp.Adapters[1].Latest.ErrorMessage)
	assert.Equal(t, "never", resp.Adapters[2].State)
	assert.Nil(t, resp.Adapters[2].Latest)
}

func TestListLogs(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	f.seedLog(t, "acled", db.StatusCompleted, base)
	f.seedLog(t, "sipri", db.StatusError, base.Add(time.Hour))
	f.seedLog(t, "overpass", db.StatusRunning, base.Add(2*time.Hour))

	type logsResponse struct {
		Entries []logEntryResponse `json:"entries"`
		Limit   int                `json:"limit"`
	}

	w := f.do(t, http.MethodGet, "/api/v1/logs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[logsResponse](t, w)
	assert.Equal(t, DefaultLogLimit, resp.Limit)
	require.Len(t, resp.Entries, 3)
	assert.Equal(t, "overpass", resp.Entries[0].Adapter)
	assert.Nil(t, resp.Entries[0].CompletedAt)

	w = f.do(t, http.MethodGet, "/api/v1/logs?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[logsResponse](t, w).Entries, 2)

	w = f.do(t, http.MethodGet, "/api/v1/logs?limit=50000", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, MaxLogLimit, decode[logsResponse](t, w).Limit)

	for _, bad := range []string{"0", "-3", "ten"} {
		w = f.do(t, http.MethodGet, "/api/v1/logs?limit="+bad, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, bad)
	}
}

func TestClearLogs_KeepsRunningEntries(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	f.seedLog(t, "acled", db.StatusCompleted, base)
	f.seedLog(t, "overpass", db.StatusRunning, base.Add(time.Hour))

	w := f.do(t, http.MethodDelete, "/api/v1/logs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"deleted":1}`, w.Body.String())

	n, err := f.store.CountRows(context.Background(), "sync_log")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPutSettings(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPut, "/api/v1/settings", map[string]string{
		"acled.email":           "analyst@example.org",
		"acled.password":        "hunter2",
		"sync.interval_minutes": "30",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	settings := decode[map[string]string](t, w)
	assert.Equal(t, "analyst@example.org", settings["acled.email"])
	assert.Equal(t, redacted, settings["acled.password"])
	assert.Equal(t, []time.Duration{30 * time.Minute}, f.syncer.intervals)

	w = f.do(t, http.MethodGet, "/api/v1/settings", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "hunter2")
}

func TestPutSettings_PaddedInterval(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPut, "/api/v1/settings", map[string]string{
		"sync.interval_minutes": " 5 ",
		"worldbank.indicators":  " SP.POP.TOTL , MS.MIL.TOTL.P1 ",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	settings := decode[map[string]string](t, w)
	assert.Equal(t, "5", settings["sync.interval_minutes"])
	assert.Equal(t, "SP.POP.TOTL,MS.MIL.TOTL.P1", settings["worldbank.indicators"])
	assert.Equal(t, []time.Duration{5 * time.Minute}, f.syncer.intervals)
}

func TestPutSettings_RejectsWholeWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		body any
	}{
		{"unknown key", map[string]string{"acled.email": "x@example.org", "acled.api_key": "k"}},
		{"invalid interval", map[string]string{"acled.email": "x@example.org", "sync.interval_minutes": "0"}},
		{"empty indicators", map[string]string{"acled.email": "x@example.org", "worldbank.indicators": " , "}},
		{"not an object", []string{"acled.email"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPut, "/api/v1/settings", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}

	_, ok, err := f.store.GetSetting(ctx, "acled.email")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, f.syncer.intervals)
}

func TestStreamEvents(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readEvent := func() (string, string) {
		var name, data string
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "" && name != "":
				return name, data
			}
		}
	}

	name, _ := readEvent()
	assert.Equal(t, "connected", name)

	f.events.Publish(progress.Event{Adapter: "acled", Status: progress.StatusIdle, RecordCount: 12})

	name, data := readEvent()
	assert.Equal(t, "progress", name)
	assert.JSONEq(t, `{"adapter":"acled","status":"idle","recordCount":12}`, data)
}

func TestRecovery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := testutil.NewTestLogger()

	router := gin.New()
	router.Use(recoveryMiddleware(logger.Logger()))
	router.GET("/panic", func(*gin.Context) { panic("kaboom") })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.True(t, logger.HasError())
}
