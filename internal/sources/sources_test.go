package sources

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/worldsync/internal/db"
	"github.com/livinlefevreloca/worldsync/internal/ingest"
	"github.com/livinlefevreloca/worldsync/internal/scheduler"
	"github.com/livinlefevreloca/worldsync/internal/testutil"
)

var testEpoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *db.DB {
	t.Helper()

	store, err := db.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })

	return store
}

// testLimits keeps backoff in the millisecond range
func testLimits() Limits {
	return Limits{
		Timeout:    5 * time.Second,
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	}
}

// testConfig points every adapter at baseURL
func testConfig(baseURL string) Config {
	cfg := DefaultConfig()
	cfg.FlushPages = 1

	cfg.RESTCountries.BaseURL = baseURL
	cfg.RESTCountries.Limits = testLimits()

	cfg.ACLED.BaseURL = baseURL
	cfg.ACLED.TokenURL = baseURL + "/oauth/token"
	cfg.ACLED.Email = "analyst@example.org"
	cfg.ACLED.Password = "secret"
	cfg.ACLED.PageSize = 2
	cfg.ACLED.Limits = testLimits()

	cfg.WorldBank.BaseURL = baseURL
	cfg.WorldBank.Indicators = []string{"IND.A", "IND.B"}
	cfg.WorldBank.Limits = testLimits()

	overpass := testLimits()
	overpass.OverloadCooldown = time.Millisecond
	overpass.MaxCooldowns = 3
	cfg.Overpass.BaseURL = baseURL
	cfg.Overpass.Limits = overpass
	cfg.Overpass.Regions = []Region{
		{Name: "north", South: 50, West: 0, North: 60, East: 10},
		{Name: "south", South: 40, West: 0, North: 50, East: 10},
	}

	cfg.SIPRI.PageSize = 2
	return cfg
}

type factoryFixture struct {
	factory *Factory
	store   *db.DB
	clock   *testutil.MockClock
	logger  *testutil.TestLogger

	retries   []string
	cooldowns []time.Duration
}

func newFactoryFixture(t *testing.T, cfg Config, client *http.Client) *factoryFixture {
	t.Helper()

	f := &factoryFixture{
		store:  newTestStore(t),
		clock:  testutil.NewMockClock(testEpoch),
		logger: testutil.NewTestLogger(),
	}

	hooks := ingest.Hooks{
		OnRetry: func(source string, _ int, _ error) {
			f.retries = append(f.retries, source)
		},
		OnCooldown: func(_ string, wait time.Duration) {
			f.cooldowns = append(f.cooldowns, wait)
		},
	}

	opts := []FactoryOption{WithClock(f.clock), WithEngineHooks(hooks)}
	if client != nil {
		opts = append(opts, WithHTTPClient(client))
	}
	f.factory = NewFactory(cfg, f.store, f.logger.Logger(), opts...)

	return f
}

func (f *factoryFixture) run(t *testing.T, kind scheduler.Kind) (scheduler.Result, error) {
	t.Helper()

	runner, err := f.factory.Runner(context.Background(), kind)
	require.NoError(t, err)
	return runner.Run(context.Background())
}

// completeSync records a finished run at the current mock time
func (f *factoryFixture) completeSync(t *testing.T, kind scheduler.Kind) {
	t.Helper()
	ctx := context.Background()

	entry := &db.SyncLogEntry{Adapter: kind.String(), StartedAt: f.clock.Now()}
	require.NoError(t, f.store.CreateSyncLog(ctx, entry))
	require.NoError(t, f.store.FinishSyncLog(ctx, entry.ID, db.StatusCompleted, 0, 0, nil, f.clock.Now()))
}

func TestDefaultConfig_Valid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestConfigValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative flush", func(c *Config) { c.FlushPages = -1 }},
		{"restcountries url", func(c *Config) { c.RESTCountries.BaseURL = "" }},
		{"acled page size", func(c *Config) { c.ACLED.PageSize = 0 }},
		{"acled history", func(c *Config) { c.ACLED.HistoryYears = 0 }},
		{"worldbank revision", func(c *Config) { c.WorldBank.RevisionYears = -1 }},
		{"overpass region", func(c *Config) {
			c.Overpass.Regions = []Region{{Name: "flipped", South: 10, West: 0, North: 5, East: 10}}
		}},
		{"overpass cooldown", func(c *Config) { c.Overpass.Limits.OverloadCooldown = 0 }},
		{"zero timeout", func(c *Config) { c.WorldBank.Limits.Timeout = 0 }},
		{"sipri page size", func(c *Config) { c.SIPRI.PageSize = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfigValidate_IgnoresDisabledAdapters(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ACLED.Enabled = false
	cfg.ACLED.PageSize = 0

	assert.NoError(t, cfg.Validate())
}

func TestFactory_DisabledAdapters(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:0")
	cfg.Overpass.Enabled = false
	f := newFactoryFixture(t, cfg, nil)
	ctx := context.Background()

	_, err := f.factory.Runner(ctx, scheduler.KindOverpass)
	assert.ErrorIs(t, err, scheduler.ErrAdapterDisabled)

	// No register path configured
	_, err = f.factory.Runner(ctx, scheduler.KindSIPRI)
	assert.ErrorIs(t, err, scheduler.ErrAdapterDisabled)

	_, err = f.factory.Runner(ctx, scheduler.KindRESTCountries)
	assert.NoError(t, err)
}

func TestFactory_UnknownKind(t *testing.T) {
	f := newFactoryFixture(t, testConfig("http://127.0.0.1:0"), nil)

	_, err := f.factory.Runner(context.Background(), scheduler.Kind(99))
	assert.ErrorIs(t, err, scheduler.ErrUnknownAdapter)
}

func TestFactory_SettingsOverrideConfig(t *testing.T) {
	f := newFactoryFixture(t, testConfig("http://127.0.0.1:0"), nil)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "register.csv")
	require.NoError(t, os.WriteFile(path, []byte(sipriRegister), 0o600))

	require.NoError(t, f.store.SetSettings(ctx, map[string]string{
		db.SettingSIPRICSVPath:        path,
		db.SettingACLEDEmail:          "other@example.org",
		db.SettingWorldBankIndicators: " X.ONE, ,X.TWO ",
	}))

	runner, err := f.factory.Runner(ctx, scheduler.KindSIPRI)
	require.NoError(t, err)
	assert.Equal(t, path, runner.(*sipriRunner).config.CSVPath)

	runner, err = f.factory.Runner(ctx, scheduler.KindACLED)
	require.NoError(t, err)
	assert.Equal(t, "other@example.org", runner.(*acledRunner).config.Email)
	assert.Equal(t, "secret", runner.(*acledRunner).config.Password)

	runner, err = f.factory.Runner(ctx, scheduler.KindWorldBank)
	require.NoError(t, err)
	assert.Equal(t, []string{"X.ONE", "X.TWO"}, runner.(*worldBankRunner).config.Indicators)
}

func TestFactory_EmptyIndicatorsMisconfigured(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:0")
	cfg.WorldBank.Indicators = nil
	f := newFactoryFixture(t, cfg, nil)

	_, err := f.factory.Runner(context.Background(), scheduler.KindWorldBank)
	require.Error(t, err)
	assert.NotErrorIs(t, err, scheduler.ErrAdapterDisabled)
}

func TestCheckResponse_RetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/path?key=secret")
	require.NoError(t, err)
	defer resp.Body.Close()

	err = checkResponse(resp)
	var httpErr *ingest.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusTooManyRequests, httpErr.StatusCode)
	assert.Equal(t, 7*time.Second, httpErr.RetryAfter)
	assert.Equal(t, "slow down", httpErr.Body)
	assert.NotContains(t, httpErr.URL, "secret")
	assert.True(t, httpErr.Transient())
}

func TestRetryAfter(t *testing.T) {
	assert.Equal(t, 30*time.Second, retryAfter("30"))
	assert.Zero(t, retryAfter(""))
	assert.Zero(t, retryAfter("-4"))
	assert.Zero(t, retryAfter("Wed, 21 Oct 2015 07:28:00 GMT"))
}
