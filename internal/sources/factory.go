package sources

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/livinlefevreloca/worldsync/internal/clock"
	"github.com/livinlefevreloca/worldsync/internal/db"
	"github.com/livinlefevreloca/worldsync/internal/ingest"
	"github.com/livinlefevreloca/worldsync/internal/scheduler"
)

// Config holds the configuration of every adapter
type Config struct {
	// FlushPages is how many pages are fetched between store commits
	FlushPages int `toml:"flush_pages"`

	RESTCountries RESTCountriesConfig `toml:"restcountries"`
	ACLED         ACLEDConfig         `toml:"acled"`
	WorldBank     WorldBankConfig     `toml:"worldbank"`
	Overpass      OverpassConfig      `toml:"overpass"`
	SIPRI         SIPRIConfig         `toml:"sipri"`
}

// DefaultConfig returns the default adapter configuration
func DefaultConfig() Config {
	overpassLimits := defaultLimits(10*time.Second, 5*time.Minute)
	overpassLimits.OverloadCooldown = time.Minute
	overpassLimits.MaxCooldowns = 3

	return Config{
		FlushPages: 5,
		RESTCountries: RESTCountriesConfig{
			Enabled: true,
			BaseURL: "https://restcountries.com",
			Limits:  defaultLimits(0, 30*time.Second),
		},
		ACLED: ACLEDConfig{
			Enabled:      true,
			BaseURL:      "https://acleddata.com",
			TokenURL:     "https://acleddata.com/oauth/token",
			ClientID:     "acled",
			PageSize:     5000,
			HistoryYears: 2,
			Limits:       defaultLimits(time.Second, time.Minute),
		},
		WorldBank: WorldBankConfig{
			Enabled: true,
			BaseURL: "https://api.worldbank.org",
			Indicators: []string{
				"NY.GDP.MKTP.CD",
				"SP.POP.TOTL",
				"MS.MIL.XPND.GD.PCT",
				"MS.MIL.XPND.CD",
				"MS.MIL.TOTL.P1",
			},
			PageSize:      1000,
			HistoryYears:  10,
			RevisionYears: 2,
			Limits:        defaultLimits(500*time.Millisecond, time.Minute),
		},
		Overpass: OverpassConfig{
			Enabled:      true,
			BaseURL:      "https://overpass-api.de",
			Regions:      DefaultRegions(),
			QueryTimeout: 180 * time.Second,
			Limits:       overpassLimits,
		},
		SIPRI: SIPRIConfig{
			Enabled:  true,
			PageSize: 500,
		},
	}
}

// Validate checks every adapter section
func (c Config) Validate() error {
	if c.FlushPages < 0 {
		return fmt.Errorf("sources flush_pages must not be negative")
	}

	if c.RESTCountries.Enabled {
		if c.RESTCountries.BaseURL == "" {
			return fmt.Errorf("restcountries base_url must be specified")
		}
		if err := c.RESTCountries.Limits.Validate("restcountries"); err != nil {
			return err
		}
	}

	if c.ACLED.Enabled {
		if c.ACLED.BaseURL == "" || c.ACLED.TokenURL == "" {
			return fmt.Errorf("acled base_url and token_url must be specified")
		}
		if c.ACLED.PageSize <= 0 {
			return fmt.Errorf("acled page_size must be positive")
		}
		if c.ACLED.HistoryYears <= 0 {
			return fmt.Errorf("acled history_years must be positive")
		}
		if err := c.ACLED.Limits.Validate("acled"); err != nil {
			return err
		}
	}

	if c.WorldBank.Enabled {
		if c.WorldBank.BaseURL == "" {
			return fmt.Errorf("worldbank base_url must be specified")
		}
		if c.WorldBank.PageSize <= 0 {
			return fmt.Errorf("worldbank page_size must be positive")
		}
		if c.WorldBank.HistoryYears <= 0 || c.WorldBank.RevisionYears < 0 {
			return fmt.Errorf("worldbank history_years must be positive and revision_years not negative")
		}
		if err := c.WorldBank.Limits.Validate("worldbank"); err != nil {
			return err
		}
	}

	if c.Overpass.Enabled {
		if c.Overpass.BaseURL == "" {
			return fmt.Errorf("overpass base_url must be specified")
		}
		if c.Overpass.QueryTimeout <= 0 {
			return fmt.Errorf("overpass query_timeout must be positive")
		}
		for _, region := range c.Overpass.Regions {
			if err := region.Validate(); err != nil {
				return fmt.Errorf("overpass: %w", err)
			}
		}
		if err := c.Overpass.Limits.Validate("overpass"); err != nil {
			return err
		}
	}

	if c.SIPRI.Enabled && c.SIPRI.PageSize <= 0 {
		return fmt.Errorf("sipri page_size must be positive")
	}

	return nil
}

// Factory builds scheduler runners from configuration merged with the
// settings table. It is consulted before every run, so settings changes
// apply on the next sync.
type Factory struct {
	config Config
	store  Store
	clock  clock.Clock
	logger *slog.Logger
	hooks  ingest.Hooks

	client         *http.Client
	overpassClient *http.Client
}

// FactoryOption configures a Factory
type FactoryOption func(*Factory)

// WithHTTPClient sets the client used by every adapter, including Overpass
func WithHTTPClient(client *http.Client) FactoryOption {
	return func(f *Factory) {
		f.client = client
		f.overpassClient = client
	}
}

// WithClock overrides the wall clock
func WithClock(c clock.Clock) FactoryOption {
	return func(f *Factory) { f.clock = c }
}

// WithEngineHooks installs ingest hooks on every engine
func WithEngineHooks(h ingest.Hooks) FactoryOption {
	return func(f *Factory) { f.hooks = h }
}

// NewFactory creates a runner factory
func NewFactory(config Config, store Store, logger *slog.Logger, opts ...FactoryOption) *Factory {
	f := &Factory{
		config: config,
		store:  store,
		clock:  clock.Real(),
		logger: logger,
	}
	for _, opt := range opts {
		opt(f)
	}

	if f.client == nil {
		f.client = &http.Client{Timeout: time.Minute}
	}
	if f.overpassClient == nil {
		f.overpassClient = NewOverpassClient(config.Overpass.Limits.Timeout)
	}

	return f
}

// Runner implements scheduler.RunnerFactory
func (f *Factory) Runner(ctx context.Context, kind scheduler.Kind) (scheduler.Runner, error) {
	settings, err := f.store.GetSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	cfg := f.config.withSettings(settings)
	logger := f.logger.With("adapter", kind.String())

	switch kind {
	case scheduler.KindRESTCountries:
		if !cfg.RESTCountries.Enabled {
			return nil, scheduler.ErrAdapterDisabled
		}
		return &restCountriesRunner{
			engine: ingest.NewEngine(cfg.RESTCountries.Limits.descriptor(kind.String(), cfg.RESTCountries.BaseURL), logger, ingest.WithHooks(f.hooks)),
			source: NewRESTCountries(f.clientWithTimeout(cfg.RESTCountries.Limits.Timeout), cfg.RESTCountries.BaseURL),
			store:  f.store,
			logger: logger,
		}, nil

	case scheduler.KindACLED:
		if !cfg.ACLED.Enabled {
			return nil, scheduler.ErrAdapterDisabled
		}
		return &acledRunner{
			config: cfg.ACLED,
			client: f.clientWithTimeout(cfg.ACLED.Limits.Timeout),
			store:  f.store,
			clock:  f.clock,
			logger: logger,
			hooks:  f.hooks,
			flush:  cfg.FlushPages,
		}, nil

	case scheduler.KindWorldBank:
		if !cfg.WorldBank.Enabled {
			return nil, scheduler.ErrAdapterDisabled
		}
		if len(cfg.WorldBank.Indicators) == 0 {
			return nil, errors.New("no indicators configured")
		}
		return &worldBankRunner{
			config: cfg.WorldBank,
			client: f.clientWithTimeout(cfg.WorldBank.Limits.Timeout),
			store:  f.store,
			clock:  f.clock,
			logger: logger,
			hooks:  f.hooks,
			flush:  cfg.FlushPages,
		}, nil

	case scheduler.KindOverpass:
		if !cfg.Overpass.Enabled {
			return nil, scheduler.ErrAdapterDisabled
		}
		if len(cfg.Overpass.Regions) == 0 {
			return nil, errors.New("no regions configured")
		}
		return &overpassRunner{
			config: cfg.Overpass,
			client: f.overpassClient,
			store:  f.store,
			logger: logger,
			hooks:  f.hooks,
		}, nil

	case scheduler.KindSIPRI:
		if !cfg.SIPRI.Enabled || cfg.SIPRI.CSVPath == "" {
			return nil, fmt.Errorf("%w: no register file configured", scheduler.ErrAdapterDisabled)
		}
		return &sipriRunner{
			config: cfg.SIPRI,
			store:  f.store,
			logger: logger,
			hooks:  f.hooks,
			flush:  cfg.FlushPages,
		}, nil
	}

	return nil, fmt.Errorf("%w: %s", scheduler.ErrUnknownAdapter, kind)
}

// clientWithTimeout shares the transport of the base client with a
// per-adapter timeout
func (f *Factory) clientWithTimeout(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		return f.client
	}
	c := *f.client
	c.Timeout = timeout
	return &c
}

// withSettings overlays runtime settings on the static configuration
func (c Config) withSettings(settings map[string]string) Config {
	if v, ok := settings[db.SettingACLEDEmail]; ok {
		c.ACLED.Email = v
	}
	if v, ok := settings[db.SettingACLEDPassword]; ok {
		c.ACLED.Password = v
	}
	if v, ok := settings[db.SettingSIPRICSVPath]; ok {
		c.SIPRI.CSVPath = v
	}
	if v, ok := settings[db.SettingWorldBankIndicators]; ok {
		c.WorldBank.Indicators = db.SplitList(v)
	}
	return c
}

