package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/livinlefevreloca/worldsync/internal/credential"
	"github.com/livinlefevreloca/worldsync/internal/db"
)

// Errors returned by the scheduler
var (
	ErrUnknownAdapter  = errors.New("unknown adapter")
	ErrAdapterDisabled = errors.New("adapter disabled")
)

// Kind identifies an adapter. The declaration order is the order SyncAll
// runs adapters in: entities first, since indicators need them.
type Kind int

const (
	KindRESTCountries Kind = iota
	KindACLED
	KindWorldBank
	KindOverpass
	KindSIPRI
)

var kindNames = [...]string{
	KindRESTCountries: "restcountries",
	KindACLED:         "acled",
	KindWorldBank:     "worldbank",
	KindOverpass:      "overpass",
	KindSIPRI:         "sipri",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// Kinds returns every adapter in registry order
func Kinds() []Kind {
	kinds := make([]Kind, len(kindNames))
	for i := range kindNames {
		kinds[i] = Kind(i)
	}
	return kinds
}

// ParseKind resolves an adapter name
func ParseKind(name string) (Kind, error) {
	for i, n := range kindNames {
		if n == name {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownAdapter, name)
}

// Result is the outcome of one adapter run. On failure the counts reflect
// what was committed before the error.
type Result struct {
	Fetched  int
	Upserted int
	Skipped  int
	Dropped  int

	// Token is the credential held after the run, if the adapter uses one
	Token *credential.Token
}

// Runner executes one adapter run
type Runner interface {
	Run(ctx context.Context) (Result, error)
}

// RunnerFunc adapts a function to Runner
type RunnerFunc func(ctx context.Context) (Result, error)

func (f RunnerFunc) Run(ctx context.Context) (Result, error) { return f(ctx) }

// RunnerFactory builds a runner from the current configuration and
// settings. It returns ErrAdapterDisabled for adapters that are switched off.
type RunnerFactory interface {
	Runner(ctx context.Context, kind Kind) (Runner, error)
}

// Store is the persistence the scheduler needs
type Store interface {
	CreateSyncLog(ctx context.Context, entry *db.SyncLogEntry) error
	FinishSyncLog(ctx context.Context, id, status string, fetched, upserted int, errMsg *string, completedAt time.Time) error
	LatestSyncStatus(ctx context.Context) ([]db.SyncLogEntry, error)
	SaveToken(ctx context.Context, source string, tok credential.Token) error
}

// AdapterStatus is the derived state of one adapter
type AdapterStatus struct {
	Adapter string           `json:"adapter"`
	Latest  *db.SyncLogEntry `json:"latest,omitempty"`
}

// Config holds scheduler settings
type Config struct {
	// Interval between scheduled full syncs
	Interval time.Duration `toml:"interval"`
	// RunOnStart triggers a full sync when the timer is armed
	RunOnStart bool `toml:"run_on_start"`
	// ProgressMailbox is the per-listener progress event buffer
	ProgressMailbox int `toml:"progress_mailbox"`
}

// DefaultConfig returns the default scheduler configuration
func DefaultConfig() Config {
	return Config{
		Interval:        time.Hour,
		RunOnStart:      false,
		ProgressMailbox: 64,
	}
}

// Validate checks the scheduler configuration
func (c Config) Validate() error {
	if c.Interval < time.Minute {
		return fmt.Errorf("scheduler interval must be at least 1m, got %v", c.Interval)
	}
	if c.ProgressMailbox <= 0 {
		return fmt.Errorf("scheduler progress_mailbox must be positive")
	}
	return nil
}
