// Package sources implements the concrete data source adapters and the
// factory that builds scheduler runners for them.
package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/livinlefevreloca/worldsync/internal/credential"
	"github.com/livinlefevreloca/worldsync/internal/db"
	"github.com/livinlefevreloca/worldsync/internal/ingest"
	"github.com/livinlefevreloca/worldsync/internal/scheduler"
)

// Store is the persistence the adapters need
type Store interface {
	GetSettings(ctx context.Context) (map[string]string, error)
	GetToken(ctx context.Context, source string) (*credential.Token, error)
	LastSuccessfulSync(ctx context.Context, adapter string) (*time.Time, error)

	UpsertEntities(ctx context.Context, entities []db.Entity) (db.UpsertResult, error)
	UpsertEvents(ctx context.Context, events []db.Event) (db.UpsertResult, error)
	UpsertTransfers(ctx context.Context, transfers []db.Transfer) (db.UpsertResult, error)
	UpsertInstallations(ctx context.Context, installations []db.Installation) (db.UpsertResult, error)
	UpsertIndicators(ctx context.Context, indicators []db.Indicator) (db.UpsertResult, error)
}

// Limits are the per-adapter request and retry parameters
type Limits struct {
	MinInterval      time.Duration `toml:"min_interval"`
	Timeout          time.Duration `toml:"timeout"`
	MaxRetries       int           `toml:"max_retries"`
	BaseDelay        time.Duration `toml:"base_delay"`
	MaxDelay         time.Duration `toml:"max_delay"`
	OverloadCooldown time.Duration `toml:"overload_cooldown"`
	MaxCooldowns     int           `toml:"max_cooldowns"`
}

func defaultLimits(minInterval, timeout time.Duration) Limits {
	policy := ingest.DefaultRetryPolicy()
	return Limits{
		MinInterval: minInterval,
		Timeout:     timeout,
		MaxRetries:  policy.MaxRetries,
		BaseDelay:   policy.BaseDelay,
		MaxDelay:    policy.MaxDelay,
	}
}

// Validate checks the limits for the named adapter
func (l Limits) Validate(name string) error {
	if l.MinInterval < 0 {
		return fmt.Errorf("%s min_interval must not be negative", name)
	}
	if l.Timeout <= 0 {
		return fmt.Errorf("%s timeout must be positive", name)
	}
	if l.MaxRetries < 0 {
		return fmt.Errorf("%s max_retries must not be negative", name)
	}
	if l.BaseDelay <= 0 {
		return fmt.Errorf("%s base_delay must be positive", name)
	}
	if l.MaxCooldowns < 0 {
		return fmt.Errorf("%s max_cooldowns must not be negative", name)
	}
	if l.MaxCooldowns > 0 && l.OverloadCooldown <= 0 {
		return fmt.Errorf("%s overload_cooldown must be positive when max_cooldowns is set", name)
	}
	return nil
}

func (l Limits) descriptor(name, baseURL string) ingest.Descriptor {
	return ingest.Descriptor{
		Name:        name,
		BaseURL:     baseURL,
		MinInterval: l.MinInterval,
		Retry: ingest.RetryPolicy{
			MaxRetries:       l.MaxRetries,
			BaseDelay:        l.BaseDelay,
			Multiplier:       2.0,
			MaxDelay:         l.MaxDelay,
			OverloadCooldown: l.OverloadCooldown,
			MaxCooldowns:     l.MaxCooldowns,
		},
	}
}

// run pages through src, upserting every flushEvery pages, and converts the
// outcome into a scheduler result. Counts cover every committed batch even
// when err is set.
func run[R, T any](
	ctx context.Context,
	e *ingest.Engine,
	src ingest.Source[R, T],
	cursor ingest.Cursor,
	flushEvery int,
	upsert func(context.Context, []T) (db.UpsertResult, error),
	logger *slog.Logger,
) (scheduler.Result, error) {
	var result scheduler.Result

	stats, err := ingest.FetchEach(ctx, e, src, cursor, flushEvery, func(ctx context.Context, batch []T) error {
		res, err := upsert(ctx, batch)
		if err != nil {
			return fmt.Errorf("failed to store batch: %w", err)
		}

		result.Upserted += res.Upserted
		result.Skipped += res.Skipped
		result.Dropped += res.Dropped
		for _, failure := range res.Failures {
			logger.Warn("record rejected by store", "record_id", failure.ID, "reason", failure.Reason, "error", failure.Err)
		}
		return nil
	})

	result.Fetched = stats.Fetched
	result.Dropped += stats.Dropped

	logger.Debug("fetch finished",
		"pages", stats.Pages,
		"fetched", stats.Fetched,
		"dropped", stats.Dropped,
		"retries", stats.Retries,
		"cooldowns", stats.Cooldowns)

	return result, err
}

// maxErrorBody bounds the response body kept in an HTTPError
const maxErrorBody = 512

// doJSON sends req and decodes a 2xx JSON body into out
func doJSON(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return ingest.Permanent(fmt.Errorf("failed to decode %s response: %w", req.URL.Host, err))
	}
	return nil
}

// checkResponse turns a non-2xx response into an *ingest.HTTPError
func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &ingest.HTTPError{
		StatusCode: resp.StatusCode,
		URL:        redactURL(resp.Request),
		Body:       strings.TrimSpace(string(body)),
		RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
	}
}

// retryAfter parses a Retry-After header given in seconds
func retryAfter(value string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func redactURL(req *http.Request) string {
	if req == nil || req.URL == nil {
		return ""
	}
	u := *req.URL
	u.RawQuery = ""
	return u.String()
}

// dateOnly truncates t to midnight UTC
func dateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
