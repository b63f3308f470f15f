package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/livinlefevreloca/worldsync/internal/clock"
	"github.com/livinlefevreloca/worldsync/internal/db"
	"github.com/livinlefevreloca/worldsync/internal/ingest"
	"github.com/livinlefevreloca/worldsync/internal/scheduler"
)

// WorldBankConfig configures the development indicator adapter
type WorldBankConfig struct {
	Enabled    bool     `toml:"enabled"`
	BaseURL    string   `toml:"base_url"`
	Indicators []string `toml:"indicators"`
	PageSize   int      `toml:"page_size"`
	// HistoryYears bounds the first sync; later syncs refetch
	// RevisionYears back from the watermark year
	HistoryYears  int    `toml:"history_years"`
	RevisionYears int    `toml:"revision_years"`
	Limits        Limits `toml:"limits"`
}

type worldBankMeta struct {
	// Some endpoints encode these as strings
	Page    flexString `json:"page"`
	Pages   flexString `json:"pages"`
	PerPage flexString `json:"per_page"`
	Total   flexString `json:"total"`

	Message []struct {
		ID    string `json:"id"`
		Key   string `json:"key"`
		Value string `json:"value"`
	} `json:"message"`
}

type worldBankRow struct {
	Indicator struct {
		ID    string `json:"id"`
		Value string `json:"value"`
	} `json:"indicator"`
	Country struct {
		ID    string `json:"id"`
		Value string `json:"value"`
	} `json:"country"`
	CountryISO3 string   `json:"countryiso3code"`
	Date        string   `json:"date"`
	Value       *float64 `json:"value"`
	Unit        string   `json:"unit"`
}

// WorldBank walks every configured indicator page by page. The cursor
// holds the indicator index and the 1-based page within it.
type WorldBank struct {
	client     *http.Client
	baseURL    string
	indicators []string
	pageSize   int
	fromYear   int
	toYear     int
}

// NewWorldBank creates the adapter source for years [fromYear, toYear]
func NewWorldBank(client *http.Client, baseURL string, indicators []string, pageSize, fromYear, toYear int) *WorldBank {
	return &WorldBank{
		client:     client,
		baseURL:    strings.TrimRight(baseURL, "/"),
		indicators: indicators,
		pageSize:   pageSize,
		fromYear:   fromYear,
		toYear:     toYear,
	}
}

// FetchPage reads one page of one indicator
func (s *WorldBank) FetchPage(ctx context.Context, cursor ingest.Cursor) (ingest.Page[worldBankRow], error) {
	idx := cursor.Int("indicator")
	page := max(cursor.Int("page"), 1)
	if idx >= len(s.indicators) {
		return ingest.Page[worldBankRow]{}, nil
	}
	code := s.indicators[idx]

	params := url.Values{}
	params.Set("format", "json")
	params.Set("per_page", strconv.Itoa(s.pageSize))
	params.Set("page", strconv.Itoa(page))
	params.Set("date", fmt.Sprintf("%d:%d", s.fromYear, s.toYear))
	u := s.baseURL + "/v2/country/all/indicator/" + url.PathEscape(code) + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return ingest.Page[worldBankRow]{}, ingest.Permanent(err)
	}

	var parts []json.RawMessage
	if err := doJSON(s.client, req, &parts); err != nil {
		return ingest.Page[worldBankRow]{}, err
	}
	if len(parts) == 0 {
		return ingest.Page[worldBankRow]{}, ingest.Permanent(fmt.Errorf("empty response for indicator %s", code))
	}

	var meta worldBankMeta
	if err := json.Unmarshal(parts[0], &meta); err != nil {
		return ingest.Page[worldBankRow]{}, ingest.Permanent(fmt.Errorf("invalid metadata for indicator %s: %w", code, err))
	}
	if len(meta.Message) > 0 {
		m := meta.Message[0]
		return ingest.Page[worldBankRow]{}, ingest.Permanent(fmt.Errorf("indicator %s: %s: %s", code, m.Key, m.Value))
	}

	var rows []worldBankRow
	if len(parts) > 1 {
		if err := json.Unmarshal(parts[1], &rows); err != nil {
			return ingest.Page[worldBankRow]{}, ingest.Permanent(fmt.Errorf("invalid rows for indicator %s: %w", code, err))
		}
	}

	out := ingest.Page[worldBankRow]{Items: rows}
	switch {
	case page < meta.Pages.Int():
		out.HasMore = true
		out.Next = cursor.WithInt("page", page+1)
	case idx+1 < len(s.indicators):
		out.HasMore = true
		out.Next = cursor.WithInt("indicator", idx+1).WithInt("page", 1)
	}

	return out, nil
}

// Normalize keeps rows with an ISO3 code, a year and a value. Aggregate
// regions pass here and are dropped by the store.
func (s *WorldBank) Normalize(raw worldBankRow) (db.Indicator, bool) {
	iso3 := strings.ToUpper(strings.TrimSpace(raw.CountryISO3))
	year, err := strconv.Atoi(raw.Date)
	if len(iso3) != 3 || err != nil || raw.Value == nil || raw.Indicator.ID == "" {
		return db.Indicator{}, false
	}

	return db.Indicator{
		ID:            fmt.Sprintf("%s|%s|%d", iso3, raw.Indicator.ID, year),
		EntityISO3:    iso3,
		IndicatorCode: raw.Indicator.ID,
		IndicatorName: raw.Indicator.Value,
		Year:          year,
		Value:         *raw.Value,
		Unit:          raw.Unit,
	}, true
}

type worldBankRunner struct {
	config WorldBankConfig
	client *http.Client
	store  Store
	clock  clock.Clock
	logger *slog.Logger
	hooks  ingest.Hooks
	flush  int
}

func (r *worldBankRunner) Run(ctx context.Context) (scheduler.Result, error) {
	watermark, err := r.store.LastSuccessfulSync(ctx, scheduler.KindWorldBank.String())
	if err != nil {
		return scheduler.Result{}, fmt.Errorf("failed to load watermark: %w", err)
	}

	toYear := r.clock.Now().UTC().Year()
	fromYear := toYear - r.config.HistoryYears
	if watermark != nil {
		fromYear = watermark.UTC().Year() - r.config.RevisionYears
	}

	r.logger.Info("fetching indicators",
		"indicators", len(r.config.Indicators),
		"from_year", fromYear,
		"to_year", toYear)

	source := NewWorldBank(r.client, r.config.BaseURL, r.config.Indicators, r.config.PageSize, fromYear, toYear)
	engine := ingest.NewEngine(r.config.Limits.descriptor(scheduler.KindWorldBank.String(), r.config.BaseURL), r.logger, ingest.WithHooks(r.hooks))

	return run[worldBankRow, db.Indicator](ctx, engine, source, ingest.Cursor{}, r.flush, r.store.UpsertIndicators, r.logger)
}
