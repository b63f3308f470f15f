package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/livinlefevreloca/worldsync/internal/clock"
	"github.com/livinlefevreloca/worldsync/internal/credential"
	"github.com/livinlefevreloca/worldsync/internal/db"
	"github.com/livinlefevreloca/worldsync/internal/ingest"
	"github.com/livinlefevreloca/worldsync/internal/scheduler"
)

const acledDateLayout = "2006-01-02"

// ACLEDConfig configures the conflict event adapter
type ACLEDConfig struct {
	Enabled  bool   `toml:"enabled"`
	BaseURL  string `toml:"base_url"`
	TokenURL string `toml:"token_url"`
	ClientID string `toml:"client_id"`
	Email    string `toml:"email"`
	Password string `toml:"password"`

	PageSize int `toml:"page_size"`
	// HistoryYears bounds the first sync window
	HistoryYears int    `toml:"history_years"`
	Limits       Limits `toml:"limits"`
}

// flexString accepts a JSON string or number
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(data)
	return nil
}

func (f flexString) String() string { return strings.TrimSpace(string(f)) }

func (f flexString) Int() int {
	n, err := strconv.Atoi(f.String())
	if err != nil {
		return 0
	}
	return n
}

func (f flexString) Float() *float64 {
	v, err := strconv.ParseFloat(f.String(), 64)
	if err != nil {
		return nil
	}
	return &v
}

type acledEvent struct {
	EventID      flexString `json:"event_id_cnty"`
	EventDate    flexString `json:"event_date"`
	EventType    flexString `json:"event_type"`
	SubEventType flexString `json:"sub_event_type"`
	Actor1       flexString `json:"actor1"`
	Actor2       flexString `json:"actor2"`
	Country      flexString `json:"country"`
	ISO          flexString `json:"iso"`
	Region       flexString `json:"region"`
	Admin1       flexString `json:"admin1"`
	Location     flexString `json:"location"`
	Latitude     flexString `json:"latitude"`
	Longitude    flexString `json:"longitude"`
	Fatalities   flexString `json:"fatalities"`
	Source       flexString `json:"source"`
	Notes        flexString `json:"notes"`
}

type acledResponse struct {
	Success *bool           `json:"success"`
	Status  int             `json:"status"`
	Data    []acledEvent    `json:"data"`
	Error   json.RawMessage `json:"error"`
}

// ACLED reads conflict events for a date window with bearer authentication
type ACLED struct {
	client   *http.Client
	tokens   *credential.Manager
	baseURL  string
	pageSize int
	from     time.Time
	to       time.Time
}

// NewACLED creates the adapter source for the window [from, to]
func NewACLED(client *http.Client, tokens *credential.Manager, baseURL string, pageSize int, from, to time.Time) *ACLED {
	return &ACLED{
		client:   client,
		tokens:   tokens,
		baseURL:  strings.TrimRight(baseURL, "/"),
		pageSize: pageSize,
		from:     from,
		to:       to,
	}
}

// FetchPage reads one page of events. A 401 invalidates the access token
// and the request is repeated once with a fresh one.
func (s *ACLED) FetchPage(ctx context.Context, cursor ingest.Cursor) (ingest.Page[acledEvent], error) {
	page := max(cursor.Int("page"), 1)

	params := url.Values{}
	params.Set("_format", "json")
	params.Set("limit", strconv.Itoa(s.pageSize))
	params.Set("page", strconv.Itoa(page))
	params.Set("event_date", s.from.Format(acledDateLayout)+"|"+s.to.Format(acledDateLayout))
	params.Set("event_date_where", "BETWEEN")
	u := s.baseURL + "/api/acled/read?" + params.Encode()

	var body acledResponse
	err := s.authorizedGet(ctx, u, &body)
	if err != nil {
		return ingest.Page[acledEvent]{}, err
	}

	if body.Success != nil && !*body.Success {
		return ingest.Page[acledEvent]{}, ingest.Permanent(fmt.Errorf("acled rejected request: %s", string(body.Error)))
	}

	return ingest.Page[acledEvent]{
		Items:   body.Data,
		HasMore: len(body.Data) == s.pageSize,
		Next:    cursor.WithInt("page", page+1),
	}, nil
}

func (s *ACLED) authorizedGet(ctx context.Context, u string, out any) error {
	for attempt := 0; attempt < 2; attempt++ {
		token, err := s.tokens.AccessToken(ctx)
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return ingest.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")

		err = doJSON(s.client, req, out)
		var httpErr *ingest.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusUnauthorized {
			s.tokens.Invalidate()
			if attempt == 0 {
				continue
			}
			return &credential.AuthError{Op: "request", Err: err}
		}
		return err
	}
	return nil
}

// Normalize requires an event ID and a country
func (s *ACLED) Normalize(raw acledEvent) (db.Event, bool) {
	id := raw.EventID.String()
	country := raw.Country.String()
	date := raw.EventDate.String()
	if id == "" || country == "" {
		return db.Event{}, false
	}
	if _, err := time.Parse(acledDateLayout, date); err != nil {
		return db.Event{}, false
	}

	return db.Event{
		ID:           id,
		EventDate:    date,
		EventType:    raw.EventType.String(),
		SubEventType: raw.SubEventType.String(),
		Actor1:       raw.Actor1.String(),
		Actor2:       raw.Actor2.String(),
		Country:      country,
		ISO:          raw.ISO.Int(),
		Region:       raw.Region.String(),
		Admin1:       raw.Admin1.String(),
		Location:     raw.Location.String(),
		Latitude:     raw.Latitude.Float(),
		Longitude:    raw.Longitude.Float(),
		Fatalities:   raw.Fatalities.Int(),
		Source:       raw.Source.String(),
		Notes:        raw.Notes.String(),
	}, true
}

// acledWindow computes the date range for a run. The first run covers
// historyYears back from now; later runs start at the watermark date.
func acledWindow(now time.Time, watermark *time.Time, historyYears int) (time.Time, time.Time) {
	to := dateOnly(now)
	if watermark == nil {
		return to.AddDate(-historyYears, 0, 0), to
	}
	return dateOnly(*watermark), to
}

type acledRunner struct {
	config ACLEDConfig
	client *http.Client
	store  Store
	clock  clock.Clock
	logger *slog.Logger
	hooks  ingest.Hooks
	flush  int
}

func (r *acledRunner) Run(ctx context.Context) (scheduler.Result, error) {
	// 1. Restore the persisted token
	stored, err := r.store.GetToken(ctx, scheduler.KindACLED.String())
	if err != nil {
		return scheduler.Result{}, fmt.Errorf("failed to load stored token: %w", err)
	}

	tokens := credential.NewManager(credential.Config{
		TokenURL: r.config.TokenURL,
		ClientID: r.config.ClientID,
		Username: r.config.Email,
		Password: r.config.Password,
	}, stored, r.client, r.clock, r.logger)

	// 2. Compute the window from the watermark
	watermark, err := r.store.LastSuccessfulSync(ctx, scheduler.KindACLED.String())
	if err != nil {
		return scheduler.Result{}, fmt.Errorf("failed to load watermark: %w", err)
	}
	from, to := acledWindow(r.clock.Now(), watermark, r.config.HistoryYears)
	r.logger.Info("fetching events",
		"from", from.Format(acledDateLayout),
		"to", to.Format(acledDateLayout),
		"first_sync", watermark == nil)

	// 3. Fetch and store
	source := NewACLED(r.client, tokens, r.config.BaseURL, r.config.PageSize, from, to)
	engine := ingest.NewEngine(r.config.Limits.descriptor(scheduler.KindACLED.String(), r.config.BaseURL), r.logger, ingest.WithHooks(r.hooks))

	result, err := run[acledEvent, db.Event](ctx, engine, source, ingest.Cursor{}, r.flush, r.store.UpsertEvents, r.logger)

	if tok, ok := tokens.Token(); ok {
		result.Token = &tok
	}
	return result, err
}
