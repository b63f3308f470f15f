package sources

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/livinlefevreloca/worldsync/internal/db"
	"github.com/livinlefevreloca/worldsync/internal/ingest"
	"github.com/livinlefevreloca/worldsync/internal/scheduler"
)

// OverpassConfig configures the military installation adapter
type OverpassConfig struct {
	Enabled bool     `toml:"enabled"`
	BaseURL string   `toml:"base_url"`
	Regions []Region `toml:"regions"`
	// QueryTimeout is the server-side [timeout:] of each query
	QueryTimeout time.Duration `toml:"query_timeout"`
	Limits       Limits        `toml:"limits"`
}

// Region is a named bounding box queried in one request
type Region struct {
	Name  string  `toml:"name"`
	South float64 `toml:"south"`
	West  float64 `toml:"west"`
	North float64 `toml:"north"`
	East  float64 `toml:"east"`
}

func (r Region) bbox() string {
	return fmt.Sprintf("%g,%g,%g,%g", r.South, r.West, r.North, r.East)
}

// Validate checks the bounding box
func (r Region) Validate() error {
	if r.Name == "" {
		return errors.New("region name must be set")
	}
	if r.South >= r.North || r.South < -90 || r.North > 90 {
		return fmt.Errorf("region %s: invalid latitude range", r.Name)
	}
	if r.West >= r.East || r.West < -180 || r.East > 180 {
		return fmt.Errorf("region %s: invalid longitude range", r.Name)
	}
	return nil
}

// DefaultRegions splits the world into coarse boxes small enough for the
// public Overpass instance
func DefaultRegions() []Region {
	return []Region{
		{Name: "europe", South: 34, West: -25, North: 72, East: 45},
		{Name: "middle_east", South: 12, West: 25, North: 42, East: 63},
		{Name: "africa", South: -35, West: -18, North: 34, East: 52},
		{Name: "asia", South: -11, West: 63, North: 55, East: 150},
		{Name: "americas", South: -56, West: -170, North: 72, East: -30},
		{Name: "oceania", South: -48, West: 110, North: -10, East: 180},
	}
}

type overpassElement struct {
	Type   string            `json:"type"`
	ID     int64             `json:"id"`
	Lat    *float64          `json:"lat"`
	Lon    *float64          `json:"lon"`
	Center *overpassCenter   `json:"center"`
	Tags   map[string]string `json:"tags"`

	region string
}

type overpassCenter struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type overpassResponse struct {
	Elements []overpassElement `json:"elements"`
	Remark   string            `json:"remark"`
}

// Overpass issues one long-running query per region. The cursor holds the
// region index.
type Overpass struct {
	client       *http.Client
	baseURL      string
	regions      []Region
	queryTimeout time.Duration
}

// NewOverpass creates the adapter source
func NewOverpass(client *http.Client, baseURL string, regions []Region, queryTimeout time.Duration) *Overpass {
	return &Overpass{
		client:       client,
		baseURL:      strings.TrimRight(baseURL, "/"),
		regions:      regions,
		queryTimeout: queryTimeout,
	}
}

// NewOverpassClient returns an HTTP/1.1-only client with the given timeout.
// The public instances stall on HTTP/2 streams for long queries.
func NewOverpassClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     false,
		TLSNextProto:          make(map[string]func(string, *tls.Conn) http.RoundTripper),
		TLSClientConfig:       &tls.Config{NextProtos: []string{"http/1.1"}},
		MaxIdleConns:          4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// Query builds the Overpass QL for one region
func (s *Overpass) Query(region Region) string {
	bbox := region.bbox()
	return fmt.Sprintf(`[out:json][timeout:%d];
(
  node["military"](%[2]s);
  way["military"](%[2]s);
  relation["military"](%[2]s);
  way["landuse"="military"](%[2]s);
  relation["landuse"="military"](%[2]s);
);
out center tags;`, int(s.queryTimeout.Seconds()), bbox)
}

// FetchPage runs the query for one region
func (s *Overpass) FetchPage(ctx context.Context, cursor ingest.Cursor) (ingest.Page[overpassElement], error) {
	idx := cursor.Int("region")
	if idx >= len(s.regions) {
		return ingest.Page[overpassElement]{}, nil
	}
	region := s.regions[idx]

	form := url.Values{"data": {s.Query(region)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/interpreter", strings.NewReader(form.Encode()))
	if err != nil {
		return ingest.Page[overpassElement]{}, ingest.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	var body overpassResponse
	if err := s.do(req, &body); err != nil {
		return ingest.Page[overpassElement]{}, fmt.Errorf("region %s: %w", region.Name, err)
	}

	// The server reports query timeouts and memory exhaustion with a 200
	if strings.Contains(body.Remark, "runtime error") {
		return ingest.Page[overpassElement]{}, fmt.Errorf("region %s: %s", region.Name, body.Remark)
	}

	for i := range body.Elements {
		body.Elements[i].region = region.Name
	}

	return ingest.Page[overpassElement]{
		Items:   body.Elements,
		HasMore: idx+1 < len(s.regions),
		Next:    cursor.WithInt("region", idx+1),
	}, nil
}

func (s *Overpass) do(req *http.Request, out any) error {
	err := doJSON(s.client, req, out)

	var httpErr *ingest.HTTPError
	if errors.As(err, &httpErr) &&
		(httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode == http.StatusGatewayTimeout) {
		return &ingest.OverloadedError{Cooldown: httpErr.RetryAfter, Err: err}
	}
	return err
}

// Normalize requires coordinates, taking the center for ways and relations
func (s *Overpass) Normalize(raw overpassElement) (db.Installation, bool) {
	if raw.Type == "" || raw.ID == 0 {
		return db.Installation{}, false
	}

	var lat, lon float64
	switch {
	case raw.Lat != nil && raw.Lon != nil:
		lat, lon = *raw.Lat, *raw.Lon
	case raw.Center != nil:
		lat, lon = raw.Center.Lat, raw.Center.Lon
	default:
		return db.Installation{}, false
	}

	kind := raw.Tags["military"]
	if kind == "" && raw.Tags["landuse"] == "military" {
		kind = "area"
	}

	name := raw.Tags["name:en"]
	if name == "" {
		name = raw.Tags["name"]
	}

	tags, err := json.Marshal(raw.Tags)
	if err != nil {
		tags = []byte("{}")
	}

	return db.Installation{
		ID:          raw.Type + "/" + strconv.FormatInt(raw.ID, 10),
		Name:        name,
		Kind:        kind,
		Operator:    raw.Tags["operator"],
		CountryISO3: strings.ToUpper(raw.Tags["ISO3166-1:alpha3"]),
		Region:      raw.region,
		Latitude:    lat,
		Longitude:   lon,
		Tags:        string(tags),
	}, true
}

type overpassRunner struct {
	config OverpassConfig
	client *http.Client
	store  Store
	logger *slog.Logger
	hooks  ingest.Hooks
}

func (r *overpassRunner) Run(ctx context.Context) (scheduler.Result, error) {
	source := NewOverpass(r.client, r.config.BaseURL, r.config.Regions, r.config.QueryTimeout)
	engine := ingest.NewEngine(r.config.Limits.descriptor(scheduler.KindOverpass.String(), r.config.BaseURL), r.logger, ingest.WithHooks(r.hooks))

	// Each region is a large page; commit after every one
	return run[overpassElement, db.Installation](ctx, engine, source, ingest.Cursor{}, 1, r.store.UpsertInstallations, r.logger)
}
