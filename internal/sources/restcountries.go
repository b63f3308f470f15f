package sources

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/livinlefevreloca/worldsync/internal/db"
	"github.com/livinlefevreloca/worldsync/internal/ingest"
	"github.com/livinlefevreloca/worldsync/internal/scheduler"
)

const restCountriesFields = "cca3,cca2,name,region,subregion,population,latlng"

// RESTCountriesConfig configures the country reference adapter
type RESTCountriesConfig struct {
	Enabled bool   `toml:"enabled"`
	BaseURL string `toml:"base_url"`
	Limits  Limits `toml:"limits"`
}

type restCountry struct {
	CCA3 string `json:"cca3"`
	CCA2 string `json:"cca2"`
	Name struct {
		Common   string `json:"common"`
		Official string `json:"official"`
	} `json:"name"`
	Region     string    `json:"region"`
	Subregion  string    `json:"subregion"`
	Population int64     `json:"population"`
	LatLng     []float64 `json:"latlng"`
}

// RESTCountries fetches the full country list in one request
type RESTCountries struct {
	client  *http.Client
	baseURL string
}

// NewRESTCountries creates the adapter source
func NewRESTCountries(client *http.Client, baseURL string) *RESTCountries {
	return &RESTCountries{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

// FetchPage retrieves every country; the source is not paginated
func (s *RESTCountries) FetchPage(ctx context.Context, _ ingest.Cursor) (ingest.Page[restCountry], error) {
	u := s.baseURL + "/v3.1/all?fields=" + url.QueryEscape(restCountriesFields)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return ingest.Page[restCountry]{}, ingest.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")

	var countries []restCountry
	if err := doJSON(s.client, req, &countries); err != nil {
		return ingest.Page[restCountry]{}, err
	}

	return ingest.Page[restCountry]{Items: countries}, nil
}

// Normalize keys entities by upper-case ISO3 code
func (s *RESTCountries) Normalize(raw restCountry) (db.Entity, bool) {
	iso3 := strings.ToUpper(strings.TrimSpace(raw.CCA3))
	name := strings.TrimSpace(raw.Name.Common)
	if len(iso3) != 3 || name == "" {
		return db.Entity{}, false
	}

	entity := db.Entity{
		ISO3:         iso3,
		ISO2:         strings.ToUpper(raw.CCA2),
		Name:         name,
		OfficialName: raw.Name.Official,
		Region:       raw.Region,
		Subregion:    raw.Subregion,
		Population:   raw.Population,
	}
	if len(raw.LatLng) == 2 {
		lat, lng := raw.LatLng[0], raw.LatLng[1]
		entity.Latitude = &lat
		entity.Longitude = &lng
	}

	return entity, true
}

type restCountriesRunner struct {
	engine *ingest.Engine
	source *RESTCountries
	store  Store
	logger *slog.Logger
}

func (r *restCountriesRunner) Run(ctx context.Context) (scheduler.Result, error) {
	return run[restCountry, db.Entity](ctx, r.engine, r.source, ingest.Cursor{}, 0, r.store.UpsertEntities, r.logger)
}
