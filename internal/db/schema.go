package db

import "time"

// Sync log statuses
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// Entity is a country or territory keyed by its ISO 3166-1 alpha-3 code
type Entity struct {
	ISO3         string
	ISO2         string
	Name         string
	OfficialName string
	Region       string
	Subregion    string
	Population   int64
	Latitude     *float64
	Longitude    *float64
}

// Event is a single dated conflict event
type Event struct {
	ID           string
	EventDate    string // YYYY-MM-DD
	EventType    string
	SubEventType string
	Actor1       string
	Actor2       string
	Country      string // linking key, not foreign keyed
	ISO          int
	Region       string
	Admin1       string
	Location     string
	Latitude     *float64
	Longitude    *float64
	Fatalities   int
	Source       string
	Notes        string
}

// Transfer is one row of the arms-transfer register
type Transfer struct {
	ID                string
	Supplier          string
	Recipient         string
	OrderYear         *int
	DeliveryYears     string
	NumberOrdered     *int
	NumberDelivered   *int
	WeaponDesignation string
	WeaponDescription string
	Status            string
	TIVPerUnit        *float64
	TIVTotalOrder     *float64
	TIVDelivered      *float64
	Comments          string
}

// Installation is a mapped military site
type Installation struct {
	ID          string // e.g. "node/123"
	Name        string
	Kind        string
	Operator    string
	CountryISO3 string
	Region      string
	Latitude    float64
	Longitude   float64
	Tags        string // JSON
}

// Indicator is one yearly observation of a development indicator for an entity
type Indicator struct {
	ID            string // iso3|code|year
	EntityISO3    string
	IndicatorCode string
	IndicatorName string
	Year          int
	Value         float64
	Unit          string
}

// SyncLogEntry records one adapter run
type SyncLogEntry struct {
	ID              string
	Adapter         string
	StartedAt       time.Time
	CompletedAt     *time.Time
	Status          string
	RecordsFetched  int
	RecordsUpserted int
	ErrorMessage    *string
}

// Terminal reports whether the entry has reached completed or error
func (e SyncLogEntry) Terminal() bool {
	return e.Status == StatusCompleted || e.Status == StatusError
}

// UpsertResult reports the outcome of a batch upsert
type UpsertResult struct {
	Upserted int
	Skipped  int // records whose statement failed and were rolled back
	Dropped  int // records filtered before any statement ran
	Failures []RecordFailure
}

// RecordFailure describes one skipped record
type RecordFailure struct {
	ID     string
	Reason string // one of the Reason constants
	Err    string
}

// maxRecordedFailures bounds UpsertResult.Failures
const maxRecordedFailures = 20
