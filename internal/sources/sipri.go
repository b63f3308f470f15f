package sources

import (
	"context"
	"crypto/sha1"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/livinlefevreloca/worldsync/internal/db"
	"github.com/livinlefevreloca/worldsync/internal/ingest"
	"github.com/livinlefevreloca/worldsync/internal/scheduler"
)

// SIPRIConfig configures the arms transfer register import
type SIPRIConfig struct {
	Enabled  bool   `toml:"enabled"`
	CSVPath  string `toml:"csv_path"`
	PageSize int    `toml:"page_size"`
}

// Canonical register columns
const (
	colRecipient         = "recipient"
	colSupplier          = "supplier"
	colOrderYear         = "year of order"
	colNumberOrdered     = "number ordered"
	colWeaponDesignation = "weapon designation"
	colWeaponDescription = "weapon description"
	colNumberDelivered   = "number delivered"
	colDeliveryYears     = "year(s) of delivery"
	colStatus            = "status"
	colComments          = "comments"
	colTIVPerUnit        = "sipri tiv per unit"
	colTIVTotalOrder     = "sipri tiv for total order"
	colTIVDelivered      = "sipri tiv of delivered weapons"
)

// transferIDColumns identify a register row
var transferIDColumns = []string{
	colSupplier, colRecipient, colOrderYear, colWeaponDesignation,
	colWeaponDescription, colNumberOrdered, colDeliveryYears,
}

// sipriRow is one register line keyed by canonical column name
type sipriRow map[string]string

// SIPRI reads the trade register export. The export starts with a free
// text preamble; the header is the first line naming both supplier and
// recipient columns. The cursor holds the row offset after the header.
type SIPRI struct {
	path     string
	pageSize int

	loaded  bool
	header  map[string]int
	records [][]string
}

// NewSIPRI creates the adapter source
func NewSIPRI(path string, pageSize int) *SIPRI {
	return &SIPRI{path: path, pageSize: pageSize}
}

func (s *SIPRI) load() error {
	f, err := os.Open(s.path)
	if err != nil {
		return ingest.Permanent(fmt.Errorf("failed to open register: %w", err))
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	all, err := reader.ReadAll()
	if err != nil {
		return ingest.Permanent(fmt.Errorf("failed to parse register: %w", err))
	}

	for i, record := range all {
		header := indexHeader(record)
		_, hasSupplier := header[colSupplier]
		_, hasRecipient := header[colRecipient]
		if hasSupplier && hasRecipient {
			s.header = header
			s.records = all[i+1:]
			s.loaded = true
			return nil
		}
	}

	return ingest.Permanent(fmt.Errorf("register %s has no header row", s.path))
}

func indexHeader(record []string) map[string]int {
	header := make(map[string]int, len(record))
	for i, name := range record {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if key == "" {
			continue
		}
		if _, seen := header[key]; !seen {
			header[key] = i
		}
	}
	return header
}

// FetchPage returns up to pageSize rows from the cursor offset
func (s *SIPRI) FetchPage(ctx context.Context, cursor ingest.Cursor) (ingest.Page[sipriRow], error) {
	if err := ctx.Err(); err != nil {
		return ingest.Page[sipriRow]{}, err
	}
	if !s.loaded {
		if err := s.load(); err != nil {
			return ingest.Page[sipriRow]{}, err
		}
	}

	offset := min(cursor.Int("offset"), len(s.records))
	end := min(offset+s.pageSize, len(s.records))

	rows := make([]sipriRow, 0, end-offset)
	for _, record := range s.records[offset:end] {
		row := make(sipriRow, len(s.header))
		for name, idx := range s.header {
			if idx < len(record) {
				row[name] = strings.TrimSpace(record[idx])
			}
		}
		rows = append(rows, row)
	}

	return ingest.Page[sipriRow]{
		Items:   rows,
		HasMore: end < len(s.records),
		Next:    cursor.WithInt("offset", end),
	}, nil
}

// Normalize requires supplier and recipient. The ID is a hash of the
// identifying columns, so re-importing the same export is idempotent.
func (s *SIPRI) Normalize(raw sipriRow) (db.Transfer, bool) {
	supplier := raw[colSupplier]
	recipient := raw[colRecipient]
	if supplier == "" || recipient == "" {
		return db.Transfer{}, false
	}

	return db.Transfer{
		ID:                transferID(raw),
		Supplier:          supplier,
		Recipient:         recipient,
		OrderYear:         parseRegisterInt(raw[colOrderYear]),
		DeliveryYears:     raw[colDeliveryYears],
		NumberOrdered:     parseRegisterInt(raw[colNumberOrdered]),
		NumberDelivered:   parseRegisterInt(raw[colNumberDelivered]),
		WeaponDesignation: raw[colWeaponDesignation],
		WeaponDescription: raw[colWeaponDescription],
		Status:            raw[colStatus],
		TIVPerUnit:        parseRegisterFloat(raw[colTIVPerUnit]),
		TIVTotalOrder:     parseRegisterFloat(raw[colTIVTotalOrder]),
		TIVDelivered:      parseRegisterFloat(raw[colTIVDelivered]),
		Comments:          raw[colComments],
	}, true
}

func transferID(raw sipriRow) string {
	parts := make([]string, len(transferIDColumns))
	for i, col := range transferIDColumns {
		parts[i] = strings.ToLower(raw[col])
	}
	sum := sha1.Sum([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// cleanRegisterNumber strips the estimate markers the register wraps
// uncertain figures in, e.g. "(50)" or "50?"
func cleanRegisterNumber(s string) string {
	return strings.Trim(strings.TrimSpace(s), "()? ")
}

func parseRegisterInt(s string) *int {
	n, err := strconv.Atoi(cleanRegisterNumber(s))
	if err != nil {
		return nil
	}
	return &n
}

func parseRegisterFloat(s string) *float64 {
	v, err := strconv.ParseFloat(cleanRegisterNumber(s), 64)
	if err != nil {
		return nil
	}
	return &v
}

type sipriRunner struct {
	config SIPRIConfig
	store  Store
	logger *slog.Logger
	hooks  ingest.Hooks
	flush  int
}

func (r *sipriRunner) Run(ctx context.Context) (scheduler.Result, error) {
	r.logger.Info("importing register", "path", r.config.CSVPath)

	source := NewSIPRI(r.config.CSVPath, r.config.PageSize)

	// A local file has no rate gate and nothing worth retrying
	desc := ingest.Descriptor{Name: scheduler.KindSIPRI.String(), Retry: ingest.RetryPolicy{MaxRetries: 0}}
	engine := ingest.NewEngine(desc, r.logger, ingest.WithHooks(r.hooks))

	return run[sipriRow, db.Transfer](ctx, engine, source, ingest.Cursor{}, r.flush, r.store.UpsertTransfers, r.logger)
}
