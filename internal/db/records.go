package db

import (
	"context"
	"fmt"
	"time"
)

// upsertBatch applies records inside one transaction. Each record runs under
// its own savepoint so a constraint violation only discards that record.
// keep may be nil; records it rejects are dropped without running a statement.
func upsertBatch[T any](
	ctx context.Context,
	db *DB,
	query string,
	records []T,
	id func(T) string,
	args func(T) []any,
	keep func(T) bool,
) (UpsertResult, error) {
	var result UpsertResult
	if len(records) == 0 {
		return result, nil
	}

	err := db.WithTransaction(ctx, func(tx *Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to prepare upsert: %w", err)
		}
		defer stmt.Close()

		for _, rec := range records {
			if keep != nil && !keep(rec) {
				result.Dropped++
				continue
			}

			if _, err := tx.ExecContext(ctx, "SAVEPOINT record"); err != nil {
				return fmt.Errorf("failed to open savepoint: %w", err)
			}

			if _, err := stmt.ExecContext(ctx, args(rec)...); err != nil {
				if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO record"); rbErr != nil {
					return fmt.Errorf("failed to roll back record %s: %w", id(rec), rbErr)
				}
				result.Skipped++
				if len(result.Failures) < maxRecordedFailures {
					result.Failures = append(result.Failures, RecordFailure{ID: id(rec), Reason: failureReason(err), Err: err.Error()})
				}
			} else {
				result.Upserted++
			}

			if _, err := tx.ExecContext(ctx, "RELEASE record"); err != nil {
				return fmt.Errorf("failed to release savepoint: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return UpsertResult{}, err
	}

	return result, nil
}

func now() time.Time {
	return time.Now().UTC()
}

// UpsertEntities inserts or replaces entities by ISO3 code
func (db *DB) UpsertEntities(ctx context.Context, entities []Entity) (UpsertResult, error) {
	query := `
		INSERT INTO entities (iso3, iso2, name, official_name, region, subregion, population, latitude, longitude, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (iso3) DO UPDATE SET
			iso2 = excluded.iso2,
			name = excluded.name,
			official_name = excluded.official_name,
			region = excluded.region,
			subregion = excluded.subregion,
			population = excluded.population,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			updated_at = excluded.updated_at
	`
	ts := now()

	return upsertBatch(ctx, db, query, entities,
		func(e Entity) string { return e.ISO3 },
		func(e Entity) []any {
			return []any{e.ISO3, e.ISO2, e.Name, e.OfficialName, e.Region, e.Subregion, e.Population, e.Latitude, e.Longitude, ts}
		},
		nil,
	)
}

// UpsertEvents inserts or replaces events by event ID.
// Country must be non-empty but need not exist in entities.
func (db *DB) UpsertEvents(ctx context.Context, events []Event) (UpsertResult, error) {
	query := `
		INSERT INTO events (id, event_date, event_type, sub_event_type, actor1, actor2, country, iso, region, admin1, location, latitude, longitude, fatalities, source, notes, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			event_date = excluded.event_date,
			event_type = excluded.event_type,
			sub_event_type = excluded.sub_event_type,
			actor1 = excluded.actor1,
			actor2 = excluded.actor2,
			country = excluded.country,
			iso = excluded.iso,
			region = excluded.region,
			admin1 = excluded.admin1,
			location = excluded.location,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			fatalities = excluded.fatalities,
			source = excluded.source,
			notes = excluded.notes,
			updated_at = excluded.updated_at
	`
	ts := now()

	return upsertBatch(ctx, db, query, events,
		func(e Event) string { return e.ID },
		func(e Event) []any {
			return []any{e.ID, e.EventDate, e.EventType, e.SubEventType, e.Actor1, e.Actor2, e.Country, e.ISO,
				e.Region, e.Admin1, e.Location, e.Latitude, e.Longitude, e.Fatalities, e.Source, e.Notes, ts}
		},
		nil,
	)
}

// UpsertTransfers inserts or replaces arms transfers by their content hash
func (db *DB) UpsertTransfers(ctx context.Context, transfers []Transfer) (UpsertResult, error) {
	query := `
		INSERT INTO transfers (id, supplier, recipient, order_year, delivery_years, number_ordered, number_delivered,
			weapon_designation, weapon_description, status, tiv_per_unit, tiv_total_order, tiv_delivered, comments, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			supplier = excluded.supplier,
			recipient = excluded.recipient,
			order_year = excluded.order_year,
			delivery_years = excluded.delivery_years,
			number_ordered = excluded.number_ordered,
			number_delivered = excluded.number_delivered,
			weapon_designation = excluded.weapon_designation,
			weapon_description = excluded.weapon_description,
			status = excluded.status,
			tiv_per_unit = excluded.tiv_per_unit,
			tiv_total_order = excluded.tiv_total_order,
			tiv_delivered = excluded.tiv_delivered,
			comments = excluded.comments,
			updated_at = excluded.updated_at
	`
	ts := now()

	return upsertBatch(ctx, db, query, transfers,
		func(t Transfer) string { return t.ID },
		func(t Transfer) []any {
			return []any{t.ID, t.Supplier, t.Recipient, t.OrderYear, t.DeliveryYears, t.NumberOrdered, t.NumberDelivered,
				t.WeaponDesignation, t.WeaponDescription, t.Status, t.TIVPerUnit, t.TIVTotalOrder, t.TIVDelivered, t.Comments, ts}
		},
		nil,
	)
}

// UpsertInstallations inserts or replaces installations by OSM element ID
func (db *DB) UpsertInstallations(ctx context.Context, installations []Installation) (UpsertResult, error) {
	query := `
		INSERT INTO installations (id, name, kind, operator, country_iso3, region, latitude, longitude, tags, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			operator = excluded.operator,
			country_iso3 = excluded.country_iso3,
			region = excluded.region,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			tags = excluded.tags,
			updated_at = excluded.updated_at
	`
	ts := now()

	return upsertBatch(ctx, db, query, installations,
		func(i Installation) string { return i.ID },
		func(i Installation) []any {
			return []any{i.ID, i.Name, i.Kind, i.Operator, nullIfEmpty(i.CountryISO3), i.Region, i.Latitude, i.Longitude, i.Tags, ts}
		},
		nil,
	)
}

// UpsertIndicators inserts or replaces indicator observations.
// Rows for codes missing from entities (regional aggregates) are dropped.
func (db *DB) UpsertIndicators(ctx context.Context, indicators []Indicator) (UpsertResult, error) {
	known, err := db.entityCodes(ctx)
	if err != nil {
		return UpsertResult{}, err
	}

	query := `
		INSERT INTO indicators (id, entity_iso3, indicator_code, indicator_name, year, value, unit, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			entity_iso3 = excluded.entity_iso3,
			indicator_code = excluded.indicator_code,
			indicator_name = excluded.indicator_name,
			year = excluded.year,
			value = excluded.value,
			unit = excluded.unit,
			updated_at = excluded.updated_at
	`
	ts := now()

	return upsertBatch(ctx, db, query, indicators,
		func(i Indicator) string { return i.ID },
		func(i Indicator) []any {
			return []any{i.ID, i.EntityISO3, i.IndicatorCode, i.IndicatorName, i.Year, i.Value, i.Unit, ts}
		},
		func(i Indicator) bool { return known[i.EntityISO3] },
	)
}

// entityCodes returns the set of ISO3 codes currently in entities
func (db *DB) entityCodes(ctx context.Context) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT iso3 FROM entities")
	if err != nil {
		return nil, fmt.Errorf("failed to load entity codes: %w", err)
	}
	defer rows.Close()

	codes := make(map[string]bool)
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		codes[code] = true
	}

	return codes, rows.Err()
}

// CountRows returns the number of rows in one of the record tables
func (db *DB) CountRows(ctx context.Context, table string) (int, error) {
	switch table {
	case "entities", "events", "transfers", "installations", "indicators", "sync_log", "settings":
	default:
		return 0, fmt.Errorf("unknown table: %s", table)
	}

	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
