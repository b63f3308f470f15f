package db

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/livinlefevreloca/worldsync/internal/credential"
)

// Writable setting keys
const (
	SettingACLEDEmail          = "acled.email"
	SettingACLEDPassword       = "acled.password"
	SettingSyncInterval        = "sync.interval_minutes"
	SettingSIPRICSVPath        = "sipri.csv_path"
	SettingWorldBankIndicators = "worldbank.indicators"
)

var writableSettings = map[string]bool{
	SettingACLEDEmail:          true,
	SettingACLEDPassword:       true,
	SettingSyncInterval:        true,
	SettingSIPRICSVPath:        true,
	SettingWorldBankIndicators: true,
}

// Token setting key suffixes, prefixed with the source name
const (
	tokenAccess         = ".access_token"
	tokenRefresh        = ".refresh_token"
	tokenAccessExpires  = ".access_expires_at"
	tokenRefreshExpires = ".refresh_expires_at"
)

// GetSetting returns the stored value for key and whether it was set
func (db *DB) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// GetSettings returns every stored writable setting
func (db *DB) GetSettings(ctx context.Context) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, "SELECT key, value FROM settings")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		if writableSettings[key] {
			settings[key] = value
		}
	}

	return settings, rows.Err()
}

// SetSettings writes all values in one transaction. If any key is not a
// known writable setting nothing is written and ErrUnknownSetting is returned.
// Values are stored trimmed; an invalid value rejects the whole write with
// ErrInvalidSetting.
func (db *DB) SetSettings(ctx context.Context, values map[string]string) error {
	var unknown []string
	for key := range values {
		if !writableSettings[key] {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("%w: %v", ErrUnknownSetting, unknown)
	}

	normalized := make(map[string]string, len(values))
	for key, value := range values {
		v, err := normalizeSetting(key, value)
		if err != nil {
			return err
		}
		normalized[key] = v
	}

	return db.WithTransaction(ctx, func(tx *Tx) error {
		return tx.putSettings(ctx, normalized)
	})
}

// GetToken loads the persisted token for source. Returns nil when no
// access token has been stored.
func (db *DB) GetToken(ctx context.Context, source string) (*credential.Token, error) {
	keys := []string{source + tokenAccess, source + tokenRefresh, source + tokenAccessExpires, source + tokenRefreshExpires}

	values := make(map[string]string, len(keys))
	for _, key := range keys {
		value, ok, err := db.GetSetting(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			values[key] = value
		}
	}

	if values[source+tokenAccess] == "" {
		return nil, nil
	}

	tok := &credential.Token{
		AccessToken:  values[source+tokenAccess],
		RefreshToken: values[source+tokenRefresh],
	}

	var err error
	if tok.AccessExpiresAt, err = parseSettingTime(values[source+tokenAccessExpires]); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", source+tokenAccessExpires, err)
	}
	if tok.RefreshExpiresAt, err = parseSettingTime(values[source+tokenRefreshExpires]); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", source+tokenRefreshExpires, err)
	}

	return tok, nil
}

// SaveToken persists the token pair for source
func (db *DB) SaveToken(ctx context.Context, source string, tok credential.Token) error {
	values := map[string]string{
		source + tokenAccess:         tok.AccessToken,
		source + tokenRefresh:        tok.RefreshToken,
		source + tokenAccessExpires:  formatSettingTime(tok.AccessExpiresAt),
		source + tokenRefreshExpires: formatSettingTime(tok.RefreshExpiresAt),
	}

	return db.WithTransaction(ctx, func(tx *Tx) error {
		return tx.putSettings(ctx, values)
	})
}

// ParseSyncInterval converts a stored sync.interval_minutes value
func ParseSyncInterval(raw string) (time.Duration, error) {
	minutes, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || minutes < 1 {
		return 0, fmt.Errorf("%w: %s must be a positive number of minutes", ErrInvalidSetting, SettingSyncInterval)
	}
	return time.Duration(minutes) * time.Minute, nil
}

// SyncInterval returns the stored sync interval. ok is false when the
// setting has never been written.
func (db *DB) SyncInterval(ctx context.Context) (time.Duration, bool, error) {
	raw, ok, err := db.GetSetting(ctx, SettingSyncInterval)
	if err != nil || !ok {
		return 0, false, err
	}
	interval, err := ParseSyncInterval(raw)
	if err != nil {
		return 0, false, fmt.Errorf("stored value %q: %w", raw, err)
	}
	return interval, true, nil
}

// SplitList splits a comma separated setting, dropping blank items
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// normalizeSetting validates value and returns the form that is stored
func normalizeSetting(key, value string) (string, error) {
	if key != SettingACLEDPassword && strings.ContainsAny(value, "\r\n") {
		return "", fmt.Errorf("%w: %s must be a single line", ErrInvalidSetting, key)
	}

	switch key {
	case SettingSyncInterval:
		if _, err := ParseSyncInterval(value); err != nil {
			return "", err
		}
		return strings.TrimSpace(value), nil
	case SettingWorldBankIndicators:
		codes := SplitList(value)
		if len(codes) == 0 {
			return "", fmt.Errorf("%w: %s needs at least one indicator code", ErrInvalidSetting, key)
		}
		return strings.Join(codes, ","), nil
	case SettingACLEDEmail, SettingSIPRICSVPath:
		return strings.TrimSpace(value), nil
	}
	return value, nil
}

func (tx *Tx) putSettings(ctx context.Context, values map[string]string) error {
	query := `
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`
	ts := now()

	for key, value := range values {
		if _, err := tx.ExecContext(ctx, query, key, value, ts); err != nil {
			return fmt.Errorf("failed to write setting %s: %w", key, err)
		}
	}
	return nil
}

func formatSettingTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseSettingTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}
