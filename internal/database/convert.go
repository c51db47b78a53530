package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Timestamps are stored as unix milliseconds so FIFO ordering survives
// lots created within the same second.

// ToMillis converts a time to the stored representation
func ToMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis converts a stored timestamp back to UTC
func FromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

// NullMillis converts an optional time to a nullable column value
func NullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

// TimePtr converts a nullable column value to an optional time
func TimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := FromMillis(v.Int64)
	return &t
}

// NullString returns a NULL for empty strings
func NullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// BoolToInt converts a bool to the 0/1 stored in INTEGER columns
func BoolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// MarshalJSONColumn encodes a value for a TEXT JSON column
func MarshalJSONColumn(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal json column: %w", err)
	}
	return string(data), nil
}

// UnmarshalJSONColumn decodes a TEXT JSON column, ignoring NULL and empty values
func UnmarshalJSONColumn(raw sql.NullString, v any) error {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw.String), v); err != nil {
		return fmt.Errorf("failed to unmarshal json column: %w", err)
	}
	return nil
}

// LedgerSchema returns the embedded ledger schema, for tests that open
// their own connections
func LedgerSchema() string {
	content, err := schemaFS.ReadFile("schemas/ledger_schema.sql")
	if err != nil {
		panic(fmt.Sprintf("embedded ledger schema missing: %v", err))
	}
	return string(content)
}
