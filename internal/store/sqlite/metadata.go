package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ajaybenii/test-system-backend/internal/model"
	"github.com/ajaybenii/test-system-backend/internal/store"
)

const keySchemeMetadataKey = "event_key_scheme"

// SetMetadata upserts a key-value pair in the store_metadata table.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO store_metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// GetMetadata returns the value for a metadata key.
// Returns empty string and nil error if the key is missing.
func (s *Store) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM store_metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// ensureKeyScheme stamps a fresh database with the current identity scheme
// and rejects one stamped with another.
func (s *Store) ensureKeyScheme(ctx context.Context) error {
	stored, err := s.GetMetadata(ctx, keySchemeMetadataKey)
	if err != nil {
		return fmt.Errorf("read key scheme: %w", err)
	}
	switch stored {
	case "":
		if err := s.SetMetadata(ctx, keySchemeMetadataKey, model.KeyScheme); err != nil {
			return fmt.Errorf("record key scheme: %w", err)
		}
		return nil
	case model.KeyScheme:
		return nil
	default:
		return fmt.Errorf("%w: database uses %q, binary computes %q", store.ErrKeySchemeMismatch, stored, model.KeyScheme)
	}
}
