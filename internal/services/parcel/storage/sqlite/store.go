// Package sqlite provides a SQLite-backed parcel record store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/code-to-gold/amo-storage/internal/platform/storage/sqlitemigrate"
	"github.com/code-to-gold/amo-storage/internal/services/parcel/storage"
	"github.com/code-to-gold/amo-storage/internal/services/parcel/storage/sqlite/migrations"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Store persists parcel ownership, metadata, and ephemeral credential state
// in SQLite.
type Store struct {
	sqlDB *sql.DB
}

// Open opens a SQLite parcel store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	// modernc.org/sqlite takes pragmas as _pragma=name(value) pairs; the
	// busy timeout keeps concurrent writers queueing on the identifier
	// constraint instead of failing with SQLITE_BUSY.
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// InsertParcel inserts the ownership and metadata records in one transaction.
// A unique-constraint violation on the parcel identifier maps to
// storage.ErrAlreadyExists and commits nothing.
func (s *Store) InsertParcel(ctx context.Context, ownership storage.Ownership, metadata storage.Metadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	parcelID := strings.TrimSpace(ownership.ParcelID)
	if parcelID == "" || parcelID != strings.TrimSpace(metadata.ParcelID) {
		return fmt.Errorf("ownership and metadata must share one parcel id")
	}
	owner := strings.TrimSpace(ownership.Owner)
	if owner == "" {
		return fmt.Errorf("owner is required")
	}
	meta := metadata.Meta
	if len(meta) == 0 {
		meta = json.RawMessage("null")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert parcel: %w", err)
	}
	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO ownerships (parcel_id, owner) VALUES (?, ?)`,
		parcelID,
		owner,
	); err != nil {
		_ = tx.Rollback()
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert ownership: %w", err)
	}
	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO metadata (parcel_id, parcel_meta) VALUES (?, ?)`,
		parcelID,
		string(meta),
	); err != nil {
		_ = tx.Rollback()
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert metadata: %w", err)
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("commit insert parcel: %w", err)
	}
	return nil
}

// DeleteParcel deletes the ownership and metadata records in one transaction.
// Deleting an absent parcel is a no-op.
func (s *Store) DeleteParcel(ctx context.Context, parcelID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	parcelID = strings.TrimSpace(parcelID)
	if parcelID == "" {
		return fmt.Errorf("parcel id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete parcel: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM ownerships WHERE parcel_id = ?`, parcelID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete ownership: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM metadata WHERE parcel_id = ?`, parcelID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete metadata: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete parcel: %w", err)
	}
	return nil
}

// GetOwnership returns the ownership record for one parcel.
func (s *Store) GetOwnership(ctx context.Context, parcelID string) (storage.Ownership, error) {
	if err := ctx.Err(); err != nil {
		return storage.Ownership{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Ownership{}, fmt.Errorf("storage is not configured")
	}
	parcelID = strings.TrimSpace(parcelID)
	if parcelID == "" {
		return storage.Ownership{}, fmt.Errorf("parcel id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT parcel_id, owner FROM ownerships WHERE parcel_id = ?`,
		parcelID,
	)
	var ownership storage.Ownership
	if err := row.Scan(&ownership.ParcelID, &ownership.Owner); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Ownership{}, storage.ErrNotFound
		}
		return storage.Ownership{}, fmt.Errorf("get ownership: %w", err)
	}
	return ownership, nil
}

// GetMetadata returns the metadata record for one parcel.
func (s *Store) GetMetadata(ctx context.Context, parcelID string) (storage.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return storage.Metadata{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Metadata{}, fmt.Errorf("storage is not configured")
	}
	parcelID = strings.TrimSpace(parcelID)
	if parcelID == "" {
		return storage.Metadata{}, fmt.Errorf("parcel id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT parcel_id, parcel_meta FROM metadata WHERE parcel_id = ?`,
		parcelID,
	)
	var metadata storage.Metadata
	var meta string
	if err := row.Scan(&metadata.ParcelID, &meta); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Metadata{}, storage.ErrNotFound
		}
		return storage.Metadata{}, fmt.Errorf("get metadata: %w", err)
	}
	metadata.Meta = json.RawMessage(meta)
	return metadata, nil
}

// StoreCredential records an ephemeral credential key. Token issuance lives
// in a separate auth service that shares this table; nothing in this process
// issues tokens, so only Invalidate is on the coordinator's contract.
func (s *Store) StoreCredential(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("credential key is required")
	}
	if _, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO access_tokens (token_key, created_at) VALUES (?, ?)`,
		key,
		time.Now().UTC().UnixMilli(),
	); err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	return nil
}

// Invalidate removes an ephemeral credential key. It is idempotent: removing
// an absent key succeeds.
func (s *Store) Invalidate(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("credential key is required")
	}
	if _, err := s.sqlDB.ExecContext(
		ctx,
		`DELETE FROM access_tokens WHERE token_key = ?`,
		key,
	); err != nil {
		return fmt.Errorf("invalidate credential: %w", err)
	}
	return nil
}

// HasCredential reports whether an ephemeral credential key is still live.
// Like StoreCredential it exists for the external issuing side of the
// credential lifecycle.
func (s *Store) HasCredential(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}
	var found int
	row := s.sqlDB.QueryRowContext(ctx, `SELECT 1 FROM access_tokens WHERE token_key = ?`, strings.TrimSpace(key))
	if err := row.Scan(&found); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check credential: %w", err)
	}
	return true, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

var _ storage.RecordStore = (*Store)(nil)
