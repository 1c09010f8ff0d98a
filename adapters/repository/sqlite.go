package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/layer-3/fortress/adapters/repository/migrations"
	"github.com/layer-3/fortress/core"
	"github.com/layer-3/fortress/ports"
	_ "modernc.org/sqlite"
)

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteRepository implements Repository over a single SQLite file
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens the SQLite file at path and applies bundled migrations
func OpenSQLite(path string) (*SQLiteRepository, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// one writer at a time; rebinding transactions must not interleave
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	r := &SQLiteRepository{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return r, nil
}

func (r *SQLiteRepository) migrate(ctx context.Context) error {
	list, err := loadMigrations(migrations.SQLiteFS, "sqlite")
	if err != nil {
		return err
	}

	if _, err := r.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+migrationTable+` (
		name TEXT PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, m := range list {
		err := r.inTx(ctx, func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO `+migrationTable+` (name, applied_at) VALUES (?, ?)`, m.name, toMillis(r.now()))
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return nil
			}
			_, err = tx.ExecContext(ctx, m.up)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply migration %s: %w", m.name, err)
		}
	}
	return nil
}

func (r *SQLiteRepository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", core.Transient(err))
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", core.Transient(err))
	}
	return nil
}

func sqliteGetBinding(ctx context.Context, q sqlQuerier, identityKey string) (core.DeviceBinding, error) {
	var b core.DeviceBinding
	var assignedAt, updatedAt int64
	err := q.QueryRowContext(ctx, `SELECT identity_key, primary_device_id, assigned_at, updated_at FROM device_bindings WHERE identity_key = ?`, identityKey).
		Scan(&b.IdentityKey, &b.PrimaryDeviceID, &assignedAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.DeviceBinding{}, core.ErrNotFound
	}
	if err != nil {
		return core.DeviceBinding{}, fmt.Errorf("failed to get binding: %w", core.Transient(err))
	}
	b.AssignedAt = fromMillis(assignedAt)
	b.UpdatedAt = fromMillis(updatedAt)

	rows, err := q.QueryContext(ctx, `SELECT device_id FROM device_secondaries WHERE identity_key = ? ORDER BY added_at, device_id`, identityKey)
	if err != nil {
		return core.DeviceBinding{}, fmt.Errorf("failed to list secondary devices: %w", core.Transient(err))
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return core.DeviceBinding{}, fmt.Errorf("failed to scan secondary device: %w", err)
		}
		b.SecondaryDevices = append(b.SecondaryDevices, id)
	}
	if err := rows.Err(); err != nil {
		return core.DeviceBinding{}, fmt.Errorf("failed to iterate secondary devices: %w", core.Transient(err))
	}
	return b, nil
}

// GetBinding returns the identity's binding
func (r *SQLiteRepository) GetBinding(ctx context.Context, identityKey string) (core.DeviceBinding, error) {
	return sqliteGetBinding(ctx, r.db, identityKey)
}

// CreateBinding inserts the binding unless the identity already has one
func (r *SQLiteRepository) CreateBinding(ctx context.Context, binding core.DeviceBinding) (core.DeviceBinding, bool, error) {
	now := r.now()
	if binding.AssignedAt.IsZero() {
		binding.AssignedAt = now
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO device_bindings (identity_key, primary_device_id, assigned_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (identity_key) DO NOTHING`,
		binding.IdentityKey, binding.PrimaryDeviceID, toMillis(binding.AssignedAt), toMillis(now))
	if err != nil {
		return core.DeviceBinding{}, false, fmt.Errorf("failed to create binding: %w", core.Transient(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return core.DeviceBinding{}, false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	stored, err := r.GetBinding(ctx, binding.IdentityKey)
	if err != nil {
		return core.DeviceBinding{}, false, err
	}
	if n == 1 {
		slog.Debug("Binding created", "identityKey", binding.IdentityKey, "primary", binding.PrimaryDeviceID)
	}
	return stored, n == 1, nil
}

// ReplacePrimary swaps the primary device and enqueues termination in one transaction
func (r *SQLiteRepository) ReplacePrimary(ctx context.Context, identityKey, expectedPrimary, newPrimary string, termination core.TerminationEvent) (core.DeviceBinding, error) {
	var result core.DeviceBinding
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		current, err := sqliteGetBinding(ctx, tx, identityKey)
		if err != nil {
			return err
		}
		if current.PrimaryDeviceID != expectedPrimary {
			return core.ErrBindingConflict
		}

		now := toMillis(r.now())
		if _, err := tx.ExecContext(ctx, `UPDATE device_bindings SET primary_device_id = ?, assigned_at = ?, updated_at = ? WHERE identity_key = ?`,
			newPrimary, now, now, identityKey); err != nil {
			return fmt.Errorf("failed to update binding: %w", core.Transient(err))
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM device_secondaries WHERE identity_key = ? AND device_id = ?`, identityKey, newPrimary); err != nil {
			return fmt.Errorf("failed to remove secondary device: %w", core.Transient(err))
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO termination_outbox (id, device_id, identity_key, reason, issued_at)
			VALUES (?, ?, ?, ?, ?)`,
			termination.ID, termination.DeviceID, termination.IdentityKey, termination.Reason, toMillis(termination.IssuedAt)); err != nil {
			return fmt.Errorf("failed to enqueue termination: %w", core.Transient(err))
		}

		result, err = sqliteGetBinding(ctx, tx, identityKey)
		return err
	})
	if err != nil {
		return core.DeviceBinding{}, err
	}
	return result, nil
}

// AddSecondary appends deviceID while the identity is below limit
func (r *SQLiteRepository) AddSecondary(ctx context.Context, identityKey, deviceID string, limit int) (core.DeviceBinding, error) {
	var result core.DeviceBinding
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		current, err := sqliteGetBinding(ctx, tx, identityKey)
		if err != nil {
			return err
		}
		if current.PrimaryDeviceID == deviceID || current.HasSecondary(deviceID) {
			result = current
			return nil
		}
		if current.DeviceCount() >= limit {
			return core.ErrDeviceLimitExceeded
		}

		now := toMillis(r.now())
		if _, err := tx.ExecContext(ctx, `INSERT INTO device_secondaries (identity_key, device_id, added_at) VALUES (?, ?, ?)`,
			identityKey, deviceID, now); err != nil {
			return fmt.Errorf("failed to add secondary device: %w", core.Transient(err))
		}
		if _, err := tx.ExecContext(ctx, `UPDATE device_bindings SET updated_at = ? WHERE identity_key = ?`, now, identityKey); err != nil {
			return fmt.Errorf("failed to update binding: %w", core.Transient(err))
		}

		result, err = sqliteGetBinding(ctx, tx, identityKey)
		return err
	})
	if err != nil {
		return core.DeviceBinding{}, err
	}
	return result, nil
}

// SaveCommitment upserts the identity's commitment
func (r *SQLiteRepository) SaveCommitment(ctx context.Context, c core.IdentityCommitment) error {
	return sqliteSaveCommitment(ctx, r.db, c)
}

func sqliteSaveCommitment(ctx context.Context, q sqlQuerier, c core.IdentityCommitment) error {
	pillars, err := json.Marshal(c.Pillars)
	if err != nil {
		return fmt.Errorf("failed to marshal pillars: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO identity_commitments (identity_key, scheme, pillars, sovereign_root, committed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (identity_key) DO UPDATE
		SET scheme = excluded.scheme, pillars = excluded.pillars,
		    sovereign_root = excluded.sovereign_root, committed_at = excluded.committed_at`,
		c.IdentityKey, string(c.Scheme), string(pillars), c.SovereignRoot, toMillis(c.CommittedAt))
	if err != nil {
		return fmt.Errorf("failed to save commitment: %w", core.Transient(err))
	}
	return nil
}

// CommitVitalization creates the binding if absent and saves the commitment in one transaction
func (r *SQLiteRepository) CommitVitalization(ctx context.Context, binding core.DeviceBinding, commitment core.IdentityCommitment) (core.DeviceBinding, bool, error) {
	now := r.now()
	if binding.AssignedAt.IsZero() {
		binding.AssignedAt = now
	}

	var (
		stored  core.DeviceBinding
		created bool
	)
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO device_bindings (identity_key, primary_device_id, assigned_at, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (identity_key) DO NOTHING`,
			binding.IdentityKey, binding.PrimaryDeviceID, toMillis(binding.AssignedAt), toMillis(now))
		if err != nil {
			return fmt.Errorf("failed to create binding: %w", core.Transient(err))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		created = n == 1

		stored, err = sqliteGetBinding(ctx, tx, binding.IdentityKey)
		if err != nil {
			return err
		}
		if stored.PrimaryDeviceID != binding.PrimaryDeviceID && !stored.HasSecondary(binding.PrimaryDeviceID) {
			return core.ErrDeviceMismatch
		}
		return sqliteSaveCommitment(ctx, tx, commitment)
	})
	if errors.Is(err, core.ErrDeviceMismatch) {
		return stored, false, err
	}
	if err != nil {
		return core.DeviceBinding{}, false, err
	}
	return stored, created, nil
}

// GetCommitment returns the identity's commitment
func (r *SQLiteRepository) GetCommitment(ctx context.Context, identityKey string) (core.IdentityCommitment, error) {
	var c core.IdentityCommitment
	var scheme, pillars string
	var committedAt int64
	err := r.db.QueryRowContext(ctx, `
		SELECT identity_key, scheme, pillars, sovereign_root, committed_at
		FROM identity_commitments WHERE identity_key = ?`, identityKey).
		Scan(&c.IdentityKey, &scheme, &pillars, &c.SovereignRoot, &committedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.IdentityCommitment{}, core.ErrNotFound
	}
	if err != nil {
		return core.IdentityCommitment{}, fmt.Errorf("failed to get commitment: %w", core.Transient(err))
	}
	if err := json.Unmarshal([]byte(pillars), &c.Pillars); err != nil {
		return core.IdentityCommitment{}, fmt.Errorf("failed to unmarshal pillars: %w", err)
	}
	c.Scheme = core.Scheme(scheme)
	c.CommittedAt = fromMillis(committedAt)
	return c, nil
}

// UpsertDevice creates the registry record or refreshes its last seen time
func (r *SQLiteRepository) UpsertDevice(ctx context.Context, rec core.DeviceRecord) (core.DeviceRecord, error) {
	if rec.LastSeenAt.IsZero() {
		rec.LastSeenAt = r.now()
	}

	var firstSeen, lastSeen int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO device_registry (identity_key, unique_id, vendor_class, client_metadata, first_seen_at, last_seen_at)
		VALUES (?1, ?2, ?3, ?4, ?5, ?5)
		ON CONFLICT (identity_key, unique_id) DO UPDATE
		SET vendor_class = excluded.vendor_class, client_metadata = excluded.client_metadata, last_seen_at = excluded.last_seen_at
		RETURNING first_seen_at, last_seen_at`,
		rec.IdentityKey, rec.UniqueID, string(rec.VendorClass), rec.ClientMetadata, toMillis(rec.LastSeenAt)).
		Scan(&firstSeen, &lastSeen)
	if err != nil {
		return core.DeviceRecord{}, fmt.Errorf("failed to upsert device: %w", core.Transient(err))
	}
	rec.FirstSeenAt = fromMillis(firstSeen)
	rec.LastSeenAt = fromMillis(lastSeen)
	return rec, nil
}

// FindDevicesByIdentity lists the identity's devices, oldest first
func (r *SQLiteRepository) FindDevicesByIdentity(ctx context.Context, identityKey string) ([]core.DeviceRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT identity_key, unique_id, vendor_class, client_metadata, first_seen_at, last_seen_at
		FROM device_registry WHERE identity_key = ? ORDER BY first_seen_at, unique_id`, identityKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", core.Transient(err))
	}
	defer rows.Close()

	records := []core.DeviceRecord{}
	for rows.Next() {
		var rec core.DeviceRecord
		var vendor string
		var firstSeen, lastSeen int64
		if err := rows.Scan(&rec.IdentityKey, &rec.UniqueID, &vendor, &rec.ClientMetadata, &firstSeen, &lastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		rec.VendorClass = core.VendorClass(vendor)
		rec.FirstSeenAt = fromMillis(firstSeen)
		rec.LastSeenAt = fromMillis(lastSeen)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate devices: %w", core.Transient(err))
	}
	return records, nil
}

// PendingTerminations returns undelivered events, oldest first
func (r *SQLiteRepository) PendingTerminations(ctx context.Context, limit int) ([]core.TerminationEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, device_id, identity_key, reason, issued_at
		FROM termination_outbox WHERE delivered_at IS NULL
		ORDER BY issued_at, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", core.Transient(err))
	}
	defer rows.Close()

	var events []core.TerminationEvent
	for rows.Next() {
		var e core.TerminationEvent
		var issuedAt int64
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.IdentityKey, &e.Reason, &issuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		e.IssuedAt = fromMillis(issuedAt)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outbox: %w", core.Transient(err))
	}
	return events, nil
}

// MarkTerminationDelivered records the delivery time of an outbox event
func (r *SQLiteRepository) MarkTerminationDelivered(ctx context.Context, eventID string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE termination_outbox SET delivered_at = ? WHERE id = ?`, toMillis(at), eventID)
	if err != nil {
		return fmt.Errorf("failed to mark termination delivered: %w", core.Transient(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrNotFound
	}
	return nil
}

// Close releases the underlying SQLite database
func (r *SQLiteRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

var _ ports.Repository = (*SQLiteRepository)(nil)
