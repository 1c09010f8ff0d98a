package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/layer-3/fortress/adapters/repository/migrations"
	"github.com/layer-3/fortress/core"
	"github.com/layer-3/fortress/ports"
)

// DBTX is an interface that allows us to use either a database connection or a transaction
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresRepository creates a new PostgreSQL repository and applies migrations
func NewPostgresRepository(ctx context.Context, pool *pgxpool.Pool) (*PostgresRepository, error) {
	r := &PostgresRepository{
		pool: pool,
		now:  func() time.Time { return time.Now().UTC() },
	}
	if err := r.migrate(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// OpenPostgres connects to dsn and returns a migrated repository
func OpenPostgres(ctx context.Context, dsn string) (*PostgresRepository, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	r, err := NewPostgresRepository(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

func (r *PostgresRepository) migrate(ctx context.Context) error {
	list, err := loadMigrations(migrations.PostgresFS, "postgres")
	if err != nil {
		return err
	}

	if _, err := r.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+migrationTable+` (
		name TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL
	)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, m := range list {
		err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx, `INSERT INTO `+migrationTable+` (name, applied_at) VALUES ($1, $2) ON CONFLICT DO NOTHING`, m.name, r.now())
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return nil
			}
			_, err = tx.Exec(ctx, m.up)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply migration %s: %w", m.name, err)
		}
	}
	return nil
}

func getBinding(ctx context.Context, db DBTX, identityKey string, forUpdate bool) (core.DeviceBinding, error) {
	query := `SELECT identity_key, primary_device_id, assigned_at, updated_at FROM device_bindings WHERE identity_key = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var b core.DeviceBinding
	err := db.QueryRow(ctx, query, identityKey).Scan(&b.IdentityKey, &b.PrimaryDeviceID, &b.AssignedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.DeviceBinding{}, core.ErrNotFound
	}
	if err != nil {
		return core.DeviceBinding{}, fmt.Errorf("failed to get binding: %w", core.Transient(err))
	}

	rows, err := db.Query(ctx, `SELECT device_id FROM device_secondaries WHERE identity_key = $1 ORDER BY added_at, device_id`, identityKey)
	if err != nil {
		return core.DeviceBinding{}, fmt.Errorf("failed to list secondary devices: %w", core.Transient(err))
	}
	secondaries, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return core.DeviceBinding{}, fmt.Errorf("failed to scan secondary devices: %w", core.Transient(err))
	}
	if len(secondaries) > 0 {
		b.SecondaryDevices = secondaries
	}
	b.AssignedAt = b.AssignedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	return b, nil
}

// GetBinding returns the identity's binding
func (r *PostgresRepository) GetBinding(ctx context.Context, identityKey string) (core.DeviceBinding, error) {
	return getBinding(ctx, r.pool, identityKey, false)
}

// CreateBinding inserts the binding unless the identity already has one
func (r *PostgresRepository) CreateBinding(ctx context.Context, binding core.DeviceBinding) (core.DeviceBinding, bool, error) {
	now := r.now()
	if binding.AssignedAt.IsZero() {
		binding.AssignedAt = now
	}

	tag, err := r.pool.Exec(ctx, `
		INSERT INTO device_bindings (identity_key, primary_device_id, assigned_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (identity_key) DO NOTHING`,
		binding.IdentityKey, binding.PrimaryDeviceID, binding.AssignedAt, now)
	if err != nil {
		return core.DeviceBinding{}, false, fmt.Errorf("failed to create binding: %w", core.Transient(err))
	}

	stored, err := r.GetBinding(ctx, binding.IdentityKey)
	if err != nil {
		return core.DeviceBinding{}, false, err
	}
	created := tag.RowsAffected() == 1
	if created {
		slog.Debug("Binding created", "identityKey", binding.IdentityKey, "primary", binding.PrimaryDeviceID)
	}
	return stored, created, nil
}

// ReplacePrimary swaps the primary device and enqueues termination in one transaction
func (r *PostgresRepository) ReplacePrimary(ctx context.Context, identityKey, expectedPrimary, newPrimary string, termination core.TerminationEvent) (core.DeviceBinding, error) {
	var result core.DeviceBinding
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		current, err := getBinding(ctx, tx, identityKey, true)
		if err != nil {
			return err
		}
		if current.PrimaryDeviceID != expectedPrimary {
			return core.ErrBindingConflict
		}

		now := r.now()
		if _, err := tx.Exec(ctx, `UPDATE device_bindings SET primary_device_id = $2, assigned_at = $3, updated_at = $3 WHERE identity_key = $1`,
			identityKey, newPrimary, now); err != nil {
			return fmt.Errorf("failed to update binding: %w", core.Transient(err))
		}
		if _, err := tx.Exec(ctx, `DELETE FROM device_secondaries WHERE identity_key = $1 AND device_id = $2`, identityKey, newPrimary); err != nil {
			return fmt.Errorf("failed to remove secondary device: %w", core.Transient(err))
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO termination_outbox (id, device_id, identity_key, reason, issued_at)
			VALUES ($1, $2, $3, $4, $5)`,
			termination.ID, termination.DeviceID, termination.IdentityKey, termination.Reason, termination.IssuedAt); err != nil {
			return fmt.Errorf("failed to enqueue termination: %w", core.Transient(err))
		}

		result, err = getBinding(ctx, tx, identityKey, false)
		return err
	})
	if err != nil {
		return core.DeviceBinding{}, err
	}
	return result, nil
}

// AddSecondary appends deviceID while the identity is below limit
func (r *PostgresRepository) AddSecondary(ctx context.Context, identityKey, deviceID string, limit int) (core.DeviceBinding, error) {
	var result core.DeviceBinding
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		current, err := getBinding(ctx, tx, identityKey, true)
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

		now := r.now()
		if _, err := tx.Exec(ctx, `INSERT INTO device_secondaries (identity_key, device_id, added_at) VALUES ($1, $2, $3)`,
			identityKey, deviceID, now); err != nil {
			return fmt.Errorf("failed to add secondary device: %w", core.Transient(err))
		}
		if _, err := tx.Exec(ctx, `UPDATE device_bindings SET updated_at = $2 WHERE identity_key = $1`, identityKey, now); err != nil {
			return fmt.Errorf("failed to update binding: %w", core.Transient(err))
		}

		result, err = getBinding(ctx, tx, identityKey, false)
		return err
	})
	if err != nil {
		return core.DeviceBinding{}, err
	}
	return result, nil
}

// SaveCommitment upserts the identity's commitment
func (r *PostgresRepository) SaveCommitment(ctx context.Context, c core.IdentityCommitment) error {
	return saveCommitment(ctx, r.pool, c)
}

func saveCommitment(ctx context.Context, db DBTX, c core.IdentityCommitment) error {
	pillars, err := json.Marshal(c.Pillars)
	if err != nil {
		return fmt.Errorf("failed to marshal pillars: %w", err)
	}

	_, err = db.Exec(ctx, `
		INSERT INTO identity_commitments (identity_key, scheme, pillars, sovereign_root, committed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (identity_key) DO UPDATE
		SET scheme = EXCLUDED.scheme, pillars = EXCLUDED.pillars,
		    sovereign_root = EXCLUDED.sovereign_root, committed_at = EXCLUDED.committed_at`,
		c.IdentityKey, string(c.Scheme), string(pillars), c.SovereignRoot, c.CommittedAt)
	if err != nil {
		return fmt.Errorf("failed to save commitment: %w", core.Transient(err))
	}
	return nil
}

// CommitVitalization creates the binding if absent and saves the commitment in one transaction
func (r *PostgresRepository) CommitVitalization(ctx context.Context, binding core.DeviceBinding, commitment core.IdentityCommitment) (core.DeviceBinding, bool, error) {
	now := r.now()
	if binding.AssignedAt.IsZero() {
		binding.AssignedAt = now
	}

	var (
		stored  core.DeviceBinding
		created bool
	)
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO device_bindings (identity_key, primary_device_id, assigned_at, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (identity_key) DO NOTHING`,
			binding.IdentityKey, binding.PrimaryDeviceID, binding.AssignedAt, now)
		if err != nil {
			return fmt.Errorf("failed to create binding: %w", core.Transient(err))
		}
		created = tag.RowsAffected() == 1

		stored, err = getBinding(ctx, tx, binding.IdentityKey, true)
		if err != nil {
			return err
		}
		if stored.PrimaryDeviceID != binding.PrimaryDeviceID && !stored.HasSecondary(binding.PrimaryDeviceID) {
			return core.ErrDeviceMismatch
		}
		return saveCommitment(ctx, tx, commitment)
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
func (r *PostgresRepository) GetCommitment(ctx context.Context, identityKey string) (core.IdentityCommitment, error) {
	var c core.IdentityCommitment
	var scheme string
	var pillars []byte
	err := r.pool.QueryRow(ctx, `
		SELECT identity_key, scheme, pillars, sovereign_root, committed_at
		FROM identity_commitments WHERE identity_key = $1`, identityKey).
		Scan(&c.IdentityKey, &scheme, &pillars, &c.SovereignRoot, &c.CommittedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.IdentityCommitment{}, core.ErrNotFound
	}
	if err != nil {
		return core.IdentityCommitment{}, fmt.Errorf("failed to get commitment: %w", core.Transient(err))
	}
	if err := json.Unmarshal(pillars, &c.Pillars); err != nil {
		return core.IdentityCommitment{}, fmt.Errorf("failed to unmarshal pillars: %w", err)
	}
	c.Scheme = core.Scheme(scheme)
	c.CommittedAt = c.CommittedAt.UTC()
	return c, nil
}

// UpsertDevice creates the registry record or refreshes its last seen time
func (r *PostgresRepository) UpsertDevice(ctx context.Context, rec core.DeviceRecord) (core.DeviceRecord, error) {
	if rec.LastSeenAt.IsZero() {
		rec.LastSeenAt = r.now()
	}

	err := r.pool.QueryRow(ctx, `
		INSERT INTO device_registry (identity_key, unique_id, vendor_class, client_metadata, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (identity_key, unique_id) DO UPDATE
		SET vendor_class = EXCLUDED.vendor_class, client_metadata = EXCLUDED.client_metadata, last_seen_at = EXCLUDED.last_seen_at
		RETURNING first_seen_at, last_seen_at`,
		rec.IdentityKey, rec.UniqueID, string(rec.VendorClass), rec.ClientMetadata, rec.LastSeenAt).
		Scan(&rec.FirstSeenAt, &rec.LastSeenAt)
	if err != nil {
		return core.DeviceRecord{}, fmt.Errorf("failed to upsert device: %w", core.Transient(err))
	}
	rec.FirstSeenAt = rec.FirstSeenAt.UTC()
	rec.LastSeenAt = rec.LastSeenAt.UTC()
	return rec, nil
}

// FindDevicesByIdentity lists the identity's devices, oldest first
func (r *PostgresRepository) FindDevicesByIdentity(ctx context.Context, identityKey string) ([]core.DeviceRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT identity_key, unique_id, vendor_class, client_metadata, first_seen_at, last_seen_at
		FROM device_registry WHERE identity_key = $1 ORDER BY first_seen_at, unique_id`, identityKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", core.Transient(err))
	}
	defer rows.Close()

	records := []core.DeviceRecord{}
	for rows.Next() {
		var rec core.DeviceRecord
		var vendor string
		if err := rows.Scan(&rec.IdentityKey, &rec.UniqueID, &vendor, &rec.ClientMetadata, &rec.FirstSeenAt, &rec.LastSeenAt); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		rec.VendorClass = core.VendorClass(vendor)
		rec.FirstSeenAt = rec.FirstSeenAt.UTC()
		rec.LastSeenAt = rec.LastSeenAt.UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate devices: %w", core.Transient(err))
	}
	return records, nil
}

// PendingTerminations returns undelivered events, oldest first
func (r *PostgresRepository) PendingTerminations(ctx context.Context, limit int) ([]core.TerminationEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, device_id, identity_key, reason, issued_at
		FROM termination_outbox WHERE delivered_at IS NULL
		ORDER BY issued_at, id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", core.Transient(err))
	}
	defer rows.Close()

	var events []core.TerminationEvent
	for rows.Next() {
		var e core.TerminationEvent
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.IdentityKey, &e.Reason, &e.IssuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		e.IssuedAt = e.IssuedAt.UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outbox: %w", core.Transient(err))
	}
	return events, nil
}

// MarkTerminationDelivered records the delivery time of an outbox event
func (r *PostgresRepository) MarkTerminationDelivered(ctx context.Context, eventID string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE termination_outbox SET delivered_at = $2 WHERE id = $1`, eventID, at)
	if err != nil {
		return fmt.Errorf("failed to mark termination delivered: %w", core.Transient(err))
	}
	if tag.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

// Close releases the connection pool
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

var _ ports.Repository = (*PostgresRepository)(nil)
