package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "pricewatch/internal/errors"
	"pricewatch/internal/models"
)

// NotifyChannel is the LISTEN/NOTIFY channel the change trigger publishes on.
const NotifyChannel = "alert_changes"

// PostgresStore implements AlertStore on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, pings and ensures the schema.
func NewPostgresStore(ctx context.Context, dsn string, maxConns int32) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// initSchema creates the table and the trigger publishing change events.
func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS price_alerts (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		target_price DOUBLE PRECISION NOT NULL CHECK (target_price > 0),
		direction TEXT NOT NULL CHECK (direction IN ('above', 'below', 'either')),
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		last_triggered_at TIMESTAMPTZ,
		notes TEXT,
		context TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_price_alerts_enabled ON price_alerts(enabled);
	CREATE INDEX IF NOT EXISTS idx_price_alerts_user ON price_alerts(user_id);

	CREATE OR REPLACE FUNCTION notify_price_alert_change() RETURNS trigger AS $$
	BEGIN
		PERFORM pg_notify('` + NotifyChannel + `', json_build_object(
			'type', TG_OP,
			'table', TG_TABLE_NAME,
			'record', CASE WHEN TG_OP = 'DELETE' THEN NULL ELSE row_to_json(NEW) END,
			'old_record', CASE WHEN TG_OP = 'INSERT' THEN NULL ELSE row_to_json(OLD) END
		)::text);
		RETURN NULL;
	END;
	$$ LANGUAGE plpgsql;

	DROP TRIGGER IF EXISTS price_alerts_notify ON price_alerts;
	CREATE TRIGGER price_alerts_notify
		AFTER INSERT OR DELETE OR UPDATE OF symbol, target_price, direction, enabled
		ON price_alerts
		FOR EACH ROW EXECUTE FUNCTION notify_price_alert_change();
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const pgColumns = `id, user_id, symbol, target_price, direction, enabled,
	last_triggered_at, notes, context, created_at, updated_at`

// ListEnabled retrieves all enabled alerts, newest first.
func (s *PostgresStore) ListEnabled(ctx context.Context) ([]models.Alert, error) {
	return s.query(ctx, "list_enabled", `
		SELECT `+pgColumns+` FROM price_alerts
		WHERE enabled ORDER BY created_at DESC, id DESC
	`)
}

// ListByOwner retrieves all alerts of one owner, newest first.
func (s *PostgresStore) ListByOwner(ctx context.Context, userID string) ([]models.Alert, error) {
	return s.query(ctx, "list_by_owner", `
		SELECT `+pgColumns+` FROM price_alerts
		WHERE user_id = $1 ORDER BY created_at DESC, id DESC
	`, userID)
}

// Get retrieves one alert by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Alert, error) {
	a, err := scanPGAlert(s.pool.QueryRow(ctx, `SELECT `+pgColumns+` FROM price_alerts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NewStoreError("get", id, apperrors.ErrAlertNotFound)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get", id, err)
	}
	return &a, nil
}

// Create inserts a new alert.
func (s *PostgresStore) Create(ctx context.Context, alert *models.Alert) error {
	if err := prepareCreate(alert, time.Now().UTC()); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO price_alerts (`+pgColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, alert.ID, alert.UserID, alert.Symbol, alert.TargetPrice, string(alert.Direction), alert.Enabled,
		alert.LastTriggeredAt, alert.Notes, alert.Context, alert.CreatedAt, alert.UpdatedAt)
	if err != nil {
		return apperrors.NewDatabaseError("create", alert.ID, err)
	}
	return nil
}

// Update applies a patch with the row locked.
func (s *PostgresStore) Update(ctx context.Context, id string, patch models.AlertPatch) (*models.Alert, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, apperrors.NewDatabaseError("update", id, err)
	}
	defer tx.Rollback(ctx)

	current, err := scanPGAlert(tx.QueryRow(ctx, `SELECT `+pgColumns+` FROM price_alerts WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NewStoreError("update", id, apperrors.ErrAlertNotFound)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("update", id, err)
	}

	if err := applyPatch(&current, patch, time.Now().UTC()); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE price_alerts
		SET symbol = $1, target_price = $2, direction = $3, enabled = $4, notes = $5, context = $6, updated_at = $7
		WHERE id = $8
	`, current.Symbol, current.TargetPrice, string(current.Direction), current.Enabled,
		current.Notes, current.Context, current.UpdatedAt, id)
	if err != nil {
		return nil, apperrors.NewDatabaseError("update", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apperrors.NewDatabaseError("update", id, err)
	}
	return &current, nil
}

// Delete removes an alert and returns the removed row.
func (s *PostgresStore) Delete(ctx context.Context, id string) (*models.Alert, error) {
	a, err := scanPGAlert(s.pool.QueryRow(ctx, `DELETE FROM price_alerts WHERE id = $1 RETURNING `+pgColumns, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NewStoreError("delete", id, apperrors.ErrAlertNotFound)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("delete", id, err)
	}
	return &a, nil
}

// MarkTriggered records the last trigger time.
func (s *PostgresStore) MarkTriggered(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE price_alerts SET last_triggered_at = $1, updated_at = NOW() WHERE id = $2
	`, at.UTC(), id)
	if err != nil {
		return apperrors.NewDatabaseError("mark_triggered", id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewStoreError("mark_triggered", id, apperrors.ErrAlertNotFound)
	}
	return nil
}

func (s *PostgresStore) query(ctx context.Context, op, sql string, args ...any) ([]models.Alert, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, apperrors.NewDatabaseError(op, "", err)
	}
	defer rows.Close()

	alerts := []models.Alert{}
	for rows.Next() {
		a, err := scanPGAlert(rows)
		if err != nil {
			return nil, apperrors.NewDatabaseError(op, "", apperrors.Wrap(err, "failed to scan alert"))
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError(op, "", err)
	}
	return alerts, nil
}

func scanPGAlert(row pgx.Row) (models.Alert, error) {
	var (
		a         models.Alert
		direction string
	)
	err := row.Scan(&a.ID, &a.UserID, &a.Symbol, &a.TargetPrice, &direction, &a.Enabled,
		&a.LastTriggeredAt, &a.Notes, &a.Context, &a.CreatedAt, &a.UpdatedAt)
	a.Direction = models.Direction(direction)
	return a, err
}
