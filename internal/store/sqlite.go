package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	apperrors "pricewatch/internal/errors"
	"pricewatch/internal/models"
)

// SQLiteStore implements AlertStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-based alert store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for concurrent access
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS price_alerts (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		target_price REAL NOT NULL CHECK (target_price > 0),
		direction TEXT NOT NULL CHECK (direction IN ('above', 'below', 'either')),
		enabled INTEGER NOT NULL DEFAULT 1,
		last_triggered_at DATETIME,
		notes TEXT,
		context TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_price_alerts_enabled ON price_alerts(enabled);
	CREATE INDEX IF NOT EXISTS idx_price_alerts_user ON price_alerts(user_id);
	CREATE INDEX IF NOT EXISTS idx_price_alerts_symbol ON price_alerts(symbol);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

const sqliteColumns = `id, user_id, symbol, target_price, direction, enabled,
	last_triggered_at, notes, context, created_at, updated_at`

// ListEnabled retrieves all enabled alerts, newest first.
func (s *SQLiteStore) ListEnabled(ctx context.Context) ([]models.Alert, error) {
	return s.query(ctx, "list_enabled", `
		SELECT `+sqliteColumns+`
		FROM price_alerts WHERE enabled = 1
		ORDER BY created_at DESC, rowid DESC
	`)
}

// ListByOwner retrieves all alerts of one owner, newest first.
func (s *SQLiteStore) ListByOwner(ctx context.Context, userID string) ([]models.Alert, error) {
	return s.query(ctx, "list_by_owner", `
		SELECT `+sqliteColumns+`
		FROM price_alerts WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
	`, userID)
}

// Get retrieves one alert by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Alert, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM price_alerts WHERE id = ?`, id)
	a, err := scanSQLiteAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewStoreError("get", id, apperrors.ErrAlertNotFound)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get", id, err)
	}
	return &a, nil
}

// Create inserts a new alert.
func (s *SQLiteStore) Create(ctx context.Context, alert *models.Alert) error {
	if err := prepareCreate(alert, time.Now().UTC()); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO price_alerts (`+sqliteColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, alert.ID, alert.UserID, alert.Symbol, alert.TargetPrice, string(alert.Direction),
		alert.Enabled, nullTime(alert.LastTriggeredAt), nullString(alert.Notes), nullString(alert.Context),
		alert.CreatedAt, alert.UpdatedAt)
	if err != nil {
		return apperrors.NewDatabaseError("create", alert.ID, err)
	}
	return nil
}

// Update applies a patch inside a transaction.
func (s *SQLiteStore) Update(ctx context.Context, id string, patch models.AlertPatch) (*models.Alert, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.NewDatabaseError("update", id, err)
	}
	defer tx.Rollback()

	current, err := scanSQLiteAlert(tx.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM price_alerts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewStoreError("update", id, apperrors.ErrAlertNotFound)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("update", id, err)
	}

	if err := applyPatch(&current, patch, time.Now().UTC()); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE price_alerts
		SET symbol = ?, target_price = ?, direction = ?, enabled = ?, notes = ?, context = ?, updated_at = ?
		WHERE id = ?
	`, current.Symbol, current.TargetPrice, string(current.Direction), current.Enabled,
		nullString(current.Notes), nullString(current.Context), current.UpdatedAt, id)
	if err != nil {
		return nil, apperrors.NewDatabaseError("update", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.NewDatabaseError("update", id, err)
	}
	return &current, nil
}

// Delete removes an alert.
func (s *SQLiteStore) Delete(ctx context.Context, id string) (*models.Alert, error) {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM price_alerts WHERE id = ?`, id)
	if err != nil {
		return nil, apperrors.NewDatabaseError("delete", id, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return nil, apperrors.NewStoreError("delete", id, apperrors.ErrAlertNotFound)
	}
	return existing, nil
}

// MarkTriggered records the last trigger time.
func (s *SQLiteStore) MarkTriggered(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE price_alerts SET last_triggered_at = ?, updated_at = ? WHERE id = ?
	`, at.UTC(), time.Now().UTC(), id)
	if err != nil {
		return apperrors.NewDatabaseError("mark_triggered", id, err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NewStoreError("mark_triggered", id, apperrors.ErrAlertNotFound)
	}
	return nil
}

func (s *SQLiteStore) query(ctx context.Context, op, query string, args ...interface{}) ([]models.Alert, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewDatabaseError(op, "", err)
	}
	defer rows.Close()

	alerts := []models.Alert{}
	for rows.Next() {
		a, err := scanSQLiteAlert(rows)
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

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSQLiteAlert(row rowScanner) (models.Alert, error) {
	var (
		a           models.Alert
		direction   string
		lastTrigger sql.NullTime
		notes       sql.NullString
		ctxText     sql.NullString
	)
	err := row.Scan(&a.ID, &a.UserID, &a.Symbol, &a.TargetPrice, &direction, &a.Enabled,
		&lastTrigger, &notes, &ctxText, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return a, err
	}
	a.Direction = models.Direction(direction)
	if lastTrigger.Valid {
		t := lastTrigger.Time
		a.LastTriggeredAt = &t
	}
	if notes.Valid {
		a.Notes = &notes.String
	}
	if ctxText.Valid {
		a.Context = &ctxText.String
	}
	return a, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
