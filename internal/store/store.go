// Package store provides alert persistence interfaces and implementations.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pricewatch/internal/config"
	apperrors "pricewatch/internal/errors"
	"pricewatch/internal/models"
	"pricewatch/pkg/utils"
)

// AlertStore is the system of record for alerts.
type AlertStore interface {
	// ListEnabled returns every enabled alert, newest first.
	ListEnabled(ctx context.Context) ([]models.Alert, error)
	// ListByOwner returns all alerts of one owner, newest first.
	ListByOwner(ctx context.Context, userID string) ([]models.Alert, error)
	Get(ctx context.Context, id string) (*models.Alert, error)
	// Create assigns an id and timestamps when missing and inserts the alert.
	Create(ctx context.Context, alert *models.Alert) error
	// Update applies patch and returns the stored result.
	Update(ctx context.Context, id string, patch models.AlertPatch) (*models.Alert, error)
	// Delete removes the alert and returns the removed record.
	Delete(ctx context.Context, id string) (*models.Alert, error)
	MarkTriggered(ctx context.Context, id string, at time.Time) error
	Close() error
}

// Open creates the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig, logger zerolog.Logger) (AlertStore, error) {
	switch cfg.Driver {
	case "", "sqlite":
		logger.Info().Str("path", cfg.Path).Msg("Opening sqlite alert store")
		s, err := NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		logger.Info().Msg("Opening postgres alert store")
		s, err := utils.RetryWithResult(ctx, utils.DefaultRetryConfig(), func() (*PostgresStore, error) {
			return NewPostgresStore(ctx, cfg.DSN, cfg.MaxConns)
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: unknown store driver %q", apperrors.ErrConfigInvalid, cfg.Driver)
	}
}

// prepareCreate validates a new alert and fills generated fields.
func prepareCreate(alert *models.Alert, now time.Time) error {
	alert.Normalize()
	if err := alert.Validate(); err != nil {
		return err
	}
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = now
	}
	alert.UpdatedAt = now
	return nil
}

// applyPatch validates the patched alert before it is written.
func applyPatch(current *models.Alert, patch models.AlertPatch, now time.Time) error {
	patch.Apply(current)
	if err := current.Validate(); err != nil {
		return err
	}
	current.UpdatedAt = now
	return nil
}
