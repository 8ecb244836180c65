package reconcile

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"pricewatch/internal/logging"
	"pricewatch/internal/models"
)

// Index is the part of the monitor that change events mutate.
type Index interface {
	AddAlert(alert models.Alert) error
	RemoveAlert(id string) bool
	Has(id string) bool
	Reload(ctx context.Context) error
}

// Feed applies change events from the system of record to the monitor.
type Feed struct {
	index  Index
	table  string
	logger zerolog.Logger

	applied atomic.Int64
	ignored atomic.Int64
	invalid atomic.Int64
}

// NewFeed creates a feed for change events on table.
func NewFeed(index Index, table string, logger zerolog.Logger) *Feed {
	return &Feed{
		index:  index,
		table:  table,
		logger: logging.WithComponent(logger, "reconcile"),
	}
}

// Table returns the table whose events are accepted.
func (f *Feed) Table() string {
	return f.table
}

// HandlePayload parses and applies a raw change event.
func (f *Feed) HandlePayload(ctx context.Context, body []byte) error {
	change, err := ParseChange(body, f.table)
	if err != nil {
		f.invalid.Add(1)
		return err
	}
	return f.Apply(ctx, change)
}

// Apply mutates the monitor index according to change. Updates remove the
// old record and insert the new one, so an update that disables an alert
// removes it. An enabled record that is already indexed under the same id
// is replaced in place, which keeps the symbol's subscription and cached
// previous price when the symbol is unchanged.
func (f *Feed) Apply(ctx context.Context, change models.Change) error {
	switch c := change.(type) {
	case models.InsertChange:
		if !c.Record.Enabled {
			f.ignored.Add(1)
			f.logger.Debug().Str("alert_id", c.Record.ID).Msg("Ignoring insert of disabled alert")
			return nil
		}
		if err := f.index.AddAlert(c.Record); err != nil {
			return fmt.Errorf("applying insert of %s: %w", c.Record.ID, err)
		}

	case models.UpdateChange:
		if c.Record.Enabled && f.index.Has(c.Record.ID) {
			if c.OldRecord.ID != "" && c.OldRecord.ID != c.Record.ID && f.index.Has(c.OldRecord.ID) {
				f.index.RemoveAlert(c.OldRecord.ID)
			}
			if err := f.index.AddAlert(c.Record); err != nil {
				f.index.RemoveAlert(c.Record.ID)
				return fmt.Errorf("applying update of %s: %w", c.Record.ID, err)
			}
			break
		}
		for _, id := range uniqueIDs(c.OldRecord.ID, c.Record.ID) {
			if f.index.Has(id) {
				f.index.RemoveAlert(id)
			}
		}
		if c.Record.Enabled {
			if err := f.index.AddAlert(c.Record); err != nil {
				return fmt.Errorf("applying update of %s: %w", c.Record.ID, err)
			}
		}

	case models.DeleteChange:
		f.index.RemoveAlert(c.OldRecord.ID)

	default:
		return fmt.Errorf("unsupported change %T", change)
	}

	f.applied.Add(1)
	f.logger.Info().Str("type", string(change.Type())).Msg("Change event applied")
	return nil
}

// Resync reloads the full alert set, used after missed events.
func (f *Feed) Resync(ctx context.Context) error {
	if err := f.index.Reload(ctx); err != nil {
		return fmt.Errorf("resync: %w", err)
	}
	return nil
}

// Stats returns the applied, ignored and invalid event counts.
func (f *Feed) Stats() (applied, ignored, invalid int64) {
	return f.applied.Load(), f.ignored.Load(), f.invalid.Load()
}

func uniqueIDs(a, b string) []string {
	if a == "" || a == b {
		return []string{b}
	}
	return []string{a, b}
}
