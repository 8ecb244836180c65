package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	apperrors "pricewatch/internal/errors"
	"pricewatch/internal/models"
	"pricewatch/internal/notify"
	"pricewatch/internal/reconcile"
)

type createAlertRequest struct {
	Symbol      string           `json:"symbol"`
	TargetPrice float64          `json:"target_price"`
	Direction   models.Direction `json:"direction"`
	Enabled     *bool            `json:"enabled,omitempty"`
	Notes       *string          `json:"notes,omitempty"`
	Context     *string          `json:"context,omitempty"`
}

type testAlertResponse struct {
	AlertID   string        `json:"alert_id"`
	Price     float64       `json:"price"`
	Delivered int           `json:"delivered"`
	Results   notify.Report `json:"results"`
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	owner, err := s.owner(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	alerts, err := s.store.ListByOwner(r.Context(), owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if alerts == nil {
		alerts = []models.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleCreateAlert(w http.ResponseWriter, r *http.Request) {
	owner, err := s.owner(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req createAlertRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	alert := models.Alert{
		UserID:      owner,
		Symbol:      req.Symbol,
		TargetPrice: req.TargetPrice,
		Direction:   req.Direction,
		Enabled:     req.Enabled == nil || *req.Enabled,
		Notes:       req.Notes,
		Context:     req.Context,
	}
	if err := s.store.Create(r.Context(), &alert); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.syncMonitor(alert)
	writeJSON(w, http.StatusCreated, alert)
}

func (s *Server) handleUpdateAlert(w http.ResponseWriter, r *http.Request) {
	existing, ok := s.ownedAlert(w, r)
	if !ok {
		return
	}
	var patch models.AlertPatch
	if err := decodeJSON(r, &patch); err != nil {
		s.writeError(w, r, err)
		return
	}
	if patch.Empty() {
		s.writeError(w, r, apperrors.NewValidationError("body", nil, "no fields to update"))
		return
	}

	updated, err := s.store.Update(r.Context(), existing.ID, patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.syncMonitor(*updated)
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteAlert(w http.ResponseWriter, r *http.Request) {
	existing, ok := s.ownedAlert(w, r)
	if !ok {
		return
	}
	if _, err := s.store.Delete(r.Context(), existing.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.monitor != nil && s.monitor.Has(existing.ID) {
		s.monitor.RemoveAlert(existing.ID)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTestAlert sends a notification for a synthetic price that
// satisfies the alert, bypassing the monitor and its cooldown.
func (s *Server) handleTestAlert(w http.ResponseWriter, r *http.Request) {
	alert, ok := s.ownedAlert(w, r)
	if !ok {
		return
	}

	now := s.now()
	sample := qualifyingSample(*alert, now)
	report := s.notifier.Notify(r.Context(), notify.NewEvent(*alert, sample, now))
	if report == nil {
		report = notify.Report{}
	}
	writeJSON(w, http.StatusOK, testAlertResponse{
		AlertID:   alert.ID,
		Price:     sample.Price,
		Delivered: report.Delivered(),
		Results:   report,
	})
}

func (s *Server) handleChangeEvent(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		s.writeError(w, r, apperrors.ErrMonitorStopped)
		return
	}
	limit := s.cfg.Webhook.MaxPayloadBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "payload too large"})
			return
		}
		s.writeError(w, r, apperrors.NewValidationError("body", nil, "unreadable body"))
		return
	}

	if !s.cfg.Webhook.SkipVerify {
		if err := reconcile.VerifySignature(s.cfg.Webhook.Secret, body, r.Header.Get(reconcile.SignatureHeader)); err != nil {
			s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Rejected change event")
			s.writeError(w, r, err)
			return
		}
	}

	if err := s.feed.HandlePayload(r.Context(), body); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		s.writeError(w, r, apperrors.ErrMonitorStopped)
		return
	}
	writeJSON(w, http.StatusOK, s.monitor.Status())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	counters := map[string]int64{}
	if s.metrics != nil {
		counters = s.metrics()
	}
	writeJSON(w, http.StatusOK, counters)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil || !s.monitor.Status().Running {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ownedAlert loads the alert named in the path. Alerts of other owners
// are reported as not found.
func (s *Server) ownedAlert(w http.ResponseWriter, r *http.Request) (*models.Alert, bool) {
	owner, err := s.owner(r)
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	alert, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	if alert.UserID != owner {
		s.writeError(w, r, apperrors.ErrAlertNotFound)
		return nil, false
	}
	return alert, true
}

// syncMonitor mirrors a stored alert into the monitor index. Disabled
// alerts are removed; enabled ones replace the indexed copy.
func (s *Server) syncMonitor(alert models.Alert) {
	if s.monitor == nil {
		return
	}
	if !alert.Enabled {
		if s.monitor.Has(alert.ID) {
			s.monitor.RemoveAlert(alert.ID)
		}
		return
	}
	if err := s.monitor.AddAlert(alert); err != nil {
		s.logger.Warn().Err(err).Str("alert_id", alert.ID).Msg("Alert stored but not indexed")
	}
}

// qualifyingSample returns a sample that would fire alert: one percent
// past the target, or a crossing from below for either.
func qualifyingSample(alert models.Alert, at time.Time) models.PriceSample {
	target := alert.TargetPrice
	sample := models.PriceSample{Timestamp: at, UpdatedAt: at}
	switch alert.Direction {
	case models.DirectionBelow:
		prev := target * 1.01
		sample.Price = target * 0.99
		sample.PreviousPrice = &prev
	default:
		prev := target * 0.99
		sample.Price = target * 1.01
		sample.PreviousPrice = &prev
	}
	return sample
}
