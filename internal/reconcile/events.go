// Package reconcile keeps the monitor in sync with the system of record.
package reconcile

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	apperrors "pricewatch/internal/errors"
	"pricewatch/internal/models"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Signature"

const signaturePrefix = "sha256="

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks signature against body. The signature is hex,
// optionally prefixed with "sha256=".
func VerifySignature(secret string, body []byte, signature string) error {
	if secret == "" {
		return fmt.Errorf("%w: no secret configured", apperrors.ErrInvalidSignature)
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return fmt.Errorf("%w: missing %s header", apperrors.ErrInvalidSignature, SignatureHeader)
	}
	signature = strings.TrimPrefix(signature, signaturePrefix)

	got, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: malformed signature", apperrors.ErrInvalidSignature)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return apperrors.ErrInvalidSignature
	}
	return nil
}

type rawChange struct {
	Type      string          `json:"type"`
	Table     string          `json:"table"`
	Schema    string          `json:"schema,omitempty"`
	Record    json.RawMessage `json:"record"`
	OldRecord json.RawMessage `json:"old_record"`
}

// ParseChange decodes and validates a change event for table.
func ParseChange(body []byte, table string) (models.Change, error) {
	var raw rawChange
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&raw); err != nil {
		return nil, apperrors.NewValidationError("body", nil, "malformed change event: "+err.Error())
	}
	if table != "" && raw.Table != table {
		return nil, fmt.Errorf("%w: %q", apperrors.ErrUnsupportedTable, raw.Table)
	}

	switch models.ChangeType(strings.ToUpper(raw.Type)) {
	case models.ChangeInsert:
		rec, err := decodeRecord("record", raw.Record)
		if err != nil {
			return nil, err
		}
		return models.InsertChange{Record: rec}, nil

	case models.ChangeUpdate:
		rec, err := decodeRecord("record", raw.Record)
		if err != nil {
			return nil, err
		}
		change := models.UpdateChange{Record: rec, OldRecord: rec}
		if len(raw.OldRecord) > 0 && !isNull(raw.OldRecord) {
			old, err := decodeRecord("old_record", raw.OldRecord)
			if err != nil {
				return nil, err
			}
			change.OldRecord = old
		}
		return change, nil

	case models.ChangeDelete:
		old, err := decodeRecord("old_record", raw.OldRecord)
		if err != nil {
			return nil, err
		}
		return models.DeleteChange{OldRecord: old}, nil

	default:
		return nil, apperrors.NewValidationError("type", raw.Type, "must be INSERT, UPDATE or DELETE")
	}
}

// decodeRecord decodes a row. Enabled rows must be complete alerts;
// disabled ones only need an id.
func decodeRecord(field string, data json.RawMessage) (models.Alert, error) {
	var a models.Alert
	if len(data) == 0 || isNull(data) {
		return a, apperrors.NewValidationError(field, nil, "is required")
	}
	if err := json.Unmarshal(data, &a); err != nil {
		return a, apperrors.NewValidationError(field, nil, "malformed record: "+err.Error())
	}
	a.Normalize()
	if a.ID == "" {
		return a, apperrors.NewValidationError(field+".id", nil, "is required")
	}
	if a.Enabled {
		if err := a.Validate(); err != nil {
			return a, err
		}
	}
	return a, nil
}

func isNull(data json.RawMessage) bool {
	return string(bytes.TrimSpace(data)) == "null"
}
