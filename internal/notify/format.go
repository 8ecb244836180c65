package notify

import (
	"fmt"
	"strings"
	"time"

	"pricewatch/internal/models"
	"pricewatch/pkg/utils"
)

const (
	colorAbove       = 0x2ecc71
	colorBelow       = 0xe74c3c
	colorEither      = 0x3498db
	colorOperational = 0xe67e22

	maxNotesLen   = 1000
	maxContextLen = 500
)

// BuildMessage renders a trigger event.
func BuildMessage(e Event) Message {
	m := Message{
		Kind:        KindAlert,
		Title:       title(e),
		Description: fmt.Sprintf("%s is trading at %s", e.Symbol, utils.FormatPrice(e.CurrentPrice)),
		Color:       directionColor(e.Direction),
		Timestamp:   e.TriggeredAt.UTC(),
	}

	m.Fields = append(m.Fields,
		Field{Name: "Current Price", Value: utils.FormatPrice(e.CurrentPrice), Inline: true},
		Field{Name: "Target Price", Value: utils.FormatPrice(e.TargetPrice), Inline: true},
		Field{Name: "Direction", Value: e.Direction.Label(), Inline: true},
	)

	if e.PriceChange != nil {
		value := utils.FormatSignedChange(*e.PriceChange)
		if e.PreviousPrice != nil && *e.PreviousPrice != 0 {
			value += " (" + utils.FormatPercent(utils.PercentChange(*e.PriceChange, *e.PreviousPrice)) + ")"
		}
		m.Fields = append(m.Fields, Field{Name: "Change", Value: value, Inline: true})
	}
	if e.Volume != nil {
		m.Fields = append(m.Fields, Field{Name: "Volume", Value: utils.FormatVolume(*e.Volume), Inline: true})
	}

	alertType := e.AlertType
	if alertType == "" {
		alertType = AlertTypePrice
	}
	m.Fields = append(m.Fields,
		Field{Name: "Alert Type", Value: alertType, Inline: true},
		Field{Name: "Triggered At", Value: e.TriggeredAt.UTC().Format(time.RFC3339), Inline: false},
	)

	if e.Notes != nil && strings.TrimSpace(*e.Notes) != "" {
		m.Fields = append(m.Fields, Field{Name: "Notes", Value: utils.Truncate(*e.Notes, maxNotesLen)})
	}
	if e.Context != nil && strings.TrimSpace(*e.Context) != "" {
		m.Fields = append(m.Fields, Field{Name: "Context", Value: utils.Truncate(*e.Context, maxContextLen)})
	}

	m.Data = map[string]interface{}{
		"alert_id":      e.Alert.ID,
		"user_id":       e.UserID,
		"symbol":        e.Symbol,
		"current_price": e.CurrentPrice,
		"target_price":  e.TargetPrice,
		"direction":     string(e.Direction),
		"triggered_at":  e.TriggeredAt.UTC().Format(time.RFC3339),
	}
	if e.PriceChange != nil {
		m.Data["price_change"] = *e.PriceChange
	}
	if e.Volume != nil {
		m.Data["volume"] = *e.Volume
	}
	return m
}

// BuildOperationalMessage renders a system level error.
func BuildOperationalMessage(title string, err error, at time.Time) Message {
	desc := "unknown error"
	if err != nil {
		desc = err.Error()
	}
	return Message{
		Kind:        KindOperational,
		Title:       title,
		Description: utils.Truncate(desc, maxNotesLen),
		Color:       colorOperational,
		Timestamp:   at.UTC(),
	}
}

func title(e Event) string {
	target := utils.FormatPrice(e.TargetPrice)
	switch e.Direction {
	case models.DirectionAbove:
		return fmt.Sprintf("%s is above %s", e.Symbol, target)
	case models.DirectionBelow:
		return fmt.Sprintf("%s is below %s", e.Symbol, target)
	default:
		return fmt.Sprintf("%s crossed %s", e.Symbol, target)
	}
}

func directionColor(d models.Direction) int {
	switch d {
	case models.DirectionAbove:
		return colorAbove
	case models.DirectionBelow:
		return colorBelow
	default:
		return colorEither
	}
}

// plainText renders a message for text only transports.
func plainText(m Message) string {
	var b strings.Builder
	b.WriteString(m.Description)
	for _, f := range m.Fields {
		b.WriteString("\n")
		b.WriteString(f.Name)
		b.WriteString(": ")
		b.WriteString(f.Value)
	}
	return b.String()
}

// escapeHTML escapes HTML special characters for Telegram.
func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}
