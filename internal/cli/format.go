package cli

import (
	"fmt"
	"strings"
	"time"

	"pricewatch/internal/feed"
)

// FormatDuration formats a duration in human-readable form.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	} else if d < 24*time.Hour {
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, hours)
}

// FormatDateTime formats a timestamp in UTC.
func FormatDateTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05")
}

// FormatAge formats how long ago t was, or "never" for nil.
func FormatAge(t *time.Time, now time.Time) string {
	if t == nil {
		return "never"
	}
	return FormatDuration(now.Sub(*t)) + " ago"
}

// ShortID returns the first eight characters of an id.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// serverURL turns a listen address into a base URL for local requests.
func serverURL(addr string) string {
	switch {
	case strings.HasPrefix(addr, "http://"), strings.HasPrefix(addr, "https://"):
		return strings.TrimRight(addr, "/")
	case strings.HasPrefix(addr, ":"):
		return "http://localhost" + addr
	default:
		return "http://" + addr
	}
}

// formatFeedState colors the upstream connection state.
func formatFeedState(o *Output, state feed.State) string {
	switch state {
	case feed.StateConnected:
		return o.Green("● " + string(state))
	case feed.StateConnecting, feed.StateReconnecting:
		return o.Yellow("● " + string(state))
	default:
		return o.Red("● " + string(state))
	}
}
