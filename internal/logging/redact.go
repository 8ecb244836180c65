package logging

import (
	"regexp"

	"github.com/rs/zerolog"
)

const redacted = "***"

// sensitivePatterns match credentials that end up inside error strings,
// mostly request URLs echoed by net/http and driver errors.
var sensitivePatterns = []struct {
	re   *regexp.Regexp
	repl string
}{
	// query parameters such as ?token=...
	{regexp.MustCompile(`(?i)\b(token|api[_-]?key|apikey|secret|password|access[_-]?token)=([^&\s"':]+)`), "${1}=" + redacted},
	// telegram bot API paths
	{regexp.MustCompile(`/bot\d+:[A-Za-z0-9_-]+`), "/bot" + redacted},
	// discord webhook tokens
	{regexp.MustCompile(`(discord(?:app)?\.com/api/webhooks/\d+/)[A-Za-z0-9_-]+`), "${1}" + redacted},
	// userinfo passwords in DSNs
	{regexp.MustCompile(`(\b[a-z][a-z0-9+.-]*://[^:/\s@]+:)[^@\s]+@`), "${1}" + redacted + "@"},
	{regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9._~+/-]+=*`), "${1}" + redacted},
}

// Redact masks credentials in s.
func Redact(s string) string {
	for _, p := range sensitivePatterns {
		s = p.re.ReplaceAllString(s, p.repl)
	}
	return s
}

// RedactError is a zerolog.ErrorMarshalFunc that masks credentials in
// logged errors.
func RedactError(err error) interface{} {
	if err == nil {
		return nil
	}
	return Redact(err.Error())
}

func init() {
	zerolog.ErrorMarshalFunc = RedactError
}
