package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# pricewatch configuration

[server]
addr = ":8080"
# Hide internal error details from API responses
production = false

[feed]
url = "wss://ws.finnhub.io"
# API token, or set FINNHUB_API_KEY
token = ""
# Reconnect delay grows linearly: attempt * reconnect_delay
reconnect_delay = "5s"
max_reconnects = 5
handshake_timeout = "10s"
# Deadline for subscribe and unsubscribe frames
write_timeout = "5s"
notify_on_give_up = true

[monitor]
# Minimum interval between two notifications for the same alert
cooldown = "5m"
# Full reload from the record store
reload_interval = "5m"

[store]
# sqlite or postgres
driver = "sqlite"
# Defaults to alerts.db in the config directory
# path = ""
# Postgres connection string, or set DATABASE_URL
dsn = ""
# LISTEN for change events (postgres only)
listen_push = false
listen_channel = "alert_changes"

[redis]
# Mirror the latest price per symbol
enabled = false
addr = "localhost:6379"
ttl = "10m"

[notifications]
enabled = true
send_timeout = "10s"

[notifications.discord]
enabled = false
url = ""
username = "pricewatch"
rate_limit = { requests = 30, window = "1m" }

[notifications.webhook]
enabled = false
url = ""
rate_limit = { requests = 30, window = "1m" }

[notifications.telegram]
enabled = false
bot_token = ""
chat_id = 0
rate_limit = { requests = 30, window = "1m" }

[notifications.email]
enabled = false
smtp_host = ""
smtp_port = 587
username = ""
password = ""
from = ""
to = ""
rate_limit = { requests = 30, window = "1m" }

[notifications.breaker]
# Skip a transport after this many consecutive failures (0 disables)
failure_threshold = 5
open_timeout = "1m"

[webhook]
# Shared secret for X-Signature, or set WEBHOOK_SECRET
secret = ""
skip_verify = false
table = "price_alerts"

[stream]
# Live price and trigger events over websocket on /api/stream
enabled = true
buffer_size = 64
# Consecutive drops before a slow client is reported
drop_threshold = 10
ping_interval = "30s"
rate_limit = { requests = 120, window = "1m" }

[auth]
# When set, owners come from the bearer token subject
jwt_secret = ""
user_id_header = "X-User-ID"

[log]
level = "info"
json = false
file = false
# file_path = ""
`

func createTemplateConfig(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "config.toml")
	// Restricted permissions, the file may hold secrets
	if err := os.WriteFile(path, []byte(configTemplate), 0600); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}
	return nil
}
