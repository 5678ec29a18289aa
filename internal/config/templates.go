package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# wysetrade desk configuration

[backend]
# Brokerage backend: "kite" (Zerodha Kite Connect), "rest" (desk HTTP API) or "paper"
kind = "paper"
# Base URL of the desk HTTP API (rest backend only)
base_url = "http://localhost:8000"
timeout = "10s"
requests_per_second = 10.0
# Kite historical-data calls per second
historical_rate = 3.0
# How long the Kite instrument dump stays cached
cache_ttl = "6h"
# Paper backend starting cash in INR
paper_cash = 1000000.0

[backend.paper_holdings]
# INFY = 10

[polling]
instruments = "15s"
positions = "15s"
margins = "30s"
orders = "5s"
live_price = "5s"
order_status = "5s"
estimate_debounce = "400ms"
fetch_timeout = "10s"
# Candle summaries per instrument row
candles = 20
# Chart scale: 1m, 5m, 15m, 30m, 1h, 4h, 1d
scale = "5m"
# Trip a segment's breaker after this many consecutive non-auth failures (0 = never)
transient_trip_threshold = 0

# Listing universes. Leave empty to use the built-in lists.
# [[segments.nifty]]
# symbol = "RELIANCE"
# name = "Reliance Industries"
# category = "Energy"

[server]
addr = "127.0.0.1:8080"
mode = "release"
# Open the broker login page in a browser on connect
open_browser = true

[store]
# path = "~/.config/wysetrade-desk/desk.db"

[log]
level = "info"
console = true
file = true
max_size = 50
max_backups = 5
max_age = 14

[ui]
color_enabled = true

# Order outcome notifications while 'desk serve' runs
[notifications]
enabled = true
# Ring the terminal bell on rejections and cancellations
bell = true
# POST each outcome as JSON to this URL (also DESK_WEBHOOK_URL)
webhook_url = ""
webhook_timeout = "10s"
`

const credentialsTemplate = `# wysetrade desk credentials
# WARNING: Keep this file secure! Do not commit to version control.

[zerodha]
api_key = ""
api_secret = ""
# Optional: reuse today's access token instead of logging in
access_token = ""

[desk]
# Bearer token for the rest backend
api_token = ""
`

func createTemplateConfig(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "config.toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}
	return nil
}

func createTemplateCredentials(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "credentials.toml")
	// Use restricted permissions for credentials file
	if err := os.WriteFile(path, []byte(credentialsTemplate), 0600); err != nil {
		return fmt.Errorf("writing credentials template: %w", err)
	}
	return nil
}

// Path returns the path of the main config file in dir.
func Path(dir string) string {
	if dir == "" {
		dir = DefaultConfigDir()
	}
	return filepath.Join(dir, "config.toml")
}
