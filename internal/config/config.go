package config

import "github.com/kelseyhightower/envconfig"

type Config struct {
	// ----------------------------
	// SMTP
	// ----------------------------
	SMTPHost string `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort int    `envconfig:"SMTP_PORT" default:"1025"`

	// ----------------------------
	// Scheduler
	// ----------------------------
	WorkerCount     int    `envconfig:"WORKER_COUNT" default:"5"`
	RateLimit       int    `envconfig:"RATE_LIMIT" default:"10"`
	RetryAttempts   int    `envconfig:"RETRY_ATTEMPTS" default:"3"`
	WatchIntervalMS int    `envconfig:"WATCH_INTERVAL_MS" default:"5000"`
	RecipientField  string `envconfig:"RECIPIENT_FIELD" default:"Email"`

	// ----------------------------
	// Row source
	// ----------------------------
	// "sheets" reads Google Sheets, "csv" reads files under CSV_DIR.
	RowSource       string `envconfig:"ROW_SOURCE" default:"sheets"`
	SheetsCredsFile string `envconfig:"SHEETS_CREDENTIALS_FILE" default:""`
	CSVDir          string `envconfig:"CSV_DIR" default:"./sheets"`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort string `envconfig:"API_PORT" default:"3001"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`

	// ----------------------------
	// Database (empty = in-memory stores)
	// ----------------------------
	DatabaseURL string `envconfig:"DATABASE_URL" default:""`
}

func Load() (*Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return &cfg, err
}
