// Package config loads and validates slotscraper configuration via Viper.
package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/slotscraper/internal/booking"
	"github.com/JakeFAU/slotscraper/internal/locations"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Scrape    ScrapeConfig    `mapstructure:"scrape"`
	Refresh   RefreshConfig   `mapstructure:"refresh"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	History   HistoryConfig   `mapstructure:"history"`
	Events    EventsConfig    `mapstructure:"events"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ScrapeConfig governs browser sessions and the navigation flow.
type ScrapeConfig struct {
	Headless         bool          `mapstructure:"headless"`
	HaveBooking      bool          `mapstructure:"have_booking"`
	Username         string        `mapstructure:"username"`
	Password         string        `mapstructure:"password"`
	ElementTimeout   time.Duration `mapstructure:"element_timeout"`
	NavigateTimeout  time.Duration `mapstructure:"navigate_timeout"`
	StartupStagger   time.Duration `mapstructure:"startup_stagger"`
	ParallelBrowsers int           `mapstructure:"parallel_browsers"`
	ProxyFile        string        `mapstructure:"proxy_file"`
	Proxies          []string      `mapstructure:"proxies"`
	Locations        []string      `mapstructure:"locations"`
	LocationsFile    string        `mapstructure:"locations_file"`
	LoginURL         string        `mapstructure:"login_url"`
	BlockStatusCodes []int         `mapstructure:"block_status_codes"`
	Humanize         bool          `mapstructure:"humanize"`
	ChromePath       string        `mapstructure:"chrome_path"`
	UserAgent        string        `mapstructure:"user_agent"`
}

// RefreshConfig controls the background refresh loop.
type RefreshConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	Retries    int           `mapstructure:"retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// StorageConfig selects where the bookings snapshot is persisted.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Object    string `mapstructure:"object"`
}

// NotifyConfig configures webhook alerts.
type NotifyConfig struct {
	WebhookURL  string        `mapstructure:"webhook_url"`
	MinInterval time.Duration `mapstructure:"min_interval"`
}

// HistoryConfig enables the Postgres record of refresh runs.
type HistoryConfig struct {
	// DSN is empty when history is disabled.
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

// EventsConfig enables Pub/Sub snapshot events.
type EventsConfig struct {
	ProjectID string `mapstructure:"project_id"`
	// Topic is empty when events are disabled.
	Topic string `mapstructure:"topic"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// APIKey, when set, is required on /v1 routes via X-API-Key.
	APIKey string `mapstructure:"api_key"`
}

// LoggingConfig selects the zap encoder and level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig toggles OpenTelemetry tracing and selects the OTLP exporter.
// With tracing on and no endpoint, spans are created but not exported.
type TelemetryConfig struct {
	Tracing          bool              `mapstructure:"tracing"`
	OTLPGRPCEndpoint string            `mapstructure:"otlp_grpc_endpoint"`
	OTLPHTTPEndpoint string            `mapstructure:"otlp_http_endpoint"`
	OTLPHeaders      map[string]string `mapstructure:"otlp_headers"`
}

// Storage backends.
const (
	BackendLocal  = "local"
	BackendMemory = "memory"
	BackendGCS    = "gcs"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SLOTSCRAPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.expandEnv(); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("scrape.headless", true)
	v.SetDefault("scrape.have_booking", false)
	v.SetDefault("scrape.username", "")
	v.SetDefault("scrape.password", "")
	v.SetDefault("scrape.element_timeout", "30s")
	v.SetDefault("scrape.navigate_timeout", "60s")
	v.SetDefault("scrape.startup_stagger", "2s")
	v.SetDefault("scrape.parallel_browsers", 3)
	v.SetDefault("scrape.proxy_file", "")
	v.SetDefault("scrape.locations_file", "")
	v.SetDefault("scrape.login_url", "https://www.myrta.com/wps/portal/extvp/myrta/login/")
	v.SetDefault("scrape.block_status_codes", []int{403})
	v.SetDefault("scrape.humanize", true)
	v.SetDefault("scrape.chrome_path", "")
	v.SetDefault("scrape.user_agent", "")
	v.SetDefault("refresh.enabled", true)
	v.SetDefault("refresh.interval", "5m")
	v.SetDefault("refresh.retries", 3)
	v.SetDefault("refresh.retry_delay", "5s")
	v.SetDefault("storage.backend", BackendLocal)
	v.SetDefault("storage.base_dir", "data")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.object", "bookings.json")
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.min_interval", "2s")
	v.SetDefault("history.dsn", "")
	v.SetDefault("history.table", "refresh_runs")
	v.SetDefault("history.max_conns", 4)
	v.SetDefault("history.min_conns", 0)
	v.SetDefault("history.max_conn_lifetime", "30m")
	v.SetDefault("history.ensure_schema", true)
	v.SetDefault("events.project_id", "")
	v.SetDefault("events.topic", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.tracing", false)
	v.SetDefault("telemetry.otlp_grpc_endpoint", "")
	v.SetDefault("telemetry.otlp_http_endpoint", "")
}

// expandEnv resolves ${VAR} references in secrets and paths. A referenced
// variable that is not set is an error.
func (c *Config) expandEnv() error {
	fields := []struct {
		key string
		val *string
	}{
		{"scrape.username", &c.Scrape.Username},
		{"scrape.password", &c.Scrape.Password},
		{"scrape.proxy_file", &c.Scrape.ProxyFile},
		{"notify.webhook_url", &c.Notify.WebhookURL},
		{"server.api_key", &c.Server.APIKey},
		{"history.dsn", &c.History.DSN},
	}
	for _, f := range fields {
		expanded, err := ExpandEnv(*f.val)
		if err != nil {
			return fmt.Errorf("%s: %w", f.key, err)
		}
		*f.val = expanded
	}
	return nil
}

// ExpandEnv resolves a value of the form ${VAR} from the environment. Other
// values, including ones that merely contain a dollar sign, are returned as is.
func ExpandEnv(value string) (string, error) {
	if !strings.HasPrefix(value, "${") || !strings.HasSuffix(value, "}") {
		return value, nil
	}
	name := value[2 : len(value)-1]
	v, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("environment variable %s is not set", name)
	}
	return v, nil
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Scrape.Username == "" || c.Scrape.Password == "" {
		return fmt.Errorf("scrape.username and scrape.password must be set")
	}
	if c.Scrape.ElementTimeout <= 0 {
		return fmt.Errorf("scrape.element_timeout must be > 0")
	}
	if c.Scrape.NavigateTimeout <= 0 {
		return fmt.Errorf("scrape.navigate_timeout must be > 0")
	}
	if c.Scrape.StartupStagger < 0 {
		return fmt.Errorf("scrape.startup_stagger must be >= 0")
	}
	if c.Scrape.ParallelBrowsers <= 0 {
		return fmt.Errorf("scrape.parallel_browsers must be > 0")
	}
	if c.Scrape.ProxyFile == "" && len(c.Scrape.Proxies) == 0 {
		return fmt.Errorf("scrape.proxy_file or scrape.proxies must be set")
	}
	if c.Scrape.LocationsFile == "" && len(c.Scrape.Locations) == 0 {
		return fmt.Errorf("scrape.locations_file or scrape.locations must be set")
	}
	for _, code := range c.Scrape.BlockStatusCodes {
		if code < 100 || code > 599 {
			return fmt.Errorf("scrape.block_status_codes contains invalid status %d", code)
		}
	}
	if c.Refresh.Enabled && c.Refresh.Interval <= 0 {
		return fmt.Errorf("refresh.interval must be > 0 when refresh is enabled")
	}
	if c.Refresh.Retries <= 0 {
		return fmt.Errorf("refresh.retries must be > 0")
	}
	if c.Refresh.RetryDelay < 0 {
		return fmt.Errorf("refresh.retry_delay must be >= 0")
	}
	switch c.Storage.Backend {
	case BackendLocal:
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir must be set for the local backend")
		}
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("storage.backend must be one of local, memory, gcs; got %q", c.Storage.Backend)
	}
	if c.Storage.Object == "" {
		return fmt.Errorf("storage.object must be set")
	}
	if c.History.DSN != "" && (c.History.MaxConns < 0 || c.History.MinConns < 0 || c.History.MinConns > c.History.MaxConns) {
		return fmt.Errorf("history.min_conns must be between 0 and history.max_conns")
	}
	if c.Events.Topic != "" && c.Events.ProjectID == "" {
		return fmt.Errorf("events.project_id must be set when events.topic is set")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Logging.Level != "" {
		if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
			return fmt.Errorf("logging.level: %w", err)
		}
	}
	return nil
}

// ReadProxies returns the configured proxies: inline entries first, then the
// proxy file. Blank lines and # comments are ignored.
func (c Config) ReadProxies() ([]string, error) {
	proxies := slices.Clone(c.Scrape.Proxies)
	if c.Scrape.ProxyFile == "" {
		return proxies, nil
	}
	data, err := os.ReadFile(c.Scrape.ProxyFile)
	if err != nil {
		return nil, fmt.Errorf("read proxy file %q: %w", c.Scrape.ProxyFile, err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		proxies = append(proxies, line)
	}
	return proxies, nil
}

// ReadCentres returns the configured centres: inline ids first, then the
// entries of the locations file with their metadata.
func (c Config) ReadCentres() ([]locations.Centre, error) {
	centres := make([]locations.Centre, 0, len(c.Scrape.Locations))
	for _, loc := range c.Scrape.Locations {
		centres = append(centres, locations.Centre{ID: booking.LocationID(loc)})
	}
	if c.Scrape.LocationsFile == "" {
		return centres, nil
	}
	fromFile, err := locations.ReadFile(c.Scrape.LocationsFile)
	if err != nil {
		return nil, err
	}
	return append(centres, fromFile...), nil
}

// Request builds a scrape request over locations using egress.
func (c Config) Request(locations []booking.LocationID, egress []string) booking.ScrapeRequest {
	return booking.ScrapeRequest{
		Locations: locations,
		Headless:  c.Scrape.Headless,
		Credentials: booking.Credentials{
			Username: c.Scrape.Username,
			Password: c.Scrape.Password,
		},
		HasExistingBooking:  c.Scrape.HaveBooking,
		Timeout:             c.Scrape.NavigateTimeout,
		EgressPoints:        egress,
		MaxParallelSessions: c.Scrape.ParallelBrowsers,
	}
}
