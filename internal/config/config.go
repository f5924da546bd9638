package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the entire application configuration
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Portal      PortalConfig      `mapstructure:"portal"`
	Download    DownloadConfig    `mapstructure:"download"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Alerts      AlertsConfig      `mapstructure:"alerts"`
}

// AppConfig contains process-wide settings
type AppConfig struct {
	SecretKey string `mapstructure:"secret_key"`
	Timezone  string `mapstructure:"timezone"`
}

// PortalConfig contains the SAMU portal credentials and browser settings
type PortalConfig struct {
	LoginURL          string `mapstructure:"login_url"`
	Username          string `mapstructure:"username"`
	Password          string `mapstructure:"password"`
	Headless          bool   `mapstructure:"headless"`
	ChromeBin         string `mapstructure:"chrome_bin"`
	LoginTimeout      string `mapstructure:"login_timeout"`
	NavigationTimeout string `mapstructure:"navigation_timeout"`
	ReportTimeout     string `mapstructure:"report_timeout"`
	DownloadTimeout   string `mapstructure:"download_timeout"`
}

// DownloadConfig contains settings for the export download and conversion
type DownloadConfig struct {
	Dir            string `mapstructure:"dir"`
	SkipRows       int    `mapstructure:"skip_rows"`
	MaxAttempts    int    `mapstructure:"max_attempts"`
	RetryBaseDelay string `mapstructure:"retry_base_delay"`
	RetryMaxDelay  string `mapstructure:"retry_max_delay"`
	ManualCooldown string `mapstructure:"manual_cooldown"`
	CacheTTL       string `mapstructure:"cache_ttl"`
	ComputeWorkers int    `mapstructure:"compute_workers"`
}

// HTTPConfig contains HTTP server configuration
type HTTPConfig struct {
	BindAddr     string `mapstructure:"bind_addr"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
	IdleTimeout  string `mapstructure:"idle_timeout"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path          string `mapstructure:"path"`
	BusyTimeoutMs int    `mapstructure:"busy_timeout_ms"`
}

// MaintenanceConfig contains download directory housekeeping settings
type MaintenanceConfig struct {
	Interval       string `mapstructure:"interval"`
	ArtifactMaxAge string `mapstructure:"artifact_max_age"`
}

// AlertsConfig contains alert generator settings
type AlertsConfig struct {
	// Interval is how often rules are evaluated besides after each download
	Interval string `mapstructure:"interval"`
}

// envBindings maps config keys to the environment variable names the
// deployment already uses.
var envBindings = map[string]string{
	"app.secret_key":    "SECRET_KEY",
	"portal.username":   "SAMU_USERNAME",
	"portal.password":   "SAMU_PASSWORD",
	"portal.headless":   "SELENIUM_HEADLESS",
	"portal.chrome_bin": "CHROME_BIN",
	"download.dir":      "DOWNLOAD_DIR",
	"database.path":     "DATABASE_URL",
}

// Load loads configuration from the specified file path.
// The file is optional: everything can come from the environment or a .env file.
func Load(configPath string) (*Config, error) {
	// .env is optional, same as the process environment it feeds
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SAMU_PANEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, "SAMU_PANEL_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("failed to bind env %s: %w", env, err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config.Database.Path = normalizeDatabasePath(config.Database.Path)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.secret_key", "dev-secret-key-change-in-production")
	v.SetDefault("app.timezone", "America/Sao_Paulo")
	v.SetDefault("portal.login_url", "https://gestao-es.vskysamu.com.br/vskymanagement/login.jsf")
	v.SetDefault("portal.username", "")
	v.SetDefault("portal.password", "")
	v.SetDefault("portal.headless", true)
	v.SetDefault("portal.chrome_bin", "")
	v.SetDefault("portal.login_timeout", "30s")
	v.SetDefault("portal.navigation_timeout", "20s")
	v.SetDefault("portal.report_timeout", "60s")
	v.SetDefault("portal.download_timeout", "120s")
	v.SetDefault("download.dir", "download")
	v.SetDefault("download.skip_rows", 5)
	v.SetDefault("download.max_attempts", 3)
	v.SetDefault("download.retry_base_delay", "2s")
	v.SetDefault("download.retry_max_delay", "60s")
	v.SetDefault("download.manual_cooldown", "30s")
	v.SetDefault("download.cache_ttl", "5m")
	v.SetDefault("download.compute_workers", 8)
	v.SetDefault("http.bind_addr", "0.0.0.0:5001")
	v.SetDefault("http.read_timeout", "30s")
	v.SetDefault("http.write_timeout", "60s")
	v.SetDefault("http.idle_timeout", "120s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("database.path", "instance/app.db")
	v.SetDefault("database.busy_timeout_ms", 5000)
	v.SetDefault("maintenance.interval", "1h")
	v.SetDefault("maintenance.artifact_max_age", "24h")
	v.SetDefault("alerts.interval", "5m")
}

// normalizeDatabasePath accepts both a plain path and a sqlite:/// URL
func normalizeDatabasePath(p string) string {
	p = strings.TrimSpace(p)
	for _, prefix := range []string{"sqlite:///", "sqlite://", "file:"} {
		if strings.HasPrefix(strings.ToLower(p), prefix) {
			return p[len(prefix):]
		}
	}
	return p
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Download.Dir == "" {
		return fmt.Errorf("download.dir is required")
	}
	if c.Download.SkipRows < 0 {
		return fmt.Errorf("download.skip_rows must not be negative")
	}
	if c.Download.MaxAttempts < 1 || c.Download.MaxAttempts > 10 {
		return fmt.Errorf("download.max_attempts must be between 1 and 10")
	}
	if c.Download.ComputeWorkers < 1 {
		return fmt.Errorf("download.compute_workers must be positive")
	}
	if _, err := time.LoadLocation(c.App.Timezone); err != nil {
		return fmt.Errorf("invalid app.timezone: %w", err)
	}

	durations := map[string]string{
		"portal.login_timeout":         c.Portal.LoginTimeout,
		"portal.navigation_timeout":    c.Portal.NavigationTimeout,
		"portal.report_timeout":        c.Portal.ReportTimeout,
		"portal.download_timeout":      c.Portal.DownloadTimeout,
		"download.retry_base_delay":    c.Download.RetryBaseDelay,
		"download.retry_max_delay":     c.Download.RetryMaxDelay,
		"download.manual_cooldown":     c.Download.ManualCooldown,
		"download.cache_ttl":           c.Download.CacheTTL,
		"maintenance.interval":         c.Maintenance.Interval,
		"maintenance.artifact_max_age": c.Maintenance.ArtifactMaxAge,
		"alerts.interval":              c.Alerts.Interval,
	}
	for key, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "json", "text":
		// Valid formats
	default:
		return fmt.Errorf("invalid logging.format: %s", c.Logging.Format)
	}

	return nil
}

// HasCredentials reports whether portal credentials are configured
func (c *PortalConfig) HasCredentials() bool {
	return strings.TrimSpace(c.Username) != "" && strings.TrimSpace(c.Password) != ""
}

// Location returns the configured time zone
func (c *AppConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func parseOr(value string, def time.Duration) time.Duration {
	d, _ := time.ParseDuration(value)
	if d <= 0 {
		return def
	}
	return d
}

// GetLoginTimeout returns the login timeout as time.Duration
func (c *PortalConfig) GetLoginTimeout() time.Duration {
	return parseOr(c.LoginTimeout, 30*time.Second)
}

// GetNavigationTimeout returns the menu navigation timeout as time.Duration
func (c *PortalConfig) GetNavigationTimeout() time.Duration {
	return parseOr(c.NavigationTimeout, 20*time.Second)
}

// GetReportTimeout returns the report form timeout as time.Duration
func (c *PortalConfig) GetReportTimeout() time.Duration {
	return parseOr(c.ReportTimeout, 60*time.Second)
}

// GetDownloadTimeout returns how long to wait for the exported file
func (c *PortalConfig) GetDownloadTimeout() time.Duration {
	return parseOr(c.DownloadTimeout, 120*time.Second)
}

// GetRetryBaseDelay returns the first retry delay as time.Duration
func (c *DownloadConfig) GetRetryBaseDelay() time.Duration {
	return parseOr(c.RetryBaseDelay, 2*time.Second)
}

// GetRetryMaxDelay returns the retry delay cap as time.Duration
func (c *DownloadConfig) GetRetryMaxDelay() time.Duration {
	return parseOr(c.RetryMaxDelay, 60*time.Second)
}

// GetManualCooldown returns the minimum time between manual downloads
func (c *DownloadConfig) GetManualCooldown() time.Duration {
	return parseOr(c.ManualCooldown, 30*time.Second)
}

// GetCacheTTL returns the computed indicator cache TTL
func (c *DownloadConfig) GetCacheTTL() time.Duration {
	return parseOr(c.CacheTTL, 5*time.Minute)
}

// GetReadTimeout returns the read timeout as time.Duration
func (c *HTTPConfig) GetReadTimeout() time.Duration {
	return parseOr(c.ReadTimeout, 30*time.Second)
}

// GetWriteTimeout returns the write timeout as time.Duration
func (c *HTTPConfig) GetWriteTimeout() time.Duration {
	return parseOr(c.WriteTimeout, 60*time.Second)
}

// GetIdleTimeout returns the idle timeout as time.Duration
func (c *HTTPConfig) GetIdleTimeout() time.Duration {
	return parseOr(c.IdleTimeout, 120*time.Second)
}

// GetInterval returns the maintenance interval as time.Duration
func (c *MaintenanceConfig) GetInterval() time.Duration {
	return parseOr(c.Interval, time.Hour)
}

// GetArtifactMaxAge returns the age after which leftover files are removed
func (c *MaintenanceConfig) GetArtifactMaxAge() time.Duration {
	return parseOr(c.ArtifactMaxAge, 24*time.Hour)
}

// GetInterval returns the alert generation interval as time.Duration
func (c *AlertsConfig) GetInterval() time.Duration {
	return parseOr(c.Interval, 5*time.Minute)
}
