// Package config loads and validates worker configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/renderworker/internal/render"
)

// EnvPrefix namespaces environment overrides, e.g. RENDERWORKER_BROWSER_EXEC_PATH.
const EnvPrefix = "RENDERWORKER"

// Config captures every knob that is not part of the positional argument vector.
type Config struct {
	Render  RenderConfig  `mapstructure:"render"`
	Browser BrowserConfig `mapstructure:"browser"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Storage StorageConfig `mapstructure:"storage"`
}

// RenderConfig governs the argument contract and the completion handler.
type RenderConfig struct {
	Variant string `mapstructure:"variant"`
	// WriteOutputOnFailure is nil when unset; the variant then decides.
	WriteOutputOnFailure *bool         `mapstructure:"write_output_on_failure"`
	NavigationTimeout    time.Duration `mapstructure:"navigation_timeout"`
	ThumbnailQuality     int           `mapstructure:"thumbnail_quality"`
	ShellMinBytes        int           `mapstructure:"shell_min_bytes"`
}

// BrowserConfig controls how Chrome is launched.
type BrowserConfig struct {
	ExecPath         string            `mapstructure:"exec_path"`
	Headless         bool              `mapstructure:"headless"`
	NoSandbox        bool              `mapstructure:"no_sandbox"`
	UserAgent        string            `mapstructure:"user_agent"`
	ProxyServer      string            `mapstructure:"proxy_server"`
	IgnoreCertErrors bool              `mapstructure:"ignore_cert_errors"`
	Flags            map[string]string `mapstructure:"flags"`
	StartupTimeout   time.Duration     `mapstructure:"startup_timeout"`
}

// LoggingConfig toggles zap development features and verbosity.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// MetricsConfig enables the textfile export. An empty path disables it.
type MetricsConfig struct {
	TextfilePath string `mapstructure:"textfile_path"`
}

// StorageConfig sets destination handling for output artifacts.
type StorageConfig struct {
	ContentType string    `mapstructure:"content_type"`
	GCS         GCSConfig `mapstructure:"gcs"`
}

// GCSConfig enables gs:// destinations.
type GCSConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Option adjusts the Viper instance before unmarshalling.
type Option func(*viper.Viper)

// WithOverride sets key with the highest precedence, above file and environment.
func WithOverride(key string, value any) Option {
	return func(v *viper.Viper) {
		v.Set(key, value)
	}
}

// Load builds a Config from defaults, an optional file, the environment and overrides.
func Load(path string, opts ...Option) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	// No default, so the key must be bound explicitly for env lookups.
	if err := v.BindEnv("render.write_output_on_failure"); err != nil {
		return Config{}, fmt.Errorf("bind env: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	for _, opt := range opts {
		opt(v)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("render.variant", string(render.VariantExtended))
	v.SetDefault("render.navigation_timeout", "0s")
	v.SetDefault("render.thumbnail_quality", 90)
	v.SetDefault("render.shell_min_bytes", 2048)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.no_sandbox", false)
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.proxy_server", "")
	v.SetDefault("browser.ignore_cert_errors", true)
	v.SetDefault("browser.startup_timeout", "30s")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "warn")
	v.SetDefault("metrics.textfile_path", "")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("storage.gcs.enabled", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if _, err := render.ParseVariant(c.Render.Variant); err != nil {
		return fmt.Errorf("render.variant: %w", err)
	}
	if c.Render.NavigationTimeout < 0 {
		return fmt.Errorf("render.navigation_timeout must be >= 0")
	}
	if c.Render.ThumbnailQuality < 0 || c.Render.ThumbnailQuality > 100 {
		return fmt.Errorf("render.thumbnail_quality must be within [0,100]")
	}
	if c.Render.ShellMinBytes < 0 {
		return fmt.Errorf("render.shell_min_bytes must be >= 0")
	}
	if c.Browser.StartupTimeout <= 0 {
		return fmt.Errorf("browser.startup_timeout must be > 0")
	}
	if c.Storage.ContentType == "" {
		return fmt.Errorf("storage.content_type must be set")
	}
	return nil
}

// Variant returns the configured argument contract. Validate has already
// rejected unknown names.
func (c Config) Variant() render.Variant {
	v, err := render.ParseVariant(c.Render.Variant)
	if err != nil {
		return render.VariantExtended
	}
	return v
}

// WriteOutputOnFailure reports whether page content is written to the output
// destination when navigation fails. Unset follows the variant: the extended
// contract writes, the minimal one does not.
func (c Config) WriteOutputOnFailure() bool {
	if c.Render.WriteOutputOnFailure != nil {
		return *c.Render.WriteOutputOnFailure
	}
	return c.Variant() == render.VariantExtended
}
