// Package config loads orchestrator settings from the environment, with an
// optional preview.yaml for local development.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable of the orchestrator process.
type Config struct {
	// Port is the single public listen port.
	Port int `mapstructure:"port"`

	// DataDir is the root under which project directories live.
	DataDir string `mapstructure:"data_dir"`

	// APIKey and APISecret are the control-plane HMAC credentials. Either
	// being empty enables unauthenticated development mode.
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`

	// PublicHost is the hostname baked into each project's HMR client
	// config; PublicHTTPS switches those clients to wss/443.
	PublicHost  string `mapstructure:"public_host"`
	PublicHTTPS bool   `mapstructure:"public_https"`

	// BunBinary is the package-manager / runner binary.
	BunBinary string `mapstructure:"bun_binary"`

	// TaggerDep is the specifier written into generated manifests for the
	// tagger plugin.
	TaggerDep string `mapstructure:"tagger_dep"`

	// BasePort and MaxInstances define the child port pool
	// [BasePort, BasePort+MaxInstances).
	BasePort     int `mapstructure:"base_port"`
	MaxInstances int `mapstructure:"max_instances"`

	// IdleTimeout is how long an instance may sit unused before the sweeper
	// stops it.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// PrebuiltTemplateDir is an optional build-time pre-warmed template
	// directory copied into DataDir on first initialisation.
	PrebuiltTemplateDir string `mapstructure:"prebuilt_template_dir"`
}

// Load reads configuration from preview.yaml (if present) and the
// environment. Environment variables win.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("port", 3000)
	v.SetDefault("data_dir", "/data/sites")
	v.SetDefault("public_host", "omniflow-preview.fly.dev")
	v.SetDefault("bun_binary", "bun")
	v.SetDefault("tagger_dep", "file:/app/packages/vite-plugin-jsx-tagger")
	v.SetDefault("base_port", 5200)
	v.SetDefault("max_instances", 20)
	v.SetDefault("idle_timeout", 30*time.Minute)
	v.SetDefault("prebuilt_template_dir", "/app/template")

	v.SetConfigName("preview")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	mustBind := func(key, env string) {
		if err := v.BindEnv(key, env); err != nil {
			panic(err)
		}
	}
	mustBind("port", "PORT")
	mustBind("data_dir", "DATA_DIR")
	mustBind("api_key", "FLY_API_KEY")
	mustBind("api_secret", "FLY_API_SECRET")
	mustBind("public_host", "FLY_PUBLIC_HOST")
	mustBind("public_https", "FLY_HTTPS")
	mustBind("bun_binary", "BUN_BINARY")
	mustBind("tagger_dep", "JSX_TAGGER_DEP")
	mustBind("base_port", "BASE_PORT")
	mustBind("max_instances", "MAX_INSTANCES")
	mustBind("idle_timeout", "IDLE_TIMEOUT")
	mustBind("prebuilt_template_dir", "PREBUILT_TEMPLATE_DIR")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Fly hostnames terminate TLS at the edge; default to wss for them
	// unless FLY_HTTPS was set explicitly.
	if !v.IsSet("public_https") && strings.HasSuffix(cfg.PublicHost, ".fly.dev") {
		cfg.PublicHTTPS = true
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port %d", cfg.Port)
	}
	if cfg.MaxInstances <= 0 {
		return fmt.Errorf("max_instances must be positive, got %d", cfg.MaxInstances)
	}
	if cfg.BasePort <= 0 || cfg.BasePort+cfg.MaxInstances > 65535 {
		return fmt.Errorf("port range [%d,%d) is out of bounds",
			cfg.BasePort, cfg.BasePort+cfg.MaxInstances)
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	return nil
}

// DevMode reports whether the control plane runs without authentication.
func (c *Config) DevMode() bool {
	return c.APIKey == "" || c.APISecret == ""
}
