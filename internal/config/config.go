// Package config loads the gateway configuration from YAML with environment
// overrides.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/szaher/designs/personagw/internal/auth"
	"github.com/szaher/designs/personagw/internal/llm"
	"github.com/szaher/designs/personagw/internal/media"
	"github.com/szaher/designs/personagw/internal/persona"
	"github.com/szaher/designs/personagw/internal/secrets"
	"github.com/szaher/designs/personagw/internal/settings"
	"github.com/szaher/designs/personagw/internal/telemetry"
)

// EnvPrefix starts every environment override.
const EnvPrefix = "PERSONAGW_"

// Config is the complete gateway configuration.
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Engine   EngineConfig    `yaml:"engine"`
	Personas PersonasConfig  `yaml:"personas"`
	Settings settings.Config `yaml:"settings"`
	Media    media.Config    `yaml:"media"`
	History  HistoryConfig   `yaml:"history"`
	Auth     AuthConfig      `yaml:"auth"`
	Log      LogConfig       `yaml:"log"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	CookieSecure    bool          `yaml:"cookie_secure"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// EngineConfig selects the inference backend and its guard.
type EngineConfig struct {
	Model       string        `yaml:"model"`
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	InlineFiles bool          `yaml:"inline_files"`
	Concurrency int64         `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`
}

// PersonasConfig holds the limits shared by every persona.
type PersonasConfig struct {
	Enabled            []string     `yaml:"enabled"`
	MaxHistory         int          `yaml:"max_history"`
	Tokenizer          string       `yaml:"tokenizer"`
	PerMessageTokens   int          `yaml:"per_message_tokens"`
	WindowTokens       int          `yaml:"window_tokens"`
	DefaultMaxLength   int          `yaml:"default_max_length"`
	TextSampling       llm.Sampling `yaml:"text_sampling"`
	MultimodalSampling llm.Sampling `yaml:"multimodal_sampling"`
	// MaxLengthPolicies maps a persona selector to an expression over
	// requested and persona.
	MaxLengthPolicies map[string]string `yaml:"max_length_policies"`
}

// HistoryConfig controls idle window eviction.
type HistoryConfig struct {
	IdleTTL       time.Duration `yaml:"idle_ttl"`
	SweepSchedule string        `yaml:"sweep_schedule"`
}

// AuthConfig protects settings mutations and rate limits clients.
type AuthConfig struct {
	AdminKey  string               `yaml:"admin_key"`
	RateLimit auth.RateLimitConfig `yaml:"rate_limit"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	enabled := make([]string, 0, len(persona.Kinds()))
	for _, k := range persona.Kinds() {
		enabled = append(enabled, string(k))
	}
	return Config{
		Server: ServerConfig{
			Addr:            ":5002",
			AllowedOrigins:  []string{"http://127.0.0.1:9100", "http://localhost:9100"},
			CookieSecure:    true,
			MaxUploadBytes:  32 << 20,
			ShutdownTimeout: 15 * time.Second,
		},
		Engine: EngineConfig{
			Model:       "vllm/Qwen2.5-VL-7B-Instruct",
			Concurrency: 1,
			Timeout:     2 * time.Minute,
		},
		Personas: PersonasConfig{
			Enabled:            enabled,
			MaxHistory:         8,
			Tokenizer:          "rune",
			PerMessageTokens:   persona.DefaultConfig().PerMessageTokens,
			WindowTokens:       persona.DefaultConfig().WindowTokens,
			DefaultMaxLength:   persona.DefaultMaxLength,
			TextSampling:       llm.DefaultTextSampling(),
			MultimodalSampling: llm.DefaultMultimodalSampling(),
		},
		Settings: settings.Config{
			Backend: "file",
			Path:    settings.DefaultPath,
			Watch:   true,
		},
		Media: media.Config{
			Backend: "local",
			Dir:     media.DefaultDir,
		},
		History: HistoryConfig{
			IdleTTL:       24 * time.Hour,
			SweepSchedule: "@every 10m",
		},
		Auth: AuthConfig{
			RateLimit: auth.DefaultRateLimitConfig(),
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// resolves env(VAR) references. An empty path skips the file.
func Load(ctx context.Context, path string, filter *secrets.RedactFilter) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config %q: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}

	if err := secrets.Expand(ctx, secrets.NewEnvResolver(), filter, map[string]*string{
		"engine.api_key":  &cfg.Engine.APIKey,
		"engine.base_url": &cfg.Engine.BaseURL,
		"settings.dsn":    &cfg.Settings.DSN,
		"auth.admin_key":  &cfg.Auth.AdminKey,
	}); err != nil {
		return Config{}, err
	}
	if cfg.Auth.AdminKey == "" {
		cfg.Auth.AdminKey = auth.KeyFromEnv()
	}
	if filter != nil {
		filter.AddSecret(cfg.Engine.APIKey)
		filter.AddSecret(cfg.Auth.AdminKey)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overrides scalar settings from PERSONAGW_* variables.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	list := func(name string, dst *[]string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = splitList(v)
		}
	}
	var errs []error
	num := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	str("ADDR", &cfg.Server.Addr)
	list("ALLOWED_ORIGINS", &cfg.Server.AllowedOrigins)
	str("MODEL", &cfg.Engine.Model)
	str("BASE_URL", &cfg.Engine.BaseURL)
	str("API_KEY", &cfg.Engine.APIKey)
	dur("ENGINE_TIMEOUT", &cfg.Engine.Timeout)
	num("MAX_HISTORY", &cfg.Personas.MaxHistory)
	str("TOKENIZER", &cfg.Personas.Tokenizer)
	str("SETTINGS_BACKEND", &cfg.Settings.Backend)
	str("SETTINGS_PATH", &cfg.Settings.Path)
	str("SETTINGS_DSN", &cfg.Settings.DSN)
	list("SETTINGS_ENDPOINTS", &cfg.Settings.Endpoints)
	str("MEDIA_BACKEND", &cfg.Media.Backend)
	str("MEDIA_DIR", &cfg.Media.Dir)
	str("MEDIA_BUCKET", &cfg.Media.Bucket)
	str("LOG_LEVEL", &cfg.Log.Level)

	if v, ok := lookup(EnvPrefix + "CONCURRENCY"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sCONCURRENCY: %w", EnvPrefix, err))
		} else {
			cfg.Engine.Concurrency = n
		}
	}
	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Engine.Model == "" {
		errs = append(errs, errors.New("engine.model is required"))
	}
	if c.Engine.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("engine.concurrency must be at least 1, got %d", c.Engine.Concurrency))
	}
	if c.Personas.MaxHistory < 0 {
		errs = append(errs, fmt.Errorf("personas.max_history must not be negative, got %d", c.Personas.MaxHistory))
	}
	if len(c.Personas.Enabled) == 0 {
		errs = append(errs, errors.New("personas.enabled must name at least one persona"))
	}
	for _, name := range c.Personas.Enabled {
		if _, ok := persona.ParseKind(name); !ok {
			errs = append(errs, fmt.Errorf("personas.enabled: unknown persona %q", name))
		}
	}
	for name := range c.Personas.MaxLengthPolicies {
		if _, ok := persona.ParseKind(name); !ok {
			errs = append(errs, fmt.Errorf("personas.max_length_policies: unknown persona %q", name))
		}
	}
	if c.History.IdleTTL > 0 && c.History.SweepSchedule == "" {
		errs = append(errs, errors.New("history.sweep_schedule is required when idle_ttl is set"))
	}
	if _, err := telemetry.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}

// PersonaConfig returns the persona tunables for kind.
func (c Config) PersonaConfig(kind persona.Kind) persona.Config {
	pc := persona.Config{
		PerMessageTokens:   c.Personas.PerMessageTokens,
		WindowTokens:       c.Personas.WindowTokens,
		DefaultMaxLength:   c.Personas.DefaultMaxLength,
		TextSampling:       c.Personas.TextSampling,
		MultimodalSampling: c.Personas.MultimodalSampling,
	}
	for name, policy := range c.Personas.MaxLengthPolicies {
		if k, ok := persona.ParseKind(name); ok && k == kind {
			pc.MaxLengthPolicy = policy
		}
	}
	return pc
}

// EngineSettings maps the engine section onto llm.EngineConfig.
func (c Config) EngineSettings() llm.EngineConfig {
	return llm.EngineConfig{
		Model:       c.Engine.Model,
		BaseURL:     c.Engine.BaseURL,
		APIKey:      c.Engine.APIKey,
		InlineFiles: c.Engine.InlineFiles,
	}
}

// Kinds returns the enabled persona kinds in display order.
func (c Config) Kinds() []persona.Kind {
	want := make(map[persona.Kind]bool, len(c.Personas.Enabled))
	for _, name := range c.Personas.Enabled {
		if k, ok := persona.ParseKind(name); ok {
			want[k] = true
		}
	}
	var out []persona.Kind
	for _, k := range persona.Kinds() {
		if want[k] {
			out = append(out, k)
		}
	}
	return out
}
