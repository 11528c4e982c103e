// Package config loads the Flux runtime configuration from YAML with
// environment variable expansion and FLUX_* overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for Flux.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	LLM       LLMConfig       `yaml:"llm"`
	Tools     ToolsConfig     `yaml:"tools"`
	Storage   StorageConfig   `yaml:"storage"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Webhooks  WebhooksConfig  `yaml:"webhooks"`
	Usage     UsageConfig     `yaml:"usage"`
	Retention RetentionConfig `yaml:"retention"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// AllowedOrigins is the CORS allowlist. Empty means same-origin only.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type AuthConfig struct {
	// Enabled gates the whole auth layer. When false every request runs as
	// the default admin user.
	Enabled bool `yaml:"enabled"`
	// JWTSecret signs access tokens. Required when auth is enabled.
	JWTSecret string `yaml:"jwt_secret"`
	// DashboardToken is a static bearer token accepted for dashboard access.
	DashboardToken string        `yaml:"dashboard_token"`
	TokenExpiry    time.Duration `yaml:"token_expiry"`
	RefreshExpiry  time.Duration `yaml:"refresh_expiry"`
	// DefaultUser is the user ID attributed to requests when auth is
	// disabled.
	DefaultUser string `yaml:"default_user"`
}

type LLMConfig struct {
	// Provider selects the adapter: "anthropic" or "openai".
	Provider        string `yaml:"provider"`
	Model           string `yaml:"model"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	BaseURL         string `yaml:"base_url"`
	MaxTokens       int    `yaml:"max_tokens"`
	// MaxToolRounds bounds tool-use iterations within one turn.
	MaxToolRounds int    `yaml:"max_tool_rounds"`
	SystemPrompt  string `yaml:"system_prompt"`
}

type ToolsConfig struct {
	// Dir is the hot-reloaded tool directory.
	Dir string `yaml:"dir"`
	// Timeout bounds a single tool execution. Minimum 1s.
	Timeout time.Duration `yaml:"timeout"`
	// PythonBin is the interpreter used to run dynamic tools.
	PythonBin string `yaml:"python_bin"`
	// Restricted lists tool names rejected at call time.
	Restricted []string `yaml:"restricted"`
}

type StorageConfig struct {
	// DataDir holds the SQLite databases and JSON state files.
	DataDir string `yaml:"data_dir"`
	// KnowledgeDir holds knowledge base documents and the search index.
	KnowledgeDir string `yaml:"knowledge_dir"`
	// BackupDir is where backup archives are written.
	BackupDir string `yaml:"backup_dir"`
	// MaxHistoryMessages trims conversation history sent to the model.
	MaxHistoryMessages int `yaml:"max_history_messages"`
}

type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`
	// RequestsPerWindow is the per-user budget within Window.
	RequestsPerWindow int           `yaml:"requests_per_window"`
	Window            time.Duration `yaml:"window"`
}

type WebhooksConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MaxRetries int           `yaml:"max_retries"`
	Timeout    time.Duration `yaml:"timeout"`
	// BaseBackoff is the first retry delay; it doubles per attempt.
	BaseBackoff time.Duration `yaml:"base_backoff"`
}

type UsageConfig struct {
	// DailyCostLimitUSD caps per-user daily spend. Zero disables the cap.
	DailyCostLimitUSD float64 `yaml:"daily_cost_limit_usd"`
	// DailyCallLimit caps per-user daily LLM calls. Zero disables the cap.
	DailyCallLimit int `yaml:"daily_call_limit"`
}

type RetentionConfig struct {
	Enabled bool `yaml:"enabled"`
	// MaxAgeDays deletes records older than this. Zero disables age pruning.
	MaxAgeDays int `yaml:"max_age_days"`
	// MaxCount keeps at most this many records per category. Zero disables.
	MaxCount int `yaml:"max_count"`
	// Interval between automatic retention sweeps.
	Interval time.Duration `yaml:"interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the configuration file. A missing file yields the
// defaults so the server can start from environment variables alone.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else {
			expanded := os.ExpandEnv(string(data))
			if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration with all defaults applied and no file or
// environment input.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8090
	}
	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}
	if cfg.Auth.RefreshExpiry == 0 {
		cfg.Auth.RefreshExpiry = 30 * 24 * time.Hour
	}
	if cfg.Auth.DefaultUser == "" {
		cfg.Auth.DefaultUser = "default"
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "anthropic"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "claude-sonnet-4-20250514"
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 4096
	}
	if cfg.LLM.MaxToolRounds == 0 {
		cfg.LLM.MaxToolRounds = 10
	}
	if cfg.Tools.Dir == "" {
		cfg.Tools.Dir = "tools"
	}
	if cfg.Tools.Timeout == 0 {
		cfg.Tools.Timeout = 30 * time.Second
	}
	if cfg.Tools.Timeout < time.Second {
		cfg.Tools.Timeout = time.Second
	}
	if cfg.Tools.PythonBin == "" {
		cfg.Tools.PythonBin = "python3"
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Storage.KnowledgeDir == "" {
		cfg.Storage.KnowledgeDir = "knowledge"
	}
	if cfg.Storage.BackupDir == "" {
		cfg.Storage.BackupDir = "backups"
	}
	if cfg.Storage.MaxHistoryMessages == 0 {
		cfg.Storage.MaxHistoryMessages = 40
	}
	if cfg.RateLimit.RequestsPerWindow == 0 {
		cfg.RateLimit.RequestsPerWindow = 60
	}
	if cfg.RateLimit.Window == 0 {
		cfg.RateLimit.Window = time.Minute
	}
	if cfg.Webhooks.MaxRetries == 0 {
		cfg.Webhooks.MaxRetries = 3
	}
	if cfg.Webhooks.Timeout == 0 {
		cfg.Webhooks.Timeout = 10 * time.Second
	}
	if cfg.Webhooks.BaseBackoff == 0 {
		cfg.Webhooks.BaseBackoff = time.Second
	}
	if cfg.Retention.Interval == 0 {
		cfg.Retention.Interval = 24 * time.Hour
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// applyEnvOverrides layers FLUX_* environment variables over the file
// values. Environment wins over file; file wins over defaults.
func applyEnvOverrides(cfg *Config) {
	setString(&cfg.Server.Host, "FLUX_HOST")
	setInt(&cfg.Server.Port, "FLUX_PORT")
	setBool(&cfg.Auth.Enabled, "FLUX_AUTH_ENABLED")
	setString(&cfg.Auth.JWTSecret, "FLUX_JWT_SECRET")
	setString(&cfg.Auth.DashboardToken, "FLUX_DASHBOARD_TOKEN")
	setString(&cfg.Auth.DefaultUser, "FLUX_DEFAULT_USER")
	setString(&cfg.LLM.Provider, "FLUX_LLM_PROVIDER")
	setString(&cfg.LLM.Model, "FLUX_LLM_MODEL")
	setString(&cfg.LLM.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	setString(&cfg.LLM.OpenAIAPIKey, "OPENAI_API_KEY")
	setInt(&cfg.LLM.MaxTokens, "FLUX_MAX_TOKENS")
	setInt(&cfg.LLM.MaxToolRounds, "FLUX_MAX_TOOL_ROUNDS")
	setString(&cfg.Tools.Dir, "FLUX_TOOLS_DIR")
	setString(&cfg.Tools.PythonBin, "FLUX_PYTHON_BIN")
	setString(&cfg.Storage.DataDir, "FLUX_DATA_DIR")
	setString(&cfg.Storage.KnowledgeDir, "FLUX_KNOWLEDGE_DIR")
	setString(&cfg.Storage.BackupDir, "FLUX_BACKUP_DIR")
	setBool(&cfg.RateLimit.Enabled, "FLUX_RATE_LIMIT_ENABLED")
	setInt(&cfg.RateLimit.RequestsPerWindow, "FLUX_RATE_LIMIT_REQUESTS")
	setBool(&cfg.Webhooks.Enabled, "FLUX_WEBHOOKS_ENABLED")
	setString(&cfg.Logging.Level, "FLUX_LOG_LEVEL")
	setString(&cfg.Logging.Format, "FLUX_LOG_FORMAT")
}

// Validate checks settings that would otherwise fail at first use.
func (c *Config) Validate() error {
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth is enabled but jwt_secret is empty")
	}
	switch c.LLM.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("unknown llm provider %q", c.LLM.Provider)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
