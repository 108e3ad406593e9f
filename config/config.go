// Package config loads warden settings from config.yaml and WARDEN_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// StateBackend selects where the alert log and case documents live
type StateBackend string

const (
	// StateBackendFile keeps each document in a JSON file under data_dir
	StateBackendFile StateBackend = "file"
	// StateBackendRedis keeps each document under a Redis key
	StateBackendRedis StateBackend = "redis"
)

// DataPaths holds all data directory and file path configuration
// These paths can be overridden via environment variables
type DataPaths struct {
	// DataDir is the base data directory (WARDEN_DATA_DIR, default: ./data)
	DataDir string `mapstructure:"data_dir"`
	// AlertLogPath is the alert log document (default: ${DataDir}/alert_logs.json)
	AlertLogPath string `mapstructure:"alert_log_path"`
	// CasePath is the case document (default: ${DataDir}/cases.json)
	CasePath string `mapstructure:"case_path"`
	// SQLitePath is the deployment history database (default: ${DataDir}/warden.db)
	SQLitePath string `mapstructure:"sqlite_path"`
}

// State configures the document persistence backend
type State struct {
	Backend       StateBackend `mapstructure:"backend" validate:"oneof=file redis"`
	RedisAddr     string       `mapstructure:"redis_addr" validate:"required_if=Backend redis"`
	RedisPassword string       `mapstructure:"redis_password"`
	RedisDB       int          `mapstructure:"redis_db" validate:"min=0,max=15"`
	RedisPoolSize int          `mapstructure:"redis_pool_size" validate:"min=1"`
	KeyPrefix     string       `mapstructure:"key_prefix"`
}

// API configures the HTTP server
type API struct {
	Port              int     `mapstructure:"port" validate:"min=1,max=65535"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"gt=0"`
	Burst             int     `mapstructure:"burst" validate:"min=1"`
	HistoryLimit      int     `mapstructure:"history_limit" validate:"min=1,max=200"`
}

// Chat configures the chat platform integration
type Chat struct {
	SigningSecret string `mapstructure:"signing_secret"`
	BotUserID     string `mapstructure:"bot_user_id"`
	BotToken      string `mapstructure:"bot_token"`
	WebhookURL    string `mapstructure:"webhook_url" validate:"omitempty,url"`
	APIBaseURL    string `mapstructure:"api_base_url" validate:"omitempty,url"`
	// AlertKeywords mark a chat message as a WAF alert notification; empty uses the built-in set
	AlertKeywords []string `mapstructure:"alert_keywords" validate:"dive,required"`
	// AllowedChannels restricts slash commands; empty allows every channel
	AllowedChannels []string `mapstructure:"allowed_channels"`
	// DedupeCacheSize bounds the chat event de-duplication cache
	DedupeCacheSize int `mapstructure:"dedupe_cache_size" validate:"min=1"`
}

// WAF configures the rule deployment gateway and the IP list API
type WAF struct {
	APIURL     string        `mapstructure:"api_url" validate:"required,url"`
	APIToken   string        `mapstructure:"api_token"`
	ListAPIURL string        `mapstructure:"list_api_url" validate:"omitempty,url"`
	Timeout    time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// CaseBackend configures the Kibana case tracker. An empty URL disables it.
type CaseBackend struct {
	URL                string        `mapstructure:"url" validate:"omitempty,url"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	AlertIndex         string        `mapstructure:"alert_index"`
	RuleName           string        `mapstructure:"rule_name"`
	Owner              string        `mapstructure:"owner"`
	Timeout            time.Duration `mapstructure:"timeout" validate:"gt=0"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	CircuitBreaker     struct {
		MaxFailures uint32        `mapstructure:"max_failures" validate:"min=1"`
		Timeout     time.Duration `mapstructure:"timeout" validate:"gt=0"`
		MaxHalfOpen uint32        `mapstructure:"max_half_open_requests" validate:"min=1"`
	} `mapstructure:"circuit_breaker"`
}

// LogSource configures the OpenSearch audit log source. No addresses disables it.
type LogSource struct {
	Addresses []string      `mapstructure:"addresses" validate:"dive,url"`
	Username  string        `mapstructure:"username"`
	Password  string        `mapstructure:"password"`
	Index     string        `mapstructure:"index"`
	Window    time.Duration `mapstructure:"window" validate:"gt=0"`
	Size      int           `mapstructure:"size" validate:"min=1,max=10000"`
	Insecure  bool          `mapstructure:"insecure"`
}

// Classifier configures the chat completion model behind /ai-exception
type Classifier struct {
	Enabled     bool          `mapstructure:"enabled"`
	URL         string        `mapstructure:"url" validate:"omitempty,url"`
	APIKey      string        `mapstructure:"api_key" validate:"required_if=Enabled true"`
	Model       string        `mapstructure:"model" validate:"required_if=Enabled true"`
	MaxTokens   int           `mapstructure:"max_tokens" validate:"min=0"`
	Temperature float64       `mapstructure:"temperature" validate:"min=0,max=2"`
	Timeout     time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// Events configures case lifecycle event publishing
type Events struct {
	Enabled       bool   `mapstructure:"enabled"`
	NATSURL       string `mapstructure:"nats_url" validate:"required_if=Enabled true"`
	SubjectPrefix string `mapstructure:"subject_prefix" validate:"required"`
}

// Workers configures the background task pool
type Workers struct {
	Count       int           `mapstructure:"count" validate:"min=1,max=64"`
	QueueSize   int           `mapstructure:"queue_size" validate:"min=1"`
	TaskTimeout time.Duration `mapstructure:"task_timeout" validate:"gt=0"`
}

// Config holds all configuration for the warden service
type Config struct {
	DataPaths   DataPaths   `mapstructure:"data_paths"`
	State       State       `mapstructure:"state"`
	API         API         `mapstructure:"api"`
	Chat        Chat        `mapstructure:"chat"`
	WAF         WAF         `mapstructure:"waf"`
	CaseBackend CaseBackend `mapstructure:"case_backend"`
	LogSource   LogSource   `mapstructure:"log_source"`
	Classifier  Classifier  `mapstructure:"classifier"`
	Events      Events      `mapstructure:"events"`
	Workers     Workers     `mapstructure:"workers"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_paths.data_dir", "./data")
	v.SetDefault("data_paths.alert_log_path", "") // Empty = derive from data_dir
	v.SetDefault("data_paths.case_path", "")
	v.SetDefault("data_paths.sqlite_path", "")

	v.SetDefault("state.backend", string(StateBackendFile))
	v.SetDefault("state.redis_addr", "localhost:6379")
	v.SetDefault("state.redis_password", "")
	v.SetDefault("state.redis_db", 0)
	v.SetDefault("state.redis_pool_size", 10)
	v.SetDefault("state.key_prefix", "warden:")

	v.SetDefault("api.port", 3000)
	v.SetDefault("api.requests_per_second", 20)
	v.SetDefault("api.burst", 40)
	v.SetDefault("api.history_limit", 20)

	v.SetDefault("chat.signing_secret", "")
	v.SetDefault("chat.bot_user_id", "")
	v.SetDefault("chat.bot_token", "")
	v.SetDefault("chat.webhook_url", "")
	v.SetDefault("chat.api_base_url", "https://slack.com/api")
	v.SetDefault("chat.alert_keywords", []string{})
	v.SetDefault("chat.allowed_channels", []string{})
	v.SetDefault("chat.dedupe_cache_size", 1024)

	v.SetDefault("waf.api_url", "http://127.0.0.1:5001/api/exception/rule")
	v.SetDefault("waf.api_token", "")
	v.SetDefault("waf.list_api_url", "")
	v.SetDefault("waf.timeout", 30*time.Second)

	v.SetDefault("case_backend.url", "")
	v.SetDefault("case_backend.username", "")
	v.SetDefault("case_backend.password", "")
	v.SetDefault("case_backend.alert_index", ".alerts-security.alerts-default")
	v.SetDefault("case_backend.rule_name", "WAF Security Detect Attack")
	v.SetDefault("case_backend.owner", "securitySolution")
	v.SetDefault("case_backend.timeout", 10*time.Second)
	v.SetDefault("case_backend.insecure_skip_verify", false)
	v.SetDefault("case_backend.circuit_breaker.max_failures", 5)
	v.SetDefault("case_backend.circuit_breaker.timeout", 60*time.Second)
	v.SetDefault("case_backend.circuit_breaker.max_half_open_requests", 1)

	v.SetDefault("log_source.addresses", []string{})
	v.SetDefault("log_source.username", "")
	v.SetDefault("log_source.password", "")
	v.SetDefault("log_source.index", "modsecurity-*")
	v.SetDefault("log_source.window", 3*time.Hour)
	v.SetDefault("log_source.size", 100)
	v.SetDefault("log_source.insecure", false)

	v.SetDefault("classifier.enabled", false)
	v.SetDefault("classifier.url", "https://api.openai.com/v1")
	v.SetDefault("classifier.api_key", "")
	v.SetDefault("classifier.model", "gpt-4o-mini")
	v.SetDefault("classifier.max_tokens", 0)
	v.SetDefault("classifier.temperature", 0.0)
	v.SetDefault("classifier.timeout", 60*time.Second)

	v.SetDefault("events.enabled", false)
	v.SetDefault("events.nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("events.subject_prefix", "warden")

	v.SetDefault("workers.count", 4)
	v.SetDefault("workers.queue_size", 100)
	v.SetDefault("workers.task_timeout", 2*time.Minute)
}

func loadFromEnv(v *viper.Viper) {
	v.SetEnvPrefix("WARDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Shorter names for paths and secrets
	_ = v.BindEnv("data_paths.data_dir", "WARDEN_DATA_DIR")
	_ = v.BindEnv("data_paths.sqlite_path", "WARDEN_SQLITE_PATH")
	_ = v.BindEnv("chat.signing_secret", "WARDEN_SIGNING_SECRET", "SIGNING_SECRET")
	_ = v.BindEnv("chat.bot_token", "WARDEN_BOT_TOKEN", "SLACK_TOKEN")
	_ = v.BindEnv("waf.api_url", "WARDEN_WAF_API_URL", "WAF_API_URL")
	_ = v.BindEnv("waf.api_token", "WARDEN_WAF_API_TOKEN", "WAF_API_TOKEN")
	_ = v.BindEnv("case_backend.password", "WARDEN_CASE_BACKEND_PASSWORD")
	_ = v.BindEnv("log_source.password", "WARDEN_LOG_SOURCE_PASSWORD")
	_ = v.BindEnv("classifier.api_key", "WARDEN_CLASSIFIER_API_KEY", "OPENAI_API_KEY")
}

// LoadConfig loads configuration from file and environment variables.
// An empty path searches config.yaml in . and ./config; a missing file is
// not an error.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	setDefaults(v)
	loadFromEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	config.ResolveDataPaths()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &config, nil
}

// ResolveDataPaths resolves all data paths, deriving from DataDir if not explicitly set
func (c *Config) ResolveDataPaths() {
	dataDir := c.DataPaths.DataDir
	if dataDir == "" {
		dataDir = "./data"
	}
	c.DataPaths.DataDir = dataDir

	c.DataPaths.AlertLogPath = resolvePath(c.DataPaths.AlertLogPath, dataDir, "alert_logs.json")
	c.DataPaths.CasePath = resolvePath(c.DataPaths.CasePath, dataDir, "cases.json")
	if c.DataPaths.SQLitePath != ":memory:" {
		c.DataPaths.SQLitePath = resolvePath(c.DataPaths.SQLitePath, dataDir, "warden.db")
	}
}

// Relative explicit paths are relative to the working directory, not data_dir
func resolvePath(path, dataDir, name string) string {
	if path == "" {
		return filepath.Join(dataDir, name)
	}
	return filepath.Clean(path)
}

// Validate checks struct tags and the rules tags cannot express
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if c.DataPaths.AlertLogPath == c.DataPaths.CasePath {
		return fmt.Errorf("data_paths.alert_log_path and data_paths.case_path must differ")
	}
	if c.CaseBackend.URL != "" && c.CaseBackend.Username == "" {
		return fmt.Errorf("case_backend.username is required when case_backend.url is set")
	}
	return nil
}

// CaseBackendEnabled reports whether a case tracker is configured
func (c *Config) CaseBackendEnabled() bool {
	return c.CaseBackend.URL != ""
}

// LogSourceEnabled reports whether an audit log source is configured
func (c *Config) LogSourceEnabled() bool {
	return len(c.LogSource.Addresses) > 0
}

// ListenAddr is the HTTP listen address
func (c *Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.API.Port)
}
