package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Dashboard   DashboardConfig   `mapstructure:"dashboard"`
	Upstream    UpstreamConfig    `mapstructure:"upstream"`
	Writer      WriterConfig      `mapstructure:"writer"`
	Worker      WorkerConfig      `mapstructure:"worker"`
}

type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	Host         string `mapstructure:"host"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type CredentialsConfig struct {
	Dir string `mapstructure:"dir"`
}

type DashboardConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// UpstreamConfig points at the Anthropic API and the OAuth token endpoint.
type UpstreamConfig struct {
	APIURL          string        `mapstructure:"api_url"`
	TokenURL        string        `mapstructure:"token_url"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	DefaultVersion  string        `mapstructure:"default_version"`
	OAuthBetaHeader string        `mapstructure:"oauth_beta_header"`
}

// WriterConfig sizes the async storage writer.
type WriterConfig struct {
	QueueSize int `mapstructure:"queue_size"`
	Workers   int `mapstructure:"workers"`
}

// WorkerConfig drives the background analysis worker.
type WorkerConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	AutoAnalyze       bool          `mapstructure:"auto_analyze"`
	GeminiAPIKey      string        `mapstructure:"gemini_api_key"`
	GeminiModel       string        `mapstructure:"gemini_model"`
	GeminiURL         string        `mapstructure:"gemini_url"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	MaxConcurrentJobs int           `mapstructure:"max_concurrent_jobs"`
	JobTimeout        time.Duration `mapstructure:"job_timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	Prompt            PromptConfig  `mapstructure:"prompt"`
}

// PromptConfig bounds how much transcript is fed to the analysis model.
type PromptConfig struct {
	MaxTokens        int `mapstructure:"max_tokens"`
	HeadMessages     int `mapstructure:"head_messages"`
	TailMessages     int `mapstructure:"tail_messages"`
	MaxMessageTokens int `mapstructure:"max_message_tokens"`
	FirstTokens      int `mapstructure:"first_tokens"`
	LastTokens       int `mapstructure:"last_tokens"`
}

var cfg *Config

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Set defaults - Server
	viper.SetDefault("server.port", 3000)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.read_timeout", 30)
	viper.SetDefault("server.write_timeout", 600)

	// Set defaults - Credentials
	viper.SetDefault("credentials.dir", "./credentials")

	// Set defaults - Upstream
	viper.SetDefault("upstream.api_url", "https://api.anthropic.com")
	viper.SetDefault("upstream.token_url", "https://console.anthropic.com/v1/oauth/token")
	viper.SetDefault("upstream.request_timeout", "5m")
	viper.SetDefault("upstream.default_version", "2023-06-01")
	viper.SetDefault("upstream.oauth_beta_header", "oauth-2025-04-20")

	// Set defaults - Writer
	viper.SetDefault("writer.queue_size", 1000)
	viper.SetDefault("writer.workers", 4)

	// Set defaults - Worker
	viper.SetDefault("worker.enabled", false)
	viper.SetDefault("worker.auto_analyze", false)
	viper.SetDefault("worker.gemini_model", "gemini-2.0-flash")
	viper.SetDefault("worker.gemini_url", "https://generativelanguage.googleapis.com")
	viper.SetDefault("worker.poll_interval", "5s")
	viper.SetDefault("worker.max_concurrent_jobs", 3)
	viper.SetDefault("worker.job_timeout", "5m")
	viper.SetDefault("worker.max_retries", 3)
	viper.SetDefault("worker.prompt.max_tokens", 855000)
	viper.SetDefault("worker.prompt.head_messages", 10)
	viper.SetDefault("worker.prompt.tail_messages", 30)
	viper.SetDefault("worker.prompt.max_message_tokens", 8192)
	viper.SetDefault("worker.prompt.first_tokens", 1000)
	viper.SetDefault("worker.prompt.last_tokens", 1000)

	// Environment variable support
	viper.SetEnvPrefix("NEXUS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Well-known env names used by deployments, bound alongside the
	// NEXUS_* scheme.
	viper.BindEnv("database.url", "DATABASE_URL")
	viper.BindEnv("credentials.dir", "CREDENTIALS_DIR")
	viper.BindEnv("dashboard.api_key", "DASHBOARD_API_KEY")
	viper.BindEnv("worker.enabled", "AI_WORKER_ENABLED")
	viper.BindEnv("worker.auto_analyze", "AI_ANALYSIS_AUTO_CREATE")
	viper.BindEnv("worker.gemini_api_key", "GEMINI_API_KEY")
	viper.BindEnv("worker.gemini_model", "GEMINI_MODEL_NAME")
	viper.BindEnv("worker.poll_interval_ms", "AI_WORKER_POLL_INTERVAL_MS")
	viper.BindEnv("worker.max_concurrent_jobs", "AI_WORKER_MAX_CONCURRENT_JOBS")
	viper.BindEnv("worker.job_timeout_minutes", "AI_WORKER_JOB_TIMEOUT_MINUTES")
	viper.BindEnv("worker.max_retries", "AI_ANALYSIS_MAX_RETRIES")

	// Read config file if exists
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// Config file not found, use defaults and env vars
	}

	cfg = &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	parseDurations(cfg)

	return cfg, nil
}

// parseDurations parses duration strings from viper, plus the numeric
// worker knobs expressed in milliseconds and minutes.
func parseDurations(cfg *Config) {
	if s := viper.GetString("upstream.request_timeout"); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			cfg.Upstream.RequestTimeout = d
		}
	}
	if s := viper.GetString("worker.poll_interval"); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			cfg.Worker.PollInterval = d
		}
	}
	if s := viper.GetString("worker.job_timeout"); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			cfg.Worker.JobTimeout = d
		}
	}
	if ms := viper.GetInt("worker.poll_interval_ms"); ms > 0 {
		cfg.Worker.PollInterval = time.Duration(ms) * time.Millisecond
	}
	if m := viper.GetInt("worker.job_timeout_minutes"); m > 0 {
		cfg.Worker.JobTimeout = time.Duration(m) * time.Minute
	}
}

// Get returns the loaded configuration
func Get() *Config {
	return cfg
}
