// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Server() ServerConfig
	Browser() BrowserConfig
	LLM() LLMConfig
	Agent() AgentConfig
	Captcha() CaptchaConfig
	Artifact() ArtifactConfig
	Database() DatabaseConfig
	Metrics() MetricsConfig

	// Browser Setters
	SetBrowserHeadless(bool)
	SetBrowserHumanoidEnabled(bool)

	// Agent Setters
	SetAgentMaxSteps(int)
}

// Config holds the entire application configuration. Sections are exported
// so viper can unmarshal into them; callers go through the getters.
type Config struct {
	LoggerCfg   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	ServerCfg   ServerConfig   `mapstructure:"server" yaml:"server"`
	BrowserCfg  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	LLMCfg      LLMConfig      `mapstructure:"llm" yaml:"llm"`
	AgentCfg    AgentConfig    `mapstructure:"agent" yaml:"agent"`
	CaptchaCfg  CaptchaConfig  `mapstructure:"captcha" yaml:"captcha"`
	ArtifactCfg ArtifactConfig `mapstructure:"artifact" yaml:"artifact"`
	DatabaseCfg DatabaseConfig `mapstructure:"database" yaml:"database"`
	MetricsCfg  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig     { return c.LoggerCfg }
func (c *Config) Server() ServerConfig     { return c.ServerCfg }
func (c *Config) Browser() BrowserConfig   { return c.BrowserCfg }
func (c *Config) LLM() LLMConfig           { return c.LLMCfg }
func (c *Config) Agent() AgentConfig       { return c.AgentCfg }
func (c *Config) Captcha() CaptchaConfig   { return c.CaptchaCfg }
func (c *Config) Artifact() ArtifactConfig { return c.ArtifactCfg }
func (c *Config) Database() DatabaseConfig { return c.DatabaseCfg }
func (c *Config) Metrics() MetricsConfig   { return c.MetricsCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetBrowserHeadless(b bool)        { c.BrowserCfg.Headless = b }
func (c *Config) SetBrowserHumanoidEnabled(b bool) { c.BrowserCfg.Humanoid.Enabled = b }
func (c *Config) SetAgentMaxSteps(n int)           { c.AgentCfg.MaxSteps = n }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// ServerConfig configures the inbound HTTP API.
type ServerConfig struct {
	Addr              string `mapstructure:"addr" yaml:"addr"`
	MaxConcurrentRuns int    `mapstructure:"max_concurrent_runs" yaml:"max_concurrent_runs"`
	// RunTimeout bounds a whole run, queueing excluded.
	RunTimeout      time.Duration `mapstructure:"run_timeout" yaml:"run_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins" yaml:"cors_origins"`
}

// BrowserConfig holds settings for the per-run browser instance.
type BrowserConfig struct {
	Headless bool   `mapstructure:"headless" yaml:"headless"`
	ExecPath string `mapstructure:"exec_path" yaml:"exec_path"`
	// Args are extra Chrome switches, "--name=value" or "--name".
	Args              []string       `mapstructure:"args" yaml:"args"`
	Viewport          map[string]int `mapstructure:"viewport" yaml:"viewport"`
	UserAgent         string         `mapstructure:"user_agent" yaml:"user_agent"`
	Locale            string         `mapstructure:"locale" yaml:"locale"`
	Timezone          string         `mapstructure:"timezone" yaml:"timezone"`
	Latitude          float64        `mapstructure:"latitude" yaml:"latitude"`
	Longitude         float64        `mapstructure:"longitude" yaml:"longitude"`
	NavigationTimeout time.Duration  `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	// PostLoadWait is the pause after the load event before a screenshot.
	PostLoadWait time.Duration  `mapstructure:"post_load_wait" yaml:"post_load_wait"`
	Debug        bool           `mapstructure:"debug" yaml:"debug"`
	Humanoid     HumanoidConfig `mapstructure:"humanoid" yaml:"humanoid"`
}

// ViewportSize returns the configured viewport, defaulting to 1920x1080.
func (b BrowserConfig) ViewportSize() (int, int) {
	w, h := b.Viewport["width"], b.Viewport["height"]
	if w <= 0 {
		w = 1920
	}
	if h <= 0 {
		h = 1080
	}
	return w, h
}

// LLMProvider defines the type for supported LLM providers.
type LLMProvider string

const (
	ProviderGemini LLMProvider = "gemini"
)

// LLMConfig defines the vision model used for every decision and verification.
type LLMConfig struct {
	Provider    LLMProvider   `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"-"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	// RequestsPerSecond is shared by all runs; zero means unlimited.
	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	MaxRetryElapsed   time.Duration `mapstructure:"max_retry_elapsed" yaml:"max_retry_elapsed"`
	// ThinkingBudget caps reasoning tokens; negative leaves the model default.
	ThinkingBudget int `mapstructure:"thinking_budget" yaml:"thinking_budget"`
}

// AgentConfig holds the step loop thresholds.
type AgentConfig struct {
	MaxSteps int `mapstructure:"max_steps" yaml:"max_steps"`
	// RepeatThreshold is how often one action signature may appear before
	// the run is declared stuck.
	RepeatThreshold int `mapstructure:"repeat_threshold" yaml:"repeat_threshold"`
	// FailureBudget is the number of failed steps tolerated per run.
	FailureBudget int `mapstructure:"failure_budget" yaml:"failure_budget"`
	// BlockerCadence runs blocker detection every Nth step.
	BlockerCadence int `mapstructure:"blocker_cadence" yaml:"blocker_cadence"`
	// A done before this step gets an extra YES/NO check.
	EarlyVerifySteps   int `mapstructure:"early_verify_steps" yaml:"early_verify_steps"`
	PrematureDoneLimit int `mapstructure:"premature_done_limit" yaml:"premature_done_limit"`
	// MaxStepRetries caps re-runs of one step number before it is skipped.
	MaxStepRetries  int           `mapstructure:"max_step_retries" yaml:"max_step_retries"`
	RetryDelay      time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	SettleDelay     time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	ClickTimeout    time.Duration `mapstructure:"click_timeout" yaml:"click_timeout"`
	ActionAttempts  int           `mapstructure:"action_attempts" yaml:"action_attempts"`
	DefaultStartURL string        `mapstructure:"default_start_url" yaml:"default_start_url"`
}

// CaptchaConfig configures the CAPTCHA resolution ladder.
type CaptchaConfig struct {
	APIKey       string        `mapstructure:"api_key" yaml:"-"`
	Endpoint     string        `mapstructure:"endpoint" yaml:"endpoint"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	SolveTimeout time.Duration `mapstructure:"solve_timeout" yaml:"solve_timeout"`
	// VisionGrid lets the model pick image-grid tiles.
	VisionGrid    bool          `mapstructure:"vision_grid" yaml:"vision_grid"`
	MaxGridRounds int           `mapstructure:"max_grid_rounds" yaml:"max_grid_rounds"`
	ChallengeWait time.Duration `mapstructure:"challenge_wait" yaml:"challenge_wait"`
}

// Configured reports whether a paid solver can be used.
func (c CaptchaConfig) Configured() bool { return c.APIKey != "" }

// ArtifactConfig configures frame storage, encoding and publication.
type ArtifactConfig struct {
	ScansDir   string `mapstructure:"scans_dir" yaml:"scans_dir"`
	FFmpegPath string `mapstructure:"ffmpeg_path" yaml:"ffmpeg_path"`
	// Framerate is in frames per second; 0.5 shows each step for two seconds.
	Framerate  float64 `mapstructure:"framerate" yaml:"framerate"`
	Width      int     `mapstructure:"width" yaml:"width"`
	Height     int     `mapstructure:"height" yaml:"height"`
	KeepFrames bool    `mapstructure:"keep_frames" yaml:"keep_frames"`
	// PublicURL prefixes locally served video links.
	PublicURL  string           `mapstructure:"public_url" yaml:"public_url"`
	Cloudinary CloudinaryConfig `mapstructure:"cloudinary" yaml:"cloudinary"`
}

// CloudinaryConfig holds the credentials for the video host.
type CloudinaryConfig struct {
	CloudName string `mapstructure:"cloud_name" yaml:"cloud_name"`
	APIKey    string `mapstructure:"api_key" yaml:"-"`
	APISecret string `mapstructure:"api_secret" yaml:"-"`
	Folder    string `mapstructure:"folder" yaml:"folder"`
}

// Configured reports whether uploads to the video host are possible.
func (c CloudinaryConfig) Configured() bool {
	return c.CloudName != "" && c.APIKey != "" && c.APISecret != ""
}

// DatabaseConfig holds the database connection details.
type DatabaseConfig struct {
	// URL is a PostgreSQL DSN; empty disables run history.
	URL string `mapstructure:"url" yaml:"url"`
}

// MetricsConfig toggles the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "webpilot")
	v.SetDefault("logger.log_file", "webpilot.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Server --
	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.max_concurrent_runs", 2)
	v.SetDefault("server.run_timeout", "15m")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.cors_origins", []string{"*"})

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.viewport", map[string]int{"width": 1920, "height": 1080})
	v.SetDefault("browser.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
	v.SetDefault("browser.locale", "en-US")
	v.SetDefault("browser.timezone", "America/New_York")
	v.SetDefault("browser.latitude", 40.7128)
	v.SetDefault("browser.longitude", -74.0060)
	v.SetDefault("browser.navigation_timeout", "60s")
	v.SetDefault("browser.post_load_wait", "3s")
	v.SetDefault("browser.debug", false)
	setHumanoidDefaults(v)

	// -- LLM --
	v.SetDefault("llm.provider", string(ProviderGemini))
	v.SetDefault("llm.model", "gemini-2.5-flash")
	v.SetDefault("llm.api_timeout", "60s")
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.requests_per_second", 2.0)
	v.SetDefault("llm.max_retry_elapsed", "45s")
	v.SetDefault("llm.thinking_budget", 0)

	// -- Agent --
	v.SetDefault("agent.max_steps", 50)
	v.SetDefault("agent.repeat_threshold", 7)
	v.SetDefault("agent.failure_budget", 8)
	v.SetDefault("agent.blocker_cadence", 3)
	v.SetDefault("agent.early_verify_steps", 4)
	v.SetDefault("agent.premature_done_limit", 3)
	v.SetDefault("agent.max_step_retries", 3)
	v.SetDefault("agent.retry_delay", "2s")
	v.SetDefault("agent.settle_delay", "2s")
	v.SetDefault("agent.click_timeout", "5s")
	v.SetDefault("agent.action_attempts", 3)
	v.SetDefault("agent.default_start_url", "https://search.brave.com")

	// -- Captcha --
	v.SetDefault("captcha.endpoint", "https://api.capsolver.com")
	v.SetDefault("captcha.poll_interval", "2s")
	v.SetDefault("captcha.solve_timeout", "120s")
	v.SetDefault("captcha.vision_grid", true)
	v.SetDefault("captcha.max_grid_rounds", 2)
	v.SetDefault("captcha.challenge_wait", "4s")

	// -- Artifact --
	v.SetDefault("artifact.scans_dir", "scans")
	v.SetDefault("artifact.ffmpeg_path", "ffmpeg")
	v.SetDefault("artifact.framerate", 0.5)
	v.SetDefault("artifact.width", 1920)
	v.SetDefault("artifact.height", 1080)
	v.SetDefault("artifact.keep_frames", false)
	v.SetDefault("artifact.public_url", "http://localhost:8000")
	v.SetDefault("artifact.cloudinary.folder", "agent_runs")

	// -- Metrics --
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// NewConfigFromViper unmarshals and validates the configuration held by v.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data under their conventional names too.
	_ = v.BindEnv("llm.api_key", "WEBPILOT_LLM_API_KEY", "GEMINI_API_KEY")
	_ = v.BindEnv("captcha.api_key", "WEBPILOT_CAPTCHA_API_KEY", "CAPSOLVER_API_KEY")
	_ = v.BindEnv("artifact.cloudinary.cloud_name", "WEBPILOT_ARTIFACT_CLOUDINARY_CLOUD_NAME", "CLOUDINARY_CLOUD_NAME")
	_ = v.BindEnv("artifact.cloudinary.api_key", "WEBPILOT_ARTIFACT_CLOUDINARY_API_KEY", "CLOUDINARY_API_KEY")
	_ = v.BindEnv("artifact.cloudinary.api_secret", "WEBPILOT_ARTIFACT_CLOUDINARY_API_SECRET", "CLOUDINARY_API_SECRET")
	_ = v.BindEnv("database.url", "WEBPILOT_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// expandPaths resolves a leading ~ in filesystem settings.
func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.ArtifactCfg.ScansDir, &c.ArtifactCfg.FFmpegPath, &c.BrowserCfg.ExecPath, &c.LoggerCfg.LogFile} {
		if *p == "" || !strings.HasPrefix(*p, "~") {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	// -- LLM --
	if c.LLMCfg.Provider != ProviderGemini {
		return fmt.Errorf("llm.provider %q is not supported", c.LLMCfg.Provider)
	}
	if c.LLMCfg.Model == "" {
		return fmt.Errorf("llm.model is a required configuration field")
	}
	// -- Server --
	if c.ServerCfg.MaxConcurrentRuns <= 0 {
		return fmt.Errorf("server.max_concurrent_runs must be a positive integer")
	}
	// -- Agent --
	if err := c.AgentCfg.Validate(); err != nil {
		return fmt.Errorf("agent configuration invalid: %w", err)
	}
	// -- Captcha --
	// A solve must allow at least one poll.
	if c.CaptchaCfg.PollInterval <= 0 || c.CaptchaCfg.SolveTimeout < c.CaptchaCfg.PollInterval {
		return fmt.Errorf("captcha.solve_timeout must be at least one captcha.poll_interval")
	}
	// -- Artifact --
	if c.ArtifactCfg.Framerate <= 0 {
		return fmt.Errorf("artifact.framerate must be positive")
	}
	if c.ArtifactCfg.ScansDir == "" {
		return fmt.Errorf("artifact.scans_dir is a required configuration field")
	}
	return nil
}

// Validate checks the step loop thresholds.
func (a *AgentConfig) Validate() error {
	if a.MaxSteps <= 0 {
		return fmt.Errorf("max_steps must be a positive integer")
	}
	if a.RepeatThreshold <= 0 || a.FailureBudget <= 0 {
		return fmt.Errorf("repeat_threshold and failure_budget must be positive integers")
	}
	if a.BlockerCadence <= 0 {
		return fmt.Errorf("blocker_cadence must be a positive integer")
	}
	// Zero retries is allowed: blockers then never re-run a step.
	if a.PrematureDoneLimit <= 0 || a.MaxStepRetries < 0 {
		return fmt.Errorf("premature_done_limit must be positive and max_step_retries non-negative")
	}
	if a.ActionAttempts <= 0 {
		return fmt.Errorf("action_attempts must be a positive integer")
	}
	return nil
}
