// Package config provides application configuration management.
// Configuration is loaded from an optional YAML file and overridden by
// AUX_* environment variables at startup.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Configuration upper bounds to prevent resource exhaustion.
const (
	maxMaxSessions    = 1000
	maxConnections    = 1000
	maxRateLimitRPM   = 10000
	maxMessageSizeCap = 10 * 1024 * 1024
	minAPIKeyLength   = 16
)

// ServerConfig holds transport and admission settings.
type ServerConfig struct {
	Host                     string        `yaml:"host"`
	Port                     int           `yaml:"port"`
	EnableAuth               bool          `yaml:"enable_auth"`
	APIKey                   string        `yaml:"api_key"`
	RateLimitRPM             int           `yaml:"rate_limit_requests_per_minute"`
	RateLimitCooldown        time.Duration `yaml:"rate_limit_cooldown"`
	MaxConcurrentConnections int           `yaml:"max_concurrent_connections"`
	PingInterval             time.Duration `yaml:"ping_interval"`
	PingTimeout              time.Duration `yaml:"ping_timeout"`
	MaxMessageSize           int64         `yaml:"max_message_size"`
}

// BrowserConfig holds browser launch and session lifecycle settings.
type BrowserConfig struct {
	Headless           bool          `yaml:"headless"`
	BrowserPath        string        `yaml:"browser_path"`
	ViewportWidth      int           `yaml:"viewport_width"`
	ViewportHeight     int           `yaml:"viewport_height"`
	UserAgent          string        `yaml:"user_agent"`
	Timeout            time.Duration `yaml:"timeout"`
	SlowMo             time.Duration `yaml:"slow_mo"`
	IgnoreHTTPSErrors  bool          `yaml:"ignore_https_errors"`
	DisableWebSecurity bool          `yaml:"disable_web_security"`
	NoSandbox          bool          `yaml:"no_sandbox"`
	DisableDevShm      bool          `yaml:"disable_dev_shm"`
	Stealth            bool          `yaml:"stealth"`
	MaxSessions        int           `yaml:"max_sessions"`
	SessionTimeout     time.Duration `yaml:"session_timeout"`
	CleanupInterval    time.Duration `yaml:"cleanup_interval"`
}

// SecurityConfig holds input sanitization and domain policy settings.
type SecurityConfig struct {
	EnableInputSanitization bool     `yaml:"enable_input_sanitization"`
	MaxSelectorLength       int      `yaml:"max_selector_length"`
	MaxTextInputLength      int      `yaml:"max_text_input_length"`
	MaxURLLength            int      `yaml:"max_url_length"`
	AllowCustomJS           bool     `yaml:"allow_custom_js"`
	JSTimeout               time.Duration `yaml:"js_timeout"`
	AllowedDomains          []string `yaml:"allowed_domains"`
	BlockedDomains          []string `yaml:"blocked_domains"`
	DomainPolicyPath        string   `yaml:"domain_policy_path"`
	DomainPolicyWatch       bool     `yaml:"domain_policy_watch"`
}

// LoggingConfig holds operational and session logging settings.
type LoggingConfig struct {
	Level            string `yaml:"level"`
	EnableSessionLog bool   `yaml:"enable_session_log"`
	SessionLogPath   string `yaml:"session_log_path"`
	MaxLogFileSizeMB int    `yaml:"max_log_file_size_mb"`
}

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Browser  BrowserConfig  `yaml:"browser"`
	Security SecurityConfig `yaml:"security"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// Load loads configuration from the optional YAML file named by AUX_CONFIG,
// then overrides with environment variables. Missing values fall back to
// sensible defaults.
func Load() *Config {
	cfg := defaults()

	if path := os.Getenv("AUX_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Failed to load config file, using env/defaults")
		} else {
			log.Info().Str("path", path).Msg("Loaded configuration file")
		}
	}

	cfg.loadEnv()
	return cfg
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			// Default to localhost for security; set AUX_HOST=0.0.0.0 explicitly
			// to bind to all interfaces.
			Host:                     "127.0.0.1",
			Port:                     8080,
			EnableAuth:               true,
			RateLimitRPM:             60,
			RateLimitCooldown:        time.Minute,
			MaxConcurrentConnections: 50,
			PingInterval:             20 * time.Second,
			PingTimeout:              10 * time.Second,
			MaxMessageSize:           1 << 20,
		},
		Browser: BrowserConfig{
			Headless:        true,
			ViewportWidth:   1280,
			ViewportHeight:  720,
			Timeout:         30 * time.Second,
			DisableDevShm:   true,
			MaxSessions:     10,
			SessionTimeout:  time.Hour,
			CleanupInterval: time.Minute,
		},
		Security: SecurityConfig{
			EnableInputSanitization: true,
			MaxSelectorLength:       1000,
			MaxTextInputLength:      10000,
			MaxURLLength:            2048,
			JSTimeout:               5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:            "info",
			EnableSessionLog: true,
			SessionLogPath:   "session.log",
			MaxLogFileSizeMB: 100,
		},
	}
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) loadEnv() {
	// Server
	c.Server.Host = getEnvString("AUX_HOST", c.Server.Host)
	c.Server.Port = getEnvInt("AUX_PORT", c.Server.Port)
	c.Server.EnableAuth = getEnvBool("AUX_ENABLE_AUTH", c.Server.EnableAuth)
	c.Server.APIKey = getEnvString("AUX_API_KEY", c.Server.APIKey)
	c.Server.RateLimitRPM = getEnvInt("AUX_RATE_LIMIT_RPM", c.Server.RateLimitRPM)
	c.Server.RateLimitCooldown = getEnvDuration("AUX_RATE_LIMIT_COOLDOWN", c.Server.RateLimitCooldown)
	c.Server.MaxConcurrentConnections = getEnvInt("AUX_MAX_CONNECTIONS", c.Server.MaxConcurrentConnections)
	c.Server.PingInterval = getEnvDuration("AUX_PING_INTERVAL", c.Server.PingInterval)
	c.Server.PingTimeout = getEnvDuration("AUX_PING_TIMEOUT", c.Server.PingTimeout)
	c.Server.MaxMessageSize = int64(getEnvInt("AUX_MAX_MESSAGE_SIZE", int(c.Server.MaxMessageSize)))

	// Browser
	c.Browser.Headless = getEnvBool("AUX_HEADLESS", c.Browser.Headless)
	c.Browser.BrowserPath = getEnvString("AUX_BROWSER_PATH", c.Browser.BrowserPath)
	c.Browser.ViewportWidth = getEnvInt("AUX_VIEWPORT_WIDTH", c.Browser.ViewportWidth)
	c.Browser.ViewportHeight = getEnvInt("AUX_VIEWPORT_HEIGHT", c.Browser.ViewportHeight)
	c.Browser.UserAgent = getEnvString("AUX_USER_AGENT", c.Browser.UserAgent)
	c.Browser.Timeout = getEnvDuration("AUX_BROWSER_TIMEOUT", c.Browser.Timeout)
	c.Browser.SlowMo = getEnvDuration("AUX_SLOW_MO", c.Browser.SlowMo)
	c.Browser.IgnoreHTTPSErrors = getEnvBool("AUX_IGNORE_HTTPS_ERRORS", c.Browser.IgnoreHTTPSErrors)
	c.Browser.DisableWebSecurity = getEnvBool("AUX_DISABLE_WEB_SECURITY", c.Browser.DisableWebSecurity)
	c.Browser.NoSandbox = getEnvBool("AUX_NO_SANDBOX", c.Browser.NoSandbox)
	c.Browser.DisableDevShm = getEnvBool("AUX_DISABLE_DEV_SHM", c.Browser.DisableDevShm)
	c.Browser.Stealth = getEnvBool("AUX_BROWSER_STEALTH", c.Browser.Stealth)
	c.Browser.MaxSessions = getEnvInt("AUX_MAX_SESSIONS", c.Browser.MaxSessions)
	c.Browser.SessionTimeout = getEnvDuration("AUX_SESSION_TIMEOUT", c.Browser.SessionTimeout)
	c.Browser.CleanupInterval = getEnvDuration("AUX_CLEANUP_INTERVAL", c.Browser.CleanupInterval)

	// Security
	c.Security.EnableInputSanitization = getEnvBool("AUX_ENABLE_SANITIZATION", c.Security.EnableInputSanitization)
	c.Security.MaxSelectorLength = getEnvInt("AUX_MAX_SELECTOR_LENGTH", c.Security.MaxSelectorLength)
	c.Security.MaxTextInputLength = getEnvInt("AUX_MAX_TEXT_LENGTH", c.Security.MaxTextInputLength)
	c.Security.MaxURLLength = getEnvInt("AUX_MAX_URL_LENGTH", c.Security.MaxURLLength)
	c.Security.AllowCustomJS = getEnvBool("AUX_ALLOW_CUSTOM_JS", c.Security.AllowCustomJS)
	c.Security.JSTimeout = getEnvDuration("AUX_JS_TIMEOUT", c.Security.JSTimeout)
	if v := getEnvStringSlice("AUX_ALLOWED_DOMAINS", nil); v != nil {
		c.Security.AllowedDomains = v
	}
	if v := getEnvStringSlice("AUX_BLOCKED_DOMAINS", nil); v != nil {
		c.Security.BlockedDomains = v
	}
	c.Security.DomainPolicyPath = getEnvString("AUX_DOMAIN_POLICY_PATH", c.Security.DomainPolicyPath)
	c.Security.DomainPolicyWatch = getEnvBool("AUX_DOMAIN_POLICY_WATCH", c.Security.DomainPolicyWatch)

	// Logging
	c.Logging.Level = getEnvString("AUX_LOG_LEVEL", c.Logging.Level)
	c.Logging.EnableSessionLog = getEnvBool("AUX_ENABLE_SESSION_LOG", c.Logging.EnableSessionLog)
	c.Logging.SessionLogPath = getEnvString("AUX_SESSION_LOG_PATH", c.Logging.SessionLogPath)
	c.Logging.MaxLogFileSizeMB = getEnvInt("AUX_MAX_LOG_FILE_SIZE_MB", c.Logging.MaxLogFileSizeMB)
}

// Validate checks configuration values and logs warnings for invalid values.
// Invalid values are corrected to sensible defaults rather than failing.
func (c *Config) Validate() {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		log.Warn().Int("port", c.Server.Port).Msg("Invalid port, using default 8080")
		c.Server.Port = 8080
	}

	if c.Server.MaxConcurrentConnections < 1 {
		log.Warn().Int("max", c.Server.MaxConcurrentConnections).Msg("Invalid connection cap, using 50")
		c.Server.MaxConcurrentConnections = 50
	} else if c.Server.MaxConcurrentConnections > maxConnections {
		log.Warn().
			Int("max", c.Server.MaxConcurrentConnections).
			Int("cap", maxConnections).
			Msg("Connection cap too high, capping to maximum")
		c.Server.MaxConcurrentConnections = maxConnections
	}

	if c.Server.RateLimitRPM < 1 {
		log.Warn().Int("rpm", c.Server.RateLimitRPM).Msg("Invalid rate limit, using 60 RPM")
		c.Server.RateLimitRPM = 60
	} else if c.Server.RateLimitRPM > maxRateLimitRPM {
		log.Warn().
			Int("rpm", c.Server.RateLimitRPM).
			Int("max", maxRateLimitRPM).
			Msg("Rate limit too high, capping to maximum")
		c.Server.RateLimitRPM = maxRateLimitRPM
	}
	if c.Server.RateLimitCooldown <= 0 {
		c.Server.RateLimitCooldown = time.Minute
	}

	if c.Server.MaxMessageSize < 1024 {
		log.Warn().Int64("size", c.Server.MaxMessageSize).Msg("Max message size too small, using 1MB")
		c.Server.MaxMessageSize = 1 << 20
	} else if c.Server.MaxMessageSize > maxMessageSizeCap {
		log.Warn().Int64("size", c.Server.MaxMessageSize).Msg("Max message size too large, capping to 10MB")
		c.Server.MaxMessageSize = maxMessageSizeCap
	}

	// BrowserPath validation - prevent path traversal
	if c.Browser.BrowserPath != "" && strings.Contains(c.Browser.BrowserPath, "..") {
		log.Error().
			Str("path", c.Browser.BrowserPath).
			Msg("Browser path contains path traversal sequence (..), ignoring")
		c.Browser.BrowserPath = ""
	}

	if c.Browser.ViewportWidth < 800 || c.Browser.ViewportWidth > 3840 {
		log.Warn().Int("width", c.Browser.ViewportWidth).Msg("Invalid viewport width, using 1280")
		c.Browser.ViewportWidth = 1280
	}
	if c.Browser.ViewportHeight < 600 || c.Browser.ViewportHeight > 2160 {
		log.Warn().Int("height", c.Browser.ViewportHeight).Msg("Invalid viewport height, using 720")
		c.Browser.ViewportHeight = 720
	}

	if c.Browser.Timeout < time.Second {
		log.Warn().Dur("timeout", c.Browser.Timeout).Msg("Browser timeout too short, using 30s")
		c.Browser.Timeout = 30 * time.Second
	}

	if c.Browser.MaxSessions < 1 {
		log.Warn().Int("max", c.Browser.MaxSessions).Msg("Invalid max sessions, using 10")
		c.Browser.MaxSessions = 10
	} else if c.Browser.MaxSessions > maxMaxSessions {
		log.Warn().
			Int("sessions", c.Browser.MaxSessions).
			Int("max", maxMaxSessions).
			Msg("Max sessions too high, capping to maximum")
		c.Browser.MaxSessions = maxMaxSessions
	}

	const minSessionTimeout = 5 * time.Minute
	const maxSessionTimeout = 24 * time.Hour
	if c.Browser.SessionTimeout < minSessionTimeout {
		log.Warn().
			Dur("timeout", c.Browser.SessionTimeout).
			Dur("min", minSessionTimeout).
			Msg("Session timeout too short, using minimum")
		c.Browser.SessionTimeout = minSessionTimeout
	} else if c.Browser.SessionTimeout > maxSessionTimeout {
		log.Warn().
			Dur("timeout", c.Browser.SessionTimeout).
			Dur("max", maxSessionTimeout).
			Msg("Session timeout too long, using maximum")
		c.Browser.SessionTimeout = maxSessionTimeout
	}

	const minCleanupInterval = 10 * time.Second
	const maxCleanupInterval = time.Hour
	if c.Browser.CleanupInterval < minCleanupInterval {
		log.Warn().
			Dur("interval", c.Browser.CleanupInterval).
			Dur("min", minCleanupInterval).
			Msg("Cleanup interval too short, using minimum")
		c.Browser.CleanupInterval = minCleanupInterval
	} else if c.Browser.CleanupInterval > maxCleanupInterval {
		log.Warn().
			Dur("interval", c.Browser.CleanupInterval).
			Dur("max", maxCleanupInterval).
			Msg("Cleanup interval too long, using maximum")
		c.Browser.CleanupInterval = maxCleanupInterval
	}
	if c.Browser.CleanupInterval >= c.Browser.SessionTimeout {
		log.Warn().
			Dur("cleanup_interval", c.Browser.CleanupInterval).
			Dur("session_timeout", c.Browser.SessionTimeout).
			Msg("Cleanup interval should be less than session timeout for timely expiry")
	}

	// Security-degrading browser flags
	if c.Browser.NoSandbox {
		log.Warn().Msg("WARNING: Running browser without sandbox - security risk")
	}
	if c.Browser.DisableWebSecurity {
		log.Warn().Msg("WARNING: Running browser with disabled web security - security risk")
	}
	if c.Browser.IgnoreHTTPSErrors {
		log.Warn().Msg("WARNING: Ignoring HTTPS certificate errors - exposes sessions to MITM")
	}

	if c.Security.MaxSelectorLength < 100 {
		log.Warn().Int("max", c.Security.MaxSelectorLength).Msg("Selector cap too small, using 1000")
		c.Security.MaxSelectorLength = 1000
	}
	if c.Security.MaxTextInputLength < 100 {
		log.Warn().Int("max", c.Security.MaxTextInputLength).Msg("Text cap too small, using 10000")
		c.Security.MaxTextInputLength = 10000
	}
	if c.Security.MaxURLLength < 100 {
		log.Warn().Int("max", c.Security.MaxURLLength).Msg("URL cap too small, using 2048")
		c.Security.MaxURLLength = 2048
	}
	if !c.Security.EnableInputSanitization {
		log.Warn().Msg("Input sanitization disabled - domain policy still applies")
	}
	if c.Security.AllowCustomJS {
		log.Warn().Msg("Custom JavaScript execution enabled")
	}

	// Domain policy path validation - prevent path traversal
	if c.Security.DomainPolicyPath != "" && strings.Contains(c.Security.DomainPolicyPath, "..") {
		log.Error().
			Str("path", c.Security.DomainPolicyPath).
			Msg("Domain policy path contains path traversal sequence (..), ignoring")
		c.Security.DomainPolicyPath = ""
	}
	if c.Security.DomainPolicyWatch && c.Security.DomainPolicyPath == "" {
		log.Warn().Msg("AUX_DOMAIN_POLICY_WATCH enabled but no policy path set - watch disabled")
		c.Security.DomainPolicyWatch = false
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		log.Warn().Str("level", c.Logging.Level).Msg("Invalid log level, using 'info'")
		c.Logging.Level = "info"
	}

	if c.Logging.MaxLogFileSizeMB < 1 {
		log.Warn().Int("mb", c.Logging.MaxLogFileSizeMB).Msg("Invalid log file size, using 100MB")
		c.Logging.MaxLogFileSizeMB = 100
	}

	// API key validation with minimum length enforcement
	if c.Server.EnableAuth {
		switch {
		case c.Server.APIKey == "":
			log.Warn().Msg("Authentication enabled but no API key set - authentication disabled")
			c.Server.EnableAuth = false
		case len(c.Server.APIKey) < minAPIKeyLength:
			log.Error().
				Int("length", len(c.Server.APIKey)).
				Int("min_required", minAPIKeyLength).
				Msg("API key is too short for secure authentication - consider using a longer key")
		}
	} else {
		log.Warn().Msg("Authentication disabled - server is open to all connections")
	}
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intValue, err := strconv.ParseInt(value, 10, 32)
		if err == nil {
			return int(intValue)
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Bool("default", defaultValue).
			Msg("Invalid boolean in environment variable, using default")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil {
			if duration > 0 {
				return duration
			}
			log.Warn().
				Str("key", key).
				Str("value", value).
				Dur("default", defaultValue).
				Msg("Duration must be positive, using default")
			return defaultValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Dur("default", defaultValue).
			Msg("Invalid duration in environment variable, using default")
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
