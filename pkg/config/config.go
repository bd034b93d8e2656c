package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// GPUEncoder selects the hardware encoder family for video targets
type GPUEncoder string

const (
	GPUAuto  GPUEncoder = "auto"
	GPUNvenc GPUEncoder = "nvenc"
	GPUVaapi GPUEncoder = "vaapi"
	GPUQsv   GPUEncoder = "qsv"
)

// Config holds the full server configuration. Values come from an
// optional YAML file overlaid by environment variables; environment
// always wins.
type Config struct {
	Host string `yaml:"host" validate:"required"`
	Port int    `yaml:"port" validate:"min=1,max=65535"`

	DatabaseURL string `yaml:"database_url" validate:"required"`
	RedisURL    string `yaml:"redis_url" validate:"required"`

	DownloadDir string `yaml:"download_dir" validate:"required"`

	MaxConcurrentDownloads int           `yaml:"max_concurrent_downloads" validate:"min=1,max=10"`
	AutoDeleteAfter        time.Duration `yaml:"auto_delete_after"`
	RateLimitPerMinute     int           `yaml:"rate_limit_per_minute" validate:"min=1"`

	CORSOrigins []string `yaml:"cors_origins"`

	SecretKey           string `yaml:"secret_key"`
	EnableJWTAuth       bool   `yaml:"enable_jwt_auth"`
	APIKeyIssuePassword string `yaml:"api_key_issue_password"`
	JWTAlgorithm        string `yaml:"jwt_algorithm" validate:"oneof=HS256 HS384 HS512"`
	JWTExpirationDays   int    `yaml:"jwt_expiration_days" validate:"min=1"`

	EnableGPUEncoding bool       `yaml:"enable_gpu_encoding"`
	GPUEncoderType    GPUEncoder `yaml:"gpu_encoder_type" validate:"oneof=auto nvenc vaapi qsv"`
	GPUEncoderPreset  string     `yaml:"gpu_encoder_preset" validate:"oneof=fast medium slow"`

	EnableAria2         bool `yaml:"enable_aria2"`
	Aria2MaxConnections int  `yaml:"aria2_max_connections" validate:"min=1,max=16"`
	Aria2Split          int  `yaml:"aria2_split" validate:"min=1,max=16"`

	YtdlpProxy       string `yaml:"ytdlp_proxy"`
	YtdlpCookiesFile string `yaml:"ytdlp_cookies_file"`

	DownloadTimeout  time.Duration `yaml:"download_timeout"`
	TranscodeTimeout time.Duration `yaml:"transcode_timeout"`
	MaxMemoryMB      int           `yaml:"ffmpeg_max_memory_mb" validate:"min=128"`

	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogJSON  bool   `yaml:"log_json"`

	// Features gates each user-facing endpoint; a disabled feature
	// returns 403 without touching the pipeline.
	Features map[string]bool `yaml:"features"`
}

// Feature names recognised by the ENABLE_FEATURE_* switches
var FeatureNames = []string{
	"download", "video_info", "status", "file_download", "cancel",
	"delete", "list_tasks", "thumbnail", "subtitles", "queue_stats",
}

// Default returns a Config with production defaults
func Default() *Config {
	features := make(map[string]bool, len(FeatureNames))
	for _, name := range FeatureNames {
		features[name] = true
	}
	return &Config{
		Host:                   "0.0.0.0",
		Port:                   8000,
		DatabaseURL:            "sqlite://magpie.db",
		RedisURL:               "redis://localhost:6379/0",
		DownloadDir:            "/data/downloads",
		MaxConcurrentDownloads: 3,
		AutoDeleteAfter:        7 * 24 * time.Hour,
		RateLimitPerMinute:     3,
		CORSOrigins:            []string{"*"},
		JWTAlgorithm:           "HS256",
		JWTExpirationDays:      30,
		GPUEncoderType:         GPUAuto,
		GPUEncoderPreset:       "medium",
		Aria2MaxConnections:    4,
		Aria2Split:             4,
		DownloadTimeout:        time.Hour,
		TranscodeTimeout:       4 * time.Hour,
		MaxMemoryMB:            2048,
		LogLevel:               "info",
		LogJSON:                true,
		Features:               features,
	}
}

// Load builds the configuration: defaults, then the YAML file at path
// (skipped when path is empty or missing), then environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays recognised environment variables onto the config
func (c *Config) applyEnv() {
	setStr(&c.Host, "HOST")
	setInt(&c.Port, "PORT")
	setStr(&c.DatabaseURL, "DATABASE_URL")
	setStr(&c.RedisURL, "REDIS_URL")
	setStr(&c.DownloadDir, "DOWNLOAD_DIR")
	setInt(&c.MaxConcurrentDownloads, "MAX_CONCURRENT_DOWNLOADS")
	setSeconds(&c.AutoDeleteAfter, "AUTO_DELETE_AFTER")
	setInt(&c.RateLimitPerMinute, "RATE_LIMIT_PER_MINUTE")

	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		parts := strings.Split(v, ",")
		origins := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				origins = append(origins, p)
			}
		}
		c.CORSOrigins = origins
	}

	setStr(&c.SecretKey, "SECRET_KEY")
	setBool(&c.EnableJWTAuth, "ENABLE_JWT_AUTH")
	setStr(&c.APIKeyIssuePassword, "API_KEY_ISSUE_PASSWORD")
	setStr(&c.JWTAlgorithm, "JWT_ALGORITHM")
	setInt(&c.JWTExpirationDays, "JWT_EXPIRATION_DAYS")

	setBool(&c.EnableGPUEncoding, "ENABLE_GPU_ENCODING")
	if v := os.Getenv("GPU_ENCODER_TYPE"); v != "" {
		c.GPUEncoderType = GPUEncoder(v)
	}
	setStr(&c.GPUEncoderPreset, "GPU_ENCODER_PRESET")

	setBool(&c.EnableAria2, "ENABLE_ARIA2")
	setInt(&c.Aria2MaxConnections, "ARIA2_MAX_CONNECTIONS")
	setInt(&c.Aria2Split, "ARIA2_SPLIT")

	setStr(&c.YtdlpProxy, "YTDLP_PROXY")
	setStr(&c.YtdlpCookiesFile, "YTDLP_COOKIES_FILE")

	setSeconds(&c.DownloadTimeout, "DOWNLOAD_TIMEOUT")
	setSeconds(&c.TranscodeTimeout, "FFMPEG_TIMEOUT")
	setInt(&c.MaxMemoryMB, "FFMPEG_MAX_MEMORY_MB")

	setStr(&c.LogLevel, "LOG_LEVEL")
	setBool(&c.LogJSON, "LOG_JSON")

	for _, name := range FeatureNames {
		envName := "ENABLE_FEATURE_" + strings.ToUpper(name)
		if v := os.Getenv(envName); v != "" {
			c.Features[name] = truthy(v)
		}
	}
}

// Validate checks ranges and cross-field constraints
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.AutoDeleteAfter < 5*time.Minute {
		return fmt.Errorf("invalid configuration: AUTO_DELETE_AFTER must be at least 300 seconds")
	}
	if c.EnableJWTAuth && c.SecretKey == "" {
		return fmt.Errorf("invalid configuration: SECRET_KEY is required when ENABLE_JWT_AUTH is set")
	}
	return nil
}

// ListenAddr returns the host:port listen address
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// FeatureEnabled reports whether a user-facing endpoint is enabled.
// Unknown names default to enabled so new endpoints are not dark until
// every deployment adds a flag.
func (c *Config) FeatureEnabled(name string) bool {
	if v, ok := c.Features[name]; ok {
		return v
	}
	return true
}

// AllowAllOrigins reports whether CORS is wide open
func (c *Config) AllowAllOrigins() bool {
	for _, o := range c.CORSOrigins {
		if o == "*" {
			return true
		}
	}
	return false
}

func setStr(dst *string, key string) {
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
		*dst = truthy(v)
	}
}

func setSeconds(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}

func truthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
