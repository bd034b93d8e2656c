package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 8000, cfg.Port)
	assert.Equal(t, 3, cfg.MaxConcurrentDownloads)
	assert.Equal(t, 7*24*time.Hour, cfg.AutoDeleteAfter)
	assert.Equal(t, 3, cfg.RateLimitPerMinute)
	assert.Equal(t, "HS256", cfg.JWTAlgorithm)
	assert.Equal(t, GPUAuto, cfg.GPUEncoderType)
	assert.Equal(t, time.Hour, cfg.DownloadTimeout)
	assert.Equal(t, 4*time.Hour, cfg.TranscodeTimeout)
	assert.NoError(t, cfg.Validate())
}

func TestDefaultFeaturesEnabled(t *testing.T) {
	cfg := Default()

	for _, name := range FeatureNames {
		assert.True(t, cfg.FeatureEnabled(name), "feature %s should default on", name)
	}
	assert.True(t, cfg.FeatureEnabled("not-a-feature"))
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "magpie.yaml")
	content := `
port: 9000
download_dir: /tmp/media
max_concurrent_downloads: 5
log_level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "/tmp/media", cfg.DownloadDir)
	assert.Equal(t, 5, cfg.MaxConcurrentDownloads)
	assert.Equal(t, "debug", cfg.LogLevel)
	// Untouched fields keep defaults
	assert.Equal(t, "0.0.0.0", cfg.Host)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8000, cfg.Port)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "magpie.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9000\n"), 0o644))

	t.Setenv("PORT", "9100")
	t.Setenv("MAX_CONCURRENT_DOWNLOADS", "8")
	t.Setenv("RATE_LIMIT_PER_MINUTE", "10")
	t.Setenv("AUTO_DELETE_AFTER", "3600")
	t.Setenv("ENABLE_ARIA2", "true")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, 8, cfg.MaxConcurrentDownloads)
	assert.Equal(t, 10, cfg.RateLimitPerMinute)
	assert.Equal(t, time.Hour, cfg.AutoDeleteAfter)
	assert.True(t, cfg.EnableAria2)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.False(t, cfg.AllowAllOrigins())
}

func TestFeatureFlagsFromEnv(t *testing.T) {
	t.Setenv("ENABLE_FEATURE_THUMBNAIL", "false")
	t.Setenv("ENABLE_FEATURE_DOWNLOAD", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.False(t, cfg.FeatureEnabled("thumbnail"))
	assert.True(t, cfg.FeatureEnabled("download"))
	assert.True(t, cfg.FeatureEnabled("cancel"))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "defaults pass",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "concurrency above cap",
			mutate:  func(c *Config) { c.MaxConcurrentDownloads = 11 },
			wantErr: true,
		},
		{
			name:    "concurrency below floor",
			mutate:  func(c *Config) { c.MaxConcurrentDownloads = 0 },
			wantErr: true,
		},
		{
			name:    "retention below minimum",
			mutate:  func(c *Config) { c.AutoDeleteAfter = time.Minute },
			wantErr: true,
		},
		{
			name:    "jwt without secret",
			mutate:  func(c *Config) { c.EnableJWTAuth = true },
			wantErr: true,
		},
		{
			name: "jwt with secret",
			mutate: func(c *Config) {
				c.EnableJWTAuth = true
				c.SecretKey = "s3cret"
			},
			wantErr: false,
		},
		{
			name:    "bad gpu encoder",
			mutate:  func(c *Config) { c.GPUEncoderType = "cuda" },
			wantErr: true,
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.LogLevel = "verbose" },
			wantErr: true,
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Port = 70000 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestListenAddr(t *testing.T) {
	cfg := Default()
	cfg.Host = "127.0.0.1"
	cfg.Port = 8080
	assert.Equal(t, "127.0.0.1:8080", cfg.ListenAddr())
}
