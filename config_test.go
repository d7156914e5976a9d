package gridcredit_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gc "github.com/ineyio/gridcredit"
)

func validConfig() gc.Config {
	cfg := gc.DefaultConfig()
	cfg.GeminiAPIKeys = []string{"k1"}
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := gc.DefaultConfig()
	assert.Equal(t, gc.PaymentFree, cfg.PaymentMode)
	assert.Equal(t, 3, cfg.FreeQuotaPerDay)
	assert.Equal(t, 10, cfg.IPDeviceLimit)
	assert.Equal(t, "memory", cfg.StoreBackend)
	assert.Equal(t, gc.DefaultModels, cfg.GeminiModels)
	assert.False(t, cfg.Production())

	require.Error(t, cfg.Validate(), "no api key")
	require.NoError(t, validConfig().Validate())
}

func TestLoadConfig_YAMLAndEnv(t *testing.T) {
	t.Setenv("TEST_GRIDCREDIT_KEYS", "yaml-key-1")
	t.Setenv("PAYMENT_MODE", "paid")
	t.Setenv("GROUP_PACING", "2s")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
env: production
free_quota_per_day: 5
gemini_api_keys:
  - ${TEST_GRIDCREDIT_KEYS}
  - " "
  - yaml-key-2
gemini_models: [model-a]
group_pacing: 1s
rate_limit_routes:
  /api/generate-batch: 3
`), 0o600))

	cfg, err := gc.LoadConfig(path)
	require.NoError(t, err)

	assert.True(t, cfg.Production())
	assert.Equal(t, gc.PaymentPaid, cfg.PaymentMode, "environment wins over file")
	assert.Equal(t, 5, cfg.FreeQuotaPerDay)
	assert.Equal(t, 2*time.Second, cfg.GroupPacing)
	assert.Equal(t, []string{"model-a"}, cfg.GeminiModels)
	assert.Equal(t, 3, cfg.RateLimitRoutes["/api/generate-batch"])
	assert.Equal(t, []gc.Credential{
		{ID: "key-1", APIKey: "yaml-key-1"},
		{ID: "key-2", APIKey: "yaml-key-2"},
	}, cfg.Credentials())
}

func TestLoadConfig_EnvOnly(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "a,b,c")
	t.Setenv("STORE_BACKEND", "redis")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := gc.LoadConfig("")
	require.NoError(t, err)
	assert.Len(t, cfg.Credentials(), 3)
	assert.Equal(t, "redis", cfg.StoreBackend)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := gc.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*gc.Config)
	}{
		{"payment mode", func(c *gc.Config) { c.PaymentMode = "crypto" }},
		{"free quota", func(c *gc.Config) { c.FreeQuotaPerDay = 0 }},
		{"device limit", func(c *gc.Config) { c.IPDeviceLimit = -1 }},
		{"store backend", func(c *gc.Config) { c.StoreBackend = "mongo" }},
		{"redis url", func(c *gc.Config) { c.StoreBackend = "redis" }},
		{"database url", func(c *gc.Config) { c.StoreBackend = "postgres" }},
		{"blank keys", func(c *gc.Config) { c.GeminiAPIKeys = []string{" "} }},
		{"models", func(c *gc.Config) { c.GeminiModels = nil }},
		{"retries", func(c *gc.Config) { c.SynthesisRetries = -1 }},
		{"durations", func(c *gc.Config) { c.GroupTimeout = -time.Second }},
		{"rate limit", func(c *gc.Config) { c.RateLimitMax = 0 }},
		{"route prefix", func(c *gc.Config) { c.RateLimitRoutes = map[string]int{"api/x": 1} }},
		{"route limit", func(c *gc.Config) { c.RateLimitRoutes = map[string]int{"/api/x": 0} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfig_RateRulesShareWindow(t *testing.T) {
	cfg := validConfig()
	cfg.RateLimitWindow = 5 * time.Minute
	cfg.RateLimitMax = 30
	cfg.RateLimitRoutes = map[string]int{"/api/generate-batch": 4, "/api/payment/create": 2}

	assert.Equal(t, gc.RateRule{Window: 5 * time.Minute, Max: 30}, cfg.RateRule())
	assert.Equal(t, map[string]gc.RateRule{
		"/api/generate-batch": {Window: 5 * time.Minute, Max: 4},
		"/api/payment/create": {Window: 5 * time.Minute, Max: 2},
	}, cfg.RouteRules())
}
