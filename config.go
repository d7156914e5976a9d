package gridcredit

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// PaymentMode selects which allowance generation endpoints draw on.
type PaymentMode string

const (
	PaymentFree PaymentMode = "free"
	PaymentPaid PaymentMode = "paid"
)

// Config is the service configuration. Every field can come from YAML or the
// environment; environment variables win.
type Config struct {
	Env      string `yaml:"env" envconfig:"APP_ENV"`
	Port     string `yaml:"port" envconfig:"PORT"`
	LogLevel string `yaml:"log_level" envconfig:"LOG_LEVEL"`

	PaymentMode     PaymentMode `yaml:"payment_mode" envconfig:"PAYMENT_MODE"`
	FreeQuotaPerDay int         `yaml:"free_quota_per_day" envconfig:"FREE_QUOTA_PER_DAY"`
	VIPWhitelist    string      `yaml:"vip_whitelist" envconfig:"VIP_WHITELIST"`
	IPDeviceLimit   int         `yaml:"ip_device_limit" envconfig:"IP_DEVICE_LIMIT"`

	StoreBackend   string `yaml:"store_backend" envconfig:"STORE_BACKEND"`
	RedisURL       string `yaml:"redis_url" envconfig:"REDIS_URL"`
	DatabaseURL    string `yaml:"database_url" envconfig:"DATABASE_URL"`
	StoreKeyPrefix string `yaml:"store_key_prefix" envconfig:"STORE_KEY_PREFIX"`

	GeminiAPIKeys       []string      `yaml:"gemini_api_keys" envconfig:"GEMINI_API_KEY"`
	GeminiModels        []string      `yaml:"gemini_models" envconfig:"GEMINI_MODELS"`
	GeminiBaseURL       string        `yaml:"gemini_base_url" envconfig:"GEMINI_BASE_URL"`
	SynthesisRetries    int           `yaml:"synthesis_retries" envconfig:"SYNTHESIS_RETRIES"`
	SynthesisRetryDelay time.Duration `yaml:"synthesis_retry_delay" envconfig:"SYNTHESIS_RETRY_DELAY"`
	GroupPacing         time.Duration `yaml:"group_pacing" envconfig:"GROUP_PACING"`
	GroupTimeout        time.Duration `yaml:"group_timeout" envconfig:"GROUP_TIMEOUT"`

	// RateLimitWindow is shared by the general rule and every route rule;
	// RateLimitRoutes only sets each route's maximum.
	RateLimitWindow time.Duration  `yaml:"rate_limit_window" envconfig:"RATE_LIMIT_WINDOW"`
	RateLimitMax    int            `yaml:"rate_limit_max" envconfig:"RATE_LIMIT_MAX"`
	RateLimitRoutes map[string]int `yaml:"rate_limit_routes" envconfig:"RATE_LIMIT_ROUTES"`
	RateLimitShared bool           `yaml:"rate_limit_shared" envconfig:"RATE_LIMIT_SHARED"`

	AllowedOrigins string   `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	TrustedProxies []string `yaml:"trusted_proxies" envconfig:"TRUSTED_PROXIES"`
}

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() Config {
	return Config{
		Env:                 "development",
		Port:                "8080",
		LogLevel:            "info",
		PaymentMode:         PaymentFree,
		FreeQuotaPerDay:     DefaultFreeLimit,
		IPDeviceLimit:       DefaultDeviceLimit,
		StoreBackend:        "memory",
		StoreKeyPrefix:      "gridcredit:",
		GeminiModels:        append([]string(nil), DefaultModels...),
		SynthesisRetries:    defaultPoolRetries,
		SynthesisRetryDelay: defaultPoolBaseDelay,
		GroupPacing:         DefaultGroupPacing,
		GroupTimeout:        DefaultGroupTimeout,
		RateLimitWindow:     time.Minute,
		RateLimitMax:        60,
		RateLimitRoutes: map[string]int{
			"/api/generate-batch":        10,
			"/api/generate-sticker-grid": 10,
			"/api/payment/create":        5,
		},
		AllowedOrigins: "*",
	}
}

// LoadConfig builds the configuration from defaults, an optional YAML file and
// the environment. Environment variables in the format ${VAR} are expanded in
// the file before parsing.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("gridcredit: read config: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return Config{}, fmt.Errorf("gridcredit: parse config: %w", err)
		}
	}

	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("gridcredit: read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	switch c.PaymentMode {
	case PaymentFree, PaymentPaid:
	default:
		return fmt.Errorf("gridcredit: config: invalid payment_mode %q", c.PaymentMode)
	}
	if c.FreeQuotaPerDay <= 0 {
		return fmt.Errorf("gridcredit: config: free_quota_per_day must be positive")
	}
	if c.IPDeviceLimit <= 0 {
		return fmt.Errorf("gridcredit: config: ip_device_limit must be positive")
	}

	switch c.StoreBackend {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("gridcredit: config: redis_url is required for the redis store")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("gridcredit: config: database_url is required for the postgres store")
		}
	default:
		return fmt.Errorf("gridcredit: config: invalid store_backend %q", c.StoreBackend)
	}

	if len(c.Credentials()) == 0 {
		return fmt.Errorf("gridcredit: config: at least one gemini api key is required")
	}
	if len(c.GeminiModels) == 0 {
		return fmt.Errorf("gridcredit: config: at least one gemini model is required")
	}
	if c.SynthesisRetries < 0 {
		return fmt.Errorf("gridcredit: config: synthesis_retries must not be negative")
	}
	if c.SynthesisRetryDelay < 0 || c.GroupPacing < 0 || c.GroupTimeout < 0 {
		return fmt.Errorf("gridcredit: config: durations must not be negative")
	}

	if c.RateLimitWindow <= 0 || c.RateLimitMax <= 0 {
		return fmt.Errorf("gridcredit: config: rate_limit_window and rate_limit_max must be positive")
	}
	for route, limit := range c.RateLimitRoutes {
		if !strings.HasPrefix(route, "/") {
			return fmt.Errorf("gridcredit: config: rate_limit_routes: route %q must start with /", route)
		}
		if limit <= 0 {
			return fmt.Errorf("gridcredit: config: rate_limit_routes: route %q: limit must be positive", route)
		}
	}
	return nil
}

// Production reports whether the service runs in production.
func (c Config) Production() bool {
	return c.Env == "production"
}

// RateRule returns the general rate-limit rule.
func (c Config) RateRule() RateRule {
	return RateRule{Window: c.RateLimitWindow, Max: c.RateLimitMax}
}

// RouteRules returns the per-route rules, all on RateLimitWindow.
func (c Config) RouteRules() map[string]RateRule {
	rules := make(map[string]RateRule, len(c.RateLimitRoutes))
	for route, limit := range c.RateLimitRoutes {
		rules[route] = RateRule{Window: c.RateLimitWindow, Max: limit}
	}
	return rules
}

// Credentials returns the configured API keys as pool credentials.
func (c Config) Credentials() []Credential {
	var out []Credential
	for _, key := range c.GeminiAPIKeys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out = append(out, Credential{ID: fmt.Sprintf("key-%d", len(out)+1), APIKey: key})
	}
	return out
}
