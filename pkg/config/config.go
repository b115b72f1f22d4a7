package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Thresholds are the circuit breaker band boundaries, strictly descending.
type Thresholds struct {
	MinorPause       float64 `yaml:"minor_pause"`
	MajorCancel      float64 `yaml:"major_cancel"`
	CriticalShutdown float64 `yaml:"critical_shutdown"`
}

// GatewayConfig is the immutable snapshot a gateway is built from.
type GatewayConfig struct {
	Symbol     string `yaml:"symbol"`
	Category   string `yaml:"category"`
	SettleCoin string `yaml:"settle_coin"`
	Testnet    bool   `yaml:"testnet"`
	APIKey     string `yaml:"-"`
	APISecret  string `yaml:"-"`
	RecvWindow int64  `yaml:"recv_window_ms"`

	// Empty URLs are derived from Testnet and Category.
	RESTURL      string `yaml:"rest_url"`
	PublicWSURL  string `yaml:"public_ws_url"`
	PrivateWSURL string `yaml:"private_ws_url"`

	OrderLinkPrefix     string        `yaml:"order_link_prefix"`
	CommandTimeout      time.Duration `yaml:"command_timeout"`
	MaxInFlightCommands int           `yaml:"max_in_flight_commands"`

	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`

	RetryMaxAttempts int           `yaml:"retry_max_attempts"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay    time.Duration `yaml:"retry_max_delay"`

	ReconnectLadder   []time.Duration `yaml:"reconnect_ladder"`
	HeartbeatInterval time.Duration   `yaml:"heartbeat_interval"`

	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	HealthInterval    time.Duration `yaml:"health_interval"`
	FreshnessWindow   time.Duration `yaml:"freshness_window"`
	StaleDataTimeout  time.Duration `yaml:"stale_data_timeout"`

	Thresholds    Thresholds         `yaml:"thresholds"`
	HealthWeights map[string]float64 `yaml:"health_weights"`
}

// APIConfig configures the operator HTTP API.
type APIConfig struct {
	Port              string
	JWTSecret         string
	AdminUser         string
	AdminPasswordHash string // bcrypt
	AllowedOrigins    []string
}

// RedisConfig configures the status fan-out. Empty Addr disables it.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// Config holds environment-driven settings for the gateway process.
type Config struct {
	LogLevel string
	Gateway  GatewayConfig
	API      APIConfig
	Redis    RedisConfig
	// StrategyInterval is the decision engine tick; zero disables it.
	StrategyInterval time.Duration
}

// DefaultHealthWeights are the component weights used when none are configured.
func DefaultHealthWeights() map[string]float64 {
	return map[string]float64{
		"ws_overall_connection":   2.0,
		"ws_market_connection":    1.0,
		"ws_account_connection":   1.0,
		"api_credentials":         2.0,
		"market_data_freshness":   1.3,
		"api_performance":         1.2,
		"order_execution_success": 1.5,
		"account_data_quality":    1.0,
		"reconciliation":          1.0,
	}
}

// DefaultGateway returns the baseline gateway settings.
func DefaultGateway() GatewayConfig {
	return GatewayConfig{
		Symbol:              "BTCUSDT",
		Category:            "linear",
		SettleCoin:          "USDT",
		RecvWindow:          5000,
		OrderLinkPrefix:     "mmx",
		CommandTimeout:      10 * time.Second,
		MaxInFlightCommands: 8,
		RequestsPerSecond:   10,
		Burst:               20,
		RetryMaxAttempts:    5,
		RetryBaseDelay:      2 * time.Second,
		RetryMaxDelay:       30 * time.Second,
		ReconnectLadder: []time.Duration{
			1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
			15 * time.Second, 30 * time.Second, 60 * time.Second,
		},
		HeartbeatInterval: 20 * time.Second,
		ReconcileInterval: 30 * time.Second,
		HealthInterval:    1 * time.Second,
		FreshnessWindow:   120 * time.Second,
		StaleDataTimeout:  30 * time.Second,
		Thresholds: Thresholds{
			MinorPause:       0.6,
			MajorCancel:      0.4,
			CriticalShutdown: 0.2,
		},
		HealthWeights: DefaultHealthWeights(),
	}
}

// Load reads environment variables (optionally via .env) and an optional
// YAML overlay named by GATEWAY_CONFIG_FILE.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	gw := DefaultGateway()
	if path := os.Getenv("GATEWAY_CONFIG_FILE"); path != "" {
		if err := LoadFile(path, &gw); err != nil {
			return nil, err
		}
	}

	gw.Symbol = getEnv("SYMBOL", gw.Symbol)
	gw.Category = getEnv("CATEGORY", gw.Category)
	gw.Testnet = getEnvBool("BYBIT_TESTNET", gw.Testnet)
	gw.APIKey = os.Getenv("BYBIT_API_KEY")
	gw.APISecret = os.Getenv("BYBIT_API_SECRET")
	gw.RequestsPerSecond = getEnvFloat("API_REQUESTS_PER_SECOND", gw.RequestsPerSecond)
	gw.Burst = getEnvInt("API_BURST_LIMIT", gw.Burst)
	gw.CommandTimeout = getEnvDuration("COMMAND_TIMEOUT", gw.CommandTimeout)
	gw.ReconcileInterval = getEnvDuration("RECONCILE_INTERVAL", gw.ReconcileInterval)
	gw.StaleDataTimeout = getEnvDuration("STALE_DATA_TIMEOUT", gw.StaleDataTimeout)
	gw.HeartbeatInterval = getEnvDuration("HEARTBEAT_INTERVAL", gw.HeartbeatInterval)
	gw.Thresholds.MinorPause = getEnvFloat("CB_MINOR_PAUSE_THRESHOLD", gw.Thresholds.MinorPause)
	gw.Thresholds.MajorCancel = getEnvFloat("CB_MAJOR_CANCEL_THRESHOLD", gw.Thresholds.MajorCancel)
	gw.Thresholds.CriticalShutdown = getEnvFloat("CB_CRITICAL_SHUTDOWN_THRESHOLD", gw.Thresholds.CriticalShutdown)

	if err := gw.Validate(); err != nil {
		return nil, err
	}

	return &Config{
		LogLevel:         strings.ToLower(getEnv("LOG_LEVEL", "info")),
		Gateway:          gw,
		StrategyInterval: getEnvDuration("STRATEGY_INTERVAL", 5*time.Second),
		API: APIConfig{
			Port:              getEnv("PORT", "8080"),
			JWTSecret:         getEnv("JWT_SECRET", "dev-secret"),
			AdminUser:         getEnv("ADMIN_USER", "admin"),
			AdminPasswordHash: os.Getenv("ADMIN_PASSWORD_HASH"),
			AllowedOrigins:    splitAndTrim(getEnv("ALLOWED_ORIGINS", "http://localhost:3000")),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getEnvInt("REDIS_DB", 0),
			Channel:  getEnv("REDIS_CHANNEL", "gateway:status"),
		},
	}, nil
}

// LoadFile overlays a YAML file onto gw. Keys absent from the file keep
// their current values; health weights are merged per component.
func LoadFile(path string, gw *GatewayConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read gateway config: %w", err)
	}
	if err := yaml.Unmarshal(data, gw); err != nil {
		return fmt.Errorf("parse gateway config %s: %w", path, err)
	}
	return nil
}

// Validate checks the invariants the gateway relies on.
func (c GatewayConfig) Validate() error {
	var errs []error
	if c.Symbol == "" {
		errs = append(errs, errors.New("symbol is required"))
	}
	if c.Category == "" {
		errs = append(errs, errors.New("category is required"))
	}
	t := c.Thresholds
	if !(1 >= t.MinorPause && t.MinorPause > t.MajorCancel && t.MajorCancel > t.CriticalShutdown && t.CriticalShutdown >= 0) {
		errs = append(errs, fmt.Errorf("thresholds must be strictly descending within [0,1]: %.2f/%.2f/%.2f",
			t.MinorPause, t.MajorCancel, t.CriticalShutdown))
	}
	if c.RequestsPerSecond <= 0 {
		errs = append(errs, errors.New("requests_per_second must be positive"))
	}
	if c.Burst < 1 {
		errs = append(errs, errors.New("burst must be at least 1"))
	}
	if c.CommandTimeout <= 0 {
		errs = append(errs, errors.New("command_timeout must be positive"))
	}
	if c.MaxInFlightCommands < 1 {
		errs = append(errs, errors.New("max_in_flight_commands must be at least 1"))
	}
	if c.RetryMaxAttempts < 1 {
		errs = append(errs, errors.New("retry_max_attempts must be at least 1"))
	}
	if len(c.ReconnectLadder) == 0 {
		errs = append(errs, errors.New("reconnect_ladder must not be empty"))
	}
	for _, d := range c.ReconnectLadder {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("reconnect_ladder rung %s must be positive", d))
			break
		}
	}
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"heartbeat_interval", c.HeartbeatInterval},
		{"reconcile_interval", c.ReconcileInterval},
		{"health_interval", c.HealthInterval},
		{"freshness_window", c.FreshnessWindow},
		{"stale_data_timeout", c.StaleDataTimeout},
	} {
		if d.v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.name))
		}
	}
	for name, w := range c.HealthWeights {
		if w <= 0 {
			errs = append(errs, fmt.Errorf("health weight %s must be positive", name))
		}
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
