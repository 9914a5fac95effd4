// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for all databases (always absolute)
	Port     int
	DevMode  bool
	LogLevel string

	// BridgeURL is the websocket endpoint of the broker terminal bridge.
	// Empty disables real broker connectivity (profiles then fail to connect
	// with broker_refused, which is the honest answer without a bridge).
	BridgeURL string

	// TenantTimezone is the civil-day timezone used by the daily signal cap.
	TenantTimezone string

	Pool        PoolConfig
	Ingress     IngressConfig
	Reconcile   ReconcileConfig
	Emergency   EmergencyConfig
	Hub         HubConfig
	ObjectStore ObjectStoreConfig
}

// PoolConfig holds connection pool limits and reconnect behaviour.
type PoolConfig struct {
	MaxActive            int           // Global cap on live broker sessions
	IdleTimeout          time.Duration // Eviction threshold measured from last heartbeat
	ReconnectBase        time.Duration // First reconnect delay
	ReconnectMax         time.Duration // Backoff ceiling
	MaxReconnectAttempts int           // degraded -> closed after this many failures
}

// IngressConfig holds signal pipeline tunables.
type IngressConfig struct {
	RateLimitPerMinute  int           // Per-profile fixed-minute window cap
	IdempotencyTTL      time.Duration // Replay window
	IdempotencyCapacity int           // Per-profile cache entries (oldest-out)
}

// ReconcileConfig holds the four reconciler intervals.
type ReconcileConfig struct {
	PositionInterval   time.Duration
	AccountInterval    time.Duration
	HealthInterval     time.Duration
	ExpirationInterval time.Duration
	MissingGracePeriod time.Duration // missing_remote rows younger than this are left alone
}

// EmergencyConfig holds panic hedge and drawdown controller tunables.
type EmergencyConfig struct {
	PanicCooldown      time.Duration
	FlashCrashPct      float64       // Price drop percent within the window that trips flash_crash
	FlashCrashWindow   time.Duration // Lookback for flash crash detection
	VolSpikeATRFactor  float64       // Current range vs ATR multiple that trips vol_spike
	SpreadBlowupFactor float64       // Spread vs rolling mean multiple that trips spread_blowout
	CautionDrawdown    float64       // drawdown_warning level (fraction of peak)
	ReduceDrawdown     float64       // second warning level
	RecoveryBuffer     float64       // Drawdown must improve by this before panic reset is considered clean
}

// HubConfig holds event hub fan-out behaviour.
type HubConfig struct {
	SubscriberQueueSize int           // Bounded outbox per subscriber
	PingInterval        time.Duration // Heartbeat cadence
}

// ObjectStoreConfig holds the optional S3-compatible store for backups and
// evidence exports. Empty endpoint disables uploads.
type ObjectStoreConfig struct {
	Endpoint      string
	Region        string
	Bucket        string
	AccessKey     string
	SecretKey     string
	RetentionDays int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("BASTION_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:        absDataDir,
		Port:           getEnvAsInt("PORT", 8100),
		DevMode:        getEnvAsBool("DEV_MODE", false),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		BridgeURL:      getEnv("BRIDGE_URL", ""),
		TenantTimezone: getEnv("TENANT_TIMEZONE", "UTC"),
		Pool: PoolConfig{
			MaxActive:            getEnvAsInt("POOL_MAX_ACTIVE", 50),
			IdleTimeout:          getEnvAsDuration("POOL_IDLE_TIMEOUT", 10*time.Minute),
			ReconnectBase:        getEnvAsDuration("POOL_RECONNECT_BASE", 5*time.Second),
			ReconnectMax:         getEnvAsDuration("POOL_RECONNECT_MAX", 5*time.Minute),
			MaxReconnectAttempts: getEnvAsInt("POOL_MAX_RECONNECT_ATTEMPTS", 10),
		},
		Ingress: IngressConfig{
			RateLimitPerMinute:  getEnvAsInt("RATE_LIMIT_PER_MINUTE", 10),
			IdempotencyTTL:      getEnvAsDuration("IDEMPOTENCY_TTL", 24*time.Hour),
			IdempotencyCapacity: getEnvAsInt("IDEMPOTENCY_CAPACITY", 2000),
		},
		Reconcile: ReconcileConfig{
			PositionInterval:   getEnvAsDuration("RECONCILE_POSITIONS_INTERVAL", 30*time.Second),
			AccountInterval:    getEnvAsDuration("RECONCILE_ACCOUNTS_INTERVAL", 10*time.Second),
			HealthInterval:     getEnvAsDuration("RECONCILE_HEALTH_INTERVAL", 15*time.Second),
			ExpirationInterval: getEnvAsDuration("RECONCILE_EXPIRATION_INTERVAL", 60*time.Second),
			MissingGracePeriod: getEnvAsDuration("RECONCILE_MISSING_GRACE", 2*time.Minute),
		},
		Emergency: EmergencyConfig{
			PanicCooldown:      getEnvAsDuration("PANIC_COOLDOWN", 30*time.Minute),
			FlashCrashPct:      getEnvAsFloat("PANIC_FLASH_CRASH_PCT", 2.0),
			FlashCrashWindow:   getEnvAsDuration("PANIC_FLASH_CRASH_WINDOW", 60*time.Second),
			VolSpikeATRFactor:  getEnvAsFloat("PANIC_VOL_SPIKE_ATR_FACTOR", 3.0),
			SpreadBlowupFactor: getEnvAsFloat("PANIC_SPREAD_BLOWUP_FACTOR", 10.0),
			CautionDrawdown:    getEnvAsFloat("DRAWDOWN_CAUTION", 0.03),
			ReduceDrawdown:     getEnvAsFloat("DRAWDOWN_REDUCE", 0.05),
			RecoveryBuffer:     getEnvAsFloat("DRAWDOWN_RECOVERY_BUFFER", 0.02),
		},
		Hub: HubConfig{
			SubscriberQueueSize: getEnvAsInt("HUB_QUEUE_SIZE", 256),
			PingInterval:        getEnvAsDuration("HUB_PING_INTERVAL", 30*time.Second),
		},
		ObjectStore: ObjectStoreConfig{
			Endpoint:      getEnv("OBJECT_STORE_ENDPOINT", ""),
			Region:        getEnv("OBJECT_STORE_REGION", "auto"),
			Bucket:        getEnv("OBJECT_STORE_BUCKET", ""),
			AccessKey:     getEnv("OBJECT_STORE_ACCESS_KEY", ""),
			SecretKey:     getEnv("OBJECT_STORE_SECRET_KEY", ""),
			RetentionDays: getEnvAsInt("OBJECT_STORE_RETENTION_DAYS", 30),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.Pool.MaxActive < 1 {
		return fmt.Errorf("POOL_MAX_ACTIVE must be at least 1")
	}
	if c.Ingress.RateLimitPerMinute < 1 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be at least 1")
	}
	if c.Ingress.IdempotencyTTL <= 0 {
		return fmt.Errorf("IDEMPOTENCY_TTL must be positive")
	}
	if _, err := time.LoadLocation(c.TenantTimezone); err != nil {
		return fmt.Errorf("invalid TENANT_TIMEZONE: %w", err)
	}
	return nil
}

// Location resolves the configured tenant timezone. Validate guarantees this
// cannot fail after Load.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.TenantTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		// Plain integers are read as seconds
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
