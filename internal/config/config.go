package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// SCADA gateway core configuration, with environment overrides
// =============================================================================

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Modbus   ModbusConfig   `yaml:"modbus"`
	Polling  PollingConfig  `yaml:"polling"`
	Commands CommandsConfig `yaml:"commands"`
	Alarms   AlarmsConfig   `yaml:"alarms"`
	Access   AccessConfig   `yaml:"access"`
	Redis    RedisConfig    `yaml:"redis"`
}

type ServerConfig struct {
	Env             string `yaml:"env"`
	ShutdownTimeout int    `yaml:"shutdown_timeout_sec"`
}

// DatabaseConfig is the Postgres connection used by internal/store.
type DatabaseConfig struct {
	DSN         string `yaml:"dsn"`
	MaxOpenConn int    `yaml:"max_open_conns"`
	MaxIdleConn int    `yaml:"max_idle_conns"`
}

// ModbusConfig tunes the Device Service (spec.md §6 "Config knobs").
type ModbusConfig struct {
	TimeoutS         float64 `yaml:"timeout_s"`
	Retries          int     `yaml:"retries"`
	BackoffS         float64 `yaml:"backoff_s"`
	MaxBackoffS      float64 `yaml:"max_backoff_s"`
	ReconnectBaseS   float64 `yaml:"reconnect_base_s"`
	ReconnectMaxS    float64 `yaml:"reconnect_max_s"`
	RealExtraOffset  int     `yaml:"real_extra_offset"`
	MaxBlockRegs     int     `yaml:"max_block_regs"`
	MaxGapRegs       int     `yaml:"max_gap_regs"`
	PLCConfigPath    string  `yaml:"plc_config_path"`
	DataPointsPath   string  `yaml:"data_points_path"`
}

// PollingConfig tunes the Poller.
type PollingConfig struct {
	IntervalS   float64 `yaml:"interval_s"`
	SleepSliceMs int    `yaml:"sleep_slice_ms"`
}

// CommandsConfig tunes the Command Executor/Service.
type CommandsConfig struct {
	MaxRetries         int     `yaml:"max_retries"`
	BackoffS           float64 `yaml:"backoff_s"`
	RateLimitPerMinute int     `yaml:"rate_limit_per_minute"`
	WorkerJoinTimeoutS float64 `yaml:"worker_join_timeout_s"`
}

// AlarmsConfig tunes the Alarm Engine.
type AlarmsConfig struct {
	DigitalBitMax int `yaml:"digital_bit_max"`
}

// AccessConfig lists admin-bypass permission strings. internal/access
// does not read it: its bypass check matches "users:admin" and
// "roles:admin" directly.
type AccessConfig struct {
	AdminPermissions []string `yaml:"admin_permissions"`
}

// RedisConfig is consulted only when a distributed rate limiter backend
// is requested; the default remains process-local (spec.md §1 non-goal).
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	DB      int    `yaml:"db"`
}

// =============================================================================
// Singleton pattern with environment overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance, loading it on first use.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Server.Env = getEnv("SCADA_ENV", c.Server.Env)
	if v := getEnvInt("SERVER_SHUTDOWN_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ShutdownTimeout = v
	}

	c.Database.DSN = getEnv("SCADA_DB_DSN", c.Database.DSN)
	if v := getEnvInt("SCADA_DB_MAX_OPEN_CONNS", 0); v > 0 {
		c.Database.MaxOpenConn = v
	}
	if v := getEnvInt("SCADA_DB_MAX_IDLE_CONNS", 0); v > 0 {
		c.Database.MaxIdleConn = v
	}

	if v := getEnvFloat("MODBUS_TIMEOUT_S", 0); v > 0 {
		c.Modbus.TimeoutS = v
	}
	if v := getEnvInt("MODBUS_RETRIES", -1); v >= 0 {
		c.Modbus.Retries = v
	}
	if v := getEnvFloat("MODBUS_BACKOFF_S", 0); v > 0 {
		c.Modbus.BackoffS = v
	}
	if v := getEnvFloat("MODBUS_MAX_BACKOFF_S", 0); v > 0 {
		c.Modbus.MaxBackoffS = v
	}
	if v := getEnvInt("MODBUS_REAL_EXTRA_OFFSET", -1); v >= 0 {
		c.Modbus.RealExtraOffset = v
	}
	c.Modbus.PLCConfigPath = getEnv("MODBUS_PLC_CONFIG_PATH", c.Modbus.PLCConfigPath)
	c.Modbus.DataPointsPath = getEnv("MODBUS_DATA_POINTS_PATH", c.Modbus.DataPointsPath)

	if v := getEnvFloat("POLLING_INTERVAL_S", 0); v > 0 {
		c.Polling.IntervalS = v
	}

	if v := getEnvInt("COMMANDS_MAX_RETRIES", -1); v >= 0 {
		c.Commands.MaxRetries = v
	}
	if v := getEnvFloat("COMMANDS_BACKOFF_S", 0); v > 0 {
		c.Commands.BackoffS = v
	}
	if v := getEnvInt("COMMANDS_RATE_LIMIT_PER_MINUTE", 0); v > 0 {
		c.Commands.RateLimitPerMinute = v
	}

	if v := getEnvInt("ALARMS_DIGITAL_BIT_MAX", 0); v > 0 {
		c.Alarms.DigitalBitMax = v
	}

	if perms := getEnv("ACCESS_ADMIN_PERMISSIONS", ""); perms != "" {
		c.Access.AdminPermissions = splitCSV(perms)
	}

	c.Redis.Enabled = getEnvBool("REDIS_ENABLED", c.Redis.Enabled)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	if v := getEnvInt("REDIS_DB", 0); v > 0 {
		c.Redis.DB = v
	}

	c.applyDefaults()
}

// applyDefaults fills the tuning constants enumerated in spec.md §6 and
// §9 when the config file (or environment) left them unset.
func (c *Config) applyDefaults() {
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30
	}
	if c.Database.MaxOpenConn == 0 {
		c.Database.MaxOpenConn = 10
	}
	if c.Database.MaxIdleConn == 0 {
		c.Database.MaxIdleConn = 5
	}

	if c.Modbus.TimeoutS == 0 {
		c.Modbus.TimeoutS = 3.0
	}
	if c.Modbus.Retries == 0 {
		c.Modbus.Retries = 2
	}
	if c.Modbus.BackoffS == 0 {
		c.Modbus.BackoffS = 0.2
	}
	if c.Modbus.MaxBackoffS == 0 {
		c.Modbus.MaxBackoffS = 2.0
	}
	if c.Modbus.ReconnectBaseS == 0 {
		c.Modbus.ReconnectBaseS = 1.0
	}
	if c.Modbus.ReconnectMaxS == 0 {
		c.Modbus.ReconnectMaxS = 30.0
	}
	if c.Modbus.RealExtraOffset == 0 && getEnvInt("MODBUS_REAL_EXTRA_OFFSET", -1) != 0 {
		// Legacy decoder quirk (spec.md §9): preserved by default, never
		// auto-corrected. Deployments without the quirk set this to 0
		// explicitly via MODBUS_REAL_EXTRA_OFFSET=0.
		c.Modbus.RealExtraOffset = 1
	}
	if c.Modbus.MaxBlockRegs == 0 {
		c.Modbus.MaxBlockRegs = 100
	}
	if c.Modbus.MaxGapRegs == 0 {
		c.Modbus.MaxGapRegs = 2
	}
	if c.Modbus.PLCConfigPath == "" {
		c.Modbus.PLCConfigPath = "config/plc_config.yaml"
	}
	if c.Modbus.DataPointsPath == "" {
		c.Modbus.DataPointsPath = "config/data_points.yaml"
	}

	if c.Polling.IntervalS == 0 {
		c.Polling.IntervalS = 1.0
	}
	if c.Polling.SleepSliceMs == 0 {
		c.Polling.SleepSliceMs = 100
	}

	if c.Commands.MaxRetries == 0 {
		c.Commands.MaxRetries = 2
	}
	if c.Commands.BackoffS == 0 {
		c.Commands.BackoffS = 0.25
	}
	if c.Commands.RateLimitPerMinute == 0 {
		c.Commands.RateLimitPerMinute = 30
	}
	if c.Commands.WorkerJoinTimeoutS == 0 {
		c.Commands.WorkerJoinTimeoutS = 3.0
	}

	if c.Alarms.DigitalBitMax == 0 {
		c.Alarms.DigitalBitMax = 15
	}

	if len(c.Access.AdminPermissions) == 0 {
		c.Access.AdminPermissions = []string{"users:admin", "roles:admin"}
	}
}

// =============================================================================
// Helper functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// =============================================================================
// Convenience methods
// =============================================================================

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

// ModbusTimeoutSeconds returns the per-call Modbus timeout as a duration-ready
// float of seconds, guarded against a zero config.
func (c *Config) ModbusTimeoutSeconds() float64 {
	if c.Modbus.TimeoutS <= 0 {
		return 3.0
	}
	return c.Modbus.TimeoutS
}

// validate performs minimal sanity checks on retries and block size.
// Neither Get nor LoadConfig calls it.
func (c *Config) validate() error {
	if c.Modbus.Retries < 0 {
		return fmt.Errorf("config: modbus.retries must be >= 0")
	}
	if c.Modbus.MaxBlockRegs <= 0 {
		return fmt.Errorf("config: modbus.max_block_regs must be > 0")
	}
	return nil
}
