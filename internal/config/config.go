package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config is the full kernel configuration. Values resolve in order:
// built-in defaults, then fazt.yaml, then .env, then FAZT_* environment
// variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Storage  StorageConfig  `yaml:"storage"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Egress   EgressConfig   `yaml:"egress"`
	Deploy   DeployConfig   `yaml:"deploy"`
	Admin    AdminConfig    `yaml:"admin"`
}

// ServerConfig controls the listener and request lifecycle.
type ServerConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	Domain            string        `yaml:"domain"`
	ReusePort         bool          `yaml:"reuse_port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	RequestBudget     time.Duration `yaml:"request_budget"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Format     string `yaml:"format"`
	Level      string `yaml:"level"`
	FilePath   string `yaml:"file_path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// StorageConfig controls the SQLite store, read cache, and write queue.
type StorageConfig struct {
	DataDir       string        `yaml:"data_dir"`
	DatabaseFile  string        `yaml:"database_file"`
	CacheEntries  int           `yaml:"cache_entries"`
	QueueDepth    int           `yaml:"queue_depth"`
	StorageBudget time.Duration `yaml:"storage_budget"`
}

// RuntimeConfig controls the JS handler runtime.
type RuntimeConfig struct {
	PoolSize        int           `yaml:"pool_size"`
	MaxPoolSize     int           `yaml:"max_pool_size"`
	HandlerDeadline time.Duration `yaml:"handler_deadline"`
}

// RealtimeConfig controls WebSocket channel behavior.
type RealtimeConfig struct {
	SendQueue    int           `yaml:"send_queue"`
	PingInterval time.Duration `yaml:"ping_interval"`
	PongWait     time.Duration `yaml:"pong_wait"`
	WriteWait    time.Duration `yaml:"write_wait"`
	ReadLimit    int64         `yaml:"read_limit"`
}

// EgressConfig controls outbound fetches made on behalf of handlers.
type EgressConfig struct {
	PerRequest      int           `yaml:"per_request"`
	PerApp          int           `yaml:"per_app"`
	Global          int           `yaml:"global"`
	NetBudget       time.Duration `yaml:"net_budget"`
	DefaultMaxBytes int64         `yaml:"default_max_bytes"`
	HardMaxBytes    int64         `yaml:"hard_max_bytes"`
	DNSRefresh      time.Duration `yaml:"dns_refresh"`
	AllowlistTTL    time.Duration `yaml:"allowlist_ttl"`
	RatePerSecond   float64       `yaml:"rate_per_second"`
	RateBurst       int           `yaml:"rate_burst"`
	// AllowHTTP permits plain http:// destinations. Off everywhere except
	// local development.
	AllowHTTP bool `yaml:"allow_http"`
	// AllowCIDRs exempts specific ranges from the private-network block,
	// for operators whose handlers call webhooks inside their own LAN.
	AllowCIDRs []string `yaml:"allow_cidrs"`
}

// DeployConfig bounds artifact ingestion.
type DeployConfig struct {
	MaxZipBytes  int64         `yaml:"max_zip_bytes"`
	MaxFileBytes int64         `yaml:"max_file_bytes"`
	MaxFileCount int           `yaml:"max_file_count"`
	GitTimeout   time.Duration `yaml:"git_timeout"`
}

// AdminConfig controls the control-plane surface on the apex domain.
type AdminConfig struct {
	// BootstrapKey pins the root API key instead of generating one on
	// first boot. Env-only; never written to fazt.yaml.
	BootstrapKey string `yaml:"-"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8080,
			Domain:            "localhost",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			RequestBudget:     5 * time.Second,
		},
		Logging: LoggingConfig{
			Format:     "auto",
			Level:      "info",
			MaxSizeMB:  50,
			MaxAgeDays: 14,
			Compress:   true,
		},
		Storage: StorageConfig{
			DatabaseFile:  "fazt.db",
			CacheEntries:  1000,
			QueueDepth:    256,
			StorageBudget: 2 * time.Second,
		},
		Runtime: RuntimeConfig{
			PoolSize:        16,
			MaxPoolSize:     100,
			HandlerDeadline: 5 * time.Second,
		},
		Realtime: RealtimeConfig{
			SendQueue:    256,
			PingInterval: 30 * time.Second,
			PongWait:     10 * time.Second,
			WriteWait:    10 * time.Second,
			ReadLimit:    512 * 1024,
		},
		Egress: EgressConfig{
			PerRequest:      5,
			PerApp:          5,
			Global:          20,
			NetBudget:       4 * time.Second,
			DefaultMaxBytes: 1 << 20,
			HardMaxBytes:    10 << 20,
			DNSRefresh:      time.Minute,
			AllowlistTTL:    30 * time.Second,
			RatePerSecond:   10,
			RateBurst:       20,
		},
		Deploy: DeployConfig{
			MaxZipBytes:  100 << 20,
			MaxFileBytes: 25 << 20,
			MaxFileCount: 10000,
			GitTimeout:   2 * time.Minute,
		},
	}
}

// Load resolves the configuration from dir. Missing files are not errors;
// the defaults simply stand.
func Load(dir string) (*Config, error) {
	cfg := Default()

	if dir == "" {
		dir = defaultDataDir()
	}
	cfg.Storage.DataDir = dir

	yamlPath := configPath(dir)
	if data, err := os.ReadFile(yamlPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", yamlPath, err)
		}
		log.Debug().Str("path", yamlPath).Msg("Loaded config file")
	} else if !os.IsNotExist(err) || os.Getenv("FAZT_CONFIG") != "" {
		// An explicitly named config file must exist.
		return nil, fmt.Errorf("read %s: %w", yamlPath, err)
	}

	// .env beside the database, then one from the working directory.
	for _, envPath := range []string{filepath.Join(dir, ".env"), ".env"} {
		if err := godotenv.Load(envPath); err == nil {
			log.Debug().Str("path", envPath).Msg("Loaded env file")
			break
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays FAZT_* environment variables onto the config.
func (c *Config) applyEnv() {
	setString(&c.Server.Host, "FAZT_HOST")
	setInt(&c.Server.Port, "FAZT_PORT")
	setString(&c.Server.Domain, "FAZT_DOMAIN")
	setBool(&c.Server.ReusePort, "FAZT_REUSE_PORT")
	setDuration(&c.Server.RequestBudget, "FAZT_REQUEST_BUDGET")

	setString(&c.Logging.Format, "FAZT_LOG_FORMAT")
	setString(&c.Logging.Level, "FAZT_LOG_LEVEL")
	setString(&c.Logging.FilePath, "FAZT_LOG_FILE")

	setString(&c.Storage.DataDir, "FAZT_DATA_DIR")
	setInt(&c.Storage.CacheEntries, "FAZT_CACHE_ENTRIES")
	setInt(&c.Storage.QueueDepth, "FAZT_QUEUE_DEPTH")

	setInt(&c.Runtime.PoolSize, "FAZT_JS_POOL_SIZE")
	setDuration(&c.Runtime.HandlerDeadline, "FAZT_HANDLER_DEADLINE")

	setInt(&c.Egress.Global, "FAZT_NET_GLOBAL_LIMIT")
	setDuration(&c.Egress.NetBudget, "FAZT_NET_BUDGET")
	setBool(&c.Egress.AllowHTTP, "FAZT_NET_ALLOW_HTTP")

	setString(&c.Admin.BootstrapKey, "FAZT_ADMIN_KEY")
}

// Validate rejects configurations the kernel cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.Server.Domain == "" {
		return fmt.Errorf("server domain must be set")
	}
	if c.Storage.CacheEntries < 0 {
		return fmt.Errorf("cache entries must not be negative")
	}
	if c.Storage.QueueDepth < 1 {
		return fmt.Errorf("queue depth must be at least 1")
	}
	if c.Runtime.PoolSize < 1 {
		return fmt.Errorf("runtime pool size must be at least 1")
	}
	if c.Runtime.PoolSize > c.Runtime.MaxPoolSize {
		return fmt.Errorf("runtime pool size %d exceeds limit %d", c.Runtime.PoolSize, c.Runtime.MaxPoolSize)
	}
	if c.Egress.DefaultMaxBytes > c.Egress.HardMaxBytes {
		return fmt.Errorf("default egress cap %d exceeds hard cap %d", c.Egress.DefaultMaxBytes, c.Egress.HardMaxBytes)
	}
	for _, cidr := range c.Egress.AllowCIDRs {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("invalid egress allow_cidrs entry %q: %w", cidr, err)
		}
	}
	return nil
}

// DatabasePath returns the absolute path of the SQLite database.
func (c *Config) DatabasePath() string {
	if filepath.IsAbs(c.Storage.DatabaseFile) {
		return c.Storage.DatabaseFile
	}
	return filepath.Join(c.Storage.DataDir, c.Storage.DatabaseFile)
}

// ListenAddr returns the host:port the server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// configPath resolves the yaml file location. FAZT_CONFIG overrides the
// default fazt.yaml inside the data dir.
func configPath(dir string) string {
	if p := strings.TrimSpace(os.Getenv("FAZT_CONFIG")); p != "" {
		return p
	}
	return filepath.Join(dir, "fazt.yaml")
}

func defaultDataDir() string {
	if dir := os.Getenv("FAZT_DATA_DIR"); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".fazt")
	}
	return "/var/lib/fazt"
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = strings.Trim(v, "'\"")
	}
}

func setInt(dst *int, key string) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Ignoring non-integer env value")
		return
	}
	*dst = n
}

func setBool(dst *bool, key string) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Ignoring non-boolean env value")
		return
	}
	*dst = b
}

func setDuration(dst *time.Duration, key string) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Ignoring non-duration env value")
		return
	}
	*dst = d
}
