// Package config loads nornicqe configuration from a YAML file and
// Neo4j-compatible environment variables.
//
// Values are resolved in three layers: built-in defaults, then the YAML
// file (if any), then environment variables. A variable that is unset
// leaves the value from the lower layers untouched.
//
// Example Usage:
//
//	cfg, err := config.Load("/etc/nornicqe/nornicqe.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//
//	fmt.Printf("Bolt server: %s:%d\n", cfg.Server.BoltAddress, cfg.Server.BoltPort)
//
// Environment Variables:
//
// Neo4j-Compatible:
//   - NEO4J_AUTH="username/password" or "none"
//   - NEO4J_dbms_connector_bolt_listen__address_port=7687
//   - NEO4J_dbms_directories_data="./data"
//   - NEO4J_dbms_default__database="neo4j"
//   - NEO4J_dbms_transaction_timeout=30s
//   - NEO4J_dbms_logs_query_enabled=true
//
// nornicqe-specific:
//   - NORNICQE_QUERY_MEMORY_LIMIT="512MB"
//   - NORNICQE_DEFAULT_ISOLATION="SNAPSHOT_ISOLATION"
//   - NORNICQE_REPLICAS="replica1=http://host:7688:SYNC,replica2=http://other:7688:ASYNC"
//   - NORNICQE_HTTP_ADDRESS=":7474"
//   - NORNICQE_ENCRYPTION_PASSWORD="..." (encryption at rest)
package config

import (
	"fmt"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/orneryd/nornicqe/pkg/replication"
	"github.com/orneryd/nornicqe/pkg/storage"
)

// Config holds all nornicqe configuration.
type Config struct {
	Auth        AuthConfig        `yaml:"auth"`
	Database    DatabaseConfig    `yaml:"database"`
	Server      ServerConfig      `yaml:"server"`
	Memory      MemoryConfig      `yaml:"memory"`
	Logging     LoggingConfig     `yaml:"logging"`
	Replication ReplicationConfig `yaml:"replication"`
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	// Enabled controls whether authentication is required
	Enabled bool `yaml:"enabled"`
	// InitialUsername is the admin created at first start
	InitialUsername string `yaml:"initial_username"`
	// InitialPassword is the admin password
	InitialPassword   string        `yaml:"initial_password"`
	MinPasswordLength int           `yaml:"min_password_length"`
	BcryptCost        int           `yaml:"bcrypt_cost"`
	MaxFailedLogins   int           `yaml:"max_failed_logins"`
	LockoutDuration   time.Duration `yaml:"lockout_duration"`
}

// DatabaseConfig holds storage and transaction settings.
type DatabaseConfig struct {
	// DataDir is the Badger directory; ignored when InMemory is set
	DataDir  string `yaml:"data_dir"`
	InMemory bool   `yaml:"in_memory"`
	// DefaultDatabase is created on first start and bound to new sessions
	DefaultDatabase string `yaml:"default_database"`
	// DefaultIsolation, e.g. SNAPSHOT_ISOLATION, READ_COMMITTED
	DefaultIsolation string `yaml:"default_isolation"`
	// TransactionTimeout applies when clients send no tx_timeout; 0 disables it
	TransactionTimeout time.Duration `yaml:"transaction_timeout"`
	SyncWrites         bool          `yaml:"sync_writes"`
	// EncryptionPassword turns on encryption at rest; the key is derived
	// from it and a salt kept in DataDir
	EncryptionPassword string `yaml:"encryption_password"`
	// EncryptionKeyRotation is how often Badger rotates its data keys
	EncryptionKeyRotation time.Duration `yaml:"encryption_key_rotation"`
}

// ServerConfig holds Bolt and metrics endpoint settings.
type ServerConfig struct {
	BoltAddress string `yaml:"bolt_address"`
	BoltPort    int    `yaml:"bolt_port"`
	// AdvertisedAddress is returned in routing tables; defaults to localhost:BoltPort
	AdvertisedAddress string `yaml:"advertised_address"`
	MaxConnections    int    `yaml:"max_connections"`
	// Workers is the size of the query scheduler pool
	Workers int `yaml:"workers"`
	// HTTPAddress serves the HTTP API, /metrics and the replica endpoint;
	// empty disables it
	HTTPAddress  string        `yaml:"http_address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// HTTPTransactionTimeout expires idle HTTP API transactions
	HTTPTransactionTimeout time.Duration `yaml:"http_transaction_timeout"`
}

// MemoryConfig holds query memory and plan cache settings.
type MemoryConfig struct {
	// QueryMemoryLimitStr bounds memory used by all running queries ("0" = unlimited)
	QueryMemoryLimitStr string `yaml:"query_memory_limit"`
	QueryMemoryLimit    int64  `yaml:"-"`

	PoolBlocksPerChunk   int  `yaml:"pool_blocks_per_chunk"`
	PoolMaxBlockSize     int  `yaml:"pool_max_block_size"`
	MonotonicInitialSize int  `yaml:"monotonic_initial_size"`
	ProfileAllocations   bool `yaml:"profile_allocations"`
	// ObjectPooling recycles network buffers and result row slices
	ObjectPooling bool `yaml:"object_pooling"`

	PlanCacheSize int           `yaml:"plan_cache_size"`
	PlanCacheTTL  time.Duration `yaml:"plan_cache_ttl"`

	// Go runtime settings
	RuntimeLimitStr string `yaml:"runtime_limit"`
	RuntimeLimit    int64  `yaml:"-"`
	GCPercent       int    `yaml:"gc_percent"`
}

// LoggingConfig holds process and query log settings.
type LoggingConfig struct {
	Level              string        `yaml:"level"`
	Format             string        `yaml:"format"`
	QueryLogEnabled    bool          `yaml:"query_log_enabled"`
	QueryLogPath       string        `yaml:"query_log_path"`
	SlowQueryThreshold time.Duration `yaml:"slow_query_threshold"`
}

// ReplicationConfig lists the replicas system changes are sent to.
type ReplicationConfig struct {
	Replicas            []replication.ReplicaConfig `yaml:"replicas"`
	HealthCheckInterval time.Duration               `yaml:"health_check_interval"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Auth: AuthConfig{
			Enabled:           false,
			InitialUsername:   "admin",
			InitialPassword:   "admin",
			MinPasswordLength: 8,
			BcryptCost:        10,
			MaxFailedLogins:   5,
			LockoutDuration:   15 * time.Minute,
		},
		Database: DatabaseConfig{
			DataDir:            "./data",
			DefaultDatabase:    "neo4j",
			DefaultIsolation:   "SNAPSHOT_ISOLATION",
			TransactionTimeout: 0,

			EncryptionKeyRotation: 10 * 24 * time.Hour,
		},
		Server: ServerConfig{
			BoltAddress:    "0.0.0.0",
			BoltPort:       7687,
			MaxConnections: 100,
			Workers:        8,
			HTTPAddress:    ":7474",
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,

			HTTPTransactionTimeout: 60 * time.Second,
		},
		Memory: MemoryConfig{
			QueryMemoryLimitStr:  "0",
			PoolBlocksPerChunk:   64,
			ObjectPooling:        true,
			PoolMaxBlockSize:     1024,
			MonotonicInitialSize: 4096,
			PlanCacheSize:        1000,
			PlanCacheTTL:         5 * time.Minute,
			RuntimeLimitStr:      "0",
			GCPercent:            100,
		},
		Logging: LoggingConfig{
			Level:              "INFO",
			Format:             "text",
			QueryLogPath:       "./logs/queries.log",
			SlowQueryThreshold: 5 * time.Second,
		},
		Replication: ReplicationConfig{
			HealthCheckInterval: time.Second,
		},
	}
}

// LoadFromEnv returns the defaults overridden by environment variables.
func LoadFromEnv() *Config {
	cfg := Default()
	cfg.applyEnv()
	cfg.resolve()
	return cfg
}

// Load reads the YAML file at path (skipped when path is empty), then
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "reading config file %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parsing config file %s", path)
		}
	}
	cfg.applyEnv()
	cfg.resolve()
	return cfg, nil
}

func (c *Config) applyEnv() {
	// NEO4J_AUTH format: "username/password" or "none"
	if authStr := os.Getenv("NEO4J_AUTH"); authStr != "" {
		if authStr == "none" {
			c.Auth.Enabled = false
		} else {
			c.Auth.Enabled = true
			if user, pass, ok := strings.Cut(authStr, "/"); ok {
				c.Auth.InitialUsername = user
				c.Auth.InitialPassword = pass
			} else {
				c.Auth.InitialPassword = authStr
			}
		}
	}
	c.Auth.MinPasswordLength = getEnvInt("NEO4J_dbms_security_auth_minimum__password__length", c.Auth.MinPasswordLength)
	c.Auth.BcryptCost = getEnvInt("NORNICQE_BCRYPT_COST", c.Auth.BcryptCost)
	c.Auth.MaxFailedLogins = getEnvInt("NORNICQE_MAX_FAILED_LOGINS", c.Auth.MaxFailedLogins)
	c.Auth.LockoutDuration = getEnvDuration("NORNICQE_LOCKOUT_DURATION", c.Auth.LockoutDuration)

	c.Database.DataDir = getEnv("NEO4J_dbms_directories_data", c.Database.DataDir)
	c.Database.InMemory = getEnvBool("NORNICQE_IN_MEMORY", c.Database.InMemory)
	c.Database.DefaultDatabase = getEnv("NEO4J_dbms_default__database", c.Database.DefaultDatabase)
	c.Database.DefaultIsolation = getEnv("NORNICQE_DEFAULT_ISOLATION", c.Database.DefaultIsolation)
	c.Database.TransactionTimeout = getEnvDuration("NEO4J_dbms_transaction_timeout", c.Database.TransactionTimeout)
	c.Database.SyncWrites = getEnvBool("NORNICQE_SYNC_WRITES", c.Database.SyncWrites)
	c.Database.EncryptionPassword = getEnv("NORNICQE_ENCRYPTION_PASSWORD", c.Database.EncryptionPassword)

	c.Server.BoltAddress = getEnv("NEO4J_dbms_connector_bolt_listen__address", c.Server.BoltAddress)
	c.Server.BoltPort = getEnvInt("NEO4J_dbms_connector_bolt_listen__address_port", c.Server.BoltPort)
	c.Server.AdvertisedAddress = getEnv("NEO4J_dbms_connector_bolt_advertised__address", c.Server.AdvertisedAddress)
	c.Server.MaxConnections = getEnvInt("NORNICQE_MAX_CONNECTIONS", c.Server.MaxConnections)
	c.Server.Workers = getEnvInt("NORNICQE_WORKERS", c.Server.Workers)
	c.Server.HTTPAddress = getEnv("NORNICQE_HTTP_ADDRESS", c.Server.HTTPAddress)

	c.Memory.QueryMemoryLimitStr = getEnv("NORNICQE_QUERY_MEMORY_LIMIT", c.Memory.QueryMemoryLimitStr)
	c.Memory.PoolBlocksPerChunk = getEnvInt("NORNICQE_POOL_BLOCKS_PER_CHUNK", c.Memory.PoolBlocksPerChunk)
	c.Memory.PoolMaxBlockSize = getEnvInt("NORNICQE_POOL_MAX_BLOCK_SIZE", c.Memory.PoolMaxBlockSize)
	c.Memory.MonotonicInitialSize = getEnvInt("NORNICQE_MONOTONIC_INITIAL_SIZE", c.Memory.MonotonicInitialSize)
	c.Memory.ProfileAllocations = getEnvBool("NORNICQE_PROFILE_ALLOCATIONS", c.Memory.ProfileAllocations)
	c.Memory.ObjectPooling = getEnvBool("NORNICQE_OBJECT_POOLING", c.Memory.ObjectPooling)
	c.Memory.PlanCacheSize = getEnvInt("NORNICQE_PLAN_CACHE_SIZE", c.Memory.PlanCacheSize)
	c.Memory.PlanCacheTTL = getEnvDuration("NORNICQE_PLAN_CACHE_TTL", c.Memory.PlanCacheTTL)
	c.Memory.RuntimeLimitStr = getEnv("NORNICQE_MEMORY_LIMIT", c.Memory.RuntimeLimitStr)
	c.Memory.GCPercent = getEnvInt("NORNICQE_GC_PERCENT", c.Memory.GCPercent)

	c.Logging.Level = getEnv("NEO4J_dbms_logs_debug_level", c.Logging.Level)
	c.Logging.Format = getEnv("NORNICQE_LOG_FORMAT", c.Logging.Format)
	c.Logging.QueryLogEnabled = getEnvBool("NEO4J_dbms_logs_query_enabled", c.Logging.QueryLogEnabled)
	c.Logging.QueryLogPath = getEnv("NORNICQE_QUERY_LOG_PATH", c.Logging.QueryLogPath)
	c.Logging.SlowQueryThreshold = getEnvDuration("NEO4J_dbms_logs_query_threshold", c.Logging.SlowQueryThreshold)

	if val := os.Getenv("NORNICQE_REPLICAS"); val != "" {
		replicas, err := parseReplicas(val)
		if err != nil {
			log.WithError(err).Warn("[Config] ignoring NORNICQE_REPLICAS")
		} else {
			c.Replication.Replicas = replicas
		}
	}
	c.Replication.HealthCheckInterval = getEnvDuration("NORNICQE_REPLICA_CHECK_INTERVAL", c.Replication.HealthCheckInterval)
}

func (c *Config) resolve() {
	c.Memory.QueryMemoryLimit = parseMemorySize(c.Memory.QueryMemoryLimitStr)
	c.Memory.RuntimeLimit = parseMemorySize(c.Memory.RuntimeLimitStr)
	if c.Server.AdvertisedAddress == "" {
		c.Server.AdvertisedAddress = "localhost:" + strconv.Itoa(c.Server.BoltPort)
	}
	for i := range c.Replication.Replicas {
		r := &c.Replication.Replicas[i]
		if r.Mode == "" {
			r.Mode = replication.ModeSync
		}
		if r.CheckFrequency == 0 {
			r.CheckFrequency = c.Replication.HealthCheckInterval
		}
	}
}

// parseReplicas parses "name=endpoint[:MODE],..." where MODE is SYNC or
// ASYNC. The endpoint itself may contain colons.
func parseReplicas(s string) ([]replication.ReplicaConfig, error) {
	var out []replication.ReplicaConfig
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, endpoint, ok := strings.Cut(part, "=")
		if !ok || name == "" || endpoint == "" {
			return nil, errors.Newf("invalid replica %q, want name=endpoint[:MODE]", part)
		}
		r := replication.ReplicaConfig{Name: name, Endpoint: endpoint}
		if i := strings.LastIndex(endpoint, ":"); i >= 0 {
			if mode, err := replication.ParseMode(endpoint[i+1:]); err == nil {
				r.Endpoint = endpoint[:i]
				r.Mode = mode
			}
		}
		out = append(out, r)
	}
	return out, nil
}

// Isolation parses DefaultIsolation.
func (c *DatabaseConfig) Isolation() (storage.IsolationLevel, error) {
	return storage.ParseIsolationLevel(strings.ReplaceAll(c.DefaultIsolation, "_", " "))
}

// Validate checks the configuration for logical errors and invalid values.
func (c *Config) Validate() error {
	if c.Auth.Enabled {
		if c.Auth.InitialUsername == "" {
			return errors.New("authentication enabled but no username provided")
		}
		if len(c.Auth.InitialPassword) < c.Auth.MinPasswordLength {
			return errors.Newf("password must be at least %d characters", c.Auth.MinPasswordLength)
		}
	}
	if c.Server.BoltPort <= 0 || c.Server.BoltPort > 65535 {
		return errors.Newf("invalid bolt port: %d", c.Server.BoltPort)
	}
	if c.Server.Workers <= 0 {
		return errors.Newf("invalid worker count: %d", c.Server.Workers)
	}
	if c.Database.DefaultDatabase == "" {
		return errors.New("default database name is empty")
	}
	if _, err := c.Database.Isolation(); err != nil {
		return err
	}
	if c.Database.EncryptionPassword != "" && c.Database.InMemory {
		return errors.New("encryption at rest needs an on-disk database")
	}
	if c.Memory.QueryMemoryLimit < 0 {
		return errors.Newf("invalid query memory limit: %s", c.Memory.QueryMemoryLimitStr)
	}
	if c.Memory.PoolMaxBlockSize < 8 || c.Memory.PoolMaxBlockSize&(c.Memory.PoolMaxBlockSize-1) != 0 {
		return errors.Newf("pool max block size must be a power of two >= 8, got %d", c.Memory.PoolMaxBlockSize)
	}
	if c.Memory.PoolBlocksPerChunk <= 0 {
		return errors.Newf("invalid pool blocks per chunk: %d", c.Memory.PoolBlocksPerChunk)
	}
	if _, err := log.ParseLevel(c.Logging.Level); err != nil {
		return errors.Wrap(err, "logging level")
	}
	seen := map[string]bool{}
	for _, r := range c.Replication.Replicas {
		if r.Name == "" || r.Endpoint == "" {
			return errors.Newf("replica needs a name and an endpoint: %+v", r)
		}
		if seen[r.Name] {
			return errors.Newf("duplicate replica name %q", r.Name)
		}
		seen[r.Name] = true
		if _, err := replication.ParseMode(string(r.Mode)); err != nil {
			return err
		}
	}
	return nil
}

// String returns a representation safe for logging: no passwords.
func (c *Config) String() string {
	dataDir := c.Database.DataDir
	if c.Database.InMemory {
		dataDir = "(in-memory)"
	}
	return fmt.Sprintf(
		"Config{Auth: %v, Bolt: %s:%d, DataDir: %s, Encrypted: %v, DefaultDB: %s, QueryMemory: %s, Replicas: %d}",
		c.Auth.Enabled,
		c.Server.BoltAddress, c.Server.BoltPort,
		dataDir, c.Database.EncryptionPassword != "", c.Database.DefaultDatabase,
		FormatMemorySize(c.Memory.QueryMemoryLimit),
		len(c.Replication.Replicas),
	)
}

// ApplyLogging configures the process-wide logrus logger.
func (c *LoggingConfig) ApplyLogging() error {
	level, err := log.ParseLevel(c.Level)
	if err != nil {
		return errors.Wrap(err, "logging level")
	}
	log.SetLevel(level)
	if strings.EqualFold(c.Format, "json") {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// ApplyRuntimeMemory applies the runtime memory settings to the Go runtime.
// Should be called early in main() before heavy allocations.
func (c *MemoryConfig) ApplyRuntimeMemory() {
	if c.RuntimeLimit > 0 {
		debug.SetMemoryLimit(c.RuntimeLimit)
	}
	if c.GCPercent != 100 {
		debug.SetGCPercent(c.GCPercent)
	}
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
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

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Try parsing as seconds
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}

// parseMemorySize parses a human-readable memory size string.
// Supports: "1024", "1KB", "1MB", "1GB", "1TB", "0", "unlimited"
func parseMemorySize(s string) int64 {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" || s == "0" || s == "UNLIMITED" {
		return 0
	}

	s = strings.TrimSuffix(s, "B")

	var multiplier int64 = 1
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "G")
	case strings.HasSuffix(s, "T"):
		multiplier = 1024 * 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "T")
	}

	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return val * multiplier
}

// FormatMemorySize formats bytes as human-readable string.
func FormatMemorySize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
		TB = GB * 1024
	)

	switch {
	case bytes >= TB:
		return fmt.Sprintf("%.2f TB", float64(bytes)/float64(TB))
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
