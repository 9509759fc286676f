package shopquery

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Configuration constants for query execution
const (
	DefaultMaxConcurrency = 32
	DefaultQueryTimeout   = 30 * time.Second

	// Circuit breaker defaults
	DefaultBreakerMaxFailures  = 5
	DefaultBreakerResetTimeout = 30 * time.Second

	// File backend configuration
	DefaultFilePermissions = 0644
	DefaultDirPermissions  = 0755
)

// BackendKind names a storage backend. Selected explicitly at startup, never detected.
type BackendKind string

const (
	BackendMemory     BackendKind = "memory"
	BackendPostgres   BackendKind = "postgres"
	BackendSQLite     BackendKind = "sqlite"
	BackendPGJSON     BackendKind = "pgjson"
	BackendRedis      BackendKind = "redis"
	BackendBadger     BackendKind = "badger"
	BackendFilesystem BackendKind = "filesystem"
	BackendS3         BackendKind = "s3"
	BackendMinIO      BackendKind = "minio"
	BackendGCS        BackendKind = "gcs"
	BackendNeo4j      BackendKind = "neo4j"
	BackendCassandra  BackendKind = "cassandra"
)

// QueryConfig controls how a single query executes.
type QueryConfig struct {
	// MaxConcurrency bounds in-flight backend calls. 0 means unbounded.
	MaxConcurrency int `yaml:"max_concurrency"`
	// Timeout applies to every query. 0 means only the caller's context applies.
	Timeout time.Duration `yaml:"timeout"`
	// Strategy overrides the capability-based choice of similarity strategy.
	Strategy Strategy `yaml:"strategy"`
	// UseSnapshot runs each query inside one read snapshot when the adapter supports it.
	UseSnapshot bool `yaml:"use_snapshot"`
	// SlowQueryThreshold logs queries that take longer. 0 disables the slow query log.
	SlowQueryThreshold time.Duration `yaml:"slow_query_threshold"`
}

// DefaultQueryConfig returns the default query configuration
func DefaultQueryConfig() QueryConfig {
	return QueryConfig{
		MaxConcurrency: DefaultMaxConcurrency,
		Timeout:        DefaultQueryTimeout,
	}
}

// Validate checks if the QueryConfig is valid
func (c QueryConfig) Validate() error {
	if c.MaxConcurrency < 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "MaxConcurrency",
			"value":  c.MaxConcurrency,
			"reason": "must be non-negative",
		})
	}
	if c.Timeout < 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Timeout",
			"value":  c.Timeout,
			"reason": "must be non-negative",
		})
	}
	if c.SlowQueryThreshold < 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "SlowQueryThreshold",
			"value":  c.SlowQueryThreshold,
			"reason": "must be non-negative",
		})
	}
	switch c.Strategy {
	case StrategyAuto, StrategyScan, StrategyIndex:
	default:
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Strategy",
			"value":  string(c.Strategy),
			"reason": "must be scan, index or empty",
		})
	}
	return nil
}

// RedisConfig holds the connection settings of the key-value backend and the purchaser index.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Neo4jConfig holds the graph backend connection settings.
type Neo4jConfig struct {
	URI      string `yaml:"uri"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// CassandraConfig holds the wide-column backend connection settings.
type CassandraConfig struct {
	Hosts    []string      `yaml:"hosts"`
	Port     int           `yaml:"port"`
	Keyspace string        `yaml:"keyspace"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Validate checks the contact points and that the keyspace is a plain CQL identifier.
func (c CassandraConfig) Validate() error {
	if len(c.Hosts) == 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Cassandra.Hosts",
			"reason": "at least one contact point is required",
		})
	}
	if !isCQLIdentifier(c.Keyspace) {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Cassandra.Keyspace",
			"value":  c.Keyspace,
			"reason": "must start with a letter and contain only letters, digits and underscores",
		})
	}
	return nil
}

func isCQLIdentifier(s string) bool {
	if s == "" || len(s) > 48 {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r == '_' || (r >= '0' && r <= '9')):
		default:
			return false
		}
	}
	return true
}

// BadgerConfig holds the embedded key-value backend settings.
type BadgerConfig struct {
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`
}

// DocumentConfig holds the document store settings for filesystem, S3, MinIO and GCS.
type DocumentConfig struct {
	Path            string `yaml:"path"`   // filesystem base directory
	Bucket          string `yaml:"bucket"` // S3, MinIO or GCS bucket
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UseSSL          bool   `yaml:"use_ssl"`
	CredentialsFile string `yaml:"credentials_file"` // GCS service account (optional, uses ADC if empty)
}

// BreakerConfig configures the circuit breaker placed in front of remote backends.
type BreakerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// BackendConfig selects and configures one backend.
type BackendConfig struct {
	Kind BackendKind `yaml:"kind"`

	// DSN is the connection string of the relational backends
	// (postgres, pgjson) or the database file of sqlite.
	DSN string `yaml:"dsn"`

	// Dataset is a JSON fixture loaded into the memory backend.
	Dataset string `yaml:"dataset"`

	Redis     RedisConfig     `yaml:"redis"`
	Neo4j     Neo4jConfig     `yaml:"neo4j"`
	Cassandra CassandraConfig `yaml:"cassandra"`
	Badger    BadgerConfig    `yaml:"badger"`
	Documents DocumentConfig  `yaml:"documents"`
	Breaker   BreakerConfig   `yaml:"breaker"`

	// PurchaserIndex gives scan-only backends a reverse index kept in Redis sets.
	PurchaserIndex bool `yaml:"purchaser_index"`
	// IndexCheckInterval runs a purchaser index health check this often while serving.
	IndexCheckInterval time.Duration `yaml:"index_check_interval"`
}

// Validate checks if the BackendConfig is valid
func (c BackendConfig) Validate() error {
	if c.Kind == "" {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Kind",
			"reason": "backend kind is required",
		})
	}

	required := func(field, value string) error {
		if value != "" {
			return nil
		}
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":   field,
			"backend": string(c.Kind),
			"reason":  "required for this backend",
		})
	}

	var err error
	switch c.Kind {
	case BackendMemory:
	case BackendPostgres, BackendPGJSON, BackendSQLite:
		err = required("DSN", c.DSN)
	case BackendRedis:
		err = required("Redis.Addr", c.Redis.Addr)
	case BackendBadger:
		if !c.Badger.InMemory {
			err = required("Badger.Path", c.Badger.Path)
		}
	case BackendFilesystem:
		err = required("Documents.Path", c.Documents.Path)
	case BackendS3:
		err = required("Documents.Bucket", c.Documents.Bucket)
		if err == nil && c.Documents.Region == "" && c.Documents.Endpoint == "" {
			err = WithContext(ErrInvalidConfig, map[string]interface{}{
				"field":  "Documents.Region/Endpoint",
				"reason": "S3 backend requires either Region or Endpoint",
			})
		}
	case BackendMinIO:
		err = required("Documents.Bucket", c.Documents.Bucket)
		if err == nil {
			err = required("Documents.Endpoint", c.Documents.Endpoint)
		}
	case BackendGCS:
		err = required("Documents.Bucket", c.Documents.Bucket)
	case BackendNeo4j:
		err = required("Neo4j.URI", c.Neo4j.URI)
	case BackendCassandra:
		err = c.Cassandra.Validate()
	default:
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Kind",
			"value":  string(c.Kind),
			"reason": "unknown backend kind",
		})
	}
	if err != nil {
		return err
	}

	if c.PurchaserIndex && c.Redis.Addr == "" {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Redis.Addr",
			"reason": "purchaser index requires Redis",
		})
	}
	if c.Breaker.Enabled && (c.Breaker.MaxFailures <= 0 || c.Breaker.ResetTimeout <= 0) {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Breaker",
			"reason": "max failures and reset timeout must be positive",
		})
	}
	return nil
}

// Config is the full configuration of a shopquery process.
type Config struct {
	Backend     BackendConfig `yaml:"backend"`
	Query       QueryConfig   `yaml:"query"`
	LogLevel    string        `yaml:"log_level"`
	MetricsAddr string        `yaml:"metrics_addr"`
	ListenPort  int           `yaml:"listen_port"`
}

// DefaultConfig returns a configuration for the in-memory backend.
func DefaultConfig() Config {
	return Config{
		Backend: BackendConfig{
			Kind: BackendMemory,
			Cassandra: CassandraConfig{
				Port:     9042,
				Keyspace: "shopquery",
			},
			Breaker: BreakerConfig{
				MaxFailures:  DefaultBreakerMaxFailures,
				ResetTimeout: DefaultBreakerResetTimeout,
			},
		},
		Query:      DefaultQueryConfig(),
		LogLevel:   "info",
		ListenPort: 5433,
	}
}

// Validate checks the backend and query sections.
func (c Config) Validate() error {
	if err := c.Backend.Validate(); err != nil {
		return err
	}
	return c.Query.Validate()
}

// LoadConfigFromEnv returns DefaultConfig overridden by environment variables.
//
// Environment variables read:
//   - SHOPQUERY_BACKEND, SHOPQUERY_DATASET, SHOPQUERY_LOG_LEVEL, SHOPQUERY_METRICS_ADDR
//   - SHOPQUERY_MAX_CONCURRENCY, SHOPQUERY_TIMEOUT, SHOPQUERY_STRATEGY, SHOPQUERY_USE_SNAPSHOT,
//     SHOPQUERY_SLOW_QUERY_THRESHOLD
//   - SHOPQUERY_PURCHASER_INDEX, SHOPQUERY_INDEX_CHECK_INTERVAL, SHOPQUERY_BREAKER
//   - DATABASE_URL (postgres, sqlite), DATABASE_JSONB_URL (pgjson)
//   - REDIS_ADDR, REDIS_PASSWORD, REDIS_DB
//   - NEO4J_URI, NEO4J_USER, NEO4J_PASSWORD, NEO4J_DATABASE
//   - CASSANDRA_CONTACT_POINTS (comma separated), CASSANDRA_PORT, CASSANDRA_KEYSPACE,
//     CASSANDRA_USERNAME, CASSANDRA_PASSWORD
//   - BADGER_PATH
//   - DOCSTORE_PATH, DOCSTORE_BUCKET, DOCSTORE_REGION, DOCSTORE_ENDPOINT,
//     DOCSTORE_ACCESS_KEY_ID, DOCSTORE_SECRET_ACCESS_KEY, DOCSTORE_USE_SSL,
//     GOOGLE_APPLICATION_CREDENTIALS
func LoadConfigFromEnv() Config {
	cfg := DefaultConfig()
	applyEnv(&cfg)
	return cfg
}

// LoadConfigFile reads a YAML configuration file. Environment variables
// override values from the file.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, WithContext(ErrInvalidConfig, map[string]interface{}{
			"path":   path,
			"reason": err.Error(),
		})
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.LogLevel, "SHOPQUERY_LOG_LEVEL")
	setString(&cfg.MetricsAddr, "SHOPQUERY_METRICS_ADDR")
	cfg.ListenPort = getEnvAsInt("SHOPQUERY_PORT", cfg.ListenPort)

	if kind := os.Getenv("SHOPQUERY_BACKEND"); kind != "" {
		cfg.Backend.Kind = BackendKind(strings.ToLower(kind))
	}
	setString(&cfg.Backend.Dataset, "SHOPQUERY_DATASET")

	b := &cfg.Backend
	switch b.Kind {
	case BackendPGJSON:
		setString(&b.DSN, "DATABASE_JSONB_URL")
	case BackendPostgres, BackendSQLite:
		setString(&b.DSN, "DATABASE_URL")
	}

	setString(&b.Redis.Addr, "REDIS_ADDR")
	setString(&b.Redis.Password, "REDIS_PASSWORD")
	b.Redis.DB = getEnvAsInt("REDIS_DB", b.Redis.DB)
	b.PurchaserIndex = getEnvAsBool("SHOPQUERY_PURCHASER_INDEX", b.PurchaserIndex)
	b.IndexCheckInterval = getEnvAsDuration("SHOPQUERY_INDEX_CHECK_INTERVAL", b.IndexCheckInterval)

	setString(&b.Neo4j.URI, "NEO4J_URI")
	setString(&b.Neo4j.User, "NEO4J_USER")
	setString(&b.Neo4j.Password, "NEO4J_PASSWORD")
	setString(&b.Neo4j.Database, "NEO4J_DATABASE")

	if hosts := os.Getenv("CASSANDRA_CONTACT_POINTS"); hosts != "" {
		b.Cassandra.Hosts = nil
		for _, h := range strings.Split(hosts, ",") {
			if h = strings.TrimSpace(h); h != "" {
				b.Cassandra.Hosts = append(b.Cassandra.Hosts, h)
			}
		}
	}
	b.Cassandra.Port = getEnvAsInt("CASSANDRA_PORT", b.Cassandra.Port)
	setString(&b.Cassandra.Keyspace, "CASSANDRA_KEYSPACE")
	setString(&b.Cassandra.Username, "CASSANDRA_USERNAME")
	setString(&b.Cassandra.Password, "CASSANDRA_PASSWORD")

	setString(&b.Badger.Path, "BADGER_PATH")

	setString(&b.Documents.Path, "DOCSTORE_PATH")
	setString(&b.Documents.Bucket, "DOCSTORE_BUCKET")
	setString(&b.Documents.Region, "DOCSTORE_REGION")
	setString(&b.Documents.Endpoint, "DOCSTORE_ENDPOINT")
	setString(&b.Documents.AccessKeyID, "DOCSTORE_ACCESS_KEY_ID")
	setString(&b.Documents.SecretAccessKey, "DOCSTORE_SECRET_ACCESS_KEY")
	setString(&b.Documents.CredentialsFile, "GOOGLE_APPLICATION_CREDENTIALS")
	b.Documents.UseSSL = getEnvAsBool("DOCSTORE_USE_SSL", b.Documents.UseSSL)

	b.Breaker.Enabled = getEnvAsBool("SHOPQUERY_BREAKER", b.Breaker.Enabled)

	q := &cfg.Query
	q.MaxConcurrency = getEnvAsInt("SHOPQUERY_MAX_CONCURRENCY", q.MaxConcurrency)
	q.Timeout = getEnvAsDuration("SHOPQUERY_TIMEOUT", q.Timeout)
	if s := os.Getenv("SHOPQUERY_STRATEGY"); s != "" {
		q.Strategy = Strategy(strings.ToLower(s))
	}
	q.UseSnapshot = getEnvAsBool("SHOPQUERY_USE_SNAPSHOT", q.UseSnapshot)
	q.SlowQueryThreshold = getEnvAsDuration("SHOPQUERY_SLOW_QUERY_THRESHOLD", q.SlowQueryThreshold)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// getEnvAsInt reads an integer environment variable with a default fallback.
func getEnvAsInt(key string, defaultVal int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultVal
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultVal
	}

	return value
}

func getEnvAsBool(key string, defaultVal bool) bool {
	value, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultVal
	}
	return value
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	value, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return defaultVal
	}
	return value
}
