// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"

	"github.com/coachpo/courier/internal/app/scheduler"
	"github.com/coachpo/courier/internal/domain/schema"
	"github.com/coachpo/courier/internal/infra/bus/membus"
	"github.com/coachpo/courier/internal/producer"
)

// OutboxConfig tunes the sweep cycle of the dispatch mediator.
type OutboxConfig struct {
	// Ceiling caps outstanding entries; zero disables the check.
	Ceiling              int           `yaml:"ceiling" env:"COURIER_OUTBOX_CEILING"`
	PageSize             int           `yaml:"pageSize" env:"COURIER_OUTBOX_PAGE_SIZE"`
	Interval             time.Duration `yaml:"interval" env:"COURIER_OUTBOX_INTERVAL"`
	// MaxAttempts dead-letters entries after this many failed sends; zero disables dead-lettering.
	MaxAttempts          int           `yaml:"maxAttempts" env:"COURIER_OUTBOX_MAX_ATTEMPTS"`
	MinMessageAge        time.Duration `yaml:"minMessageAge" env:"COURIER_OUTBOX_MIN_MESSAGE_AGE"`
	MaxConcurrentBatches int           `yaml:"maxConcurrentBatches" env:"COURIER_OUTBOX_MAX_CONCURRENT_BATCHES"`
	Bulk                 bool          `yaml:"bulk" env:"COURIER_OUTBOX_BULK"`
	RetryAttempts        uint          `yaml:"retryAttempts" env:"COURIER_OUTBOX_RETRY_ATTEMPTS"`
	RetryInterval        time.Duration `yaml:"retryInterval" env:"COURIER_OUTBOX_RETRY_INTERVAL"`
	BreakerFailures      uint32        `yaml:"breakerFailures" env:"COURIER_OUTBOX_BREAKER_FAILURES"`
	BreakerTimeout       time.Duration `yaml:"breakerTimeout" env:"COURIER_OUTBOX_BREAKER_TIMEOUT"`
}

func (c *OutboxConfig) applyDefaults() {
	if c.PageSize <= 0 {
		c.PageSize = 100
	}
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.MaxConcurrentBatches <= 0 {
		c.MaxConcurrentBatches = 4
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 3
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 50 * time.Millisecond
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 30 * time.Second
	}
}

func (c OutboxConfig) validate() error {
	if c.Ceiling < 0 {
		return fmt.Errorf("ceiling must be >=0")
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("maxAttempts must be >=0")
	}
	if c.MinMessageAge < 0 {
		return fmt.Errorf("minMessageAge must be >=0")
	}
	if c.Ceiling > 0 && c.PageSize > c.Ceiling {
		return fmt.Errorf("pageSize must be <= ceiling")
	}
	return nil
}

// ArchiveConfig controls the retention sweep for dispatched entries.
type ArchiveConfig struct {
	Enabled   bool          `yaml:"enabled" env:"COURIER_ARCHIVE_ENABLED"`
	Retention time.Duration `yaml:"retention" env:"COURIER_ARCHIVE_RETENTION"`
	Interval  time.Duration `yaml:"interval" env:"COURIER_ARCHIVE_INTERVAL"`
	BatchSize int           `yaml:"batchSize" env:"COURIER_ARCHIVE_BATCH_SIZE"`
}

func (c *ArchiveConfig) applyDefaults() {
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
}

// SchedulerConfig sizes the delayed dispatch scheduler.
type SchedulerConfig struct {
	ConflictPolicy string        `yaml:"conflictPolicy" env:"COURIER_SCHEDULER_CONFLICT_POLICY"`
	Workers        int           `yaml:"workers" env:"COURIER_SCHEDULER_WORKERS"`
	Queue          int           `yaml:"queue" env:"COURIER_SCHEDULER_QUEUE"`
	FireTimeout    time.Duration `yaml:"fireTimeout" env:"COURIER_SCHEDULER_FIRE_TIMEOUT"`
	// Persist stores jobs in Redis when a redis address is configured.
	Persist bool `yaml:"persist" env:"COURIER_SCHEDULER_PERSIST"`
}

func (c *SchedulerConfig) applyDefaults() {
	c.ConflictPolicy = strings.ToLower(strings.TrimSpace(c.ConflictPolicy))
	if c.ConflictPolicy == "" {
		c.ConflictPolicy = string(scheduler.ConflictThrow)
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Queue <= 0 {
		c.Queue = 256
	}
	if c.FireTimeout <= 0 {
		c.FireTimeout = 30 * time.Second
	}
}

// Policy returns the parsed conflict policy.
func (c SchedulerConfig) Policy() (scheduler.ConflictPolicy, error) {
	return scheduler.ParseConflictPolicy(c.ConflictPolicy)
}

// BusConfig sizes the in-memory bus behind the memory producer driver.
type BusConfig struct {
	BufferSize    int                 `yaml:"bufferSize" env:"COURIER_BUS_BUFFER_SIZE"`
	FanoutWorkers FanoutWorkerSetting `yaml:"fanoutWorkers"`
	// Overflow is block or dropOldest.
	Overflow string `yaml:"overflow" env:"COURIER_BUS_OVERFLOW"`
}

// MembusConfig converts the section into the bus configuration.
func (c BusConfig) MembusConfig() membus.Config {
	policy := membus.OverflowBlock
	if strings.EqualFold(c.Overflow, "dropOldest") {
		policy = membus.OverflowDropOldest
	}
	return membus.Config{
		BufferSize:    c.BufferSize,
		FanoutWorkers: c.FanoutWorkers.resolve(),
		Overflow:      policy,
	}
}

type fanoutWorkerKind int

const (
	fanoutWorkerUnset fanoutWorkerKind = iota
	fanoutWorkerExplicit
	fanoutWorkerAuto
	fanoutWorkerDefault
)

// FanoutWorkerSetting accepts a positive integer, "auto" or "default".
type FanoutWorkerSetting struct {
	kind  fanoutWorkerKind
	value int
}

// UnmarshalYAML supports integer, "auto", and "default" values for fanout workers.
func (s *FanoutWorkerSetting) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = FanoutWorkerSetting{}
		return nil
	}
	return s.parse(node.Value)
}

func (s *FanoutWorkerSetting) parse(raw string) error {
	text := strings.ToLower(strings.TrimSpace(raw))
	switch text {
	case "":
		*s = FanoutWorkerSetting{}
		return nil
	case "auto":
		*s = FanoutWorkerSetting{kind: fanoutWorkerAuto}
		return nil
	case "default":
		*s = FanoutWorkerSetting{kind: fanoutWorkerDefault}
		return nil
	}
	val, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("fanoutWorkers: invalid value %q", raw)
	}
	if val <= 0 {
		return fmt.Errorf("fanoutWorkers: numeric value must be > 0")
	}
	*s = FanoutWorkerSetting{kind: fanoutWorkerExplicit, value: val}
	return nil
}

func (s FanoutWorkerSetting) resolve() int {
	switch s.kind {
	case fanoutWorkerExplicit:
		return s.value
	case fanoutWorkerAuto:
		if cores := runtime.NumCPU(); cores > 0 {
			return cores
		}
		return 4
	default:
		return 4
	}
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour. An empty DSN keeps
// the outbox in memory.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn" env:"COURIER_DATABASE_DSN"`
	MaxConns          int32         `yaml:"maxConns" env:"COURIER_DATABASE_MAX_CONNS"`
	MinConns          int32         `yaml:"minConns" env:"COURIER_DATABASE_MIN_CONNS"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime" env:"COURIER_DATABASE_MAX_CONN_LIFETIME"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime" env:"COURIER_DATABASE_MAX_CONN_IDLE_TIME"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod" env:"COURIER_DATABASE_HEALTH_CHECK_PERIOD"`
	RunMigrations     bool          `yaml:"runMigrations" env:"COURIER_DATABASE_RUN_MIGRATIONS"`
}

// Enabled reports whether a durable outbox is configured.
func (c DatabaseConfig) Enabled() bool {
	return strings.TrimSpace(c.DSN) != ""
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

func (c DatabaseConfig) validate() error {
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	if c.RunMigrations && !c.Enabled() {
		return fmt.Errorf("runMigrations requires dsn")
	}
	return nil
}

// RedisConfig enables the sweeper lock and the durable scheduler job store. An empty address
// disables both.
type RedisConfig struct {
	Addr        string        `yaml:"addr" env:"COURIER_REDIS_ADDR"`
	Password    string        `yaml:"password" env:"COURIER_REDIS_PASSWORD"`
	DB          int           `yaml:"db" env:"COURIER_REDIS_DB"`
	LockEnabled bool          `yaml:"lockEnabled" env:"COURIER_REDIS_LOCK_ENABLED"`
	LockKey     string        `yaml:"lockKey" env:"COURIER_REDIS_LOCK_KEY"`
	LockExpiry  time.Duration `yaml:"lockExpiry" env:"COURIER_REDIS_LOCK_EXPIRY"`
	JobPrefix   string        `yaml:"jobPrefix" env:"COURIER_REDIS_JOB_PREFIX"`
}

// Enabled reports whether a redis address is configured.
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

func (c *RedisConfig) applyDefaults() {
	c.Addr = strings.TrimSpace(c.Addr)
	c.LockKey = strings.TrimSpace(c.LockKey)
	if c.LockExpiry <= 0 {
		c.LockExpiry = 30 * time.Second
	}
	c.JobPrefix = strings.TrimSpace(c.JobPrefix)
	if c.JobPrefix == "" {
		c.JobPrefix = "courier:scheduler"
	}
}

// KafkaConfig configures the kafka producer driver.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers" env:"COURIER_KAFKA_BROKERS" env-separator:","`
	ClientID     string        `yaml:"clientId" env:"COURIER_KAFKA_CLIENT_ID"`
	Version      string        `yaml:"version" env:"COURIER_KAFKA_VERSION"`
	RequiredAcks string        `yaml:"requiredAcks" env:"COURIER_KAFKA_REQUIRED_ACKS"`
	Timeout      time.Duration `yaml:"timeout" env:"COURIER_KAFKA_TIMEOUT"`
	MaxRetries   int           `yaml:"maxRetries" env:"COURIER_KAFKA_MAX_RETRIES"`
}

// WebsocketConfig configures the websocket producer driver.
type WebsocketConfig struct {
	URL                  string        `yaml:"url" env:"COURIER_WEBSOCKET_URL"`
	DialTimeout          time.Duration `yaml:"dialTimeout" env:"COURIER_WEBSOCKET_DIAL_TIMEOUT"`
	WriteTimeout         time.Duration `yaml:"writeTimeout" env:"COURIER_WEBSOCKET_WRITE_TIMEOUT"`
	MaxReconnectInterval time.Duration `yaml:"maxReconnectInterval" env:"COURIER_WEBSOCKET_MAX_RECONNECT_INTERVAL"`
	DialAttempts         uint          `yaml:"dialAttempts" env:"COURIER_WEBSOCKET_DIAL_ATTEMPTS"`
}

// PublicationConfig declares one routing key and the driver that serves it.
type PublicationConfig struct {
	Topic       string            `yaml:"topic"`
	Driver      string            `yaml:"driver"`
	MessageType string            `yaml:"messageType"`
	RateLimit   float64           `yaml:"rateLimit"`
	RateBurst   int               `yaml:"rateBurst"`
	Timeout     time.Duration     `yaml:"timeout"`
	Properties  map[string]string `yaml:"properties"`
}

// APIServerConfig configures the admin HTTP surface.
type APIServerConfig struct {
	Addr string `yaml:"addr" env:"COURIER_API_ADDR"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint" env:"COURIER_OTLP_ENDPOINT"`
	ServiceName   string `yaml:"serviceName" env:"COURIER_SERVICE_NAME"`
	OTLPInsecure  bool   `yaml:"otlpInsecure" env:"COURIER_OTLP_INSECURE"`
	EnableMetrics bool   `yaml:"enableMetrics" env:"COURIER_ENABLE_METRICS"`
}

// LoggingConfig selects the structured log level.
type LoggingConfig struct {
	Level string `yaml:"level" env:"COURIER_LOG_LEVEL"`
}

// AppConfig is the unified courier configuration sourced from YAML and the environment.
type AppConfig struct {
	Environment  Environment         `yaml:"environment" env:"COURIER_ENV"`
	Outbox       OutboxConfig        `yaml:"outbox"`
	Archive      ArchiveConfig       `yaml:"archive"`
	Scheduler    SchedulerConfig     `yaml:"scheduler"`
	Bus          BusConfig           `yaml:"bus"`
	Database     DatabaseConfig      `yaml:"database"`
	Redis        RedisConfig         `yaml:"redis"`
	Kafka        KafkaConfig         `yaml:"kafka"`
	Websocket    WebsocketConfig     `yaml:"websocket"`
	Publications []PublicationConfig `yaml:"publications"`
	APIServer    APIServerConfig     `yaml:"apiServer"`
	Telemetry    TelemetryConfig     `yaml:"telemetry"`
	Logging      LoggingConfig       `yaml:"logging"`
}

// DefaultAppConfig returns the configuration used when no file is present.
func DefaultAppConfig() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		Outbox:      OutboxConfig{Bulk: true, MaxAttempts: 10},
		Archive:     ArchiveConfig{Enabled: true},
		Bus:         BusConfig{BufferSize: 1024, FanoutWorkers: FanoutWorkerSetting{kind: fanoutWorkerDefault}},
		Redis:       RedisConfig{LockEnabled: true},
		Kafka:       KafkaConfig{ClientID: "courier", RequiredAcks: "all"},
		APIServer:   APIServerConfig{Addr: ":8880"},
		Telemetry:   TelemetryConfig{ServiceName: "courier", EnableMetrics: true},
		Logging:     LoggingConfig{Level: "info"},
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads the YAML file at configPath over the defaults, applies COURIER_* environment
// overrides and validates the result.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultAppConfig()
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return finish(cfg)
}

// LoadOrDefault loads configPath, falling back to defaults plus environment overrides when
// the file does not exist. The boolean reports whether the file was read.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	cfg, err := Load(ctx, configPath)
	if err == nil {
		return cfg, true, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return AppConfig{}, false, err
	}
	cfg, err = finish(DefaultAppConfig())
	return cfg, false, err
}

func finish(cfg AppConfig) (AppConfig, error) {
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return AppConfig{}, fmt.Errorf("read environment: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))

	brokers := make([]string, 0, len(c.Kafka.Brokers))
	for _, broker := range c.Kafka.Brokers {
		if trimmed := strings.TrimSpace(broker); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	c.Kafka.Brokers = brokers
	c.Websocket.URL = strings.TrimSpace(c.Websocket.URL)

	seen := make(map[string]struct{}, len(c.Publications))
	for i := range c.Publications {
		pub := &c.Publications[i]
		pub.Topic = normalizeTopic(pub.Topic)
		pub.Driver = normalizeDriverName(pub.Driver)
		if pub.Topic == "" {
			return fmt.Errorf("publications[%d]: topic required", i)
		}
		if _, dup := seen[pub.Topic]; dup {
			return fmt.Errorf("duplicate publication topic %q", pub.Topic)
		}
		seen[pub.Topic] = struct{}{}
	}

	c.applyDefaults()
	return nil
}

func (c *AppConfig) applyDefaults() {
	c.Outbox.applyDefaults()
	c.Archive.applyDefaults()
	c.Scheduler.applyDefaults()
	c.Database.applyDefaults()
	c.Redis.applyDefaults()
	if c.Bus.BufferSize <= 0 {
		c.Bus.BufferSize = 1024
	}
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if err := c.Outbox.validate(); err != nil {
		return fmt.Errorf("outbox: %w", err)
	}
	if _, err := c.Scheduler.Policy(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if c.Bus.BufferSize <= 0 {
		return fmt.Errorf("bus bufferSize must be >0")
	}
	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if c.Scheduler.Persist && !c.Redis.Enabled() {
		return fmt.Errorf("scheduler persist requires redis addr")
	}

	for _, pub := range c.Publications {
		switch pub.Driver {
		case DriverKafka:
			if len(c.Kafka.Brokers) == 0 {
				return fmt.Errorf("publication %q: kafka brokers required", pub.Topic)
			}
		case DriverWebsocket:
			if c.Websocket.URL == "" && pub.Properties["url"] == "" {
				return fmt.Errorf("publication %q: websocket url required", pub.Topic)
			}
		case DriverMemory:
		default:
			return fmt.Errorf("publication %q: unknown driver %q", pub.Topic, pub.Driver)
		}
		if pub.RateLimit < 0 || pub.RateBurst < 0 {
			return fmt.Errorf("publication %q: rate limit must be >=0", pub.Topic)
		}
	}

	if strings.TrimSpace(c.APIServer.Addr) == "" {
		return fmt.Errorf("apiServer addr required")
	}
	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	return nil
}

// ProducerPublications converts the declared publications for the producer registry.
func (c AppConfig) ProducerPublications() []producer.Publication {
	out := make([]producer.Publication, 0, len(c.Publications))
	for _, pub := range c.Publications {
		out = append(out, producer.Publication{
			Topic:       schema.RoutingKey(pub.Topic),
			Driver:      pub.Driver,
			MessageType: pub.MessageType,
			RateLimit:   pub.RateLimit,
			RateBurst:   pub.RateBurst,
			Timeout:     pub.Timeout,
			Properties:  pub.Properties,
		})
	}
	return out
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
