package config

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/coachpo/courier/internal/app/scheduler"
	"github.com/coachpo/courier/internal/infra/bus/membus"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error when config file missing")
	}
}

func TestLoadOrDefaultFallsBackWhenMissing(t *testing.T) {
	cfg, loaded, err := LoadOrDefault(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load or default: %v", err)
	}
	if loaded {
		t.Fatalf("expected defaults when file missing")
	}
	if cfg.Environment != EnvDev {
		t.Fatalf("expected dev environment, got %q", cfg.Environment)
	}
	if !cfg.Outbox.Bulk || cfg.Outbox.PageSize != 100 || cfg.Outbox.Interval != time.Second {
		t.Fatalf("unexpected outbox defaults %+v", cfg.Outbox)
	}
	if cfg.Database.Enabled() || cfg.Redis.Enabled() {
		t.Fatalf("expected in-memory defaults, got database=%q redis=%q", cfg.Database.DSN, cfg.Redis.Addr)
	}
	if cfg.APIServer.Addr != ":8880" {
		t.Fatalf("unexpected api addr %q", cfg.APIServer.Addr)
	}
}

func TestLoadOrDefaultPropagatesParseErrors(t *testing.T) {
	path := writeConfig(t, "outbox: [not, a, map]\n")
	if _, _, err := LoadOrDefault(context.Background(), path); err == nil {
		t.Fatalf("expected parse error to surface")
	}
}

func TestLoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
environment: PROD
outbox:
  ceiling: 5000
  pageSize: 250
  interval: 2s
  maxAttempts: 4
  minMessageAge: 500ms
  maxConcurrentBatches: 8
  bulk: false
archive:
  enabled: false
  retention: 48h
scheduler:
  conflictPolicy: Overwrite
  workers: 2
bus:
  bufferSize: 64
  fanoutWorkers: auto
  overflow: dropOldest
database:
  dsn: " postgresql://db:5432/courier "
  maxConns: 4
  minConns: 8
  runMigrations: true
redis:
  addr: redis:6379
  lockExpiry: 10s
kafka:
  brokers: [" k1:9092 ", "", "k2:9092"]
  timeout: 3s
websocket:
  url: ws://peer/ingest
publications:
  - topic: " orders "
    driver: Kafka
    rateLimit: 50
    rateBurst: 10
  - topic: quotes
    driver: websocket
    timeout: 2s
    properties:
      path: /quotes
  - topic: audit
    driver: memory
apiServer:
  addr: ":9999"
telemetry:
  serviceName: courier-test
logging:
  level: DEBUG
`)

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != EnvProd {
		t.Fatalf("expected prod, got %q", cfg.Environment)
	}
	if cfg.Outbox.Ceiling != 5000 || cfg.Outbox.PageSize != 250 || cfg.Outbox.Bulk {
		t.Fatalf("unexpected outbox %+v", cfg.Outbox)
	}
	if cfg.Outbox.MinMessageAge != 500*time.Millisecond || cfg.Outbox.Interval != 2*time.Second {
		t.Fatalf("unexpected outbox durations %+v", cfg.Outbox)
	}
	if cfg.Outbox.RetryAttempts != 3 || cfg.Outbox.BreakerFailures != 5 {
		t.Fatalf("expected retry and breaker defaults, got %+v", cfg.Outbox)
	}
	if cfg.Archive.Enabled || cfg.Archive.Retention != 48*time.Hour || cfg.Archive.BatchSize != 100 {
		t.Fatalf("unexpected archive %+v", cfg.Archive)
	}
	policy, err := cfg.Scheduler.Policy()
	if err != nil || policy != scheduler.ConflictOverwrite {
		t.Fatalf("expected overwrite policy, got %q (%v)", policy, err)
	}
	if cfg.Scheduler.Workers != 2 || cfg.Scheduler.Queue != 256 {
		t.Fatalf("unexpected scheduler %+v", cfg.Scheduler)
	}
	bus := cfg.Bus.MembusConfig()
	if bus.BufferSize != 64 || bus.Overflow != membus.OverflowDropOldest || bus.FanoutWorkers != runtime.NumCPU() {
		t.Fatalf("unexpected bus config %+v", bus)
	}
	if cfg.Database.DSN != "postgresql://db:5432/courier" || cfg.Database.MinConns != 4 {
		t.Fatalf("unexpected database %+v", cfg.Database)
	}
	if cfg.Redis.LockExpiry != 10*time.Second || cfg.Redis.JobPrefix != "courier:scheduler" || !cfg.Redis.LockEnabled {
		t.Fatalf("unexpected redis %+v", cfg.Redis)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[0] != "k1:9092" {
		t.Fatalf("unexpected brokers %v", cfg.Kafka.Brokers)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("unexpected log level %q", cfg.Logging.Level)
	}

	pubs := cfg.ProducerPublications()
	if len(pubs) != 3 {
		t.Fatalf("expected 3 publications, got %d", len(pubs))
	}
	if pubs[0].Topic != "orders" || pubs[0].Driver != DriverKafka || pubs[0].RateLimit != 50 || pubs[0].RateBurst != 10 {
		t.Fatalf("unexpected first publication %+v", pubs[0])
	}
	if pubs[1].Timeout != 2*time.Second || pubs[1].Properties["path"] != "/quotes" {
		t.Fatalf("unexpected websocket publication %+v", pubs[1])
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, `
environment: dev
outbox:
  pageSize: 10
redis:
  addr: file:6379
`)
	t.Setenv("COURIER_ENV", "staging")
	t.Setenv("COURIER_OUTBOX_PAGE_SIZE", "42")
	t.Setenv("COURIER_OUTBOX_MIN_MESSAGE_AGE", "3s")
	t.Setenv("COURIER_REDIS_ADDR", "env:6379")
	t.Setenv("COURIER_KAFKA_BROKERS", "a:9092,b:9092")

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != EnvStaging {
		t.Fatalf("expected staging from env, got %q", cfg.Environment)
	}
	if cfg.Outbox.PageSize != 42 || cfg.Outbox.MinMessageAge != 3*time.Second {
		t.Fatalf("expected env overrides on outbox, got %+v", cfg.Outbox)
	}
	if cfg.Redis.Addr != "env:6379" {
		t.Fatalf("expected env redis addr, got %q", cfg.Redis.Addr)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "b:9092" {
		t.Fatalf("expected brokers from env, got %v", cfg.Kafka.Brokers)
	}
}

func TestMaxAttemptsZeroDisablesDeadLettering(t *testing.T) {
	cfg, err := Load(context.Background(), writeConfig(t, "outbox:\n  maxAttempts: 0\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Outbox.MaxAttempts != 0 {
		t.Fatalf("expected maxAttempts 0 to survive defaults, got %d", cfg.Outbox.MaxAttempts)
	}

	cfg, err = Load(context.Background(), writeConfig(t, "outbox:\n  pageSize: 10\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Outbox.MaxAttempts != 10 {
		t.Fatalf("expected default maxAttempts 10 when unset, got %d", cfg.Outbox.MaxAttempts)
	}

	t.Setenv("COURIER_OUTBOX_MAX_ATTEMPTS", "0")
	cfg, _, err = LoadOrDefault(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load or default: %v", err)
	}
	if cfg.Outbox.MaxAttempts != 0 {
		t.Fatalf("expected env maxAttempts 0 to survive defaults, got %d", cfg.Outbox.MaxAttempts)
	}
}

func TestValidateRejectsInvalidConfig(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"environment", "environment: qa\n", "environment must be one of"},
		{"ceiling", "outbox:\n  ceiling: 10\n  pageSize: 20\n", "pageSize must be <= ceiling"},
		{"maxAttempts", "outbox:\n  maxAttempts: -1\n", "maxAttempts must be >=0"},
		{"policy", "scheduler:\n  conflictPolicy: merge\n", "scheduler:"},
		{"persist", "scheduler:\n  persist: true\n", "persist requires redis"},
		{"migrations", "database:\n  runMigrations: true\n", "runMigrations requires dsn"},
		{"driver", "publications:\n  - topic: a\n    driver: smtp\n", `unknown driver "smtp"`},
		{"kafka", "publications:\n  - topic: a\n    driver: kafka\n", "kafka brokers required"},
		{"websocket", "publications:\n  - topic: a\n    driver: websocket\n", "websocket url required"},
		{"duplicate", "publications:\n  - topic: a\n    driver: memory\n  - topic: ' a'\n    driver: memory\n", `duplicate publication topic "a"`},
		{"topic", "publications:\n  - driver: memory\n", "topic required"},
		{"fanout", "bus:\n  fanoutWorkers: -1\n", "fanoutWorkers"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(context.Background(), writeConfig(t, tc.yaml))
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestDefaultAppConfigIsValid(t *testing.T) {
	cfg := DefaultAppConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Bus.MembusConfig().FanoutWorkers != 4 {
		t.Fatalf("expected default fanout workers 4")
	}
}
