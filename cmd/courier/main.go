// Command courier runs the outbox dispatch engine and its operator tooling.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/courier/internal/app/recoverer"
	"github.com/coachpo/courier/internal/domain/schema"
	"github.com/coachpo/courier/internal/infra/config"
	httpserver "github.com/coachpo/courier/internal/infra/server/http"
	"github.com/coachpo/courier/internal/infra/telemetry"
	"github.com/coachpo/courier/internal/observability"
)

const (
	defaultConfigPath        = "config/app.yaml"
	courierLoggerPrefix      = "courier "
	shutdownTimeout          = 30 * time.Second
	apiServerShutdownTimeout = 5 * time.Second
	mediatorShutdownTimeout  = 10 * time.Second
	schedulerShutdownTimeout = 5 * time.Second
	lifecycleShutdownTimeout = 5 * time.Second
	resourcesShutdownTimeout = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	apiReadHeaderTimeout     = 5 * time.Second
	repostTimeout            = 2 * time.Minute

	commandServe  = "serve"
	commandRepost = "repost"
)

type options struct {
	command    string
	configPath string
	ids        []schema.MessageID
	mark       bool
}

func main() {
	opts, err := parseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, cancel := newSignalContext()
	defer cancel()
	logger := newCourierLogger()

	switch opts.command {
	case commandRepost:
		err = runRepost(ctx, logger, opts, os.Stdout)
	default:
		err = runServe(ctx, cancel, logger, opts)
	}
	if err != nil {
		logger.Fatalf("%s: %v", opts.command, err)
	}
}

func parseArgs(args []string, output io.Writer) (options, error) {
	opts := options{command: commandServe}
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		opts.command = args[0]
		args = args[1:]
	}

	fs := flag.NewFlagSet("courier "+opts.command, flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&opts.configPath, "config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))

	var rawIDs string
	switch opts.command {
	case commandServe:
	case commandRepost:
		fs.StringVar(&rawIDs, "ids", "", "Comma separated message ids to send again")
		fs.BoolVar(&opts.mark, "mark", false, "Mark reposted messages dispatched")
	default:
		return options{}, fmt.Errorf("unknown command %q (expected %s or %s)", opts.command, commandServe, commandRepost)
	}
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	if opts.command == commandRepost {
		opts.ids = splitIDs(rawIDs)
		if len(opts.ids) == 0 {
			return options{}, errors.New("-ids flag is required")
		}
	}
	opts.configPath = resolveConfigPath(opts.configPath)
	return opts, nil
}

func splitIDs(raw string) []schema.MessageID {
	var ids []schema.MessageID
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			ids = append(ids, schema.MessageID(trimmed))
		}
	}
	return ids
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newCourierLogger() *log.Logger {
	return log.New(os.Stdout, courierLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func loadConfig(ctx context.Context, logger *log.Logger, path string) (config.AppConfig, *observability.ZapLogger, error) {
	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, path)
	if err != nil {
		return config.AppConfig{}, nil, fmt.Errorf("load config: %w", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: env=%s, publications=%d, durable=%t",
		appCfg.Environment, len(appCfg.Publications), appCfg.Database.Enabled())

	zl, err := observability.NewZapLogger(observability.ZapConfig{
		Environment: string(appCfg.Environment),
		Level:       appCfg.Logging.Level,
	})
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	observability.SetLogger(zl)
	return appCfg, zl, nil
}

func runServe(ctx context.Context, cancel context.CancelFunc, logger *log.Logger, opts options) error {
	appCfg, zl, err := loadConfig(ctx, logger, opts.configPath)
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		return err
	}

	rt, err := buildEngine(ctx, logger, appCfg)
	if err != nil {
		return err
	}

	if err := rt.mediator.Start(ctx); err != nil {
		_ = rt.scheduler.Close(ctx)
		_ = rt.close()
		return fmt.Errorf("start mediator: %w", err)
	}
	restored, err := rt.scheduler.Restore(ctx)
	if err != nil {
		logger.Printf("restore scheduled jobs: %v", err)
	} else if restored > 0 {
		logger.Printf("scheduled jobs restored: %d", restored)
	}

	var lifecycle conc.WaitGroup
	apiServer := buildAPIServer(appCfg.APIServer, rt)
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("admin API listening on %s", apiServer.Addr)

	logger.Print("courier started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     apiServer,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		components: rt,
		telemetry:  telemetryProvider,
	})
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
	return nil
}

func runRepost(ctx context.Context, logger *log.Logger, opts options, out io.Writer) error {
	appCfg, zl, err := loadConfig(ctx, logger, opts.configPath)
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()

	ctx, cancel := context.WithTimeout(ctx, repostTimeout)
	defer cancel()

	stores, err := openStores(ctx, logger, appCfg)
	if err != nil {
		return err
	}
	defer stores.close()
	if !appCfg.Database.Enabled() {
		logger.Printf("no database configured; repost reads an empty in-memory outbox")
	}

	bus, registry, err := buildRegistry(ctx, appCfg)
	if err != nil {
		return err
	}
	defer bus.Close()
	defer func() { _ = registry.Close() }()

	var recOpts []recoverer.Option
	if opts.mark {
		recOpts = append(recOpts, recoverer.WithMarkDispatched())
	}
	report, err := recoverer.New(recOpts...).RepostRouted(ctx, opts.ids, stores.outbox, registry)
	if err != nil {
		return err
	}
	if err := writeReport(out, report); err != nil {
		return err
	}
	if !report.OK() {
		return fmt.Errorf("repost incomplete: sent=%d missing=%d failed=%d",
			len(report.Sent), len(report.Missing), len(report.Failed))
	}
	return nil
}

func writeReport(out io.Writer, report recoverer.Report) error {
	failed := make(map[schema.MessageID]string, len(report.Failed))
	for id, err := range report.Failed {
		failed[id] = err.Error()
	}
	payload := struct {
		Sent    []schema.MessageID          `json:"sent"`
		Missing []schema.MessageID          `json:"missing"`
		Failed  map[schema.MessageID]string `json:"failed"`
	}{Sent: report.Sent, Missing: report.Missing, Failed: failed}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(payload)
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func buildAPIServer(cfg config.APIServerConfig, rt *engine) *http.Server {
	handler := httpserver.NewHandler(httpserver.Deps{
		Store:     rt.stores.outbox,
		Outbox:    rt.mediator,
		Resolver:  rt.registry,
		Recoverer: recoverer.New(),
		Scheduler: rt.scheduler,
		Logger:    observability.Log(),
	})
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: apiReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("admin server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	components *engine
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping admin server", apiServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if rt := cfg.components; rt != nil {
		shutdownStep("stopping mediator", mediatorShutdownTimeout, rt.mediator.Shutdown)
		shutdownStep("closing scheduler", schedulerShutdownTimeout, rt.scheduler.Close)
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if rt := cfg.components; rt != nil {
		shutdownStep("closing producers and stores", resourcesShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan error, 1)
			go func() { done <- rt.close() }()
			select {
			case err := <-done:
				return err
			case <-stepCtx.Done():
				return stepCtx.Err()
			}
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

func resolveConfigPath(flagValue string) string {
	if trimmed := strings.TrimSpace(flagValue); trimmed != "" {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(defaultConfigPath)
}
