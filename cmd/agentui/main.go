package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/agentui/internal/audit"
	"github.com/basket/agentui/internal/auth"
	"github.com/basket/agentui/internal/bus"
	"github.com/basket/agentui/internal/config"
	"github.com/basket/agentui/internal/gateway"
	"github.com/basket/agentui/internal/otel"
	"github.com/basket/agentui/internal/persistence"
	"github.com/basket/agentui/internal/protocol"
	"github.com/basket/agentui/internal/retention"
	"github.com/basket/agentui/internal/session"
	"github.com/basket/agentui/internal/telemetry"
	"github.com/mattn/go-isatty"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

SERVER (default):
  %s                          Start the session gateway with the demo echo agent

SUBCOMMANDS:
  %s status                   Show gateway health (/healthz)
  %s sessions [-limit N]      List live and stored sessions (/api/sessions)
  %s version                  Print the version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  AGENTUI_HOME                 Data directory (default: ~/.agentui)
  AGENTUI_BIND_ADDR            Listen address (default: 127.0.0.1:8765)
  AGENTUI_SESSION_TIMEOUT_SECONDS
                               Restore window after a disconnect
  AGENTUI_REQUIRED_USER_ENV    Comma-separated keys required in User-Env
  AGENTUI_DATABASE             "", local or custom
  AGENTUI_API_KEY              Key sent by the status/sessions subcommands
`)
}

func main() {
	loadDotEnv(".env")

	quietFlag := flag.Bool("quiet", false, "log to file only")
	flag.Usage = printUsage
	flag.Parse()

	// Quiet logs when stdout is not a terminal and the operator did not ask
	// for them, e.g. under a supervisor that already captures the file log.
	quietLogs := *quietFlag || (!isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("AGENTUI_LOG_STDOUT") == "")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "sessions":
			os.Exit(runSessionsCommand(ctx, args[1:]))
		case "version":
			fmt.Println(Version)
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, nil, "E_CONFIG_LOAD", err)
	}
	if cfg.FirstRun {
		if err := config.WriteDefault(cfg.HomeDir); err != nil {
			fatalStartup(nil, nil, "E_CONFIG_WRITE", err)
		}
	}

	// Audit opens before the logger so E_LOGGER_INIT failures are audited.
	auditLog, err := audit.Open(cfg.HomeDir)
	if err != nil {
		fatalStartup(nil, nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = auditLog.Close() }()

	logger, levelVar, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, auditLog, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded",
		"home", cfg.HomeDir, "first_run", cfg.FirstRun, "fingerprint", cfg.Fingerprint())

	otelProvider, err := otel.Init(ctx, otel.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, auditLog, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := otel.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, auditLog, "E_OTEL_INIT", err)
	}

	eventBus := bus.New()
	go metrics.Follow(ctx, eventBus)
	go auditLog.Follow(ctx, eventBus)

	callbacks := demoCallbacks(logger)
	apiAuth := auth.New(cfg.Auth)
	if apiAuth.Enabled() {
		callbacks.AuthClientFactory = apiAuth.Factory()
	}

	var store *persistence.Store
	switch cfg.Database {
	case config.DatabaseLocal:
		store, err = persistence.Open(cfg.ResolvedDBPath())
		if err != nil {
			fatalStartup(logger, auditLog, "E_STORE_OPEN", err)
		}
		defer store.Close()
		auditLog.SetDB(store.DB())
		callbacks.DBClientFactory = store.ClientFactory()
		logger.Info("startup phase", "phase", "store_opened", "path", cfg.ResolvedDBPath())

		sched, err := retention.NewScheduler(retention.Config{
			Store: store,
			Policy: persistence.RetentionPolicy{
				MessagesDays: cfg.Retention.MessagesDays,
				SessionsDays: cfg.Retention.SessionsDays,
				AuditDays:    cfg.Retention.AuditDays,
			},
			Schedule: cfg.Retention.Schedule,
			Logger:   logger,
		})
		if err != nil {
			fatalStartup(logger, auditLog, "E_RETENTION_SCHEDULE", err)
		}
		sched.Start(ctx)
		defer sched.Stop()
	case config.DatabaseCustom:
		logger.Warn("database is custom but this binary registers no DBClientFactory; sessions run without storage")
	}

	validator, err := protocol.NewValidator()
	if err != nil {
		fatalStartup(logger, auditLog, "E_SCHEMA_COMPILE", err)
	}

	gw := gateway.New(gateway.Config{
		Registry:          session.NewRegistry(),
		Callbacks:         callbacks,
		Bus:               eventBus,
		Validator:         validator,
		Store:             store,
		APIAuth:           apiAuth,
		Tracer:            otelProvider.Tracer,
		Metrics:           metrics,
		Logger:            logger,
		RequiredUserEnv:   cfg.RequiredUserEnv,
		SessionTimeout:    cfg.SessionTimeout(),
		AskTimeout:        cfg.AskTimeout(),
		Database:          cfg.Database,
		AllowOrigins:      cfg.AllowOrigins,
		RateLimit:         cfg.RateLimit,
		ConfigFingerprint: cfg.Fingerprint(),
	})

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, auditLog, "E_CONFIG_WATCHER_START", err)
	}
	go confWatcher.Reload(ctx, func(next config.Config) {
		gw.Reconfigure(next.SessionTimeout(), next.RequiredUserEnv)
		levelVar.Set(telemetry.ParseLevel(next.LogLevel))
		if next.Fingerprint() != cfg.Fingerprint() {
			logger.Info("config hot-reloaded; bind_addr, database, auth and telemetry changes need a restart",
				"fingerprint", next.Fingerprint())
		}
	})

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			hint := portOccupantHint(cfg.BindAddr)
			fatalStartup(logger, auditLog, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, hint))
		}
		fatalStartup(logger, auditLog, "E_LISTENER_BIND", err)
	}
	auditLog.Record(ctx, audit.DecisionInfo, audit.ActionStartup, "listening", cfg.BindAddr)
	go func() {
		logger.Info("startup phase", "phase", "listening", "addr", cfg.BindAddr, "ws", "/ws", "version", Version)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first, then drain running callback turns.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.DrainTimeout())
	defer cancelDrain()
	if err := gw.Shutdown(drainCtx); err != nil {
		logger.Warn("callback drain timed out", "error", err)
	}
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, auditLog *audit.Log, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	auditLog.Record(context.Background(), audit.DecisionFatal, audit.ActionStartup, reasonCode, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"agentui","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return errors.Is(sysErr.Err, syscall.EADDRINUSE)
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	// Try lsof to identify the occupying process (macOS/Linux).
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	cmd := execCommandFunc(name, args...)
	out, err := cmd.Output()
	return string(out), err
}

var execCommandFunc = newExecCommand

func newExecCommand(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
}

// loadDotEnv sets variables from path that are not already in the
// environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
