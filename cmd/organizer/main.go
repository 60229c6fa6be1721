package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/basket/organizer/internal/audit"
	"github.com/basket/organizer/internal/channels"
	"github.com/basket/organizer/internal/config"
	"github.com/basket/organizer/internal/gateway"
	"github.com/basket/organizer/internal/telemetry"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %[1]s:

  %[1]s [serve]                Run the organizer: inbox worker, scheduler, gateway, channels

SUBCOMMANDS:
  %[1]s init                   Write a starter config.yaml into the home directory
  %[1]s status                 Show daemon health (/healthz)
  %[1]s doctor [-json]         Run diagnostic checks
  %[1]s submit [-queue] <file|->
                              Send a command envelope to the running daemon
  %[1]s tick <job>             Run one scheduled job now and exit

FLAGS:
`, os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  ORGANIZER_HOME                  Data directory (default: ~/.organizer)
  ORGANIZER_AUTH_TOKEN            Gateway bearer token (default: <home>/auth.token)
  TELEGRAM_TOKEN                  Telegram bot token
  GOOGLE_APPLICATION_CREDENTIALS  Calendar credentials when calendar.credentials_file is unset
`)
}

func main() {
	loadDotEnv(".env")

	quiet := flag.Bool("quiet", false, "write logs to <home>/logs only")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "init":
			os.Exit(runInitCommand(args[1:]))
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "submit":
			os.Exit(runSubmitCommand(ctx, args[1:]))
		case "tick":
			os.Exit(runTickCommand(ctx, args[1:]))
		case "serve":
			mode, err := parseServeArgs(args[1:])
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			if mode == serveHelp {
				printServeUsage(os.Stdout)
				return
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	serve(ctx, *quiet)
}

func serve(ctx context.Context, quiet bool) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit first so a logger failure is still recorded.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint(), "version", Version)
	if cfg.NeedsGenesis {
		logger.Warn("config.yaml missing, running on defaults", "hint", "organizer init")
	}
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.Gateway.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected", "bind_addr", cfg.BindAddr)
		}
	}
	audit.SetConfigVersion(cfg.Fingerprint())

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		var se *startupError
		if errors.As(err, &se) {
			fatalStartup(logger, se.code, se.err)
		}
		fatalStartup(logger, "E_RUNTIME_INIT", err)
	}
	defer a.Close()

	token, err := loadAuthToken(cfg)
	if err != nil {
		fatalStartup(logger, "E_AUTH_TOKEN", err)
	}

	gw := gateway.New(gateway.Config{
		Store:             a.store,
		Engine:            a.engine,
		Validator:         a.validator,
		Bus:               a.bus,
		Logger:            logger,
		Metrics:           a.metrics,
		MetricsHandler:    a.otel.MetricsHandler(),
		Backpressure:      a.Backpressure,
		WorkerStatus:      a.processor.Status,
		Jobs:              a.scheduler.Jobs,
		AuthToken:         token,
		Auth:              cfg.Gateway.Auth,
		CORS:              cfg.Gateway.CORS,
		RateLimit:         cfg.Gateway.RateLimit,
		MaxRequestBytes:   cfg.Gateway.MaxRequestBytes,
		AllowOrigins:      cfg.Gateway.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
	})
	gw.RateLimiter().StartEviction(ctx, 5*time.Minute, 30*time.Minute)

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			hint := portOccupantHint(cfg.BindAddr)
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, hint))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws", "sse", "/api/events")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	a.scheduler.Start(ctx)
	logger.Info("startup phase", "phase", "scheduler_started", "jobs", len(a.scheduler.Jobs()))

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable, hot reload disabled", "error", err)
	} else {
		go a.watchConfig(ctx, watcher)
	}

	tgCfg := cfg.Channels.Telegram
	if tgCfg.Enabled {
		tg := channels.NewTelegramChannel(channels.TelegramConfig{
			Token:        tgCfg.Token,
			AllowedIDs:   tgCfg.AllowedIDs,
			OwnerChatID:  tgCfg.OwnerChatID,
			PollTimeout:  time.Duration(tgCfg.PollTimeout) * time.Second,
			Store:        a.store,
			Bus:          a.bus,
			Logger:       logger,
			Metrics:      a.metrics,
			Backpressure: a.Backpressure,
		})
		go func() {
			if err := tg.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("telegram channel failed", "error", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first, then let running jobs finish within the drain budget.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	drainTimeout := time.Duration(cfg.DrainTimeoutSeconds) * time.Second
	if drainTimeout <= 0 {
		drainTimeout = 5 * time.Second
	}
	stopped := make(chan struct{})
	go func() {
		a.scheduler.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(drainTimeout):
		logger.Warn("drain timeout exceeded; claimed inbox items will be re-leased on next start", "timeout", drainTimeout)
	}
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(context.Background(), audit.DecisionFatal, "runtime.startup", reasonCode, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
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
		val := strings.Trim(strings.TrimSpace(line[eq+1:]), `"'`)
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

func authTokenPath(homeDir string) string {
	return filepath.Join(homeDir, "auth.token")
}

// readAuthToken returns the configured gateway token, or "" when none exists yet.
func readAuthToken(cfg config.Config) string {
	if tok := strings.TrimSpace(cfg.Gateway.AuthToken); tok != "" {
		return tok
	}
	b, err := os.ReadFile(authTokenPath(cfg.HomeDir))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// loadAuthToken is readAuthToken plus generation of auth.token on first run.
func loadAuthToken(cfg config.Config) (string, error) {
	if tok := readAuthToken(cfg); tok != "" {
		return tok, nil
	}
	token := uuid.NewString()
	path := authTokenPath(cfg.HomeDir)
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", path)
	return token, nil
}

func runInitCommand(args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: organizer init")
		return 2
	}
	home := config.HomeDir()
	path, err := config.WriteDefault(home)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		return 1
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		return 1
	}
	if _, err := loadAuthToken(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		return 1
	}
	fmt.Printf("config: %s\ntoken:  %s\n", path, authTokenPath(home))
	return 0
}

type serveMode int

const (
	serveRun serveMode = iota
	serveHelp
)

func parseServeArgs(args []string) (serveMode, error) {
	if len(args) == 0 {
		return serveRun, nil
	}
	if len(args) == 1 && isHelpArg(args[0]) {
		return serveHelp, nil
	}
	return serveRun, fmt.Errorf("usage: organizer serve [--help]")
}

func isHelpArg(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "-h", "--help", "help":
		return true
	default:
		return false
	}
}

func printServeUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: organizer serve [--help]")
	fmt.Fprintln(w, "       organizer -quiet serve")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Runs the inbox worker, scheduler, HTTP gateway and enabled channels.")
}

// colorOutput reports whether f is a terminal that should get ANSI colors.
func colorOutput(f *os.File) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
