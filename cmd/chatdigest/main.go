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
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/basket/chatdigest/internal/buffer"
	"github.com/basket/chatdigest/internal/bus"
	"github.com/basket/chatdigest/internal/channels"
	"github.com/basket/chatdigest/internal/config"
	"github.com/basket/chatdigest/internal/cron"
	"github.com/basket/chatdigest/internal/digest"
	"github.com/basket/chatdigest/internal/engine"
	"github.com/basket/chatdigest/internal/gateway"
	otelPkg "github.com/basket/chatdigest/internal/otel"
	"github.com/basket/chatdigest/internal/persistence"
	"github.com/basket/chatdigest/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %[1]s:

DAEMON MODE (default):
  %[1]s                          Run the summarizer daemon

SUBCOMMANDS:
  %[1]s status [-json]           Show conversations of the running daemon
  %[1]s summarize <id>           Request a summary now, e.g. telegram:-1001234
  %[1]s doctor [-json]           Check configuration, store and providers
  %[1]s version                  Print the version

FLAGS:
`, os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  CHATDIGEST_HOME         Data directory (default: ~/.chatdigest)
  TELEGRAM_TOKEN          Telegram bot token
  MATRIX_ACCESS_TOKEN     Matrix access token
  GEMINI_API_KEY          Gemini provider key (also ANTHROPIC_API_KEY,
                          OPENAI_API_KEY, OPENROUTER_API_KEY)
`)
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "version":
			fmt.Println(Version)
			return
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:], os.Stdout))
		case "summarize":
			os.Exit(runSummarizeCommand(ctx, args[1:], os.Stdout))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:], os.Stdout))
		case "daemon", "run":
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	os.Exit(runDaemon(ctx))
}

func runDaemon(ctx context.Context) int {
	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	cfg, err := config.Load()
	if err != nil {
		return fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		return fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "home", cfg.HomeDir, "missing_config", cfg.Missing)
	for _, w := range cfg.Warnings {
		logger.Warn("config value replaced by fallback", "error", w)
	}
	if cfg.Gateway.Enabled && cfg.Gateway.AuthToken == "" && !isLoopback(cfg.BindAddr) {
		logger.Warn("gateway bound to a non-loopback address without auth_token", "bind_addr", cfg.BindAddr)
	}

	eventBus := bus.New()

	// No-op when disabled.
	otelProvider, err := otelPkg.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fatalStartup(logger, "E_OTEL_INIT", err)
	}

	// A store that cannot be opened is not fatal; summaries still work in
	// memory, they just do not survive a restart.
	var kv engine.KVStore
	store, err := persistence.Open(cfg.Persistence, cfg.HomeDir)
	if err != nil {
		logger.Error("persistence unavailable, keeping state in memory only", "backend", cfg.Persistence.Backend, "error", err)
		store = nil
	} else {
		defer store.Close()
		if sq, ok := store.(*persistence.SQLiteGateway); ok {
			kv = sq
		}
		logger.Info("startup phase", "phase", "store_opened", "backend", cfg.Persistence.Backend)
	}

	completer := buildCompleter(ctx, cfg, kv, logger)

	mux := channels.NewMux()
	coord, err := digest.New(digest.Config{
		Store:             buffer.NewStore(cfg.Summary.BufferCapacity),
		Policy:            cfg.Summary.Policy(),
		Style:             cfg.Summary.Style,
		Completer:         completer,
		Sender:            mux,
		Gateway:           store,
		Bus:               eventBus,
		Metrics:           metrics,
		Tracer:            otelProvider.Tracer,
		Logger:            logger,
		MaxConcurrent:     cfg.Summary.MaxConcurrent,
		CompletionTimeout: cfg.Summary.CompletionTimeout(),
		MaxMessageChars:   cfg.Summary.MaxMessageChars,
		RetryFailedWindow: cfg.Summary.RetryFailedWindow,
	})
	if err != nil {
		return fatalStartup(logger, "E_COORDINATOR_INIT", err)
	}
	if err := coord.Load(ctx); err != nil {
		logger.Error("saved state could not be loaded, starting empty", "error", err)
	}
	logger.Info("startup phase", "phase", "state_loaded", "conversations", len(coord.Statuses()))

	sched := cron.NewScheduler(cron.Config{
		Dispatcher: coord,
		Logger:     logger,
		Daily:      cfg.Summary.DailySchedule(),
		Interval:   time.Duration(cfg.Summary.TickSeconds) * time.Second,
		Grace:      time.Duration(cfg.Summary.GraceSeconds) * time.Second,
	})
	sched.Start(ctx)

	var (
		server    *http.Server
		api       *gateway.Server
		serverErr = make(chan error, 1)
	)
	if cfg.Gateway.Enabled {
		api = gateway.New(gateway.Config{
			Engine:       coord,
			Bus:          eventBus,
			AuthToken:    cfg.Gateway.AuthToken,
			AllowOrigins: cfg.Gateway.AllowOrigins,
			RateLimit:    cfg.Gateway.RateLimit,
			Metrics:      metrics,
			Tracer:       otelProvider.Tracer,
			Logger:       logger,
		})
		api.StartBackgroundTasks(ctx)
		server = &http.Server{
			Addr:              cfg.BindAddr,
			Handler:           api.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		ln, err := net.Listen("tcp", cfg.BindAddr)
		if err != nil {
			sched.Stop()
			_ = coord.Close(context.Background())
			return fatalStartup(logger, "E_GATEWAY_BIND", err)
		}
		go func() {
			logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
			if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	var chWG sync.WaitGroup
	startChannels(ctx, cfg, coord, mux, kv, logger, &chWG)
	if len(mux.Channels()) == 0 {
		logger.Warn("no chat channel configured; only the HTTP API can trigger summaries")
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable, edits need a restart", "error", err)
	} else {
		r := &reloader{current: cfg, coord: coord, sched: sched, kv: kv, logger: logger}
		go func() {
			for ev := range watcher.Events() {
				logger.Info("config change detected", "path", ev.Path, "op", ev.Op.String())
				r.reload(ctx)
			}
		}()
	}
	logger.Info("startup phase", "phase", "ready")

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}
	cancelRun()

	// Stop intake first: HTTP, then the schedule.
	if server != nil {
		api.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = server.Shutdown(shutdownCtx)
		cancel()
	}
	sched.Stop()

	drainAfterChannels(logger, &chWG, coord, time.Duration(cfg.DrainTimeoutSeconds)*time.Second)
	logger.Info("shutdown complete")
	return 0
}

type waiter interface{ Wait() }

type drainer interface {
	Close(ctx context.Context) error
}

// drainAfterChannels waits for every channel reader to return, then closes
// the coordinator within timeout (5s when unset). Messages ingested by the
// last reads are claimed or left pending before the coordinator refuses work.
func drainAfterChannels(logger *slog.Logger, channels waiter, coord drainer, timeout time.Duration) {
	channels.Wait()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := coord.Close(ctx); err != nil {
		logger.Warn("shutdown did not drain cleanly", "error", err)
	}
}

// buildCompleter returns nil when no provider is usable; the coordinator then
// reports the missing provider in each conversation that asks for a summary.
func buildCompleter(ctx context.Context, cfg config.Config, kv engine.KVStore, logger *slog.Logger) engine.Completer {
	fcfg := cfg.LLM.FailoverConfig()
	fcfg.KVStore = kv
	fcfg.Logger = logger
	comp, err := engine.Build(ctx, cfg.LLM.Providers, fcfg)
	if err != nil {
		logger.Error("no completion provider available", "configured", len(cfg.LLM.Providers), "error", err)
		return nil
	}
	if fc, ok := comp.(*engine.FailoverCompleter); ok {
		fc.LoadBreakerState(ctx)
	}
	return comp
}

func startChannels(ctx context.Context, cfg config.Config, coord *digest.Coordinator, mux *channels.Mux, kv engine.KVStore, logger *slog.Logger, wg *sync.WaitGroup) {
	run := func(ch channels.Channel) {
		mux.Add(ch)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ch.Start(ctx); err != nil {
				logger.Error("channel failed", "channel", ch.Name(), "error", err)
			}
		}()
	}

	if tg := cfg.Channels.Telegram; tg.Enabled {
		if tg.Token == "" {
			logger.Warn("telegram channel enabled but token is missing")
		} else {
			run(channels.NewTelegramChannel(tg.Token, tg.AllowedIDs, coord, logger))
		}
	}

	if mx := cfg.Channels.Matrix; mx.Enabled {
		if mx.Homeserver == "" || mx.UserID == "" || mx.AccessToken == "" {
			logger.Warn("matrix channel enabled but homeserver, user_id or access_token is missing")
			return
		}
		mcfg := channels.MatrixConfig{
			Homeserver:  mx.Homeserver,
			UserID:      mx.UserID,
			AccessToken: mx.AccessToken,
			Rooms:       mx.Rooms,
		}
		if kv != nil {
			mcfg.SyncStore = kv
		}
		ch, err := channels.NewMatrixChannel(mcfg, coord, logger)
		if err != nil {
			logger.Error("matrix channel not started", "error", err)
			return
		}
		run(ch)
	}
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h := strings.TrimSpace(strings.ToLower(host))
	if h == "localhost" {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

// fatalStartup logs a structured startup failure and returns the exit code.
func fatalStartup(logger *slog.Logger, reasonCode string, err error) int {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"chatdigest","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	return 1
}

// loadDotEnv sets variables from a KEY=VALUE file without overriding the
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
		val := strings.Trim(strings.TrimSpace(line[eq+1:]), `"'`)
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
