// Command nostrhook forwards notes from followed Nostr authors to a Discord webhook.
// It:
//   - Loads configuration from the environment and initializes structured logging.
//   - Queries the configured relays on a schedule, over a live subscription, or on
//     demand via POST /trigger, depending on MODE.
//   - Exposes a small HTTP server with /healthz, /readyz, /status and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/nostrhook/admission"
	"github.com/onnwee/nostrhook/config"
	"github.com/onnwee/nostrhook/ledger"
	"github.com/onnwee/nostrhook/pipeline"
	"github.com/onnwee/nostrhook/server"
	"github.com/onnwee/nostrhook/sink"
	"github.com/onnwee/nostrhook/source"
	"github.com/onnwee/nostrhook/telemetry"
)

const version = "0.3.0"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	cfg, err := config.Load()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		slog.Error("invalid configuration", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// Tracing is optional; it stays a no-op unless OTEL_EXPORTER_OTLP_ENDPOINT is set.
	shutdown, err := telemetry.InitTracing("nostrhook", version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	webhook := sink.NewWebhook(cfg.WebhookURL, cfg.SinkRatePerSec, cfg.SinkBurst)
	if cfg.RedisAddr != "" {
		dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		rdb, err := sink.DialRedis(dctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		cancel()
		if err != nil {
			slog.Warn("shared sink budget unavailable; pacing locally", slog.Any("err", err), slog.String("addr", cfg.RedisAddr))
		} else {
			defer func() { _ = rdb.Close() }()
			webhook.Budget = sink.NewRedisBudget(rdb, sink.BudgetKey(cfg.WebhookURL), cfg.SinkRatePerSec, cfg.SinkBurst)
			slog.Info("shared sink budget enabled", slog.String("addr", cfg.RedisAddr))
		}
	}

	pool := &source.Pool{
		Primary:  cfg.Relays,
		Fallback: cfg.FallbackRelays,
		Timeout:  cfg.RelayTimeout,
	}

	seen := ledger.New(cfg.LedgerCapacity)
	cursor := ledger.NewCursor(0)
	proc := pipeline.NewProcessor(pipeline.Config{
		Authors:             cfg.Authors,
		Kinds:               cfg.Kinds,
		ReplyContext:        cfg.ReplyContext,
		LinkStyle:           cfg.LinkStyle,
		DisplayName:         cfg.DisplayName,
		AvatarURL:           cfg.AvatarURL,
		Lookback:            cfg.Lookback,
		MaxDeliveryAttempts: cfg.MaxDeliveryAttempts,
	}, admission.Window{StaleWindow: cfg.StaleWindow, RecentGrace: cfg.RecentGrace}, seen, cursor, webhook)
	if cfg.ReplyContext {
		proc.Parents = pool
	}
	poller := pipeline.NewPoller(proc, pool)

	slog.Info("starting relay",
		slog.String("mode", cfg.Mode),
		slog.Int("authors", len(cfg.Authors)),
		slog.Any("kinds", cfg.Kinds),
		slog.Any("relays", cfg.Relays),
		slog.Int("ledger_capacity", cfg.LedgerCapacity))

	switch cfg.Mode {
	case config.ModePoll:
		go poller.Run(ctx, cfg.PollInterval)
	case config.ModeSubscribe:
		go poller.Follow(ctx, 5*time.Second, 2*time.Minute)
	case config.ModeTrigger:
		slog.Info("trigger mode: waiting for POST /trigger")
	}

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	go func() {
		deps := server.Deps{Runner: poller, Ledger: seen, Cursor: cursor, Config: cfg}
		if err := server.Start(ctx, deps, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
}
