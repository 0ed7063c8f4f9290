// Command backend is the main entrypoint for the chat-overlay ingestion service.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Opens one supervised chat connection per watched channel plus the
//     operator's primary connection, and an EventSub session when configured.
//   - Exposes the HTTP API: health, status, metrics, OAuth flow, chat and
//     participant endpoints, and the SSE stream the overlay frontend consumes.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/chat-overlay/backend/chat"
	"github.com/onnwee/chat-overlay/backend/config"
	"github.com/onnwee/chat-overlay/backend/conn"
	"github.com/onnwee/chat-overlay/backend/credentials"
	"github.com/onnwee/chat-overlay/backend/db"
	"github.com/onnwee/chat-overlay/backend/eventsub"
	"github.com/onnwee/chat-overlay/backend/oauth"
	"github.com/onnwee/chat-overlay/backend/roster"
	"github.com/onnwee/chat-overlay/backend/server"
	"github.com/onnwee/chat-overlay/backend/telemetry"
	"github.com/onnwee/chat-overlay/backend/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load("backend/.env")

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
		// unknown level -> keep info but note once using temporary logger
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

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("chat-overlay", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// App token source for Helix API calls (profile backfill). Not used for chat.
	var appTokens *twitchapi.TokenSource
	var helix *twitchapi.HelixClient
	if cfg.TwitchClientID != "" && cfg.TwitchClientSecret != "" {
		appTokens = &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret}
		helix = &twitchapi.HelixClient{AppTokenSource: appTokens, ClientID: cfg.TwitchClientID}
		ctx2, cancel := context.WithTimeout(context.Background(), 8*time.Second)
		if tok, err := appTokens.Get(ctx2); err != nil {
			slog.Warn("twitch app token fetch failed", slog.Any("err", err))
		} else if len(tok) > 6 {
			masked := "***" + tok[len(tok)-6:]
			slog.Info("twitch app token acquired", slog.String("tail", masked))
		}
		cancel()
	}

	// DB
	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Run database migrations using dual-system approach:
	// 1. Primary: versioned migrations (golang-migrate) from db/migrations/
	// 2. Fallback: embedded SQL (db.Migrate) for bare installs without the
	//    migrations directory on disk
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
		slog.Info("embedded SQL migration completed", slog.String("component", "db_migrate"))
	} else {
		slog.Info("versioned migrations completed", slog.String("component", "db_migrate"))
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Chat pipeline wiring
	tokenStore := &db.TokenStoreAdapter{DB: database}
	resolver := &credentials.Resolver{Tokens: tokenStore, Helix: helix}
	history := &db.History{DB: database}
	stores := chat.NewStores(cfg.Retention)
	registry := roster.New()
	selfEcho := chat.NewSelfEchoCache(cfg.SelfEchoTTL)
	router := &chat.Router{
		Stores:   stores,
		Roster:   registry,
		Lines:    chat.NewLineCache(cfg.LineTTL),
		SelfEcho: selfEcho,
		History:  history,
	}
	pool := conn.New(conn.Options{
		URL:         cfg.IRCURL,
		Resolver:    resolver,
		OnEvent:     router.HandleEvent,
		BackoffBase: cfg.BackoffBase,
		BackoffMax:  cfg.BackoffMax,
	})
	defer pool.Shutdown()

	bridge := chat.NewBridge(stores, chat.NewBridgeCache(cfg.BridgeTTL))
	sender := &chat.Sender{Pool: pool, Stores: stores, SelfEcho: selfEcho, Bridge: bridge, History: history}

	fallbackChannel := ""
	if len(cfg.TwitchChannels) > 0 {
		fallbackChannel = cfg.TwitchChannels[0]
	}
	slog.Info("starting chat connections", slog.Int("channel_count", len(cfg.TwitchChannels)), slog.Any("channels", cfg.TwitchChannels))
	pool.Reconcile(cfg.TwitchChannels)
	pool.EnsurePrimary(ctx, fallbackChannel)

	// EventSub session for the primary stream (needs an app registration)
	if cfg.TwitchClientID != "" {
		esClient := &eventsub.Client{
			URL:         cfg.EventSubURL,
			Sink:        bridge,
			BackoffBase: cfg.BackoffBase,
			BackoffMax:  cfg.BackoffMax,
			Subscribe: func(sctx context.Context, sessionID string) error {
				id := resolver.Resolve(sctx)
				if !id.Authenticated || id.UserID == "" {
					return fmt.Errorf("no authenticated operator identity for eventsub")
				}
				sub := &eventsub.Subscriber{
					ClientID:      cfg.TwitchClientID,
					BroadcasterID: id.UserID,
					UserID:        id.UserID,
					Token: func(tctx context.Context) (string, error) {
						access, _, _, _, err := db.GetOAuthToken(tctx, database, "twitch")
						if err != nil {
							return "", err
						}
						if access == "" {
							return "", fmt.Errorf("no stored token")
						}
						return access, nil
					},
				}
				return sub.Subscribe(sctx, sessionID)
			},
		}
		go esClient.Run(ctx)
	}

	// OAuth token refresher; a successful refresh re-resolves the primary
	// connection so an anonymous fallback upgrades without restart
	oauth.StartRefresher(ctx, database, "twitch", 5*time.Minute, 15*time.Minute, func(rctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		res, err := twitchapi.RefreshToken(rctx, cfg.TwitchClientID, cfg.TwitchClientSecret, refreshToken)
		if err != nil {
			return "", "", time.Time{}, "", err
		}
		return res.AccessToken, res.RefreshToken, twitchapi.ComputeExpiry(res.ExpiresIn), strings.Join(res.Scope, " "), nil
	}, func() {
		pool.EnsurePrimary(context.Background(), fallbackChannel)
	})

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			// Use an http.Server with timeouts to satisfy G114 and avoid DoS risks
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

	// HTTP server
	deps := server.Deps{
		Cfg:     cfg,
		DB:      database,
		Pool:    pool,
		Stores:  stores,
		Router:  router,
		Sender:  sender,
		Roster:  registry,
		History: history,
		Helix:   helix,
		OnAuth: func() {
			pool.EnsurePrimary(context.Background(), fallbackChannel)
		},
	}
	go func() {
		if err := server.Start(ctx, deps, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}
