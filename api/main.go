package main

import (
	"context"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/slack-go/slack/socketmode"
	flag "github.com/spf13/pflag"

	"github.com/andeslabs/sqlcopilot/api/config"
	"github.com/andeslabs/sqlcopilot/api/db"
	"github.com/andeslabs/sqlcopilot/api/handlers"
	"github.com/andeslabs/sqlcopilot/api/metrics"
	slackbot "github.com/andeslabs/sqlcopilot/slack/bot"
	"github.com/andeslabs/sqlcopilot/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// shuttingDown is set when a shutdown signal is received.
	// Readiness probe checks this to immediately return 503.
	shuttingDown atomic.Bool
)

const defaultMetricsAddr = "0.0.0.0:0"

func main() {
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics")
	verboseFlag := flag.Bool("verbose", false, "Enable verbose (debug) logging")
	migrateFlag := flag.Bool("migrate", true, "Run pending Postgres migrations on startup")
	flag.Parse()

	slog.SetDefault(logger.New(*verboseFlag))
	log.Printf("Starting copilot-api version=%s commit=%s date=%s", version, commit, date)
	handlers.SetBuildInfo(version, commit, date)

	// Load .env files if they exist
	// godotenv doesn't override existing env vars, so later files don't overwrite earlier ones
	_ = godotenv.Load()           // .env in current working directory
	_ = godotenv.Load("api/.env") // api/.env when running from repo root

	// Initialize Sentry for error tracking (optional - gracefully no-op if DSN not set)
	sentryDSN := os.Getenv("SENTRY_DSN")
	if sentryDSN != "" {
		sentryEnv := os.Getenv("SENTRY_ENVIRONMENT")
		if sentryEnv == "" {
			sentryEnv = "development"
		}
		release := version
		if commit != "none" {
			release = version + "-" + commit
		}
		tracesSampleRate := 0.1
		if sentryEnv == "development" {
			tracesSampleRate = 1.0
		}
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              sentryDSN,
			Environment:      sentryEnv,
			Release:          release,
			EnableTracing:    true,
			TracesSampleRate: tracesSampleRate,
		})
		if err != nil {
			log.Printf("Warning: Sentry initialization failed: %v", err)
		} else {
			log.Printf("Sentry initialized (env=%s, release=%s)", sentryEnv, release)
			defer sentry.Flush(2 * time.Second)
		}
	}

	// Connect the analytics backends
	if err := config.Load(); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	defer config.Close()

	// Connect PostgreSQL and bring the schema up to date
	ctx := context.Background()
	if err := config.LoadPostgres(ctx); err != nil {
		log.Fatalf("Failed to load PostgreSQL: %v", err)
	}
	defer config.ClosePostgres()

	if *migrateFlag {
		if err := db.RunMigrations(ctx, slog.Default(), os.Getenv("POSTGRES_DSN")); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
	}

	// Start metrics server
	var metricsServer *http.Server
	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		listener, err := net.Listen("tcp", *metricsAddrFlag)
		if err != nil {
			log.Printf("Failed to start prometheus metrics server listener: %v", err)
		} else {
			log.Printf("Prometheus metrics server listening on %s", listener.Addr().String())
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			metricsServer = &http.Server{Handler: mux}
			go func() {
				if err := metricsServer.Serve(listener); err != nil && err != http.ErrServerClosed {
					log.Printf("Metrics server error: %v", err)
				}
			}()
		}
	}

	r := chi.NewRouter()

	r.Use(middleware.Logger)

	// Sentry middleware for error and performance monitoring (before Recoverer to capture panics)
	if sentryDSN != "" {
		sentryHandler := sentryhttp.New(sentryhttp.Options{
			Repanic: true, // Re-panic after capturing so Recoverer can handle it
		})
		r.Use(sentryHandler.Handle)
	}

	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	// CORS configuration - origins from env or allow all
	corsOrigins := []string{"*"}
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		corsOrigins = strings.Split(origins, ",")
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", handlers.DatabaseHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Security headers middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			next.ServeHTTP(w, r)
		})
	})

	// Health check endpoints
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		// Immediately fail if shutting down
		if shuttingDown.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("shutting down"))
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := config.PgPool.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("postgres connection failed: " + err.Error()))
			return
		}
		if backend, err := config.Lookup(config.Default()); err == nil {
			if err := backend.Ping(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("database connection failed: " + err.Error()))
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Lightweight endpoint outside auth
	r.Get("/api/version", handlers.GetVersion)

	r.Group(func(r chi.Router) {
		r.Use(handlers.RequireAuth)
		r.Use(handlers.DatabaseMiddleware)

		r.Get("/api/databases", handlers.GetDatabases)

		// Conversation endpoints
		r.Post("/api/chat", handlers.Chat)
		r.Post("/api/chat/stream", handlers.ChatStream)

		// Run persistence endpoints
		r.Get("/api/runs/{id}", handlers.GetRunHandler)
		r.Get("/api/runs/{id}/stream", handlers.StreamRun)

		// Session persistence endpoints
		r.Get("/api/sessions", handlers.ListSessions)
		r.Post("/api/sessions", handlers.CreateSession)
		r.Get("/api/sessions/{id}", handlers.GetSession)
		r.Delete("/api/sessions/{id}", handlers.DeleteSession)
		r.Get("/api/sessions/{id}/history", handlers.GetSessionHistory)
		r.Post("/api/sessions/{id}/clear", handlers.ClearSession)
		r.Post("/api/sessions/{id}/export", handlers.ExportSession)
		r.Get("/api/sessions/{id}/run", handlers.GetRunForSession)

		// Catalog endpoints
		r.Get("/api/catalog", handlers.GetCatalog)
		r.Get("/api/catalog/fields", handlers.SearchFields)
		r.Post("/api/catalog/sync", handlers.SyncCatalog)

		// Direct SQL execution
		r.Post("/api/query", handlers.ExecuteQuery)
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // Disabled for SSE streaming endpoints
		IdleTimeout:  60 * time.Second,
	}

	// Channel to listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	// Cancellable context for all requests - this lets us signal SSE
	// connections to close during shutdown (http.Server.Shutdown does
	// NOT cancel request contexts by default)
	serverCtx, serverCancel := context.WithCancel(context.Background())
	server.BaseContext = func(_ net.Listener) context.Context {
		return serverCtx
	}

	// Start server in a goroutine
	go func() {
		log.Printf("API server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Reclaim runs abandoned by dead replicas
	go handlers.Manager.RecoverAbandonedRuns()

	// Start Slack bot if configured
	var slackEventHandler *slackbot.EventHandler
	if os.Getenv("SLACK_BOT_TOKEN") != "" {
		slackEventHandler = startSlackBot(serverCtx)
	}

	// Wait for shutdown signal
	sig := <-shutdown
	log.Printf("Received signal %v, shutting down gracefully...", sig)

	// Immediately mark as shutting down so readiness probe returns 503
	shuttingDown.Store(true)

	// Stop Slack bot if running (before cancelling server context)
	if slackEventHandler != nil {
		log.Println("Stopping Slack bot...")
		waitInFlight := slackEventHandler.StopAcceptingNew()
		waitDone := make(chan struct{})
		go func() {
			waitInFlight()
			close(waitDone)
		}()
		select {
		case <-waitDone:
			log.Println("Slack bot stopped gracefully")
		case <-time.After(30 * time.Second):
			log.Println("Slack bot shutdown timed out")
		}
	}

	// Cancel the server context to signal SSE connections to close
	serverCancel()

	// Give existing connections a short time to complete after context cancellation
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Graceful shutdown error: %v", err)
	} else {
		log.Println("Server stopped gracefully")
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Metrics server shutdown error: %v", err)
		} else {
			log.Println("Metrics server stopped gracefully")
		}
	}
}

// startSlackBot initializes and starts the Slack bot in socket mode.
// Returns the event handler for graceful shutdown, or nil on failure.
func startSlackBot(ctx context.Context) *slackbot.EventHandler {
	botToken := os.Getenv("SLACK_BOT_TOKEN")
	appToken := os.Getenv("SLACK_APP_TOKEN")
	if appToken == "" {
		log.Printf("SLACK_APP_TOKEN is required for socket mode (bot will not start)")
		return nil
	}

	slackClient := slackbot.NewClient(botToken, appToken, slog.Default())
	if _, err := slackClient.Initialize(ctx); err != nil {
		log.Printf("Slack auth test failed, bot will not start: %v", err)
		return nil
	}

	processor := slackbot.NewProcessor(slackClient, slog.Default())
	processor.StartCleanup(ctx)

	eventHandler := slackbot.NewEventHandler(slackClient, processor, slog.Default())
	eventHandler.StartCleanup(ctx)

	client := socketmode.New(slackClient.API())
	go func() {
		if err := client.Run(); err != nil {
			log.Printf("Slack socket mode client error: %v", err)
		}
	}()
	go func() {
		if err := eventHandler.HandleSocketMode(ctx, client); err != nil && err != context.Canceled {
			log.Printf("Slack socket mode handler stopped: %v", err)
		}
	}()

	log.Println("Slack bot started in socket mode")
	return eventHandler
}
