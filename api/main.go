package main

import (
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
	"sync/atomic"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/loquelabs/babelsql/agent/pkg/retriever"
	"github.com/loquelabs/babelsql/agent/pkg/workflow"
	"github.com/loquelabs/babelsql/api/config"
	"github.com/loquelabs/babelsql/api/handlers"
	"github.com/loquelabs/babelsql/api/metrics"
	"github.com/loquelabs/babelsql/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// shuttingDown flips when a shutdown signal arrives so the readiness
	// probe drains traffic before connections close.
	shuttingDown atomic.Bool
)

const defaultMetricsAddr = "0.0.0.0:0"

func main() {
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics")
	verboseFlag := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	if err := run(*metricsAddrFlag, *verboseFlag); err != nil {
		slog.Error("api server exited", "error", err)
		os.Exit(1)
	}
}

func run(metricsAddr string, verbose bool) error {
	// godotenv does not override existing env vars, so later files never
	// overwrite earlier ones.
	_ = godotenv.Load()
	_ = godotenv.Load("api/.env")

	log := logger.New(verbose)
	slog.SetDefault(log)

	log.Info("starting babelsql-api", "version", version, "commit", commit, "date", date)
	handlers.SetBuildInfo(version, commit, date)
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	sentryDSN := os.Getenv("SENTRY_DSN")
	if sentryDSN != "" {
		if err := initSentry(sentryDSN); err != nil {
			log.Warn("sentry initialization failed", "error", err)
			sentryDSN = ""
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := config.Load(ctx, log); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	defer func() {
		if err := config.Close(); err != nil {
			log.Warn("failed to close database", "error", err)
		}
	}()

	engine, err := buildEngine(ctx, log)
	if err != nil {
		return err
	}
	handlers.SetEngine(engine)

	r := buildRouter(sentryDSN != "")

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 150 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	var (
		metricsServer   *http.Server
		metricsListener net.Listener
	)
	if metricsAddr != "" {
		ln, err := net.Listen("tcp", metricsAddr)
		if err != nil {
			log.Warn("failed to start metrics listener", "error", err)
		} else {
			log.Info("metrics server listening", "addr", ln.Addr().String())
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			metricsServer = &http.Server{Handler: mux}
			metricsListener = ln
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("api server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	if metricsServer != nil {
		g.Go(func() error {
			if err := metricsServer.Serve(metricsListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shuttingDown.Store(true)
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var errs []error
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("api server shutdown: %w", err))
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
			}
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("stopped gracefully")
	return nil
}

func initSentry(dsn string) error {
	env := os.Getenv("SENTRY_ENVIRONMENT")
	if env == "" {
		env = "development"
	}
	release := version
	if commit != "none" {
		release = version + "-" + commit
	}
	tracesSampleRate := 0.1
	if env == "development" {
		tracesSampleRate = 1.0
	}
	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      env,
		Release:          release,
		EnableTracing:    true,
		TracesSampleRate: tracesSampleRate,
	})
}

// buildEngine assembles the question pipeline: model client, translator,
// snippet retriever and the active database backend.
func buildEngine(ctx context.Context, log *slog.Logger) (*workflow.Engine, error) {
	settings := config.Current()

	llm, err := workflow.NewAnthropicClient(&workflow.AnthropicConfig{
		Logger: log,
		Model:  anthropic.Model(settings.Model),
		Usage:  metrics.LLMRecorder{},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create model client: %w", err)
	}

	prompts, err := workflow.LoadPrompts()
	if err != nil {
		return nil, err
	}

	index, err := retriever.NewIndex(ctx, &retriever.Config{Logger: log})
	if err != nil {
		return nil, err
	}

	engine, err := workflow.New(&workflow.Config{
		Logger:        log,
		LLM:           llm,
		Translator:    workflow.NewLLMTranslator(log, llm, prompts),
		Retriever:     index,
		Querier:       config.DB,
		SchemaFetcher: config.DB,
		Verifier:      config.DB,
		Prompts:       prompts,
		MaxRetries:    settings.MaxRetries,
		RetrieveK:     settings.RetrieveK,
		OnProgress: func(p workflow.Progress) {
			metrics.RecordWorkflowStage(string(p.Stage), p.Elapsed)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create workflow engine: %w", err)
	}
	return engine, nil
}

func buildRouter(sentryEnabled bool) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)

	// Sentry middleware sits before Recoverer so panics are captured, then
	// re-panicked for Recoverer to turn into a 500.
	if sentryEnabled {
		sentryHandler := sentryhttp.New(sentryhttp.Options{Repanic: true})
		r.Use(sentryHandler.Handle)

		// Name transactions by chi route pattern instead of raw path.
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if txn := sentry.TransactionFromContext(r.Context()); txn != nil {
					if rctx := chi.RouteContext(r.Context()); rctx != nil {
						if pattern := rctx.RoutePattern(); pattern != "" {
							txn.Name = r.Method + " " + pattern
						} else {
							txn.Name = r.Method + " " + r.URL.Path
						}
					}
				}
				next.ServeHTTP(w, r)
			})
		})
	}

	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	corsOrigins := []string{"*"}
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		corsOrigins = strings.Split(origins, ",")
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if shuttingDown.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("shutting down"))
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := config.DB.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database connection failed: " + err.Error()))
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/api/version", handlers.GetVersion)
	r.Get("/api/status", handlers.GetStatus)
	r.Get("/api/schema", handlers.GetSchema)
	r.Post("/api/ask", handlers.Ask)
	r.Post("/api/query", handlers.ExecuteQuery)

	return r
}
