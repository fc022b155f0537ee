package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	// Autoloads .env file to supply environment variables
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/felixmachan/stravaFetch/internal/aicontext"
	"github.com/felixmachan/stravaFetch/internal/cache"
	"github.com/felixmachan/stravaFetch/internal/client"
	"github.com/felixmachan/stravaFetch/internal/coach"
	"github.com/felixmachan/stravaFetch/internal/config"
	"github.com/felixmachan/stravaFetch/internal/database"
	"github.com/felixmachan/stravaFetch/internal/handlers/callback"
	"github.com/felixmachan/stravaFetch/internal/handlers/coaching"
	"github.com/felixmachan/stravaFetch/internal/handlers/dashboard"
	"github.com/felixmachan/stravaFetch/internal/handlers/update"
	"github.com/felixmachan/stravaFetch/internal/llm"
	"github.com/felixmachan/stravaFetch/internal/logger"
	"github.com/felixmachan/stravaFetch/internal/middleware"
	"github.com/felixmachan/stravaFetch/internal/schedule"
	"github.com/felixmachan/stravaFetch/internal/strava"
	"github.com/felixmachan/stravaFetch/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to an optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("loading config")
	}
	log := logger.NewLogger(cfg.LogLevel)

	port := fmt.Sprintf(":%d", cfg.Port)
	if val, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok {
		port = ":" + val
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer := func(context.Context) error { return nil }
	if cfg.Telemetry.Enabled {
		shutdownTracer, err = telemetry.InitTracer(cfg.Telemetry.ServiceName, os.Stdout, log)
		if err != nil {
			log.WithError(err).Fatal("initializing tracing")
		}
	}

	rc, err := cache.NewRedisCache(ctx, cfg.Redis.URL)
	if err != nil {
		log.WithError(err).Fatal("connecting to redis")
	}
	defer rc.Close()

	db, err := database.InitDB(cfg.Database.URL)
	if err != nil {
		log.WithError(err).Fatal("opening database")
	}
	athletes := database.NewAthletes(db)
	interactions := database.NewInteractionLog(db)
	prs := database.NewRecords(db)

	backend, err := llm.New(cfg.AI.BaseURL, cfg.AI.APIKey, nil)
	if err != nil {
		log.WithError(err).Fatal("creating model client")
	}
	pipeline := coach.NewPipeline(backend, rc, interactions, coach.Options{
		Models: coach.Models{
			Cheap: cfg.AI.ModelCheap,
			Mid:   cfg.AI.ModelMid,
			Top:   cfg.AI.ModelTop,
		},
		CacheTTL:    cfg.AI.CacheTTL,
		CallTimeout: cfg.AI.CallTimeout,
	}, log)
	builder, err := aicontext.NewBuilder(rc, cfg.AI.CacheTTL, cfg.AI.ContextTokenBudget, log)
	if err != nil {
		log.WithError(err).Fatal("creating context builder")
	}

	if cfg.Strava.CallbackURL != "" {
		subscribe(ctx, cfg, log)
	}

	co := coach.NewCoach(pipeline, log)
	sched := schedule.NewService(http.DefaultClient, cfg.Schedule.ICalURL)
	source := strava.Source{BaseURL: cfg.Strava.BaseURL, AccessToken: cfg.Strava.AccessToken}

	webhook := &webhookHandler{
		callback: &callback.Handler{VerifyToken: cfg.Strava.VerifyToken, Log: log},
		update: &update.Handler{
			Athletes:    athletes,
			Records:     prs,
			Cache:       rc,
			Builder:     builder,
			Coach:       co,
			Schedule:    sched,
			StravaURL:   cfg.Strava.BaseURL,
			StravaToken: cfg.Strava.AccessToken,
			MetricsTTL:  cfg.Strava.MetricsTTL,
			DryRun:      cfg.DryRun,
			Log:         log,
		},
	}
	dash := &dashboard.Handler{
		Activities:   source,
		Athletes:     athletes,
		Interactions: interactions,
		Records:      prs,
		TrendDays:    cfg.Insight.TrendDays,
		CompareDays:  cfg.Insight.CompareDays,
		Log:          log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/start", indexHandler(log))
	mux.Handle("/webhook", webhook)
	mux.Handle("/dashboard", middleware.RequireToken(cfg.Dashboard.Token, dash))
	coachAPI := &coaching.Handler{
		Athletes:   athletes,
		Activities: source,
		Schedule:   sched,
		Builder:    builder,
		Coach:      co,
		Log:        log,
	}
	coachAPI.Register(mux, func(next http.Handler) http.Handler {
		return middleware.RequireToken(cfg.Dashboard.Token, next)
	})

	var handler http.Handler = mux
	if cfg.Telemetry.Enabled {
		handler = otelhttp.NewHandler(mux, cfg.Telemetry.ServiceName)
	}

	srv := &http.Server{
		Addr:              port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.WithError(err).Error("shutting down server")
		}
	}()

	log.WithField("port", port).Info("starting server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Fatal("server stopped")
	}

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracer(sctx); err != nil {
		log.WithError(err).Error("flushing traces")
	}
}

// subscribe registers the webhook with Strava. A failure is logged, the
// server still starts.
func subscribe(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	u, err := url.Parse(cfg.Strava.BaseURL)
	if err != nil {
		log.WithError(err).Error("parsing strava base URL")
		return
	}
	created, err := strava.Subscribe(ctx, client.NewClient(u, nil), strava.SubscriptionConfig{
		ClientID:     cfg.Strava.ClientID,
		ClientSecret: cfg.Strava.ClientSecret,
		CallbackURL:  cfg.Strava.CallbackURL,
		VerifyToken:  cfg.Strava.VerifyToken,
	})
	if err != nil {
		log.WithError(err).Error("subscribing to strava webhooks")
		return
	}
	log.WithField("created", created).Info("strava webhook subscription in place")
}

func indexHandler(log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("stravaFetch")); err != nil {
			log.WithError(err).Error("writing index")
		}
	}
}

type webhookHandler struct {
	callback http.Handler
	update   http.Handler
}

func (h *webhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.callback.ServeHTTP(w, r)
	case http.MethodPost:
		h.update.ServeHTTP(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}
