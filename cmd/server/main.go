package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/carpool-matching/internal/config"
	"github.com/example/carpool-matching/internal/dispatch"
	"github.com/example/carpool-matching/internal/geo"
	"github.com/example/carpool-matching/internal/geocode"
	httpapi "github.com/example/carpool-matching/internal/http"
	"github.com/example/carpool-matching/internal/ingest"
	"github.com/example/carpool-matching/internal/logging"
	"github.com/example/carpool-matching/internal/match"
	"github.com/example/carpool-matching/internal/routing"
	"github.com/example/carpool-matching/internal/sentiment"
	"github.com/example/carpool-matching/internal/storage"
	"github.com/example/carpool-matching/internal/sweep"
	"github.com/example/carpool-matching/internal/trust"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		logging.NewLogger("error").Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logging.ForComponent(logging.NewLogger(cfg.LogLevel), "server")

	var store storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			log.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		defer ps.Close()
		if cfg.RunMigrations {
			if err := runMigrations(ps); err != nil {
				log.Error("migration failed", "error", err)
				os.Exit(1)
			}
			log.Info("migrations applied")
		}
		store = ps
	} else {
		log.Warn("PG_DSN not set, using in-memory store")
		store = storage.NewMemoryStore()
	}

	var geocodeCache geocode.Cache
	var scoreCache trust.ScoreCache
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		geocodeCache = geocode.NewRedisCache(rc)
		scoreCache = &trust.RedisScoreCache{Client: rc}
	}

	var ridePub httpapi.RidePublisher
	var userPub trust.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		rides := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.RideTopic)
		defer rides.Close()
		users := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.UserTopic)
		defer users.Close()
		ridePub, userPub = rides, users
	} else {
		log.Warn("KAFKA_BROKERS not set, ride events disabled")
	}

	wsreg := dispatch.NewWSRegistry()
	negotiator := &match.Negotiator{Store: store, Guardians: wsreg, Log: log}
	engine := &trust.Engine{
		Store:     store,
		Sentiment: sentiment.NewHTTPClient(cfg.SentimentURL, cfg.UpstreamTimeout),
		Events:    userPub,
		Cache:     scoreCache,
		Log:       log,
	}
	gc := geocode.NewService(cfg.ForwardGeocode, cfg.ReverseGeocode, cfg.GeocodeAPIKey, cfg.UpstreamTimeout, geocodeCache, log)
	router := routing.NewOSRMClient(cfg.OSRMEndpoint, cfg.UpstreamTimeout)

	srv := httpapi.NewServer(store, geo.NewIndex(), router, gc, negotiator, engine, ridePub, wsreg, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeper := &sweep.Sweeper{Store: store, MaxAge: cfg.RetentionAge, Interval: cfg.SweepInterval, Log: log}
	go sweeper.Run(ctx)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	go func() {
		log.Info("carpool api listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown incomplete", "error", err)
	}
}

func runMigrations(ps *storage.PostgresStore) error {
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_schema.sql"))
	if err != nil {
		return err
	}
	_, err = ps.DB().Exec(string(b))
	return err
}
