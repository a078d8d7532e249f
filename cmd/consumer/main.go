package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/carpool-matching/internal/cluster"
	"github.com/example/carpool-matching/internal/config"
	"github.com/example/carpool-matching/internal/geo"
	"github.com/example/carpool-matching/internal/logging"
	"github.com/example/carpool-matching/internal/routing"
	"github.com/example/carpool-matching/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_ride_events_consumed_total",
		Help: "Total ride creation events consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_ride_events_invalid_total",
		Help: "Total malformed ride events received",
	})
	passErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_cluster_pass_errors_total",
		Help: "Total clustering passes that errored",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, passErrors)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		logging.NewLogger("error").Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logging.ForComponent(logging.NewLogger(cfg.LogLevel), "consumer")

	brokers := cfg.KafkaBrokers
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}

	var store storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			log.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		defer ps.Close()
		store = ps
	} else {
		// Memory store only sees rides this process created, so
		// clustering will be empty; useful for wiring checks only.
		log.Warn("PG_DSN not set, using in-memory store")
		store = storage.NewMemoryStore()
	}

	pipeline := &cluster.Pipeline{
		Store:     store,
		Geo:       geo.NewIndex(),
		Routing:   routing.NewOSRMClient(cfg.OSRMEndpoint, cfg.UpstreamTimeout),
		Clusterer: cluster.NewHTTPClient(cfg.ClusterURL, cfg.UpstreamTimeout),
		Ring:      cfg.Ring,
		MaxPairKm: cfg.MaxPairKm,
		Log:       log,
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		log.Info("metrics/health listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   cfg.RideTopic,
		GroupID: cfg.GroupID,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer r.Close()

	log.Info("consumer listening", "topic", cfg.RideTopic, "brokers", brokers, "group", cfg.GroupID)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("shutting down consumer")
				return
			}
			log.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff = nextBackoff(backoff, maxBackoff)
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()

		rideID, cell, err := parseRideEvent(m)
		if err != nil {
			msgsInvalid.Inc()
			log.Warn("invalid ride event", "error", err)
			continue
		}

		passCtx, cancel := context.WithTimeout(ctx, 2*cfg.UpstreamTimeout)
		if err := pipeline.HandleRideEvent(passCtx, rideID, cell); err != nil {
			passErrors.Inc()
			log.Error("clustering pass failed", "ride_id", rideID, "error", err)
		}
		cancel()
	}
}

// parseRideEvent extracts (rideID, cell) from a ride creation message.
// The key carries the ride id and the value its pickup cell.
func parseRideEvent(m kafka.Message) (string, string, error) {
	rideID := strings.TrimSpace(string(m.Key))
	cell := strings.TrimSpace(string(m.Value))
	if rideID == "" {
		return "", "", errMissingField("ride id")
	}
	if cell == "" {
		return "", "", errMissingField("cell")
	}
	return rideID, cell, nil
}

type errMissingField string

func (e errMissingField) Error() string { return "ride event missing " + string(e) }

func nextBackoff(cur, max time.Duration) time.Duration {
	cur *= 2
	if cur > max {
		return max
	}
	return cur
}
