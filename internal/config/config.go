package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string

	KafkaBrokers []string
	RideTopic    string
	UserTopic    string

	PGDSN string

	OSRMEndpoint    string
	SentimentURL    string
	ForwardGeocode  string
	ReverseGeocode  string
	GeocodeAPIKey   string
	UpstreamTimeout time.Duration

	RetentionAge  time.Duration
	SweepInterval time.Duration

	LogLevel      string
	RunMigrations bool
}

// ConsumerConfig is the subset the clustering consumer needs, plus its
// own upstream and group settings.
type ConsumerConfig struct {
	KafkaBrokers []string
	RideTopic    string
	GroupID      string

	PGDSN string

	OSRMEndpoint    string
	ClusterURL      string
	UpstreamTimeout time.Duration

	Ring      int
	MaxPairKm float64

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RideTopic:       "ride-requests",
		UserTopic:       "user-events",
		OSRMEndpoint:    "http://router.project-osrm.org",
		SentimentURL:    "http://localhost:5000/analyze",
		ForwardGeocode:  "https://api.geoapify.com/v1/geocode/search",
		ReverseGeocode:  "https://nominatim.openstreetmap.org/reverse",
		UpstreamTimeout: 5 * time.Second,
		RetentionAge:    24 * time.Hour,
		SweepInterval:   time.Hour,
		LogLevel:        "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.RideTopic, "KAFKA_RIDE_TOPIC")
	setStringFromEnv(&cfg.UserTopic, "KAFKA_USER_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setStringFromEnv(&cfg.SentimentURL, "SENTIMENT_URL")
	setStringFromEnv(&cfg.ForwardGeocode, "GEOCODE_FORWARD_URL")
	setStringFromEnv(&cfg.ReverseGeocode, "GEOCODE_REVERSE_URL")
	cfg.GeocodeAPIKey = os.Getenv("GEOCODE_API_KEY")
	setDurationFromEnv(&cfg.UpstreamTimeout, "UPSTREAM_TIMEOUT", &errs)

	setDurationFromEnv(&cfg.RetentionAge, "RIDE_RETENTION_AGE", &errs)
	setDurationFromEnv(&cfg.SweepInterval, "RIDE_SWEEP_INTERVAL", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.RetentionAge <= 0 {
		errs = append(errs, fmt.Errorf("RIDE_RETENTION_AGE must be > 0"))
	}
	if cfg.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("RIDE_SWEEP_INTERVAL must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func defaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		RideTopic:       "ride-requests",
		GroupID:         "carpool-clustering",
		OSRMEndpoint:    "http://router.project-osrm.org",
		ClusterURL:      "http://localhost:5001/cluster",
		UpstreamTimeout: 10 * time.Second,
		Ring:            2,
		MaxPairKm:       2.0,
		LogLevel:        "info",
	}
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := defaultConsumerConfig()
	var errs []error

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.RideTopic, "KAFKA_RIDE_TOPIC")
	setStringFromEnv(&cfg.GroupID, "KAFKA_GROUP_ID")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setStringFromEnv(&cfg.ClusterURL, "CLUSTER_URL")
	setDurationFromEnv(&cfg.UpstreamTimeout, "UPSTREAM_TIMEOUT", &errs)

	setIntFromEnv(&cfg.Ring, "NEIGHBORHOOD_RING", &errs)
	setFloatFromEnv(&cfg.MaxPairKm, "MAX_PAIR_KM", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.Ring < 0 {
		errs = append(errs, fmt.Errorf("NEIGHBORHOOD_RING must be >= 0"))
	}
	if cfg.MaxPairKm <= 0 {
		errs = append(errs, fmt.Errorf("MAX_PAIR_KM must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
