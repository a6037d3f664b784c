// The consumer replays the driver location stream from Kafka into the shared
// Redis geo index. It lets the dispatch server scale horizontally: any number
// of ingest frontends can publish, one consumer group keeps the index warm.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

var (
	msgsConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_consumer_messages_consumed_total",
		Help: "Total driver location messages consumed.",
	})
	msgsInvalid = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_consumer_messages_invalid_total",
		Help: "Total messages dropped as unparseable.",
	})
	indexUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_consumer_index_updates_total",
		Help: "Total successful geo index updates.",
	})
	indexErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_consumer_index_errors_total",
		Help: "Total geo index update failures after retries.",
	})
)

// locationApplier is the slice of the geo index the consumer writes to.
type locationApplier interface {
	UpsertLocation(ctx context.Context, d models.Driver) error
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	brokers := cfg.KafkaBrokers
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}
	group := os.Getenv("KAFKA_GROUP")
	if group == "" {
		group = "ride-dispatch-consumer"
	}
	redisAddr := cfg.RedisAddr
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	g := geo.NewRedisGeo(redisAddr, cfg.RedisPassword, cfg.RedisGeoKey)

	go serveMetrics(metricsAddr, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    cfg.KafkaTopic,
		GroupID:  group,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer r.Close()

	logger.Info("consumer started", "topic", cfg.KafkaTopic, "brokers", brokers, "group", group)
	run(ctx, r, g, logger)
}

func run(ctx context.Context, r *kafka.Reader, applier locationApplier, logger *slog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		var d models.Driver
		if err := json.Unmarshal(m.Value, &d); err != nil || d.ID == "" {
			msgsInvalid.Inc()
			logger.Warn("invalid location message", "error", err, "offset", m.Offset)
			continue
		}
		if err := applyWithRetry(ctx, applier, d, 3, 50*time.Millisecond); err != nil {
			indexErrors.Inc()
			logger.Error("geo index update failed", "driver_id", d.ID, "error", err)
			continue
		}
		indexUpdates.Inc()
	}
}

// applyWithRetry retries transient index failures with exponential backoff.
// Stale updates are not failures: a newer position already won.
func applyWithRetry(ctx context.Context, applier locationApplier, d models.Driver, attempts int, delay time.Duration) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		err := applier.UpsertLocation(ctx, d)
		if err == nil || errors.Is(err, geo.ErrStaleLocation) {
			return nil
		}
		lastErr = err
		if i < attempts-1 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
		}
	}
	return lastErr
}

func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	logger.Info("metrics listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics server stopped", "error", err)
	}
}
