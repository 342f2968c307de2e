// Worker consumes session events from Kafka and pushes them to Loki.
// Set KAFKA_BROKERS, SESSION_EVENTS_KAFKA_TOPIC, KAFKA_GROUP_ID, and LOKI_URL.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/config"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/platform/logger"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/telemetry/loki"
)

const pushTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	zl, err := logger.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	brokers := cfg.KafkaBrokersList()
	if len(brokers) == 0 {
		zl.Fatal("worker: KAFKA_BROKERS is required")
	}
	sink, err := loki.New(cfg.LokiURL, loki.DefaultJob, &http.Client{Timeout: pushTimeout})
	if err != nil {
		zl.Fatal("worker: LOKI_URL is required", zap.Error(err))
	}

	topic := cfg.SessionEventsTopic
	if topic == "" {
		topic = "vpn-session-events"
	}
	groupID := cfg.KafkaGroupID
	if groupID == "" {
		groupID = "vpn-session-events-worker"
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        1 * time.Second,
		CommitInterval: time.Second,
	})
	defer reader.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	zl.Info("worker: consuming", zap.String("topic", topic), zap.String("group", groupID), zap.String("loki", cfg.LokiURL))

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				zl.Info("worker: stopped")
				return
			}
			zl.Warn("worker: kafka read error", zap.Error(err))
			continue
		}

		pushCtx, pushCancel := context.WithTimeout(ctx, pushTimeout)
		if err := sink.Push(pushCtx, loki.EntryFromEvent(msg.Value, time.Now().UTC())); err != nil {
			zl.Warn("worker: loki push failed", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
		pushCancel()
	}
}
