package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RedDuck-Software/Undas.Contracts/internal/config"
	"github.com/RedDuck-Software/Undas.Contracts/internal/db"
	"github.com/RedDuck-Software/Undas.Contracts/internal/events"
	"go.uber.org/zap"
)

// Relay subscribes to marketplace events in Redis and forwards each one to
// an external webhook (indexer, notification service).

type notification struct {
	Type         string         `json:"type"`
	Payload      map[string]any `json:"payload"`
	Participants []string       `json:"participants"`
	RelayedAt    time.Time      `json:"relayed_at"`
}

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	if cfg.RelayWebhookURL == "" {
		log.Fatal("RELAY_WEBHOOK_URL is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	subscriber := events.NewRedisSubscriber(rdb, log)
	client := &http.Client{Timeout: 10 * time.Second}

	err = subscriber.Subscribe(ctx, events.StreamMarketplace, func(event events.Event) {
		log.Info("forwarding event", zap.String("type", event.Type))
		forward(ctx, client, cfg.RelayWebhookURL, event, log)
	})
	if err != nil {
		log.Fatal("failed to subscribe", zap.Error(err))
	}

	log.Info("relay started", zap.String("stream", events.StreamMarketplace))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down relay")
	cancel()
}

func forward(ctx context.Context, client *http.Client, url string, event events.Event, log *zap.Logger) {
	body, err := json.Marshal(notification{
		Type:         event.Type,
		Payload:      event.Payload,
		Participants: event.Participants(),
		RelayedAt:    time.Now().UTC(),
	})
	if err != nil {
		log.Warn("failed to encode event", zap.String("type", event.Type), zap.Error(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		log.Warn("failed to build webhook request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		log.Warn("failed to forward event", zap.String("type", event.Type), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		log.Warn("webhook returned non-2xx", zap.String("type", event.Type), zap.Int("status", resp.StatusCode))
	}
}
