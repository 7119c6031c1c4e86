package events

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type RedisPublisher struct {
	client *redis.Client
	log    *zap.Logger
}

func NewRedisPublisher(client *redis.Client, log *zap.Logger) *RedisPublisher {
	return &RedisPublisher{client: client, log: log}
}

func (p *RedisPublisher) Publish(ctx context.Context, stream string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, stream, string(data)).Err()
}

// PublishBatch sends events in order through one pipeline round trip.
func (p *RedisPublisher) PublishBatch(ctx context.Context, stream string, batch []Event) error {
	if len(batch) == 0 {
		return nil
	}
	pipe := p.client.Pipeline()
	for _, event := range batch {
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		pipe.Publish(ctx, stream, string(data))
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		p.log.Warn("event batch publish failed", zap.Int("events", len(batch)), zap.Error(err))
	}
	return err
}

type RedisSubscriber struct {
	client *redis.Client
	log    *zap.Logger
}

func NewRedisSubscriber(client *redis.Client, log *zap.Logger) *RedisSubscriber {
	return &RedisSubscriber{client: client, log: log}
}

func (s *RedisSubscriber) Subscribe(ctx context.Context, stream string, handler func(Event)) error {
	pubsub := s.client.Subscribe(ctx, stream)
	// Wait for the subscription to be confirmed so no event published right after is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	ch := pubsub.Channel()

	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					s.log.Error("failed to unmarshal event", zap.String("stream", stream), zap.Error(err))
					continue
				}
				handler(event)
			}
		}
	}()

	return nil
}

// BatchPublisher is implemented by publishers that can send several events at once.
type BatchPublisher interface {
	PublishBatch(ctx context.Context, stream string, batch []Event) error
}
