package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	CancelChannelName = "forge:task-cancel"
)

// RedisClient implements Client using Redis pub/sub
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient creates a new Redis events client
func NewRedisClient(addr, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, err
	}

	return &RedisClient{client: client}, nil
}

// PublishCancel broadcasts a cancel signal to all subscribed runners
func (r *RedisClient) PublishCancel(ctx context.Context, signal CancelSignal) error {
	data, err := json.Marshal(signal)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, CancelChannelName, data).Err()
}

// SubscribeCancel listens for cancel signals and passes them to the handler.
// One client can only be subscribed once
func (r *RedisClient) SubscribeCancel(ctx context.Context, handler func(CancelSignal)) error {
	sub := r.client.Subscribe(ctx, CancelChannelName)
	defer func() {
		if err := sub.Close(); err != nil {
			log.Error().Err(err).Msg("Could not close cancel subscription")
		}
	}()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}

			var signal CancelSignal
			if err := json.Unmarshal([]byte(msg.Payload), &signal); err != nil {
				log.Error().
					Err(err).
					Str("payload", msg.Payload).
					Msg("Could not parse cancel signal")
				continue
			}

			if err := processSignal(handler, signal); err != nil {
				log.Error().
					Err(err).
					Int64("task_id", signal.TaskID).
					Msg("Error encountered when processing cancel signal")
			}
		}
	}
}

func processSignal(handler func(CancelSignal), signal CancelSignal) (err error) {
	defer func() {
		if rcv := recover(); rcv != nil {
			// Log the panic
			log.Error().Interface("panic", rcv).Int64("task_id", signal.TaskID).Msg("Handler panicked")

			err = fmt.Errorf("handler panicked: %v", rcv)
		}
	}()

	handler(signal)
	return nil
}

// Close terminates the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}
