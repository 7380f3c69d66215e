package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/warp/commission-engine/wallet"
)

// LogSink writes each event as a structured log line.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Deliver(_ context.Context, ev wallet.Event) error {
	s.Logger.Info("ledger event",
		zap.String("account_id", string(ev.AccountID)),
		zap.String("amount", ev.Amount.String()),
		zap.String("type", string(ev.Type)),
		zap.String("reference", ev.Reference),
		zap.String("transaction_id", string(ev.TransactionID)),
		zap.Time("at", ev.At))
	return nil
}

// Publisher is the part of a Redis client RedisSink uses.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSink publishes events as JSON on a Redis channel.
type RedisSink struct {
	client  Publisher
	channel string
}

func NewRedisSink(client Publisher, channel string) *RedisSink {
	return &RedisSink{client: client, channel: channel}
}

// NewRedisClient connects to addr. The caller owns Close.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func (s *RedisSink) Deliver(ctx context.Context, ev wallet.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", s.channel, err)
	}
	return nil
}
