package eventbus

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	apperrors "github.com/nimbusforge/gpucp/internal/errors"
)

// payloadField is the single field name every stream entry is stored
// under; subjects are plain JSON blobs, not multi-field hashes.
const payloadField = "payload"

// RedisBus is the Bus implementation backed by Redis Streams.
type RedisBus struct {
	client   *redis.Client
	breaker  *gobreaker.CircuitBreaker
	log      *zap.Logger
	claimMin time.Duration
}

// Config configures the Redis connection underlying the bus.
type Config struct {
	Addr     string
	Password string
	DB       int
}

func NewRedisBus(cfg Config, log *zap.Logger) *RedisBus {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "eventbus-redis",
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})

	return &RedisBus{client: client, breaker: breaker, log: log, claimMin: DefaultClaimMinIdle}
}

// NewRedisBusWithClient wires a pre-built *redis.Client (used by tests
// against miniredis, which has no TLS/auth concerns worth wrapping in
// Config).
func NewRedisBusWithClient(client *redis.Client, log *zap.Logger) *RedisBus {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "eventbus-redis",
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
	return &RedisBus{client: client, breaker: breaker, log: log, claimMin: DefaultClaimMinIdle}
}

func (b *RedisBus) Publish(ctx context.Context, subject string, payload []byte) error {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return b.client.XAdd(ctx, &redis.XAddArgs{
			Stream: subject,
			Values: map[string]interface{}{payloadField: payload},
		}).Result()
	})
	if err != nil {
		return apperrors.NewTransientBusError("publish:"+subject, err)
	}
	return nil
}

// Subscribe ensures the consumer group exists (creating the stream if
// necessary), then runs a read loop in a goroutine that forwards
// messages until ctx is cancelled. A second goroutine periodically
// claims entries idle longer than claimMinIdle so a crashed consumer's
// unacked work is picked up by a sibling.
func (b *RedisBus) Subscribe(ctx context.Context, subject, group, consumer string) (<-chan Message, error) {
	err := b.client.XGroupCreateMkStream(ctx, subject, group, "0").Err()
	if err != nil && !errors.Is(err, redis.Nil) && !isBusyGroupErr(err) {
		return nil, apperrors.NewTransientBusError("create_group:"+subject, err)
	}

	out := make(chan Message, 64)

	go b.readLoop(ctx, subject, group, consumer, out)
	go b.claimLoop(ctx, subject, group, consumer, out)

	return out, nil
}

func (b *RedisBus) readLoop(ctx context.Context, subject, group, consumer string, out chan<- Message) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{subject, ">"},
			Count:    16,
			Block:    2 * time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			b.log.Warn("eventbus read failed", zap.String("subject", subject), zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				msg, ok := toMessage(subject, entry)
				if !ok {
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// claimLoop redelivers entries left pending by a consumer that died
// before acking — the redelivery path for at-least-once semantics.
func (b *RedisBus) claimLoop(ctx context.Context, subject, group, consumer string, out chan<- Message) {
	ticker := time.NewTicker(b.claimMin)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		entries, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   subject,
			Group:    group,
			Consumer: consumer,
			MinIdle:  b.claimMin,
			Start:    "0",
			Count:    16,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				b.log.Warn("eventbus claim failed", zap.String("subject", subject), zap.Error(err))
			}
			continue
		}

		for _, entry := range entries {
			msg, ok := toMessage(subject, entry)
			if !ok {
				continue
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (b *RedisBus) Ack(ctx context.Context, subject, group, messageID string) error {
	if err := b.client.XAck(ctx, subject, group, messageID).Err(); err != nil {
		return apperrors.NewTransientBusError("ack:"+subject, err)
	}
	return nil
}

// Nack is a no-op against Redis Streams: a message left unacked is
// already eligible for claimLoop's redelivery once it goes idle. The
// method exists so call sites can express "I failed to process this"
// without reaching into transport internals.
func (b *RedisBus) Nack(ctx context.Context, subject, group, messageID string) error {
	return nil
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}

func toMessage(subject string, entry redis.XMessage) (Message, bool) {
	raw, ok := entry.Values[payloadField]
	if !ok {
		return Message{}, false
	}
	payload, ok := raw.(string)
	if !ok {
		return Message{}, false
	}
	return Message{ID: entry.ID, Subject: subject, Payload: []byte(payload)}, true
}

func isBusyGroupErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}
