package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pdsno/pdsno/pkg/envelope"
)

// RedisPubSub is the broker fabric. State-critical categories (discovery,
// policy, config) ride Redis streams with consumer groups, which gives
// at-least-once delivery and per-publisher FIFO; heartbeats use plain
// pub/sub and are at-most-once by design.
type RedisPubSub struct {
	client   *redis.Client
	group    string
	consumer string
	block    time.Duration
	logger   *slog.Logger
}

// NewRedisPubSub creates a broker client. group/consumer name this
// process's position in the consumer groups it joins.
func NewRedisPubSub(client *redis.Client, group, consumer string) *RedisPubSub {
	return &RedisPubSub{
		client:   client,
		group:    group,
		consumer: consumer,
		block:    5 * time.Second,
		logger:   slog.Default().With("component", "transport.redis"),
	}
}

func streamKey(category envelope.Category) string {
	return "pdsno:stream:" + string(category)
}

// mqttToRedisPattern widens MQTT wildcards into Redis glob; exact matching
// is re-applied with TopicMatch on delivery.
func mqttToRedisPattern(pattern string) string {
	p := strings.ReplaceAll(pattern, "+", "*")
	return strings.ReplaceAll(p, "#", "*")
}

// Publish sends the envelope on a topic via the fabric appropriate to its
// category.
func (r *RedisPubSub) Publish(ctx context.Context, topic string, env *envelope.Envelope) error {
	category, err := TopicCategory(topic)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	if category == envelope.CategoryHeartbeat {
		if err := r.client.Publish(ctx, topic, payload).Err(); err != nil {
			return fmt.Errorf("publish heartbeat: %w", err)
		}
		return nil
	}

	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(category),
		Values: map[string]any{"topic": topic, "envelope": string(payload)},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish to stream %s: %w", streamKey(category), err)
	}
	return nil
}

// Subscribe consumes envelopes matching the pattern. The pattern's category
// segment must be concrete; it selects the stream or pub/sub channel. The
// returned function cancels the subscription.
func (r *RedisPubSub) Subscribe(ctx context.Context, pattern string, h SubHandler) (func(), error) {
	category, err := TopicCategory(pattern)
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	if category == envelope.CategoryHeartbeat {
		ps := r.client.PSubscribe(subCtx, mqttToRedisPattern(pattern))
		go r.pubsubLoop(subCtx, ps, pattern, h)
		return func() { cancel(); _ = ps.Close() }, nil
	}

	stream := streamKey(category)
	err = r.client.XGroupCreateMkStream(subCtx, stream, r.group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		cancel()
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	go r.streamLoop(subCtx, stream, pattern, h)
	return cancel, nil
}

func (r *RedisPubSub) pubsubLoop(ctx context.Context, ps *redis.PubSub, pattern string, h SubHandler) {
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if !TopicMatch(pattern, msg.Channel) {
				continue
			}
			var env envelope.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.logger.Warn("dropping undecodable heartbeat", "topic", msg.Channel, "error", err)
				continue
			}
			h(ctx, msg.Channel, &env)
		}
	}
}

func (r *RedisPubSub) streamLoop(ctx context.Context, stream, pattern string, h SubHandler) {
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    r.group,
			Consumer: r.consumer,
			Streams:  []string{stream, ">"},
			Count:    16,
			Block:    r.block,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			r.logger.Warn("stream read failed", "stream", stream, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, s := range res {
			for _, msg := range s.Messages {
				r.deliver(ctx, stream, pattern, msg, h)
			}
		}
	}
}

// deliver dispatches one stream entry and acks it afterwards; a crash
// before the ack leads to redelivery, which idempotent handlers absorb.
func (r *RedisPubSub) deliver(ctx context.Context, stream, pattern string, msg redis.XMessage, h SubHandler) {
	topic, _ := msg.Values["topic"].(string)
	raw, _ := msg.Values["envelope"].(string)
	if TopicMatch(pattern, topic) {
		var env envelope.Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			r.logger.Warn("dropping undecodable stream entry", "stream", stream, "id", msg.ID, "error", err)
		} else {
			h(ctx, topic, &env)
		}
	}
	if err := r.client.XAck(ctx, stream, r.group, msg.ID).Err(); err != nil && ctx.Err() == nil {
		r.logger.Warn("ack failed", "stream", stream, "id", msg.ID, "error", err)
	}
}
