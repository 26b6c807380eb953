package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/sorryhyun/DiPeO-sub011/common/config"
	"github.com/sorryhyun/DiPeO-sub011/common/engine"
	"github.com/sorryhyun/DiPeO-sub011/common/logger"
)

// EventPublisher fans execution events out to redis streams: one shared
// stream for firehose consumers plus a per-execution stream the SSE
// endpoint reads from. It implements engine.Sink; publish failures are
// logged and swallowed so observability never fails a run.
type EventPublisher struct {
	client *redis.Client
	stream string
	log    *logger.Logger
}

// NewEventPublisher connects a redis-backed event sink
func NewEventPublisher(cfg config.RedisConfig, log *logger.Logger) (*EventPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	log.Info("redis connected", "addr", cfg.Addr, "stream", cfg.Stream)
	return &EventPublisher{client: client, stream: cfg.Stream, log: log}, nil
}

// executionStream is the per-execution stream key
func (p *EventPublisher) executionStream(executionID string) string {
	return p.stream + ":" + executionID
}

// Emit implements engine.Sink
func (p *EventPublisher) Emit(ctx context.Context, event engine.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		p.log.Error("event not serializable", "type", event.Type, "error", err)
		return
	}

	values := map[string]any{
		"type":    string(event.Type),
		"payload": string(payload),
	}

	pipe := p.client.Pipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{Stream: p.stream, MaxLen: 10000, Approx: true, Values: values})
	pipe.XAdd(ctx, &redis.XAddArgs{Stream: p.executionStream(event.ExecutionID), MaxLen: 1000, Approx: true, Values: values})
	if _, err := pipe.Exec(ctx); err != nil {
		p.log.Error("failed to publish event", "type", event.Type, "error", err)
	}
}

// ReadExecution blocks for events of one execution starting after
// lastID ("0" replays from the beginning). It returns the raw payloads
// and the new cursor.
func (p *EventPublisher) ReadExecution(ctx context.Context, executionID, lastID string) ([]json.RawMessage, string, error) {
	if lastID == "" {
		lastID = "0"
	}

	streams, err := p.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{p.executionStream(executionID), lastID},
		Count:   100,
		Block:   0,
	}).Result()
	if err != nil {
		return nil, lastID, fmt.Errorf("read execution stream: %w", err)
	}

	var events []json.RawMessage
	cursor := lastID
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			if payload, ok := msg.Values["payload"].(string); ok {
				events = append(events, json.RawMessage(payload))
			}
			cursor = msg.ID
		}
	}
	return events, cursor, nil
}

// Close releases the redis connection
func (p *EventPublisher) Close() error {
	return p.client.Close()
}
