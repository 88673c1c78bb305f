package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"callnote-sync/internal/types"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const bodyField = "body"

type StreamsConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	Group    string
	Consumer string
}

// StreamsQueue is a Redis Streams consumer-group queue. Each Fetch reads at
// most one entry and acknowledges and deletes it right after parsing.
type StreamsQueue struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
	log      *logrus.Entry
}

func NewStreamsQueue(ctx context.Context, cfg StreamsConfig, log *logrus.Entry) (*StreamsQueue, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	q := newStreamsQueue(client, cfg, log)
	if err := q.ensureGroup(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return q, nil
}

func newStreamsQueue(client *redis.Client, cfg StreamsConfig, log *logrus.Entry) *StreamsQueue {
	if cfg.Stream == "" {
		cfg.Stream = "callnote_audio"
	}
	if cfg.Group == "" {
		cfg.Group = "callnote_workers"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "worker-1"
	}
	return &StreamsQueue{
		client:   client,
		stream:   cfg.Stream,
		group:    cfg.Group,
		consumer: cfg.Consumer,
		log:      log,
	}
}

func (q *StreamsQueue) Close() error {
	return q.client.Close()
}

func (q *StreamsQueue) Enqueue(ctx context.Context, item types.WorkItem) error {
	body, err := EncodeBody(item)
	if err != nil {
		return fmt.Errorf("encode work item: %w", err)
	}
	return q.EnqueueRaw(ctx, body)
}

// EnqueueRaw adds an already encoded message body.
func (q *StreamsQueue) EnqueueRaw(ctx context.Context, body []byte) error {
	_, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{bodyField: string(body)},
	}).Result()
	if err != nil {
		return fmt.Errorf("enqueue to stream: %w", err)
	}
	return nil
}

func (q *StreamsQueue) Fetch(ctx context.Context, wait time.Duration) (*types.WorkItem, error) {
	block := wait
	if block <= 0 {
		block = -1
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}

	for _, stream := range streams {
		for _, msg := range stream.Messages {
			// Removed before the pipeline runs, whatever the outcome.
			if err := q.ackAndDelete(ctx, msg.ID); err != nil {
				return nil, err
			}

			raw, ok := msg.Values[bodyField].(string)
			if !ok {
				q.log.WithField("stream_id", msg.ID).Warn("dropped message without body")
				return nil, nil
			}
			item, err := ParseBody([]byte(raw))
			if err != nil {
				q.log.WithField("stream_id", msg.ID).WithError(err).Warn("dropped malformed message")
				return nil, nil
			}
			q.log.WithField("stream_id", msg.ID).Info("message fetched and removed from stream")
			return &item, nil
		}
	}
	return nil, nil
}

// ensureGroup starts the group at the beginning of the stream so entries
// added before the first worker started are still delivered.
func (q *StreamsQueue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return fmt.Errorf("ensure stream group: %w", err)
}

func (q *StreamsQueue) ackAndDelete(ctx context.Context, streamID string) error {
	if err := q.client.XAck(ctx, q.stream, q.group, streamID).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	if err := q.client.XDel(ctx, q.stream, streamID).Err(); err != nil {
		return fmt.Errorf("xdel: %w", err)
	}
	return nil
}
