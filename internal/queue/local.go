package queue

import (
	"context"
	"fmt"
	"time"

	"callnote-sync/internal/types"
	"github.com/sirupsen/logrus"
)

// LocalQueue is an in-process queue used when Redis is not configured.
type LocalQueue struct {
	ch  chan []byte
	log *logrus.Entry
}

func NewLocalQueue(bufferSize int, log *logrus.Entry) *LocalQueue {
	if bufferSize <= 0 {
		bufferSize = 512
	}
	return &LocalQueue{ch: make(chan []byte, bufferSize), log: log}
}

func (q *LocalQueue) Enqueue(ctx context.Context, item types.WorkItem) error {
	body, err := EncodeBody(item)
	if err != nil {
		return fmt.Errorf("encode work item: %w", err)
	}
	return q.EnqueueRaw(ctx, body)
}

func (q *LocalQueue) EnqueueRaw(ctx context.Context, body []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- body:
		return nil
	}
}

func (q *LocalQueue) Fetch(ctx context.Context, wait time.Duration) (*types.WorkItem, error) {
	var body []byte
	if wait <= 0 {
		select {
		case body = <-q.ch:
		default:
			return nil, nil
		}
	} else {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case body = <-q.ch:
		}
	}

	item, err := ParseBody(body)
	if err != nil {
		q.log.WithError(err).Warn("dropped malformed message")
		return nil, nil
	}
	return &item, nil
}

func (q *LocalQueue) Len() int {
	return len(q.ch)
}
