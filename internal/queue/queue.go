// Package queue carries rejection events from the claim validator to the
// pattern scanner. Events are a nudge, not the data: the audit log is the
// source of truth and a lost event only delays the next scan.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rejection is one rejected-claim event.
type Rejection struct {
	AttemptID string    `json:"attempt_id"`
	Code      string    `json:"code"`
	At        time.Time `json:"at"`
}

// Queue is the abstraction over the rejection-event backends.
type Queue interface {
	Publish(ctx context.Context, ev Rejection) error
	Consume(ctx context.Context) (<-chan Rejection, error)
}

// InMemory is a channel-backed queue for dev and tests.
type InMemory struct {
	ch chan Rejection
}

// NewInMemory creates a bounded in-memory queue.
func NewInMemory(size int) *InMemory {
	return &InMemory{ch: make(chan Rejection, size)}
}

// Publish enqueues an event.
func (q *InMemory) Publish(ctx context.Context, ev Rejection) error {
	select {
	case q.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume returns the event stream.
func (q *InMemory) Consume(ctx context.Context) (<-chan Rejection, error) {
	out := make(chan Rejection)
	go func() {
		defer close(out)
		for {
			select {
			case ev := <-q.ch:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// RedisQueue is a Redis list-backed queue with JSON-encoded events.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue builds a queue using LPUSH/BRPOP semantics.
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = "presence:rejections"
	}
	return &RedisQueue{client: client, key: key}
}

// Publish enqueues an event.
func (q *RedisQueue) Publish(ctx context.Context, ev Rejection) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key, payload).Err()
}

// Consume streams events using BRPOP. Undecodable entries are skipped.
func (q *RedisQueue) Consume(ctx context.Context) (<-chan Rejection, error) {
	out := make(chan Rejection)
	go func() {
		defer close(out)
		for {
			res, err := q.client.BRPop(ctx, 5*time.Second, q.key).Result()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				continue
			}
			if len(res) != 2 {
				continue
			}
			var ev Rejection
			if err := json.Unmarshal([]byte(res[1]), &ev); err != nil {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
