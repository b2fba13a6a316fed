// Package workqueue publishes jobs to the external broker-backed task queue
// consumed by the notification workers. Delivery is at-least-once; a
// caller-side failed_tries counter caps retries, after which the payload is
// handed to a failure handler instead of being requeued.
package workqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/chatrelay/chatrelay/internal/metrics"
)

// MaxTries is the retry ceiling. A payload whose failed_tries exceeds it is
// routed to the failure handler, never silently dropped.
const MaxTries = 3

// keyPrefix namespaces broker lists in Redis.
const keyPrefix = "queue:"

// Publisher is the broker contract the dispatcher and notification engine
// depend on.
type Publisher interface {
	// Enqueue publishes a JSON-serializable payload to the named queue.
	Enqueue(ctx context.Context, queue string, payload map[string]any) error
}

// FailureHandler receives payloads that exhausted their retries.
type FailureHandler func(queue string, payload map[string]any, cause error)

// RedisQueue publishes jobs by LPUSHing JSON onto a Redis list per queue.
type RedisQueue struct {
	client    *redis.Client
	log       *slog.Logger
	onFailure FailureHandler
}

// NewRedisQueue returns a publisher backed by the given Redis client. A nil
// failure handler falls back to logging the abandoned payload.
func NewRedisQueue(client *redis.Client, log *slog.Logger, onFailure FailureHandler) *RedisQueue {
	if log == nil {
		log = slog.Default()
	}
	q := &RedisQueue{client: client, log: log, onFailure: onFailure}
	if q.onFailure == nil {
		q.onFailure = func(queue string, payload map[string]any, cause error) {
			data, _ := json.Marshal(payload)
			log.Error("abandoning work queue payload",
				slog.String("queue", queue),
				slog.String("payload", string(data)),
				slog.Any("error", cause))
		}
	}
	return q
}

// Enqueue publishes the payload, retrying on broker errors with an embedded
// failed_tries counter. After MaxTries failures the payload goes to the
// failure handler.
func (q *RedisQueue) Enqueue(ctx context.Context, queue string, payload map[string]any) error {
	// Copy so retry bookkeeping never mutates the caller's map.
	job := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		job[k] = v
	}
	if _, ok := job["failed_tries"]; !ok {
		job["failed_tries"] = 0
	}

	var lastErr error
	for {
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", queue, err)
		}
		if err := q.client.LPush(ctx, keyPrefix+queue, data).Err(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		metrics.WorkQueuePublishFailures.WithLabelValues(queue).Inc()
		tries := asInt(job["failed_tries"]) + 1
		job["failed_tries"] = tries
		if tries > MaxTries {
			q.onFailure(queue, job, lastErr)
			return fmt.Errorf("publish to %s after %d tries: %w", queue, tries, lastErr)
		}
		q.log.Warn("work queue publish failed, retrying",
			slog.String("queue", queue),
			slog.Int("failed_tries", tries),
			slog.Any("error", lastErr))
	}
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

// FileFailureHandler appends abandoned payloads as JSON lines to the given
// file, one record per payload.
func FileFailureHandler(path string, log *slog.Logger) FailureHandler {
	var mu sync.Mutex
	return func(queue string, payload map[string]any, cause error) {
		record := map[string]any{
			"queue":   queue,
			"payload": payload,
			"error":   cause.Error(),
		}
		data, err := json.Marshal(record)
		if err != nil {
			log.Error("marshal failure record", slog.Any("error", err))
			return
		}
		mu.Lock()
		defer mu.Unlock()
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Error("open failure log", slog.String("path", path), slog.Any("error", err))
			return
		}
		defer f.Close()
		if _, err := f.Write(append(data, '\n')); err != nil {
			log.Error("write failure record", slog.Any("error", err))
		}
	}
}

// Memory is an in-process Publisher used in tests and in single-node
// deployments without a broker.
type Memory struct {
	mu   sync.Mutex
	jobs map[string][]map[string]any
}

// NewMemory returns an empty in-memory publisher.
func NewMemory() *Memory {
	return &Memory{jobs: make(map[string][]map[string]any)}
}

// Enqueue records the payload under the queue name.
func (m *Memory) Enqueue(_ context.Context, queue string, payload map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := make(map[string]any, len(payload))
	for k, v := range payload {
		copied[k] = v
	}
	m.jobs[queue] = append(m.jobs[queue], copied)
	return nil
}

// Jobs returns the payloads enqueued to the named queue.
func (m *Memory) Jobs(queue string) []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]map[string]any(nil), m.jobs[queue]...)
}
