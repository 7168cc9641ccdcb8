package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onnwee/clip-tender/telemetry"
)

// RedisChannelPrefix prefixes the per-job pub/sub channel.
const RedisChannelPrefix = "jobs:progress:"

// RedisChannel returns the pub/sub channel carrying events for jobID.
func RedisChannel(jobID string) string { return RedisChannelPrefix + jobID }

// RedisSink republishes hub events on Redis pub/sub so other processes
// (a separate API tier, dashboards) can follow job progress. Events are
// queued in a bounded buffer and dropped when Redis falls behind.
type RedisSink struct {
	client *redis.Client
	queue  chan Event
	logger *slog.Logger
}

// NewRedisSink parses a redis:// URL and verifies the connection.
func NewRedisSink(ctx context.Context, url string, buffer int) (*RedisSink, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisSinkWithClient(client, buffer), nil
}

// NewRedisSinkWithClient wraps an existing client.
func NewRedisSinkWithClient(client *redis.Client, buffer int) *RedisSink {
	if buffer <= 0 {
		buffer = 256
	}
	return &RedisSink{
		client: client,
		queue:  make(chan Event, buffer),
		logger: slog.Default().With(slog.String("component", "redis_progress_sink")),
	}
}

// Publish enqueues ev without blocking.
func (r *RedisSink) Publish(ev Event) {
	select {
	case r.queue <- ev:
	default:
		telemetry.IncProgressDropped()
	}
}

// Run drains the queue until ctx is done, then closes the client.
func (r *RedisSink) Run(ctx context.Context) {
	defer func() {
		if err := r.client.Close(); err != nil {
			r.logger.Warn("failed to close redis client", slog.Any("err", err))
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.queue:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			if err := r.client.Publish(pctx, RedisChannel(ev.JobID), data).Err(); err != nil {
				r.logger.Debug("redis publish failed", slog.String("job_id", ev.JobID), slog.Any("err", err))
			}
			cancel()
		}
	}
}
