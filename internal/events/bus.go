package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/showjihyun/agentrag/internal/metrics"
	"github.com/showjihyun/agentrag/internal/trace"
)

const (
	stepStream    = "agentrag:steps"
	metricsStream = "agentrag:metrics"
)

// Bus publishes execution steps and run metrics to Redis Streams so
// external consumers (dashboards, predictors) can follow runs live.
// It satisfies trace.Recorder and metrics.Sink; reads go to whatever
// primary recorder it is combined with.
type Bus struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewBus connects to Redis and verifies the connection.
func NewBus(redisURL string, logger *zap.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Bus{rdb: rdb, logger: logger}, nil
}

// Append publishes one trace step. Publish failures are logged, never
// surfaced: the stream is an observer, not part of the run.
func (b *Bus) Append(step *trace.Step) {
	data, err := json.Marshal(step)
	if err != nil {
		b.logger.Warn("marshal step", zap.Error(err))
		return
	}
	b.publish(stepStream, step.ExecutionID, data)
}

// Steps is unsupported on the bus; combine with a primary recorder.
func (b *Bus) Steps(string) []*trace.Step { return nil }

// Record publishes one run metrics record.
func (b *Bus) Record(m *metrics.RunMetrics) {
	if m.RecordedAt.IsZero() {
		m.RecordedAt = time.Now()
	}
	data, err := json.Marshal(m)
	if err != nil {
		b.logger.Warn("marshal metrics", zap.Error(err))
		return
	}
	b.publish(metricsStream, m.ExecutionID, data)
}

func (b *Bus) publish(stream, executionID string, data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: 10000,
		Approx: true,
		Values: map[string]interface{}{
			"execution_id": executionID,
			"data":         string(data),
		},
	}).Result()
	if err != nil {
		b.logger.Warn("publish event",
			zap.String("stream", stream),
			zap.String("execution_id", executionID),
			zap.Error(err))
	}
}

// SubscribeSteps follows the step stream from now on. Cancel the
// context to stop; the returned channel closes when the reader exits.
func (b *Bus) SubscribeSteps(ctx context.Context) <-chan *trace.Step {
	ch := make(chan *trace.Step, 16)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stepStream, lastID},
				Count:   10,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if err == context.Canceled || err == context.DeadlineExceeded {
					return
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var step trace.Step
					if json.Unmarshal([]byte(data), &step) == nil {
						ch <- &step
					}
				}
			}
		}
	}()

	return ch
}

// Close shuts down the Redis connection.
func (b *Bus) Close() error {
	return b.rdb.Close()
}
