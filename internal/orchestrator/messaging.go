package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Message kinds published on agent streams.
const (
	MsgTask   = "task"
	MsgResult = "result"
)

const agentStreamPrefix = "agentrag:agent:"

// AgentMessage is one entry on an agent's stream: either a task handed
// to the agent or the result it produced.
type AgentMessage struct {
	ID        string                 `json:"id"`
	TaskID    string                 `json:"task_id"`
	AgentID   string                 `json:"agent_id"`
	Kind      string                 `json:"kind"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// MessageBus mirrors task dispatch onto per-agent Redis streams so
// external agent workers can watch their own queues. It is an observer;
// orchestration never waits on it.
type MessageBus struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewMessageBus connects to Redis and verifies the connection.
func NewMessageBus(redisURL string, logger *zap.Logger) (*MessageBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &MessageBus{rdb: rdb, logger: logger}, nil
}

// AnnounceTask publishes a dispatch notification to the agent's stream.
func (mb *MessageBus) AnnounceTask(ctx context.Context, agentID string, t *Task) {
	mb.publish(ctx, &AgentMessage{
		ID:      uuid.New().String(),
		TaskID:  t.ID,
		AgentID: agentID,
		Kind:    MsgTask,
		Payload: map[string]interface{}{
			"type":     t.Type,
			"priority": string(t.Priority),
		},
		Timestamp: time.Now(),
	})
}

// AnnounceResult publishes a task outcome to the agent's stream.
func (mb *MessageBus) AnnounceResult(ctx context.Context, agentID string, r *TaskResult) {
	mb.publish(ctx, &AgentMessage{
		ID:      uuid.New().String(),
		TaskID:  r.TaskID,
		AgentID: agentID,
		Kind:    MsgResult,
		Payload: map[string]interface{}{
			"status":  string(r.Status),
			"quality": r.Quality,
			"error":   r.Error,
		},
		Timestamp: time.Now(),
	})
}

// publish is fire-and-forget: a broken stream must never fail a task.
func (mb *MessageBus) publish(ctx context.Context, msg *AgentMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		mb.logger.Warn("marshal agent message", zap.Error(err))
		return
	}

	stream := agentStreamPrefix + msg.AgentID
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := mb.rdb.XAdd(pubCtx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: 1000,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).Err(); err != nil {
		mb.logger.Warn("publish agent message",
			zap.String("stream", stream),
			zap.Error(err))
		return
	}
	mb.logger.Debug("published agent message",
		zap.String("agent", msg.AgentID),
		zap.String("task", msg.TaskID),
		zap.String("kind", msg.Kind))
}

// Subscribe tails an agent's stream. Cancel the context to stop; the
// returned channel is closed on exit.
func (mb *MessageBus) Subscribe(ctx context.Context, agentID string) <-chan *AgentMessage {
	ch := make(chan *AgentMessage, 16)
	stream := agentStreamPrefix + agentID

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			if ctx.Err() != nil {
				return
			}

			results, err := mb.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   10,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
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
					var am AgentMessage
					if json.Unmarshal([]byte(data), &am) == nil {
						ch <- &am
					}
				}
			}
		}
	}()

	return ch
}

// Close shuts down the Redis connection.
func (mb *MessageBus) Close() error {
	return mb.rdb.Close()
}
