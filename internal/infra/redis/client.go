package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vietddude/agentd/internal/core/domain"
	"github.com/vietddude/agentd/internal/resilience"
)

const DefaultQueue = "agentd"

// Client wraps Redis operations for the task intake queue.
type Client struct {
	rdb   *redis.Client
	queue string
}

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	Queue    string `yaml:"queue"` // key prefix
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	queue := cfg.Queue
	if queue == "" {
		queue = DefaultQueue
	}
	return &Client{rdb: rdb, queue: queue}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Key helpers
func (c *Client) queueKey() string {
	return fmt.Sprintf("%s:tasks", c.queue)
}

func (c *Client) deadLetterKey() string {
	return fmt.Sprintf("%s:dead_letter", c.queue)
}

// Score orders requests by priority, then by enqueue time. Both parts stay
// well inside float64 integer precision.
func Score(priority int, at time.Time) float64 {
	if priority <= 0 {
		priority = domain.DefaultPriority
	}
	return float64(priority)*1e13 + float64(at.UnixMilli())
}

// PushTask adds a request to the queue and returns its id. A request without
// an id gets one so the caller can track it.
func (c *Client) PushTask(ctx context.Context, req domain.TaskRequest) (string, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal task request: %w", err)
	}

	z := redis.Z{Score: Score(req.Priority, time.Now()), Member: string(data)}
	if err := c.rdb.ZAdd(ctx, c.queueKey(), z).Err(); err != nil {
		return "", fmt.Errorf("zadd failed: %w", err)
	}
	return req.ID, nil
}

// PopTask removes and returns the most urgent request. found is false when
// the queue is empty. A member that is not a valid request is moved to the
// dead letter set and returned as a *resilience.ParseError.
func (c *Client) PopTask(ctx context.Context) (req domain.TaskRequest, found bool, err error) {
	results, err := c.rdb.ZPopMin(ctx, c.queueKey(), 1).Result()
	if err != nil {
		return req, false, &resilience.ConnectionError{Target: "redis", Err: fmt.Errorf("zpopmin failed: %w", err)}
	}
	if len(results) == 0 {
		return req, false, nil
	}

	member, _ := results[0].Member.(string)
	if err := json.Unmarshal([]byte(member), &req); err != nil {
		_ = c.DeadLetter(ctx, member, err.Error())
		return req, false, &resilience.ParseError{Err: fmt.Errorf("invalid task request: %w", err)}
	}
	return req, true, nil
}

// Len returns the number of queued requests.
func (c *Client) Len(ctx context.Context) (int64, error) {
	return c.rdb.ZCard(ctx, c.queueKey()).Result()
}

// Pending returns queued requests in pop order without removing them.
func (c *Client) Pending(ctx context.Context, limit int64) ([]domain.TaskRequest, error) {
	members, err := c.rdb.ZRange(ctx, c.queueKey(), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange failed: %w", err)
	}
	out := make([]domain.TaskRequest, 0, len(members))
	for _, m := range members {
		var req domain.TaskRequest
		if json.Unmarshal([]byte(m), &req) == nil {
			out = append(out, req)
		}
	}
	return out, nil
}

// ClearQueue removes all queued requests.
func (c *Client) ClearQueue(ctx context.Context) error {
	return c.rdb.Del(ctx, c.queueKey()).Err()
}
