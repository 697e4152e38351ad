package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DeadLetter is a request that could not be submitted.
type DeadLetter struct {
	Payload  string    `json:"payload"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}

// DeadLetter records a payload that could not be turned into a task.
// Entries are scored by time so the oldest come first.
func (c *Client) DeadLetter(ctx context.Context, payload, reason string) error {
	now := time.Now().UTC()
	data, err := json.Marshal(DeadLetter{Payload: payload, Reason: reason, FailedAt: now})
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	if err := c.rdb.ZAdd(ctx, c.deadLetterKey(), redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: string(data),
	}).Err(); err != nil {
		return fmt.Errorf("failed to add dead letter: %w", err)
	}
	return nil
}

// DeadLetters returns up to limit dead letters, oldest first.
func (c *Client) DeadLetters(ctx context.Context, limit int64) ([]DeadLetter, error) {
	members, err := c.rdb.ZRange(ctx, c.deadLetterKey(), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange failed: %w", err)
	}

	out := make([]DeadLetter, 0, len(members))
	for _, m := range members {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(m), &dl); err != nil {
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

// DeadLetterCount returns the number of dead letters.
func (c *Client) DeadLetterCount(ctx context.Context) (int64, error) {
	return c.rdb.ZCard(ctx, c.deadLetterKey()).Result()
}
