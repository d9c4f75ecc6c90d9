package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

type redisNotifier struct {
	cli    *redis.Client
	stream string
	maxLen int64
}

// NewRedis publishes notifications onto a capped redis stream that the
// dashboard (or any other consumer) tails.
func NewRedis(url, stream string, maxLen int64) (Notifier, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("notify redis url: %w", err)
	}
	if stream == "" {
		stream = "notifications:pipeline"
	}
	if maxLen <= 0 {
		maxLen = 100000
	}
	return &redisNotifier{cli: redis.NewClient(opt), stream: stream, maxLen: maxLen}, nil
}

func (n *redisNotifier) Notify(ctx context.Context, msg Message) error {
	b, _ := json.Marshal(msg)
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return n.cli.XAdd(ctx, &redis.XAddArgs{
		Stream: n.stream,
		MaxLen: n.maxLen,
		Approx: true,
		Values: map[string]any{"data": string(b)},
	}).Err()
}

func (n *redisNotifier) Close() error { return n.cli.Close() }
