package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisQueue is the durable lane: a redis stream consumed through a consumer
// group. Idempotent enqueue uses SETNX on the approval id; stalled claims
// are recovered with XAUTOCLAIM; dead letters live on a sibling stream.
type RedisQueue struct {
	cli   *redis.Client
	lane  string
	group string
}

func NewRedisQueue(url, lane string) (*RedisQueue, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("dispatch redis url: %w", err)
	}
	if lane == "" {
		lane = DefaultLane
	}
	return &RedisQueue{cli: redis.NewClient(opt), lane: lane, group: lane + "-workers"}, nil
}

func (q *RedisQueue) streamKey() string { return "dispatch:" + q.lane }
func (q *RedisQueue) deadKey() string   { return "dispatch:" + q.lane + ":dead" }
func (q *RedisQueue) dedupKey(idem string) string {
	return "dispatch:" + q.lane + ":seen:" + idem
}

func (q *RedisQueue) ensureGroup(ctx context.Context) error {
	err := q.cli.XGroupCreateMkStream(ctx, q.streamKey(), q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) (bool, error) {
	ok, err := q.cli.SetNX(ctx, q.dedupKey(job.IdempotencyKey()), job.TaskID, 0).Result()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return true, q.add(ctx, job, 0, "")
}

func (q *RedisQueue) add(ctx context.Context, job Job, requeues int, reason string) error {
	values := map[string]any{"job": string(job.encode()), "requeues": requeues}
	if reason != "" {
		values["reason"] = reason
	}
	return q.cli.XAdd(ctx, &redis.XAddArgs{
		Stream: q.streamKey(),
		Values: values,
	}).Err()
}

func claimFromMessage(msg redis.XMessage, consumer string, extraAttempts int) (Claim, bool) {
	raw, _ := msg.Values["job"].(string)
	job, ok := decodeJob([]byte(raw))
	if !ok {
		return Claim{}, false
	}
	requeues := 0
	if s, _ := msg.Values["requeues"].(string); s != "" {
		requeues, _ = strconv.Atoi(s)
	}
	return Claim{
		Job:       job,
		Receipt:   msg.ID,
		Attempt:   requeues + 1 + extraAttempts,
		ClaimedBy: consumer,
		ClaimedAt: time.Now().UTC(),
	}, true
}

func (q *RedisQueue) Claim(ctx context.Context, consumer string, max int, block time.Duration) ([]Claim, error) {
	if err := q.ensureGroup(ctx); err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 1
	}
	streams, err := q.cli.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.streamKey(), ">"},
		Count:    int64(max),
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Claim
	for _, st := range streams {
		for _, msg := range st.Messages {
			c, ok := claimFromMessage(msg, consumer, 0)
			if !ok {
				// undecodable entry: ack it away rather than poison the lane
				_ = q.cli.XAck(ctx, q.streamKey(), q.group, msg.ID).Err()
				continue
			}
			out = append(out, c)
		}
	}
	return out, nil
}

func (q *RedisQueue) ClaimStalled(ctx context.Context, consumer string, minIdle time.Duration, max int) ([]Claim, error) {
	if err := q.ensureGroup(ctx); err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 10
	}
	msgs, _, err := q.cli.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.streamKey(),
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0",
		Count:    int64(max),
	}).Result()
	if err != nil {
		return nil, err
	}
	var out []Claim
	for _, msg := range msgs {
		// each reclaim is one extra delivery of the same entry
		c, ok := claimFromMessage(msg, consumer, 1)
		if !ok {
			_ = q.cli.XAck(ctx, q.streamKey(), q.group, msg.ID).Err()
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (q *RedisQueue) Ack(ctx context.Context, c Claim) error {
	if err := q.cli.XAck(ctx, q.streamKey(), q.group, c.Receipt).Err(); err != nil {
		return err
	}
	return q.cli.XDel(ctx, q.streamKey(), c.Receipt).Err()
}

// Requeue writes the fresh entry before acknowledging the old one, same
// order as Dead: a crash in between duplicates a delivery, which the
// at-least-once contract already absorbs, instead of losing the job.
func (q *RedisQueue) Requeue(ctx context.Context, c Claim, reason string) error {
	if err := q.add(ctx, c.Job, c.Attempt, reason); err != nil {
		return err
	}
	return q.Ack(ctx, c)
}

func (q *RedisQueue) Dead(ctx context.Context, c Claim, reason string, attemptsMade int) error {
	dl := DeadLetter{Job: c.Job, Reason: reason, AttemptsMade: attemptsMade, FailedAt: time.Now().UTC()}
	b, _ := json.Marshal(dl)
	if err := q.cli.XAdd(ctx, &redis.XAddArgs{Stream: q.deadKey(), Values: map[string]any{"dead": string(b)}}).Err(); err != nil {
		return err
	}
	return q.Ack(ctx, c)
}

func (q *RedisQueue) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	msgs, err := q.cli.XRangeN(ctx, q.deadKey(), "-", "+", int64(limit)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, 0, len(msgs))
	for _, msg := range msgs {
		raw, _ := msg.Values["dead"].(string)
		var dl DeadLetter
		if json.Unmarshal([]byte(raw), &dl) == nil {
			out = append(out, dl)
		}
	}
	return out, nil
}

func (q *RedisQueue) RequeueDeadLetters(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	msgs, err := q.cli.XRangeN(ctx, q.deadKey(), "-", "+", int64(limit)).Result()
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, msg := range msgs {
		raw, _ := msg.Values["dead"].(string)
		var dl DeadLetter
		if json.Unmarshal([]byte(raw), &dl) != nil {
			continue
		}
		if err := q.add(ctx, dl.Job, 0, ""); err != nil {
			return moved, err
		}
		if err := q.cli.XDel(ctx, q.deadKey(), msg.ID).Err(); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

func (q *RedisQueue) Close() error { return q.cli.Close() }
