// Package job implements the job engine: priority submission, a bounded
// queue, a worker pool, live status, and cooperative cancellation. The
// queue is four Redis Streams (one per priority band) behind one consumer
// group, so the dispatcher can always drain the highest non-empty band
// first without an in-process heap that would need its own persistence
// story.
package job

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/scholarly/ingestd/internal/apierrors"
	"github.com/scholarly/ingestd/internal/model"
)

// priorityOrder is the strict dispatch order: urgent drains completely
// before high is even checked, and so on.
var priorityOrder = []model.Priority{model.PriorityUrgent, model.PriorityHigh, model.PriorityNormal, model.PriorityLow}

const consumerGroup = "ingestd-workers"

// PriorityQueue is four Redis Streams (one per priority band) sharing one
// consumer group, so FIFO-within-band ordering comes for free from each
// stream's own append order.
type PriorityQueue struct {
	client       *redis.Client
	streams      map[model.Priority]string
	pollInterval time.Duration
}

// NewPriorityQueue connects to redisURL and ensures all four priority
// streams and the shared consumer group exist.
func NewPriorityQueue(redisURL string, pollInterval time.Duration) (*PriorityQueue, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindInternal, "parse redis url", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, apierrors.Wrap(apierrors.KindInternal, "ping redis", err)
	}

	streams := map[model.Priority]string{
		model.PriorityUrgent: "jobs:urgent",
		model.PriorityHigh:   "jobs:high",
		model.PriorityNormal: "jobs:normal",
		model.PriorityLow:    "jobs:low",
	}
	for _, stream := range streams {
		if err := client.XGroupCreateMkStream(ctx, stream, consumerGroup, "$").Err(); err != nil && !isBusyGroupErr(err) {
			return nil, apierrors.Wrap(apierrors.KindInternal, "create consumer group for "+stream, err)
		}
	}

	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	return &PriorityQueue{client: client, streams: streams, pollInterval: pollInterval}, nil
}

func isBusyGroupErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, redis.ErrBusyGroup) {
		return true
	}
	return strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP")
}

// Close releases the Redis connection.
func (q *PriorityQueue) Close() error { return q.client.Close() }

// Depth reports the current backlog in each priority band plus the total,
// used by Submit's queue-full check and by the metrics gauges.
func (q *PriorityQueue) Depth(ctx context.Context) (map[model.Priority]int64, int64, error) {
	out := make(map[model.Priority]int64, len(priorityOrder))
	var total int64
	for _, p := range priorityOrder {
		n, err := q.client.XLen(ctx, q.streams[p]).Result()
		if err != nil {
			return nil, 0, apierrors.Wrap(apierrors.KindInternal, "xlen", err)
		}
		out[p] = n
		total += n
	}
	return out, total, nil
}

// Enqueue appends jobID to the stream for priority.
func (q *PriorityQueue) Enqueue(ctx context.Context, priority model.Priority, jobID string) error {
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.streams[priority],
		Values: map[string]interface{}{"job_id": jobID},
	}).Err()
	if err != nil {
		return apierrors.Wrap(apierrors.KindInternal, "enqueue job", err)
	}
	return nil
}

// Message is one dequeued unit of work: which stream it came from (so it
// can be Acked on the right stream) and the job_id it carries.
type Message struct {
	Stream string
	MsgID  string
	JobID  string
}

// Dequeue polls the priority bands in strict order (urgent first) and
// returns the first available message, blocking briefly (10ms) on each
// band before moving to the next, and waiting pollInterval after a pass
// that found every band empty before looping. Returns (nil, nil) if ctx is
// done with nothing found.
func (q *PriorityQueue) Dequeue(ctx context.Context, consumer string) (*Message, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, nil
		default:
		}

		for _, p := range priorityOrder {
			stream := q.streams[p]
			res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    consumerGroup,
				Consumer: consumer,
				Streams:  []string{stream, ">"},
				Count:    1,
				Block:    10 * time.Millisecond,
			}).Result()
			if err != nil {
				if err == redis.Nil || ctx.Err() != nil {
					continue
				}
				return nil, apierrors.Wrap(apierrors.KindInternal, "dequeue", err)
			}
			if len(res) == 0 || len(res[0].Messages) == 0 {
				continue
			}
			msg := res[0].Messages[0]
			jobID, _ := msg.Values["job_id"].(string)
			return &Message{Stream: stream, MsgID: msg.ID, JobID: jobID}, nil
		}

		select {
		case <-ctx.Done():
			return nil, nil
		case <-time.After(q.pollInterval):
		}
	}
}

// Ack acknowledges a processed message and deletes it from its origin
// stream, so Depth (XLEN-based) reflects only undelivered backlog.
func (q *PriorityQueue) Ack(ctx context.Context, msg *Message) error {
	if msg == nil {
		return nil
	}
	if err := q.client.XAck(ctx, msg.Stream, consumerGroup, msg.MsgID).Err(); err != nil {
		return err
	}
	return q.client.XDel(ctx, msg.Stream, msg.MsgID).Err()
}

const (
	delayedKey  = "jobs:delayed"
	idemDoneKey = "idem:done:"
)

// EnqueueDelayed schedules jobID for re-submission at executeAt into
// priority, backing the transient-retry path: a job that hit a transient
// failure is retried shortly after instead of being dropped.
func (q *PriorityQueue) EnqueueDelayed(ctx context.Context, priority model.Priority, jobID string, executeAt time.Time) error {
	member := fmt.Sprintf("%d|%s", priority, jobID)
	err := q.client.ZAdd(ctx, delayedKey, redis.Z{Score: float64(executeAt.Unix()), Member: member}).Err()
	if err != nil {
		return apierrors.Wrap(apierrors.KindInternal, "enqueue delayed retry", err)
	}
	return nil
}

// RunDelayedMover moves due delayed jobs back onto their priority stream
// until ctx is cancelled. Intended to run as one background goroutine per
// process.
func (q *PriorityQueue) RunDelayedMover(ctx context.Context, pollInterval time.Duration) {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.moveDueDelayed(ctx)
		}
	}
}

func (q *PriorityQueue) moveDueDelayed(ctx context.Context) {
	now := time.Now().Unix()
	members, err := q.client.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now), Count: 100,
	}).Result()
	if err != nil || len(members) == 0 {
		return
	}
	for _, member := range members {
		parts := strings.SplitN(member, "|", 2)
		if len(parts) != 2 {
			q.client.ZRem(ctx, delayedKey, member)
			continue
		}
		priority := model.PriorityNormal
		switch parts[0] {
		case "3":
			priority = model.PriorityUrgent
		case "2":
			priority = model.PriorityHigh
		case "0":
			priority = model.PriorityLow
		}
		if err := q.Enqueue(ctx, priority, parts[1]); err == nil {
			q.client.ZRem(ctx, delayedKey, member)
		}
	}
}

// IsIdemDone reports whether an idempotency key has already been marked
// complete, so a requeued job can skip adapter calls it already paid for.
func (q *PriorityQueue) IsIdemDone(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	n, err := q.client.Exists(ctx, idemDoneKey+key).Result()
	if err != nil {
		return false, apierrors.Wrap(apierrors.KindInternal, "check idempotency key", err)
	}
	return n == 1, nil
}

// MarkIdemDone records an idempotency key as complete for ttl.
func (q *PriorityQueue) MarkIdemDone(ctx context.Context, key string, ttl time.Duration) error {
	if key == "" {
		return nil
	}
	if err := q.client.Set(ctx, idemDoneKey+key, 1, ttl).Err(); err != nil {
		return apierrors.Wrap(apierrors.KindInternal, "mark idempotency key", err)
	}
	return nil
}
