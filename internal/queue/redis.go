package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relationaldba/provisiond/internal/logging"
)

const (
	// DefaultStream and DefaultGroup name the stream and consumer group.
	DefaultStream = "provisiond:tasks"
	DefaultGroup  = "provisiond-workers"

	redisBlock  = 5 * time.Second
	redisMaxLen = 10000

	// claimInterval spaces out sweeps for tasks stuck with other consumers.
	claimInterval = time.Minute
	claimStart    = "0-0"
)

// streamClient is the part of *redis.Client the queue uses.
type streamClient interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) *redis.XAutoClaimCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	Close() error
}

// RedisQueue is a Queue on a Redis stream read through a consumer group.
// Tasks delivered to this consumer but not acked before a restart are
// delivered again first. Tasks left unacked by another consumer for longer
// than the workflow timeout plus RedeliveryMargin are claimed, since their
// worker is gone.
type RedisQueue struct {
	client   streamClient
	stream   string
	group    string
	consumer string

	backlog     bool
	claimIdle   time.Duration
	claimCursor string
	nextClaim   time.Time
	now         func() time.Time
}

// NewRedisQueue parses url, connects and makes sure the consumer group
// exists.
func NewRedisQueue(ctx context.Context, url, stream, group, consumer string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	q := NewRedisQueueFromClient(client, stream, group, consumer)
	if err := q.ensureGroup(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return q, nil
}

// NewRedisQueueFromClient wraps an existing client.
func NewRedisQueueFromClient(client streamClient, stream, group, consumer string) *RedisQueue {
	if stream == "" {
		stream = DefaultStream
	}
	if group == "" {
		group = DefaultGroup
	}
	q := &RedisQueue{
		client:      client,
		stream:      stream,
		group:       group,
		consumer:    consumer,
		backlog:     true,
		claimCursor: claimStart,
		now:         time.Now,
	}
	return q.WithWorkflowTimeout(DefaultWorkflowTimeout)
}

// WithWorkflowTimeout sets how long a task may stay unacked with another
// consumer before this one claims it: timeout plus RedeliveryMargin.
func (q *RedisQueue) WithWorkflowTimeout(timeout time.Duration) *RedisQueue {
	q.claimIdle = timeout + RedeliveryMargin
	return q
}

func (q *RedisQueue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s: %w", q.group, err)
	}
	return nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, task Task) error {
	body, err := encodeTask(task)
	if err != nil {
		return err
	}
	id, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: redisMaxLen,
		Approx: true,
		Values: map[string]interface{}{"task": body},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to publish task %s: %w", task.ID, err)
	}
	logging.Debug("task published", "stream", q.stream, "task", task.ID, "message_id", id)
	return nil
}

func (q *RedisQueue) Receive(ctx context.Context) (*Delivery, error) {
	for {
		if !q.backlog {
			d, err := q.claim(ctx)
			if err != nil || d != nil {
				return d, err
			}
		}

		start := ">"
		if q.backlog {
			start = "0"
		}
		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.stream, start},
			Count:    1,
			Block:    redisBlock,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("failed to read from stream %s: %w", q.stream, err)
		}

		msgs := messages(streams)
		if len(msgs) == 0 {
			q.backlog = false
			continue
		}
		d, err := q.delivery(ctx, msgs[0])
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}
	}
}

// claim takes over one task that another consumer received and left
// unacked for longer than claimIdle. Once a sweep over the pending list
// finds nothing, the next one waits claimInterval.
func (q *RedisQueue) claim(ctx context.Context) (*Delivery, error) {
	if q.now().Before(q.nextClaim) {
		return nil, nil
	}
	for {
		msgs, next, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   q.stream,
			Group:    q.group,
			Consumer: q.consumer,
			MinIdle:  q.claimIdle,
			Start:    q.claimCursor,
			Count:    1,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to claim stale tasks on %s: %w", q.stream, err)
		}

		swept := next == "" || next == claimStart
		if swept {
			next = claimStart
		}
		q.claimCursor = next

		if len(msgs) == 0 {
			if swept {
				q.nextClaim = q.now().Add(claimInterval)
				return nil, nil
			}
			continue
		}
		d, err := q.delivery(ctx, msgs[0])
		if err != nil {
			return nil, err
		}
		if d != nil {
			logging.Warn("claimed task from a stopped consumer", "stream", q.stream, "task", d.Task.ID, "message_id", msgs[0].ID)
			return d, nil
		}
	}
}

// delivery decodes msg. Undecodable messages are acked and dropped, and nil
// is returned.
func (q *RedisQueue) delivery(ctx context.Context, msg redis.XMessage) (*Delivery, error) {
	body, _ := msg.Values["task"].(string)
	task, err := decodeTask(body)
	if err != nil {
		logging.Warn("dropping malformed task", "stream", q.stream, "message_id", msg.ID, "error", err)
		if err := q.client.XAck(ctx, q.stream, q.group, msg.ID).Err(); err != nil {
			return nil, fmt.Errorf("failed to ack message %s: %w", msg.ID, err)
		}
		return nil, nil
	}
	return &Delivery{Task: task, receipt: msg.ID}, nil
}

func messages(streams []redis.XStream) []redis.XMessage {
	var out []redis.XMessage
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out
}

func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	if err := q.client.XAck(ctx, q.stream, q.group, d.receipt).Err(); err != nil {
		return fmt.Errorf("failed to ack task %s: %w", d.Task.ID, err)
	}
	return nil
}

func (q *RedisQueue) Close() error { return q.client.Close() }
