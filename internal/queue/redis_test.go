package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessagesFlattensStreams(t *testing.T) {
	streams := []redis.XStream{
		{Stream: "a", Messages: []redis.XMessage{{ID: "1-0"}, {ID: "2-0"}}},
		{Stream: "b", Messages: []redis.XMessage{{ID: "3-0"}}},
	}
	msgs := messages(streams)
	require.Len(t, msgs, 3)
	assert.Equal(t, "3-0", msgs[2].ID)
	assert.Empty(t, messages(nil))
}

func TestNewRedisQueueFromClientDefaults(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer client.Close()

	q := NewRedisQueueFromClient(client, "", "", "worker-1")
	assert.Equal(t, DefaultStream, q.stream)
	assert.Equal(t, DefaultGroup, q.group)
	assert.True(t, q.backlog)
	assert.Equal(t, 2*time.Hour+15*time.Minute, q.claimIdle)
}

type fakeStream struct {
	streamClient

	stale  []redis.XMessage
	fresh  []redis.XMessage
	claims []redis.XAutoClaimArgs
	reads  []string
	acked  []string
}

func (f *fakeStream) XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) *redis.XAutoClaimCmd {
	f.claims = append(f.claims, *a)
	cmd := redis.NewXAutoClaimCmd(ctx)
	if len(f.stale) == 0 {
		cmd.SetVal(nil, "0-0")
		return cmd
	}
	msg := f.stale[0]
	f.stale = f.stale[1:]
	next := "0-0"
	if len(f.stale) > 0 {
		next = f.stale[0].ID
	}
	cmd.SetVal([]redis.XMessage{msg}, next)
	return cmd
}

func (f *fakeStream) XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	f.reads = append(f.reads, a.Streams[1])
	if a.Streams[1] == "0" || len(f.fresh) == 0 {
		return redis.NewXStreamSliceCmdResult([]redis.XStream{{Stream: a.Streams[0]}}, nil)
	}
	msg := f.fresh[0]
	f.fresh = f.fresh[1:]
	return redis.NewXStreamSliceCmdResult([]redis.XStream{{Stream: a.Streams[0], Messages: []redis.XMessage{msg}}}, nil)
}

func (f *fakeStream) XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd {
	f.acked = append(f.acked, ids...)
	return redis.NewIntResult(int64(len(ids)), nil)
}

func taskMessage(t *testing.T, id string, task Task) redis.XMessage {
	t.Helper()
	body, err := encodeTask(task)
	require.NoError(t, err)
	return redis.XMessage{ID: id, Values: map[string]interface{}{"task": body}}
}

func TestRedisQueue_ClaimsTaskFromStoppedConsumer(t *testing.T) {
	stale := NewTask(KindDeploy, 4, "10.4.0.0/16")
	fresh := NewTask(KindDeploy, 5, "10.5.0.0/16")
	fake := &fakeStream{
		stale: []redis.XMessage{taskMessage(t, "1-0", stale)},
		fresh: []redis.XMessage{taskMessage(t, "2-0", fresh)},
	}
	q := NewRedisQueueFromClient(fake, "tasks", "workers", "worker-2").WithWorkflowTimeout(6 * time.Hour)
	ctx := context.Background()

	d, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, stale.ID, d.Task.ID)
	require.NoError(t, q.Ack(ctx, d))

	d, err = q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, fresh.ID, d.Task.ID)

	require.NotEmpty(t, fake.claims)
	first := fake.claims[0]
	assert.Equal(t, "tasks", first.Stream)
	assert.Equal(t, "workers", first.Group)
	assert.Equal(t, "worker-2", first.Consumer)
	assert.Equal(t, 6*time.Hour+15*time.Minute, first.MinIdle)
	assert.Equal(t, "0-0", first.Start)
	assert.Equal(t, []string{"1-0"}, fake.acked)
	assert.Equal(t, []string{"0", ">"}, fake.reads)
}

func TestRedisQueue_ClaimSweepWaitsAfterEmptyPass(t *testing.T) {
	fake := &fakeStream{}
	q := NewRedisQueueFromClient(fake, "tasks", "workers", "worker-1")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		fake.fresh = append(fake.fresh, taskMessage(t, "9-0", NewTask(KindDestroy, int64(i+1), "")))
		_, err := q.Receive(ctx)
		require.NoError(t, err)
	}
	assert.Len(t, fake.claims, 1)

	now = now.Add(claimInterval)
	fake.fresh = append(fake.fresh, taskMessage(t, "10-0", NewTask(KindDestroy, 7, "")))
	_, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Len(t, fake.claims, 2)
}

func TestRedisQueue_ClaimDropsMalformedTask(t *testing.T) {
	good := NewTask(KindDeploy, 8, "10.8.0.0/16")
	fake := &fakeStream{
		stale: []redis.XMessage{
			{ID: "1-0", Values: map[string]interface{}{"task": "{"}},
			taskMessage(t, "3-0", good),
		},
	}
	q := NewRedisQueueFromClient(fake, "tasks", "workers", "worker-1")

	d, err := q.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, good.ID, d.Task.ID)
	assert.Equal(t, []string{"1-0"}, fake.acked)
	require.Len(t, fake.claims, 2)
	assert.Equal(t, "3-0", fake.claims[1].Start)
}

func TestNewRedisQueueRejectsBadURL(t *testing.T) {
	_, err := NewRedisQueue(context.Background(), "http://nope", "", "", "w")
	assert.ErrorContains(t, err, "failed to parse redis url")
}

// Runs against a real server when PROVISIOND_TEST_REDIS_URL is set.
func TestRedisQueue_Live(t *testing.T) {
	url := os.Getenv("PROVISIOND_TEST_REDIS_URL")
	if url == "" {
		t.Skip("PROVISIOND_TEST_REDIS_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stream := "provisiond:test:" + time.Now().Format("150405.000000")
	q, err := NewRedisQueue(ctx, url, stream, "", "worker-1")
	require.NoError(t, err)
	defer q.Close()
	client := q.client.(*redis.Client)
	defer client.Del(context.Background(), stream)

	task := NewTask(KindDeploy, 11, "10.2.0.0/16")
	require.NoError(t, q.Enqueue(ctx, task))

	d, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, task.ID, d.Task.ID)
	require.NoError(t, q.Ack(ctx, d))

	pending, err := client.XPending(ctx, stream, DefaultGroup).Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}
