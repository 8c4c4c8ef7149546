package state

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLocker(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker(0)

	ok, err := l.TryLock(ctx, "deployment/1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.TryLock(ctx, "deployment/1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.TryLock(ctx, "deployment/2")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, l.Unlock(ctx, "deployment/1"))
	ok, err = l.TryLock(ctx, "deployment/1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryLockerExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewMemoryLocker(time.Minute)
	l.now = func() time.Time { return now }

	ok, err := l.TryLock(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	ok, err = l.TryLock(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

type fakeDynamo struct {
	items map[string]string
	err   error
}

func (f *fakeDynamo) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	key := in.Item["LockID"].(*dbtypes.AttributeValueMemberS).Value
	if _, held := f.items[key]; held {
		return nil, &dbtypes.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}
	f.items[key] = in.Item["Owner"].(*dbtypes.AttributeValueMemberS).Value
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	key := in.Key["LockID"].(*dbtypes.AttributeValueMemberS).Value
	owner := in.ExpressionAttributeValues[":owner"].(*dbtypes.AttributeValueMemberS).Value
	if f.items[key] != owner {
		return nil, &dbtypes.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}
	delete(f.items, key)
	return &dynamodb.DeleteItemOutput{}, nil
}

func TestDynamoLocker(t *testing.T) {
	ctx := context.Background()
	table := &fakeDynamo{items: map[string]string{}}
	a := NewDynamoLocker(table, "locks", "worker-a", time.Hour)
	b := NewDynamoLocker(table, "locks", "worker-b", time.Hour)

	ok, err := a.TryLock(ctx, "deployment/7")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.TryLock(ctx, "deployment/7")
	require.NoError(t, err)
	assert.False(t, ok)

	// b does not own the lock, so its release is a no-op.
	require.NoError(t, b.Unlock(ctx, "deployment/7"))
	assert.Equal(t, "worker-a", table.items["deployment/7"])

	require.NoError(t, a.Unlock(ctx, "deployment/7"))
	ok, err = b.TryLock(ctx, "deployment/7")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDynamoLockerError(t *testing.T) {
	l := NewDynamoLocker(&fakeDynamo{err: errors.New("ResourceNotFoundException")}, "locks", "", time.Hour)
	assert.NotEmpty(t, l.owner)

	_, err := l.TryLock(context.Background(), "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to acquire lock k")
}

func TestDynamoLockerWithoutTTLStillExpiresLater(t *testing.T) {
	var expires, now string
	fake := &captureDynamo{put: func(in *dynamodb.PutItemInput) {
		expires = in.Item["Expires"].(*dbtypes.AttributeValueMemberN).Value
		now = in.ExpressionAttributeValues[":now"].(*dbtypes.AttributeValueMemberN).Value
	}}
	l := NewDynamoLocker(fake, "locks", "worker-a", 0)
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return at }

	ok, err := l.TryLock(context.Background(), "deployment/7")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, strconv.FormatInt(at.Unix(), 10), now)
	assert.Equal(t, strconv.FormatInt(at.Add(DefaultLockTTL).Unix(), 10), expires)
}

type captureDynamo struct {
	put func(*dynamodb.PutItemInput)
}

func (f *captureDynamo) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.put(in)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *captureDynamo) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	return &dynamodb.DeleteItemOutput{}, nil
}
