package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Locker grants exclusive ownership of a key, such as a deployment id, so
// that only one workflow writes a deployment at a time.
type Locker interface {
	// TryLock acquires key. It returns false without error if another
	// owner holds an unexpired lock.
	TryLock(ctx context.Context, key string) (bool, error)
	// Unlock releases key if this owner holds it.
	Unlock(ctx context.Context, key string) error
}

// MemoryLocker is a process-local Locker.
type MemoryLocker struct {
	mu   sync.Mutex
	ttl  time.Duration
	held map[string]time.Time
	now  func() time.Time
}

// NewMemoryLocker returns a MemoryLocker whose locks expire after ttl. A
// zero ttl never expires.
func NewMemoryLocker(ttl time.Duration) *MemoryLocker {
	return &MemoryLocker{ttl: ttl, held: make(map[string]time.Time), now: time.Now}
}

func (l *MemoryLocker) TryLock(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if expires, ok := l.held[key]; ok && (expires.IsZero() || l.now().Before(expires)) {
		return false, nil
	}
	var expires time.Time
	if l.ttl > 0 {
		expires = l.now().Add(l.ttl)
	}
	l.held[key] = expires
	return true, nil
}

func (l *MemoryLocker) Unlock(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
	return nil
}

type dynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoLocker is a Locker shared between workers through a DynamoDB table
// keyed by LockID. Expired locks are taken over; the Expires attribute can
// also drive the table's TTL.
type DynamoLocker struct {
	client dynamoAPI
	table  string
	owner  string
	ttl    time.Duration
	now    func() time.Time
}

// DefaultLockTTL is used by a DynamoLocker given no ttl. A shared lock
// must expire, or a crashed worker would hold its deployments forever.
const DefaultLockTTL = 2 * time.Hour

// NewDynamoLocker returns a DynamoLocker. owner identifies this worker and
// defaults to host and pid.
func NewDynamoLocker(client dynamoAPI, table, owner string, ttl time.Duration) *DynamoLocker {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	if owner == "" {
		host, _ := os.Hostname()
		owner = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return &DynamoLocker{client: client, table: table, owner: owner, ttl: ttl, now: time.Now}
}

// NewDynamoLockerFromConfig builds the DynamoDB client from cfg.
func NewDynamoLockerFromConfig(cfg aws.Config, table string, ttl time.Duration) *DynamoLocker {
	return NewDynamoLocker(dynamodb.NewFromConfig(cfg), table, "", ttl)
}

func (l *DynamoLocker) TryLock(ctx context.Context, key string) (bool, error) {
	now := l.now().UTC()
	_, err := l.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(l.table),
		Item: map[string]dbtypes.AttributeValue{
			"LockID":  &dbtypes.AttributeValueMemberS{Value: key},
			"Owner":   &dbtypes.AttributeValueMemberS{Value: l.owner},
			"Created": &dbtypes.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
			"Expires": &dbtypes.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(l.ttl).Unix(), 10)},
		},
		ConditionExpression: aws.String("attribute_not_exists(LockID) OR Expires < :now"),
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":now": &dbtypes.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		},
	})
	if err != nil {
		var ccf *dbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return false, nil
		}
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	return true, nil
}

func (l *DynamoLocker) Unlock(ctx context.Context, key string) error {
	_, err := l.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(l.table),
		Key: map[string]dbtypes.AttributeValue{
			"LockID": &dbtypes.AttributeValueMemberS{Value: key},
		},
		ConditionExpression: aws.String("Owner = :owner"),
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":owner": &dbtypes.AttributeValueMemberS{Value: l.owner},
		},
	})
	if err != nil {
		var ccf *dbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			// Expired and taken over by another owner.
			return nil
		}
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	return nil
}
