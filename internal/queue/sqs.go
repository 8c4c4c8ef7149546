package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/relationaldba/provisiond/internal/logging"
)

const (
	sqsWaitSeconds = 20
	// sqsMaxVisibility is the longest visibility timeout SQS accepts.
	sqsMaxVisibility = 12 * time.Hour
)

type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSQueue is a Queue on an SQS queue. Messages that are not deleted come
// back after the visibility timeout.
type SQSQueue struct {
	client     sqsAPI
	queueURL   string
	visibility time.Duration
}

// NewSQSQueue returns a queue using client. Received tasks stay hidden for
// the default workflow timeout plus RedeliveryMargin.
func NewSQSQueue(client sqsAPI, queueURL string) *SQSQueue {
	return (&SQSQueue{client: client, queueURL: queueURL}).WithWorkflowTimeout(DefaultWorkflowTimeout)
}

// WithWorkflowTimeout hides received tasks for timeout plus
// RedeliveryMargin, so a task is only delivered again once its run has
// ended one way or another. The result is capped at the SQS limit.
func (q *SQSQueue) WithWorkflowTimeout(timeout time.Duration) *SQSQueue {
	q.visibility = min(timeout+RedeliveryMargin, sqsMaxVisibility)
	return q
}

// NewSQSQueueFromConfig builds the SQS client from cfg.
func NewSQSQueueFromConfig(cfg aws.Config, queueURL string) *SQSQueue {
	return NewSQSQueue(sqs.NewFromConfig(cfg), queueURL)
}

func (q *SQSQueue) Enqueue(ctx context.Context, task Task) error {
	body, err := encodeTask(task)
	if err != nil {
		return err
	}
	out, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(body),
	})
	if err != nil {
		return fmt.Errorf("failed to send task %s: %w", task.ID, err)
	}
	logging.Debug("task published", "queue", q.queueURL, "task", task.ID, "message_id", aws.ToString(out.MessageId))
	return nil
}

func (q *SQSQueue) Receive(ctx context.Context) (*Delivery, error) {
	for {
		out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(q.queueURL),
			MaxNumberOfMessages: 1,
			WaitTimeSeconds:     sqsWaitSeconds,
			VisibilityTimeout:   int32(q.visibility / time.Second),
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to receive from %s: %w", q.queueURL, err)
		}
		for _, msg := range out.Messages {
			task, err := decodeTask(aws.ToString(msg.Body))
			if err != nil {
				logging.Warn("dropping malformed task", "queue", q.queueURL, "message_id", aws.ToString(msg.MessageId), "error", err)
				if err := q.delete(ctx, aws.ToString(msg.ReceiptHandle)); err != nil {
					return nil, err
				}
				continue
			}
			return &Delivery{Task: task, receipt: aws.ToString(msg.ReceiptHandle)}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
}

func (q *SQSQueue) Ack(ctx context.Context, d *Delivery) error {
	if err := q.delete(ctx, d.receipt); err != nil {
		return fmt.Errorf("failed to ack task %s: %w", d.Task.ID, err)
	}
	return nil
}

func (q *SQSQueue) delete(ctx context.Context, receipt string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receipt),
	})
	return err
}

func (q *SQSQueue) Close() error { return nil }
