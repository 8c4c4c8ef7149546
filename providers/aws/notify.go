package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/relationaldba/provisiond/internal/engine"
)

type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Notifier publishes deployment status changes to an SNS topic.
type Notifier struct {
	api      snsAPI
	topicARN string
}

var _ engine.Notifier = (*Notifier)(nil)

// NewNotifier returns a Notifier publishing to topicARN.
func NewNotifier(api snsAPI, topicARN string) *Notifier {
	return &Notifier{api: api, topicARN: topicARN}
}

// NewSNSNotifier builds the SNS client from cfg.
func NewSNSNotifier(cfg aws.Config, topicARN string) *Notifier {
	return NewNotifier(sns.NewFromConfig(cfg), topicARN)
}

type statusMessage struct {
	DeploymentID int64  `json:"deployment_id"`
	Name         string `json:"name"`
	From         string `json:"from"`
	To           string `json:"to"`
	At           string `json:"at"`
	Message      string `json:"message,omitempty"`
}

func (n *Notifier) Notify(ctx context.Context, ev engine.StatusEvent) error {
	body, err := json.Marshal(statusMessage{
		DeploymentID: ev.DeploymentID,
		Name:         ev.Name,
		From:         string(ev.From),
		To:           string(ev.To),
		At:           ev.At.UTC().Format(time.RFC3339),
		Message:      ev.Message,
	})
	if err != nil {
		return fmt.Errorf("failed to encode status message: %w", err)
	}

	_, err = n.api.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(n.topicARN),
		Subject:  aws.String(fmt.Sprintf("Deployment %s is %s", ev.Name, ev.To)),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"status": {DataType: aws.String("String"), StringValue: aws.String(string(ev.To))},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", n.topicARN, err)
	}
	return nil
}
