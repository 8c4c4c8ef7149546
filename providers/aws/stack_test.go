package aws

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cfntypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relationaldba/provisiond/internal/ir"
	"github.com/relationaldba/provisiond/internal/provider"
)

type fakeCloudFormation struct {
	CreateFunc   func(*cloudformation.CreateStackInput) error
	UpdateFunc   func(*cloudformation.UpdateStackInput) error
	DeleteFunc   func(*cloudformation.DeleteStackInput) error
	DescribeFunc func(*cloudformation.DescribeStacksInput) (*cloudformation.DescribeStacksOutput, error)
	EventsFunc   func(*cloudformation.DescribeStackEventsInput) (*cloudformation.DescribeStackEventsOutput, error)
}

func (f *fakeCloudFormation) CreateStack(ctx context.Context, in *cloudformation.CreateStackInput, _ ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error) {
	return &cloudformation.CreateStackOutput{}, f.CreateFunc(in)
}

func (f *fakeCloudFormation) UpdateStack(ctx context.Context, in *cloudformation.UpdateStackInput, _ ...func(*cloudformation.Options)) (*cloudformation.UpdateStackOutput, error) {
	return &cloudformation.UpdateStackOutput{}, f.UpdateFunc(in)
}

func (f *fakeCloudFormation) DeleteStack(ctx context.Context, in *cloudformation.DeleteStackInput, _ ...func(*cloudformation.Options)) (*cloudformation.DeleteStackOutput, error) {
	return &cloudformation.DeleteStackOutput{}, f.DeleteFunc(in)
}

func (f *fakeCloudFormation) DescribeStacks(ctx context.Context, in *cloudformation.DescribeStacksInput, _ ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error) {
	return f.DescribeFunc(in)
}

func (f *fakeCloudFormation) DescribeStackEvents(ctx context.Context, in *cloudformation.DescribeStackEventsInput, _ ...func(*cloudformation.Options)) (*cloudformation.DescribeStackEventsOutput, error) {
	return f.EventsFunc(in)
}

func validationError(msg string) error {
	return &smithy.GenericAPIError{Code: "ValidationError", Message: msg}
}

func TestUpdateStackClassifiesErrors(t *testing.T) {
	var got *cloudformation.UpdateStackInput
	fake := &fakeCloudFormation{UpdateFunc: func(in *cloudformation.UpdateStackInput) error {
		got = in
		return validationError("No updates are to be performed.")
	}}
	c := NewStackClient(fake)

	err := c.UpdateStack(context.Background(), "demo", ir.TemplateBody{Body: "{}"})
	assert.ErrorIs(t, err, provider.ErrNoUpdates)
	assert.Equal(t, "{}", aws.ToString(got.TemplateBody))
	assert.Nil(t, got.TemplateURL)
	assert.Equal(t, capabilities, got.Capabilities)

	fake.UpdateFunc = func(*cloudformation.UpdateStackInput) error {
		return validationError("Stack with id demo does not exist")
	}
	err = c.UpdateStack(context.Background(), "demo", ir.TemplateBody{URL: "https://b.s3.amazonaws.com/t.json"})
	assert.ErrorIs(t, err, provider.ErrStackNotFound)

	fake.UpdateFunc = func(*cloudformation.UpdateStackInput) error {
		return &smithy.GenericAPIError{Code: "Throttling", Message: "Rate exceeded"}
	}
	err = c.UpdateStack(context.Background(), "demo", ir.TemplateBody{Body: "{}"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, provider.ErrStackNotFound))
	assert.Contains(t, err.Error(), "Rate exceeded")
}

func TestCreateStackUsesTemplateURL(t *testing.T) {
	var got *cloudformation.CreateStackInput
	c := NewStackClient(&fakeCloudFormation{CreateFunc: func(in *cloudformation.CreateStackInput) error {
		got = in
		return nil
	}})

	require.NoError(t, c.CreateStack(context.Background(), "demo", ir.TemplateBody{URL: "https://b/t.json"}))
	assert.Equal(t, "https://b/t.json", aws.ToString(got.TemplateURL))
	assert.Nil(t, got.TemplateBody)
}

func TestDescribeStack(t *testing.T) {
	c := NewStackClient(&fakeCloudFormation{DescribeFunc: func(in *cloudformation.DescribeStacksInput) (*cloudformation.DescribeStacksOutput, error) {
		return &cloudformation.DescribeStacksOutput{Stacks: []cfntypes.Stack{{
			StackId:     aws.String("arn:aws:cloudformation:us-east-2:123:stack/demo/1"),
			StackName:   in.StackName,
			StackStatus: cfntypes.StackStatusCreateComplete,
			Outputs: []cfntypes.Output{
				{OutputKey: aws.String("InstancePublicIp"), OutputValue: aws.String("198.51.100.7")},
			},
		}}}, nil
	}})

	desc, err := c.DescribeStack(context.Background(), "demo")
	require.NoError(t, err)
	assert.Equal(t, "CREATE_COMPLETE", desc.Status)
	assert.Equal(t, []ir.StackOutput{{Key: "InstancePublicIp", Value: "198.51.100.7"}}, desc.Outputs)
}

func TestDescribeDeletedStackIsNotFound(t *testing.T) {
	c := NewStackClient(&fakeCloudFormation{DescribeFunc: func(*cloudformation.DescribeStacksInput) (*cloudformation.DescribeStacksOutput, error) {
		return &cloudformation.DescribeStacksOutput{Stacks: []cfntypes.Stack{{StackStatus: cfntypes.StackStatusDeleteComplete}}}, nil
	}})
	_, err := c.DescribeStack(context.Background(), "demo")
	assert.ErrorIs(t, err, provider.ErrStackNotFound)
}

func TestDeleteMissingStack(t *testing.T) {
	deleted := false
	c := NewStackClient(&fakeCloudFormation{
		DescribeFunc: func(*cloudformation.DescribeStacksInput) (*cloudformation.DescribeStacksOutput, error) {
			return nil, validationError("Stack with id demo does not exist")
		},
		DeleteFunc: func(*cloudformation.DeleteStackInput) error {
			deleted = true
			return nil
		},
	})

	err := c.DeleteStack(context.Background(), "demo")
	assert.ErrorIs(t, err, provider.ErrStackNotFound)
	assert.False(t, deleted)
}

func TestStackEventsPagesUpToLimit(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	page := func(n int, next *string) *cloudformation.DescribeStackEventsOutput {
		out := &cloudformation.DescribeStackEventsOutput{NextToken: next}
		for i := 0; i < n; i++ {
			out.StackEvents = append(out.StackEvents, cfntypes.StackEvent{
				Timestamp:            aws.Time(now),
				LogicalResourceId:    aws.String("Instance"),
				ResourceType:         aws.String("AWS::EC2::Instance"),
				ResourceStatus:       cfntypes.ResourceStatusCreateFailed,
				ResourceStatusReason: aws.String("capacity"),
			})
		}
		return out
	}

	calls := 0
	c := NewStackClient(&fakeCloudFormation{EventsFunc: func(in *cloudformation.DescribeStackEventsInput) (*cloudformation.DescribeStackEventsOutput, error) {
		calls++
		if in.NextToken == nil {
			return page(30, aws.String("p2")), nil
		}
		return page(30, aws.String("p3")), nil
	}})

	events, err := c.StackEvents(context.Background(), "demo", 50)
	require.NoError(t, err)
	assert.Len(t, events, 50)
	assert.Equal(t, 2, calls)
	assert.Equal(t, "CREATE_FAILED", events[0].Status)
	assert.Equal(t, "capacity", events[0].Reason)
}
