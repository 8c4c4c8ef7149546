package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cfntypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"

	"github.com/relationaldba/provisiond/internal/ir"
	"github.com/relationaldba/provisiond/internal/provider"
)

type cloudFormationAPI interface {
	CreateStack(ctx context.Context, params *cloudformation.CreateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error)
	UpdateStack(ctx context.Context, params *cloudformation.UpdateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.UpdateStackOutput, error)
	DeleteStack(ctx context.Context, params *cloudformation.DeleteStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DeleteStackOutput, error)
	DescribeStacks(ctx context.Context, params *cloudformation.DescribeStacksInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error)
	DescribeStackEvents(ctx context.Context, params *cloudformation.DescribeStackEventsInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStackEventsOutput, error)
}

var capabilities = []cfntypes.Capability{
	cfntypes.CapabilityCapabilityIam,
	cfntypes.CapabilityCapabilityNamedIam,
}

// StackClient implements provider.StackClient on CloudFormation.
type StackClient struct {
	api cloudFormationAPI
}

var _ provider.StackClient = (*StackClient)(nil)

// NewStackClient returns a StackClient using api.
func NewStackClient(api cloudFormationAPI) *StackClient {
	return &StackClient{api: api}
}

func (c *StackClient) CreateStack(ctx context.Context, name string, body ir.TemplateBody) error {
	in := &cloudformation.CreateStackInput{
		StackName:    aws.String(name),
		Capabilities: capabilities,
	}
	if body.URL != "" {
		in.TemplateURL = aws.String(body.URL)
	} else {
		in.TemplateBody = aws.String(body.Body)
	}
	_, err := c.api.CreateStack(ctx, in)
	return classifyStackError(name, err)
}

func (c *StackClient) UpdateStack(ctx context.Context, name string, body ir.TemplateBody) error {
	in := &cloudformation.UpdateStackInput{
		StackName:    aws.String(name),
		Capabilities: capabilities,
	}
	if body.URL != "" {
		in.TemplateURL = aws.String(body.URL)
	} else {
		in.TemplateBody = aws.String(body.Body)
	}
	_, err := c.api.UpdateStack(ctx, in)
	return classifyStackError(name, err)
}

func (c *StackClient) DeleteStack(ctx context.Context, name string) error {
	// DeleteStack succeeds for unknown stacks, so check first.
	if _, err := c.DescribeStack(ctx, name); err != nil {
		return err
	}
	_, err := c.api.DeleteStack(ctx, &cloudformation.DeleteStackInput{StackName: aws.String(name)})
	return classifyStackError(name, err)
}

func (c *StackClient) DescribeStack(ctx context.Context, name string) (*ir.StackDescription, error) {
	out, err := c.api.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{StackName: aws.String(name)})
	if err != nil {
		return nil, classifyStackError(name, err)
	}
	if len(out.Stacks) == 0 {
		return nil, fmt.Errorf("stack %s: %w", name, provider.ErrStackNotFound)
	}

	s := out.Stacks[0]
	if s.StackStatus == cfntypes.StackStatusDeleteComplete {
		return nil, fmt.Errorf("stack %s: %w", name, provider.ErrStackNotFound)
	}
	desc := &ir.StackDescription{
		ID:     aws.ToString(s.StackId),
		Name:   aws.ToString(s.StackName),
		Status: string(s.StackStatus),
		Reason: aws.ToString(s.StackStatusReason),
	}
	for _, o := range s.Outputs {
		desc.Outputs = append(desc.Outputs, ir.StackOutput{
			Key:   aws.ToString(o.OutputKey),
			Value: aws.ToString(o.OutputValue),
		})
	}
	return desc, nil
}

// StackEvents returns up to limit events, newest first.
func (c *StackClient) StackEvents(ctx context.Context, name string, limit int) ([]ir.StackEvent, error) {
	var events []ir.StackEvent
	in := &cloudformation.DescribeStackEventsInput{StackName: aws.String(name)}
	for {
		out, err := c.api.DescribeStackEvents(ctx, in)
		if err != nil {
			return events, classifyStackError(name, err)
		}
		for _, e := range out.StackEvents {
			if limit > 0 && len(events) >= limit {
				return events, nil
			}
			ev := ir.StackEvent{
				LogicalID:    aws.ToString(e.LogicalResourceId),
				ResourceType: aws.ToString(e.ResourceType),
				Status:       string(e.ResourceStatus),
				Reason:       aws.ToString(e.ResourceStatusReason),
			}
			if e.Timestamp != nil {
				ev.Timestamp = *e.Timestamp
			}
			events = append(events, ev)
		}
		if out.NextToken == nil || (limit > 0 && len(events) >= limit) {
			return events, nil
		}
		in.NextToken = out.NextToken
	}
}
