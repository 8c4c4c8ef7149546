package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relationaldba/provisiond/internal/ir"
	"github.com/relationaldba/provisiond/internal/provider"
	"github.com/relationaldba/provisiond/providers/null"
)

func testTemplate(marker string) *ir.Template {
	return &ir.Template{
		FormatVersion: "2010-09-09",
		Description:   marker,
		Resources: map[string]ir.Resource{
			"Vpc": {Type: "AWS::EC2::VPC", Properties: map[string]any{"CidrBlock": "10.0.0.0/16"}},
		},
		Outputs: map[string]ir.Output{
			ir.OutputInstancePublicIP: {Value: map[string]any{"Fn::GetAtt": []string{"Instance", "PublicIp"}}},
			ir.OutputInstanceID:       {Value: map[string]any{"Ref": "Instance"}},
		},
	}
}

func testApplier(client provider.StackClient) *StackApplier {
	a := NewStackApplier(client)
	a.PollInterval = time.Millisecond
	a.Retry = &RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	return a
}

// fakeStacks is a StackClient built from function fields.
type fakeStacks struct {
	CreateFunc   func(ctx context.Context, name string, body ir.TemplateBody) error
	UpdateFunc   func(ctx context.Context, name string, body ir.TemplateBody) error
	DeleteFunc   func(ctx context.Context, name string) error
	DescribeFunc func(ctx context.Context, name string) (*ir.StackDescription, error)
	EventsFunc   func(ctx context.Context, name string, limit int) ([]ir.StackEvent, error)
}

func (f *fakeStacks) CreateStack(ctx context.Context, name string, body ir.TemplateBody) error {
	return f.CreateFunc(ctx, name, body)
}
func (f *fakeStacks) UpdateStack(ctx context.Context, name string, body ir.TemplateBody) error {
	return f.UpdateFunc(ctx, name, body)
}
func (f *fakeStacks) DeleteStack(ctx context.Context, name string) error {
	return f.DeleteFunc(ctx, name)
}
func (f *fakeStacks) DescribeStack(ctx context.Context, name string) (*ir.StackDescription, error) {
	return f.DescribeFunc(ctx, name)
}
func (f *fakeStacks) StackEvents(ctx context.Context, name string, limit int) ([]ir.StackEvent, error) {
	if f.EventsFunc == nil {
		return nil, nil
	}
	return f.EventsFunc(ctx, name, limit)
}

func TestApply_CreatesMissingStack(t *testing.T) {
	p := null.New(nil)
	p.PollsToSettle = 3
	a := testApplier(p)

	var polls []PollEvent
	a.OnPoll = func(ev PollEvent) { polls = append(polls, ev) }

	outputs, err := a.Apply(context.Background(), "demo", testTemplate("v1"))
	require.NoError(t, err)

	assert.Equal(t, []string{"update demo", "create demo"}, p.Calls())
	assert.Contains(t, outputs, ir.StackOutput{Key: ir.OutputInstancePublicIP, Value: null.DefaultAddress})
	require.Len(t, polls, 3)
	assert.Equal(t, "CREATE_COMPLETE", polls[2].Status)
	assert.Equal(t, "create", polls[2].Operation)
}

func TestApply_UpdatesExistingStack(t *testing.T) {
	p := null.New(nil)
	a := testApplier(p)

	_, err := a.Apply(context.Background(), "demo", testTemplate("v1"))
	require.NoError(t, err)
	_, err = a.Apply(context.Background(), "demo", testTemplate("v2"))
	require.NoError(t, err)

	status, _ := p.Status("demo")
	assert.Equal(t, "UPDATE_COMPLETE", status)
	assert.Equal(t, []string{"update demo", "create demo", "update demo"}, p.Calls())
}

func TestApply_NoUpdatesIsSuccess(t *testing.T) {
	p := null.New(nil)
	a := testApplier(p)

	_, err := a.Apply(context.Background(), "demo", testTemplate("v1"))
	require.NoError(t, err)

	polled := 0
	a.OnPoll = func(PollEvent) { polled++ }
	outputs, err := a.Apply(context.Background(), "demo", testTemplate("v1"))
	require.NoError(t, err)
	assert.Zero(t, polled)
	assert.Contains(t, outputs, ir.StackOutput{Key: ir.OutputInstancePublicIP, Value: null.DefaultAddress})
}

func TestApply_TerminalFailureCarriesEvents(t *testing.T) {
	p := null.New(nil)
	p.FailNext("demo", "Resource handler returned message: \"vCPU limit exceeded\"")
	a := testApplier(p)

	_, err := a.Apply(context.Background(), "demo", testTemplate("v1"))

	var perr *ir.ProvisioningError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "demo", perr.Stack)
	assert.Equal(t, "create", perr.Operation)
	assert.Equal(t, "ROLLBACK_COMPLETE", perr.Status)
	require.NotEmpty(t, perr.Events)
	assert.Equal(t, "CREATE_FAILED", perr.Events[0].Status)
	assert.Contains(t, perr.Diagnostics(), "vCPU limit exceeded")
}

func TestApply_PollExhaustion(t *testing.T) {
	p := null.New(nil)
	p.PollsToSettle = 100
	a := testApplier(p)
	a.MaxPolls = 3

	_, err := a.Apply(context.Background(), "demo", testTemplate("v1"))
	var perr *ir.ProvisioningError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "timed out after 3 polls", perr.Reason)
	assert.Equal(t, "CREATE_IN_PROGRESS", perr.Status)
}

func TestApply_CancellationIsNotAProvisioningError(t *testing.T) {
	p := null.New(nil)
	p.PollsToSettle = 1000
	a := testApplier(p)
	a.PollInterval = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := a.Apply(ctx, "demo", testTemplate("v1"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	var perr *ir.ProvisioningError
	assert.False(t, errors.As(err, &perr))
}

func TestApply_UpdateErrorIsProvisioningError(t *testing.T) {
	a := testApplier(&fakeStacks{
		UpdateFunc: func(ctx context.Context, name string, body ir.TemplateBody) error {
			return errors.New("ValidationError: Stack:demo is in ROLLBACK_COMPLETE state and can not be updated.")
		},
	})

	_, err := a.Apply(context.Background(), "demo", testTemplate("v1"))
	var perr *ir.ProvisioningError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "update", perr.Operation)
	assert.ErrorContains(t, err, "ROLLBACK_COMPLETE state")
}

func TestApply_EventsAreCapped(t *testing.T) {
	many := make([]ir.StackEvent, 80)
	a := testApplier(&fakeStacks{
		UpdateFunc: func(ctx context.Context, name string, body ir.TemplateBody) error {
			return provider.ErrStackNotFound
		},
		CreateFunc: func(ctx context.Context, name string, body ir.TemplateBody) error { return nil },
		DescribeFunc: func(ctx context.Context, name string) (*ir.StackDescription, error) {
			return &ir.StackDescription{Status: "CREATE_FAILED", Reason: "boom"}, nil
		},
		EventsFunc: func(ctx context.Context, name string, limit int) ([]ir.StackEvent, error) {
			return many, nil
		},
	})
	a.EventLimit = 500

	_, err := a.Apply(context.Background(), "demo", testTemplate("v1"))
	var perr *ir.ProvisioningError
	require.True(t, errors.As(err, &perr))
	assert.Len(t, perr.Events, DefaultEventLimit)
	assert.Equal(t, "boom", perr.Reason)
}

func TestApply_RetriesTransientDescribe(t *testing.T) {
	calls := 0
	a := testApplier(&fakeStacks{
		UpdateFunc: func(ctx context.Context, name string, body ir.TemplateBody) error { return nil },
		DescribeFunc: func(ctx context.Context, name string) (*ir.StackDescription, error) {
			calls++
			if calls == 1 {
				return nil, errors.New("Throttling: Rate exceeded")
			}
			return &ir.StackDescription{Status: "UPDATE_COMPLETE"}, nil
		},
	})

	_, err := a.Apply(context.Background(), "demo", testTemplate("v1"))
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

type memArchive struct {
	keys []string
}

func (m *memArchive) Put(ctx context.Context, key string, body []byte) (string, error) {
	m.keys = append(m.keys, key)
	return "https://templates.s3.amazonaws.com/" + key, nil
}

func TestApply_LargeTemplates(t *testing.T) {
	big := testTemplate(strings.Repeat("x", MaxInlineTemplateBytes))

	a := testApplier(null.New(nil))
	_, err := a.Apply(context.Background(), "demo", big)
	var verr *ir.ValidationError
	require.True(t, errors.As(err, &verr))

	var got ir.TemplateBody
	archive := &memArchive{}
	a = testApplier(&fakeStacks{
		UpdateFunc: func(ctx context.Context, name string, body ir.TemplateBody) error {
			got = body
			return nil
		},
		DescribeFunc: func(ctx context.Context, name string) (*ir.StackDescription, error) {
			return &ir.StackDescription{Status: "UPDATE_COMPLETE"}, nil
		},
	})
	a.Archive = archive
	_, err = a.Apply(context.Background(), "demo", big)
	require.NoError(t, err)
	require.Len(t, archive.keys, 1)
	assert.True(t, strings.HasPrefix(archive.keys[0], "demo/"))
	assert.Empty(t, got.Body)
	assert.Contains(t, got.URL, archive.keys[0])
}

func TestDelete(t *testing.T) {
	p := null.New(nil)
	a := testApplier(p)

	// missing stack is already deleted
	require.NoError(t, a.Delete(context.Background(), "demo"))

	_, err := a.Apply(context.Background(), "demo", testTemplate("v1"))
	require.NoError(t, err)
	require.NoError(t, a.Delete(context.Background(), "demo"))
	_, ok := p.Status("demo")
	assert.False(t, ok)
}

func TestDelete_Failure(t *testing.T) {
	p := null.New(nil)
	a := testApplier(p)
	_, err := a.Apply(context.Background(), "demo", testTemplate("v1"))
	require.NoError(t, err)

	p.FailNext("demo", "The vpc 'vpc-1' has dependencies and cannot be deleted.")
	err = a.Delete(context.Background(), "demo")

	var perr *ir.ProvisioningError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "DELETE_FAILED", perr.Status)
	assert.Equal(t, "delete", perr.Operation)
}

func TestDelete_ByIDReportsDeleteComplete(t *testing.T) {
	polls := 0
	a := testApplier(&fakeStacks{
		DeleteFunc: func(ctx context.Context, name string) error { return nil },
		DescribeFunc: func(ctx context.Context, name string) (*ir.StackDescription, error) {
			polls++
			if polls < 2 {
				return &ir.StackDescription{Status: "DELETE_IN_PROGRESS"}, nil
			}
			return &ir.StackDescription{Status: "DELETE_COMPLETE"}, nil
		},
	})
	require.NoError(t, a.Delete(context.Background(), "arn:stack/demo"))
	assert.Equal(t, 2, polls)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		op, status string
		want       outcome
	}{
		{"create", "CREATE_IN_PROGRESS", outcomePending},
		{"create", "CREATE_COMPLETE", outcomeSuccess},
		{"create", "ROLLBACK_IN_PROGRESS", outcomePending},
		{"create", "ROLLBACK_COMPLETE", outcomeFailure},
		{"create", "CREATE_FAILED", outcomeFailure},
		{"update", "UPDATE_COMPLETE_CLEANUP_IN_PROGRESS", outcomePending},
		{"update", "UPDATE_COMPLETE", outcomeSuccess},
		{"update", "UPDATE_ROLLBACK_COMPLETE", outcomeFailure},
		{"update", "UPDATE_ROLLBACK_FAILED", outcomeFailure},
		{"delete", "DELETE_COMPLETE", outcomeSuccess},
		{"delete", "DELETE_FAILED", outcomeFailure},
		{"delete", "ROLLBACK_COMPLETE", outcomePending},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classify(tt.op, tt.status), "%s %s", tt.op, tt.status)
	}
}
