package ir

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLatestProperty(t *testing.T) {
	d := &Deployment{Properties: []ResourceProperty{
		{Name: "instance_public_ip", Value: "198.51.100.1"},
		{Name: "instance_id", Value: "i-1"},
		{Name: "instance_public_ip", Value: "198.51.100.2"},
	}}

	v, ok := d.LatestProperty("instance_public_ip")
	assert.True(t, ok)
	assert.Equal(t, "198.51.100.2", v)

	_, ok = d.LatestProperty("missing")
	assert.False(t, ok)
}

func TestOverrides(t *testing.T) {
	req := DeploymentRequest{
		StackProperties:   []Property{{Name: OverrideInstanceSize, Value: "XLARGE"}},
		ProductProperties: []Property{{Name: OverridePropertiesBase64, Value: "YT0x"}},
	}
	v, ok := req.StackOverride(OverrideInstanceSize)
	assert.True(t, ok)
	assert.Equal(t, "XLARGE", v)

	_, ok = req.StackOverride(OverrideDiskSize)
	assert.False(t, ok)

	v, ok = req.ProductOverride(OverridePropertiesBase64)
	assert.True(t, ok)
	assert.Equal(t, "YT0x", v)
}

func TestErrorsUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	perr := &ProvisioningError{Stack: "demo", Operation: "apply", Status: "ROLLBACK_COMPLETE", Err: cause}
	assert.ErrorIs(t, fmt.Errorf("wrapped: %w", perr), cause)
	assert.Contains(t, perr.Error(), "apply of stack demo failed with status ROLLBACK_COMPLETE")

	rerr := &RemoteExecutionError{Host: "h", Step: "install baseline", Command: "false", ExitStatus: 1, Output: "boom"}
	var target *RemoteExecutionError
	assert.True(t, errors.As(fmt.Errorf("x: %w", rerr), &target))
	assert.Contains(t, rerr.Error(), "Output: boom")
}

func TestTemplateRenderIsDeterministic(t *testing.T) {
	tpl := &Template{
		FormatVersion: "2010-09-09",
		Resources: map[string]Resource{
			"B": {Type: "AWS::EC2::VPC", Properties: map[string]any{"CidrBlock": "10.0.0.0/16"}},
			"A": {Type: "AWS::EC2::InternetGateway"},
		},
	}
	first, err := tpl.Render()
	assert.NoError(t, err)
	second, err := tpl.Render()
	assert.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Less(t, strings.Index(string(first), `"A"`), strings.Index(string(first), `"B"`))
	assert.Equal(t, []string{"B"}, tpl.ResourcesOfType("AWS::EC2::VPC"))
}
