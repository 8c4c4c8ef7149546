package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/relationaldba/provisiond/internal/ir"
)

func TestSnakeCase(t *testing.T) {
	tests := map[string]string{
		"InstancePublicIp":         "instance_public_ip",
		"ec2InstancePublicIp":      "ec2_instance_public_ip",
		"StackId":                  "stack_id",
		"StackARN":                 "stack_arn",
		"PrivateKeySecretArn":      ir.PropertyPrivateKeySecret,
		"DnsRecordFqdn":            "dns_record_fqdn",
		"route53ARecordDomainName": "route53_a_record_domain_name",
		"already_snake":            "already_snake",
		"Instance-Public IP":       "instance_public_ip",
		"":                         "",
	}
	for in, want := range tests {
		assert.Equal(t, want, SnakeCase(in), in)
	}
}

func TestOutputProperties(t *testing.T) {
	props := OutputProperties([]ir.StackOutput{
		{Key: "InstancePublicIp", Value: "198.51.100.4"},
		{Key: "InstanceId", Value: "i-0abc"},
	})
	assert.Equal(t, []ir.Property{
		{Name: "instance_public_ip", Value: "198.51.100.4"},
		{Name: "instance_id", Value: "i-0abc"},
	}, props)
}
