package aws

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/relationaldba/provisiond/internal/ir"
)

type ec2API interface {
	DescribeAvailabilityZones(ctx context.Context, params *ec2.DescribeAvailabilityZonesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeAvailabilityZonesOutput, error)
}

type route53API interface {
	ListHostedZonesByName(ctx context.Context, params *route53.ListHostedZonesByNameInput, optFns ...func(*route53.Options)) (*route53.ListHostedZonesByNameOutput, error)
}

type secretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AvailabilityZones lists the available zones of the provider's region,
// sorted by name.
func (p *Provider) AvailabilityZones(ctx context.Context) ([]string, error) {
	out, err := p.ec2.DescribeAvailabilityZones(ctx, &ec2.DescribeAvailabilityZonesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("state"), Values: []string{"available"}},
			{Name: aws.String("zone-type"), Values: []string{"availability-zone"}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe availability zones in %s: %w", p.region, err)
	}

	zones := make([]string, 0, len(out.AvailabilityZones))
	for _, z := range out.AvailabilityZones {
		if name := aws.ToString(z.ZoneName); name != "" {
			zones = append(zones, name)
		}
	}
	sort.Strings(zones)
	return zones, nil
}

// HostedZoneID returns the id of the public hosted zone for domain.
func (p *Provider) HostedZoneID(ctx context.Context, domain string) (string, error) {
	fqdn := strings.TrimSuffix(domain, ".") + "."
	out, err := p.route53.ListHostedZonesByName(ctx, &route53.ListHostedZonesByNameInput{
		DNSName:  aws.String(fqdn),
		MaxItems: aws.Int32(10),
	})
	if err != nil {
		return "", fmt.Errorf("failed to list hosted zones for %s: %w", domain, err)
	}

	for _, z := range out.HostedZones {
		if !strings.EqualFold(aws.ToString(z.Name), fqdn) {
			continue
		}
		if z.Config != nil && z.Config.PrivateZone {
			continue
		}
		return strings.TrimPrefix(aws.ToString(z.Id), "/hostedzone/"), nil
	}
	return "", fmt.Errorf("hosted zone %s: %w", domain, ir.ErrNotFound)
}

// ReadSecret returns the string value of the secret with id (name or ARN).
func (p *Provider) ReadSecret(ctx context.Context, id string) (string, error) {
	out, err := p.secrets.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(id)})
	if err != nil {
		if isNotFound(err) {
			return "", notFound("secret", id, err)
		}
		return "", fmt.Errorf("failed to read secret %s: %w", id, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", id)
	}
	return *out.SecretString, nil
}
