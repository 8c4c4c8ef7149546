// Package aws provisions deployments with CloudFormation. It synthesizes
// the stack template, drives the stack API and answers the lookups
// synthesis needs (availability zones, hosted zones, stored secrets).
package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/relationaldba/provisiond/internal/ir"
	"github.com/relationaldba/provisiond/internal/provider"
)

// Name is the registry name of this provider.
const Name = "aws"

// Provider implements provider.Infrastructure for one environment.
type Provider struct {
	*Synthesizer
	*StackClient

	ec2     ec2API
	route53 route53API
	secrets secretsAPI
	region  string
}

var _ provider.Infrastructure = (*Provider)(nil)

// LoadConfig returns an SDK config for region. Static credentials are used
// when accessKeyID is set, the default credential chain otherwise.
func LoadConfig(ctx context.Context, region, accessKeyID, secretAccessKey string) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if accessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("unable to load SDK config: %w", err)
	}
	return cfg, nil
}

// New returns a Provider using the clients built from cfg.
func New(cfg aws.Config, synth *Synthesizer) *Provider {
	return &Provider{
		Synthesizer: synth,
		StackClient: NewStackClient(cloudformation.NewFromConfig(cfg)),
		ec2:         ec2.NewFromConfig(cfg),
		route53:     route53.NewFromConfig(cfg),
		secrets:     secretsmanager.NewFromConfig(cfg),
		region:      cfg.Region,
	}
}

// Factory returns a provider.Factory that connects with each
// environment's own credentials and region.
func Factory(synth *Synthesizer, defaultRegion string) provider.Factory {
	return func(ctx context.Context, env *ir.Environment) (provider.Infrastructure, error) {
		region := env.Region
		if region == "" {
			region = defaultRegion
		}
		cfg, err := LoadConfig(ctx, region, env.AccessKeyID, env.SecretAccessKey)
		if err != nil {
			return nil, fmt.Errorf("environment %s: %w", env.Name, err)
		}
		return New(cfg, synth), nil
	}
}
