package engine

import (
	"context"
	"fmt"

	"github.com/relationaldba/provisiond/internal/ir"
	"github.com/relationaldba/provisiond/internal/provider"
)

// knownZones avoids an API call for the regions deployments usually target.
var knownZones = map[string][]string{
	"us-east-1":      {"us-east-1a", "us-east-1b", "us-east-1c", "us-east-1d", "us-east-1e", "us-east-1f"},
	"us-east-2":      {"us-east-2a", "us-east-2b", "us-east-2c"},
	"us-west-1":      {"us-west-1a", "us-west-1b", "us-west-1c"},
	"us-west-2":      {"us-west-2a", "us-west-2b", "us-west-2c"},
	"ap-south-1":     {"ap-south-1a", "ap-south-1b"},
	"ap-northeast-1": {"ap-northeast-1a", "ap-northeast-1c"},
	"ap-northeast-2": {"ap-northeast-2a", "ap-northeast-2b", "ap-northeast-2c"},
	"ap-northeast-3": {"ap-northeast-3a", "ap-northeast-3b"},
	"ap-southeast-1": {"ap-southeast-1a", "ap-southeast-1b"},
	"ap-southeast-2": {"ap-southeast-2a", "ap-southeast-2b"},
	"ca-central-1":   {"ca-central-1a", "ca-central-1b"},
	"eu-central-1":   {"eu-central-1a", "eu-central-1b", "eu-central-1c"},
}

// DefaultRegion is used for environments without a region.
const DefaultRegion = "us-east-2"

// Resolver completes an environment with the network facts synthesis needs.
type Resolver struct {
	DNSDomain    string
	HostedZoneID string
}

// Resolve returns the credentials, region and addressing for env. Zones
// outside the built-in table and a missing hosted zone id are looked up
// through net.
func (r *Resolver) Resolve(ctx context.Context, env *ir.Environment, net provider.NetworkResolver) (*ir.ResolvedEnvironment, error) {
	region := env.Region
	if region == "" {
		region = DefaultRegion
	}

	resolved := &ir.ResolvedEnvironment{
		AccountID:       env.AccountID,
		Region:          region,
		AccessKeyID:     env.AccessKeyID,
		SecretAccessKey: env.SecretAccessKey,
		DNSDomain:       r.DNSDomain,
		HostedZoneID:    r.HostedZoneID,
	}

	if zones, ok := knownZones[region]; ok {
		resolved.AvailabilityZones = append([]string(nil), zones...)
	} else {
		zones, err := net.AvailabilityZones(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list availability zones in %s: %w", region, err)
		}
		if len(zones) == 0 {
			return nil, &ir.ValidationError{Field: "region", Reason: fmt.Sprintf("no availability zones in %s", region)}
		}
		resolved.AvailabilityZones = zones
	}

	if resolved.HostedZoneID == "" && resolved.DNSDomain != "" {
		id, err := net.HostedZoneID(ctx, resolved.DNSDomain)
		if err != nil {
			return nil, fmt.Errorf("failed to find hosted zone for %s: %w", resolved.DNSDomain, err)
		}
		resolved.HostedZoneID = id
	}
	return resolved, nil
}
