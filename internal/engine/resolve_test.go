package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relationaldba/provisiond/internal/ir"
)

type fakeNetwork struct {
	zones     []string
	zoneErr   error
	hostedID  string
	zoneCalls int
	hostCalls int
}

func (f *fakeNetwork) AvailabilityZones(ctx context.Context) ([]string, error) {
	f.zoneCalls++
	return f.zones, f.zoneErr
}

func (f *fakeNetwork) HostedZoneID(ctx context.Context, domain string) (string, error) {
	f.hostCalls++
	return f.hostedID, nil
}

func TestResolve_KnownRegion(t *testing.T) {
	net := &fakeNetwork{hostedID: "Z123"}
	r := &Resolver{DNSDomain: "cloud.example.com"}

	env := &ir.Environment{AccountID: "123456789012", Region: "us-west-2", AccessKeyID: "AKIA", SecretAccessKey: "s"}
	resolved, err := r.Resolve(context.Background(), env, net)
	require.NoError(t, err)

	assert.Equal(t, []string{"us-west-2a", "us-west-2b", "us-west-2c"}, resolved.AvailabilityZones)
	assert.Equal(t, "Z123", resolved.HostedZoneID)
	assert.Equal(t, "AKIA", resolved.AccessKeyID)
	assert.Equal(t, 0, net.zoneCalls)
	assert.Equal(t, 1, net.hostCalls)
	assert.Equal(t, "demo.cloud.example.com", resolved.DNSName("Demo"))
}

func TestResolve_DefaultRegionAndConfiguredZone(t *testing.T) {
	net := &fakeNetwork{}
	r := &Resolver{DNSDomain: "cloud.example.com", HostedZoneID: "ZFIXED"}

	resolved, err := r.Resolve(context.Background(), &ir.Environment{}, net)
	require.NoError(t, err)
	assert.Equal(t, DefaultRegion, resolved.Region)
	assert.Equal(t, "ZFIXED", resolved.HostedZoneID)
	assert.Equal(t, 0, net.hostCalls)
}

func TestResolve_UnknownRegionFallsBack(t *testing.T) {
	net := &fakeNetwork{zones: []string{"sa-east-1a", "sa-east-1c"}}
	r := &Resolver{}

	resolved, err := r.Resolve(context.Background(), &ir.Environment{Region: "sa-east-1"}, net)
	require.NoError(t, err)
	assert.Equal(t, []string{"sa-east-1a", "sa-east-1c"}, resolved.AvailabilityZones)
	assert.Equal(t, 1, net.zoneCalls)
	assert.Empty(t, resolved.HostedZoneID)
	assert.Empty(t, resolved.DNSName("demo"))
}

func TestResolve_NoZones(t *testing.T) {
	_, err := (&Resolver{}).Resolve(context.Background(), &ir.Environment{Region: "xx-nowhere-1"}, &fakeNetwork{})
	var verr *ir.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "region", verr.Field)

	_, err = (&Resolver{}).Resolve(context.Background(), &ir.Environment{Region: "xx-nowhere-1"}, &fakeNetwork{zoneErr: errors.New("UnauthorizedOperation")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UnauthorizedOperation")
}
