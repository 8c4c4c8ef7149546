package remote

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relationaldba/provisiond/internal/ir"
)

func newTestProvisioner(t *testing.T, host *fakeHost) *Provisioner {
	t.Helper()
	bundle, err := DefaultBundle()
	require.NoError(t, err)
	p := NewProvisioner(host, bundle, Options{})
	p.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return p
}

type verifierFunc func(ctx context.Context, sess Session, containers []string) error

func (f verifierFunc) Verify(ctx context.Context, sess Session, containers []string) error {
	return f(ctx, sess, containers)
}

func TestRunCommandSequenceStopsAtFirstFailure(t *testing.T) {
	host := &fakeHost{failOn: "install -y docker"}
	p := newTestProvisioner(t, host)
	sess, _ := host.Open(context.Background(), Target{Host: "198.51.100.7"})

	err := p.RunCommandSequence(context.Background(), sess, "install baseline", []string{
		"sudo yum update -y",
		"sudo yum install -y docker",
		"sudo systemctl start docker",
	})

	var rerr *ir.RemoteExecutionError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "198.51.100.7", rerr.Host)
	assert.Equal(t, "sudo yum install -y docker", rerr.Command)
	assert.Equal(t, 1, rerr.ExitStatus)
	assert.Equal(t, "No package docker available.\nError: Nothing to do\n", rerr.Output)
	assert.Equal(t, []string{"sudo yum update -y", "sudo yum install -y docker"}, host.commands)
}

func TestRunCommandSequenceHonoursCancellation(t *testing.T) {
	host := &fakeHost{}
	p := newTestProvisioner(t, host)
	sess, _ := host.Open(context.Background(), Target{Host: "h"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.RunCommandSequence(ctx, sess, "x", []string{"true"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, host.commands)
}

func TestInstall(t *testing.T) {
	host := &fakeHost{}
	p := newTestProvisioner(t, host)

	var verified []string
	p.WithVerifier(verifierFunc(func(ctx context.Context, sess Session, containers []string) error {
		verified = containers
		return nil
	}))

	overlay, err := ParseProfile("module.fhir_endpoint.config.port = 8080\ncustom.key = yes\n")
	require.NoError(t, err)

	err = p.Install(context.Background(), "198.51.100.7", []byte("pem"), Application{
		Domain:           "demo.cloud.relationaldba.com",
		Version:          "2025.05.R01",
		RegistryUsername: "robot",
		RegistryPassword: "s3cret",
		Overlay:          overlay,
	})
	require.NoError(t, err)

	// two sessions, both closed
	require.Len(t, host.opened, 2)
	assert.Equal(t, "ec2-user", host.opened[0].User)
	assert.Equal(t, 2, host.closed)

	// baseline first, compose last
	assert.Equal(t, "sudo yum update -y", host.commands[0])
	last := host.commands[len(host.commands)-1]
	assert.Equal(t, "cd /home/ec2-user && docker compose up -d", last)

	for _, cmd := range host.commands {
		assert.NotContains(t, cmd, "s3cret")
	}

	secret, ok := host.upload("/home/ec2-user/.registry-password")
	require.True(t, ok)
	assert.Equal(t, uint32(0o600), secret.mode)

	props, ok := host.upload("/home/ec2-user/cdr-config-Master.properties")
	require.True(t, ok)
	assert.Contains(t, props.content, "module.fhir_endpoint.config.port = 8080\n")
	assert.Contains(t, props.content, "custom.key = yes\n")
	assert.Contains(t, props.content, "node.id = Master\n")

	compose, ok := host.upload("/home/ec2-user/compose.yaml")
	require.True(t, ok)
	assert.Contains(t, compose.content, "docker.smilecdr.com/smilecdr:2025.05.R01")
	assert.Contains(t, compose.content, "-d demo.cloud.relationaldba.com")

	nginx, ok := host.upload("/home/ec2-user/nginx.conf")
	require.True(t, ok)
	assert.Contains(t, nginx.content, "/etc/letsencrypt/live/demo.cloud.relationaldba.com/fullchain.pem")

	assert.Contains(t, verified, "smilecdr")
}

func TestInstallSkipsLoginWithoutCredentials(t *testing.T) {
	host := &fakeHost{}
	p := newTestProvisioner(t, host)

	require.NoError(t, p.Install(context.Background(), "h", []byte("pem"), Application{Domain: "d", Version: "1"}))
	for _, cmd := range host.commands {
		assert.False(t, strings.Contains(cmd, "docker login"), cmd)
	}
}

func TestInstallStopsAfterBaselineFailure(t *testing.T) {
	host := &fakeHost{failOn: "systemctl start docker"}
	p := newTestProvisioner(t, host)

	err := p.Install(context.Background(), "h", []byte("pem"), Application{Domain: "d", Version: "1"})
	var rerr *ir.RemoteExecutionError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "install baseline", rerr.Step)
	assert.Len(t, host.opened, 1)
	assert.Empty(t, host.uploads)
}

func TestInstallStopsWhenCertbotFails(t *testing.T) {
	host := &fakeHost{failOn: "--exit-code-from certbot certbot"}
	p := newTestProvisioner(t, host)

	err := p.Install(context.Background(), "h", []byte("pem"), Application{Domain: "d", Version: "1"})
	var rerr *ir.RemoteExecutionError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "install application", rerr.Step)
	assert.Equal(t, "cd /home/ec2-user && docker compose up --exit-code-from certbot certbot", host.commands[len(host.commands)-1])
	for _, cmd := range host.commands {
		assert.NotContains(t, cmd, "docker compose up -d")
	}
}

func TestInstallOpenFailure(t *testing.T) {
	host := &fakeHost{openErr: errors.New("connection refused")}
	p := newTestProvisioner(t, host)

	err := p.Install(context.Background(), "h", []byte("pem"), Application{})
	var rerr *ir.RemoteExecutionError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "open session", rerr.Step)
}

func TestVerifierFailure(t *testing.T) {
	host := &fakeHost{}
	p := newTestProvisioner(t, host).WithVerifier(verifierFunc(func(context.Context, Session, []string) error {
		return errors.New("container nginx is exited")
	}))

	err := p.Install(context.Background(), "h", []byte("pem"), Application{Domain: "d", Version: "1"})
	var rerr *ir.RemoteExecutionError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "verify containers", rerr.Step)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "robot", ShellQuote("robot"))
	assert.Equal(t, "'a b'", ShellQuote("a b"))
	assert.Equal(t, `'it'"'"'s'`, ShellQuote("it's"))
	assert.Equal(t, "''", ShellQuote(""))
}

func TestRegistryHost(t *testing.T) {
	assert.Equal(t, "docker.smilecdr.com", registryHost("", "docker.smilecdr.com/smilecdr"))
	assert.Equal(t, "registry.example.com", registryHost("https://registry.example.com/", "x/y"))
}
