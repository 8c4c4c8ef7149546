package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"path"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/relationaldba/provisiond/internal/logging"
)

const (
	defaultPort        = 22
	defaultDialTimeout = 10 * time.Second
	defaultDialRetries = 30
	defaultRetryDelay  = 5 * time.Second
)

// SSHConfig holds connection settings shared by every session.
type SSHConfig struct {
	// DialTimeout bounds a single TCP connect and handshake.
	DialTimeout time.Duration
	// DialRetries is the number of attempts made while the host boots.
	DialRetries int
	RetryDelay  time.Duration
	// HostKeyCallback defaults to accepting any key. Instances are created
	// by the same workflow moments before the first connection.
	HostKeyCallback ssh.HostKeyCallback
}

// SSHTransport opens sessions over SSH.
type SSHTransport struct {
	config SSHConfig
}

// NewSSHTransport applies defaults to cfg and returns a transport.
func NewSSHTransport(cfg SSHConfig) *SSHTransport {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.DialRetries == 0 {
		cfg.DialRetries = defaultDialRetries
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.HostKeyCallback == nil {
		cfg.HostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec // fresh instance, key unknown until first boot
	}
	return &SSHTransport{config: cfg}
}

// Open dials target, retrying until the SSH daemon answers or the retries
// run out.
func (t *SSHTransport) Open(ctx context.Context, target Target) (Session, error) {
	if target.Host == "" {
		return nil, errors.New("target host cannot be empty")
	}
	if target.User == "" {
		return nil, errors.New("target user cannot be empty")
	}
	if len(target.PrivateKey) == 0 {
		return nil, errors.New("target private key cannot be empty")
	}

	signer, err := ssh.ParsePrivateKey(target.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	port := target.Port
	if port == 0 {
		port = defaultPort
	}
	addr := net.JoinHostPort(target.Host, strconv.Itoa(port))
	clientConfig := &ssh.ClientConfig{
		User:            target.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: t.config.HostKeyCallback,
		Timeout:         t.config.DialTimeout,
	}

	var lastErr error
	for attempt := 1; attempt <= t.config.DialRetries; attempt++ {
		client, err := ssh.Dial("tcp", addr, clientConfig)
		if err == nil {
			return &sshSession{client: client, host: target.Host}, nil
		}
		lastErr = err
		logging.Debug("ssh dial failed", "addr", addr, "attempt", attempt, "error", err)

		if attempt == t.config.DialRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(t.config.RetryDelay):
		}
	}
	return nil, fmt.Errorf("failed to establish SSH connection to %s after %d attempts: %w", addr, t.config.DialRetries, lastErr)
}

type sshSession struct {
	client *ssh.Client
	host   string
}

func (s *sshSession) Run(ctx context.Context, cmd string) (CommandResult, error) {
	return s.run(ctx, cmd, nil)
}

func (s *sshSession) Upload(ctx context.Context, content []byte, remotePath string, mode uint32) error {
	dir := path.Dir(remotePath)
	cmd := fmt.Sprintf("mkdir -p %s && cat > %s && chmod %o %s",
		ShellQuote(dir), ShellQuote(remotePath), mode, ShellQuote(remotePath))

	res, err := s.run(ctx, cmd, content)
	if err != nil {
		return err
	}
	if res.ExitStatus != 0 {
		return fmt.Errorf("upload of %s to %s exited with status %d: %s", remotePath, s.host, res.ExitStatus, res.Output)
	}
	return nil
}

func (s *sshSession) run(ctx context.Context, cmd string, stdin []byte) (CommandResult, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return CommandResult{}, fmt.Errorf("failed to create SSH session on %s: %w", s.host, err)
	}
	defer func() { _ = session.Close() }()

	if stdin != nil {
		session.Stdin = bytes.NewReader(stdin)
	}

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.CombinedOutput(cmd)
		done <- result{out, err}
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return CommandResult{}, ctx.Err()
	case r := <-done:
		res := CommandResult{Output: string(r.out)}
		if r.err == nil {
			return res, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(r.err, &exitErr) {
			res.ExitStatus = exitErr.ExitStatus()
			return res, nil
		}
		return res, fmt.Errorf("command failed on %s: %w", s.host, r.err)
	}
}

func (s *sshSession) Dial(network, addr string) (net.Conn, error) {
	return s.client.Dial(network, addr)
}

func (s *sshSession) Host() string { return s.host }

func (s *sshSession) Close() error {
	return s.client.Close()
}
