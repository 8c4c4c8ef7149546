package remote

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/relationaldba/provisiond/internal/ir"
	"github.com/relationaldba/provisiond/internal/logging"
)

// Verifier checks that the expected containers are running on a host.
type Verifier interface {
	Verify(ctx context.Context, sess Session, containers []string) error
}

// Options configures how the provisioner reaches hosts.
type Options struct {
	User        string
	Port        int
	GracePeriod time.Duration
}

// Application is what gets installed on a host.
type Application struct {
	Domain           string
	Version          string
	RegistryURL      string
	RegistryUsername string
	RegistryPassword string
	// Overlay replaces baseline properties key by key. May be nil.
	Overlay *Profile
}

// Provisioner runs the installation steps on a provisioned host.
type Provisioner struct {
	transport Transport
	bundle    *Bundle
	opts      Options
	verifier  Verifier
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewProvisioner returns a Provisioner using transport and bundle.
func NewProvisioner(transport Transport, bundle *Bundle, opts Options) *Provisioner {
	if opts.User == "" {
		opts.User = "ec2-user"
	}
	return &Provisioner{
		transport: transport,
		bundle:    bundle,
		opts:      opts,
		sleep:     sleepContext,
	}
}

// WithVerifier sets the container verifier run after the grace period.
func (p *Provisioner) WithVerifier(v Verifier) *Provisioner {
	p.verifier = v
	return p
}

// User is the login user for provisioned hosts.
func (p *Provisioner) User() string { return p.opts.User }

// Install runs the baseline and then the application installation on the
// host at address. Each phase uses its own session so the second one picks
// up the docker group membership granted by the first.
func (p *Provisioner) Install(ctx context.Context, address string, privateKey []byte, app Application) error {
	target := Target{Host: address, Port: p.opts.Port, User: p.opts.User, PrivateKey: privateKey}

	err := p.withSession(ctx, target, func(sess Session) error {
		return p.InstallBaseline(ctx, sess)
	})
	if err != nil {
		return err
	}

	return p.withSession(ctx, target, func(sess Session) error {
		if err := p.InstallApplication(ctx, sess, app); err != nil {
			return err
		}

		logging.FromContext(ctx).Info("waiting for application to start", "host", address, "grace_period", p.opts.GracePeriod)
		if err := p.sleep(ctx, p.opts.GracePeriod); err != nil {
			return err
		}

		if p.verifier == nil {
			return nil
		}
		if err := p.verifier.Verify(ctx, sess, p.bundle.Compose.ContainerNames()); err != nil {
			return &ir.RemoteExecutionError{Host: address, Step: "verify containers", Err: err}
		}
		return nil
	})
}

func (p *Provisioner) withSession(ctx context.Context, target Target, fn func(Session) error) error {
	sess, err := p.transport.Open(ctx, target)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &ir.RemoteExecutionError{Host: target.Host, Step: "open session", ExitStatus: -1, Err: err}
	}
	defer func() { _ = sess.Close() }()
	return fn(sess)
}

// RunCommandSequence runs cmds in order and stops at the first one that
// fails, returning its output verbatim in a RemoteExecutionError.
func (p *Provisioner) RunCommandSequence(ctx context.Context, sess Session, step string, cmds []string) error {
	log := logging.FromContext(ctx)
	for _, cmd := range cmds {
		if err := ctx.Err(); err != nil {
			return err
		}
		log.Debug("running remote command", "host", sess.Host(), "step", step, "command", cmd)

		res, err := sess.Run(ctx, cmd)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &ir.RemoteExecutionError{Host: sess.Host(), Step: step, Command: cmd, Output: res.Output, ExitStatus: -1, Err: err}
		}
		if res.ExitStatus != 0 {
			log.Error("remote command failed", "host", sess.Host(), "step", step, "command", cmd, "exit_status", res.ExitStatus, "output", res.Output)
			return &ir.RemoteExecutionError{Host: sess.Host(), Step: step, Command: cmd, Output: res.Output, ExitStatus: res.ExitStatus}
		}
	}
	return nil
}

// UploadText writes content to remotePath, readable by everyone.
func (p *Provisioner) UploadText(ctx context.Context, sess Session, content, remotePath string) error {
	return p.upload(ctx, sess, content, remotePath, 0o644)
}

func (p *Provisioner) upload(ctx context.Context, sess Session, content, remotePath string, mode uint32) error {
	logging.FromContext(ctx).Debug("uploading file", "host", sess.Host(), "path", remotePath, "bytes", len(content))
	if err := sess.Upload(ctx, []byte(content), remotePath, mode); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &ir.RemoteExecutionError{Host: sess.Host(), Step: "upload " + remotePath, ExitStatus: -1, Err: err}
	}
	return nil
}

// BaselineCommands returns the container runtime installation commands.
func (p *Provisioner) BaselineCommands() []string {
	const pluginDir = "/usr/local/lib/docker/cli-plugins"
	plugin := pluginDir + "/docker-compose"

	cmds := []string{
		"sudo yum update -y",
		"sudo yum install -y docker",
		"sudo usermod -aG docker " + p.opts.User,
		"sudo systemctl enable docker",
		"sudo systemctl start docker",
	}
	for _, img := range p.bundle.BaselineImages {
		cmds = append(cmds, "sudo docker pull "+img)
	}
	return append(cmds,
		"sudo mkdir -p "+pluginDir,
		fmt.Sprintf("sudo curl -fsSL %s -o %s", p.bundle.ComposePluginURL, plugin),
		"sudo chown root:root "+plugin,
		"sudo chmod +x "+plugin,
		"sudo ln -sf "+plugin+" /usr/local/bin/docker-compose",
	)
}

// InstallBaseline installs the container runtime and pulls base images.
func (p *Provisioner) InstallBaseline(ctx context.Context, sess Session) error {
	return p.RunCommandSequence(ctx, sess, "install baseline", p.BaselineCommands())
}

// InstallApplication uploads the rendered bundle and brings the
// application up behind the TLS terminating proxy.
func (p *Provisioner) InstallApplication(ctx context.Context, sess Session, app Application) error {
	compose := p.bundle.Compose
	home := compose.HomeDir

	baseline, err := p.bundle.Baseline()
	if err != nil {
		return err
	}
	properties := Merge(baseline, app.Overlay)

	composeYAML, err := compose.BuildCompose(app.Version, app.Domain).Render()
	if err != nil {
		return err
	}
	nginx, err := p.bundle.RenderNginx(app.Domain)
	if err != nil {
		return err
	}

	// 1. Registry login
	if app.RegistryUsername != "" && app.RegistryPassword != "" {
		secret := path.Join(home, ".registry-password")
		if err := p.upload(ctx, sess, app.RegistryPassword, secret, 0o600); err != nil {
			return err
		}
		login := fmt.Sprintf("docker login --username %s --password-stdin %s < %s; rc=$?; rm -f %s; exit $rc",
			ShellQuote(app.RegistryUsername), ShellQuote(registryHost(app.RegistryURL, compose.AppImage)), ShellQuote(secret), ShellQuote(secret))
		if err := p.RunCommandSequence(ctx, sess, "registry login", []string{login}); err != nil {
			return err
		}
	}

	// 2. Configuration bundle
	uploads := []struct{ content, name string }{
		{composeYAML, "compose.yaml"},
		{properties.Render(), compose.PropertiesFile},
		{nginx, "nginx.conf"},
	}
	for _, u := range uploads {
		if err := p.UploadText(ctx, sess, u.content, path.Join(home, u.name)); err != nil {
			return err
		}
	}

	// 3. Certificates, then the application
	cd := "cd " + ShellQuote(home) + " && "
	return p.RunCommandSequence(ctx, sess, "install application", []string{
		cd + "docker compose down",
		cd + "docker compose up --exit-code-from certbot certbot",
		cd + "docker compose up -d",
	})
}

// registryHost returns the registry to log in to, taken from the explicit
// URL or the host part of the application image.
func registryHost(url, image string) string {
	if url != "" {
		url = strings.TrimPrefix(url, "https://")
		return strings.TrimSuffix(url, "/")
	}
	host, _, _ := strings.Cut(image, "/")
	return host
}

// ShellQuote quotes s for a POSIX shell.
func ShellQuote(s string) string {
	if s != "" && strings.Trim(s, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-_./:@=") == "" {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
