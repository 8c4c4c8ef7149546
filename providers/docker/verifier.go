// Package docker checks application containers on a provisioned host by
// talking to its Docker Engine API through the SSH session.
package docker

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/relationaldba/provisiond/internal/logging"
	"github.com/relationaldba/provisiond/internal/remote"
)

// DefaultSocket is the engine socket on the remote host.
const DefaultSocket = "/var/run/docker.sock"

type containerAPI interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	Close() error
}

// Verifier implements remote.Verifier.
type Verifier struct {
	Socket string

	connect func(sess remote.Session, socket string) (containerAPI, error)
}

// NewVerifier returns a Verifier that reaches the engine at DefaultSocket.
func NewVerifier() *Verifier {
	return &Verifier{Socket: DefaultSocket, connect: dialEngine}
}

// dialEngine builds an API client whose connections are opened from the
// remote host onto its unix socket.
func dialEngine(sess remote.Session, socket string) (containerAPI, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return sess.Dial("unix", socket)
			},
		},
	}
	cli, err := client.NewClientWithOpts(
		client.WithHost("http://docker"),
		client.WithHTTPClient(httpClient),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return cli, nil
}

// Verify returns an error naming every expected container that is missing
// or not running.
func (v *Verifier) Verify(ctx context.Context, sess remote.Session, containers []string) error {
	if len(containers) == 0 {
		return nil
	}
	socket := v.Socket
	if socket == "" {
		socket = DefaultSocket
	}
	connect := v.connect
	if connect == nil {
		connect = dialEngine
	}

	cli, err := connect(sess, socket)
	if err != nil {
		return err
	}
	defer cli.Close()

	list, err := cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return fmt.Errorf("failed to list containers on %s: %w", sess.Host(), err)
	}

	states := make(map[string]types.Container, len(list))
	for _, c := range list {
		for _, name := range c.Names {
			states[strings.TrimPrefix(name, "/")] = c
		}
	}

	var problems []string
	for _, name := range containers {
		c, ok := states[name]
		switch {
		case !ok:
			problems = append(problems, name+" is missing")
		case c.State != "running":
			problems = append(problems, fmt.Sprintf("%s is %s (%s)", name, c.State, c.Status))
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("containers not running on %s: %s", sess.Host(), strings.Join(problems, "; "))
	}

	logging.FromContext(ctx).Debug("containers running", "host", sess.Host(), "containers", containers)
	return nil
}
