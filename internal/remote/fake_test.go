package remote

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
)

type fakeUpload struct {
	path    string
	content string
	mode    uint32
}

// fakeHost records what the provisioner does to a host.
type fakeHost struct {
	mu       sync.Mutex
	opened   []Target
	commands []string
	uploads  []fakeUpload
	closed   int
	// failOn makes the first command containing the substring exit 1.
	failOn  string
	openErr error
}

func (h *fakeHost) Open(ctx context.Context, target Target) (Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.openErr != nil {
		return nil, h.openErr
	}
	h.opened = append(h.opened, target)
	return &fakeSession{host: h, addr: target.Host}, nil
}

func (h *fakeHost) upload(path string) (fakeUpload, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, u := range h.uploads {
		if u.path == path {
			return u, true
		}
	}
	return fakeUpload{}, false
}

type fakeSession struct {
	host *fakeHost
	addr string
}

func (s *fakeSession) Host() string { return s.addr }

func (s *fakeSession) Run(ctx context.Context, cmd string) (CommandResult, error) {
	s.host.mu.Lock()
	defer s.host.mu.Unlock()
	s.host.commands = append(s.host.commands, cmd)
	if s.host.failOn != "" && strings.Contains(cmd, s.host.failOn) {
		return CommandResult{Output: "No package docker available.\nError: Nothing to do\n", ExitStatus: 1}, nil
	}
	return CommandResult{Output: "ok\n"}, nil
}

func (s *fakeSession) Upload(ctx context.Context, content []byte, remotePath string, mode uint32) error {
	s.host.mu.Lock()
	defer s.host.mu.Unlock()
	s.host.uploads = append(s.host.uploads, fakeUpload{path: remotePath, content: string(content), mode: mode})
	return nil
}

func (s *fakeSession) Dial(network, addr string) (net.Conn, error) {
	return nil, errors.New("not supported")
}

func (s *fakeSession) Close() error {
	s.host.mu.Lock()
	defer s.host.mu.Unlock()
	s.host.closed++
	return nil
}
