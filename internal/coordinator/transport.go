package coordinator

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

// Payload is one packaged task handed to a transport.
type Payload struct {
	TaskID  string
	Host    string
	Content string
}

type dispatchResult struct {
	output string
	err    error
}

// Handle tracks one in-flight dispatch.
type Handle struct {
	TaskID string
	done   <-chan dispatchResult
}

// Transport sends a payload, starts the remote process, and observes
// completion. Any RPC mechanism satisfying that contract is conformant;
// the engine ships a local in-process transport and an SSH one.
type Transport interface {
	Send(ctx context.Context, p Payload) (*Handle, error)
	Await(ctx context.Context, h *Handle) (string, error)
	Probe(ctx context.Context, host string) error
}

// TaskRunner executes opaque task content on the local host. Wired to
// the agent executor in production.
type TaskRunner interface {
	RunTask(ctx context.Context, content string) (string, error)
}

// LocalTransport executes tasks in-process as concurrent units.
type LocalTransport struct {
	Runner TaskRunner
}

// NewLocalTransport creates a LocalTransport over the given runner.
func NewLocalTransport(runner TaskRunner) *LocalTransport {
	return &LocalTransport{Runner: runner}
}

func (t *LocalTransport) Send(ctx context.Context, p Payload) (*Handle, error) {
	if t.Runner == nil {
		return nil, fmt.Errorf("local transport has no task runner")
	}

	done := make(chan dispatchResult, 1)
	go func() {
		out, err := t.Runner.RunTask(ctx, p.Content)
		done <- dispatchResult{output: out, err: err}
	}()
	return &Handle{TaskID: p.TaskID, done: done}, nil
}

func (t *LocalTransport) Await(ctx context.Context, h *Handle) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-h.done:
		return res.output, res.err
	}
}

// Probe always succeeds for the local host.
func (t *LocalTransport) Probe(_ context.Context, _ string) error {
	return nil
}

// SSHTransport dispatches task payloads to remote workers over SSH: the
// content runs as a remote command and its combined output is the result.
type SSHTransport struct {
	Config *ssh.ClientConfig
	Port   int
}

// NewSSHTransport creates an SSHTransport for the given user and signer.
func NewSSHTransport(user string, signer ssh.Signer, hostKeyCallback ssh.HostKeyCallback) *SSHTransport {
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec // operator opts in explicitly
	}
	return &SSHTransport{
		Config: &ssh.ClientConfig{
			User:            user,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeyCallback,
			Timeout:         10 * time.Second,
		},
		Port: 22,
	}
}

func (t *SSHTransport) addr(host string) string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(host, fmt.Sprint(port))
}

func (t *SSHTransport) Send(ctx context.Context, p Payload) (*Handle, error) {
	client, err := ssh.Dial("tcp", t.addr(p.Host), t.Config)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", p.Host, err)
	}

	done := make(chan dispatchResult, 1)
	go func() {
		defer client.Close()

		session, err := client.NewSession()
		if err != nil {
			done <- dispatchResult{err: fmt.Errorf("ssh session %s: %w", p.Host, err)}
			return
		}
		defer session.Close()

		out, err := session.CombinedOutput(p.Content)
		if err != nil {
			done <- dispatchResult{output: string(out), err: fmt.Errorf("remote task %s on %s: %w", p.TaskID, p.Host, err)}
			return
		}
		done <- dispatchResult{output: string(out)}
	}()
	return &Handle{TaskID: p.TaskID, done: done}, nil
}

func (t *SSHTransport) Await(ctx context.Context, h *Handle) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-h.done:
		return res.output, res.err
	}
}

// Probe checks remote liveness with a short-lived connection.
func (t *SSHTransport) Probe(ctx context.Context, host string) error {
	d := net.Dialer{Timeout: t.Config.Timeout}
	conn, err := d.DialContext(ctx, "tcp", t.addr(host))
	if err != nil {
		return fmt.Errorf("probe %s: %w", host, err)
	}
	defer conn.Close()

	c, chans, reqs, err := ssh.NewClientConn(conn, t.addr(host), t.Config)
	if err != nil {
		return fmt.Errorf("probe handshake %s: %w", host, err)
	}
	client := ssh.NewClient(c, chans, reqs)
	return client.Close()
}
