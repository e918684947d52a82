package channel

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/muxtun/muxtun/internal/model"
)

// OpenSSH drives per-host control channels through the system ssh binary.
//
// This package launches SSH processes, it does NOT implement the SSH
// protocol. One ControlMaster process is kept per host, with its control
// socket stored under the sockets directory keyed by host id. Additional
// forwards are multiplexed onto the master via `ssh -O forward` without
// reconnecting; `-O check`, `-O cancel` and `-O exit` cover the liveness
// probe, forward removal and teardown. Because the host id is passed as the
// ssh destination, the user's ~/.ssh/config (keys, users, ProxyJump chains)
// applies unchanged.
//
// All arguments are passed via argv, never through a shell.
type OpenSSH struct {
	binary     string
	socketsDir string
	timeout    time.Duration
	run        runner
}

// runner abstracts ssh process execution for testing.
type runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// NewOpenSSH creates a provider storing control sockets under socketsDir.
// timeout bounds each ssh control operation; connection establishment also
// passes it to ssh as ConnectTimeout.
func NewOpenSSH(binary, socketsDir string, timeout time.Duration) *OpenSSH {
	return &OpenSSH{binary: binary, socketsDir: socketsDir, timeout: timeout, run: execRunner{}}
}

// EnsureBinary checks that the ssh binary is available on PATH. Called early
// so a missing client surfaces as a clear message instead of an exec error.
func EnsureBinary(binary string) error {
	if _, err := exec.LookPath(binary); err != nil {
		return fmt.Errorf("ssh binary %q not found in PATH", binary)
	}
	return nil
}

func (c *OpenSSH) socketPath(host string) string {
	return filepath.Join(c.socketsDir, host)
}

func (c *OpenSSH) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, c.timeout)
}

// Ensure starts a ControlMaster for the host unless a live one exists.
func (c *OpenSSH) Ensure(ctx context.Context, host string) error {
	if c.IsAlive(host) {
		return nil
	}
	// A dead socket file would make ssh refuse to bind a new master.
	if c.HasHandle(host) {
		_ = os.Remove(c.socketPath(host))
	}
	if err := os.MkdirAll(c.socketsDir, 0o700); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConnectFailed, host, err)
	}
	args := []string{
		"-f", "-N", "-M",
		"-S", c.socketPath(host),
		"-o", "ExitOnForwardFailure=yes",
		"-o", fmt.Sprintf("ConnectTimeout=%d", int(c.timeout.Seconds())),
		"-o", "ServerAliveInterval=15",
		"-o", "ServerAliveCountMax=3",
		host,
	}
	// The master forks with -f, so give it room beyond the op timeout.
	opCtx, cancel := context.WithTimeout(ctx, c.timeout+5*time.Second)
	defer cancel()
	if out, err := c.run.Run(opCtx, c.binary, args...); err != nil {
		return fmt.Errorf("%w: %s: %s", ErrConnectFailed, host, firstLine(out, err))
	}
	return nil
}

// IsAlive asks the master to check itself via `ssh -O check`.
func (c *OpenSSH) IsAlive(host string) bool {
	if !c.HasHandle(host) {
		return false
	}
	ctx, cancel := c.opCtx(context.Background())
	defer cancel()
	_, err := c.run.Run(ctx, c.binary, "-S", c.socketPath(host), "-O", "check", host)
	return err == nil
}

// HasHandle reports whether a control socket exists for the host.
func (c *OpenSSH) HasHandle(host string) bool {
	info, err := os.Stat(c.socketPath(host))
	return err == nil && !info.IsDir()
}

// Handles lists host ids with a control socket, in directory order.
func (c *OpenSSH) Handles() ([]string, error) {
	entries, err := os.ReadDir(c.socketsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var hosts []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		hosts = append(hosts, e.Name())
	}
	return hosts, nil
}

// Forward multiplexes a new forward onto the host's master.
func (c *OpenSSH) Forward(ctx context.Context, host string, localPort uint16, remote model.RemoteSocket) error {
	opCtx, cancel := c.opCtx(ctx)
	defer cancel()
	args := []string{
		"-S", c.socketPath(host),
		"-O", "forward",
		"-L", forwardSpec(localPort, remote),
		host,
	}
	if out, err := c.run.Run(opCtx, c.binary, args...); err != nil {
		return fmt.Errorf("%w: %s via %s: %s", ErrForwardRejected, forwardSpec(localPort, remote), host, firstLine(out, err))
	}
	return nil
}

// Cancel removes one forward without closing the channel.
func (c *OpenSSH) Cancel(ctx context.Context, host string, localPort uint16, remote model.RemoteSocket) error {
	opCtx, cancel := c.opCtx(ctx)
	defer cancel()
	args := []string{
		"-S", c.socketPath(host),
		"-O", "cancel",
		"-L", forwardSpec(localPort, remote),
		host,
	}
	if out, err := c.run.Run(opCtx, c.binary, args...); err != nil {
		return fmt.Errorf("cancel %s via %s: %s", forwardSpec(localPort, remote), host, firstLine(out, err))
	}
	return nil
}

// Close asks the master to exit and removes the socket file.
func (c *OpenSSH) Close(host string) error {
	if c.HasHandle(host) {
		ctx, cancel := c.opCtx(context.Background())
		defer cancel()
		// Best effort: a dead master cannot answer -O exit, but its
		// socket still has to go.
		_, _ = c.run.Run(ctx, c.binary, "-S", c.socketPath(host), "-O", "exit", host)
	}
	if err := os.Remove(c.socketPath(host)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("close channel for %s: %w", host, err)
	}
	return nil
}

func forwardSpec(localPort uint16, remote model.RemoteSocket) string {
	return fmt.Sprintf("%d:%s:%d", localPort, remote.Host, remote.Port)
}

func firstLine(out []byte, err error) string {
	s := strings.TrimSpace(string(out))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return err.Error()
	}
	return s
}
