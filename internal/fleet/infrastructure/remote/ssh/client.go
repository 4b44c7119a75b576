package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	apperrors "github.com/chiquitav2/wgfleet/internal/shared/errors"
	"github.com/chiquitav2/wgfleet/internal/shared/logger"
	"golang.org/x/crypto/ssh"
)

// Client defines the interface for SSH operations
type Client interface {
	RunCommand(ctx context.Context, command string) (string, error)
	RunWithInput(ctx context.Context, command string, stdin io.Reader) (string, error)
	Close() error
	IsHealthy() bool
}

// client implements the Client interface using golang.org/x/crypto/ssh
type client struct {
	config *ssh.ClientConfig
	addr   string
	conn   *ssh.Client
	mutex  sync.Mutex
	logger *logger.Logger
}

// NewClient creates a client for addr (host:port). The connection is opened
// on first use.
func NewClient(addr string, config *ssh.ClientConfig, log *logger.Logger) Client {
	return &client{
		config: config,
		addr:   addr,
		logger: logger.OrNop(log).WithComponent("ssh.client").With(slog.String("addr", addr)),
	}
}

// RunCommand executes a command on the remote host
func (c *client) RunCommand(ctx context.Context, command string) (string, error) {
	return c.RunWithInput(ctx, command, nil)
}

// RunWithInput executes command with stdin attached. A cancelled context
// kills the remote process.
func (c *client) RunWithInput(ctx context.Context, command string, stdin io.Reader) (string, error) {
	op := c.logger.StartOp(ctx, "run_command", slog.String("command", firstLine(command)))

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.conn == nil {
		if err := c.connect(ctx); err != nil {
			op.Fail(err, "connection failed")
			return "", err
		}
	}

	session, err := c.conn.NewSession()
	if err != nil {
		c.logger.DebugContext(ctx, "SSH session failed, attempting reconnect", slog.String("error", err.Error()))
		if err := c.reconnect(ctx); err != nil {
			op.Fail(err, "reconnect failed")
			return "", err
		}
		session, err = c.conn.NewSession()
		if err != nil {
			err = c.unreachable(err)
			op.Fail(err, "session creation failed after reconnect")
			return "", err
		}
	}
	defer session.Close()

	if stdin != nil {
		session.Stdin = stdin
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = session.Signal(ssh.SIGKILL)
			_ = session.Close()
		case <-done:
		}
	}()

	output, err := session.CombinedOutput(command)
	close(done)

	if ctxErr := ctx.Err(); ctxErr != nil {
		err = fmt.Errorf("ssh command aborted on %s: %w", c.addr, ctxErr)
		op.Fail(err, "command aborted")
		return string(output), err
	}

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			err = apperrors.Wrap(apperrors.ErrCommandFailed, err).
				WithMetadata("exit_code", exitErr.ExitStatus()).
				WithMetadata("output", strings.TrimSpace(string(output)))
		} else {
			// The connection broke mid-command; drop it so the next call redials.
			c.dropConn()
			err = c.unreachable(err)
		}
		op.Fail(err, "command execution failed", slog.String("output", string(output)))
		return string(output), err
	}

	op.Complete("command executed successfully")
	return string(output), nil
}

// connect establishes a new SSH connection (not thread-safe, caller must hold lock)
func (c *client) connect(ctx context.Context) error {
	dialer := net.Dialer{Timeout: c.config.Timeout}
	nc, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return c.unreachable(err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = nc.SetDeadline(deadline)
	} else if c.config.Timeout > 0 {
		_ = nc.SetDeadline(time.Now().Add(c.config.Timeout))
	}

	sc, chans, reqs, err := ssh.NewClientConn(nc, c.addr, c.config)
	if err != nil {
		nc.Close()
		return c.unreachable(err)
	}
	_ = nc.SetDeadline(time.Time{})

	c.conn = ssh.NewClient(sc, chans, reqs)
	return nil
}

// reconnect closes the existing connection and establishes a new one
func (c *client) reconnect(ctx context.Context) error {
	c.dropConn()
	return c.connect(ctx)
}

func (c *client) dropConn() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *client) unreachable(err error) error {
	return apperrors.Wrap(apperrors.ErrNodeUnreachable, err).WithMetadata("addr", c.addr)
}

// Close closes the SSH connection
func (c *client) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		if err != nil {
			c.logger.WarnContext(context.Background(), "error closing ssh connection", slog.String("error", err.Error()))
		}
		return err
	}
	return nil
}

// IsHealthy reports whether the client is usable. A client that has not
// dialed yet is healthy; it connects on the next command.
func (c *client) IsHealthy() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.conn == nil {
		return true
	}

	session, err := c.conn.NewSession()
	if err != nil {
		c.logger.DebugContext(context.Background(), "health check failed: session creation", slog.String("error", err.Error()))
		return false
	}
	session.Close()
	return true
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}
