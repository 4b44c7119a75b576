package ssh

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	apperrors "github.com/chiquitav2/wgfleet/internal/shared/errors"
	"github.com/chiquitav2/wgfleet/internal/shared/logger"
	"golang.org/x/crypto/ssh"
)

// Target identifies one SSH endpoint. Zero Port and empty User fall back to
// the pool defaults.
type Target struct {
	Host string
	Port int
	User string
}

// Connection represents a pooled SSH connection
type Connection struct {
	client   Client
	lastUsed time.Time
	key      string
}

// Pool manages a pool of SSH connections for efficient reuse
type Pool struct {
	connections map[string]*Connection
	mutex       sync.RWMutex
	maxIdle     time.Duration
	defaultPort int
	sshConfig   *ssh.ClientConfig
	logger      *logger.Logger
	newClient   func(addr string, cfg *ssh.ClientConfig) Client

	stop     chan struct{}
	stopOnce sync.Once
}

// PoolStats provides statistics about the SSH connection pool
type PoolStats struct {
	TotalConnections  int                  `json:"total_connections"`
	ActiveConnections int                  `json:"active_connections"`
	IdleConnections   int                  `json:"idle_connections"`
	ConnectionsByNode map[string]time.Time `json:"connections_by_node"`
}

// NewPool creates a new SSH connection pool and starts its idle cleanup.
func NewPool(cfg Config, log *logger.Logger) (*Pool, error) {
	log = logger.OrNop(log).WithComponent("ssh.pool")

	sshConfig, insecure, err := cfg.ClientConfig()
	if err != nil {
		return nil, apperrors.WrapWithDomain(err, apperrors.DomainSystem, apperrors.ErrCodeConfiguration, "invalid ssh configuration", false)
	}
	if insecure {
		log.Warn("ssh host keys are not verified; set ssh.known_hosts_path")
	}

	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = DefaultConfig().MaxIdle
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}

	pool := &Pool{
		connections: make(map[string]*Connection),
		maxIdle:     cfg.MaxIdle,
		defaultPort: cfg.Port,
		sshConfig:   sshConfig,
		logger:      log,
		stop:        make(chan struct{}),
	}
	pool.newClient = func(addr string, c *ssh.ClientConfig) Client {
		return NewClient(addr, c, pool.logger)
	}

	pool.StartCleanupRoutine()

	return pool, nil
}

func (p *Pool) resolve(t Target) (key, addr string, cfg *ssh.ClientConfig) {
	port := t.Port
	if port == 0 {
		port = p.defaultPort
	}
	addr = net.JoinHostPort(t.Host, strconv.Itoa(port))

	cfg = p.sshConfig
	if t.User != "" && cfg != nil && t.User != cfg.User {
		c := *cfg
		c.User = t.User
		cfg = &c
	}
	user := ""
	if cfg != nil {
		user = cfg.User
	}
	return user + "@" + addr, addr, cfg
}

// GetConnection retrieves or creates an SSH connection from the pool
func (p *Pool) GetConnection(t Target) Client {
	key, addr, cfg := p.resolve(t)

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if conn, exists := p.connections[key]; exists {
		if conn.client.IsHealthy() {
			conn.lastUsed = time.Now()
			p.logger.Debug("reusing existing SSH connection", slog.String("target", key))
			return conn.client
		}
		p.logger.Debug("removing unhealthy SSH connection", slog.String("target", key))
		conn.client.Close()
		delete(p.connections, key)
	}

	client := p.newClient(addr, cfg)
	p.connections[key] = &Connection{
		client:   client,
		lastUsed: time.Now(),
		key:      key,
	}

	p.logger.Debug("created new SSH connection", slog.String("target", key))
	return client
}

// Execute runs command once on the target. There are no retries here: a
// failed node is retried by the next sync run. Connections that failed at
// the transport level are dropped from the pool.
func (p *Pool) Execute(ctx context.Context, t Target, command string, stdin io.Reader) (string, error) {
	client := p.GetConnection(t)

	var (
		out string
		err error
	)
	if stdin != nil {
		out, err = client.RunWithInput(ctx, command, stdin)
	} else {
		out, err = client.RunCommand(ctx, command)
	}

	if err != nil && (errors.Is(err, apperrors.ErrNodeUnreachable) || ctx.Err() != nil) {
		key, _, _ := p.resolve(t)
		p.closeKey(key)
	}
	return out, err
}

// CloseConnection closes and removes a connection from the pool
func (p *Pool) CloseConnection(t Target) {
	key, _, _ := p.resolve(t)
	p.closeKey(key)
}

func (p *Pool) closeKey(key string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if conn, exists := p.connections[key]; exists {
		conn.client.Close()
		delete(p.connections, key)
		p.logger.Debug("closed SSH connection", slog.String("target", key))
	}
}

// Close stops the cleanup routine and closes all connections in the pool.
func (p *Pool) Close() {
	p.stopOnce.Do(func() {
		if p.stop != nil {
			close(p.stop)
		}
	})

	p.mutex.Lock()
	defer p.mutex.Unlock()

	for key, conn := range p.connections {
		conn.client.Close()
		p.logger.Debug("closed SSH connection during shutdown", slog.String("target", key))
	}

	p.connections = make(map[string]*Connection)
	p.logger.Info("closed all SSH connections")
}

// CleanupIdleConnections removes idle connections from the pool
func (p *Pool) CleanupIdleConnections() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	now := time.Now()
	var removedCount int

	for key, conn := range p.connections {
		if now.Sub(conn.lastUsed) > p.maxIdle {
			conn.client.Close()
			delete(p.connections, key)
			removedCount++
			p.logger.Debug("removed idle SSH connection",
				slog.String("target", key),
				slog.Duration("idle_time", now.Sub(conn.lastUsed)))
		}
	}

	if removedCount > 0 {
		p.logger.Info("cleaned up idle SSH connections", slog.Int("removed", removedCount))
	}
}

// StartCleanupRoutine starts a background goroutine to clean up idle connections
func (p *Pool) StartCleanupRoutine() {
	go func() {
		ticker := time.NewTicker(p.maxIdle / 2)
		defer ticker.Stop()

		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				p.CleanupIdleConnections()
			}
		}
	}()
}

// GetStats returns statistics about the SSH connection pool
func (p *Pool) GetStats() *PoolStats {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	stats := &PoolStats{
		TotalConnections:  len(p.connections),
		ConnectionsByNode: make(map[string]time.Time),
	}

	now := time.Now()
	for key, conn := range p.connections {
		stats.ConnectionsByNode[key] = conn.lastUsed

		if now.Sub(conn.lastUsed) < time.Minute {
			stats.ActiveConnections++
		} else {
			stats.IdleConnections++
		}
	}

	return stats
}
