// Package conn manages connections to configured tool servers: one live
// client per server name, established on demand with retry and backoff,
// cached until the process exits or the cache is flushed.
package conn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mknsk/mcp-orchestrator/internal/config"
	"github.com/mknsk/mcp-orchestrator/internal/mcp"
)

// Sentinel errors, checked by callers with errors.Is.
var (
	// ErrNotConfigured means the requested server name has no config entry.
	ErrNotConfigured = errors.New("tool server not configured")

	// ErrDisabled means the server is configured but disabled.
	ErrDisabled = errors.New("tool server disabled")

	// ErrConnectTimeout means the transport did not come up within the
	// connect deadline for its kind.
	ErrConnectTimeout = errors.New("connect timeout")

	// ErrConnect means connection establishment failed after all retries.
	ErrConnect = errors.New("connection failed")
)

// Connect deadlines per transport kind. Spawned servers have to fork and
// boot an interpreter; remote streaming endpoints can additionally sit
// behind slow proxies, hence the longer allowance.
const (
	StdioConnectTimeout = 30 * time.Second
	HTTPConnectTimeout  = 45 * time.Second
)

// DefaultMaxRetries is the connect retry budget per Get call.
const DefaultMaxRetries = 3

const (
	backoffBase = 2000 * time.Millisecond
	backoffCap  = 15000 * time.Millisecond
)

// Backoff returns the delay before retry number attempt (zero-based):
// 2000*2^attempt milliseconds, capped at 15 seconds.
func Backoff(attempt int) time.Duration {
	d := backoffBase << attempt
	if d > backoffCap || d <= 0 {
		return backoffCap
	}
	return d
}

// Manager owns at most one live client per configured server name.
// All state is dependency-passed; there are no package-level caches.
type Manager struct {
	servers    map[string]config.ServerConfig
	logger     *slog.Logger
	maxRetries int

	mu    sync.RWMutex
	conns map[string]*mcp.Client

	// group deduplicates concurrent first connects to the same server:
	// the first caller dials, the rest wait for the same result.
	group singleflight.Group

	// dial and sleep are swappable for tests.
	dial  func(ctx context.Context, name string, sc config.ServerConfig) (*mcp.Client, error)
	sleep func(ctx context.Context, d time.Duration) error
}

// NewManager creates a connection manager over the configured servers.
func NewManager(servers map[string]config.ServerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		servers:    servers,
		logger:     logger,
		maxRetries: DefaultMaxRetries,
		conns:      make(map[string]*mcp.Client),
	}
	m.dial = m.connect
	m.sleep = sleepCtx
	return m
}

// Get returns a live client for the named server, connecting on first
// use. It is idempotent: a cached client is returned as-is.
func (m *Manager) Get(ctx context.Context, name string) (*mcp.Client, error) {
	return m.GetWithRetries(ctx, name, m.maxRetries)
}

// GetWithRetries is Get with an explicit retry budget. Discovery uses a
// smaller budget than dispatch so one slow server cannot stall startup.
func (m *Manager) GetWithRetries(ctx context.Context, name string, retries int) (*mcp.Client, error) {
	m.mu.RLock()
	client, ok := m.conns[name]
	m.mu.RUnlock()
	if ok {
		return client, nil
	}

	v, err, _ := m.group.Do(name, func() (any, error) {
		// Re-check under the flight: another caller may have populated
		// the cache between our miss and this closure running.
		m.mu.RLock()
		client, ok := m.conns[name]
		m.mu.RUnlock()
		if ok {
			return client, nil
		}

		sc, configured := m.servers[name]
		if !configured {
			return nil, fmt.Errorf("%w: %q", ErrNotConfigured, name)
		}
		if sc.Disabled {
			return nil, fmt.Errorf("%w: %q", ErrDisabled, name)
		}

		var lastErr error
		for attempt := 0; attempt <= retries; attempt++ {
			if attempt > 0 {
				delay := Backoff(attempt - 1)
				m.logger.Info("retrying tool server connection",
					"server", name,
					"attempt", attempt+1,
					"max_attempts", retries+1,
					"delay", delay,
				)
				if err := m.sleep(ctx, delay); err != nil {
					return nil, err
				}
			}

			client, err := m.dial(ctx, name, sc)
			if err == nil {
				m.mu.Lock()
				m.conns[name] = client
				m.mu.Unlock()
				return client, nil
			}

			lastErr = err
			m.logger.Error("tool server connection failed",
				"server", name,
				"attempt", attempt+1,
				"error", err,
			)
		}

		return nil, fmt.Errorf("%w: %q after %d attempts: %v", ErrConnect, name, retries+1, lastErr)
	})
	if err != nil {
		return nil, err
	}
	return v.(*mcp.Client), nil
}

// connect builds the transport for one server config, performs the MCP
// handshake under the transport-specific deadline, and returns the
// initialized client. A timed-out half-open transport is closed before
// the error is returned.
func (m *Manager) connect(ctx context.Context, name string, sc config.ServerConfig) (*mcp.Client, error) {
	var (
		transport mcp.Transport
		timeout   time.Duration
	)

	if sc.UseStdio() {
		command := sc.Command
		if command == "" {
			return nil, fmt.Errorf("%w: %q has neither command nor url", ErrNotConfigured, name)
		}
		transport = mcp.NewStdioTransport(mcp.StdioConfig{
			Command: command,
			Args:    sc.Args,
			Env:     sc.Env,
			Logger:  m.logger,
		})
		timeout = StdioConnectTimeout
	} else {
		t, err := mcp.NewHTTPTransport(mcp.HTTPConfig{
			URL:        sc.URL,
			ServerName: name,
			Logger:     m.logger,
		})
		if err != nil {
			return nil, err
		}
		transport = t
		timeout = HTTPConnectTimeout
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := mcp.NewClient(name, transport, m.logger)
	if err := client.Initialize(cctx); err != nil {
		_ = transport.Close()
		if cctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: %q after %s", ErrConnectTimeout, name, timeout)
		}
		return nil, err
	}

	m.logger.Info("tool server connected", "server", name)
	return client, nil
}

// CallTool invokes a tool on the named server, connecting if needed.
func (m *Manager) CallTool(ctx context.Context, server, tool string, args map[string]any) (string, error) {
	client, err := m.Get(ctx, server)
	if err != nil {
		return "", err
	}
	return client.CallTool(ctx, tool, args)
}

// Cached reports whether a live client exists for the named server.
func (m *Manager) Cached(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.conns[name]
	return ok
}

// CloseAll closes and evicts every cached connection. Individual close
// errors are logged, never propagated — teardown must not fail.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*mcp.Client)
	m.mu.Unlock()

	for name, client := range conns {
		if err := client.Close(); err != nil {
			m.logger.Error("error closing tool server connection",
				"server", name,
				"error", err,
			)
			continue
		}
		m.logger.Info("closed tool server connection", "server", name)
	}
}

// ServerNames returns the names of all enabled configured servers.
func (m *Manager) ServerNames() []string {
	names := make([]string, 0, len(m.servers))
	for name, sc := range m.servers {
		if sc.Disabled {
			continue
		}
		names = append(names, name)
	}
	return names
}

// sleepCtx waits for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
