// Package plugins loads external MCP servers and registers each of their
// tools as a step type named "<plugin>.<tool>".
package plugins

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/steps"
)

// Plugin states.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusStopped   = "stopped"
)

// Config describes how to launch a plugin subprocess.
type Config struct {
	ID      string   `json:"id"`
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`
}

// Manager owns the MCP clients of loaded plugins.
type Manager struct {
	registry *steps.Registry
	interp   *expressions.Interpolator
	logger   *slog.Logger

	mu      sync.RWMutex
	plugins map[string]*plugin
}

type plugin struct {
	id     string
	client *client.Client
	status string
	steps  []string
}

func NewManager(registry *steps.Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		registry: registry,
		interp:   expressions.NewInterpolator(expressions.NewExprEngine()),
		logger:   logger,
		plugins:  make(map[string]*plugin),
	}
}

// Load starts the plugin subprocess and registers its tools.
func (m *Manager) Load(ctx context.Context, cfg Config) error {
	if cfg.ID == "" || cfg.Command == "" {
		return fmt.Errorf("plugin id and command are required")
	}
	c, err := client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
	if err != nil {
		return fmt.Errorf("start plugin %q: %w", cfg.ID, err)
	}
	if err := m.Attach(ctx, cfg.ID, c); err != nil {
		_ = c.Close()
		return err
	}
	return nil
}

// Attach performs the MCP handshake on a started client and registers one
// step type per discovered tool.
func (m *Manager) Attach(ctx context.Context, id string, c *client.Client) error {
	m.mu.Lock()
	if _, exists := m.plugins[id]; exists {
		m.mu.Unlock()
		return fmt.Errorf("plugin %q already loaded", id)
	}
	p := &plugin{id: id, client: c, status: StatusHealthy}
	m.plugins[id] = p
	m.mu.Unlock()

	if err := m.discover(ctx, p); err != nil {
		m.mu.Lock()
		delete(m.plugins, id)
		m.mu.Unlock()
		return fmt.Errorf("plugin %q: %w", id, err)
	}

	m.logger.Info("plugin loaded", slog.String("id", id), slog.Int("steps", len(p.steps)))
	return nil
}

func (m *Manager) discover(ctx context.Context, p *plugin) error {
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: "stepflow", Version: "1.0.0"}
	if _, err := p.client.Initialize(ctx, req); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	listed, err := p.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return fmt.Errorf("list tools: %w", err)
	}
	for _, tool := range listed.Tools {
		ts := &toolStep{plugin: p, manager: m, tool: tool.Name, description: tool.Description}
		if err := m.registry.Register(ts); err != nil {
			return err
		}
		p.steps = append(p.steps, ts.Type())
	}
	return nil
}

// Ping checks a plugin and updates its status.
func (m *Manager) Ping(ctx context.Context, id string) error {
	p, err := m.get(id)
	if err != nil {
		return err
	}
	pingErr := p.client.Ping(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if p.status == StatusStopped {
		return fmt.Errorf("plugin %q stopped", id)
	}
	if pingErr != nil {
		p.status = StatusUnhealthy
		m.logger.Warn("plugin ping failed", slog.String("id", id), slog.String("error", pingErr.Error()))
		return pingErr
	}
	p.status = StatusHealthy
	return nil
}

// Stop closes the plugin client. Its step types stay registered and fail
// every invocation afterwards.
func (m *Manager) Stop(id string) error {
	p, err := m.get(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if p.status == StatusStopped {
		m.mu.Unlock()
		return nil
	}
	p.status = StatusStopped
	m.mu.Unlock()

	m.logger.Info("plugin stopped", slog.String("id", id))
	return p.client.Close()
}

// StopAll stops every loaded plugin.
func (m *Manager) StopAll() error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.plugins))
	for id := range m.plugins {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var firstErr error
	for _, id := range ids {
		if err := m.Stop(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Status returns the state of every plugin.
func (m *Manager) Status() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.plugins))
	for id, p := range m.plugins {
		out[id] = p.status
	}
	return out
}

// Steps returns the step types a plugin registered, sorted.
func (m *Manager) Steps(id string) ([]string, error) {
	p, err := m.get(id)
	if err != nil {
		return nil, err
	}
	out := append([]string(nil), p.steps...)
	sort.Strings(out)
	return out, nil
}

func (m *Manager) get(id string) (*plugin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plugins[id]
	if !ok {
		return nil, fmt.Errorf("plugin %q not loaded", id)
	}
	return p, nil
}

func (m *Manager) stopped(p *plugin) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return p.status == StatusStopped
}
