package mcp

import (
	"context"
	"sync"
	"time"
)

// HealthStatus is the last probe result for one MCP server.
type HealthStatus struct {
	ServerID  string    `json:"server_id"`
	Healthy   bool      `json:"healthy"`
	LastCheck time.Time `json:"last_check"`
	Error     string    `json:"error,omitempty"`
}

// HealthMonitor pings every configured server periodically and reconnects
// servers that stop responding.
type HealthMonitor struct {
	client   *Client
	interval time.Duration
	timeout  time.Duration

	mu       sync.RWMutex
	statuses map[string]*HealthStatus

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealthMonitor creates a monitor for client.
func NewHealthMonitor(client *Client) *HealthMonitor {
	return &HealthMonitor{
		client:   client,
		interval: HealthInterval,
		timeout:  HealthPingTimeout,
		statuses: make(map[string]*HealthStatus),
	}
}

// Start runs the first check immediately and then every interval.
func (m *HealthMonitor) Start(ctx context.Context) {
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.loop(ctx)
}

// Stop ends the check loop and waits for it to exit.
func (m *HealthMonitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
	m.done = nil
}

func (m *HealthMonitor) loop(ctx context.Context) {
	defer close(m.done)

	m.CheckAll(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckAll(ctx)
		}
	}
}

// CheckAll probes every configured server once.
func (m *HealthMonitor) CheckAll(ctx context.Context) {
	for _, serverID := range m.client.registry.IDs() {
		m.check(ctx, serverID)
	}
}

func (m *HealthMonitor) check(ctx context.Context, serverID string) {
	err := m.ping(ctx, serverID)
	if err != nil {
		m.client.logger.Debug("Health check failed, reconnecting", "server", serverID, "error", err)
		reconnectCtx, cancel := context.WithTimeout(ctx, m.timeout)
		err = m.client.Reconnect(reconnectCtx, serverID)
		cancel()
		if err == nil {
			err = m.ping(ctx, serverID)
		}
	}

	status := &HealthStatus{ServerID: serverID, Healthy: err == nil, LastCheck: time.Now()}
	if err != nil {
		status.Error = err.Error()
		m.client.logger.Warn("MCP server unhealthy", "server", serverID, "error", err)
	}
	m.mu.Lock()
	m.statuses[serverID] = status
	m.mu.Unlock()
}

func (m *HealthMonitor) ping(ctx context.Context, serverID string) error {
	pingCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return m.client.Ping(pingCtx, serverID)
}

// Statuses returns a copy of the latest status per server.
func (m *HealthMonitor) Statuses() map[string]*HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*HealthStatus, len(m.statuses))
	for k, v := range m.statuses {
		cp := *v
		out[k] = &cp
	}
	return out
}

// IsHealthy reports whether every probed server is healthy. It is true
// when no servers are configured.
func (m *HealthMonitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}
