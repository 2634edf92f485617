// Package mcp connects to the configured MCP (Model Context Protocol)
// servers and exposes their tools to the tool registry.
package mcp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/codeready-toolchain/chatcore/pkg/config"
	"github.com/codeready-toolchain/chatcore/pkg/version"
)

// Client holds one SDK session per configured MCP server. A single Client
// is shared by all chats for the lifetime of the process.
type Client struct {
	registry *config.MCPServerRegistry

	mu            sync.RWMutex
	sessions      map[string]*mcpsdk.ClientSession // serverID → session
	failedServers map[string]string                // serverID → error message

	// Lock ordering: never acquire mu while holding toolCacheMu.
	toolCache   map[string][]*mcpsdk.Tool
	toolCacheMu sync.RWMutex

	connectMu sync.Map // serverID → *sync.Mutex

	masker ResultMasker

	logger *slog.Logger
}

// ResultMasker redacts a server's tool output. *masking.Service implements it.
type ResultMasker interface {
	MaskToolResult(serverID, content string) string
}

// NewClient creates a client for the servers in registry. Call Initialize
// to connect.
func NewClient(registry *config.MCPServerRegistry) *Client {
	return &Client{
		registry:      registry,
		sessions:      make(map[string]*mcpsdk.ClientSession),
		failedServers: make(map[string]string),
		toolCache:     make(map[string][]*mcpsdk.Tool),
		logger:        slog.With("component", "mcp"),
	}
}

// SetMasker installs m for the results of every tool call. Call before
// registering tools.
func (c *Client) SetMasker(m ResultMasker) {
	c.masker = m
}

func (c *Client) mask(serverID, content string) string {
	if c.masker == nil {
		return content
	}
	return c.masker.MaskToolResult(serverID, content)
}

// Initialize connects to every configured server. Failures are recorded in
// FailedServers and logged; the remaining servers stay usable.
func (c *Client) Initialize(ctx context.Context) {
	for _, serverID := range c.registry.IDs() {
		if err := c.Connect(ctx, serverID); err != nil {
			c.mu.Lock()
			c.failedServers[serverID] = err.Error()
			c.mu.Unlock()
			c.logger.Warn("MCP server failed to connect", "server", serverID, "error", err)
		}
	}
}

// Connect opens a session to serverID. It is a no-op when one is open.
func (c *Client) Connect(ctx context.Context, serverID string) error {
	mu := c.serverLock(serverID)
	mu.Lock()
	defer mu.Unlock()
	return c.connectLocked(ctx, serverID)
}

func (c *Client) serverLock(serverID string) *sync.Mutex {
	muI, _ := c.connectMu.LoadOrStore(serverID, &sync.Mutex{})
	return muI.(*sync.Mutex)
}

// connectLocked requires the server lock.
func (c *Client) connectLocked(ctx context.Context, serverID string) error {
	if c.HasSession(serverID) {
		return nil
	}

	serverCfg, err := c.registry.Get(serverID)
	if err != nil {
		return err
	}
	transport, err := createTransport(serverCfg.Transport)
	if err != nil {
		return fmt.Errorf("failed to create transport for %q: %w", serverID, err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()

	sdkClient := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.GitCommit,
	}, nil)
	session, err := sdkClient.Connect(connectCtx, transport, nil)
	if err != nil {
		if closer, ok := transport.(io.Closer); ok {
			_ = closer.Close()
		}
		return fmt.Errorf("failed to connect to %q: %w", serverID, err)
	}

	c.mu.Lock()
	c.sessions[serverID] = session
	delete(c.failedServers, serverID)
	c.mu.Unlock()

	c.logger.Info("MCP server connected", "server", serverID)
	return nil
}

func (c *Client) session(serverID string) (*mcpsdk.ClientSession, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	session, ok := c.sessions[serverID]
	if !ok {
		return nil, fmt.Errorf("no session for server %q", serverID)
	}
	return session, nil
}

// ListTools returns the tools of serverID, cached after the first call.
func (c *Client) ListTools(ctx context.Context, serverID string) ([]*mcpsdk.Tool, error) {
	c.toolCacheMu.RLock()
	cached, ok := c.toolCache[serverID]
	c.toolCacheMu.RUnlock()
	if ok {
		return cached, nil
	}

	session, err := c.session(serverID)
	if err != nil {
		return nil, err
	}

	opCtx, cancel := context.WithTimeout(ctx, OperationTimeout)
	defer cancel()

	result, err := session.ListTools(opCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("list tools from %q: %w", serverID, err)
	}
	tools := result.Tools
	if tools == nil {
		tools = []*mcpsdk.Tool{}
	}

	c.toolCacheMu.Lock()
	c.toolCache[serverID] = tools
	c.toolCacheMu.Unlock()
	return tools, nil
}

// CallTool runs toolName on serverID. Transport failures are retried once
// after a jittered backoff, reconnecting first when the session is broken.
func (c *Client) CallTool(ctx context.Context, serverID, toolName string, args map[string]any) (*mcpsdk.CallToolResult, error) {
	params := &mcpsdk.CallToolParams{Name: toolName, Arguments: args}

	result, err := c.callOnce(ctx, serverID, params)
	if err == nil {
		return result, nil
	}

	action := ClassifyError(err)
	if action == NoRetry {
		return nil, err
	}
	c.logger.Info("MCP call failed, retrying",
		"server", serverID, "tool", toolName, "action", action, "error", err)

	backoff := RetryBackoffMin + time.Duration(rand.Int64N(int64(RetryBackoffMax-RetryBackoffMin)))
	select {
	case <-time.After(backoff):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if action == RetryNewSession {
		if err := c.Reconnect(ctx, serverID); err != nil {
			return nil, fmt.Errorf("reconnect to %q failed: %w", serverID, err)
		}
	}

	result, err = c.callOnce(ctx, serverID, params)
	if err != nil {
		return nil, fmt.Errorf("retry failed for %s.%s: %w", serverID, toolName, err)
	}
	return result, nil
}

func (c *Client) callOnce(ctx context.Context, serverID string, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error) {
	session, err := c.session(serverID)
	if err != nil {
		return nil, err
	}
	opCtx, cancel := context.WithTimeout(ctx, OperationTimeout)
	defer cancel()
	return session.CallTool(opCtx, params)
}

// Reconnect closes the session for serverID and opens a new one.
func (c *Client) Reconnect(ctx context.Context, serverID string) error {
	mu := c.serverLock(serverID)
	mu.Lock()
	defer mu.Unlock()

	c.mu.Lock()
	if session, ok := c.sessions[serverID]; ok {
		_ = session.Close()
		delete(c.sessions, serverID)
	}
	c.mu.Unlock()
	c.InvalidateToolCache(serverID)

	reconnectCtx, cancel := context.WithTimeout(ctx, ReconnectTimeout)
	defer cancel()
	return c.connectLocked(reconnectCtx, serverID)
}

// Ping checks that the session for serverID responds.
func (c *Client) Ping(ctx context.Context, serverID string) error {
	session, err := c.session(serverID)
	if err != nil {
		return err
	}
	return session.Ping(ctx, nil)
}

// InvalidateToolCache drops the cached tool list for serverID.
func (c *Client) InvalidateToolCache(serverID string) {
	c.toolCacheMu.Lock()
	delete(c.toolCache, serverID)
	c.toolCacheMu.Unlock()
}

// HasSession reports whether serverID has an open session.
func (c *Client) HasSession(serverID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.sessions[serverID]
	return ok
}

// ServerIDs returns the ids of servers with an open session.
func (c *Client) ServerIDs() []string {
	ids := c.registry.IDs()
	out := ids[:0]
	for _, id := range ids {
		if c.HasSession(id) {
			out = append(out, id)
		}
	}
	return out
}

// FailedServers returns the servers that failed to connect with their errors.
func (c *Client) FailedServers() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.failedServers))
	for k, v := range c.failedServers {
		out[k] = v
	}
	return out
}

// Close closes all sessions.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for id, session := range c.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close session %q: %w", id, err)
		}
	}
	c.sessions = make(map[string]*mcpsdk.ClientSession)

	c.toolCacheMu.Lock()
	c.toolCache = make(map[string][]*mcpsdk.Tool)
	c.toolCacheMu.Unlock()
	return firstErr
}
