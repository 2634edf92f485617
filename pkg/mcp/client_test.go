package mcp

import (
	"context"
	"encoding/json"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/chatcore/pkg/config"
)

var emptySchema = json.RawMessage(`{"type":"object"}`)

func textResult(text string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}}}
}

// newTestRegistry configures serverIDs with a stdio command that cannot start.
func newTestRegistry(serverIDs ...string) *config.MCPServerRegistry {
	servers := make(map[string]*config.MCPServerConfig, len(serverIDs))
	for _, id := range serverIDs {
		servers[id] = &config.MCPServerConfig{
			Transport: config.TransportConfig{
				Type:    config.TransportTypeStdio,
				Command: "/nonexistent/chatcore-test-mcp-server",
			},
		}
	}
	return config.NewMCPServerRegistry(servers)
}

// startTestServer runs an in-memory MCP server with the given tools and
// injects a session to it into client under serverID.
func startTestServer(t *testing.T, client *Client, serverID string, handlers map[string]mcpsdk.ToolHandler) {
	t.Helper()
	ctx := context.Background()

	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: serverID, Version: "test"}, nil)
	for name, h := range handlers {
		server.AddTool(&mcpsdk.Tool{
			Name:        name,
			Description: "test tool: " + name,
			InputSchema: emptySchema,
		}, h)
	}

	clientTransport, serverTransport := mcpsdk.NewInMemoryTransports()
	go func() { _ = server.Run(ctx, serverTransport) }()

	sdkClient := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "chatcore-test", Version: "test"}, nil)
	session, err := sdkClient.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	client.InjectSession(serverID, session)
}

func newTestClient(t *testing.T, serverIDs ...string) *Client {
	t.Helper()
	c := NewClient(newTestRegistry(serverIDs...))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClient_ListTools(t *testing.T) {
	c := newTestClient(t, "files")
	startTestServer(t, c, "files", map[string]mcpsdk.ToolHandler{
		"read": func(context.Context, *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return textResult("ok"), nil
		},
		"write": func(context.Context, *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return textResult("ok"), nil
		},
	})
	ctx := context.Background()

	tools, err := c.ListTools(ctx, "files")
	require.NoError(t, err)
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"read", "write"}, names)

	again, err := c.ListTools(ctx, "files")
	require.NoError(t, err)
	assert.Equal(t, tools, again)
}

func TestClient_CallTool(t *testing.T) {
	c := newTestClient(t, "files")
	startTestServer(t, c, "files", map[string]mcpsdk.ToolHandler{
		"read": func(_ context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			var args map[string]any
			_ = json.Unmarshal(req.Params.Arguments, &args)
			return textResult("contents of " + args["path"].(string)), nil
		},
		"fail": func(context.Context, *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			res := textResult("permission denied")
			res.IsError = true
			return res, nil
		},
	})
	ctx := context.Background()

	res, err := c.CallTool(ctx, "files", "read", map[string]any{"path": "/etc/hosts"})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "contents of /etc/hosts", textContent(res))

	res, err = c.CallTool(ctx, "files", "fail", nil)
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestClient_NoSession(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.ListTools(ctx, "missing")
	assert.ErrorContains(t, err, "no session")

	_, err = c.CallTool(ctx, "missing", "tool", nil)
	assert.ErrorContains(t, err, "no session")

	assert.ErrorContains(t, c.Ping(ctx, "missing"), "no session")
}

func TestClient_InitializeRecordsFailures(t *testing.T) {
	c := newTestClient(t, "broken")

	c.Initialize(context.Background())

	assert.False(t, c.HasSession("broken"))
	assert.Contains(t, c.FailedServers(), "broken")
	assert.Empty(t, c.ServerIDs())
}

func TestClient_Close(t *testing.T) {
	c := newTestClient(t, "files")
	startTestServer(t, c, "files", map[string]mcpsdk.ToolHandler{
		"read": func(context.Context, *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return textResult("ok"), nil
		},
	})
	assert.Equal(t, []string{"files"}, c.ServerIDs())
	require.NoError(t, c.Ping(context.Background(), "files"))

	require.NoError(t, c.Close())
	assert.False(t, c.HasSession("files"))
}
