package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/codeready-toolchain/chatcore/pkg/config"
	"github.com/codeready-toolchain/chatcore/pkg/llm"
	"github.com/codeready-toolchain/chatcore/pkg/tools"
)

// MaxResultBytes caps the tool output handed to the model and stored in
// the chat.
const MaxResultBytes = 64 * 1024

var toolNameRegex = regexp.MustCompile(`^([\w][\w-]*)\.([\w][\w-]*)$`)

// ToolName returns the registry name of an MCP tool.
func ToolName(serverID, toolName string) string {
	return serverID + "." + toolName
}

// SplitToolName splits "server.tool" into its parts.
func SplitToolName(name string) (serverID, toolName string, err error) {
	m := toolNameRegex.FindStringSubmatch(name)
	if m == nil {
		return "", "", fmt.Errorf("invalid tool name %q: must be in 'server.tool' format", name)
	}
	return m[1], m[2], nil
}

// RegisterTools adds every tool of every connected server to r and returns
// the number registered. A server whose tools cannot be listed is skipped.
func RegisterTools(ctx context.Context, c *Client, r *tools.Registry) int {
	n := 0
	for _, serverID := range c.ServerIDs() {
		list, err := c.ListTools(ctx, serverID)
		if err != nil {
			c.logger.Warn("Failed to list MCP tools", "server", serverID, "error", err)
			continue
		}
		for _, t := range list {
			if err := r.Register(newServerTool(c, serverID, t)); err != nil {
				c.logger.Warn("Skipping MCP tool", "server", serverID, "tool", t.Name, "error", err)
				continue
			}
			n++
		}
	}
	return n
}

// Instructions joins the instructions of the servers that have at least
// one enabled tool.
func Instructions(registry *config.MCPServerRegistry, enabled []string) string {
	seen := make(map[string]bool)
	var parts []string
	for _, name := range enabled {
		serverID, _, err := SplitToolName(name)
		if err != nil || seen[serverID] {
			continue
		}
		seen[serverID] = true
		cfg, err := registry.Get(serverID)
		if err != nil || strings.TrimSpace(cfg.Instructions) == "" {
			continue
		}
		parts = append(parts, strings.TrimSpace(cfg.Instructions))
	}
	return strings.Join(parts, "\n\n")
}

type serverTool struct {
	client   *Client
	serverID string
	name     string
	def      llm.ToolDefinition
}

func newServerTool(c *Client, serverID string, t *mcpsdk.Tool) *serverTool {
	return &serverTool{
		client:   c,
		serverID: serverID,
		name:     t.Name,
		def: llm.ToolDefinition{
			Name:        ToolName(serverID, t.Name),
			Description: t.Description,
			Parameters:  schemaMap(t.InputSchema),
		},
	}
}

func (t *serverTool) Definition() llm.ToolDefinition { return t.def }

func (t *serverTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	result, err := t.client.CallTool(ctx, t.serverID, t.name, args)
	if err != nil {
		return "", fmt.Errorf("MCP tool execution failed: %w", err)
	}
	content := truncate(t.client.mask(t.serverID, textContent(result)), MaxResultBytes)
	if result.IsError {
		if content == "" {
			content = "tool reported an error"
		}
		return "", errors.New(content)
	}
	return content, nil
}

// textContent joins the text parts of result. Other content kinds are skipped.
func textContent(result *mcpsdk.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		} else {
			slog.Debug("Skipping non-text MCP content", "content_type", fmt.Sprintf("%T", c))
		}
	}
	return strings.Join(parts, "\n")
}

// truncate cuts content to maxBytes at the last line boundary before the
// limit and appends a marker.
func truncate(content string, maxBytes int) string {
	if maxBytes <= 0 || len(content) <= maxBytes {
		return content
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	out := content[:cut]
	if idx := strings.LastIndex(out, "\n"); idx > 0 {
		out = out[:idx]
	}
	return out + fmt.Sprintf("\n\n[TRUNCATED: original size %dKB, limit %dKB]", len(content)/1024, maxBytes/1024)
}

func schemaMap(schema any) map[string]any {
	if schema == nil {
		return nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}
