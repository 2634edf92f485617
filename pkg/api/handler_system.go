package api

import (
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/chatcore/pkg/mcp"
)

// --- Response types ---

// MCPServersResponse is returned by GET /api/v1/system/mcp-servers.
type MCPServersResponse struct {
	Servers []MCPServerStatus `json:"servers"`
}

// MCPServerStatus describes the health and tools of a single MCP server.
type MCPServerStatus struct {
	ID        string     `json:"id"`
	Healthy   bool       `json:"healthy"`
	LastCheck string     `json:"last_check"`
	ToolCount int        `json:"tool_count"`
	Tools     []ToolInfo `json:"tools"`
	Error     *string    `json:"error"`
}

// ToolInfo describes a single tool.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ToolsResponse is returned by GET /api/v1/system/tools.
type ToolsResponse struct {
	Tools          []ToolInfo `json:"tools"`
	DefaultEnabled []string   `json:"default_enabled"`
}

// --- Handlers ---

// mcpServersHandler handles GET /api/v1/system/mcp-servers.
func (s *Server) mcpServersHandler(c *gin.Context) {
	response := MCPServersResponse{
		Servers: []MCPServerStatus{},
	}

	if s.healthMonitor == nil {
		c.JSON(http.StatusOK, response)
		return
	}

	byServer := make(map[string][]ToolInfo)
	for _, t := range s.registeredTools() {
		if serverID, _, err := mcp.SplitToolName(t.Name); err == nil {
			byServer[serverID] = append(byServer[serverID], t)
		}
	}

	for serverID, status := range s.healthMonitor.Statuses() {
		server := MCPServerStatus{
			ID:        serverID,
			Healthy:   status.Healthy,
			LastCheck: status.LastCheck.Format(time.RFC3339),
			Tools:     []ToolInfo{},
		}
		if status.Error != "" {
			server.Error = &status.Error
		}
		if tools, ok := byServer[serverID]; ok {
			server.ToolCount = len(tools)
			server.Tools = tools
		}
		response.Servers = append(response.Servers, server)
	}

	// Sort for deterministic output.
	sort.Slice(response.Servers, func(i, j int) bool {
		return response.Servers[i].ID < response.Servers[j].ID
	})

	c.JSON(http.StatusOK, response)
}

// toolsHandler handles GET /api/v1/system/tools.
// Lists every registered tool and the set enabled when a request names none.
func (s *Server) toolsHandler(c *gin.Context) {
	defaults := []string{}
	if s.cfg.Tools != nil && len(s.cfg.Tools.DefaultEnabled) > 0 {
		defaults = s.cfg.Tools.DefaultEnabled
	}
	c.JSON(http.StatusOK, ToolsResponse{
		Tools:          s.registeredTools(),
		DefaultEnabled: defaults,
	})
}

func (s *Server) registeredTools() []ToolInfo {
	out := []ToolInfo{}
	if s.toolRegistry == nil {
		return out
	}
	for _, def := range s.toolRegistry.Definitions(s.toolRegistry.Names()) {
		out = append(out, ToolInfo{Name: def.Name, Description: def.Description})
	}
	return out
}
