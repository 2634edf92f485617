// Package api exposes the chat commands and their observable state over
// HTTP and WebSocket.
package api

import (
	"context"
	stdsql "database/sql"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/chatcore/pkg/config"
	"github.com/codeready-toolchain/chatcore/pkg/events"
	"github.com/codeready-toolchain/chatcore/pkg/logger"
	"github.com/codeready-toolchain/chatcore/pkg/mcp"
	"github.com/codeready-toolchain/chatcore/pkg/services"
	"github.com/codeready-toolchain/chatcore/pkg/title"
	"github.com/codeready-toolchain/chatcore/pkg/tools"
)

// requestTimeout bounds the store work of a single request. Streaming
// continues in the background after the response.
const requestTimeout = 30 * time.Second

// Server is the HTTP API server.
type Server struct {
	cfg           *config.Config
	router        *gin.Engine
	httpServer    *http.Server
	chats         *services.ChatService
	conversations *services.ConversationService
	connManager   *events.ConnectionManager
	limiter       *userLimiter

	db            *stdsql.DB         // nil for the in-memory backend
	titles        *title.Generator   // nil when title generation is disabled
	healthMonitor *mcp.HealthMonitor // nil when no MCP servers are configured
	toolRegistry  *tools.Registry    // nil when no tools are registered
}

// NewServer creates a new API server.
func NewServer(
	cfg *config.Config,
	chats *services.ChatService,
	conversations *services.ConversationService,
	connManager *events.ConnectionManager,
) *Server {
	router := gin.New()
	router.Use(gin.Recovery(), securityHeaders(), requestLogger())

	s := &Server{
		cfg:           cfg,
		router:        router,
		chats:         chats,
		conversations: conversations,
		connManager:   connManager,
		limiter:       newUserLimiter(cfg.RateLimit),
	}
	s.httpServer = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.setupRoutes()
	return s
}

// SetDB sets the database checked by the health endpoint.
func (s *Server) SetDB(db *stdsql.DB) {
	s.db = db
}

// SetTitleGenerator enables the on-demand title endpoint.
func (s *Server) SetTitleGenerator(g *title.Generator) {
	s.titles = g
}

// SetHealthMonitor sets the MCP health monitor for the system endpoints.
func (s *Server) SetHealthMonitor(m *mcp.HealthMonitor) {
	s.healthMonitor = m
}

// SetToolRegistry sets the registry listed by the system endpoints.
func (s *Server) SetToolRegistry(r *tools.Registry) {
	s.toolRegistry = r
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)

	authed := identify(s.cfg.DefaultUser)
	s.router.GET("/ws", authed, s.wsHandler)

	limited := rateLimited(s.limiter)
	v1 := s.router.Group("/api/v1", authed)

	v1.GET("/history", s.getHistoryHandler)

	v1.GET("/chats", s.listChatsHandler)
	v1.POST("/chats", s.createChatHandler)
	v1.GET("/chats/:id", s.getChatHandler)
	v1.PATCH("/chats/:id", s.updateChatHandler)
	v1.DELETE("/chats/:id", s.deleteChatHandler)
	v1.POST("/chats/:id/title", s.generateTitleHandler)

	v1.POST("/chats/:id/messages", limited, s.sendMessageHandler)
	v1.PUT("/chats/:id/messages/:message_id", s.finishEditingHandler)
	v1.DELETE("/chats/:id/messages/:message_id", s.deleteMessageHandler)
	v1.POST("/chats/:id/messages/:message_id/edit", limited, s.editAndResendHandler)
	v1.POST("/chats/:id/messages/:message_id/resend", limited, s.resendHandler)

	v1.GET("/chats/:id/nodes/:node_id", s.branchInfoHandler)
	v1.POST("/chats/:id/nodes/:node_id/navigate", s.navigateHandler)

	v1.GET("/chats/:id/status", s.chatStatusHandler)
	v1.POST("/chats/:id/cancel", s.cancelHandler)
	v1.POST("/chats/:id/stop", s.stopHandler)

	v1.GET("/groups", s.listGroupsHandler)
	v1.POST("/groups", s.createGroupHandler)
	v1.DELETE("/groups/:id", s.deleteGroupHandler)

	v1.GET("/system/mcp-servers", s.mcpServersHandler)
	v1.GET("/system/tools", s.toolsHandler)
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server on the given address.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// requestContext returns the request context bounded by requestTimeout.
func requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), requestTimeout)
}

// loggerFor returns the request's logger.
func loggerFor(c *gin.Context) *slog.Logger {
	return logger.FromContext(c.Request.Context())
}
