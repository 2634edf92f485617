package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// chatStatusHandler handles GET /api/v1/chats/:id/status.
// Live updates of the same status are pushed on the chat's WebSocket channel.
func (s *Server) chatStatusHandler(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()

	chatID := c.Param("id")
	status, active, err := s.conversations.Status(ctx, currentUser(c), chatID)
	if err != nil {
		abort(c, mapServiceError(err))
		return
	}
	c.JSON(http.StatusOK, StatusResponse{ChatID: chatID, Active: active, Status: status})
}

// cancelHandler handles POST /api/v1/chats/:id/cancel.
// The running exchange is abandoned and nothing of it is saved.
func (s *Server) cancelHandler(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()

	chatID := c.Param("id")
	stopped, err := s.conversations.CancelStreamingRequest(ctx, currentUser(c), chatID)
	if err != nil {
		abort(c, mapServiceError(err))
		return
	}
	if stopped {
		loggerFor(c).Info("Streaming request cancelled", "chat_id", chatID)
	}
	c.JSON(http.StatusOK, StreamControlResponse{ChatID: chatID, Stopped: stopped})
}

// stopHandler handles POST /api/v1/chats/:id/stop.
// The text received so far is saved as the answer.
func (s *Server) stopHandler(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()

	chatID := c.Param("id")
	stopped, err := s.conversations.StopStreamingAndSave(ctx, currentUser(c), chatID)
	if err != nil {
		abort(c, mapServiceError(err))
		return
	}
	if stopped {
		loggerFor(c).Info("Streaming request stopped", "chat_id", chatID)
	}
	c.JSON(http.StatusOK, StreamControlResponse{ChatID: chatID, Stopped: stopped})
}
