package api

import (
	"cmp"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/chatcore/pkg/services"
)

// sendMessageHandler handles POST /api/v1/chats/:id/messages.
// Appends the user message and starts streaming the answer.
func (s *Server) sendMessageHandler(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, newHTTPError(http.StatusBadRequest, err.Error()))
		return
	}
	if len(req.Text) > maxMessageLength {
		abort(c, newHTTPError(http.StatusBadRequest, "text exceeds maximum length of 100,000 characters"))
		return
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	result, err := s.conversations.SendMessage(ctx, currentUser(c), services.SendMessageRequest{
		ChatID:      c.Param("id"),
		Text:        req.Text,
		Attachments: toAttachments(req.Attachments),
		SendOptions: req.toOptions(),
	})
	if err != nil {
		abort(c, mapServiceError(err))
		return
	}
	respondSend(c, result)
}

// finishEditingHandler handles PUT /api/v1/chats/:id/messages/:message_id.
// Saves the edited text in place without branching or streaming.
func (s *Server) finishEditingHandler(c *gin.Context) {
	var req EditMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, newHTTPError(http.StatusBadRequest, err.Error()))
		return
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	chat, err := s.conversations.FinishEditingMessage(ctx, currentUser(c), editRequest(c, req))
	if err != nil {
		abort(c, mapServiceError(err))
		return
	}
	c.JSON(http.StatusOK, toChatResponse(chat))
}

// editAndResendHandler handles POST /api/v1/chats/:id/messages/:message_id/edit.
// The edited message becomes a new variant and its answer is streamed.
func (s *Server) editAndResendHandler(c *gin.Context) {
	var req EditMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, newHTTPError(http.StatusBadRequest, err.Error()))
		return
	}
	if len(req.Text) > maxMessageLength {
		abort(c, newHTTPError(http.StatusBadRequest, "text exceeds maximum length of 100,000 characters"))
		return
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	result, err := s.conversations.EditAndResend(ctx, currentUser(c), editRequest(c, req))
	if err != nil {
		abort(c, mapServiceError(err))
		return
	}
	respondSend(c, result)
}

// resendHandler handles POST /api/v1/chats/:id/messages/:message_id/resend.
func (s *Server) resendHandler(c *gin.Context) {
	var req ResendRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, newHTTPError(http.StatusBadRequest, err.Error()))
			return
		}
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	result, err := s.conversations.ResendFromMessage(ctx, currentUser(c), services.ResendRequest{
		ChatID:      c.Param("id"),
		MessageID:   c.Param("message_id"),
		SendOptions: req.toOptions(),
	})
	if err != nil {
		abort(c, mapServiceError(err))
		return
	}
	respondSend(c, result)
}

// deleteMessageHandler handles DELETE /api/v1/chats/:id/messages/:message_id.
//
// Optional query parameter: ?following=true
// - When set: deletes the message and everything after it on the active path.
// - Otherwise: deletes only the message, reconnecting what followed it.
func (s *Server) deleteMessageHandler(c *gin.Context) {
	following, err := strconv.ParseBool(cmp.Or(strings.TrimSpace(c.Query("following")), "false"))
	if err != nil {
		abort(c, newHTTPError(http.StatusBadRequest, "following must be a boolean"))
		return
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	chat, err := s.conversations.DeleteMessages(ctx, currentUser(c), c.Param("id"), c.Param("message_id"), following)
	if err != nil {
		abort(c, mapServiceError(err))
		return
	}
	c.JSON(http.StatusOK, toChatResponse(chat))
}

// branchInfoHandler handles GET /api/v1/chats/:id/nodes/:node_id.
func (s *Server) branchInfoHandler(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()

	info, err := s.chats.BranchInfo(ctx, currentUser(c), c.Param("id"), c.Param("node_id"))
	if err != nil {
		abort(c, mapServiceError(err))
		return
	}
	c.JSON(http.StatusOK, BranchResponse{Info: info})
}

// navigateHandler handles POST /api/v1/chats/:id/nodes/:node_id/navigate.
func (s *Server) navigateHandler(c *gin.Context) {
	var req NavigateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, newHTTPError(http.StatusBadRequest, err.Error()))
		return
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	chat, info, err := s.conversations.NavigateVariant(ctx, currentUser(c), c.Param("id"), c.Param("node_id"), req.delta())
	if err != nil {
		abort(c, mapServiceError(err))
		return
	}
	c.JSON(http.StatusOK, BranchResponse{Info: info, Chat: toChatResponse(chat)})
}

func editRequest(c *gin.Context, req EditMessageRequest) services.EditRequest {
	return services.EditRequest{
		ChatID:      c.Param("id"),
		MessageID:   c.Param("message_id"),
		Text:        req.Text,
		Attachments: toAttachments(req.Attachments),
		SendOptions: req.toOptions(),
	}
}

// respondSend answers 202 when an exchange started and 200 when the
// failure was recorded in the transcript instead.
func respondSend(c *gin.Context, result *services.SendResult) {
	code := http.StatusAccepted
	if result.RequestID == "" {
		code = http.StatusOK
	}
	c.JSON(code, SendResponse{
		Chat:      toChatResponse(result.Chat),
		MessageID: result.MessageID,
		RequestID: result.RequestID,
	})
}
