package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/chatcore/pkg/models"
	"github.com/codeready-toolchain/chatcore/pkg/services"
)

// getHistoryHandler handles GET /api/v1/history.
func (s *Server) getHistoryHandler(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()

	h, err := s.chats.GetHistory(ctx, currentUser(c))
	if err != nil {
		abort(c, mapServiceError(err))
		return
	}
	c.JSON(http.StatusOK, HistoryResponse{
		Version: h.Version,
		Chats:   summarizeAll(h.Chats),
		Groups:  nonNilGroups(h.Groups),
	})
}

// listChatsHandler handles GET /api/v1/chats.
// Optional query parameter: ?group=<group_id>
func (s *Server) listChatsHandler(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()

	chats, err := s.chats.ListChats(ctx, currentUser(c), c.Query("group"))
	if err != nil {
		abort(c, mapServiceError(err))
		return
	}
	c.JSON(http.StatusOK, ChatListResponse{Chats: summarizeAll(chats)})
}

// createChatHandler handles POST /api/v1/chats.
func (s *Server) createChatHandler(c *gin.Context) {
	var req CreateChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, newHTTPError(http.StatusBadRequest, err.Error()))
		return
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	chat, err := s.chats.CreateChat(ctx, currentUser(c), services.CreateChatRequest{
		Title:        req.Title,
		SystemPrompt: req.SystemPrompt,
		GroupID:      req.GroupID,
		Provider:     req.Provider,
		Model:        req.Model,
	})
	if err != nil {
		abort(c, mapServiceError(err))
		return
	}
	c.JSON(http.StatusCreated, toChatResponse(chat))
}

// getChatHandler handles GET /api/v1/chats/:id.
func (s *Server) getChatHandler(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()

	chat, err := s.chats.GetChat(ctx, currentUser(c), c.Param("id"))
	if err != nil {
		abort(c, mapServiceError(err))
		return
	}
	c.JSON(http.StatusOK, toChatResponse(chat))
}

// updateChatHandler handles PATCH /api/v1/chats/:id.
func (s *Server) updateChatHandler(c *gin.Context) {
	var req UpdateChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, newHTTPError(http.StatusBadRequest, err.Error()))
		return
	}
	if req.Title == nil && req.SystemPrompt == nil && req.GroupID == nil {
		abort(c, newHTTPError(http.StatusBadRequest, "nothing to update"))
		return
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	user, chatID := currentUser(c), c.Param("id")
	var (
		chat *models.Chat
		err  error
	)
	if req.Title != nil {
		if chat, err = s.chats.RenameChat(ctx, user, chatID, *req.Title); err != nil {
			abort(c, mapServiceError(err))
			return
		}
	}
	if req.SystemPrompt != nil {
		if chat, err = s.chats.UpdateSystemPrompt(ctx, user, chatID, *req.SystemPrompt); err != nil {
			abort(c, mapServiceError(err))
			return
		}
	}
	if req.GroupID != nil {
		if chat, err = s.chats.MoveChatToGroup(ctx, user, chatID, *req.GroupID); err != nil {
			abort(c, mapServiceError(err))
			return
		}
	}
	c.JSON(http.StatusOK, toChatResponse(chat))
}

// deleteChatHandler handles DELETE /api/v1/chats/:id.
// A running exchange for the chat is cancelled first.
func (s *Server) deleteChatHandler(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()

	user, chatID := currentUser(c), c.Param("id")
	if _, err := s.conversations.CancelStreamingRequest(ctx, user, chatID); err != nil {
		abort(c, mapServiceError(err))
		return
	}
	if err := s.chats.DeleteChat(ctx, user, chatID); err != nil {
		abort(c, mapServiceError(err))
		return
	}
	c.Status(http.StatusNoContent)
}

// generateTitleHandler handles POST /api/v1/chats/:id/title.
func (s *Server) generateTitleHandler(c *gin.Context) {
	if s.titles == nil {
		abort(c, newHTTPError(http.StatusServiceUnavailable, "title generation is not available"))
		return
	}
	var req GenerateTitleRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, newHTTPError(http.StatusBadRequest, err.Error()))
			return
		}
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	chatID := c.Param("id")
	generated, err := s.titles.Generate(ctx, currentUser(c), chatID, req.Provider)
	if err != nil {
		abort(c, mapServiceError(err))
		return
	}
	c.JSON(http.StatusOK, TitleResponse{ChatID: chatID, Title: generated})
}

// listGroupsHandler handles GET /api/v1/groups.
func (s *Server) listGroupsHandler(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()

	groups, err := s.chats.ListGroups(ctx, currentUser(c))
	if err != nil {
		abort(c, mapServiceError(err))
		return
	}
	c.JSON(http.StatusOK, GroupListResponse{Groups: nonNilGroups(groups)})
}

// createGroupHandler handles POST /api/v1/groups.
func (s *Server) createGroupHandler(c *gin.Context) {
	var req CreateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, newHTTPError(http.StatusBadRequest, err.Error()))
		return
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	group, err := s.chats.CreateGroup(ctx, currentUser(c), services.CreateGroupRequest{
		Name:         req.Name,
		IsProject:    req.IsProject,
		SystemPrompt: req.SystemPrompt,
		Attachments:  toAttachments(req.Attachments),
	})
	if err != nil {
		abort(c, mapServiceError(err))
		return
	}
	c.JSON(http.StatusCreated, group)
}

// deleteGroupHandler handles DELETE /api/v1/groups/:id.
// Chats in the group are kept and become ungrouped.
func (s *Server) deleteGroupHandler(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()

	if err := s.chats.RemoveGroup(ctx, currentUser(c), c.Param("id")); err != nil {
		abort(c, mapServiceError(err))
		return
	}
	c.Status(http.StatusNoContent)
}
