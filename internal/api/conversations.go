package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/wuwenbin0122/workforce/internal/auth"
	"github.com/wuwenbin0122/workforce/internal/chat"
	"github.com/wuwenbin0122/workforce/internal/persistence"
)

type startConversationRequest struct {
	AgentID string `json:"agent_id"`
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

func (h *Handler) session(c *gin.Context) (*chat.Session, bool) {
	session, err := h.sessions.Get(auth.UserID(c))
	if err != nil {
		writeError(c, http.StatusServiceUnavailable, "session unavailable", err)
		return nil, false
	}
	return session, true
}

func (h *Handler) handleListAgents(c *gin.Context) {
	agents, total, err := h.store.ListAgents(c.Request.Context(), persistence.AgentQuery{
		Search: c.Query("search"),
		Offset: queryInt(c, "offset", 0),
		Limit:  queryInt(c, "limit", 20),
	})
	if err != nil {
		writeError(c, http.StatusInternalServerError, "failed to list agents", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents, "total": total})
}

func (h *Handler) handleGetAgent(c *gin.Context) {
	agent, err := h.store.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, statusFromError(err), "failed to load agent", err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (h *Handler) handleStartConversation(c *gin.Context) {
	var req startConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid payload", err)
		return
	}
	if strings.TrimSpace(req.AgentID) == "" {
		writeError(c, http.StatusBadRequest, "agent_id is required", persistence.ErrInvalid)
		return
	}

	session, ok := h.session(c)
	if !ok {
		return
	}
	conv, err := session.Start(c.Request.Context(), req.AgentID)
	if err != nil {
		writeError(c, statusFromError(err), "failed to start conversation", err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *Handler) handleListMessages(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}

	query := persistence.MessageQuery{
		Descending: strings.EqualFold(c.Query("order"), "desc"),
		Offset:     queryInt(c, "offset", 0),
		Limit:      queryInt(c, "limit", 50),
	}
	messages, err := session.History(c.Request.Context(), c.Param("id"), query)
	if err != nil {
		writeError(c, statusFromError(err), "failed to load messages", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (h *Handler) handleSendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid payload", err)
		return
	}

	session, ok := h.session(c)
	if !ok {
		return
	}

	result, err := session.Submit(c.Request.Context(), c.Param("id"), req.Content)
	if err != nil {
		status := statusFromError(err)
		if result != nil && result.UserMessage != nil {
			// The user message is durable; only the follow-up failed.
			body := errorBody("follow-up failed", err)
			body["result"] = result
			h.logger.Warnf("conversation %s follow-up failed: %v", c.Param("id"), err)
			c.JSON(status, body)
			return
		}
		writeError(c, status, "failed to send message", err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (h *Handler) handleToolStatus(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	router := session.Router()
	c.JSON(http.StatusOK, gin.H{
		"generating": router.IsGenerating(),
		"progress":   router.CurrentProgress(),
		"history":    router.History(),
	})
}

func (h *Handler) handleUsage(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, session.Usage())
}

func queryInt(c *gin.Context, key string, fallback int) int {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}
