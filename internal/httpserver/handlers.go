package httpserver

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailsync/internal/draft"
	"mailsync/internal/mutate"
	"mailsync/internal/session"
	"mailsync/pkg/logger"
)

// Handler adapts the session core to the UI-facing HTTP surface. Every
// route resolves the caller's session first; all realtime state lives
// there.
type Handler struct {
	registry *session.Registry
	caller   mutate.Caller
	logger   *zap.Logger
}

func NewHandler(registry *session.Registry, caller mutate.Caller, logger *zap.Logger) *Handler {
	return &Handler{
		registry: registry,
		caller:   caller,
		logger:   logger,
	}
}

func (h *Handler) sessionFor(c *gin.Context) (*session.Session, bool) {
	id, ok := identityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return nil, false
	}
	s, err := h.registry.GetOrCreate(c.Request.Context(), id)
	if err != nil {
		logger.WithTrace(c.Request.Context(), h.logger).Error("Failed to resolve session",
			zap.String("session", id.SessionID),
			zap.Error(err),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session unavailable"})
		return nil, false
	}
	return s, true
}

// ChannelStatus handles GET /channel, backing the degraded-connectivity
// banner.
func (h *Handler) ChannelStatus(c *gin.Context) {
	s, ok := h.sessionFor(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"open":       s.Channel.IsOpen(),
		"degraded":   s.Channel.Degraded(),
		"generation": s.Channel.Generation(),
	})
}

// EnsureWatch handles POST /watch/:account
func (h *Handler) EnsureWatch(c *gin.Context) {
	s, ok := h.sessionFor(c)
	if !ok {
		return
	}
	accountID := c.Param("account")

	if err := s.Watches.EnsureWatch(accountID); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"account": accountID,
			"state":   string(s.Watches.State(accountID)),
			"error":   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"account": accountID,
		"state":   string(s.Watches.State(accountID)),
	})
}

// StopWatch handles DELETE /watch/:account
func (h *Handler) StopWatch(c *gin.Context) {
	s, ok := h.sessionFor(c)
	if !ok {
		return
	}
	accountID := c.Param("account")
	_ = s.Watches.StopWatch(accountID)

	c.JSON(http.StatusOK, gin.H{
		"account": accountID,
		"state":   string(s.Watches.State(accountID)),
	})
}

// WatchState handles GET /watch/:account
func (h *Handler) WatchState(c *gin.Context) {
	s, ok := h.sessionFor(c)
	if !ok {
		return
	}
	accountID := c.Param("account")

	c.JSON(http.StatusOK, gin.H{
		"account": accountID,
		"state":   string(s.Watches.State(accountID)),
		"error":   s.Watches.LastError(accountID),
	})
}

// GetCounter handles GET /counters/*folder
func (h *Handler) GetCounter(c *gin.Context) {
	s, ok := h.sessionFor(c)
	if !ok {
		return
	}
	folderID := strings.TrimPrefix(c.Param("folder"), "/")

	c.JSON(http.StatusOK, gin.H{
		"folder": folderID,
		"unread": s.Counters.Get(folderID),
	})
}

// GetCounters handles GET /counters
func (h *Handler) GetCounters(c *gin.Context) {
	s, ok := h.sessionFor(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.Counters.Snapshot())
}

// GetSyncProgress handles GET /sync/:account
func (h *Handler) GetSyncProgress(c *gin.Context) {
	s, ok := h.sessionFor(c)
	if !ok {
		return
	}
	accountID := c.Param("account")
	rec := s.Sync.Progress(accountID)

	resp := gin.H{
		"account": accountID,
		"phase":   string(rec.Phase),
		"message": rec.Message,
	}
	if rec.Progress != nil {
		resp["progress"] = *rec.Progress
	}
	c.JSON(http.StatusOK, resp)
}

type draftRequest struct {
	Key         string   `json:"key" binding:"required"`
	AccountID   string   `json:"account_id"`
	To          []string `json:"to"`
	Cc          []string `json:"cc"`
	Bcc         []string `json:"bcc"`
	Subject     string   `json:"subject"`
	Body        string   `json:"body"`
	Attachments []string `json:"attachments"`
	DraftID     string   `json:"draft_id"`
	Signature   string   `json:"signature"`
}

// AutosaveDraft handles POST /drafts/autosave
func (h *Handler) AutosaveDraft(c *gin.Context) {
	s, ok := h.sessionFor(c)
	if !ok {
		return
	}

	var req draftRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	s.Drafts.Schedule(draft.Buffer{
		Key:         req.Key,
		AccountID:   req.AccountID,
		To:          req.To,
		Cc:          req.Cc,
		Bcc:         req.Bcc,
		Subject:     req.Subject,
		Body:        req.Body,
		Attachments: req.Attachments,
		DraftID:     req.DraftID,
		Signature:   req.Signature,
	})

	c.JSON(http.StatusAccepted, gin.H{
		"key":      req.Key,
		"draft_id": s.Drafts.DraftID(req.Key),
		"status":   "scheduled",
	})
}

// DiscardDraft handles DELETE /drafts/:key
func (h *Handler) DiscardDraft(c *gin.Context) {
	s, ok := h.sessionFor(c)
	if !ok {
		return
	}
	key := c.Param("key")

	if err := s.Drafts.Discard(c.Request.Context(), key); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to discard draft"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "status": "discarded"})
}

type mutationRequest struct {
	Mutations []struct {
		Kind   string `json:"kind" binding:"required"`
		Target string `json:"target" binding:"required"`
		Field  string `json:"field" binding:"required"`
		Value  any    `json:"value"`
		// Folder carries the message's folder so read-state mutations can
		// move the unread counter optimistically.
		Folder string `json:"folder"`
	} `json:"mutations" binding:"required"`
}

// ApplyMutations handles POST /mutations, single or bulk.
func (h *Handler) ApplyMutations(c *gin.Context) {
	s, ok := h.sessionFor(c)
	if !ok {
		return
	}

	var req mutationRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Mutations) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	actions := make([]mutate.Action, 0, len(req.Mutations))
	for _, m := range req.Mutations {
		if m.Kind == mutate.KindMarkRead && m.Folder != "" {
			read, _ := m.Value.(bool)
			actions = append(actions, mutate.ReadAction(
				s.Messages, s.Counters, h.caller, m.Target, m.Folder, read,
			))
			continue
		}
		actions = append(actions, mutate.FieldAction(
			s.Messages, h.caller, m.Kind, m.Target, m.Field, m.Value,
		))
	}

	var err error
	if len(actions) == 1 {
		err = s.Mutator.Apply(c.Request.Context(), actions[0])
	} else {
		err = s.Mutator.ApplyBulk(c.Request.Context(), actions)
	}
	if err != nil {
		// 失败的目标已回滚，错误透传给 UI 做瞬时提示
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "committed", "count": len(actions)})
}

// Logout handles POST /logout, tearing the session down.
func (h *Handler) Logout(c *gin.Context) {
	id, ok := identityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}
	if err := h.registry.Close(id.SessionID); err != nil {
		logger.WithTrace(c.Request.Context(), h.logger).Warn("Session close failed",
			zap.String("session", id.SessionID),
			zap.Error(err),
		)
	}
	c.JSON(http.StatusOK, gin.H{"status": "logged_out"})
}
