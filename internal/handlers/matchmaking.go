package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/interview-signaling/internal/matching"
	"github.com/mossy-p/interview-signaling/internal/middleware"
	"github.com/mossy-p/interview-signaling/internal/models"
	"github.com/mossy-p/interview-signaling/internal/store"
)

// MatchHandler exposes the matching service over HTTP. Every route runs
// behind JWTAuth; the caller's participant id always comes from the token.
type MatchHandler struct {
	Service *matching.Service
	Logger  *slog.Logger
}

// LeaveRequest is the optional body of POST /api/match/leave.
type LeaveRequest struct {
	Reason models.EndReason `json:"reason,omitempty"`
}

// FindPartner enqueues the caller or pairs it immediately.
func (h *MatchHandler) FindPartner(c *gin.Context) {
	var req models.FindPartnerRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	resp, err := h.Service.FindPartner(c.Request.Context(), middleware.Participant(c), req.Tags)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Status reports membership plus mailbox entries above the "since"
// watermarks.
func (h *MatchHandler) Status(c *gin.Context) {
	watermarks, err := models.ParseWatermarks(c.QueryArray("since"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := h.Service.PollStatus(c.Request.Context(), middleware.Participant(c), watermarks)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Leave removes the caller from the queue or ends its session.
func (h *MatchHandler) Leave(c *gin.Context) {
	var req LeaveRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	if err := h.Service.Leave(c.Request.Context(), middleware.Participant(c), req.Reason); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": models.StatusIdle})
}

// Signal appends a message to the partner's mailbox.
func (h *MatchHandler) Signal(c *gin.Context) {
	var msg models.SignalMessage
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.Service.Signal(c.Request.Context(), middleware.Participant(c), c.Param("sessionId"), msg); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// SubmitAnswer scores an answer and returns the feedback record.
func (h *MatchHandler) SubmitAnswer(c *gin.Context) {
	var req models.SubmitAnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	record, err := h.Service.SubmitAnswer(c.Request.Context(), middleware.Participant(c), c.Param("sessionId"), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *MatchHandler) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrUnknownSession):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrNotParticipant), errors.Is(err, matching.ErrRoleForbidden):
		status = http.StatusForbidden
	case errors.Is(err, store.ErrSessionEnded):
		status = http.StatusConflict
	case errors.Is(err, matching.ErrInvalidSignal), errors.Is(err, matching.ErrInvalidTags):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		h.Logger.Error("request failed",
			"path", c.FullPath(),
			"participant", middleware.Participant(c),
			"error", err,
		)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
