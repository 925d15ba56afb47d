package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/marska/chatline/internal/models"
)

type callHistoryResponse struct {
	Calls []models.CallRecord `json:"calls"`
}

// GetCallHistory returns recent call log entries, optionally filtered to
// calls involving one user.
func (h *Handlers) GetCallHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))

	var (
		records []models.CallRecord
		err     error
	)
	if userID := c.Query("user_id"); userID != "" {
		records, err = h.history.RecentFor(userID, limit)
	} else {
		records, err = h.history.Recent(limit)
	}
	if err != nil {
		h.logger.Error("failed to load call history", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load call history"})
		return
	}

	if records == nil {
		records = []models.CallRecord{}
	}
	c.JSON(http.StatusOK, callHistoryResponse{Calls: records})
}

// GetOnlineUsers exposes the presence set over plain HTTP for pages that
// have not opened a signaling connection yet.
func (h *Handlers) GetOnlineUsers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"online_users": h.registry.Online()})
}
