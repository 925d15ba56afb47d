package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/marska/chatline/internal/push"
)

type pushSubscribeKeys struct {
	P256DH string `json:"p256dh" binding:"required"`
	Auth   string `json:"auth" binding:"required"`
}

type pushSubscribeRequest struct {
	UserID   string            `json:"user_id" binding:"required"`
	Endpoint string            `json:"endpoint" binding:"required"`
	Keys     pushSubscribeKeys `json:"keys" binding:"required"`
}

func (h *Handlers) GetVAPIDPublicKey(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"publicKey": h.push.PublicKey()})
}

func (h *Handlers) SubscribePush(c *gin.Context) {
	var req pushSubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sub, err := h.push.Subscribe(req.UserID, req.Endpoint, req.Keys.P256DH, req.Keys.Auth)
	if err != nil {
		h.logger.Error("push subscribe failed", "user_id", req.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create subscription"})
		return
	}

	c.JSON(http.StatusCreated, sub)
}

func (h *Handlers) UnsubscribePush(c *gin.Context) {
	var req struct {
		UserID   string `json:"user_id" binding:"required"`
		Endpoint string `json:"endpoint" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.push.Unsubscribe(req.UserID, req.Endpoint); err != nil {
		if errors.Is(err, push.ErrSubscriptionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete subscription"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "unsubscribed"})
}
