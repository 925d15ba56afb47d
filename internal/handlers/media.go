package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/marska/chatline/internal/models"
)

const mediaTokenTTL = time.Hour

// GetTURNConfig returns the ICE servers the media layer should use. The
// embedded TURN server also answers STUN, so both URLs point at it. We hand
// out "turn:" (not "turns:") because the relay is UDP-only; media encryption
// is DTLS-SRTP's job.
func (h *Handlers) GetTURNConfig(c *gin.Context) {
	host := c.Request.Host
	if idx := strings.Index(host, ":"); idx != -1 {
		host = host[:idx]
	}

	creds := h.turn.GetCredentials()

	c.JSON(http.StatusOK, gin.H{
		"iceServers": []gin.H{
			{
				"urls": fmt.Sprintf("stun:%s:%d", host, h.config.TURNPort),
			},
			{
				"urls":       fmt.Sprintf("turn:%s:%d", host, h.config.TURNPort),
				"username":   creds.Username,
				"credential": creds.Password,
			},
		},
	})
}

type mediaTokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// GetMediaToken issues a short-lived token binding {room, user} for the
// external media layer. Only a party to the room's accepted invitation may
// request one, so a token cannot be minted before the callee picks up.
func (h *Handlers) GetMediaToken(c *gin.Context) {
	roomID := c.Query("room_id")
	userID := c.Query("user_id")
	if roomID == "" || userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "room_id and user_id are required"})
		return
	}

	inv, ok := h.calls.Get(roomID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}
	if !inv.Involves(userID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a party to this call"})
		return
	}
	if inv.State != models.CallStateAccepted {
		c.JSON(http.StatusConflict, gin.H{"error": "call not accepted yet"})
		return
	}

	now := time.Now()
	expiresAt := now.Add(mediaTokenTTL)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"room_id": roomID,
		"user_id": userID,
		"iat":     now.Unix(),
		"exp":     expiresAt.Unix(),
	})

	signed, err := token.SignedString([]byte(h.config.JWTSecret))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to sign token"})
		return
	}

	c.JSON(http.StatusOK, mediaTokenResponse{Token: signed, ExpiresAt: expiresAt.Unix()})
}
