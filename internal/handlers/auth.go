package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/mossy-p/interview-signaling/internal/middleware"
)

const devTokenTTL = 24 * time.Hour

// DevTokenRequest represents the dev-token request body
type DevTokenRequest struct {
	ParticipantID string `json:"participantId" binding:"required,max=128"`
}

// DevTokenResponse represents the dev-token response
type DevTokenResponse struct {
	Token         string `json:"token"`
	ParticipantID string `json:"participantId"`
}

// DevToken mints a token for any participant id. Real tokens come from the
// platform's identity service; this route is only mounted outside
// production so local peers can talk to the server.
func DevToken(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req DevTokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}

		token, err := IssueToken(jwtSecret, req.ParticipantID, devTokenTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to generate token",
			})
			return
		}

		c.JSON(http.StatusOK, DevTokenResponse{
			Token:         token,
			ParticipantID: req.ParticipantID,
		})
	}
}

// IssueToken signs an HS256 token carrying participantID.
func IssueToken(jwtSecret, participantID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := middleware.JWTClaims{
		ParticipantID: participantID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(jwtSecret))
}
