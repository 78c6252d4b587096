package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/peerlink/internal/middleware"
	"github.com/mossy-p/peerlink/internal/models"
)

// Login issues a relay token.
// For development purposes, accepts any username/password combination;
// credential checks belong to the account service in front of the relay.
func Login(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}

		tokenString, err := middleware.IssueToken(jwtSecret, req.Username, time.Now())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to generate token",
			})
			return
		}

		c.JSON(http.StatusOK, models.LoginResponse{
			Token:    tokenString,
			Username: req.Username,
		})
	}
}
