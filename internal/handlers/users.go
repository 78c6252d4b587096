package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/peerlink/internal/presence"
)

// ListUsers returns the peers currently connected to the relay (requires JWT)
func ListUsers(store presence.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		users, err := store.List(c.Request.Context())
		if err != nil {
			slog.Error("listing online users failed", "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list users"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"users": users})
	}
}
