package models

import "time"

// OnlineUser is a peer currently holding a relay connection.
type OnlineUser struct {
	PeerID   string    `json:"peerId"`
	Username string    `json:"username"`
	JoinedAt time.Time `json:"joinedAt"`
}

// LoginRequest represents the login request body
type LoginRequest struct {
	Username string `json:"username" binding:"required,min=1,max=64"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse represents the login response
type LoginResponse struct {
	Token    string `json:"token"`
	Username string `json:"username"`
}
