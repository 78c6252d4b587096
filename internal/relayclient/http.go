package relayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/mossy-p/peerlink/internal/models"
)

// Login obtains a relay token from baseURL's login endpoint.
func Login(ctx context.Context, baseURL, username, password string) (models.LoginResponse, error) {
	body, err := json.Marshal(models.LoginRequest{Username: username, Password: password})
	if err != nil {
		return models.LoginResponse{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/api/auth/login", bytes.NewReader(body))
	if err != nil {
		return models.LoginResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var resp models.LoginResponse
	if err := doJSON(req, &resp); err != nil {
		return models.LoginResponse{}, fmt.Errorf("login failed: %w", err)
	}
	return resp, nil
}

// ListUsers returns the peers currently online at the relay.
func ListUsers(ctx context.Context, baseURL, token string) ([]models.OnlineUser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/api/users", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	var body struct {
		Users []models.OnlineUser `json:"users"`
	}
	if err := doJSON(req, &body); err != nil {
		return nil, fmt.Errorf("listing users failed: %w", err)
	}
	return body.Users, nil
}

// HTTPBase derives the relay's HTTP base URL from its websocket URL.
func HTTPBase(wsURL string) string {
	base := wsURL
	switch {
	case strings.HasPrefix(base, "wss://"):
		base = "https://" + strings.TrimPrefix(base, "wss://")
	case strings.HasPrefix(base, "ws://"):
		base = "http://" + strings.TrimPrefix(base, "ws://")
	}
	if i := strings.Index(base, "/ws/"); i >= 0 {
		base = base[:i]
	}
	return base
}

func doJSON(req *http.Request, out any) error {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return fmt.Errorf("status %d: %s", resp.StatusCode, errBody.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
