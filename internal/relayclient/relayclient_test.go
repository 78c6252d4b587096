package relayclient

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/peerlink/config"
	"github.com/mossy-p/peerlink/internal/handlers"
	"github.com/mossy-p/peerlink/internal/models"
	"github.com/mossy-p/peerlink/internal/presence"
)

func newRelay(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{Environment: "test", JWTSecret: "relayclient-test"}
	store := presence.NewMemoryStore()
	ts := httptest.NewServer(handlers.NewRouter(cfg, handlers.NewHub(store, nil), store))
	t.Cleanup(ts.Close)
	return ts
}

func connect(t *testing.T, ts *httptest.Server, username string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	login, err := Login(ctx, ts.URL, username, "secret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if login.Username != username || login.Token == "" {
		t.Fatalf("login = %+v", login)
	}

	c, err := Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/signal", login.Token, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func waitFor(t *testing.T, c *Client, want models.SignalType) models.SignalMessage {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case msg, ok := <-c.Events():
			if !ok {
				t.Fatalf("events closed while waiting for %s", want)
			}
			if msg.Type == want {
				return msg
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestClient_ExchangesEvents(t *testing.T) {
	ts := newRelay(t)
	alice := connect(t, ts, "alice")
	bob := connect(t, ts, "bob")

	if alice.ID() == "" || alice.ID() == bob.ID() {
		t.Fatalf("ids alice=%q bob=%q", alice.ID(), bob.ID())
	}
	if alice.Username() != "alice" {
		t.Fatalf("username = %q", alice.Username())
	}

	joined := waitFor(t, alice, models.SignalTypeJoin)
	if joined.From != bob.ID() || joined.Username != "bob" {
		t.Fatalf("join = %+v", joined)
	}

	if err := alice.Emit(models.SignalMessage{
		Type:            models.SignalTypeRequestConnection,
		PeerID:          bob.ID(),
		RequestUsername: "alice",
	}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	req := waitFor(t, bob, models.SignalTypeRequestConnection)
	if req.From != alice.ID() || req.Username != "alice" {
		t.Fatalf("request = %+v", req)
	}
}

func TestClient_ListUsers(t *testing.T) {
	ts := newRelay(t)
	connect(t, ts, "alice")
	connect(t, ts, "bob")

	ctx := context.Background()
	login, err := Login(ctx, ts.URL, "carol", "x")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	users, err := ListUsers(ctx, ts.URL, login.Token)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("users = %+v, want 2", users)
	}

	if _, err := ListUsers(ctx, ts.URL, "bogus"); err == nil {
		t.Fatalf("expected error with invalid token")
	}
}

func TestClient_CloseEndsEventsAndEmit(t *testing.T) {
	ts := newRelay(t)
	alice := connect(t, ts, "alice")
	bob := connect(t, ts, "bob")

	if err := alice.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-alice.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("Done not closed")
	}
	if err := alice.Emit(models.SignalMessage{Type: models.SignalTypeError}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Emit after Close = %v, want ErrClosed", err)
	}

	left := waitFor(t, bob, models.SignalTypeLeave)
	if left.From != alice.ID() {
		t.Fatalf("leave = %+v", left)
	}
}

func TestDial_RejectsMissingToken(t *testing.T) {
	ts := newRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if _, err := Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/signal", "", nil); err == nil {
		t.Fatalf("expected dial without token to fail")
	}
}

func TestHTTPBase(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"ws://localhost:8080/ws/signal", "http://localhost:8080"},
		{"wss://relay.example.org/ws/signal", "https://relay.example.org"},
		{"http://localhost:8080", "http://localhost:8080"},
	}
	for _, tt := range tests {
		if got := HTTPBase(tt.in); got != tt.want {
			t.Errorf("HTTPBase(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
