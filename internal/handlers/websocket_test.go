package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mossy-p/peerlink/config"
	"github.com/mossy-p/peerlink/internal/middleware"
	"github.com/mossy-p/peerlink/internal/models"
	"github.com/mossy-p/peerlink/internal/presence"
)

const testSecret = "relay-test-secret"

func newTestRelay(t *testing.T) (*httptest.Server, *presence.MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Environment:    "test",
		AllowedOrigins: []string{"http://localhost:3000"},
		JWTSecret:      testSecret,
	}
	store := presence.NewMemoryStore()
	hub := NewHub(store, nil)
	ts := httptest.NewServer(NewRouter(cfg, hub, store))
	t.Cleanup(ts.Close)
	return ts, store
}

type testPeer struct {
	conn *websocket.Conn
	id   string
}

func dialPeer(t *testing.T, ts *httptest.Server, username string) *testPeer {
	t.Helper()
	token, err := middleware.IssueToken(testSecret, username, time.Now())
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/signal?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	p := &testPeer{conn: conn}
	welcome := p.readUntil(t, models.SignalTypeWelcome)
	if welcome.PeerID == "" || welcome.Username != username {
		t.Fatalf("welcome=%+v", welcome)
	}
	p.id = welcome.PeerID
	return p
}

func (p *testPeer) send(t *testing.T, msg models.SignalMessage) {
	t.Helper()
	if err := p.conn.WriteJSON(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readUntil skips presence broadcasts and other noise until a message of
// type want arrives.
func (p *testPeer) readUntil(t *testing.T, want models.SignalType) models.SignalMessage {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = p.conn.SetReadDeadline(deadline)
		var msg models.SignalMessage
		if err := p.conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		if msg.Type == want {
			return msg
		}
	}
}

func TestHub_ForwardsConnectionRequestWithRelayIdentity(t *testing.T) {
	ts, _ := newTestRelay(t)
	alice := dialPeer(t, ts, "alice")
	bob := dialPeer(t, ts, "bob")

	alice.send(t, models.SignalMessage{
		Type:            models.SignalTypeRequestConnection,
		PeerID:          bob.id,
		RequestUsername: "mallory",
	})

	got := bob.readUntil(t, models.SignalTypeRequestConnection)
	if got.From != alice.id {
		t.Fatalf("from=%q, want %q", got.From, alice.id)
	}
	if got.Username != "alice" {
		t.Fatalf("username=%q, want relay-assigned alice", got.Username)
	}

	bob.send(t, models.SignalMessage{Type: models.SignalTypeConnectionAccepted, To: alice.id})
	accepted := alice.readUntil(t, models.SignalTypeConnectionAccepted)
	if accepted.From != bob.id {
		t.Fatalf("accepted from=%q, want %q", accepted.From, bob.id)
	}
}

func TestHub_MirrorsSessionEventsAndAnnouncesDrop(t *testing.T) {
	ts, _ := newTestRelay(t)
	alice := dialPeer(t, ts, "alice")
	bob := dialPeer(t, ts, "bob")

	alice.send(t, models.SignalMessage{Type: models.SignalTypeConnectionSuccessful, Remote: bob.id})

	self := alice.readUntil(t, models.SignalTypeConnectionSuccessful)
	if self.Remote != bob.id {
		t.Fatalf("echo remote=%q, want %q", self.Remote, bob.id)
	}
	other := bob.readUntil(t, models.SignalTypeConnectionSuccessful)
	if other.Remote != alice.id {
		t.Fatalf("forwarded remote=%q, want %q", other.Remote, alice.id)
	}

	alice.conn.Close()

	dropped := bob.readUntil(t, models.SignalTypePeerDisconnected)
	if dropped.Remote != alice.id {
		t.Fatalf("dropped remote=%q, want %q", dropped.Remote, alice.id)
	}
}

func TestHub_UnknownTargetRepliesError(t *testing.T) {
	ts, _ := newTestRelay(t)
	alice := dialPeer(t, ts, "alice")

	alice.send(t, models.SignalMessage{Type: models.SignalTypeRequestConnection, PeerID: "nobody"})

	got := alice.readUntil(t, models.SignalTypeError)
	if got.Remote != "nobody" || got.Error == "" {
		t.Fatalf("error=%+v", got)
	}
}

func TestHub_ForwardsSessionDescription(t *testing.T) {
	ts, _ := newTestRelay(t)
	alice := dialPeer(t, ts, "alice")
	bob := dialPeer(t, ts, "bob")

	alice.send(t, models.SignalMessage{
		Type: models.SignalTypeOffer,
		To:   bob.id,
		SDP:  &models.SessionDescription{Type: "offer", SDP: "v=0"},
	})

	got := bob.readUntil(t, models.SignalTypeOffer)
	if got.From != alice.id || got.SDP == nil || got.SDP.SDP != "v=0" {
		t.Fatalf("offer=%+v", got)
	}
}

func TestListUsers(t *testing.T) {
	ts, _ := newTestRelay(t)
	alice := dialPeer(t, ts, "alice")
	dialPeer(t, ts, "bob")

	token, _ := middleware.IssueToken(testSecret, "alice", time.Now())
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/users", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/users: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	var body struct {
		Users []models.OnlineUser `json:"users"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Users) != 2 {
		t.Fatalf("users=%+v, want 2", body.Users)
	}
	found := false
	for _, u := range body.Users {
		if u.PeerID == alice.id && u.Username == "alice" {
			found = true
		}
	}
	if !found {
		t.Fatalf("alice missing from %+v", body.Users)
	}
}

func TestLoginIssuesUsableToken(t *testing.T) {
	ts, _ := newTestRelay(t)

	body := bytes.NewBufferString(`{"username":"alice","password":"x"}`)
	resp, err := http.Post(ts.URL+"/api/auth/login", "application/json", body)
	if err != nil {
		t.Fatalf("POST login: %v", err)
	}
	defer resp.Body.Close()

	var login models.LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&login); err != nil {
		t.Fatalf("decode: %v", err)
	}
	claims, err := middleware.ParseToken(testSecret, login.Token)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if claims.Username != "alice" {
		t.Fatalf("username=%q, want alice", claims.Username)
	}
}

func TestOriginFilter_RejectsUnknownOrigin(t *testing.T) {
	ts, _ := newTestRelay(t)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status=%d, want 403", resp.StatusCode)
	}
}
