package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/a-essam23/activitycast/internal/activities"
	"github.com/a-essam23/activitycast/pkg/auth"
	"github.com/a-essam23/activitycast/pkg/config"
	"github.com/a-essam23/activitycast/pkg/logging"
	"github.com/a-essam23/activitycast/pkg/wire"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const testSecret = "server-test-secret"

func testConfig(maxPerUser int, mode string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Address:         "127.0.0.1:0",
			Auth:            config.AuthConfig{JWTSecret: testSecret, TokenTTL: time.Hour},
			ConnectionLimit: config.ConnectionLimitConfig{MaxPerUser: maxPerUser, Mode: mode},
			ShutdownTimeout: 2 * time.Second,
		},
		Transport: config.TransportConfig{ReadTimeout: 5 * time.Second, WriteTimeout: 2 * time.Second, SendQueueSize: 16},
		Storage:   config.StorageConfig{Path: ":memory:"},
	}
}

type harness struct {
	app    *App
	srv    *httptest.Server
	issuer *auth.JWT
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	repo, err := activities.OpenSQLite(cfg.Storage.Path)
	if err != nil {
		t.Fatal(err)
	}
	issuer := auth.NewJWT(testSecret, time.Hour)
	app := NewApp(logging.Discard(), context.Background(), cfg, issuer, repo)
	srv := httptest.NewServer(app.Handler())
	t.Cleanup(func() {
		_ = app.Shutdown()
		srv.Close()
		repo.Close()
	})
	return &harness{app: app, srv: srv, issuer: issuer}
}

func (h *harness) dial(t *testing.T, username string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	header := http.Header{}
	if username != "" {
		token, err := h.issuer.Issue(username, username)
		if err != nil {
			t.Fatal(err)
		}
		header.Set("Authorization", "Bearer "+token)
	}
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	return websocket.Dial(context.Background(), url, &websocket.DialOptions{HTTPHeader: header})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, testConfig(0, "reject"))
	resp, err := h.srv.Client().Get(h.srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("unexpected health response %d %q", resp.StatusCode, body)
	}
}

func TestUpgradeRequiresToken(t *testing.T) {
	h := newHarness(t, testConfig(0, "reject"))
	_, resp, err := h.dial(t, "")
	if err == nil {
		t.Fatal("expected handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
	if n := len(h.app.StateManager().AllConnections()); n != 0 {
		t.Errorf("expected no registered connections, got %d", n)
	}
}

func TestAPIMounted(t *testing.T) {
	h := newHarness(t, testConfig(0, "reject"))
	resp, err := h.srv.Client().Get(h.srv.URL + "/api/activities")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	token, _ := h.issuer.Issue("alice", "Alice")
	req, _ := http.NewRequest(http.MethodGet, h.srv.URL+"/api/activities", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = h.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", resp.StatusCode)
	}
}

func TestJoinPublishDeliver(t *testing.T) {
	h := newHarness(t, testConfig(0, "reject"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alice, _, err := h.dial(t, "alice")
	if err != nil {
		t.Fatal(err)
	}
	defer alice.CloseNow()
	bob, _, err := h.dial(t, "bob")
	if err != nil {
		t.Fatal(err)
	}
	defer bob.CloseNow()

	for _, c := range []*websocket.Conn{alice, bob} {
		if err := wsjson.Write(ctx, c, wire.ClientMessage{Type: wire.TypeJoin, ID: "j", GroupID: "a1"}); err != nil {
			t.Fatal(err)
		}
		var ack wire.ServerMessage
		if err := wsjson.Read(ctx, c, &ack); err != nil {
			t.Fatal(err)
		}
		if ack.Type != wire.TypeAck || ack.ID != "j" {
			t.Fatalf("expected join ack, got %+v", ack)
		}
	}

	publish := wire.ClientMessage{
		Type:    wire.TypePublish,
		ID:      "p",
		GroupID: "a1",
		Event:   wire.NewCommentEvent(wire.CommentPosted{Body: "hello"}),
	}
	if err := wsjson.Write(ctx, alice, publish); err != nil {
		t.Fatal(err)
	}

	var got wire.ServerMessage
	if err := wsjson.Read(ctx, bob, &got); err != nil {
		t.Fatal(err)
	}
	if got.Type != wire.TypeDelivered || got.Event.Comment == nil {
		t.Fatalf("expected delivered comment, got %+v", got)
	}
	if got.Event.Comment.Author != "alice" || got.Event.Comment.CommentID == "" || got.Event.Comment.ActivityID != "a1" {
		t.Errorf("comment was not stamped by the gateway: %+v", got.Event.Comment)
	}
}

func TestLeaveWithoutJoin(t *testing.T) {
	h := newHarness(t, testConfig(0, "reject"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, _, err := h.dial(t, "alice")
	if err != nil {
		t.Fatal(err)
	}
	defer c.CloseNow()

	if err := wsjson.Write(ctx, c, wire.ClientMessage{Type: wire.TypeLeave, ID: "l", GroupID: "a1"}); err != nil {
		t.Fatal(err)
	}
	var reply wire.ServerMessage
	if err := wsjson.Read(ctx, c, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Type != wire.TypeError || reply.Code != wire.CodeNotJoined || reply.ID != "l" {
		t.Fatalf("expected not_joined error, got %+v", reply)
	}
}

func TestConnectionLimitReject(t *testing.T) {
	h := newHarness(t, testConfig(1, "reject"))
	first, _, err := h.dial(t, "alice")
	if err != nil {
		t.Fatal(err)
	}
	defer first.CloseNow()
	waitFor(t, func() bool { n, _ := h.app.StateManager().GetUserConnectionCount("alice"); return n == 1 })

	_, resp, err := h.dial(t, "alice")
	if err == nil {
		t.Fatal("expected second connection to be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %+v", resp)
	}
}

func TestConnectionLimitCycle(t *testing.T) {
	h := newHarness(t, testConfig(1, "cycle"))
	first, _, err := h.dial(t, "alice")
	if err != nil {
		t.Fatal(err)
	}
	defer first.CloseNow()
	waitFor(t, func() bool { n, _ := h.app.StateManager().GetUserConnectionCount("alice"); return n == 1 })
	oldID := h.app.StateManager().AllConnections()[0].ID

	second, _, err := h.dial(t, "alice")
	if err != nil {
		t.Fatal(err)
	}
	defer second.CloseNow()

	waitFor(t, func() bool {
		conns := h.app.StateManager().AllConnections()
		return len(conns) == 1 && conns[0].ID != oldID
	})
}

func TestDisconnectCleansUpGroups(t *testing.T) {
	h := newHarness(t, testConfig(0, "reject"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, _, err := h.dial(t, "alice")
	if err != nil {
		t.Fatal(err)
	}
	for _, g := range []string{"g1", "g2"} {
		_ = wsjson.Write(ctx, c, wire.ClientMessage{Type: wire.TypeJoin, ID: g, GroupID: g})
		var ack wire.ServerMessage
		if err := wsjson.Read(ctx, c, &ack); err != nil {
			t.Fatal(err)
		}
	}
	c.Close(websocket.StatusNormalClosure, "bye")

	waitFor(t, func() bool { return len(h.app.StateManager().AllConnections()) == 0 })
	for _, g := range []string{"g1", "g2"} {
		if _, ok := h.app.StateManager().FindGroup(g); ok {
			t.Errorf("group %s should be gone", g)
		}
	}
}

func TestShutdownClosesConnections(t *testing.T) {
	h := newHarness(t, testConfig(0, "reject"))
	c, _, err := h.dial(t, "alice")
	if err != nil {
		t.Fatal(err)
	}
	defer c.CloseNow()
	waitFor(t, func() bool { return len(h.app.StateManager().AllConnections()) == 1 })

	if err := h.app.Shutdown(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, _, err := c.Read(ctx); err == nil {
		t.Fatal("expected the connection to be closed")
	}
	if n := len(h.app.StateManager().AllConnections()); n != 0 {
		t.Errorf("expected registry to be empty after shutdown, got %d", n)
	}
}

func TestIdleConnectionIsDropped(t *testing.T) {
	cfg := testConfig(0, "reject")
	cfg.Transport.ReadTimeout = 100 * time.Millisecond
	h := newHarness(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, _, err := h.dial(t, "alice")
	if err != nil {
		t.Fatal(err)
	}
	defer c.CloseNow()
	if err := wsjson.Write(ctx, c, wire.ClientMessage{Type: wire.TypeJoin, ID: "j", GroupID: "g1"}); err != nil {
		t.Fatal(err)
	}
	var ack wire.ServerMessage
	if err := wsjson.Read(ctx, c, &ack); err != nil {
		t.Fatal(err)
	}
	if _, ok := h.app.StateManager().FindGroup("g1"); !ok {
		t.Fatal("expected g1 to exist after join")
	}

	// send nothing and wait for the server to give up on us
	_, _, err = c.Read(ctx)
	if status := websocket.CloseStatus(err); status != websocket.StatusPolicyViolation {
		t.Fatalf("expected policy violation close, got %v (%v)", status, err)
	}

	waitFor(t, func() bool { return len(h.app.StateManager().AllConnections()) == 0 })
	if _, ok := h.app.StateManager().FindGroup("g1"); ok {
		t.Error("group of the idle connection should be gone")
	}
}

func TestActiveConnectionOutlivesIdleTimeout(t *testing.T) {
	cfg := testConfig(0, "reject")
	cfg.Transport.ReadTimeout = 150 * time.Millisecond
	h := newHarness(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, _, err := h.dial(t, "alice")
	if err != nil {
		t.Fatal(err)
	}
	defer c.CloseNow()

	for i := 0; i < 6; i++ {
		time.Sleep(50 * time.Millisecond)
		if err := wsjson.Write(ctx, c, wire.ClientMessage{Type: wire.TypePing, ID: "p"}); err != nil {
			t.Fatal(err)
		}
		var ack wire.ServerMessage
		if err := wsjson.Read(ctx, c, &ack); err != nil {
			t.Fatalf("connection dropped while active: %v", err)
		}
	}
	if n := len(h.app.StateManager().AllConnections()); n != 1 {
		t.Errorf("expected the active connection to stay registered, got %d", n)
	}
}
