package webserver_test

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/zsprackett/notify-overlay/internal/db"
	"github.com/zsprackett/notify-overlay/internal/event"
	"github.com/zsprackett/notify-overlay/internal/events"
	"github.com/zsprackett/notify-overlay/internal/presenter"
	"github.com/zsprackett/notify-overlay/internal/rules"
	"github.com/zsprackett/notify-overlay/internal/webserver"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeOverlay decodes payloads and records them instead of presenting.
type fakeOverlay struct {
	mu    sync.Mutex
	got   []event.Record
	state presenter.DisplayState
}

func (f *fakeOverlay) Ingest(ctx context.Context, raw string) error {
	rec, err := event.Decoder{}.Decode(raw)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.got = append(f.got, rec)
	f.mu.Unlock()
	return nil
}

func (f *fakeOverlay) Snapshot() presenter.DisplayState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeOverlay) records() []event.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]event.Record(nil), f.got...)
}

func newServer(t *testing.T, cfg webserver.Config) (*webserver.Server, *fakeOverlay, *db.DB) {
	t.Helper()
	store, err := db.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	store.Migrate()
	t.Cleanup(func() { store.Close() })
	ov := &fakeOverlay{}
	srv := webserver.New(store, ov, rules.NewLive(rules.Default()), cfg, discardLogger())
	return srv, ov, store
}

func newAuthServer(t *testing.T) (*webserver.Server, *fakeOverlay, *db.DB) {
	t.Helper()
	srv, ov, store := newServer(t, webserver.Config{
		Enabled: true,
		Auth: webserver.AuthConfig{
			Enabled:         true,
			JWTSecret:       "test-secret",
			RefreshTokenTTL: 168 * time.Hour,
		},
	})
	// seed an account
	hash, _ := bcrypt.GenerateFromPassword([]byte("password"), bcrypt.MinCost)
	store.CreateAccount("alice", string(hash))
	return srv, ov, store
}

func login(t *testing.T, h http.Handler) map[string]string {
	t.Helper()
	body := `{"username":"alice","password":"password"}`
	req := httptest.NewRequest("POST", "/api/auth/login", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("login: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	json.NewDecoder(w.Body).Decode(&resp)
	return resp
}

func TestLoginEndpoint(t *testing.T) {
	srv, _, _ := newAuthServer(t)
	resp := login(t, srv.Handler())
	if resp["access_token"] == "" {
		t.Error("expected access_token in response")
	}
	if resp["refresh_token"] == "" {
		t.Error("expected refresh_token in response")
	}
}

func TestLoginEndpoint_WrongPassword(t *testing.T) {
	srv, _, _ := newAuthServer(t)
	body := `{"username":"alice","password":"wrong"}`
	req := httptest.NewRequest("POST", "/api/auth/login", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != 401 {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestRefreshEndpoint(t *testing.T) {
	srv, _, store := newAuthServer(t)
	h := srv.Handler()
	loginResp := login(t, h)

	body := fmt.Sprintf(`{"refresh_token":"%s"}`, loginResp["refresh_token"])
	req := httptest.NewRequest("POST", "/api/auth/refresh", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["access_token"] == "" {
		t.Error("expected new access_token")
	}
	// Old refresh token should be gone (rotation)
	if _, err := store.GetRefreshToken(loginResp["refresh_token"]); err == nil {
		t.Error("old refresh token should be deleted after rotation")
	}

	// Replaying the old token fails.
	req = httptest.NewRequest("POST", "/api/auth/refresh", strings.NewReader(body))
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != 401 {
		t.Errorf("replay: expected 401, got %d", w.Code)
	}
}

func TestLogoutEndpoint(t *testing.T) {
	srv, _, store := newAuthServer(t)
	h := srv.Handler()
	loginResp := login(t, h)

	body := fmt.Sprintf(`{"refresh_token":"%s"}`, loginResp["refresh_token"])
	req := httptest.NewRequest("POST", "/api/auth/logout", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != 204 {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if _, err := store.GetRefreshToken(loginResp["refresh_token"]); err == nil {
		t.Error("refresh token should be deleted after logout")
	}
}

// lockTokens makes every delete on refresh_tokens fail, through a second
// connection to the same database file.
func lockTokens(t *testing.T, path string) {
	t.Helper()
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_, err = conn.Exec(`CREATE TRIGGER keep_refresh_tokens BEFORE DELETE ON refresh_tokens
		BEGIN SELECT RAISE(ABORT, 'refresh tokens are locked'); END`)
	if err != nil {
		t.Fatal(err)
	}
}

func TestRefreshFailsWhenOldTokenCannotBeDeleted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overlay.db")
	store, err := db.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	hash, _ := bcrypt.GenerateFromPassword([]byte("password"), bcrypt.MinCost)
	store.CreateAccount("alice", string(hash))

	srv := webserver.New(store, &fakeOverlay{}, rules.NewLive(rules.Default()), webserver.Config{
		Enabled: true,
		Auth:    webserver.AuthConfig{Enabled: true, JWTSecret: "test-secret"},
	}, discardLogger())
	h := srv.Handler()
	loginResp := login(t, h)
	lockTokens(t, path)

	body := fmt.Sprintf(`{"refresh_token":"%s"}`, loginResp["refresh_token"])
	for _, route := range []string{"/api/auth/refresh", "/api/auth/logout"} {
		req := httptest.NewRequest("POST", route, strings.NewReader(body))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != 500 {
			t.Errorf("%s: expected 500, got %d: %s", route, w.Code, w.Body.String())
		}
		if strings.Contains(w.Body.String(), "access_token") {
			t.Errorf("%s: issued tokens although the old one survived", route)
		}
	}
}

func TestIngestRequiresTokenWhenAuthEnabled(t *testing.T) {
	srv, ov, _ := newAuthServer(t)
	h := srv.Handler()
	payload := "{'event': 'donation', 'message': '50 kr'}"

	req := httptest.NewRequest("POST", "/api/events", strings.NewReader(payload))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != 401 {
		t.Fatalf("without token: expected 401, got %d", w.Code)
	}

	tokens := login(t, h)
	req = httptest.NewRequest("POST", "/api/events", strings.NewReader(payload))
	req.Header.Set("Authorization", "Bearer "+tokens["access_token"])
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != 202 {
		t.Fatalf("with token: expected 202, got %d: %s", w.Code, w.Body.String())
	}
	got := ov.records()
	if len(got) != 1 || got[0].Kind != "donation" || got[0].Message != "50 kr" {
		t.Errorf("unexpected records: %+v", got)
	}
}

func TestIngestMalformedIsBadRequest(t *testing.T) {
	srv, ov, _ := newServer(t, webserver.Config{Enabled: true})
	req := httptest.NewRequest("POST", "/api/events", strings.NewReader("not json"))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != 400 {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if len(ov.records()) != 0 {
		t.Error("malformed payload reached the overlay")
	}
}

func TestIngestRateLimited(t *testing.T) {
	srv, _, _ := newServer(t, webserver.Config{Enabled: true, IngestPerSec: 0.001, IngestBurst: 1})
	h := srv.Handler()
	codes := []int{}
	for range 3 {
		req := httptest.NewRequest("POST", "/api/events", strings.NewReader(`{"event":"donation"}`))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	if codes[0] != 202 || codes[1] != 429 || codes[2] != 429 {
		t.Errorf("unexpected codes: %v", codes)
	}
}

func TestStateEndpoint(t *testing.T) {
	srv, ov, _ := newServer(t, webserver.Config{Enabled: true})
	n := 7
	ov.state = presenter.DisplayState{GraphicVisible: true, Asset: "gifs/sprint.gif", Message: "go", Countdown: &n}

	req := httptest.NewRequest("GET", "/api/state", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var st presenter.DisplayState
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !st.GraphicVisible || st.Countdown == nil || *st.Countdown != 7 {
		t.Errorf("unexpected state: %+v", st)
	}
}

func TestRulesEndpoint(t *testing.T) {
	srv, _, _ := newServer(t, webserver.Config{Enabled: true})
	req := httptest.NewRequest("GET", "/api/rules", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	var resp struct {
		Rules []struct {
			Kind      string   `json:"kind"`
			Rotate    []string `json:"rotate"`
			GraphicMs int64    `json:"graphicMs"`
		} `json:"rules"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Rules) != 3 {
		t.Fatalf("expected 3 rules, got %d", len(resp.Rules))
	}
	for _, r := range resp.Rules {
		if r.Kind == "sprint_donation" && r.GraphicMs != 10500 {
			t.Errorf("sprint graphic: got %d", r.GraphicMs)
		}
		if r.Kind == "grinch_donation" && len(r.Rotate) != 3 {
			t.Errorf("grinch rotate: got %v", r.Rotate)
		}
	}
}

func TestOverlayPageServed(t *testing.T) {
	srv, _, _ := newServer(t, webserver.Config{Enabled: true})
	req := httptest.NewRequest("GET", "/", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != 200 || !strings.Contains(w.Body.String(), "overlay.js") {
		t.Errorf("unexpected index: %d", w.Code)
	}
	if got := w.Header().Get("Cache-Control"); got != "no-cache" {
		t.Errorf("Cache-Control: got %q", got)
	}

	req = httptest.NewRequest("GET", "/overlay.js", nil)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != 200 || !strings.Contains(w.Header().Get("Content-Type"), "javascript") {
		t.Errorf("overlay.js: %d %q", w.Code, w.Header().Get("Content-Type"))
	}
}

func TestSSEStreamsSnapshotThenBroadcasts(t *testing.T) {
	srv, ov, _ := newServer(t, webserver.Config{Enabled: true})
	ov.state = presenter.DisplayState{Message: "initial"}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	lines := bufio.NewScanner(resp.Body)

	next := func() events.Event {
		t.Helper()
		for lines.Scan() {
			line := lines.Text()
			if data, ok := strings.CutPrefix(line, "data: "); ok {
				var e events.Event
				if err := json.Unmarshal([]byte(data), &e); err != nil {
					t.Fatalf("decode: %v", err)
				}
				return e
			}
		}
		t.Fatal("stream ended")
		return events.Event{}
	}

	first := next()
	if first.Type != events.TypeSnapshot || first.State.Message != "initial" {
		t.Fatalf("unexpected first event: %+v", first)
	}
	srv.Broadcast(events.Event{Type: events.TypeState, State: presenter.DisplayState{Message: "later"}})
	if e := next(); e.State.Message != "later" {
		t.Errorf("unexpected broadcast: %+v", e)
	}
}

func TestWebsocketFeed(t *testing.T) {
	srv, _, _ := newServer(t, webserver.Config{Enabled: true})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first events.Event
	if err := ws.ReadJSON(&first); err != nil || first.Type != events.TypeSnapshot {
		t.Fatalf("snapshot: %+v, %v", first, err)
	}
	srv.Broadcast(events.Event{Type: events.TypeState, State: presenter.DisplayState{GraphicVisible: true}})
	var second events.Event
	if err := ws.ReadJSON(&second); err != nil || !second.State.GraphicVisible {
		t.Fatalf("broadcast: %+v, %v", second, err)
	}
}
