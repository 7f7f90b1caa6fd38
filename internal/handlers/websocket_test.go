package handlers_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/docavailable/webrtc-signaling/config"
	"github.com/docavailable/webrtc-signaling/internal/backend"
	"github.com/docavailable/webrtc-signaling/internal/handlers"
	"github.com/docavailable/webrtc-signaling/internal/metrics"
	"github.com/docavailable/webrtc-signaling/internal/registry"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testStack struct {
	srv     *handlers.Server
	reg     *registry.Registry
	engine  *gin.Engine
	baseURL string
	wsURL   string
}

// startStack wires the full signaling server against a fake backend and
// returns its base URLs.
func startStack(t *testing.T, backendHandler http.Handler) *testStack {
	t.Helper()

	backendTS := httptest.NewServer(backendHandler)
	t.Cleanup(backendTS.Close)

	cfg := &config.Config{
		Port:          "0",
		APIBaseURL:    backendTS.URL,
		APITimeout:    2 * time.Second,
		ICEBufferCap:  50,
		DedupWindow:   time.Minute,
		GraceWindow:   500 * time.Millisecond,
		PingInterval:  30 * time.Second,
		WriteTimeout:  5 * time.Second,
		UploadDir:     t.TempDir(),
		MaxUploadSize: 1 << 20,
	}
	reg := registry.New(registry.Options{
		GraceWindow:  cfg.GraceWindow,
		ICEBufferCap: cfg.ICEBufferCap,
		DedupWindow:  cfg.DedupWindow,
		Logger:       zerolog.Nop(),
	})
	api := backend.New(cfg.APIBaseURL, "", cfg.APITimeout, zerolog.Nop())
	srv := handlers.NewServer(cfg, reg, api, nil, metrics.NewCollector(), zerolog.Nop())

	router := gin.New()
	router.GET("/audio-signaling", srv.Signaling("audio"))
	router.GET("/chat-signaling", srv.Signaling("chat"))
	router.GET("/call-signaling", srv.Signaling("call"))
	router.GET("/health", srv.Health)
	apiGroup := router.Group("/api")
	apiGroup.POST("/upload/voice-message", srv.Upload)
	apiGroup.POST("/upload/image", srv.Upload)
	apiGroup.GET("/audio/*path", srv.ServeMedia)
	apiGroup.GET("/images/*path", srv.ServeMedia)

	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	return &testStack{
		srv:     srv,
		reg:     reg,
		engine:  router,
		baseURL: ts.URL,
		wsURL:   "ws" + strings.TrimPrefix(ts.URL, "http"),
	}
}

func okBackend() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"success": true, "data": map[string]any{}})
	})
}

func (s *testStack) dial(t *testing.T, path, sessionKey, userID, token string) *websocket.Conn {
	t.Helper()
	u := s.wsURL + path + "?appointmentId=" + sessionKey + "&userId=" + userID
	if token != "" {
		u += "&authToken=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })

	// Every connection is greeted with connection-established.
	greeting := readFrame(t, conn)
	if greeting["type"] != "connection-established" {
		t.Fatalf("greeting type=%v, want connection-established", greeting["type"])
	}
	if greeting["appointmentId"] != sessionKey {
		t.Fatalf("greeting appointmentId=%v, want %s", greeting["appointmentId"], sessionKey)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return m
}

// expectSilence asserts no frame arrives within the wait. The connection is
// unusable afterwards, so call it last.
func expectSilence(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(wait))
	_, raw, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("unexpected frame: %s", raw)
	}
	if !strings.Contains(err.Error(), "timeout") && !strings.Contains(err.Error(), "deadline") {
		t.Fatalf("read: %v, want deadline timeout", err)
	}
}

func send(t *testing.T, conn *websocket.Conn, msg map[string]any) {
	t.Helper()
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestMissingParamsRejectedBeforeUpgrade(t *testing.T) {
	s := startStack(t, okBackend())

	for _, u := range []string{
		s.baseURL + "/audio-signaling",
		s.baseURL + "/chat-signaling?appointmentId=T1",
	} {
		resp, err := http.Get(u)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status=%d, want 400", u, resp.StatusCode)
		}
	}
}

func TestOfferRelayedToOthersNotSender(t *testing.T) {
	s := startStack(t, okBackend())

	a := s.dial(t, "/call-signaling", "T1", "1", "")
	b := s.dial(t, "/call-signaling", "T1", "2", "")

	send(t, a, map[string]any{
		"type":     "offer",
		"senderId": "1",
		"offer":    map[string]any{"type": "offer", "sdp": "v=0 o=- 100"},
	})

	got := readFrame(t, b)
	if got["type"] != "offer" {
		t.Fatalf("type=%v, want offer", got["type"])
	}
	if got["senderId"] != "1" {
		t.Fatalf("senderId=%v, want 1", got["senderId"])
	}
	offer, _ := got["offer"].(map[string]any)
	if offer == nil || offer["sdp"] != "v=0 o=- 100" {
		t.Fatalf("offer payload not relayed verbatim: %v", got["offer"])
	}

	expectSilence(t, a, 200*time.Millisecond)
}

func TestDuplicateOfferSuppressed(t *testing.T) {
	s := startStack(t, okBackend())

	a := s.dial(t, "/call-signaling", "T1", "1", "")
	b := s.dial(t, "/call-signaling", "T1", "2", "")

	offer := map[string]any{
		"type":  "offer",
		"offer": map[string]any{"type": "offer", "sdp": "v=0 o=- same"},
	}
	send(t, a, offer)
	send(t, a, offer)

	if got := readFrame(t, b); got["type"] != "offer" {
		t.Fatalf("type=%v, want offer", got["type"])
	}
	expectSilence(t, b, 300*time.Millisecond)
}

func TestICECandidatesReplayedToLateJoiner(t *testing.T) {
	s := startStack(t, okBackend())

	a := s.dial(t, "/audio-signaling", "T1", "1", "")
	for i := 0; i < 3; i++ {
		send(t, a, map[string]any{
			"type":      "ice-candidate",
			"candidate": map[string]any{"candidate": "cand", "sdpMLineIndex": i},
		})
	}

	// Give the server a moment to process before B joins.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if sess, ok := s.reg.Lookup("T1"); ok {
			probe := registry.NewMember("probe", "99", "unknown", "audio", "")
			if sess.ReplayICE(probe) == 3 {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("candidates never buffered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	b := s.dial(t, "/audio-signaling", "T1", "2", "")
	for i := 0; i < 3; i++ {
		got := readFrame(t, b)
		if got["type"] != "ice-candidate" {
			t.Fatalf("frame %d type=%v, want ice-candidate", i, got["type"])
		}
		cand, _ := got["candidate"].(map[string]any)
		if cand == nil || cand["sdpMLineIndex"] != float64(i) {
			t.Fatalf("frame %d out of order: %v", i, got["candidate"])
		}
	}
}

func TestChatMessagePersistedAndBroadcastToAll(t *testing.T) {
	var gotAuth string
	backendHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat/T1/messages" {
			t.Errorf("backend path=%s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    map[string]any{"id": 42, "message": "hi", "message_type": "text"},
		})
	})
	s := startStack(t, backendHandler)

	a := s.dial(t, "/chat-signaling", "T1", "1", "tokA")
	b := s.dial(t, "/chat-signaling", "T1", "2", "tokB")

	send(t, a, map[string]any{
		"type":     "chat-message",
		"senderId": "1",
		"message":  map[string]any{"message": "hi", "message_type": "text"},
	})

	// The canonical record reaches sender and peer alike.
	for _, conn := range []*websocket.Conn{a, b} {
		got := readFrame(t, conn)
		if got["type"] != "chat-message" {
			t.Fatalf("type=%v, want chat-message", got["type"])
		}
		rec, _ := got["message"].(map[string]any)
		if rec == nil || rec["id"] != float64(42) {
			t.Fatalf("message=%v, want persisted record with id 42", got["message"])
		}
	}

	if gotAuth != "Bearer tokA" {
		t.Fatalf("backend saw Authorization=%q, want sender's token", gotAuth)
	}
}

func TestChatMessageBackendFailureErrorsSenderOnly(t *testing.T) {
	backendHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]any{"success": false, "message": "db down"})
	})
	s := startStack(t, backendHandler)

	a := s.dial(t, "/chat-signaling", "T1", "1", "")
	b := s.dial(t, "/chat-signaling", "T1", "2", "")

	send(t, a, map[string]any{
		"type":    "chat-message",
		"message": map[string]any{"message": "hi", "message_type": "text"},
	})

	got := readFrame(t, a)
	if got["type"] != "error" {
		t.Fatalf("type=%v, want error frame for sender", got["type"])
	}
	expectSilence(t, b, 200*time.Millisecond)
}

func TestSessionStatusFallbackOnBackendFailure(t *testing.T) {
	backendHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(3 * time.Second) // force the gateway timeout
	})
	s := startStack(t, backendHandler)

	a := s.dial(t, "/chat-signaling", "text_session_42", "1", "")
	send(t, a, map[string]any{"type": "session-status-request"})

	conn := a
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v (a response frame is required, never silence)", err)
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["type"] != "session-status-response" {
		t.Fatalf("type=%v, want session-status-response", got["type"])
	}
	if got["fallback"] != true {
		t.Fatalf("fallback=%v, want true", got["fallback"])
	}
}

func TestMalformedFrameKeepsConnectionAlive(t *testing.T) {
	s := startStack(t, okBackend())

	a := s.dial(t, "/chat-signaling", "T1", "1", "")
	b := s.dial(t, "/chat-signaling", "T1", "2", "")

	a.SetWriteDeadline(time.Now().Add(time.Second))
	if err := a.WriteMessage(websocket.TextMessage, []byte("not json{")); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := readFrame(t, a)
	if got["type"] != "error" {
		t.Fatalf("type=%v, want error frame", got["type"])
	}

	// The connection still routes normally.
	send(t, a, map[string]any{"type": "typing-indicator", "isTyping": true})
	got = readFrame(t, b)
	if got["type"] != "typing-indicator" {
		t.Fatalf("type=%v, want typing-indicator", got["type"])
	}
	if got["senderId"] != "1" {
		t.Fatalf("senderId=%v, want stamped sender", got["senderId"])
	}
}

func TestUnknownTypeIgnored(t *testing.T) {
	s := startStack(t, okBackend())

	a := s.dial(t, "/chat-signaling", "T1", "1", "")
	b := s.dial(t, "/chat-signaling", "T1", "2", "")

	send(t, a, map[string]any{"type": "some-future-type", "payload": "x"})
	expectSilence(t, b, 300*time.Millisecond)
}

func TestSessionEndIdempotence(t *testing.T) {
	calls := 0
	backendHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			json.NewEncoder(w).Encode(map[string]any{"success": true, "data": map[string]any{}})
			return
		}
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{"success": false, "message": "already ended"})
	})
	s := startStack(t, backendHandler)

	a := s.dial(t, "/chat-signaling", "T1", "1", "")

	send(t, a, map[string]any{"type": "session-end-request", "reason": "done"})
	got := readFrame(t, a)
	if got["type"] != "session-ended" {
		t.Fatalf("type=%v, want session-ended", got["type"])
	}
	if got["reason"] != "done" {
		t.Fatalf("reason=%v, want done", got["reason"])
	}

	send(t, a, map[string]any{"type": "session-end-request", "reason": "done"})
	got = readFrame(t, a)
	if got["type"] != "error" {
		t.Fatalf("type=%v, want relayed backend error", got["type"])
	}
	if calls != 2 {
		t.Fatalf("backend calls=%d, want 2", calls)
	}
}

func TestAppointmentStartBroadcast(t *testing.T) {
	s := startStack(t, okBackend())

	a := s.dial(t, "/chat-signaling", "117", "1", "")
	b := s.dial(t, "/chat-signaling", "117", "2", "")

	send(t, a, map[string]any{"type": "appointment-start-request"})

	for _, conn := range []*websocket.Conn{a, b} {
		got := readFrame(t, conn)
		if got["type"] != "appointment-started" {
			t.Fatalf("type=%v, want appointment-started", got["type"])
		}
	}
}

func TestCallEndedReleasesCallState(t *testing.T) {
	s := startStack(t, okBackend())

	a := s.dial(t, "/call-signaling", "T1", "1", "")
	b := s.dial(t, "/call-signaling", "T1", "2", "")

	offer := map[string]any{
		"type":  "offer",
		"offer": map[string]any{"type": "offer", "sdp": "v=0 o=- end-test"},
	}
	send(t, a, offer)
	if got := readFrame(t, b); got["type"] != "offer" {
		t.Fatalf("type=%v, want offer", got["type"])
	}

	send(t, a, map[string]any{"type": "call-ended"})
	if got := readFrame(t, b); got["type"] != "call-ended" {
		t.Fatalf("type=%v, want call-ended", got["type"])
	}

	// The same offer negotiates afresh after teardown.
	send(t, a, offer)
	if got := readFrame(t, b); got["type"] != "offer" {
		t.Fatalf("type=%v, want offer relayed again after call-ended", got["type"])
	}
}

func TestPingAnsweredWithPong(t *testing.T) {
	s := startStack(t, okBackend())
	a := s.dial(t, "/chat-signaling", "T1", "1", "")

	send(t, a, map[string]any{"type": "ping"})
	if got := readFrame(t, a); got["type"] != "pong" {
		t.Fatalf("type=%v, want pong", got["type"])
	}
}

func TestUserIDRecoveredFromAuthToken(t *testing.T) {
	s := startStack(t, okBackend())

	// Signature is not checked for the identity hint, any signing key works.
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256,
		jwt.MapClaims{"user_id": "7"}).SignedString([]byte("whatever"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	u := s.wsURL + "/chat-signaling?appointmentId=T1&authToken=" + token
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	greeting := readFrame(t, conn)
	if greeting["userId"] != "7" {
		t.Fatalf("userId=%v, want 7 recovered from token claims", greeting["userId"])
	}
}

func TestHealthReportsCounts(t *testing.T) {
	s := startStack(t, okBackend())

	s.dial(t, "/chat-signaling", "T1", "1", "")
	s.dial(t, "/chat-signaling", "T1", "2", "")
	s.dial(t, "/audio-signaling", "T2", "3", "")

	resp, err := http.Get(s.baseURL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("status=%v", body["status"])
	}
	if body["activeSessions"] != float64(2) {
		t.Fatalf("activeSessions=%v, want 2", body["activeSessions"])
	}
	if body["totalConnections"] != float64(3) {
		t.Fatalf("totalConnections=%v, want 3", body["totalConnections"])
	}
	if body["redis"] != "off" {
		t.Fatalf("redis=%v, want off when unconfigured", body["redis"])
	}
}
