package relay

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/loqui-app/callkit/internal/config"
)

type testEnv struct {
	handlers *Handlers
	store    *Store
	router   *gin.Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := newTestStore(t)
	cfg := &config.Config{
		JWTSecret:      "test-secret",
		MediaServerURL: "wss://media.test",
		AudioRate:      10,
		VideoRate:      20,
	}
	h := New(cfg, store, NewHub(), nil, websocket.Upgrader{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	router := gin.New()
	router.POST("/api/auth/login", h.Login)
	router.GET("/api/ws", h.HandleWebSocket)
	authed := router.Group("/api", h.AuthMiddleware())
	authed.GET("/me", h.GetMe)
	authed.GET("/balance", h.GetBalance)
	authed.GET("/calls", h.GetCallHistory)
	authed.POST("/calls", h.CreateCall)
	authed.POST("/calls/:call_id/status", h.UpdateCallStatus)

	return &testEnv{handlers: h, store: store, router: router}
}

func (e *testEnv) request(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// login creates the user if needed and returns its ID and bearer token.
func (e *testEnv) login(t *testing.T, username string) (userID, token string) {
	t.Helper()
	w := e.request(t, http.MethodPost, "/api/auth/login", "", gin.H{"username": username})
	if w.Code != http.StatusOK {
		t.Fatalf("login %s failed with %d: %s", username, w.Code, w.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
		User  User   `json:"user"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return resp.User.ID, resp.Token
}

func TestLoginIssuesUsableToken(t *testing.T) {
	env := newTestEnv(t)

	userID, token := env.login(t, "alice")
	if userID == "" || token == "" {
		t.Fatal("login returned an empty user or token")
	}

	w := env.request(t, http.MethodGet, "/api/me", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("authenticated /me failed with %d", w.Code)
	}
	var me User
	if err := json.Unmarshal(w.Body.Bytes(), &me); err != nil {
		t.Fatalf("decode /me response: %v", err)
	}
	if me.Username != "alice" {
		t.Fatalf("expected alice, got %q", me.Username)
	}

	if w := env.request(t, http.MethodGet, "/api/me", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("missing token should be 401, got %d", w.Code)
	}
	if w := env.request(t, http.MethodGet, "/api/me", "garbage", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("bad token should be 401, got %d", w.Code)
	}
	if w := env.request(t, http.MethodPost, "/api/auth/login", "", gin.H{"username": "ab"}); w.Code != http.StatusBadRequest {
		t.Fatalf("short username should be 400, got %d", w.Code)
	}
}

func TestCreateCallGatesOnWalletAndReceiver(t *testing.T) {
	env := newTestEnv(t)
	aliceID, aliceToken := env.login(t, "alice")
	bobID, _ := env.login(t, "bob")

	// Empty wallet cannot start a call.
	w := env.request(t, http.MethodPost, "/api/calls", aliceToken, gin.H{"receiver_id": bobID, "kind": "video"})
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402 for an empty wallet, got %d", w.Code)
	}

	if err := env.store.Credit(aliceID, 20); err != nil {
		t.Fatalf("credit failed: %v", err)
	}

	w = env.request(t, http.MethodPost, "/api/calls", aliceToken, gin.H{"receiver_id": bobID, "kind": "video"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp createCallResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.CallID == "" || resp.Token == "" {
		t.Fatal("response is missing the call ID or media token")
	}
	if !strings.HasPrefix(resp.Room, "call-") {
		t.Fatalf("unexpected room %q", resp.Room)
	}
	if resp.ServerURL != "wss://media.test" {
		t.Fatalf("unexpected media server URL %q", resp.ServerURL)
	}
	if resp.PeerIsHost {
		t.Fatal("bob is not a host")
	}

	if w := env.request(t, http.MethodPost, "/api/calls", aliceToken, gin.H{"receiver_id": aliceID, "kind": "audio"}); w.Code != http.StatusBadRequest {
		t.Fatalf("self-call should be 400, got %d", w.Code)
	}
	if w := env.request(t, http.MethodPost, "/api/calls", aliceToken, gin.H{"receiver_id": "nobody", "kind": "audio"}); w.Code != http.StatusNotFound {
		t.Fatalf("unknown receiver should be 404, got %d", w.Code)
	}
	if w := env.request(t, http.MethodPost, "/api/calls", aliceToken, gin.H{"receiver_id": bobID, "kind": "screen"}); w.Code != http.StatusBadRequest {
		t.Fatalf("invalid kind should be 400, got %d", w.Code)
	}
}

func TestUpdateCallStatusDebitsCallerOnce(t *testing.T) {
	env := newTestEnv(t)
	aliceID, aliceToken := env.login(t, "alice")
	bobID, bobToken := env.login(t, "bob")
	_, charlieToken := env.login(t, "charlie")

	if err := env.store.Credit(aliceID, 100); err != nil {
		t.Fatalf("credit failed: %v", err)
	}

	w := env.request(t, http.MethodPost, "/api/calls", aliceToken, gin.H{"receiver_id": bobID, "kind": "audio"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create call failed with %d", w.Code)
	}
	var created createCallResponse
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}

	if w := env.request(t, http.MethodPost, "/api/calls/"+created.CallID+"/status", charlieToken,
		gin.H{"status": "completed", "duration_seconds": 90}); w.Code != http.StatusForbidden {
		t.Fatalf("non-participant should be 403, got %d", w.Code)
	}

	// 90 seconds of audio rounds up to 2 minutes at 10 coins each.
	w = env.request(t, http.MethodPost, "/api/calls/"+created.CallID+"/status", bobToken,
		gin.H{"status": "completed", "duration_seconds": 90})
	if w.Code != http.StatusOK {
		t.Fatalf("status update failed with %d: %s", w.Code, w.Body.String())
	}
	var record CallRecord
	if err := json.Unmarshal(w.Body.Bytes(), &record); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if record.Status != CallStatusCompleted || record.CoinsCharged != 20 {
		t.Fatalf("unexpected record after completion: %+v", record)
	}

	coins, err := env.store.WalletCoins(aliceID)
	if err != nil {
		t.Fatalf("wallet lookup failed: %v", err)
	}
	if coins != 80 {
		t.Fatalf("expected 80 coins after the debit, got %d", coins)
	}

	// The second report does not re-charge or overwrite.
	w = env.request(t, http.MethodPost, "/api/calls/"+created.CallID+"/status", aliceToken,
		gin.H{"status": "rejected"})
	if w.Code != http.StatusOK {
		t.Fatalf("duplicate report failed with %d", w.Code)
	}
	if err := json.Unmarshal(w.Body.Bytes(), &record); err != nil {
		t.Fatalf("decode duplicate response: %v", err)
	}
	if record.Status != CallStatusCompleted {
		t.Fatalf("duplicate report overwrote the status: %s", record.Status)
	}
	if coins, _ := env.store.WalletCoins(aliceID); coins != 80 {
		t.Fatalf("duplicate report re-charged the wallet: %d", coins)
	}

	if w := env.request(t, http.MethodPost, "/api/calls/missing/status", aliceToken,
		gin.H{"status": "missed"}); w.Code != http.StatusNotFound {
		t.Fatalf("unknown call should be 404, got %d", w.Code)
	}
}

func TestGetBalance(t *testing.T) {
	env := newTestEnv(t)
	aliceID, aliceToken := env.login(t, "alice")

	if err := env.store.Credit(aliceID, 15); err != nil {
		t.Fatalf("credit failed: %v", err)
	}

	w := env.request(t, http.MethodGet, "/api/balance", aliceToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("balance failed with %d", w.Code)
	}
	var audio balanceResponse
	if err := json.Unmarshal(w.Body.Bytes(), &audio); err != nil {
		t.Fatalf("decode balance: %v", err)
	}
	if !audio.HasBalance || audio.Coins != 15 || audio.Rate != 10 {
		t.Fatalf("unexpected audio balance: %+v", audio)
	}

	w = env.request(t, http.MethodGet, "/api/balance?kind=video", aliceToken, nil)
	var video balanceResponse
	if err := json.Unmarshal(w.Body.Bytes(), &video); err != nil {
		t.Fatalf("decode balance: %v", err)
	}
	if video.HasBalance || video.Rate != 20 {
		t.Fatalf("15 coins should not cover a video minute: %+v", video)
	}

	if w := env.request(t, http.MethodGet, "/api/balance?kind=screen", aliceToken, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("invalid kind should be 400, got %d", w.Code)
	}
}

func TestCallHistory(t *testing.T) {
	env := newTestEnv(t)
	aliceID, aliceToken := env.login(t, "alice")
	bobID, _ := env.login(t, "bob")

	if _, err := env.store.CreateCall(aliceID, bobID, "audio"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := env.store.CreateCall(bobID, aliceID, "video"); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	w := env.request(t, http.MethodGet, "/api/calls", aliceToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("history failed with %d", w.Code)
	}
	var resp struct {
		Calls []CallRecord `json:"calls"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(resp.Calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(resp.Calls))
	}
}
