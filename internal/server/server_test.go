package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ziadkadry99/turnkeeper/internal/blackboard"
	"github.com/ziadkadry99/turnkeeper/internal/changestream"
	"github.com/ziadkadry99/turnkeeper/internal/db"
	"github.com/ziadkadry99/turnkeeper/internal/kv"
	"github.com/ziadkadry99/turnkeeper/internal/stage"
)

type testEnv struct {
	srv       *Server
	publisher *changestream.Publisher
	boards    *blackboard.Store
}

func setup(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	store := kv.NewLocalStore()
	boards := blackboard.NewStore(store, nil)
	pub := changestream.NewPublisher(store, nil)
	return &testEnv{
		srv:       New(cfg, database, store, boards, pub, nil),
		publisher: pub,
		boards:    boards,
	}
}

func TestHealthCheck(t *testing.T) {
	env := setup(t, Config{})

	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	env.srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status 'ok', got %q", body["status"])
	}
}

func TestCORSHeaders(t *testing.T) {
	env := setup(t, Config{AllowAll: true})

	req := httptest.NewRequest("OPTIONS", "/healthz", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	w := httptest.NewRecorder()
	env.srv.Router().ServeHTTP(w, req)

	if w.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Error("expected CORS Allow-Origin header")
	}
}

func TestSessionState(t *testing.T) {
	env := setup(t, Config{})

	req := httptest.NewRequest("GET", "/api/sessions/s1/state", nil)
	w := httptest.NewRecorder()
	env.srv.Router().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before any publish, got %d", w.Code)
	}

	_, err := env.publisher.Publish(context.Background(), changestream.State{
		SessionID: "s1", TurnNumber: 3, TurnID: "t3", Stage: stage.Closing,
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	w = httptest.NewRecorder()
	env.srv.Router().ServeHTTP(w, httptest.NewRequest("GET", "/api/sessions/s1/state", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var st changestream.State
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if st.TurnNumber != 3 || st.Stage != stage.Closing {
		t.Errorf("unexpected state %+v", st)
	}
}

func TestSessionBlackboard(t *testing.T) {
	env := setup(t, Config{})

	w := httptest.NewRecorder()
	env.srv.Router().ServeHTTP(w, httptest.NewRequest("GET", "/api/sessions/fresh/blackboard", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var b blackboard.Blackboard
	if err := json.Unmarshal(w.Body.Bytes(), &b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if b.SessionID != "fresh" || b.Stage.Current != stage.Opening {
		t.Errorf("expected a fresh board, got %+v", b)
	}
}
