package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		fb      Feedback
		wantErr bool
	}{
		{"ok", Feedback{SessionID: "s", DecisionID: "d", Reward: 0.5}, false},
		{"missing decision", Feedback{SessionID: "s", Reward: 0.5}, true},
		{"reward too high", Feedback{SessionID: "s", DecisionID: "d", Reward: 1.5}, true},
		{"reward too low", Feedback{SessionID: "s", DecisionID: "d", Reward: -2}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fb.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestHTTPSinkSend(t *testing.T) {
	var got Feedback
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	fb := Feedback{SessionID: "s1", DecisionID: "d1", Reward: 1, Signals: map[string]float64{"rapport": 0.8}}
	if err := NewHTTPSink(srv.URL).Send(context.Background(), fb); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.DecisionID != "d1" || got.Signals["rapport"] != 0.8 {
		t.Errorf("unexpected payload %+v", got)
	}
}

func TestHTTPSinkStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if err := NewHTTPSink(srv.URL).Send(context.Background(), Feedback{}); err == nil {
		t.Fatal("expected error for 502")
	}
}

func TestLogSink(t *testing.T) {
	if err := NewLogSink(nil).Send(context.Background(), Feedback{SessionID: "s"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
}
