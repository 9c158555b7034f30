package ltm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ziadkadry99/turnkeeper/internal/kv"
)

// Sink is the long-term memory destination.
type Sink interface {
	Store(ctx context.Context, ev Event) error
}

// WebhookSink POSTs events to an external long-term memory service.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink creates a sink posting to url.
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Store POSTs ev as JSON.
func (w *WebhookSink) Store(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding ltm event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating ltm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending ltm event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("ltm sink returned status %d", resp.StatusCode)
	}
	return nil
}

// userHistoryMax bounds the per-user long-term list of KVSink.
const userHistoryMax = 500

// UserKey returns the key of a user's long-term event list.
func UserKey(user string) string { return "ltm:" + user }

// KVSink keeps long-term events in a bounded per-user list of the shared
// store. It is used when no external service is configured.
type KVSink struct {
	kv kv.Store
}

// NewKVSink creates a sink on store.
func NewKVSink(store kv.Store) *KVSink {
	return &KVSink{kv: store}
}

// Store appends ev to the user's list.
func (k *KVSink) Store(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding ltm event: %w", err)
	}
	owner := ev.UserID
	if owner == "" {
		owner = ev.SessionID
	}
	if err := k.kv.PushTrim(ctx, UserKey(owner), string(data), userHistoryMax); err != nil {
		return fmt.Errorf("storing ltm event: %w", err)
	}
	return nil
}
