// Package gateway serves session turns over WebSocket.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ziadkadry99/turnkeeper/internal/audit"
	"github.com/ziadkadry99/turnkeeper/internal/blackboard"
	"github.com/ziadkadry99/turnkeeper/internal/coordinator"
	"github.com/ziadkadry99/turnkeeper/internal/feedback"
	"github.com/ziadkadry99/turnkeeper/internal/orchestrator"
	"github.com/ziadkadry99/turnkeeper/internal/reliability"
	"github.com/ziadkadry99/turnkeeper/internal/turns"
)

const (
	maxMessageSize = 64 << 10
	turnQueueSize  = 16
	feedbackWait   = 10 * time.Second
	commitAttempts = 2
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Gateway connects websocket clients to the turn pipeline.
type Gateway struct {
	reliability  *reliability.Manager
	orchestrator orchestrator.Orchestrator
	coordinator  *coordinator.Coordinator
	feedback     feedback.Sink
	audit        audit.Recorder
	log          *zap.Logger

	inflight sync.WaitGroup
}

// New creates a gateway.
func New(rel *reliability.Manager, orch orchestrator.Orchestrator, coord *coordinator.Coordinator, fb feedback.Sink, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{
		reliability:  rel,
		orchestrator: orch,
		coordinator:  coord,
		feedback:     fb,
		log:          log,
	}
}

// WithAudit records notable session events to rec.
func (g *Gateway) WithAudit(rec audit.Recorder) *Gateway {
	g.audit = rec
	return g
}

// record writes an audit entry when a recorder is configured. Failures are
// logged and otherwise ignored.
func (g *Gateway) record(ctx context.Context, sess session, e audit.Entry) {
	if g.audit == nil {
		return
	}
	e.SessionID = sess.id
	e.UserID = sess.user
	if err := g.audit.Log(context.WithoutCancel(ctx), e); err != nil {
		g.log.Warn("recording audit entry failed", zap.String("session", sess.id), zap.String("action", string(e.Action)), zap.Error(err))
	}
}

// RegisterRoutes mounts the websocket endpoint.
func (g *Gateway) RegisterRoutes(r chi.Router) {
	r.Get("/ws/sessions/{sessionID}", g.handleWebSocket)
}

// Wait blocks until every turn being processed has finished.
func (g *Gateway) Wait() { g.inflight.Wait() }

type session struct {
	id     string
	user   string
	tenant string
	conn   *conn
}

func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sess := session{
		id:     chi.URLParam(r, "sessionID"),
		user:   r.URL.Query().Get("user_id"),
		tenant: r.URL.Query().Get("tenant_id"),
	}
	if sess.user == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()
	ws.SetReadLimit(maxMessageSize)

	c := newConn(ws)
	sess.conn = c

	rec, err := g.reliability.Connect(r.Context(), sess.id, sess.user, c)
	if err != nil {
		g.log.Error("connecting session", zap.String("session", sess.id), zap.Error(err))
		if err := ws.WriteJSON(errorMessage{Type: "error", Category: string(orchestrator.CategoryInternal), Message: "session unavailable"}); err != nil {
			g.log.Debug("writing connect error", zap.String("session", sess.id), zap.Error(err))
		}
		return
	}
	go c.writeLoop()
	if rec != nil {
		c.sendJSON(recoveredMessage{
			Type:          "recovered",
			SessionID:     sess.id,
			Stage:         rec.Snapshot.Stage,
			Turn:          rec.Snapshot.TurnCounter,
			BlackboardKey: rec.Snapshot.BlackboardKey,
			History:       rec.Snapshot.History,
		})
		g.record(r.Context(), sess, audit.Entry{
			ActorType:  audit.ActorSystem,
			Action:     audit.ActionSessionRecovered,
			TurnNumber: rec.Snapshot.TurnCounter,
			Summary:    "session restored from snapshot",
		})
	}

	queue := make(chan clientMessage, turnQueueSize)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		for msg := range queue {
			if c.closed() {
				continue
			}
			g.handleTurn(r.Context(), sess, msg)
		}
	}()

	g.readLoop(r.Context(), sess, queue)

	c.close()
	close(queue)
	<-workerDone

	if _, err := g.reliability.Disconnect(context.WithoutCancel(r.Context()), sess.id, c); err != nil {
		g.log.Warn("saving session snapshot failed", zap.String("session", sess.id), zap.Error(err))
	}
}

func (g *Gateway) readLoop(ctx context.Context, sess session, queue chan<- clientMessage) {
	for {
		_, data, err := sess.conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.log.Debug("websocket read", zap.String("session", sess.id), zap.Error(err))
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			sess.conn.sendJSON(errorMessage{Type: "error", Category: string(orchestrator.CategoryInternal), Message: "invalid message format"})
			continue
		}

		switch msg.Type {
		case "message", "text":
			if msg.Content == "" {
				sess.conn.sendJSON(errorMessage{Type: "error", Category: string(orchestrator.CategoryInternal), Message: "content is required", TurnID: msg.TurnID})
				continue
			}
			queue <- msg
		case "ack":
			g.reliability.Ack(sess.id, msg.Sequence)
		case "feedback":
			g.handleFeedback(ctx, sess, msg)
		default:
			sess.conn.sendJSON(errorMessage{Type: "error", Category: string(orchestrator.CategoryInternal), Message: "unknown message type: " + msg.Type})
		}
	}
}

// handleTurn runs one inbound turn. Processing is detached from the
// connection so that a disconnect never interrupts tier writes.
func (g *Gateway) handleTurn(parent context.Context, sess session, msg clientMessage) {
	g.inflight.Add(1)
	defer g.inflight.Done()
	ctx := context.WithoutCancel(parent)
	log := g.log.With(zap.String("session", sess.id))

	adm, err := g.reliability.Admit(ctx, reliability.Inbound{
		SessionID:    sess.id,
		UserID:       sess.user,
		ClientTurnID: msg.TurnID,
		TurnNumber:   msg.Turn,
		Content:      msg.Content,
	})
	if errors.Is(err, reliability.ErrConflict) {
		sess.conn.sendJSON(conflictMessage{Type: "conflict", TurnID: adm.TurnID, Message: "turn id already used with different content"})
		g.record(ctx, sess, audit.Entry{
			ActorType: audit.ActorClient,
			Action:    audit.ActionTurnConflict,
			TurnID:    adm.TurnID,
			Summary:   "turn id already used with different content",
		})
		return
	}
	if err != nil {
		log.Error("admitting turn", zap.Error(err))
		sess.conn.sendJSON(errorMessage{Type: "error", Category: string(orchestrator.CategoryInternal), Message: "turn could not be recorded", TurnID: adm.TurnID})
		return
	}

	switch adm.Outcome {
	case turns.InFlight:
		log.Debug("dropping network retry", zap.String("turn_id", adm.TurnID))
		return
	case turns.Replay:
		g.replay(sess, adm)
		g.record(ctx, sess, audit.Entry{
			ActorType:  audit.ActorClient,
			Action:     audit.ActionTurnReplayed,
			TurnID:     adm.TurnID,
			TurnNumber: adm.TurnNumber,
			Summary:    "committed result resent",
		})
		return
	}

	view := g.coordinator.ContextView(ctx, sess.id, sess.user)
	resp, err := g.orchestrator.Generate(ctx, orchestrator.Request{
		SessionID:   sess.id,
		UserID:      sess.user,
		TurnNumber:  adm.TurnNumber,
		UserMessage: msg.Content,
		Stage:       adm.Stage,
		Context:     view.Text(),
	})
	if err != nil {
		g.fail(ctx, sess, adm, orchestrator.Categorize(err), "reply generation failed", err)
		return
	}

	turnStage := resp.Stage
	if !turnStage.Valid() {
		turnStage = adm.Stage
	}
	out, err := g.coordinator.ProcessTurn(ctx, coordinator.TurnInput{
		SessionID:     sess.id,
		UserID:        sess.user,
		TenantID:      sess.tenant,
		TurnID:        adm.TurnID,
		TurnNumber:    adm.TurnNumber,
		Stage:         turnStage,
		PreviousStage: adm.Stage,
		UserInput:     msg.Content,
		Reply:         resp.Reply,
		Mood:          resp.MoodEstimate,
	})
	if err != nil {
		category := orchestrator.CategoryInternal
		if errors.Is(err, coordinator.ErrLockTimeout) {
			category = orchestrator.CategoryTimeout
		}
		g.fail(ctx, sess, adm, category, "turn processing failed", err)
		return
	}

	result := turnResult(adm, msg.Content, resp, out)
	stored, err := json.Marshal(result)
	if err != nil {
		log.Error("encoding turn result", zap.Error(err))
		return
	}
	if err := g.complete(ctx, sess, adm, msg.Content, resp.Reply, out, string(stored)); err != nil {
		g.fail(ctx, sess, adm, orchestrator.CategoryInternal, "turn could not be committed", err)
		return
	}

	if _, err := g.reliability.SendTracked(sess.id, result); err != nil {
		log.Debug("turn result not delivered", zap.String("turn_id", adm.TurnID), zap.Error(err))
	}

	if out.State.Stage != adm.Stage {
		g.record(ctx, sess, audit.Entry{
			ActorType:  audit.ActorOrchestrator,
			Action:     audit.ActionStageTransition,
			TurnID:     adm.TurnID,
			TurnNumber: adm.TurnNumber,
			Summary:    string(adm.Stage) + " -> " + string(out.State.Stage),
		})
	}
	if out.Decision.Compliance == blackboard.ComplianceBlock {
		g.record(ctx, sess, audit.Entry{
			ActorType:  audit.ActorSystem,
			Action:     audit.ActionComplianceBlock,
			TurnID:     adm.TurnID,
			TurnNumber: adm.TurnNumber,
			Summary:    "decision " + out.Decision.ID + " blocked",
			Detail:     out.Decision.Reasoning,
		})
	}
}

// complete commits the turn, trying once more before giving up. The tiers
// tolerate a reprocessed turn, so a failed commit leaves the turn retryable.
func (g *Gateway) complete(ctx context.Context, sess session, adm reliability.Admission, userMessage, reply string, out *coordinator.TurnOutput, result string) error {
	var err error
	for attempt := 0; attempt < commitAttempts; attempt++ {
		if err = g.reliability.Complete(ctx, sess.id, adm, userMessage, reply, out.State.Stage, result); err == nil {
			return nil
		}
		g.log.Warn("committing turn", zap.String("session", sess.id), zap.String("turn_id", adm.TurnID), zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return err
}

func (g *Gateway) replay(sess session, adm reliability.Admission) {
	var result map[string]any
	if err := json.Unmarshal([]byte(adm.Result), &result); err != nil {
		g.log.Error("decoding stored result", zap.String("session", sess.id), zap.String("turn_id", adm.TurnID), zap.Error(err))
		sess.conn.sendJSON(errorMessage{Type: "error", Category: string(orchestrator.CategoryInternal), Message: "stored result unreadable", TurnID: adm.TurnID})
		return
	}
	result["replay"] = true
	if _, err := g.reliability.SendTracked(sess.id, result); err != nil {
		g.log.Debug("replay not delivered", zap.String("session", sess.id), zap.Error(err))
	}
}

func (g *Gateway) fail(ctx context.Context, sess session, adm reliability.Admission, category orchestrator.Category, message string, cause error) {
	g.log.Warn(message,
		zap.String("session", sess.id),
		zap.String("turn_id", adm.TurnID),
		zap.String("category", string(category)),
		zap.Error(cause))
	if err := g.reliability.Fail(ctx, sess.id, adm); err != nil {
		g.log.Error("aborting turn", zap.String("session", sess.id), zap.Error(err))
	}
	sess.conn.sendJSON(errorMessage{Type: "error", Category: string(category), Message: message, TurnID: adm.TurnID})
	g.record(ctx, sess, audit.Entry{
		ActorType:  audit.ActorOrchestrator,
		Action:     audit.ActionTurnFailed,
		TurnID:     adm.TurnID,
		TurnNumber: adm.TurnNumber,
		Summary:    message + " (" + string(category) + ")",
		Detail:     cause.Error(),
	})
}

func turnResult(adm reliability.Admission, userMessage string, resp *orchestrator.Response, out *coordinator.TurnOutput) map[string]any {
	metadata := map[string]any{
		"mood_estimate":      resp.MoodEstimate,
		"latency_estimate":   resp.LatencyEstimate,
		"decision_id":        out.Decision.ID,
		"importance":         out.Scores.Final,
		"persistent":         out.Scores.Persistent,
		"blackboard_version": out.Blackboard.Version,
		"next_best_action":   out.Summary.Facts.NextBestAction,
	}
	for k, v := range resp.Metadata {
		if _, taken := metadata[k]; !taken {
			metadata[k] = v
		}
	}
	return map[string]any{
		"type":         "turn_result",
		"turn":         adm.TurnNumber,
		"user_message": userMessage,
		"npc_response": resp.Reply,
		"stage":        string(out.State.Stage),
		"turn_id":      adm.TurnID,
		"metadata":     metadata,
	}
}

func (g *Gateway) handleFeedback(ctx context.Context, sess session, msg clientMessage) {
	fb := feedback.Feedback{
		SessionID:  sess.id,
		UserID:     sess.user,
		DecisionID: msg.DecisionID,
		TurnNumber: msg.Turn,
		Reward:     msg.Reward,
		Signals:    msg.Signals,
		At:         time.Now().UTC(),
	}
	ack := feedbackAck{Type: "feedback_ack", DecisionID: msg.DecisionID}
	if err := fb.Validate(); err != nil {
		ack.Error = err.Error()
		sess.conn.sendJSON(ack)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), feedbackWait)
	defer cancel()
	if err := g.feedback.Send(ctx, fb); err != nil {
		g.log.Warn("forwarding feedback failed", zap.String("session", sess.id), zap.String("decision", fb.DecisionID), zap.Error(err))
		ack.Error = "feedback not delivered"
	} else {
		ack.OK = true
	}
	sess.conn.sendJSON(ack)
	g.record(ctx, sess, audit.Entry{
		ActorType:  audit.ActorClient,
		Action:     audit.ActionFeedback,
		TurnNumber: fb.TurnNumber,
		Summary:    fmt.Sprintf("reward %.2f for decision %s", fb.Reward, fb.DecisionID),
		Detail:     ack.Error,
	})
}
