package reliability

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ziadkadry99/turnkeeper/internal/stage"
	"github.com/ziadkadry99/turnkeeper/internal/turns"
)

// Inbound is a turn received from a client.
type Inbound struct {
	SessionID string
	UserID    string
	// ClientTurnID overrides the derived turn id when set.
	ClientTurnID string
	// TurnNumber is assigned from the session counter when zero.
	TurnNumber int
	Content    string
}

// Admission is the verdict on an inbound turn.
type Admission struct {
	Outcome    turns.Outcome
	TurnID     string
	TurnNumber int
	Stage      stage.Stage
	// Result is the stored result of a replayed turn.
	Result string
}

// Admit decides whether in is a new turn, a replay of a committed one, a
// network retry of one in flight, or a conflict. A new turn is recorded as
// pending. Conflicts return ErrConflict and change nothing.
func (m *Manager) Admit(ctx context.Context, in Inbound) (Admission, error) {
	m.mu.Lock()
	st := stage.Opening
	counter := 0
	if state, ok := m.sessions[in.SessionID]; ok {
		st = state.Stage
		counter = state.TurnCounter
	}
	m.mu.Unlock()

	if in.TurnNumber <= 0 {
		in.TurnNumber = m.nextTurnNumber(in, counter)
	}
	adm := Admission{
		TurnID:     TurnID(in.SessionID, in.UserID, in.TurnNumber, in.Content, in.ClientTurnID),
		TurnNumber: in.TurnNumber,
		Stage:      st,
	}

	if m.guard.IsDuplicate(in.SessionID, adm.TurnID) {
		result, ok, err := m.turns.Result(ctx, in.SessionID, adm.TurnID)
		if err != nil {
			return adm, err
		}
		if ok {
			adm.Outcome = turns.Replay
			adm.Result = result
			return adm, nil
		}
	}
	m.guard.MarkSeen(in.SessionID, adm.TurnID)

	outcome, result, err := m.turns.Begin(ctx, turns.Message{
		SessionID:  in.SessionID,
		TurnNumber: in.TurnNumber,
		TurnID:     adm.TurnID,
		Content:    in.Content,
		Stage:      st,
	}, m.opts.ConflictWindow)
	if err != nil {
		m.guard.ClearSeen(in.SessionID, adm.TurnID)
		return adm, err
	}
	adm.Outcome = outcome
	adm.Result = result

	if outcome == turns.Conflict {
		m.log.Info("conflicting turn resend", zap.String("session", in.SessionID), zap.String("turn_id", adm.TurnID))
		return adm, fmt.Errorf("turn %s: %w", adm.TurnID, ErrConflict)
	}
	return adm, nil
}

// nextTurnNumber assigns a turn number to an inbound turn that carries
// neither a turn id nor a number. Content identical to the last turn, sent
// while that turn is still guarded, is a resend of it and keeps its number
// so that the derived ids collide.
func (m *Manager) nextTurnNumber(in Inbound, counter int) int {
	if counter > 0 && strings.TrimSpace(in.ClientTurnID) == "" {
		prev := TurnID(in.SessionID, in.UserID, counter, in.Content, "")
		if m.guard.IsDuplicate(in.SessionID, prev) {
			return counter
		}
	}
	return counter + 1
}

// Complete commits a started turn with its reply and serialized result and
// advances the session state.
func (m *Manager) Complete(ctx context.Context, session string, adm Admission, userMessage, reply string, st stage.Stage, result string) error {
	if err := m.turns.Commit(ctx, turns.Message{
		SessionID:  session,
		TurnNumber: adm.TurnNumber,
		TurnID:     adm.TurnID,
		Content:    reply,
		Stage:      st,
	}, result); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.sessions[session]
	if !ok {
		return nil
	}
	if adm.TurnNumber > state.TurnCounter {
		state.TurnCounter = adm.TurnNumber
	}
	if st.Valid() {
		state.Stage = st
	}
	state.History = append(state.History, HistoryEntry{
		TurnNumber:  adm.TurnNumber,
		TurnID:      adm.TurnID,
		UserMessage: userMessage,
		Reply:       reply,
		Stage:       st,
	})
	if over := len(state.History) - m.opts.HistoryLimit; over > 0 {
		state.History = append([]HistoryEntry(nil), state.History[over:]...)
	}
	return nil
}

// Fail forgets a started turn so that nothing of it persists and the client
// may retry with the same turn id.
func (m *Manager) Fail(ctx context.Context, session string, adm Admission) error {
	m.guard.ClearSeen(session, adm.TurnID)
	return m.turns.Abort(ctx, session, adm.TurnID)
}
