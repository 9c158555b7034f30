// Package reliability delivers turns over an unreliable duplex channel:
// inbound turns are deduplicated and checked for conflicts, outbound chunks
// are tracked until acknowledged, and session state survives reconnects.
package reliability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ziadkadry99/turnkeeper/internal/blackboard"
	"github.com/ziadkadry99/turnkeeper/internal/stage"
	"github.com/ziadkadry99/turnkeeper/internal/turns"
)

var (
	// ErrConflict reports a resent turn id carrying different content.
	ErrConflict = errors.New("reliability: conflicting turn")
	// ErrNotConnected reports a send to a session without a connection.
	ErrNotConnected = errors.New("reliability: session not connected")
)

// Options configure a Manager. Zero values take the defaults.
type Options struct {
	GuardTTL       time.Duration
	ConflictWindow time.Duration
	RetryBase      time.Duration
	ScanInterval   time.Duration
	MaxRetries     int
	HistoryLimit   int
}

func (o *Options) withDefaults() {
	if o.GuardTTL <= 0 {
		o.GuardTTL = DefaultGuardTTL
	}
	if o.ConflictWindow <= 0 {
		o.ConflictWindow = 30 * time.Second
	}
	if o.RetryBase <= 0 {
		o.RetryBase = time.Second
	}
	if o.ScanInterval <= 0 {
		o.ScanInterval = 2 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 10
	}
}

// Sender writes one frame to a client connection.
type Sender interface {
	Send(payload []byte) error
}

// Recovery is returned by Connect when a snapshot was restored.
type Recovery struct {
	Snapshot Snapshot
}

// SessionState is the in-memory state of a connected session.
type SessionState struct {
	UserID      string
	Stage       stage.Stage
	TurnCounter int
	History     []HistoryEntry
}

type connection struct {
	out     Sender
	nextSeq int64
	pending map[int64]*PendingChunk
}

// Manager is the turn reliability layer of one process.
type Manager struct {
	turns     *turns.Store
	snapshots *SnapshotStore
	guard     *Guard
	opts      Options
	log       *zap.Logger
	now       func() time.Time

	mu       sync.Mutex
	conns    map[string]*connection
	sessions map[string]*SessionState
	loop     *scanLoop
}

// NewManager creates a manager over the turn and snapshot stores.
func NewManager(turnStore *turns.Store, snapshots *SnapshotStore, opts Options, log *zap.Logger) *Manager {
	opts.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		turns:     turnStore,
		snapshots: snapshots,
		guard:     NewGuard(opts.GuardTTL),
		opts:      opts,
		log:       log,
		now:       time.Now,
		conns:     make(map[string]*connection),
		sessions:  make(map[string]*SessionState),
	}
}

// Guard returns the inbound turn guard.
func (m *Manager) Guard() *Guard { return m.guard }

// Connect registers out as the connection of session. A snapshot left by
// the same user is restored and returned; otherwise state is rebuilt from
// committed turns. The retransmission loop starts with the first connection.
func (m *Manager) Connect(ctx context.Context, session, user string, out Sender) (*Recovery, error) {
	state, recovery, err := m.loadState(ctx, session, user)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	conn := &connection{out: out, pending: make(map[int64]*PendingChunk)}
	if prev, ok := m.conns[session]; ok {
		conn.nextSeq = prev.nextSeq
	}
	m.conns[session] = conn
	if existing, ok := m.sessions[session]; ok && existing.UserID == user {
		recovery = nil
	} else {
		m.sessions[session] = state
	}

	if m.loop == nil {
		m.loop = startScanLoop(m.opts.ScanInterval, m.scan)
	}

	m.log.Debug("session connected", zap.String("session", session), zap.String("user", user), zap.Bool("recovered", recovery != nil))
	return recovery, nil
}

func (m *Manager) loadState(ctx context.Context, session, user string) (*SessionState, *Recovery, error) {
	snap, err := m.snapshots.Load(ctx, session)
	if err != nil {
		m.log.Warn("loading snapshot failed", zap.String("session", session), zap.Error(err))
		snap = nil
	}
	if snap != nil && snap.UserID == user {
		if err := m.snapshots.Delete(ctx, session); err != nil {
			m.log.Warn("deleting restored snapshot failed", zap.String("session", session), zap.Error(err))
		}
		return &SessionState{
			UserID:      user,
			Stage:       snap.Stage,
			TurnCounter: snap.TurnCounter,
			History:     snap.History,
		}, &Recovery{Snapshot: *snap}, nil
	}
	if snap != nil {
		m.log.Warn("ignoring snapshot of another user", zap.String("session", session), zap.String("owner", snap.UserID))
	}

	msgs, err := m.turns.History(ctx, session, m.opts.HistoryLimit)
	if err != nil {
		return nil, nil, fmt.Errorf("loading history of %s: %w", session, err)
	}
	state := &SessionState{UserID: user, Stage: stage.Opening}
	for _, msg := range msgs {
		if msg.Role == turns.RoleUser {
			state.History = append(state.History, HistoryEntry{
				TurnNumber:  msg.TurnNumber,
				TurnID:      msg.TurnID,
				UserMessage: msg.Content,
				Stage:       msg.Stage,
			})
			continue
		}
		if n := len(state.History); n > 0 && state.History[n-1].TurnID == msg.TurnID {
			state.History[n-1].Reply = msg.Content
		}
		if msg.Stage.Valid() {
			state.Stage = msg.Stage
		}
	}
	last, err := m.turns.LastTurnNumber(ctx, session)
	if err != nil {
		return nil, nil, err
	}
	state.TurnCounter = last
	return state, nil, nil
}

// Disconnect persists a snapshot of session and drops its connection if it
// is still out, cancelling its retransmission bookkeeping. The loop stops
// with the last connection.
func (m *Manager) Disconnect(ctx context.Context, session string, out Sender) (*Snapshot, error) {
	m.mu.Lock()
	conn, ok := m.conns[session]
	if !ok || conn.out != out {
		m.mu.Unlock()
		return nil, nil
	}
	var snap *Snapshot
	if state, ok := m.sessions[session]; ok {
		snap = &Snapshot{
			SessionID:     session,
			UserID:        state.UserID,
			Stage:         state.Stage,
			TurnCounter:   state.TurnCounter,
			BlackboardKey: blackboard.Key(session),
			History:       append([]HistoryEntry(nil), state.History...),
			CreatedAt:     m.now().UTC(),
		}
	}
	m.mu.Unlock()

	var saveErr error
	if snap != nil {
		if saveErr = m.snapshots.Save(ctx, *snap); saveErr == nil {
			m.log.Debug("session snapshot saved", zap.String("session", session), zap.Int("turns", snap.TurnCounter))
		}
	}

	m.mu.Lock()
	var loop *scanLoop
	if m.conns[session] == conn {
		delete(m.conns, session)
		delete(m.sessions, session)
		if len(m.conns) == 0 {
			loop, m.loop = m.loop, nil
		}
	}
	m.mu.Unlock()

	if loop != nil {
		loop.stop()
	}
	return snap, saveErr
}

// State returns a copy of the in-memory state of session.
func (m *Manager) State(session string) (SessionState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sessions[session]
	if !ok {
		return SessionState{}, false
	}
	cp := *st
	cp.History = append([]HistoryEntry(nil), st.History...)
	return cp, true
}

// Connections returns the number of connected sessions.
func (m *Manager) Connections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Close stops the retransmission loop and drops every connection without
// snapshotting.
func (m *Manager) Close() {
	m.mu.Lock()
	loop := m.loop
	m.loop = nil
	m.conns = make(map[string]*connection)
	m.mu.Unlock()
	if loop != nil {
		loop.stop()
	}
}
