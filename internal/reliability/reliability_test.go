package reliability

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ziadkadry99/turnkeeper/internal/db"
	"github.com/ziadkadry99/turnkeeper/internal/stage"
	"github.com/ziadkadry99/turnkeeper/internal/turns"
)

type recordingSender struct {
	mu     sync.Mutex
	frames [][]byte
}

func (r *recordingSender) Send(payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, payload)
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func newManager(t *testing.T, opts Options) (*Manager, *SnapshotStore) {
	t.Helper()
	database, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	if opts.ScanInterval == 0 {
		opts.ScanInterval = time.Hour
	}
	snaps := NewSnapshotStore(database)
	m := NewManager(turns.NewStore(database), snaps, opts, nil)
	t.Cleanup(m.Close)
	return m, snaps
}

func TestTurnID(t *testing.T) {
	a := TurnID("s1", "u1", 1, "hello", "")
	assert.Len(t, a, 32)
	assert.Equal(t, a, TurnID("s1", "u1", 1, "hello", ""))
	assert.NotEqual(t, a, TurnID("s1", "u1", 1, "hello!", ""))
	assert.NotEqual(t, a, TurnID("s1", "u1", 2, "hello", ""))
	assert.Equal(t, "client-7", TurnID("s1", "u1", 1, "hello", "client-7"))
}

func TestGuardTTL(t *testing.T) {
	g := NewGuard(time.Minute)
	now := time.Now()
	g.now = func() time.Time { return now }

	assert.False(t, g.IsDuplicate("s", "t1"))
	g.MarkSeen("s", "t1")
	assert.True(t, g.IsDuplicate("s", "t1"))
	assert.False(t, g.IsDuplicate("other", "t1"))

	now = now.Add(2 * time.Minute)
	assert.False(t, g.IsDuplicate("s", "t1"))
	g.MarkSeen("s", "t2")
	assert.Equal(t, 1, g.PurgeExpired())
	assert.Equal(t, 1, g.Len())

	g.ClearSeen("s", "t2")
	assert.False(t, g.IsDuplicate("s", "t2"))
}

func TestAdmitCompleteReplay(t *testing.T) {
	m, _ := newManager(t, Options{})
	ctx := context.Background()
	_, err := m.Connect(ctx, "s1", "u1", &recordingSender{})
	require.NoError(t, err)

	adm, err := m.Admit(ctx, Inbound{SessionID: "s1", UserID: "u1", Content: "hello"})
	require.NoError(t, err)
	require.Equal(t, turns.Started, adm.Outcome)
	assert.Equal(t, 1, adm.TurnNumber)
	assert.Equal(t, stage.Opening, adm.Stage)

	require.NoError(t, m.Complete(ctx, "s1", adm, "hello", "hi there", stage.NeedsDiscovery, `{"npc_response":"hi there"}`))

	again, err := m.Admit(ctx, Inbound{SessionID: "s1", UserID: "u1", TurnNumber: 1, Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, turns.Replay, again.Outcome)
	assert.Equal(t, adm.TurnID, again.TurnID)
	assert.JSONEq(t, `{"npc_response":"hi there"}`, again.Result)

	m.Guard().ClearSeen("s1", adm.TurnID)
	durable, err := m.Admit(ctx, Inbound{SessionID: "s1", UserID: "u1", TurnNumber: 1, Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, turns.Replay, durable.Outcome)

	st, ok := m.State("s1")
	require.True(t, ok)
	assert.Equal(t, 1, st.TurnCounter)
	assert.Equal(t, stage.NeedsDiscovery, st.Stage)
	require.Len(t, st.History, 1)
	assert.Equal(t, "hi there", st.History[0].Reply)

	next, err := m.Admit(ctx, Inbound{SessionID: "s1", UserID: "u1", Content: "tell me more"})
	require.NoError(t, err)
	assert.Equal(t, turns.Started, next.Outcome)
	assert.Equal(t, 2, next.TurnNumber)
	assert.Equal(t, stage.NeedsDiscovery, next.Stage)
}

func TestAdmitDerivedResendReplays(t *testing.T) {
	m, _ := newManager(t, Options{})
	ctx := context.Background()
	_, err := m.Connect(ctx, "s1", "u1", &recordingSender{})
	require.NoError(t, err)

	first, err := m.Admit(ctx, Inbound{SessionID: "s1", UserID: "u1", Content: "We have 40 employees"})
	require.NoError(t, err)
	require.Equal(t, turns.Started, first.Outcome)
	require.NoError(t, m.Complete(ctx, "s1", first, "We have 40 employees", "noted", stage.Opening, `{"turn":1}`))

	resend, err := m.Admit(ctx, Inbound{SessionID: "s1", UserID: "u1", Content: "We have 40 employees"})
	require.NoError(t, err)
	assert.Equal(t, turns.Replay, resend.Outcome)
	assert.Equal(t, first.TurnID, resend.TurnID)
	assert.Equal(t, 1, resend.TurnNumber)
	assert.JSONEq(t, `{"turn":1}`, resend.Result)

	st, ok := m.State("s1")
	require.True(t, ok)
	assert.Equal(t, 1, st.TurnCounter)

	// Once the guard entry is gone the same words start a new turn.
	m.Guard().ClearSeen("s1", first.TurnID)
	repeat, err := m.Admit(ctx, Inbound{SessionID: "s1", UserID: "u1", Content: "We have 40 employees"})
	require.NoError(t, err)
	assert.Equal(t, turns.Started, repeat.Outcome)
	assert.Equal(t, 2, repeat.TurnNumber)
	assert.NotEqual(t, first.TurnID, repeat.TurnID)
}

func TestAdmitInFlight(t *testing.T) {
	m, _ := newManager(t, Options{})
	ctx := context.Background()

	first, err := m.Admit(ctx, Inbound{SessionID: "s1", UserID: "u1", ClientTurnID: "c1", Content: "hello"})
	require.NoError(t, err)
	require.Equal(t, turns.Started, first.Outcome)

	second, err := m.Admit(ctx, Inbound{SessionID: "s1", UserID: "u1", ClientTurnID: "c1", Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, turns.InFlight, second.Outcome)
}

func TestAdmitConflict(t *testing.T) {
	m, _ := newManager(t, Options{ConflictWindow: time.Nanosecond})
	ctx := context.Background()

	_, err := m.Admit(ctx, Inbound{SessionID: "s1", UserID: "u1", ClientTurnID: "c1", Content: "hello"})
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	adm, err := m.Admit(ctx, Inbound{SessionID: "s1", UserID: "u1", ClientTurnID: "c1", Content: "something else"})
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, turns.Conflict, adm.Outcome)
}

func TestFailAllowsRetry(t *testing.T) {
	m, _ := newManager(t, Options{})
	ctx := context.Background()
	in := Inbound{SessionID: "s1", UserID: "u1", ClientTurnID: "c2", Content: "pitch"}

	adm, err := m.Admit(ctx, in)
	require.NoError(t, err)
	require.NoError(t, m.Fail(ctx, "s1", adm))
	assert.False(t, m.Guard().IsDuplicate("s1", "c2"))

	retry, err := m.Admit(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, turns.Started, retry.Outcome)
}

func TestSendTrackedAndAck(t *testing.T) {
	m, _ := newManager(t, Options{})
	ctx := context.Background()
	out := &recordingSender{}
	_, err := m.Connect(ctx, "s1", "u1", out)
	require.NoError(t, err)

	seq1, err := m.SendTracked("s1", map[string]any{"type": "turn_result"})
	require.NoError(t, err)
	seq2, err := m.SendTracked("s1", map[string]any{"type": "turn_result"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq1)
	assert.Equal(t, int64(2), seq2)
	assert.Equal(t, 2, m.Pending("s1"))

	var frame map[string]any
	require.NoError(t, json.Unmarshal(out.frames[1], &frame))
	assert.Equal(t, float64(2), frame["seq"])

	assert.True(t, m.Ack("s1", seq1))
	assert.False(t, m.Ack("s1", seq1))
	assert.Equal(t, 1, m.Pending("s1"))

	_, err = m.SendTracked("nobody", map[string]any{})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestRetransmitBackoffAndDrop(t *testing.T) {
	m, _ := newManager(t, Options{RetryBase: time.Second, MaxRetries: 5})
	ctx := context.Background()
	start := time.Now()
	m.now = func() time.Time { return start }

	out := &recordingSender{}
	_, err := m.Connect(ctx, "s1", "u1", out)
	require.NoError(t, err)
	_, err = m.SendTracked("s1", map[string]any{"type": "turn_result"})
	require.NoError(t, err)

	m.scan(start.Add(500 * time.Millisecond))
	assert.Equal(t, 1, out.count(), "no retransmit before the base delay")

	now := start
	for i := 0; i < 5; i++ {
		now = now.Add(time.Second<<i + time.Millisecond)
		m.scan(now)
		assert.Equal(t, i+2, out.count())
	}
	assert.Equal(t, 1, m.Pending("s1"))

	m.scan(now.Add(time.Second<<5 + time.Millisecond))
	assert.Equal(t, 6, out.count())
	assert.Equal(t, 0, m.Pending("s1"))
}

func TestLoopStopsWithLastConnection(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))

	m, _ := newManager(t, Options{ScanInterval: 10 * time.Millisecond})
	ctx := context.Background()
	a, b := &recordingSender{}, &recordingSender{}

	_, err := m.Connect(ctx, "s1", "u1", a)
	require.NoError(t, err)
	_, err = m.Connect(ctx, "s2", "u2", b)
	require.NoError(t, err)
	assert.True(t, m.Running())

	_, err = m.Disconnect(ctx, "s1", a)
	require.NoError(t, err)
	assert.True(t, m.Running())

	_, err = m.Disconnect(ctx, "s2", b)
	require.NoError(t, err)
	assert.False(t, m.Running())
	assert.Equal(t, 0, m.Connections())
}

func TestDisconnectIgnoresReplacedConnection(t *testing.T) {
	m, _ := newManager(t, Options{})
	ctx := context.Background()
	old, current := &recordingSender{}, &recordingSender{}

	_, err := m.Connect(ctx, "s1", "u1", old)
	require.NoError(t, err)
	_, err = m.Connect(ctx, "s1", "u1", current)
	require.NoError(t, err)

	snap, err := m.Disconnect(ctx, "s1", old)
	require.NoError(t, err)
	assert.Nil(t, snap)
	assert.Equal(t, 1, m.Connections())
}

func TestSnapshotRecovery(t *testing.T) {
	m, snaps := newManager(t, Options{})
	ctx := context.Background()
	out := &recordingSender{}

	rec, err := m.Connect(ctx, "s1", "u1", out)
	require.NoError(t, err)
	assert.Nil(t, rec)

	adm, err := m.Admit(ctx, Inbound{SessionID: "s1", UserID: "u1", Content: "hello"})
	require.NoError(t, err)
	require.NoError(t, m.Complete(ctx, "s1", adm, "hello", "hi", stage.NeedsDiscovery, "{}"))

	snap, err := m.Disconnect(ctx, "s1", out)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 1, snap.TurnCounter)
	assert.Equal(t, "blackboard:s1", snap.BlackboardKey)
	_, ok := m.State("s1")
	assert.False(t, ok)

	stored, err := snaps.Load(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, stage.NeedsDiscovery, stored.Stage)

	rec, err = m.Connect(ctx, "s1", "u1", &recordingSender{})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 1, rec.Snapshot.TurnCounter)
	require.Len(t, rec.Snapshot.History, 1)
	assert.Equal(t, "hi", rec.Snapshot.History[0].Reply)

	st, ok := m.State("s1")
	require.True(t, ok)
	assert.Equal(t, stage.NeedsDiscovery, st.Stage)
}

func TestSnapshotOfOtherUserIsNotRecovered(t *testing.T) {
	m, _ := newManager(t, Options{})
	ctx := context.Background()
	out := &recordingSender{}

	_, err := m.Connect(ctx, "s1", "u1", out)
	require.NoError(t, err)
	adm, err := m.Admit(ctx, Inbound{SessionID: "s1", UserID: "u1", Content: "hello"})
	require.NoError(t, err)
	require.NoError(t, m.Complete(ctx, "s1", adm, "hello", "hi", stage.NeedsDiscovery, "{}"))
	_, err = m.Disconnect(ctx, "s1", out)
	require.NoError(t, err)

	rec, err := m.Connect(ctx, "s1", "intruder", &recordingSender{})
	require.NoError(t, err)
	assert.Nil(t, rec)

	st, ok := m.State("s1")
	require.True(t, ok)
	assert.Equal(t, "intruder", st.UserID)
	assert.Equal(t, 1, st.TurnCounter)
	assert.Equal(t, stage.NeedsDiscovery, st.Stage)
}

func TestSnapshotPurge(t *testing.T) {
	_, snaps := newManager(t, Options{})
	ctx := context.Background()

	require.NoError(t, snaps.Save(ctx, Snapshot{SessionID: "old", UserID: "u", CreatedAt: time.Now().Add(-48 * time.Hour)}))
	require.NoError(t, snaps.Save(ctx, Snapshot{SessionID: "new", UserID: "u"}))

	n, err := snaps.PurgeBefore(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	missing, err := snaps.Load(ctx, "old")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
