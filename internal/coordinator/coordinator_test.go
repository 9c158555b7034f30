package coordinator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ziadkadry99/turnkeeper/internal/blackboard"
	"github.com/ziadkadry99/turnkeeper/internal/changestream"
	"github.com/ziadkadry99/turnkeeper/internal/compression"
	"github.com/ziadkadry99/turnkeeper/internal/kv"
	"github.com/ziadkadry99/turnkeeper/internal/llm"
	"github.com/ziadkadry99/turnkeeper/internal/llm/llmtest"
	"github.com/ziadkadry99/turnkeeper/internal/ltm"
	"github.com/ziadkadry99/turnkeeper/internal/memory"
	"github.com/ziadkadry99/turnkeeper/internal/scoring"
	"github.com/ziadkadry99/turnkeeper/internal/stage"
)

type recordingSink struct {
	mu     sync.Mutex
	events []ltm.Event
}

func (r *recordingSink) Submit(ctx context.Context, ev ltm.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// s1Recorder logs reads and writes of S1 keys.
type s1Recorder struct {
	kv.Store
	mu  sync.Mutex
	ops []string
}

func (r *s1Recorder) record(op, key string) {
	if !strings.HasPrefix(key, "ctx:s1:") {
		return
	}
	r.mu.Lock()
	r.ops = append(r.ops, op)
	r.mu.Unlock()
}

func (r *s1Recorder) Get(ctx context.Context, key string) (string, error) {
	r.record("get", key)
	return r.Store.Get(ctx, key)
}

func (r *s1Recorder) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	// Widen the window in which an unserialized writer would interleave.
	if strings.HasPrefix(key, "ctx:s1:") {
		time.Sleep(20 * time.Millisecond)
	}
	r.record("set", key)
	return r.Store.Set(ctx, key, value, ttl)
}

type fixture struct {
	store     kv.Store
	coord     *Coordinator
	memory    *memory.Store
	boards    *blackboard.Store
	publisher *changestream.Publisher
	sink      *recordingSink
}

func newFixture(t *testing.T, store kv.Store, provider llm.Provider, opts Options) *fixture {
	t.Helper()
	mem := memory.NewStore(store, 8, nil)
	boards := blackboard.NewStore(store, nil)
	pub := changestream.NewPublisher(store, nil)
	sink := &recordingSink{}
	c := New(store, mem,
		scoring.NewScorer(provider, "m", 0, nil),
		compression.NewEngine(provider, "m", 0, nil),
		boards, pub, sink, opts, nil)
	return &fixture{store: store, coord: c, memory: mem, boards: boards, publisher: pub, sink: sink}
}

func priceTurn(turn int, id string) TurnInput {
	return TurnInput{
		SessionID:  "sess",
		UserID:     "u1",
		TenantID:   "t1",
		TurnID:     id,
		TurnNumber: turn,
		Stage:      stage.ObjectionHandling,
		UserInput:  "price too high",
		Reply:      "let's revisit value",
	}
}

func TestProcessTurnWritesTiersAndPublishes(t *testing.T) {
	f := newFixture(t, kv.NewLocalStore(), nil, Options{})
	ctx := context.Background()

	out, err := f.coord.ProcessTurn(ctx, priceTurn(1, "turn-1"))
	require.NoError(t, err)

	assert.Equal(t, scoring.SourceHeuristic, out.Scores.Source)
	assert.Equal(t, "price", out.Summary.Facts.ObjectionState["type"])
	assert.True(t, out.Published)
	assert.NotEmpty(t, out.Decision.ID)
	assert.Equal(t, stage.ObjectionHandling, out.Blackboard.Stage.Current)
	assert.LessOrEqual(t, out.Context.TotalWeight, out.Context.Budget)

	s0 := f.memory.GetS0(ctx, "sess")
	require.Len(t, s0, 1)
	assert.Equal(t, "turn-1", s0[0].TurnID)

	s1, ok := f.memory.ReadS1(ctx, "sess")
	require.True(t, ok)
	assert.Equal(t, 1, s1.TurnNumber)

	latest, found, err := f.publisher.Latest(ctx, "sess")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, out.Decision.ID, latest.DecisionID)
}

func TestNonPersistentTurnSkipsS2AndLongTerm(t *testing.T) {
	f := newFixture(t, kv.NewLocalStore(), nil, Options{})
	ctx := context.Background()

	in := priceTurn(1, "turn-1")
	in.UserInput = "We have 40 employees"
	in.Reply = "ok"
	out, err := f.coord.ProcessTurn(ctx, in)
	require.NoError(t, err)
	require.False(t, out.Scores.Persistent)

	assert.Empty(t, f.memory.ReadS2(ctx, "u1"))
	assert.Empty(t, f.memory.ReadS3(ctx, "t1"))
	assert.False(t, out.LongTerm)
	assert.Empty(t, f.sink.events)
}

func TestComplianceTurnPersistsAndHandsOff(t *testing.T) {
	f := newFixture(t, kv.NewLocalStore(), nil, Options{})
	ctx := context.Background()

	in := priceTurn(1, "turn-1")
	in.UserInput = "The price is high but I guarantee a risk-free return, we have 40 employees like you"
	out, err := f.coord.ProcessTurn(ctx, in)
	require.NoError(t, err)

	assert.Equal(t, 1.0, out.Scores.Final)
	assert.True(t, out.Scores.Persistent)
	assert.Equal(t, blackboard.ComplianceBlock, out.Decision.Compliance)
	assert.Equal(t, "40", f.memory.ReadS2(ctx, "u1")["team_size"])
	assert.Equal(t, "unresolved", f.memory.ReadS3(ctx, "t1")["objection:price"])

	assert.True(t, out.LongTerm)
	require.Len(t, f.sink.events, 1)
	assert.Equal(t, "turn-1", f.sink.events[0].TurnID)
}

func TestCompressionStageOverridesCaller(t *testing.T) {
	provider := &llmtest.MockProvider{ProvName: "mock", Responses: []string{
		`{"stage_relevance":0.5,"decision_payload":0.5,"compliance_risk":0,"reusable_value":0.2,"novelty":0.5,"timeliness":0}`,
		`{"current_stage":"CLOSING","client_profile":{},"objection_state":{},"narrative":"ready","compliance_hit":false}`,
	}}
	f := newFixture(t, kv.NewLocalStore(), provider, Options{})

	in := priceTurn(1, "turn-1")
	in.Stage = stage.ProductIntroduction
	out, err := f.coord.ProcessTurn(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, stage.Closing, out.Blackboard.Stage.Current)
	assert.Equal(t, stage.Closing, out.State.Stage)
	assert.Equal(t, 2, provider.CallCount())
}

func TestProcessTurnLockTimeout(t *testing.T) {
	store := kv.NewLocalStore()
	f := newFixture(t, store, nil, Options{LockTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	release, err := store.Acquire(ctx, LockKey("sess"), time.Minute, time.Second)
	require.NoError(t, err)
	defer release(ctx)

	_, err = f.coord.ProcessTurn(ctx, priceTurn(1, "turn-1"))
	require.ErrorIs(t, err, ErrLockTimeout)

	assert.Empty(t, f.memory.GetS0(ctx, "sess"))
}

func TestConcurrentTurnsSerializeS1(t *testing.T) {
	rec := &s1Recorder{Store: kv.NewLocalStore()}
	f := newFixture(t, rec, nil, Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 1; i <= 2; i++ {
		wg.Add(1)
		go func(turn int) {
			defer wg.Done()
			_, err := f.coord.ProcessTurn(ctx, priceTurn(turn, "turn-"+string(rune('0'+turn))))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	rec.mu.Lock()
	assert.Equal(t, []string{"get", "set", "get", "set"}, rec.ops)
	rec.mu.Unlock()

	s1, ok := f.memory.ReadS1(ctx, "sess")
	require.True(t, ok)
	assert.Contains(t, []int{1, 2}, s1.TurnNumber)
}

func TestSecondTurnSeesFirstSummary(t *testing.T) {
	f := newFixture(t, kv.NewLocalStore(), nil, Options{})
	ctx := context.Background()

	first := priceTurn(1, "turn-1")
	first.UserInput = "Our company is Initech"
	first.Reply = "hello"
	first.Stage = stage.Opening
	_, err := f.coord.ProcessTurn(ctx, first)
	require.NoError(t, err)

	second := priceTurn(2, "turn-2")
	second.History = []compression.Message{{Role: compression.RoleUser, Content: "price too high"}}
	out, err := f.coord.ProcessTurn(ctx, second)
	require.NoError(t, err)

	assert.Equal(t, "Initech", out.Summary.Facts.ClientProfile["company"])
	require.NotNil(t, out.Summary.Facts.Delta.StageTransition)
	assert.Equal(t, stage.Opening, out.Summary.Facts.Delta.StageTransition.From)
	assert.True(t, out.Summary.Facts.Delta.StageTransition.Jump)
	assert.Contains(t, out.Summary.Narrative, "stage jump")
	assert.Len(t, out.Blackboard.DecisionTrace, 2)
}

func TestContextViewReflectsProcessedTurns(t *testing.T) {
	f := newFixture(t, kv.NewLocalStore(), nil, Options{})
	ctx := context.Background()

	empty := f.coord.ContextView(ctx, "sess", "u1")
	assert.Empty(t, empty.Items)

	_, err := f.coord.ProcessTurn(ctx, priceTurn(1, "turn-1"))
	require.NoError(t, err)

	view := f.coord.ContextView(ctx, "sess", "u1")
	require.NotEmpty(t, view.Items)
	assert.LessOrEqual(t, view.TotalWeight, view.Budget)
	assert.Contains(t, view.Text(), "price too high")
}

func TestCleanTurnAfterFlaggedTurnPasses(t *testing.T) {
	f := newFixture(t, kv.NewLocalStore(), nil, Options{})
	ctx := context.Background()

	flagged := priceTurn(1, "turn-1")
	flagged.UserInput = "This plan is guaranteed, no risk at all"
	flagged.Reply = "Interesting"
	out, err := f.coord.ProcessTurn(ctx, flagged)
	require.NoError(t, err)
	require.Equal(t, blackboard.ComplianceBlock, out.Decision.Compliance)
	flags := len(out.Blackboard.ComplianceFlags)
	require.NotZero(t, flags)

	for turn := 2; turn <= 4; turn++ {
		clean := priceTurn(turn, "turn-"+string(rune('0'+turn)))
		clean.Stage = stage.NeedsDiscovery
		clean.UserInput = "How large is your sales team?"
		clean.Reply = "About twelve people"
		out, err = f.coord.ProcessTurn(ctx, clean)
		require.NoError(t, err)

		assert.Equal(t, blackboard.CompliancePass, out.Decision.Compliance, "turn %d", turn)
		assert.Empty(t, out.Summary.Facts.ComplianceLog, "turn %d", turn)
		assert.Len(t, out.Blackboard.ComplianceFlags, flags, "turn %d", turn)
		assert.NotContains(t, out.Summary.Narrative, "guaranteed", "turn %d", turn)
	}
	assert.Len(t, out.Blackboard.DecisionTrace, 4)
}

func TestBlackboardLockTimeoutLeavesTiersUntouched(t *testing.T) {
	store := kv.NewLocalStore()
	f := newFixture(t, store, nil, Options{})
	ctx := context.Background()

	release, err := store.Acquire(ctx, blackboard.Key("sess")+":lock", time.Minute, time.Second)
	require.NoError(t, err)

	_, err = f.coord.ProcessTurn(ctx, priceTurn(1, "turn-1"))
	require.Error(t, err)

	assert.Empty(t, f.memory.GetS0(ctx, "sess"))
	_, ok := f.memory.ReadS1(ctx, "sess")
	assert.False(t, ok)
	assert.Empty(t, f.memory.ReadS3(ctx, "t1"))

	require.NoError(t, release(ctx))

	out, err := f.coord.ProcessTurn(ctx, priceTurn(1, "turn-1"))
	require.NoError(t, err)
	assert.Len(t, f.memory.GetS0(ctx, "sess"), 1)
	assert.Len(t, out.Blackboard.DecisionTrace, 1)
}

func TestRetriedTurnIsNotBufferedTwice(t *testing.T) {
	f := newFixture(t, kv.NewLocalStore(), nil, Options{})
	ctx := context.Background()

	_, err := f.coord.ProcessTurn(ctx, priceTurn(1, "turn-1"))
	require.NoError(t, err)
	out, err := f.coord.ProcessTurn(ctx, priceTurn(1, "turn-1"))
	require.NoError(t, err)

	assert.Len(t, f.memory.GetS0(ctx, "sess"), 1)
	assert.False(t, out.Published)
}
