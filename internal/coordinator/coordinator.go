// Package coordinator runs the per-turn memory pipeline under a per-session
// lock: score, compress, write the tiers, update the blackboard, assemble the
// context view and publish.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ziadkadry99/turnkeeper/internal/assembly"
	"github.com/ziadkadry99/turnkeeper/internal/blackboard"
	"github.com/ziadkadry99/turnkeeper/internal/changestream"
	"github.com/ziadkadry99/turnkeeper/internal/compression"
	"github.com/ziadkadry99/turnkeeper/internal/kv"
	"github.com/ziadkadry99/turnkeeper/internal/ltm"
	"github.com/ziadkadry99/turnkeeper/internal/memory"
	"github.com/ziadkadry99/turnkeeper/internal/scoring"
	"github.com/ziadkadry99/turnkeeper/internal/stage"
)

// ErrLockTimeout is returned when the session lock could not be taken in
// time. The turn can be retried with the same turn id.
var ErrLockTimeout = errors.New("coordinator: session lock timed out")

// LongTermThreshold is the final score above which a persistent turn is
// handed to long-term memory.
const LongTermThreshold = 0.75

// DefaultLockTimeout bounds the wait for the session lock.
const DefaultLockTimeout = 10 * time.Second

// lockHold is how long a session lock is held at most.
const lockHold = 30 * time.Second

// LockKey returns the session lock key.
func LockKey(session string) string { return "lock:session:" + session }

// LongTermSink accepts events for asynchronous long-term storage.
type LongTermSink interface {
	Submit(ctx context.Context, ev ltm.Event) error
}

// Options configure a Coordinator.
type Options struct {
	TokenBudget int
	LockTimeout time.Duration
}

// Coordinator owns every write to S1-S3 and the blackboard.
type Coordinator struct {
	kv         kv.Store
	memory     *memory.Store
	scorer     *scoring.Scorer
	compressor *compression.Engine
	boards     *blackboard.Store
	publisher  *changestream.Publisher
	longTerm   LongTermSink
	opts       Options
	log        *zap.Logger
}

// New wires a coordinator. longTerm may be nil.
func New(
	store kv.Store,
	mem *memory.Store,
	scorer *scoring.Scorer,
	compressor *compression.Engine,
	boards *blackboard.Store,
	publisher *changestream.Publisher,
	longTerm LongTermSink,
	opts Options,
	log *zap.Logger,
) *Coordinator {
	if opts.TokenBudget <= 0 {
		opts.TokenBudget = assembly.DefaultBudget
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		kv:         store,
		memory:     mem,
		scorer:     scorer,
		compressor: compressor,
		boards:     boards,
		publisher:  publisher,
		longTerm:   longTerm,
		opts:       opts,
		log:        log,
	}
}

// TurnInput is one committed exchange to fold into memory.
type TurnInput struct {
	SessionID     string
	UserID        string
	TenantID      string
	TurnID        string
	TurnNumber    int
	Stage         stage.Stage
	PreviousStage stage.Stage
	UserInput     string
	Reply         string
	// Mood is the orchestrator's estimate of the customer's mood in [-1,1].
	Mood float64
	// History is the window to compress, oldest first. When empty the S0
	// buffer is used.
	History []compression.Message
}

// TurnOutput is everything the turn produced.
type TurnOutput struct {
	Scores     scoring.Scores         `json:"scores"`
	Summary    memory.Summary         `json:"summary"`
	State      changestream.State     `json:"state"`
	Blackboard *blackboard.Blackboard `json:"blackboard"`
	Decision   blackboard.Decision    `json:"decision"`
	Context    assembly.View          `json:"context"`
	Published  bool                   `json:"published"`
	LongTerm   bool                   `json:"long_term"`
}

type preRead struct {
	board   *blackboard.Blackboard
	prev    memory.Summary
	hasPrev bool
	profile map[string]string
	recent  []memory.Entry
}

// ProcessTurn runs the pipeline for in while holding the session lock.
func (c *Coordinator) ProcessTurn(ctx context.Context, in TurnInput) (*TurnOutput, error) {
	release, err := c.kv.Acquire(ctx, LockKey(in.SessionID), lockHold, c.opts.LockTimeout)
	if errors.Is(err, kv.ErrLockTimeout) {
		return nil, fmt.Errorf("session %s: %w", in.SessionID, ErrLockTimeout)
	}
	if err != nil {
		return nil, fmt.Errorf("locking session %s: %w", in.SessionID, err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			c.log.Warn("releasing session lock failed", zap.String("session", in.SessionID), zap.Error(err))
		}
	}()

	now := time.Now().UTC()

	pre, err := c.preRead(ctx, in)
	if err != nil {
		return nil, err
	}

	entry := memory.Entry{
		TurnNumber: in.TurnNumber,
		TurnID:     in.TurnID,
		UserInput:  in.UserInput,
		Reply:      in.Reply,
		Stage:      in.Stage,
		CreatedAt:  now,
	}
	recent := withEntry(pre.recent, entry, c.memory.S0Capacity())

	previousStage := in.PreviousStage
	if !previousStage.Valid() {
		previousStage = pre.board.Stage.Current
	}

	scores := c.scorer.Score(ctx, scoring.Input{
		UserInput:  in.UserInput,
		Reply:      in.Reply,
		Stage:      in.Stage,
		KnownFacts: pre.profile,
	})

	history := in.History
	if len(history) == 0 {
		history = historyFromS0(recent)
	}
	var prevFacts *compression.StructuredFacts
	if pre.hasPrev {
		prevFacts = &pre.prev.Facts
	}
	compressed := c.compressor.Compress(ctx, compression.Input{
		History:       history,
		CurrentStage:  in.Stage,
		PreviousStage: previousStage,
		PreviousFacts: prevFacts,
	})
	facts := compressed.Facts

	summary := memory.Summary{
		TurnNumber: in.TurnNumber,
		TurnID:     in.TurnID,
		Facts:      facts,
		Narrative:  compressed.Narrative,
		Scores:     scores,
		UpdatedAt:  now,
	}

	// Tiers are written under the blackboard lock; on any failure the
	// blackboard is left unwritten.
	profile := pre.profile
	var decision blackboard.Decision
	board, err := c.boards.Update(ctx, in.SessionID, func(b *blackboard.Blackboard) error {
		if err := c.writeTiers(ctx, in, entry, summary, scores); err != nil {
			return err
		}
		decision = b.Apply(blackboard.TurnUpdate{
			TurnNumber:      in.TurnNumber,
			Stage:           facts.Stage,
			UserInput:       in.UserInput,
			Mood:            in.Mood,
			ObjectionStatus: facts.ObjectionState["status"],
			ComplianceHit:   compressed.ComplianceHit,
			ComplianceLog:   facts.ComplianceLog,
			NextAction:      facts.NextBestAction,
			Evidence:        evidence(facts),
			Reasoning:       reasoning(scores, facts),
			At:              now,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("updating blackboard: %w", err)
	}
	if scores.Persistent && in.UserID != "" {
		for k, v := range facts.ClientProfile {
			profile[k] = v
		}
	}

	view := assembly.Assemble(compressed.Narrative, profile, recent, c.opts.TokenBudget)

	state := changestream.State{
		SessionID:         in.SessionID,
		TurnNumber:        in.TurnNumber,
		TurnID:            in.TurnID,
		Stage:             facts.Stage,
		Narrative:         compressed.Narrative,
		Facts:             facts,
		Scores:            scores,
		DecisionID:        decision.ID,
		BlackboardVersion: board.Version,
		PublishedAt:       now,
	}
	// The turn is committed here. A failed publish is caught up by the next
	// turn's latest pointer.
	published, err := c.publisher.Publish(ctx, state)
	if err != nil {
		c.log.Warn("publishing state failed", zap.String("session", in.SessionID), zap.String("turn_id", in.TurnID), zap.Error(err))
	}

	out := &TurnOutput{
		Scores:     scores,
		Summary:    summary,
		State:      state,
		Blackboard: board,
		Decision:   decision,
		Context:    view,
		Published:  published,
	}

	if scores.Persistent && scores.Final > LongTermThreshold && c.longTerm != nil {
		out.LongTerm = c.handOff(ctx, in, summary)
	}

	c.log.Debug("turn processed",
		zap.String("session", in.SessionID),
		zap.Int("turn", in.TurnNumber),
		zap.String("stage", string(facts.Stage)),
		zap.Float64("final", scores.Final),
		zap.Bool("persistent", scores.Persistent),
		zap.String("scoring", string(scores.Source)),
		zap.String("compression", string(compressed.Source)))

	return out, nil
}

// ContextView assembles the current budgeted view of a session without
// taking the lock. It is what the orchestrator sees before a turn.
func (c *Coordinator) ContextView(ctx context.Context, session, user string) assembly.View {
	var (
		narrative string
		profile   map[string]string
		recent    []memory.Entry
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if s1, ok := c.memory.ReadS1(gctx, session); ok {
			narrative = s1.Narrative
		}
		return nil
	})
	g.Go(func() error {
		profile = c.memory.ReadS2(gctx, user)
		return nil
	})
	g.Go(func() error {
		recent = c.memory.GetS0(gctx, session)
		return nil
	})
	_ = g.Wait()
	return assembly.Assemble(narrative, profile, recent, c.opts.TokenBudget)
}

func (c *Coordinator) preRead(ctx context.Context, in TurnInput) (*preRead, error) {
	var pre preRead
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b, err := c.boards.Get(gctx, in.SessionID)
		if err != nil {
			return fmt.Errorf("reading blackboard: %w", err)
		}
		pre.board = b
		return nil
	})
	g.Go(func() error {
		pre.prev, pre.hasPrev = c.memory.ReadS1(gctx, in.SessionID)
		return nil
	})
	g.Go(func() error {
		pre.profile = c.memory.ReadS2(gctx, in.UserID)
		return nil
	})
	g.Go(func() error {
		pre.recent = c.memory.GetS0(gctx, in.SessionID)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &pre, nil
}

// handOff gives the turn to long-term memory. Failures never undo the turn.
func (c *Coordinator) handOff(ctx context.Context, in TurnInput, summary memory.Summary) bool {
	payload, err := json.Marshal(summary)
	if err != nil {
		c.log.Error("encoding long-term event", zap.String("session", in.SessionID), zap.Error(err))
		return false
	}
	err = c.longTerm.Submit(context.WithoutCancel(ctx), ltm.Event{
		SessionID:  in.SessionID,
		UserID:     in.UserID,
		TenantID:   in.TenantID,
		TurnID:     in.TurnID,
		TurnNumber: in.TurnNumber,
		Payload:    payload,
	})
	if err != nil {
		c.log.Warn("long-term hand-off failed", zap.String("session", in.SessionID), zap.String("turn_id", in.TurnID), zap.Error(err))
		return false
	}
	return true
}

// writeTiers appends the turn to S0, replaces S1 and, for persistent turns,
// merges the profile into S2 and the tenant knowledge into S3.
func (c *Coordinator) writeTiers(ctx context.Context, in TurnInput, entry memory.Entry, summary memory.Summary, scores scoring.Scores) error {
	if err := c.memory.AppendS0(ctx, in.SessionID, entry); err != nil {
		return err
	}
	if err := c.memory.WriteS1(ctx, in.SessionID, summary); err != nil {
		return err
	}
	if !scores.Persistent {
		return nil
	}
	if in.UserID != "" && len(summary.Facts.ClientProfile) > 0 {
		if err := c.memory.MergeS2(ctx, in.UserID, summary.Facts.ClientProfile); err != nil {
			return err
		}
	}
	if in.TenantID != "" {
		if err := c.memory.MergeS3(ctx, in.TenantID, tenantKnowledge(summary.Facts)); err != nil {
			return err
		}
	}
	return nil
}

// withEntry returns the S0 buffer as it will read once e is appended:
// newest first and bounded. A buffer already headed by e is returned as is.
func withEntry(recent []memory.Entry, e memory.Entry, capacity int) []memory.Entry {
	if len(recent) > 0 && recent[0].TurnID == e.TurnID && e.TurnID != "" {
		return recent
	}
	out := make([]memory.Entry, 0, len(recent)+1)
	out = append(out, e)
	out = append(out, recent...)
	if capacity > 0 && len(out) > capacity {
		out = out[:capacity]
	}
	return out
}

// historyFromS0 turns the newest-first buffer into an oldest-first window.
func historyFromS0(entries []memory.Entry) []compression.Message {
	out := make([]compression.Message, 0, 2*len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		out = append(out,
			compression.Message{Role: compression.RoleUser, Content: e.UserInput},
			compression.Message{Role: compression.RoleNPC, Content: e.Reply})
	}
	return out
}

func tenantKnowledge(f compression.StructuredFacts) map[string]string {
	out := map[string]string{}
	if t := f.ObjectionState["type"]; t != "" {
		out["objection:"+t] = f.ObjectionState["status"]
		if f.NextBestAction != "" {
			out["playbook:"+t] = f.NextBestAction
		}
	}
	return out
}

func evidence(f compression.StructuredFacts) []string {
	var out []string
	for _, k := range f.Delta.ChangedProfileKeys {
		if v, ok := f.ClientProfile[k]; ok {
			out = append(out, k+"="+v)
		}
	}
	return out
}

func reasoning(s scoring.Scores, f compression.StructuredFacts) string {
	r := fmt.Sprintf("stage %s, importance %.2f (%s)", f.Stage, s.Final, s.Source)
	if t := f.ObjectionState["type"]; t != "" {
		r += fmt.Sprintf(", %s objection %s", t, f.ObjectionState["status"])
	}
	if tr := f.Delta.StageTransition; tr != nil && tr.Jump {
		r += fmt.Sprintf(", stage jump %s->%s", tr.From, tr.To)
	}
	return r
}
