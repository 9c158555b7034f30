package compression

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ziadkadry99/turnkeeper/internal/llm/llmtest"
	"github.com/ziadkadry99/turnkeeper/internal/stage"
)

func priceHistory() []Message {
	return []Message{
		{Role: RoleUser, Content: "price too high"},
		{Role: RoleNPC, Content: "let's revisit value"},
	}
}

func sourceLen(h []Message) int {
	n := 0
	for _, m := range h {
		n += utf8.RuneCountInString(m.Content)
	}
	return n
}

func TestHeuristicPriceObjection(t *testing.T) {
	e := NewEngine(nil, "", 0, nil)
	h := priceHistory()

	res := e.Compress(context.Background(), Input{
		History:       h,
		CurrentStage:  stage.ObjectionHandling,
		PreviousStage: stage.ObjectionHandling,
	})

	assert.Equal(t, SourceHeuristic, res.Source)
	assert.Equal(t, map[string]string{"type": "price", "status": "unresolved"}, res.Facts.ObjectionState)
	assert.False(t, res.ComplianceHit)
	assert.LessOrEqual(t, utf8.RuneCountInString(res.Narrative), int(float64(sourceLen(h))*NarrativeRatio))
	assert.NotEmpty(t, res.Facts.NextBestAction)
}

func TestObjectionResolvedByLaterMessage(t *testing.T) {
	e := NewEngine(nil, "", 0, nil)
	res := e.Compress(context.Background(), Input{
		History: []Message{
			{Role: RoleNPC, Content: "Honestly this is too expensive for us"},
			{Role: RoleUser, Content: "What if we spread payments over the year?"},
			{Role: RoleNPC, Content: "That works for our finance team"},
		},
		CurrentStage: stage.ObjectionHandling,
	})
	assert.Equal(t, "price", res.Facts.ObjectionState["type"])
	assert.Equal(t, "resolved", res.Facts.ObjectionState["status"])
}

func TestComplianceHitKeepsFullTranscript(t *testing.T) {
	e := NewEngine(nil, "", 0, nil)
	h := []Message{
		{Role: RoleUser, Content: "I guarantee you will double your money"},
		{Role: RoleNPC, Content: "Really?"},
	}
	res := e.Compress(context.Background(), Input{History: h, CurrentStage: stage.Closing})

	require.True(t, res.ComplianceHit)
	assert.NotEmpty(t, res.Facts.ComplianceLog)
	assert.Contains(t, res.Narrative, "I guarantee you will double your money")
	assert.Contains(t, res.Narrative, "npc: Really?")
}

func TestComplianceConfinedToLatestExchange(t *testing.T) {
	e := NewEngine(nil, "", 0, nil)
	h := []Message{
		{Role: RoleUser, Content: "I guarantee you will double your money"},
		{Role: RoleNPC, Content: "Really?"},
		{Role: RoleUser, Content: "How many people are on your team today?"},
		{Role: RoleNPC, Content: "We have 40 employees"},
	}
	res := e.Compress(context.Background(), Input{History: h, CurrentStage: stage.NeedsDiscovery})

	assert.False(t, res.ComplianceHit)
	assert.Empty(t, res.Facts.ComplianceLog)
	assert.NotContains(t, res.Narrative, "guarantee")
	assert.LessOrEqual(t, utf8.RuneCountInString(res.Narrative), int(float64(sourceLen(h))*NarrativeRatio))
}

func TestStageJumpFlagged(t *testing.T) {
	e := NewEngine(nil, "", 0, nil)
	res := e.Compress(context.Background(), Input{
		History:       priceHistory(),
		CurrentStage:  stage.Closing,
		PreviousStage: stage.Opening,
	})

	require.NotNil(t, res.Facts.Delta.StageTransition)
	assert.True(t, res.Facts.Delta.StageTransition.Jump)
	assert.True(t, strings.HasPrefix(res.Narrative, "[stage jump: OPENING -> CLOSING]"))
}

func TestAdjacentTransitionNotFlagged(t *testing.T) {
	e := NewEngine(nil, "", 0, nil)
	res := e.Compress(context.Background(), Input{
		History:       priceHistory(),
		CurrentStage:  stage.ObjectionHandling,
		PreviousStage: stage.ProductIntroduction,
	})

	require.NotNil(t, res.Facts.Delta.StageTransition)
	assert.False(t, res.Facts.Delta.StageTransition.Jump)
	assert.NotContains(t, res.Narrative, "stage jump")
}

func TestDeltaAgainstPreviousFacts(t *testing.T) {
	e := NewEngine(nil, "", 0, nil)
	prev := &StructuredFacts{
		Stage:          stage.NeedsDiscovery,
		ClientProfile:  map[string]string{"company": "Acme"},
		ObjectionState: map[string]string{},
	}
	res := e.Compress(context.Background(), Input{
		History: []Message{
			{Role: RoleNPC, Content: "We have 40 employees and our budget is $20k"},
		},
		CurrentStage:  stage.NeedsDiscovery,
		PreviousFacts: prev,
	})

	assert.Equal(t, "Acme", res.Facts.ClientProfile["company"])
	assert.Equal(t, "40", res.Facts.ClientProfile["team_size"])
	assert.Equal(t, "$20k", res.Facts.ClientProfile["budget"])
	assert.Equal(t, []string{"budget", "team_size"}, res.Facts.Delta.ChangedProfileKeys)
	assert.Nil(t, res.Facts.Delta.StageTransition)
}

func TestCompressUsesProvider(t *testing.T) {
	mock := llmtest.NewMockProvider(`{
		"current_stage": "CLOSING",
		"client_profile": {"company": "Globex"},
		"objection_state": {},
		"compliance_log": [],
		"next_best_action": "Send the contract",
		"narrative": "Customer ready to sign with Globex terms after a long negotiation about pricing",
		"compliance_hit": false
	}`)
	e := NewEngine(mock, "m", 0, nil)

	res := e.Compress(context.Background(), Input{
		History:       priceHistory(),
		CurrentStage:  stage.ObjectionHandling,
		PreviousStage: stage.ObjectionHandling,
	})

	assert.Equal(t, SourceLLM, res.Source)
	assert.Equal(t, stage.Closing, res.Facts.Stage)
	assert.Equal(t, "Globex", res.Facts.ClientProfile["company"])
	require.NotNil(t, res.Facts.Delta.StageTransition)
	assert.Equal(t, stage.ObjectionHandling, res.Facts.Delta.StageTransition.From)
	assert.LessOrEqual(t, utf8.RuneCountInString(res.Narrative), int(float64(sourceLen(priceHistory()))*NarrativeRatio))
}

func TestCompressFallsBackOnProviderFailure(t *testing.T) {
	for name, mock := range map[string]*llmtest.MockProvider{
		"error":     llmtest.NewFailingProvider(errors.New("timeout")),
		"malformed": llmtest.NewMockProvider("not json at all"),
	} {
		t.Run(name, func(t *testing.T) {
			res := NewEngine(mock, "m", 0, nil).Compress(context.Background(), Input{
				History:      priceHistory(),
				CurrentStage: stage.ObjectionHandling,
			})
			assert.Equal(t, SourceHeuristic, res.Source)
			assert.Equal(t, "price", res.Facts.ObjectionState["type"])
		})
	}
}

func TestProviderCannotHideComplianceHit(t *testing.T) {
	mock := llmtest.NewMockProvider(`{"current_stage":"CLOSING","narrative":"fine","compliance_hit":false}`)
	res := NewEngine(mock, "m", 0, nil).Compress(context.Background(), Input{
		History:      []Message{{Role: RoleUser, Content: "This is totally risk-free"}},
		CurrentStage: stage.Closing,
	})
	assert.True(t, res.ComplianceHit)
	assert.Equal(t, "user: This is totally risk-free", res.Narrative)
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "", truncateRunes("anything", 0))
	assert.Equal(t, "short", truncateRunes("short", 10))
	assert.Equal(t, "price", truncateRunes("price objection unresolved", 8))
	assert.Equal(t, "préc", truncateRunes("précision", 4))
}
