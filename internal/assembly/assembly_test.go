package assembly

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ziadkadry99/turnkeeper/internal/memory"
)

func TestWeight(t *testing.T) {
	assert.Equal(t, 1, Weight(""))
	assert.Equal(t, 1, Weight("abc"))
	assert.Equal(t, 2, Weight("abcdefgh"))
	assert.Equal(t, 1, Weight("日本語の"))
}

func TestSelectNeverExceedsBudget(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 500; round++ {
		n := rng.Intn(20)
		candidates := make([]Item, n)
		for i := range candidates {
			candidates[i] = Item{
				Kind:    KindRecent,
				Content: strings.Repeat("x", rng.Intn(2000)),
				Value:   rng.Float64() * 10,
			}
		}
		budget := rng.Intn(1500)

		chosen, total := Select(candidates, budget)
		sum := 0
		for _, it := range chosen {
			sum += it.Weight
		}
		require.Equal(t, sum, total)
		require.LessOrEqual(t, total, budget, "round %d", round)
	}
}

func TestSelectTiesKeepCandidateOrder(t *testing.T) {
	candidates := []Item{
		{Kind: KindSummary, Content: "a", Weight: 2, Value: 4},
		{Kind: KindProfile, Content: "b", Weight: 1, Value: 2},
		{Kind: KindRecent, Content: "c", Weight: 3, Value: 6, TurnNumber: 9},
	}
	chosen, total := Select(candidates, 3)
	require.Len(t, chosen, 2)
	assert.Equal(t, KindSummary, chosen[0].Kind)
	assert.Equal(t, KindProfile, chosen[1].Kind)
	assert.Equal(t, 3, total)
}

func entries(n int) []memory.Entry {
	out := make([]memory.Entry, n)
	for i := range out {
		turn := n - i
		out[i] = memory.Entry{TurnNumber: turn, UserInput: strings.Repeat("u", 40), Reply: strings.Repeat("r", 40)}
	}
	return out
}

func TestAssembleReturnsRecentChronologically(t *testing.T) {
	v := Assemble("summary of the call", map[string]string{"company": "Acme"}, entries(5), DefaultBudget)

	require.Len(t, v.Items, 7)
	assert.Equal(t, KindSummary, v.Items[0].Kind)
	assert.Equal(t, KindProfile, v.Items[1].Kind)
	for i := 2; i < len(v.Items); i++ {
		assert.Equal(t, i-1, v.Items[i].TurnNumber)
	}
	assert.LessOrEqual(t, v.TotalWeight, v.Budget)
}

func TestAssembleTightBudgetPrefersSummaryAndNewest(t *testing.T) {
	// Each S0 item weighs 23; the summary weighs 5.
	v := Assemble(strings.Repeat("s", 20), nil, entries(4), 51)

	var turns []int
	for _, it := range v.Items {
		if it.Kind == KindRecent {
			turns = append(turns, it.TurnNumber)
		}
	}
	assert.Equal(t, KindSummary, v.Items[0].Kind)
	assert.Equal(t, []int{3, 4}, turns)
	assert.Equal(t, 51, v.TotalWeight)
}

func TestAssembleDefaultBudget(t *testing.T) {
	v := Assemble("", nil, nil, 0)
	assert.Equal(t, DefaultBudget, v.Budget)
	assert.Empty(t, v.Items)
}

func TestViewText(t *testing.T) {
	v := Assemble("short", map[string]string{"b": "2", "a": "1"}, entries(1), DefaultBudget)
	text := v.Text()
	assert.True(t, strings.HasPrefix(text, "Summary: short\nProfile: a=1; b=2\n"))
	assert.Contains(t, text, "user: ")
}
