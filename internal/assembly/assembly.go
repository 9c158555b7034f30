// Package assembly builds the token-budgeted context view handed to the
// reply generator, using greedy value-density selection.
package assembly

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/ziadkadry99/turnkeeper/internal/memory"
)

// DefaultBudget is the token budget used when none is configured.
const DefaultBudget = 1000

// Item values by tier.
const (
	ValueSummary  = 10.0
	ValueProfile  = 2.0
	ValueRecentS0 = 8.0
)

// Kind identifies which tier an item came from.
type Kind string

const (
	KindSummary Kind = "s1"
	KindProfile Kind = "s2"
	KindRecent  Kind = "s0"
)

// Item is one candidate for the context window.
type Item struct {
	Kind       Kind    `json:"kind"`
	Content    string  `json:"content"`
	Value      float64 `json:"value"`
	Weight     int     `json:"weight"`
	TurnNumber int     `json:"turn_number,omitempty"`
}

// Density is value per unit of weight.
func (i Item) Density() float64 { return i.Value / float64(i.Weight) }

// View is an assembled context.
type View struct {
	Items       []Item `json:"items"`
	TotalWeight int    `json:"total_weight"`
	Budget      int    `json:"budget"`
}

// Weight estimates the token cost of content as a quarter of its rune count,
// at least 1.
func Weight(content string) int {
	w := utf8.RuneCountInString(content) / 4
	if w < 1 {
		return 1
	}
	return w
}

// Select greedily admits candidates by descending density while the total
// weight stays within budget. Equal densities keep the candidates' order.
// The returned items are in admission order.
func Select(candidates []Item, budget int) ([]Item, int) {
	ranked := make([]Item, len(candidates))
	copy(ranked, candidates)
	for i := range ranked {
		if ranked[i].Weight < 1 {
			ranked[i].Weight = Weight(ranked[i].Content)
		}
	}
	sort.SliceStable(ranked, func(a, b int) bool {
		return ranked[a].Density() > ranked[b].Density()
	})

	var (
		chosen []Item
		total  int
	)
	for _, it := range ranked {
		if total+it.Weight > budget {
			continue
		}
		chosen = append(chosen, it)
		total += it.Weight
	}
	return chosen, total
}

// Assemble builds the view from the S1 narrative, the S2 profile and the S0
// buffer (newest first). Selected S0 turns are returned oldest first after
// the summary and profile items.
func Assemble(summary string, profile map[string]string, recent []memory.Entry, budget int) View {
	if budget <= 0 {
		budget = DefaultBudget
	}

	var candidates []Item
	if summary != "" {
		candidates = append(candidates, Item{Kind: KindSummary, Content: summary, Value: ValueSummary})
	}
	if len(profile) > 0 {
		candidates = append(candidates, Item{Kind: KindProfile, Content: profileReference(profile), Value: ValueProfile})
	}
	n := len(recent)
	for i, e := range recent {
		candidates = append(candidates, Item{
			Kind:       KindRecent,
			Content:    fmt.Sprintf("user: %s\nnpc: %s", e.UserInput, e.Reply),
			Value:      ValueRecentS0 * float64(n-i) / float64(n),
			TurnNumber: e.TurnNumber,
		})
	}

	chosen, total := Select(candidates, budget)

	var head, turns []Item
	for _, it := range chosen {
		if it.Kind == KindRecent {
			turns = append(turns, it)
		} else {
			head = append(head, it)
		}
	}
	sort.SliceStable(head, func(a, b int) bool { return head[a].Kind == KindSummary && head[b].Kind != KindSummary })
	sort.SliceStable(turns, func(a, b int) bool { return turns[a].TurnNumber < turns[b].TurnNumber })

	return View{Items: append(head, turns...), TotalWeight: total, Budget: budget}
}

// Text renders the view as prompt context.
func (v View) Text() string {
	var b strings.Builder
	for _, it := range v.Items {
		switch it.Kind {
		case KindSummary:
			b.WriteString("Summary: ")
		case KindProfile:
			b.WriteString("Profile: ")
		}
		b.WriteString(it.Content)
		b.WriteByte('\n')
	}
	return b.String()
}

func profileReference(profile map[string]string) string {
	keys := make([]string, 0, len(profile))
	for k := range profile {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+profile[k])
	}
	return strings.Join(parts, "; ")
}
