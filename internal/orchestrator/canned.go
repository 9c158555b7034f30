package orchestrator

import (
	"context"
	"strings"

	"github.com/ziadkadry99/turnkeeper/internal/stage"
)

var cannedReplies = map[stage.Stage]string{
	stage.Opening:             "Hi. I have about fifteen minutes, what is this about?",
	stage.NeedsDiscovery:      "Our main problem is that reporting takes the team days every month.",
	stage.ProductIntroduction: "Interesting. How would that fit with the tools we already use?",
	stage.ObjectionHandling:   "I'm still not convinced the price is justified.",
	stage.Closing:             "Send me the proposal and I'll review it with my manager.",
	stage.FollowUp:            "Thanks for following up, I'll get back to you this week.",
}

// CannedOrchestrator answers with fixed stage-typical lines. It stands in
// when neither a remote service nor a reasoning provider is configured.
type CannedOrchestrator struct{}

// Generate returns the canned line for the request's stage.
func (CannedOrchestrator) Generate(ctx context.Context, req Request) (*Response, error) {
	st := req.Stage
	if !st.Valid() {
		st = stage.Opening
	}
	mood := 0.0
	lower := strings.ToLower(req.UserMessage)
	switch {
	case strings.Contains(lower, "thank"), strings.Contains(lower, "understand"):
		mood = 0.3
	case strings.Contains(lower, "guarantee"), strings.Contains(lower, "must"):
		mood = -0.3
	}
	return &Response{Reply: cannedReplies[st], MoodEstimate: mood, Stage: st}, nil
}
