// Package stage defines the fixed ordering of conversation stages.
package stage

import "strings"

// Stage is one step of the sales conversation.
type Stage string

const (
	Opening             Stage = "OPENING"
	NeedsDiscovery      Stage = "NEEDS_DISCOVERY"
	ProductIntroduction Stage = "PRODUCT_INTRODUCTION"
	ObjectionHandling   Stage = "OBJECTION_HANDLING"
	Closing             Stage = "CLOSING"
	FollowUp            Stage = "FOLLOW_UP"
)

// Order is the canonical progression of stages.
var Order = []Stage{Opening, NeedsDiscovery, ProductIntroduction, ObjectionHandling, Closing, FollowUp}

// Index returns the position of s in Order, or -1 for an unknown stage.
func Index(s Stage) int {
	for i, o := range Order {
		if o == s {
			return i
		}
	}
	return -1
}

// Parse normalizes free text ("objection handling", "closing") to a Stage.
// Unknown input returns ("", false).
func Parse(s string) (Stage, bool) {
	norm := Stage(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), " ", "_")))
	if Index(norm) >= 0 {
		return norm, true
	}
	return "", false
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool { return Index(s) >= 0 }

// IsJump reports whether moving from prev to next skips two or more stages.
// Unknown stages never count as a jump.
func IsJump(prev, next Stage) bool {
	a, b := Index(prev), Index(next)
	if a < 0 || b < 0 {
		return false
	}
	d := b - a
	if d < 0 {
		d = -d
	}
	return d-1 >= 2
}
