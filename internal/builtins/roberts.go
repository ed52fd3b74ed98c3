// ABOUTME: Governance agent following Robert's Rules: open a motion, vote, adjourn
// ABOUTME: A vote hands the motion to scrum as swarmsh.scrum.sprint_planning

package builtins

import (
	"github.com/2389/coven-swarm/internal/fsm"
	"github.com/2389/coven-swarm/internal/span"
	"github.com/2389/coven-swarm/internal/trigger"
)

const (
	RobertsIdle       fsm.State = "IDLE"
	RobertsMotionOpen fsm.State = "MOTION_OPEN"
	RobertsVoting     fsm.State = "VOTING"
	RobertsClosed     fsm.State = "CLOSED"
)

// Roberts returns the governance agent definition.
func Roberts() fsm.Definition {
	return fsm.Definition{
		Name:   "roberts",
		States: []fsm.State{RobertsIdle, RobertsMotionOpen, RobertsVoting, RobertsClosed},
		Filter: "swarmsh.roberts.",
		Triggers: []fsm.Trigger{
			{Matcher: trigger.MustParse("contains:open"), Handler: fsm.Handler{
				Name: "open_motion",
				From: []fsm.State{RobertsIdle, RobertsClosed},
				Fn:   openMotion,
			}},
			{Matcher: trigger.MustParse("contains:vote"), Handler: fsm.Handler{
				Name: "call_vote",
				From: []fsm.State{RobertsIdle, RobertsMotionOpen},
				Fn:   callVote,
			}},
			{Matcher: trigger.MustParse("contains:close"), Handler: fsm.Handler{
				Name: "adjourn",
				From: []fsm.State{RobertsVoting},
				Fn:   adjourn,
			}},
		},
	}
}

func motionID(s span.Span) string {
	return s.String("motion_id", s.TraceID)
}

func openMotion(_ fsm.State, s span.Span) fsm.Result {
	return fsm.Result{
		Next: RobertsMotionOpen,
		Emit: emit("swarmsh.roberts.call_to_order", map[string]any{
			"motion_id":   motionID(s),
			"description": s.String("description", ""),
		}),
		Note: "motion opened",
	}
}

func callVote(_ fsm.State, s span.Span) fsm.Result {
	attrs := map[string]any{"motion_id": motionID(s)}
	if v := s.String("voting_method", ""); v != "" {
		attrs["voting_method"] = v
	}
	return fsm.Result{
		Next: RobertsVoting,
		Emit: emit("swarmsh.scrum.sprint_planning", attrs),
		Note: "vote called",
	}
}

// motionPassed reads an explicit result, else compares the tallies. A motion
// with no tallies passes.
func motionPassed(s span.Span) bool {
	switch s.String("result", "") {
	case "passed":
		return true
	case "failed", "rejected":
		return false
	}
	yes, hasYes := s.Float("votes_for")
	no, hasNo := s.Float("votes_against")
	if hasYes || hasNo {
		return yes > no
	}
	return true
}

func adjourn(_ fsm.State, s span.Span) fsm.Result {
	passed := motionPassed(s)
	result := "failed"
	if passed {
		result = "passed"
	}
	out := emit("swarmsh.roberts.adjourned", map[string]any{
		"motion_id": motionID(s),
		"result":    result,
	})
	if sprint := s.String("sprint_number", ""); passed && sprint != "" {
		out = append(out, fsm.Emission{
			Name: "swarmsh.scrum.sprint_planning",
			Attributes: map[string]any{
				"motion_id":     motionID(s),
				"sprint_number": sprint,
			},
		})
	}
	return fsm.Result{Next: RobertsClosed, Emit: out, Note: "motion " + result}
}
