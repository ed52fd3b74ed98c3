// ABOUTME: Scrum agent: sprint planning, daily scrum and review
// ABOUTME: A review with a high defect rate starts a Lean DMAIC cycle

package builtins

import (
	"github.com/2389/coven-swarm/internal/fsm"
	"github.com/2389/coven-swarm/internal/span"
	"github.com/2389/coven-swarm/internal/trigger"
)

const (
	ScrumPlanning  fsm.State = "PLANNING"
	ScrumExecuting fsm.State = "EXECUTING"
	ScrumReview    fsm.State = "REVIEW"
)

// DefectRateThreshold is the review defect rate (percent) above which scrum
// asks lean for a DMAIC cycle.
const DefectRateThreshold = 3.0

// Scrum returns the scrum agent definition.
func Scrum() fsm.Definition {
	return fsm.Definition{
		Name:   "scrum",
		States: []fsm.State{ScrumPlanning, ScrumExecuting, ScrumReview},
		Filter: "swarmsh.scrum.",
		Triggers: []fsm.Trigger{
			{Matcher: trigger.MustParse("contains:plan"), Handler: fsm.Handler{
				Name: "sprint_planning",
				From: []fsm.State{ScrumPlanning, ScrumReview},
				Fn:   sprintPlanning,
			}},
			{Matcher: trigger.MustParse("contains:daily"), Handler: fsm.Handler{
				Name: "daily_scrum",
				From: []fsm.State{ScrumExecuting},
				Fn:   dailyScrum,
			}},
			{Matcher: trigger.MustParse("contains:review"), Handler: fsm.Handler{
				Name: "sprint_review",
				From: []fsm.State{ScrumExecuting},
				Fn:   sprintReview,
			}},
		},
	}
}

func sprintPlanning(_ fsm.State, s span.Span) fsm.Result {
	attrs := map[string]any{"sprint_number": s.String("sprint_number", "1")}
	if id := s.String("motion_id", ""); id != "" {
		attrs["motion_id"] = id
	}
	return fsm.Result{
		Next: ScrumExecuting,
		Emit: emit("swarmsh.scrum.backlog_populate", attrs),
		Note: "sprint planned",
	}
}

// blockerCount accepts either a list of blockers or a number.
func blockerCount(s span.Span) int {
	if n, ok := s.Float("blockers"); ok {
		return int(n)
	}
	return len(s.Strings("blockers"))
}

func dailyScrum(_ fsm.State, s span.Span) fsm.Result {
	n := blockerCount(s)
	if n == 0 {
		return fsm.Result{Note: "no blockers"}
	}
	return fsm.Result{
		Emit: emit("swarmsh.scrum.escalate_blockers", map[string]any{
			"blockers": float64(n),
			"team":     s.String("team", ""),
		}),
		Note: "blockers escalated",
	}
}

func sprintReview(_ fsm.State, s span.Span) fsm.Result {
	res := fsm.Result{Next: ScrumReview, Note: "sprint reviewed"}
	if rate, ok := s.Float("defect_rate"); ok && rate > DefectRateThreshold {
		res.Emit = emit("swarmsh.lean.define", map[string]any{
			"defect_rate":   rate,
			"sprint_number": s.String("sprint_number", ""),
			"problem":       "defect rate above threshold",
		})
	}
	return res
}
