// ABOUTME: Lean Six Sigma agent walking the DMAIC phases
// ABOUTME: A validated control phase proposes a governance motion to roberts

package builtins

import (
	"strings"

	"github.com/2389/coven-swarm/internal/fsm"
	"github.com/2389/coven-swarm/internal/span"
	"github.com/2389/coven-swarm/internal/trigger"
)

const (
	LeanDefine  fsm.State = "DEFINE"
	LeanMeasure fsm.State = "MEASURE"
	LeanAnalyze fsm.State = "ANALYZE"
	LeanImprove fsm.State = "IMPROVE"
	LeanControl fsm.State = "CONTROL"
)

// Lean returns the DMAIC agent definition. Each phase handler completes its
// phase and advances to the next one.
func Lean() fsm.Definition {
	return fsm.Definition{
		Name:   "lean",
		States: []fsm.State{LeanDefine, LeanMeasure, LeanAnalyze, LeanImprove, LeanControl},
		Filter: "swarmsh.lean.",
		Triggers: []fsm.Trigger{
			phase("define", LeanDefine, LeanMeasure),
			phase("measure", LeanMeasure, LeanAnalyze),
			phase("analyze", LeanAnalyze, LeanImprove),
			phase("improve", LeanImprove, LeanControl),
			{Matcher: trigger.MustParse("contains:control"), Handler: fsm.Handler{
				Name: "control",
				From: []fsm.State{LeanControl},
				Fn:   control,
			}},
		},
	}
}

func phaseComplete(from fsm.State, s span.Span) fsm.Emission {
	return fsm.Emission{
		Name: "swarmsh.lean.phase_complete",
		Attributes: map[string]any{
			"phase":       strings.ToLower(string(from)),
			"project_id":  s.String("project_id", s.TraceID),
			"defect_rate": s.String("defect_rate", ""),
		},
	}
}

func phase(keyword string, from, next fsm.State) fsm.Trigger {
	return fsm.Trigger{
		Matcher: trigger.MustParse("contains:" + keyword),
		Handler: fsm.Handler{
			Name: keyword,
			From: []fsm.State{from},
			Fn: func(state fsm.State, s span.Span) fsm.Result {
				return fsm.Result{
					Next: next,
					Emit: []fsm.Emission{phaseComplete(state, s)},
					Note: keyword + " complete",
				}
			},
		},
	}
}

// control closes the cycle. Validated improvements go to governance for
// adoption and the agent starts over; otherwise it stays in CONTROL.
func control(state fsm.State, s span.Span) fsm.Result {
	out := []fsm.Emission{phaseComplete(state, s)}
	if !s.Bool("validated") {
		return fsm.Result{Emit: out, Note: "control not yet validated"}
	}
	out = append(out, fsm.Emission{
		Name: "swarmsh.roberts.open_motion",
		Attributes: map[string]any{
			"motion_id":   "lean-" + s.String("project_id", s.TraceID),
			"description": "adopt validated process improvement",
		},
	})
	return fsm.Result{Next: LeanDefine, Emit: out, Note: "improvement validated"}
}
