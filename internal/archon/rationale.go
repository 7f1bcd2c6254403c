package archon

import (
	"fmt"
	"strings"

	"github.com/AaronLay10/Universalis/internal/intent"
	"github.com/AaronLay10/Universalis/internal/memory"
)

// rationale renders the human-readable explanation stored with a cycle.
func rationale(res *Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Cycle %d of %s.\n", res.Cycle, res.SimulationID)

	if len(res.Environment) > 0 {
		b.WriteString("Environment:\n")
		for _, c := range res.Environment {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}

	if len(res.Applied) > 0 {
		b.WriteString("Applied:\n")
		for _, e := range res.Applied {
			fmt.Fprintf(&b, "- %s\n", e.Describe())
		}
	} else {
		b.WriteString("No actor effects were applied.\n")
	}

	if len(res.Rejected) > 0 {
		b.WriteString("Rejected:\n")
		for _, r := range res.Rejected {
			fmt.Fprintf(&b, "- %s\n", describeRejection(r))
		}
	}

	if len(res.Skipped) > 0 {
		fmt.Fprintf(&b, "No intent from: %s.\n", strings.Join(res.Skipped, ", "))
	}

	if len(res.Recommendations) > 0 {
		b.WriteString("Recommendations:\n")
		for _, r := range res.Recommendations {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func describeRejection(r Rejection) string {
	switch {
	case r.ConflictWith != "":
		return fmt.Sprintf("%s: %s (outranked by %s; %s)", r.AgentID, r.Reason, r.ConflictWith, r.Detail)
	case r.Detail != "":
		return fmt.Sprintf("%s: %s (%s)", r.AgentID, r.Reason, r.Detail)
	}
	return fmt.Sprintf("%s: %s", r.AgentID, r.Reason)
}

// memories builds the records persisted after commit: the rationale for
// everyone and one private outcome per agent that submitted an intent.
func memories(res *Result, intents []intent.Intent) []memory.AddRequest {
	out := []memory.AddRequest{{
		SimulationID: res.SimulationID,
		Text:         res.Rationale,
		Scope:        memory.ScopePublic,
		Kind:         memory.KindRationale,
		Cycle:        res.Cycle,
	}}

	applied := map[string][]Effect{}
	for _, e := range res.Applied {
		applied[e.AgentID] = append(applied[e.AgentID], e)
	}
	rejected := map[string]Rejection{}
	for _, r := range res.Rejected {
		rejected[r.AgentID] = r
	}

	for _, in := range intents {
		var text string
		if effects, ok := applied[in.AgentID]; ok {
			parts := make([]string, len(effects))
			for i, e := range effects {
				parts[i] = e.Describe()
			}
			text = fmt.Sprintf("Cycle %d: my intent was applied: %s", res.Cycle, strings.Join(parts, "; "))
		} else if r, ok := rejected[in.AgentID]; ok {
			text = fmt.Sprintf("Cycle %d: my intent was rejected: %s", res.Cycle, describeRejection(r))
		} else {
			continue
		}
		out = append(out, memory.AddRequest{
			SimulationID: res.SimulationID,
			Text:         text,
			Scope:        memory.ScopePrivate,
			OwnerID:      in.AgentID,
			Kind:         memory.KindAdjudication,
			Cycle:        res.Cycle,
		})
	}
	return out
}
