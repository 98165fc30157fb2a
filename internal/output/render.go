package output

import (
	"fmt"
	"strings"

	"github.com/joescharf/conductor/internal/plan"
	"github.com/joescharf/conductor/internal/session"
)

// Plan prints a wave table followed by each wave's issues.
func (u *UI) Plan(p *plan.Plan) {
	if p == nil {
		u.Warning("No plan")
		return
	}
	if p.Summary != "" {
		fmt.Fprintln(u.Out, p.Summary)
		fmt.Fprintln(u.Out)
	}

	table := u.Table([]string{"#", "Wave", "Slug", "Agents", "Issues"})
	for _, w := range p.Waves {
		_ = table.Append([]string{
			fmt.Sprint(w.Index),
			w.Name,
			Cyan(w.Slug),
			formatAgents(w.Agents),
			fmt.Sprint(len(w.Issues)),
		})
	}
	_ = table.Render()

	for _, w := range p.Waves {
		fmt.Fprintf(u.Out, "\nWave %d: %s\n", w.Index, w.Objective)
		for _, ref := range w.Issues {
			id := ref.ID
			if id == "" {
				id = Yellow("new")
			}
			fmt.Fprintf(u.Out, "  %s  %s\n", id, ref.Title)
		}
	}

	if len(p.Assumptions) > 0 {
		fmt.Fprintln(u.Out, "\nAssumptions:")
		for _, a := range p.Assumptions {
			fmt.Fprintf(u.Out, "  - %s\n", a)
		}
	}
	if len(p.UnassignedIssueIDs) > 0 {
		u.Warning("Not placed in any wave: %s", strings.Join(p.UnassignedIssueIDs, ", "))
	}
}

func formatAgents(agents []plan.AgentSpec) string {
	parts := make([]string, 0, len(agents))
	for _, a := range agents {
		s := fmt.Sprintf("%dx %s", a.Count, a.Role)
		if a.Specialty != "" {
			s += " (" + a.Specialty + ")"
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, ", ")
}

// ApplyResult prints per-wave counts, then any item failures.
func (u *UI) ApplyResult(res *session.ApplyResult) {
	table := u.Table([]string{"#", "Label", "Created", "Updated", "Skipped", "Failed", "OK"})
	for _, w := range res.Waves {
		counts := map[string]int{}
		for _, it := range w.Items {
			counts[it.Action]++
		}
		_ = table.Append([]string{
			fmt.Sprint(w.WaveIndex),
			Cyan(w.Label),
			fmt.Sprint(counts[session.ActionCreated]),
			fmt.Sprint(counts[session.ActionUpdated]),
			fmt.Sprint(counts[session.ActionSkipped]),
			fmt.Sprint(counts[session.ActionFailed]),
			Check(w.Success),
		})
	}
	_ = table.Render()

	for _, w := range res.Waves {
		if w.Error != "" {
			u.Error("Wave %d: %s", w.WaveIndex, w.Error)
		}
		for _, it := range w.Items {
			if it.Action == session.ActionFailed {
				u.Error("Wave %d: %q %s", w.WaveIndex, it.Ref.Title, it.Error)
			} else {
				u.VerboseLog("%s %s %s", ActionColor(it.Action), it.ID, it.Ref.Title)
			}
		}
	}

	if n := res.Failed(); n > 0 {
		u.Warning("%d of %d waves failed", n, len(res.Waves))
	} else {
		u.Success("Applied %d waves", len(res.Waves))
	}
}
