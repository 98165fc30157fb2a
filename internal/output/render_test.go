package output

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/joescharf/conductor/internal/plan"
	"github.com/joescharf/conductor/internal/session"
)

func TestPlan(t *testing.T) {
	u, out, errOut := newTestUI()
	u.Plan(&plan.Plan{
		Summary: "Login support",
		Waves: []plan.Wave{{
			Index:     1,
			Name:      "Foundations",
			Slug:      "amber-falcon",
			Objective: "Lay the schema",
			Agents:    []plan.AgentSpec{{Role: "implementer", Count: 2}},
			Issues:    []plan.IssueRef{{ID: "app-3", Title: "Add users table"}, {Title: "Hash passwords"}},
		}},
		Assumptions:        []string{"Postgres is available"},
		UnassignedIssueIDs: []string{"app-9"},
	})

	s := out.String()
	assert.Contains(t, s, "Login support")
	assert.Contains(t, s, "Foundations")
	assert.Contains(t, s, "amber-falcon")
	assert.Contains(t, s, "2x implementer")
	assert.Contains(t, s, "Wave 1: Lay the schema")
	assert.Contains(t, s, "app-3")
	assert.Contains(t, s, "new")
	assert.Contains(t, s, "Postgres is available")
	assert.Contains(t, errOut.String(), "app-9")
}

func TestPlan_Nil(t *testing.T) {
	u, out, errOut := newTestUI()
	u.Plan(nil)
	assert.Empty(t, out.String())
	assert.Contains(t, errOut.String(), "No plan")
}

func TestApplyResult(t *testing.T) {
	u, out, errOut := newTestUI()
	u.ApplyResult(&session.ApplyResult{Waves: []session.WaveResult{
		{
			WaveIndex: 1, Label: "orchestration:wave:amber-falcon", Success: true,
			Items: []session.ItemResult{
				{Ref: plan.IssueRef{Title: "a"}, ID: "app-1", Action: session.ActionCreated},
				{Ref: plan.IssueRef{Title: "b"}, ID: "app-2", Action: session.ActionSkipped},
			},
		},
		{
			WaveIndex: 2, Label: "orchestration:wave:quiet-river", Error: "tracker locked",
			Items: []session.ItemResult{
				{Ref: plan.IssueRef{Title: "Hash passwords"}, Action: session.ActionFailed, Error: "database is locked"},
			},
		},
	}})

	assert.Contains(t, out.String(), "orchestration:wave:amber-falcon")
	assert.Contains(t, errOut.String(), "Wave 2: tracker locked")
	assert.Contains(t, errOut.String(), `"Hash passwords" database is locked`)
	assert.Contains(t, errOut.String(), "1 of 2 waves failed")
}

func TestApplyResult_AllSucceeded(t *testing.T) {
	u, out, _ := newTestUI()
	u.ApplyResult(&session.ApplyResult{Waves: []session.WaveResult{{WaveIndex: 1, Success: true}}})
	assert.Contains(t, out.String(), "Applied 1 waves")
}

func TestFormatAgents(t *testing.T) {
	assert.Equal(t, "2x implementer, 1x reviewer (security)", formatAgents([]plan.AgentSpec{
		{Role: "implementer", Count: 2},
		{Role: "reviewer", Count: 1, Specialty: "security"},
	}))
	assert.Empty(t, formatAgents(nil))
}
