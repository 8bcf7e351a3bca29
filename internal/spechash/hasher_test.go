package spechash

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-governance-core/internal/domain"
)

func baseSpec() domain.AgentSpec {
	return domain.AgentSpec{
		Role:         domain.RoleRouter,
		SystemPrompt: "You route tickets to the right team.",
		Model:        "gpt-5-mini",
		Capabilities: []string{"jira.ticket.read", "slack.message.send"},
		Limits: domain.ResourceLimits{
			MaxTokens:       4096,
			MaxCallsPerHour: 100,
			MaxBudgetUSD:    25,
		},
	}
}

func TestCompute_Deterministic(t *testing.T) {
	h1 := Compute(baseSpec())
	h2 := Compute(baseSpec())
	require.Equal(t, h1, h2)
	assert.True(t, strings.HasPrefix(h1, "sha256:"))
}

func TestCompute_CapabilityOrderIrrelevant(t *testing.T) {
	a := baseSpec()
	b := baseSpec()
	b.Capabilities = []string{"slack.message.send", "jira.ticket.read"}
	assert.Equal(t, Compute(a), Compute(b), "allowlist is a set, ordering must not matter")
}

func TestCompute_SensitiveToGovernedFields(t *testing.T) {
	base := Compute(baseSpec())

	mutations := map[string]func(*domain.AgentSpec){
		"role":          func(s *domain.AgentSpec) { s.Role = domain.RolePlanner },
		"system_prompt": func(s *domain.AgentSpec) { s.SystemPrompt = "changed" },
		"model":         func(s *domain.AgentSpec) { s.Model = "gpt-5" },
		"capabilities":  func(s *domain.AgentSpec) { s.Capabilities = append(s.Capabilities, "db.query.execute") },
		"limits":        func(s *domain.AgentSpec) { s.Limits.MaxBudgetUSD = 1000 },
	}

	for name, mutate := range mutations {
		spec := baseSpec()
		mutate(&spec)
		assert.NotEqual(t, base, Compute(spec), "mutation of %s must change the hash", name)
	}
}

func TestMatches_RoundTrip(t *testing.T) {
	spec := baseSpec()
	h := Compute(spec)
	require.True(t, Matches(spec, h))

	spec.SystemPrompt = "tampered"
	require.False(t, Matches(spec, h))

	// Откат изменения восстанавливает соответствие
	spec.SystemPrompt = baseSpec().SystemPrompt
	require.True(t, Matches(spec, h))
}
