package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convergeio/converge/cmd/converge/cli/config"
	"github.com/convergeio/converge/cmd/converge/cli/sanitize"
)

func sandboxInvoker() *Invoker {
	settings := config.Default()
	settings.SandboxMode = true
	return NewInvoker(settings, sanitize.New(settings.Sanitizer))
}

func TestInvoke_SandboxMocksPassTheirValidators(t *testing.T) {
	inv := sandboxInvoker()

	for _, role := range []string{RoleResearcher, RoleSolutionFinder, RoleImpactAssessor, RoleDebater} {
		t.Run(role, func(t *testing.T) {
			result := inv.Invoke(context.Background(), role, config.StageResearch, "issue_20260824_101530_ab3f", "prompt")
			require.True(t, result.OK)
			require.NotNil(t, result.Structured, "mock must carry a structured block")

			validate := ValidatorFor(role)
			require.NotNil(t, validate)
			ok, errs := validate(result.Structured)
			assert.True(t, ok, "mock fails its own validator: %v", errs)
		})
	}
}

func TestInvoke_SandboxArbiterCarriesSections(t *testing.T) {
	inv := sandboxInvoker()
	result := inv.Invoke(context.Background(), RoleArbiter, config.StageConverge, "issue_20260824_101530_ab3f", "prompt")
	require.True(t, result.OK)
	assert.True(t, strings.Contains(result.Output, ReportDelimiter))
	assert.True(t, strings.Contains(result.Output, TasksDelimiter))
}

func TestInvoke_SandboxIsDeterministic(t *testing.T) {
	inv := sandboxInvoker()
	a := inv.Invoke(context.Background(), RoleResearcher, config.StageResearch, "issue_20260824_101530_ab3f", "one")
	b := inv.Invoke(context.Background(), RoleResearcher, config.StageResearch, "issue_20260824_101530_ab3f", "two")
	assert.Equal(t, a.Output, b.Output, "sandbox output must not depend on the prompt")
}
