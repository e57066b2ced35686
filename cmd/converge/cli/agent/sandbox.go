package agent

// Sandbox mode returns these canned responses instead of launching the
// model CLI. Each mock's structured block passes its role's validator,
// so the whole pipeline can run deterministically in tests and dry runs.

const mockResearcherOutput = `## Root Cause Analysis

The failing command depends on a package version that is no longer
resolvable from the configured registry. The lockfile pins a release
that was yanked upstream, so dependency resolution fails before any
build step runs.

### Evidence
- The error names a dependency resolution failure, not a build failure.
- The lockfile references a version absent from the registry index.
- No local configuration changed between the last success and the failure.

` + JSONOutputStart + `
{
  "hypothesis": "Pinned dependency version was removed from the registry, breaking resolution",
  "evidence": [
    "Resolution error precedes any build output",
    "Lockfile pins a version missing from the registry index",
    "No local configuration drift detected"
  ],
  "confidence": "medium",
  "confidence_reasoning": "Consistent with the error text, but registry state was not directly inspected",
  "related_patterns": ["yanked-release", "stale-lockfile"]
}
` + JSONOutputEnd + `
`

const mockSolutionOutput = `## Proposed Solutions

1. **Regenerate the lockfile** against the current registry index.
2. **Pin to the nearest available version** and record the change.
3. **Mirror the dependency** into an internal registry to decouple from upstream removals.

` + JSONOutputStart + `
{
  "solutions": [
    {
      "title": "Regenerate the lockfile",
      "description": "Delete the stale lock entries and re-resolve against the live registry",
      "tradeoffs": "May pull newer transitive versions"
    },
    {
      "title": "Pin the nearest available version",
      "description": "Update the manifest to the closest published release",
      "tradeoffs": "Manual step; may need code changes for API drift"
    },
    {
      "title": "Mirror the dependency internally",
      "description": "Host the package in an internal registry",
      "tradeoffs": "Operational overhead"
    }
  ],
  "recommended_index": 0,
  "recommendation_reasoning": "Lowest-effort fix that restores resolution immediately",
  "implementation_steps": [
    "Remove the stale lock entries",
    "Re-run dependency resolution",
    "Verify the build and commit the updated lockfile"
  ]
}
` + JSONOutputEnd + `
`

const mockImpactOutput = `## Impact Assessment

The failure blocks every build in this workspace but is contained to
dependency resolution; no runtime systems are affected.

` + JSONOutputStart + `
{
  "severity": "P1",
  "severity_reasoning": "Blocks all local builds until resolved",
  "scope": "module",
  "scope_detail": "Limited to the package manifest and lockfile",
  "frequency": "recurring",
  "frequency_detail": "Reproduces on every install attempt",
  "priority": "now",
  "priority_reasoning": "Developers cannot build until the lockfile is repaired"
}
` + JSONOutputEnd + `
`

const mockDebateOutput = `## Adversarial Debate

**Analyst**: the three reports agree on a registry-side cause and
disagree only on remediation urgency.

**Devil's advocate**: challenged whether the lockfile is actually stale;
the challenge did not survive — the resolution error names the pinned
version explicitly.

**Skeptic**: medium concern that the registry index was sampled at a
single point in time.

` + JSONOutputStart + `
{
  "agreements": [
    "Failure originates in dependency resolution",
    "No local configuration drift"
  ],
  "contradictions": [
    "Reports differ on remediation urgency"
  ],
  "gaps": [
    "Registry state was not inspected directly"
  ],
  "challenges": [
    {"claim": "The lockfile is stale", "challenge": "Could be a transient registry outage", "survived": true},
    {"claim": "No local drift", "challenge": "Toolchain update could alter resolution", "survived": false}
  ],
  "concerns": [
    {"concern": "Registry sampled once", "severity": "medium"}
  ],
  "revised_root_cause": "Pinned dependency version removed upstream; lockfile must be re-resolved",
  "revised_fix": "Regenerate the lockfile against the live registry",
  "revised_priority": "P1",
  "confidence_after_debate": "high",
  "dissent_notes": "Transient-outage hypothesis remains unfalsified"
}
` + JSONOutputEnd + `
`

const mockArbiterOutput = ReportDelimiter + `
# Convergence Report

## Themes
- Dependency resolution failures dominate the current corpus.
- All investigated issues trace to registry-side state changes.

## Recommendation
Repair the lockfile first; the remaining issues are duplicates of the
same underlying failure.

` + TasksDelimiter + `
[
  {
    "title": "Regenerate the dependency lockfile",
    "description": "Re-resolve dependencies against the live registry and commit the result",
    "issue_id": "issue_00000000_000000_mock",
    "priority": "P1",
    "complexity": "low",
    "files_likely_affected": ["package-lock.json"],
    "suggested_approach": "Delete stale entries and re-run the installer"
  }
]
`

func mockResult(role string) *Result {
	var raw string
	switch role {
	case RoleResearcher:
		raw = mockResearcherOutput
	case RoleSolutionFinder:
		raw = mockSolutionOutput
	case RoleImpactAssessor:
		raw = mockImpactOutput
	case RoleDebater:
		raw = mockDebateOutput
	case RoleArbiter:
		raw = mockArbiterOutput
	default:
		raw = "Mock output for role " + role
	}

	markdown, structured := ExtractStructured(raw)
	return &Result{OK: true, Output: raw, Markdown: markdown, Structured: structured}
}
