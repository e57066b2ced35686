package agent

import (
	"fmt"
	"strings"

	"github.com/convergeio/converge/cmd/converge/cli/schema"
)

// Prompt builders for the phase workers. Every prompt instructs the
// agent to end with a delimited JSON block so ExtractStructured can
// recover the structured artefact.

func issueContext(issue *schema.Issue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Issue ID: %s\n", issue.ID)
	fmt.Fprintf(&b, "Type: %s\n", issue.Type)
	fmt.Fprintf(&b, "Tool: %s\n", issue.ToolName)
	fmt.Fprintf(&b, "Branch: %s\n", issue.GitBranch)
	fmt.Fprintf(&b, "Occurrences: %d\n", issue.OccurrenceCount)
	fmt.Fprintf(&b, "Description: %s\n", issue.Description)
	if issue.RawError != "" {
		fmt.Fprintf(&b, "\nRaw error:\n%s\n", issue.RawError)
	}
	if len(issue.RecentFiles) > 0 {
		fmt.Fprintf(&b, "\nRecently changed files:\n")
		for _, f := range issue.RecentFiles {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	return b.String()
}

func jsonBlockInstruction(fields string) string {
	return fmt.Sprintf(`
End your response with exactly this structure:

%s
{
%s
}
%s
`, JSONOutputStart, fields, JSONOutputEnd)
}

// ResearcherPrompt asks for a root-cause hypothesis with evidence.
func ResearcherPrompt(issue *schema.Issue) string {
	return fmt.Sprintf(`You are a root-cause analyst investigating a development tool failure.

%s
Analyze the failure. Form a single primary hypothesis for the root cause,
list the evidence supporting it, and state your confidence. Note any
related failure patterns you recognize.

Write your analysis as markdown first.
%s`, issueContext(issue), jsonBlockInstruction(`  "hypothesis": "<one-sentence root cause>",
  "evidence": ["<observation>", "..."],
  "confidence": "high|medium|low",
  "confidence_reasoning": "<why this confidence>",
  "related_patterns": ["<pattern>", "..."]`))
}

// SolutionFinderPrompt asks for ranked fixes. When a root-cause artefact
// already exists it is included so solutions target the hypothesis.
func SolutionFinderPrompt(issue *schema.Issue, rootCauseMarkdown string) string {
	var b strings.Builder
	b.WriteString("You are a solution engineer proposing fixes for a development tool failure.\n\n")
	b.WriteString(issueContext(issue))
	if rootCauseMarkdown != "" {
		b.WriteString("\nA root-cause analysis is available:\n\n")
		b.WriteString(rootCauseMarkdown)
		b.WriteString("\n")
	}
	b.WriteString(`
Propose two or three concrete solutions with tradeoffs, recommend one,
and give step-by-step implementation guidance for the recommendation.

Write your proposals as markdown first.`)
	b.WriteString(jsonBlockInstruction(`  "solutions": [{"title": "...", "description": "...", "tradeoffs": "..."}],
  "recommended_index": 0,
  "recommendation_reasoning": "<why>",
  "implementation_steps": ["<step>", "..."]`))
	return b.String()
}

// ImpactAssessorPrompt asks for severity, scope, frequency, and
// priority, with the most recent other issues summarized for
// cross-pattern context.
func ImpactAssessorPrompt(issue *schema.Issue, recentIssues []*schema.Issue) string {
	var b strings.Builder
	b.WriteString("You are an impact assessor triaging a development tool failure.\n\n")
	b.WriteString(issueContext(issue))
	if len(recentIssues) > 0 {
		b.WriteString("\nOther recent issues in this project:\n")
		for _, other := range recentIssues {
			desc := other.Description
			if len(desc) > 150 {
				desc = desc[:150]
			}
			fmt.Fprintf(&b, "- [%s] %s | %s | %s\n", other.ID, other.Type, other.ToolName, desc)
		}
	}
	b.WriteString(`
Assess the blast radius of this failure relative to the project's recent
history. Rate severity, scope, frequency, and action priority.

Write your assessment as markdown first.`)
	b.WriteString(jsonBlockInstruction(`  "severity": "P0|P1|P2|P3",
  "severity_reasoning": "<why>",
  "scope": "isolated|module|system",
  "scope_detail": "<what is affected>",
  "frequency": "first|recurring|escalating",
  "frequency_detail": "<pattern observed>",
  "priority": "now|soon|later",
  "priority_reasoning": "<why>"`))
	return b.String()
}

// DebateRound1Prompt drives the three-perspective adversarial analysis
// of the research artefacts.
func DebateRound1Prompt(issue *schema.Issue, rootCause, solutions, impact string) string {
	return fmt.Sprintf(`You are running an adversarial review of three independent analyses of one development tool failure.

%s
--- ROOT CAUSE ANALYSIS ---
%s

--- PROPOSED SOLUTIONS ---
%s

--- IMPACT ASSESSMENT ---
%s

Review the analyses from three distinct perspectives:

1. ANALYST — where do the three analyses agree, where do they contradict
   each other, and what gaps do they all share?
2. DEVIL'S ADVOCATE — challenge each major claim; for each challenge,
   state whether the claim survives it.
3. SKEPTIC — raise concerns about the evidence quality; rate each
   concern's severity as low, medium, or high.

Then synthesize a revised position: root cause, fix, priority, and your
confidence after the debate.

Write the debate as markdown first.
%s`, issueContext(issue), orMissing(rootCause), orMissing(solutions), orMissing(impact),
		jsonBlockInstruction(`  "agreements": ["..."],
  "contradictions": ["..."],
  "gaps": ["..."],
  "challenges": [{"claim": "...", "challenge": "...", "survived": true}],
  "concerns": [{"concern": "...", "severity": "low|medium|high"}],
  "revised_root_cause": "...",
  "revised_fix": "...",
  "revised_priority": "P0|P1|P2|P3",
  "confidence_after_debate": "high|medium|low",
  "dissent_notes": "..."`))
}

// DebateRound2Prompt asks the agent to resolve the surviving challenges
// and medium/high concerns from round 1.
func DebateRound2Prompt(issue *schema.Issue, round1 string) string {
	return fmt.Sprintf(`You are resolving the open points from an adversarial review of a development tool failure.

%s
--- ROUND 1 DEBATE ---
%s

For every challenge that survived and every concern rated medium or
high, state a resolution: either refute it with specific reasoning or
incorporate it into a revised position. Produce a final revised root
cause, fix, and priority reflecting those resolutions.

Write the resolutions as markdown first.
%s`, issueContext(issue), round1,
		jsonBlockInstruction(`  "agreements": ["..."],
  "contradictions": ["..."],
  "gaps": ["..."],
  "challenges": [{"claim": "...", "challenge": "...", "survived": true}],
  "concerns": [{"concern": "...", "severity": "low|medium|high"}],
  "revised_root_cause": "...",
  "revised_fix": "...",
  "revised_priority": "P0|P1|P2|P3",
  "confidence_after_debate": "high|medium|low",
  "dissent_notes": "..."`))
}

// ArbiterPrompt asks for the cross-issue convergence report and task
// list. issueBlocks holds one pre-rendered block per eligible issue.
func ArbiterPrompt(issueBlocks []string) string {
	return fmt.Sprintf(`You are synthesizing the investigations of %d development tool failures into one prioritized plan.

%s

Identify shared themes, deduplicate overlapping findings, and produce:

1. A convergence report for humans: themes, key findings per issue, and
   an overall recommendation.
2. A task list: one actionable task per distinct fix, each naming the
   issue it addresses, a P0-P3 priority, and a low/medium/high
   complexity estimate.

Format your response exactly as:

%s
<markdown report>

%s
[
  {"title": "...", "description": "...", "issue_id": "...", "priority": "P0|P1|P2|P3", "complexity": "low|medium|high", "files_likely_affected": ["..."], "suggested_approach": "..."}
]
`, len(issueBlocks), strings.Join(issueBlocks, "\n\n"), ReportDelimiter, TasksDelimiter)
}

func orMissing(artefact string) string {
	if strings.TrimSpace(artefact) == "" {
		return "[MISSING: no artefact was produced]"
	}
	return artefact
}
