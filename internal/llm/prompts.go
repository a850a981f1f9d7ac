// Package llm provides LLM integration for episode embedding and pattern
// synthesis. It includes strict JSON-only prompt templates and response
// parsers that work with Ollama, OpenAI, and Anthropic models.
package llm

import (
	"fmt"
	"strings"

	"github.com/scrypster/engram/pkg/types"
)

// SynthesisPrompt generates a strict JSON-only prompt asking the model to
// distill a cluster of related episodes into a single generalized pattern.
func SynthesisPrompt(episodes []*types.Episode) string {
	var sb strings.Builder
	for i, ep := range episodes {
		sb.WriteString(formatEpisodeForPrompt(i+1, ep))
	}

	return fmt.Sprintf(`TASK: Synthesize a generalized pattern from related working episodes.
OUTPUT: ONLY valid JSON. NO markdown. NO code blocks. NO backticks.

You are given %d episodes that clustered together by semantic similarity.
Identify what they have in common and distill it into one reusable pattern.

REQUIRED JSON STRUCTURE:
Your response MUST start with { and end with }
{
  "pattern": "one-paragraph description of the generalized pattern",
  "pattern_summary": "one-line summary of the pattern",
  "lessons": ["lesson extracted across the episodes"],
  "best_practices": ["practice that worked repeatedly"],
  "antipatterns": ["approach that failed or caused problems"],
  "exceptions": ["situation where the pattern does not apply"],
  "edge_cases": ["edge case worth remembering"],
  "contexts": ["context where the pattern applies"],
  "technologies": ["technology the pattern involves"],
  "coherence_score": 0.8
}

VALIDATION (STRICT):
1. Start with { - End with }
2. All keys must be present; use [] for lists with no items
3. coherence_score is how strongly the episodes share a theme, 0.0-1.0
4. No trailing commas
5. Valid JSON syntax

EPISODES:
%s
RESPOND WITH ONLY THE JSON OBJECT (nothing else):`, len(episodes), sb.String())
}

// formatEpisodeForPrompt renders one episode as a compact numbered block.
func formatEpisodeForPrompt(n int, ep *types.Episode) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "--- Episode %d (%s) ---\n", n, ep.EpisodeType)
	fmt.Fprintf(&sb, "Task: %s\n", ep.Task)
	if ep.Context != "" {
		fmt.Fprintf(&sb, "Context: %s\n", ep.Context)
	}
	if ep.SolutionSummary != "" {
		fmt.Fprintf(&sb, "Solution: %s\n", ep.SolutionSummary)
	} else if ep.Solution != "" {
		fmt.Fprintf(&sb, "Solution: %s\n", truncate(ep.Solution, 500))
	}
	if ep.Outcome != "" {
		fmt.Fprintf(&sb, "Outcome: %s\n", ep.Outcome)
	}
	fmt.Fprintf(&sb, "Success: %t\n", ep.Success)
	if len(ep.LessonsLearned) > 0 {
		fmt.Fprintf(&sb, "Lessons: %s\n", strings.Join(ep.LessonsLearned, "; "))
	}
	if len(ep.Tags) > 0 {
		fmt.Fprintf(&sb, "Tags: %s\n", strings.Join(ep.Tags, ", "))
	}
	sb.WriteString("\n")
	return sb.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
