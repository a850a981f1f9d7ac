package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/scrypster/engram/pkg/types"
)

// extractJSON extracts the first valid JSON object from a string that may
// contain extra text. This handles cases where models add explanations
// before/after the JSON despite instructions.
func extractJSON(text string) string {
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")
	text = strings.TrimSpace(text)

	start := strings.Index(text, "{")
	if start == -1 {
		return text // no JSON found, let the parser report it
	}

	braceCount := 0
	inString := false
	escape := false

	for i := start; i < len(text); i++ {
		char := text[i]

		if escape {
			escape = false
			continue
		}
		if char == '\\' {
			escape = true
			continue
		}
		if char == '"' {
			inString = !inString
			continue
		}

		if !inString {
			switch char {
			case '{':
				braceCount++
			case '}':
				braceCount--
				if braceCount == 0 {
					return text[start : i+1]
				}
			}
		}
	}

	// Unbalanced braces; return from start and let the parser fail with
	// a useful error.
	return text[start:]
}

// ParseSynthesis parses a synthesis response into a SynthesisResult.
// A pattern is required; a coherence score outside [0, 1] is clamped rather
// than rejected so one sloppy model response cannot sink a whole cluster.
func ParseSynthesis(response string) (*types.SynthesisResult, error) {
	cleaned := extractJSON(response)

	var result types.SynthesisResult
	if err := json.Unmarshal([]byte(cleaned), &result); err != nil {
		return nil, fmt.Errorf("llm: failed to parse synthesis response: %w", err)
	}

	if strings.TrimSpace(result.Pattern) == "" {
		return nil, fmt.Errorf("llm: synthesis response has no pattern")
	}

	if result.CoherenceScore < 0 {
		result.CoherenceScore = 0
	}
	if result.CoherenceScore > 1 {
		result.CoherenceScore = 1
	}

	return &result, nil
}
