package types

import (
	"strings"
	"testing"
)

func TestNewEpisodeDefaults(t *testing.T) {
	ep := NewEpisode("add retry logic", "http client package")

	if ep.ID == "" {
		t.Fatal("expected generated ID")
	}
	if ep.Timestamp.IsZero() {
		t.Error("expected creation timestamp")
	}
	if ep.EpisodeType != EpisodeDecision {
		t.Errorf("default type = %q, want %q", ep.EpisodeType, EpisodeDecision)
	}
	if ep.ImportanceScore != 1.0 {
		t.Errorf("default importance = %f, want 1.0", ep.ImportanceScore)
	}
	if !ep.Success {
		t.Error("expected Success default true")
	}
	if ep.AccessCount != 0 {
		t.Errorf("new episode access count = %d, want 0", ep.AccessCount)
	}
	if err := ep.Validate(); err != nil {
		t.Errorf("fresh episode should validate: %v", err)
	}
}

func TestEpisodeValidate(t *testing.T) {
	valid := func() *Episode { return NewEpisode("task", "context") }

	tests := []struct {
		name    string
		mutate  func(*Episode)
		wantErr string
	}{
		{"missing id", func(e *Episode) { e.ID = "" }, "id is required"},
		{"non-uuid id", func(e *Episode) { e.ID = "ep-42" }, "not a valid UUID"},
		{"missing task", func(e *Episode) { e.Task = "" }, "task is required"},
		{"missing project", func(e *Episode) { e.ProjectName = "" }, "project name is required"},
		{"bad type", func(e *Episode) { e.EpisodeType = "sprint" }, "unknown episode type"},
		{"importance too high", func(e *Episode) { e.ImportanceScore = 1.2 }, "out of range"},
		{"importance negative", func(e *Episode) { e.ImportanceScore = -0.1 }, "out of range"},
		{"negative access count", func(e *Episode) { e.AccessCount = -1 }, "non-negative"},
		{"self supersede", func(e *Episode) { e.SupersededBy = e.ID }, "supersede itself"},
		{"confidence out of range", func(e *Episode) {
			c := 1.5
			e.ReasoningTrace.ConfidenceLevel = &c
		}, "out of range"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep := valid()
			tt.mutate(ep)
			err := ep.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestEpisodeTypeIsValid(t *testing.T) {
	for _, typ := range ValidEpisodeTypes {
		if !typ.IsValid() {
			t.Errorf("%q should be valid", typ)
		}
	}
	if EpisodeType("standup").IsValid() {
		t.Error("unknown type should not validate")
	}
}

func TestEmbeddingTextIncludesLessons(t *testing.T) {
	ep := NewEpisode("choose database", "backend service")
	ep.SolutionSummary = "picked postgres"

	base := ep.EmbeddingText()
	if !strings.Contains(base, "choose database") || !strings.Contains(base, "picked postgres") {
		t.Fatalf("embedding text missing core fields: %q", base)
	}
	if strings.Contains(base, "Lessons:") {
		t.Error("embedding text should omit lessons section when there are none")
	}

	ep.LessonsLearned = []string{"prefer SQL for relational data"}
	withLessons := ep.EmbeddingText()
	if !strings.Contains(withLessons, "prefer SQL for relational data") {
		t.Errorf("embedding text missing lessons: %q", withLessons)
	}
}

func TestStructuredConstructors(t *testing.T) {
	conf := 0.8
	dec := NewDecision("pick queue", "event pipeline", "use NATS", ReasoningTrace{
		RawThinking:     "kafka is overkill at this volume",
		DecisionFactors: []string{"ops burden"},
		ConfidenceLevel: &conf,
	})
	if err := dec.Validate(); err != nil {
		t.Fatalf("decision episode invalid: %v", err)
	}
	if dec.EpisodeType != EpisodeDecision {
		t.Errorf("decision type = %q", dec.EpisodeType)
	}
	if dec.ReasoningTrace.RawThinking == "" || dec.Solution != "use NATS" {
		t.Error("structured fields not carried through")
	}

	quick := NewQuickCapture("renew TLS cert", "certbot renew, reload nginx")
	if err := quick.Validate(); err != nil {
		t.Fatalf("quick capture invalid: %v", err)
	}
	if quick.EpisodeType != EpisodeLearning {
		t.Errorf("quick capture type = %q", quick.EpisodeType)
	}
	if quick.ImportanceScore >= dec.ImportanceScore {
		t.Error("quick captures should carry less importance than decisions")
	}
}
