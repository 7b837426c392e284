package prompts

import (
	"strings"
	"testing"

	"github.com/corvid-labs/deepsearch/internal/session"
)

func TestRenderKnownTemplates(t *testing.T) {
	names := []Name{PlanInitial, PlanJudge, QueriesFromPlan, PageUseful, ExtractContext, WritingPlan, FinalReport}
	for _, n := range names {
		msgs, err := Render(n, Bindings{Query: "climate policy"})
		if err != nil {
			t.Fatalf("render %s: %v", n, err)
		}
		if len(msgs) != 2 {
			t.Fatalf("render %s: expected 2 messages, got %d", n, len(msgs))
		}
		if msgs[0].Role != "system" || msgs[1].Role != "user" {
			t.Fatalf("render %s: unexpected role ordering %+v", n, msgs)
		}
	}
}

func TestRenderUnknownTemplate(t *testing.T) {
	if _, err := Render(Name("bogus"), Bindings{}); err == nil {
		t.Fatal("expected error for unknown template")
	}
}

func TestQueriesFromPlanMentionsDoneSentinel(t *testing.T) {
	msgs, err := Render(QueriesFromPlan, Bindings{Query: "x", Plan: "y"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(msgs[0].Content, DoneSentinel()) {
		t.Fatalf("expected system prompt to mention the done sentinel, got %q", msgs[0].Content)
	}
}

func TestFormatContextsIncludesQueryAttribution(t *testing.T) {
	msgs, err := Render(PlanJudge, Bindings{
		Query:    "x",
		PriorPlan: "plan",
		PriorContexts: []session.ContextSummary{
			{SourceURL: "https://example.com", Query: "sub query", Summary: "summary text"},
		},
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(msgs[1].Content, "sub query") || !strings.Contains(msgs[1].Content, "summary text") {
		t.Fatalf("expected rendered contexts in user content, got %q", msgs[1].Content)
	}
}
