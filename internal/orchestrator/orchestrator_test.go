package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/corvid-labs/deepsearch/internal/llm"
	"github.com/corvid-labs/deepsearch/internal/pageacq"
	"github.com/corvid-labs/deepsearch/internal/prompts"
	"github.com/corvid-labs/deepsearch/internal/session"
	"github.com/corvid-labs/deepsearch/internal/sessionstore"
	"github.com/corvid-labs/deepsearch/internal/stream"
)

// fakeLLM answers deterministically by inspecting the rendered system
// prompt's template name via a lookup table the test populates, avoiding
// any real model call.
type fakeLLM struct {
	onPlanInitial    string
	onQueriesOnce    []string // the n-th call returns the n-th entry, then <done>
	queriesCallCount int32
	onPageUseful     string
	onExtract        string
	onJudge          string // "<done>" or a plan string
	onWritingPlan    string
	onFinalReport    string
}

func (f *fakeLLM) Complete(ctx context.Context, messages []session.CanonicalPair, model string, opts llm.Options) (string, error) {
	if len(messages) == 0 {
		return "", fmt.Errorf("no messages")
	}
	system := messages[0].Content
	switch {
	case strings.Contains(system, "structuring and"):
		return f.onPlanInitial, nil
	case strings.Contains(system, "determine whether further research"):
		n := atomic.AddInt32(&f.queriesCallCount, 1)
		if int(n) <= len(f.onQueriesOnce) {
			return f.onQueriesOnce[n-1], nil
		}
		return prompts.DoneSentinel(), nil
	case strings.Contains(system, "contains information relevant and useful"):
		return f.onPageUseful, nil
	case strings.Contains(system, "expert information extractor"):
		return f.onExtract, nil
	case strings.Contains(system, "evaluating research"):
		return f.onJudge, nil
	case strings.Contains(system, "writing plans for research"):
		return f.onWritingPlan, nil
	case strings.Contains(system, "expert researcher and report writer"):
		return f.onFinalReport, nil
	default:
		return "", fmt.Errorf("fakeLLM: unrecognised template %q", system)
	}
}

type fakePageFetcher struct{}

func (fakePageFetcher) Fetch(ctx context.Context, rawURL string) (pageacq.Page, error) {
	return pageacq.Page{URL: rawURL, Text: "page body for " + rawURL}, nil
}

type noopAdmitter struct{}

func (noopAdmitter) Acquire(ctx context.Context, rawURL string) (func(), error) {
	return func() {}, nil
}

type fakeSearch struct{ urls []string }

func (f fakeSearch) Search(ctx context.Context, query string, limit int) ([]string, error) {
	if limit < len(f.urls) {
		return f.urls[:limit], nil
	}
	return f.urls, nil
}

func drain(ch <-chan stream.Chunk) []stream.Chunk {
	var out []stream.Chunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}

func newTestSettings() session.Settings {
	return session.Settings{MaxIterations: 2, MaxSearchItems: 5, DefaultModel: "default", ReasonModel: "reason", WithPlanning: true}
}

func TestRunCompletesOneIterationThenDone(t *testing.T) {
	store := sessionstore.NewMemoryStore()
	llmFake := &fakeLLM{
		onPlanInitial: "initial plan",
		onQueriesOnce: []string{`["first query"]`},
		onPageUseful:  "yes",
		onExtract:     "extracted context",
		onJudge:       prompts.DoneSentinel(),
	}
	orch := New(Deps{
		Store:     store,
		LLM:       llmFake,
		Admission: noopAdmitter{},
		PageAcq:   fakePageFetcher{},
		Search:    fakeSearch{urls: []string{"https://example.com/a"}},
	})

	sess := session.New("what is the capital of france", newTestSettings())
	chunks := drain(orch.Run(context.Background(), sess))

	if chunks[0].Kind != stream.KindSessionID {
		t.Fatalf("expected session-id-announcement first, got %+v", chunks[0])
	}
	last := chunks[len(chunks)-1]
	if last.Kind != stream.KindTerminal {
		t.Fatalf("expected terminal marker last, got %+v", last)
	}

	reloaded, err := store.Load(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if reloaded.Status != session.StatusCompleted {
		t.Fatalf("expected completed status, got %v", reloaded.Status)
	}
	if reloaded.FinalReport == nil {
		t.Fatal("expected a final report")
	}
	if len(reloaded.Iterations) != 1 {
		t.Fatalf("expected exactly 1 iteration, got %d", len(reloaded.Iterations))
	}
}

func TestRunStopsAtMaxIterations(t *testing.T) {
	store := sessionstore.NewMemoryStore()
	llmFake := &fakeLLM{
		onPlanInitial: "initial plan",
		onQueriesOnce: []string{`["q1"]`, `["q2"]`, `["q3"]`},
		onPageUseful:  "no", // no pages useful, keeps iterations simple
		onExtract:     "unused",
		onJudge:       "keep going", // never says <done>
		onWritingPlan: "writing plan",
		onFinalReport: strings.Repeat("a long enough final report. ", 20),
	}
	settings := newTestSettings()
	settings.MaxIterations = 2
	orch := New(Deps{
		Store:     store,
		LLM:       llmFake,
		Admission: noopAdmitter{},
		PageAcq:   fakePageFetcher{},
		Search:    fakeSearch{urls: []string{"https://example.com/a"}},
	})

	sess := session.New("q", settings)
	_ = drain(orch.Run(context.Background(), sess))

	reloaded, err := store.Load(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if reloaded.Status != session.StatusCompleted {
		t.Fatalf("expected completed, got %v", reloaded.Status)
	}
	if len(reloaded.Iterations) != 2 {
		t.Fatalf("expected exactly MaxIterations=2 iterations, got %d", len(reloaded.Iterations))
	}
}

func TestRunFallsBackOnShortFinalReport(t *testing.T) {
	store := sessionstore.NewMemoryStore()
	llmFake := &fakeLLM{
		onPlanInitial: "initial plan",
		onQueriesOnce: []string{`["q1"]`},
		onPageUseful:  "no",
		onExtract:     "unused",
		onJudge:       prompts.DoneSentinel(),
		onWritingPlan: "writing plan",
		onFinalReport: "too short",
	}
	orch := New(Deps{
		Store:     store,
		LLM:       llmFake,
		Admission: noopAdmitter{},
		PageAcq:   fakePageFetcher{},
		Search:    fakeSearch{urls: []string{"https://example.com/a"}},
	})
	sess := session.New("q", newTestSettings())
	_ = drain(orch.Run(context.Background(), sess))

	reloaded, err := store.Load(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if reloaded.FinalReport == nil || *reloaded.FinalReport != shortReportFallback {
		t.Fatalf("expected fallback report, got %v", reloaded.FinalReport)
	}
}

func TestRunCancellationYieldsInterrupted(t *testing.T) {
	store := sessionstore.NewMemoryStore()
	llmFake := &fakeLLM{
		onPlanInitial: "initial plan",
	}
	orch := New(Deps{
		Store:     store,
		LLM:       llmFake,
		Admission: noopAdmitter{},
		PageAcq:   fakePageFetcher{},
		Search:    fakeSearch{},
	})
	sess := session.New("q", newTestSettings())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = drain(orch.Run(ctx, sess))

	reloaded, err := store.Load(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if reloaded.Status != session.StatusInterrupted {
		t.Fatalf("expected interrupted, got %v", reloaded.Status)
	}
}

func TestRunResumesFromLastCompletedIteration(t *testing.T) {
	store := sessionstore.NewMemoryStore()
	plan := "carried-over plan"
	sess := session.New("q", newTestSettings())
	sess.Iterations = []session.IterationRecord{
		{Number: 1, Queries: []string{"q1"}, NextPlan: &plan},
	}
	sess.Aggregated = session.AggregatedState{Queries: []string{"q1"}, LastPlan: &plan, LastCompletedIteration: 1}
	if err := store.Save(context.Background(), sess); err != nil {
		t.Fatalf("save: %v", err)
	}

	llmFake := &fakeLLM{
		onQueriesOnce: []string{`["q2"]`},
		onPageUseful:  "no",
		onExtract:     "unused",
		onJudge:       prompts.DoneSentinel(),
		onWritingPlan: "writing plan",
		onFinalReport: strings.Repeat("final report content. ", 20),
	}
	orch := New(Deps{
		Store:     store,
		LLM:       llmFake,
		Admission: noopAdmitter{},
		PageAcq:   fakePageFetcher{},
		Search:    fakeSearch{urls: []string{"https://example.com/b"}},
	})

	_ = drain(orch.Run(context.Background(), sess))

	reloaded, err := store.Load(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(reloaded.Iterations) != 2 {
		t.Fatalf("expected resume to add iteration 2, got %d iterations", len(reloaded.Iterations))
	}
	if reloaded.Iterations[1].Number != 2 {
		t.Fatalf("expected iteration numbered 2, got %d", reloaded.Iterations[1].Number)
	}
}
