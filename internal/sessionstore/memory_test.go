package sessionstore

import (
	"context"
	"reflect"
	"testing"

	"github.com/google/uuid"

	"github.com/corvid-labs/deepsearch/internal/session"
)

func newTestSettings() session.Settings {
	return session.Settings{MaxIterations: 5, MaxSearchItems: 10, DefaultModel: "gpt-test"}
}

func strPtr(s string) *string { return &s }

func TestMemoryStoreSaveLoadRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	s := session.New("what is the weather", newTestSettings())

	if err := store.Save(ctx, s); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := store.Load(ctx, s.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(loaded, s) {
		t.Fatalf("round trip not equal:\n got  %+v\n want %+v", loaded, s)
	}
}

func TestMemoryStoreLoadNotFound(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Load(context.Background(), uuid.New()); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	s := session.New("q", newTestSettings())
	if err := store.Save(ctx, s); err != nil {
		t.Fatalf("save: %v", err)
	}
	ok, err := store.Delete(ctx, s.ID)
	if err != nil || !ok {
		t.Fatalf("delete: ok=%v err=%v", ok, err)
	}
	if _, err := store.Load(ctx, s.ID); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	ok, err = store.Delete(ctx, s.ID)
	if err != nil || ok {
		t.Fatalf("second delete should report not-found: ok=%v err=%v", ok, err)
	}
}

func TestMemoryStoreListFiltersByUser(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	a := session.New("a", newTestSettings())
	a.UserID = "alice"
	b := session.New("b", newTestSettings())
	b.UserID = "bob"
	if err := store.Save(ctx, a); err != nil {
		t.Fatalf("save a: %v", err)
	}
	if err := store.Save(ctx, b); err != nil {
		t.Fatalf("save b: %v", err)
	}

	all, err := store.List(ctx, "")
	if err != nil || len(all) != 2 {
		t.Fatalf("expected 2 sessions unfiltered, got %d err=%v", len(all), err)
	}
	aliceOnly, err := store.List(ctx, "alice")
	if err != nil || len(aliceOnly) != 1 || aliceOnly[0].ID != a.ID {
		t.Fatalf("expected exactly alice's session, got %+v err=%v", aliceOnly, err)
	}
}

func TestMemoryStoreResumeRejectsTerminalStatus(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	completed := session.New("q", newTestSettings())
	completed.Status = session.StatusCompleted
	completed.FinalReport = strPtr("report")
	now := completed.StartTime
	completed.EndTime = &now
	if err := store.Save(ctx, completed); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := store.Resume(ctx, completed.ID); err != ErrCannotResume {
		t.Fatalf("expected ErrCannotResume, got %v", err)
	}

	running := session.New("q2", newTestSettings())
	if err := store.Save(ctx, running); err != nil {
		t.Fatalf("save: %v", err)
	}
	resumed, err := store.Resume(ctx, running.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.ID != running.ID {
		t.Fatalf("resume returned wrong session")
	}
}

func TestMemoryStoreRollbackTruncatesAndRecomputes(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	s := session.New("q", newTestSettings())

	plan1, plan2 := "plan after 1", "plan after 2"
	s.Iterations = []session.IterationRecord{
		{
			Number:   1,
			PlanUsed: "initial",
			Queries:  []string{"q1"},
			Contexts: []session.ContextSummary{{SourceURL: "https://a", Query: "q1", Summary: "sum1"}},
			NextPlan: &plan1,
		},
		{
			Number:   2,
			PlanUsed: plan1,
			Queries:  []string{"q2"},
			Contexts: []session.ContextSummary{{SourceURL: "https://b", Query: "q2", Summary: "sum2"}},
			NextPlan: &plan2,
		},
	}
	s.Aggregated = session.AggregatedState{
		Queries:                []string{"q1", "q2"},
		Contexts:                append(append([]session.ContextSummary{}, s.Iterations[0].Contexts...), s.Iterations[1].Contexts...),
		LastPlan:                &plan2,
		LastCompletedIteration: 2,
	}
	if err := store.Save(ctx, s); err != nil {
		t.Fatalf("save: %v", err)
	}

	rolled, err := store.Rollback(ctx, s.ID, 1)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if len(rolled.Iterations) != 1 || rolled.Iterations[0].Number != 1 {
		t.Fatalf("expected exactly iteration 1 to survive, got %+v", rolled.Iterations)
	}
	if rolled.Aggregated.LastCompletedIteration != 1 {
		t.Fatalf("expected recomputed last_completed_iteration 1, got %d", rolled.Aggregated.LastCompletedIteration)
	}
	if rolled.Aggregated.LastPlan == nil || *rolled.Aggregated.LastPlan != plan1 {
		t.Fatalf("expected last_plan to be plan1 after rollback, got %v", rolled.Aggregated.LastPlan)
	}
	if rolled.Status != session.StatusInterrupted {
		t.Fatalf("expected interrupted status after rollback, got %v", rolled.Status)
	}
	if rolled.FinalReport != nil {
		t.Fatal("expected final report cleared after rollback")
	}

	reloaded, err := store.Load(ctx, s.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(reloaded.Iterations) != 1 {
		t.Fatalf("rollback not persisted: got %d iterations", len(reloaded.Iterations))
	}
}

func TestMemoryStoreRollbackOutOfRange(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	s := session.New("q", newTestSettings())
	s.Iterations = []session.IterationRecord{{Number: 1, Queries: []string{"q1"}}}
	s.Aggregated = session.AggregatedState{Queries: []string{"q1"}, LastCompletedIteration: 1, LastPlan: strPtr("p")}
	if err := store.Save(ctx, s); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := store.Rollback(ctx, s.ID, 5); err != ErrIterationOutOfRange {
		t.Fatalf("expected ErrIterationOutOfRange, got %v", err)
	}
}

func TestMemoryStoreHistory(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	s := session.New("q", newTestSettings())
	s.Iterations = []session.IterationRecord{{Number: 1, Queries: []string{"q1"}}}
	s.Aggregated = session.AggregatedState{Queries: []string{"q1"}, LastCompletedIteration: 1, LastPlan: strPtr("p")}
	if err := store.Save(ctx, s); err != nil {
		t.Fatalf("save: %v", err)
	}
	hist, err := store.History(ctx, s.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 1 || hist[0].Number != 1 {
		t.Fatalf("unexpected history: %+v", hist)
	}
}

func TestMemoryStoreSaveRejectsInvalidSession(t *testing.T) {
	store := NewMemoryStore()
	s := session.New("q", newTestSettings())
	s.Iterations = []session.IterationRecord{{Number: 2}} // not dense from 1
	if err := store.Save(context.Background(), s); err == nil {
		t.Fatal("expected validation error on save")
	}
}
