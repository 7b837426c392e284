package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/corvid-labs/deepsearch/internal/session"
	"github.com/corvid-labs/deepsearch/internal/sessionstore"
	"github.com/corvid-labs/deepsearch/internal/stream"
)

// fakeRunner emits a fixed chunk sequence and persists a completed session,
// standing in for the Orchestrator so these tests never touch an LLM.
type fakeRunner struct {
	store       sessionstore.Store
	finalReport string
}

func (f *fakeRunner) Run(ctx context.Context, sess *session.Session) <-chan stream.Chunk {
	out := make(chan stream.Chunk, 4)
	go func() {
		defer close(out)
		out <- stream.Chunk{Kind: stream.KindSessionID, Data: sess.ID.String()}
		out <- stream.Chunk{Kind: stream.KindReportFragment, Data: f.finalReport}
		out <- stream.Chunk{Kind: stream.KindTerminal}
		report := f.finalReport
		sess.FinalReport = &report
		sess.Status = session.StatusCompleted
		now := sess.StartTime
		sess.EndTime = &now
		_ = f.store.Save(context.Background(), sess)
	}()
	return out
}

func newTestServer() (*Server, *fakeRunner) {
	store := sessionstore.NewMemoryStore()
	runner := &fakeRunner{store: store, finalReport: "the final report"}
	return New(store, runner), runner
}

func TestHandleResearchNonStreaming(t *testing.T) {
	srv, _ := newTestServer()
	body := `{"model":"m","messages":[{"role":"user","content":"what is Go?"}],"max_iterations":3,"max_search_items":5,"default_model":"m","reason_model":"m"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/research", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp researchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.FinalReport != "the final report" {
		t.Fatalf("unexpected final report: %q", resp.FinalReport)
	}
}

func TestHandleResearchRejectsMissingDefaultModel(t *testing.T) {
	srv, _ := newTestServer()
	body := `{"messages":[{"role":"user","content":"q"}],"max_iterations":1,"max_search_items":1}`
	req := httptest.NewRequest(http.MethodPost, "/v1/research", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Echo.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestSessionLifecycleEndpoints(t *testing.T) {
	srv, _ := newTestServer()
	ctx := context.Background()
	sess := session.New("q", session.Settings{MaxIterations: 1, MaxSearchItems: 1, DefaultModel: "m"})
	if err := srv.Store.Save(ctx, sess); err != nil {
		t.Fatalf("save: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/sessions/"+sess.ID.String(), nil)
	rec := httptest.NewRecorder()
	srv.Echo.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/sessions", nil)
	rec = httptest.NewRecorder()
	srv.Echo.ServeHTTP(rec, req)
	var summaries []session.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &summaries); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("expected 1 summary, got %d", len(summaries))
	}

	req = httptest.NewRequest(http.MethodDelete, "/sessions/"+sess.ID.String(), nil)
	rec = httptest.NewRecorder()
	srv.Echo.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/sessions/"+sess.ID.String(), nil)
	rec = httptest.NewRecorder()
	srv.Echo.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestGetSessionInvalidID(t *testing.T) {
	srv, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/sessions/not-a-uuid", nil)
	rec := httptest.NewRecorder()
	srv.Echo.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
