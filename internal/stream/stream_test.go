package stream

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
)

func TestAnnounceIsFirstLine(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, nil)
	id := uuid.New()
	if err := w.Announce(id); err != nil {
		t.Fatalf("announce: %v", err)
	}
	if err := w.WriteChunk(Chunk{Kind: KindStatusLine, Data: "planning"}); err != nil {
		t.Fatalf("write chunk: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	r := NewReader(bytes.NewReader(buf.Bytes()))
	c, ok, err := r.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if !ok {
		t.Fatal("expected a status chunk before end-of-stream")
	}
	if r.SessionID() != id.String() {
		t.Fatalf("expected session id %s, got %s", id, r.SessionID())
	}
	if c.Kind != KindStatusLine || c.Data != "planning" {
		t.Fatalf("unexpected chunk: %+v", c)
	}

	_, ok, err = r.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if ok {
		t.Fatal("expected end-of-stream after the terminal sentinel")
	}
}

func TestWriteChunkBeforeAnnouncePanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected a panic when WriteChunk precedes Announce")
		}
	}()
	var buf bytes.Buffer
	w := NewWriter(&buf, nil)
	_ = w.WriteChunk(Chunk{Kind: KindStatusLine})
}

func TestAnnounceTwiceErrors(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, nil)
	if err := w.Announce(uuid.New()); err != nil {
		t.Fatalf("announce: %v", err)
	}
	if err := w.Announce(uuid.New()); err == nil {
		t.Fatal("expected error on second Announce")
	}
}

func TestSequenceOrderingPreserved(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, nil)
	id := uuid.New()
	_ = w.Announce(id)
	chunks := []Chunk{
		{Kind: KindPlanText, Data: "plan"},
		{Kind: KindQueryLine, Data: "q1"},
		{Kind: KindContextSummary, Data: "sum"},
		{Kind: KindReportFragment, Data: "report"},
		{Kind: KindTerminal},
	}
	for _, c := range chunks {
		if err := w.WriteChunk(c); err != nil {
			t.Fatalf("write chunk: %v", err)
		}
	}
	_ = w.Close()

	r := NewReader(bytes.NewReader(buf.Bytes()))
	for i, want := range chunks {
		got, ok, err := r.Next()
		if err != nil {
			t.Fatalf("next %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("expected chunk %d, got end-of-stream", i)
		}
		if got.Kind != want.Kind || got.Data != want.Data {
			t.Fatalf("chunk %d: got %+v, want %+v", i, got, want)
		}
	}
	_, ok, err := r.Next()
	if err != nil {
		t.Fatalf("final next: %v", err)
	}
	if ok {
		t.Fatal("expected end-of-stream after terminal marker")
	}
}
