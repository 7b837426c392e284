// Package stream implements the Streaming Protocol Adapter: it converts the
// Orchestrator's lazy chunk sequence into a byte stream suitable for an SSE
// response, guaranteeing the session-id announcement is always the first
// line written and a terminal sentinel always closes the stream (spec.md
// §4.7).
package stream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// ChunkKind enumerates the Orchestrator's output chunk kinds (spec.md §4.1).
type ChunkKind string

const (
	KindSessionID       ChunkKind = "session-id-announcement"
	KindStatusLine      ChunkKind = "status-line"
	KindPlanText        ChunkKind = "plan-text"
	KindQueryLine       ChunkKind = "query-line"
	KindContextSummary  ChunkKind = "context-summary"
	KindReportFragment  ChunkKind = "report-fragment"
	KindTerminal        ChunkKind = "terminal-marker"
	KindError           ChunkKind = "error"
)

// Chunk is one element of the Orchestrator's output sequence.
type Chunk struct {
	Kind ChunkKind `json:"kind"`
	Data string    `json:"data,omitempty"`
}

// sessionIDPrefix is the well-known prefix spec.md §4.7 requires on the
// first emitted line of a newly created session's stream.
const sessionIDPrefix = "session_id: "

// doneSentinel terminates the stream after the terminal marker or an error
// chunk, mirroring the OpenAI chat-completions SSE convention the LLM
// Capability's own stream parser consumes.
const doneSentinel = "[DONE]"

// Writer adapts a chunk sequence onto an io.Writer, one SSE "data:" event
// per flush, the way provider/openai's streaming responses are framed.
type Writer struct {
	w           *bufio.Writer
	flusher     Flusher
	wroteHeader bool
}

// Flusher lets Writer force each event onto the wire immediately, matching
// the net/http.Flusher interface without importing net/http here.
type Flusher interface {
	Flush()
}

// NewWriter wraps dst. flusher may be nil if the destination needs no
// explicit flush (a file, an in-memory buffer, a test harness).
func NewWriter(dst io.Writer, flusher Flusher) *Writer {
	return &Writer{w: bufio.NewWriter(dst), flusher: flusher}
}

// Announce writes the session-id-announcement chunk. It must be the first
// call on a fresh Writer; WriteChunk panics if called first instead.
func (sw *Writer) Announce(id uuid.UUID) error {
	if sw.wroteHeader {
		return fmt.Errorf("stream: Announce called after the stream already started")
	}
	sw.wroteHeader = true
	if _, err := fmt.Fprintf(sw.w, "data: %s%s\n\n", sessionIDPrefix, id.String()); err != nil {
		return err
	}
	return sw.flush()
}

// WriteChunk emits one chunk as a single SSE data event.
func (sw *Writer) WriteChunk(c Chunk) error {
	if !sw.wroteHeader {
		panic("stream: WriteChunk called before Announce")
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", raw); err != nil {
		return err
	}
	return sw.flush()
}

// Close writes the terminating sentinel. Safe to call exactly once, after
// the terminal-marker or error chunk.
func (sw *Writer) Close() error {
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", doneSentinel); err != nil {
		return err
	}
	return sw.flush()
}

func (sw *Writer) flush() error {
	if err := sw.w.Flush(); err != nil {
		return err
	}
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
	return nil
}

// Reader parses a Writer's byte stream back into chunks, used by tests and
// by any client embedded in this module (rather than a browser EventSource).
type Reader struct {
	scanner   *bufio.Scanner
	sessionID string
	started   bool
}

// NewReader wraps src.
func NewReader(src io.Reader) *Reader {
	s := bufio.NewScanner(src)
	s.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &Reader{scanner: s}
}

// SessionID returns the announced session id, valid only after the first
// Next call succeeds.
func (r *Reader) SessionID() string { return r.sessionID }

// Next returns the next chunk, ok=false with a nil error at the terminal
// sentinel, or an error if the stream is malformed.
func (r *Reader) Next() (chunk Chunk, ok bool, err error) {
	for r.scanner.Scan() {
		line := r.scanner.Text()
		const prefix = "data: "
		if len(line) < len(prefix) || line[:len(prefix)] != prefix {
			continue
		}
		payload := line[len(prefix):]
		if payload == doneSentinel {
			return Chunk{}, false, nil
		}
		if !r.started {
			r.started = true
			if len(payload) > len(sessionIDPrefix) && payload[:len(sessionIDPrefix)] == sessionIDPrefix {
				r.sessionID = payload[len(sessionIDPrefix):]
				continue
			}
		}
		var c Chunk
		if err := json.Unmarshal([]byte(payload), &c); err != nil {
			return Chunk{}, false, err
		}
		return c, true, nil
	}
	if err := r.scanner.Err(); err != nil {
		return Chunk{}, false, err
	}
	return Chunk{}, false, nil
}
