// Package session defines the data model shared by the orchestrator and the
// session store: messages, iteration records, aggregated state and the
// session record itself.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Role is the originator of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleDeveloper Role = "developer"
	RoleTool      Role = "tool"
	RoleFunction  Role = "function"
)

func (r Role) valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleDeveloper, RoleTool, RoleFunction:
		return true
	}
	return false
}

// ContentType classifies the payload carried by a Message.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
	ContentAudio ContentType = "audio"
	ContentVideo ContentType = "video"
	ContentFile  ContentType = "file"
)

func (c ContentType) valid() bool {
	switch c {
	case ContentText, ContentImage, ContentAudio, ContentVideo, ContentFile:
		return true
	}
	return false
}

// Message is one turn exchanged with an LLM or recorded in a session's chat log.
type Message struct {
	Role        Role        `json:"role"`
	Content     string      `json:"content"`
	ContentType ContentType `json:"content_type,omitempty"`
	Timestamp   *time.Time  `json:"timestamp,omitempty"`
	Sender      string      `json:"sender,omitempty"`
	MessageID   string      `json:"message_id,omitempty"`
}

// Validate checks that the message's discrete fields hold recognised values.
func (m Message) Validate() error {
	if !m.Role.valid() {
		return fmt.Errorf("session: invalid message role %q", m.Role)
	}
	if m.ContentType != "" && !m.ContentType.valid() {
		return fmt.Errorf("session: invalid message content type %q", m.ContentType)
	}
	return nil
}

// CanonicalPair is the {role, content} shape the LLM Capability expects.
type CanonicalPair struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// MessageLog is an ordered sequence of Message.
type MessageLog []Message

// Canonical converts the log to the {role, content} pairs an LLM call consumes.
func (l MessageLog) Canonical() []CanonicalPair {
	pairs := make([]CanonicalPair, 0, len(l))
	for _, m := range l {
		pairs = append(pairs, CanonicalPair{Role: string(m.Role), Content: m.Content})
	}
	return pairs
}

// Settings is a per-session configuration snapshot.
type Settings struct {
	MaxIterations     int    `json:"max_iterations"`
	MaxSearchItems    int    `json:"max_search_items"`
	DefaultModel      string `json:"default_model"`
	ReasonModel       string `json:"reason_model"`
	ReasonModelCtx    int    `json:"reason_model_ctx"`
	UseHostedParser   bool   `json:"use_hosted_parser"`
	UseLocalLLM       bool   `json:"use_local_llm"`
	WithPlanning      bool   `json:"with_planning"`
}

// Validate enforces the settings boundaries a session is allowed to carry.
func (s Settings) Validate() error {
	if s.MaxIterations < 1 {
		return errors.New("session: max_iterations must be at least 1")
	}
	if s.MaxSearchItems < 1 {
		return errors.New("session: max_search_items must be at least 1")
	}
	if s.DefaultModel == "" {
		return errors.New("session: default_model is required")
	}
	return nil
}

// ReasonCtxUnset reports whether ReasonModelCtx carries the "use provider
// default" sentinel. A negative value means unset at the boundary.
func (s Settings) ReasonCtxUnset() bool {
	return s.ReasonModelCtx < 0
}

// ContextSummary is one page's LLM-produced condensation relative to a query.
type ContextSummary struct {
	SourceURL       string `json:"source_url"`
	Query           string `json:"query"`
	Summary         string `json:"summary"`
}

// IterationRecord captures one planning-to-judgement cycle.
type IterationRecord struct {
	Number      int              `json:"number"`
	StartedAt   time.Time        `json:"started_at"`
	EndedAt     time.Time        `json:"ended_at"`
	PlanUsed    string           `json:"plan_used"`
	Queries     []string         `json:"queries"`
	Contexts    []ContextSummary `json:"contexts"`
	NextPlan    *string          `json:"next_plan"`
}

// AggregatedState is the running union across completed iterations.
type AggregatedState struct {
	Queries                []string         `json:"queries"`
	Contexts                []ContextSummary `json:"contexts"`
	LastPlan                *string          `json:"last_plan"`
	LastCompletedIteration  int              `json:"last_completed_iteration"`
}

// Status is the lifecycle state of a Session.
type Status string

const (
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusInterrupted Status = "interrupted"
	StatusError       Status = "error"
)

// CurrentSchemaVersion is bumped whenever the persisted shape changes in an
// incompatible way; the store refuses to load a record of any other version.
const CurrentSchemaVersion = 1

// Session is the full persistent record of one research run.
type Session struct {
	SchemaVersion    int               `json:"schema_version"`
	ID               uuid.UUID         `json:"id"`
	UserID           string            `json:"user_id,omitempty"`
	StartTime        time.Time         `json:"start_time"`
	EndTime          *time.Time        `json:"end_time"`
	Status           Status            `json:"status"`
	UserQuery        string            `json:"user_query"`
	SystemInstruction string           `json:"system_instruction,omitempty"`
	Settings         Settings          `json:"settings"`
	ChatHistory      MessageLog        `json:"chat_history"`
	Iterations       []IterationRecord `json:"iterations"`
	Aggregated       AggregatedState   `json:"aggregated"`
	FinalReport      *string           `json:"final_report"`
	ErrorMessage     *string           `json:"error_message"`
}

// New creates a fresh running session with a random id.
func New(userQuery string, settings Settings) *Session {
	return &Session{
		SchemaVersion: CurrentSchemaVersion,
		ID:            uuid.New(),
		StartTime:     time.Now().UTC(),
		Status:        StatusRunning,
		UserQuery:     userQuery,
		Settings:      settings,
		Aggregated:    AggregatedState{LastCompletedIteration: 0},
	}
}

// Validate checks every invariant from the data model before a Save.
func (s *Session) Validate() error {
	if err := s.Settings.Validate(); err != nil {
		return err
	}
	prevNum := 0
	queriesSeen := make(map[string]struct{}, len(s.Aggregated.Queries))
	for _, q := range s.Aggregated.Queries {
		queriesSeen[q] = struct{}{}
	}
	for _, it := range s.Iterations {
		if it.Number != prevNum+1 {
			return fmt.Errorf("session: iteration numbers must be dense and strictly increasing, got %d after %d", it.Number, prevNum)
		}
		prevNum = it.Number
		for _, c := range it.Contexts {
			if _, ok := queriesSeen[c.Query]; !ok {
				return fmt.Errorf("session: context summary query %q not present in aggregated queries", c.Query)
			}
		}
	}
	if s.Aggregated.LastCompletedIteration != prevNum {
		return fmt.Errorf("session: aggregated last_completed_iteration %d does not match highest iteration %d", s.Aggregated.LastCompletedIteration, prevNum)
	}
	if s.Status == StatusCompleted {
		if s.FinalReport == nil {
			return errors.New("session: completed session must have a final report")
		}
		if s.EndTime == nil {
			return errors.New("session: completed session must have an end time")
		}
	}
	if s.Status == StatusError && s.ErrorMessage == nil {
		return errors.New("session: error session must have an error message")
	}
	if (s.Status == StatusRunning || s.Status == StatusInterrupted) && prevNum > 0 && s.Aggregated.LastPlan == nil {
		return errors.New("session: running/interrupted session with completed iterations must have a last_plan")
	}
	return nil
}

// Summary is the projection returned by Store.List.
type Summary struct {
	ID               uuid.UUID `json:"id"`
	UserQuery        string    `json:"user_query"`
	Status           Status    `json:"status"`
	StartTime        time.Time `json:"start_time"`
	EndTime          *time.Time `json:"end_time"`
	CurrentIteration int       `json:"current_iteration"`
}

func (s *Session) Summary() Summary {
	return Summary{
		ID:               s.ID,
		UserQuery:        s.UserQuery,
		Status:           s.Status,
		StartTime:        s.StartTime,
		EndTime:          s.EndTime,
		CurrentIteration: s.Aggregated.LastCompletedIteration,
	}
}

// Digest is the content hash used to detect silent corruption of a persisted session.
type Digest string

// ComputeDigest hashes the canonical (sorted-key) JSON projection of the
// session, the same scheme the Python original used via
// hashlib.sha256(json.dumps(d, sort_keys=True)) before this was ported to
// Go's encoding/json plus crypto/sha256.
func ComputeDigest(s *Session) (Digest, error) {
	canonical, err := canonicalJSON(s)
	if err != nil {
		return "", fmt.Errorf("session: computing digest: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return Digest(hex.EncodeToString(sum[:])), nil
}

// canonicalJSON re-marshals the session through a generic map so that object
// keys are sorted deterministically, then serialises that. encoding/json
// already sorts map keys on marshal, so round-tripping through map[string]any
// gives a stable byte sequence independent of struct field order.
func canonicalJSON(s *Session) ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(generic))
	for k := range generic {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return json.Marshal(generic)
}
