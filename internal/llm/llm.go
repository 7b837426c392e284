// Package llm implements the LLM Capability: a typed wrapper exposing
// complete() and stream(), provider-agnostic over a hosted OpenAI-compatible
// endpoint or a local model server exposing the same contract.
//
// The wire format is adapted from provider/openai/openai.go's raw net/http
// request/response shapes, generalised to a Backend interface so hosted and
// local servers share one Capability implementation, with every call routed
// through the Rate-Limit Governor per spec.md §4.2(b).
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/corvid-labs/deepsearch/internal/governor"
	"github.com/corvid-labs/deepsearch/internal/research"
	"github.com/corvid-labs/deepsearch/internal/session"
)

// Options carries the per-call tuning knobs spec.md §4.2 names.
type Options struct {
	Temperature      float64
	TopP             float64
	Seed             int64
	ReasoningEnabled bool
	CtxSize          int
}

// Backend is the provider-specific transport: a hosted OpenAI-compatible
// endpoint, a local model server, or another local server exposing the same
// contract. The Capability type hides the choice from callers.
type Backend interface {
	// Name identifies the backend for error messages and the Governor's
	// per-model pacing clock.
	Name() string
	complete(ctx context.Context, messages []session.CanonicalPair, model string, opts Options) (string, error)
	stream(ctx context.Context, messages []session.CanonicalPair, model string, opts Options) (<-chan Fragment, error)
}

// Fragment is one piece of a streamed completion.
type Fragment struct {
	Text string
	Err  error // set exactly once, on the final fragment of a failed stream
	Done bool
}

// Config configures a Capability.
type Config struct {
	FallbackModel string
}

// Capability is the provider-agnostic LLM wrapper the Orchestrator calls.
type Capability struct {
	backend Backend
	gov     *governor.Governor
	cfg     Config
}

// New constructs a Capability bound to backend and routed through gov.
func New(backend Backend, gov *governor.Governor, cfg Config) *Capability {
	return &Capability{backend: backend, gov: gov, cfg: cfg}
}

// Complete performs a non-streaming completion, retrying retryable errors
// with backoff and switching to the configured fallback model after the
// Governor reports a sustained failure streak (spec.md §4.2(c)).
func (c *Capability) Complete(ctx context.Context, messages []session.CanonicalPair, model string, opts Options) (string, error) {
	activeModel := model
	const maxAttempts = 4
	backoff := 200 * time.Millisecond

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		release, err := c.gov.Acquire(ctx, activeModel)
		if err != nil {
			return "", research.New(research.KindCancelled, "llm.Complete", err)
		}
		text, err := c.backend.complete(ctx, messages, activeModel, opts)
		release()
		if err == nil {
			c.gov.RecordSuccess(activeModel)
			return text, nil
		}
		if !research.Retryable(err) {
			if research.Is(err, research.KindUpstreamRefused) {
				if fallback := c.cfg.FallbackModel; fallback != "" && fallback != activeModel {
					return c.completeOnce(ctx, messages, fallback, opts, err)
				}
			}
			return "", err
		}
		if fallback, switched := c.gov.RecordFailure(activeModel); switched {
			activeModel = fallback
		}
		if attempt == maxAttempts {
			return "", err
		}
		if !sleepOrCancel(ctx, backoff) {
			return "", research.New(research.KindCancelled, "llm.Complete", ctx.Err())
		}
		backoff *= 2
	}
	return "", errors.New("llm: unreachable")
}

// Stream performs a streaming completion. The returned channel is closed
// after the final fragment (Done=true, or Err set on failure); an I/O error
// mid-stream terminates the stream rather than retrying, per spec.md
// §4.2(a)'s "partial successful streams never yield an error afterwards
// except an I/O error, which terminates the stream".
func (c *Capability) Stream(ctx context.Context, messages []session.CanonicalPair, model string, opts Options) (<-chan Fragment, error) {
	release, err := c.gov.Acquire(ctx, model)
	if err != nil {
		return nil, research.New(research.KindCancelled, "llm.Stream", err)
	}
	frags, err := c.backend.stream(ctx, messages, model, opts)
	if err != nil {
		release()
		fallback, switched := c.gov.RecordFailure(model)
		if !switched {
			return nil, err
		}
		model = fallback
		release, err = c.gov.Acquire(ctx, model)
		if err != nil {
			return nil, research.New(research.KindCancelled, "llm.Stream", err)
		}
		frags, err = c.backend.stream(ctx, messages, model, opts)
		if err != nil {
			release()
			return nil, err
		}
	}
	out := make(chan Fragment)
	go func() {
		defer close(out)
		defer release()
		sawError := false
		for f := range frags {
			out <- f
			if f.Err != nil {
				sawError = true
			}
		}
		if !sawError {
			c.gov.RecordSuccess(model)
		}
	}()
	return out, nil
}

// completeOnce makes exactly one attempt against fallbackModel after the
// primary model's call was refused upstream (spec.md §4.2(c)'s "escalated to
// Upstream-unrecoverable after one attempt on the fallback model"). It never
// retries or falls back further: a second failure is the final result.
func (c *Capability) completeOnce(ctx context.Context, messages []session.CanonicalPair, fallbackModel string, opts Options, primaryErr error) (string, error) {
	release, err := c.gov.Acquire(ctx, fallbackModel)
	if err != nil {
		return "", research.New(research.KindCancelled, "llm.Complete", err)
	}
	text, err := c.backend.complete(ctx, messages, fallbackModel, opts)
	release()
	if err == nil {
		c.gov.RecordSuccess(fallbackModel)
		return text, nil
	}
	return "", research.New(research.KindUpstreamRefused, "llm.Complete",
		fmt.Errorf("upstream unrecoverable after fallback attempt on %s: %w (primary: %s)", fallbackModel, err, primaryErr))
}

func sleepOrCancel(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// --- OpenAI-compatible backend, grounded on provider/openai's raw-HTTP client ---

// OpenAICompatibleBackend speaks the OpenAI chat-completions wire format and
// serves both the hosted endpoint and any local server that mirrors it
// (Ollama's OpenAI-compatible surface, or another local server), per
// spec.md §4.2's "the caller is unaware of the choice".
type OpenAICompatibleBackend struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewOpenAICompatibleBackend constructs a Backend against baseURL (e.g. the
// hosted https://api.openai.com/v1/chat/completions or a local server's
// equivalent path).
func NewOpenAICompatibleBackend(name, baseURL, apiKey string, timeout time.Duration) *OpenAICompatibleBackend {
	return &OpenAICompatibleBackend{
		name:       name,
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (b *OpenAICompatibleBackend) Name() string { return b.name }

type chatRequest struct {
	Model       string                    `json:"model"`
	Messages    []session.CanonicalPair   `json:"messages"`
	Temperature float64                   `json:"temperature,omitempty"`
	TopP        float64                   `json:"top_p,omitempty"`
	Seed        *int64                    `json:"seed,omitempty"`
	Stream      bool                      `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (b *OpenAICompatibleBackend) newRequest(ctx context.Context, messages []session.CanonicalPair, model string, opts Options, stream bool) (*http.Request, error) {
	body := chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: opts.Temperature,
		TopP:        opts.TopP,
		Stream:      stream,
	}
	if opts.Seed != 0 {
		seed := opts.Seed
		body.Seed = &seed
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, research.New(research.KindInvariant, "llm.newRequest", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL, bytes.NewReader(data))
	if err != nil {
		return nil, research.New(research.KindTransport, "llm.newRequest", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}
	return req, nil
}

func classifyHTTPStatus(status int) research.Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return research.KindRateLimited
	case status >= 500:
		return research.KindTransport
	case status >= 400:
		return research.KindUpstreamRefused
	default:
		return ""
	}
}

func (b *OpenAICompatibleBackend) complete(ctx context.Context, messages []session.CanonicalPair, model string, opts Options) (string, error) {
	req, err := b.newRequest(ctx, messages, model, opts, false)
	if err != nil {
		return "", err
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", research.New(research.KindTransport, "llm.complete", err)
	}
	defer resp.Body.Close()
	if kind := classifyHTTPStatus(resp.StatusCode); kind != "" {
		return "", research.New(kind, "llm.complete", fmt.Errorf("status %d", resp.StatusCode))
	}
	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", research.New(research.KindUpstreamRefused, "llm.complete", err)
	}
	if len(parsed.Choices) == 0 {
		return "", research.New(research.KindUpstreamRefused, "llm.complete", errors.New("empty choices"))
	}
	return parsed.Choices[0].Message.Content, nil
}

// streamChunk mirrors the OpenAI chat-completions SSE delta shape.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func (b *OpenAICompatibleBackend) stream(ctx context.Context, messages []session.CanonicalPair, model string, opts Options) (<-chan Fragment, error) {
	req, err := b.newRequest(ctx, messages, model, opts, true)
	if err != nil {
		return nil, err
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, research.New(research.KindTransport, "llm.stream", err)
	}
	if kind := classifyHTTPStatus(resp.StatusCode); kind != "" {
		resp.Body.Close()
		return nil, research.New(kind, "llm.stream", fmt.Errorf("status %d", resp.StatusCode))
	}

	out := make(chan Fragment)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || !strings.HasPrefix(line, "data: ") {
				continue
			}
			payload := strings.TrimPrefix(line, "data: ")
			if payload == "[DONE]" {
				out <- Fragment{Done: true}
				return
			}
			var chunk streamChunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				continue
			}
			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				out <- Fragment{Text: chunk.Choices[0].Delta.Content}
			}
		}
		if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
			out <- Fragment{Err: research.New(research.KindTransport, "llm.stream", err), Done: true}
			return
		}
		out <- Fragment{Done: true}
	}()
	return out, nil
}

var _ Backend = (*OpenAICompatibleBackend)(nil)
