// Package pageacq implements the Page Acquisition Pipeline: given a URL,
// classify HTML vs PDF, choose a hosted-parser or local-headless-browser
// strategy, and return cleaned, truncated text.
//
// The local browser path is adapted from tools/web_fetch/chromedp/fetch.go's
// chromedp navigation plus go-readability extraction; the hosted-parser path
// is new, grounded on tools/web_search/brave's raw net/http client style and
// routed through the Rate-Limit Governor as spec.md §4.5 requires.
package pageacq

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	readability "github.com/go-shiori/go-readability"

	"github.com/corvid-labs/deepsearch/internal/governor"
)

// ContentKind classifies the acquired URL.
type ContentKind string

const (
	KindHTML ContentKind = "html"
	KindPDF  ContentKind = "pdf"
)

// FailureMode is one of the four failure shapes spec.md §4.5 surfaces to the
// caller; every one of them is treated as a skip by the Orchestrator.
type FailureMode string

const (
	FailureTimeout        FailureMode = "timeout"
	FailureTooLarge       FailureMode = "too-large"
	FailureUnsupportedType FailureMode = "unsupported-type"
	FailureFetchFailed    FailureMode = "fetch-failed"
)

// Page is the cleaned, truncated result of a successful acquisition.
type Page struct {
	URL       string
	Title     string
	Byline    string
	Text      string
	Kind      ContentKind
	HTMLHash  string
	RenderMS  int
}

// SkipError surfaces one of the four failure modes; callers treat it as a skip.
type SkipError struct {
	Mode FailureMode
	URL  string
	Err  error
}

func (s *SkipError) Error() string {
	return fmt.Sprintf("pageacq: skip %s for %s: %v", s.Mode, s.URL, s.Err)
}
func (s *SkipError) Unwrap() error { return s.Err }

func skip(mode FailureMode, rawURL string, err error) error {
	return &SkipError{Mode: mode, URL: rawURL, Err: err}
}

// Strategy selects between the two acquisition paths a session may choose.
type Strategy string

const (
	StrategyHostedParser  Strategy = "hosted_parser"
	StrategyLocalBrowser Strategy = "local_browser"
)

// Config configures a Pipeline.
type Config struct {
	Strategy       Strategy
	MaxHTMLLength  int
	PDFMaxFilesize int64
	PDFMaxPages    int
	PerTaskTimeout time.Duration

	// HostedParserURL is the hosted extraction service endpoint (used when
	// Strategy == StrategyHostedParser).
	HostedParserURL string
	HostedParserKey string
	// HostedParserModel is the pacing-clock key routed through the Governor;
	// the hosted parser is itself a rate-limited external service.
	HostedParserModel string
}

// Pipeline implements the Page Acquisition Pipeline.
type Pipeline struct {
	cfg      Config
	gov      *governor.Governor
	http     *http.Client
	tempDir  string
}

// New constructs a Pipeline. gov may be nil when Strategy is
// StrategyLocalBrowser, since that path has no hosted rate limit to obey.
func New(cfg Config, gov *governor.Governor) *Pipeline {
	if cfg.PerTaskTimeout <= 0 {
		cfg.PerTaskTimeout = 15 * time.Second
	}
	if cfg.MaxHTMLLength <= 0 {
		cfg.MaxHTMLLength = 20000
	}
	return &Pipeline{
		cfg:     cfg,
		gov:     gov,
		http:    &http.Client{Timeout: cfg.PerTaskTimeout},
		tempDir: os.TempDir(),
	}
}

// Classify determines the content kind of rawURL by extension, defaulting to
// HTML when unknown (spec.md §4.5).
func Classify(rawURL string) ContentKind {
	u, err := url.Parse(rawURL)
	if err != nil {
		return KindHTML
	}
	if strings.EqualFold(path.Ext(u.Path), ".pdf") {
		return KindPDF
	}
	return KindHTML
}

// Fetch acquires and cleans the page at rawURL according to the configured
// strategy.
func (p *Pipeline) Fetch(ctx context.Context, rawURL string) (Page, error) {
	if strings.TrimSpace(rawURL) == "" {
		return Page{}, skip(FailureUnsupportedType, rawURL, errors.New("empty url"))
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.PerTaskTimeout)
	defer cancel()

	switch p.cfg.Strategy {
	case StrategyHostedParser:
		return p.fetchHosted(ctx, rawURL)
	default:
		return p.fetchLocal(ctx, rawURL)
	}
}

// fetchLocal drives a headless browser for HTML and a direct download plus
// page-bounded extraction for PDF, adapted from
// tools/web_fetch/chromedp/fetch.go.
func (p *Pipeline) fetchLocal(ctx context.Context, rawURL string) (Page, error) {
	if Classify(rawURL) == KindPDF {
		return p.fetchLocalPDF(ctx, rawURL)
	}

	t0 := time.Now()
	html, err := navigateHTML(ctx, rawURL)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Page{}, skip(FailureTimeout, rawURL, err)
		}
		return Page{}, skip(FailureFetchFailed, rawURL, err)
	}

	article, err := readability.FromReader(strings.NewReader(html), mustParseURL(rawURL))
	if err != nil {
		return Page{}, skip(FailureUnsupportedType, rawURL, err)
	}
	text := article.TextContent
	if p.cfg.MaxHTMLLength > 0 && len(text) > p.cfg.MaxHTMLLength {
		text = text[:p.cfg.MaxHTMLLength]
	}
	sum := sha1.Sum([]byte(html))
	return Page{
		URL:      rawURL,
		Title:    strings.TrimSpace(article.Title),
		Byline:   strings.TrimSpace(article.Byline),
		Text:     strings.TrimSpace(text),
		Kind:     KindHTML,
		HTMLHash: hex.EncodeToString(sum[:]),
		RenderMS: int(time.Since(t0) / time.Millisecond),
	}, nil
}

func navigateHTML(ctx context.Context, rawURL string) (string, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.UserAgent("deepsearch-agent/1.0"),
	)
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	bctx, cancelBrowser := chromedp.NewContext(actx)
	defer cancelBrowser()

	var html string
	err := chromedp.Run(bctx,
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	return html, err
}

// fetchLocalPDF downloads the document to a bounded temporary file, renders
// up to PDFMaxPages, extracts text, and destroys the temp file on every exit
// path (spec.md §4.5).
func (p *Pipeline) fetchLocalPDF(ctx context.Context, rawURL string) (Page, error) {
	t0 := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Page{}, skip(FailureFetchFailed, rawURL, err)
	}
	resp, err := p.http.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Page{}, skip(FailureTimeout, rawURL, err)
		}
		return Page{}, skip(FailureFetchFailed, rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return Page{}, skip(FailureFetchFailed, rawURL, fmt.Errorf("status %d", resp.StatusCode))
	}

	tmp, err := os.CreateTemp(p.tempDir, "pageacq-pdf-*.pdf")
	if err != nil {
		return Page{}, skip(FailureFetchFailed, rawURL, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	defer tmp.Close()

	limit := p.cfg.PDFMaxFilesize
	if limit <= 0 {
		limit = 20 << 20 // 20MiB default ceiling
	}
	written, err := io.Copy(tmp, io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return Page{}, skip(FailureFetchFailed, rawURL, err)
	}
	if written > limit {
		return Page{}, skip(FailureTooLarge, rawURL, fmt.Errorf("exceeds %d bytes", limit))
	}

	text, err := extractPDFText(tmpPath, p.cfg.PDFMaxPages)
	if err != nil {
		return Page{}, skip(FailureUnsupportedType, rawURL, err)
	}
	if p.cfg.MaxHTMLLength > 0 && len(text) > p.cfg.MaxHTMLLength {
		text = text[:p.cfg.MaxHTMLLength]
	}
	return Page{
		URL:      rawURL,
		Text:     strings.TrimSpace(text),
		Kind:     KindPDF,
		RenderMS: int(time.Since(t0) / time.Millisecond),
	}, nil
}

// fetchHosted POSTs the URL to a hosted extraction service, routed through
// the Governor since the hosted parser is itself a rate-limited upstream.
func (p *Pipeline) fetchHosted(ctx context.Context, rawURL string) (Page, error) {
	t0 := time.Now()
	if p.gov != nil {
		release, err := p.gov.Acquire(ctx, p.cfg.HostedParserModel)
		if err != nil {
			return Page{}, skip(FailureTimeout, rawURL, err)
		}
		defer release()
	}

	body, err := json.Marshal(map[string]string{"url": rawURL})
	if err != nil {
		return Page{}, skip(FailureFetchFailed, rawURL, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.HostedParserURL, bytes.NewReader(body))
	if err != nil {
		return Page{}, skip(FailureFetchFailed, rawURL, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.HostedParserKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.HostedParserKey)
	}
	resp, err := p.http.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Page{}, skip(FailureTimeout, rawURL, err)
		}
		return Page{}, skip(FailureFetchFailed, rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusRequestEntityTooLarge {
		return Page{}, skip(FailureTooLarge, rawURL, fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return Page{}, skip(FailureFetchFailed, rawURL, fmt.Errorf("status %d", resp.StatusCode))
	}

	var parsed struct {
		Title string `json:"title"`
		Text  string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Page{}, skip(FailureUnsupportedType, rawURL, err)
	}
	text := parsed.Text
	if p.cfg.MaxHTMLLength > 0 && len(text) > p.cfg.MaxHTMLLength {
		text = text[:p.cfg.MaxHTMLLength]
	}
	return Page{
		URL:      rawURL,
		Title:    parsed.Title,
		Text:     strings.TrimSpace(text),
		Kind:     Classify(rawURL),
		RenderMS: int(time.Since(t0) / time.Millisecond),
	}, nil
}

func mustParseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		return &url.URL{}
	}
	return u
}

// extractPDFText is a minimal text extractor sufficient for research-context
// summarisation: it collects every literal-string operand in the file (see
// extractParenStrings). The page count is capped at maxPages, but extraction
// is not limited to those pages: strings from the whole file are returned,
// and the result is not truncated. It is not a full PDF renderer; the local
// browser strategy only has to retrieve readable prose for summarisation,
// not preserve layout.
func extractPDFText(filePath string, maxPages int) (string, error) {
	raw, err := os.ReadFile(filePath)
	if err != nil {
		return "", err
	}
	if maxPages <= 0 {
		maxPages = 50
	}
	pages := bytes.Count(raw, []byte("/Type /Page"))
	if pages == 0 {
		pages = 1
	}
	if pages > maxPages {
		pages = maxPages
	}

	var out strings.Builder
	for _, m := range extractParenStrings(raw) {
		out.WriteString(m)
		out.WriteByte(' ')
	}
	if out.Len() == 0 {
		return "", errors.New("no extractable text found in pdf")
	}
	return out.String(), nil
}

// extractParenStrings pulls literal-string operands, e.g. "(Hello) Tj", out
// of the raw PDF bytes — a conservative subset sufficient for mostly-text
// documents without decompressing content streams.
func extractParenStrings(raw []byte) []string {
	var out []string
	depth := 0
	var cur []byte
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case c == '(' && depth == 0:
			depth = 1
			cur = cur[:0]
		case c == '(' && depth > 0:
			depth++
			cur = append(cur, c)
		case c == ')' && depth == 1:
			depth = 0
			if len(cur) > 1 {
				out = append(out, string(cur))
			}
		case c == ')' && depth > 1:
			depth--
			cur = append(cur, c)
		case depth > 0:
			cur = append(cur, c)
		}
	}
	return out
}
