// Package metasearch adapts tools/web_search's WebSearcher onto the
// Orchestrator's narrower MetaSearch interface (query, limit) -> URLs,
// the query-discovery step spec.md §1 names as explicitly out of core
// scope but still needed end-to-end for cmd/researchd to run a session.
package metasearch

import (
	"context"

	"github.com/corvid-labs/deepsearch/tools/web_search"
)

// Adapter wraps a web_search.WebSearcher, discarding the site/recency
// filters the Orchestrator's iteration body never needs.
type Adapter struct {
	Searcher web_search.WebSearcher
}

// New wraps a provider selected by name ("serper" or "brave").
func New(provider web_search.Provider, apiKey string) (*Adapter, error) {
	searcher, err := web_search.NewWebSearcher(provider, apiKey)
	if err != nil {
		return nil, err
	}
	return &Adapter{Searcher: searcher}, nil
}

// Search returns up to limit result URLs for query.
func (a *Adapter) Search(ctx context.Context, query string, limit int) ([]string, error) {
	results, err := a.Searcher.Discover(ctx, query, limit, nil, 0)
	if err != nil {
		return nil, err
	}
	urls := make([]string, 0, len(results))
	for _, r := range results {
		if r.URL != "" {
			urls = append(urls, r.URL)
		}
	}
	return urls, nil
}
