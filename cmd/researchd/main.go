// Command researchd is the Research API service: it wires the
// Configuration surface into the Rate-Limit Governor, the Per-Domain
// Admission Controller, the Page Acquisition Pipeline, the LLM Capability,
// the Session Store, and the Orchestrator, then serves the Research API and
// Session API (spec.md §6) over HTTP, the way cmd/serve.go wires the
// teacher's own config into its orchestrator and server.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/corvid-labs/deepsearch/internal/admission"
	"github.com/corvid-labs/deepsearch/internal/config"
	"github.com/corvid-labs/deepsearch/internal/governor"
	"github.com/corvid-labs/deepsearch/internal/httpapi"
	"github.com/corvid-labs/deepsearch/internal/llm"
	"github.com/corvid-labs/deepsearch/internal/metasearch"
	"github.com/corvid-labs/deepsearch/internal/orchestrator"
	"github.com/corvid-labs/deepsearch/internal/pageacq"
	"github.com/corvid-labs/deepsearch/internal/research"
	"github.com/corvid-labs/deepsearch/internal/sessionstore"
	"github.com/corvid-labs/deepsearch/tools/web_search"
)

// exit codes, spec.md §6.
const (
	exitOK                = 0
	exitConfigError       = 1
	exitDatastoreFailure  = 2
)

func main() {
	os.Exit(run())
}

func run() (code int) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintln(os.Stderr, "researchd: fatal configuration error:", r)
			code = exitConfigError
		}
	}()

	var cfgPath, addr, storeType, postgresDSN, redisAddr, searchProvider, searchKey string
	root := &cobra.Command{Use: "researchd"}
	serve := &cobra.Command{
		Use:   "serve",
		Short: "run the Research API and Session API over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveCmd(cfgPath, addr, storeType, postgresDSN, redisAddr, searchProvider, searchKey)
		},
	}
	serve.Flags().StringVarP(&cfgPath, "config", "c", "", "path to the configuration document")
	serve.Flags().StringVar(&addr, "addr", ":8090", "listen address")
	serve.Flags().StringVar(&storeType, "store", "memory", "session store backend: memory, postgres, or redis")
	serve.Flags().StringVar(&postgresDSN, "postgres-dsn", "", "postgres DSN (required when --store=postgres)")
	serve.Flags().StringVar(&redisAddr, "redis-addr", "", "redis address (required when --store=redis)")
	serve.Flags().StringVar(&searchProvider, "search-provider", "serper", "metasearch provider: serper or brave")
	serve.Flags().StringVar(&searchKey, "search-key", "", "metasearch API key")
	root.AddCommand(serve)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "researchd:", err)
		return exitConfigError
	}
	return exitOK
}

func serveCmd(cfgPath, addr, storeType, postgresDSN, redisAddr, searchProvider, searchKey string) error {
	cfg := config.Load(cfgPath) // panics into exitConfigError via run()'s recover

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := sessionstore.New(ctx, sessionstore.Type(storeType), sessionstore.Params{
		PostgresDSN: postgresDSN,
		RedisAddr:   redisAddr,
	})
	if err != nil {
		if research.Is(err, research.KindConfiguration) {
			fmt.Fprintln(os.Stderr, "researchd: session store configuration error:", err)
			os.Exit(exitConfigError)
		}
		fmt.Fprintln(os.Stderr, "researchd: datastore connection failed:", err)
		os.Exit(exitDatastoreFailure)
	}

	gov := governor.New(governor.Config{
		MinSpacing:                  perRequestSpacing(cfg.Ratelimits.RequestsPerMinute),
		MaxConcurrency:              cfg.Concurrency.ConcurrentLimit,
		FallbackModel:               cfg.Ratelimits.FallbackModel,
		ConsecutiveFailureThreshold: cfg.Ratelimits.ConsecutiveFailures,
	})
	admit := admission.New(admission.Config{
		ConcurrentLimit: cfg.Concurrency.ConcurrentLimit,
		CoolDown:        cfg.Concurrency.CoolDown,
		GlobalLimit:     cfg.Concurrency.GlobalLimit,
	})

	strategy := pageacq.StrategyLocalBrowser
	if cfg.Settings.UseHostedParser {
		strategy = pageacq.StrategyHostedParser
	}
	pipeline := pageacq.New(pageacq.Config{
		Strategy:          strategy,
		MaxHTMLLength:     cfg.Parsing.MaxHTMLLength,
		PDFMaxFilesize:    cfg.Parsing.PDFMaxFilesize,
		PDFMaxPages:       cfg.Parsing.PDFMaxPages,
		PerTaskTimeout:    cfg.Parsing.TimeoutPerTask,
		HostedParserURL:   cfg.API.HostedParserURL,
		HostedParserKey:   cfg.API.HostedParserKey,
		HostedParserModel: "hosted-parser",
	}, gov)

	backend := llm.NewOpenAICompatibleBackend("default", cfg.API.OpenAICompatURL, cfg.API.OpenAICompatKey, cfg.Parsing.TimeoutPerTask)
	capability := llm.New(backend, gov, llm.Config{FallbackModel: cfg.Ratelimits.FallbackModel})

	var search orchestrator.MetaSearch
	if searchKey != "" {
		adapter, err := metasearch.New(web_search.Provider(searchProvider), searchKey)
		if err != nil {
			return fmt.Errorf("researchd: metasearch init: %w", err)
		}
		search = adapter
	}

	orch := orchestrator.New(orchestrator.Deps{
		Store:     store,
		LLM:       capability,
		Admission: admit,
		PageAcq:   pipeline,
		Search:    search,
	})

	server := httpapi.New(store, orch)
	fmt.Fprintln(os.Stderr, "researchd: listening on", addr)
	return server.Echo.Start(addr)
}

// perRequestSpacing converts a requests-per-minute budget into the
// Governor's per-model minimum inter-request spacing; a non-positive budget
// (spec.md §6's "-1 means no rate limiting") disables spacing entirely.
func perRequestSpacing(requestsPerMinute int) time.Duration {
	if requestsPerMinute <= 0 {
		return 0
	}
	return time.Minute / time.Duration(requestsPerMinute)
}
