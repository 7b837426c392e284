// Package prompts is the Prompt Library: pure-text parameterised templates
// exposing only Render(name, bindings) -> messages.
//
// The template bodies are ported from the Python original's _prompts.py
// constants (INITIAL_SEARCH_PLAN_PROMPT, JUDGE_SEARCH_RESULTS_PROMPT,
// GENERATE_WRITING_PLAN_PROMPT, GET_NEW_SEARCH_QUERIES_INSTRUCTION_PROMPT,
// IS_PAGE_USEFUL_PROMPT, EXTRACT_RELEVANT_CONTEXT_INSTRUCTION_PROMPT,
// GENERATE_FINAL_REPORT_INSTRUCTION_PROMPT), reorganised into named,
// bindings-based templates matching spec.md §4.8's seven entry points.
package prompts

import (
	"fmt"
	"strings"

	"github.com/corvid-labs/deepsearch/internal/session"
)

// Name identifies one of the seven templates spec.md §4.8 names.
type Name string

const (
	PlanInitial      Name = "plan_initial"
	PlanJudge        Name = "plan_judge"
	QueriesFromPlan  Name = "queries_from_plan"
	PageUseful       Name = "page_useful"
	ExtractContext   Name = "extract_context"
	WritingPlan      Name = "writing_plan"
	FinalReport      Name = "final_report"
)

// Bindings carries the named substitution values a template may reference;
// unused fields for a given template are ignored.
type Bindings struct {
	Query               string
	PriorContexts       []session.ContextSummary
	PriorPlan           string
	Plan                string
	PreviouslyUsedQueries []string
	PageText            string
	AggregatedContexts  []session.ContextSummary
	WritingPlan         string
}

const doneSentinel = "<done>"

// DoneSentinel is the literal token the judge/query-generation templates use
// to signal that no further research is needed (spec.md §4.1 step 1, §4.8).
func DoneSentinel() string { return doneSentinel }

var systemPrompts = map[Name]string{
	PlanInitial: clean(`You are an advanced reasoning assistant that specialises in structuring and
		refining research plans. Based on the given user query, generate a comprehensive research
		plan that expands on the topic, identifies key areas of investigation, and breaks the
		research process into actionable steps for a search agent to execute. Expand the query,
		identify key research areas, define research steps in priority order, and suggest search
		strategies (terms, operators, source types). Write the plan only, no explanations.`),

	PlanJudge: clean(`You are an advanced reasoning assistant that specialises in evaluating research
		results and refining search strategies. Analyse the search agent's findings, assess their
		relevance and completeness, identify missing information or weak sources, and produce a
		structured plan for the next iteration. If everything gathered so far is sufficient, say so
		and instruct the search agent to stop. Write the plan only, no explanations.`),

	QueriesFromPlan: clean(`You are an analytical research assistant. Based on the original query, the
		search queries already performed, and the current plan, determine whether further research
		is needed. If it is, provide up to four new search queries as a bracketed list on one line,
		for example ["new query one", "new query two"]. If no further research is needed, respond
		with exactly ` + doneSentinel + `. Output only the list or the token, with no additional text.`),

	PageUseful: clean(`You are a research assistant. Given the user's query and the content of a
		webpage, determine whether the page contains information relevant and useful for answering
		the query. Respond with exactly "yes" or "no" and nothing else.`),

	ExtractContext: clean(`You are an expert information extractor. Given the user's query and the
		webpage content, extract all pieces of information relevant to answering the query. Return
		only the relevant context as plain text, with no commentary.`),

	WritingPlan: clean(`You are an advanced reasoning assistant that specialises in producing writing
		plans for research reports. Based on the user's query and the aggregated research contexts,
		create a detailed plan for a well-structured, coherent report: section outline, content per
		section, and the evidence each section draws on. Write the plan only, no explanations.`),

	FinalReport: clean(`You are an expert researcher and report writer. Based on the gathered contexts
		and the original query, write a comprehensive, well-structured report that addresses the
		query thoroughly. Cite sources inline from the gathered contexts using [n] and append a
		bibliography listing each cited source's URL at the end. Never invent a source; if none was
		used, state that no evidence was retrieved.`),
}

// Render builds the {role, content} message list for the named template.
func Render(name Name, b Bindings) ([]session.CanonicalPair, error) {
	system, ok := systemPrompts[name]
	if !ok {
		return nil, fmt.Errorf("prompts: unknown template %q", name)
	}
	user, err := userContent(name, b)
	if err != nil {
		return nil, err
	}
	return []session.CanonicalPair{
		{Role: string(session.RoleSystem), Content: system},
		{Role: string(session.RoleUser), Content: user},
	}, nil
}

func userContent(name Name, b Bindings) (string, error) {
	switch name {
	case PlanInitial:
		return fmt.Sprintf("User query: %s", b.Query), nil
	case PlanJudge:
		return fmt.Sprintf(
			"Original query: %s\n\nPrior plan:\n%s\n\nGathered contexts so far:\n%s",
			b.Query, b.PriorPlan, formatContexts(b.PriorContexts),
		), nil
	case QueriesFromPlan:
		return fmt.Sprintf(
			"Original query: %s\n\nCurrent plan:\n%s\n\nQueries already used: %s",
			b.Query, b.Plan, strings.Join(b.PreviouslyUsedQueries, ", "),
		), nil
	case PageUseful:
		return fmt.Sprintf("User query: %s\n\nWebpage content:\n%s", b.Query, b.PageText), nil
	case ExtractContext:
		return fmt.Sprintf("User query: %s\n\nWebpage content:\n%s", b.Query, b.PageText), nil
	case WritingPlan:
		return fmt.Sprintf(
			"User query: %s\n\nAggregated contexts:\n%s", b.Query, formatContexts(b.AggregatedContexts),
		), nil
	case FinalReport:
		return fmt.Sprintf(
			"User query: %s\n\nWriting plan:\n%s\n\nAggregated contexts:\n%s",
			b.Query, b.WritingPlan, formatContexts(b.AggregatedContexts),
		), nil
	default:
		return "", fmt.Errorf("prompts: unknown template %q", name)
	}
}

func formatContexts(contexts []session.ContextSummary) string {
	if len(contexts) == 0 {
		return "(none gathered yet)"
	}
	var sb strings.Builder
	for i, c := range contexts {
		fmt.Fprintf(&sb, "[%d] (query: %q, source: %s)\n%s\n\n", i+1, c.Query, c.SourceURL, c.Summary)
	}
	return sb.String()
}

// clean normalises a multi-line Go literal the way the Python original's
// Prompt.clean_prompt did: collapse internal indentation/whitespace runs and
// trim each line, since Go template bodies above are written with tab
// indentation for readability in source.
func clean(raw string) string {
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	joined := strings.Join(lines, " ")
	return strings.TrimSpace(strings.Join(strings.Fields(joined), " "))
}
