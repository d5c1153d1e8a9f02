package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	jmespath "github.com/jmespath-community/go-jmespath"
	"github.com/kiranshivaraju/lawsignal/internal/ai"
	"github.com/kiranshivaraju/lawsignal/internal/normalize"
	"github.com/kiranshivaraju/lawsignal/internal/worker"
	"github.com/kiranshivaraju/lawsignal/pkg/models"
)

// Lookup limits.
const (
	maxLookupTags        = 20
	maxTagQueryTags      = 10
	sectorQueryLimit     = 100
	tagQueryLimit        = 50
	maxCandidates        = 25
	maxAnalyzedCompanies = 15
	minPosition          = 0.3
	lowConfidence        = 0.2

	sectorRelevance = 1.0
	tagRelevance    = 0.5
)

const (
	noCompaniesMessage = "No matching companies found"
	noPositionsMessage = "No significant regulatory impact detected"
)

// JMESPath expressions over the open-schema analysis snapshot.
const (
	exprTags         = "[impact.related_tags_macro, impact.related_tags_micro][]"
	exprSectors      = "impact.sectors[].sector"
	exprKeyFindings  = "analysis_notes.key_findings"
	exprRisks        = "analysis_notes.potential_risks"
	exprJurisdiction = "law_metadata.jurisdiction"
	exprSummary      = "law_metadata.summary"
)

const lookupSystemPrompt = `You are an expert financial analyst specializing in regulatory impact assessment.

Analyze how the regulation affects each company's investment position. For each company provide:
1. regulatory_hook: which specific aspect of the regulation affects the company
2. business_impact: how it changes operations, costs or revenue
3. confidence_level: 0 to 1 based on data completeness

Position scale: 0.5 to 1 strong positive, 0.15 to 0.5 moderate positive, -0.5 to -0.15 moderate negative, -1 to -0.5 strong negative.
Only include companies with |position| >= 0.15.`

// LookupRequest is the payload of a lookup job.
type LookupRequest struct {
	LawAnalysisOutput map[string]any `json:"law_analysis_output"`
}

func (r *LookupRequest) Validate() error {
	r.LawAnalysisOutput = unwrapLawAnalysis(r.LawAnalysisOutput)
	if len(r.LawAnalysisOutput) == 0 {
		return errors.New("law_analysis_output is required")
	}
	return nil
}

// Position is the model's view of one company.
type Position struct {
	Ticker          string  `json:"ticker"`
	Position        float64 `json:"position"`
	ConfidenceLevel float64 `json:"confidence_level"`
	Reasoning       string  `json:"reasoning"`
	RegulatoryHook  string  `json:"regulatory_hook"`
	BusinessImpact  string  `json:"business_impact"`
	LowConfidence   bool    `json:"low_confidence,omitempty"`
	// Set from the candidate record.
	Name      string  `json:"name,omitempty"`
	Sector    string  `json:"sector,omitempty"`
	Relevance float64 `json:"relevance,omitempty"`
}

// VerificationStats summarizes the lookup verification pass.
type VerificationStats struct {
	Verified int      `json:"verified"`
	Issues   int      `json:"issues"`
	Notes    []string `json:"notes,omitempty"`
}

type LookupMetadata struct {
	Jurisdiction        string            `json:"jurisdiction,omitempty"`
	ExtractedTags       []string          `json:"extracted_tags"`
	CandidatesEvaluated int               `json:"candidates_evaluated"`
	PositionsGenerated  int               `json:"positions_generated"`
	VerificationStats   VerificationStats `json:"verification_stats"`
	ModelUsed           string            `json:"model_used,omitempty"`
}

// LookupResult is the result object of a lookup job.
type LookupResult struct {
	LawAnalysisOutput map[string]any  `json:"law_analysis_output"`
	Companies         []Position      `json:"companies"`
	Message           string          `json:"message,omitempty"`
	Metadata          *LookupMetadata `json:"metadata,omitempty"`
	Verification      *Verification   `json:"verification,omitempty"`
}

// Lookup finds listed companies exposed to the analysed law and asks the
// model to position each of them.
type Lookup struct {
	deps Deps
}

func (h *Lookup) Handle(ctx context.Context, job worker.Job, p *worker.Progress) (worker.Outcome, error) {
	var req LookupRequest
	if err := job.Decode(&req); err != nil {
		return worker.Outcome{}, worker.Fail(StageInvalidInput, err)
	}
	if err := req.Validate(); err != nil {
		return worker.Outcome{}, worker.Fail(StageInvalidInput, err)
	}
	snapshot := req.LawAnalysisOutput

	// 1. Tags.
	if err := p.Stage(ctx, StageExtractingTags, 10, nil); err != nil {
		return worker.Outcome{}, err
	}
	tags, err := ExtractTags(snapshot)
	if err != nil {
		return worker.Outcome{}, worker.Fail(StageExtractingTags, err)
	}
	if len(tags) == 0 {
		return worker.Outcome{}, worker.Failf(StageExtractingTags, "no relevant tags found in law analysis")
	}

	// 2. Candidates.
	if err := p.Stage(ctx, StageQueryingDatabase, 25, map[string]any{"tags_extracted": len(tags)}); err != nil {
		return worker.Outcome{}, err
	}
	sectors, _ := searchStrings(exprSectors, snapshot)
	candidates, err := h.candidates(ctx, sectors, tags)
	if err != nil {
		return worker.Outcome{}, worker.Fail(StageQueryingDatabase, err)
	}
	job.Logger.Info("candidate companies found", "count", len(candidates), "sectors", len(sectors))
	if len(candidates) == 0 {
		return emptyLookup(snapshot, noCompaniesMessage), nil
	}

	// 3. Positions.
	if err := p.Stage(ctx, StageAnalyzingCompanies, 50, map[string]any{"candidates_found": len(candidates)}); err != nil {
		return worker.Outcome{}, err
	}
	positions, resp, err := h.analyze(ctx, snapshot, candidates)
	if err != nil {
		return worker.Outcome{}, worker.Fail(StageAnalyzingCompanies, err)
	}
	if len(positions) == 0 {
		return emptyLookup(snapshot, noPositionsMessage), nil
	}

	// 4. Verify.
	if err := p.Stage(ctx, StageVerifyingResults, 85, map[string]any{"positions_generated": len(positions)}); err != nil {
		return worker.Outcome{}, err
	}
	positions, stats := verifyPositions(positions, candidates)

	jurisdiction, _ := searchString(exprJurisdiction, snapshot)
	result := LookupResult{
		LawAnalysisOutput: snapshot,
		Companies:         positions,
		Metadata: &LookupMetadata{
			Jurisdiction:        jurisdiction,
			ExtractedTags:       tags,
			CandidatesEvaluated: len(candidates),
			PositionsGenerated:  len(positions),
			VerificationStats:   stats,
			ModelUsed:           modelUsed(resp, h.deps.AI),
		},
	}
	if stats.Issues > 0 {
		result.Verification = verification(stats.Notes)
	}
	return worker.Outcome{Result: result}, nil
}

func emptyLookup(snapshot map[string]any, message string) worker.Outcome {
	return worker.Outcome{
		Result: LookupResult{
			LawAnalysisOutput: snapshot,
			Companies:         []Position{},
			Message:           message,
		},
		Message: message,
	}
}

// ExtractTags returns up to 20 macro and micro tags, ranked by how often their
// words are mentioned in the key findings.
func ExtractTags(snapshot map[string]any) ([]string, error) {
	all, err := searchStrings(exprTags, snapshot)
	if err != nil {
		return nil, err
	}
	tags := normalize.DedupeTags(all)
	findings, _ := searchStrings(exprKeyFindings, snapshot)
	text := strings.ToLower(strings.Join(findings, " "))

	scores := make(map[string]int, len(tags))
	for _, t := range tags {
		for _, w := range strings.Fields(normalize.TagKey(t)) {
			scores[t] += strings.Count(text, w)
		}
	}
	sort.SliceStable(tags, func(i, j int) bool { return scores[tags[i]] > scores[tags[j]] })
	if len(tags) > maxLookupTags {
		tags = tags[:maxLookupTags]
	}
	return tags, nil
}

func (h *Lookup) candidates(ctx context.Context, sectors, tags []string) ([]models.Company, error) {
	byTicker := map[string]*models.Company{}
	var order []string

	bySector, err := h.deps.Companies.CompaniesBySectors(ctx, sectors, sectorQueryLimit)
	if err != nil {
		return nil, fmt.Errorf("query companies by sector: %w", err)
	}
	for _, c := range bySector {
		c.Relevance, c.MatchedBy = sectorRelevance, "sector"
		byTicker[c.Ticker] = &c
		order = append(order, c.Ticker)
	}

	if len(byTicker) < maxCandidates {
		queryTags := tags
		if len(queryTags) > maxTagQueryTags {
			queryTags = queryTags[:maxTagQueryTags]
		}
		byTag, err := h.deps.Companies.CompaniesByTags(ctx, queryTags, tagQueryLimit)
		if err != nil {
			return nil, fmt.Errorf("query companies by tag: %w", err)
		}
		for _, c := range byTag {
			hits := float64(overlap(c.Tags, queryTags))
			if hits == 0 {
				hits = 1
			}
			if existing, ok := byTicker[c.Ticker]; ok {
				existing.Relevance += tagRelevance * hits
				existing.MatchedBy = "sector+tag"
				continue
			}
			c.Relevance, c.MatchedBy = tagRelevance*hits, "tag"
			byTicker[c.Ticker] = &c
			order = append(order, c.Ticker)
		}
	}

	out := make([]models.Company, 0, len(order))
	for _, t := range order {
		out = append(out, *byTicker[t])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Relevance > out[j].Relevance })
	if len(out) > maxCandidates {
		out = out[:maxCandidates]
	}
	return out, nil
}

func overlap(a, b []string) int {
	keys := make(map[string]bool, len(b))
	for _, t := range b {
		keys[normalize.TagKey(t)] = true
	}
	n := 0
	for _, t := range a {
		if keys[normalize.TagKey(t)] {
			n++
		}
	}
	return n
}

type positionsAnswer struct {
	Positions []Position `json:"positions"`
}

var positionsSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "positions": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "ticker": {"type": "string"},
          "position": {"type": "number", "minimum": -1, "maximum": 1},
          "confidence_level": {"type": "number", "minimum": 0, "maximum": 1},
          "reasoning": {"type": "string"},
          "regulatory_hook": {"type": "string"},
          "business_impact": {"type": "string"}
        },
        "required": ["ticker", "position", "confidence_level", "reasoning", "regulatory_hook", "business_impact"]
      }
    }
  },
  "required": ["positions"]
}`)

func (h *Lookup) analyze(ctx context.Context, snapshot map[string]any, candidates []models.Company) ([]Position, models.CompletionResponse, error) {
	if len(candidates) > maxAnalyzedCompanies {
		candidates = candidates[:maxAnalyzedCompanies]
	}
	type companyBrief struct {
		Ticker   string   `json:"ticker"`
		Name     string   `json:"name"`
		Sector   string   `json:"sector"`
		Industry string   `json:"industry,omitempty"`
		Tags     []string `json:"domain_tags,omitempty"`
	}
	briefs := make([]companyBrief, 0, len(candidates))
	for _, c := range candidates {
		tags := c.Tags
		if len(tags) > 5 {
			tags = tags[:5]
		}
		briefs = append(briefs, companyBrief{Ticker: c.Ticker, Name: c.Name, Sector: c.Sector, Industry: c.Industry, Tags: tags})
	}
	companiesJSON, err := json.MarshalIndent(briefs, "", "  ")
	if err != nil {
		return nil, models.CompletionResponse{}, fmt.Errorf("encode companies: %w", err)
	}

	jurisdiction, _ := searchString(exprJurisdiction, snapshot)
	summary, _ := searchString(exprSummary, snapshot)
	findings, _ := searchStrings(exprKeyFindings, snapshot)
	risks, _ := searchStrings(exprRisks, snapshot)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Analyze these companies for regulatory impact.\n\nJURISDICTION: %s\nREGULATION: %s\n", orUnknown(jurisdiction), orUnknown(summary))
	writeBullets(&sb, "KEY FINDINGS", findings)
	writeBullets(&sb, "POTENTIAL RISKS", risks)
	fmt.Fprintf(&sb, "\nCOMPANIES TO ANALYZE:\n%s\n", companiesJSON)

	var answer positionsAnswer
	resp, err := ai.CompleteJSON(ctx, h.deps.AI, models.CompletionRequest{
		System:      lookupSystemPrompt,
		Messages:    []models.ChatMessage{{Role: models.RoleUser, Content: sb.String()}},
		SchemaName:  "record_company_positions",
		Schema:      positionsSchema,
		MaxTokens:   3000,
		Temperature: 0.2,
	}, &answer)
	if err != nil {
		return nil, resp, err
	}

	byTicker := make(map[string]models.Company, len(candidates))
	for _, c := range candidates {
		byTicker[strings.ToUpper(c.Ticker)] = c
	}
	kept := []Position{}
	for _, pos := range answer.Positions {
		if abs(pos.Position) < minPosition {
			continue
		}
		pos.Ticker = strings.ToUpper(strings.TrimSpace(pos.Ticker))
		pos.Reasoning = ai.TruncateString(pos.Reasoning, 300)
		pos.BusinessImpact = ai.TruncateString(pos.BusinessImpact, 200)
		if c, ok := byTicker[pos.Ticker]; ok {
			pos.Name, pos.Sector, pos.Relevance = c.Name, c.Sector, c.Relevance
		}
		kept = append(kept, pos)
	}
	return kept, resp, nil
}

// verifyPositions flags low-confidence positions and tickers the model invented.
func verifyPositions(positions []Position, candidates []models.Company) ([]Position, VerificationStats) {
	known := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		known[strings.ToUpper(c.Ticker)] = true
	}
	stats := VerificationStats{}
	for i := range positions {
		if positions[i].ConfidenceLevel < lowConfidence {
			positions[i].LowConfidence = true
			stats.Issues++
		}
		if !known[positions[i].Ticker] {
			stats.Issues++
			stats.Notes = append(stats.Notes, fmt.Sprintf("ticker %s was not among the candidates", positions[i].Ticker))
		}
	}
	stats.Verified = len(positions)
	if stats.Issues > 0 && len(stats.Notes) == 0 {
		stats.Notes = []string{fmt.Sprintf("%d positions below confidence %.1f", stats.Issues, lowConfidence)}
	}
	return positions, stats
}

func searchString(expr string, data any) (string, error) {
	v, err := jmespath.Search(expr, data)
	if err != nil {
		return "", fmt.Errorf("evaluate %q: %w", expr, err)
	}
	s, _ := v.(string)
	return s, nil
}

// searchStrings evaluates expr and keeps the string elements of the result.
func searchStrings(expr string, data any) ([]string, error) {
	v, err := jmespath.Search(expr, data)
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", expr, err)
	}
	list, _ := v.([]any)
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

func writeBullets(sb *strings.Builder, title string, items []string) {
	if len(items) > 5 {
		items = items[:5]
	}
	fmt.Fprintf(sb, "\n%s:\n", title)
	for _, it := range items {
		fmt.Fprintf(sb, "- %s\n", ai.TruncateString(it, 100))
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
