// Package pipeline implements the four job handlers: analyse, enhance, lookup
// and decision. Each runs its stages in order and reports them through the
// worker's Progress.
package pipeline

import (
	"context"
	"time"

	"github.com/kiranshivaraju/lawsignal/internal/extract"
	"github.com/kiranshivaraju/lawsignal/internal/store"
	"github.com/kiranshivaraju/lawsignal/internal/translate"
	"github.com/kiranshivaraju/lawsignal/internal/worker"
	"github.com/kiranshivaraju/lawsignal/pkg/models"
)

// Stage labels recorded in job status metadata.
const (
	StageExtractingDocument  = "extracting_document"
	StageNormalizing         = "normalizing_and_translating"
	StageCallingModel        = "calling_inference_model"
	StageScoringImpacts      = "scoring_impacts"
	StageVerifyingResults    = "verifying_results"
	StageMatchingTags        = "matching_tags"
	StageEstimatingImpact    = "estimating_impact"
	StageExtractingTags      = "extracting_tags"
	StageQueryingDatabase    = "querying_database"
	StageAnalyzingCompanies  = "analyzing_companies"
	StageSavingAnalysis      = "saving_analysis"
	StageInvalidInput        = "invalid_input"
	StageLoadingDomainTags   = "loading_domain_tags"
	defaultAnalysisRetention = 7 * 24 * time.Hour
)

// Translator is the subset of translate.Translator the analyse pipeline needs.
type Translator interface {
	Translate(ctx context.Context, text string) (translate.Result, error)
}

// Deps are the collaborators shared by the handlers. AI should already carry
// the per-call inference timeout (see ai.NewService).
type Deps struct {
	AI         models.AIProvider
	Translator Translator
	Extractors *extract.Registry
	Companies  store.CompanyStore
	Analyses   store.AnalysisStore
	Taxonomy   *Taxonomy
	// AnalysisTTL is how long decision results stay available to chat.
	AnalysisTTL time.Duration
	Now         func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now().UTC()
}

// NewRegistry returns the handler for every task type.
func NewRegistry(d Deps) worker.Registry {
	if d.AnalysisTTL <= 0 {
		d.AnalysisTTL = defaultAnalysisRetention
	}
	if d.Taxonomy == nil {
		d.Taxonomy = NewTaxonomy("")
	}
	return worker.Registry{
		models.TaskAnalyse:  &Analyse{deps: d},
		models.TaskEnhance:  &Enhance{deps: d},
		models.TaskLookup:   &Lookup{deps: d},
		models.TaskDecision: &Decision{deps: d},
	}
}
