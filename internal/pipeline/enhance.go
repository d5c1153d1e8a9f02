package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/kiranshivaraju/lawsignal/internal/normalize"
	"github.com/kiranshivaraju/lawsignal/internal/worker"
)

const noTagsMatchedMessage = "No domain tags matched the analysis"

// EnhanceRequest is the payload of an enhance job.
type EnhanceRequest struct {
	LawAnalysisOutput map[string]any `json:"law_analysis_output"`
	// AllowedTags narrows the taxonomy for this job.
	AllowedTags []string `json:"allowed_tags,omitempty"`
}

func (r *EnhanceRequest) Validate() error {
	r.LawAnalysisOutput = unwrapLawAnalysis(r.LawAnalysisOutput)
	if len(r.LawAnalysisOutput) == 0 {
		return errors.New("law_analysis_output is required")
	}
	return nil
}

// EnhancedTag is one taxonomy tag linked to the analysis.
type EnhancedTag struct {
	Tag             string   `json:"tag"`
	MatchedFrom     []string `json:"matched_from"`
	EstimatedImpact float64  `json:"estimated_impact"`
	Bucket          string   `json:"bucket,omitempty"`
}

// EnhanceResult is the result object of an enhance job.
type EnhanceResult struct {
	LawAnalysisOutput    map[string]any `json:"law_analysis_output"`
	ImpactClassification Classification `json:"impact_classification"`
	EnhancedTags         []EnhancedTag  `json:"enhanced_tags"`
	TagsCount            int            `json:"tags_count"`
	Verification         *Verification  `json:"verification,omitempty"`
	Message              string         `json:"message,omitempty"`
}

// Enhance maps the analysis's free-form tags onto the domain taxonomy and
// estimates an impact bucket for each.
type Enhance struct {
	deps Deps
}

func (h *Enhance) Handle(ctx context.Context, job worker.Job, p *worker.Progress) (worker.Outcome, error) {
	var req EnhanceRequest
	if err := job.Decode(&req); err != nil {
		return worker.Outcome{}, worker.Fail(StageInvalidInput, err)
	}
	if err := req.Validate(); err != nil {
		return worker.Outcome{}, worker.Fail(StageInvalidInput, err)
	}
	analysis, err := decodeLawAnalysis(req.LawAnalysisOutput)
	if err != nil {
		return worker.Outcome{}, worker.Fail(StageInvalidInput, err)
	}

	// 1. Match candidate tags against the taxonomy.
	if err := p.Stage(ctx, StageMatchingTags, 20, nil); err != nil {
		return worker.Outcome{}, err
	}
	allowed := req.AllowedTags
	if len(allowed) == 0 {
		allowed, err = h.deps.Taxonomy.Tags()
		if err != nil {
			return worker.Outcome{}, worker.Fail(StageMatchingTags, err)
		}
	}
	candidates := normalize.DedupeTags(append(append([]string{}, analysis.Impact.RelatedTagsMacro...), analysis.Impact.RelatedTagsMicro...))
	matched := map[string][]string{}
	for _, c := range candidates {
		for _, a := range MatchTags(c, allowed) {
			matched[a] = append(matched[a], c)
		}
	}
	job.Logger.Info("tags matched", "candidates", len(candidates), "matched", len(matched), "taxonomy", len(allowed))

	Score(analysis)
	if len(matched) == 0 {
		return worker.Outcome{
			Result: EnhanceResult{
				LawAnalysisOutput:    req.LawAnalysisOutput,
				ImpactClassification: *analysis.Classification,
				EnhancedTags:         []EnhancedTag{},
				TagsCount:            len(allowed),
				Message:              noTagsMatchedMessage,
			},
			Message: noTagsMatchedMessage,
		}, nil
	}

	// 2. Estimate an impact per matched tag.
	if err := p.Stage(ctx, StageEstimatingImpact, 60, map[string]any{"tags_matched": len(matched)}); err != nil {
		return worker.Outcome{}, err
	}
	classification := *analysis.Classification
	tags := make([]EnhancedTag, 0, len(matched))
	for tag, from := range matched {
		var sum float64
		var n int
		for _, c := range from {
			if v, ok := EstimateTagImpact(c, analysis.Impact.Sectors); ok {
				sum += v
				n++
			}
		}
		et := EnhancedTag{Tag: tag, MatchedFrom: from}
		if n > 0 {
			et.EstimatedImpact = sum / float64(n)
			et.Bucket = BucketFor(et.EstimatedImpact)
		}
		if et.Bucket != "" {
			classification[et.Bucket].Tags = append(classification[et.Bucket].Tags, tag)
		}
		tags = append(tags, et)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].Tag < tags[j].Tag })
	for _, g := range classification {
		sort.Strings(g.Tags)
	}

	// 3. Verify.
	if err := p.Stage(ctx, StageVerifyingResults, 85, nil); err != nil {
		return worker.Outcome{}, err
	}
	v := verification(verifyEnhanced(tags, classification, allowed))

	return worker.Outcome{Result: EnhanceResult{
		LawAnalysisOutput:    req.LawAnalysisOutput,
		ImpactClassification: classification,
		EnhancedTags:         tags,
		TagsCount:            len(allowed),
		Verification:         v,
	}}, nil
}

func verifyEnhanced(tags []EnhancedTag, c Classification, allowed []string) []string {
	known := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		known[a] = true
	}
	var issues []string
	for _, t := range tags {
		if !known[t.Tag] {
			issues = append(issues, fmt.Sprintf("tag %s is not in the taxonomy", t.Tag))
		}
		if t.EstimatedImpact < -1 || t.EstimatedImpact > 1 {
			issues = append(issues, fmt.Sprintf("tag %s impact %.2f outside [-1, 1]", t.Tag, t.EstimatedImpact))
		}
	}
	for bucket, g := range c {
		for _, tag := range g.Tags {
			for _, t := range tags {
				if t.Tag == tag && t.Bucket != bucket {
					issues = append(issues, fmt.Sprintf("tag %s listed under %s but estimated %s", tag, bucket, t.Bucket))
				}
			}
		}
	}
	return issues
}

// unwrapLawAnalysis flattens {"law_analysis_output": {"law_analysis_output": {...}}},
// which upstream callers sometimes send.
func unwrapLawAnalysis(m map[string]any) map[string]any {
	for range 3 {
		inner, ok := m["law_analysis_output"].(map[string]any)
		if !ok {
			return m
		}
		m = inner
	}
	return m
}

func decodeLawAnalysis(m map[string]any) (*LawAnalysis, error) {
	if _, ok := m["impact"].(map[string]any); !ok {
		return nil, errors.New("law_analysis_output.impact is required")
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode law analysis: %w", err)
	}
	var a LawAnalysis
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, fmt.Errorf("decode law analysis: %w", err)
	}
	return &a, nil
}
