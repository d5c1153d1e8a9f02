package pipeline

import (
	"encoding/json"
	"math"
	"sort"

	"github.com/kiranshivaraju/lawsignal/internal/normalize"
)

// LawAnalysis is the structured answer of the analyse inference call.
type LawAnalysis struct {
	LawMetadata       LawMetadata       `json:"law_metadata"`
	Impact            Impact            `json:"impact"`
	AnalysisNotes     AnalysisNotes     `json:"analysis_notes"`
	ConfidenceMetrics ConfidenceMetrics `json:"confidence_metrics"`
	Classification    *Classification   `json:"impact_classification,omitempty"`
	Verification      *Verification     `json:"verification,omitempty"`
}

type LawMetadata struct {
	Summary      string `json:"summary"`
	Jurisdiction string `json:"jurisdiction"`
}

type Impact struct {
	CountriesAffected []string       `json:"countries_affected"`
	Sectors           []SectorImpact `json:"sectors"`
	RelatedTagsMacro  []string       `json:"related_tags_macro"`
	RelatedTagsMicro  []string       `json:"related_tags_micro"`
}

type SectorImpact struct {
	Sector    string  `json:"sector"`
	Impact    float64 `json:"impact"`
	Rationale string  `json:"rationale,omitempty"`
}

type AnalysisNotes struct {
	KeyFindings     []string `json:"key_findings"`
	PotentialRisks  []string `json:"potential_risks"`
	AnalystComments string   `json:"analyst_comments"`
}

type ConfidenceMetrics struct {
	ModelConfidence     float64 `json:"model_confidence"`
	DataCompleteness    float64 `json:"data_completeness"`
	LegalTextSimilarity float64 `json:"legal_text_similarity"`
	ExplainabilityScore float64 `json:"explanability_score"`
}

// Verification annotates a result whose consistency check did not pass.
type Verification struct {
	Status string   `json:"status"`
	Error  string   `json:"error,omitempty"`
	Issues []string `json:"issues,omitempty"`
}

const (
	VerificationVerified   = "verified"
	VerificationUnverified = "unverified"
)

// Impact buckets.
const (
	BucketStrongPositive   = "strong_positive"
	BucketModeratePositive = "moderate_positive"
	BucketModerateNegative = "moderate_negative"
	BucketStrongNegative   = "strong_negative"
)

// Bucket boundaries, mirrored for negative scores.
const (
	StrongThreshold   = 0.6
	ModerateThreshold = 0.2
)

// BucketGroup lists what fell into one impact bucket.
type BucketGroup struct {
	Sectors []string `json:"sectors"`
	Tags    []string `json:"tags"`
}

// Classification groups sectors and tags by impact bucket.
type Classification map[string]*BucketGroup

func newClassification() Classification {
	return Classification{
		BucketStrongPositive:   {Sectors: []string{}, Tags: []string{}},
		BucketModeratePositive: {Sectors: []string{}, Tags: []string{}},
		BucketModerateNegative: {Sectors: []string{}, Tags: []string{}},
		BucketStrongNegative:   {Sectors: []string{}, Tags: []string{}},
	}
}

// BucketFor returns the bucket for score v, or "" when v is neutral.
func BucketFor(v float64) string {
	switch {
	case v >= StrongThreshold:
		return BucketStrongPositive
	case v >= ModerateThreshold:
		return BucketModeratePositive
	case v <= -StrongThreshold:
		return BucketStrongNegative
	case v <= -ModerateThreshold:
		return BucketModerateNegative
	}
	return ""
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(lo, math.Min(hi, v))
}

// Score post-processes a model answer in place: sector scores are clamped to
// [-1, 1], neutral-zero sectors dropped, tags deduplicated and the sectors
// bucketed into a Classification.
func Score(a *LawAnalysis) {
	kept := a.Impact.Sectors[:0]
	seen := map[string]struct{}{}
	for _, s := range a.Impact.Sectors {
		s.Impact = clamp(s.Impact, -1, 1)
		key := normalize.TagKey(s.Sector)
		if s.Impact == 0 || key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		kept = append(kept, s)
	}
	a.Impact.Sectors = kept
	a.Impact.RelatedTagsMacro = normalize.DedupeTags(a.Impact.RelatedTagsMacro)
	a.Impact.RelatedTagsMicro = normalize.DedupeTags(a.Impact.RelatedTagsMicro)
	if a.Impact.CountriesAffected == nil {
		a.Impact.CountriesAffected = []string{}
	}

	c := newClassification()
	for _, s := range a.Impact.Sectors {
		if b := BucketFor(s.Impact); b != "" {
			c[b].Sectors = append(c[b].Sectors, s.Sector)
		}
	}
	for _, g := range c {
		sort.Strings(g.Sectors)
	}
	a.Classification = &c
}

// Verify checks a scored analysis for internal consistency.
func Verify(a *LawAnalysis) []string {
	var issues []string
	cm := a.ConfidenceMetrics
	for name, v := range map[string]float64{
		"model_confidence":      cm.ModelConfidence,
		"data_completeness":     cm.DataCompleteness,
		"legal_text_similarity": cm.LegalTextSimilarity,
		"explanability_score":   cm.ExplainabilityScore,
	} {
		if v < 0 || v > 1 || math.IsNaN(v) {
			issues = append(issues, name+" outside [0, 1]")
		}
	}
	if a.Classification != nil {
		for bucket, g := range *a.Classification {
			for _, name := range g.Sectors {
				if s, ok := a.sector(name); !ok || BucketFor(s.Impact) != bucket {
					issues = append(issues, "sector "+name+" does not belong in "+bucket)
				}
			}
		}
	}
	if a.LawMetadata.Summary == "" {
		issues = append(issues, "law summary is empty")
	}
	sort.Strings(issues)
	return issues
}

func (a *LawAnalysis) sector(name string) (SectorImpact, bool) {
	for _, s := range a.Impact.Sectors {
		if s.Sector == name {
			return s, true
		}
	}
	return SectorImpact{}, false
}

// lawAnalysisSchema constrains the analyse inference call.
var lawAnalysisSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "law_metadata": {
      "type": "object",
      "properties": {
        "summary": {"type": "string"},
        "jurisdiction": {"type": "string"}
      },
      "required": ["summary", "jurisdiction"]
    },
    "impact": {
      "type": "object",
      "properties": {
        "countries_affected": {"type": "array", "items": {"type": "string"}},
        "sectors": {
          "type": "array",
          "items": {
            "type": "object",
            "properties": {
              "sector": {"type": "string"},
              "impact": {"type": "number", "minimum": -1, "maximum": 1},
              "rationale": {"type": "string"}
            },
            "required": ["sector", "impact"]
          }
        },
        "related_tags_macro": {"type": "array", "items": {"type": "string"}, "maxItems": 15},
        "related_tags_micro": {"type": "array", "items": {"type": "string"}, "maxItems": 15}
      },
      "required": ["countries_affected", "sectors", "related_tags_macro", "related_tags_micro"]
    },
    "analysis_notes": {
      "type": "object",
      "properties": {
        "key_findings": {"type": "array", "items": {"type": "string"}},
        "potential_risks": {"type": "array", "items": {"type": "string"}},
        "analyst_comments": {"type": "string"}
      },
      "required": ["key_findings", "potential_risks", "analyst_comments"]
    },
    "confidence_metrics": {
      "type": "object",
      "properties": {
        "model_confidence": {"type": "number"},
        "data_completeness": {"type": "number"},
        "legal_text_similarity": {"type": "number"},
        "explanability_score": {"type": "number"}
      },
      "required": ["model_confidence", "data_completeness", "legal_text_similarity", "explanability_score"]
    }
  },
  "required": ["law_metadata", "impact", "analysis_notes", "confidence_metrics"]
}`)
