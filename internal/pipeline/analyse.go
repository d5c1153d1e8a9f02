package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kiranshivaraju/lawsignal/internal/ai"
	"github.com/kiranshivaraju/lawsignal/internal/extract"
	"github.com/kiranshivaraju/lawsignal/internal/normalize"
	"github.com/kiranshivaraju/lawsignal/internal/worker"
	"github.com/kiranshivaraju/lawsignal/pkg/models"
)

// maxPromptBytes caps the document text sent to the model.
const maxPromptBytes = 180_000

const analyseSystemPrompt = `You are an expert legislative and economic impact analyst.

Guidelines:
- Use the 11 standard GICS sector classifications
- Assign scores: -1 to -0.5 strong negative, -0.5 to -0.2 moderate negative, -0.2 to 0.2 neutral, 0.2 to 0.5 moderate positive, 0.5 to 1 strong positive
- Always include United-States in countries_affected
- Only include major or developed economies
- Tags are lowercase with underscores, at most 3 words each
- At most 15 tags each for macro and micro
- Be realistic about confidence metrics
- Consider direct and indirect effects, including supply chain impacts`

// AnalyseRequest is the payload of an analyse job.
type AnalyseRequest struct {
	DocumentType    string `json:"document_type"`
	DocumentContent string `json:"document_content,omitempty"`
	S3Bucket        string `json:"s3_bucket,omitempty"`
	S3Key           string `json:"s3_key,omitempty"`
	AutoTranslate   *bool  `json:"auto_translate,omitempty"`
}

// Validate reports the first problem with r, or nil.
func (r *AnalyseRequest) Validate() error {
	r.DocumentType = strings.ToLower(strings.TrimSpace(r.DocumentType))
	if r.DocumentType == "" {
		return errors.New("document_type is required")
	}
	if !extract.IsSupported(r.DocumentType) {
		return fmt.Errorf("document_type must be one of txt, html, xml, pdf; got %q", r.DocumentType)
	}
	hasObject := r.S3Bucket != "" && r.S3Key != ""
	if r.DocumentType == extract.TypePDF && !hasObject {
		return errors.New("pdf documents require s3_bucket and s3_key")
	}
	if r.DocumentContent == "" && !hasObject {
		return errors.New("document_content or both s3_bucket and s3_key are required")
	}
	return nil
}

func (r *AnalyseRequest) translate() bool {
	return r.AutoTranslate == nil || *r.AutoTranslate
}

// TranslationInfo describes the normalization step in the analysis metadata.
type TranslationInfo struct {
	OriginalLength     int    `json:"original_length"`
	NormalizedLength   int    `json:"normalized_length"`
	WasTranslated      bool   `json:"was_translated"`
	Chunks             int    `json:"chunks,omitempty"`
	FailedChunks       int    `json:"failed_chunks,omitempty"`
	DocumentSourceType string `json:"document_source_type"`
	TranslationError   string `json:"translation_error,omitempty"`
}

// AnalyseMetadata accompanies the law analysis.
type AnalyseMetadata struct {
	DocumentType            string          `json:"document_type"`
	ExtractionMethod        string          `json:"extraction_method"`
	ContentLength           int             `json:"content_length"`
	NormalizedContentLength int             `json:"normalized_content_length"`
	ModelUsed               string          `json:"model_used"`
	TranslationInfo         TranslationInfo `json:"translation_info"`
}

// AnalyseResult is the result object of an analyse job.
type AnalyseResult struct {
	LawAnalysisOutput *LawAnalysis    `json:"law_analysis_output"`
	Metadata          AnalyseMetadata `json:"metadata"`
	Usage             models.Usage    `json:"usage"`
}

// Analyse extracts, normalizes, translates and scores a law document.
type Analyse struct {
	deps Deps
}

func (h *Analyse) Handle(ctx context.Context, job worker.Job, p *worker.Progress) (worker.Outcome, error) {
	var req AnalyseRequest
	if err := job.Decode(&req); err != nil {
		return worker.Outcome{}, worker.Fail(StageInvalidInput, err)
	}
	if err := req.Validate(); err != nil {
		return worker.Outcome{}, worker.Fail(StageInvalidInput, err)
	}

	// 1. Extract.
	if err := p.Stage(ctx, StageExtractingDocument, 10, nil); err != nil {
		return worker.Outcome{}, err
	}
	extractor, err := h.deps.Extractors.For(req.DocumentType)
	if err != nil {
		return worker.Outcome{}, worker.Fail(StageExtractingDocument, err)
	}
	text, method, err := extractor.Extract(ctx, extract.Source{
		Content: req.DocumentContent,
		Bucket:  req.S3Bucket,
		Key:     req.S3Key,
	})
	if errors.Is(err, extract.ErrEmptyDocument) || (err == nil && strings.TrimSpace(text) == "") {
		return worker.Outcome{}, worker.Failf(StageExtractingDocument, "could not extract text from document")
	}
	if err != nil {
		return worker.Outcome{}, worker.Fail(StageExtractingDocument, err)
	}
	job.Logger.Info("document extracted", "method", string(method), "chars", len(text))

	// 2. Normalize and translate. Translation failures degrade to the normalized text.
	if err := p.Stage(ctx, StageNormalizing, 25, map[string]any{"extracted_chars": len(text)}); err != nil {
		return worker.Outcome{}, err
	}
	normalized := normalize.Text(text)
	info := TranslationInfo{
		OriginalLength:     len(text),
		NormalizedLength:   len(normalized),
		DocumentSourceType: string(method),
	}
	analysisText := normalized
	if req.translate() && h.deps.Translator != nil {
		res, terr := h.deps.Translator.Translate(ctx, normalized)
		if terr != nil {
			job.Logger.Warn("translation failed, continuing with normalized text", "error", terr)
			info.TranslationError = terr.Error()
		} else {
			analysisText = res.Text
			info.WasTranslated = res.WasTranslated
			info.Chunks = res.Chunks
			info.FailedChunks = res.FailedChunks
		}
	}

	// 3. Inference.
	if err := p.Stage(ctx, StageCallingModel, 40, nil); err != nil {
		return worker.Outcome{}, err
	}
	var analysis LawAnalysis
	resp, err := ai.CompleteJSON(ctx, h.deps.AI, models.CompletionRequest{
		System:      analyseSystemPrompt,
		Messages:    []models.ChatMessage{{Role: models.RoleUser, Content: analysePrompt(req.DocumentType, method, info.WasTranslated, analysisText)}},
		SchemaName:  "record_law_analysis",
		Schema:      lawAnalysisSchema,
		MaxTokens:   4096,
		Temperature: 0.2,
	}, &analysis)
	if err != nil {
		return worker.Outcome{}, worker.Fail(StageCallingModel, err)
	}

	// 4. Score.
	if err := p.Stage(ctx, StageScoringImpacts, 70, map[string]any{"sectors_returned": len(analysis.Impact.Sectors)}); err != nil {
		return worker.Outcome{}, err
	}
	Score(&analysis)

	// 5. Verify. Inconsistencies are reported, not fatal.
	if err := p.Stage(ctx, StageVerifyingResults, 85, nil); err != nil {
		return worker.Outcome{}, err
	}
	analysis.Verification = verification(Verify(&analysis))

	return worker.Outcome{Result: AnalyseResult{
		LawAnalysisOutput: &analysis,
		Metadata: AnalyseMetadata{
			DocumentType:            req.DocumentType,
			ExtractionMethod:        string(method),
			ContentLength:           len(text),
			NormalizedContentLength: len(analysisText),
			ModelUsed:               modelUsed(resp, h.deps.AI),
			TranslationInfo:         info,
		},
		Usage: resp.Usage,
	}}, nil
}

func analysePrompt(docType string, method extract.Method, translated bool, text string) string {
	yes := "No"
	if translated {
		yes = "Yes"
	}
	return fmt.Sprintf(`Analyze the following law document and provide a comprehensive economic impact assessment.

Document Format: %s
Extraction Method: %s
Text Normalized & Translated: %s

Law Document Content:
%s

Provide:
1. A clear summary and confirm or correct the jurisdiction
2. Economic impact assessment for all relevant countries
3. Economic impact scores for affected sectors (-1 to +1 scale)
4. Macro tags (broad themes) and micro tags (specific topics)
5. Key findings, potential risks, and analyst commentary
6. Realistic confidence metrics between 0 and 1

Only include sectors that are actually affected (score != 0).`,
		strings.ToUpper(docType), method, yes, ai.TruncateString(text, maxPromptBytes))
}

func verification(issues []string) *Verification {
	if len(issues) == 0 {
		return &Verification{Status: VerificationVerified}
	}
	return &Verification{
		Status: VerificationUnverified,
		Error:  strings.Join(issues, "; "),
		Issues: issues,
	}
}

func modelUsed(resp models.CompletionResponse, p models.AIProvider) string {
	if resp.Model != "" {
		return resp.Model
	}
	return p.Name()
}
