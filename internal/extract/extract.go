// Package extract turns submitted documents into plain text. One strategy exists
// per document type and is chosen once at pipeline entry.
package extract

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kiranshivaraju/lawsignal/internal/ocr"
)

var (
	ErrUnsupportedType = errors.New("unsupported document type")
	ErrEmptyDocument   = errors.New("document contains no text")
	ErrMissingSource   = errors.New("document content or object reference is required")
)

// Document types accepted by the analyse pipeline.
const (
	TypeTXT  = "txt"
	TypeHTML = "html"
	TypeXML  = "xml"
	TypePDF  = "pdf"
)

// Method names how text was obtained; it is reported in the analysis metadata.
type Method string

const (
	MethodDirect Method = "direct_text_extraction"
	MethodHTML   Method = "html_parsing"
	MethodXML    Method = "xml_parsing"
	MethodOCR    Method = "ocr_async"
)

// minBase64Bytes is the decoded size below which inline content is never treated as base64.
const minBase64Bytes = 100

// Source is a document given inline or as an object reference.
type Source struct {
	Content string
	Bucket  string
	Key     string
}

// HasObject reports whether s references a stored object.
func (s Source) HasObject() bool {
	return s.Bucket != "" && s.Key != ""
}

// Extractor produces plain text from a Source.
type Extractor interface {
	Extract(ctx context.Context, src Source) (string, Method, error)
}

// IsSupported reports whether docType has an extraction strategy.
func IsSupported(docType string) bool {
	switch docType {
	case TypeTXT, TypeHTML, TypeXML, TypePDF:
		return true
	}
	return false
}

// Registry builds extractors with their shared dependencies.
type Registry struct {
	objects ObjectFetcher
	ocr     ocr.Client
	policy  ocr.Policy
}

// NewRegistry creates a Registry. objects and ocrClient may be nil when no
// deployment component provides them; sources that need them then fail.
func NewRegistry(objects ObjectFetcher, ocrClient ocr.Client, policy ocr.Policy) *Registry {
	return &Registry{objects: objects, ocr: ocrClient, policy: policy}
}

// For returns the extractor for docType.
func (r *Registry) For(docType string) (Extractor, error) {
	switch strings.ToLower(docType) {
	case TypeTXT:
		return textExtractor{loader: r.loader()}, nil
	case TypeHTML:
		return htmlExtractor{loader: r.loader()}, nil
	case TypeXML:
		return xmlExtractor{loader: r.loader()}, nil
	case TypePDF:
		return pdfExtractor{ocr: r.ocr, policy: r.policy}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, docType)
	}
}

func (r *Registry) loader() contentLoader {
	return contentLoader{objects: r.objects}
}

// contentLoader resolves a Source to its raw text for the markup and text strategies.
type contentLoader struct {
	objects ObjectFetcher
}

func (l contentLoader) load(ctx context.Context, src Source) (string, error) {
	if src.Content != "" {
		return decodeInline(src.Content), nil
	}
	if !src.HasObject() {
		return "", ErrMissingSource
	}
	if l.objects == nil {
		return "", fmt.Errorf("fetching s3://%s/%s: no object store configured", src.Bucket, src.Key)
	}
	body, err := l.objects.Fetch(ctx, src.Bucket, src.Key)
	if err != nil {
		return "", fmt.Errorf("fetching s3://%s/%s: %w", src.Bucket, src.Key, err)
	}
	if !utf8.Valid(body) {
		return "", fmt.Errorf("object s3://%s/%s is not UTF-8 text", src.Bucket, src.Key)
	}
	return string(body), nil
}

// decodeInline accepts content that was base64-encoded by the client. Text that
// does not decode to a reasonably sized UTF-8 payload is returned as is.
func decodeInline(content string) string {
	trimmed := strings.TrimSpace(content)
	if strings.ContainsAny(trimmed, " \n\t") {
		return content
	}
	decoded, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil || len(decoded) <= minBase64Bytes || !utf8.Valid(decoded) {
		return content
	}
	return string(decoded)
}

func nonEmpty(text string, m Method) (string, Method, error) {
	if strings.TrimSpace(text) == "" {
		return "", m, ErrEmptyDocument
	}
	return text, m, nil
}

type textExtractor struct {
	loader contentLoader
}

func (e textExtractor) Extract(ctx context.Context, src Source) (string, Method, error) {
	text, err := e.loader.load(ctx, src)
	if err != nil {
		return "", MethodDirect, err
	}
	return nonEmpty(text, MethodDirect)
}

type pdfExtractor struct {
	ocr    ocr.Client
	policy ocr.Policy
}

func (e pdfExtractor) Extract(ctx context.Context, src Source) (string, Method, error) {
	if !src.HasObject() {
		return "", MethodOCR, fmt.Errorf("%w: pdf documents must be given as s3_bucket and s3_key", ErrMissingSource)
	}
	if e.ocr == nil {
		return "", MethodOCR, fmt.Errorf("ocr service not configured")
	}

	jobID, err := e.ocr.Start(ctx, src.Bucket, src.Key)
	if err != nil {
		return "", MethodOCR, fmt.Errorf("starting ocr job: %w", err)
	}
	text, err := ocr.Wait(ctx, e.ocr, jobID, e.policy)
	if err != nil {
		return "", MethodOCR, err
	}
	return nonEmpty(text, MethodOCR)
}
