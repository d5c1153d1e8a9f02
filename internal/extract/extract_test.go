package extract_test

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kiranshivaraju/lawsignal/internal/extract"
	"github.com/kiranshivaraju/lawsignal/internal/ocr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- mocks ---

type mockFetcher struct {
	objects map[string]string
}

func (m *mockFetcher) Fetch(_ context.Context, bucket, key string) ([]byte, error) {
	body, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, extract.ErrObjectNotFound
	}
	return []byte(body), nil
}

type mockOCR struct {
	started []string
	state   ocr.JobState
}

func (m *mockOCR) Start(_ context.Context, bucket, key string) (string, error) {
	m.started = append(m.started, bucket+"/"+key)
	return "ocr-1", nil
}

func (m *mockOCR) Get(context.Context, string) (ocr.JobState, error) {
	return m.state, nil
}

func fastPolicy() ocr.Policy {
	return ocr.Policy{InitialInterval: time.Millisecond, Multiplier: 1.5, MaxInterval: 2 * time.Millisecond, MaxWait: time.Second}
}

func extractWith(t *testing.T, r *extract.Registry, docType string, src extract.Source) (string, extract.Method, error) {
	t.Helper()
	e, err := r.For(docType)
	require.NoError(t, err)
	return e.Extract(context.Background(), src)
}

// --- For ---

func TestFor_UnsupportedType(t *testing.T) {
	_, err := extract.NewRegistry(nil, nil, fastPolicy()).For("docx")
	assert.ErrorIs(t, err, extract.ErrUnsupportedType)
	assert.False(t, extract.IsSupported("docx"))
	assert.True(t, extract.IsSupported("pdf"))
}

// --- TXT ---

func TestText_Inline(t *testing.T) {
	text, method, err := extractWith(t, extract.NewRegistry(nil, nil, fastPolicy()), "txt",
		extract.Source{Content: "Article 1. Scope."})
	require.NoError(t, err)
	assert.Equal(t, "Article 1. Scope.", text)
	assert.Equal(t, extract.MethodDirect, method)
}

func TestText_Base64Inline(t *testing.T) {
	plain := strings.Repeat("Article 1 applies to all member states. ", 5)
	encoded := base64.StdEncoding.EncodeToString([]byte(plain))

	text, _, err := extractWith(t, extract.NewRegistry(nil, nil, fastPolicy()), "txt", extract.Source{Content: encoded})
	require.NoError(t, err)
	assert.Equal(t, plain, text)
}

func TestText_FromObject(t *testing.T) {
	f := &mockFetcher{objects: map[string]string{"laws/act.txt": "Stored act"}}

	text, _, err := extractWith(t, extract.NewRegistry(f, nil, fastPolicy()), "txt",
		extract.Source{Bucket: "laws", Key: "act.txt"})
	require.NoError(t, err)
	assert.Equal(t, "Stored act", text)
}

func TestText_MissingSource(t *testing.T) {
	_, _, err := extractWith(t, extract.NewRegistry(nil, nil, fastPolicy()), "txt", extract.Source{})
	assert.ErrorIs(t, err, extract.ErrMissingSource)
}

func TestText_Empty(t *testing.T) {
	_, _, err := extractWith(t, extract.NewRegistry(nil, nil, fastPolicy()), "txt", extract.Source{Content: "   \n "})
	assert.ErrorIs(t, err, extract.ErrEmptyDocument)
}

func TestText_MissingObject(t *testing.T) {
	f := &mockFetcher{objects: map[string]string{}}
	_, _, err := extractWith(t, extract.NewRegistry(f, nil, fastPolicy()), "txt",
		extract.Source{Bucket: "laws", Key: "missing.txt"})
	assert.ErrorIs(t, err, extract.ErrObjectNotFound)
}

// --- HTML ---

func TestHTML_DropsNonContent(t *testing.T) {
	doc := `<html><head><title>Ignored</title><style>p{}</style></head>
	<body><script>var x = 1;</script><h1>Clean Air Act</h1>
	<p>Section 1. Emissions <b>shall</b> decrease.</p><noscript>enable js</noscript>
	<ul><li>Item one</li><li>Item two</li></ul></body></html>`

	text, method, err := extractWith(t, extract.NewRegistry(nil, nil, fastPolicy()), "html", extract.Source{Content: doc})
	require.NoError(t, err)
	assert.Equal(t, extract.MethodHTML, method)
	assert.Equal(t, "Clean Air Act\nSection 1. Emissions shall decrease.\nItem one\nItem two", text)
	assert.NotContains(t, text, "Ignored")
	assert.NotContains(t, text, "var x")
	assert.NotContains(t, text, "enable js")
}

func TestHTML_DecodesEntities(t *testing.T) {
	text, _, err := extractWith(t, extract.NewRegistry(nil, nil, fastPolicy()), "html",
		extract.Source{Content: "<p>Fees &amp; charges &sect; 4</p>"})
	require.NoError(t, err)
	assert.Equal(t, "Fees & charges § 4", text)
}

// --- XML ---

func TestXML_CollectsCharData(t *testing.T) {
	doc := `<?xml version="1.0"?>
	<act><title>Data Act</title>
	  <article n="1"><para>Scope &amp; purpose.</para><para>Definitions.</para></article>
	</act>`

	text, method, err := extractWith(t, extract.NewRegistry(nil, nil, fastPolicy()), "xml", extract.Source{Content: doc})
	require.NoError(t, err)
	assert.Equal(t, extract.MethodXML, method)
	assert.Equal(t, "Data Act Scope & purpose. Definitions.", text)
}

func TestXML_MalformedFallsBack(t *testing.T) {
	text, _, err := extractWith(t, extract.NewRegistry(nil, nil, fastPolicy()), "xml",
		extract.Source{Content: "<act><title>Broken</title><para>Still text</act"})
	require.NoError(t, err)
	assert.Contains(t, text, "Broken")
	assert.Contains(t, text, "Still text")
}

// --- PDF ---

func TestPDF_UsesOCR(t *testing.T) {
	o := &mockOCR{state: ocr.JobState{Status: ocr.StatusSucceeded, Lines: []string{"Page one", "Page two"}}}

	text, method, err := extractWith(t, extract.NewRegistry(nil, o, fastPolicy()), "pdf",
		extract.Source{Bucket: "laws", Key: "act.pdf"})
	require.NoError(t, err)
	assert.Equal(t, extract.MethodOCR, method)
	assert.Equal(t, "Page one\nPage two", text)
	assert.Equal(t, []string{"laws/act.pdf"}, o.started)
}

func TestPDF_RequiresObjectReference(t *testing.T) {
	o := &mockOCR{}
	_, _, err := extractWith(t, extract.NewRegistry(nil, o, fastPolicy()), "pdf", extract.Source{Content: "JVBERi0x"})
	assert.ErrorIs(t, err, extract.ErrMissingSource)
	assert.Empty(t, o.started)
}

func TestPDF_OCRFailure(t *testing.T) {
	o := &mockOCR{state: ocr.JobState{Status: ocr.StatusFailed, Message: "bad pdf"}}
	_, _, err := extractWith(t, extract.NewRegistry(nil, o, fastPolicy()), "pdf",
		extract.Source{Bucket: "laws", Key: "act.pdf"})
	assert.True(t, errors.Is(err, ocr.ErrJobFailed))
}

// --- HTTPObjectFetcher ---

func TestHTTPObjectFetcher(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.EscapedPath() {
		case "/laws/eu/2024/data%20act.txt":
			w.Write([]byte("object body"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	f := extract.NewHTTPObjectFetcher(ts.URL, 5*time.Second)
	body, err := f.Fetch(context.Background(), "laws", "eu/2024/data act.txt")
	require.NoError(t, err)
	assert.Equal(t, "object body", string(body))

	_, err = f.Fetch(context.Background(), "laws", "nope.txt")
	assert.ErrorIs(t, err, extract.ErrObjectNotFound)
}
