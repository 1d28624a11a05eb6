package extract

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilworks/veil/pkg/types"
)

func TestSelectStrategy(t *testing.T) {
	tests := []struct {
		name     string
		req      Request
		expected strategy
	}{
		{"plain text", Request{FileType: "txt"}, strategyDirect},
		{"csv", Request{FileType: "csv"}, strategyDirect},
		{"pdf by extension", Request{FileType: "pdf"}, strategyPDF},
		{"pdf by mime", Request{FileType: "bin", MimeType: "application/pdf"}, strategyPDF},
		{"docx", Request{FileType: "docx"}, strategyDocument},
		{"xlsx", Request{FileType: "xlsx"}, strategyDocument},
		{"png", Request{FileType: "png"}, strategyOCR},
		{"image mime only", Request{MimeType: "image/tiff"}, strategyOCR},
		{"unknown textual mime", Request{FileType: "dat", MimeType: "text/plain"}, strategyDirect},
		{"unknown binary", Request{FileType: "dat", MimeType: "application/octet-stream"}, strategyDocument},
		{"hybrid flag wins", Request{FileType: "txt", Hybrid: true}, strategyHybrid},
		{"dotted extension", Request{FileType: ".txt"}, strategyDirect},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, selectStrategy(tt.req))
		})
	}
}

func TestExtractDirectUTF8(t *testing.T) {
	res, err := extractDirect([]byte("Alice a@x.com 555-111-2222"))
	require.NoError(t, err)

	assert.Equal(t, "Alice a@x.com 555-111-2222", res.Text)
	assert.Equal(t, MethodDirect, res.Method)
	assert.Equal(t, 1.0, res.Confidence)
	assert.Equal(t, "utf-8", res.Metadata["encoding"])
}

func TestExtractDirectLatin1Fallback(t *testing.T) {
	// 0xE9 is é in Latin-1 and invalid as a UTF-8 start byte here.
	res, err := extractDirect([]byte{'c', 'a', 'f', 0xE9})
	require.NoError(t, err)

	assert.Equal(t, "café", res.Text)
	assert.Equal(t, 0.8, res.Confidence)
	assert.Equal(t, "true", res.Metadata["fallbackEncoding"])
	assert.Equal(t, "latin-1", res.Metadata["encoding"])
}

func TestPostProcess(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"crlf to lf", "a\r\nb\rc", "a\nb\nc"},
		{"collapse spaces", "a   b\t\tc", "a b c"},
		{"strip control chars", "a\x00b\x1fc\td", "abc d"},
		{"collapse newline runs", "a\n\n\n\nb", "a\n\nb"},
		{"keep double newline", "a\n\nb", "a\n\nb"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := &Result{Text: tt.in}
			postProcess(res, defaultMaxTextLength)
			assert.Equal(t, tt.want, res.Text)
		})
	}
}

func TestPostProcessTruncation(t *testing.T) {
	res := &Result{Text: strings.Repeat("x", 100)}
	postProcess(res, 10)

	assert.Equal(t, strings.Repeat("x", 10)+"[TRUNCATED]", res.Text)
	assert.Equal(t, "true", res.Metadata["truncated"])
	assert.Equal(t, "100", res.Metadata["originalLength"])
}

func TestEstimateOCRConfidence(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		stderr     string
		minClamped int
		maxClamped int
		lowQuality bool
	}{
		{
			name:       "clean text with email",
			text:       "Contact Alice at a@x.com for details about the meeting",
			stderr:     "",
			minClamped: 95, maxClamped: 95,
		},
		{
			name:       "garbage heavy text",
			text:       "@@## $$%^ && !!~~",
			stderr:     "Warning: Invalid resolution 0 dpi. Warning: empty page!! Warning: deskew",
			minClamped: 60, maxClamped: 60,
			lowQuality: true,
		},
		{
			name:       "few words",
			text:       "hello world",
			stderr:     "",
			minClamped: 80, maxClamped: 85,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clamped, raw := estimateOCRConfidence(tt.text, tt.stderr)
			assert.GreaterOrEqual(t, clamped, tt.minClamped)
			assert.LessOrEqual(t, clamped, tt.maxClamped)
			assert.GreaterOrEqual(t, clamped, 60)
			assert.LessOrEqual(t, clamped, 95)
			if tt.lowQuality {
				assert.Less(t, raw, 60)
			}
		})
	}
}

func TestRouterDirectEndToEnd(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "contacts.txt")
	require.NoError(t, os.WriteFile(path, []byte("Alice a@x.com 555-111-2222"), 0644))

	router := NewRouter(nil, nil, nil, 0)
	res, err := router.Extract(context.Background(), Request{
		Path:     path,
		FileType: "txt",
		MimeType: "text/plain",
	})
	require.NoError(t, err)

	assert.Equal(t, "Alice a@x.com 555-111-2222", res.Text)
	assert.Equal(t, MethodDirect, res.Method)
}

func TestRouterMissingFile(t *testing.T) {
	router := NewRouter(nil, nil, nil, 0)
	res, err := router.Extract(context.Background(), Request{
		Path:     "/no/such/file.txt",
		FileType: "txt",
	})
	require.Error(t, err)
	assert.Equal(t, types.KindFileNotFound, types.KindOf(err))
	require.NotNil(t, res)
	assert.Equal(t, MethodFailed, res.Method)
	assert.NotEmpty(t, res.Metadata["error"])
	assert.NotEmpty(t, res.Metadata["timestamp"])
}

func TestRouterDocumentUnavailable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.docx")
	require.NoError(t, os.WriteFile(path, []byte("binary"), 0644))

	router := NewRouter(nil, nil, nil, 0)
	_, err := router.Extract(context.Background(), Request{
		Path:     path,
		FileType: "docx",
	})
	require.Error(t, err)
	assert.Equal(t, types.KindExtractionUnavailable, types.KindOf(err))
}
