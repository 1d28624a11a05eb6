package extract

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/veilworks/veil/pkg/log"
	"github.com/veilworks/veil/pkg/types"
)

// Method tags identify how a text artifact was produced.
const (
	MethodDirect      = "direct"
	MethodPDF         = "pdf"
	MethodDocument    = "document"
	MethodOCR         = "ocr"
	MethodHybrid      = "hybrid"
	MethodPDFFallback = "pdf-fallback-document"
	MethodFailed      = "failed"
)

// Result is the outcome of one extraction.
type Result struct {
	Text       string
	Confidence float64
	Method     string
	Metadata   map[string]string
}

func (r *Result) setMeta(key, value string) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]string)
	}
	r.Metadata[key] = value
}

// Request describes one file to extract.
type Request struct {
	Path     string
	FileType string // lowercase extension without dot
	MimeType string
	// Hybrid requests cross-validation: document and ocr both run and the
	// longer non-trivial output wins. Internal-only; never set from the API.
	Hybrid bool
}

// DocumentExtractor is the external document-extraction collaborator (Tika).
type DocumentExtractor interface {
	Extract(ctx context.Context, data []byte, mimeType string) (string, error)
	Metadata(ctx context.Context, data []byte, mimeType string) (map[string]string, error)
}

// OCRExtractor is the external OCR collaborator (Tesseract service).
type OCRExtractor interface {
	Recognize(ctx context.Context, data []byte, languages []string) (stdout, stderr string, err error)
}

// Router classifies a file, dispatches to a strategy, and post-processes the
// result. Strategy selection is deterministic from (fileType, mimeType).
type Router struct {
	document      DocumentExtractor
	ocr           OCRExtractor
	ocrLanguages  []string
	maxTextLength int
	logger        zerolog.Logger
}

// NewRouter creates an extraction router. maxTextLength bounds the
// post-processed text; 0 uses the 10 MiB default.
func NewRouter(document DocumentExtractor, ocr OCRExtractor, ocrLanguages []string, maxTextLength int) *Router {
	if maxTextLength <= 0 {
		maxTextLength = defaultMaxTextLength
	}
	if len(ocrLanguages) == 0 {
		ocrLanguages = []string{"eng"}
	}
	return &Router{
		document:      document,
		ocr:           ocr,
		ocrLanguages:  ocrLanguages,
		maxTextLength: maxTextLength,
		logger:        log.WithComponent("extract"),
	}
}

// Strategy names for selection.
type strategy string

const (
	strategyDirect   strategy = "direct"
	strategyPDF      strategy = "pdf"
	strategyDocument strategy = "document"
	strategyOCR      strategy = "ocr"
	strategyHybrid   strategy = "hybrid"
)

var textFileTypes = map[string]bool{
	"txt": true, "csv": true, "tsv": true, "json": true, "xml": true,
	"html": true, "htm": true, "md": true, "log": true, "yaml": true, "yml": true,
}

var documentFileTypes = map[string]bool{
	"doc": true, "docx": true, "xls": true, "xlsx": true,
	"ppt": true, "pptx": true, "odt": true, "ods": true, "rtf": true,
}

var imageFileTypes = map[string]bool{
	"png": true, "jpg": true, "jpeg": true, "tiff": true, "tif": true,
	"bmp": true, "gif": true, "webp": true,
}

// selectStrategy is the deterministic dispatch table.
func selectStrategy(req Request) strategy {
	if req.Hybrid {
		return strategyHybrid
	}

	ft := strings.ToLower(strings.TrimPrefix(req.FileType, "."))
	switch {
	case textFileTypes[ft]:
		return strategyDirect
	case ft == "pdf" || req.MimeType == "application/pdf":
		return strategyPDF
	case documentFileTypes[ft]:
		return strategyDocument
	case imageFileTypes[ft] || strings.HasPrefix(req.MimeType, "image/"):
		return strategyOCR
	case strings.HasPrefix(req.MimeType, "text/") || req.MimeType == "application/json":
		return strategyDirect
	default:
		return strategyDocument
	}
}

// Extract runs the selected strategy with its fallbacks and post-processes
// the output. When every attempted strategy fails it returns a zeroed result
// with method "failed"; the stage processor surfaces that as a failure.
func (r *Router) Extract(ctx context.Context, req Request) (*Result, error) {
	data, err := os.ReadFile(req.Path)
	if err != nil {
		werr := types.E(types.KindFileNotFound, "extract", err)
		return r.failed(werr), werr
	}

	res, err := r.dispatch(ctx, req, data)
	if err != nil {
		if ctx.Err() != nil {
			return nil, types.E(types.KindCancelled, "extract", ctx.Err())
		}
		return r.failed(err), err
	}

	postProcess(res, r.maxTextLength)
	return res, nil
}

func (r *Router) dispatch(ctx context.Context, req Request, data []byte) (*Result, error) {
	switch selectStrategy(req) {
	case strategyDirect:
		return extractDirect(data)
	case strategyPDF:
		res, err := extractPDF(data)
		if err == nil {
			return res, nil
		}
		r.logger.Warn().Err(err).Str("file", req.Path).Msg("PDF parse failed, falling back to document extractor")
		res, derr := r.extractDocument(ctx, data, req.MimeType)
		if derr != nil {
			return nil, derr
		}
		res.Method = MethodPDFFallback
		return res, nil
	case strategyDocument:
		return r.extractDocument(ctx, data, req.MimeType)
	case strategyOCR:
		res, err := r.extractOCR(ctx, data, req)
		if err == nil {
			return res, nil
		}
		if types.KindOf(err) == types.KindFileUnsupportedType {
			return nil, err
		}
		r.logger.Warn().Err(err).Str("file", req.Path).Msg("OCR failed, falling back to document extractor")
		return r.extractDocument(ctx, data, req.MimeType)
	case strategyHybrid:
		return r.extractHybrid(ctx, data, req)
	}
	return nil, types.Errorf(types.KindInternal, "extract", "no strategy for %q/%q", req.FileType, req.MimeType)
}

// extractHybrid cross-validates by running document and ocr and choosing the
// longer non-trivial output, tie broken toward higher confidence.
func (r *Router) extractHybrid(ctx context.Context, data []byte, req Request) (*Result, error) {
	doc, docErr := r.extractDocument(ctx, data, req.MimeType)
	ocr, ocrErr := r.extractOCR(ctx, data, req)

	switch {
	case docErr != nil && ocrErr != nil:
		return nil, docErr
	case docErr != nil:
		ocr.Method = MethodHybrid
		return ocr, nil
	case ocrErr != nil:
		doc.Method = MethodHybrid
		return doc, nil
	}

	best := doc
	if len(strings.TrimSpace(ocr.Text)) > len(strings.TrimSpace(doc.Text)) {
		best = ocr
	} else if len(strings.TrimSpace(ocr.Text)) == len(strings.TrimSpace(doc.Text)) &&
		ocr.Confidence > doc.Confidence {
		best = ocr
	}
	best.Method = MethodHybrid
	return best, nil
}

func (r *Router) failed(err error) *Result {
	res := &Result{Method: MethodFailed}
	res.setMeta("error", err.Error())
	res.setMeta("timestamp", time.Now().UTC().Format(time.RFC3339))
	return res
}
