package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/veilworks/veil/pkg/types"
)

// OCRClient talks to a Tesseract-wrapping service: multipart POST with the
// image file and a JSON options part, exit code + stdout/stderr back.
type OCRClient struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewOCRClient creates an OCR client. timeout 0 uses 60s.
func NewOCRClient(baseURL string, timeout time.Duration) *OCRClient {
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &OCRClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "ocr",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
	}
}

type ocrResponse struct {
	Data struct {
		Exit struct {
			Code   int    `json:"code"`
			Signal string `json:"signal"`
		} `json:"exit"`
		Stdout string `json:"stdout"`
		Stderr string `json:"stderr"`
	} `json:"data"`
}

// Recognize sends the image and language hints, returning raw stdout and
// stderr. A non-zero exit code is a failure.
func (c *OCRClient) Recognize(ctx context.Context, data []byte, languages []string) (string, string, error) {
	type result struct{ stdout, stderr string }

	out, err := c.breaker.Execute(func() (any, error) {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)

		fw, err := mw.CreateFormFile("file", "image")
		if err != nil {
			return nil, err
		}
		if _, err := fw.Write(data); err != nil {
			return nil, err
		}

		opts, err := json.Marshal(map[string]any{"languages": languages})
		if err != nil {
			return nil, err
		}
		if err := mw.WriteField("options", string(opts)); err != nil {
			return nil, err
		}
		if err := mw.Close(); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tesseract", &body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("ocr service returned HTTP %d", resp.StatusCode)
		}

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		var parsed ocrResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return nil, fmt.Errorf("failed to decode ocr response: %w", err)
		}
		if parsed.Data.Exit.Code != 0 {
			return nil, fmt.Errorf("tesseract exited with code %d: %s",
				parsed.Data.Exit.Code, strings.TrimSpace(parsed.Data.Stderr))
		}
		return result{stdout: parsed.Data.Stdout, stderr: parsed.Data.Stderr}, nil
	})
	if err != nil {
		return "", "", types.E(types.KindExtractionUnavailable, "ocr.recognize", err)
	}
	r := out.(result)
	return r.stdout, r.stderr, nil
}

// ocrSupportedFormats are the image formats the OCR path accepts.
var ocrSupportedFormats = map[string]bool{
	"png": true, "jpg": true, "jpeg": true, "tiff": true, "tif": true, "bmp": true, "gif": true,
}

var (
	nonWordRe    = regexp.MustCompile(`[^\p{L}\p{N}\s]`)
	digitGroupRe = regexp.MustCompile(`\d{3}[-.\s]?\d{3,4}`)
	warningRe    = regexp.MustCompile(`(?i)warning|dpi|deskew|empty page`)
)

// estimateOCRConfidence scores OCR output in whole percent from stderr
// warnings and the textual shape of the result, then clamps to [60, 95].
// The pre-clamp estimate is returned too so low-quality runs can carry a
// warning even after clamping.
func estimateOCRConfidence(text, stderr string) (clamped, raw int) {
	estimate := 90

	warnings := len(warningRe.FindAllString(stderr, -1))
	if warnings > 4 {
		warnings = 4
	}
	estimate -= warnings * 5

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		estimate = 0
	} else {
		total := len([]rune(trimmed))
		nonWord := len(nonWordRe.FindAllString(trimmed, -1))
		if total > 0 && float64(nonWord)/float64(total) > 0.3 {
			estimate -= 15
		}

		words := len(strings.Fields(trimmed))
		if words < 5 {
			estimate -= 10
		}

		// Structured tokens (emails, phone-like digit groups) are strong
		// signals the recognizer produced real content.
		if strings.Contains(trimmed, "@") || digitGroupRe.MatchString(trimmed) {
			estimate += 5
		}
	}

	raw = estimate
	clamped = estimate
	if clamped < 60 {
		clamped = 60
	}
	if clamped > 95 {
		clamped = 95
	}
	return clamped, raw
}

// extractOCR verifies the format is supported, calls the OCR collaborator,
// and estimates confidence from the output shape.
func (r *Router) extractOCR(ctx context.Context, data []byte, req Request) (*Result, error) {
	if r.ocr == nil {
		return nil, types.Errorf(types.KindExtractionUnavailable, "ocr.extract",
			"no ocr service configured")
	}

	ft := strings.ToLower(strings.TrimPrefix(req.FileType, "."))
	if ft != "" && !ocrSupportedFormats[ft] {
		return nil, types.Errorf(types.KindFileUnsupportedType, "ocr.extract",
			"unsupported image format %q", ft)
	}

	stdout, stderr, err := r.ocr.Recognize(ctx, data, r.ocrLanguages)
	if err != nil {
		return nil, err
	}

	confidence, rawEstimate := estimateOCRConfidence(stdout, stderr)
	res := &Result{
		Text:       stdout,
		Confidence: float64(confidence) / 100,
		Method:     MethodOCR,
	}
	res.setMeta("rawConfidence", strconv.Itoa(rawEstimate))
	res.setMeta("languages", strings.Join(r.ocrLanguages, "+"))
	if rawEstimate < 60 {
		res.setMeta("qualityWarnings", "Low OCR confidence")
		res.setMeta("hasLowConfidenceWords", "true")
	}
	return res, nil
}
