package extract

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"
)

// extractPDF parses the PDF binary in-process. Metadata carries the page
// count and, when present, coordinate availability for the anonymizer's PDF
// output path. Any parse failure is returned to the router, which falls
// through to the document extractor.
func extractPDF(data []byte) (*Result, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open pdf: %w", err)
	}

	numPages := reader.NumPage()
	var sb strings.Builder
	hasCoordinates := false

	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		texts := page.Content().Text
		if len(texts) > 0 {
			hasCoordinates = true
		}
		var last float64
		for _, t := range texts {
			// Text runs carry positions; a Y change is a line break.
			if last != 0 && t.Y != last {
				sb.WriteByte('\n')
			}
			sb.WriteString(t.S)
			last = t.Y
		}
		if i < numPages {
			sb.WriteByte('\n')
		}
	}

	text := sb.String()
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("pdf contains no extractable text")
	}

	res := &Result{
		Text:       text,
		Confidence: 0.95,
		Method:     MethodPDF,
		Metadata: map[string]string{
			"pageCount":      strconv.Itoa(numPages),
			"hasCoordinates": strconv.FormatBool(hasCoordinates),
		},
	}
	return res, nil
}
