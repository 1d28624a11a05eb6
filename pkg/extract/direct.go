package extract

import (
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// extractDirect reads the bytes as UTF-8, retrying once as Latin-1 on
// decode error. The fallback lowers confidence to 0.8 and tags the result
// so downstream consumers know the encoding was guessed.
func extractDirect(data []byte) (*Result, error) {
	if utf8.Valid(data) {
		return &Result{
			Text:       string(data),
			Confidence: 1.0,
			Method:     MethodDirect,
			Metadata:   map[string]string{"encoding": "utf-8"},
		}, nil
	}

	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
	if err != nil {
		// Latin-1 decoding cannot fail on arbitrary bytes, but keep the
		// degraded path honest.
		return &Result{
			Text:       string(data),
			Confidence: 0.5,
			Method:     MethodDirect,
			Metadata: map[string]string{
				"encoding":         "unknown",
				"fallbackEncoding": "true",
			},
		}, nil
	}

	return &Result{
		Text:       string(decoded),
		Confidence: 0.8,
		Method:     MethodDirect,
		Metadata: map[string]string{
			"encoding":         "latin-1",
			"fallbackEncoding": "true",
		},
	}, nil
}
