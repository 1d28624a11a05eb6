/*
Package extract turns an uploaded file into text for PII analysis.

The router selects a strategy deterministically from the file type and MIME
type: plain-text families read directly (UTF-8 with a Latin-1 fallback),
PDFs parse in-process and fall through to the document extractor on failure,
office formats go to the external document-extraction service, and images go
to OCR with a confidence estimate derived from recognizer warnings and the
shape of the output. A hybrid mode cross-validates document and OCR output
for callers that explicitly ask for it; it is never selected from file type
alone.

Every strategy's output passes through the same post-processing: newline
normalization, control-character stripping, whitespace collapsing, and
truncation to the configured ceiling with a visible marker.
*/
package extract
