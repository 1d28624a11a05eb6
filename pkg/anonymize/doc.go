/*
Package anonymize rewrites detected PII ranges of a text.

Overlapping detections resolve first — contained ranges collapse into their
container, touching same-type ranges merge, crossing ranges of different
types keep the longer one — and the surviving disjoint ranges are rewritten
in decreasing start order so byte offsets into the untouched prefix stay
stable throughout application.

Two implementations share the Anonymizer interface: Engine applies the
operators (redact, replace, mask, hash, encrypt) in-process, and Client
forwards to the external anonymizer service when one is configured.
*/
package anonymize
