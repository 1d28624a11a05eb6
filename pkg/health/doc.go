/*
Package health probes the external collaborators the pipeline depends on.

The readiness endpoint runs every registered checker — HTTP probes for the
detector, anonymizer, document extractor, and OCR services, a TCP probe for
the Redis queue transport — and reports per-service results. A stage never
calls these probes on its own; they exist so operators and orchestrators see
collaborator outages before jobs start failing with *_unavailable kinds.
*/
package health
