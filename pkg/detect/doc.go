/*
Package detect is the client for the external PII analyzer service.

Detections come back ordered by (start, end) with overlaps intact, already
filtered to the effective threshold — the maximum of the caller's score
threshold and the policy's. Hits with invalid offsets are logged and
dropped rather than failing the stage; transport and server failures carry
kind detector_unavailable so the queue substrate retries them.
*/
package detect
