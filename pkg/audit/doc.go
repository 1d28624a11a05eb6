// Package audit appends audit-log entries for every pipeline stage
// transition. Writes are best-effort: a failed append is logged and the
// stage continues.
package audit
