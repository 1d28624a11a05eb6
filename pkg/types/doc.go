/*
Package types defines the shared domain model for the Veil PII pipeline.

The model tracks a user-uploaded file (Dataset) through four asynchronous
stages (Job), producing detected PII instances (Finding) and anonymized
artifacts under a declarative Policy. Failure classification lives here too:
every pipeline error carries a Kind, and retry policy is a function of the
kind, never of the Go error type that raised it.

Types in this package are plain data carriers persisted as JSON by
pkg/storage and exchanged between the worker and API processes. They hold no
behavior beyond small invariant helpers (status transitions, stage ordering).
*/
package types
