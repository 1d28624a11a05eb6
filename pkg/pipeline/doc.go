/*
Package pipeline orchestrates the four-stage PII processing pipeline:
file-processing, text-extraction, PII-analysis, and anonymization.

Each stage is a processor registered against its queue. The shared contract:
transition the job to Running, do the stage work with monotonic progress
emission, and on success persist artifacts, advance the dataset, and enqueue
the successor with inherited correlation ids. Failures are tagged with an
error kind; retries for transient kinds live in the queue substrate, never
inside processors. Every external call takes the job's cancellable context,
and a cooperative cancel marker is polled while the processor runs.

Re-execution safety under at-least-once delivery comes from three choices:
status transitions check the source state and no-op when already applied,
finding batches replace atomically, and successor job ids are deterministic
per (dataset, stage) so a replayed completion cannot enqueue a duplicate.

The Runtime owns the worker pools (one per queue), the stall reaper, and
the retention sweeps. Pipeline itself also carries the inbound contract the
API calls: EnqueueFileProcessing, Cancel, and Retry.
*/
package pipeline
