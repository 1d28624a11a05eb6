/*
Package queue implements the durable typed work queues feeding the pipeline.

Each pipeline stage has one queue. Jobs dispatch highest priority first,
FIFO within a priority band; there is no ordering across queues. Delivery is
at-least-once: a worker reserves a job under a visibility timeout and must
heartbeat, ack, or nack it. Reservations that outlive their deadline are
recovered by the stall reaper — once back to the ready set with the attempt
counter unchanged, and on the second stall the job fails with reason
stalled.

Retries for retriable failure kinds are re-scheduled here, not inside
processors, with exponential backoff and bounded jitter. Cancellation of a
waiting job removes it immediately; cancellation of a reserved job sets a
cooperative marker the processor polls at suspension points.

Two implementations share the semantics: Redis (production transport) and
Memory (embedded single-binary mode and tests).
*/
package queue
