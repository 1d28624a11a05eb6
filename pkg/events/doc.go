/*
Package events implements the real-time fan-out carrying job progress,
dataset status, and notifications to connected subscribers.

Delivery is at-most-once, best-effort push: a failed write removes the
subscription and nothing is replayed — durable state lives in the job and
finding records, and persisted notifications cover missed pushes. Ordering
is per-subscription FIFO; heartbeats broadcast every 30 seconds and
subscriptions silent for two intervals are reaped.

Events are a tagged sum over the finite frame kinds; each serializes to the
wire frame {type, data, timestamp}.
*/
package events
