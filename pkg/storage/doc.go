/*
Package storage provides the durable store shared by the API and the worker.

The Store interface is the cross-process status contract: job lifecycle
writes, dataset status, finding batches, audit entries, and persisted
notifications. The BoltDB implementation keeps each record type in its own
bucket; findings use a nested bucket per dataset with offset-ordered keys so
reads come back in ascending (start, end) order without sorting.

Status transitions (TransitionJob, AdvanceDataset) check the source state
inside the transaction and no-op when the transition already occurred, which
is what makes stage processors safe to re-execute under at-least-once
delivery.
*/
package storage
