/*
Package api is the thin HTTP surface over the pipeline: the inbound enqueue
contract (submit, cancel, retry), read paths for jobs, datasets, findings,
and notifications, the per-user SSE event stream, and the health and
metrics endpoints.

Controllers stay deliberately thin — validation, one pipeline or store
call, serialization. Authorization is an explicit guard predicate over a
role-to-actions table from configuration; identity arrives in gateway
headers, and token minting is out of scope.
*/
package api
