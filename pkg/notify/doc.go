/*
Package notify persists user notifications and pushes them to the event
fan-out. Persist-then-publish ordering makes the push best-effort: a client
that missed the frame recovers the record with a pull. Retention is 90
days.
*/
package notify
