// Package metrics defines the Prometheus collectors for the pipeline,
// queues, external collaborators, and the event fan-out, plus the scrape
// handler mounted on the API server.
package metrics
