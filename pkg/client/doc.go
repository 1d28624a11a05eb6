// Package client is a small Go client for the Veil HTTP API, used by
// tooling and tests that drive the pipeline from outside the process.
package client
