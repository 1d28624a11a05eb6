/*
Package log provides structured logging for Veil using zerolog.

Init configures the global logger once at process start (level, json or
console format). Components obtain child loggers with WithComponent and the
WithJobID/WithDatasetID/WithWorkerID helpers so every line carries its
correlation fields.
*/
package log
