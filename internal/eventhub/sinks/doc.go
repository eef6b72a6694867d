// Package sinks implements concrete task-record consumers: Prometheus metrics,
// Postgres history, structured logging, and task-finished notifications. Each
// sink satisfies eventhub.Sink and is safe for repeated Consume/Close cycles.
package sinks
