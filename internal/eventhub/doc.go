// Package eventhub forwards task records from the registry to pluggable sinks
// such as Prometheus metrics, structured logs, a Postgres history table, and a
// task-finished notifier. Records are batched on a background goroutine so the
// task runner never waits on a sink.
package eventhub
