// Package task owns the lifecycle of background operations: the status state
// machine, the bounded per-task event log, subscriber fan-out, and the runner
// that guarantees a final task.finished event on every exit route.
//
// Tasks are kept in memory for the lifetime of the Registry. There is no
// disposal API; a process restart clears all history that was not archived by
// an event hub sink.
package task
