// Package progress provides the throttled progress-reporting protocol used by
// running task operations. A Reporter travels on the operation's context, so
// code that reports progress never needs to know which task it belongs to.
package progress
