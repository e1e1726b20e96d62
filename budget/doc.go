// Package budget tracks frame durations against a time budget.
//
// Tracker keeps a fixed window of recent frame times and derives mean,
// median, p95, p99 and spread at a bounded rate. Its ShouldSkipOptional
// advice lets the scheduler drop decorative layers while frames run long.
//
// Pacer turns compositor presentation feedback into a refresh interval
// estimate and a prediction of the next vertical retrace.
package budget
