// Package reconcile locates and terminates previously running instances of
// managed services before new ones launch.
//
// Reconciliation is registry-first: PIDs recorded by a previous stationd run
// are the primary candidates, each re-verified against its stored identity
// pattern so a reused PID is never signalled. An optional whole-table command
// line scan catches instances started outside stationd.
//
// All cleanup is best-effort. A PID that refuses the signal is recorded and
// skipped; an empty match set is success. A short settle delay after the
// signals lets the OS release ports the old instances held.
package reconcile
