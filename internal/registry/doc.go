// Package registry persists a record of every service process stationd
// launches.
//
// Reconciliation on the next run consults these records first: a PID recorded
// here is a process stationd itself started, so terminating it cannot hit an
// unrelated process (the record's identity pattern is still re-verified
// against the live command line to guard against PID reuse).
//
// Records are opened at launch and closed when the handle is terminated or
// observed to exit. Records left open by a crashed run are exactly the stale
// instances the reconciler must clean up.
package registry
