// Package sequencer drives the station bootstrap lifecycle as an explicit
// state machine: Provisioning, Reconciling, Launching, Running, Terminated.
//
// The sequencer launches services strictly in order, each gated on its
// predecessor's readiness, then blocks on the foreground service - the one
// whose lifetime defines the run. When it exits, its exit code becomes
// stationd's own, and every other service is terminated in reverse launch
// order. Phase-specific exit codes (2 provisioning, 3 reconciliation,
// 4 launch) tell supervisors which stage failed.
package sequencer
