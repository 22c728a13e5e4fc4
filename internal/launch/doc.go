// Package launch spawns the station's external services and gates each
// launch on a readiness signal.
//
// Every service runs in its own process group with stdout and stderr
// appended to a per-service log file. A launch only counts as successful
// once the service proves itself within its grace period: by accepting a
// TCP connection on its readiness address, or simply by still being alive
// when the period ends. Failures are classified (spawn failure vs early
// exit) so the sequencer can report them distinctly.
package launch
