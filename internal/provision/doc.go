// Package provision establishes the isolated Python runtime used by the
// station's helper tooling (loudness normalisation, playlist management).
//
// Provisioning is idempotent: every run re-checks the filesystem rather than
// trusting cached state. Only virtualenv creation failure is fatal; a failed
// dependency install downgrades to a warning so the stream can start on
// whatever packages are already present.
package provision
