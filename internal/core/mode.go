// Package core is the orchestration layer.  It composes transports,
// the session, capabilities and the host bridge into complete
// operational modes and provides a builder that selects the right mode
// from a Config.
//
// Architecture layers (bottom → top):
//
//	transport  →  session  →  capability / wsbridge  →  core  →  cmd (CLI)
package core

import "context"

// Mode is a complete operational mode of sockbridge (relay or bridge).
// Each mode owns its session from creation to teardown.
type Mode interface {
	Run(ctx context.Context) error
}
