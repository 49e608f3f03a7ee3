// Package flow orchestrates the registration and authentication ceremonies.
//
// Each flow is a two-phase handshake: Start issues a single-use challenge
// bound to pending ceremony state, Complete atomically consumes the
// challenge, verifies the client's cryptographic material, and commits the
// outcome. Any failure in Complete is terminal; the client must restart the
// ceremony from Start.
package flow

import (
	"github.com/nholloway/keygate/internal/identity"
)

const tracerName = "keygate/flow"

// SessionBinder turns a verified identity into an authenticated session.
type SessionBinder interface {
	Bind(id identity.Identity) (string, error)
}

// Result is a completed ceremony: the committed identity and the session
// token bound to it.
type Result struct {
	Identity identity.Identity
	Session  string
}

// counterAdvanced reports whether the signature counter transition satisfies
// the monotonicity invariant. Authenticators that do not implement counters
// report zero permanently, so a zero-to-zero transition is the one permitted
// non-increase.
func counterAdvanced(stored, presented uint32) bool {
	if presented > stored {
		return true
	}
	return presented == 0 && stored == 0
}
