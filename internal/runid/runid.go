// Package runid assigns a random identifier to one daemon process's
// lifetime, for correlating log lines across a single run. It never
// appears on the wire protocol.
package runid

import "github.com/google/uuid"

// New returns a fresh run id.
func New() string {
	return uuid.NewString()
}
