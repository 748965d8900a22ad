package bus

import (
	"time"

	"github.com/google/uuid"
)

// NewUUID returns a fresh version-4 UUID string. It supplies envelope
// ids (responseUuid, eventUuid) and the connectionAttemptUuid and
// placeholder InstanceId the root mints for an open request; the other
// packages call uuid.NewString directly for their own identifiers.
func NewUUID() string {
	return uuid.NewString()
}

// Now returns the current wall-clock time. Timestamps in envelopes are
// wall-clock but treated as opaque by the core; this indirection exists
// so tests can substitute a fixed clock.
var Now = time.Now
