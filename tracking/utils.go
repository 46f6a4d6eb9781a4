package tracking

import (
	"sync/atomic"

	"github.com/google/uuid"
)

var idCounter uint64

// generateID returns a unique identifier for sessions and subscriptions.
func generateID() string {
	return uuid.NewString()
}

// nextSeq orders subscriptions by the time they were requested.
func nextSeq() uint64 {
	return atomic.AddUint64(&idCounter, 1)
}
