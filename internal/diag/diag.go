// Package diag keeps a bounded in-memory log of sync and onboarding steps
// for support and debugging. Entries also go to the structured logger.
package diag

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// capacity bounds the ring; the oldest entries are dropped first.
const capacity = 120

// Ring is a fixed-size append-only diagnostics buffer.
type Ring struct {
	mu      sync.Mutex
	entries []string
	logger  zerolog.Logger
}

// NewRing creates a ring that mirrors every entry to logger at debug level.
func NewRing(logger zerolog.Logger) *Ring {
	return &Ring{logger: logger}
}

// Addf formats and appends one entry, evicting the oldest past capacity.
func (r *Ring) Addf(format string, args ...any) {
	line := fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
	r.logger.Debug().Msg(line)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, line)
	if len(r.entries) > capacity {
		r.entries = r.entries[len(r.entries)-capacity:]
	}
}

// Entries returns a copy of the buffered lines, oldest first.
func (r *Ring) Entries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.entries))
	copy(out, r.entries)
	return out
}
