package vault

import (
	"github.com/google/uuid"
)

// Whitelist is the set of depositors permitted to deposit on behalf of
// another account. Default empty: self-deposits only.
type Whitelist struct {
	allowed map[uuid.UUID]bool
}

func NewWhitelist() *Whitelist {
	return &Whitelist{allowed: make(map[uuid.UUID]bool)}
}

func (w *Whitelist) Set(depositor uuid.UUID, allowed bool) {
	if allowed {
		w.allowed[depositor] = true
		return
	}
	delete(w.allowed, depositor)
}

func (w *Whitelist) Allowed(depositor uuid.UUID) bool {
	return w.allowed[depositor]
}

// Snapshot returns the whitelisted accounts for persistence.
func (w *Whitelist) Snapshot() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(w.allowed))
	for id := range w.allowed {
		out = append(out, id)
	}
	return out
}

func (w *Whitelist) Restore(ids []uuid.UUID) {
	for _, id := range ids {
		w.allowed[id] = true
	}
}
