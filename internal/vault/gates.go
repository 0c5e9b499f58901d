package vault

import (
	"fmt"

	"github.com/google/uuid"
)

// CooldownRecord tracks one account's pending subordinate withdrawal.
// Overwritten wholesale by a new StartCooldown — never accumulated.
type CooldownRecord struct {
	CooldownEnd int64 // Withdrawal becomes executable at this timestamp
	WindowEnd   int64 // And stops being executable after this one
	Shares      int64 // May exceed the current balance; redemption caps at balance
}

// Gates is the layered time-based withdrawal state machine: senior
// commitments, subordinate locks, and subordinate cooldown/window records.
// Records are created lazily and deleted when a position returns to zero.
// Not thread-safe — only mutated by the single-threaded vault core.
type Gates struct {
	commitments map[uuid.UUID]int64 // account -> commitment end
	locks       map[uuid.UUID]int64 // account -> lock end
	cooldowns   map[uuid.UUID]*CooldownRecord
}

func NewGates() *Gates {
	return &Gates{
		commitments: make(map[uuid.UUID]int64),
		locks:       make(map[uuid.UUID]int64),
		cooldowns:   make(map[uuid.UUID]*CooldownRecord),
	}
}

// --- Senior commitment ---

// SetCommitment records a commitment ending at the given timestamp,
// overwriting any prior value. Deposits always extend, never shorten,
// because the new end is computed from the deposit's own timestamp.
func (g *Gates) SetCommitment(account uuid.UUID, until int64) {
	g.commitments[account] = until
}

func (g *Gates) ClearCommitment(account uuid.UUID) {
	delete(g.commitments, account)
}

// CommitmentActive reports whether the account is still inside its
// commitment period. The boundary second is NOT active: a transfer at
// exactly the commitment end succeeds.
func (g *Gates) CommitmentActive(account uuid.UUID, now int64) bool {
	until, ok := g.commitments[account]
	return ok && now < until
}

func (g *Gates) CommitmentEnd(account uuid.UUID) (int64, bool) {
	until, ok := g.commitments[account]
	return until, ok
}

// --- Subordinate lock ---

func (g *Gates) SetLock(account uuid.UUID, until int64) {
	g.locks[account] = until
}

func (g *Gates) ClearLock(account uuid.UUID) {
	delete(g.locks, account)
}

// Locked reports whether the account's subordinate position is still locked.
// The boundary second is unlocked.
func (g *Gates) Locked(account uuid.UUID, now int64) bool {
	until, ok := g.locks[account]
	return ok && now < until
}

func (g *Gates) LockEnd(account uuid.UUID) (int64, bool) {
	until, ok := g.locks[account]
	return until, ok
}

// --- Subordinate cooldown/window ---

// StartCooldown replaces the account's cooldown record entirely.
func (g *Gates) StartCooldown(account uuid.UUID, now, cooldownDuration, window, shares int64) {
	end := now + cooldownDuration
	g.cooldowns[account] = &CooldownRecord{
		CooldownEnd: end,
		WindowEnd:   end + window,
		Shares:      shares,
	}
}

// CancelCooldown deletes the account's record; fails if none exists.
func (g *Gates) CancelCooldown(account uuid.UUID) error {
	if _, ok := g.cooldowns[account]; !ok {
		return fmt.Errorf("no active cooldown for %s", account)
	}
	delete(g.cooldowns, account)
	return nil
}

func (g *Gates) Cooldown(account uuid.UUID) (CooldownRecord, bool) {
	rec, ok := g.cooldowns[account]
	if !ok {
		return CooldownRecord{}, false
	}
	return *rec, true
}

// CooldownLimit returns the share quantity currently withdrawable under the
// account's cooldown record: zero before CooldownEnd, zero after WindowEnd,
// the recorded shares inside the window (both boundary seconds inclusive).
func (g *Gates) CooldownLimit(account uuid.UUID, now int64) int64 {
	rec, ok := g.cooldowns[account]
	if !ok {
		return 0
	}
	if now < rec.CooldownEnd || now > rec.WindowEnd {
		return 0
	}
	return rec.Shares
}

// ReduceCooldown consumes shares from the record after a withdrawal.
// remaining is the account's post-withdrawal balance: a record may be
// started oversized, but after a redemption it can never reserve more than
// the shares still held, and a position that returns to zero takes its
// record with it.
func (g *Gates) ReduceCooldown(account uuid.UUID, shares, remaining int64) {
	rec, ok := g.cooldowns[account]
	if !ok {
		return
	}
	if remaining <= 0 || shares >= rec.Shares {
		delete(g.cooldowns, account)
		return
	}
	rec.Shares -= shares
	if rec.Shares > remaining {
		rec.Shares = remaining
	}
}

// TransferableShares returns the portion of a balance not reserved by an
// active cooldown, floored at zero when the record exceeds the balance.
func (g *Gates) TransferableShares(account uuid.UUID, balance int64) int64 {
	rec, ok := g.cooldowns[account]
	if !ok {
		return balance
	}
	free := balance - rec.Shares
	if free < 0 {
		return 0
	}
	return free
}

// --- Snapshot / restore ---

type GatesSnapshot struct {
	Commitments map[uuid.UUID]int64
	Locks       map[uuid.UUID]int64
	Cooldowns   map[uuid.UUID]CooldownRecord
}

func (g *Gates) Snapshot() GatesSnapshot {
	snap := GatesSnapshot{
		Commitments: make(map[uuid.UUID]int64, len(g.commitments)),
		Locks:       make(map[uuid.UUID]int64, len(g.locks)),
		Cooldowns:   make(map[uuid.UUID]CooldownRecord, len(g.cooldowns)),
	}
	for k, v := range g.commitments {
		snap.Commitments[k] = v
	}
	for k, v := range g.locks {
		snap.Locks[k] = v
	}
	for k, v := range g.cooldowns {
		snap.Cooldowns[k] = *v
	}
	return snap
}

func (g *Gates) Restore(snap GatesSnapshot) {
	for k, v := range snap.Commitments {
		g.commitments[k] = v
	}
	for k, v := range snap.Locks {
		g.locks[k] = v
	}
	for k, v := range snap.Cooldowns {
		rec := v
		g.cooldowns[k] = &rec
	}
}
