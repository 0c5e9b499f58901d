package command

import (
	"time"

	"github.com/google/uuid"
)

// Withdraw redeems an exact asset amount from a tranche on behalf of Owner.
type Withdraw struct {
	CommandID  uuid.UUID
	TrancheID  TrancheID
	Caller     uuid.UUID
	Owner      uuid.UUID
	Receiver   uuid.UUID
	Amount     int64
	MaxLossBps int64
	Sequence   int64
	Timestamp  time.Time
}

func (w *Withdraw) IdempotencyKey() string { return w.CommandID.String() }
func (w *Withdraw) CommandType() Type      { return TypeWithdraw }
func (w *Withdraw) Tranche() *TrancheID    { return trancheRef(w.TrancheID) }
func (w *Withdraw) SourceSequence() int64  { return w.Sequence }
func (w *Withdraw) When() time.Time        { return w.Timestamp }

// Redeem burns an exact share quantity and pays out the equivalent assets.
type Redeem struct {
	CommandID  uuid.UUID
	TrancheID  TrancheID
	Caller     uuid.UUID
	Owner      uuid.UUID
	Receiver   uuid.UUID
	Shares     int64
	MaxLossBps int64
	Sequence   int64
	Timestamp  time.Time
}

func (r *Redeem) IdempotencyKey() string { return r.CommandID.String() }
func (r *Redeem) CommandType() Type      { return TypeRedeem }
func (r *Redeem) Tranche() *TrancheID    { return trancheRef(r.TrancheID) }
func (r *Redeem) SourceSequence() int64  { return r.Sequence }
func (r *Redeem) When() time.Time        { return r.Timestamp }

// Transfer moves shares between holder accounts. Caller != From carries
// transferFrom semantics; the gating rules are identical either way.
type Transfer struct {
	CommandID uuid.UUID
	TrancheID TrancheID
	Caller    uuid.UUID
	From      uuid.UUID
	To        uuid.UUID
	// ToSubTranche directs senior shares into the subordinate tranche's
	// holding account instead of a user account. Always exempt from the
	// sender's commitment gate.
	ToSubTranche bool
	Shares       int64
	Sequence     int64
	Timestamp    time.Time
}

func (t *Transfer) IdempotencyKey() string { return t.CommandID.String() }
func (t *Transfer) CommandType() Type      { return TypeTransfer }
func (t *Transfer) Tranche() *TrancheID    { return trancheRef(t.TrancheID) }
func (t *Transfer) SourceSequence() int64  { return t.Sequence }
func (t *Transfer) When() time.Time        { return t.Timestamp }
