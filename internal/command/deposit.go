package command

import (
	"time"

	"github.com/google/uuid"
)

// Deposit places assets into a tranche. For the senior tranche Amount is
// base assets; for the subordinate tranche it is senior shares.
type Deposit struct {
	CommandID uuid.UUID
	TrancheID TrancheID
	Caller    uuid.UUID
	Receiver  uuid.UUID
	Amount    int64
	Sequence  int64
	Timestamp time.Time
}

func (d *Deposit) IdempotencyKey() string { return d.CommandID.String() }
func (d *Deposit) CommandType() Type      { return TypeDeposit }
func (d *Deposit) Tranche() *TrancheID    { return trancheRef(d.TrancheID) }
func (d *Deposit) SourceSequence() int64  { return d.Sequence }
func (d *Deposit) When() time.Time        { return d.Timestamp }

// MintShares deposits whatever assets are needed to mint an exact share
// quantity for the receiver.
type MintShares struct {
	CommandID uuid.UUID
	TrancheID TrancheID
	Caller    uuid.UUID
	Receiver  uuid.UUID
	Shares    int64
	Sequence  int64
	Timestamp time.Time
}

func (m *MintShares) IdempotencyKey() string { return m.CommandID.String() }
func (m *MintShares) CommandType() Type      { return TypeMintShares }
func (m *MintShares) Tranche() *TrancheID    { return trancheRef(m.TrancheID) }
func (m *MintShares) SourceSequence() int64  { return m.Sequence }
func (m *MintShares) When() time.Time        { return m.Timestamp }
