package command

import (
	"time"

	"github.com/google/uuid"
)

// StartCooldown begins the caller's subordinate withdrawal cooldown for the
// given share quantity. May exceed the current balance; redemption is capped
// by the true balance at withdrawal time.
type StartCooldown struct {
	CommandID uuid.UUID
	Caller    uuid.UUID
	Shares    int64
	Sequence  int64
	Timestamp time.Time
}

func (c *StartCooldown) IdempotencyKey() string { return c.CommandID.String() }
func (c *StartCooldown) CommandType() Type      { return TypeStartCooldown }
func (c *StartCooldown) Tranche() *TrancheID    { return trancheRef(TrancheSub) }
func (c *StartCooldown) SourceSequence() int64  { return c.Sequence }
func (c *StartCooldown) When() time.Time        { return c.Timestamp }

// CancelCooldown clears the caller's cooldown record.
type CancelCooldown struct {
	CommandID uuid.UUID
	Caller    uuid.UUID
	Sequence  int64
	Timestamp time.Time
}

func (c *CancelCooldown) IdempotencyKey() string { return c.CommandID.String() }
func (c *CancelCooldown) CommandType() Type      { return TypeCancelCooldown }
func (c *CancelCooldown) Tranche() *TrancheID    { return trancheRef(TrancheSub) }
func (c *CancelCooldown) SourceSequence() int64  { return c.Sequence }
func (c *CancelCooldown) When() time.Time        { return c.Timestamp }
