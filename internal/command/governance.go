package command

import (
	"time"

	"github.com/google/uuid"
)

// SetWhitelist grants or revokes a depositor's permission to deposit on
// behalf of other accounts. Governance only.
type SetWhitelist struct {
	CommandID uuid.UUID
	Governor  uuid.UUID
	Depositor uuid.UUID
	Allowed   bool
	Sequence  int64
	Timestamp time.Time
}

func (s *SetWhitelist) IdempotencyKey() string { return s.CommandID.String() }
func (s *SetWhitelist) CommandType() Type      { return TypeSetWhitelist }
func (s *SetWhitelist) Tranche() *TrancheID    { return nil }
func (s *SetWhitelist) SourceSequence() int64  { return s.Sequence }
func (s *SetWhitelist) When() time.Time        { return s.Timestamp }

// SetShutdown toggles the emergency-shutdown state. While active, all
// subordination and cooldown limits are bypassed so the full balance is
// withdrawable. Governance only.
type SetShutdown struct {
	CommandID uuid.UUID
	Governor  uuid.UUID
	Active    bool
	Sequence  int64
	Timestamp time.Time
}

func (s *SetShutdown) IdempotencyKey() string { return s.CommandID.String() }
func (s *SetShutdown) CommandType() Type      { return TypeSetShutdown }
func (s *SetShutdown) Tranche() *TrancheID    { return nil }
func (s *SetShutdown) SourceSequence() int64  { return s.Sequence }
func (s *SetShutdown) When() time.Time        { return s.Timestamp }
