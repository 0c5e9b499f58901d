package projection

import (
	"sync"
)

// ReportEntry is one settlement outcome: a yield distribution, a loss
// absorption, or a rebalance leg.
type ReportEntry struct {
	Sequence    int64  `json:"sequence"`
	CommandType string `json:"command_type"`
	JournalType int32  `json:"journal_type"`
	Unit        int16  `json:"unit"`
	Amount      int64  `json:"amount"`
	Timestamp   int64  `json:"timestamp"`
}

// ReportHistory keeps the most recent settlement entries in memory so the
// read path can serve them without touching Postgres. Bounded ring; the
// full history lives in projections.report_history.
type ReportHistory struct {
	mu      sync.RWMutex
	entries []ReportEntry
	max     int
}

func NewReportHistory(max int) *ReportHistory {
	if max <= 0 {
		max = 1024
	}
	return &ReportHistory{max: max}
}

// Record appends the settlement entries of a processed command.
func (h *ReportHistory) Record(output ProjectionOutput) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, j := range output.JournalEntries {
		if !isSettlementJournal(j.JournalType) {
			continue
		}
		h.entries = append(h.entries, ReportEntry{
			Sequence:    output.Sequence,
			CommandType: output.CommandType,
			JournalType: j.JournalType,
			Unit:        j.Unit,
			Amount:      j.Amount,
			Timestamp:   output.Timestamp,
		})
	}

	if overflow := len(h.entries) - h.max; overflow > 0 {
		h.entries = h.entries[overflow:]
	}
}

// Recent returns up to limit entries, newest first.
func (h *ReportHistory) Recent(limit int) []ReportEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if limit <= 0 || limit > len(h.entries) {
		limit = len(h.entries)
	}
	result := make([]ReportEntry, 0, limit)
	for i := len(h.entries) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, h.entries[i])
	}
	return result
}
