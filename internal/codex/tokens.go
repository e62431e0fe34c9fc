package codex

// DefaultBaselineTokens is reserved for the system prompt and tools and is
// excluded from the usable context window.
const DefaultBaselineTokens int64 = 12_000

// ContextUsage is the derived view of how full the context window is.
// Percentages are nil when the effective window is zero.
type ContextUsage struct {
	Effective    int64
	Used         int64
	Remaining    int64
	UsedPct      *float64
	RemainingPct *float64
}

// ComputeContextUsage derives context usage from the last turn's counters.
func ComputeContextUsage(usage TokenUsage, window, baseline int64) ContextUsage {
	if window <= baseline {
		return ContextUsage{}
	}
	effective := window - baseline

	inContext := max(usage.TotalTokens-usage.ReasoningOutputTokens, 0)
	used := min(max(inContext-baseline, 0), effective)
	remaining := effective - used

	remainingPct := float64(remaining) / float64(effective) * 100
	usedPct := 100 - remainingPct
	return ContextUsage{
		Effective:    effective,
		Used:         used,
		Remaining:    remaining,
		UsedPct:      &usedPct,
		RemainingPct: &remainingPct,
	}
}
