package codex

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestComputeContextUsage_Example(t *testing.T) {
	usage := ComputeContextUsage(TokenUsage{TotalTokens: 15000, ReasoningOutputTokens: 1000}, 20000, DefaultBaselineTokens)
	require.Equal(t, int64(8000), usage.Effective)
	require.Equal(t, int64(2000), usage.Used)
	require.Equal(t, int64(6000), usage.Remaining)
	require.InDelta(t, 25.0, *usage.UsedPct, 1e-9)
	require.InDelta(t, 75.0, *usage.RemainingPct, 1e-9)
}

func TestComputeContextUsage_WindowAtOrBelowBaseline(t *testing.T) {
	for _, window := range []int64{0, 5000, DefaultBaselineTokens} {
		usage := ComputeContextUsage(TokenUsage{TotalTokens: 9000}, window, DefaultBaselineTokens)
		require.Equal(t, ContextUsage{}, usage)
		require.Nil(t, usage.UsedPct)
	}
}

func TestComputeContextUsage_Clamps(t *testing.T) {
	below := ComputeContextUsage(TokenUsage{TotalTokens: 3000}, 20000, DefaultBaselineTokens)
	require.Equal(t, int64(0), below.Used)
	require.InDelta(t, 100.0, *below.RemainingPct, 1e-9)

	over := ComputeContextUsage(TokenUsage{TotalTokens: 90000}, 20000, DefaultBaselineTokens)
	require.Equal(t, int64(8000), over.Used)
	require.Equal(t, int64(0), over.Remaining)
	require.InDelta(t, 100.0, *over.UsedPct, 1e-9)
}

func TestComputeContextUsage_Invariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		baseline := rapid.Int64Range(0, 50_000).Draw(t, "baseline")
		window := rapid.Int64Range(baseline+1, 2_000_000).Draw(t, "window")
		total := rapid.Int64Range(0, 3_000_000).Draw(t, "total")
		reasoning := rapid.Int64Range(0, total).Draw(t, "reasoning")

		u := ComputeContextUsage(TokenUsage{TotalTokens: total, ReasoningOutputTokens: reasoning}, window, baseline)
		if u.Effective != window-baseline {
			t.Fatalf("effective = %d, want %d", u.Effective, window-baseline)
		}
		if u.Used < 0 || u.Used > u.Effective || u.Used+u.Remaining != u.Effective {
			t.Fatalf("used %d remaining %d effective %d", u.Used, u.Remaining, u.Effective)
		}
		if math.Abs(*u.UsedPct+*u.RemainingPct-100) > 1e-9 {
			t.Fatalf("percentages do not sum to 100: %f + %f", *u.UsedPct, *u.RemainingPct)
		}
	})
}
