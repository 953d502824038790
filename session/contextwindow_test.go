package session

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bazelment/agentdeck/protocol"
	"github.com/bazelment/agentdeck/supervisor"
)

func TestComputeContextUsagePercentage(t *testing.T) {
	u := ComputeContextUsage(supervisor.ProviderClaude, protocol.Usage{
		InputTokens:              10_000,
		CacheCreationInputTokens: 5_000,
		CacheReadInputTokens:     85_000,
	})

	assert.Equal(t, 100_000, u.TotalTokens)
	assert.Equal(t, 200_000, u.Capacity)
	// (100000 + 45000 reserve) / 200000 = 72.5, rounds to 73.
	assert.Equal(t, 73, u.Percentage)
}

func TestComputeContextUsageCapsAtHundred(t *testing.T) {
	u := ComputeContextUsage(supervisor.ProviderClaude, protocol.Usage{InputTokens: 500_000})
	assert.Equal(t, 100, u.Percentage)
}

func TestComputeContextUsageUnknownProviderFallsBack(t *testing.T) {
	u := ComputeContextUsage(supervisor.Provider("mystery"), protocol.Usage{InputTokens: 1})
	assert.Equal(t, 200_000, u.Capacity)
}

// Context is current state, not a running total: a smaller later turn must
// never yield a higher percentage.
func TestContextUsageTracksLatestTurnOnly(t *testing.T) {
	first := ComputeContextUsage(supervisor.ProviderClaude, protocol.Usage{InputTokens: 100})
	second := ComputeContextUsage(supervisor.ProviderClaude, protocol.Usage{InputTokens: 40})
	assert.LessOrEqual(t, second.Percentage, first.Percentage)
	assert.Equal(t, 40, second.InputTokens)
}

func TestFinalTokenUsageSplitsContextFromBilling(t *testing.T) {
	lastTurn := protocol.Usage{
		InputTokens:              1_200,
		CacheCreationInputTokens: 300,
		CacheReadInputTokens:     9_000,
		OutputTokens:             80, // per-turn output is not the billing figure
	}
	result := &protocol.ResultEvent{
		TotalCostUSD: 1.25,
		Usage:        protocol.Usage{OutputTokens: 4_400},
	}

	got := FinalTokenUsage(lastTurn, result)
	assert.Equal(t, 1_200, got.Input)
	assert.Equal(t, 4_400, got.Output, "output comes from the cumulative result")
	assert.Equal(t, 300, got.CacheCreation)
	assert.Equal(t, 9_000, got.CacheRead)
	assert.Equal(t, 5_600, got.Total)
	assert.Equal(t, 1.25, got.EstimatedCost)
}

func TestFinalTokenUsageWithoutResult(t *testing.T) {
	got := FinalTokenUsage(protocol.Usage{InputTokens: 10}, nil)
	assert.Equal(t, 10, got.Input)
	assert.Equal(t, 0, got.Output)
	assert.Equal(t, 10, got.Total)
}

func TestWindowCapacityPerProvider(t *testing.T) {
	assert.Equal(t, 200_000, WindowCapacity(supervisor.ProviderClaude))
	assert.Equal(t, 272_000, WindowCapacity(supervisor.ProviderCodex))
	assert.Equal(t, 1_048_576, WindowCapacity(supervisor.ProviderGemini))
}
