package session

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/tiktoken-go/tokenizer"

	"github.com/bazelment/agentdeck/protocol"
	"github.com/bazelment/agentdeck/supervisor"
)

// providerWindow holds the context capacity and reserved output buffer for
// one provider, in tokens.
type providerWindow struct {
	capacity int
	reserve  int
}

var providerWindows = map[supervisor.Provider]providerWindow{
	supervisor.ProviderClaude: {capacity: 200_000, reserve: 45_000},
	supervisor.ProviderCodex:  {capacity: 272_000, reserve: 12_000},
	supervisor.ProviderGemini: {capacity: 1_048_576, reserve: 32_000},
}

// WindowCapacity returns the context capacity for a provider, defaulting to
// the smallest known window for unknown providers.
func WindowCapacity(p supervisor.Provider) int {
	if w, ok := providerWindows[p]; ok {
		return w.capacity
	}
	return providerWindows[supervisor.ProviderClaude].capacity
}

// ComputeContextUsage derives the context footprint of the latest assistant
// turn. Context is current state, not a running total, so only that turn's
// raw counts feed the percentage.
func ComputeContextUsage(p supervisor.Provider, lastTurn protocol.Usage) ContextWindowUsage {
	w, ok := providerWindows[p]
	if !ok {
		w = providerWindows[supervisor.ProviderClaude]
	}

	total := lastTurn.InputTokens + lastTurn.CacheCreationInputTokens + lastTurn.CacheReadInputTokens
	effective := total + w.reserve
	pct := int(math.Round(float64(effective) / float64(w.capacity) * 100))
	if pct > 100 {
		pct = 100
	}

	return ContextWindowUsage{
		InputTokens:         lastTurn.InputTokens,
		CacheCreationTokens: lastTurn.CacheCreationInputTokens,
		CacheReadTokens:     lastTurn.CacheReadInputTokens,
		TotalTokens:         total,
		Capacity:            w.capacity,
		Percentage:          pct,
		Timestamp:           time.Now().UTC(),
	}
}

// FinalTokenUsage combines the latest assistant turn's context counts with
// the result event's cumulative billing figures. The two must never be
// conflated: input and cache figures describe current context, output and
// cost accrue across the whole session.
func FinalTokenUsage(lastTurn protocol.Usage, result *protocol.ResultEvent) TokenUsage {
	cumOutput := 0
	cumCost := 0.0
	if result != nil {
		cumOutput = result.Usage.OutputTokens
		cumCost = result.TotalCostUSD
	}
	return TokenUsage{
		Input:         lastTurn.InputTokens,
		Output:        cumOutput,
		CacheCreation: lastTurn.CacheCreationInputTokens,
		CacheRead:     lastTurn.CacheReadInputTokens,
		Total:         lastTurn.InputTokens + cumOutput,
		EstimatedCost: cumCost,
	}
}

// fileTokenCodec is shared across estimations; cl100k is close enough for
// budgeting context files regardless of provider.
var fileTokenCodec, fileTokenCodecErr = tokenizer.Get(tokenizer.Cl100kBase)

// EstimateFileTokens counts the tokens a context file will add to the
// conversation when attached during a resume.
func EstimateFileTokens(path string) (int, error) {
	if fileTokenCodecErr != nil {
		return 0, fmt.Errorf("load tokenizer: %w", fileTokenCodecErr)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}
	ids, _, err := fileTokenCodec.Encode(string(data))
	if err != nil {
		return 0, fmt.Errorf("tokenize %s: %w", path, err)
	}
	return len(ids), nil
}
