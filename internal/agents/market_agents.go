package agents

import (
	"context"
	"fmt"
	"strings"

	"hive-trading-bot/internal/llm"
	"hive-trading-bot/internal/market"
)

// Known market regimes. The classifier must pick one; workers fall back
// to RegimeDefault when the shared snapshot is stale.
const (
	RegimeBull     = "bull"
	RegimeBear     = "bear"
	RegimeVolatile = "volatile"
	RegimeSideways = "sideways"
	RegimeDefault  = "default"
)

// MacroAnalyst produces the shared macro outlook for one producer tick.
type MacroAnalyst struct {
	client *llm.Client
}

func (a *MacroAnalyst) Analyze(ctx context.Context, tickers []market.Ticker24hr) (*MacroView, error) {
	var view MacroView
	err := a.client.CompleteJSON(ctx,
		"You are a macro market analyst for crypto markets. Respond with JSON: {\"outlook\": \"bullish\"|\"bearish\"|\"neutral\", \"summary\": \"...\"}.",
		fmt.Sprintf("Assess the overall market from these 24h movers:\n%s", formatTickers(tickers)),
		&view)
	if err != nil {
		return nil, fmt.Errorf("macro analysis failed: %w", err)
	}
	return &view, nil
}

// SentimentAnalyst scores overall market mood.
type SentimentAnalyst struct {
	client *llm.Client
}

func (a *SentimentAnalyst) Analyze(ctx context.Context, tickers []market.Ticker24hr) (*SentimentView, error) {
	var view SentimentView
	err := a.client.CompleteJSON(ctx,
		"You are a market sentiment analyst. Respond with JSON: {\"score\": -1.0..1.0, \"summary\": \"...\"} where -1 is extreme fear and 1 is extreme greed.",
		fmt.Sprintf("Score the current market mood from these 24h statistics:\n%s", formatTickers(tickers)),
		&view)
	if err != nil {
		return nil, fmt.Errorf("sentiment analysis failed: %w", err)
	}
	if view.Score < -1 {
		view.Score = -1
	}
	if view.Score > 1 {
		view.Score = 1
	}
	return &view, nil
}

// RegimeClassifier names the current market condition.
type RegimeClassifier struct {
	client *llm.Client
}

func (a *RegimeClassifier) Classify(ctx context.Context, macro *MacroView, sentiment *SentimentView) (string, error) {
	var result struct {
		Regime string `json:"regime"`
	}
	err := a.client.CompleteJSON(ctx,
		fmt.Sprintf("You classify the market regime. Respond with JSON: {\"regime\": one of %q, %q, %q, %q}.",
			RegimeBull, RegimeBear, RegimeVolatile, RegimeSideways),
		fmt.Sprintf("Macro outlook: %s (%s). Sentiment score: %.2f (%s). Name the regime.",
			macro.Outlook, macro.Summary, sentiment.Score, sentiment.Summary),
		&result)
	if err != nil {
		return "", fmt.Errorf("regime classification failed: %w", err)
	}

	switch result.Regime {
	case RegimeBull, RegimeBear, RegimeVolatile, RegimeSideways:
		return result.Regime, nil
	default:
		return RegimeDefault, nil
	}
}

func formatTickers(tickers []market.Ticker24hr) string {
	var b strings.Builder
	for _, t := range tickers {
		fmt.Fprintf(&b, "%s: last %.4f, 24h %+.2f%%, quote volume %.0f\n",
			t.Symbol, t.LastPrice, t.PriceChangePercent, t.QuoteVolume)
	}
	return b.String()
}
