package agents

import (
	"hive-trading-bot/internal/llm"
)

// Registry holds one instance of every agent, built once at startup and
// passed by reference to the pipeline and orchestrator.
type Registry struct {
	Macro       *MacroAnalyst
	Sentiment   *SentimentAnalyst
	Regime      *RegimeClassifier
	Technical   *TechnicalAnalyst
	OnChain     *OnChainAnalyst
	Social      *SocialAnalyst
	Risk        *RiskAnalyst
	Allocator   *Allocator
	Reviewer    *PositionReviewer
	Planner     *Planner
	Synthesizer *Synthesizer
	Summarizer  *Summarizer
	Optimizer   *StrategyOptimizer
}

// NewRegistry constructs the full agent set over one reasoning client.
func NewRegistry(client *llm.Client) *Registry {
	return &Registry{
		Macro:       &MacroAnalyst{client: client},
		Sentiment:   &SentimentAnalyst{client: client},
		Regime:      &RegimeClassifier{client: client},
		Technical:   &TechnicalAnalyst{client: client},
		OnChain:     &OnChainAnalyst{client: client},
		Social:      &SocialAnalyst{client: client},
		Risk:        &RiskAnalyst{client: client},
		Allocator:   &Allocator{client: client},
		Reviewer:    &PositionReviewer{client: client},
		Planner:     &Planner{client: client},
		Synthesizer: &Synthesizer{client: client},
		Summarizer:  &Summarizer{client: client},
		Optimizer:   &StrategyOptimizer{client: client},
	}
}
