package cycle

import (
	"context"
	"encoding/json"
	"fmt"

	"hive-trading-bot/config"
	"hive-trading-bot/internal/orchestrator"
	"hive-trading-bot/internal/queue"
)

// Job names within the trading-cycles queue.
const (
	JobTradingCycle    = "trading-cycle"
	JobSelfImprovement = "self-improvement"
)

// RegisterHandlers binds the runner and chat processor to the queue
// manager's four queues.
func RegisterHandlers(m *queue.Manager, r *Runner, chat *orchestrator.Processor, qc config.QueueConfig) {
	m.Register(queue.QueueTradingCycles, qc.TradingConcurrency, func(ctx context.Context, job *queue.Job) error {
		switch job.Name {
		case JobTradingCycle:
			var payload CyclePayload
			if err := json.Unmarshal(job.Payload, &payload); err != nil {
				return fmt.Errorf("malformed trading-cycle payload: %w", err)
			}
			return r.Process(ctx, payload)
		case JobSelfImprovement:
			var payload ImprovementPayload
			if err := json.Unmarshal(job.Payload, &payload); err != nil {
				return fmt.Errorf("malformed self-improvement payload: %w", err)
			}
			return r.RunSelfImprovement(ctx, payload.AccountID)
		default:
			return fmt.Errorf("unknown job name %q on %s", job.Name, queue.QueueTradingCycles)
		}
	})

	m.Register(queue.QueueOnDemandAnalysis, qc.OnDemandConcurrency, func(ctx context.Context, job *queue.Job) error {
		var payload OnDemandPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("malformed on-demand payload: %w", err)
		}
		return r.RunOnDemand(ctx, job.ID, payload.AccountID, payload.Symbol)
	})

	m.Register(queue.QueueChatCommands, qc.ChatConcurrency, func(ctx context.Context, job *queue.Job) error {
		var payload ChatPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("malformed chat payload: %w", err)
		}
		return chat.ProcessCommand(ctx, job.ID, payload.AccountID, payload.ConversationID, payload.Message)
	})

	m.Register(queue.QueueMemoryAnalysis, qc.MemoryConcurrency, func(ctx context.Context, job *queue.Job) error {
		var payload MemoryAnalysisPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("malformed memory-analysis payload: %w", err)
		}
		return r.RunMemoryAnalysis(ctx, payload.AccountID)
	})
}
