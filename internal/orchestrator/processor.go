// Package orchestrator turns one chat utterance into a bounded
// tool-chain plan and drives it through the
// PLANNING -> (EXECUTING | AWAITING_CONFIRMATION) -> DONE state machine.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"hive-trading-bot/config"
	"hive-trading-bot/internal/agents"
	"hive-trading-bot/internal/cache"
	"hive-trading-bot/internal/database"
	"hive-trading-bot/internal/memory"
	"hive-trading-bot/internal/tools"
)

// Response types returned to the chat client.
const (
	ResponseText         = "text"
	ResponseConfirmation = "confirmation_required"
)

// ChatResponse is the stored result of one chat job.
type ChatResponse struct {
	Response     string `json:"response"`
	ResponseType string `json:"responseType"`
	ActionPlanID string `json:"actionPlanId,omitempty"`
	Error        bool   `json:"error,omitempty"`
}

// storedPlan is the persisted state of a plan paused for confirmation.
type storedPlan struct {
	AccountID  string                 `json:"accountId"`
	Message    string                 `json:"message"`
	Steps      []agents.PlanStep      `json:"steps"`
	Context    map[string]interface{} `json:"context"`
	ResumeFrom int                    `json:"resumeFrom"`
}

// Planner, Synthesizer, and Summarizer are the reasoning capabilities
// the processor consumes; the agents package provides them.
type Planner interface {
	Plan(ctx context.Context, message string, history, recalled []string, tools []agents.ToolDescriptor) (*agents.Plan, error)
}

type Synthesizer interface {
	Synthesize(ctx context.Context, message string, executionContext map[string]interface{}) (string, error)
}

type Summarizer interface {
	Summarize(ctx context.Context, subject, material string) (string, error)
}

// MemoryService is the recall/store surface the processor needs.
type MemoryService interface {
	Recall(ctx context.Context, accountID, query string, k int, source string) []memory.ScoredMemory
	AddMemory(ctx context.Context, m *database.Memory) error
}

// Processor executes chat commands pulled off the chat-commands queue.
type Processor struct {
	registry    *tools.Registry
	planner     Planner
	synthesizer Synthesizer
	summarizer  Summarizer
	convs       *ConversationStore
	memories    MemoryService
	kv          KV
	cfg         config.ChatConfig
	log         zerolog.Logger
}

// NewProcessor wires the orchestrator.
func NewProcessor(registry *tools.Registry, planner Planner, synthesizer Synthesizer, summarizer Summarizer,
	convs *ConversationStore, memories MemoryService, kv KV, cfg config.ChatConfig, log zerolog.Logger) *Processor {
	return &Processor{
		registry:    registry,
		planner:     planner,
		synthesizer: synthesizer,
		summarizer:  summarizer,
		convs:       convs,
		memories:    memories,
		kv:          kv,
		cfg:         cfg,
		log:         log,
	}
}

var symbolPattern = regexp.MustCompile(`[A-Z]{3,}`)

// ProcessCommand handles one utterance end to end. Plan and validation
// failures are final: they produce a stored error response, not a job
// retry. The result is always written under the job's result key.
func (p *Processor) ProcessCommand(ctx context.Context, jobID, accountID, conversationID, message string) error {
	executionContext := make(map[string]interface{})
	var plan *agents.Plan

	if err := p.convs.Append(ctx, conversationID, "user", message); err != nil {
		p.log.Warn().Err(err).Str("job", jobID).Msg("failed to append user turn")
	}

	response := p.run(ctx, jobID, accountID, conversationID, message, executionContext, &plan)

	if err := p.convs.Append(ctx, conversationID, "ai", response.Response); err != nil {
		p.log.Warn().Err(err).Str("job", jobID).Msg("failed to append ai turn")
	}
	if err := p.kv.Set(ctx, cache.ChatResultKey(jobID), response, p.cfg.ResultTTL); err != nil {
		return fmt.Errorf("failed to store chat result: %w", err)
	}

	p.memorizeInteraction(ctx, accountID, message, response, executionContext, plan)
	return nil
}

// run performs planning and execution, returning the response to store.
func (p *Processor) run(ctx context.Context, jobID, accountID, conversationID, message string,
	executionContext map[string]interface{}, planOut **agents.Plan) ChatResponse {

	history, err := p.convs.History(ctx, conversationID)
	if err != nil {
		p.log.Warn().Err(err).Str("job", jobID).Msg("history unavailable")
	}

	recalled := p.memories.Recall(ctx, accountID, message, p.cfg.RecallCount, "")
	recalledText := make([]string, 0, len(recalled))
	for _, r := range recalled {
		recalledText = append(recalledText, r.Memory.Narrative)
	}

	historyText := formatHistory(history)
	// Context budgeting: when combined context outgrows the budget,
	// keep only the last two dialogue pairs.
	if contextSize(historyText, recalledText) > p.cfg.ContextBudget && len(historyText) > 4 {
		historyText = historyText[len(historyText)-4:]
	}

	plan, err := p.planner.Plan(ctx, message, historyText, recalledText, p.registry.Descriptors())
	if err != nil || plan == nil || len(plan.Steps) == 0 {
		p.log.Error().Err(err).Str("job", jobID).Msg("planning failed")
		return errorResponse(ErrEmptyPlan.Error())
	}
	*planOut = plan

	if err := p.validatePlan(plan); err != nil {
		p.log.Warn().Err(err).Str("job", jobID).Msg("plan rejected")
		return errorResponse(err.Error())
	}

	lastStep := plan.Steps[len(plan.Steps)-1]
	requiresConfirmation := lastStep.Tool == tools.ConfirmToolName

	limit := len(plan.Steps)
	if requiresConfirmation {
		limit--
	}

	// Execute up to the first state-changing step when the plan ends
	// in a confirmation: the mutating tail must not run until the user
	// confirms, and then at most once.
	pauseAt := limit
	if requiresConfirmation {
		for i := 0; i < limit; i++ {
			tool, _ := p.registry.Get(plan.Steps[i].Tool)
			if tool.Permission == tools.PermissionStateChange {
				pauseAt = i
				break
			}
		}
	}

	if err := p.executeSteps(ctx, accountID, plan.Steps[:pauseAt], 0, executionContext); err != nil {
		p.log.Warn().Err(err).Str("job", jobID).Msg("plan execution failed")
		return errorResponse(err.Error())
	}

	if requiresConfirmation {
		saved := storedPlan{
			AccountID:  accountID,
			Message:    message,
			Steps:      plan.Steps,
			Context:    executionContext,
			ResumeFrom: pauseAt,
		}
		if err := p.kv.Set(ctx, cache.ActionPlanKey(jobID), saved, p.cfg.PlanTTL); err != nil {
			p.log.Error().Err(err).Str("job", jobID).Msg("failed to persist plan")
			return errorResponse("failed to save pending action plan")
		}

		prompt := confirmationPrompt(lastStep)
		return ChatResponse{
			Response:     prompt,
			ResponseType: ResponseConfirmation,
			ActionPlanID: jobID,
		}
	}

	answer, err := p.synthesizer.Synthesize(ctx, message, executionContext)
	if err != nil {
		p.log.Error().Err(err).Str("job", jobID).Msg("synthesis failed")
		return errorResponse("I completed the steps but could not produce an answer.")
	}
	return ChatResponse{Response: answer, ResponseType: ResponseText}
}

// validatePlan enforces structural rules before any step executes:
// step budget, tool existence, and confirmation-tool placement.
func (p *Processor) validatePlan(plan *agents.Plan) error {
	if len(plan.Steps) > p.cfg.MaxPlanSteps {
		return fmt.Errorf("%w: %d steps, limit %d", ErrPlanTooLong, len(plan.Steps), p.cfg.MaxPlanSteps)
	}
	for i, step := range plan.Steps {
		tool, err := p.registry.Get(step.Tool)
		if err != nil {
			return err
		}
		if tool.Permission == tools.PermissionConfirmation && i != len(plan.Steps)-1 {
			return fmt.Errorf("%w: %s at step %d", ErrConfirmNotTerminal, step.Tool, i)
		}
	}
	return nil
}

// executeSteps runs steps sequentially, resolving placeholders against
// the accumulated context, validating, and recording each result under
// step_<index>. Any violation or tool failure aborts the remainder.
func (p *Processor) executeSteps(ctx context.Context, accountID string, steps []agents.PlanStep, offset int, executionContext map[string]interface{}) error {
	for i, step := range steps {
		index := offset + i

		tool, err := p.registry.Get(step.Tool)
		if err != nil {
			return err
		}

		params, err := resolveParams(step.Params, executionContext)
		if err != nil {
			return fmt.Errorf("step %d (%s): %w", index, step.Tool, err)
		}
		if err := tool.Validate(params); err != nil {
			return err
		}

		result, err := tool.Execute(ctx, accountID, params)
		if err != nil {
			return fmt.Errorf("error in step %d (%s): %w", index, step.Tool, err)
		}

		// Round-trip through JSON so placeholder lookups see the same
		// shapes a persisted plan would.
		executionContext[fmt.Sprintf("step_%d", index)] = toPlain(result)
	}
	return nil
}

// ConfirmResult is the outcome of a confirm(planId) call.
type ConfirmResult struct {
	Message string `json:"message"`
}

// Confirm resumes a paused plan. The planId-scoped lock guarantees the
// mutating tail runs at most once even under duplicate concurrent
// confirmations: the loser gets ErrPlanConflict, an expired or consumed
// plan gets ErrPlanNotFound.
func (p *Processor) Confirm(ctx context.Context, planID string) (*ConfirmResult, error) {
	acquired, err := p.kv.SetNX(ctx, cache.ActionPlanLockKey(planID), "locked", p.cfg.ConfirmLockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire confirmation lock: %w", err)
	}
	if !acquired {
		return nil, ErrPlanConflict
	}

	raw, err := p.kv.Get(ctx, cache.ActionPlanKey(planID))
	if err != nil {
		if err == redis.Nil {
			return nil, ErrPlanNotFound
		}
		return nil, fmt.Errorf("failed to load plan: %w", err)
	}

	var saved storedPlan
	if err := json.Unmarshal([]byte(raw), &saved); err != nil {
		return nil, fmt.Errorf("corrupt stored plan %s: %w", planID, err)
	}

	tail := saved.Steps[saved.ResumeFrom : len(saved.Steps)-1]
	if err := p.executeSteps(ctx, saved.AccountID, tail, saved.ResumeFrom, saved.Context); err != nil {
		// The lock stays held: a failed tail must not be retried
		// blindly through the same plan.
		return nil, err
	}

	if err := p.kv.Delete(ctx, cache.ActionPlanKey(planID)); err != nil {
		p.log.Warn().Err(err).Str("plan", planID).Msg("failed to delete consumed plan")
	}

	p.log.Info().Str("plan", planID).Str("account", saved.AccountID).Msg("confirmed plan executed")
	return &ConfirmResult{Message: "Plan executed successfully."}, nil
}

// memorizeInteraction summarizes successful interactions (and any
// configuration-changing plan) into memories for future recall.
func (p *Processor) memorizeInteraction(ctx context.Context, accountID, message string, response ChatResponse,
	executionContext map[string]interface{}, plan *agents.Plan) {

	successful := response.ResponseType == ResponseText && !response.Error && len(executionContext) > 0
	if successful {
		material, _ := json.Marshal(executionContext)
		narrative, err := p.summarizer.Summarize(ctx, message, string(material))
		if err != nil {
			p.log.Warn().Err(err).Msg("failed to summarize interaction")
		} else if narrative != "" {
			symbol := "GENERAL"
			if m := symbolPattern.FindString(message); m != "" {
				symbol = m
			}
			contextJSON, _ := json.Marshal(executionContext)
			if err := p.memories.AddMemory(ctx, &database.Memory{
				AccountID: accountID,
				Symbol:    symbol,
				Narrative: narrative,
				Outcome:   database.OutcomeDialogueSummary,
				Source:    database.MemorySourceAgent,
				Context:   contextJSON,
			}); err != nil {
				p.log.Warn().Err(err).Msg("failed to store interaction memory")
			}
		}
	}

	if plan == nil || !planChangesConfig(plan) {
		return
	}
	material, _ := json.Marshal(executionContext)
	narrative, err := p.summarizer.Summarize(ctx, "configuration change: "+message, string(material))
	if err != nil || narrative == "" {
		return
	}
	contextJSON, _ := json.Marshal(executionContext)
	if err := p.memories.AddMemory(ctx, &database.Memory{
		AccountID: accountID,
		Symbol:    "SYSTEM_CONFIG",
		Narrative: narrative,
		Outcome:   database.OutcomeSystemConfig,
		Source:    database.MemorySourceAgent,
		Context:   contextJSON,
	}); err != nil {
		p.log.Warn().Err(err).Msg("failed to store config-change memory")
	}
}

var configChangeTools = map[string]bool{
	"set_risk_appetite":         true,
	"modify_strategy_parameter": true,
}

func planChangesConfig(plan *agents.Plan) bool {
	for _, step := range plan.Steps {
		if configChangeTools[step.Tool] {
			return true
		}
	}
	return false
}

func errorResponse(msg string) ChatResponse {
	return ChatResponse{
		Response:     fmt.Sprintf("I encountered an error while processing your request: %s", msg),
		ResponseType: ResponseText,
		Error:        true,
	}
}

func confirmationPrompt(step agents.PlanStep) string {
	if raw, ok := step.Params["message"]; ok {
		var msg string
		if err := json.Unmarshal(raw, &msg); err == nil && msg != "" {
			return msg
		}
	}
	return "Please confirm the planned action."
}

func formatHistory(history []HistoryEntry) []string {
	out := make([]string, 0, len(history))
	for _, h := range history {
		out = append(out, fmt.Sprintf("%s: %s", h.Sender, h.Message))
	}
	return out
}

func contextSize(history, recalled []string) int {
	total := 0
	for _, s := range history {
		total += len(s)
	}
	for _, s := range recalled {
		total += len(s)
	}
	return total
}

// toPlain normalizes a tool result into JSON-compatible maps/slices so
// both live execution and resumed plans resolve placeholders alike.
func toPlain(v interface{}) interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var plain interface{}
	if err := json.Unmarshal(data, &plain); err != nil {
		return v
	}
	return plain
}
