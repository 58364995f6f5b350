package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"hive-trading-bot/internal/llm"
)

// ToolDescriptor is the planner-facing view of one registered tool.
type ToolDescriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Permission  string `json:"permission"`
	Schema      string `json:"schema"`
}

// Planner turns one utterance into a bounded tool chain.
type Planner struct {
	client *llm.Client
}

func (a *Planner) Plan(ctx context.Context, message string, history []string, recalled []string, tools []ToolDescriptor) (*Plan, error) {
	toolList, err := json.Marshal(tools)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	if len(history) > 0 {
		b.WriteString("Recent dialogue:\n")
		for _, h := range history {
			b.WriteString(h)
			b.WriteString("\n")
		}
	}
	if len(recalled) > 0 {
		b.WriteString("Relevant prior context:\n")
		for _, r := range recalled {
			b.WriteString(r)
			b.WriteString("\n")
		}
	}
	fmt.Fprintf(&b, "User message: %s", message)

	var plan Plan
	err = a.client.CompleteJSON(ctx,
		fmt.Sprintf(`You plan tool calls for a trading assistant. Available tools: %s.
Rules: reference a prior step's output as "{{context.step_N.field}}" where N is the 0-based step index. Any tool whose permission is "confirmation" may only appear as the final step. Respond with JSON: {"steps": [{"tool": "...", "params": {...}}], "reasoning": "..."}.`, string(toolList)),
		b.String(),
		&plan)
	if err != nil {
		return nil, fmt.Errorf("planning failed: %w", err)
	}
	return &plan, nil
}

// Synthesizer turns accumulated tool outputs into the final answer.
type Synthesizer struct {
	client *llm.Client
}

func (a *Synthesizer) Synthesize(ctx context.Context, message string, executionContext map[string]interface{}) (string, error) {
	payload, err := json.Marshal(executionContext)
	if err != nil {
		return "", err
	}

	answer, err := a.client.Complete(ctx,
		"You are a trading assistant. Answer the user's message using only the tool results provided. Be concise and concrete.",
		fmt.Sprintf("User message: %s\nTool results: %s", message, string(payload)))
	if err != nil {
		return "", fmt.Errorf("synthesis failed: %w", err)
	}
	return answer, nil
}

// Summarizer condenses a completed interaction or trade history into a
// short narrative suitable for embedding.
type Summarizer struct {
	client *llm.Client
}

func (a *Summarizer) Summarize(ctx context.Context, subject string, material string) (string, error) {
	summary, err := a.client.Complete(ctx,
		"Summarize the following into one short factual paragraph that will be stored for later recall. No preamble.",
		fmt.Sprintf("Subject: %s\n%s", subject, material))
	if err != nil {
		return "", fmt.Errorf("summarization failed: %w", err)
	}
	return strings.TrimSpace(summary), nil
}
