package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/joescharf/conductor/internal/plan"
	"github.com/joescharf/conductor/internal/planner"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-sonnet-4-5"

// Client wraps the Anthropic API as a planner.
type Client struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewClient creates an LLM client with the given API key and model.
func NewClient(apiKey, model string) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if model == "" {
		model = DefaultModel
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client,
		model: anthropic.Model(model),
	}
}

// buildPlanPrompt constructs the system and user prompts for planning.
func buildPlanPrompt(req planner.Request) (system string, user string) {
	system = `You are a technical lead splitting software work into waves for a team of coding agents.

Rules:
- Each wave is a set of issues that can be worked on in parallel once the previous wave is complete
- Prefer few, focused waves; put foundational work first
- Reuse existing issues by id when they fit; create new issues only for uncovered work
- Give every wave at least one issue and at least one agent role
- Use short lowercase-hyphenated slugs when you suggest one
- Return valid JSON only, no markdown fencing or explanation`

	user = planner.BuildPrompt(req)
	return
}

// Plan asks the model for a wave plan. The full response text is passed to
// emit once it arrives.
func (c *Client) Plan(ctx context.Context, req planner.Request, emit func(string)) (*plan.Plan, error) {
	systemPrompt, userPrompt := buildPlanPrompt(req)

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 8192,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic API call: %w", err)
	}

	// Extract text from response
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := sb.String()
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("no text content in API response")
	}
	if emit != nil {
		emit(text)
	}

	p, err := plan.Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse LLM response: %w", err)
	}
	return p, nil
}

var _ planner.Planner = (*Client)(nil)
