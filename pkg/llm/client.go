// Package llm wraps the chat-completion provider behind a small capability
// interface: one call with optional tool bindings, one JSON-shaped feedback
// call.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/goshops-com/opsagent/pkg/config"
	"github.com/goshops-com/opsagent/pkg/models"
)

const (
	openRouterBaseURL = "https://openrouter.ai/api/v1"

	// feedbackTimeout bounds the follow-up analysis path; normal chat turns
	// use the configurable chat timeout instead.
	feedbackTimeout = 30 * time.Second
)

// Message is one turn handed to the model.
type Message struct {
	Role       models.MessageRole
	Content    string
	ToolCallID string     // set on tool-result messages
	ToolCalls  []ToolCall // set on assistant messages that requested tools
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID     string
	Name   string
	Params map[string]any
}

// ToolDef is one tool binding offered to the model. Name carries the
// instance routing prefix; the description carries the risk annotation.
type ToolDef struct {
	Name        string
	Description string
	Schema      map[string]any
}

// Response is the model's reply to one call.
type Response struct {
	Content   string
	ToolCalls []ToolCall
}

// FeedbackResult is the parsed shape of a feedback follow-up reply.
type FeedbackResult struct {
	Analysis               string   `json:"analysis"`
	Recommendations        []string `json:"recommendations"`
	FeedbackAcknowledgment string   `json:"feedbackAcknowledgment,omitempty"`
}

// Client calls the configured chat-completion provider.
type Client struct {
	api   *openai.Client
	model string
}

// NewClient builds a client for the configured provider. Both supported
// providers speak the same wire protocol; they differ in base URL and key.
func NewClient(cfg config.AgentConfig) (*Client, error) {
	var apiKey, baseURL string
	switch cfg.Provider {
	case config.ProviderOpenRouter:
		apiKey = os.Getenv("OPENROUTER_API_KEY")
		baseURL = openRouterBaseURL
	case config.ProviderOpenCode:
		apiKey = os.Getenv("OPENCODE_API_KEY")
		baseURL = os.Getenv("OPENCODE_BASE_URL")
		if baseURL == "" {
			return nil, fmt.Errorf("OPENCODE_BASE_URL must be set for the opencode provider")
		}
	default:
		return nil, fmt.Errorf("unknown agent provider %q", cfg.Provider)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("missing API key for provider %s", cfg.Provider)
	}

	conf := openai.DefaultConfig(apiKey)
	conf.BaseURL = baseURL
	return &Client{api: openai.NewClientWithConfig(conf), model: cfg.Model}, nil
}

// Chat sends the message history (and optional tool bindings) to the model.
func (c *Client) Chat(ctx context.Context, history []Message, tools []ToolDef) (*Response, error) {
	req := openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: toOpenAIMessages(history),
	}
	for _, tool := range tools {
		req.Tools = append(req.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Schema,
			},
		})
	}

	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}

	choice := resp.Choices[0].Message
	out := &Response{Content: choice.Content}
	for _, tc := range choice.ToolCalls {
		params := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &params); err != nil {
				slog.Warn("Model produced unparseable tool arguments",
					"tool", tc.Function.Name, "error", err)
				continue
			}
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:     tc.ID,
			Name:   tc.Function.Name,
			Params: params,
		})
	}
	return out, nil
}

// Feedback runs the purpose-built follow-up prompt and parses the JSON
// reply. Non-JSON replies degrade to {analysis: raw}.
func (c *Client) Feedback(ctx context.Context, prompt string) (*FeedbackResult, error) {
	ctx, cancel := context.WithTimeout(ctx, feedbackTimeout)
	defer cancel()

	resp, err := c.Chat(ctx, []Message{
		{Role: models.RoleSystem, Content: feedbackSystemPrompt},
		{Role: models.RoleUser, Content: prompt},
	}, nil)
	if err != nil {
		return nil, err
	}
	return ParseFeedback(resp.Content), nil
}

const feedbackSystemPrompt = `You are a server operations assistant reviewing an issue after human feedback.
Respond with a single JSON object: {"analysis": string, "recommendations": [string], "feedbackAcknowledgment": string}.`

// AnalysisResult is the parsed shape of an alert-analysis reply.
type AnalysisResult struct {
	Analysis               string           `json:"analysis"`
	CanAutoRemediate       bool             `json:"canAutoRemediate"`
	RequiresHumanAttention bool             `json:"requiresHumanAttention"`
	Actions                []ProposedAction `json:"actions"`
}

// ProposedAction is one remediation step suggested in an analysis reply.
type ProposedAction struct {
	Description string `json:"description"`
	Command     string `json:"command,omitempty"`
	RiskLevel   string `json:"riskLevel,omitempty"`
}

const analysisSystemPrompt = `You are a server operations assistant analysing a raised alert.
Respond with a single JSON object:
{"analysis": string, "canAutoRemediate": bool, "requiresHumanAttention": bool,
 "actions": [{"description": string, "command": string, "riskLevel": "low"|"medium"|"high"|"critical"}]}.
Propose actions only when they are concrete and safe to describe.`

// Analyze asks the model for a structured assessment of one alert.
func (c *Client) Analyze(ctx context.Context, prompt string) (*AnalysisResult, error) {
	ctx, cancel := context.WithTimeout(ctx, feedbackTimeout)
	defer cancel()

	resp, err := c.Chat(ctx, []Message{
		{Role: models.RoleSystem, Content: analysisSystemPrompt},
		{Role: models.RoleUser, Content: prompt},
	}, nil)
	if err != nil {
		return nil, err
	}
	return ParseAnalysis(resp.Content), nil
}

// ParseAnalysis extracts the structured analysis from a model reply. A reply
// with no parseable JSON degrades to analysis text that needs a human.
func ParseAnalysis(raw string) *AnalysisResult {
	if span, ok := extractJSONObject(raw); ok {
		var out AnalysisResult
		if err := json.Unmarshal([]byte(span), &out); err == nil && out.Analysis != "" {
			return &out
		}
	}
	return &AnalysisResult{Analysis: raw, RequiresHumanAttention: true}
}

// ParseFeedback extracts the first balanced JSON object from a model reply.
// Any parse failure falls back to treating the whole reply as analysis.
func ParseFeedback(raw string) *FeedbackResult {
	if span, ok := extractJSONObject(raw); ok {
		var out FeedbackResult
		if err := json.Unmarshal([]byte(span), &out); err == nil && out.Analysis != "" {
			if out.Recommendations == nil {
				out.Recommendations = []string{}
			}
			return &out
		}
	}
	return &FeedbackResult{Analysis: raw, Recommendations: []string{}}
}

// extractJSONObject returns the first balanced {...} span, tracking string
// literals so braces inside values do not miscount.
func extractJSONObject(s string) (string, bool) {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i, r := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 {
					return s[start : i+1], true
				}
			}
		}
	}
	return "", false
}

func toOpenAIMessages(history []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(history))
	for _, m := range history {
		msg := openai.ChatCompletionMessage{Content: m.Content}
		switch m.Role {
		case models.RoleSystem:
			msg.Role = openai.ChatMessageRoleSystem
		case models.RoleAssistant:
			msg.Role = openai.ChatMessageRoleAssistant
		case models.RoleTool:
			msg.Role = openai.ChatMessageRoleTool
			msg.ToolCallID = m.ToolCallID
		default:
			msg.Role = openai.ChatMessageRoleUser
		}
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Params)
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(args),
				},
			})
		}
		out = append(out, msg)
	}
	return out
}
