package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
)

const defaultAnthropicMaxTokens = 4096

// AnthropicGenerator calls the Messages API with tool_use support.
type AnthropicGenerator struct {
	client       *anthropic.Client
	defaultModel string
}

// NewAnthropicGenerator builds a client. An empty apiKey defers to ANTHROPIC_API_KEY.
func NewAnthropicGenerator(apiKey, baseURL, defaultModel string, httpClient *http.Client) *AnthropicGenerator {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	client := anthropic.NewClient(opts...)
	if defaultModel == "" {
		defaultModel = string(anthropic.ModelClaude3_5Sonnet20241022)
	}
	return &AnthropicGenerator{client: &client, defaultModel: defaultModel}
}

func (g *AnthropicGenerator) Generate(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = g.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	var system []anthropic.TextBlockParam
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		switch m.Role {
		case RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
		case RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(req.Temperature),
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, len(req.Tools))
		for i, t := range req.Tools {
			schema := anthropic.ToolInputSchemaParam{Type: constant.Object("object")}
			if props, ok := t.Parameters["properties"]; ok {
				schema.Properties = props
			}
			if required, ok := t.Parameters["required"].([]string); ok {
				schema.Required = required
			}
			tools[i] = anthropic.ToolUnionParamOfTool(schema, t.Name)
			if tools[i].OfTool != nil && t.Description != "" {
				tools[i].OfTool.Description = anthropic.String(t.Description)
			}
		}
		params.Tools = tools
	}

	resp, err := g.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic api error: %w", err)
	}

	out := &Response{
		Model:      string(resp.Model),
		TokensUsed: resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}
	var text strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.AsText().Text)
		case "tool_use":
			tu := block.AsToolUse()
			raw, _ := json.Marshal(tu.Input)
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        tu.ID,
				Name:      tu.Name,
				Arguments: decodeArguments(raw),
			})
		}
	}
	out.Content = text.String()
	if out.Content == "" && len(out.ToolCalls) == 0 {
		return nil, ErrNoChoices
	}
	return out, nil
}
