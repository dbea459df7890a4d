package llm

import (
	"context"
	"fmt"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIGenerator calls the Chat Completions API with function tools.
type OpenAIGenerator struct {
	client       *openai.Client
	defaultModel string
}

// NewOpenAIGenerator builds a client. An empty apiKey defers to OPENAI_API_KEY;
// a nil httpClient uses the SDK default.
func NewOpenAIGenerator(apiKey, baseURL, defaultModel string, httpClient *http.Client) *OpenAIGenerator {
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
	client := openai.NewClient(opts...)
	return NewOpenAIGeneratorFromClient(&client, defaultModel)
}

// NewOpenAIGeneratorFromClient wraps an existing client.
func NewOpenAIGeneratorFromClient(client *openai.Client, defaultModel string) *OpenAIGenerator {
	if defaultModel == "" {
		defaultModel = openai.ChatModelGPT4oMini
	}
	return &OpenAIGenerator{client: client, defaultModel: defaultModel}
}

func (g *OpenAIGenerator) Generate(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = g.defaultModel
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			messages = append(messages, openai.SystemMessage(m.Content))
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Messages:    messages,
		Model:       model,
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(req.MaxTokens)
	}
	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, len(req.Tools))
		for i, t := range req.Tools {
			tools[i] = openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        t.Name,
					Description: openai.String(t.Description),
					Parameters:  t.Parameters,
				},
			}
		}
		params.Tools = tools
	}

	resp, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrNoChoices
	}

	msg := resp.Choices[0].Message
	out := &Response{
		Content:    msg.Content,
		Model:      resp.Model,
		TokensUsed: resp.Usage.TotalTokens,
	}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: decodeArguments([]byte(tc.Function.Arguments)),
		})
	}
	return out, nil
}
