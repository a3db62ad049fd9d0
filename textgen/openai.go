package textgen

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go"
	openaiopt "github.com/openai/openai-go/option"

	"github.com/hazyhaar/snaplinked/core"
)

// DefaultOpenAIModel is used when no model is configured.
const DefaultOpenAIModel = "gpt-4o-mini"

// OpenAI generates comments with any OpenAI-compatible chat endpoint.
type OpenAI struct {
	client openai.Client
	model  string
}

// NewOpenAI creates an OpenAI generator. baseURL may be empty.
func NewOpenAI(apiKey, baseURL, model string) (*OpenAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("textgen: openai: api key required")
	}
	if model == "" {
		model = DefaultOpenAIModel
	}
	opts := []openaiopt.RequestOption{openaiopt.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, openaiopt.WithBaseURL(baseURL))
	}
	return &OpenAI{client: openai.NewClient(opts...), model: model}, nil
}

func (o *OpenAI) Generate(ctx context.Context, req Request) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			{OfSystem: &openai.ChatCompletionSystemMessageParam{
				Content: openai.ChatCompletionSystemMessageParamContentUnion{OfString: openai.String(systemPrompt)},
			}},
			{OfUser: &openai.ChatCompletionUserMessageParam{
				Content: openai.ChatCompletionUserMessageParamContentUnion{OfString: openai.String(Prompt(req))},
			}},
		},
		MaxCompletionTokens: openai.Int(int64(req.maxLen())),
		Temperature:         openai.Float(0.8),
	}
	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", core.E(core.ErrDependency, "textgen: openai", err)
	}
	if len(resp.Choices) == 0 {
		return "", core.E(core.ErrDependency, "textgen: openai", ErrEmpty)
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", core.E(core.ErrDependency, "textgen: openai", ErrEmpty)
	}
	return Finish(text, req.maxLen()), nil
}
