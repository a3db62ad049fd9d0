package textgen

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/hazyhaar/snaplinked/core"
)

// DefaultGeminiModel is used when no model is configured.
const DefaultGeminiModel = "gemini-1.5-flash"

// Gemini generates comments with the Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini creates a Gemini generator.
func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("textgen: gemini: api key required")
	}
	if model == "" {
		model = DefaultGeminiModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("textgen: gemini client: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

func (g *Gemini) Generate(ctx context.Context, req Request) (string, error) {
	contents := []*genai.Content{genai.NewContentFromText(Prompt(req), genai.RoleUser)}
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		Temperature:       genai.Ptr(float32(0.8)),
		// Tokens, not characters; leave room for emojis and accents.
		MaxOutputTokens: int32(req.maxLen()),
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return "", core.E(core.ErrDependency, "textgen: gemini", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", core.E(core.ErrDependency, "textgen: gemini", ErrEmpty)
	}
	return Finish(text, req.maxLen()), nil
}
