// Package textgen produces short LinkedIn comments and messages.
//
// A Generator turns a post excerpt and a tone into one comment. Gemini and
// OpenAI call hosted models; Templates picks from a fixed pool and never
// fails, which makes it the fallback the executors use when a model is
// slow or unavailable. Every generated text goes through Finish.
package textgen

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// ErrEmpty is returned when a model answered without text.
var ErrEmpty = errors.New("textgen: empty response")

// Tone selects the prompt and the maximum comment length.
type Tone string

const (
	ToneProfessional Tone = "profissional"
	ToneCasual       Tone = "casual"
	ToneExpert       Tone = "especialista"
)

// ParseTone maps s to a Tone, defaulting to ToneProfessional.
func ParseTone(s string) Tone {
	switch t := Tone(strings.ToLower(strings.TrimSpace(s))); t {
	case ToneCasual, ToneExpert:
		return t
	}
	return ToneProfessional
}

// MaxLen is the longest comment allowed for t, in characters.
func (t Tone) MaxLen() int {
	switch t {
	case ToneCasual:
		return 100
	case ToneExpert:
		return 200
	}
	return 150
}

// Request is one generation call.
type Request struct {
	// Context is the post excerpt the comment answers.
	Context string
	Tone    Tone
	// MaxLen overrides Tone.MaxLen when positive.
	MaxLen int
}

func (r Request) maxLen() int {
	if r.MaxLen > 0 {
		return r.MaxLen
	}
	return r.Tone.MaxLen()
}

// Generator writes one comment for a request.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Chain tries each generator in order and returns the first success.
type Chain []Generator

func (c Chain) Generate(ctx context.Context, req Request) (string, error) {
	var errs []error
	for _, g := range c {
		out, err := g.Generate(ctx, req)
		if err == nil {
			return out, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return "", fmt.Errorf("textgen: no generator configured")
	}
	return "", errors.Join(errs...)
}

var prompts = map[Tone]string{
	ToneProfessional: `Como um profissional experiente no LinkedIn, gere um comentário contextual e engajador para este post:

Contexto do Post: %s

Diretrizes:
- Tom profissional e respeitoso
- Máximo %d caracteres
- Adicione valor à discussão
- Use emojis moderadamente (máximo 2)
- Seja autêntico e relevante
- Evite ser genérico

Responda apenas com o comentário, sem explicações adicionais.`,
	ToneCasual: `Gere um comentário casual e amigável para este post do LinkedIn:

Contexto: %s

Estilo:
- Tom casual mas profissional
- Máximo %d caracteres
- Use emojis (2-3)
- Seja genuíno
- Mostre interesse real

Apenas o comentário:`,
	ToneExpert: `Como especialista na área, comente este post com insights valiosos:

Post: %s

Características:
- Demonstre conhecimento técnico
- Máximo %d caracteres
- Adicione perspectiva única
- Tom de autoridade mas acessível
- 1-2 emojis relevantes

Comentário:`,
}

const systemPrompt = "Você escreve comentários curtos em português do Brasil para posts do LinkedIn."

// Prompt renders the user prompt for req.
func Prompt(req Request) string {
	p, ok := prompts[req.Tone]
	if !ok {
		p = prompts[ToneProfessional]
	}
	ctx := strings.TrimSpace(req.Context)
	if ctx == "" {
		ctx = "(post sem texto)"
	}
	return fmt.Sprintf(p, ctx, req.maxLen())
}

var strict = bluemonday.StrictPolicy()

// Finish strips markup and surrounding quotes from model output, collapses
// whitespace and truncates to maxLen characters with a trailing "...".
func Finish(text string, maxLen int) string {
	text = html.UnescapeString(strict.Sanitize(text))
	text = strings.Join(strings.Fields(text), " ")
	text = strings.Trim(text, "\"'“”")
	text = strings.TrimSpace(text)
	return Truncate(text, maxLen)
}

// Truncate cuts s to at most n runes, ending in "..." when cut.
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	if n <= 3 {
		return string(r[:n])
	}
	return strings.TrimSpace(string(r[:n-3])) + "..."
}
