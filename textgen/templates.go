package textgen

import (
	"context"
	"strings"
)

// DefaultTemplates is the comment pool used when a job brings none.
var DefaultTemplates = []string{
	"Excelente conteúdo! 👏",
	"Muito interessante, obrigado por compartilhar!",
	"Concordo totalmente com sua visão.",
	"Ótima reflexão! 💡",
	"Parabéns pelo post inspirador!",
}

// Picker is the randomness Templates needs; clock.Clock satisfies it.
type Picker interface {
	Intn(n int) int
}

// Templates picks a random entry from a fixed pool. It never fails.
type Templates struct {
	Pool []string
	Rand Picker
}

// Pick returns a random non-empty template of pool, or of
// DefaultTemplates when pool has none.
func Pick(r Picker, pool []string) string {
	usable := make([]string, 0, len(pool))
	for _, t := range pool {
		if strings.TrimSpace(t) != "" {
			usable = append(usable, t)
		}
	}
	if len(usable) == 0 {
		usable = DefaultTemplates
	}
	return usable[r.Intn(len(usable))]
}

func (t Templates) Generate(_ context.Context, req Request) (string, error) {
	return Truncate(Pick(t.Rand, t.Pool), req.maxLen()), nil
}

// Render substitutes {name} and {first_name} in a follow-up template.
func Render(tmpl, name string) string {
	first := name
	if f := strings.Fields(name); len(f) > 0 {
		first = f[0]
	}
	r := strings.NewReplacer("{name}", name, "{first_name}", first)
	return strings.TrimSpace(r.Replace(tmpl))
}
