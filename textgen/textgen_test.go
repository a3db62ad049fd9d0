package textgen_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/hazyhaar/snaplinked/core"
	"github.com/hazyhaar/snaplinked/textgen"
)

type seq []int

func (s *seq) Intn(n int) int {
	if len(*s) == 0 {
		return 0
	}
	v := (*s)[0]
	*s = (*s)[1:]
	return v % n
}

func TestToneLimits(t *testing.T) {
	cases := map[string]int{"profissional": 150, "casual": 100, "especialista": 200, "": 150, "weird": 150, "CASUAL": 100}
	for in, want := range cases {
		if got := textgen.ParseTone(in).MaxLen(); got != want {
			t.Errorf("ParseTone(%q).MaxLen() = %d, want %d", in, got, want)
		}
	}
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("é", 160)
	got := textgen.Truncate(long, 150)
	if utf8.RuneCountInString(got) != 150 || !strings.HasSuffix(got, "...") {
		t.Fatalf("got %d runes: %q", utf8.RuneCountInString(got), got)
	}
	if textgen.Truncate("curto", 150) != "curto" {
		t.Fatal("short text changed")
	}
}

func TestFinishStripsMarkupAndQuotes(t *testing.T) {
	got := textgen.Finish("  \"Ótimo <b>post</b>,\n  parabéns & sucesso!\" ", 100)
	if got != "Ótimo post, parabéns & sucesso!" {
		t.Fatalf("got %q", got)
	}
}

func TestExcerpt(t *testing.T) {
	in := `<div class="update"><script>alert(1)</script><p>Lançamos o <a href="https://x.test/p">novo produto</a> hoje.</p><img src="a.png" alt="foto"></div>`
	got := textgen.Excerpt(in)
	if strings.Contains(got, "alert") || strings.Contains(got, "https://") || strings.Contains(got, "foto") {
		t.Fatalf("excerpt kept noise: %q", got)
	}
	if !strings.Contains(got, "Lançamos o novo produto hoje.") {
		t.Fatalf("excerpt = %q", got)
	}
}

func TestTemplatesPick(t *testing.T) {
	r := seq{1, 7}
	if got := textgen.Pick(&r, []string{"a", " ", "b"}); got != "b" {
		t.Fatalf("got %q", got)
	}
	// Empty pool falls back to the defaults.
	if got := textgen.Pick(&r, nil); got != textgen.DefaultTemplates[2] {
		t.Fatalf("got %q", got)
	}
	g := textgen.Templates{Rand: &seq{}}
	out, err := g.Generate(context.Background(), textgen.Request{Tone: textgen.ToneCasual})
	if err != nil || out != textgen.DefaultTemplates[0] {
		t.Fatalf("got %q %v", out, err)
	}
}

func TestRender(t *testing.T) {
	got := textgen.Render("Oi {first_name}, obrigado pela conexão, {name}!", "Ana Souza")
	if got != "Oi Ana, obrigado pela conexão, Ana Souza!" {
		t.Fatalf("got %q", got)
	}
}

type failing struct{ err error }

func (f failing) Generate(context.Context, textgen.Request) (string, error) { return "", f.err }

func TestChainFallsBack(t *testing.T) {
	c := textgen.Chain{failing{errors.New("down")}, textgen.Templates{Pool: []string{"ok"}, Rand: &seq{}}}
	got, err := c.Generate(context.Background(), textgen.Request{})
	if err != nil || got != "ok" {
		t.Fatalf("got %q %v", got, err)
	}
	if _, err := (textgen.Chain{}).Generate(context.Background(), textgen.Request{}); err == nil {
		t.Fatal("empty chain succeeded")
	}
}

func TestOpenAIGenerate(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"c1","object":"chat.completion","created":1,"model":"m",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"\"Muito bom <i>mesmo</i>!\""}}]}`)
	}))
	defer srv.Close()

	g, err := textgen.NewOpenAI("sk-test", srv.URL+"/", "m")
	if err != nil {
		t.Fatal(err)
	}
	got, err := g.Generate(context.Background(), textgen.Request{Context: "Post sobre Go", Tone: textgen.ToneCasual})
	if err != nil {
		t.Fatal(err)
	}
	if got != "Muito bom mesmo!" {
		t.Fatalf("got %q", got)
	}
	if !strings.Contains(body, "Post sobre Go") || !strings.Contains(body, "100 caracteres") {
		t.Fatalf("prompt not sent: %s", body)
	}
}

func TestOpenAIErrorIsDependency(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":{"message":"bad","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	g, _ := textgen.NewOpenAI("sk-test", srv.URL+"/", "m")
	_, err := g.Generate(context.Background(), textgen.Request{Context: "x"})
	if core.KindOf(err) != core.ErrDependency {
		t.Fatalf("err = %v", err)
	}
}
