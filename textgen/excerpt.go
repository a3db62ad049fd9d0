package textgen

import (
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/microcosm-cc/bluemonday"
)

// ExcerptLen bounds the post context sent to a model.
const ExcerptLen = 1000

var (
	ugc = bluemonday.UGCPolicy()
	md  = converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
		),
	)
)

// Excerpt converts a post's HTML into a compact markdown excerpt. Scripts,
// handlers and tracking attributes are removed before conversion. Images
// and links keep only their text.
func Excerpt(postHTML string) string {
	clean := ugc.Sanitize(postHTML)
	out, err := md.ConvertString(clean)
	if err != nil {
		out = strict.Sanitize(clean)
	}
	out = stripLinks(out)
	out = strings.Join(strings.Fields(out), " ")
	return Truncate(out, ExcerptLen)
}

// stripLinks turns "[text](url)" into "text" and drops "![alt](src)".
func stripLinks(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); {
		img := strings.HasPrefix(s[i:], "![")
		if s[i] == '[' || img {
			start := i + 1
			if img {
				start++
			}
			closeText := strings.Index(s[start:], "](")
			if closeText >= 0 {
				end := strings.IndexByte(s[start+closeText+2:], ')')
				if end >= 0 {
					if !img {
						b.WriteString(s[start : start+closeText])
					}
					i = start + closeText + 2 + end + 1
					continue
				}
			}
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String()
}
