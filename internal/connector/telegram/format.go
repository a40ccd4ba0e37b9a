package telegram

import (
	"regexp"
	"strings"
)

var (
	reFence  = regexp.MustCompile("(?s)```[a-zA-Z0-9_-]*\n?(.*?)```")
	reCode   = regexp.MustCompile("`([^`\n]+)`")
	reBold   = regexp.MustCompile(`\*\*(.+?)\*\*`)
	reItalic = regexp.MustCompile(`\*([^*\n]+)\*`)
	reLink   = regexp.MustCompile(`\[([^\]]+)\]\(([^)\s]+)\)`)
)

// MarkdownToHTML converts the Markdown used in notices to Telegram's HTML
// subset. Code spans and fences are escaped verbatim; everything else is
// escaped before bold, italic and links are applied.
func MarkdownToHTML(md string) string {
	var protected []string
	protect := func(html string) string {
		protected = append(protected, html)
		return "\x00" + string(rune('A'+len(protected)-1)) + "\x00"
	}

	out := reFence.ReplaceAllStringFunc(md, func(m string) string {
		body := reFence.FindStringSubmatch(m)[1]
		return protect("<pre>" + escapeHTML(strings.TrimSuffix(body, "\n")) + "</pre>")
	})
	out = reCode.ReplaceAllStringFunc(out, func(m string) string {
		return protect("<code>" + escapeHTML(reCode.FindStringSubmatch(m)[1]) + "</code>")
	})

	out = escapeHTML(out)
	out = reBold.ReplaceAllString(out, "<b>$1</b>")
	out = reItalic.ReplaceAllString(out, "<i>$1</i>")
	out = reLink.ReplaceAllString(out, `<a href="$2">$1</a>`)

	for i, html := range protected {
		out = strings.Replace(out, "\x00"+string(rune('A'+i))+"\x00", html, 1)
	}
	return out
}

// escapeHTML escapes the three characters Telegram's HTML parser requires.
func escapeHTML(s string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(s)
}
