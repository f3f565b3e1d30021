package push

import (
	"html"
	"strings"
	"unicode/utf8"
)

// htmlText is Telegram HTML (ParseMode HTML) that is already escaped.
type htmlText string

func esc(s string) htmlText { return htmlText(html.EscapeString(s)) }

func wrap(tag string, inner htmlText) htmlText {
	return htmlText("<" + tag + ">" + string(inner) + "</" + tag + ">")
}

func bold(s string) htmlText   { return wrap("b", esc(s)) }
func italic(s string) htmlText { return wrap("i", esc(s)) }

// joinHTML joins non-blank parts with sep.
func joinHTML(sep string, parts ...htmlText) htmlText {
	ss := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(string(p)) != "" {
			ss = append(ss, string(p))
		}
	}
	return htmlText(strings.Join(ss, sep))
}

// truncRunes cuts s to at most n runes, appending "…" when cut.
func truncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count, cut := 0, 0
	for i, r := range s {
		count++
		if count == n {
			cut = i + utf8.RuneLen(r)
			continue
		}
		if count > n {
			return s[:cut] + "…"
		}
	}
	return s
}
