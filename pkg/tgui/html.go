package tgui

import (
	"fmt"
	"html"
	"strings"
)

// H is HTML that is safe to send with ParseMode="HTML".
type H string

func (h H) String() string { return string(h) }

// Esc escapes text for Telegram HTML parse mode.
func Esc(s string) H { return H(html.EscapeString(s)) }

func wrap(tag string, inner H) H { return H("<" + tag + ">" + inner.String() + "</" + tag + ">") }

func B(s string) H    { return wrap("b", Esc(s)) }
func I(s string) H    { return wrap("i", Esc(s)) }
func Code(s string) H { return wrap("code", Esc(s)) }

// Link builds an anchor; both text and URL are escaped.
func Link(text, url string) H {
	return H(fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(url), html.EscapeString(text)))
}

// JoinH joins non-blank parts with sep.
func JoinH(sep string, parts ...H) H {
	ss := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p.String()) == "" {
			continue
		}
		ss = append(ss, p.String())
	}
	return H(strings.Join(ss, sep))
}

// Doc accumulates lines of a message.
type Doc struct {
	lines []H
}

func (d *Doc) Line(parts ...H) *Doc {
	d.lines = append(d.lines, JoinH("", parts...))
	return d
}

// Blank adds an empty line unless the document is empty or already ends with one.
func (d *Doc) Blank() *Doc {
	if n := len(d.lines); n > 0 && d.lines[n-1] != "" {
		d.lines = append(d.lines, "")
	}
	return d
}

func (d *Doc) H() H { return H(strings.Join(hs(d.lines), "\n")) }

func (d *Doc) String() string { return d.H().String() }

func hs(in []H) []string {
	out := make([]string, len(in))
	for i, h := range in {
		out[i] = string(h)
	}
	return out
}
