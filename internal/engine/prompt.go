package engine

import "strings"

// RenderTemplate substitutes {{variable}} placeholders from vars. Unknown
// placeholders render as empty strings; surrounding whitespace inside the
// braces is tolerated.
func RenderTemplate(tmpl string, vars map[string]string) string {
	var b strings.Builder
	for {
		open := strings.Index(tmpl, "{{")
		if open < 0 {
			b.WriteString(tmpl)
			return b.String()
		}
		close := strings.Index(tmpl[open:], "}}")
		if close < 0 {
			b.WriteString(tmpl)
			return b.String()
		}
		close += open
		b.WriteString(tmpl[:open])
		name := strings.TrimSpace(tmpl[open+2 : close])
		b.WriteString(vars[name])
		tmpl = tmpl[close+2:]
	}
}
