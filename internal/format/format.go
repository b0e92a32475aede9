// Package format converts the lightweight markup produced by language models
// into the HTML subset accepted by Telegram.
//
// Input is escaped before any conversion, so the only tags in the output are
// the ones the lexer emits itself.
package format

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// ErrMalformed is returned when the produced markup fails the balance check.
var ErrMalformed = errors.New("format: malformed markup")

var escaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")

// Escape makes s safe to embed in Telegram HTML.
func Escape(s string) string {
	return escaper.Replace(s)
}

var (
	headerLine = regexp.MustCompile(`^#{1,6}\s+(.*?)\s*#*\s*$`)
	fenceLang  = regexp.MustCompile(`^[A-Za-z0-9_+#.-]+$`)
)

// Format renders raw as Telegram HTML. Any error means the caller should send
// raw unchanged with markup disabled.
func Format(raw string) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = "", fmt.Errorf("format: recovered: %v", r)
		}
	}()

	text := Escape(strings.ReplaceAll(raw, "\r\n", "\n"))
	lines := strings.Split(text, "\n")

	var b strings.Builder
	for i := 0; i < len(lines); i++ {
		if i > 0 {
			b.WriteByte('\n')
		}
		line := lines[i]

		if lang, ok := fenceOpen(line); ok {
			if end := fenceClose(lines, i+1); end >= 0 {
				writePre(&b, lang, strings.Join(lines[i+1:end], "\n"))
				i = end
				continue
			}
		}
		if m := headerLine.FindStringSubmatch(line); m != nil && m[1] != "" {
			b.WriteString("<b>")
			b.WriteString(inline([]rune(m[1])))
			b.WriteString("</b>")
			continue
		}
		b.WriteString(inline([]rune(line)))
	}

	out = b.String()
	if err := checkBalance(out); err != nil {
		return "", err
	}
	return out, nil
}

// RenderDeep renders a reasoning answer: the deliberation goes into a
// collapsed quote, the answer is formatted normally.
func RenderDeep(deliberation, answer string) (string, error) {
	formatted, err := Format(answer)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(deliberation) == "" {
		return formatted, nil
	}
	return "<blockquote expandable>" + Escape(deliberation) + "</blockquote>\n\n" + formatted, nil
}

// PlainDeep is the markup-free counterpart of RenderDeep.
func PlainDeep(deliberation, answer string) string {
	if strings.TrimSpace(deliberation) == "" {
		return answer
	}
	return deliberation + "\n\n" + answer
}

func fenceOpen(line string) (string, bool) {
	t := strings.TrimSpace(line)
	if !strings.HasPrefix(t, "```") {
		return "", false
	}
	lang := strings.TrimSpace(strings.TrimPrefix(t, "```"))
	if lang != "" && !fenceLang.MatchString(lang) {
		return "", false
	}
	return lang, true
}

func fenceClose(lines []string, from int) int {
	for j := from; j < len(lines); j++ {
		if strings.TrimSpace(lines[j]) == "```" {
			return j
		}
	}
	return -1
}

func writePre(b *strings.Builder, lang, body string) {
	if lang == "" {
		b.WriteString("<pre>")
		b.WriteString(body)
		b.WriteString("</pre>")
		return
	}
	b.WriteString(`<pre><code class="language-`)
	b.WriteString(lang)
	b.WriteString(`">`)
	b.WriteString(body)
	b.WriteString("</code></pre>")
}

// inline converts spans within one line of already escaped text.
func inline(rs []rune) string {
	var b strings.Builder
	for i := 0; i < len(rs); {
		switch rs[i] {
		case '`':
			if n, ok := codeSpan(&b, rs, i); ok {
				i = n
				continue
			}
			for i < len(rs) && rs[i] == '`' {
				b.WriteRune('`')
				i++
			}
			continue
		case '[':
			if n, ok := link(&b, rs, i); ok {
				i = n
				continue
			}
		case '*', '_':
			if n, ok := strong(&b, rs, i); ok {
				i = n
				continue
			}
			if n, ok := emphasis(&b, rs, i); ok {
				i = n
				continue
			}
		}
		b.WriteRune(rs[i])
		i++
	}
	return b.String()
}

// codeSpan handles a backtick run closed by a run of the same length.
func codeSpan(b *strings.Builder, rs []rune, i int) (int, bool) {
	n := runLen(rs, i, '`')
	for j := i + n; j < len(rs); {
		if rs[j] != '`' {
			j++
			continue
		}
		m := runLen(rs, j, '`')
		if m == n && j > i+n {
			b.WriteString("<code>")
			b.WriteString(string(rs[i+n : j]))
			b.WriteString("</code>")
			return j + m, true
		}
		j += m
	}
	return 0, false
}

var linkSchemes = []string{"http://", "https://", "tg://", "mailto:"}

// link handles [label](url) for a fixed set of URL schemes.
func link(b *strings.Builder, rs []rune, i int) (int, bool) {
	closeLabel := indexRune(rs, i+1, ']')
	if closeLabel <= i+1 || closeLabel+1 >= len(rs) || rs[closeLabel+1] != '(' {
		return 0, false
	}
	closeURL := indexRune(rs, closeLabel+2, ')')
	if closeURL < 0 {
		return 0, false
	}
	url := strings.TrimSpace(string(rs[closeLabel+2 : closeURL]))
	if url == "" || strings.ContainsAny(url, " \t") || !allowedScheme(url) {
		return 0, false
	}
	b.WriteString(`<a href="`)
	b.WriteString(url)
	b.WriteString(`">`)
	b.WriteString(inline(rs[i+1 : closeLabel]))
	b.WriteString("</a>")
	return closeURL + 1, true
}

func allowedScheme(url string) bool {
	lower := strings.ToLower(url)
	for _, s := range linkSchemes {
		if strings.HasPrefix(lower, s) {
			return true
		}
	}
	return false
}

// strong handles **x** and __x__. Underscores additionally need word
// boundaries so snake__case identifiers survive.
func strong(b *strings.Builder, rs []rune, i int) (int, bool) {
	c := rs[i]
	if i+1 >= len(rs) || rs[i+1] != c {
		return 0, false
	}
	if c == '_' && isWord(at(rs, i-1)) {
		return 0, false
	}
	start := i + 2
	if start >= len(rs) || unicode.IsSpace(rs[start]) {
		return 0, false
	}
	for j := start + 1; j+1 < len(rs); j++ {
		if rs[j] != c || rs[j+1] != c {
			continue
		}
		if unicode.IsSpace(rs[j-1]) {
			continue
		}
		// A longer run closes with its last pair so ***x*** nests.
		for j+2 < len(rs) && rs[j+2] == c {
			j++
		}
		if c == '_' && isWord(at(rs, j+2)) {
			continue
		}
		b.WriteString("<b>")
		b.WriteString(inline(rs[start:j]))
		b.WriteString("</b>")
		return j + 2, true
	}
	return 0, false
}

// emphasis handles *x* and _x_. The opener must not follow a word character
// or precede whitespace; the closer must not follow whitespace or precede a
// word character. Neither may touch another copy of the marker. This keeps
// list bullets and 2*3*4 literal.
func emphasis(b *strings.Builder, rs []rune, i int) (int, bool) {
	c := rs[i]
	if prev := at(rs, i-1); isWord(prev) || prev == c {
		return 0, false
	}
	start := i + 1
	if start >= len(rs) || unicode.IsSpace(rs[start]) || rs[start] == c {
		return 0, false
	}
	j := indexRune(rs, start, c)
	if j < 0 || unicode.IsSpace(rs[j-1]) {
		return 0, false
	}
	if next := at(rs, j+1); isWord(next) || next == c {
		return 0, false
	}
	b.WriteString("<i>")
	b.WriteString(inline(rs[start:j]))
	b.WriteString("</i>")
	return j + 1, true
}

func runLen(rs []rune, i int, c rune) int {
	n := 0
	for i+n < len(rs) && rs[i+n] == c {
		n++
	}
	return n
}

func indexRune(rs []rune, from int, c rune) int {
	for j := from; j < len(rs); j++ {
		if rs[j] == c {
			return j
		}
	}
	return -1
}

// at returns rs[i], or 0 when i is out of range.
func at(rs []rune, i int) rune {
	if i < 0 || i >= len(rs) {
		return 0
	}
	return rs[i]
}

func isWord(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

var tagPattern = regexp.MustCompile(`<(/?)([a-z]+)[^>]*>`)

var allowedTags = map[string]bool{"b": true, "i": true, "code": true, "pre": true, "a": true, "blockquote": true}

// checkBalance verifies that every emitted tag is known and properly nested.
func checkBalance(s string) error {
	var stack []string
	for _, m := range tagPattern.FindAllStringSubmatch(s, -1) {
		name := m[2]
		if !allowedTags[name] {
			return fmt.Errorf("%w: unexpected tag %q", ErrMalformed, name)
		}
		if m[1] == "" {
			stack = append(stack, name)
			continue
		}
		if len(stack) == 0 || stack[len(stack)-1] != name {
			return fmt.Errorf("%w: unbalanced </%s>", ErrMalformed, name)
		}
		stack = stack[:len(stack)-1]
	}
	if len(stack) > 0 {
		return fmt.Errorf("%w: unclosed <%s>", ErrMalformed, stack[len(stack)-1])
	}
	return nil
}
