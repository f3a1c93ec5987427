package normalize

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/markup"
	apperrors "github.com/Adithya-Monish-Kumar-K/wikidex/pkg/errors"
)

// MaxNesting bounds template and table nesting. Deeper markup is rejected
// rather than recursed into.
const MaxNesting = 64

// UnsupportedMarkupError reports a page whose markup could not be reduced to
// text. The page is dropped; the run continues.
type UnsupportedMarkupError struct {
	Title  string
	Reason string
}

func (e *UnsupportedMarkupError) Error() string {
	return fmt.Sprintf("unsupported markup in %q: %s", e.Title, e.Reason)
}

func (e *UnsupportedMarkupError) Unwrap() error {
	return apperrors.ErrUnsupportedMarkup
}

var (
	commentRe   = regexp.MustCompile(`(?s)<!--.*?(?:-->|$)`)
	refRe       = regexp.MustCompile(`(?is)<ref[^>]*/>|<ref[^>]*>.*?</ref\s*>`)
	dropBlockRe = regexp.MustCompile(`(?is)<(math|gallery|timeline|score|syntaxhighlight|source)[^>]*>.*?</(?:math|gallery|timeline|score|syntaxhighlight|source)\s*>`)
	extLinkRe   = regexp.MustCompile(`\[(?:https?:)?//[^\s\]]+(?:\s+([^\]]*))?\]`)
	tagRe       = regexp.MustCompile(`</?[A-Za-z][^<>]*>`)
	magicRe     = regexp.MustCompile(`__[A-Z]+__`)
	styleRe     = regexp.MustCompile(`'{2,}`)
	headingRe   = regexp.MustCompile(`^(={1,6})\s*(.*?)\s*(={1,6})$`)
	listRe      = regexp.MustCompile(`^[*#:;]+\s*`)
	spaceRe     = regexp.MustCompile(`[ \t]{2,}`)
)

// dropped link namespaces; the link and its caption vanish
var mediaNamespaces = []string{"file:", "image:", "category:", "media:"}

// sections that end the article body
var boilerplate = map[string]bool{
	"references":      true,
	"see also":        true,
	"external links":  true,
	"further reading": true,
	"notes":           true,
	"footnotes":       true,
	"bibliography":    true,
}

// Body converts a page's raw wikitext into the document text stored for it:
// a "# <title>" line, a blank line, then the article text. Headings keep
// their level as a run of '#', list items become "- ", link targets and
// labels are kept as plain text, everything else structural is removed.
func Body(rec markup.PageRecord) (string, error) {
	title := Title(rec.Title)
	text, err := Wikitext(string(rec.RawBody))
	if err != nil {
		return "", &UnsupportedMarkupError{Title: title, Reason: err.Error()}
	}
	if text == "" {
		return "", &UnsupportedMarkupError{Title: title, Reason: "no text after normalization"}
	}
	return "# " + title + "\n\n" + text + "\n", nil
}

// Wikitext reduces raw wikitext to plain structured text. The error is a
// bare reason; Body wraps it.
func Wikitext(s string) (string, error) {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = commentRe.ReplaceAllString(s, "")
	s = refRe.ReplaceAllString(s, "")
	s = dropBlockRe.ReplaceAllString(s, "")

	s, err := stripTemplates(s)
	if err != nil {
		return "", err
	}
	s, err = stripTables(s)
	if err != nil {
		return "", err
	}
	s = resolveLinks(s)
	s = extLinkRe.ReplaceAllString(s, "$1")
	s = tagRe.ReplaceAllString(s, "")
	s = magicRe.ReplaceAllString(s, "")
	s = styleRe.ReplaceAllString(s, "")
	return layout(s), nil
}

// stripTemplates removes {{...}} including nested and triple-brace
// parameters.
func stripTemplates(s string) (string, error) {
	if !strings.Contains(s, "{{") && !strings.Contains(s, "}}") {
		return s, nil
	}
	var b strings.Builder
	b.Grow(len(s))
	depth := 0
	for i := 0; i < len(s); {
		switch {
		case strings.HasPrefix(s[i:], "{{"):
			depth++
			if depth > MaxNesting {
				return "", fmt.Errorf("templates nested deeper than %d", MaxNesting)
			}
			i += 2
		case strings.HasPrefix(s[i:], "}}"):
			if depth == 0 {
				return "", fmt.Errorf("unbalanced template close at byte %d", i)
			}
			depth--
			i += 2
			// closing a {{{param}}} leaves one brace behind
			if depth == 0 && i < len(s) && s[i] == '}' {
				i++
			}
		default:
			if depth == 0 {
				b.WriteByte(s[i])
			}
			i++
		}
	}
	if depth != 0 {
		return "", fmt.Errorf("%d unclosed templates", depth)
	}
	return b.String(), nil
}

// stripTables removes {| ... |} blocks. Table delimiters are only
// recognised at the start of a line.
func stripTables(s string) (string, error) {
	if !strings.Contains(s, "{|") && !strings.Contains(s, "|}") {
		return s, nil
	}
	lines := strings.Split(s, "\n")
	out := lines[:0]
	depth := 0
	for _, line := range lines {
		t := strings.TrimLeft(line, " \t:")
		switch {
		case strings.HasPrefix(t, "{|"):
			depth++
			if depth > MaxNesting {
				return "", fmt.Errorf("tables nested deeper than %d", MaxNesting)
			}
		case strings.HasPrefix(t, "|}"):
			if depth == 0 {
				return "", fmt.Errorf("unbalanced table close")
			}
			depth--
		case depth == 0:
			out = append(out, line)
		}
	}
	if depth != 0 {
		return "", fmt.Errorf("%d unclosed tables", depth)
	}
	return strings.Join(out, "\n"), nil
}

// resolveLinks replaces [[target|label]] with label and [[target]] with
// target. Media and category links are removed along with any links nested
// in their captions. An unclosed "[[" is kept as text.
func resolveLinks(s string) string {
	if !strings.Contains(s, "[[") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for {
		i := strings.Index(s, "[[")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		end := matchLink(s, i)
		if end < 0 {
			b.WriteString(s[i:])
			return b.String()
		}
		b.WriteString(linkText(s[i+2 : end-2]))
		s = s[end:]
	}
}

// matchLink returns the index just past the "]]" closing the link opened
// at start, or -1.
func matchLink(s string, start int) int {
	depth := 0
	for i := start; i < len(s)-1; {
		switch {
		case s[i] == '[' && s[i+1] == '[':
			depth++
			i += 2
		case s[i] == ']' && s[i+1] == ']':
			depth--
			i += 2
			if depth == 0 {
				return i
			}
		default:
			i++
		}
	}
	return -1
}

func linkText(inner string) string {
	target := strings.TrimLeft(inner, " :")
	lower := strings.ToLower(target)
	for _, ns := range mediaNamespaces {
		if strings.HasPrefix(lower, ns) {
			return ""
		}
	}
	if pipe := strings.IndexByte(inner, '|'); pipe >= 0 {
		label := strings.TrimSpace(inner[pipe+1:])
		if label != "" {
			return resolveLinks(label)
		}
		// pipe trick: [[Paris, Texas|]] renders as "Paris"
		target = strings.TrimSpace(inner[:pipe])
		if c := strings.IndexAny(target, ",("); c > 0 {
			target = strings.TrimSpace(target[:c])
		}
		return target
	}
	return strings.TrimSpace(inner)
}

// layout rewrites headings and list markers line by line, drops trailing
// boilerplate sections and collapses blank runs.
func layout(s string) string {
	var out []string
	blank := true
	for line := range strings.SplitSeq(s, "\n") {
		line = strings.TrimSpace(spaceRe.ReplaceAllString(line, " "))
		if line == "" {
			if !blank {
				out = append(out, "")
				blank = true
			}
			continue
		}
		if m := headingRe.FindStringSubmatch(line); m != nil {
			level := min(len(m[1]), len(m[3]))
			text := strings.TrimSpace(m[2])
			if level <= 2 && boilerplate[strings.ToLower(text)] {
				break
			}
			if text == "" {
				continue
			}
			if !blank {
				out = append(out, "")
			}
			out = append(out, strings.Repeat("#", level)+" "+text, "")
			blank = true
			continue
		}
		if loc := listRe.FindStringIndex(line); loc != nil {
			marker := line[:loc[1]]
			rest := line[loc[1]:]
			if rest == "" {
				continue
			}
			if strings.ContainsAny(marker, "*#") {
				line = "- " + rest
			} else {
				line = rest
			}
		}
		out = append(out, line)
		blank = false
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}
