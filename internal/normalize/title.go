// Package normalize canonicalises article titles and converts raw wikitext
// into plain structured text. Both transforms are pure functions of their
// input: no locale, clock or map-iteration order is involved.
package normalize

import (
	"html"
	"strings"
	"unicode"
	"unicode/utf8"
)

// TitleRuleVersion identifies the rule implemented by Title. It is recorded
// in the title index header; bump it whenever Title changes behaviour.
const TitleRuleVersion = 1

const disambiguationSuffix = " (disambiguation)"

// Title returns the canonical lookup key for a title:
//
//  1. decode XML/HTML character entities
//  2. replace underscores with spaces
//  3. collapse runs of Unicode whitespace to one space and trim
//  4. strip one trailing " (disambiguation)", ignoring case
//  5. upper-case the first rune
//
// Case is otherwise preserved, so "Apple" and "Apple (disambiguation)" share
// a key while "Apple" and "APPLE" do not.
func Title(raw string) string {
	s := collapse(raw)
	if n := len(s) - len(disambiguationSuffix); n > 0 && strings.EqualFold(s[n:], disambiguationSuffix) {
		s = strings.TrimRight(s[:n], " ")
	}
	return upperFirst(s)
}

// Prefix normalises typeahead input. It applies the same rule as Title but
// keeps a single trailing space and never strips the disambiguation
// qualifier, so "New " matches "New York" but not "Newark".
func Prefix(raw string) string {
	s := html.UnescapeString(raw)
	trailing := s != "" && endsWithSpace(strings.ReplaceAll(s, "_", " "))
	s = collapse(raw)
	if trailing && s != "" {
		s += " "
	}
	return upperFirst(s)
}

func collapse(raw string) string {
	s := html.UnescapeString(raw)
	s = strings.ReplaceAll(s, "_", " ")
	return strings.Join(strings.Fields(s), " ")
}

func endsWithSpace(s string) bool {
	r, _ := utf8.DecodeLastRuneInString(s)
	return unicode.IsSpace(r)
}

func upperFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if size == 0 || r == utf8.RuneError {
		return s
	}
	u := unicode.ToUpper(r)
	if u == r {
		return s
	}
	return string(u) + s[size:]
}
