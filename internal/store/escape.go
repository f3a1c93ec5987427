package store

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
)

const (
	fileExt = ".txt"
	// MaxNameBytes bounds the escaped title part of a file name, leaving
	// room for the variant suffix and extension under the usual 255-byte
	// limit.
	MaxNameBytes = 200
	variantSpace = 1_000_000
)

// Escape makes title safe as a single path segment. Path separators, '%',
// control characters, characters reserved on common filesystems, a leading
// '.', trailing spaces or dots and a trailing ".<digits>" (which would read
// as a variant suffix) are written as %XX. Unescape inverts it.
func Escape(title string) string {
	var b strings.Builder
	b.Grow(len(title) + 8)
	for i := 0; i < len(title); i++ {
		c := title[i]
		if mustEscape(c) || (i == 0 && c == '.') {
			fmt.Fprintf(&b, "%%%02X", c)
			continue
		}
		b.WriteByte(c)
	}
	s := b.String()

	// trailing spaces and dots are dropped by some filesystems
	end := len(s)
	for end > 0 && (s[end-1] == ' ' || s[end-1] == '.') {
		end--
	}
	if end < len(s) {
		var t strings.Builder
		t.WriteString(s[:end])
		for i := end; i < len(s); i++ {
			fmt.Fprintf(&t, "%%%02X", s[i])
		}
		s = t.String()
	}

	if dot := strings.LastIndexByte(s, '.'); dot >= 0 && isDigits(s[dot+1:]) {
		s = s[:dot] + "%2E" + s[dot+1:]
	}
	return s
}

func mustEscape(c byte) bool {
	switch {
	case c < 0x20, c == 0x7f:
		return true
	}
	return strings.IndexByte(`%/\:*?"<>|`, c) >= 0
}

// Unescape reverses Escape. Malformed escapes are an error.
func Unescape(name string) (string, error) {
	if !strings.Contains(name, "%") {
		return name, nil
	}
	var b strings.Builder
	b.Grow(len(name))
	for i := 0; i < len(name); i++ {
		if name[i] != '%' {
			b.WriteByte(name[i])
			continue
		}
		if i+2 >= len(name) {
			return "", fmt.Errorf("truncated escape in %q", name)
		}
		v, err := strconv.ParseUint(name[i+1:i+3], 16, 8)
		if err != nil {
			return "", fmt.Errorf("bad escape %q in %q", name[i:i+3], name)
		}
		b.WriteByte(byte(v))
		i += 2
	}
	return b.String(), nil
}

// FileName returns the file name of a document. A title whose page was
// stored under a different source title, or whose escaped form is too long,
// gets a ".<n>" variant suffix derived from the source title, so reruns
// always pick the same one. Store.Write moves to the next variant when two
// sources hash alike.
func FileName(title, sourceTitle string) string {
	return variantName(title, sourceTitle, 0)
}

// variantName is FileName with the variant advanced by bump. Any bump forces
// a suffix.
func variantName(title, sourceTitle string, bump uint64) string {
	name := Escape(title)
	truncated := false
	if len(name) > MaxNameBytes {
		name = truncate(name, MaxNameBytes)
		truncated = true
	}
	if sourceTitle == "" {
		sourceTitle = title
	}
	if truncated || sourceTitle != title || bump > 0 {
		v := (Variant(sourceTitle)-1+bump)%variantSpace + 1
		name += "." + strconv.FormatUint(v, 10)
	}
	return name + fileExt
}

// Variant is the deterministic variant number for a source title, in
// [1, 1e6].
func Variant(sourceTitle string) uint64 {
	return xxhash.Sum64String(sourceTitle)%variantSpace + 1
}

// ParseFileName splits a document file name into its title and variant
// (zero when absent). A truncated title comes back truncated.
func ParseFileName(name string) (title string, variant uint64, err error) {
	base, ok := strings.CutSuffix(name, fileExt)
	if !ok {
		return "", 0, fmt.Errorf("not a document file: %q", name)
	}
	if dot := strings.LastIndexByte(base, '.'); dot >= 0 && isDigits(base[dot+1:]) {
		variant, err = strconv.ParseUint(base[dot+1:], 10, 64)
		if err != nil {
			return "", 0, fmt.Errorf("bad variant in %q: %w", name, err)
		}
		base = base[:dot]
	}
	title, err = Unescape(base)
	return title, variant, err
}

// truncate cuts s to at most n bytes without splitting a %XX escape or a
// UTF-8 sequence, then drops trailing spaces and dots.
func truncate(s string, n int) string {
	cut := n
	if cut >= 1 && s[cut-1] == '%' {
		cut--
	} else if cut >= 2 && s[cut-2] == '%' {
		cut -= 2
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	t := s[:cut]
	for len(t) > 0 && (t[len(t)-1] == ' ' || t[len(t)-1] == '.') {
		t = t[:len(t)-1]
	}
	return t
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
