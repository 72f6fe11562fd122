// Package patch locates plain-text fragments inside markup-decorated
// document bodies and splices replacements into them.
//
// Location is tiered. An exact substring match always wins; a
// markup-tolerant match is only a fallback and is tagged as such so callers
// can ask the user to confirm. When neither tier finds the fragment the
// result carries no span at all.
package patch

import (
	"fmt"
	"regexp"
	"strings"
)

// Tier is the confidence level at which a fragment was located.
type Tier int

const (
	NotFound Tier = iota
	MarkupTolerant
	Exact
)

var tierNames = map[Tier]string{
	NotFound:       "not_found",
	MarkupTolerant: "markup_tolerant",
	Exact:          "exact",
}

func (t Tier) String() string {
	if s, ok := tierNames[t]; ok {
		return s
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// MarshalText implements encoding.TextMarshaler.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tier) UnmarshalText(b []byte) error {
	for k, v := range tierNames {
		if v == string(b) {
			*t = k
			return nil
		}
	}
	return fmt.Errorf("patch: unknown tier %q", b)
}

// Span is a half-open byte range [Start, End) into a document body.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of bytes covered.
func (s Span) Len() int { return s.End - s.Start }

// Overlaps reports whether the two spans share at least one byte. An empty
// span overlaps a span that strictly contains its position.
func (s Span) Overlaps(o Span) bool {
	if s.Len() == 0 {
		return o.Start < s.Start && s.Start < o.End
	}
	if o.Len() == 0 {
		return s.Start < o.Start && o.Start < s.End
	}
	return s.Start < o.End && o.Start < s.End
}

// LocateResult is the outcome of one Locate call. Span is nil when Tier is
// NotFound.
type LocateResult struct {
	Tier        Tier   `json:"tier"`
	Span        *Span  `json:"span,omitempty"`
	MatchedText string `json:"matched_text,omitempty"`
	// Occurrences counts non-overlapping matches at the winning tier. More
	// than one means the first occurrence was picked among several.
	Occurrences int `json:"occurrences"`
}

// Found reports whether the fragment was located at any tier.
func (r LocateResult) Found() bool { return r.Tier != NotFound && r.Span != nil }

// Ambiguous reports whether the fragment matched more than once.
func (r LocateResult) Ambiguous() bool { return r.Occurrences > 1 }

// markupSeparator matches what may sit between two words of a fragment once
// it has been rendered into the document: whitespace, HTML/XML tags,
// whitespace entities and Markdown emphasis markers.
const markupSeparator = `(?:\s|<[^<>]*>|&nbsp;|&#160;|&#xa0;|[*_~` + "`" + `])+`

// Locate finds target inside body. The first occurrence in document order
// wins at either tier. An empty or all-whitespace target is never found.
func Locate(target, body string) LocateResult {
	if strings.TrimSpace(target) == "" {
		return LocateResult{Tier: NotFound}
	}

	if i := strings.Index(body, target); i >= 0 {
		return LocateResult{
			Tier:        Exact,
			Span:        &Span{Start: i, End: i + len(target)},
			MatchedText: target,
			Occurrences: countExact(body, target),
		}
	}

	re, err := TolerantPattern(target)
	if err != nil {
		return LocateResult{Tier: NotFound}
	}
	all := re.FindAllStringIndex(body, -1)
	if len(all) == 0 {
		return LocateResult{Tier: NotFound}
	}
	first := all[0]
	return LocateResult{
		Tier:        MarkupTolerant,
		Span:        &Span{Start: first[0], End: first[1]},
		MatchedText: body[first[0]:first[1]],
		Occurrences: len(all),
	}
}

// TolerantPattern builds the markup-tolerant expression for target: each
// whitespace-separated token matched literally, tokens joined by
// markupSeparator.
func TolerantPattern(target string) (*regexp.Regexp, error) {
	tokens := strings.Fields(target)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("patch: empty fragment")
	}
	quoted := make([]string, len(tokens))
	for i, tok := range tokens {
		quoted[i] = regexp.QuoteMeta(tok)
	}
	return regexp.Compile(strings.Join(quoted, markupSeparator))
}

func countExact(body, target string) int {
	n := 0
	for i := 0; ; {
		j := strings.Index(body[i:], target)
		if j < 0 {
			return n
		}
		n++
		i += j + len(target)
	}
}
