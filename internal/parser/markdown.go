package parser

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"golang.org/x/net/html"
)

var md = goldmark.New()

// markdownText renders source to plain text and returns it with the text of
// the first level-1 heading.
func markdownText(source []byte) (plain, heading string) {
	doc := md.Parser().Parse(text.NewReader(source))

	var sb, hb strings.Builder
	var inH1, seenH1 bool
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if h, ok := n.(*ast.Heading); ok && h.Level == 1 && !seenH1 {
			inH1 = entering
			if !entering {
				seenH1 = true
			}
		}
		if !entering {
			if n.Type() == ast.TypeBlock {
				sb.WriteByte('\n')
			}
			return ast.WalkContinue, nil
		}

		var chunk []byte
		switch v := n.(type) {
		case *ast.RawHTML, *ast.HTMLBlock:
			return ast.WalkSkipChildren, nil
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				sb.Write(seg.Value(source))
			}
			return ast.WalkSkipChildren, nil
		case *ast.AutoLink:
			chunk = v.Label(source)
		case *ast.String:
			chunk = v.Value
		case *ast.Text:
			chunk = v.Segment.Value(source)
			if v.SoftLineBreak() || v.HardLineBreak() {
				chunk = append(append([]byte(nil), chunk...), '\n')
			}
		default:
			return ast.WalkContinue, nil
		}
		sb.Write(chunk)
		if inH1 {
			hb.Write(chunk)
		}
		return ast.WalkContinue, nil
	})

	return normalizeLines(html.UnescapeString(sb.String())), html.UnescapeString(hb.String())
}
