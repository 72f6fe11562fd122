// Package parser splits vault documents into frontmatter and body and
// extracts the plain text a reader sees once markup is rendered.
package parser

import (
	"bytes"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format is the markup language of a document body.
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
	FormatText     Format = "text"
)

// FormatFor picks the format from a file extension. Unknown extensions are
// treated as plain text.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return FormatMarkdown
	case ".html", ".htm", ".xhtml":
		return FormatHTML
	default:
		return FormatText
	}
}

// Result holds the output of parsing a document.
type Result struct {
	Format      Format
	Frontmatter map[string]interface{}
	// Body is the content after the frontmatter block, markup intact.
	Body string
	// PlainText is Body with markup removed, one block per line.
	PlainText string
	Title     string
}

// Parse extracts frontmatter, body, title and plain text from raw bytes.
func Parse(data []byte, format Format) (*Result, error) {
	fm, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, err
	}

	var plain, heading string
	switch format {
	case FormatMarkdown:
		plain, heading = markdownText([]byte(body))
	case FormatHTML:
		plain, heading, err = htmlText(body)
		if err != nil {
			return nil, err
		}
	default:
		plain = normalizeLines(body)
	}

	return &Result{
		Format:      format,
		Frontmatter: fm,
		Body:        body,
		PlainText:   plain,
		Title:       deriveTitle(fm, heading),
	}, nil
}

// splitFrontmatter separates YAML frontmatter (between leading --- delimiters)
// from the body. If no frontmatter is found the entire content is body.
func splitFrontmatter(data []byte) (map[string]interface{}, string, error) {
	const delim = "---"
	trimmed := bytes.TrimLeft(data, "\n\r")

	if !bytes.HasPrefix(trimmed, []byte(delim)) {
		return nil, string(data), nil
	}

	rest := trimmed[len(delim):]
	idx := bytes.Index(rest, []byte("\n"+delim))
	if idx < 0 {
		return nil, string(data), nil
	}

	yamlBlock := rest[:idx]
	afterDelim := rest[idx+1+len(delim):]
	body := strings.TrimLeft(string(afterDelim), "\n\r")

	var fm map[string]interface{}
	if err := yaml.Unmarshal(yamlBlock, &fm); err != nil {
		// Not frontmatter after all; keep the document whole.
		return nil, string(data), nil
	}

	return fm, body, nil
}

// deriveTitle returns the frontmatter "title" if present, otherwise the
// first top-level heading, otherwise empty string.
func deriveTitle(fm map[string]interface{}, heading string) string {
	if fm != nil {
		if t, ok := fm["title"]; ok {
			if s, ok := t.(string); ok && s != "" {
				return s
			}
		}
	}
	return strings.TrimSpace(heading)
}

// normalizeLines trims every line, collapses inner whitespace runs and drops
// empty lines.
func normalizeLines(s string) string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if f := strings.Fields(line); len(f) > 0 {
			out = append(out, strings.Join(f, " "))
		}
	}
	return strings.Join(out, "\n")
}
