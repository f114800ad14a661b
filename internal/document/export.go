// Package document renders a finished run as text, markdown or HTML.
package document

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/aletop130/ZeroHR/internal/domain"
)

// Formats accepted by Export
const (
	FormatText     = "text"
	FormatMarkdown = "markdown"
	FormatHTML     = "html"
)

// Options controls rendering
type Options struct {
	Title  string
	Titles map[int]string // section headings by index; sections without one get none
}

// Export writes the run's document to w. Only completed runs have a document.
func Export(w io.Writer, run *domain.Run, format string, opts Options) error {
	if run.Status != domain.RunCompleted {
		return fmt.Errorf("run %s is %s, nothing to export", run.ID, run.Status)
	}

	switch format {
	case "", FormatText:
		_, err := io.WriteString(w, run.FinalText)
		return err
	case FormatMarkdown, "md":
		_, err := io.WriteString(w, Markdown(run, opts))
		return err
	case FormatHTML:
		body, err := HTML(run, opts)
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, body)
		return err
	default:
		return fmt.Errorf("unknown export format %q", format)
	}
}

// Markdown builds a markdown document from the run's accepted sections
func Markdown(run *domain.Run, opts Options) string {
	var b strings.Builder
	if opts.Title != "" {
		fmt.Fprintf(&b, "# %s\n\n", opts.Title)
	}

	units := make([]*domain.Unit, len(run.Units))
	copy(units, run.Units)
	domain.SortUnits(units)

	wrote := false
	for _, u := range units {
		if u.Status != domain.StatusAccepted || u.Text == "" {
			continue
		}
		if title := opts.Titles[u.Index]; title != "" {
			fmt.Fprintf(&b, "## %s\n\n", title)
		}
		b.WriteString(strings.TrimSpace(u.Text))
		b.WriteString("\n\n")
		wrote = true
	}
	if !wrote {
		b.WriteString(run.FinalText)
		b.WriteString("\n\n")
	}

	if run.WeightedScore != nil {
		fmt.Fprintf(&b, "---\n\n*Score: %.2f*\n", *run.WeightedScore)
	}
	if run.FinalFeedback != "" {
		fmt.Fprintf(&b, "\n> %s\n", strings.ReplaceAll(strings.TrimSpace(run.FinalFeedback), "\n", "\n> "))
	}
	return b.String()
}

// HTML renders Markdown through goldmark into a standalone page
func HTML(run *domain.Run, opts Options) (string, error) {
	var body bytes.Buffer
	if err := goldmark.Convert([]byte(Markdown(run, opts)), &body); err != nil {
		return "", fmt.Errorf("rendering markdown: %w", err)
	}

	title := opts.Title
	if title == "" {
		title = "Run " + run.ID
	}

	var page strings.Builder
	page.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n")
	fmt.Fprintf(&page, "<title>%s</title>\n", html.EscapeString(title))
	page.WriteString("</head>\n<body>\n<article>\n")
	page.Write(body.Bytes())
	page.WriteString("</article>\n</body>\n</html>\n")
	return page.String(), nil
}
