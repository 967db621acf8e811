// Package formatting compiles finished units into the report document.
package formatting

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/reportflow/internal/report"
)

// Compiler assembles units into a document in declared order.
type Compiler struct {
	md         goldmark.Markdown
	renderHTML bool
	logger     *zap.Logger
}

func NewCompiler(renderHTML bool, logger *zap.Logger) *Compiler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compiler{
		md:         goldmark.New(goldmark.WithExtensions(extension.GFM)),
		renderHTML: renderHTML,
		logger:     logger,
	}
}

// Compile merges units in the order given, which is the order planning
// declared them. Arrival order never matters. A unit that is not Completed
// is emitted with an explicit incomplete marker and listed as a gap.
func (c *Compiler) Compile(threadID, topic string, units []report.Unit, notices []string) (*report.Document, error) {
	doc := &report.Document{
		ThreadID:   threadID,
		Topic:      topic,
		Sections:   make([]report.SectionResult, 0, len(units)),
		Notices:    append([]string(nil), notices...),
		CompiledAt: time.Now().UTC(),
	}

	var (
		parts   []string
		sources []string
		seen    = make(map[string]bool)
	)
	for _, u := range units {
		degraded := u.Status != report.StatusCompleted
		section := report.SectionResult{
			ID:       u.ID,
			Name:     u.Name,
			Content:  u.Content,
			Status:   u.Status,
			Degraded: degraded,
			Reason:   u.FailureReason,
		}
		doc.Sections = append(doc.Sections, section)

		body := strings.TrimSpace(u.Content)
		if degraded {
			doc.Gaps = append(doc.Gaps, u.Name)
			if body == "" {
				body = report.Placeholder(u.Name)
			}
			body = incompleteMarker(u) + "\n\n" + body
		}
		if body != "" {
			parts = append(parts, body)
		}
		for _, src := range u.Sources {
			if src == "" || seen[src] {
				continue
			}
			seen[src] = true
			sources = append(sources, src)
		}
	}

	markdown := strings.Join(parts, "\n\n")
	if len(sources) > 0 {
		markdown = WithSources(markdown, sources)
	}
	if len(doc.Notices) > 0 {
		var b strings.Builder
		b.WriteString(markdown)
		b.WriteString("\n\n---\n")
		for _, n := range doc.Notices {
			b.WriteString("\n> Note: ")
			b.WriteString(n)
		}
		markdown = b.String()
	}
	doc.Markdown = markdown

	if c.renderHTML {
		html, err := c.HTML(markdown)
		if err != nil {
			return nil, err
		}
		doc.HTML = html
	}

	if len(doc.Gaps) > 0 {
		c.logger.Warn("Report compiled with incomplete sections",
			zap.String("thread_id", threadID),
			zap.Strings("gaps", doc.Gaps),
		)
	}
	return doc, nil
}

// HTML renders markdown with GitHub-flavoured extensions.
func (c *Compiler) HTML(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := c.md.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("render html: %w", err)
	}
	return buf.String(), nil
}

func incompleteMarker(u report.Unit) string {
	reason := u.FailureReason
	if reason == "" {
		reason = string(u.Status)
	}
	return fmt.Sprintf("> **Incomplete section: %s** (%s)", u.Name, reason)
}

var sourcesHeading = regexp.MustCompile(`(?im)^## (Sources|References)\s*$`)

// WithSources replaces any trailing report-level Sources section with one
// rebuilt from urls, numbered in first-seen order. Each entry notes whether
// the body cites it.
func WithSources(markdown string, urls []string) string {
	body := strings.TrimSpace(markdown)
	if locs := sourcesHeading.FindAllStringIndex(body, -1); len(locs) > 0 {
		body = strings.TrimSpace(body[:locs[len(locs)-1][0]])
	}
	if len(urls) == 0 {
		return body
	}

	var b strings.Builder
	if body != "" {
		b.WriteString(body)
		b.WriteString("\n\n")
	}
	b.WriteString("## References\n")
	for i, u := range urls {
		label := "Additional source"
		if strings.Contains(body, u) {
			label = "Cited"
		}
		fmt.Fprintf(&b, "\n[%d] %s - %s", i+1, u, label)
	}
	return b.String()
}
