package search

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/Kocoro-lab/reportflow/internal/report"
	"github.com/Kocoro-lab/reportflow/internal/util"
)

// TruncationMarker terminates a context that exceeded its size budget.
const TruncationMarker = "\n[context truncated]"

// NormalizeURL produces the dedup identity of a source URL.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.TrimSuffix(strings.ToLower(raw), "/")
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	path := strings.TrimSuffix(u.EscapedPath(), "/")
	if u.RawQuery != "" {
		return host + path + "?" + u.RawQuery
	}
	return host + path
}

// contextBuilder accumulates formatted results, dropping any source or
// text already seen. First occurrence wins.
type contextBuilder struct {
	maxPerSource int
	seen         map[string]bool
	blocks       []string
	urls         []string
}

func newContextBuilder(maxPerSource int) *contextBuilder {
	return &contextBuilder{maxPerSource: maxPerSource, seen: make(map[string]bool)}
}

func (b *contextBuilder) add(r *Result) {
	if r.Empty() {
		return
	}
	if len(r.Sources) == 0 {
		key := "text:" + report.SearchQuery{Text: r.Text}.Key()
		if b.seen[key] {
			return
		}
		b.seen[key] = true
		b.blocks = append(b.blocks, fmt.Sprintf("Results from %s:\n%s", r.Provider, strings.TrimSpace(r.Text)))
		return
	}

	var sb strings.Builder
	for _, s := range r.Sources {
		id := NormalizeURL(s.URL)
		if id == "" {
			id = "title:" + strings.ToLower(strings.TrimSpace(s.Title))
		}
		if b.seen[id] {
			continue
		}
		b.seen[id] = true
		if s.URL != "" {
			b.urls = append(b.urls, s.URL)
		}
		fmt.Fprintf(&sb, "Source: %s\nURL: %s\nRelevant content: %s\n", s.Title, s.URL, strings.TrimSpace(s.Content))
		if raw := strings.TrimSpace(s.Raw); raw != "" {
			fmt.Fprintf(&sb, "Full content (limited): %s\n", util.TruncateString(raw, b.maxPerSource, false))
		}
		sb.WriteString("\n")
	}
	var parts []string
	if text := strings.TrimSpace(r.Text); text != "" {
		parts = append(parts, fmt.Sprintf("Summary from %s:\n%s", r.Provider, text))
	}
	if sb.Len() > 0 {
		parts = append(parts, "Sources:\n"+strings.TrimRight(sb.String(), "\n"))
	}
	if len(parts) > 0 {
		b.blocks = append(b.blocks, strings.Join(parts, "\n\n"))
	}
}

func (b *contextBuilder) build(maxTotal int) string {
	return util.TruncateTail(strings.Join(b.blocks, "\n\n"), maxTotal, TruncationMarker)
}
