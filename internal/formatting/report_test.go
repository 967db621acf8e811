package formatting

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/reportflow/internal/report"
)

func completed(id, name, content string, sources ...string) report.Unit {
	u := report.NewUnit(id, name, "", false)
	u.Status = report.StatusCompleted
	u.Content = content
	u.Sources = sources
	return u
}

func TestCompileKeepsDeclaredOrder(t *testing.T) {
	units := []report.Unit{
		completed("1", "Intro", "# Intro"),
		completed("2", "Body-A", "## Body-A"),
		completed("3", "Body-B", "## Body-B"),
		completed("4", "Conclusion", "## Conclusion"),
	}
	doc, err := NewCompiler(false, zaptest.NewLogger(t)).Compile("t1", "topic", units, nil)
	require.NoError(t, err)

	var names []string
	for _, s := range doc.Sections {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"Intro", "Body-A", "Body-B", "Conclusion"}, names)

	a := strings.Index(doc.Markdown, "## Body-A")
	b := strings.Index(doc.Markdown, "## Body-B")
	c := strings.Index(doc.Markdown, "## Conclusion")
	assert.True(t, a >= 0 && a < b && b < c)
	assert.False(t, doc.Degraded())
}

func TestCompileMarksDegradedSections(t *testing.T) {
	failed := report.NewUnit("2", "Market", "", true)
	require.NoError(t, failed.Fail("writing failed twice", report.Placeholder("Market")))

	doc, err := NewCompiler(false, nil).Compile("t1", "topic", []report.Unit{
		completed("1", "Intro", "# Intro"),
		failed,
	}, []string{"plan truncated"})
	require.NoError(t, err)

	assert.True(t, doc.Degraded())
	assert.Equal(t, []string{"Market"}, doc.Gaps)
	assert.True(t, doc.Sections[1].Degraded)
	assert.Equal(t, "writing failed twice", doc.Sections[1].Reason)
	assert.Contains(t, doc.Markdown, "> **Incomplete section: Market** (writing failed twice)")
	assert.Contains(t, doc.Markdown, report.Placeholder("Market"))
	assert.Contains(t, doc.Markdown, "> Note: plan truncated")
}

func TestCompileRendersHTMLAndReferences(t *testing.T) {
	doc, err := NewCompiler(true, nil).Compile("t1", "topic", []report.Unit{
		completed("1", "Body", "## Body\n\nsee https://a.example/x", "https://a.example/x", "https://b.example/y"),
		completed("2", "More", "## More", "https://a.example/x"),
	}, nil)
	require.NoError(t, err)

	assert.Contains(t, doc.Markdown, "[1] https://a.example/x - Cited")
	assert.Contains(t, doc.Markdown, "[2] https://b.example/y - Additional source")
	assert.Equal(t, 1, strings.Count(doc.Markdown, "https://b.example/y"))
	assert.Contains(t, doc.HTML, "<h2>Body</h2>")
}

func TestWithSourcesReplacesExistingSection(t *testing.T) {
	out := WithSources("## Body\n\ntext\n\n## Sources\n- old", []string{"https://c.example"})
	assert.NotContains(t, out, "- old")
	assert.True(t, strings.HasSuffix(out, "[1] https://c.example - Additional source"))
	assert.Equal(t, "## Body", WithSources("## Body\n\n## References\n[1] x", nil))
}
