package research

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/reportflow/internal/llm"
	"github.com/Kocoro-lab/reportflow/internal/report"
	"github.com/Kocoro-lab/reportflow/internal/search"
	"github.com/Kocoro-lab/reportflow/internal/unitstore"
)

type scriptedGen struct {
	mu      sync.Mutex
	queries string
	primary func() (string, error)
	reduced func() (string, error)
	synth   func() (string, error)
	prompts []string
}

func (g *scriptedGen) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, req.Prompt)
	g.mu.Unlock()

	reply := func(fn func() (string, error)) (*llm.Response, error) {
		if fn == nil {
			return &llm.Response{Text: "## Section\n\ncontent"}, nil
		}
		text, err := fn()
		if err != nil {
			return nil, err
		}
		return &llm.Response{Text: text}, nil
	}
	switch {
	case strings.HasPrefix(req.Prompt, "You are generating web search queries"):
		return &llm.Response{Text: g.queries}, nil
	case strings.HasPrefix(req.Prompt, "Write a concise Markdown section"):
		return reply(g.reduced)
	case strings.Contains(req.Prompt, "synthesizes the rest of the report"):
		return reply(g.synth)
	default:
		return reply(g.primary)
	}
}

func (g *scriptedGen) count(prefix string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, p := range g.prompts {
		if strings.HasPrefix(p, prefix) {
			n++
		}
	}
	return n
}

type fakeSearcher struct {
	calls   atomic.Int32
	queries [][]string
	mu      sync.Mutex
	err     error
	block   bool
}

func (s *fakeSearcher) SearchMany(ctx context.Context, queries []string) (*search.Many, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.queries = append(s.queries, queries)
	s.mu.Unlock()
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	return &search.Many{
		Context: "Sources:\n- EV charging report 2024 (https://example.com/ev)",
		URLs:    []string{"https://example.com/ev"},
		Hits:    len(queries),
		Calls:   len(queries),
	}, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) Notify(_ context.Context, _ string, eventType string, _ map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, eventType)
	return nil
}

const (
	timeout = 2 * time.Second
	tick    = 5 * time.Millisecond
)

const goodQueries = `1. EV charging infrastructure market growth 2024
2. "public fast charging station deployment statistics Europe"
- charging network operators revenue comparison`

func bodyUnit() report.Unit {
	return report.NewUnit("unit-body", "Charging market", "Market size and growth of EV charging", true)
}

func newTestPipeline(t *testing.T, gen llm.Generator, s Searcher, store unitstore.Store, n Notifier) *Pipeline {
	return NewPipeline(gen, s, HeuristicValidator{}, store, n, DefaultConfig(), zaptest.NewLogger(t))
}

func TestParseQueries(t *testing.T) {
	got := ParseQueries(goodQueries+"\n\n4) extra query here\n", 3)
	assert.Equal(t, []string{
		"EV charging infrastructure market growth 2024",
		"public fast charging station deployment statistics Europe",
		"charging network operators revenue comparison",
	}, got)
	assert.Empty(t, ParseQueries("  \n\n", 3))
}

func TestRunCompletesAndPersists(t *testing.T) {
	gen := &scriptedGen{queries: goodQueries}
	searcher := &fakeSearcher{}
	store := unitstore.NewMemoryStore()
	notifier := &recordingNotifier{}
	p := newTestPipeline(t, gen, searcher, store, notifier)

	unit := p.Run(context.Background(), Job{ThreadID: "t1", Topic: "EV charging", Unit: bodyUnit()})

	assert.Equal(t, report.StatusCompleted, unit.Status)
	assert.Equal(t, "## Section\n\ncontent", unit.Content)
	assert.Equal(t, []string{"https://example.com/ev"}, unit.Sources)
	assert.Equal(t, int32(1), searcher.calls.Load())
	assert.Len(t, searcher.queries[0], 3)

	rec, err := store.Load(context.Background(), unit.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, report.StatusCompleted, rec.Status)
	assert.Equal(t, unit.Content, rec.Content)

	samples := store.Metrics()
	require.Len(t, samples, 1)
	assert.Equal(t, unit.ID, samples[0].UnitID)
	assert.Greater(t, samples[0].APICalls, 0)
	assert.Contains(t, notifier.events, "unit_progress")
	assert.NotContains(t, notifier.events, "unit_failed")
}

func TestRunResumesCompletedUnitWithoutCalls(t *testing.T) {
	store := unitstore.NewMemoryStore()
	done := bodyUnit()
	done.Status = report.StatusCompleted
	done.Content = "stored content"
	done.Sources = []string{"https://example.com/a"}
	require.NoError(t, store.Save(context.Background(), done.ID, unitstore.RecordFromUnit(done)))

	gen := &scriptedGen{queries: goodQueries}
	searcher := &fakeSearcher{}
	p := newTestPipeline(t, gen, searcher, store, nil)

	unit := p.Run(context.Background(), Job{ThreadID: "t1", Topic: "EV charging", Unit: bodyUnit()})

	assert.Equal(t, report.StatusCompleted, unit.Status)
	assert.Equal(t, "stored content", unit.Content)
	assert.Equal(t, int32(0), searcher.calls.Load())
	assert.Empty(t, gen.prompts)
}

func TestRunRecoversFailedUnitAsIs(t *testing.T) {
	store := unitstore.NewMemoryStore()
	failed := bodyUnit()
	require.NoError(t, failed.Fail("writing failed twice", report.Placeholder(failed.Name)))
	require.NoError(t, store.Save(context.Background(), failed.ID, unitstore.RecordFromUnit(failed)))

	gen := &scriptedGen{queries: goodQueries}
	p := newTestPipeline(t, gen, &fakeSearcher{}, store, nil)

	unit := p.Run(context.Background(), Job{ThreadID: "t1", Topic: "EV charging", Unit: bodyUnit()})
	assert.Equal(t, report.StatusFailed, unit.Status)
	assert.Equal(t, "writing failed twice", unit.FailureReason)
	assert.Empty(t, gen.prompts)
}

func TestRunClosesInterruptedUnit(t *testing.T) {
	store := unitstore.NewMemoryStore()
	partial := bodyUnit()
	require.NoError(t, partial.Advance(report.StatusGeneratingQueries))
	require.NoError(t, partial.Advance(report.StatusSearching))
	require.NoError(t, store.Save(context.Background(), partial.ID, unitstore.RecordFromUnit(partial)))

	searcher := &fakeSearcher{}
	gen := &scriptedGen{queries: goodQueries}
	p := newTestPipeline(t, gen, searcher, store, nil)

	unit := p.Run(context.Background(), Job{ThreadID: "t1", Topic: "EV charging", Unit: bodyUnit()})

	assert.Equal(t, report.StatusFailed, unit.Status)
	assert.Equal(t, "interrupted during searching", unit.FailureReason)
	assert.Equal(t, report.Placeholder(unit.Name), unit.Content)
	assert.Equal(t, int32(0), searcher.calls.Load())

	rec, err := store.Load(context.Background(), unit.ID)
	require.NoError(t, err)
	assert.Equal(t, report.StatusFailed, rec.Status)
	entries, err := store.Errors(context.Background(), unit.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "interrupted during searching", entries[0].Message)
}

func TestRunRetriesWithReducedPrompt(t *testing.T) {
	gen := &scriptedGen{
		queries: goodQueries,
		primary: func() (string, error) { return "", errors.New("context length exceeded") },
		reduced: func() (string, error) { return "## Short\n\nbrief", nil },
	}
	p := newTestPipeline(t, gen, &fakeSearcher{}, unitstore.NewMemoryStore(), nil)

	unit := p.Run(context.Background(), Job{ThreadID: "t1", Topic: "EV charging", Unit: bodyUnit()})

	assert.Equal(t, report.StatusCompleted, unit.Status)
	assert.Equal(t, "## Short\n\nbrief", unit.Content)
	assert.Equal(t, 1, gen.count("Write a concise Markdown section"))
}

func TestRunEmptyPrimaryCountsAsFailure(t *testing.T) {
	gen := &scriptedGen{
		queries: goodQueries,
		primary: func() (string, error) { return "   ", nil },
		reduced: func() (string, error) { return "reduced", nil },
	}
	p := newTestPipeline(t, gen, &fakeSearcher{}, unitstore.NewMemoryStore(), nil)

	unit := p.Run(context.Background(), Job{ThreadID: "t1", Topic: "EV charging", Unit: bodyUnit()})
	assert.Equal(t, report.StatusCompleted, unit.Status)
	assert.Equal(t, "reduced", unit.Content)
}

func TestRunWritesPlaceholderAfterTwoFailures(t *testing.T) {
	gen := &scriptedGen{
		queries: goodQueries,
		primary: func() (string, error) { return "", errors.New("primary down") },
		reduced: func() (string, error) { return "", errors.New("reduced down") },
	}
	store := unitstore.NewMemoryStore()
	notifier := &recordingNotifier{}
	p := newTestPipeline(t, gen, &fakeSearcher{}, store, notifier)

	unit := p.Run(context.Background(), Job{ThreadID: "t1", Topic: "EV charging", Unit: bodyUnit()})

	assert.Equal(t, report.StatusFailed, unit.Status)
	assert.Equal(t, report.Placeholder("Charging market"), unit.Content)
	assert.Contains(t, unit.FailureReason, "writing failed twice")

	entries, err := store.Errors(context.Background(), unit.ID)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Contains(t, notifier.events, "unit_failed")
	assert.Equal(t, 1, gen.count("Write a concise Markdown section"))
}

func TestRunFiltersLowScoringQueries(t *testing.T) {
	gen := &scriptedGen{queries: "EV charging infrastructure market growth 2024\n$$$ ###\nev charging infrastructure   MARKET growth 2024"}
	searcher := &fakeSearcher{}
	p := newTestPipeline(t, gen, searcher, unitstore.NewMemoryStore(), nil)

	unit := p.Run(context.Background(), Job{ThreadID: "t1", Topic: "EV charging", Unit: bodyUnit()})

	require.Equal(t, report.StatusCompleted, unit.Status)
	require.Len(t, searcher.queries, 1)
	assert.Equal(t, []string{"EV charging infrastructure market growth 2024"}, searcher.queries[0])
}

func TestRunWithoutValidQueriesSkipsSearch(t *testing.T) {
	gen := &scriptedGen{queries: "$$$\n###"}
	searcher := &fakeSearcher{}
	store := unitstore.NewMemoryStore()
	p := newTestPipeline(t, gen, searcher, store, nil)

	unit := p.Run(context.Background(), Job{ThreadID: "t1", Topic: "EV charging", Unit: bodyUnit()})

	assert.Equal(t, report.StatusCompleted, unit.Status)
	assert.Equal(t, int32(0), searcher.calls.Load())
	samples := store.Metrics()
	require.Len(t, samples, 1)
	assert.Contains(t, samples[0].Errors, "no valid queries")
}

func TestRunCancellationMarksUnitCancelled(t *testing.T) {
	gen := &scriptedGen{queries: goodQueries}
	searcher := &fakeSearcher{block: true}
	store := unitstore.NewMemoryStore()
	p := newTestPipeline(t, gen, searcher, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan report.Unit, 1)
	go func() { done <- p.Run(ctx, Job{ThreadID: "t1", Topic: "EV charging", Unit: bodyUnit()}) }()

	require.Eventually(t, func() bool { return searcher.calls.Load() == 1 }, timeout, tick)
	cancel()
	unit := <-done

	assert.Equal(t, report.StatusFailed, unit.Status)
	assert.Equal(t, report.FailureReasonCancelled, unit.FailureReason)
	rec, err := store.Load(context.Background(), unit.ID)
	require.NoError(t, err)
	assert.Equal(t, report.StatusFailed, rec.Status)
}

func TestSynthesizeUsesSiblingContent(t *testing.T) {
	var seen string
	gen := &scriptedGen{synth: func() (string, error) { return "# Intro\n\noverview", nil }}
	gen2 := llm.GeneratorFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		seen = req.Prompt
		return gen.Generate(ctx, req)
	})
	searcher := &fakeSearcher{}
	p := newTestPipeline(t, gen2, searcher, unitstore.NewMemoryStore(), nil)

	intro := report.NewUnit("unit-intro", "Introduction", "Overview", false)
	unit := p.Synthesize(context.Background(), Job{ThreadID: "t1", Topic: "EV charging", Unit: intro}, "## Charging market\n\nbody text")

	assert.Equal(t, report.StatusCompleted, unit.Status)
	assert.Equal(t, "# Intro\n\noverview", unit.Content)
	assert.Contains(t, seen, "body text")
	assert.Equal(t, int32(0), searcher.calls.Load())
}

func TestSynthesizeFallsBackToPlaceholder(t *testing.T) {
	gen := &scriptedGen{
		synth:   func() (string, error) { return "", errors.New("down") },
		reduced: func() (string, error) { return "", errors.New("down") },
	}
	p := newTestPipeline(t, gen, &fakeSearcher{}, unitstore.NewMemoryStore(), nil)

	intro := report.NewUnit("unit-intro", "Introduction", "Overview", false)
	unit := p.Synthesize(context.Background(), Job{ThreadID: "t1", Topic: "EV charging", Unit: intro}, "body")

	assert.Equal(t, report.StatusFailed, unit.Status)
	assert.Equal(t, report.Placeholder("Introduction"), unit.Content)
}

func TestHeuristicValidator(t *testing.T) {
	v := HeuristicValidator{}
	unit := bodyUnit()
	good := v.Validate(context.Background(), "EV charging infrastructure market growth 2024", unit, "EV charging")
	assert.True(t, good.Accepted(), "score %.2f", good.OverallScore())

	noisy := v.Validate(context.Background(), "$$$ ###", unit, "EV charging")
	assert.False(t, noisy.Accepted())

	short := v.Validate(context.Background(), "ev", unit, "EV charging")
	assert.False(t, short.Accepted())
}

func TestLLMValidator(t *testing.T) {
	gen := llm.GeneratorFunc(func(context.Context, llm.Request) (*llm.Response, error) {
		return &llm.Response{Text: "```json\n{\"specificity\": 0.9, \"relevance\": 0.8, \"clarity\": 1}\n```"}, nil
	})
	v := NewLLMValidator(gen, zaptest.NewLogger(t))
	got := v.Validate(context.Background(), "q", bodyUnit(), "topic")
	assert.InDelta(t, 0.9, got.OverallScore(), 1e-9)

	failing := NewLLMValidator(llm.GeneratorFunc(func(context.Context, llm.Request) (*llm.Response, error) {
		return nil, errors.New("down")
	}), nil)
	assert.False(t, failing.Validate(context.Background(), "q", bodyUnit(), "topic").Accepted())
}
