package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/reportflow/internal/approval"
	"github.com/Kocoro-lab/reportflow/internal/checkpoint"
	"github.com/Kocoro-lab/reportflow/internal/formatting"
	"github.com/Kocoro-lab/reportflow/internal/llm"
	"github.com/Kocoro-lab/reportflow/internal/planner"
	"github.com/Kocoro-lab/reportflow/internal/report"
	"github.com/Kocoro-lab/reportflow/internal/research"
	"github.com/Kocoro-lab/reportflow/internal/search"
	"github.com/Kocoro-lab/reportflow/internal/streaming"
	"github.com/Kocoro-lab/reportflow/internal/unitstore"
)

type section struct {
	name     string
	research bool
}

// fixedPlanner returns the same sections with fresh ids on every call.
type fixedPlanner struct {
	mu       sync.Mutex
	sections []section
	inputs   []planner.Input
	err      error
}

func (p *fixedPlanner) Plan(_ context.Context, in planner.Input) ([]report.Unit, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inputs = append(p.inputs, in)
	if p.err != nil {
		return nil, p.err
	}
	units := make([]report.Unit, 0, len(p.sections))
	for _, s := range p.sections {
		units = append(units, report.NewUnit(uuid.NewString(), s.name, s.name+" details", s.research))
	}
	return units, nil
}

func (p *fixedPlanner) calls() []planner.Input {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]planner.Input(nil), p.inputs...)
}

// fakeRunner completes units, optionally with per-name delays and failures.
type fakeRunner struct {
	delays   map[string]time.Duration
	failures map[string]bool
	block    bool

	mu          sync.Mutex
	ran         []string
	synthesized []string
	inFlight    atomic.Int32
	peak        atomic.Int32
	researchRan atomic.Int32
	barrierOK   atomic.Bool
	expected    int32
}

func (r *fakeRunner) Run(ctx context.Context, job research.Job) report.Unit {
	n := r.inFlight.Add(1)
	defer r.inFlight.Add(-1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}
	r.mu.Lock()
	r.ran = append(r.ran, job.Unit.Name)
	r.mu.Unlock()

	u := job.Unit
	if r.block {
		<-ctx.Done()
		_ = u.Fail(report.FailureReasonCancelled, report.Placeholder(u.Name))
		return u
	}
	select {
	case <-time.After(r.delays[u.Name]):
	case <-ctx.Done():
		_ = u.Fail(report.FailureReasonCancelled, report.Placeholder(u.Name))
		return u
	}
	r.researchRan.Add(1)
	if r.failures[u.Name] {
		_ = u.Fail("writing failed twice", report.Placeholder(u.Name))
		return u
	}
	_ = u.Advance(report.StatusGeneratingQueries)
	_ = u.Advance(report.StatusSearching)
	_ = u.Advance(report.StatusWriting)
	_ = u.Complete("## " + u.Name + "\n\nresearched")
	return u
}

func (r *fakeRunner) Synthesize(_ context.Context, job research.Job, siblings string) report.Unit {
	r.mu.Lock()
	r.synthesized = append(r.synthesized, job.Unit.Name)
	r.mu.Unlock()
	if r.inFlight.Load() == 0 && r.researchRan.Load() == r.expected {
		r.barrierOK.Store(true)
	}
	u := job.Unit
	_ = u.Advance(report.StatusWriting)
	_ = u.Complete(fmt.Sprintf("## %s\n\nfrom %d chars", u.Name, len(siblings)))
	return u
}

func (r *fakeRunner) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ran...)
}

func defaultSections() []section {
	return []section{{"Intro", false}, {"Body-A", true}, {"Body-B", true}, {"Conclusion", false}}
}

type harness struct {
	exec    *Executor
	planner *fixedPlanner
	runner  *fakeRunner
	events  *streaming.Manager
	store   checkpoint.Store
}

func newHarness(t *testing.T, policy approval.Policy, sections []section, runner UnitRunner) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	events := streaming.NewManager(512, logger)
	p := &fixedPlanner{sections: sections}
	store := checkpoint.NewMemoryStore()
	h := &harness{planner: p, events: events, store: store}
	if fr, ok := runner.(*fakeRunner); ok {
		h.runner = fr
	}
	h.exec = New(Deps{
		Planner:     p,
		Gate:        approval.NewGate(policy, events, approval.NewInbox(), logger),
		Units:       runner,
		Compiler:    formatting.NewCompiler(false, logger),
		Checkpoints: store,
		Notifier:    events,
	}, DefaultConfig(), logger)
	return h
}

func autoApprove() approval.Policy {
	p := approval.DefaultPolicy()
	p.Timeout = 10 * time.Millisecond
	return p
}

func suspendPolicy() approval.Policy {
	p := approval.DefaultPolicy()
	p.WaitInProcess = false
	return p
}

func (h *harness) eventCount(threadID, eventType string) int {
	n := 0
	for _, e := range h.events.ReplaySince(threadID, 0) {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func sectionNames(doc *report.Document) []string {
	var names []string
	for _, s := range doc.Sections {
		names = append(names, s.Name)
	}
	return names
}

func TestRunCompilesAfterTimeoutApproval(t *testing.T) {
	runner := &fakeRunner{expected: 2}
	h := newHarness(t, autoApprove(), defaultSections(), runner)

	res, err := h.exec.Run(context.Background(), "t1", "EV charging")
	require.NoError(t, err)
	require.False(t, res.Suspended)
	require.NotNil(t, res.Document)

	assert.Equal(t, StageCompiled, res.Stage)
	assert.Equal(t, []string{"Intro", "Body-A", "Body-B", "Conclusion"}, sectionNames(res.Document))
	assert.False(t, res.Document.Degraded())
	assert.ElementsMatch(t, []string{"Body-A", "Body-B"}, runner.names())
	assert.ElementsMatch(t, []string{"Intro", "Conclusion"}, runner.synthesized)
	assert.True(t, runner.barrierOK.Load(), "synthesis must start after every research unit finished")
	assert.Equal(t, 1, h.eventCount("t1", streaming.EventApprovalTimeout))
	assert.Equal(t, 1, h.eventCount("t1", streaming.EventReportCompiled))

	cp, err := h.store.Latest(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, string(StageCompiled), cp.StageName)
}

func TestSectionOrderIgnoresCompletionOrder(t *testing.T) {
	sections := []section{{"Intro", false}, {"Body-A", true}, {"Body-B", true}, {"Body-C", true}, {"Conclusion", false}}
	runner := &fakeRunner{
		expected: 3,
		delays: map[string]time.Duration{
			"Body-A": 60 * time.Millisecond,
			"Body-B": 30 * time.Millisecond,
			"Body-C": 0,
		},
	}
	h := newHarness(t, autoApprove(), sections, runner)

	res, err := h.exec.Run(context.Background(), "t1", "topic")
	require.NoError(t, err)

	assert.Equal(t, []string{"Intro", "Body-A", "Body-B", "Body-C", "Conclusion"}, sectionNames(res.Document))
	md := res.Document.Markdown
	assert.True(t, strings.Index(md, "## Body-A") < strings.Index(md, "## Body-B"))
	assert.True(t, strings.Index(md, "## Body-B") < strings.Index(md, "## Body-C"))
}

func TestFanOutIsBounded(t *testing.T) {
	var sections []section
	delays := make(map[string]time.Duration)
	for i := 0; i < 6; i++ {
		name := fmt.Sprintf("Body-%d", i)
		sections = append(sections, section{name, true})
		delays[name] = 20 * time.Millisecond
	}
	runner := &fakeRunner{expected: 6, delays: delays}
	h := newHarness(t, autoApprove(), sections, runner)
	h.exec.SetConfig(Config{MaxUnits: 12, MaxConcurrentUnits: 2})

	_, err := h.exec.Run(context.Background(), "t1", "topic")
	require.NoError(t, err)
	assert.LessOrEqual(t, runner.peak.Load(), int32(2))
	assert.Len(t, runner.names(), 6)
}

func TestMaxUnitsTruncatesWithNotice(t *testing.T) {
	var sections []section
	for i := 0; i < 5; i++ {
		sections = append(sections, section{fmt.Sprintf("Body-%d", i), true})
	}
	runner := &fakeRunner{expected: 3}
	h := newHarness(t, autoApprove(), sections, runner)
	h.exec.SetConfig(Config{MaxUnits: 3, MaxConcurrentUnits: 4})

	res, err := h.exec.Run(context.Background(), "t1", "topic")
	require.NoError(t, err)
	assert.Len(t, res.Document.Sections, 3)
	require.Len(t, res.Document.Notices, 1)
	assert.Contains(t, res.Document.Notices[0], "only the first 3")
}

func TestSuspendAndResumeWithApproval(t *testing.T) {
	runner := &fakeRunner{expected: 2}
	h := newHarness(t, suspendPolicy(), defaultSections(), runner)
	ctx := context.Background()

	res, err := h.exec.Run(ctx, "t1", "topic")
	require.NoError(t, err)
	assert.True(t, res.Suspended)
	assert.Equal(t, StageAwaitingApproval, res.Stage)
	assert.Empty(t, runner.names())

	cp, err := h.store.Latest(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, string(StageAwaitingApproval), cp.StageName)
	st, err := Decode(cp.State)
	require.NoError(t, err)
	assert.Len(t, st.Units, 4)
	assert.Equal(t, 1, h.eventCount("t1", streaming.EventPlanReviewRequested))

	res, err = h.exec.Resume(ctx, "t1", "Yes, looks good")
	require.NoError(t, err)
	require.NotNil(t, res.Document)
	assert.Equal(t, approval.Approved, res.Approval.Decision)
	// the approved plan is the one that was researched
	assert.Equal(t, st.Units[1].ID, res.Document.Sections[1].ID)

	_, err = h.exec.Resume(ctx, "t1", "yes")
	assert.ErrorIs(t, err, ErrNotSuspended)
}

func TestRejectionReplansWithFeedback(t *testing.T) {
	runner := &fakeRunner{expected: 2}
	h := newHarness(t, suspendPolicy(), defaultSections(), runner)
	ctx := context.Background()

	_, err := h.exec.Run(ctx, "t1", "topic")
	require.NoError(t, err)
	first, err := h.exec.Inspect(ctx, "t1")
	require.NoError(t, err)

	res, err := h.exec.Resume(ctx, "t1", "add a section on costs")
	require.NoError(t, err)
	assert.True(t, res.Suspended)
	assert.Equal(t, 1, res.Approval.ReviewCount)

	second, err := h.exec.Inspect(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, second.Units, len(first.Units), "re-planning replaces the unit set")
	assert.NotEqual(t, first.Units[0].ID, second.Units[0].ID)

	calls := h.planner.calls()
	require.Len(t, calls, 2)
	assert.Empty(t, calls[0].Feedback)
	assert.Equal(t, []string{"add a section on costs"}, calls[1].Feedback)
}

func TestReviewCapForcesApproval(t *testing.T) {
	runner := &fakeRunner{expected: 2}
	h := newHarness(t, suspendPolicy(), defaultSections(), runner)
	ctx := context.Background()

	res, err := h.exec.Run(ctx, "t1", "topic")
	require.NoError(t, err)
	require.True(t, res.Suspended)

	for i, fb := range []string{"no", "still wrong", "try again"} {
		res, err = h.exec.Resume(ctx, "t1", fb)
		require.NoError(t, err)
		if i < 2 {
			require.True(t, res.Suspended, "rejection %d", i+1)
		}
	}

	// the fourth request is forced through without asking the reviewer
	require.False(t, res.Suspended)
	require.NotNil(t, res.Document)
	assert.Equal(t, 3, res.Approval.ReviewCount)
	assert.True(t, res.Approval.LimitNotified)
	assert.Equal(t, 1, h.eventCount("t1", streaming.EventReviewLimitReached))
	assert.Equal(t, 3, h.eventCount("t1", streaming.EventPlanReviewRequested))

	calls := h.planner.calls()
	require.Len(t, calls, 4)
	assert.Equal(t, []string{"no", "still wrong", "try again"}, calls[3].Feedback)
}

// stageFailingStore refuses writes for one stage name.
type stageFailingStore struct {
	*checkpoint.MemoryStore
	mu   sync.Mutex
	fail string
}

func (s *stageFailingStore) failOn(stage string) {
	s.mu.Lock()
	s.fail = stage
	s.mu.Unlock()
}

func (s *stageFailingStore) Put(ctx context.Context, threadID, stageName string, state []byte) (*checkpoint.Checkpoint, error) {
	s.mu.Lock()
	fail := s.fail == stageName
	s.mu.Unlock()
	if fail {
		return nil, errors.New("disk full")
	}
	return s.MemoryStore.Put(ctx, threadID, stageName, state)
}

func TestForcedApprovalIsCheckpointedBeforeResearch(t *testing.T) {
	logger := zaptest.NewLogger(t)
	events := streaming.NewManager(512, logger)
	store := &stageFailingStore{MemoryStore: checkpoint.NewMemoryStore()}
	exec := New(Deps{
		Planner:     &fixedPlanner{sections: defaultSections()},
		Gate:        approval.NewGate(suspendPolicy(), events, approval.NewInbox(), logger),
		Units:       &fakeRunner{expected: 2},
		Compiler:    formatting.NewCompiler(false, logger),
		Checkpoints: store,
		Notifier:    events,
	}, DefaultConfig(), logger)
	h := &harness{exec: exec, events: events, store: store}
	ctx := context.Background()

	_, err := exec.Run(ctx, "t1", "topic")
	require.NoError(t, err)
	for _, fb := range []string{"no", "still wrong"} {
		_, err = exec.Resume(ctx, "t1", fb)
		require.NoError(t, err)
	}

	store.failOn(string(StageResearching))
	_, err = exec.Resume(ctx, "t1", "try again")
	require.ErrorIs(t, err, ErrCheckpointUnavailable)

	st, err := exec.Inspect(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StageAwaitingApproval, st.Stage)
	assert.True(t, st.Approval.LimitNotified)

	store.failOn("")
	res, err := exec.Resume(ctx, "t1", "")
	require.NoError(t, err)
	require.NotNil(t, res.Document)
	assert.Equal(t, 1, h.eventCount("t1", streaming.EventReviewLimitReached))
}

func TestResumeSkipsTerminalUnits(t *testing.T) {
	runner := &fakeRunner{expected: 1}
	h := newHarness(t, autoApprove(), defaultSections(), runner)
	ctx := context.Background()

	units := []report.Unit{
		report.NewUnit("u-intro", "Intro", "", false),
		report.NewUnit("u-a", "Body-A", "", true),
		report.NewUnit("u-b", "Body-B", "", true),
		report.NewUnit("u-end", "Conclusion", "", false),
	}
	units[1].Status = report.StatusCompleted
	units[1].Content = "## Body-A\n\nstored"

	st := newState("t1", "topic")
	st.Stage = StageResearching
	st.Units = units
	st.Approval.Decision = approval.Approved
	data, err := Encode(st)
	require.NoError(t, err)
	_, err = h.store.Put(ctx, "t1", string(StageResearching), data)
	require.NoError(t, err)

	res, err := h.exec.Resume(ctx, "t1", "")
	require.NoError(t, err)

	assert.Equal(t, []string{"Body-B"}, runner.names())
	assert.Contains(t, res.Document.Markdown, "stored")
	assert.Empty(t, h.planner.calls())
}

func TestCancellationMarksUnitsCancelled(t *testing.T) {
	runner := &fakeRunner{block: true}
	h := newHarness(t, autoApprove(), defaultSections(), runner)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		assert.Eventually(t, func() bool { return runner.inFlight.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
		cancel()
	}()

	_, err := h.exec.Run(ctx, "t1", "topic")
	require.ErrorIs(t, err, context.Canceled)

	st, err := h.exec.Inspect(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, StageResearching, st.Stage)
	for _, u := range st.Units {
		if u.RequiresResearch {
			assert.Equal(t, report.StatusFailed, u.Status)
			assert.Equal(t, report.FailureReasonCancelled, u.FailureReason)
		}
	}
}

func TestPlanningFailureIsFatal(t *testing.T) {
	h := newHarness(t, autoApprove(), nil, &fakeRunner{})
	h.planner.err = errors.New("generator unavailable")

	_, err := h.exec.Run(context.Background(), "t1", "topic")
	assert.ErrorIs(t, err, ErrPlanningFailed)
	assert.Equal(t, 1, h.eventCount("t1", streaming.EventWorkflowFailed))

	h.planner.err = nil
	_, err = h.exec.Run(context.Background(), "t2", "topic")
	assert.ErrorIs(t, err, ErrPlanningFailed, "an empty plan is a planning failure")

	_, err = h.exec.Run(context.Background(), "t3", "  ")
	assert.ErrorIs(t, err, ErrPlanningFailed)
}

type brokenStore struct{ checkpoint.MemoryStore }

func (b *brokenStore) Put(context.Context, string, string, []byte) (*checkpoint.Checkpoint, error) {
	return nil, errors.New("connection refused")
}

func TestCheckpointFailureIsFatal(t *testing.T) {
	logger := zaptest.NewLogger(t)
	exec := New(Deps{
		Planner:     &fixedPlanner{sections: defaultSections()},
		Gate:        approval.NewGate(autoApprove(), nil, nil, logger),
		Units:       &fakeRunner{},
		Compiler:    formatting.NewCompiler(false, logger),
		Checkpoints: &brokenStore{},
	}, DefaultConfig(), logger)

	res, err := exec.Run(context.Background(), "t1", "topic")
	assert.ErrorIs(t, err, ErrCheckpointUnavailable)
	assert.Nil(t, res)
}

func TestResumeUnknownThread(t *testing.T) {
	h := newHarness(t, autoApprove(), defaultSections(), &fakeRunner{})
	_, err := h.exec.Resume(context.Background(), "missing", "yes")
	assert.ErrorIs(t, err, ErrThreadNotFound)
}

func TestInProcessDecisionThroughInbox(t *testing.T) {
	policy := approval.DefaultPolicy()
	policy.Timeout = 5 * time.Second
	runner := &fakeRunner{expected: 2}
	h := newHarness(t, policy, defaultSections(), runner)

	go func() {
		assert.Eventually(t, func() bool { return h.exec.Gate().Inbox().Waiting("t1") }, 2*time.Second, 5*time.Millisecond)
		h.exec.Gate().Inbox().Deliver("t1", "approve")
	}()

	res, err := h.exec.Run(context.Background(), "t1", "topic")
	require.NoError(t, err)
	assert.Equal(t, approval.Approved, res.Approval.Decision)
	assert.Equal(t, 0, h.eventCount("t1", streaming.EventApprovalTimeout))
}

func TestConcurrentRunOnSameThreadIsRejected(t *testing.T) {
	policy := approval.DefaultPolicy()
	policy.Timeout = 5 * time.Second
	h := newHarness(t, policy, defaultSections(), &fakeRunner{expected: 2})

	done := make(chan error, 1)
	go func() {
		_, err := h.exec.Run(context.Background(), "t1", "topic")
		done <- err
	}()
	require.Eventually(t, func() bool { return h.exec.Gate().Inbox().Waiting("t1") }, 2*time.Second, 5*time.Millisecond)

	_, err := h.exec.Resume(context.Background(), "t1", "yes")
	assert.ErrorIs(t, err, ErrThreadBusy)

	h.exec.Gate().Inbox().Deliver("t1", "yes")
	require.NoError(t, <-done)
}

// scriptedWriter fails both writing attempts for one section.
func scriptedWriter(failing string) llm.Generator {
	return llm.GeneratorFunc(func(_ context.Context, req llm.Request) (*llm.Response, error) {
		switch {
		case strings.HasPrefix(req.Prompt, "You are generating web search queries"):
			return &llm.Response{Text: "electric vehicle charging market growth statistics 2024"}, nil
		case strings.Contains(req.Prompt, "Section: "+failing):
			return nil, errors.New("generator overloaded")
		default:
			return &llm.Response{Text: "## Written\n\ncontent for " + req.Prompt[:40]}, nil
		}
	})
}

type staticSearcher struct{ calls atomic.Int32 }

func (s *staticSearcher) SearchMany(_ context.Context, queries []string) (*search.Many, error) {
	s.calls.Add(1)
	return &search.Many{Context: "facts", URLs: []string{"https://example.com"}, Hits: len(queries), Calls: len(queries)}, nil
}

func TestPartialFailureIsolation(t *testing.T) {
	logger := zaptest.NewLogger(t)
	store := unitstore.NewMemoryStore()
	pipeline := research.NewPipeline(scriptedWriter("Unit-2"), &staticSearcher{}, research.HeuristicValidator{}, store, nil, research.DefaultConfig(), logger)
	h := newHarness(t, autoApprove(), []section{{"Unit-1", true}, {"Unit-2", true}, {"Unit-3", true}}, pipeline)

	res, err := h.exec.Run(context.Background(), "t1", "electric vehicle charging")
	require.NoError(t, err)
	require.Equal(t, StageCompiled, res.Stage)

	doc := res.Document
	require.Len(t, doc.Sections, 3)
	assert.Equal(t, report.StatusCompleted, doc.Sections[0].Status)
	assert.Equal(t, report.StatusFailed, doc.Sections[1].Status)
	assert.Equal(t, report.Placeholder("Unit-2"), doc.Sections[1].Content)
	assert.Equal(t, report.StatusCompleted, doc.Sections[2].Status)
	assert.Equal(t, []string{"Unit-2"}, doc.Gaps)

	entries, err := store.Errors(context.Background(), doc.Sections[1].ID)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestTransitionTable(t *testing.T) {
	assert.True(t, CanTransition(StagePlanning, StageAwaitingApproval))
	assert.True(t, CanTransition(StageAwaitingApproval, StagePlanning))
	assert.True(t, CanTransition(StageAwaitingApproval, StageResearching))
	assert.False(t, CanTransition(StagePlanning, StageResearching))
	assert.False(t, CanTransition(StageCompiled, StagePlanning))
	assert.False(t, CanTransition(StageResearching, StageAwaitingApproval))
}

func TestDecodeRejectsInvalidState(t *testing.T) {
	_, err := Decode([]byte(`{"v":1,"thread_id":"t1","stage":"researching"}`))
	assert.Error(t, err)
	_, err = Decode([]byte(`{"v":9,"thread_id":"t1","stage":"planning"}`))
	assert.Error(t, err)
	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)

	st := newState("t1", "topic")
	data, err := Encode(st)
	require.NoError(t, err)
	back, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, StagePlanning, back.Stage)
}
