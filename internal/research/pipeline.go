// Package research runs the per-unit pipeline: generate queries, validate,
// search, write. It also writes units that are synthesized from siblings.
package research

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/reportflow/internal/llm"
	"github.com/Kocoro-lab/reportflow/internal/metrics"
	"github.com/Kocoro-lab/reportflow/internal/report"
	"github.com/Kocoro-lab/reportflow/internal/search"
	"github.com/Kocoro-lab/reportflow/internal/streaming"
	"github.com/Kocoro-lab/reportflow/internal/tracing"
	"github.com/Kocoro-lab/reportflow/internal/unitstore"
	"github.com/Kocoro-lab/reportflow/internal/util"
)

// Searcher is the aggregated search capability the pipeline needs.
type Searcher interface {
	SearchMany(ctx context.Context, queries []string) (*search.Many, error)
}

// Notifier receives progress events.
type Notifier interface {
	Notify(ctx context.Context, threadID, eventType string, data map[string]any) error
}

// Config tunes the pipeline.
type Config struct {
	QueriesPerUnit      int
	PrimaryContextChars int
	PrimaryMaxTokens    int
	ReducedContextChars int
	ReducedMaxTokens    int
	ReducedWordCap      int
}

func DefaultConfig() Config {
	return Config{
		QueriesPerUnit:      3,
		PrimaryContextChars: 30000,
		PrimaryMaxTokens:    8192,
		ReducedContextChars: 5000,
		ReducedMaxTokens:    2048,
		ReducedWordCap:      500,
	}
}

// Pipeline researches and writes single units. It is safe for concurrent
// use on distinct units.
type Pipeline struct {
	gen       llm.Generator
	searcher  Searcher
	validator Validator
	store     unitstore.Store
	notifier  Notifier
	cfg       Config
	logger    *zap.Logger
}

func NewPipeline(gen llm.Generator, searcher Searcher, validator Validator, store unitstore.Store, notifier Notifier, cfg Config, logger *zap.Logger) *Pipeline {
	if validator == nil {
		validator = HeuristicValidator{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.QueriesPerUnit <= 0 {
		cfg.QueriesPerUnit = def.QueriesPerUnit
	}
	if cfg.PrimaryContextChars <= 0 {
		cfg.PrimaryContextChars = def.PrimaryContextChars
	}
	if cfg.PrimaryMaxTokens <= 0 {
		cfg.PrimaryMaxTokens = def.PrimaryMaxTokens
	}
	if cfg.ReducedContextChars <= 0 {
		cfg.ReducedContextChars = def.ReducedContextChars
	}
	if cfg.ReducedMaxTokens <= 0 {
		cfg.ReducedMaxTokens = def.ReducedMaxTokens
	}
	if cfg.ReducedWordCap <= 0 {
		cfg.ReducedWordCap = def.ReducedWordCap
	}
	return &Pipeline{
		gen:       gen,
		searcher:  searcher,
		validator: validator,
		store:     store,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger,
	}
}

// Job identifies the unit being processed.
type Job struct {
	ThreadID string
	Topic    string
	Unit     report.Unit
}

// run carries per-invocation bookkeeping.
type run struct {
	job     Job
	started time.Time
	calls   int
	tokens  int
	errs    []string
	logger  *zap.Logger
}

func (r *run) fail(msg string) { r.errs = append(r.errs, msg) }

// Run executes the pipeline for a research unit and always returns the unit
// in a terminal state. A previously persisted record short-circuits the run.
func (p *Pipeline) Run(ctx context.Context, job Job) report.Unit {
	ctx, span := tracing.StartSpan(ctx, "research.unit", "thread_id", job.ThreadID, "unit_id", job.Unit.ID)
	defer span.End()

	r := &run{job: job, started: time.Now(), logger: p.logger.With(
		zap.String("thread_id", job.ThreadID),
		zap.String("unit_id", job.Unit.ID),
	)}
	unit := job.Unit

	if recovered, ok := p.recover(ctx, r, unit); ok {
		return recovered
	}

	if err := p.advance(ctx, r, &unit, report.StatusGeneratingQueries); err != nil {
		return p.terminate(ctx, r, unit, err)
	}
	queries := p.generateQueries(ctx, r, unit)
	accepted := p.validate(ctx, r, unit, queries)
	if ctx.Err() != nil {
		return p.terminate(ctx, r, unit, ctx.Err())
	}

	if err := p.advance(ctx, r, &unit, report.StatusSearching); err != nil {
		return p.terminate(ctx, r, unit, err)
	}
	var material string
	if len(accepted) > 0 {
		many, err := p.searcher.SearchMany(ctx, accepted)
		if err != nil {
			return p.terminate(ctx, r, unit, err)
		}
		r.calls += many.Calls
		material = many.Context
		unit.Sources = many.URLs
		if many.Hits == 0 {
			r.fail("no search results for any query")
		}
	} else {
		r.fail("no valid queries")
		r.logger.Warn("No valid queries, writing without search context")
	}

	if err := p.advance(ctx, r, &unit, report.StatusWriting); err != nil {
		return p.terminate(ctx, r, unit, err)
	}
	content, err := p.write(ctx, r, unit, material)
	if err != nil {
		return p.terminate(ctx, r, unit, err)
	}
	return p.complete(ctx, r, unit, content)
}

// Synthesize writes a unit that bypasses research from the concatenated
// content of its research siblings.
func (p *Pipeline) Synthesize(ctx context.Context, job Job, siblings string) report.Unit {
	ctx, span := tracing.StartSpan(ctx, "research.synthesize", "thread_id", job.ThreadID, "unit_id", job.Unit.ID)
	defer span.End()

	r := &run{job: job, started: time.Now(), logger: p.logger.With(
		zap.String("thread_id", job.ThreadID),
		zap.String("unit_id", job.Unit.ID),
	)}
	unit := job.Unit
	if recovered, ok := p.recover(ctx, r, unit); ok {
		return recovered
	}
	if err := p.advance(ctx, r, &unit, report.StatusWriting); err != nil {
		return p.terminate(ctx, r, unit, err)
	}

	primary := fmt.Sprintf(synthesizePrompt, job.Topic, unit.Name, unit.Description,
		util.TruncateTail(siblings, p.cfg.PrimaryContextChars, search.TruncationMarker))
	reduced := fmt.Sprintf(reducedWritePrompt, job.Topic, unit.Name, unit.Description, p.cfg.ReducedWordCap,
		util.TruncateTail(siblings, p.cfg.ReducedContextChars, search.TruncationMarker))
	content, err := p.attempts(ctx, r, unit, primary, reduced)
	if err != nil {
		return p.terminate(ctx, r, unit, err)
	}
	return p.complete(ctx, r, unit, content)
}

// recover returns a previously persisted outcome for unit. Completed and
// Failed records are returned unchanged; a record stopped mid-pipeline is
// closed out as Failed rather than silently re-researched.
func (p *Pipeline) recover(ctx context.Context, r *run, unit report.Unit) (report.Unit, bool) {
	if p.store == nil {
		return unit, false
	}
	rec, err := p.store.Load(ctx, unit.ID)
	if err != nil {
		r.logger.Warn("Unit state lookup failed, running fresh", zap.Error(err))
		return unit, false
	}
	if rec == nil || rec.Status == report.StatusNotStarted {
		return unit, false
	}

	unit.Content = rec.Content
	unit.Sources = rec.Sources
	unit.FailureReason = rec.FailureReason
	unit.UpdatedAt = rec.UpdatedAt
	switch rec.Status {
	case report.StatusCompleted, report.StatusFailed:
		unit.Status = rec.Status
		r.logger.Info("Recovered unit from store", zap.String("status", string(rec.Status)))
		metrics.UnitOutcomes.WithLabelValues(string(rec.Status), "recovered").Inc()
		return unit, true
	}

	reason := fmt.Sprintf("interrupted during %s", rec.Status)
	content := rec.Content
	if strings.TrimSpace(content) == "" {
		content = report.Placeholder(unit.Name)
	}
	unit.Status = rec.Status
	_ = unit.Fail(reason, content)
	r.logger.Warn("Recovered interrupted unit as failed", zap.String("reason", reason))
	p.logError(ctx, r, reason)
	p.save(ctx, r, unit)
	p.notify(ctx, r, streaming.EventUnitFailed, map[string]any{"reason": reason, "name": unit.Name})
	metrics.UnitOutcomes.WithLabelValues(string(report.StatusFailed), "recovered").Inc()
	return unit, true
}

func (p *Pipeline) advance(ctx context.Context, r *run, unit *report.Unit, to report.UnitStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := unit.Advance(to); err != nil {
		return err
	}
	p.save(ctx, r, *unit)
	p.notify(ctx, r, streaming.EventUnitProgress, map[string]any{"status": string(to), "name": unit.Name})
	return nil
}

var listPrefix = regexp.MustCompile(`^\s*(?:\d+[.)]|[-*•])\s*`)

// ParseQueries turns generator output into queries, one per non-blank line,
// stripping list markers and quotes.
func ParseQueries(text string, limit int) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		q := listPrefix.ReplaceAllString(line, "")
		q = strings.Trim(strings.TrimSpace(q), `"'`+"`")
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		out = append(out, q)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (p *Pipeline) generateQueries(ctx context.Context, r *run, unit report.Unit) []string {
	prompt := fmt.Sprintf(queryPrompt, r.job.Topic, unit.Name, unit.Description, p.cfg.QueriesPerUnit)
	r.calls++
	resp, err := p.gen.Generate(ctx, llm.Request{Prompt: prompt, Temperature: llm.Temp(0.7), MaxTokens: 512})
	if err != nil {
		r.fail("query generation: " + err.Error())
		r.logger.Warn("Query generation failed", zap.Error(err))
		return nil
	}
	r.tokens += tokens(resp, prompt)
	return ParseQueries(resp.Text, p.cfg.QueriesPerUnit)
}

// validate keeps queries scoring at least the acceptance threshold, each
// normalized query validated at most once per run.
func (p *Pipeline) validate(ctx context.Context, r *run, unit report.Unit, queries []string) []string {
	seen := make(map[string]bool)
	var accepted []string
	for _, q := range queries {
		key := report.SearchQuery{Text: q}.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		v := p.validator.Validate(ctx, q, unit, r.job.Topic)
		if !v.Accepted() {
			metrics.QueriesRejected.Inc()
			r.logger.Debug("Query rejected", zap.String("query", q), zap.Float64("score", v.OverallScore()))
			continue
		}
		accepted = append(accepted, q)
	}
	return accepted
}

func (p *Pipeline) write(ctx context.Context, r *run, unit report.Unit, material string) (string, error) {
	if strings.TrimSpace(material) == "" {
		material = "(no external sources were found; rely on well-established knowledge and say so)"
	}
	primary := fmt.Sprintf(writePrompt, r.job.Topic, unit.Name, unit.Description,
		util.TruncateTail(material, p.cfg.PrimaryContextChars, search.TruncationMarker))
	reduced := fmt.Sprintf(reducedWritePrompt, r.job.Topic, unit.Name, unit.Description, p.cfg.ReducedWordCap,
		util.TruncateTail(material, p.cfg.ReducedContextChars, search.TruncationMarker))
	return p.attempts(ctx, r, unit, primary, reduced)
}

// attempts runs the primary prompt and, on error or empty output, exactly one
// reduced retry.
func (p *Pipeline) attempts(ctx context.Context, r *run, unit report.Unit, primary, reduced string) (string, error) {
	content, err := p.generate(ctx, r, primary, p.cfg.PrimaryMaxTokens)
	if err == nil {
		return content, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	r.fail("primary write: " + err.Error())
	r.logger.Warn("Primary write failed, retrying with reduced prompt", zap.Error(err))

	content, rerr := p.generate(ctx, r, reduced, p.cfg.ReducedMaxTokens)
	if rerr == nil {
		return content, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	r.fail("reduced write: " + rerr.Error())
	return "", fmt.Errorf("writing failed twice: %w", errors.Join(err, rerr))
}

func (p *Pipeline) generate(ctx context.Context, r *run, prompt string, maxTokens int) (string, error) {
	r.calls++
	resp, err := p.gen.Generate(ctx, llm.Request{Prompt: prompt, MaxTokens: maxTokens})
	if err != nil {
		return "", err
	}
	r.tokens += tokens(resp, prompt)
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", llm.ErrEmptyResponse
	}
	return text, nil
}

func (p *Pipeline) complete(ctx context.Context, r *run, unit report.Unit, content string) report.Unit {
	if err := unit.Complete(content); err != nil {
		return p.terminate(ctx, r, unit, err)
	}
	p.save(ctx, r, unit)
	p.finish(ctx, r, unit)
	return unit
}

// terminate records a terminal failure. Cancellation gets its own reason.
func (p *Pipeline) terminate(ctx context.Context, r *run, unit report.Unit, cause error) report.Unit {
	reason := cause.Error()
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		reason = report.FailureReasonCancelled
	}
	if unit.Status.IsTerminal() {
		return unit
	}
	_ = unit.Fail(reason, report.Placeholder(unit.Name))
	r.fail(reason)
	r.logger.Warn("Unit failed", zap.String("reason", reason))

	bg := context.WithoutCancel(ctx)
	p.logError(bg, r, reason)
	p.save(bg, r, unit)
	p.notify(bg, r, streaming.EventUnitFailed, map[string]any{"reason": reason, "name": unit.Name})
	p.finish(bg, r, unit)
	return unit
}

func (p *Pipeline) finish(ctx context.Context, r *run, unit report.Unit) {
	elapsed := time.Since(r.started)
	metrics.UnitDuration.Observe(elapsed.Seconds())
	metrics.UnitOutcomes.WithLabelValues(string(unit.Status), "pipeline").Inc()
	if unit.Status == report.StatusCompleted {
		p.notify(ctx, r, streaming.EventUnitProgress, map[string]any{"status": string(unit.Status), "name": unit.Name})
	}
	if p.store == nil {
		return
	}
	sample := report.Metrics{
		UnitID:          unit.ID,
		DurationSeconds: elapsed.Seconds(),
		TokensUsed:      r.tokens,
		APICalls:        r.calls,
		Errors:          r.errs,
		RecordedAt:      time.Now().UTC(),
	}
	if err := p.store.SaveMetrics(ctx, sample); err != nil {
		r.logger.Warn("Failed to save unit metrics", zap.Error(err))
	}
}

// save persists the unit. A failed save is recorded in the error log, which
// is written independently.
func (p *Pipeline) save(ctx context.Context, r *run, unit report.Unit) {
	if p.store == nil {
		return
	}
	if err := p.store.Save(ctx, unit.ID, unitstore.RecordFromUnit(unit)); err != nil {
		r.logger.Error("Failed to persist unit state", zap.String("status", string(unit.Status)), zap.Error(err))
		p.logError(ctx, r, "save failed: "+err.Error())
	}
}

func (p *Pipeline) logError(ctx context.Context, r *run, msg string) {
	if p.store == nil {
		return
	}
	if err := p.store.LogError(ctx, r.job.Unit.ID, msg); err != nil {
		r.logger.Error("Failed to append unit error log", zap.String("message", msg), zap.Error(err))
	}
}

func (p *Pipeline) notify(ctx context.Context, r *run, eventType string, data map[string]any) {
	if p.notifier == nil {
		return
	}
	data["unit_id"] = r.job.Unit.ID
	if err := p.notifier.Notify(ctx, r.job.ThreadID, eventType, data); err != nil {
		r.logger.Debug("Progress notification failed", zap.Error(err))
	}
}

func tokens(resp *llm.Response, prompt string) int {
	if resp.TokensUsed > 0 {
		return resp.TokensUsed
	}
	return report.EstimateTokens(prompt, resp.Text)
}
