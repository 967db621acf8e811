// Package planner produces the unit set of a report from its topic.
package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/reportflow/internal/llm"
	"github.com/Kocoro-lab/reportflow/internal/report"
)

// Input is what planning consumes. Feedback holds every earlier rejection,
// oldest first.
type Input struct {
	ThreadID string
	Topic    string
	Feedback []string
}

// Planner returns a fresh unit set in declared order. Re-planning replaces
// the previous set.
type Planner interface {
	Plan(ctx context.Context, in Input) ([]report.Unit, error)
}

// DefaultStructure guides the LLM planner.
const DefaultStructure = `1. Introduction (no research needed): brief overview of the topic area.
2. Main body sections: each focuses on one key aspect, with technical details, examples and cited sources.
3. Conclusion (no research needed): synthesis of findings, key takeaways, future implications.`

// StaticPlanner returns the fixed Introduction/Body/Conclusion plan.
type StaticPlanner struct{}

func (StaticPlanner) Plan(_ context.Context, in Input) ([]report.Unit, error) {
	if strings.TrimSpace(in.Topic) == "" {
		return nil, errors.New("topic is required")
	}
	return []report.Unit{
		report.NewUnit(uuid.NewString(), "Introduction", "Overview of the topic", false),
		report.NewUnit(uuid.NewString(), "Body", "Detailed exploration", true),
		report.NewUnit(uuid.NewString(), "Conclusion", "Summary and implications", false),
	}, nil
}

// LLMPlanner asks the content generator for a JSON plan.
type LLMPlanner struct {
	gen       llm.Generator
	structure string
	logger    *zap.Logger
}

func NewLLMPlanner(gen llm.Generator, structure string, logger *zap.Logger) *LLMPlanner {
	if structure == "" {
		structure = DefaultStructure
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMPlanner{gen: gen, structure: structure, logger: logger}
}

const planPrompt = `You are planning a research report.

Topic: %s

Follow this structure:
%s
%s
Return ONLY a JSON array. Each element is an object:
{"name": "section title", "description": "what the section covers", "research": true|false}
Set research to false for introduction and conclusion sections, which are written from the other sections.`

func (p *LLMPlanner) Plan(ctx context.Context, in Input) ([]report.Unit, error) {
	if strings.TrimSpace(in.Topic) == "" {
		return nil, errors.New("topic is required")
	}
	var fb string
	if len(in.Feedback) > 0 {
		var sb strings.Builder
		sb.WriteString("\nReviewer feedback on earlier plans, address all of it:\n")
		for i, f := range in.Feedback {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, f)
		}
		fb = sb.String()
	}

	text, err := llm.Text(ctx, p.gen, llm.Request{
		Prompt:      fmt.Sprintf(planPrompt, in.Topic, p.structure, fb),
		Temperature: llm.Temp(0.2),
		MaxTokens:   2048,
	})
	if err != nil {
		return nil, fmt.Errorf("generate plan: %w", err)
	}
	units, err := ParsePlan(text)
	if err != nil {
		p.logger.Warn("Unusable plan from generator", zap.String("thread_id", in.ThreadID), zap.Error(err))
		return nil, err
	}
	return units, nil
}

// ParsePlan extracts units from the first JSON array in text.
func ParsePlan(text string) ([]report.Unit, error) {
	parsed, ok := llm.ExtractJSON(text)
	if ok && parsed.IsObject() {
		parsed = parsed.Get("sections")
	}
	if !ok || !parsed.IsArray() {
		return nil, errors.New("plan is not a JSON array")
	}
	var units []report.Unit
	parsed.ForEach(func(_, s gjson.Result) bool {
		name := strings.TrimSpace(s.Get("name").String())
		if name == "" {
			return true
		}
		research := true
		if r := s.Get("research"); r.Exists() {
			research = r.Bool()
		}
		units = append(units, report.NewUnit(uuid.NewString(), name, strings.TrimSpace(s.Get("description").String()), research))
		return true
	})
	if len(units) == 0 {
		return nil, errors.New("plan has no sections")
	}
	return units, nil
}
