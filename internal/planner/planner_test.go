package planner

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/reportflow/internal/llm"
)

func TestStaticPlanner(t *testing.T) {
	units, err := StaticPlanner{}.Plan(context.Background(), Input{Topic: "heat pumps"})
	require.NoError(t, err)
	require.Len(t, units, 3)
	assert.Equal(t, "Introduction", units[0].Name)
	assert.False(t, units[0].RequiresResearch)
	assert.True(t, units[1].RequiresResearch)
	assert.False(t, units[2].RequiresResearch)
	assert.NotEqual(t, units[0].ID, units[1].ID)

	_, err = StaticPlanner{}.Plan(context.Background(), Input{})
	assert.Error(t, err)
}

func TestLLMPlannerIncludesFeedbackAndReplacesPlan(t *testing.T) {
	var prompts []string
	gen := llm.GeneratorFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		prompts = append(prompts, req.Prompt)
		return &llm.Response{Text: `Sure:
[{"name":"Intro","description":"overview","research":false},
 {"name":"Market","description":"size","research":true},
 {"name":"","description":"skipped"}]`}, nil
	})
	p := NewLLMPlanner(gen, "", zaptest.NewLogger(t))

	first, err := p.Plan(context.Background(), Input{Topic: "EV charging"})
	require.NoError(t, err)
	second, err := p.Plan(context.Background(), Input{Topic: "EV charging", Feedback: []string{"add pricing", "shorter intro"}})
	require.NoError(t, err)

	require.Len(t, second, 2)
	assert.NotEqual(t, first[0].ID, second[0].ID)
	assert.True(t, second[1].RequiresResearch)
	assert.NotContains(t, prompts[0], "Reviewer feedback")
	assert.True(t, strings.Contains(prompts[1], "1. add pricing") && strings.Contains(prompts[1], "2. shorter intro"))
}

func TestParsePlan(t *testing.T) {
	units, err := ParsePlan(`{"sections":[{"name":"A","description":"a"}]}`)
	require.NoError(t, err)
	assert.True(t, units[0].RequiresResearch)

	_, err = ParsePlan("no plan")
	assert.Error(t, err)
	_, err = ParsePlan("[]")
	assert.Error(t, err)
}
