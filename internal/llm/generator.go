// Package llm defines the content generator consumed by planning, query
// generation, validation, complexity scoring and writing.
package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrEmptyResponse is returned when the generator produced no text.
var ErrEmptyResponse = errors.New("llm: empty response")

// Request is one generation call. A nil Temperature uses the generator default.
type Request struct {
	System      string
	Prompt      string
	Temperature *float64
	MaxTokens   int
}

// Temp returns a pointer to t for Request.Temperature.
func Temp(t float64) *float64 { return &t }

// Response carries the generated text and usage.
type Response struct {
	Text       string
	Model      string
	TokensUsed int
}

// Generator produces text from a prompt.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req Request) (*Response, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// Text is a convenience wrapper returning only the trimmed text.
func Text(ctx context.Context, g Generator, req Request) (string, error) {
	resp, err := g.Generate(ctx, req)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// ExtractJSON returns the first JSON object or array embedded in text,
// tolerating markdown code fences and surrounding prose.
func ExtractJSON(text string) (gjson.Result, bool) {
	text = strings.TrimSpace(text)
	if gjson.Valid(text) {
		return gjson.Parse(text), true
	}
	for i := 0; i < len(text); i++ {
		if text[i] != '{' && text[i] != '[' {
			continue
		}
		open, close := text[i], byte('}')
		if open == '[' {
			close = ']'
		}
		for j := strings.LastIndexByte(text, close); j > i; j = strings.LastIndexByte(text[:j], close) {
			cand := text[i : j+1]
			if gjson.Valid(cand) {
				return gjson.Parse(cand), true
			}
		}
	}
	return gjson.Result{}, false
}
