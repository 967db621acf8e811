package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/reportflow/internal/llm"
	"github.com/Kocoro-lab/reportflow/internal/search"
)

func serve(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestTavilySearch(t *testing.T) {
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "battery recycling", body["query"])
		assert.Equal(t, "key", body["api_key"])
		_, _ = w.Write([]byte(`{"answer":"short answer","results":[
			{"title":"T1","url":"https://a.example/1","content":"c1","raw_content":"raw1"},
			{"title":"T2","url":"https://a.example/2","content":"c2"}]}`))
	})

	p := NewTavily(Config{Name: "tavily", Priority: 3, APIKey: "key", BaseURL: srv.URL}, nil, zaptest.NewLogger(t))
	res, err := p.Search(context.Background(), "battery recycling")
	require.NoError(t, err)
	assert.Equal(t, "short answer", res.Text)
	require.Len(t, res.Sources, 2)
	assert.Equal(t, "raw1", res.Sources[0].Raw)
	assert.Equal(t, search.TierPremium, p.Tier())
}

func TestSerpAPISearch(t *testing.T) {
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "q1", r.URL.Query().Get("q"))
		assert.Equal(t, "2", r.URL.Query().Get("num"))
		_, _ = w.Write([]byte(`{"organic_results":[
			{"title":"A","link":"https://x/a","snippet":"sa"},
			{"title":"B","link":"https://x/b","snippet":"sb"},
			{"title":"C","link":"https://x/c","snippet":"sc"}]}`))
	})

	p := NewSerpAPI(Config{Name: "serpapi", APIKey: "k", BaseURL: srv.URL, MaxResults: 2}, nil, zaptest.NewLogger(t))
	res, err := p.Search(context.Background(), "q1")
	require.NoError(t, err)
	require.Len(t, res.Sources, 2)
	assert.Equal(t, "https://x/b", res.Sources[1].URL)
}

func TestJinaSearch(t *testing.T) {
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer jk", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"deep answer"}}],"readURLs":["https://j/1"]}`))
	})

	p := NewJina(Config{Name: "jina", APIKey: "jk", BaseURL: srv.URL}, nil, zaptest.NewLogger(t))
	res, err := p.Search(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "deep answer", res.Text)
	assert.Equal(t, []string{"https://j/1"}, res.URLs())
}

func TestDuckDuckGoNestedTopics(t *testing.T) {
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"Heading":"Go","AbstractText":"Go is a language","AbstractURL":"https://go.dev",
			"RelatedTopics":[{"Text":"Gopher","FirstURL":"https://d/g"},{"Name":"More","Topics":[{"Text":"Nested","FirstURL":"https://d/n"}]}]}`))
	})

	p := NewDuckDuckGo(Config{Name: "duckduckgo", BaseURL: srv.URL}, nil, zaptest.NewLogger(t))
	res, err := p.Search(context.Background(), "golang")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://go.dev", "https://d/g", "https://d/n"}, res.URLs())
}

func TestHTTPProviderServerErrorIsFailure(t *testing.T) {
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	p := NewSerpAPI(Config{Name: "serpapi-502", APIKey: "k", BaseURL: srv.URL}, nil, zaptest.NewLogger(t))
	_, err := p.Search(context.Background(), "q")
	assert.Error(t, err)
}

func TestDuckDuckGoEmptyAnswerWithoutTracing(t *testing.T) {
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("traceparent"))
		_, _ = w.Write([]byte(`{}`))
	})
	p := NewDuckDuckGo(Config{Name: "ddg-trace", BaseURL: srv.URL}, nil, zaptest.NewLogger(t))
	res, err := p.Search(context.Background(), "q")
	require.NoError(t, err)
	assert.True(t, res.Empty())
}

func TestLLMGroundedParsesSources(t *testing.T) {
	gen := llm.GeneratorFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		return &llm.Response{Text: "```json\n{\"answer\":\"grounded\",\"sources\":[{\"title\":\"S\",\"url\":\"https://s\",\"snippet\":\"x\"}]}\n```"}, nil
	})
	p := NewLLM(Config{Name: "llm_grounded", Priority: 1}, gen, true, zaptest.NewLogger(t))
	res, err := p.Search(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "grounded", res.Text)
	assert.Equal(t, []string{"https://s"}, res.URLs())
	assert.Equal(t, search.TierPremium, p.Tier())
}

func TestLLMPlainReturnsText(t *testing.T) {
	gen := llm.GeneratorFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		return &llm.Response{Text: "briefing"}, nil
	})
	p := NewLLM(Config{Name: "llm_plain", Priority: 2}, gen, false, nil)
	res, err := p.Search(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "briefing", res.Text)
	assert.Equal(t, search.TierStandard, p.Tier())
}

func TestBuildSkipsUnconfigured(t *testing.T) {
	cfgs := Defaults()
	cfgs[2].APIKey = "tavily-key"
	built, err := Build(cfgs, nil, nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	var names []string
	for _, p := range built {
		names = append(names, p.Name())
	}
	assert.Equal(t, []string{"tavily", "duckduckgo"}, names)

	_, err = Build([]Config{{Name: "bing", Enabled: true}}, nil, nil, nil)
	assert.Error(t, err)
}
