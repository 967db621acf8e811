package interceptors

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"
)

func headerServer(t *testing.T, seen *http.Header) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*seen = r.Header.Clone()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func get(ctx context.Context, url string) error {
	client := &http.Client{Transport: NewWorkflowHTTPRoundTripper(nil)}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

func TestRoundTripperOutsideActivity(t *testing.T) {
	var seen http.Header
	srv := headerServer(t, &seen)

	require.NoError(t, get(context.Background(), srv.URL))
	assert.Empty(t, seen.Get(HeaderWorkflowID))
}

func TestRoundTripperInsideActivity(t *testing.T) {
	var seen http.Header
	srv := headerServer(t, &seen)

	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestActivityEnvironment()
	fetch := func(ctx context.Context) error { return get(ctx, srv.URL) }
	env.RegisterActivity(fetch)

	_, err := env.ExecuteActivity(fetch)
	require.NoError(t, err)
	assert.NotEmpty(t, seen.Get(HeaderWorkflowID))
}
