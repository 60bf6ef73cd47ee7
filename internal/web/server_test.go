package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperifyio/kindlesender/internal/deliver"
	"github.com/hyperifyio/kindlesender/internal/ebook"
	"github.com/hyperifyio/kindlesender/internal/extract"
	"github.com/hyperifyio/kindlesender/internal/fetch"
	"github.com/hyperifyio/kindlesender/internal/pipeline"
)

type fakeRunner struct {
	err   error
	panic bool
	urls  chan string
}

func (f *fakeRunner) Run(ctx context.Context, u string, obs pipeline.Observer) (*pipeline.Result, error) {
	if f.panic {
		panic("boom")
	}
	if f.urls != nil {
		f.urls <- u
	}
	if obs != nil {
		obs(pipeline.Transition{From: pipeline.StageIdle, To: pipeline.StageFetching, At: time.Now()})
	}
	if f.err != nil {
		if obs != nil {
			obs(pipeline.Transition{From: pipeline.StageFetching, To: pipeline.StageFailed, At: time.Now()})
		}
		return &pipeline.Result{URL: u, Stage: pipeline.StageFailed}, f.err
	}
	rec := deliver.Receipt{Method: deliver.MethodEmail, Destination: "reader@kindle.com", Success: true, Attempts: 1}
	if obs != nil {
		obs(pipeline.Transition{From: pipeline.StageDelivering, To: pipeline.StageDone, At: time.Now()})
	}
	return &pipeline.Result{
		URL:       u,
		Stage:     pipeline.StageDone,
		Title:     "Ocean Currents Explained",
		WordCount: 800,
		Receipt:   &rec,
		Warnings:  []string{"dropped image https://example.com/big.png: too large"},
	}, nil
}

func newTestServer(t *testing.T, runner *fakeRunner) (*httptest.Server, *pipeline.Orchestrator) {
	t.Helper()
	orch := pipeline.NewOrchestrator(pipeline.OrchestratorConfig{Workers: 1}, runner, zerolog.Nop())
	orch.Start(context.Background())
	t.Cleanup(orch.Stop)
	reg := prometheus.NewRegistry()
	m := pipeline.NewMetrics(reg)
	m.Runs.WithLabelValues("done").Inc()
	srv := httptest.NewServer(NewServer(runner, orch, Options{Destination: "reader@kindle.com", Gatherer: reg}, zerolog.Nop()))
	t.Cleanup(srv.Close)
	return srv, orch
}

func body(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestForm(t *testing.T) {
	srv, _ := newTestServer(t, &fakeRunner{})
	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	page := body(t, resp)
	assert.Contains(t, page, `<form method="post" action="/send">`)
	assert.Contains(t, page, "reader@kindle.com")
}

func TestSend_Success(t *testing.T) {
	srv, _ := newTestServer(t, &fakeRunner{})
	resp, err := http.PostForm(srv.URL+"/send", url.Values{"url": {"https://example.com/article-123"}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	page := body(t, resp)
	assert.Contains(t, page, "Sent")
	assert.Contains(t, page, "Ocean Currents Explained")
	assert.Contains(t, page, "big.png")
}

func TestSend_FetchFailure(t *testing.T) {
	runner := &fakeRunner{err: &pipeline.StageError{Stage: pipeline.StageFetching,
		Err: &fetch.Error{Kind: fetch.KindStatus, URL: "https://example.com/missing", StatusCode: 404}}}
	srv, _ := newTestServer(t, runner)
	resp, err := http.PostForm(srv.URL+"/send", url.Values{"url": {"https://example.com/missing"}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	page := body(t, resp)
	assert.Contains(t, page, "Not sent")
	assert.Contains(t, page, "Could not fetch the page")
	assert.Contains(t, page, "fetching")
}

func TestSend_RejectsBadURL(t *testing.T) {
	runner := &fakeRunner{urls: make(chan string, 1)}
	srv, _ := newTestServer(t, runner)
	for _, raw := range []string{"", "ftp://example.com/x", "/relative", "javascript:alert(1)"} {
		resp, err := http.PostForm(srv.URL+"/send", url.Values{"url": {raw}})
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, raw)
		page := body(t, resp)
		assert.NotContains(t, page, "<script")
	}
	assert.Empty(t, runner.urls)
}

func TestAPI_SubmitAndPoll(t *testing.T) {
	srv, _ := newTestServer(t, &fakeRunner{})
	resp, err := http.Post(srv.URL+"/api/send", "application/json", strings.NewReader(`{"url":"https://example.com/article-123"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var accepted map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
	resp.Body.Close()
	id, _ := accepted["job_id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "/api/jobs/"+id, accepted["poll_url"])

	var snap pipeline.JobSnapshot
	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/api/jobs/" + id)
		if err != nil || resp.StatusCode != http.StatusOK {
			return false
		}
		defer resp.Body.Close()
		if json.NewDecoder(resp.Body).Decode(&snap) != nil {
			return false
		}
		return snap.Status == pipeline.StatusSucceeded
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Ocean Currents Explained", snap.Title)
	require.NotNil(t, snap.Receipt)
	assert.True(t, snap.Receipt.Success)
}

func TestAPI_BadRequests(t *testing.T) {
	srv, _ := newTestServer(t, &fakeRunner{})

	resp, err := http.Post(srv.URL+"/api/send", "application/json", strings.NewReader(`{"url":`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Post(srv.URL+"/api/send", "application/json", strings.NewReader(`{"url":"file:///etc/passwd"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body(t, resp), "http or https")

	resp, err = http.Get(srv.URL + "/api/jobs/does-not-exist")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t, &fakeRunner{})

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, body(t, resp))

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body(t, resp), `kindlesender_runs_total{outcome="done"} 1`)
}

func TestRecoversFromPanics(t *testing.T) {
	srv, _ := newTestServer(t, &fakeRunner{panic: true})
	resp, err := http.PostForm(srv.URL+"/send", url.Values{"url": {"https://example.com/a"}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	resp.Body.Close()
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{&fetch.Error{Kind: fetch.KindInvalidURL}, http.StatusBadRequest},
		{&fetch.Error{Kind: fetch.KindTimeout}, http.StatusGatewayTimeout},
		{&fetch.Error{Kind: fetch.KindStatus, StatusCode: 404}, http.StatusBadGateway},
		{&fetch.Error{Kind: fetch.KindUnsupportedContent}, http.StatusUnprocessableEntity},
		{&extract.Error{Kind: extract.KindNoArticleFound}, http.StatusUnprocessableEntity},
		{&ebook.PackagingError{Err: ebook.ErrEmptyArticle}, http.StatusInternalServerError},
		{&deliver.Error{Kind: deliver.KindTransientSMTPFailure}, http.StatusServiceUnavailable},
		{&deliver.Error{Kind: deliver.KindRejected}, http.StatusBadGateway},
		{&deliver.Error{Kind: deliver.KindWriteFailure}, http.StatusInternalServerError},
		{&pipeline.StageError{Stage: pipeline.StageBuilding, Err: context.Canceled}, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		code, msg := StatusFor(tc.err)
		assert.Equal(t, tc.code, code, "%v", tc.err)
		assert.NotEmpty(t, msg)
	}
}
