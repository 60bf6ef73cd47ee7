package app

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wneessen/go-mail"

	"github.com/hyperifyio/kindlesender/internal/deliver"
	"github.com/hyperifyio/kindlesender/internal/fetch"
	"github.com/hyperifyio/kindlesender/internal/pipeline"
)

const articleHTML = `<!DOCTYPE html><html lang="en"><head><title>Ocean Currents Explained</title></head><body>
<nav><a href="/">Home</a></nav>
<article><h1>Ocean Currents Explained</h1>
<p>Warm surface water flows toward the poles, carrying heat away from the tropics and shaping the climate of entire continents along the way.</p>
<p>Cold deep water returns along the ocean floor, completing a loop that takes roughly a thousand years to finish for any single parcel of water.</p>
<p>Winds, the rotation of the earth and differences in salt content all push on the currents, which is why their paths bend and split.</p>
</article><footer>Copyright Example Media</footer></body></html>`

func articleServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ocean" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(articleHTML))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func fileConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.OutputDir = t.TempDir()
	cfg.MinTextChars = 100
	return cfg
}

func TestSend_ToFile(t *testing.T) {
	site := articleServer(t)
	cfg := fileConfig(t)
	a, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)

	res, err := a.Send(context.Background(), site.URL+"/ocean")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageDone, res.Stage)
	require.NotNil(t, res.Receipt)
	assert.True(t, res.Receipt.Success)
	assert.Equal(t, cfg.OutputDir, filepath.Dir(res.Receipt.Path))

	data, err := os.ReadFile(res.Receipt.Path)
	require.NoError(t, err)
	assert.Equal(t, res.Package.Data, data, "written file differs from the package")
}

func TestSend_NotFound(t *testing.T) {
	site := articleServer(t)
	a, err := New(fileConfig(t), zerolog.Nop())
	require.NoError(t, err)

	res, err := a.Send(context.Background(), site.URL+"/missing")
	assert.True(t, fetch.IsKind(err, fetch.KindStatus), "got %v", err)
	assert.Equal(t, pipeline.StageFetching, pipeline.FailedStage(err))
	assert.Nil(t, res.Receipt)
}

func TestSend_DryRun(t *testing.T) {
	site := articleServer(t)
	cfg := DefaultConfig()
	cfg.DryRun = true
	cfg.OutputDir = ""
	cfg.MinTextChars = 100
	a, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)

	res, err := a.Send(context.Background(), site.URL+"/ocean")
	require.NoError(t, err)
	assert.Contains(t, res.Markdown, "Cold deep water returns")
	assert.Nil(t, res.Package)
}

type captureSender struct{ msgs []*mail.Msg }

func (c *captureSender) DialAndSendWithContext(_ context.Context, msgs ...*mail.Msg) error {
	c.msgs = append(c.msgs, msgs...)
	return nil
}

func TestSend_Email(t *testing.T) {
	site := articleServer(t)
	cfg := DefaultConfig()
	cfg.Method = "email"
	cfg.KindleAddress = "reader@kindle.com"
	cfg.SMTPHost = "smtp.example.com"
	cfg.SMTPFrom = "me@example.com"
	cfg.MinTextChars = 100
	sender := &captureSender{}
	a, err := New(cfg, zerolog.Nop(), WithSender(sender))
	require.NoError(t, err)

	res, err := a.Send(context.Background(), site.URL+"/ocean")
	require.NoError(t, err)
	assert.Len(t, sender.msgs, 1)
	require.NotNil(t, res.Receipt)
	assert.Equal(t, deliver.MethodEmail, res.Receipt.Method)
	assert.Equal(t, 1, res.Receipt.Attempts)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Method = "email"
	_, err := New(cfg, zerolog.Nop())
	assert.Error(t, err)
}

func TestServeListener(t *testing.T) {
	site := articleServer(t)
	a, err := New(fileConfig(t), zerolog.Nop())
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.ServeListener(ctx, ln) }()
	base := "http://" + ln.Addr().String()

	body := strings.NewReader(`{"url":"` + site.URL + `/ocean"}`)
	resp, err := http.Post(base+"/api/send", "application/json", body)
	require.NoError(t, err)
	var accepted struct {
		JobID   string `json:"job_id"`
		PollURL string `json:"poll_url"`
	}
	err = json.NewDecoder(resp.Body).Decode(&accepted)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var snap pipeline.JobSnapshot
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + accepted.PollURL)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		snap = pipeline.JobSnapshot{}
		if json.NewDecoder(resp.Body).Decode(&snap) != nil {
			return false
		}
		return snap.Status == pipeline.StatusSucceeded || snap.Status == pipeline.StatusFailed
	}, 5*time.Second, 20*time.Millisecond)
	require.Equal(t, pipeline.StatusSucceeded, snap.Status, "%+v", snap)
	require.NotNil(t, snap.Receipt)
	assert.NotEmpty(t, snap.Receipt.Path)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	metrics, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(metrics), `kindlesender_runs_total{outcome="done"} 1`)
	assert.Contains(t, string(metrics), "go_goroutines")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("server did not shut down")
	}
}
