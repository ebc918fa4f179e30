package server

import (
	"context"
	"io"
	"io/ioutil"
	"net"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yihanhsi-cmu-S25/load-generator/internal/config"
	"github.com/yihanhsi-cmu-S25/load-generator/internal/loadgen"
	"github.com/yihanhsi-cmu-S25/load-generator/internal/middleware"
)

type finished struct {
	req *loadgen.Request
	res loadgen.Result
	at  time.Time
}

func newTestServer(t *testing.T, cfg config.ServerConfig) (*Server, *test.Hook, chan finished) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	done := make(chan finished, 16)
	s := New(cfg, WithLogger(logrus.NewEntry(logger)))
	t.Cleanup(func() {
		_ = s.Close()
	})
	s.onDone = func(req *loadgen.Request, res loadgen.Result) {
		done <- finished{req: req, res: res, at: time.Now()}
	}
	return s, hook, done
}

func get(t *testing.T, url string) (*http.Response, string) {
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := ioutil.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func wait(t *testing.T, done chan finished, timeout time.Duration) finished {
	select {
	case f := <-done:
		return f
	case <-time.After(timeout):
		t.Fatalf("request not processed within %v", timeout)
		return finished{}
	}
}

func phaseMessages(hook *test.Hook) []string {
	var out []string
	for _, e := range hook.AllEntries() {
		if e.Message == "request completed" {
			continue
		}
		out = append(out, e.Message)
	}
	return out
}

func TestServer_Acknowledge(t *testing.T) {

	s, hook, done := newTestServer(t, config.Default())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, body := get(t, ts.URL+"/anything")
	f := wait(t, done, time.Second)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/html", resp.Header.Get("Content-Type"))
	assert.Equal(t, "Hello, Load Generator!", body)
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
	assert.Empty(t, f.res.Phases)
	assert.Equal(t, []string{"Request processed."}, phaseMessages(hook))
}

func TestServer_RespondsBeforeLoad(t *testing.T) {

	s, hook, done := newTestServer(t, config.Default())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	start := time.Now()
	resp, body := get(t, ts.URL+"/?delay_seconds=0.5")
	answered := time.Since(start)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, Body, body)
	assert.Less(t, int64(answered), int64(400*time.Millisecond))

	f := wait(t, done, 2*time.Second)
	assert.GreaterOrEqual(t, int64(f.at.Sub(start)), int64(500*time.Millisecond))
	assert.GreaterOrEqual(t, int64(f.res.DelayElapsed), int64(500*time.Millisecond))
	assert.Contains(t, phaseMessages(hook), "Delay finished.")
}

func TestServer_Defaults(t *testing.T) {

	cfg := config.Default()
	cfg.Defaults = config.Defaults{MemoryLoadMB: 2, DelaySeconds: 0.01}

	s, _, done := newTestServer(t, cfg)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	get(t, ts.URL+"/")
	f := wait(t, done, time.Second)

	assert.Equal(t, []loadgen.Phase{loadgen.PhaseMemory, loadgen.PhaseDelay}, f.res.Phases)
	assert.Equal(t, uint64(2*1024*1024), f.res.BallastBytes)
	assert.Nil(t, f.req.Ballast())

	get(t, ts.URL+"/?memory_load_mb=0&delay_seconds=0")
	f = wait(t, done, time.Second)
	assert.Empty(t, f.res.Phases)
}

func TestServer_MalformedParam(t *testing.T) {

	cfg := config.Default()
	cfg.Defaults.DelaySeconds = 0.01

	s, hook, done := newTestServer(t, cfg)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	for _, q := range []string{"delay_seconds=abc", "cpu_load_seconds=-1", "memory_load_mb=1.5"} {
		resp, body := get(t, ts.URL+"/?"+q)

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
		assert.Contains(t, body, strings.SplitN(q, "=", 2)[0], q)
	}

	select {
	case <-done:
		t.Fatal("load phases ran for a rejected request")
	default:
	}
	assert.NotContains(t, phaseMessages(hook), "Request processed.")
	assert.Equal(t, logrus.WarnLevel, hook.AllEntries()[0].Level)
}

func TestServer_MethodNotAllowed(t *testing.T) {

	s, _, _ := newTestServer(t, config.Default())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/", "text/plain", strings.NewReader("x"))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, "GET, HEAD", resp.Header.Get("Allow"))
}

func TestServer_Head(t *testing.T) {

	s, _, done := newTestServer(t, config.Default())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Head(ts.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()
	wait(t, done, time.Second)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(len(Body)), resp.ContentLength)
}

func TestServer_Close(t *testing.T) {

	s, _, _ := newTestServer(t, config.Default())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.errLog.Write([]byte("after close\n"))
	assert.Equal(t, io.ErrClosedPipe, err)
	assert.Error(t, s.phaseCtx.Err())
}

func TestServer_SharedTracker(t *testing.T) {

	tracker := &middleware.Tracker{}
	s := New(config.Default(), WithTracker(tracker), WithLogger(logrus.NewEntry(logrus.New())))
	defer s.Close()

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	get(t, ts.URL+"/")
	get(t, ts.URL+"/?delay_seconds=x")

	assert.Same(t, tracker, s.Tracker())
	assert.Equal(t, uint64(2), tracker.Total())
}

func TestServer_ConcurrentCPU(t *testing.T) {

	if runtime.GOMAXPROCS(0) < 2 {
		t.Skip("needs at least two threads of parallelism")
	}

	s, _, done := newTestServer(t, config.Default())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Get(ts.URL + "/?cpu_load_seconds=1")
			if err == nil {
				resp.Body.Close()
			}
		}()
	}
	wg.Wait()

	wait(t, done, 3*time.Second)
	last := wait(t, done, 3*time.Second)

	elapsed := last.at.Sub(start)
	assert.GreaterOrEqual(t, int64(elapsed), int64(time.Second))
	assert.Less(t, int64(elapsed), int64(1800*time.Millisecond))
	assert.Equal(t, uint64(2), s.Tracker().Total())
}

func TestServer_Shutdown(t *testing.T) {

	cfg := config.Default()
	cfg.ShutdownTimeout = 2 * time.Second

	s, hook, done := newTestServer(t, cfg)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.Serve(ctx, ln)
	}()

	resp, body := get(t, "http://"+ln.Addr().String()+"/?delay_seconds=30")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, Body, body)

	cancel()

	select {
	case err := <-serveErr:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}

	f := wait(t, done, time.Second)
	assert.True(t, f.res.Interrupted)

	_, err = s.errLog.Write([]byte("late\n"))
	assert.Equal(t, io.ErrClosedPipe, err)
	assert.Contains(t, phaseMessages(hook), "Serving at "+ln.Addr().String())
	assert.Contains(t, phaseMessages(hook), "shutting down")
}
