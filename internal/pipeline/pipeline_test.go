package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skylift-os/update-agent/internal/clock"
	"github.com/skylift-os/update-agent/internal/excluder"
	"github.com/skylift-os/update-agent/internal/metrics"
	"github.com/skylift-os/update-agent/internal/omaha"
	"github.com/skylift-os/update-agent/internal/payload"
	"github.com/skylift-os/update-agent/internal/prefs"
)

type fakeApplier struct {
	applied []string
	err     error
}

func (a *fakeApplier) Apply(_ context.Context, path string, pkg *omaha.Package) error {
	if a.err != nil {
		return a.err
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("applied path missing: %w", err)
	}
	a.applied = append(a.applied, pkg.Name)
	return nil
}

type pipelineEnv struct {
	state *payload.State
	rec   *metrics.Recorder
	exc   excluder.Excluder
	clk   *clock.Fake
	app   *fakeApplier
	pipe  *Pipeline
}

// newPipelineEnv builds a pipeline against a test server. checkBody supplies
// the update-check answer; payload requests fall through to mux.
func newPipelineEnv(t *testing.T, mux *http.ServeMux, checkBody func() string, opts ...func(*Config)) (*pipelineEnv, *httptest.Server) {
	t.Helper()

	mux.HandleFunc("/service/update2/json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, checkBody())
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	env := &pipelineEnv{
		rec: metrics.NewRecorder(),
		exc: excluder.New(prefs.NewMem()),
		clk: clock.NewFake(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)),
		app: &fakeApplier{},
	}
	env.state = payload.New(&payload.Config{
		Store:          prefs.NewMem(),
		PowerwashStore: prefs.NewMem(),
		Clock:          env.clk,
		Fuzzer:         payload.NewFuzzer(1),
		Metrics:        env.rec,
		Excluder:       env.exc,
	})
	cfg := Config{
		Client: omaha.NewClient(omaha.ClientConfig{
			ServerURL: srv.URL,
			AppID:     "{test-app}",
			Version:   "15119.0.0",
		}),
		State:       env.state,
		Applier:     env.app,
		Excluder:    env.exc,
		DownloadDir: t.TempDir(),
		HTTPClient:  srv.Client(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	env.pipe = New(cfg)
	return env, srv
}

func withP2P(cfg *Config) { cfg.P2PEnabled = true }

func hashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// checkAnswer renders an update-check answer offering one package at the
// given codebases.
func checkAnswer(data []byte, codebases ...string) string {
	urls := ""
	for _, cb := range codebases {
		if urls != "" {
			urls += ","
		}
		urls += fmt.Sprintf(`{"codebase": %q}`, cb)
	}
	return fmt.Sprintf(`{"response": {"protocol": "3.0", "app": [{
		"appid": "{test-app}", "status": "ok",
		"updatecheck": {
			"status": "ok",
			"urls": {"url": [%s]},
			"manifest": {
				"version": "15120.0.0",
				"packages": {"package": [
					{"name": "payload.bin", "hash_sha256": %q, "size": %d, "required": true}
				]},
				"actions": {"action": [
					{"event": "postinstall", "MaxFailureCountPerUrl": 3}
				]}
			}
		}
	}]}}`, urls, hashHex(data), len(data))
}

const noUpdateAnswer = `{"response": {"protocol": "3.0", "app": [{
	"appid": "{test-app}", "status": "ok",
	"updatecheck": {"status": "noupdate"}}]}}`

func TestRunOnceDownloadsVerifiesAndApplies(t *testing.T) {
	data := []byte("the new os image")
	mux := http.NewServeMux()
	mux.HandleFunc("/good/payload.bin", func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	})

	var srv *httptest.Server
	env, srv := newPipelineEnv(t, mux, func() string {
		return checkAnswer(data, srv.URL+"/good/")
	})

	require.NoError(t, env.pipe.RunOnce(context.Background(), false))
	require.Equal(t, []string{"payload.bin"}, env.app.applied)

	// A clean success reports a summary and leaves no residue.
	require.Len(t, env.rec.Summaries, 1)
	require.EqualValues(t, int64(len(data)),
		env.rec.Summaries[0].BytesBySource[payload.SourceHTTPServer.String()])
	require.False(t, env.state.AttemptInProgress())
	require.Zero(t, env.state.TotalBytesDownloaded(payload.SourceHTTPServer))
}

func TestRunOnceNoUpdate(t *testing.T) {
	env, _ := newPipelineEnv(t, http.NewServeMux(), func() string {
		return noUpdateAnswer
	})

	require.NoError(t, env.pipe.RunOnce(context.Background(), false))
	require.Empty(t, env.app.applied)
	require.Zero(t, env.state.NumResponsesSeen())
}

func TestRunOnceFailsOverToNextURL(t *testing.T) {
	data := []byte("the new os image")
	corrupt := []byte("THE NEW OS IMAGE") // same length, wrong hash
	mux := http.NewServeMux()
	mux.HandleFunc("/bad/payload.bin", func(w http.ResponseWriter, r *http.Request) {
		w.Write(corrupt)
	})
	mux.HandleFunc("/good/payload.bin", func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	})

	var srv *httptest.Server
	env, srv := newPipelineEnv(t, mux, func() string {
		return checkAnswer(data, srv.URL+"/bad/", srv.URL+"/good/")
	})

	require.NoError(t, env.pipe.RunOnce(context.Background(), false))
	require.Equal(t, []string{"payload.bin"}, env.app.applied)
	require.Len(t, env.rec.ErrorCodes, 1)
	require.Equal(t, int(payload.ErrorPayloadHashMismatch), env.rec.ErrorCodes[0])
}

func TestRunOnceEntersBackoffAfterFailedCycle(t *testing.T) {
	data := []byte("the new os image")
	corrupt := []byte("THE NEW OS IMAGE")
	mux := http.NewServeMux()
	var badHits int
	mux.HandleFunc("/bad/payload.bin", func(w http.ResponseWriter, r *http.Request) {
		badHits++
		w.Write(corrupt)
	})

	var srv *httptest.Server
	env, srv := newPipelineEnv(t, mux, func() string {
		return checkAnswer(data, srv.URL+"/bad/")
	})

	// The single URL serves a corrupt payload: the cycle fails and, having
	// wrapped the URL list, arms backoff.
	err := env.pipe.RunOnce(context.Background(), false)
	require.Error(t, err)
	require.Empty(t, env.app.applied)
	require.EqualValues(t, 1, env.state.FullPayloadAttemptNumber())
	require.Equal(t, 1, badHits)

	// The periodic re-check is now held back.
	require.ErrorIs(t, env.pipe.RunOnce(context.Background(), false), ErrBackoff)
	require.Equal(t, 1, badHits)

	// An interactive check is not: it genuinely re-downloads.
	err = env.pipe.RunOnce(context.Background(), true)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrBackoff)
	require.Equal(t, 2, badHits)
}

func TestRunOnceSkipsExcludedURL(t *testing.T) {
	data := []byte("the new os image")
	mux := http.NewServeMux()
	var badHits int
	mux.HandleFunc("/bad/payload.bin", func(w http.ResponseWriter, r *http.Request) {
		badHits++
		http.Error(w, "gone", http.StatusGone)
	})
	mux.HandleFunc("/good/payload.bin", func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	})

	var srv *httptest.Server
	env, srv := newPipelineEnv(t, mux, func() string {
		return checkAnswer(data, srv.URL+"/bad/", srv.URL+"/good/")
	})
	env.exc.Exclude(excluder.Name(srv.URL + "/bad/payload.bin"))

	require.NoError(t, env.pipe.RunOnce(context.Background(), false))
	require.Equal(t, []string{"payload.bin"}, env.app.applied)
	require.Zero(t, badHits)
}

func TestRunOnceHTTPErrorBurnsFailureBudget(t *testing.T) {
	data := []byte("the new os image")
	mux := http.NewServeMux()
	mux.HandleFunc("/flaky/payload.bin", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/good/payload.bin", func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	})

	var srv *httptest.Server
	env, srv := newPipelineEnv(t, mux, func() string {
		return checkAnswer(data, srv.URL+"/flaky/", srv.URL+"/good/")
	})

	// Server errors are transient: they burn the per-URL failure budget
	// instead of rotating, so this cycle never reaches the second mirror.
	require.Error(t, env.pipe.RunOnce(context.Background(), false))
	require.Empty(t, env.app.applied)
	require.Equal(t, 0, env.state.URLIndex())
	require.EqualValues(t, 2, env.state.URLFailureCount())
}

func TestRunOnceFetchesFromPeerWhenEnabled(t *testing.T) {
	data := []byte("the new os image")
	mux := http.NewServeMux()
	var originHits int
	mux.HandleFunc("/good/payload.bin", func(w http.ResponseWriter, r *http.Request) {
		originHits++
		w.Write(data)
	})
	mux.HandleFunc("/peer/payload.bin", func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	})

	var srv *httptest.Server
	env, srv := newPipelineEnv(t, mux, func() string {
		return checkAnswer(data, srv.URL+"/good/")
	}, withP2P)
	env.state.SetP2PURL(srv.URL + "/peer/payload.bin")

	require.NoError(t, env.pipe.RunOnce(context.Background(), false))
	require.Equal(t, []string{"payload.bin"}, env.app.applied)
	require.Zero(t, originHits)

	// Peer bytes are accounted to the peer source regardless of scheme.
	require.Len(t, env.rec.Summaries, 1)
	require.EqualValues(t, int64(len(data)),
		env.rec.Summaries[0].BytesBySource[payload.SourceHTTPPeer.String()])
}

func TestRunOnceIgnoresPeerWhenDisabled(t *testing.T) {
	data := []byte("the new os image")
	mux := http.NewServeMux()
	var peerHits int
	mux.HandleFunc("/good/payload.bin", func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	})
	mux.HandleFunc("/peer/payload.bin", func(w http.ResponseWriter, r *http.Request) {
		peerHits++
		w.Write(data)
	})

	var srv *httptest.Server
	env, srv := newPipelineEnv(t, mux, func() string {
		return checkAnswer(data, srv.URL+"/good/")
	})
	env.state.SetP2PURL(srv.URL + "/peer/payload.bin")

	require.NoError(t, env.pipe.RunOnce(context.Background(), false))
	require.Equal(t, []string{"payload.bin"}, env.app.applied)
	require.Zero(t, peerHits)
}

func TestRunOncePeerFailureFallsBackToOrigin(t *testing.T) {
	data := []byte("the new os image")
	mux := http.NewServeMux()
	mux.HandleFunc("/good/payload.bin", func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	})
	mux.HandleFunc("/peer/payload.bin", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	var srv *httptest.Server
	env, srv := newPipelineEnv(t, mux, func() string {
		return checkAnswer(data, srv.URL+"/good/")
	}, withP2P)
	env.state.SetP2PURL(srv.URL + "/peer/payload.bin")

	require.NoError(t, env.pipe.RunOnce(context.Background(), false))
	require.Equal(t, []string{"payload.bin"}, env.app.applied)

	// A failed peer attempt does not burn the origin URL's failure budget
	// and does not count as an update error.
	require.Empty(t, env.rec.ErrorCodes)
}

func TestStagingApplierPromotesPartialFile(t *testing.T) {
	dir := t.TempDir()
	partial := filepath.Join(dir, "payload.bin.partial")
	require.NoError(t, os.WriteFile(partial, []byte("image"), 0o600))

	a := &StagingApplier{Dir: dir}
	pkg := &omaha.Package{Name: "payload.bin"}
	require.NoError(t, a.Apply(context.Background(), partial, pkg))

	final := filepath.Join(dir, "payload.bin")
	info, err := os.Stat(final)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o644), info.Mode().Perm())
	_, err = os.Stat(partial)
	require.True(t, os.IsNotExist(err))
}

func TestKernelBootReadsRootParameter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cmdline")
	require.NoError(t, os.WriteFile(path,
		[]byte("console=ttyS0 root=/dev/sda3 rootwait ro\n"), 0o600))

	b := &KernelBoot{CmdlinePath: path}
	slot, ok := b.CurrentSlot()
	require.True(t, ok)
	require.Equal(t, "/dev/sda3", slot)

	b.CmdlinePath = filepath.Join(t.TempDir(), "missing")
	_, ok = b.CurrentSlot()
	require.False(t, ok)
}
