// Package pipeline drives one update cycle end to end: check the server,
// feed the answer to the payload state machine, then download, verify, and
// stage each payload the response carries. All retry, backoff, and URL
// rotation decisions belong to the state machine; the pipeline only reports
// what happened and obeys what the machine says next.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/skylift-os/update-agent/internal/excluder"
	"github.com/skylift-os/update-agent/internal/logging"
	"github.com/skylift-os/update-agent/internal/omaha"
	"github.com/skylift-os/update-agent/internal/payload"
)

var log = logging.L("pipeline")

// Applier installs a downloaded and verified payload. Writing the image to
// its partition is the platform installer's job; the default implementation
// stages the verified file for it.
type Applier interface {
	Apply(ctx context.Context, path string, pkg *omaha.Package) error
}

// ErrBackoff is returned when the state machine holds the download back.
var ErrBackoff = errors.New("download in backoff")

// ErrNoUsableURL is returned when every candidate URL of a payload has been
// tried or excluded in this cycle.
var ErrNoUsableURL = errors.New("no usable download url")

// Config wires a Pipeline.
type Config struct {
	Client      *omaha.Client
	State       *payload.State
	Applier     Applier
	Excluder    excluder.Excluder
	DownloadDir string

	// P2PEnabled permits fetching payload bytes from a local peer when the
	// platform's discovery daemon has announced one via SetP2PURL.
	P2PEnabled bool

	// HTTPClient overrides the download client, for tests.
	HTTPClient *http.Client
}

type Pipeline struct {
	client   *omaha.Client
	state    *payload.State
	applier  Applier
	excluder excluder.Excluder
	dir      string
	p2p      bool
	http     *http.Client
}

func New(cfg Config) *Pipeline {
	hc := cfg.HTTPClient
	if hc == nil {
		// No overall timeout: payloads are large and progress-monitored.
		hc = &http.Client{Transport: &http.Transport{
			ResponseHeaderTimeout: 2 * time.Minute,
		}}
	}
	return &Pipeline{
		client:   cfg.Client,
		state:    cfg.State,
		applier:  cfg.Applier,
		excluder: cfg.Excluder,
		dir:      cfg.DownloadDir,
		p2p:      cfg.P2PEnabled,
		http:     hc,
	}
}

// RunOnce performs one full check/download/apply cycle. A server answer of
// "no update" and a backoff hold both end the cycle without error to the
// scheduler; ErrBackoff distinguishes the hold for interactive callers.
func (p *Pipeline) RunOnce(ctx context.Context, interactive bool) error {
	alog := logging.WithAttempt(log, uuid.NewString())
	ctx = logging.NewContext(ctx, alog)

	p.state.SetInteractive(interactive)

	resp, err := p.client.Check(ctx)
	if errors.Is(err, omaha.ErrNoUpdate) {
		alog.Info("no update available")
		return nil
	}
	if err != nil {
		return fmt.Errorf("update check: %w", err)
	}

	isNew := p.state.SetResponse(resp)
	if !isNew && p.state.AttemptInProgress() {
		p.state.UpdateResumed()
	} else {
		p.state.UpdateRestarted()
	}

	if p.state.ShouldBackoffDownload() {
		alog.Info("download held back", "until", p.state.BackoffExpiry())
		return ErrBackoff
	}

	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}

	applied := 0
	var lastErr error
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.processCurrentPayload(ctx, resp); err != nil {
			lastErr = err
			alog.Warn("payload not applied",
				logging.KeyPayload, p.state.PayloadIndex(),
				logging.KeyError, err,
			)
		} else {
			applied++
		}
		if !p.state.NextPayload() {
			break
		}
	}

	if applied == 0 {
		return fmt.Errorf("update attempt made no progress: %w", lastErr)
	}
	p.state.UpdateSucceeded(resp.Version)
	return nil
}

// processCurrentPayload tries the current payload's candidate URLs in the
// order the state machine selects them, at most one pass over the list per
// cycle.
func (p *Pipeline) processCurrentPayload(ctx context.Context, resp *omaha.Response) error {
	alog := logging.FromContext(ctx)
	pkg := p.currentPackage(resp)
	if pkg == nil {
		return ErrNoUsableURL
	}

	if p.p2p {
		if path, ok := p.tryPeerDownload(ctx, pkg); ok {
			return p.finish(ctx, path, pkg)
		}
	}

	for tries := p.state.CandidateURLCount(); tries > 0; tries-- {
		if err := ctx.Err(); err != nil {
			return err
		}

		url := p.state.CurrentURL()
		if url == "" {
			return ErrNoUsableURL
		}
		if p.excluder.IsExcluded(excluder.Name(url)) {
			alog.Info("skipping excluded url", logging.KeyURL, url)
			p.state.IncrementURLIndex()
			continue
		}

		path, code := p.download(ctx, url, pkg)
		if code != payload.ErrorSuccess {
			p.state.UpdateFailed(code)
			continue
		}
		return p.finish(ctx, path, pkg)
	}
	return ErrNoUsableURL
}

// finish closes the download phase of one payload and hands it to the
// applier.
func (p *Pipeline) finish(ctx context.Context, path string, pkg *omaha.Package) error {
	p.state.DownloadComplete()
	if err := p.applier.Apply(ctx, path, pkg); err != nil {
		return fmt.Errorf("apply %s: %w", pkg.Name, err)
	}
	logging.FromContext(ctx).Info("payload applied", "name", pkg.Name, "size", pkg.Size)
	return nil
}

// tryPeerDownload fetches the payload from the announced local peer. Peer
// attempts are bounded by the state machine's budget and window; a failed or
// disallowed attempt falls back to the origin servers without burning their
// per-URL failure budget.
func (p *Pipeline) tryPeerDownload(ctx context.Context, pkg *omaha.Package) (string, bool) {
	url := p.state.P2PURL()
	if url == "" {
		return "", false
	}
	alog := logging.FromContext(ctx)

	p.state.P2PNewAttempt()
	if !p.state.P2PAttemptAllowed() {
		alog.Info("peer download budget exhausted, using origin servers")
		p.state.SetP2PURL("")
		return "", false
	}

	p.state.SetUsingP2PForDownloading(true)
	defer p.state.SetUsingP2PForDownloading(false)

	start := time.Now()
	path, code := p.download(ctx, url, pkg)
	if code != payload.ErrorSuccess {
		alog.Warn("peer download failed, using origin servers",
			logging.KeyURL, url,
			"code", code.String(),
		)
		return "", false
	}
	alog.Info("payload fetched from peer",
		logging.KeyURL, url,
		logging.KeyDurationMs, time.Since(start).Milliseconds(),
	)
	return path, true
}

func (p *Pipeline) currentPackage(resp *omaha.Response) *omaha.Package {
	idx := p.state.PayloadIndex()
	if idx < 0 || idx >= len(resp.Packages) {
		return nil
	}
	return &resp.Packages[idx]
}

// download streams one payload to disk, reporting every chunk to the byte
// accounting, and verifies size and hash before handing the file over.
func (p *Pipeline) download(ctx context.Context, url string, pkg *omaha.Package) (string, payload.ErrorCode) {
	dest := filepath.Join(p.dir, pkg.Name+".partial")

	code := p.fetch(ctx, url, dest, pkg)
	if code != payload.ErrorSuccess {
		os.Remove(dest)
		return "", code
	}
	return dest, payload.ErrorSuccess
}

func (p *Pipeline) fetch(ctx context.Context, url, dest string, pkg *omaha.Package) payload.ErrorCode {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return payload.ErrorDownloadTransfer
	}

	resp, err := p.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return payload.ErrorDownloadTimeout
		}
		return payload.ErrorDownloadTransfer
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logging.FromContext(ctx).Warn("download rejected",
			logging.KeyURL, url, "status", resp.StatusCode)
		return payload.ErrorDownloadHTTPStatus
	}

	f, err := os.Create(dest)
	if err != nil {
		return payload.ErrorDownloadTransfer
	}
	defer f.Close()

	hasher := sha256.New()
	var written int64
	buf := make([]byte, 128<<10)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return payload.ErrorDownloadTransfer
			}
			hasher.Write(buf[:n])
			written += int64(n)
			p.state.DownloadProgress(int64(n))
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if errors.Is(rerr, context.DeadlineExceeded) {
				return payload.ErrorDownloadTimeout
			}
			return payload.ErrorDownloadTransfer
		}
	}
	if err := f.Sync(); err != nil {
		return payload.ErrorDownloadTransfer
	}

	if pkg.Size > 0 && written != pkg.Size {
		logging.FromContext(ctx).Warn("payload size mismatch",
			logging.KeyURL, url, "got", written, "want", pkg.Size)
		return payload.ErrorPayloadSizeMismatch
	}
	if pkg.Hash == "" {
		return payload.ErrorSignatureMissing
	}
	if got := hex.EncodeToString(hasher.Sum(nil)); got != pkg.Hash {
		logging.FromContext(ctx).Warn("payload hash mismatch",
			logging.KeyURL, url, "got", got, "want", pkg.Hash)
		return payload.ErrorPayloadHashMismatch
	}
	return payload.ErrorSuccess
}
