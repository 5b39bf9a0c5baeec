package payload

import (
	"math/rand"
	"strings"
	"time"
)

const (
	// Backoff doubles per full-payload attempt up to this many days.
	maxBackoffDays = 16

	// Fuzz window applied around the backoff expiry so a fleet of clients
	// that failed together does not retry together.
	backoffFuzz = 12 * time.Hour
)

// Fuzzer produces the randomized perturbation of the backoff expiry.
// Injectable so tests are deterministic.
type Fuzzer interface {
	// Fuzz returns a duration uniformly distributed in [-window/2, window/2].
	Fuzz(window time.Duration) time.Duration
}

type randFuzzer struct {
	r *rand.Rand
}

// NewFuzzer returns a seeded production Fuzzer.
func NewFuzzer(seed uint64) Fuzzer {
	return &randFuzzer{r: rand.New(rand.NewSource(int64(seed ^ 0x9e3779b97f4a7c15)))}
}

func (f *randFuzzer) Fuzz(window time.Duration) time.Duration {
	if window <= 0 {
		return 0
	}
	return time.Duration(f.r.Int63n(int64(window)+1)) - window/2
}

// UpdateFailed records a failed download/verification step and applies the
// matching retry policy: source-corruption codes rotate the URL immediately,
// everything else burns the per-URL failure budget.
func (s *State) UpdateFailed(code ErrorCode) {
	if code == ErrorSuccess {
		return
	}
	s.metrics.ReportUpdateError(int(code), code.String())

	if s.response == nil || len(s.candidates) == 0 {
		log.Warn("ignoring failure with no active response", "code", code.String())
		return
	}

	log.Info("update attempt failed",
		"code", code.String(),
		"urlIndex", s.urlIndex,
		"urlFailureCount", s.urlFailureCount,
	)

	if code.advancesURL() {
		s.IncrementURLIndex()
	} else {
		s.IncrementFailureCount()
	}
}

// IncrementFailureCount bumps the per-URL failure count. Hitting the
// response's per-URL budget excludes the payload (when excludable) and
// rotates to the next URL, which resets the count.
func (s *State) IncrementFailureCount() {
	s.setURLFailureCount(s.urlFailureCount + 1)
	if s.response != nil && s.urlFailureCount >= int64(s.response.MaxFailureCountPerURL) {
		log.Info("url failure budget exhausted",
			"urlFailureCount", s.urlFailureCount,
			"maxPerUrl", s.response.MaxFailureCountPerURL,
		)
		s.ExcludeCurrentPayload()
		s.IncrementURLIndex()
	}
}

// DownloadProgress accounts bytes received on the active source. Any
// forward progress forgives prior transient failures on this URL.
func (s *State) DownloadProgress(bytes int64) {
	if bytes <= 0 {
		return
	}
	src := s.currentSource()
	s.setCurrentBytes(src, s.currentBytes[src]+bytes)
	s.setTotalBytes(src, s.totalBytes[src]+bytes)

	if s.urlFailureCount != 0 {
		s.setURLFailureCount(0)
	}
}

func (s *State) currentSource() Source {
	if s.p2pDownloading {
		return SourceHTTPPeer
	}
	if strings.HasPrefix(strings.ToLower(s.CurrentURL()), "https://") {
		return SourceHTTPSServer
	}
	return SourceHTTPServer
}

// DownloadComplete closes the download phase of the current payload as a
// full successful cycle: the attempt numbers advance and backoff is
// recomputed, so a subsequent verification/apply failure waits before
// re-downloading.
func (s *State) DownloadComplete() {
	s.incrementPayloadAttemptNumber()
}

func (s *State) incrementPayloadAttemptNumber() {
	s.setPayloadAttemptNumber(s.payloadAttempt + 1)
	if pkg := s.currentPackage(); pkg != nil && !pkg.IsDelta {
		s.setFullPayloadAttemptNumber(s.fullPayloadAttempt + 1)
	}
	s.updateBackoffExpiry()
}

// ShouldBackoffDownload reports whether the next download must wait.
// Backoff never applies to delta payloads, interactive attempts, responses
// that disable it, or while P2P is actively serving the download.
func (s *State) ShouldBackoffDownload() bool {
	if s.response == nil || s.response.DisablePayloadBackoff {
		return false
	}
	if pkg := s.currentPackage(); pkg != nil && pkg.IsDelta {
		return false
	}
	if s.interactive {
		return false
	}
	if s.p2pDownloading && s.p2pURL != "" {
		return false
	}
	return s.backoffExpiry.After(s.clock.WallclockTime())
}

// updateBackoffExpiry recomputes the persisted backoff deadline from the
// full-payload attempt number: 1, 2, 4, 8 days, then capped at 16, fuzzed by
// up to ±6 hours.
func (s *State) updateBackoffExpiry() {
	if s.response == nil || s.response.DisablePayloadBackoff {
		s.setBackoffExpiry(time.Time{})
		return
	}
	if pkg := s.currentPackage(); pkg != nil && pkg.IsDelta {
		s.setBackoffExpiry(time.Time{})
		return
	}
	if s.fullPayloadAttempt < 1 {
		s.setBackoffExpiry(time.Time{})
		return
	}

	days := int64(maxBackoffDays)
	if shift := s.fullPayloadAttempt - 1; shift < 5 {
		days = int64(1) << shift
	}

	expiry := s.clock.WallclockTime().
		Add(time.Duration(days) * 24 * time.Hour).
		Add(s.fuzzer.Fuzz(backoffFuzz))
	s.setBackoffExpiry(expiry)

	log.Info("backoff recomputed",
		"fullPayloadAttempt", s.fullPayloadAttempt,
		"days", days,
		"expiry", expiry,
	)
}
