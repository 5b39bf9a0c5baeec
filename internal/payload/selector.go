package payload

import (
	"strings"
	"time"

	"github.com/skylift-os/update-agent/internal/excluder"
	"github.com/skylift-os/update-agent/internal/omaha"
)

// candidateURLs filters a package's URL list per device policy: HTTPS is
// always acceptable, HTTP only when policy allows it. No installed policy, or
// a policy without the field, defaults to HTTP allowed. Order is preserved.
func (s *State) candidateURLs(pkg *omaha.Package) []string {
	httpOK := true
	if s.policy != nil {
		if enabled, ok := s.policy.HTTPDownloadsEnabled(); ok {
			httpOK = enabled
		}
	}

	var out []string
	for _, u := range pkg.URLs {
		if strings.HasPrefix(strings.ToLower(u), "https://") || httpOK {
			out = append(out, u)
		}
	}
	return out
}

func (s *State) recomputeCandidates() {
	pkg := s.currentPackage()
	if pkg == nil {
		s.candidates = nil
		return
	}
	s.candidates = s.candidateURLs(pkg)
}

// CurrentURL returns the active candidate URL, or "" when none is available.
func (s *State) CurrentURL() string {
	if int(s.urlIndex) >= len(s.candidates) {
		return ""
	}
	return s.candidates[s.urlIndex]
}

// CandidateURLCount reports the size of the active filtered URL list.
func (s *State) CandidateURLCount() int {
	return len(s.candidates)
}

// IncrementURLIndex rotates to the next candidate URL. Wrapping back to the
// first URL means every candidate has been tried once, which closes a payload
// attempt: the attempt numbers advance and backoff is recomputed. Every call
// counts as a URL switch and clears the per-URL failure count.
func (s *State) IncrementURLIndex() {
	if len(s.candidates) == 0 {
		s.setURLFailureCount(0)
		return
	}

	next := s.urlIndex + 1
	if next < int64(len(s.candidates)) {
		s.setURLIndex(next)
	} else {
		s.setURLIndex(0)
		s.incrementPayloadAttemptNumber()
	}

	s.setURLSwitchCount(s.urlSwitchCount + 1)
	log.Info("switched payload url",
		"urlIndex", s.urlIndex,
		"urlSwitchCount", s.urlSwitchCount,
	)
}

// NextPayload advances to the next package of the response, resetting the
// per-payload cursor state. Returns false once no packages remain; repeated
// calls after exhaustion stay false without mutating anything.
func (s *State) NextPayload() bool {
	if s.response == nil || s.payloadsExhausted {
		return false
	}

	next := s.payloadIndex + 1
	if int(next) >= len(s.response.Packages) {
		s.payloadsExhausted = true
		s.recomputeCandidates()
		log.Info("payloads exhausted", "packages", len(s.response.Packages))
		return false
	}

	s.setPayloadIndex(next)
	s.setURLIndex(0)
	s.setBackoffExpiry(time.Time{})
	s.resetP2PAttempts()
	s.recomputeCandidates()

	log.Info("advanced to next payload", "payloadIndex", s.payloadIndex)
	return true
}

// ExcludeCurrentPayload blacklists the active payload's current URL
// identifier. Only excludable (non-critical) packages are affected, and the
// call is a permanent no-op once payloads are exhausted.
func (s *State) ExcludeCurrentPayload() {
	pkg := s.currentPackage()
	if pkg == nil || !pkg.CanExclude {
		return
	}
	url := s.CurrentURL()
	if url == "" {
		return
	}
	if !s.excluder.Exclude(excluder.Name(url)) {
		log.Warn("failed to exclude payload url", "url", url)
	}
}
