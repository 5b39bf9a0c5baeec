// Package payload implements the update attempt's retry, backoff, URL
// selection, byte accounting, and P2P deadline policy, persisted through the
// preference store so an attempt survives process restarts and reboots.
//
// The state machine runs on the pipeline's single control thread; no method
// here is safe for concurrent use and none needs to be. Persistence writes
// are per-field, recovery is self-healing: a missing or malformed persisted
// value reads back as its default, and an out-of-range persisted index forces
// a full counter reset.
package payload

import (
	"time"

	"github.com/skylift-os/update-agent/internal/clock"
	"github.com/skylift-os/update-agent/internal/excluder"
	"github.com/skylift-os/update-agent/internal/logging"
	"github.com/skylift-os/update-agent/internal/metrics"
	"github.com/skylift-os/update-agent/internal/omaha"
	"github.com/skylift-os/update-agent/internal/policy"
	"github.com/skylift-os/update-agent/internal/prefs"
)

var log = logging.L("payload")

// Source identifies where downloaded bytes came from.
type Source int

const (
	SourceHTTPServer Source = iota
	SourceHTTPSServer
	SourceHTTPPeer
	numSources
)

func (s Source) String() string {
	switch s {
	case SourceHTTPServer:
		return "http_server"
	case SourceHTTPSServer:
		return "https_server"
	case SourceHTTPPeer:
		return "http_peer"
	default:
		return "unknown"
	}
}

// BootControl reports the currently booted slot identity. Optional; without
// it failed-boot bookkeeping is skipped.
type BootControl interface {
	CurrentSlot() (slot string, ok bool)
}

// Config wires the state machine's collaborators. Store, Clock, Fuzzer,
// Metrics and Excluder are required; PowerwashStore, Policy and Boot may be
// nil (rollback bookkeeping, URL filtering, and failed-boot accounting
// degrade gracefully).
type Config struct {
	Store          prefs.Store
	PowerwashStore prefs.Store
	Clock          clock.Clock
	Fuzzer         Fuzzer
	Metrics        metrics.Reporter
	Excluder       excluder.Excluder
	Policy         policy.DevicePolicy
	Boot           BootControl
}

// State is the aggregate owning all retry/backoff/accounting policy for the
// current update attempt.
type State struct {
	store     prefs.Store
	powerwash prefs.Store
	clock     clock.Clock
	fuzzer    Fuzzer
	metrics   metrics.Reporter
	excluder  excluder.Excluder
	policy    policy.DevicePolicy
	boot      BootControl

	response  *omaha.Response
	signature string

	// Filtered candidate URL list of the active package.
	candidates []string

	payloadIndex       int64
	urlIndex           int64
	urlFailureCount    int64
	urlSwitchCount     int64
	payloadAttempt     int64
	fullPayloadAttempt int64
	numResponsesSeen   int64
	backoffExpiry      time.Time

	currentBytes [numSources]int64
	totalBytes   [numSources]int64
	numReboots   int64

	p2pDownloading  bool
	p2pSharing      bool
	p2pURL          string
	p2pNumAttempts  int64
	p2pFirstAttempt time.Time

	interactive       bool
	payloadsExhausted bool

	// Monotonic anchor of this process run, for the uptime share of the
	// success summary.
	monoStart time.Time
}

// New hydrates the state machine from the preference store. Construction
// never fails: unreadable fields start at their defaults.
func New(cfg *Config) *State {
	s := &State{
		store:     cfg.Store,
		powerwash: cfg.PowerwashStore,
		clock:     cfg.Clock,
		fuzzer:    cfg.Fuzzer,
		metrics:   cfg.Metrics,
		excluder:  cfg.Excluder,
		policy:    cfg.Policy,
		boot:      cfg.Boot,
	}
	s.monoStart = s.clock.MonotonicTime()
	s.load()
	return s
}

func (s *State) load() {
	s.signature, _ = s.store.GetString(keyResponseSignature)
	s.numResponsesSeen = s.getInt64(keyNumResponsesSeen)
	s.payloadIndex = s.getInt64(keyPayloadIndex)
	s.urlIndex = s.getInt64(keyURLIndex)
	s.urlFailureCount = s.getInt64(keyURLFailureCount)
	s.urlSwitchCount = s.getInt64(keyURLSwitchCount)
	s.payloadAttempt = s.getInt64(keyPayloadAttemptNumber)
	s.fullPayloadAttempt = s.getInt64(keyFullPayloadAttemptNumber)
	s.backoffExpiry = s.getTime(keyBackoffExpiryTime)
	s.numReboots = s.getInt64(keyNumReboots)
	s.p2pNumAttempts = s.getInt64(keyP2PNumAttempts)
	s.p2pFirstAttempt = s.getTime(keyP2PFirstAttemptTimestamp)
	for src := Source(0); src < numSources; src++ {
		s.currentBytes[src] = s.getInt64(keyCurrentBytesPrefix + src.String())
		s.totalBytes[src] = s.getInt64(keyTotalBytesPrefix + src.String())
	}
}

// SetResponse installs the result of an update check. A response whose
// signature matches the persisted one continues the existing attempt; a
// different signature is new work and resets every per-attempt counter.
// Returns whether the response was treated as new. Never fails.
func (s *State) SetResponse(resp *omaha.Response) bool {
	sig := resp.Signature()
	s.response = resp

	if sig == s.signature {
		// Same work re-delivered: the attempt continues, and a fresh pass
		// over the payload list begins. Re-validate persisted indices
		// against the response: out-of-range values mean store corruption
		// and force the same reset a new response would.
		s.payloadsExhausted = false
		if s.indicesValid() {
			s.recomputeCandidates()
			inRange := int(s.urlIndex) < len(s.candidates) ||
				(len(s.candidates) == 0 && s.urlIndex == 0)
			if inRange {
				log.Debug("update response unchanged", "signature", sig[:12])
				return false
			}
		}
		log.Warn("persisted payload indices out of range, resetting attempt state",
			"payloadIndex", s.payloadIndex,
			"urlIndex", s.urlIndex,
		)
		s.resetForNewResponse(sig, false)
		return false
	}

	log.Info("new update response",
		"signature", sig[:12],
		"packages", len(resp.Packages),
	)
	s.resetForNewResponse(sig, true)
	return true
}

func (s *State) indicesValid() bool {
	return s.payloadIndex >= 0 &&
		int(s.payloadIndex) < len(s.response.Packages) &&
		s.urlIndex >= 0
}

// resetForNewResponse clears everything a changed response invalidates.
// Total byte counters survive: they accumulate until an update succeeds.
func (s *State) resetForNewResponse(sig string, isNew bool) {
	s.signature = sig
	s.setString(keyResponseSignature, sig)

	if isNew {
		s.numResponsesSeen++
		s.setInt64(keyNumResponsesSeen, s.numResponsesSeen)
	}

	s.setPayloadIndex(0)
	s.setURLIndex(0)
	s.setURLSwitchCount(0)
	s.setPayloadAttemptNumber(0)
	s.setFullPayloadAttemptNumber(0)
	s.setBackoffExpiry(time.Time{})
	s.resetP2PAttempts()
	s.payloadsExhausted = false

	for src := Source(0); src < numSources; src++ {
		s.setCurrentBytes(src, 0)
	}

	s.setTime(keyUpdateTimestampStart, s.clock.WallclockTime())
	s.recomputeCandidates()
}

// Getters used by the pipeline, the status command, and tests.

func (s *State) NumResponsesSeen() int64         { return s.numResponsesSeen }
func (s *State) ResponseSignature() string       { return s.signature }
func (s *State) PayloadIndex() int               { return int(s.payloadIndex) }
func (s *State) URLIndex() int                   { return int(s.urlIndex) }
func (s *State) URLFailureCount() int64          { return s.urlFailureCount }
func (s *State) URLSwitchCount() int64           { return s.urlSwitchCount }
func (s *State) PayloadAttemptNumber() int64     { return s.payloadAttempt }
func (s *State) FullPayloadAttemptNumber() int64 { return s.fullPayloadAttempt }
func (s *State) BackoffExpiry() time.Time        { return s.backoffExpiry }
func (s *State) NumReboots() int64               { return s.numReboots }

func (s *State) CurrentBytesDownloaded(src Source) int64 { return s.currentBytes[src] }
func (s *State) TotalBytesDownloaded(src Source) int64   { return s.totalBytes[src] }

// SetInteractive marks the attempt as user-initiated; interactive attempts
// are never held back by backoff.
func (s *State) SetInteractive(v bool) { s.interactive = v }

// AttemptInProgress reports whether the crash marker is set.
func (s *State) AttemptInProgress() bool {
	return s.store.Exists(keyAttemptInProgress)
}

// currentPackage returns the active package, or nil before SetResponse or
// after exhaustion.
func (s *State) currentPackage() *omaha.Package {
	if s.response == nil || s.payloadsExhausted {
		return nil
	}
	if int(s.payloadIndex) >= len(s.response.Packages) {
		return nil
	}
	return &s.response.Packages[s.payloadIndex]
}

// Persistence helpers. Writes are best-effort: a failed write is logged and
// the in-memory value stands; the next process run self-heals from defaults.

func (s *State) getInt64(key string) int64 {
	v, _ := s.store.GetInt64(key)
	return v
}

func (s *State) setInt64(key string, v int64) {
	if err := s.store.SetInt64(key, v); err != nil {
		log.Warn("failed to persist field", "key", key, "error", err)
	}
}

func (s *State) setString(key, v string) {
	if err := s.store.SetString(key, v); err != nil {
		log.Warn("failed to persist field", "key", key, "error", err)
	}
}

func (s *State) getTime(key string) time.Time {
	v, ok := s.store.GetInt64(key)
	if !ok || v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v)
}

func (s *State) setTime(key string, t time.Time) {
	if t.IsZero() {
		if err := s.store.Delete(key); err != nil {
			log.Warn("failed to clear field", "key", key, "error", err)
		}
		return
	}
	s.setInt64(key, t.UnixNano())
}

func (s *State) setPayloadIndex(v int64) {
	s.payloadIndex = v
	s.setInt64(keyPayloadIndex, v)
}

// setURLIndex also clears the failure count: the count is scoped to one URL.
func (s *State) setURLIndex(v int64) {
	s.urlIndex = v
	s.setInt64(keyURLIndex, v)
	s.setURLFailureCount(0)
}

func (s *State) setURLFailureCount(v int64) {
	s.urlFailureCount = v
	s.setInt64(keyURLFailureCount, v)
}

func (s *State) setURLSwitchCount(v int64) {
	s.urlSwitchCount = v
	s.setInt64(keyURLSwitchCount, v)
}

func (s *State) setPayloadAttemptNumber(v int64) {
	s.payloadAttempt = v
	s.setInt64(keyPayloadAttemptNumber, v)
}

func (s *State) setFullPayloadAttemptNumber(v int64) {
	s.fullPayloadAttempt = v
	s.setInt64(keyFullPayloadAttemptNumber, v)
}

func (s *State) setBackoffExpiry(t time.Time) {
	s.backoffExpiry = t
	s.setTime(keyBackoffExpiryTime, t)
}

func (s *State) setCurrentBytes(src Source, v int64) {
	s.currentBytes[src] = v
	s.setInt64(keyCurrentBytesPrefix+src.String(), v)
}

func (s *State) setTotalBytes(src Source, v int64) {
	s.totalBytes[src] = v
	s.setInt64(keyTotalBytesPrefix+src.String(), v)
}

func (s *State) setNumReboots(v int64) {
	s.numReboots = v
	s.setInt64(keyNumReboots, v)
}
