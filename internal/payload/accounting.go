package payload

import (
	"time"

	"github.com/skylift-os/update-agent/internal/metrics"
)

// UpdateRestarted begins a fresh download cycle for the current response:
// per-cycle byte counters and the reboot count restart, and the crash marker
// is armed so an unclean process death is noticed at next start.
func (s *State) UpdateRestarted() {
	for src := Source(0); src < numSources; src++ {
		s.setCurrentBytes(src, 0)
	}
	s.setNumReboots(0)
	s.setTime(keyLastBootTime, s.clock.BootTime())
	s.setAttemptInProgress(true)
	log.Info("download cycle restarted")
}

// UpdateResumed continues an interrupted cycle. A changed boot identity
// since the previous call means the machine rebooted mid-update.
func (s *State) UpdateResumed() {
	lastBoot := s.getTime(keyLastBootTime)
	curBoot := s.clock.BootTime()
	if !lastBoot.IsZero() && !curBoot.Equal(lastBoot) {
		s.setNumReboots(s.numReboots + 1)
		log.Info("reboot detected during update", "numReboots", s.numReboots)
	}
	s.setTime(keyLastBootTime, curBoot)
	s.setAttemptInProgress(true)
}

// UpdateEngineStarted runs once per process start. A crash marker left over
// from the previous run means that process died before reaching a clean
// success or reset; that is reported exactly once and the marker cleared.
func (s *State) UpdateEngineStarted() {
	if s.AttemptInProgress() {
		log.Warn("previous run terminated abnormally mid-attempt")
		s.metrics.ReportAbnormalTermination()
		s.setAttemptInProgress(false)
	}
}

// UpdateSucceeded reports the full attempt summary and clears all per-cycle
// state, including the total byte counters that survive response changes.
// targetVersion is the OS version the applied payload boots into.
func (s *State) UpdateSucceeded(targetVersion string) {
	now := s.clock.WallclockTime()

	var payloadSize int64
	payloadType := "full"
	if s.response != nil {
		for _, p := range s.response.Packages {
			payloadSize += p.Size
		}
	}
	if pkg := s.currentPackage(); pkg != nil && pkg.IsDelta {
		payloadType = "delta"
	}

	var totalDownloaded int64
	bytesBySource := make(map[string]int64, numSources)
	totalsBySource := make(map[string]int64, numSources)
	for src := Source(0); src < numSources; src++ {
		bytesBySource[src.String()] = s.currentBytes[src]
		totalsBySource[src.String()] = s.totalBytes[src]
		totalDownloaded += s.totalBytes[src]
	}

	overheadPct := 0.0
	if payloadSize > 0 && totalDownloaded > payloadSize {
		overheadPct = float64(totalDownloaded-payloadSize) / float64(payloadSize) * 100
	}

	var wallDuration time.Duration
	if start := s.getTime(keyUpdateTimestampStart); !start.IsZero() {
		wallDuration = now.Sub(start)
	}
	uptimeDuration := s.clock.MonotonicTime().Sub(s.monoStart)

	s.metrics.ReportSuccessfulUpdate(&metrics.AttemptSummary{
		PayloadType:         payloadType,
		PayloadSizeBytes:    payloadSize,
		BytesBySource:       bytesBySource,
		TotalBytesBySource:  totalsBySource,
		DownloadOverheadPct: overheadPct,
		WallclockDuration:   wallDuration,
		UptimeDuration:      uptimeDuration,
		Reboots:             s.numReboots,
		URLSwitches:         s.urlSwitchCount,
		PayloadAttempts:     s.payloadAttempt,
		FullPayloadAttempts: s.fullPayloadAttempt,
		ResponsesSeen:       s.numResponsesSeen,
	})

	// Arm failed-boot bookkeeping: remember the slot we are booted from now.
	// Still being in it at next start means the applied image did not boot.
	if s.boot != nil && targetVersion != "" {
		if slot, ok := s.boot.CurrentSlot(); ok {
			s.setString(keyTargetVersion, targetVersion)
			s.setString(keyExpectedBootSlot, slot)
		}
	}

	for src := Source(0); src < numSources; src++ {
		s.setCurrentBytes(src, 0)
		s.setTotalBytes(src, 0)
	}
	s.numResponsesSeen = 0
	s.setInt64(keyNumResponsesSeen, 0)
	s.resetP2PAttempts()
	s.setAttemptInProgress(false)

	// The staged version obsoletes URL exclusions accumulated against the
	// one it replaces.
	if !s.excluder.Reset() {
		log.Warn("failed to reset payload exclusions")
	}

	log.Info("update succeeded",
		"targetVersion", targetVersion,
		"payloadType", payloadType,
		"wallDuration", wallDuration,
		"reboots", s.numReboots,
	)
}

// ReportFailedBootIfNeeded checks whether a previously applied update
// actually booted. Called once per process start, before any new attempt.
func (s *State) ReportFailedBootIfNeeded() {
	target, ok := s.store.GetString(keyTargetVersion)
	if !ok || target == "" {
		return
	}
	expectedSlot, ok := s.store.GetString(keyExpectedBootSlot)
	if !ok || s.boot == nil {
		return
	}
	slot, ok := s.boot.CurrentSlot()
	if !ok {
		return
	}

	if slot == expectedSlot {
		// Still booted from the slot the update was applied from: the new
		// image never came up. Count cumulatively per target version.
		count := s.getInt64(keyFailedBootCount) + 1
		s.setInt64(keyFailedBootCount, count)
		s.metrics.ReportFailedBootCount(target, count)
		log.Warn("applied update failed to boot", "targetVersion", target, "count", count)
		return
	}

	// Boot environment moved on; the marker is stale.
	s.clearFailedBootMarker()
}

func (s *State) clearFailedBootMarker() {
	for _, key := range []string{keyTargetVersion, keyExpectedBootSlot, keyFailedBootCount} {
		if err := s.store.Delete(key); err != nil {
			log.Warn("failed to clear field", "key", key, "error", err)
		}
	}
}

func (s *State) setAttemptInProgress(v bool) {
	if v {
		if err := s.store.SetBool(keyAttemptInProgress, true); err != nil {
			log.Warn("failed to persist crash marker", "error", err)
		}
		return
	}
	if err := s.store.Delete(keyAttemptInProgress); err != nil {
		log.Warn("failed to clear crash marker", "error", err)
	}
}

// Rollback bookkeeping lives in the powerwash-safe store so it survives a
// factory reset. Without that store the setters degrade to no-ops.

func (s *State) RollbackHappened() bool {
	if s.powerwash == nil {
		return false
	}
	v, _ := s.powerwash.GetBool(keyRollbackHappened)
	return v
}

func (s *State) SetRollbackHappened(v bool) {
	if s.powerwash == nil {
		return
	}
	var err error
	if v {
		err = s.powerwash.SetBool(keyRollbackHappened, true)
	} else {
		err = s.powerwash.Delete(keyRollbackHappened)
	}
	if err != nil {
		log.Warn("failed to persist rollback flag", "error", err)
	}
}

func (s *State) RollbackVersion() string {
	if s.powerwash == nil {
		return ""
	}
	v, _ := s.powerwash.GetString(keyRollbackVersion)
	return v
}

// SetRollbackVersion records the version rolled back from and reports the
// rollback to metrics.
func (s *State) SetRollbackVersion(version string) {
	if s.powerwash == nil {
		return
	}
	if err := s.powerwash.SetString(keyRollbackVersion, version); err != nil {
		log.Warn("failed to persist rollback version", "error", err)
		return
	}
	s.metrics.ReportRollbackResult(true, version)
}
