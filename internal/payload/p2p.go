package payload

import "time"

const (
	// Hard caps on peer-to-peer downloading for one response: after this
	// many attempts, or this long after the first attempt, the agent falls
	// back to the origin servers.
	maxP2PAttempts      = 10
	maxP2PAttemptWindow = 5 * 24 * time.Hour
)

// P2PNewAttempt records the start of a peer download attempt. The first
// attempt for the current response anchors the deadline window.
func (s *State) P2PNewAttempt() {
	s.p2pNumAttempts++
	s.setInt64(keyP2PNumAttempts, s.p2pNumAttempts)

	if s.p2pFirstAttempt.IsZero() {
		s.p2pFirstAttempt = s.clock.WallclockTime()
		s.setTime(keyP2PFirstAttemptTimestamp, s.p2pFirstAttempt)
	}

	log.Info("p2p download attempt",
		"attempt", s.p2pNumAttempts,
		"firstAttempt", s.p2pFirstAttempt,
	)
}

// P2PAttemptAllowed reports whether the attempt just recorded may proceed.
// Exceeding either the attempt count or the time window permanently disables
// P2P for this response.
func (s *State) P2PAttemptAllowed() bool {
	if s.p2pNumAttempts > maxP2PAttempts {
		log.Info("p2p disabled, attempt budget exceeded", "attempts", s.p2pNumAttempts)
		return false
	}
	if !s.p2pFirstAttempt.IsZero() {
		if elapsed := s.clock.WallclockTime().Sub(s.p2pFirstAttempt); elapsed > maxP2PAttemptWindow {
			log.Info("p2p disabled, attempt window expired", "elapsed", elapsed)
			return false
		}
	}
	return true
}

func (s *State) resetP2PAttempts() {
	s.p2pNumAttempts = 0
	s.setInt64(keyP2PNumAttempts, 0)
	s.p2pFirstAttempt = time.Time{}
	s.setTime(keyP2PFirstAttemptTimestamp, time.Time{})
}

// P2PNumAttempts reports attempts recorded for the current response.
func (s *State) P2PNumAttempts() int64 { return s.p2pNumAttempts }

// P2PFirstAttemptTimestamp is zero until the first attempt is recorded.
func (s *State) P2PFirstAttemptTimestamp() time.Time { return s.p2pFirstAttempt }

// SetUsingP2PForDownloading flags that payload bytes are being fetched from
// a peer; byte accounting then lands on the peer source regardless of the
// current URL's scheme.
func (s *State) SetUsingP2PForDownloading(v bool) { s.p2pDownloading = v }

func (s *State) UsingP2PForDownloading() bool { return s.p2pDownloading }

// SetUsingP2PForSharing flags that this device is serving payload bytes to
// peers.
func (s *State) SetUsingP2PForSharing(v bool) { s.p2pSharing = v }

func (s *State) UsingP2PForSharing() bool { return s.p2pSharing }

// SetP2PURL records the peer URL in use, or "" when none.
func (s *State) SetP2PURL(url string) { s.p2pURL = url }

func (s *State) P2PURL() string { return s.p2pURL }
