package payload

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSetResponseNewWork(t *testing.T) {
	env := newTestEnv()

	require.True(t, env.state.SetResponse(singlePackageResponse()))
	require.EqualValues(t, 1, env.state.NumResponsesSeen())
	require.Equal(t, "http://a/payload.bin", env.state.CurrentURL())
	require.Equal(t, 2, env.state.CandidateURLCount())
}

func TestSetResponseChangeResetsAttemptState(t *testing.T) {
	env := newTestEnv()
	env.state.SetResponse(singlePackageResponse())

	// Accumulate attempt state against the first response.
	env.state.DownloadProgress(1000)
	env.state.IncrementFailureCount()
	env.state.IncrementURLIndex()
	env.state.DownloadComplete()
	env.state.P2PNewAttempt()

	changed := singlePackageResponse()
	changed.Packages[0].Hash = "something-else"
	require.True(t, env.state.SetResponse(changed))

	require.Equal(t, 0, env.state.URLIndex())
	require.EqualValues(t, 0, env.state.URLFailureCount())
	require.EqualValues(t, 0, env.state.URLSwitchCount())
	require.EqualValues(t, 0, env.state.PayloadAttemptNumber())
	require.EqualValues(t, 0, env.state.FullPayloadAttemptNumber())
	require.True(t, env.state.BackoffExpiry().IsZero())
	require.EqualValues(t, 0, env.state.P2PNumAttempts())
	require.True(t, env.state.P2PFirstAttemptTimestamp().IsZero())
	require.EqualValues(t, 2, env.state.NumResponsesSeen())

	// Per-cycle bytes reset, running totals survive until a success.
	require.EqualValues(t, 0, env.state.CurrentBytesDownloaded(SourceHTTPServer))
	require.EqualValues(t, 1000, env.state.TotalBytesDownloaded(SourceHTTPServer))
}

func TestSetResponseUnchangedKeepsAttemptState(t *testing.T) {
	env := newTestEnv()
	env.state.SetResponse(singlePackageResponse())

	env.state.IncrementFailureCount()
	env.state.IncrementURLIndex()

	require.False(t, env.state.SetResponse(singlePackageResponse()))
	require.Equal(t, 1, env.state.URLIndex())
	require.EqualValues(t, 1, env.state.URLSwitchCount())
	require.EqualValues(t, 1, env.state.NumResponsesSeen())
}

func TestStateSurvivesProcessRestart(t *testing.T) {
	env := newTestEnv()
	env.state.SetResponse(singlePackageResponse())

	env.state.IncrementURLIndex()
	env.state.DownloadProgress(4096)
	env.state.DownloadComplete()
	backoff := env.state.BackoffExpiry()
	require.False(t, backoff.IsZero())

	env.restart()
	require.False(t, env.state.SetResponse(singlePackageResponse()))

	require.Equal(t, 1, env.state.URLIndex())
	require.EqualValues(t, 1, env.state.URLSwitchCount())
	require.EqualValues(t, 1, env.state.PayloadAttemptNumber())
	require.EqualValues(t, 1, env.state.FullPayloadAttemptNumber())
	require.True(t, env.state.BackoffExpiry().Equal(backoff))
	require.EqualValues(t, 4096, env.state.CurrentBytesDownloaded(SourceHTTPSServer))
	require.EqualValues(t, 4096, env.state.TotalBytesDownloaded(SourceHTTPSServer))
}

func TestSetResponseHealsCorruptURLIndex(t *testing.T) {
	env := newTestEnv()
	env.state.SetResponse(singlePackageResponse())
	env.state.IncrementURLIndex()

	// Simulate a corrupted store: an index no candidate list can satisfy.
	require.NoError(t, env.store.SetInt64(keyURLIndex, 25))
	env.restart()

	require.False(t, env.state.SetResponse(singlePackageResponse()))
	require.Equal(t, 0, env.state.URLIndex())
	require.EqualValues(t, 0, env.state.URLSwitchCount())
	require.Equal(t, "http://a/payload.bin", env.state.CurrentURL())

	// Self-healing is not new work.
	require.EqualValues(t, 1, env.state.NumResponsesSeen())
}

func TestSetResponseHealsCorruptPayloadIndex(t *testing.T) {
	env := newTestEnv()
	env.state.SetResponse(twoPackageResponse())

	require.NoError(t, env.store.SetInt64(keyPayloadIndex, -3))
	env.restart()

	require.False(t, env.state.SetResponse(twoPackageResponse()))
	require.Equal(t, 0, env.state.PayloadIndex())
	require.Equal(t, "http://a/payload.bin", env.state.CurrentURL())
}

func TestSetResponseAfterExhaustionKeepsAttemptState(t *testing.T) {
	env := newTestEnv()
	env.state.SetResponse(singlePackageResponse())

	env.state.IncrementURLIndex()
	env.state.DownloadComplete()
	backoff := env.state.BackoffExpiry()
	require.False(t, env.state.NextPayload())

	// The next cycle re-delivers the same response. That is a continuation,
	// not corruption: nothing may reset.
	require.False(t, env.state.SetResponse(singlePackageResponse()))
	require.Equal(t, 1, env.state.URLIndex())
	require.EqualValues(t, 1, env.state.URLSwitchCount())
	require.EqualValues(t, 1, env.state.PayloadAttemptNumber())
	require.True(t, env.state.BackoffExpiry().Equal(backoff))
	require.Equal(t, "https://a/payload.bin", env.state.CurrentURL())
}

func TestSetResponseAfterExhaustionRestoresCandidates(t *testing.T) {
	env := newTestEnv()
	env.state.SetResponse(singlePackageResponse())

	// Wrap back to url 0, then exhaust the payload list.
	env.state.IncrementURLIndex()
	env.state.IncrementURLIndex()
	require.Equal(t, 0, env.state.URLIndex())
	require.False(t, env.state.NextPayload())
	require.Equal(t, 0, env.state.CandidateURLCount())

	// Re-delivery starts a fresh pass with the full candidate list.
	require.False(t, env.state.SetResponse(singlePackageResponse()))
	require.Equal(t, 2, env.state.CandidateURLCount())
	require.Equal(t, "http://a/payload.bin", env.state.CurrentURL())
	require.EqualValues(t, 2, env.state.URLSwitchCount())
}

func TestSetResponseStampsAttemptStart(t *testing.T) {
	env := newTestEnv()
	env.state.SetResponse(singlePackageResponse())

	start := env.state.getTime(keyUpdateTimestampStart)
	require.True(t, start.Equal(testEpoch))

	// A re-delivered identical response does not move the attempt start.
	env.clk.Advance(3 * time.Hour)
	env.state.SetResponse(singlePackageResponse())
	require.True(t, env.state.getTime(keyUpdateTimestampStart).Equal(start))
}
