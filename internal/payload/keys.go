package payload

// Preference-store keys. One key per tracked field; timestamps are stored as
// unix nanoseconds, byte counters per download source under a key suffix.
const (
	keyResponseSignature        = "current-response-signature"
	keyNumResponsesSeen         = "num-responses-seen"
	keyPayloadIndex             = "current-payload-index"
	keyURLIndex                 = "current-url-index"
	keyURLFailureCount          = "current-url-failure-count"
	keyURLSwitchCount           = "url-switch-count"
	keyPayloadAttemptNumber     = "payload-attempt-number"
	keyFullPayloadAttemptNumber = "full-payload-attempt-number"
	keyBackoffExpiryTime        = "backoff-expiry-time"
	keyNumReboots               = "num-reboots"
	keyP2PNumAttempts           = "p2p-num-attempts"
	keyP2PFirstAttemptTimestamp = "p2p-first-attempt-timestamp"
	keyAttemptInProgress        = "update-attempt-in-progress"
	keyUpdateTimestampStart     = "update-timestamp-start"
	keyLastBootTime             = "last-boot-time"
	keyTargetVersion            = "target-version"
	keyExpectedBootSlot         = "expected-boot-slot"
	keyFailedBootCount          = "failed-boot-count"

	keyCurrentBytesPrefix = "current-bytes-downloaded-"
	keyTotalBytesPrefix   = "total-bytes-downloaded-"

	// Powerwash-safe store only.
	keyRollbackHappened = "rollback-happened"
	keyRollbackVersion  = "rollback-version"
)
