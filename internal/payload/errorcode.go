package payload

// ErrorCode classifies a failed download or verification step. The pipeline
// maps transport and verification failures onto these codes; the state
// machine only cares which retry policy each code selects.
type ErrorCode int

const (
	ErrorSuccess ErrorCode = iota
	ErrorDownloadTransfer
	ErrorDownloadHTTPStatus
	ErrorDownloadTimeout
	ErrorPayloadHashMismatch
	ErrorPayloadSizeMismatch
	ErrorSignatureMismatch
	ErrorSignatureMissing
	ErrorMetadataSignatureMismatch
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorSuccess:
		return "success"
	case ErrorDownloadTransfer:
		return "download_transfer_error"
	case ErrorDownloadHTTPStatus:
		return "download_http_status_error"
	case ErrorDownloadTimeout:
		return "download_timeout"
	case ErrorPayloadHashMismatch:
		return "payload_hash_mismatch"
	case ErrorPayloadSizeMismatch:
		return "payload_size_mismatch"
	case ErrorSignatureMismatch:
		return "signature_mismatch"
	case ErrorSignatureMissing:
		return "signature_missing"
	case ErrorMetadataSignatureMismatch:
		return "metadata_signature_mismatch"
	default:
		return "unknown"
	}
}

// advancesURL reports whether the failure indicates the payload at the
// current URL is bad (corrupt or unverifiable). Retrying the same URL cannot
// help, so the state machine rotates immediately instead of burning the
// per-URL failure budget.
func (c ErrorCode) advancesURL() bool {
	switch c {
	case ErrorPayloadHashMismatch,
		ErrorPayloadSizeMismatch,
		ErrorSignatureMismatch,
		ErrorSignatureMissing,
		ErrorMetadataSignatureMismatch:
		return true
	}
	return false
}
