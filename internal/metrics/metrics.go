// Package metrics delivers best-effort telemetry about update attempts.
// Nothing in here may block or fail the update control flow: deliveries ride
// a bounded worker pool and errors are logged and dropped.
package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/skylift-os/update-agent/internal/httputil"
	"github.com/skylift-os/update-agent/internal/logging"
	"github.com/skylift-os/update-agent/internal/workerpool"
)

var log = logging.L("metrics")

// AttemptSummary describes one successfully completed update cycle.
type AttemptSummary struct {
	PayloadType         string           `json:"payloadType"` // "delta" or "full"
	PayloadSizeBytes    int64            `json:"payloadSizeBytes"`
	BytesBySource       map[string]int64 `json:"bytesBySource"`
	TotalBytesBySource  map[string]int64 `json:"totalBytesBySource"`
	DownloadOverheadPct float64          `json:"downloadOverheadPct"`
	WallclockDuration   time.Duration    `json:"wallclockDuration"`
	UptimeDuration      time.Duration    `json:"uptimeDuration"`
	Reboots             int64            `json:"reboots"`
	URLSwitches         int64            `json:"urlSwitches"`
	PayloadAttempts     int64            `json:"payloadAttempts"`
	FullPayloadAttempts int64            `json:"fullPayloadAttempts"`
	ResponsesSeen       int64            `json:"responsesSeen"`
}

// Reporter is the one-way telemetry sink of the payload state machine.
// Every method is fire-and-forget.
type Reporter interface {
	ReportSuccessfulUpdate(s *AttemptSummary)
	ReportUpdateError(code int, name string)
	ReportFailedBootCount(version string, count int64)
	ReportAbnormalTermination()
	ReportRollbackResult(success bool, version string)
}

// Noop discards every report.
type Noop struct{}

func (Noop) ReportSuccessfulUpdate(*AttemptSummary)    {}
func (Noop) ReportUpdateError(int, string)             {}
func (Noop) ReportFailedBootCount(string, int64)       {}
func (Noop) ReportAbnormalTermination()                {}
func (Noop) ReportRollbackResult(bool, string)         {}

// ServerReporter posts reports as JSON events to the update server. Each
// process run is tagged with a session id for correlation.
type ServerReporter struct {
	serverURL string
	client    *http.Client
	pool      *workerpool.Pool
	retryCfg  httputil.RetryConfig
	sessionID string
}

func NewServerReporter(serverURL string, pool *workerpool.Pool) *ServerReporter {
	return &ServerReporter{
		serverURL: serverURL,
		client:    &http.Client{Timeout: 30 * time.Second},
		pool:      pool,
		retryCfg:  httputil.DefaultRetryConfig(),
		sessionID: uuid.NewString(),
	}
}

type event struct {
	Session string `json:"session"`
	Kind    string `json:"kind"`
	Payload any    `json:"payload,omitempty"`
}

func (r *ServerReporter) post(kind string, payload any) {
	body, err := json.Marshal(event{Session: r.sessionID, Kind: kind, Payload: payload})
	if err != nil {
		log.Warn("failed to encode metric event", "kind", kind, "error", err)
		return
	}

	submitted := r.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		headers := http.Header{"Content-Type": []string{"application/json"}}
		resp, err := httputil.Do(ctx, r.client, http.MethodPost,
			r.serverURL+"/api/v1/update-metrics", body, headers, r.retryCfg)
		if err != nil {
			log.Warn("metric delivery failed", "kind", kind, "error", err)
			return
		}
		resp.Body.Close()
	})
	if !submitted {
		log.Warn("metric delivery dropped, queue full", "kind", kind)
	}
}

func (r *ServerReporter) ReportSuccessfulUpdate(s *AttemptSummary) {
	r.post("update_succeeded", s)
}

func (r *ServerReporter) ReportUpdateError(code int, name string) {
	r.post("update_error", map[string]any{"code": code, "name": name})
}

func (r *ServerReporter) ReportFailedBootCount(version string, count int64) {
	r.post("failed_boot", map[string]any{"version": version, "count": count})
}

func (r *ServerReporter) ReportAbnormalTermination() {
	r.post("abnormal_termination", nil)
}

func (r *ServerReporter) ReportRollbackResult(success bool, version string) {
	r.post("rollback_result", map[string]any{"success": success, "version": version})
}
