package metrics

// Recorder captures reports in memory. Used by tests of components that emit
// metrics.
type Recorder struct {
	Summaries            []*AttemptSummary
	ErrorCodes           []int
	FailedBoots          map[string]int64
	AbnormalTerminations int
	RollbackResults      []bool
}

func NewRecorder() *Recorder {
	return &Recorder{FailedBoots: make(map[string]int64)}
}

func (r *Recorder) ReportSuccessfulUpdate(s *AttemptSummary) {
	r.Summaries = append(r.Summaries, s)
}

func (r *Recorder) ReportUpdateError(code int, name string) {
	r.ErrorCodes = append(r.ErrorCodes, code)
}

func (r *Recorder) ReportFailedBootCount(version string, count int64) {
	r.FailedBoots[version] = count
}

func (r *Recorder) ReportAbnormalTermination() {
	r.AbnormalTerminations++
}

func (r *Recorder) ReportRollbackResult(success bool, version string) {
	r.RollbackResults = append(r.RollbackResults, success)
}
