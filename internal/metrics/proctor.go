package metrics

import "time"

// Proctor holds the metrics of the proctoring pipeline.
type Proctor struct {
	reg *Registry

	SessionsStarted   *Counter
	ActiveSessions    *Gauge
	FramesAnalyzed    *Counter
	FramesDropped     *Counter
	SnapshotsSaved    *Counter
	SnapshotsRejected *Counter
	UploadsSucceeded  *Counter
	UploadsFailed     *Counter
	FinalizeDuration  *Histogram
}

// NewProctor registers the proctoring metrics on reg.
func NewProctor(reg *Registry) *Proctor {
	return &Proctor{
		reg:               reg,
		SessionsStarted:   reg.RegisterCounter("sessions_started_total", "Exam sessions started", nil),
		ActiveSessions:    reg.RegisterGauge("sessions_active", "Exam sessions in progress", nil),
		FramesAnalyzed:    reg.RegisterCounter("frames_analyzed_total", "Front camera frames classified", nil),
		FramesDropped:     reg.RegisterCounter("frames_dropped_total", "Front camera frames replaced before classification", nil),
		SnapshotsSaved:    reg.RegisterCounter("snapshots_saved_total", "Evidence snapshots persisted", nil),
		SnapshotsRejected: reg.RegisterCounter("snapshots_rejected_total", "Snapshot requests refused by the throttler", nil),
		UploadsSucceeded:  reg.RegisterCounter("uploads_succeeded_total", "Submissions handed to the upload queue", nil),
		UploadsFailed:     reg.RegisterCounter("uploads_failed_total", "Submissions the uploader rejected", nil),
		FinalizeDuration:  reg.RegisterHistogram("finalize_duration_seconds", "Time to finalize a session", nil, nil),
	}
}

// Registry returns the registry the metrics live in.
func (p *Proctor) Registry() *Registry { return p.reg }

// Violation counts one violation of the given severity.
func (p *Proctor) Violation(severity string) {
	p.reg.RegisterCounter("violations_total", "Violations logged", Labels{"severity": severity}).Inc()
}

// Finished counts a session ending with status.
func (p *Proctor) Finished(status string, took time.Duration) {
	p.reg.RegisterCounter("sessions_finished_total", "Exam sessions finished", Labels{"status": status}).Inc()
	p.ActiveSessions.Dec()
	p.FinalizeDuration.ObserveDuration(took)
}

// Scan counts a room scan reaching a terminal state.
func (p *Proctor) Scan(state string) {
	p.reg.RegisterCounter("scans_total", "Room scans by outcome", Labels{"state": state}).Inc()
}
