package proctor

import (
	"context"
	"fmt"
	"time"

	"examguard/internal/report"
	"examguard/internal/session"
	"examguard/internal/store"
	"examguard/internal/upload"
)

// reportMetadataKey names the encrypted copy of the final report.
const reportMetadataKey = "report"

// finalize ends the session once. Later calls return the first result.
func (r *run) finalize(ctx context.Context, terminate bool, reason string) (Result, error) {
	defer r.notifyExam()
	r.violations.Lock()
	defer r.violations.Unlock()
	return r.finalizeLocked(ctx, terminate, reason)
}

// notifyExam tells the exam UI how the session ended. It runs without
// locks so the UI may call back into the Proctor.
func (r *run) notifyExam() {
	r.mu.Lock()
	ready := r.result != nil
	r.mu.Unlock()
	if !ready {
		return
	}
	r.examOnce.Do(func() {
		if r.result.Session.Status == session.StatusTerminated {
			r.p.deps.Exam.Terminate(r.result.Session.TerminationReason)
		} else {
			r.p.deps.Exam.Submit()
		}
	})
}

func (r *run) finalizeLocked(ctx context.Context, terminate bool, reason string) (Result, error) {
	r.finishOnce.Do(func() {
		r.finishErr = r.doFinalize(context.WithoutCancel(ctx), terminate, reason)
	})
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.result == nil {
		return Result{}, r.finishErr
	}
	return *r.result, r.finishErr
}

func (r *run) doFinalize(ctx context.Context, terminate bool, reason string) error {
	began := time.Now()
	r.closing.Store(true)
	r.cancel()
	r.pipeline.Close()
	go r.teardown()

	var (
		snap session.ExamSession
		err  error
	)
	if terminate {
		snap, err = r.p.ledger.TerminateSession(ctx, reason)
	} else {
		snap, err = r.p.ledger.EndSession(ctx)
	}
	if err != nil {
		r.p.publish()
		return fmt.Errorf("finalize session: %w", err)
	}
	res := Result{Session: snap, Report: report.Generate(snap, r.policy, time.Now())}
	doc, err := report.Marshal(res.Report)
	if err != nil {
		r.log.ErrorContext(ctx, "report encoding failed", "error", err)
		doc = nil
	}
	if doc != nil {
		if v, err := r.p.ledger.Vault(r.id); err == nil {
			if err := v.SaveMetadata(reportMetadataKey, doc); err != nil {
				r.log.WarnContext(ctx, "save report failed", "error", err)
			}
		}
	}
	r.index(ctx, snap, res.Report)
	if doc != nil {
		res.Uploaded = r.upload(ctx, snap, doc)
	}

	r.mu.Lock()
	r.result = &res
	r.mu.Unlock()
	m := r.p.deps.Metrics
	stats := r.monitor.Stats()
	m.FramesAnalyzed.Add(stats.Analyzed)
	m.FramesDropped.Add(stats.Dropped)
	m.SnapshotsSaved.Add(uint64(len(snap.Snapshots)))
	m.Finished(string(snap.Status), time.Since(began))
	r.log.InfoContext(ctx, "session finalized",
		"status", string(snap.Status), "score", res.Report.Score, "uploaded", res.Uploaded)
	r.p.publish()
	return nil
}

// teardown stops every component. It runs on its own goroutine because
// finalization may be triggered from inside a component callback.
func (r *run) teardown() {
	defer close(r.stopped)
	r.monitor.Stop()
	r.sentinel.Stop()
	r.scan.Stop()
	r.wg.Wait()
}

func (r *run) index(ctx context.Context, s session.ExamSession, rep report.Report) {
	idx := r.p.deps.Index
	if idx == nil {
		return
	}
	var score *int
	if !rep.Minimal {
		score = &rep.Score
	}
	if err := idx.UpsertSession(store.RecordFromSession(s, r.dir(), score)); err != nil {
		r.log.WarnContext(ctx, "index session failed", "error", err)
	}
}

func (r *run) upload(ctx context.Context, s session.ExamSession, doc []byte) bool {
	if r.p.deps.Uploader == nil {
		return false
	}
	v, err := r.p.ledger.Vault(r.id)
	if err != nil {
		r.log.WarnContext(ctx, "upload skipped", "error", err)
		return false
	}
	sub, errs := upload.Build(s, doc, v, upload.BuildOptions{IncludeMedia: r.cfg.Upload.IncludeMedia})
	for _, err := range errs {
		r.log.WarnContext(ctx, "media not embedded", "error", err)
	}
	d := upload.NewDispatcher(r.p.deps.Uploader, r.p.deps.Index, r.p.deps.Logger)
	if err := d.Submit(ctx, sub); err != nil {
		r.p.deps.Metrics.UploadsFailed.Inc()
		return false
	}
	r.p.deps.Metrics.UploadsSucceeded.Inc()
	return true
}
