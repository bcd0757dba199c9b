package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"examguard/internal/report"
	"examguard/internal/session"
	"examguard/internal/store"
	"examguard/internal/upload"
	"examguard/internal/vault"
)

// verifyError marks a session that failed verification.
type verifyError struct{ failed int }

func (e *verifyError) Error() string {
	return fmt.Sprintf("%d file(s) failed verification", e.failed)
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List indexed sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		idx, err := store.Open(cfg.IndexPath())
		if err != nil {
			return err
		}
		defer idx.Close()

		recs, err := idx.ListSessions()
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No sessions recorded.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tEXAM\tSTUDENT\tSTATUS\tSTARTED\tSCORE\tVIOLATIONS\tUPLOADS")
		for _, r := range recs {
			score := "-"
			if r.Score != nil {
				score = fmt.Sprintf("%d", *r.Score)
			}
			uploads, err := idx.UploadsForSession(r.SessionID)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
				r.SessionID, r.ExamID, r.StudentID, r.Status,
				r.StartTime.Local().Format("2006-01-02 15:04"), score, r.Violations,
				uploadSummary(uploads))
		}
		return w.Flush()
	},
}

func uploadSummary(recs []store.UploadRecord) string {
	if len(recs) == 0 {
		return "-"
	}
	uploaded := 0
	for _, r := range recs {
		if r.Status == session.UploadUploaded {
			uploaded++
		}
	}
	return fmt.Sprintf("%d/%d uploaded", uploaded, len(recs))
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <session-id>",
	Short: "Decrypt and show a session ledger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := openSession(cmd.Context(), cmd, args[0])
		if err != nil {
			return err
		}
		defer o.Close()

		out := cmd.OutOrStdout()
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(o.session)
		}

		s := o.session
		fmt.Fprintf(out, "Session:     %s\n", s.SessionID)
		fmt.Fprintf(out, "Exam:        %s\n", s.ExamID)
		fmt.Fprintf(out, "Student:     %s\n", s.StudentID)
		fmt.Fprintf(out, "Status:      %s\n", s.Status)
		if s.TerminationReason != "" {
			fmt.Fprintf(out, "Reason:      %s\n", s.TerminationReason)
		}
		fmt.Fprintf(out, "Started:     %s\n", s.StartTime.Local().Format(time.RFC3339))
		fmt.Fprintf(out, "Duration:    %s\n", report.FormatDuration(s.Duration(time.Now())))
		fmt.Fprintf(out, "Outside app: %s\n", report.FormatDuration(s.TimeOutsideApp))
		fmt.Fprintf(out, "Exit tries:  %d\n", s.ExitAttempts)

		fmt.Fprintf(out, "\nSnapshots (%d):\n", len(s.Snapshots))
		for _, m := range s.Snapshots {
			fmt.Fprintf(out, "  %s  %-16s %s (%d bytes, %s)\n",
				m.Timestamp.Local().Format("15:04:05"), m.Reason, m.FilePath, m.Size, m.UploadStatus)
		}
		if v := s.BackCameraVideo; v != nil {
			fmt.Fprintf(out, "\nRoom scan: %s, %s, yaw %.0f%%, pitch complete %t\n",
				v.FilePath, report.FormatDuration(v.Duration), v.Coverage.YawProgress*100, v.Coverage.PitchComplete)
		}

		fmt.Fprintf(out, "\nViolations (%d):\n", len(s.Violations))
		for _, v := range s.Violations {
			fmt.Fprintf(out, "  %s  %-8s %-18s %s\n",
				v.Timestamp.Local().Format("15:04:05"), v.Severity, v.Type, v.Description)
		}
		fmt.Fprintf(out, "\nEvents (%d):\n", len(s.SecurityEvents))
		for _, e := range s.SecurityEvents {
			fmt.Fprintf(out, "  %s  %-22s %s\n", e.Timestamp.Local().Format("15:04:05"), e.Type, e.Details)
		}

		if showLog, _ := cmd.Flags().GetBool("log"); showLog {
			lines, err := o.vault.ReadLog()
			if err != nil {
				return fmt.Errorf("read audit log: %w", err)
			}
			fmt.Fprintf(out, "\nAudit log (%d):\n", len(lines))
			for _, l := range lines {
				fmt.Fprintf(out, "  %s\n", l)
			}
		}
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify <session-id>",
	Short: "Authenticate every encrypted file of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := openSession(cmd.Context(), cmd, args[0])
		if err != nil {
			return err
		}
		defer o.Close()
		return verifySession(cmd.OutOrStdout(), o)
	},
}

func verifySession(out io.Writer, o *opened) error {
	files, err := o.vault.List()
	if err != nil {
		return err
	}
	referenced := make(map[string]bool)
	for _, m := range o.session.Snapshots {
		referenced[m.FilePath] = true
	}
	if v := o.session.BackCameraVideo; v != nil {
		referenced[v.FilePath] = true
	}

	failed := 0
	present := make(map[string]bool)
	for _, f := range files {
		present[f.Path] = true
		if _, err := o.vault.DecryptFile(f); err != nil {
			failed++
			fmt.Fprintf(out, "FAIL  %s: %v\n", f.Path, err)
			continue
		}
		fmt.Fprintf(out, "ok    %s\n", f.Path)
	}
	for path := range referenced {
		if !present[path] {
			failed++
			fmt.Fprintf(out, "FAIL  %s: referenced by the ledger but missing\n", path)
		}
	}
	if _, err := o.vault.ReadLog(); err != nil {
		failed++
		fmt.Fprintf(out, "FAIL  %s: %v\n", vault.LogsDir, err)
	}

	if failed > 0 {
		return &verifyError{failed: failed}
	}
	fmt.Fprintf(out, "\n%d file(s) verified\n", len(files))
	return nil
}

var reportCmd = &cobra.Command{
	Use:   "report <session-id>",
	Short: "Render the security report of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := openSession(cmd.Context(), cmd, args[0])
		if err != nil {
			return err
		}
		defer o.Close()

		rep, err := sessionReport(o)
		if err != nil {
			return err
		}
		format, _ := cmd.Flags().GetString("format")
		switch format {
		case "text":
			report.PrintReport(cmd.OutOrStdout(), rep)
			return nil
		case "json":
			data, err := report.Marshal(rep)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		default:
			return fmt.Errorf("unknown format %q (valid: text, json)", format)
		}
	},
}

// sessionReport returns the stored final report, or generates one for a
// session that never finished.
func sessionReport(o *opened) (report.Report, error) {
	doc, err := o.vault.LoadMetadata("report")
	if err == nil {
		return report.Unmarshal(doc)
	}
	if !errors.Is(err, vault.ErrIO) {
		return report.Report{}, fmt.Errorf("load report: %w", err)
	}
	return report.Generate(o.session, report.PolicyFromConfig(o.cfg.Report), time.Now()), nil
}

var uploadCmd = &cobra.Command{
	Use:   "upload <session-id>",
	Short: "Push a session submission to the upload queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := openSession(cmd.Context(), cmd, args[0])
		if err != nil {
			return err
		}
		defer o.Close()

		rep, err := sessionReport(o)
		if err != nil {
			return err
		}
		doc, err := report.Marshal(rep)
		if err != nil {
			return err
		}
		sub, errs := upload.Build(o.session, doc, o.vault, upload.BuildOptions{IncludeMedia: o.cfg.Upload.IncludeMedia})
		for _, err := range errs {
			o.log.Warn("media not embedded", "error", err)
		}

		if dry, _ := cmd.Flags().GetBool("dry-run"); dry {
			data, err := upload.Encode(sub)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(append(data, '\n'))
			return err
		}

		if !o.cfg.Upload.Enabled {
			return upload.ErrDisabled
		}
		ctx := cmd.Context()
		rdb, err := upload.NewRedisClient(ctx, o.cfg.Upload)
		if err != nil {
			return err
		}
		defer rdb.Close()

		var idx *store.Store
		if s, err := store.Open(o.cfg.IndexPath()); err != nil {
			o.log.Warn("upload status not indexed", "error", err)
		} else {
			idx = s
			defer idx.Close()
			if err := idx.UpsertSession(store.RecordFromSession(o.session, o.vault.Root(), scorePtr(rep))); err != nil {
				o.log.Warn("index session failed", "error", err)
			}
		}

		sink := upload.NewRedisSink(rdb, o.cfg.Upload.Queue, o.cfg.Upload.Timeout(), o.log)
		retry, _ := cmd.Flags().GetBool("retry-pending")
		return deliver(ctx, cmd.OutOrStdout(), upload.NewDispatcher(sink, idx, o.log), sub, o.cfg.Upload.Queue, retry)
	},
}

// deliver submits sub. With retry it only resubmits when the index still
// holds undelivered items for the session.
func deliver(ctx context.Context, w io.Writer, d *upload.Dispatcher, sub upload.Submission, queue string, retry bool) error {
	if !retry {
		if err := d.Submit(ctx, sub); err != nil {
			return err
		}
		fmt.Fprintf(w, "Queued %s with %d media item(s) on %s\n", sub.SessionID, len(sub.Media), queue)
		return nil
	}
	n, err := d.RetryPending(ctx, func(_ context.Context, id string) (upload.Submission, error) {
		if id != sub.SessionID {
			return upload.Submission{}, upload.ErrSkip
		}
		return sub, nil
	})
	if err != nil {
		return err
	}
	if n == 0 {
		fmt.Fprintf(w, "Nothing pending for %s\n", sub.SessionID)
		return nil
	}
	fmt.Fprintf(w, "Requeued %s on %s\n", sub.SessionID, queue)
	return nil
}

func scorePtr(r report.Report) *int {
	if r.Minimal {
		return nil
	}
	s := r.Score
	return &s
}

func init() {
	inspectCmd.Flags().Bool("json", false, "print the decrypted ledger as JSON")
	inspectCmd.Flags().Bool("log", false, "include the decrypted audit log")
	reportCmd.Flags().String("format", "text", "output format: text, json")
	uploadCmd.Flags().Bool("dry-run", false, "print the submission instead of queueing it")
	uploadCmd.Flags().Bool("retry-pending", false, "requeue only if earlier uploads of the session are pending or failed")
}
