package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"examguard/internal/session"
)

// PrintReport writes a human-readable rendering of r to w.
func PrintReport(w io.Writer, r Report) {
	fmt.Fprintln(w, strings.Repeat("=", 72))
	fmt.Fprintln(w, "                     EXAM SECURITY REPORT")
	fmt.Fprintln(w, strings.Repeat("=", 72))
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Session:        %s\n", r.SessionID)
	if r.ExamID != "" {
		fmt.Fprintf(w, "Exam:           %s\n", r.ExamID)
	}
	if r.StudentID != "" {
		fmt.Fprintf(w, "Student:        %s\n", r.StudentID)
	}
	fmt.Fprintf(w, "Status:         %s\n", r.Status)
	fmt.Fprintf(w, "Generated:      %s\n", r.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintln(w)

	if r.Minimal {
		fmt.Fprintln(w, "!! Minimal report: full generation failed")
		if r.Error != "" {
			fmt.Fprintf(w, "   %s\n", r.Error)
		}
		fmt.Fprintln(w)
	} else {
		fmt.Fprintf(w, "Score:          %3d/100  %s\n", r.Score, scoreBar(r.Score, 20))
	}
	fmt.Fprintf(w, "Exit attempts:  %d\n", r.ExitAttempts)
	fmt.Fprintf(w, "Time outside:   %s\n", FormatDuration(r.TimeOutsideApp))
	fmt.Fprintf(w, "Snapshots:      %d\n", r.SnapshotCount)
	fmt.Fprintf(w, "Room scan:      %s\n", yesNo(r.RoomScan))
	fmt.Fprintln(w)

	fmt.Fprintln(w, strings.Repeat("-", 72))
	fmt.Fprintln(w, "VIOLATIONS")
	fmt.Fprintln(w, strings.Repeat("-", 72))
	if len(r.Violations) == 0 {
		fmt.Fprintln(w, "None recorded.")
	}
	for _, v := range r.Violations {
		fmt.Fprintf(w, "%s %s  %-18s %s\n",
			severityMarker(v.Severity), v.Timestamp.Format("15:04:05"), v.Type, v.Description)
		if v.SnapshotID != "" {
			fmt.Fprintf(w, "           evidence: %s\n", v.SnapshotID)
		}
	}
	fmt.Fprintln(w)

	if len(r.Breakdown) > 0 {
		fmt.Fprint(w, "Breakdown:     ")
		for _, s := range []session.Severity{
			session.SeverityCritical, session.SeverityHigh, session.SeverityMedium, session.SeverityLow,
		} {
			if n := r.Breakdown[s.String()]; n > 0 {
				fmt.Fprintf(w, " %s=%d", s, n)
			}
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintln(w, strings.Repeat("=", 72))
}

// FormatDuration renders d for humans.
func FormatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "0s"
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

func scoreBar(score, width int) string {
	filled := score * width / 100
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", width-filled) + "]"
}

func severityMarker(s session.Severity) string {
	switch s {
	case session.SeverityCritical:
		return "[!!!]"
	case session.SeverityHigh:
		return "[!! ]"
	case session.SeverityMedium:
		return "[!  ]"
	default:
		return "[   ]"
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
