package report

import (
	"enrollment-reconciler/internal/domain"
	"fmt"
	"io"
	"strings"
)

// Summary is the one-line tally of a run.
func Summary(rc *domain.RunContext) string {
	r := rc.Result
	return fmt.Sprintf("success=%d skipped=%d noUser=%d failed=%d total=%d",
		r.Success, r.Skipped, r.NoUser, r.Failed, r.Total())
}

// Subject is used for the mailed copy of the report.
func Subject(rc *domain.RunContext) string {
	status := "OK"
	if rc.Result.Failed > 0 {
		status = "FAILURES"
	}
	return fmt.Sprintf("[enrollment-reconciler] %s %s %s..%s: %s",
		status, rc.Mode, rc.Window.StartDate(), rc.Window.EndDate(), Summary(rc))
}

// Emit writes the human readable run report to w.
func Emit(w io.Writer, rc *domain.RunContext) error {
	var b strings.Builder

	fmt.Fprintf(&b, "Enrollment reconciliation report\n")
	fmt.Fprintf(&b, "run:    %s\n", rc.RunID)
	fmt.Fprintf(&b, "mode:   %s\n", rc.Mode)
	fmt.Fprintf(&b, "window: %s .. %s (KST, end exclusive)\n", rc.Window.StartDate(), rc.Window.EndDate())
	fmt.Fprintf(&b, "result: %s\n", Summary(rc))
	if rc.DryRun() {
		b.WriteString("dry-run: no directory mutation occurred; rerun with -run to apply\n")
	}

	var lowConfidence, failed, noUser []domain.Outcome
	for _, o := range rc.Result.Outcomes {
		if o.Match.LowConfidence() && (o.State == domain.StateSuccess || o.Reason == domain.ReasonAlreadyEnrolled) {
			lowConfidence = append(lowConfidence, o)
		}
		switch o.State {
		case domain.StateFailed:
			failed = append(failed, o)
		case domain.StateNoUser:
			noUser = append(noUser, o)
		}
	}

	section(&b, "Low-confidence matches (review manually)", lowConfidence, func(o domain.Outcome) string {
		return fmt.Sprintf("%s %s -> %s %s [%s]", o.OrderID, o.Email, o.CourseID, o.CourseName, o.Match)
	})
	section(&b, "Failed", failed, func(o domain.Outcome) string {
		line := fmt.Sprintf("%s %s: %s", o.OrderID, o.Email, o.Reason)
		if o.Err != nil {
			line += ": " + o.Err.Error()
		}
		return line
	})
	section(&b, "No user", noUser, func(o domain.Outcome) string {
		if o.Email == "" {
			return fmt.Sprintf("%s: %s", o.OrderID, o.Reason)
		}
		return fmt.Sprintf("%s %s: %s", o.OrderID, o.Email, o.Reason)
	})

	_, err := io.WriteString(w, b.String())
	return err
}

func section(b *strings.Builder, title string, outcomes []domain.Outcome, line func(domain.Outcome) string) {
	if len(outcomes) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s (%d):\n", title, len(outcomes))
	for _, o := range outcomes {
		fmt.Fprintf(b, "  - %s\n", line(o))
	}
}
