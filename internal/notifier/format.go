package notifier

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"adsync/internal/workflow"
)

// tailInMessage caps how many output lines a message carries.
const tailInMessage = 15

// BuildMessage renders the operator-facing text for a finished run.
func BuildMessage(kind Kind, run *workflow.Run) Message {
	var title string
	switch kind {
	case KindFailure:
		title = fmt.Sprintf("❌ %s failed", run.Workflow)
		if run.FailedStep != "" {
			title += " at " + string(run.FailedStep)
		}
	case KindRecovery:
		title = fmt.Sprintf("✅ %s recovered", run.Workflow)
	default:
		title = fmt.Sprintf("✅ %s succeeded", run.Workflow)
	}

	var b strings.Builder
	b.WriteString(title)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "run: %s\n", run.ID)
	fmt.Fprintf(&b, "trigger: %s", run.Trigger)
	if run.Actor != "" {
		fmt.Fprintf(&b, " by %s", run.Actor)
	}
	b.WriteString("\n")
	if run.Commit != "" {
		fmt.Fprintf(&b, "commit: %s\n", shortSHA(run.Commit))
	}
	if d := run.Duration(); d > 0 {
		fmt.Fprintf(&b, "took: %s\n", d.Round(time.Second))
	}
	if run.ExitCode != nil {
		fmt.Fprintf(&b, "exit code: %d\n", *run.ExitCode)
	}
	if kind == KindFailure {
		if run.FailureKind != "" {
			fmt.Fprintf(&b, "kind: %s\n", run.FailureKind)
		}
		if run.Error != "" {
			fmt.Fprintf(&b, "error: %s\n", run.Error)
		}
		if tail := lastN(run.OutputTail, tailInMessage); len(tail) > 0 {
			b.WriteString("\noutput:\n")
			b.WriteString(strings.Join(tail, "\n"))
			b.WriteString("\n")
		}
	}
	return Message{
		Kind:     kind,
		Workflow: run.Workflow,
		Title:    title,
		Text:     strings.TrimRight(b.String(), "\n"),
		Run:      run,
	}
}

func shortSHA(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}

func lastN(lines []string, n int) []string {
	if len(lines) > n {
		return lines[len(lines)-n:]
	}
	return lines
}

// chunk splits s into pieces of at most n bytes, preferring line breaks.
func chunk(s string, n int) []string {
	if n <= 0 || len(s) <= n {
		return []string{s}
	}
	var out []string
	for len(s) > n {
		cut := strings.LastIndexByte(s[:n], '\n')
		if cut <= 0 {
			cut = n
			for cut > 0 && !utf8.RuneStart(s[cut]) {
				cut--
			}
		}
		out = append(out, s[:cut])
		s = strings.TrimPrefix(s[cut:], "\n")
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}
