package meter

import (
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const condorHistoryCommand = "condor_history"

var historyDateLayouts = []string{"2006-01-02 15:04:05", "2006-01-02"}

// HistoryWindow optionally bounds a condor_history query by
// JobCurrentStartDate, both ends in epoch seconds.
type HistoryWindow struct {
	Start   int64
	End     int64
	Bounded bool
}

// ParseHistoryWindow validates the --start-time/--end-time pair. Both must
// be given together, the window must not be inverted, and the start must
// not lie in the future.
func ParseHistoryWindow(startArg, endArg string, now time.Time) (HistoryWindow, error) {
	if (startArg == "") != (endArg == "") {
		return HistoryWindow{}, fmt.Errorf("start and end times must be given together")
	}
	if startArg == "" {
		return HistoryWindow{}, nil
	}
	start, err := parseHistoryDate(startArg)
	if err != nil {
		return HistoryWindow{}, fmt.Errorf("invalid start time %q: %w", startArg, err)
	}
	end, err := parseHistoryDate(endArg)
	if err != nil {
		return HistoryWindow{}, fmt.Errorf("invalid end time %q: %w", endArg, err)
	}
	if start > end {
		return HistoryWindow{}, fmt.Errorf("start time %q is after end time %q", startArg, endArg)
	}
	if start > now.Unix() {
		return HistoryWindow{}, fmt.Errorf("start time %q is in the future", startArg)
	}
	return HistoryWindow{Start: start, End: end, Bounded: true}, nil
}

func parseHistoryDate(s string) (int64, error) {
	for _, layout := range historyDateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t.Unix(), nil
		}
	}
	return 0, fmt.Errorf(`unrecognized date, use YYYY-MM-DD or "YYYY-MM-DD HH:MM:SS"`)
}

// ProcessCondorHistory queries the schedd history instead of reading
// per-job files and feeds the output through the stream path.
func (r *Runner) ProcessCondorHistory(window HistoryWindow) error {
	args := []string{"-l"}
	if window.Bounded {
		args = append(args, "-constraint",
			fmt.Sprintf("((JobCurrentStartDate > %d) && (JobCurrentStartDate < %d))", window.Start, window.End))
	}
	cmd := exec.Command(condorHistoryCommand, args...)
	logf(1, "running command: %s", strings.Join(cmd.Args, " "))

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", condorHistoryCommand, err)
	}
	runErr := r.ProcessStream(stdout, condorHistoryCommand)
	if err := cmd.Wait(); err != nil {
		logf(0, "%s exited with an error: %v", condorHistoryCommand, err)
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}
