package meter

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseHistoryWindow_RequiresBothOrNeither(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.Local)
	if _, err := ParseHistoryWindow("2026-01-02", "", now); err == nil {
		t.Fatal("expected error for a start time without an end time")
	}
	if _, err := ParseHistoryWindow("", "2026-01-02", now); err == nil {
		t.Fatal("expected error for an end time without a start time")
	}
	window, err := ParseHistoryWindow("", "", now)
	if err != nil {
		t.Fatal(err)
	}
	if window.Bounded {
		t.Fatal("expected an unbounded window without arguments")
	}
}

func TestParseHistoryWindow_ParsesBothLayouts(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.Local)
	window, err := ParseHistoryWindow("2026-01-02", "2026-01-03 04:05:06", now)
	if err != nil {
		t.Fatal(err)
	}
	if !window.Bounded {
		t.Fatal("expected a bounded window")
	}
	wantStart := time.Date(2026, 1, 2, 0, 0, 0, 0, time.Local).Unix()
	wantEnd := time.Date(2026, 1, 3, 4, 5, 6, 0, time.Local).Unix()
	if window.Start != wantStart || window.End != wantEnd {
		t.Fatalf("expected [%d, %d], got [%d, %d]", wantStart, wantEnd, window.Start, window.End)
	}
}

func TestParseHistoryWindow_RejectsInvertedWindow(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.Local)
	if _, err := ParseHistoryWindow("2026-02-01", "2026-01-01", now); err == nil {
		t.Fatal("expected error for an inverted window")
	}
}

func TestParseHistoryWindow_RejectsFutureStart(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.Local)
	if _, err := ParseHistoryWindow("2026-09-01", "2026-09-02", now); err == nil {
		t.Fatal("expected error for a start time in the future")
	}
}

func TestParseHistoryWindow_RejectsUnparseableDates(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.Local)
	if _, err := ParseHistoryWindow("not-a-date", "2026-01-02", now); err == nil {
		t.Fatal("expected error for an unparseable start time")
	}
	if _, err := ParseHistoryWindow("2026-01-01", "01/02/2026", now); err == nil {
		t.Fatal("expected error for an unparseable end time")
	}
}

// installFakeHistory puts a condor_history stand-in on PATH.
func installFakeHistory(t *testing.T, script string) {
	t.Helper()
	bin := t.TempDir()
	path := filepath.Join(bin, condorHistoryCommand)
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func TestProcessCondorHistory_StreamsCommandOutput(t *testing.T) {
	installFakeHistory(t, `#!/bin/sh
echo 'ClusterId = 77'
echo 'GlobalJobId = "submit.example.com#77.0#1445"'
echo 'Owner = "alice"'
echo 'CompletionDate = 1600000000'
`)

	runner, factory := newTestRunner(t, RunnerConfig{RunStart: time.Unix(1_600_000_000, 0)}, nil)
	defer runner.Close()
	if err := runner.ProcessCondorHistory(HistoryWindow{}); err != nil {
		t.Fatal(err)
	}

	sent := factory.transports()[0].Sent()
	if len(sent) != 1 || !strings.Contains(sent[0].GlobalJobID, "#77.0#") {
		t.Fatalf("expected the command output submitted, got %v", sent)
	}
	if len(sent[0].TransientInputFiles) != 0 {
		t.Fatalf("expected no transient file for a stream, got %v", sent[0].TransientInputFiles)
	}
}

func TestProcessCondorHistory_PassesTimeConstraint(t *testing.T) {
	argsPath := filepath.Join(t.TempDir(), "args.txt")
	installFakeHistory(t, fmt.Sprintf("#!/bin/sh\nprintf '%%s\\n' \"$@\" > %q\n", argsPath))

	runner, _ := newTestRunner(t, RunnerConfig{}, nil)
	defer runner.Close()

	window := HistoryWindow{Start: 1000, End: 2000, Bounded: true}
	if err := runner.ProcessCondorHistory(window); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(argsPath)
	if err != nil {
		t.Fatal(err)
	}
	got := strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	want := []string{"-l", "-constraint", "((JobCurrentStartDate > 1000) && (JobCurrentStartDate < 2000))"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("argument %d: expected %q, got %q", i, want[i], got[i])
		}
	}

	if err := runner.ProcessCondorHistory(HistoryWindow{}); err != nil {
		t.Fatal(err)
	}
	b, err = os.ReadFile(argsPath)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimRight(string(b), "\n"); got != "-l" {
		t.Fatalf("expected an unbounded query to pass only -l, got %q", got)
	}
}
