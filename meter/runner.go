package meter

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Records whose job completed more than this long before the run started
// are dropped as stale.
const maxRecordAge = 120 * 24 * time.Hour

var (
	// Candidate per-job history files. Some schedds prefix the cluster/proc
	// pair with the schedd name and a '#'.
	logfileRe = regexp.MustCompile(`^history\.(?:.*?#)?\d+\.\d+`)
	// Strict form required at processing time: history.<cluster>.<proc>.
	historyNameRe = regexp.MustCompile(`^history\.(\d+)\.(\d+)`)
)

type RunnerConfig struct {
	ProbeName string
	SiteName  string
	// CollectorHost seeds the execute-pools fallback for records that do
	// not name their own matchmaking pool.
	CollectorHost   string
	ExtraAttributes []string
	// WorkerTimeout bounds each alternate-destination delivery worker.
	WorkerTimeout   time.Duration
	MetricsTextfile string
	// RunStart anchors the stale-record horizon. Zero means now.
	RunStart time.Time
	RunID    string
}

type Runner struct {
	cfg       RunnerConfig
	factory   TransportFactory
	transport Transport
	norm      *Normalizer
	batch     *AlternateBatch
	metrics   *RunMetrics
	minStart  int64
}

type runStats struct {
	LogfilesProcessed int
	LogfileErrors     int
	RecordsFound      int
	RecordsSubmitted  int
	RecordsAlternate  int
}

type sourceCounts struct {
	found     int
	submitted int
	alternate int
}

// logSource is one input to process. fromDir marks sources discovered by
// directory enumeration, which get a second name check before processing.
type logSource struct {
	path    string
	fromDir bool
}

func NewRunner(cfg RunnerConfig, factory TransportFactory) (*Runner, error) {
	if strings.TrimSpace(cfg.ProbeName) == "" {
		return nil, fmt.Errorf("ProbeName is required")
	}
	if strings.TrimSpace(cfg.SiteName) == "" {
		return nil, fmt.Errorf("SiteName is required")
	}
	if factory == nil {
		return nil, fmt.Errorf("transport factory is required")
	}
	if cfg.RunStart.IsZero() {
		cfg.RunStart = time.Now()
	}
	if cfg.WorkerTimeout <= 0 {
		cfg.WorkerTimeout = defaultWorkerTimeout
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}

	transport, err := factory(Destination{Probe: cfg.ProbeName, Site: cfg.SiteName})
	if err != nil {
		return nil, err
	}
	return &Runner{
		cfg:       cfg,
		factory:   factory,
		transport: transport,
		norm: &Normalizer{
			ProbeName:       cfg.ProbeName,
			SiteName:        cfg.SiteName,
			CollectorHost:   cfg.CollectorHost,
			ExtraAttributes: cfg.ExtraAttributes,
		},
		batch:    NewAlternateBatch(),
		metrics:  NewRunMetrics(),
		minStart: cfg.RunStart.Add(-maxRecordAge).Unix(),
	}, nil
}

func (r *Runner) Metrics() *RunMetrics { return r.metrics }

func (r *Runner) Close() error {
	if r == nil || r.transport == nil {
		return nil
	}
	err := r.transport.Disconnect()
	r.transport = nil
	return err
}

func (r *Runner) connect() {
	logf(2, "starting run %s for probe %s at site %s", r.cfg.RunID, r.cfg.ProbeName, r.cfg.SiteName)
	if err := r.transport.Handshake(); err != nil {
		logf(0, "collector handshake failed: %v", err)
	}
	if err := r.transport.ReconcileOutstanding(); err != nil {
		logf(0, "resending outstanding records failed: %v", err)
	}
}

// ProcessDirectories scans per-job history files under the given paths and
// submits one usage record per job. Sources whose bookkeeping does not add
// up are quarantined so a later run can retry them.
func (r *Runner) ProcessDirectories(paths []string) error {
	start := time.Now()
	stats := &runStats{}
	r.connect()

	sources := logfilesToProcess(paths)
	logf(4, "found %d candidate logfiles under %s", len(sources), strings.Join(paths, ", "))
	for _, src := range sources {
		stats.LogfilesProcessed++
		if src.fromDir && !historyNameRe.MatchString(filepath.Base(src.path)) {
			logf(2, "ignoring history file with invalid name: %s", src.path)
			continue
		}
		counts, err := r.processHistoryFile(src.path)
		stats.RecordsFound += counts.found
		stats.RecordsSubmitted += counts.submitted
		stats.RecordsAlternate += counts.alternate

		ok := err == nil &&
			counts.submitted+counts.alternate == counts.found &&
			(counts.submitted > 0 || counts.alternate > 0)
		if ok {
			logf(5, "processed %d records from %s", counts.submitted, src.path)
			continue
		}
		reason := fmt.Sprintf("submitted %d and rerouted %d of %d records", counts.submitted, counts.alternate, counts.found)
		if err != nil {
			reason = err.Error()
		}
		logf(2, "unable to process records from %s, quarantining: %s", src.path, reason)
		if qerr := r.transport.Quarantine(src.path, reason); qerr != nil {
			logf(0, "quarantine of %s failed: %v", src.path, qerr)
		}
		stats.LogfileErrors++
	}

	r.finishRun(stats, start)
	return nil
}

// ProcessStream submits records from a single record stream, such as the
// output of condor_history. Stream sources have no file to move aside, so a
// read failure only journals the quarantine.
func (r *Runner) ProcessStream(rd io.Reader, label string) error {
	start := time.Now()
	stats := &runStats{}
	r.connect()

	stats.LogfilesProcessed++
	counts, err := r.processRecords(rd, label, false, false)
	stats.RecordsFound = counts.found
	stats.RecordsSubmitted = counts.submitted
	stats.RecordsAlternate = counts.alternate
	if err != nil {
		logf(0, "processing %s failed: %v", label, err)
		if qerr := r.transport.Quarantine(label, err.Error()); qerr != nil {
			logf(0, "quarantine of %s failed: %v", label, qerr)
		}
		stats.LogfileErrors++
	}

	r.finishRun(stats, start)
	return err
}

func (r *Runner) processHistoryFile(path string) (sourceCounts, error) {
	f, err := os.Open(path)
	if err != nil {
		logf(2, "cannot open logfile %s: %v", path, err)
		return sourceCounts{}, err
	}
	defer f.Close()
	return r.processRecords(f, path, true, true)
}

// processRecords drives the scanner over one source. File sources tag the
// first non-empty record with the source path so the collector client can
// remove the file once that record is confirmed sent; the destination of a
// file-sourced record is compared by probe name, a stream-sourced one by
// site name.
func (r *Runner) processRecords(rd io.Reader, source string, withTransient bool, compareProbe bool) (sourceCounts, error) {
	var counts sourceCounts
	taggedTransient := false

	sc := NewRecordScanner(rd)
	for sc.Scan() {
		counts.found++
		ad, err := sc.Record()
		if err != nil {
			logf(2, "skipping malformed record in %s: %v", source, err)
			continue
		}
		if ad.Len() == 0 {
			logf(5, "ignoring empty record from %s", source)
			continue
		}
		if withTransient && !taggedTransient {
			ad.Set("logfile", StringValue(source))
			taggedTransient = true
		}

		rec, err := r.norm.Normalize(ad)
		if err != nil {
			if errors.Is(err, ErrIgnoreRecord) {
				logf(3, "ignoring record from %s: %v", source, err)
				r.metrics.RecordsIgnored.Inc()
				counts.submitted++
				continue
			}
			logf(2, "unable to convert record from %s: %v", source, err)
			continue
		}

		if completed := effectiveCompletion(ad); completed < r.minStart {
			logf(2, "ignoring too-old job %s: completed at %d, horizon is %d", rec.LocalJobID, completed, r.minStart)
			r.metrics.RecordsStale.Inc()
			continue
		}

		if r.isAlternate(rec, compareProbe) {
			r.batch.Add(rec.Destination(), rec)
			counts.alternate++
			continue
		}
		status, err := r.transport.Send(rec)
		if err != nil || !strings.HasPrefix(status, "OK") {
			logf(1, "sending record %s failed: status=%q err=%v", rec.GlobalJobID, status, err)
			r.metrics.SendFailures.Inc()
			continue
		}
		logf(4, "sent record %s: %s", rec.GlobalJobID, status)
		counts.submitted++
	}
	if err := sc.Err(); err != nil {
		return sourceCounts{}, fmt.Errorf("reading %s: %w", source, err)
	}
	if n := sc.SoftErrors(); n > 0 {
		logf(2, "%d unparseable record blocks in %s", n, source)
	}
	return counts, nil
}

// effectiveCompletion is the timestamp the stale-record check runs against.
// A zero or absent CompletionDate is replaced in the ad by
// EnteredCurrentStatus before the comparison.
func effectiveCompletion(ad *ClassAd) int64 {
	if v, ok := ad.Int("CompletionDate"); ok && v != 0 {
		return v
	}
	v, _ := ad.Int("EnteredCurrentStatus")
	ad.Set("CompletionDate", IntValue(v))
	return v
}

// isAlternate reports whether the record names a destination other than the
// one this run is connected to. Records that carried their own site name
// out of normalization also carry a derived probe name, so the file path
// compares probes while the stream path compares sites.
func (r *Runner) isAlternate(rec *UsageRecord, compareProbe bool) bool {
	if compareProbe {
		return rec.ProbeName != r.cfg.ProbeName
	}
	return rec.SiteName != r.cfg.SiteName
}

func (r *Runner) finishRun(stats *runStats, start time.Time) {
	logf(2, "number of logfiles processed: %d", stats.LogfilesProcessed)
	logf(2, "number of logfiles with errors: %d", stats.LogfileErrors)
	logf(2, "number of usage records submitted: %d", stats.RecordsSubmitted)
	logf(2, "number of alternate usage records: %d", stats.RecordsAlternate)
	logf(2, "number of usage records found: %d", stats.RecordsFound)

	r.metrics.LogfilesProcessed.Add(float64(stats.LogfilesProcessed))
	r.metrics.LogfilesErrored.Add(float64(stats.LogfileErrors))
	r.metrics.RecordsFound.Add(float64(stats.RecordsFound))
	r.metrics.RecordsSubmitted.Add(float64(stats.RecordsSubmitted))
	r.metrics.RecordsAlternate.Add(float64(stats.RecordsAlternate))
	r.metrics.RunDuration.Set(time.Since(start).Seconds())

	r.flushAlternates()

	if r.cfg.MetricsTextfile != "" {
		if err := r.metrics.WriteTextfile(r.cfg.MetricsTextfile); err != nil {
			logf(0, "writing metrics textfile %s: %v", r.cfg.MetricsTextfile, err)
		}
	}
}

// logfilesToProcess expands the input paths: a regular file with content is
// taken as-is, a directory contributes its entries whose names look like
// per-job history files.
func logfilesToProcess(paths []string) []logSource {
	var out []logSource
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			logf(0, "cannot stat input %s: %v", p, err)
			continue
		}
		if !info.IsDir() {
			if info.Size() > 0 {
				out = append(out, logSource{path: p})
			}
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			logf(0, "cannot list directory %s: %v", p, err)
			continue
		}
		for _, ent := range entries {
			if ent.IsDir() || !logfileRe.MatchString(ent.Name()) {
				continue
			}
			out = append(out, logSource{path: filepath.Join(p, ent.Name()), fromDir: true})
		}
	}
	return out
}
