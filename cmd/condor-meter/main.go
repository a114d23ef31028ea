package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"condor-meter/meter"

	"github.com/google/uuid"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	var configPath string
	var collectorURL string
	var probeName string
	var siteName string
	var useHistory bool
	var startTime string
	var endTime string
	var sleepMax time.Duration
	var verbose bool

	flag.StringVar(&configPath, "config", "/etc/condor-meter/config.yaml", "YAML config file path.")
	flag.StringVar(&collectorURL, "collector", "", "Collector endpoint URL (overrides config).")
	flag.StringVar(&probeName, "probe", "", "Probe name to report as (overrides config).")
	flag.StringVar(&siteName, "site", "", "Site name to report as (overrides config).")
	flag.BoolVar(&useHistory, "history", false, "Read records from condor_history instead of per-job history files.")
	flag.StringVar(&startTime, "start-time", "", `Bound the condor_history query: start, "YYYY-MM-DD" or "YYYY-MM-DD HH:MM:SS". Requires -end-time.`)
	flag.StringVar(&endTime, "end-time", "", `Bound the condor_history query: end, same formats. Requires -start-time.`)
	flag.DurationVar(&sleepMax, "sleep", 0, "Sleep a random interval up to this long before starting (staggers crontab runs).")
	flag.BoolVar(&verbose, "verbose", false, "Log at the most detailed level.")
	flag.Parse()

	visited := map[string]bool{}
	flag.CommandLine.Visit(func(f *flag.Flag) {
		visited[f.Name] = true
	})

	cfg, err := meter.LoadProbeConfig(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if visited["collector"] {
		cfg.CollectorURL = collectorURL
	}
	if visited["probe"] {
		cfg.ProbeName = probeName
	}
	if visited["site"] {
		cfg.SiteName = siteName
	}

	level := cfg.DebugLevel
	if verbose {
		level = 5
	}
	meter.SetLogLevel(level)

	window, err := meter.ParseHistoryWindow(startTime, endTime, time.Now())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if window.Bounded && !useHistory {
		fmt.Fprintln(os.Stderr, "-start-time and -end-time require -history")
		os.Exit(2)
	}

	if sleepMax > 0 {
		d := time.Duration(rand.Float64() * float64(sleepMax))
		log.Printf("sleeping %s before processing", d.Round(time.Millisecond))
		time.Sleep(d)
	}

	runID := uuid.NewString()
	factory := func(d meter.Destination) (meter.Transport, error) {
		return meter.NewCollectorClient(meter.CollectorConfig{
			URL:        cfg.CollectorURL,
			Probe:      d.Probe,
			Site:       d.Site,
			WorkingDir: cfg.WorkingFolder,
			Timeout:    cfg.SendTimeout.Std(),
			RunID:      runID,
		})
	}

	runner, err := meter.NewRunner(meter.RunnerConfig{
		ProbeName:       cfg.ProbeName,
		SiteName:        cfg.SiteName,
		CollectorHost:   cfg.CollectorHost,
		ExtraAttributes: cfg.ExtraAttributes,
		WorkerTimeout:   cfg.WorkerTimeout.Std(),
		MetricsTextfile: cfg.MetricsTextfile,
		RunID:           runID,
	}, factory)
	if err != nil {
		log.Fatalf("init runner: %v", err)
	}
	defer runner.Close()

	if useHistory {
		if err := runner.ProcessCondorHistory(window); err != nil {
			log.Fatalf("condor_history: %v", err)
		}
		return
	}

	folders := flag.Args()
	if len(folders) == 0 {
		folders = cfg.DataFolders
	}
	if len(folders) == 0 {
		fmt.Fprintln(os.Stderr, "no input folders (pass them as arguments or set data_folders in the config)")
		os.Exit(2)
	}
	if err := runner.ProcessDirectories(folders); err != nil {
		log.Fatalf("process: %v", err)
	}
}
