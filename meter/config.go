package meter

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration accepts "90s" / "5m" style values in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || strings.TrimSpace(value.Value) == "" {
		return nil
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// ProbeConfig is the file configuration of one probe deployment.
type ProbeConfig struct {
	// ProbeName identifies this probe to the collector,
	// e.g. "condor:submit.example.edu".
	ProbeName string `yaml:"probe_name"`
	// SiteName is the local default site records are accounted under.
	SiteName string `yaml:"site_name"`

	// CollectorURL is the accounting collector endpoint.
	CollectorURL string `yaml:"collector_url"`
	// CollectorHost is the pool collector value used for the execute-pool
	// fallback. May hold several comma/space separated entries, including
	// <sinful> strings.
	CollectorHost string `yaml:"collector_host"`

	// DataFolders are scanned for per-job history files.
	DataFolders []string `yaml:"data_folders"`
	// WorkingFolder holds the journal database and the quarantine area.
	WorkingFolder string `yaml:"working_folder"`

	// ExtraAttributes are operator-chosen attribute names forwarded
	// verbatim into additional info.
	ExtraAttributes []string `yaml:"extra_attributes"`

	DebugLevel int `yaml:"debug_level"`

	// MetricsTextfile, when set, receives the run counters in exposition
	// format for a node-exporter textfile collector.
	MetricsTextfile string `yaml:"metrics_textfile"`

	// SendTimeout bounds one collector round trip; WorkerTimeout bounds
	// one alternate-destination delivery worker.
	SendTimeout   Duration `yaml:"send_timeout"`
	WorkerTimeout Duration `yaml:"worker_timeout"`
}

func LoadProbeConfig(path string) (*ProbeConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg ProbeConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
