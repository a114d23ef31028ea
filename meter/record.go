package meter

import "fmt"

// ResourceType classifies how the job consumed resources.
type ResourceType string

const (
	ResourceBatch       ResourceType = "Batch"
	ResourceGridMonitor ResourceType = "GridMonitor"
	ResourceBatchPilot  ResourceType = "BatchPilot"
)

// Destination identifies where a record is reported: the probe that
// accounts for it and the site it is accounted under.
type Destination struct {
	Probe string `json:"probe"`
	Site  string `json:"site"`
}

func (d Destination) String() string {
	return fmt.Sprintf("%s (site %s)", d.Probe, d.Site)
}

// InfoPair is one free-form additional-info entry. Order is preserved.
type InfoPair struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// TimeDuration is a labelled duration beyond the wall/CPU fields.
type TimeDuration struct {
	Label   string  `json:"label"`
	Seconds float64 `json:"seconds"`
}

// NetworkUsage is one network counter. Bytes is the counter value, Phase
// the wall-clock interval it covers (seconds).
type NetworkUsage struct {
	Description string  `json:"description"`
	Bytes       float64 `json:"bytes"`
	Phase       float64 `json:"phase_secs"`
	Metric      string  `json:"metric"`
}

// UsageRecord is the canonical accounting record produced from one raw
// job ad. Every emitted record has a non-empty LocalJobID and a
// destination identity; durations are in seconds and non-negative after
// validation.
type UsageRecord struct {
	ResourceType ResourceType `json:"resource_type"`

	GlobalJobID string `json:"global_job_id,omitempty"`
	LocalJobID  string `json:"local_job_id"`
	JobName     string `json:"job_name,omitempty"`

	LocalUserID      string `json:"local_user_id,omitempty"`
	GlobalUsername   string `json:"global_username,omitempty"`
	DN               string `json:"dn,omitempty"`
	VOName           string `json:"vo_name,omitempty"`
	ReportableVOName string `json:"reportable_vo_name,omitempty"`

	WallDuration    float64        `json:"wall_duration,omitempty"`
	UserCpuDuration float64        `json:"user_cpu_duration,omitempty"`
	SysCpuDuration  float64        `json:"sys_cpu_duration,omitempty"`
	TimeDurations   []TimeDuration `json:"time_durations,omitempty"`

	// Unix seconds; zero means unknown.
	EndTime   int64 `json:"end_time,omitempty"`
	StartTime int64 `json:"start_time,omitempty"`
	QueueTime int64 `json:"queue_time,omitempty"`

	MachineName     string `json:"machine_name,omitempty"`
	SubmitHost      string `json:"submit_host,omitempty"`
	Host            string `json:"host,omitempty"`
	HostDescription string `json:"host_description,omitempty"`

	Queue       string `json:"queue,omitempty"`
	NodeCount   int    `json:"node_count,omitempty"`
	Processors  int    `json:"processors,omitempty"`
	GPUs        int    `json:"gpus,omitempty"`
	ProjectName string `json:"project_name,omitempty"`
	Grid        string `json:"grid,omitempty"`

	Status            int    `json:"status,omitempty"`
	StatusDescription string `json:"status_description,omitempty"`

	Network      []NetworkUsage `json:"network,omitempty"`
	ExecutePools []string       `json:"execute_pools,omitempty"`

	AdditionalInfo []InfoPair `json:"additional_info,omitempty"`

	ProbeName string `json:"probe_name"`
	SiteName  string `json:"site_name"`

	// Source files to remove once the record is confirmed delivered.
	// Never serialized to the collector.
	TransientInputFiles []string `json:"-"`
}

func (u *UsageRecord) AddInfo(key, value string) {
	u.AdditionalInfo = append(u.AdditionalInfo, InfoPair{Key: key, Value: value})
}

func (u *UsageRecord) AddDuration(label string, seconds float64) {
	u.TimeDurations = append(u.TimeDurations, TimeDuration{Label: label, Seconds: seconds})
}

func (u *UsageRecord) AddTransientInputFile(path string) {
	u.TransientInputFiles = append(u.TransientInputFiles, path)
}

// Destination returns the record's destination identity.
func (u *UsageRecord) Destination() Destination {
	return Destination{Probe: u.ProbeName, Site: u.SiteName}
}

// SetDestination stamps the record with a destination identity.
func (u *UsageRecord) SetDestination(d Destination) {
	u.ProbeName = d.Probe
	u.SiteName = d.Site
}

// AlternateBatch accumulates records whose destination differs from the
// run default, keyed by destination in first-seen order. It is populated
// by the single-threaded scan and consumed once by the dispatcher, so it
// needs no locking.
type AlternateBatch struct {
	order []Destination
	byKey map[Destination][]*UsageRecord
}

func NewAlternateBatch() *AlternateBatch {
	return &AlternateBatch{byKey: make(map[Destination][]*UsageRecord)}
}

func (b *AlternateBatch) Add(d Destination, rec *UsageRecord) {
	if _, ok := b.byKey[d]; !ok {
		b.order = append(b.order, d)
	}
	b.byKey[d] = append(b.byKey[d], rec)
}

// Destinations returns the batch's keys in insertion order.
func (b *AlternateBatch) Destinations() []Destination {
	out := make([]Destination, len(b.order))
	copy(out, b.order)
	return out
}

func (b *AlternateBatch) Records(d Destination) []*UsageRecord {
	return b.byKey[d]
}

// Remove drops one destination's records, keeping the others.
func (b *AlternateBatch) Remove(d Destination) {
	if _, ok := b.byKey[d]; !ok {
		return
	}
	delete(b.byKey, d)
	for i, k := range b.order {
		if k == d {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Len is the total number of batched records across all destinations.
func (b *AlternateBatch) Len() int {
	n := 0
	for _, recs := range b.byKey {
		n += len(recs)
	}
	return n
}
