package meter

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// A GlobalJobId looks like `submit.host.example#123.0#1445`; the first
// segment names the schedd the job was submitted through.
var globalJobIDRe = regexp.MustCompile(`^(.*)#\d+\.?\d*#.*`)

// ErrIgnoreRecord marks a record that is intentionally filtered out rather
// than failed. Callers branch with errors.Is and count the record as
// handled, not as an error.
var ErrIgnoreRecord = errors.New("record ignored")

// procAttrs is the preference order of attributes that report how many
// processors the pilot or payload job had available.
var procAttrs = []string{
	"MachineAttrCpus0",
	"MATCH_EXP_JOB_GLIDEIN_Cpus",
	"CpusProvisioned",
	"RequestCpus",
}

// pegasusAttrs maps workflow-tool attributes to their additional-info keys.
var pegasusAttrs = [][2]string{
	{"pegasus_root_wf_uuid", "PegasusRootWFUUID"},
	{"pegasus_wf_uuid", "PegasusWFUUID"},
	{"pegasus_version", "PegasusVersion"},
	{"pegasus_wf_app", "PegasusApp"},
	{"pegasus_wf_xformation", "PegasusWFXformation"},
}

// Normalizer maps one raw job ad to one canonical UsageRecord. ProbeName
// and SiteName are the run's default destination identity; CollectorHost
// is the configured collector value used for the execute-pool fallback;
// ExtraAttributes are operator-chosen attribute names forwarded verbatim.
type Normalizer struct {
	ProbeName       string
	SiteName        string
	CollectorHost   string
	ExtraAttributes []string
}

func truthy(v Value) bool {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindInt:
		return v.Int != 0
	case KindDouble:
		return v.Dbl != 0
	case KindString:
		return v.Str != ""
	}
	return false
}

// corruptDuration reports whether a remote CPU counter carries a known-bad
// value: at least 2e9 seconds while also exceeding 1000x the cumulative
// slot time. Such values come from schedulers with broken counters and
// must not be accounted. A missing slot time counts as zero.
func corruptDuration(ad *ClassAd, attr string) bool {
	v, ok := ad.Float(attr)
	if !ok || v < 2e9 {
		return false
	}
	slot, _ := ad.Float("CumulativeSlotTime")
	return v/(slot+1) > 1000
}

func nonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

// Normalize converts a parsed job ad into a UsageRecord stamped with the
// run's default destination (or the ad's declared override). The ad must
// carry a ClusterId. Workflow-manager monitor jobs yield ErrIgnoreRecord,
// and any transient source file they reference is removed.
func (n *Normalizer) Normalize(ad *ClassAd) (*UsageRecord, error) {
	if !ad.Has("ClusterId") {
		logf(2, "no ClusterId in ad: %s", strings.TrimSpace(ad.Marshal()))
		return nil, fmt.Errorf("classad carries no ClusterId")
	}
	cluster, _ := ad.Text("ClusterId")
	logf(5, "building usage record for cluster %s", cluster)

	// condor_dagman monitor jobs consume no resources worth accounting.
	if cmd, ok := ad.Text("Cmd"); ok && filepath.Base(cmd) == "condor_dagman" {
		if lf, ok := ad.Text("logfile"); ok {
			logf(1, "deleting transient condor_dagman input file: %s", lf)
			if err := os.Remove(lf); err != nil && !os.IsNotExist(err) {
				logf(1, "delete %s: %v", lf, err)
			}
		}
		return nil, fmt.Errorf("condor_dagman monitor job: %w", ErrIgnoreRecord)
	}

	rt := ResourceBatch
	if v, ok := ad.Get("GridMonitorJob"); ok && truthy(v) {
		rt = ResourceGridMonitor
	} else if _, ok := resourceName(ad); ok {
		rt = ResourceBatchPilot
	}

	rec := &UsageRecord{
		ResourceType: rt,
		ProbeName:    n.ProbeName,
		SiteName:     n.SiteName,
	}
	rec.GlobalJobID, _ = ad.Text("UniqGlobalJobId")

	jobID := cluster
	if proc, ok := ad.Int("ProcId"); ok && proc > 0 {
		jobID = fmt.Sprintf("%s.%d", cluster, proc)
	}
	rec.LocalJobID = jobID

	// A job pre-routed through the job router carries its auth token
	// attributes as orig_-prefixed copies on the routed ad.
	if v, ok := ad.Text("Owner"); ok {
		rec.LocalUserID = v
	}
	if v, ok := ad.Text("User"); ok {
		rec.GlobalUsername = v
	}
	if v, ok := ad.FirstText("x509userproxysubject", "orig_AuthTokenSubject"); ok {
		rec.DN = v
	}
	if v, ok := ad.FirstText("x509UserProxyFirstFQAN", "orig_AuthTokenIssuer"); ok {
		rec.VOName = v
	}
	if v, ok := ad.FirstText("x509UserProxyVOName", "orig_AuthTokenIssuer"); ok {
		rec.ReportableVOName = v
	}

	if gid, ok := ad.Text("GlobalJobId"); ok {
		rec.JobName = gid
		jobID = gid
		if m := globalJobIDRe.FindStringSubmatch(gid); m != nil {
			rec.MachineName = m[1]
			rec.SubmitHost = m[1]
		}
	}

	if v, ok := ad.Int("ExitStatus"); ok {
		rec.Status = int(v)
		rec.StatusDescription = "Condor Exit Status"
	}

	if v, ok := ad.Float("RemoteWallClockTime"); ok {
		rec.WallDuration = nonNegative(v)
	}

	readCpu := func(attr string, remote bool) float64 {
		v, ok := ad.Float(attr)
		if !ok {
			ad.Set(attr, IntValue(0))
			return 0
		}
		if remote && corruptDuration(ad, attr) {
			logf(1, "WARNING: record %s has invalid %s %v, replacing value with 0", jobID, attr, v)
			ad.Set(attr, IntValue(0))
			v = 0
		}
		v = nonNegative(v)
		rec.AddDuration(attr, v)
		return v
	}
	remoteUserCpu := readCpu("RemoteUserCpu", true)
	localUserCpu := readCpu("LocalUserCpu", false)
	remoteSysCpu := readCpu("RemoteSysCpu", true)
	localSysCpu := readCpu("LocalSysCpu", false)

	for _, attr := range []string{"CumulativeSuspensionTime", "CommittedSuspensionTime", "CommittedTime"} {
		if v, ok := ad.Float(attr); ok {
			rec.AddDuration(attr, nonNegative(v))
		}
	}

	rec.SysCpuDuration = remoteSysCpu + localSysCpu
	ad.Set("SysCpuTotal", DoubleValue(rec.SysCpuDuration))
	rec.UserCpuDuration = remoteUserCpu + localUserCpu
	ad.Set("UserCpuTotal", DoubleValue(rec.UserCpuDuration))

	if v, ok := ad.Int("CompletionDate"); ok && v > 0 {
		rec.EndTime = v
	}
	if v, ok := ad.Int("JobStartDate"); ok {
		rec.StartTime = v
	}
	if v, ok := ad.Int("QDate"); ok {
		rec.QueueTime = v
	}

	if v, ok := ad.Text("LastRemoteHost"); ok {
		parts := strings.Split(v, "@")
		rec.Host = parts[len(parts)-1]
		if descr, ok := hostDescription(ad, n.SiteName); ok {
			rec.HostDescription = descr
		}
	}

	// Condor has no queue notion; the JobUniverse code stands in.
	if v, ok := ad.Text("JobUniverse"); ok {
		rec.Queue = v
	}
	if v, ok := ad.Int("MaxHosts"); ok {
		rec.NodeCount = int(v)
	}

	for _, attr := range n.ExtraAttributes {
		if v, ok := ad.Text(attr); ok {
			logf(5, "forwarding extra attribute %s = %s", attr, v)
			rec.AddInfo(attr, v)
		}
	}

	if v, ok := ad.FirstInt(procAttrs...); ok {
		rec.Processors = int(v)
	}
	// Sites spell the GPU request several ways; lookup is case-insensitive
	// and no GPUs (or an unparseable value) is not an error.
	if v, ok := ad.Int("RequestGpus"); ok {
		rec.GPUs = int(v)
	}

	if v, ok := ad.Text("MyType"); ok {
		rec.AddInfo("CondorMyType", v)
	}
	if v, ok := ad.Text("AccountingGroup"); ok {
		rec.AddInfo("AccountingGroup", v)
	}
	if v, ok := ad.Get("ExitBySignal"); ok {
		// The collector wants lower-case boolean literals.
		rec.AddInfo("ExitBySignal", strconv.FormatBool(truthy(v)))
	}
	if v, ok := ad.Text("ExitSignal"); ok {
		rec.AddInfo("ExitSignal", v)
	}
	if v, ok := ad.Text("ExitCode"); ok {
		rec.AddInfo("ExitCode", v)
	}
	if v, ok := ad.Text("JobStatus"); ok {
		rec.AddInfo("condor.JobStatus", v)
	}

	if origin, ok := ad.Text("GratiaJobOrigin"); ok {
		if origin == "GRAM" {
			rec.Grid = "OSG"
		} else {
			rec.Grid = "Local"
		}
	}
	if name, ok := resourceName(ad); ok {
		// Campus factory usage, campus flocking usage and explicitly
		// local jobs all account as local.
		if strings.HasSuffix(name, "-CF") || strings.HasSuffix(name, "-Flock") || name == "Local Job" {
			rec.Grid = "Local"
		}
	}
	// Scheduler and local universes are always considered local.
	if v, ok := ad.Int("JobUniverse"); ok && (v == 7 || v == 12) {
		rec.Grid = "Local"
	}
	// So is the source side of a routed job pair.
	if ad.Has("RoutedToJobId") {
		rec.Grid = "Local"
	}

	if lf, ok := ad.Text("logfile"); ok {
		rec.AddTransientInputFile(lf)
	}

	if v, ok := ad.Text("ProjectName"); ok {
		rec.ProjectName = v
	}

	// A record may declare it belongs to another site; its probe name is
	// then derived from ours so the collector can tell the origin apart.
	if site, ok := ad.String("GratiaSiteName"); ok {
		rec.SiteName = site
		rec.ProbeName = n.ProbeName + "-" + site
	}

	wall, _ := ad.Float("RemoteWallClockTime")
	total := 0.0
	for _, attr := range ad.Attributes() {
		if !strings.HasPrefix(attr, "Network") {
			continue
		}
		v, ok := ad.Float(attr)
		if !ok {
			continue
		}
		total += v
		rec.Network = append(rec.Network, NetworkUsage{Description: attr, Bytes: v, Phase: wall, Metric: attr})
	}
	rec.Network = append(rec.Network, NetworkUsage{Bytes: total, Phase: wall, Metric: "total"})

	if v, ok := ad.Text("LastRemotePool"); ok {
		rec.ExecutePools = append(rec.ExecutePools, v)
	} else {
		rec.ExecutePools = append(rec.ExecutePools, collectorHostNames(n.CollectorHost)...)
	}

	for _, p := range pegasusAttrs {
		if v, ok := ad.Text(p[0]); ok {
			rec.AddInfo(p[1], v)
		}
	}

	return rec, nil
}
