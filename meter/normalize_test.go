package meter

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func testNormalizer() *Normalizer {
	return &Normalizer{
		ProbeName: "condor:submit.example.com",
		SiteName:  "EXAMPLE_SITE",
	}
}

func mustParseAd(t *testing.T, lines ...string) *ClassAd {
	t.Helper()
	ad, err := ParseClassAd(strings.Join(lines, "\n"))
	if err != nil {
		t.Fatal(err)
	}
	return ad
}

func infoValue(rec *UsageRecord, key string) (string, bool) {
	for _, kv := range rec.AdditionalInfo {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

func durationValue(rec *UsageRecord, label string) (float64, bool) {
	for _, d := range rec.TimeDurations {
		if d.Label == label {
			return d.Seconds, true
		}
	}
	return 0, false
}

func TestNormalize_RequiresClusterId(t *testing.T) {
	ad := mustParseAd(t, `Owner = "alice"`)
	if _, err := testNormalizer().Normalize(ad); err == nil {
		t.Fatal("expected error for ad without ClusterId")
	}
}

func TestNormalize_MapsCoreFields(t *testing.T) {
	ad := mustParseAd(t,
		`ClusterId = 123`,
		`ProcId = 4`,
		`GlobalJobId = "submit.example.com#123.4#1445"`,
		`Owner = "alice"`,
		`User = "alice@example.com"`,
		`x509userproxysubject = "/DC=org/CN=alice"`,
		`x509UserProxyFirstFQAN = "/cms/Role=NULL"`,
		`x509UserProxyVOName = "cms"`,
		`ExitStatus = 0`,
		`RemoteWallClockTime = 3600.0`,
		`RemoteUserCpu = 3200.0`,
		`RemoteSysCpu = 150.0`,
		`CompletionDate = 1700000000`,
		`JobStartDate = 1699996400`,
		`QDate = 1699990000`,
		`LastRemoteHost = "slot1@worker17.example.com"`,
		`JobUniverse = 5`,
		`MaxHosts = 1`,
		`RequestCpus = 4`,
		`RequestGpus = 2`,
		`AccountingGroup = "group_cms.alice"`,
		`JobStatus = 4`,
		`ProjectName = "snowmass21"`,
	)
	TagUniqueID(ad)

	rec, err := testNormalizer().Normalize(ad)
	if err != nil {
		t.Fatal(err)
	}
	if rec.ResourceType != ResourceBatch {
		t.Fatalf("expected Batch, got %s", rec.ResourceType)
	}
	if rec.GlobalJobID != "condor.submit.example.com#123.4#1445" {
		t.Fatalf("unexpected GlobalJobID %q", rec.GlobalJobID)
	}
	if rec.LocalJobID != "123.4" {
		t.Fatalf("expected LocalJobID 123.4, got %q", rec.LocalJobID)
	}
	if rec.JobName != "submit.example.com#123.4#1445" {
		t.Fatalf("unexpected JobName %q", rec.JobName)
	}
	if rec.MachineName != "submit.example.com" || rec.SubmitHost != "submit.example.com" {
		t.Fatalf("expected schedd host, got machine=%q submit=%q", rec.MachineName, rec.SubmitHost)
	}
	if rec.LocalUserID != "alice" || rec.GlobalUsername != "alice@example.com" {
		t.Fatalf("unexpected identity %q / %q", rec.LocalUserID, rec.GlobalUsername)
	}
	if rec.DN != "/DC=org/CN=alice" || rec.VOName != "/cms/Role=NULL" || rec.ReportableVOName != "cms" {
		t.Fatalf("unexpected VO identity %q %q %q", rec.DN, rec.VOName, rec.ReportableVOName)
	}
	if rec.Status != 0 || rec.StatusDescription != "Condor Exit Status" {
		t.Fatalf("unexpected status %d %q", rec.Status, rec.StatusDescription)
	}
	if rec.WallDuration != 3600 || rec.UserCpuDuration != 3200 || rec.SysCpuDuration != 150 {
		t.Fatalf("unexpected durations wall=%f user=%f sys=%f", rec.WallDuration, rec.UserCpuDuration, rec.SysCpuDuration)
	}
	if rec.EndTime != 1700000000 || rec.StartTime != 1699996400 || rec.QueueTime != 1699990000 {
		t.Fatalf("unexpected times %d %d %d", rec.EndTime, rec.StartTime, rec.QueueTime)
	}
	if rec.Host != "worker17.example.com" {
		t.Fatalf("expected host from last @ segment, got %q", rec.Host)
	}
	if rec.Queue != "5" {
		t.Fatalf("expected queue 5, got %q", rec.Queue)
	}
	if rec.NodeCount != 1 || rec.Processors != 4 || rec.GPUs != 2 {
		t.Fatalf("unexpected counts nodes=%d procs=%d gpus=%d", rec.NodeCount, rec.Processors, rec.GPUs)
	}
	if rec.ProjectName != "snowmass21" {
		t.Fatalf("unexpected project %q", rec.ProjectName)
	}
	if v, ok := infoValue(rec, "AccountingGroup"); !ok || v != "group_cms.alice" {
		t.Fatalf("expected AccountingGroup info, got %q ok=%v", v, ok)
	}
	if v, ok := infoValue(rec, "condor.JobStatus"); !ok || v != "4" {
		t.Fatalf("expected condor.JobStatus info, got %q ok=%v", v, ok)
	}
	if rec.ProbeName != "condor:submit.example.com" || rec.SiteName != "EXAMPLE_SITE" {
		t.Fatalf("unexpected destination %q / %q", rec.ProbeName, rec.SiteName)
	}
}

func TestNormalize_LocalJobIDWithoutProc(t *testing.T) {
	rec, err := testNormalizer().Normalize(mustParseAd(t, `ClusterId = 55`, `ProcId = 0`))
	if err != nil {
		t.Fatal(err)
	}
	if rec.LocalJobID != "55" {
		t.Fatalf("expected 55, got %q", rec.LocalJobID)
	}
}

func TestNormalize_DagmanJobsAreIgnoredAndTransientRemoved(t *testing.T) {
	tmp := t.TempDir()
	lf := filepath.Join(tmp, "history.1.0")
	if err := os.WriteFile(lf, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	ad := mustParseAd(t,
		`ClusterId = 9`,
		`Cmd = "/usr/bin/condor_dagman"`,
	)
	ad.Set("logfile", StringValue(lf))

	_, err := testNormalizer().Normalize(ad)
	if !errors.Is(err, ErrIgnoreRecord) {
		t.Fatalf("expected ErrIgnoreRecord, got %v", err)
	}
	if _, err := os.Stat(lf); err == nil {
		t.Fatalf("expected transient file removed: %s", lf)
	}
}

func TestNormalize_ResourceTypeClassification(t *testing.T) {
	rec, err := testNormalizer().Normalize(mustParseAd(t, `ClusterId = 1`, `GridMonitorJob = true`))
	if err != nil {
		t.Fatal(err)
	}
	if rec.ResourceType != ResourceGridMonitor {
		t.Fatalf("expected GridMonitor, got %s", rec.ResourceType)
	}

	rec, err = testNormalizer().Normalize(mustParseAd(t,
		`ClusterId = 2`,
		`MATCH_EXP_JOBGLIDEIN_ResourceName = "FNAL_GPGRID"`,
	))
	if err != nil {
		t.Fatal(err)
	}
	if rec.ResourceType != ResourceBatchPilot {
		t.Fatalf("expected BatchPilot, got %s", rec.ResourceType)
	}
}

func TestNormalize_AuthTokenFallbackIdentity(t *testing.T) {
	rec, err := testNormalizer().Normalize(mustParseAd(t,
		`ClusterId = 3`,
		`orig_AuthTokenSubject = "alice@cluster"`,
		`orig_AuthTokenIssuer = "https://tokens.example.com"`,
	))
	if err != nil {
		t.Fatal(err)
	}
	if rec.DN != "alice@cluster" {
		t.Fatalf("expected token subject fallback, got %q", rec.DN)
	}
	if rec.VOName != "https://tokens.example.com" || rec.ReportableVOName != "https://tokens.example.com" {
		t.Fatalf("expected token issuer fallback, got %q / %q", rec.VOName, rec.ReportableVOName)
	}
}

func TestNormalize_CorruptRemoteCpuReplacedWithZero(t *testing.T) {
	ad := mustParseAd(t,
		`ClusterId = 4`,
		`RemoteUserCpu = 2500000000.0`,
		`RemoteSysCpu = 10.0`,
		`CumulativeSlotTime = 1000.0`,
	)
	rec, err := testNormalizer().Normalize(ad)
	if err != nil {
		t.Fatal(err)
	}
	if rec.UserCpuDuration != 0 {
		t.Fatalf("expected corrupt user cpu zeroed, got %f", rec.UserCpuDuration)
	}
	if rec.SysCpuDuration != 10 {
		t.Fatalf("expected sane sys cpu kept, got %f", rec.SysCpuDuration)
	}
	// The replacement is written back so a reprocessed ad gives the same record.
	if v, ok := ad.Float("RemoteUserCpu"); !ok || v != 0 {
		t.Fatalf("expected RemoteUserCpu rewritten to 0, got %f ok=%v", v, ok)
	}
	if d, ok := durationValue(rec, "RemoteUserCpu"); !ok || d != 0 {
		t.Fatalf("expected labelled duration 0, got %f ok=%v", d, ok)
	}
}

func TestNormalize_LargeCpuWithMatchingSlotTimeIsKept(t *testing.T) {
	ad := mustParseAd(t,
		`ClusterId = 5`,
		`RemoteUserCpu = 2500000000.0`,
		`CumulativeSlotTime = 2600000.0`,
	)
	rec, err := testNormalizer().Normalize(ad)
	if err != nil {
		t.Fatal(err)
	}
	if rec.UserCpuDuration != 2500000000 {
		t.Fatalf("expected large but plausible cpu kept, got %f", rec.UserCpuDuration)
	}
}

func TestNormalize_MissingSlotTimeCountsAsZero(t *testing.T) {
	ad := mustParseAd(t,
		`ClusterId = 6`,
		`RemoteSysCpu = 3000000000.0`,
	)
	rec, err := testNormalizer().Normalize(ad)
	if err != nil {
		t.Fatal(err)
	}
	if rec.SysCpuDuration != 0 {
		t.Fatalf("expected corrupt sys cpu zeroed without slot time, got %f", rec.SysCpuDuration)
	}
}

func TestNormalize_AbsentCpuAttributesDefaultToZero(t *testing.T) {
	ad := mustParseAd(t, `ClusterId = 7`)
	rec, err := testNormalizer().Normalize(ad)
	if err != nil {
		t.Fatal(err)
	}
	// Absent counters are written into the ad as zeroes, but only counters
	// that were actually present get a labelled duration on the record.
	for _, attr := range []string{"RemoteUserCpu", "LocalUserCpu", "RemoteSysCpu", "LocalSysCpu"} {
		if v, ok := ad.Float(attr); !ok || v != 0 {
			t.Fatalf("expected %s defaulted to 0, got %f ok=%v", attr, v, ok)
		}
	}
	if len(rec.TimeDurations) != 0 {
		t.Fatalf("expected no labelled durations, got %v", rec.TimeDurations)
	}
	if v, ok := ad.Float("SysCpuTotal"); !ok || v != 0 {
		t.Fatalf("expected SysCpuTotal 0, got %f ok=%v", v, ok)
	}
	if v, ok := ad.Float("UserCpuTotal"); !ok || v != 0 {
		t.Fatalf("expected UserCpuTotal 0, got %f ok=%v", v, ok)
	}
}

func TestNormalize_NegativeDurationsClampToZero(t *testing.T) {
	rec, err := testNormalizer().Normalize(mustParseAd(t,
		`ClusterId = 8`,
		`RemoteWallClockTime = -5.0`,
		`RemoteUserCpu = -100.0`,
	))
	if err != nil {
		t.Fatal(err)
	}
	if rec.WallDuration != 0 || rec.UserCpuDuration != 0 {
		t.Fatalf("expected clamped durations, got wall=%f user=%f", rec.WallDuration, rec.UserCpuDuration)
	}
}

func TestNormalize_IsIdempotentAcrossSerialization(t *testing.T) {
	ad := mustParseAd(t,
		`ClusterId = 10`,
		`ProcId = 2`,
		`GlobalJobId = "submit.example.com#10.2#99"`,
		`Owner = "bob"`,
		`RemoteWallClockTime = 100.0`,
		`RemoteUserCpu = 2500000000.0`,
		`LocalUserCpu = 12.0`,
		`RemoteSysCpu = 8.0`,
		`LocalSysCpu = 4.0`,
		`CumulativeSlotTime = 50.0`,
		`NetworkIn = 1024.0`,
		`CompletionDate = 1700000000`,
	)
	TagUniqueID(ad)

	n := testNormalizer()
	first, err := n.Normalize(ad)
	if err != nil {
		t.Fatal(err)
	}

	again, err := ParseClassAd(ad.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	second, err := n.Normalize(again)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("normalization not stable across a serialize/parse cycle:\n%+v\nvs\n%+v", first, second)
	}
}

func TestNormalize_GridClassification(t *testing.T) {
	cases := []struct {
		name  string
		lines []string
		grid  string
	}{
		{"gram origin", []string{`ClusterId = 1`, `GratiaJobOrigin = "GRAM"`}, "OSG"},
		{"non gram origin", []string{`ClusterId = 2`, `GratiaJobOrigin = "JobRouter"`}, "Local"},
		{"no origin", []string{`ClusterId = 3`}, ""},
		{"campus factory", []string{`ClusterId = 4`, `GratiaJobOrigin = "GRAM"`, `MATCH_EXP_JOBGLIDEIN_ResourceName = "UNL-CF"`}, "Local"},
		{"campus flocking", []string{`ClusterId = 5`, `GratiaJobOrigin = "GRAM"`, `MATCH_EXP_JOBGLIDEIN_ResourceName = "UNL-Flock"`}, "Local"},
		{"local job resource", []string{`ClusterId = 6`, `GratiaJobOrigin = "GRAM"`, `MATCH_EXP_JOBGLIDEIN_ResourceName = "Local Job"`}, "Local"},
		{"plain resource keeps origin", []string{`ClusterId = 7`, `GratiaJobOrigin = "GRAM"`, `MATCH_EXP_JOBGLIDEIN_ResourceName = "FNAL_GPGRID"`}, "OSG"},
		{"scheduler universe", []string{`ClusterId = 8`, `GratiaJobOrigin = "GRAM"`, `JobUniverse = 7`}, "Local"},
		{"local universe", []string{`ClusterId = 9`, `GratiaJobOrigin = "GRAM"`, `JobUniverse = 12`}, "Local"},
		{"routed source", []string{`ClusterId = 10`, `GratiaJobOrigin = "GRAM"`, `RoutedToJobId = "77.0"`}, "Local"},
	}
	for _, tc := range cases {
		rec, err := testNormalizer().Normalize(mustParseAd(t, tc.lines...))
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if rec.Grid != tc.grid {
			t.Fatalf("%s: expected grid %q, got %q", tc.name, tc.grid, rec.Grid)
		}
	}
}

func TestNormalize_SiteNameOverrideDerivesProbe(t *testing.T) {
	rec, err := testNormalizer().Normalize(mustParseAd(t,
		`ClusterId = 11`,
		`GratiaSiteName = "OTHER_SITE"`,
	))
	if err != nil {
		t.Fatal(err)
	}
	if rec.SiteName != "OTHER_SITE" {
		t.Fatalf("expected overridden site, got %q", rec.SiteName)
	}
	if rec.ProbeName != "condor:submit.example.com-OTHER_SITE" {
		t.Fatalf("expected derived probe name, got %q", rec.ProbeName)
	}
}

func TestNormalize_SiteNameOverrideRequiresStringValue(t *testing.T) {
	// An unevaluated expression must not reroute the record.
	rec, err := testNormalizer().Normalize(mustParseAd(t,
		`ClusterId = 12`,
		`GratiaSiteName = SiteExpr`,
	))
	if err != nil {
		t.Fatal(err)
	}
	if rec.SiteName != "EXAMPLE_SITE" || rec.ProbeName != "condor:submit.example.com" {
		t.Fatalf("expected default destination, got %q / %q", rec.ProbeName, rec.SiteName)
	}
}

func TestNormalize_NetworkEntriesAndTotal(t *testing.T) {
	rec, err := testNormalizer().Normalize(mustParseAd(t,
		`ClusterId = 13`,
		`RemoteWallClockTime = 3600.0`,
		`NetworkIn = 1024.0`,
		`NetworkOut = 2048.0`,
	))
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.Network) != 3 {
		t.Fatalf("expected 2 entries plus total, got %d", len(rec.Network))
	}
	if rec.Network[0].Metric != "NetworkIn" || rec.Network[0].Bytes != 1024 || rec.Network[0].Phase != 3600 {
		t.Fatalf("unexpected first entry %+v", rec.Network[0])
	}
	last := rec.Network[len(rec.Network)-1]
	if last.Metric != "total" || last.Bytes != 3072 {
		t.Fatalf("unexpected total entry %+v", last)
	}
}

func TestNormalize_ExecutePoolsPreferLastRemotePool(t *testing.T) {
	n := testNormalizer()
	n.CollectorHost = "pool.example.com:9618"

	rec, err := n.Normalize(mustParseAd(t,
		`ClusterId = 14`,
		`LastRemotePool = "glidein.pool.example.com"`,
	))
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.ExecutePools) != 1 || rec.ExecutePools[0] != "glidein.pool.example.com" {
		t.Fatalf("expected LastRemotePool, got %v", rec.ExecutePools)
	}

	rec, err = n.Normalize(mustParseAd(t, `ClusterId = 15`))
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.ExecutePools) != 1 || rec.ExecutePools[0] != "pool.example.com" {
		t.Fatalf("expected collector host fallback, got %v", rec.ExecutePools)
	}
}

func TestNormalize_ExtraAttributesForwarded(t *testing.T) {
	n := testNormalizer()
	n.ExtraAttributes = []string{"MATCH_EXP_JOB_Site", "NotThere"}

	rec, err := n.Normalize(mustParseAd(t,
		`ClusterId = 16`,
		`MATCH_EXP_JOB_Site = "Nebraska"`,
	))
	if err != nil {
		t.Fatal(err)
	}
	if v, ok := infoValue(rec, "MATCH_EXP_JOB_Site"); !ok || v != "Nebraska" {
		t.Fatalf("expected forwarded attribute, got %q ok=%v", v, ok)
	}
	if _, ok := infoValue(rec, "NotThere"); ok {
		t.Fatal("expected absent attribute not forwarded")
	}
}

func TestNormalize_ExitBySignalUsesLowercaseLiterals(t *testing.T) {
	rec, err := testNormalizer().Normalize(mustParseAd(t,
		`ClusterId = 17`,
		`ExitBySignal = TRUE`,
		`ExitSignal = 9`,
	))
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := infoValue(rec, "ExitBySignal"); v != "true" {
		t.Fatalf("expected lowercase true, got %q", v)
	}
	if v, _ := infoValue(rec, "ExitSignal"); v != "9" {
		t.Fatalf("expected signal 9, got %q", v)
	}
}

func TestNormalize_SuspensionDurationsAreLabelled(t *testing.T) {
	rec, err := testNormalizer().Normalize(mustParseAd(t,
		`ClusterId = 18`,
		`CumulativeSuspensionTime = 30.0`,
		`CommittedSuspensionTime = 20.0`,
		`CommittedTime = 900.0`,
	))
	if err != nil {
		t.Fatal(err)
	}
	for label, want := range map[string]float64{
		"CumulativeSuspensionTime": 30,
		"CommittedSuspensionTime":  20,
		"CommittedTime":            900,
	} {
		if v, ok := durationValue(rec, label); !ok || v != want {
			t.Fatalf("expected %s = %f, got %f ok=%v", label, want, v, ok)
		}
	}
}

func TestNormalize_ProcessorPreferenceOrder(t *testing.T) {
	rec, err := testNormalizer().Normalize(mustParseAd(t,
		`ClusterId = 19`,
		`RequestCpus = 4`,
		`MachineAttrCpus0 = 8`,
	))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Processors != 8 {
		t.Fatalf("expected machine attr to win, got %d", rec.Processors)
	}
}

func TestNormalize_PegasusAttributesForwarded(t *testing.T) {
	rec, err := testNormalizer().Normalize(mustParseAd(t,
		`ClusterId = 20`,
		`pegasus_wf_uuid = "a1b2c3"`,
		`pegasus_version = "5.0.1"`,
	))
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := infoValue(rec, "PegasusWFUUID"); v != "a1b2c3" {
		t.Fatalf("expected workflow uuid, got %q", v)
	}
	if v, _ := infoValue(rec, "PegasusVersion"); v != "5.0.1" {
		t.Fatalf("expected version, got %q", v)
	}
}
