package meter

import (
	"regexp"
	"strings"
)

// resourceNameAttrs is the preference order for the glidein resource name
// attribute; pilot-based jobs report it under one of these names depending
// on the factory version.
var resourceNameAttrs = []string{
	"MachineAttrGLIDEIN_ResourceName0",
	"MATCH_EXP_JOBGLIDEIN_ResourceName",
}

func resourceName(ad *ClassAd) (string, bool) {
	for _, attr := range resourceNameAttrs {
		if v, ok := ad.Text(attr); ok {
			return v, true
		}
	}
	return "", false
}

var (
	commaSplitRe  = regexp.MustCompile(`,\s*`)
	creamRe       = regexp.MustCompile(`^https://([A-Za-z.0-9-]+):(\d+)/ce-cream/services/CREAM2\s+(\S+)\s+\S+`)
	hostSplitRe   = regexp.MustCompile(`[ ,]+`)
	sinfulAliasRe = regexp.MustCompile(`&alias=([^&>]+)`)
)

// creamMatch compares a CREAM CE match expression against a desired CE.
// The desired CE looks like
//
//	llrcream.in2p3.fr:8443/cream-pbs
//
// while the match expression looks like
//
//	https://llrcream.in2p3.fr:8443/ce-cream/services/CREAM2 pbs cms
//
// so plain equality never holds and the two forms are equated here.
func creamMatch(match, desired string) bool {
	m := creamRe.FindStringSubmatch(match)
	if m == nil {
		return false
	}
	host, port, jm := m[1], m[2], m[3]
	return strings.TrimSpace(host+":"+port+"/cream-"+jm) == desired
}

// hostDescription derives the host description for a job. Pilot-based jobs
// are reported by their glidein resource name; a resource name of
// "Local Job" maps to the local site. A job whose matched storage element
// and matched gatekeeper are both outside the desired lists is an overflow
// job and gets an "-overflow" suffix. Returns false when the job carries
// no resource name at all.
func hostDescription(ad *ClassAd, localSite string) (string, bool) {
	name, ok := resourceName(ad)
	if !ok {
		return "", false
	}
	descr := name
	if name == "Local Job" {
		descr = localSite
	}

	// SE-based matching first. Without both attributes there is nothing
	// to judge overflow by.
	desiredSEs, okDesired := ad.Text("DESIRED_SEs")
	matchSE, okMatch := ad.Text("MATCH_GLIDEIN_SEs")
	if !okDesired || !okMatch {
		return descr, true
	}
	matchSE = strings.TrimSpace(matchSE)
	for _, want := range commaSplitRe.Split(desiredSEs, -1) {
		if matchSE == strings.TrimSpace(want) {
			return descr, true
		}
	}

	// No SE matched; fall back to CE-based matching.
	desiredCEs, okDesired := ad.Text("DESIRED_Gatekeepers")
	matchCE, okMatch := ad.Text("MATCH_GLIDEIN_Gatekeeper")
	if !okDesired || !okMatch {
		return descr, true
	}
	for _, want := range commaSplitRe.Split(desiredCEs, -1) {
		want = strings.TrimSpace(want)
		if matchCE == want || creamMatch(matchCE, want) {
			return descr, true
		}
	}

	return descr + "-overflow", true
}

// collectorHostNames parses host names out of a configured collector-host
// value: a comma/space separated list whose entries are either plain
// host[:port] or <sinful> strings carrying an `alias=` parameter.
func collectorHostNames(collectorHost string) []string {
	var hosts []string
	trimmed := strings.TrimSpace(collectorHost)
	if trimmed == "" {
		return hosts
	}
	for _, host := range hostSplitRe.Split(trimmed, -1) {
		if strings.HasPrefix(host, "<") {
			m := sinfulAliasRe.FindStringSubmatch(host)
			if m == nil {
				continue
			}
			host = m[1]
		}
		if i := strings.IndexByte(host, ':'); i >= 0 {
			host = host[:i]
		}
		if host != "" {
			hosts = append(hosts, host)
		}
	}
	return hosts
}
