package osv

import (
	"strconv"
	"strings"

	gocvss20 "github.com/pandatix/go-cvss/20"
	gocvss30 "github.com/pandatix/go-cvss/30"
	gocvss31 "github.com/pandatix/go-cvss/31"
	gocvss40 "github.com/pandatix/go-cvss/40"
)

// severityPreference orders OSV severity types; the first parseable wins.
var severityPreference = []string{"CVSS_V3", "CVSS_V4", "CVSS_V2"}

// bestScore returns the base score of the preferred CVSS entry of v.
func bestScore(v vuln) (float64, bool) {
	for _, kind := range severityPreference {
		for _, s := range v.Severity {
			if s.Type != kind {
				continue
			}
			if score, ok := cvssScore(s.Score); ok {
				return score, true
			}
		}
	}
	return 0, false
}

// cvssScore computes the base score of an OSV severity score. The schema
// requires a vector string; a bare number is accepted for feeds that emit one.
func cvssScore(raw string) (float64, bool) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return 0, false
	case strings.HasPrefix(raw, "CVSS:3.1/"):
		c, err := gocvss31.ParseVector(raw)
		if err != nil {
			return 0, false
		}
		return c.BaseScore(), true
	case strings.HasPrefix(raw, "CVSS:3.0/"):
		c, err := gocvss30.ParseVector(raw)
		if err != nil {
			return 0, false
		}
		return c.BaseScore(), true
	case strings.HasPrefix(raw, "CVSS:4.0/"):
		c, err := gocvss40.ParseVector(raw)
		if err != nil {
			return 0, false
		}
		return c.Score(), true
	case strings.HasPrefix(raw, "AV:"):
		c, err := gocvss20.ParseVector(raw)
		if err != nil {
			return 0, false
		}
		return c.BaseScore(), true
	}
	score, err := strconv.ParseFloat(raw, 64)
	if err != nil || score < 0 || score > 10 {
		return 0, false
	}
	return score, true
}
