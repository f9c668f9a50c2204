// Package selfcheck verifies that a score document can be split into parts
// before any derivation runs.
package selfcheck

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/FocuswithJustin/msczkit/core/cas"
	"github.com/FocuswithJustin/msczkit/core/score"
	"github.com/FocuswithJustin/msczkit/core/xml"
)

// Version is the report format version.
const Version = "1.0.0"

// Status values for reports.
const (
	StatusPass = "pass"
	StatusFail = "fail"
)

// Check types.
const (
	CheckProgramVersion = "PROGRAM_VERSION"
	CheckPartName       = "PART_NAME"
	CheckStaffLinks     = "STAFF_LINKS"
	CheckUniqueNames    = "UNIQUE_NAMES"
)

// Report is the outcome of Run.
type Report struct {
	ReportVersion  string          `json:"report_version"`
	CreatedAt      string          `json:"created_at"`
	Source         string          `json:"source,omitempty"`
	Digest         *cas.HashResult `json:"digest,omitempty"`
	ProgramVersion string          `json:"program_version,omitempty"`
	Parts          int             `json:"parts"`
	Results        []CheckResult   `json:"results"`
	Status         string          `json:"status"`
}

// CheckResult is one check. Warnings never fail the report.
type CheckResult struct {
	CheckType string `json:"check_type"`
	Label     string `json:"label"`
	Pass      bool   `json:"pass"`
	Warning   bool   `json:"warning,omitempty"`
	Details   string `json:"details,omitempty"`
}

// ToJSON serializes the report.
func (r *Report) ToJSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// Failed returns the failing, non-warning results.
func (r *Report) Failed() []CheckResult {
	var out []CheckResult
	for _, c := range r.Results {
		if !c.Pass && !c.Warning {
			out = append(out, c)
		}
	}
	return out
}

// Run checks doc: the program version must name a supported renderer, every
// part must have a name and resolvable staves. Duplicate part names are
// reported as a warning.
func Run(doc *xml.Document) *Report {
	r := &Report{
		ReportVersion: Version,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339),
	}

	v, err := score.ProgramVersion(doc)
	switch {
	case err != nil:
		r.add(CheckResult{CheckType: CheckProgramVersion, Label: "programVersion", Details: err.Error()})
	case v.Major != 3 && v.Major != 4:
		r.ProgramVersion = v.String()
		r.add(CheckResult{CheckType: CheckProgramVersion, Label: "programVersion",
			Details: fmt.Sprintf("no renderer for major version %d", v.Major)})
	default:
		r.ProgramVersion = v.String()
		r.add(CheckResult{CheckType: CheckProgramVersion, Label: "programVersion", Pass: true})
	}

	parts := score.ListParts(doc)
	r.Parts = len(parts)
	seen := make(map[string][]int)
	for i, p := range parts {
		label := fmt.Sprintf("part #%d", i+1)
		name, err := score.NameOf(p)
		if err != nil {
			r.add(CheckResult{CheckType: CheckPartName, Label: label, Details: err.Error()})
		} else {
			label = fmt.Sprintf("part #%d %q", i+1, name)
			r.add(CheckResult{CheckType: CheckPartName, Label: label, Pass: true})
			key := strings.ToLower(name)
			seen[key] = append(seen[key], i+1)
		}

		if _, err := score.StavesOf(doc, p); err != nil {
			r.add(CheckResult{CheckType: CheckStaffLinks, Label: label, Details: err.Error()})
		} else {
			r.add(CheckResult{CheckType: CheckStaffLinks, Label: label, Pass: true})
		}
	}

	var dups []string
	for _, idx := range seen {
		if len(idx) > 1 {
			dups = append(dups, fmt.Sprint(idx))
		}
	}
	if len(dups) > 0 {
		slices.Sort(dups)
		r.add(CheckResult{CheckType: CheckUniqueNames, Label: "part names", Warning: true,
			Details: "parts sharing a name: " + strings.Join(dups, ", ")})
	} else {
		r.add(CheckResult{CheckType: CheckUniqueNames, Label: "part names", Pass: true})
	}

	r.Status = StatusPass
	if len(r.Failed()) > 0 {
		r.Status = StatusFail
	}
	return r
}

func (r *Report) add(c CheckResult) {
	r.Results = append(r.Results, c)
}
