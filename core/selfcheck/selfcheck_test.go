package selfcheck

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/FocuswithJustin/msczkit/core/xml"
	"github.com/FocuswithJustin/msczkit/internal/scoretest"
)

func parse(t *testing.T, s scoretest.Score) *xml.Document {
	t.Helper()
	doc, err := xml.Parse([]byte(s.MSCX()))
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

func failedTypes(r *Report) []string {
	var out []string
	for _, c := range r.Failed() {
		out = append(out, c.CheckType+" "+c.Label)
	}
	return out
}

func TestRunPass(t *testing.T) {
	r := Run(parse(t, scoretest.Quartet()))
	if r.Status != StatusPass {
		t.Fatalf("expected pass, got %s: %v", r.Status, failedTypes(r))
	}
	if r.Parts != 3 {
		t.Errorf("expected 3 parts, got %d", r.Parts)
	}
	if r.ProgramVersion != "4.2.1" {
		t.Errorf("expected version 4.2.1, got %s", r.ProgramVersion)
	}
	// version + (name, staves) per part + unique names
	if got := len(r.Results); got != 1+2*3+1 {
		t.Errorf("expected 8 results, got %d", got)
	}
}

func TestRunDanglingStaff(t *testing.T) {
	s := scoretest.Quartet()
	s.DanglingStaff = true
	r := Run(parse(t, s))
	if r.Status != StatusFail {
		t.Fatal("expected fail")
	}
	failed := r.Failed()
	if len(failed) != 1 || failed[0].CheckType != CheckStaffLinks || !strings.Contains(failed[0].Label, "Violin") {
		t.Errorf("expected the Violin staff links to fail, got %v", failedTypes(r))
	}
}

func TestRunUnsupportedVersion(t *testing.T) {
	s := scoretest.Quartet()
	s.ProgramVersion = "2.3.2"
	r := Run(parse(t, s))
	if r.Status != StatusFail {
		t.Fatal("expected fail")
	}
	if f := r.Failed(); len(f) != 1 || f[0].CheckType != CheckProgramVersion {
		t.Errorf("expected only the version check to fail, got %v", failedTypes(r))
	}
}

func TestRunUnnamedPart(t *testing.T) {
	s := scoretest.Quartet()
	s.Parts[1].NoInstrument = true
	r := Run(parse(t, s))
	if r.Status != StatusFail {
		t.Fatal("expected fail")
	}
	f := r.Failed()
	if len(f) != 1 || f[0].CheckType != CheckPartName || f[0].Label != "part #2" {
		t.Errorf("expected part #2 name check to fail, got %v", failedTypes(r))
	}
}

func TestRunDuplicateNamesWarn(t *testing.T) {
	s := scoretest.Score{Parts: []scoretest.Part{
		{LongName: "Violin"}, {LongName: "violin"}, {LongName: "Cello"},
	}}
	r := Run(parse(t, s))
	if r.Status != StatusPass {
		t.Fatalf("duplicates must not fail the report: %v", failedTypes(r))
	}
	last := r.Results[len(r.Results)-1]
	if last.CheckType != CheckUniqueNames || !last.Warning || !strings.Contains(last.Details, "[1 2]") {
		t.Errorf("expected duplicate warning for parts 1 and 2, got %+v", last)
	}
}

func TestToJSON(t *testing.T) {
	r := Run(parse(t, scoretest.Quartet()))
	data, err := r.ToJSON()
	if err != nil {
		t.Fatal(err)
	}
	var back map[string]any
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back["status"] != StatusPass || back["report_version"] != Version {
		t.Errorf("unexpected JSON %s", data)
	}
}
