package backend

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadReportRoundTrip(t *testing.T) {
	hammer := "markdown from the analyzer"
	orig := &Report{
		PR:             4321,
		Built:          []string{"pkgA", "pkgB"},
		Failed:         []string{"pkgC"},
		TimedOut:       []string{"pkgD"},
		Tests:          []string{"pkgB"},
		HammerReport:   &hammer,
		NumSuggestions: 2,
	}

	path := filepath.Join(t.TempDir(), "report.json")
	if err := orig.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := LoadReport(path)
	if err != nil {
		t.Fatalf("LoadReport: %v", err)
	}
	if got.PR != orig.PR || len(got.Built) != 2 || len(got.Failed) != 1 {
		t.Errorf("loaded %+v, want %+v", got, orig)
	}
	if got.HammerReport == nil || *got.HammerReport != hammer {
		t.Errorf("hammer report = %v, want %q", got.HammerReport, hammer)
	}
}

func TestLoadReportMissingFile(t *testing.T) {
	_, err := LoadReport(filepath.Join(t.TempDir(), "absent.json"))
	if !os.IsNotExist(err) {
		t.Errorf("LoadReport error = %v, want not-exist", err)
	}
}

func TestReportSummaryCountsOnly(t *testing.T) {
	hammer := "a very long markdown blob the database must never see"
	r := &Report{
		PR:             100,
		Built:          []string{"a", "b", "c"},
		Failed:         []string{"d"},
		Skipped:        []string{"e", "f"},
		HammerReport:   &hammer,
		NumSuggestions: 4,
		Uploaded:       true,
		BlockedReason:  string(BlockNone),
	}

	s := r.Summary()
	if s["built"] != 3 || s["failed"] != 1 || s["skipped"] != 2 {
		t.Errorf("summary counts wrong: %v", s)
	}
	if s["num_suggestions"] != 4 {
		t.Errorf("num_suggestions = %v, want 4", s["num_suggestions"])
	}
	if _, ok := s["hammer_report"]; ok {
		t.Error("summary leaked the hammer report text")
	}
	if s["uploaded"] != true || s["blocked_reason"] != string(BlockNone) {
		t.Errorf("status fields wrong: %v", s)
	}
}
