package backend

import (
	"encoding/json"
	"fmt"
	"os"
)

// BlockReason explains why a finished build's result was withheld from
// publication.
type BlockReason string

const (
	BlockNone                BlockReason = "NONE"
	BlockOOMEnospc           BlockReason = "OOM_ENOSPC"
	BlockEarlyOOM            BlockReason = "EARLY_OOM"
	BlockDiskFull            BlockReason = "DISK_FULL"
	BlockNoPackagesBuilt     BlockReason = "NO_PACKAGES_BUILT"
	BlockBuildTimeout        BlockReason = "BUILD_TIMEOUT"
	BlockSingleCleanPackage  BlockReason = "SINGLE_CLEAN_PACKAGE"
	BlockAuthorOptedOutClean BlockReason = "AUTHOR_BLOCKLIST_CLEAN"
	BlockPRClosed            BlockReason = "PR_CLOSED"
	BlockPreviousReview      BlockReason = "PREVIOUS_REVIEW"
	BlockDryRun              BlockReason = "DRY_RUN"
)

// Report is the build tool's report.json, plus the fields the publish
// pipeline adds before persisting it. The category lists are disjoint,
// except tests which may overlap the others.
type Report struct {
	PR          int      `json:"pr"`
	Built       []string `json:"built"`
	Failed      []string `json:"failed"`
	Broken      []string `json:"broken"`
	Skipped     []string `json:"skipped"`
	Blacklisted []string `json:"blacklisted"`
	NonExistent []string `json:"non-existent"`
	TimedOut    []string `json:"timed_out"`
	Tests       []string `json:"tests"`

	// HammerReport is opaque static-analysis output; nil when the check
	// produced nothing.
	HammerReport   *string `json:"hammer_report"`
	NumSuggestions int     `json:"num_suggestions"`

	Uploaded      bool   `json:"uploaded"`
	BlockedReason string `json:"blocked_reason,omitempty"`
}

// LoadReport reads a report.json file.
func LoadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &r, nil
}

// Save writes the report back to path.
func (r *Report) Save(path string) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Summary flattens the report to per-category counts for the finished
// row. Free-text hammer content is deliberately excluded; only its
// suggestion count survives.
func (r *Report) Summary() map[string]any {
	return map[string]any{
		"pr":              r.PR,
		"built":           len(r.Built),
		"failed":          len(r.Failed),
		"broken":          len(r.Broken),
		"skipped":         len(r.Skipped),
		"blacklisted":     len(r.Blacklisted),
		"non-existent":    len(r.NonExistent),
		"timed_out":       len(r.TimedOut),
		"tests":           len(r.Tests),
		"num_suggestions": r.NumSuggestions,
		"uploaded":        r.Uploaded,
		"blocked_reason":  r.BlockedReason,
	}
}
