package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"
)

// JournalEntry is one system log record.
type JournalEntry struct {
	Message string
}

// Journal reads the structured system log. It is an interface so the
// publish gate can be exercised without a journald on the test machine.
type Journal interface {
	// Since returns entries for the given unit logged at or after the
	// given time.
	Since(ctx context.Context, unit string, since time.Time) ([]JournalEntry, error)
}

// SystemdJournal reads entries by shelling out to journalctl.
type SystemdJournal struct{}

// Since implements Journal.
func (SystemdJournal) Since(ctx context.Context, unit string, since time.Time) ([]JournalEntry, error) {
	cmd := exec.CommandContext(ctx,
		"journalctl",
		"--unit", unit,
		"--since", fmt.Sprintf("@%d", since.Unix()),
		"--output", "json",
		"--no-pager",
	)

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("journalctl %s: %w", unit, err)
	}

	var entries []JournalEntry
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var record struct {
			Message string `json:"MESSAGE"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		entries = append(entries, JournalEntry{Message: record.Message})
	}
	return entries, scanner.Err()
}

// emitStartMarker writes a journald record tagging the start of a build,
// so that log-window scans and the post-build persistence step can anchor
// on the pull request number.
func emitStartMarker(ctx context.Context, pr int) error {
	payload, err := json.Marshal(map[string]int{"pr": pr})
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, "systemd-cat", "--identifier=nixpkgs-review-start", "--priority=info")
	cmd.Stdin = bytes.NewReader(payload)
	return cmd.Run()
}
