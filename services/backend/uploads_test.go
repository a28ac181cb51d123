package backend

import (
	"bytes"
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type fakeArtifactStore struct {
	uploads  []string
	puts     []string
	presigns []string
}

func (f *fakeArtifactStore) PutObject(ctx context.Context, bucket, key, contentType string, r io.Reader) error {
	f.puts = append(f.puts, key)
	return nil
}

func (f *fakeArtifactStore) UploadFile(ctx context.Context, bucket, key, contentType, path string) error {
	f.uploads = append(f.uploads, key)
	return nil
}

func (f *fakeArtifactStore) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	f.presigns = append(f.presigns, key)
	return "https://example.com/signed/" + key, nil
}

func TestUploadReportPresignsLink(t *testing.T) {
	jobDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(jobDir, "report.md"), []byte("# result\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	store := &fakeArtifactStore{}
	u := NewUploader(store, "bucket", "x86_64", false, log.New(&buf, "", 0))

	u.UploadReport(context.Background(), 42, jobDir)

	wantKey := "pr-results/x86_64/42.md"
	if len(store.uploads) != 1 || store.uploads[0] != wantKey {
		t.Errorf("uploads = %v, want [%s]", store.uploads, wantKey)
	}
	if len(store.presigns) != 1 || store.presigns[0] != wantKey {
		t.Errorf("presigns = %v, want a link for the uploaded report", store.presigns)
	}
	if !strings.Contains(buf.String(), "https://example.com/signed/"+wantKey) {
		t.Errorf("log does not carry the presigned link: %s", buf.String())
	}
}

func TestUploadReportMissingFileSkips(t *testing.T) {
	store := &fakeArtifactStore{}
	u := NewUploader(store, "bucket", "x86_64", false, log.New(io.Discard, "", 0))

	u.UploadReport(context.Background(), 42, t.TempDir())

	if len(store.uploads) != 0 || len(store.presigns) != 0 {
		t.Errorf("uploaded %v presigned %v without a report file", store.uploads, store.presigns)
	}
}

func TestUploadReportDryRun(t *testing.T) {
	jobDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(jobDir, "report.md"), []byte("# result\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	store := &fakeArtifactStore{}
	u := NewUploader(store, "bucket", "x86_64", true, log.New(io.Discard, "", 0))

	u.UploadReport(context.Background(), 42, jobDir)

	if len(store.uploads) != 0 || len(store.puts) != 0 {
		t.Errorf("dry run still uploaded: %v %v", store.uploads, store.puts)
	}
}
