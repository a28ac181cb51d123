package backend

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
)

// reportLinkTTL is how long the presigned report link logged after an
// upload stays valid. Long enough to follow from a day-old log line.
const reportLinkTTL = 7 * 24 * time.Hour

// ArtifactStore is the object-storage surface the uploader needs.
// *s3.Client satisfies it.
type ArtifactStore interface {
	PutObject(ctx context.Context, bucket, key, contentType string, r io.Reader) error
	UploadFile(ctx context.Context, bucket, key, contentType, path string) error
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// Uploader ships build artifacts to object storage.
type Uploader struct {
	store   ArtifactStore
	bucket  string
	machine string
	dryRun  bool
	logger  *log.Logger
}

// NewUploader builds an uploader for the given machine identity
// ("x86_64", "aarch64"). In dry-run mode nothing leaves the host.
func NewUploader(store ArtifactStore, bucket, machine string, dryRun bool, logger *log.Logger) *Uploader {
	return &Uploader{store: store, bucket: bucket, machine: machine, dryRun: dryRun, logger: logger}
}

// UploadReport uploads the rendered report for one pull request, plus a
// compressed archive of the build logs when present. A missing report
// file is logged and skipped, never an error: the persistence sink still
// records the crash.
func (u *Uploader) UploadReport(ctx context.Context, pr int, jobDir string) {
	reportPath := filepath.Join(jobDir, "report.md")
	if _, err := os.Stat(reportPath); err != nil {
		u.logger.Printf("error: report file does not exist: %s", reportPath)
		return
	}

	if u.dryRun || u.store == nil {
		u.logger.Printf("dry run, skipping report upload")
		return
	}

	key := fmt.Sprintf("pr-results/%s/%d.md", u.machine, pr)
	if err := u.store.UploadFile(ctx, u.bucket, key, "text/markdown", reportPath); err != nil {
		u.logger.Printf("error: report upload failed: %v", err)
	} else {
		u.logger.Printf("uploaded report to s3://%s/%s", u.bucket, key)
		// The bucket is private; a presigned link in the log is the
		// operator's way to the rendered report.
		if link, err := u.store.PresignGet(ctx, u.bucket, key, reportLinkTTL); err != nil {
			u.logger.Printf("error: presign report link: %v", err)
		} else {
			u.logger.Printf("report link: %s", link)
		}
	}

	u.uploadLogs(ctx, pr, filepath.Join(jobDir, "logs"))
}

func (u *Uploader) uploadLogs(ctx context.Context, pr int, logsDir string) {
	info, err := os.Stat(logsDir)
	if err != nil || !info.IsDir() {
		return
	}

	archive, err := os.CreateTemp("", "review-logs-*.tar.zst")
	if err != nil {
		u.logger.Printf("error: create logs archive: %v", err)
		return
	}
	defer os.Remove(archive.Name())
	defer archive.Close()

	if err := writeTarZst(archive, logsDir); err != nil {
		u.logger.Printf("error: write logs archive: %v", err)
		return
	}
	if _, err := archive.Seek(0, io.SeekStart); err != nil {
		u.logger.Printf("error: rewind logs archive: %v", err)
		return
	}

	key := fmt.Sprintf("pr-results/%s/%d-logs.tar.zst", u.machine, pr)
	if err := u.store.PutObject(ctx, u.bucket, key, "application/zstd", archive); err != nil {
		u.logger.Printf("error: logs upload failed: %v", err)
		return
	}
	u.logger.Printf("uploaded logs to s3://%s/%s", u.bucket, key)
}

func writeTarZst(w io.Writer, dir string) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(zw)

	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return err
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return zw.Close()
}
