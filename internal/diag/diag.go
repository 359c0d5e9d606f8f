// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package diag exports a debug-info bundle (recent log lines, the
// active client configuration, and a host-stats snapshot) to a
// compressed archive on disk, with an optional upload to S3 for
// centralized collection (config.Diagnostics).
package diag

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/nishisan-dev/audiocore/internal/config"
)

// ErrDisabled is returned by Export when diagnostics are not enabled
// in the client configuration.
var ErrDisabled = errors.New("diag: diagnostics export is disabled")

// Bundle is the set of named sections packed into one archive.
// Section order in the archive follows sorted name order, not
// insertion order, so bundles are reproducible for a given input.
type Bundle struct {
	CreatedAt time.Time
	Sections  map[string][]byte
}

// Exporter writes Bundles to OutputDir and, when an S3 bucket is
// configured, uploads the resulting archive.
type Exporter struct {
	cfg      config.Diagnostics
	logger   *slog.Logger
	s3Client *s3.Client
}

// NewExporter constructs an Exporter. When cfg.Enabled is false, the
// returned Exporter's Export always fails with ErrDisabled and no AWS
// configuration is loaded. When cfg.S3Bucket is set, the default AWS
// credential chain is used unless AUDIOCORE_S3_ACCESS_KEY (and
// AUDIOCORE_S3_SECRET_KEY) override it with a static pair, for hosts
// that run the client without an instance role or shared config file.
func NewExporter(cfg config.Diagnostics, logger *slog.Logger) (*Exporter, error) {
	logger = logger.With("component", "diag")
	exp := &Exporter{cfg: cfg, logger: logger}
	if !cfg.Enabled || cfg.S3Bucket == "" {
		return exp, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.S3Region)}
	if accessKey := os.Getenv("AUDIOCORE_S3_ACCESS_KEY"); accessKey != "" {
		secretKey := os.Getenv("AUDIOCORE_S3_SECRET_KEY")
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("diag: loading AWS config: %w", err)
	}
	exp.s3Client = s3.NewFromConfig(awsCfg)
	return exp, nil
}

// Export compresses b and writes it under OutputDir, uploading it to
// S3 afterward if configured. It returns the local archive path even
// when the upload step fails, so the caller can still point a human
// at the file.
func (e *Exporter) Export(ctx context.Context, b Bundle) (string, error) {
	if !e.cfg.Enabled {
		return "", ErrDisabled
	}

	if err := os.MkdirAll(e.cfg.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("diag: creating output dir: %w", err)
	}

	name := fmt.Sprintf("audiocore-diag-%s.%s", b.CreatedAt.UTC().Format("20060102T150405Z"), extensionFor(e.cfg.Codec))
	path := filepath.Join(e.cfg.OutputDir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("diag: creating archive: %w", err)
	}
	werr := e.writeCompressed(f, b)
	cerr := f.Close()
	if werr != nil {
		return "", fmt.Errorf("diag: writing archive: %w", werr)
	}
	if cerr != nil {
		return "", fmt.Errorf("diag: closing archive: %w", cerr)
	}

	e.logger.Info("wrote diagnostics bundle", "path", path, "sections", len(b.Sections))

	if e.s3Client == nil {
		return path, nil
	}
	if err := e.upload(ctx, path, name); err != nil {
		return path, fmt.Errorf("diag: uploading archive: %w", err)
	}
	return path, nil
}

func (e *Exporter) writeCompressed(w io.Writer, b Bundle) error {
	switch e.cfg.Codec {
	case "gzip":
		gz, err := pgzip.NewWriterLevel(w, pgzip.BestSpeed)
		if err != nil {
			return err
		}
		if err := writeTar(gz, b); err != nil {
			gz.Close()
			return err
		}
		return gz.Close()
	case "zstd":
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return err
		}
		if err := writeTar(zw, b); err != nil {
			zw.Close()
			return err
		}
		return zw.Close()
	default:
		return fmt.Errorf("diag: unknown codec %q", e.cfg.Codec)
	}
}

func writeTar(w io.Writer, b Bundle) error {
	tw := tar.NewWriter(w)

	names := make([]string, 0, len(b.Sections))
	for name := range b.Sections {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		data := b.Sections[name]
		hdr := &tar.Header{
			Name:    name,
			Mode:    0o644,
			Size:    int64(len(data)),
			ModTime: b.CreatedAt,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("writing tar header for %s: %w", name, err)
		}
		if _, err := tw.Write(data); err != nil {
			return fmt.Errorf("writing tar body for %s: %w", name, err)
		}
	}

	return tw.Close()
}

func (e *Exporter) upload(ctx context.Context, path, key string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	uploadCtx, cancel := context.WithTimeout(ctx, e.cfg.UploadTime)
	defer cancel()

	if e.cfg.S3Prefix != "" {
		key = strings.TrimSuffix(e.cfg.S3Prefix, "/") + "/" + key
	}

	uploader := manager.NewUploader(e.s3Client)
	_, err = uploader.Upload(uploadCtx, &s3.PutObjectInput{
		Bucket: aws.String(e.cfg.S3Bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	return err
}

func extensionFor(codec string) string {
	if codec == "gzip" {
		return "tar.gz"
	}
	return "tar.zst"
}

// NewBundle assembles the standard diagnostics sections: recent log
// lines from the client's in-memory ring, a plain-text key=value
// summary of selected configuration fields (omitted when cfg is nil),
// and a plain-text stats snapshot. Callers may add more
// sections to the returned Bundle before calling Export.
func NewBundle(recentLogs []string, cfg *config.ClientConfig, statsText string) Bundle {
	b := Bundle{CreatedAt: time.Now(), Sections: map[string][]byte{}}

	var logBuf bytes.Buffer
	for _, line := range recentLogs {
		logBuf.WriteString(line)
		logBuf.WriteByte('\n')
	}
	b.Sections["log_tail.txt"] = logBuf.Bytes()

	b.Sections["stats.txt"] = []byte(statsText)

	if cfg != nil {
		b.Sections["config_summary.txt"] = []byte(fmt.Sprintf(
			"connection_type=%s\nstream.buffer_frames=%d\nstream.callback_threshold=%d\ndiagnostics.enabled=%t\nwatchdog.fallback_poll_cron=%s\n",
			cfg.ConnectionType, cfg.Stream.BufferFrames, cfg.Stream.CallbackThreshold,
			cfg.Diagnostics.Enabled, cfg.Watchdog.FallbackPollCron,
		))
	}

	return b
}
