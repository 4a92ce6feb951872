// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package archive uploads run logs to S3-compatible object storage as
// zstd-compressed objects before retention cleanup removes them locally.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/klauspost/compress/zstd"

	"github.com/tombee/stagehand/internal/config"
	stagehanderrors "github.com/tombee/stagehand/pkg/errors"
)

// Archiver stores a run log durably elsewhere and returns its location.
type Archiver interface {
	Archive(ctx context.Context, runID, logPath string) (string, error)
}

// putObjectAPI is the part of the S3 client the archiver uses.
type putObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 archives logs to a bucket.
type S3 struct {
	api    putObjectAPI
	bucket string
	prefix string
	logger *slog.Logger
}

var _ Archiver = (*S3)(nil)

// NewS3 builds an archiver from configuration. Static credentials are used
// when both keys are set; otherwise the default AWS credential chain applies.
func NewS3(ctx context.Context, cfg config.ArchiveConfig, logger *slog.Logger) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, &stagehanderrors.ConfigError{Key: "archive.bucket", Reason: "bucket is required when archiving is enabled"}
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithHTTPClient(&http.Client{Timeout: 60 * time.Second}),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, &stagehanderrors.ConfigError{Key: "archive", Reason: "failed to load AWS configuration", Cause: err}
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint != "" && !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "https://" + endpoint
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	return newS3(client, cfg.Bucket, cfg.Prefix, logger), nil
}

func newS3(api putObjectAPI, bucket, prefix string, logger *slog.Logger) *S3 {
	if logger == nil {
		logger = slog.Default()
	}
	return &S3{
		api:    api,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logger.With(slog.String("component", "archive")),
	}
}

// Key returns the object key for a run's archived log.
func (a *S3) Key(runID string) string {
	return path.Join(a.prefix, runID+".log.zst")
}

// Archive compresses the log into a temporary file and uploads it with a
// SHA-256 checksum. It returns the s3:// URL of the object.
func (a *S3) Archive(ctx context.Context, runID, logPath string) (string, error) {
	src, err := os.Open(logPath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	tmp, err := os.CreateTemp("", "stagehand-archive-*.zst")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	digest := sha256.New()
	size, err := Compress(io.MultiWriter(tmp, digest), src)
	if err != nil {
		return "", err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return "", err
	}

	key := a.Key(runID)
	sum := digest.Sum(nil)
	checksum := base64.StdEncoding.EncodeToString(sum)
	_, err = a.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:            aws.String(a.bucket),
		Key:               aws.String(key),
		Body:              tmp,
		ContentLength:     aws.Int64(size),
		ContentType:       aws.String("application/zstd"),
		ChecksumAlgorithm: s3types.ChecksumAlgorithmSha256,
		ChecksumSHA256:    aws.String(checksum),
		Metadata: map[string]string{
			"run-id": runID,
			"sha256": hex.EncodeToString(sum),
		},
	})
	if err != nil {
		return "", &stagehanderrors.TransientError{Component: "archive", Cause: err}
	}

	url := "s3://" + a.bucket + "/" + key
	a.logger.Debug("archived run log", slog.String("run_id", runID), slog.String("url", url), slog.Int64("bytes", size))
	return url, nil
}

// Compress writes the zstd encoding of r to w and returns the number of
// compressed bytes written.
func Compress(w io.Writer, r io.Reader) (int64, error) {
	counter := &countingWriter{w: w}
	encoder, err := zstd.NewWriter(counter)
	if err != nil {
		return 0, fmt.Errorf("zstd writer: %w", err)
	}
	if _, err := io.Copy(encoder, r); err != nil {
		encoder.Close()
		return 0, fmt.Errorf("compress: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return 0, fmt.Errorf("zstd close: %w", err)
	}
	return counter.n, nil
}

// Decompress writes the decoded form of a zstd stream to w.
func Decompress(w io.Writer, r io.Reader) error {
	decoder, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()
	if _, err := io.Copy(w, decoder); err != nil {
		return fmt.Errorf("decompress: %w", err)
	}
	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// ErrDisabled is returned by New when archiving is switched off.
var ErrDisabled = errors.New("archiving disabled")

// New returns the configured archiver, or ErrDisabled.
func New(ctx context.Context, cfg config.ArchiveConfig, logger *slog.Logger) (Archiver, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	a, err := NewS3(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}
