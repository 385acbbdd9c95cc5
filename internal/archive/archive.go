// Package archive uploads reclaimed segments to S3-compatible object
// storage (AWS S3, MinIO, Cloudflare R2) before the sweeper deletes their
// local files. It is write-only: nothing in the serving path reads back
// from the bucket.
package archive

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/mareekkk/logstream/internal/config"
	"github.com/mareekkk/logstream/internal/meta"
	"github.com/mareekkk/logstream/internal/metrics"
	"github.com/mareekkk/logstream/pkg/s3util"
	"go.uber.org/zap"
)

// S3API is the slice of the S3 client the archiver uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Archiver copies segment and index files into a bucket, one object each,
// keyed by segment id.
type Archiver struct {
	s3     S3API
	cfg    config.ArchiveConfig
	logger *zap.Logger
}

// New builds an S3 client from config and wraps it in an Archiver.
func New(ctx context.Context, cfg config.ArchiveConfig, logger *zap.Logger) (*Archiver, error) {
	client, err := s3util.NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewWithClient(client, cfg, logger), nil
}

// NewWithClient wraps an existing client, which tests substitute.
func NewWithClient(s3api S3API, cfg config.ArchiveConfig, logger *zap.Logger) *Archiver {
	return &Archiver{
		s3:     s3api,
		cfg:    cfg,
		logger: logger.Named("archive"),
	}
}

func (a *Archiver) objectKey(id uint64) string {
	if a.cfg.Prefix != "" {
		return fmt.Sprintf("%s/segments/%016d.seg", a.cfg.Prefix, id)
	}
	return fmt.Sprintf("segments/%016d.seg", id)
}

func (a *Archiver) indexKey(id uint64) string {
	if a.cfg.Prefix != "" {
		return fmt.Sprintf("%s/segments/%016d.idx", a.cfg.Prefix, id)
	}
	return fmt.Sprintf("segments/%016d.idx", id)
}

// Archive uploads the segment data file and its index sidecar, returning
// the data object key. The sweeper only deletes local files after this
// returns nil; a failed index upload is logged but not fatal, since the
// bucket is an export target, not a serving tier.
func (a *Archiver) Archive(ctx context.Context, entry meta.SegmentEntry, dataPath, indexPath string) (string, error) {
	key := a.objectKey(entry.ID)

	f, err := os.Open(dataPath)
	if err != nil {
		metrics.ArchiveErrors.WithLabelValues("open").Inc()
		return "", fmt.Errorf("opening segment %d for upload: %w", entry.ID, err)
	}
	defer f.Close()

	input := &s3.PutObjectInput{
		Bucket:      &a.cfg.Bucket,
		Key:         &key,
		Body:        f,
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"ls-segment-id":   strconv.FormatUint(entry.ID, 10),
			"ls-first-seq":    strconv.FormatUint(entry.FirstSeq, 10),
			"ls-last-seq":     strconv.FormatUint(entry.LastSeq, 10),
			"ls-record-count": strconv.FormatUint(entry.RecordCount, 10),
		},
	}
	if a.cfg.StorageClass != "" {
		input.StorageClass = types.StorageClass(a.cfg.StorageClass)
	}

	start := time.Now()
	if _, err := a.s3.PutObject(ctx, input); err != nil {
		metrics.ArchiveErrors.WithLabelValues("upload").Inc()
		return "", fmt.Errorf("uploading segment %d: %w", entry.ID, err)
	}
	metrics.ArchiveUploadDuration.WithLabelValues("segment").Observe(time.Since(start).Seconds())

	if err := a.uploadIndex(ctx, entry.ID, indexPath); err != nil {
		metrics.ArchiveErrors.WithLabelValues("index").Inc()
		a.logger.Warn("index sidecar upload failed",
			zap.Uint64("segment", entry.ID),
			zap.Error(err))
	}

	a.logger.Debug("segment archived",
		zap.Uint64("segment", entry.ID),
		zap.String("key", key),
		zap.Int64("size_bytes", entry.SizeBytes))
	return key, nil
}

func (a *Archiver) uploadIndex(ctx context.Context, id uint64, indexPath string) error {
	f, err := os.Open(indexPath)
	if err != nil {
		return fmt.Errorf("opening index: %w", err)
	}
	defer f.Close()

	key := a.indexKey(id)
	start := time.Now()
	if _, err := a.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &a.cfg.Bucket,
		Key:         &key,
		Body:        f,
		ContentType: aws.String("application/octet-stream"),
	}); err != nil {
		return err
	}
	metrics.ArchiveUploadDuration.WithLabelValues("index").Observe(time.Since(start).Seconds())
	return nil
}

// Ping checks bucket reachability with a HeadBucket call.
func (a *Archiver) Ping(ctx context.Context) error {
	_, err := a.s3.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: &a.cfg.Bucket,
	})
	if err != nil {
		return fmt.Errorf("archive bucket %s unreachable: %w", a.cfg.Bucket, err)
	}
	return nil
}
