package writer

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	appconfig "hyperflow/config"
	"hyperflow/internal/metrics"
	"hyperflow/logger"
)

const (
	s3Component     = "s3_uploader"
	uploadSource    = "hyperflow"
	deleteBatchSize = 1000
)

// ObjectAPI is the subset of the S3 client the uploader needs.
type ObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// NewS3Client builds an S3 client from cfg. Static credentials are used when
// both keys are set, otherwise the default AWS chain applies.
func NewS3Client(ctx context.Context, cfg appconfig.S3Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

// S3Uploader puts local files under a date partitioned prefix and prunes
// objects older than the retention window after each round.
type S3Uploader struct {
	client    ObjectAPI
	bucket    string
	prefix    string
	compress  bool
	retention time.Duration
	timeout   time.Duration
	log       *logger.Log
	now       func() time.Time

	uploads    atomic.Int64
	bytes      atomic.Int64
	failures   atomic.Int64
	deleted    atomic.Int64
	lastUpload atomic.Int64
}

func NewS3Uploader(client ObjectAPI, cfg appconfig.S3Config, log *logger.Log) *S3Uploader {
	if log == nil {
		log = logger.GetLogger()
	}
	prefix := cfg.KeyPrefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Uploader{
		client:    client,
		bucket:    cfg.Bucket,
		prefix:    prefix,
		compress:  cfg.Compress,
		retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		timeout:   cfg.UploadTimeout,
		log:       log,
		now:       time.Now,
	}
}

// ObjectKey returns <prefix>YYYY/MM/DD/<file>, with .gz appended when the
// uploader compresses.
func (u *S3Uploader) ObjectKey(file string, at time.Time) string {
	key := u.prefix + at.UTC().Format("2006/01/02") + "/" + filepath.Base(file)
	if u.compress && !strings.HasSuffix(key, ".gz") {
		key += ".gz"
	}
	return key
}

// Upload sends each existing path and then removes expired objects. Missing
// files are skipped. Every failure is returned joined; successful files are
// not rolled back.
func (u *S3Uploader) Upload(ctx context.Context, paths []string) error {
	if u.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.timeout)
		defer cancel()
	}

	start := time.Now()
	var (
		errs     []error
		uploaded int64
		sent     int64
	)
	for _, path := range paths {
		n, err := u.UploadFile(ctx, path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		uploaded++
		sent += n
	}

	if u.retention > 0 {
		if _, err := u.Cleanup(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	metrics.ReportWriter(u.log, s3Component, metrics.WriterStats{
		FilesUploaded: uploaded,
		BytesUploaded: sent,
		ErrorsCount:   int64(len(errs)),
	})
	logger.LogPerformanceEntry(u.log.WithComponent(s3Component), s3Component, "upload_round", time.Since(start), logger.Fields{
		"files": uploaded,
		"bytes": sent,
	})
	return errors.Join(errs...)
}

// UploadFile puts one local file and returns the number of bytes sent.
func (u *S3Uploader) UploadFile(ctx context.Context, path string) (int64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, err
		}
		u.failures.Add(1)
		return 0, &SinkError{Sink: s3Component, Op: "read", Err: err}
	}

	now := u.now()
	meta := map[string]string{
		"upload-timestamp": now.UTC().Format(time.RFC3339),
		"source":           uploadSource,
		"file-type":        "csv-data",
	}
	body := raw
	contentType := "text/csv"
	var contentEncoding *string
	if u.compress {
		if body, err = gzipBytes(raw); err != nil {
			u.failures.Add(1)
			return 0, &SinkError{Sink: s3Component, Op: "compress", Err: err}
		}
		meta["compression"] = "gzip"
		contentType = "application/gzip"
		contentEncoding = aws.String("gzip")
	}

	key := u.ObjectKey(path, now)
	if err := u.put(ctx, key, body, contentType, contentEncoding, meta); err != nil {
		return 0, err
	}

	entry := u.log.WithComponent(s3Component).WithFields(logger.Fields{
		"key":           key,
		"original_size": len(raw),
		"uploaded_size": len(body),
	})
	if u.compress && len(raw) > 0 {
		entry = entry.WithField("compression_ratio", fmt.Sprintf("%.1f%%", (1-float64(len(body))/float64(len(raw)))*100))
	}
	entry.Info("file uploaded")
	return int64(len(body)), nil
}

// PutObject uploads an in-memory object under key as-is.
func (u *S3Uploader) PutObject(ctx context.Context, key string, body []byte, contentType string, meta map[string]string) error {
	return u.put(ctx, key, body, contentType, nil, meta)
}

func (u *S3Uploader) put(ctx context.Context, key string, body []byte, contentType string, encoding *string, meta map[string]string) error {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(u.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(body),
		ContentType:     aws.String(contentType),
		ContentEncoding: encoding,
		Metadata:        meta,
	})
	if err != nil {
		u.failures.Add(1)
		u.log.WithComponent(s3Component).WithError(err).
			WithEnv("S3_BUCKET_NAME").
			WithFields(logger.Fields{"bucket": u.bucket, "key": key}).
			Error("failed to upload to S3")
		return &SinkError{Sink: s3Component, Op: "put", Err: fmt.Errorf("s3://%s/%s: %w", u.bucket, key, err)}
	}
	u.uploads.Add(1)
	u.bytes.Add(int64(len(body)))
	u.lastUpload.Store(u.now().UnixNano())
	logger.IncrementS3Upload(int64(len(body)))
	return nil
}

// Cleanup deletes objects under the prefix last modified before the
// retention window and returns how many were removed.
func (u *S3Uploader) Cleanup(ctx context.Context) (int, error) {
	if u.retention <= 0 {
		return 0, nil
	}
	cutoff := u.now().Add(-u.retention)

	var expired []s3types.ObjectIdentifier
	err := u.walk(ctx, func(obj s3types.Object) {
		if obj.LastModified != nil && obj.LastModified.Before(cutoff) {
			expired = append(expired, s3types.ObjectIdentifier{Key: obj.Key})
		}
	})
	if err != nil {
		u.failures.Add(1)
		return 0, &SinkError{Sink: s3Component, Op: "list", Err: err}
	}

	removed := 0
	for start := 0; start < len(expired); start += deleteBatchSize {
		end := start + deleteBatchSize
		if end > len(expired) {
			end = len(expired)
		}
		out, err := u.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(u.bucket),
			Delete: &s3types.Delete{Objects: expired[start:end], Quiet: aws.Bool(true)},
		})
		if err != nil {
			u.failures.Add(1)
			return removed, &SinkError{Sink: s3Component, Op: "delete", Err: err}
		}
		removed += end - start
		if out != nil {
			removed -= len(out.Errors)
		}
	}

	if removed > 0 {
		u.deleted.Add(int64(removed))
		u.log.WithComponent(s3Component).WithFields(logger.Fields{
			"removed": removed,
			"cutoff":  cutoff.UTC().Format(time.RFC3339),
		}).Info("expired objects deleted")
	}
	return removed, nil
}

// BucketStats summarises the objects under the prefix.
type BucketStats struct {
	Bucket     string    `json:"bucket"`
	Prefix     string    `json:"prefix"`
	Objects    int       `json:"objects"`
	TotalBytes int64     `json:"total_bytes"`
	LatestKey  string    `json:"latest_key,omitempty"`
	LatestAt   time.Time `json:"latest_at,omitempty"`
}

func (u *S3Uploader) BucketStats(ctx context.Context) (BucketStats, error) {
	st := BucketStats{Bucket: u.bucket, Prefix: u.prefix}
	err := u.walk(ctx, func(obj s3types.Object) {
		st.Objects++
		st.TotalBytes += aws.ToInt64(obj.Size)
		if obj.LastModified != nil && obj.LastModified.After(st.LatestAt) {
			st.LatestAt = *obj.LastModified
			st.LatestKey = aws.ToString(obj.Key)
		}
	})
	if err != nil {
		return st, &SinkError{Sink: s3Component, Op: "list", Err: err}
	}
	return st, nil
}

func (u *S3Uploader) walk(ctx context.Context, fn func(s3types.Object)) error {
	var token *string
	for {
		out, err := u.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(u.bucket),
			Prefix:            aws.String(u.prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return err
		}
		for _, obj := range out.Contents {
			fn(obj)
		}
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			return nil
		}
		token = out.NextContinuationToken
	}
}

func (u *S3Uploader) Stats() SinkStats {
	st := SinkStats{
		Name:          s3Component,
		Uploads:       u.uploads.Load(),
		UploadedBytes: u.bytes.Load(),
		Errors:        u.failures.Load(),
	}
	if ts := u.lastUpload.Load(); ts > 0 {
		st.LastUpload = time.Unix(0, ts)
	}
	return st
}

func gzipBytes(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
