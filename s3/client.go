// Package s3 fetches substitute content for store paths from an S3 bucket:
// the storage backend behind cmd/storeforge-substitute-s3, one of the
// external substitute programs spec.md §4.G's SubstitutionGoal shells out to
// when a path isn't locally buildable but a binary copy is known to exist
// remotely.
//
// # Features
//
//   - Streaming fetches (no buffering the whole object in memory)
//   - Automatic SHA256 checksum computation during the fetch
//   - Size limit enforcement (10GB max)
//   - S3 key validation (path traversal prevention)
//   - Atomic writes direct to the store path (temp file + rename)
//
// # Authentication
//
// When AWS_ACCESS_KEY_ID is set, the client uses the AWS SDK default
// credential chain. When it is unset, the client uses anonymous
// credentials; the shared credentials file and an EC2 IAM role are then
// not consulted.
//
// # Usage Example
//
//	client, err := s3.New(ctx, s3.Config{
//		Region: "us-east-1",
//		Bucket: "storeforge-substitutes",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	client.SetLogger(logger)
//
//	result, err := client.FetchSubstitute(ctx, "my-bucket", "nar/abc123.nar", storePath)
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Printf("Fetched %d bytes, checksum: %s\n", result.SizeBytes, result.Checksum)
//
// # Security
//
// The package validates S3 keys to prevent path traversal attacks:
//   - Rejects keys containing ".."
//   - Rejects keys with absolute paths
//   - Enforces maximum key length (1024 chars)
//
// Fetches are size-limited to 10GB to prevent resource exhaustion.
package s3

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
)

// ProgressFunc is called periodically during a fetch with progress updates.
type ProgressFunc func(fetched, total int64, speed float64)

// Client wraps the S3 client with helper methods for substitute fetches.
type Client struct {
	s3Client     *s3.Client
	logger       *logrus.Logger
	progressFunc ProgressFunc
}

// Config holds S3 client configuration.
type Config struct {
	// Region is the AWS region (optional, defaults to us-east-1)
	Region string

	// Bucket is the default S3 bucket name holding substitute content
	Bucket string
}

// DefaultConfig returns a default S3 configuration.
func DefaultConfig() Config {
	return Config{
		Region: "us-east-1",
		Bucket: "storeforge-substitutes",
	}
}

// New creates a new S3 client.
func New(ctx context.Context, cfg Config) (*Client, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	// If no credentials provided in env, use anonymous
	if os.Getenv("AWS_ACCESS_KEY_ID") == "" {
		opts = append(opts, config.WithCredentialsProvider(aws.AnonymousCredentials{}))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &Client{
		s3Client: s3.NewFromConfig(awsCfg),
		logger:   logrus.New(),
	}, nil
}

// SetLogger sets a custom logger for the client.
func (c *Client) SetLogger(logger *logrus.Logger) {
	c.logger = logger
}

// SetProgressFunc sets a callback function for progress updates during fetches.
// The callback receives bytes fetched, total bytes, and current speed in bytes/sec.
func (c *Client) SetProgressFunc(fn ProgressFunc) {
	c.progressFunc = fn
}

// SuppressLogs disables all log output from the S3 client.
// This is useful when running under the monitor TUI, where logs would
// interfere with the display.
func (c *Client) SuppressLogs() {
	c.logger.SetOutput(io.Discard)
}

// FetchResult contains the result of a substitute fetch.
type FetchResult struct {
	// LocalPath is the store path the fetched content was written to
	LocalPath string

	// Checksum is the SHA256 hash of the fetched content
	Checksum string

	// SizeBytes is the size of the fetched content in bytes
	SizeBytes int64
}

// fetchProgressReader wraps an io.Reader and logs periodic fetch progress.
// It is single-threaded (used with io.Copy) and not concurrency-safe by
// design.
type fetchProgressReader struct {
	r            io.Reader
	logger       logrus.FieldLogger
	progressFunc ProgressFunc
	total        int64
	read         int64
	started      time.Time
	lastLog      time.Time
	interval     time.Duration
}

func newFetchProgressReader(r io.Reader, logger logrus.FieldLogger, progressFunc ProgressFunc, total int64, interval time.Duration) *fetchProgressReader {
	return &fetchProgressReader{r: r, logger: logger, progressFunc: progressFunc, total: total, started: time.Now(), interval: interval}
}

func (p *fetchProgressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		now := time.Now()
		if p.lastLog.IsZero() || now.Sub(p.lastLog) >= p.interval {
			p.log(now)
			p.lastLog = now
		}
	}
	return n, err
}

func (p *fetchProgressReader) log(now time.Time) {
	percent := float64(0)
	if p.total > 0 {
		percent = (float64(p.read) / float64(p.total)) * 100
	}
	elapsed := now.Sub(p.started).Seconds()
	var rate float64
	if elapsed > 0 {
		rate = float64(p.read) / elapsed
	}
	eta := "unknown"
	if p.total > 0 && rate > 0 {
		remaining := float64(p.total-p.read) / rate
		eta = time.Duration(remaining * float64(time.Second)).Truncate(time.Second).String()
	}
	p.logger.WithFields(logrus.Fields{
		"fetched":  humanBytes(p.read),
		"total":    humanBytes(p.total),
		"percent":  fmt.Sprintf("%.1f", percent),
		"avg_rate": humanBytes(int64(rate)) + "/s",
		"eta":      eta,
	}).Info("substitute fetch progress")

	if p.progressFunc != nil {
		p.progressFunc(p.read, p.total, rate)
	}
}

func humanBytes(b int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)
	switch {
	case b >= GB:
		return fmt.Sprintf("%.1f GiB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.1f MiB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.1f KiB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// FetchSubstitute fetches an object from S3 directly onto storePath, with
// streaming, on-the-fly SHA256 computation, and a size limit.
//
// The write is atomic: it writes to a temp file alongside storePath first,
// then renames on success, so a SubstitutionGoal that observes storePath
// via Lstat never sees a partially-written candidate.
//
// A non-nil error here (NoSuchKey, AccessDenied, size-limit exceeded, a
// filesystem error) is exactly what tells the calling substitute program to
// exit non-zero, which substitution.Goal's tryNext treats as "try the next
// candidate" rather than a fatal failure.
func (c *Client) FetchSubstitute(ctx context.Context, bucket, key, storePath string) (*FetchResult, error) {
	if err := validateS3Key(key); err != nil {
		return nil, fmt.Errorf("invalid S3 key: %w", err)
	}

	logger := c.logger.WithFields(logrus.Fields{
		"bucket":     bucket,
		"key":        key,
		"store_path": storePath,
	})

	logger.Info("starting substitute fetch")

	headResp, err := c.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get object metadata: %w", err)
	}

	const maxSize = 10 * 1024 * 1024 * 1024 // 10GB
	if headResp.ContentLength != nil && *headResp.ContentLength > maxSize {
		return nil, fmt.Errorf("substitute too large: %d bytes (max %d)", *headResp.ContentLength, maxSize)
	}

	var totalSize int64
	if headResp.ContentLength != nil {
		totalSize = *headResp.ContentLength
		logger.WithField("content_length", humanBytes(totalSize)).Info("substitute metadata fetched")
	}

	tmpPath := storePath + ".tmp"
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer func() {
		tmpFile.Close()
		if _, err := os.Stat(tmpPath); err == nil {
			os.Remove(tmpPath)
		}
	}()

	getResp, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	defer getResp.Body.Close()

	hash := sha256.New()
	multiWriter := io.MultiWriter(tmpFile, hash)

	pr := newFetchProgressReader(getResp.Body, logger, c.progressFunc, totalSize, 5*time.Second)

	written, err := io.Copy(multiWriter, pr)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch substitute: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"fetched": humanBytes(written),
		"total":   humanBytes(totalSize),
	}).Info("substitute fetch completed")

	if c.progressFunc != nil {
		c.progressFunc(written, totalSize, 0)
	}

	if err := tmpFile.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return nil, fmt.Errorf("failed to close temp file: %w", err)
	}

	destDir := filepath.Dir(storePath)
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create destination directory: %w", err)
	}

	if err := os.Rename(tmpPath, storePath); err != nil {
		return nil, fmt.Errorf("failed to move substitute into place: %w", err)
	}

	checksum := hex.EncodeToString(hash.Sum(nil))

	logger.WithFields(logrus.Fields{
		"size":     written,
		"checksum": checksum,
	}).Info("substitute materialised")

	return &FetchResult{
		LocalPath: storePath,
		Checksum:  checksum,
		SizeBytes: written,
	}, nil
}

// validateS3Key validates an S3 key for security.
func validateS3Key(key string) error {
	if key == "" {
		return fmt.Errorf("S3 key cannot be empty")
	}
	if len(key) > 1024 {
		return fmt.Errorf("S3 key too long: %d characters (max 1024)", len(key))
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("S3 key contains path traversal: %s", key)
	}
	if strings.HasPrefix(key, "/") {
		return fmt.Errorf("S3 key should not start with /: %s", key)
	}
	if strings.Contains(key, "\x00") {
		return fmt.Errorf("S3 key contains null byte")
	}
	return nil
}

// ListSubstitutes lists substitute object keys in the bucket under prefix —
// used by operators to audit what a remote substitute cache actually holds
// for a given store path prefix.
func (c *Client) ListSubstitutes(ctx context.Context, bucket, prefix string) ([]string, error) {
	logger := c.logger.WithFields(logrus.Fields{
		"bucket": bucket,
		"prefix": prefix,
	})

	logger.Info("listing substitute objects")

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(c.s3Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}

		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
	}

	logger.WithField("count", len(keys)).Info("listed substitute objects")

	return keys, nil
}

// SubstituteExists checks whether a candidate substitute object exists.
func (c *Client) SubstituteExists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := c.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})

	if err != nil {
		if strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "404") {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}

	return true, nil
}

// SubstituteSize returns the size of a candidate substitute object.
func (c *Client) SubstituteSize(ctx context.Context, bucket, key string) (int64, error) {
	resp, err := c.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get object size: %w", err)
	}

	if resp.ContentLength == nil {
		return 0, fmt.Errorf("object has no content length")
	}

	return *resp.ContentLength, nil
}

// SubstituteObject describes one substitute candidate's S3 metadata.
type SubstituteObject struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ListSubstitutesDetailed lists substitute objects under prefix with size
// and last-modified metadata.
func (c *Client) ListSubstitutesDetailed(ctx context.Context, bucket, prefix string) ([]SubstituteObject, error) {
	logger := c.logger.WithFields(logrus.Fields{
		"bucket": bucket,
		"prefix": prefix,
	})

	logger.Info("listing substitute objects with metadata")

	var objects []SubstituteObject
	paginator := s3.NewListObjectsV2Paginator(c.s3Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}

		for _, obj := range page.Contents {
			if obj.Key != nil {
				so := SubstituteObject{Key: *obj.Key}
				if obj.Size != nil {
					so.Size = *obj.Size
				}
				if obj.LastModified != nil {
					so.LastModified = *obj.LastModified
				}
				objects = append(objects, so)
			}
		}
	}

	logger.WithField("count", len(objects)).Info("listed substitute objects with metadata")

	return objects, nil
}
