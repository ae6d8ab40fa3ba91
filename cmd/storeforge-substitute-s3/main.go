// Command storeforge-substitute-s3 is an external substitute program: it
// fetches a store path's content from S3 and materialises it directly at
// that path, per the substitution goal's external-program contract
// (argv = [basename(program), storePath, ...substitute.args]). Progress
// and error logging go to stderr. The calling goal reads stdout and stderr
// through one log pipe and discards what it reads; it writes no log file.
//
// A non-zero exit tells the substitution goal to try the next candidate
// substitute rather than failing the whole realisation (spec.md §7,
// SubstError).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/superfly/storeforge/s3"
)

func main() {
	if err := run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "storeforge-substitute-s3: %v\n", err)
		os.Exit(1)
	}
}

func run(argv []string) error {
	if len(argv) < 2 {
		return fmt.Errorf("usage: %s <store-path> [--bucket B] [--region R] [--key K]", argv[0])
	}
	storePath := argv[1]

	fs := flag.NewFlagSet(argv[0], flag.ContinueOnError)
	bucket := fs.String("bucket", "", "S3 bucket holding the object (required)")
	region := fs.String("region", "us-east-1", "AWS region")
	key := fs.String("key", "", "S3 key for the store path's content (defaults to the store path's base name)")
	timeout := fs.Duration("timeout", 5*time.Minute, "fetch timeout")
	if err := fs.Parse(argv[2:]); err != nil {
		return err
	}
	if *bucket == "" {
		return fmt.Errorf("--bucket is required")
	}
	if *key == "" {
		*key = storePathBaseName(storePath)
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.InfoLevel)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client, err := s3.New(ctx, s3.Config{Region: *region, Bucket: *bucket})
	if err != nil {
		return fmt.Errorf("connect to S3: %w", err)
	}
	client.SetLogger(logger)

	result, err := client.FetchSubstitute(ctx, *bucket, *key, storePath)
	if err != nil {
		return fmt.Errorf("fetch s3://%s/%s: %w", *bucket, *key, err)
	}

	logger.WithFields(logrus.Fields{
		"path":     result.LocalPath,
		"size":     result.SizeBytes,
		"checksum": result.Checksum,
	}).Info("substitute materialised")
	return nil
}

// storePathBaseName strips the store's directory prefix, leaving the
// <hash>-<name> component used as the default S3 key when none is given.
func storePathBaseName(storePath string) string {
	for i := len(storePath) - 1; i >= 0; i-- {
		if storePath[i] == '/' {
			return storePath[i+1:]
		}
	}
	return storePath
}
