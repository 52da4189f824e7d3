package buildloop

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3SnapshotStore keeps snapshots as tar.gz objects in an S3 bucket.
// Used when fix workers run on multiple hosts and a rollback may happen
// on a different machine than the one that took the snapshot.
type S3SnapshotStore struct {
	client     *s3.Client
	uploader   *manager.Uploader
	downloader *manager.Downloader
	bucket     string
	prefix     string
}

// NewS3SnapshotStore resolves credentials from the default AWS chain.
func NewS3SnapshotStore(ctx context.Context, bucket, region string) (*S3SnapshotStore, error) {
	if bucket == "" {
		return nil, errors.New("s3 snapshot bucket is required")
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg)
	return &S3SnapshotStore{
		client:     client,
		uploader:   manager.NewUploader(client),
		downloader: manager.NewDownloader(client),
		bucket:     bucket,
		prefix:     "snapshots/",
	}, nil
}

func (s *S3SnapshotStore) key(key string) string {
	return s.prefix + key + ".tar.gz"
}

func (s *S3SnapshotStore) Save(ctx context.Context, key, dir string) error {
	// Spool to a temp file so the upload has a seekable body; working
	// trees can exceed what we want to hold in memory.
	tmp, err := os.CreateTemp("", "buildfix-snapshot-*.tar.gz")
	if err != nil {
		return fmt.Errorf("failed to create spool file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if err := archiveDir(dir, tmp); err != nil {
		return err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return err
	}

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
		Body:   tmp,
	})
	if err != nil {
		return fmt.Errorf("failed to upload snapshot %s: %w", key, err)
	}
	return nil
}

func (s *S3SnapshotStore) Restore(ctx context.Context, key, dir string) error {
	buf := manager.NewWriteAtBuffer(nil)
	_, err := s.downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	})
	if err != nil {
		return fmt.Errorf("failed to download snapshot %s: %w", key, err)
	}
	return extractArchive(bytes.NewReader(buf.Bytes()), dir)
}

func (s *S3SnapshotStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete snapshot %s: %w", key, err)
	}
	return nil
}
