package archive

import (
	"bytes"
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type S3Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// S3 archives snapshots as JSON objects in an S3-compatible bucket.
type S3 struct {
	client *minio.Client
	bucket string
}

func NewS3(ctx context.Context, opts S3Options) (*S3, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", opts.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", opts.Bucket, err)
		}
	}
	return &S3{client: client, bucket: opts.Bucket}, nil
}

// ObjectKey is where a snapshot version of a project is stored.
func ObjectKey(projectID string, version int) string {
	return fmt.Sprintf("projects/%s/truth/%s.json", projectID, VersionTag(version))
}

func (s *S3) Archive(ctx context.Context, record Record) error {
	payload, err := encode(record)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, s.bucket, ObjectKey(record.ProjectID, record.Version),
		bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
			ContentType: "application/json",
			UserMetadata: map[string]string{
				"snapshot-id":  record.SnapshotID,
				"content-hash": record.ContentHash,
			},
		})
	if err != nil {
		return fmt.Errorf("put snapshot object: %w", err)
	}
	return nil
}
