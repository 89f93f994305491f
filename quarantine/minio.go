// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package quarantine

import (
	"bytes"
	"context"
	"io"

	"github.com/goccy/go-json"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// MinIO is a [Sink] which writes each entry as a JSON object to an
// S3 compatible bucket.
type MinIO struct {
	mc     objectStore
	bucket string
}

// NewMinIOClient creates a MinIO client.
func NewMinIOClient(endpoint, accessKey, secretKey string, secure bool) (*minio.Client, error) {
	return minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
}

// NewMinIO initializes a [MinIO] sink.
func NewMinIO(mc *minio.Client, bucket string) *MinIO {
	return &MinIO{mc: mc, bucket: bucket}
}

// EnsureBucket creates the bucket unless it already exists.
func (s *MinIO) EnsureBucket(ctx context.Context) error {
	exists, err := s.mc.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return s.mc.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{})
}

// Put implements the [Sink] interface. Entries for the same record
// overwrite each other.
func (s *MinIO) Put(ctx context.Context, e Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}

	_, err = s.mc.PutObject(
		ctx,
		s.bucket,
		e.ObjectKey(),
		bytes.NewReader(b),
		int64(len(b)),
		minio.PutObjectOptions{ContentType: "application/json"},
	)
	return err
}
