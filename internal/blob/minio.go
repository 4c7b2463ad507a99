// Package blob uploads archived room snapshots to S3-compatible object storage.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const snapshotExt = ".automerge"

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioStore writes one object per archived snapshot.
type MinioStore struct {
	client *minio.Client
	bucket string
	now    func() time.Time
}

// NewMinioStore connects and creates the bucket when it is missing.
func NewMinioStore(ctx context.Context, opts Options) (*MinioStore, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	s := &MinioStore{client: client, bucket: opts.Bucket, now: time.Now}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MinioStore) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// SnapshotKey is rooms/<room>/<unix seconds>.automerge.
func SnapshotKey(room string, at time.Time) string {
	return path.Join("rooms", room, strconv.FormatInt(at.Unix(), 10)+snapshotExt)
}

// PutSnapshot uploads data and returns its object key.
func (s *MinioStore) PutSnapshot(ctx context.Context, room string, data []byte) (string, error) {
	key := SnapshotKey(room, s.now())
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return "", fmt.Errorf("put snapshot %s: %w", key, err)
	}
	return key, nil
}

// ListSnapshots returns the room's snapshot keys, oldest first.
func (s *MinioStore) ListSnapshots(ctx context.Context, room string) ([]string, error) {
	var keys []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    path.Join("rooms", room) + "/",
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list snapshots: %w", obj.Err)
		}
		if strings.HasSuffix(obj.Key, snapshotExt) {
			keys = append(keys, obj.Key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return snapshotTime(keys[i]) < snapshotTime(keys[j]) })
	return keys, nil
}

func snapshotTime(key string) int64 {
	unix, _ := strconv.ParseInt(strings.TrimSuffix(path.Base(key), snapshotExt), 10, 64)
	return unix
}
