package blob

import (
	"bytes"
	"context"
	"io"
	"os"
	"sort"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
)

func TestSnapshotKey(t *testing.T) {
	at := time.Unix(1700000000, 0)
	if got := SnapshotKey("room-1-abc", at); got != "rooms/room-1-abc/1700000000.automerge" {
		t.Fatalf("SnapshotKey() = %s", got)
	}
}

func TestSnapshotOrdering(t *testing.T) {
	keys := []string{
		"rooms/r/1000.automerge",
		"rooms/r/900.automerge",
		"rooms/r/10000.automerge",
	}
	sort.Slice(keys, func(i, j int) bool { return snapshotTime(keys[i]) < snapshotTime(keys[j]) })
	if keys[0] != "rooms/r/900.automerge" || keys[2] != "rooms/r/10000.automerge" {
		t.Fatalf("snapshots not ordered by time: %v", keys)
	}
}

func TestMinioStoreRoundTrip(t *testing.T) {
	endpoint := os.Getenv("TEST_MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("TEST_MINIO_ENDPOINT is not set")
	}
	ctx := context.Background()
	s, err := NewMinioStore(ctx, Options{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("TEST_MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("TEST_MINIO_SECRET_KEY"),
		Bucket:    "ltoc-test",
	})
	if err != nil {
		t.Fatalf("NewMinioStore() error = %v", err)
	}
	s.now = func() time.Time { return time.Unix(42, 0) }

	key, err := s.PutSnapshot(ctx, "room-blob", []byte("state"))
	if err != nil {
		t.Fatalf("PutSnapshot() error = %v", err)
	}
	keys, err := s.ListSnapshots(ctx, "room-blob")
	if err != nil {
		t.Fatalf("ListSnapshots() error = %v", err)
	}
	if len(keys) == 0 || keys[len(keys)-1] != key {
		t.Fatalf("uploaded key %s missing from %v", key, keys)
	}

	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		t.Fatalf("GetObject() error = %v", err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil || !bytes.Equal(data, []byte("state")) {
		t.Fatalf("unexpected object %q (%v)", data, err)
	}
}
