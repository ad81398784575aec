package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/happy-geeks/wiser-sub008/internal/store"
)

type fakeObjectStore struct {
	exists      bool
	existsErr   error
	madeBuckets []string
	objects     map[string][]byte
	contentType string
}

func (f *fakeObjectStore) BucketExists(context.Context, string) (bool, error) {
	return f.exists, f.existsErr
}

func (f *fakeObjectStore) MakeBucket(_ context.Context, bucket string, _ minio.MakeBucketOptions) error {
	f.madeBuckets = append(f.madeBuckets, bucket)
	f.exists = true
	return nil
}

func (f *fakeObjectStore) PutObject(_ context.Context, _ string, name string, reader io.Reader, _ int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.objects[name] = data
	f.contentType = opts.ContentType
	return minio.UploadInfo{Key: name, Size: int64(len(data))}, nil
}

func TestArchiveReleaseUploadsManifest(t *testing.T) {
	fake := &fakeObjectStore{}
	archiver := newMinio(fake, "")

	manifest := Manifest{
		CommitID:    42,
		Description: "Spring campaign",
		Environment: "live",
		DeployedBy:  "Avery",
		DeployedOn:  time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
		Items:       []store.CommitItem{{Kind: store.KindTemplate, EntityID: 1, Version: 3}},
	}
	for i := 0; i < 2; i++ {
		if err := archiver.ArchiveRelease(context.Background(), manifest); err != nil {
			t.Fatalf("ArchiveRelease() error = %v", err)
		}
	}

	if len(fake.madeBuckets) != 1 || fake.madeBuckets[0] != "wiser-releases" {
		t.Fatalf("made buckets = %v, want one default bucket", fake.madeBuckets)
	}
	key := "releases/commit-42/20260301T093000.000Z.json"
	raw, ok := fake.objects[key]
	if !ok {
		t.Fatalf("expected object %s, got %v", key, fake.objects)
	}
	if fake.contentType != "application/json" {
		t.Fatalf("content type = %q", fake.contentType)
	}

	var decoded Manifest
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode manifest: %v", err)
	}
	if decoded.CommitID != 42 || len(decoded.Items) != 1 || decoded.Items[0].Version != 3 {
		t.Fatalf("decoded manifest = %+v", decoded)
	}
}

func TestArchiveReleaseBucketError(t *testing.T) {
	fake := &fakeObjectStore{existsErr: errors.New("unreachable")}
	archiver := newMinio(fake, "releases")

	err := archiver.ArchiveRelease(context.Background(), Manifest{CommitID: 1, DeployedOn: time.Now()})
	if err == nil {
		t.Fatal("expected error when bucket check fails")
	}
	if len(fake.objects) != 0 {
		t.Fatal("nothing should be uploaded when the bucket is unavailable")
	}
}

func TestArchiveReleaseRetriesBucketCheck(t *testing.T) {
	fake := &fakeObjectStore{existsErr: errors.New("unreachable")}
	archiver := newMinio(fake, "releases")
	manifest := Manifest{CommitID: 1, DeployedOn: time.Now()}

	if err := archiver.ArchiveRelease(context.Background(), manifest); err == nil {
		t.Fatal("expected first upload to fail")
	}
	fake.existsErr = nil
	fake.exists = true
	if err := archiver.ArchiveRelease(context.Background(), manifest); err != nil {
		t.Fatalf("ArchiveRelease() after recovery error = %v", err)
	}
	if len(fake.objects) != 1 {
		t.Fatalf("uploaded %d objects, want 1", len(fake.objects))
	}
}
