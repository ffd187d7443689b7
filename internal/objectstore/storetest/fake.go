// Package storetest provides an in-memory objectstore.Store for tests.
package storetest

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coldvault/coldvault/internal/db"
	"github.com/coldvault/coldvault/internal/objectstore"
)

type object struct {
	data         []byte
	storageClass string
	lastModified time.Time
}

// FakeStore keeps objects in memory, keyed by "bucket/key". Optional hooks
// let tests inject failures per key.
type FakeStore struct {
	mu      sync.Mutex
	objects map[string]object

	// FailUploads maps keys to errors returned by Upload/PutBytes.
	FailUploads map[string]error
	// FailDownloads maps keys to errors returned by Download/GetBytes.
	FailDownloads map[string]error
	// RestoreState maps keys to the status returned by CheckColdRestore.
	RestoreState map[string]objectstore.RestoreStatus

	// UploadCount tracks total successful uploads (Upload + PutBytes).
	UploadCount int
	// RestoreRequests records keys passed to InitiateColdRestore.
	RestoreRequests []string
}

var _ objectstore.Store = (*FakeStore)(nil)

// NewFakeStore returns an empty in-memory store.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		objects:       make(map[string]object),
		FailUploads:   make(map[string]error),
		FailDownloads: make(map[string]error),
		RestoreState:  make(map[string]objectstore.RestoreStatus),
	}
}

func (f *FakeStore) id(bucket, key string) string {
	return bucket + "/" + key
}

// Put seeds an object directly, bypassing failure hooks.
func (f *FakeStore) Put(bucket, key string, data []byte, class string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[f.id(bucket, key)] = object{
		data:         append([]byte(nil), data...),
		storageClass: class,
		lastModified: time.Now(),
	}
}

// Data returns the stored bytes for a key, or nil if absent.
func (f *FakeStore) Data(bucket, key string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if obj, ok := f.objects[f.id(bucket, key)]; ok {
		return append([]byte(nil), obj.data...)
	}
	return nil
}

// Delete removes an object, simulating external tampering.
func (f *FakeStore) Delete(bucket, key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, f.id(bucket, key))
}

func (f *FakeStore) Upload(_ context.Context, bucket, key, localPath string, class db.StorageClass, progress objectstore.ProgressFunc) error {
	f.mu.Lock()
	if err, ok := f.FailUploads[key]; ok {
		f.mu.Unlock()
		return err
	}
	f.mu.Unlock()

	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("storetest: read %s: %w", localPath, err)
	}

	f.mu.Lock()
	f.objects[f.id(bucket, key)] = object{
		data:         data,
		storageClass: class.S3Name(),
		lastModified: time.Now(),
	}
	f.UploadCount++
	f.mu.Unlock()

	if progress != nil {
		progress(int64(len(data)), int64(len(data)))
	}
	return nil
}

func (f *FakeStore) PutBytes(_ context.Context, bucket, key string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.FailUploads[key]; ok {
		return err
	}
	f.objects[f.id(bucket, key)] = object{
		data:         append([]byte(nil), data...),
		storageClass: db.ClassHot.S3Name(),
		lastModified: time.Now(),
	}
	f.UploadCount++
	return nil
}

func (f *FakeStore) GetBytes(_ context.Context, bucket, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.FailDownloads[key]; ok {
		return nil, err
	}
	obj, ok := f.objects[f.id(bucket, key)]
	if !ok {
		return nil, objectstore.ErrObjectNotFound
	}
	return append([]byte(nil), obj.data...), nil
}

func (f *FakeStore) Download(ctx context.Context, bucket, key, localPath string) error {
	data, err := f.GetBytes(ctx, bucket, key)
	if err != nil {
		return err
	}
	return os.WriteFile(localPath, data, 0o600)
}

func (f *FakeStore) Head(_ context.Context, bucket, key string) (objectstore.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[f.id(bucket, key)]
	if !ok {
		return objectstore.ObjectInfo{}, objectstore.ErrObjectNotFound
	}
	return objectstore.ObjectInfo{
		Key:          key,
		Size:         int64(len(obj.data)),
		StorageClass: obj.storageClass,
		LastModified: obj.lastModified,
	}, nil
}

func (f *FakeStore) List(_ context.Context, bucket, prefix string) ([]objectstore.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var infos []objectstore.ObjectInfo
	want := bucket + "/"
	for id, obj := range f.objects {
		if !strings.HasPrefix(id, want) {
			continue
		}
		key := strings.TrimPrefix(id, want)
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		infos = append(infos, objectstore.ObjectInfo{
			Key:          key,
			Size:         int64(len(obj.data)),
			StorageClass: obj.storageClass,
			LastModified: obj.lastModified,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func (f *FakeStore) InitiateColdRestore(_ context.Context, bucket, key string, _ objectstore.RestoreTier, _ int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[f.id(bucket, key)]; !ok {
		return objectstore.ErrObjectNotFound
	}
	f.RestoreRequests = append(f.RestoreRequests, key)
	if f.RestoreState[key] == objectstore.RestoreNone || f.RestoreState[key] == "" {
		f.RestoreState[key] = objectstore.RestoreInProgress
	}
	return nil
}

func (f *FakeStore) CheckColdRestore(_ context.Context, bucket, key string) (objectstore.RestoreStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[f.id(bucket, key)]; !ok {
		return objectstore.RestoreNone, objectstore.ErrObjectNotFound
	}
	if s, ok := f.RestoreState[key]; ok && s != "" {
		return s, nil
	}
	return objectstore.RestoreNone, nil
}
