package testutil

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/scc-digitalhub/digitalhub-sdk/pkg/engine"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/objectstore"
)

// ObjectStore is an in-memory objectstore.Store.
type ObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	info    map[string]objectstore.ObjectInfo

	// ListErr fails List when set.
	ListErr error
}

var _ objectstore.Store = (*ObjectStore)(nil)

// NewObjectStore returns an empty store.
func NewObjectStore() *ObjectStore {
	return &ObjectStore{objects: make(map[string][]byte), info: make(map[string]objectstore.ObjectInfo)}
}

// PutString stores s at key.
func (s *ObjectStore) PutString(key, body string) {
	_ = s.Put(context.Background(), key, strings.NewReader(body), int64(len(body)), "")
}

func (s *ObjectStore) Put(_ context.Context, key string, body io.Reader, _ int64, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	sum := md5.Sum(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	s.info[key] = objectstore.ObjectInfo{
		Key:          key,
		Size:         int64(len(data)),
		ETag:         hex.EncodeToString(sum[:]),
		ContentType:  contentType,
		LastModified: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	return nil
}

func (s *ObjectStore) Get(_ context.Context, key string) (io.ReadCloser, objectstore.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, objectstore.ObjectInfo{}, engine.NewNotFoundError("object", key)
	}
	return io.NopCloser(bytes.NewReader(data)), s.info[key], nil
}

func (s *ObjectStore) Stat(_ context.Context, key string) (objectstore.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.info[key]
	if !ok {
		return objectstore.ObjectInfo{}, engine.NewNotFoundError("object", key)
	}
	return info, nil
}

func (s *ObjectStore) List(_ context.Context, prefix string) ([]objectstore.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ListErr != nil {
		return nil, s.ListErr
	}
	var out []objectstore.ObjectInfo
	for key, info := range s.info {
		if strings.HasPrefix(key, prefix) {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *ObjectStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	delete(s.info, key)
	return nil
}

func (s *ObjectStore) URI(key string) string {
	return "s3://test/" + strings.TrimPrefix(key, "/")
}
