// Package memory is an in-process object store for local runs and tests.
package memory

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ensembl/lakehouse/internal/storage"
)

type object struct {
	data        []byte
	contentType string
	modified    time.Time
}

type Store struct {
	mu      sync.RWMutex
	objects map[string]object
	baseURL string
	now     func() time.Time
}

// New returns an empty store. Presigned links are rendered under baseURL.
func New(baseURL string) *Store {
	if baseURL == "" {
		baseURL = "memory://objects"
	}
	return &Store{
		objects: map[string]object{},
		baseURL: strings.TrimSuffix(baseURL, "/"),
		now:     time.Now,
	}
}

func (s *Store) Put(_ context.Context, key string, body io.Reader, _ int64, opts storage.PutOptions) (storage.ObjectInfo, error) {
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return storage.ObjectInfo{}, fmt.Errorf("object key is required")
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("read body: %w", err)
	}
	now := s.now().UTC()
	s.mu.Lock()
	s.objects[key] = object{data: data, contentType: opts.ContentType, modified: now}
	s.mu.Unlock()
	return s.info(key, data, opts.ContentType, now), nil
}

func (s *Store) Get(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	obj, ok := s.objects[strings.TrimPrefix(key, "/")]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (s *Store) Stat(_ context.Context, key string) (storage.ObjectInfo, error) {
	key = strings.TrimPrefix(key, "/")
	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return storage.ObjectInfo{}, storage.ErrObjectNotFound
	}
	return s.info(key, obj.data, obj.contentType, obj.modified), nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.objects, strings.TrimPrefix(key, "/"))
	s.mu.Unlock()
	return nil
}

func (s *Store) PresignGet(_ context.Context, key string, ttl time.Duration) (string, error) {
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return "", fmt.Errorf("object key is required")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("presign ttl must be > 0")
	}
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(s.now().Add(ttl).Unix(), 10))
	return s.baseURL + "/" + key + "?" + q.Encode(), nil
}

// Keys lists stored keys; tests use it to assert on side effects.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for key := range s.objects {
		keys = append(keys, key)
	}
	return keys
}

func (s *Store) info(key string, data []byte, contentType string, modified time.Time) storage.ObjectInfo {
	sum := md5.Sum(data)
	return storage.ObjectInfo{
		Key:          key,
		Size:         int64(len(data)),
		ETag:         hex.EncodeToString(sum[:]),
		ContentType:  contentType,
		LastModified: modified,
	}
}
