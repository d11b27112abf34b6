// Package document stores generated filing documents such as the ITR-V
// acknowledgement and issues time-limited download links for them.
package document

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// ErrNotFound is returned when no document exists under a key.
var ErrNotFound = errors.New("document not found")

// Store is a write-once blob store with signed reads.
type Store interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	Size(ctx context.Context, key string) (int64, error)
	Bucket() string
}

type object struct {
	body        []byte
	contentType string
}

// Memory is an in-process Store for development and tests.
type Memory struct {
	bucket string
	now    func() time.Time

	mu      sync.RWMutex
	objects map[string]object
}

// NewMemory returns an empty Memory store reporting bucket as its bucket.
func NewMemory(bucket string) *Memory {
	return &Memory{bucket: bucket, now: time.Now, objects: make(map[string]object)}
}

func (m *Memory) Bucket() string { return m.bucket }

func (m *Memory) Put(_ context.Context, key string, body []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = object{body: append([]byte(nil), body...), contentType: contentType}
	return nil
}

// SignedURL returns a memory:// link carrying the expiry as a unix timestamp.
func (m *Memory) SignedURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	m.mu.RLock()
	_, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	u := url.URL{
		Scheme:   "memory",
		Host:     m.bucket,
		Path:     "/" + key,
		RawQuery: url.Values{"expires": {strconv.FormatInt(m.now().Add(ttl).Unix(), 10)}}.Encode(),
	}
	return u.String(), nil
}

func (m *Memory) Size(_ context.Context, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.objects[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return int64(len(o.body)), nil
}

// Get returns a copy of the stored bytes and content type.
func (m *Memory) Get(key string) ([]byte, string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.objects[key]
	if !ok {
		return nil, "", false
	}
	return append([]byte(nil), o.body...), o.contentType, true
}

// AcknowledgementKey is the object key of a return's ITR-V document.
func AcknowledgementKey(tenantID, returnID string) string {
	return "ack/" + tenantID + "/" + returnID + "/acknowledgement.pdf"
}
