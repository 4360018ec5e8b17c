package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"datacore/internal/apperr"
)

type memEntry struct {
	info Info
	data []byte
}

// Memory is a process-local Store used by tests and BLOB_DRIVER=memory.
type Memory struct {
	mu   sync.RWMutex
	objs map[string]memEntry
}

func NewMemory() *Memory { return &Memory{objs: make(map[string]memEntry)} }

func (m *Memory) Driver() Driver { return DriverMemory }

func (m *Memory) Put(_ context.Context, key string, r io.Reader, opts PutOptions) (Info, error) {
	if _, err := sanitizeKey(key); err != nil {
		return Info{}, err
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return Info{}, fmt.Errorf("write %s: %w", key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.objs[key]; exists && !opts.Overwrite {
		return Info{}, fmt.Errorf("%s: %w", key, ErrExists)
	}
	sum := sha256.Sum256(b)
	info := Info{
		Key:          key,
		Size:         int64(len(b)),
		ContentType:  opts.ContentType,
		ETag:         hex.EncodeToString(sum[:]),
		Metadata:     cloneMD(opts.Metadata),
		LastModified: time.Now().UTC(),
	}
	m.objs[key] = memEntry{info: info, data: b}
	return info, nil
}

func (m *Memory) Get(_ context.Context, key string) (Info, io.ReadCloser, error) {
	m.mu.RLock()
	obj, ok := m.objs[key]
	m.mu.RUnlock()
	if !ok {
		return Info{}, nil, apperr.NotFound("blob %s", key)
	}
	data := bytes.Clone(obj.data)
	info := obj.info
	info.Metadata = cloneMD(info.Metadata)
	return info, io.NopCloser(bytes.NewReader(data)), nil
}

func (m *Memory) Head(_ context.Context, key string) (Info, error) {
	m.mu.RLock()
	obj, ok := m.objs[key]
	m.mu.RUnlock()
	if !ok {
		return Info{}, apperr.NotFound("blob %s", key)
	}
	info := obj.info
	info.Metadata = cloneMD(info.Metadata)
	return info, nil
}

func (m *Memory) Delete(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objs[key]
	delete(m.objs, key)
	return ok, nil
}

func (m *Memory) List(_ context.Context, prefix string) ([]Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.objs))
	for k, v := range m.objs {
		if strings.HasPrefix(k, prefix) {
			info := v.info
			info.Metadata = cloneMD(info.Metadata)
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
