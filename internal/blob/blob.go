// Package blob stores export files and downloaded REDCap attachments.
//
// Keys are slash-separated paths ("documents/weekly-2024-01-02_03:04.csv",
// "redcap/tsepamo_2/17/consent/form.pdf"). Drivers: local filesystem, S3 and
// an in-memory store for tests.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Driver identifies a blob backend.
type Driver string

const (
	DriverFilesystem Driver = "fs"
	DriverS3         Driver = "s3"
	DriverMemory     Driver = "memory"
)

// ErrExists is returned by Put when the key is taken and Overwrite is unset.
var ErrExists = errors.New("blob already exists")

// PutOptions control a write.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
	Overwrite   bool
}

// Info describes a stored blob.
type Info struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size"`
	ContentType  string            `json:"contentType,omitempty"`
	ETag         string            `json:"etag,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	LastModified time.Time         `json:"lastModified"`
}

// Store is the blob backend contract. Get and Head return an error wrapping
// apperr.ErrNotFound for a missing key.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (Info, error)
	Get(ctx context.Context, key string) (Info, io.ReadCloser, error)
	Head(ctx context.Context, key string) (Info, error)
	Delete(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]Info, error)
	Driver() Driver
}

// sanitizeKey rejects empty, absolute and traversing keys.
func sanitizeKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("empty key")
	}
	if strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("invalid absolute key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return "", fmt.Errorf("invalid key %q contains '..'", key)
		}
	}
	return key, nil
}

// Join builds a key from path segments. Slashes inside a segment are
// replaced so a REDCap filename cannot create extra directories.
func Join(parts ...string) string {
	clean := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ReplaceAll(strings.TrimSpace(p), "/", "_")
		if p == "" || p == "." || p == ".." {
			p = "_"
		}
		clean = append(clean, p)
	}
	return strings.Join(clean, "/")
}

func cloneMD(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
