// Package storage keeps published snapshot files on a local directory or
// an S3-compatible bucket. Keys always use forward slashes.
package storage

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"time"
)

type Backend interface {
	// Write stores r under key. size is the byte count when known, or -1.
	Write(ctx context.Context, key string, r io.Reader, size int64) error
	Read(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]FileInfo, error)
	Exists(ctx context.Context, key string) (bool, error)
	Size(ctx context.Context, key string) (int64, error)
	Name() string
}

type FileInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Create(backend, path string, s3Config *S3Config) (Backend, error) {
	switch backend {
	case "local":
		return NewLocalStorage(path)
	case "s3":
		if s3Config == nil {
			return nil, ErrS3ConfigRequired
		}
		return NewS3Storage(*s3Config)
	default:
		return nil, &StorageError{Op: "create", Path: backend, Err: ErrUnknownBackend}
	}
}

type S3Config struct {
	Bucket    string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidKey       = errors.New("invalid key")
	ErrS3ConfigRequired = errors.New("s3 config required")
	ErrUnknownBackend   = errors.New("unknown backend")
)

// cleanKey rejects keys that would escape the backend root.
func cleanKey(op, key string) (string, error) {
	k := path.Clean(strings.ReplaceAll(key, "\\", "/"))
	if key == "" || k == "." || strings.HasPrefix(k, "/") || k == ".." || strings.HasPrefix(k, "../") {
		return "", &StorageError{Op: op, Path: key, Err: ErrInvalidKey}
	}
	return k, nil
}

func matchPrefix(key, prefix string) bool {
	return strings.HasPrefix(key, prefix)
}
