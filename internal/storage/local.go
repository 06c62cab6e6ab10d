package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const tempSuffix = ".tmp"

type LocalStorage struct {
	basePath string
}

func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	return &LocalStorage{
		basePath: basePath,
	}, nil
}

func (l *LocalStorage) Name() string { return "local" }

func (l *LocalStorage) fullPath(op, key string) (string, error) {
	k, err := cleanKey(op, key)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.basePath, filepath.FromSlash(k)), nil
}

// Write goes through a temporary sibling so readers never see a partial file.
func (l *LocalStorage) Write(ctx context.Context, key string, r io.Reader, size int64) error {
	full, err := l.fullPath("write", key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return &StorageError{Op: "write", Path: key, Err: err}
	}

	tmp := full + tempSuffix
	f, err := os.Create(tmp)
	if err != nil {
		return &StorageError{Op: "write", Path: key, Err: err}
	}

	_, err = io.Copy(f, &ctxReader{ctx: ctx, r: r})
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, full)
	}
	if err != nil {
		os.Remove(tmp)
		return &StorageError{Op: "write", Path: key, Err: err}
	}

	return nil
}

func (l *LocalStorage) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	full, err := l.fullPath("read", key)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &StorageError{Op: "read", Path: key, Err: ErrNotFound}
		}
		return nil, &StorageError{Op: "read", Path: key, Err: err}
	}

	return f, nil
}

func (l *LocalStorage) Delete(ctx context.Context, key string) error {
	full, err := l.fullPath("delete", key)
	if err != nil {
		return err
	}

	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &StorageError{Op: "delete", Path: key, Err: err}
	}

	// Drop the directory once the last file of a snapshot is gone.
	if dir := filepath.Dir(full); dir != filepath.Clean(l.basePath) {
		os.Remove(dir)
	}

	return nil
}

func (l *LocalStorage) List(ctx context.Context, prefix string) ([]FileInfo, error) {
	var files []FileInfo

	err := filepath.WalkDir(l.basePath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(p, tempSuffix) {
			return nil
		}

		rel, err := filepath.Rel(l.basePath, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if prefix != "" && !matchPrefix(key, prefix) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, FileInfo{
			Path:         key,
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
		return nil
	})

	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return files, nil
		}
		return nil, &StorageError{Op: "list", Path: prefix, Err: err}
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Path < files[j].Path
	})

	return files, nil
}

func (l *LocalStorage) Exists(ctx context.Context, key string) (bool, error) {
	full, err := l.fullPath("exists", key)
	if err != nil {
		return false, err
	}

	if _, err := os.Stat(full); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, &StorageError{Op: "exists", Path: key, Err: err}
	}

	return true, nil
}

func (l *LocalStorage) Size(ctx context.Context, key string) (int64, error) {
	full, err := l.fullPath("size", key)
	if err != nil {
		return 0, err
	}

	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, &StorageError{Op: "size", Path: key, Err: ErrNotFound}
		}
		return 0, &StorageError{Op: "size", Path: key, Err: err}
	}

	return info.Size(), nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
