package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// PutFile uploads a local file under key and returns its size.
func PutFile(ctx context.Context, b Backend, key, localPath string) (int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", localPath, err)
	}

	if err := b.Write(ctx, key, f, info.Size()); err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// GetFile downloads key into localPath, creating parent directories.
func GetFile(ctx context.Context, b Backend, key, localPath string) (int64, error) {
	rc, err := b.Read(ctx, key)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return 0, err
	}
	f, err := os.Create(localPath)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(f, rc)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(localPath)
		return 0, fmt.Errorf("download %s: %w", key, err)
	}
	return n, nil
}

// DeletePrefix removes every file under prefix. It keeps going after a
// failed delete and returns the joined errors.
func DeletePrefix(ctx context.Context, b Backend, prefix string) (int, error) {
	files, err := b.List(ctx, prefix)
	if err != nil {
		return 0, err
	}

	var (
		deleted int
		errs    []error
	)
	for _, f := range files {
		if err := b.Delete(ctx, f.Path); err != nil {
			errs = append(errs, err)
			continue
		}
		deleted++
	}
	return deleted, errors.Join(errs...)
}

// Usage sums the size of every file under prefix.
func Usage(ctx context.Context, b Backend, prefix string) (int64, error) {
	files, err := b.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, f := range files {
		total += f.Size
	}
	return total, nil
}
