package storage

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type S3Storage struct {
	client *minio.Client
	bucket string
}

func NewS3Storage(cfg S3Config) (*S3Storage, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "s3.amazonaws.com"
	}

	endpoint = strings.TrimPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	return &S3Storage{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

func (s *S3Storage) Name() string { return "s3" }

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

// Write streams r; an unknown size makes minio fall back to a multipart upload.
func (s *S3Storage) Write(ctx context.Context, key string, r io.Reader, size int64) error {
	k, err := cleanKey("write", key)
	if err != nil {
		return err
	}

	_, err = s.client.PutObject(ctx, s.bucket, k, r, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return &StorageError{Op: "write", Path: key, Err: err}
	}

	return nil
}

func (s *S3Storage) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	k, err := cleanKey("read", key)
	if err != nil {
		return nil, err
	}

	obj, err := s.client.GetObject(ctx, s.bucket, k, minio.GetObjectOptions{})
	if err != nil {
		return nil, &StorageError{Op: "read", Path: key, Err: err}
	}

	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if isNoSuchKey(err) {
			return nil, &StorageError{Op: "read", Path: key, Err: ErrNotFound}
		}
		return nil, &StorageError{Op: "read", Path: key, Err: err}
	}

	return obj, nil
}

func (s *S3Storage) Delete(ctx context.Context, key string) error {
	k, err := cleanKey("delete", key)
	if err != nil {
		return err
	}

	if err := s.client.RemoveObject(ctx, s.bucket, k, minio.RemoveObjectOptions{}); err != nil {
		return &StorageError{Op: "delete", Path: key, Err: err}
	}

	return nil
}

func (s *S3Storage) List(ctx context.Context, prefix string) ([]FileInfo, error) {
	var files []FileInfo

	objectCh := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	for object := range objectCh {
		if object.Err != nil {
			return nil, &StorageError{Op: "list", Path: prefix, Err: object.Err}
		}

		files = append(files, FileInfo{
			Path:         object.Key,
			Size:         object.Size,
			LastModified: object.LastModified,
		})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Path < files[j].Path
	})

	return files, nil
}

func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	k, err := cleanKey("exists", key)
	if err != nil {
		return false, err
	}

	if _, err := s.client.StatObject(ctx, s.bucket, k, minio.StatObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, &StorageError{Op: "exists", Path: key, Err: err}
	}

	return true, nil
}

func (s *S3Storage) Size(ctx context.Context, key string) (int64, error) {
	k, err := cleanKey("size", key)
	if err != nil {
		return 0, err
	}

	info, err := s.client.StatObject(ctx, s.bucket, k, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return 0, &StorageError{Op: "size", Path: key, Err: ErrNotFound}
		}
		return 0, &StorageError{Op: "size", Path: key, Err: err}
	}

	return info.Size, nil
}
