package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/localrivet/dbshift/internal/catalog"
	"github.com/localrivet/dbshift/internal/storage"
	"github.com/localrivet/dbshift/pkg/manifest"
)

// Validator checks a published snapshot against its manifest.
type Validator struct {
	storage   storage.Backend
	logger    *slog.Logger
	checksums bool
}

func NewValidator(store storage.Backend, logger *slog.Logger) *Validator {
	return &Validator{
		storage:   store,
		logger:    logger,
		checksums: true,
	}
}

// WithChecksums turns the full re-read of every file on or off; without
// it only existence and sizes are checked.
func (v *Validator) WithChecksums(on bool) *Validator {
	v.checksums = on
	return v
}

type ValidationResult struct {
	SnapshotID   string
	Valid        bool
	FilesChecked int
	Missing      []string
	SizeMismatch []string
	BadChecksum  []string
	Errors       []string
}

func (r *ValidationResult) fail(format string, args ...any) {
	r.Valid = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Err folds the problems into one error, or nil when the snapshot is valid.
func (r *ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	return fmt.Errorf("snapshot %s is invalid: %s", r.SnapshotID, strings.Join(r.Errors, "; "))
}

// Validate returns an error only when storage could not be queried; problems
// with the snapshot itself are reported on the result.
func (v *Validator) Validate(ctx context.Context, m *manifest.Manifest) (*ValidationResult, error) {
	result := &ValidationResult{
		SnapshotID: m.ID,
		Valid:      true,
	}

	if len(m.Files) == 0 {
		result.fail("no files listed in manifest")
		return result, nil
	}

	hasIndex := false
	for _, f := range m.Files {
		if f.Path == m.Prefix()+catalog.IndexFile {
			hasIndex = true
		}
		if !strings.HasPrefix(f.Path, m.Prefix()) {
			result.fail("file %s is outside the snapshot", f.Path)
		}
	}
	if !hasIndex {
		result.fail("catalog index not listed in manifest")
	}

	for _, f := range m.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result.FilesChecked++

		exists, err := v.storage.Exists(ctx, f.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to check file existence: %w", err)
		}
		if !exists {
			result.Missing = append(result.Missing, f.Path)
			result.fail("%s does not exist", f.Path)
			continue
		}

		size, err := v.storage.Size(ctx, f.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to get file size: %w", err)
		}
		if size != f.Size {
			result.SizeMismatch = append(result.SizeMismatch, f.Path)
			result.fail("%s: size mismatch: expected %d, got %d", f.Path, f.Size, size)
			continue
		}

		if !v.checksums || f.Checksum == "" {
			continue
		}
		sum, err := v.checksum(ctx, f.Path)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			v.logger.Warn("failed to read file for checksum", "path", f.Path, "error", err)
			result.fail("%s: %v", f.Path, err)
			continue
		}
		if sum != f.Checksum {
			result.BadChecksum = append(result.BadChecksum, f.Path)
			result.fail("%s: checksum mismatch", f.Path)
		}
	}

	return result, nil
}

func (v *Validator) checksum(ctx context.Context, key string) (string, error) {
	rc, err := v.storage.Read(ctx, key)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	return manifest.Checksum(rc)
}
