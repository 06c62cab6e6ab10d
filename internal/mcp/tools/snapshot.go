package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/localrivet/dbshift/internal/backup"
	"github.com/localrivet/dbshift/internal/dump"
	"github.com/localrivet/dbshift/internal/mcp/mcpauth"
	"github.com/localrivet/dbshift/internal/restore"
	"github.com/localrivet/dbshift/pkg/manifest"
)

const defaultListLimit = 20

type EmptyInput struct{}

type DumpNowInput struct {
	Tables []string `json:"tables,omitempty" jsonschema:"Tables to dump; defaults to the configured tables or every source table"`
}

type DumpNowOutput struct {
	SnapshotID   string   `json:"snapshot_id"`
	Timestamp    string   `json:"timestamp"`
	Status       string   `json:"status"`
	Tables       int      `json:"tables"`
	FailedTables []string `json:"failed_tables,omitempty"`
	Rows         int64    `json:"rows"`
	SizeBytes    int64    `json:"size_bytes"`
	DurationMs   int64    `json:"duration_ms"`
	Verified     bool     `json:"verified"`
}

type ListSnapshotsInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"Maximum number of snapshots to return (default: 20)"`
}

type SnapshotItem struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	Source    string `json:"source"`
	Tables    int    `json:"tables"`
	Rows      int64  `json:"rows"`
	SizeBytes int64  `json:"size_bytes"`
}

type ListSnapshotsOutput struct {
	Count     int            `json:"count"`
	Snapshots []SnapshotItem `json:"snapshots"`
}

type SnapshotIDInput struct {
	SnapshotID string `json:"snapshot_id,omitempty" jsonschema:"The snapshot ID, or latest (default)"`
}

type TableItem struct {
	Name   string `json:"name"`
	Rows   int64  `json:"rows"`
	Chunks int    `json:"chunks"`
	Bytes  int64  `json:"bytes"`
	Error  string `json:"error,omitempty"`
}

type GetSnapshotOutput struct {
	Snapshot    SnapshotItem `json:"snapshot"`
	Product     string       `json:"product"`
	Version     string       `json:"version"`
	Format      string       `json:"format"`
	Compression string       `json:"compression"`
	DurationS   float64      `json:"duration_s"`
	KeepUntil   string       `json:"keep_until"`
	TableList   []TableItem  `json:"table_list,omitempty"`
	Files       []string     `json:"files,omitempty"`
}

type LoadSnapshotInput struct {
	SnapshotID     string   `json:"snapshot_id,omitempty" jsonschema:"The snapshot ID to load, or latest (default)"`
	Tables         []string `json:"tables,omitempty" jsonschema:"Tables to load; defaults to every complete table"`
	DryRun         bool     `json:"dry_run,omitempty" jsonschema:"Decode every chunk without writing to the target"`
	VerifyChecksum bool     `json:"verify_checksum,omitempty" jsonschema:"Verify file and chunk checksums before loading"`
}

type LoadSnapshotOutput struct {
	SnapshotID    string   `json:"snapshot_id"`
	Target        string   `json:"target,omitempty"`
	Tables        []string `json:"tables,omitempty"`
	FailedTables  []string `json:"failed_tables,omitempty"`
	Rows          int64    `json:"rows"`
	DryRun        bool     `json:"dry_run"`
	ChecksumValid bool     `json:"checksum_valid"`
	DurationMs    int64    `json:"duration_ms"`
}

type SnapshotStatusOutput struct {
	Status         string `json:"status"`
	Backend        string `json:"backend"`
	Running        bool   `json:"running"`
	TotalSnapshots int    `json:"total_snapshots"`
	StorageBytes   int64  `json:"storage_bytes"`
	LastSnapshot   string `json:"last_snapshot,omitempty"`
	LastRun        string `json:"last_run,omitempty"`
	LastError      string `json:"last_error,omitempty"`
}

type CleanupOutput struct {
	DeletedCount int    `json:"deleted_count"`
	Message      string `json:"message"`
}

type VerifySnapshotInput struct {
	SnapshotID    string `json:"snapshot_id,omitempty" jsonschema:"The snapshot ID to verify, or latest (default)"`
	SkipChecksums bool   `json:"skip_checksums,omitempty" jsonschema:"Only check existence and sizes"`
}

type VerifySnapshotOutput struct {
	SnapshotID   string   `json:"snapshot_id"`
	Valid        bool     `json:"valid"`
	FilesChecked int      `json:"files_checked"`
	Missing      []string `json:"missing,omitempty"`
	SizeMismatch []string `json:"size_mismatch,omitempty"`
	BadChecksum  []string `json:"bad_checksum,omitempty"`
	Errors       []string `json:"errors,omitempty"`
}

func itemOf(m *manifest.Manifest) SnapshotItem {
	source := m.Source.Type
	if m.Source.Name != "" {
		source += ":" + m.Source.Name
	}
	return SnapshotItem{
		ID:        m.ID,
		Timestamp: m.Timestamp.Format(time.RFC3339),
		Type:      m.Type,
		Status:    m.Status,
		Source:    source,
		Tables:    len(m.Tables),
		Rows:      m.Dump.Rows,
		SizeBytes: m.Dump.SizeBytes,
	}
}

// snapshot resolves an id, treating "" and "latest" as the newest snapshot.
func (tc *ToolContext) snapshot(ctx context.Context, id string) (*manifest.Manifest, error) {
	if id == "" || id == restore.Latest {
		return tc.Snapshots.Latest(ctx)
	}
	return tc.Snapshots.GetSnapshot(ctx, id)
}

// RegisterSnapshotTools registers the snapshot tools. Tools that change
// storage or the target require the write scope.
func RegisterSnapshotTools(server *mcp.Server, tc *ToolContext) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "dump_now",
		Description: "Dump the source database into a new snapshot now",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input DumpNowInput) (*mcp.CallToolResult, DumpNowOutput, error) {
		if err := tc.require(mcpauth.ScopeWrite); err != nil {
			return nil, DumpNowOutput{}, err
		}

		var tables []dump.Table
		for _, name := range input.Tables {
			tables = append(tables, dump.Table{Name: name})
		}

		result, err := tc.Snapshots.Run(ctx, tables)
		// a partial snapshot is still published and reported
		if err != nil && (result == nil || result.Manifest == nil) {
			return nil, DumpNowOutput{}, err
		}
		m := result.Manifest

		return nil, DumpNowOutput{
			SnapshotID:   m.ID,
			Timestamp:    m.Timestamp.Format(time.RFC3339),
			Status:       m.Status,
			Tables:       len(m.Tables),
			FailedTables: m.Failed(),
			Rows:         m.Dump.Rows,
			SizeBytes:    m.Dump.SizeBytes,
			DurationMs:   result.Duration.Milliseconds(),
			Verified:     result.Verified,
		}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_snapshots",
		Description: "List published snapshots, newest first",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input ListSnapshotsInput) (*mcp.CallToolResult, ListSnapshotsOutput, error) {
		if err := tc.require(mcpauth.ScopeRead); err != nil {
			return nil, ListSnapshotsOutput{}, err
		}
		limit := input.Limit
		if limit <= 0 {
			limit = defaultListLimit
		}

		snapshots, err := tc.Snapshots.ListSnapshots(ctx)
		if err != nil {
			return nil, ListSnapshotsOutput{}, err
		}
		if len(snapshots) > limit {
			snapshots = snapshots[:limit]
		}

		items := make([]SnapshotItem, len(snapshots))
		for i, m := range snapshots {
			items[i] = itemOf(m)
		}
		return nil, ListSnapshotsOutput{Count: len(items), Snapshots: items}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_snapshot",
		Description: "Show the tables, files and retention of one snapshot",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input SnapshotIDInput) (*mcp.CallToolResult, GetSnapshotOutput, error) {
		if err := tc.require(mcpauth.ScopeRead); err != nil {
			return nil, GetSnapshotOutput{}, err
		}
		m, err := tc.snapshot(ctx, input.SnapshotID)
		if err != nil {
			return nil, GetSnapshotOutput{}, err
		}

		out := GetSnapshotOutput{
			Snapshot:    itemOf(m),
			Product:     m.Source.Product,
			Version:     m.Source.Version,
			Format:      m.Dump.Format,
			Compression: m.Dump.Compression,
			DurationS:   m.Dump.DurationSeconds,
			KeepUntil:   m.Retention.KeepUntil.Format(time.RFC3339),
		}
		for _, t := range m.Tables {
			out.TableList = append(out.TableList, TableItem{Name: t.Name, Rows: t.Rows, Chunks: t.Chunks, Bytes: t.Bytes, Error: t.Error})
		}
		for _, f := range m.Files {
			out.Files = append(out.Files, f.Path)
		}
		return nil, out, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "load_snapshot",
		Description: "Load a snapshot into the target database. Use with caution!",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input LoadSnapshotInput) (*mcp.CallToolResult, LoadSnapshotOutput, error) {
		scope := mcpauth.ScopeWrite
		if input.DryRun {
			scope = mcpauth.ScopeRead
		}
		if err := tc.require(scope); err != nil {
			return nil, LoadSnapshotOutput{}, err
		}

		result, err := tc.Restore.Restore(ctx, restore.RestoreOptions{
			SnapshotID:     input.SnapshotID,
			Tables:         input.Tables,
			DryRun:         input.DryRun,
			VerifyChecksum: input.VerifyChecksum,
		})
		if err != nil && (result == nil || result.Summary == nil) {
			return nil, LoadSnapshotOutput{}, err
		}

		out := LoadSnapshotOutput{
			SnapshotID:    result.SnapshotID,
			Target:        result.Target,
			Tables:        result.Tables,
			Rows:          result.Summary.Rows(),
			DryRun:        result.DryRun,
			ChecksumValid: result.ChecksumValid,
			DurationMs:    result.Duration.Milliseconds(),
		}
		for _, r := range result.Summary.Failed() {
			out.FailedTables = append(out.FailedTables, r.Table)
		}
		return nil, out, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "snapshot_status",
		Description: "Report the health of the snapshot schedule and storage",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input EmptyInput) (*mcp.CallToolResult, SnapshotStatusOutput, error) {
		if err := tc.require(mcpauth.ScopeRead); err != nil {
			return nil, SnapshotStatusOutput{}, err
		}
		snapshots, err := tc.Snapshots.ListSnapshots(ctx)
		if err != nil {
			return nil, SnapshotStatusOutput{}, err
		}
		used, err := tc.Snapshots.StorageUsage(ctx)
		if err != nil {
			tc.Logger.Warn("failed to compute storage usage", "error", err)
		}

		out := SnapshotStatusOutput{
			Status:         "healthy",
			Backend:        tc.Storage.Name(),
			Running:        tc.Snapshots.Running(),
			TotalSnapshots: len(snapshots),
			StorageBytes:   used,
		}

		switch {
		case len(snapshots) == 0:
			out.Status = "warning: no snapshots found"
		case time.Since(snapshots[0].Timestamp) > tc.Config.AlertDuration():
			out.Status = "warning: snapshot overdue"
		}
		if len(snapshots) > 0 {
			out.LastSnapshot = snapshots[0].Timestamp.Format(time.RFC3339)
		}
		if lastRun := tc.Snapshots.LastRun(); !lastRun.IsZero() {
			out.LastRun = lastRun.Format(time.RFC3339)
		}
		if lastErr := tc.Snapshots.LastError(); lastErr != nil {
			out.LastError = lastErr.Error()
		}
		return nil, out, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "cleanup_snapshots",
		Description: "Delete snapshots the retention policy no longer keeps",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input EmptyInput) (*mcp.CallToolResult, CleanupOutput, error) {
		if err := tc.require(mcpauth.ScopeWrite); err != nil {
			return nil, CleanupOutput{}, err
		}
		count, err := tc.Snapshots.Cleanup(ctx)
		if err != nil {
			return nil, CleanupOutput{}, err
		}
		return nil, CleanupOutput{
			DeletedCount: count,
			Message:      fmt.Sprintf("Deleted %d expired snapshots", count),
		}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "verify_snapshot",
		Description: "Check that every file of a snapshot exists with the recorded size and checksum",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input VerifySnapshotInput) (*mcp.CallToolResult, VerifySnapshotOutput, error) {
		if err := tc.require(mcpauth.ScopeRead); err != nil {
			return nil, VerifySnapshotOutput{}, err
		}
		m, err := tc.snapshot(ctx, input.SnapshotID)
		if err != nil {
			if errors.Is(err, backup.ErrNotFound) {
				return nil, VerifySnapshotOutput{}, fmt.Errorf("snapshot %q not found", input.SnapshotID)
			}
			return nil, VerifySnapshotOutput{}, err
		}

		result, err := backup.NewValidator(tc.Storage, tc.Logger).
			WithChecksums(!input.SkipChecksums).
			Validate(ctx, m)
		if err != nil {
			return nil, VerifySnapshotOutput{}, err
		}

		return nil, VerifySnapshotOutput{
			SnapshotID:   m.ID,
			Valid:        result.Valid,
			FilesChecked: result.FilesChecked,
			Missing:      result.Missing,
			SizeMismatch: result.SizeMismatch,
			BadChecksum:  result.BadChecksum,
			Errors:       result.Errors,
		}, nil
	})
}
