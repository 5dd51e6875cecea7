package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/stakepilot/engine/internal/domain"
)

// listBatchSize bounds how many executions are pulled from the store per
// query while building an archive file.
const listBatchSize = 1000

// ExecutionArchiver implements domain.Archiver. It drains execution records
// older than a cutoff from the primary store, serializes them to JSONL,
// uploads the file, and only then deletes the archived rows.
type ExecutionArchiver struct {
	writer     domain.BlobWriter
	executions domain.ExecutionStore
	logger     *slog.Logger
}

// NewExecutionArchiver creates an ExecutionArchiver.
func NewExecutionArchiver(writer domain.BlobWriter, executions domain.ExecutionStore, logger *slog.Logger) *ExecutionArchiver {
	return &ExecutionArchiver{
		writer:     writer,
		executions: executions,
		logger:     logger.With(slog.String("component", "archiver")),
	}
}

var _ domain.Archiver = (*ExecutionArchiver)(nil)

// ArchiveExecutions archives every execution created strictly before the
// cutoff and returns the number of records moved. Nothing is deleted until
// the upload has succeeded; a failed upload leaves the store untouched so the
// next run retries the same records.
func (a *ExecutionArchiver) ArchiveExecutions(ctx context.Context, before time.Time) (int64, error) {
	all, err := a.executions.ListBefore(ctx, before, listBatchSize)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive executions query: %w", err)
	}
	if len(all) == listBatchSize {
		// More than one batch worth of history: archive everything at once so
		// the upload and the delete cover the same set of rows.
		all, err = a.executions.ListBefore(ctx, before, 0)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive executions query: %w", err)
		}
	}

	if len(all) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(all)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive executions marshal: %w", err)
	}

	path := archivePath(before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive executions upload: %w", err)
	}

	deleted, err := a.executions.DeleteBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive executions delete: %w", err)
	}

	a.logger.InfoContext(ctx, "executions archived",
		slog.String("path", path),
		slog.Int("archived", len(all)),
		slog.Int64("deleted", deleted),
		slog.Time("before", before),
	)

	return int64(len(all)), nil
}

// archivePath builds the object key for an archive file. Keys carry the full
// cutoff timestamp so repeated runs never overwrite earlier archives.
//
//	archive/executions/2026-08-31T000000Z.jsonl
func archivePath(before time.Time) string {
	return fmt.Sprintf("archive/executions/%s.jsonl", before.UTC().Format("2006-01-02T150405Z"))
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
