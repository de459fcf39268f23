package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/quasarlabs/quasard/internal/domain"
)

// Archiver moves aged operation audit rows out of the primary store and into
// blob storage as JSONL. Deletion from the primary store happens only after
// the upload succeeds, so a failed upload leaves the rows untouched.
type Archiver struct {
	writer domain.BlobWriter
	ops    domain.OperationStore
	logger *slog.Logger
}

// NewArchiver creates a new Archiver.
func NewArchiver(writer domain.BlobWriter, ops domain.OperationStore, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer: writer,
		ops:    ops,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveOperations uploads all operations created before the cutoff to
// archive/operations/YYYY-MM.jsonl, then prunes them from the store. It
// returns the number of rows archived.
func (a *Archiver) ArchiveOperations(ctx context.Context, before time.Time) (int64, error) {
	ops, err := a.ops.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive operations query: %w", err)
	}
	if len(ops) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(ops)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive operations marshal: %w", err)
	}

	path := archivePath("operations", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive operations upload: %w", err)
	}

	deleted, err := a.ops.DeleteBefore(ctx, before)
	if err != nil {
		// The archive is already safe in blob storage; the leftover rows
		// will be picked up by the next run.
		return int64(len(ops)), fmt.Errorf("s3blob: prune archived operations: %w", err)
	}

	a.logger.InfoContext(ctx, "archived operations",
		slog.String("path", path),
		slog.Int("uploaded", len(ops)),
		slog.Int64("pruned", deleted),
	)
	return int64(len(ops)), nil
}

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time.
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON.
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
