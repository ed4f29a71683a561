package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/updownlive/updown-engine/internal/domain"
)

// ---------------------------------------------------------------------------
// Narrow store interfaces required by the archiver.
//
// The archiver only requires the time-ranged query methods it actually
// calls, not the full domain store interfaces. The Postgres stores satisfy
// these implicitly.
// ---------------------------------------------------------------------------

// RoundArchiveStore provides read access to settled rounds for archival.
type RoundArchiveStore interface {
	// ListResolvedBefore returns all terminal rounds that ended strictly
	// before the given cutoff time.
	ListResolvedBefore(ctx context.Context, before time.Time) ([]domain.Round, error)
}

// PredictionArchiveStore provides read access to predictions for archival.
type PredictionArchiveStore interface {
	// ListBefore returns all predictions created strictly before the given
	// cutoff time.
	ListBefore(ctx context.Context, before time.Time) ([]domain.Prediction, error)
}

// LedgerArchiveStore provides read access to ledger entries for archival.
type LedgerArchiveStore interface {
	// ListBefore returns all ledger entries created strictly before the
	// given cutoff time.
	ListBefore(ctx context.Context, before time.Time) ([]domain.LedgerEntry, error)
}

// ---------------------------------------------------------------------------
// ArchiveImpl
// ---------------------------------------------------------------------------

// ArchiveImpl implements domain.Archiver by querying the domain stores for
// settled history, serializing it to JSONL, and uploading the result to S3.
// The reconciliation process diffs these files against the contract's view.
//
// Deletion of the archived records from the primary store is intentionally
// NOT performed here -- that is a separate, explicit step to be executed
// after the archive has been verified.
type ArchiveImpl struct {
	writer      domain.BlobWriter
	rounds      RoundArchiveStore
	predictions PredictionArchiveStore
	ledger      LedgerArchiveStore
	logger      *slog.Logger
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(
	writer domain.BlobWriter,
	rounds RoundArchiveStore,
	predictions PredictionArchiveStore,
	ledger LedgerArchiveStore,
	logger *slog.Logger,
) *ArchiveImpl {
	return &ArchiveImpl{
		writer:      writer,
		rounds:      rounds,
		predictions: predictions,
		ledger:      ledger,
		logger:      logger,
	}
}

var _ domain.Archiver = (*ArchiveImpl)(nil)

// ArchiveRounds queries all terminal rounds that ended before the cutoff,
// serializes them to JSONL, and uploads the file to S3 at
// archive/rounds/YYYY-MM.jsonl. Returns the count of archived records.
func (a *ArchiveImpl) ArchiveRounds(ctx context.Context, before time.Time) (int64, error) {
	rounds, err := a.rounds.ListResolvedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive rounds query: %w", err)
	}
	if len(rounds) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(rounds)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive rounds marshal: %w", err)
	}

	path := archivePath("rounds", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive rounds upload: %w", err)
	}

	count := int64(len(rounds))
	a.logger.InfoContext(ctx, "s3blob: archived rounds",
		slog.String("path", path),
		slog.Int64("count", count),
		slog.String("before", before.Format(time.RFC3339)),
	)
	return count, nil
}

// ArchivePredictions queries all predictions created before the cutoff,
// serializes them to JSONL, and uploads the file to S3 at
// archive/predictions/YYYY-MM.jsonl. Returns the count of archived records.
func (a *ArchiveImpl) ArchivePredictions(ctx context.Context, before time.Time) (int64, error) {
	predictions, err := a.predictions.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive predictions query: %w", err)
	}
	if len(predictions) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(predictions)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive predictions marshal: %w", err)
	}

	path := archivePath("predictions", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive predictions upload: %w", err)
	}

	count := int64(len(predictions))
	a.logger.InfoContext(ctx, "s3blob: archived predictions",
		slog.String("path", path),
		slog.Int64("count", count),
		slog.String("before", before.Format(time.RFC3339)),
	)
	return count, nil
}

// ArchiveLedger queries all ledger entries created before the cutoff,
// serializes them to JSONL, and uploads the file to S3 at
// archive/ledger/YYYY-MM.jsonl. Returns the count of archived records.
func (a *ArchiveImpl) ArchiveLedger(ctx context.Context, before time.Time) (int64, error) {
	entries, err := a.ledger.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive ledger query: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(entries)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive ledger marshal: %w", err)
	}

	path := archivePath("ledger", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive ledger upload: %w", err)
	}

	count := int64(len(entries))
	a.logger.InfoContext(ctx, "s3blob: archived ledger",
		slog.String("path", path),
		slog.Int64("count", count),
		slog.String("before", before.Format(time.RFC3339)),
	)
	return count, nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/rounds/2026-08.jsonl
//	archive/predictions/2026-08.jsonl
//	archive/ledger/2026-08.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
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
