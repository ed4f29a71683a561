package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/updownlive/updown-engine/internal/domain"
)

// LedgerStore implements domain.LedgerStore using PostgreSQL. It only reads;
// ledger rows are written inside the balance-moving transactions.
type LedgerStore struct {
	pool *pgxpool.Pool
}

// NewLedgerStore creates a LedgerStore backed by the given connection pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

var _ domain.LedgerStore = (*LedgerStore)(nil)

const ledgerSelectCols = `id, user_id, round_id, prediction_id, amount, result, created_at`

func scanLedgerRows(rows pgx.Rows) ([]domain.LedgerEntry, error) {
	var entries []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		var result string
		if err := rows.Scan(&e.ID, &e.UserID, &e.RoundID, &e.PredictionID,
			&e.Amount, &result, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Result = domain.LedgerResult(result)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListByUser returns a user's ledger newest first with pagination.
func (s *LedgerStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.LedgerEntry, error) {
	query := `SELECT ` + ledgerSelectCols + ` FROM ledger_entries WHERE user_id = $1`
	args := []any{userID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list ledger by user: %w", err)
	}
	defer rows.Close()

	entries, err := scanLedgerRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan ledger by user: %w", err)
	}
	return entries, nil
}

// ListByRound returns every ledger entry a round produced.
func (s *LedgerStore) ListByRound(ctx context.Context, roundID string) ([]domain.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ledgerSelectCols+` FROM ledger_entries
		 WHERE round_id = $1 ORDER BY created_at`, roundID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list ledger by round: %w", err)
	}
	defer rows.Close()

	entries, err := scanLedgerRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan ledger by round: %w", err)
	}
	return entries, nil
}

// ListBefore returns entries created before the cutoff, for archival.
func (s *LedgerStore) ListBefore(ctx context.Context, before time.Time) ([]domain.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ledgerSelectCols+` FROM ledger_entries
		 WHERE created_at < $1 ORDER BY created_at`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list ledger before cutoff: %w", err)
	}
	defer rows.Close()

	entries, err := scanLedgerRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan ledger before cutoff: %w", err)
	}
	return entries, nil
}
