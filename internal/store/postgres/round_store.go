package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/updownlive/updown-engine/internal/domain"
)

// RoundStore implements domain.RoundStore using PostgreSQL.
type RoundStore struct {
	pool *pgxpool.Pool
}

// NewRoundStore creates a RoundStore backed by the given connection pool.
func NewRoundStore(pool *pgxpool.Pool) *RoundStore {
	return &RoundStore{pool: pool}
}

var _ domain.RoundStore = (*RoundStore)(nil)

// Create inserts a new round. The partial unique index over open statuses
// rejects a second PENDING/ACTIVE round with ErrAlreadyExists.
func (s *RoundStore) Create(ctx context.Context, r domain.Round) error {
	const query = `
		INSERT INTO rounds (
			id, mode, status, start_time, end_time, start_price,
			up_pool, down_pool, tx_ref, cancel_reason, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())`

	_, err := s.pool.Exec(ctx, query,
		r.ID, string(r.Mode), string(r.Status),
		r.StartTime, r.EndTime, r.StartPrice,
		r.UpPool, r.DownPool, r.TxRef, r.CancelReason,
	)
	if err != nil {
		if translated := translateErr(err); errors.Is(translated, domain.ErrAlreadyExists) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create round %s: %w", r.ID, err)
	}
	return nil
}

const roundSelectCols = `id, mode, status, start_time, end_time, start_price,
	end_price, up_pool, down_pool, tx_ref, cancel_reason, created_at, updated_at`

func scanRoundFromRow(scanner interface{ Scan(dest ...any) error }) (domain.Round, error) {
	var r domain.Round
	var mode, status string

	err := scanner.Scan(
		&r.ID, &mode, &status,
		&r.StartTime, &r.EndTime, &r.StartPrice,
		&r.EndPrice, &r.UpPool, &r.DownPool,
		&r.TxRef, &r.CancelReason,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return domain.Round{}, err
	}

	r.Mode = domain.RoundMode(mode)
	r.Status = domain.RoundStatus(status)
	return r, nil
}

func scanRoundRows(rows pgx.Rows) ([]domain.Round, error) {
	var rounds []domain.Round
	for rows.Next() {
		r, err := scanRoundFromRow(rows)
		if err != nil {
			return nil, err
		}
		rounds = append(rounds, r)
	}
	return rounds, rows.Err()
}

// GetByID retrieves a single round by ID.
func (s *RoundStore) GetByID(ctx context.Context, id string) (domain.Round, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+roundSelectCols+` FROM rounds WHERE id = $1`, id)

	r, err := scanRoundFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Round{}, domain.ErrNotFound
		}
		return domain.Round{}, fmt.Errorf("postgres: get round %s: %w", id, err)
	}
	return r, nil
}

// GetCurrent returns the single open (PENDING or ACTIVE) round.
func (s *RoundStore) GetCurrent(ctx context.Context) (domain.Round, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+roundSelectCols+` FROM rounds
		 WHERE status IN ('pending', 'active')
		 LIMIT 1`)

	r, err := scanRoundFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Round{}, domain.ErrNotFound
		}
		return domain.Round{}, fmt.Errorf("postgres: get current round: %w", err)
	}
	return r, nil
}

// SetActive transitions PENDING -> ACTIVE, recording the external transaction
// reference.
func (s *RoundStore) SetActive(ctx context.Context, id, txRef string) error {
	return s.transition(ctx, id,
		`UPDATE rounds SET status = 'active', tx_ref = $2, updated_at = NOW()
		 WHERE id = $1 AND status = 'pending'`, id, txRef)
}

// Lock transitions ACTIVE -> LOCKED.
func (s *RoundStore) Lock(ctx context.Context, id string) error {
	return s.transition(ctx, id,
		`UPDATE rounds SET status = 'locked', updated_at = NOW()
		 WHERE id = $1 AND status = 'active'`, id)
}

// transition runs a guarded status update and distinguishes a missing round
// from an illegal source state when no row matched.
func (s *RoundStore) transition(ctx context.Context, id, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: transition round %s: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM rounds WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("postgres: check round %s: %w", id, err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrAlreadyExists
}

// ListActiveExpired returns ACTIVE rounds whose betting window has closed.
func (s *RoundStore) ListActiveExpired(ctx context.Context, now time.Time) ([]domain.Round, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+roundSelectCols+` FROM rounds
		 WHERE status = 'active' AND end_time <= $1
		 ORDER BY end_time`, now)
	if err != nil {
		return nil, fmt.Errorf("postgres: list expired rounds: %w", err)
	}
	defer rows.Close()

	rounds, err := scanRoundRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan expired rounds: %w", err)
	}
	return rounds, nil
}

// CancelWithRefunds cancels the round and returns every outstanding stake in
// one transaction. Stakes are credited back, refund ledger entries appended,
// predictions marked refunded with payout equal to the stake, and the pools
// zeroed.
func (s *RoundStore) CancelWithRefunds(ctx context.Context, id, reason string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin cancel tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE rounds
		 SET status = 'cancelled', cancel_reason = $2,
		     up_pool = 0, down_pool = 0, updated_at = NOW()
		 WHERE id = $1 AND status IN ('pending', 'active', 'locked')`,
		id, reason)
	if err != nil {
		return fmt.Errorf("postgres: cancel round %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM rounds WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: check round %s: %w", id, err)
		}
		if !exists {
			return domain.ErrNotFound
		}
		return domain.ErrAlreadyExists
	}

	// Credit stakes back before flipping the refunded flag.
	if _, err := tx.Exec(ctx,
		`UPDATE users u
		 SET balance = u.balance + p.amount, updated_at = NOW()
		 FROM predictions p
		 WHERE p.round_id = $1 AND NOT p.refunded AND p.user_id = u.id`, id); err != nil {
		return fmt.Errorf("postgres: refund balances for round %s: %w", id, err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, user_id, round_id, prediction_id, amount, result)
		 SELECT gen_random_uuid()::text, p.user_id, p.round_id, p.id, p.amount, 'REFUND'
		 FROM predictions p
		 WHERE p.round_id = $1 AND NOT p.refunded`, id); err != nil {
		return fmt.Errorf("postgres: refund ledger for round %s: %w", id, err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE predictions
		 SET refunded = TRUE, payout = amount, outcome = NULL, updated_at = NOW()
		 WHERE round_id = $1 AND NOT refunded`, id); err != nil {
		return fmt.Errorf("postgres: mark refunds for round %s: %w", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit cancel tx: %w", err)
	}
	return nil
}

// ApplySettlement writes every prediction outcome and the round's terminal
// state in one transaction. The round must be LOCKED.
func (s *RoundStore) ApplySettlement(ctx context.Context, st domain.Settlement) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin settlement tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE rounds SET status = 'resolved', end_price = $2, updated_at = NOW()
		 WHERE id = $1 AND status = 'locked'`,
		st.RoundID, st.FinalPrice)
	if err != nil {
		return fmt.Errorf("postgres: resolve round %s: %w", st.RoundID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM rounds WHERE id = $1)`, st.RoundID).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: check round %s: %w", st.RoundID, err)
		}
		if !exists {
			return domain.ErrNotFound
		}
		return domain.ErrAlreadyExists
	}

	for _, o := range st.Outcomes {
		if _, err := tx.Exec(ctx,
			`UPDATE predictions
			 SET outcome = $2, payout = $3, refunded = $4, updated_at = NOW()
			 WHERE id = $1`,
			o.PredictionID, o.Won, o.Payout, o.Refund); err != nil {
			return fmt.Errorf("postgres: write outcome %s: %w", o.PredictionID, err)
		}

		switch {
		case o.Refund:
			if _, err := tx.Exec(ctx,
				`UPDATE users SET balance = balance + $2, updated_at = NOW() WHERE id = $1`,
				o.UserID, o.Payout); err != nil {
				return fmt.Errorf("postgres: refund user %s: %w", o.UserID, err)
			}
		case o.Won != nil && *o.Won:
			if _, err := tx.Exec(ctx,
				`UPDATE users
				 SET balance = balance + $2, wins = wins + 1, streak = streak + 1,
				     updated_at = NOW()
				 WHERE id = $1`,
				o.UserID, o.Payout); err != nil {
				return fmt.Errorf("postgres: credit winner %s: %w", o.UserID, err)
			}
		default:
			if _, err := tx.Exec(ctx,
				`UPDATE users SET streak = 0, updated_at = NOW() WHERE id = $1`,
				o.UserID); err != nil {
				return fmt.Errorf("postgres: reset streak %s: %w", o.UserID, err)
			}
		}

		// The stake debit already has its provisional LOSS entry; only
		// credits append new rows.
		if o.Payout > 0 {
			result := domain.LedgerResultWin
			if o.Refund {
				result = domain.LedgerResultRefund
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO ledger_entries (id, user_id, round_id, prediction_id, amount, result)
				 VALUES (gen_random_uuid()::text, $1, $2, $3, $4, $5)`,
				o.UserID, st.RoundID, o.PredictionID, o.Payout, string(result)); err != nil {
				return fmt.Errorf("postgres: ledger credit %s: %w", o.PredictionID, err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit settlement tx: %w", err)
	}
	return nil
}

// ListRecent returns rounds newest first with pagination.
func (s *RoundStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.Round, error) {
	query := `SELECT ` + roundSelectCols + ` FROM rounds`
	var args []any
	argIdx := 1

	var where []string
	if opts.Since != nil {
		where = append(where, fmt.Sprintf("created_at >= $%d", argIdx))
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		where = append(where, fmt.Sprintf("created_at <= $%d", argIdx))
		args = append(args, *opts.Until)
		argIdx++
	}
	for i, cond := range where {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
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
		return nil, fmt.Errorf("postgres: list recent rounds: %w", err)
	}
	defer rows.Close()

	rounds, err := scanRoundRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan recent rounds: %w", err)
	}
	return rounds, nil
}

// ListResolvedBefore returns terminal rounds older than the cutoff, for
// archival.
func (s *RoundStore) ListResolvedBefore(ctx context.Context, before time.Time) ([]domain.Round, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+roundSelectCols+` FROM rounds
		 WHERE status IN ('resolved', 'cancelled') AND created_at < $1
		 ORDER BY created_at`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list resolved rounds: %w", err)
	}
	defer rows.Close()

	rounds, err := scanRoundRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan resolved rounds: %w", err)
	}
	return rounds, nil
}
