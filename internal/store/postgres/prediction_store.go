package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/updownlive/updown-engine/internal/domain"
)

// PredictionStore implements domain.PredictionStore using PostgreSQL.
type PredictionStore struct {
	pool *pgxpool.Pool
}

// NewPredictionStore creates a PredictionStore backed by the given pool.
func NewPredictionStore(pool *pgxpool.Pool) *PredictionStore {
	return &PredictionStore{pool: pool}
}

var _ domain.PredictionStore = (*PredictionStore)(nil)

// Create inserts a new prediction row. The (round_id, user_id) uniqueness
// constraint rejects a duplicate stake with ErrAlreadyExists.
func (s *PredictionStore) Create(ctx context.Context, p domain.Prediction) error {
	const query = `
		INSERT INTO predictions (
			id, round_id, user_id, amount, side, range_id,
			outcome, payout, refunded, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.RoundID, p.UserID, p.Amount, string(p.Side), p.RangeID,
		p.Outcome, p.Payout, p.Refunded,
	)
	if err != nil {
		if translated := translateErr(err); errors.Is(translated, domain.ErrAlreadyExists) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create prediction %s: %w", p.ID, err)
	}
	return nil
}

// Delete hard-deletes a prediction that never completed its remote leg.
func (s *PredictionStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM predictions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete prediction %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Fund commits the stake in one transaction: debit the balance under its
// non-negative guard, grow the round's side pool while the round is still
// ACTIVE and inside its window, and append the provisional LOSS ledger entry.
// Any failed guard rolls the whole commit back.
func (s *PredictionStore) Fund(ctx context.Context, p domain.Prediction) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin fund tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE users SET balance = balance - $2, updated_at = NOW()
		 WHERE id = $1 AND balance >= $2`,
		p.UserID, p.Amount)
	if err != nil {
		return fmt.Errorf("postgres: debit user %s: %w", p.UserID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, p.UserID).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: check user %s: %w", p.UserID, err)
		}
		if !exists {
			return domain.ErrNotFound
		}
		return domain.ErrInsufficientBalance
	}

	poolCol := "up_pool"
	if p.Side == domain.SideDown {
		poolCol = "down_pool"
	}
	tag, err = tx.Exec(ctx,
		`UPDATE rounds SET `+poolCol+` = `+poolCol+` + $2, updated_at = NOW()
		 WHERE id = $1 AND status = 'active' AND end_time > NOW()`,
		p.RoundID, p.Amount)
	if err != nil {
		return fmt.Errorf("postgres: grow pool for round %s: %w", p.RoundID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrRoundClosed
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, user_id, round_id, prediction_id, amount, result)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.NewString(), p.UserID, p.RoundID, p.ID, -p.Amount,
		string(domain.LedgerResultLoss)); err != nil {
		return fmt.Errorf("postgres: ledger debit %s: %w", p.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit fund tx: %w", err)
	}
	return nil
}

const predictionSelectCols = `id, round_id, user_id, amount, side, range_id,
	outcome, payout, refunded, created_at, updated_at`

func scanPredictionFromRow(scanner interface{ Scan(dest ...any) error }) (domain.Prediction, error) {
	var p domain.Prediction
	var side string

	err := scanner.Scan(
		&p.ID, &p.RoundID, &p.UserID, &p.Amount, &side, &p.RangeID,
		&p.Outcome, &p.Payout, &p.Refunded, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Prediction{}, err
	}

	p.Side = domain.Side(side)
	return p, nil
}

func scanPredictionRows(rows pgx.Rows) ([]domain.Prediction, error) {
	var preds []domain.Prediction
	for rows.Next() {
		p, err := scanPredictionFromRow(rows)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return preds, rows.Err()
}

// GetByID retrieves a single prediction by ID.
func (s *PredictionStore) GetByID(ctx context.Context, id string) (domain.Prediction, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+predictionSelectCols+` FROM predictions WHERE id = $1`, id)

	p, err := scanPredictionFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Prediction{}, domain.ErrNotFound
		}
		return domain.Prediction{}, fmt.Errorf("postgres: get prediction %s: %w", id, err)
	}
	return p, nil
}

// GetByRoundAndUser retrieves the user's stake on a round, if any.
func (s *PredictionStore) GetByRoundAndUser(ctx context.Context, roundID, userID string) (domain.Prediction, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+predictionSelectCols+` FROM predictions
		 WHERE round_id = $1 AND user_id = $2`, roundID, userID)

	p, err := scanPredictionFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Prediction{}, domain.ErrNotFound
		}
		return domain.Prediction{}, fmt.Errorf("postgres: get prediction for round %s user %s: %w", roundID, userID, err)
	}
	return p, nil
}

// ListByRound returns every prediction on a round.
func (s *PredictionStore) ListByRound(ctx context.Context, roundID string) ([]domain.Prediction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+predictionSelectCols+` FROM predictions
		 WHERE round_id = $1 ORDER BY created_at`, roundID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list predictions by round: %w", err)
	}
	defer rows.Close()

	preds, err := scanPredictionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan predictions by round: %w", err)
	}
	return preds, nil
}

// ListByUser returns a user's predictions newest first with pagination.
func (s *PredictionStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Prediction, error) {
	query := `SELECT ` + predictionSelectCols + ` FROM predictions WHERE user_id = $1`
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
		return nil, fmt.Errorf("postgres: list predictions by user: %w", err)
	}
	defer rows.Close()

	preds, err := scanPredictionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan predictions by user: %w", err)
	}
	return preds, nil
}

// ListBefore returns predictions created before the cutoff, for archival.
func (s *PredictionStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Prediction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+predictionSelectCols+` FROM predictions
		 WHERE created_at < $1 ORDER BY created_at`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list predictions before cutoff: %w", err)
	}
	defer rows.Close()

	preds, err := scanPredictionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan predictions before cutoff: %w", err)
	}
	return preds, nil
}
