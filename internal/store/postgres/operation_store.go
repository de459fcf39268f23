package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/quasarlabs/quasard/internal/domain"
)

// OperationStore implements domain.OperationStore using PostgreSQL.
type OperationStore struct {
	pool *pgxpool.Pool
}

// NewOperationStore creates a new OperationStore backed by the given connection pool.
func NewOperationStore(pool *pgxpool.Pool) *OperationStore {
	return &OperationStore{pool: pool}
}

var _ domain.OperationStore = (*OperationStore)(nil)

const operationSelectCols = `id, symbol, kind, account, status, err_kind,
	deposit::text, withdrawal::text, tokens::text, notional_delta::text,
	nav_per_token::text, mark_price::text, created_at`

func scanOperationRows(rows pgx.Rows) ([]domain.Operation, error) {
	var ops []domain.Operation
	for rows.Next() {
		var (
			op   domain.Operation
			kind string
			stat string
			nums [6]string
		)
		if err := rows.Scan(
			&op.ID, &op.Symbol, &kind, &op.Account, &stat, &op.ErrKind,
			&nums[0], &nums[1], &nums[2], &nums[3], &nums[4], &nums[5],
			&op.CreatedAt,
		); err != nil {
			return nil, err
		}
		op.Kind = domain.OperationKind(kind)
		op.Status = domain.OperationStatus(stat)

		dst := []*decimal.Decimal{
			&op.Deposit, &op.Withdrawal, &op.Tokens,
			&op.NotionalDelta, &op.NAVPerToken, &op.MarkPrice,
		}
		for i, s := range nums {
			d, err := decimal.NewFromString(s)
			if err != nil {
				return nil, fmt.Errorf("parse operation %s: %w", op.ID, err)
			}
			*dst[i] = d
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// Insert appends one operation to the audit log.
func (s *OperationStore) Insert(ctx context.Context, op domain.Operation) error {
	const query = `
		INSERT INTO operations (
			id, symbol, kind, account, status, err_kind,
			deposit, withdrawal, tokens, notional_delta,
			nav_per_token, mark_price, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13
		)`

	_, err := s.pool.Exec(ctx, query,
		op.ID, op.Symbol, string(op.Kind), op.Account, string(op.Status), op.ErrKind,
		op.Deposit.String(), op.Withdrawal.String(), op.Tokens.String(), op.NotionalDelta.String(),
		op.NAVPerToken.String(), op.MarkPrice.String(), op.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert operation %s: %w", op.ID, err)
	}
	return nil
}

// List returns operations for the given symbol with pagination and optional
// time filtering, newest first.
func (s *OperationStore) List(ctx context.Context, symbol string, opts domain.ListOpts) ([]domain.Operation, error) {
	query := `SELECT ` + operationSelectCols + ` FROM operations WHERE symbol = $1`
	args := []any{symbol}
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
		return nil, fmt.Errorf("postgres: list operations: %w", err)
	}
	defer rows.Close()

	ops, err := scanOperationRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan operations: %w", err)
	}
	return ops, nil
}

// ListBefore returns all operations created strictly before the cutoff,
// oldest first, for archival.
func (s *OperationStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Operation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+operationSelectCols+` FROM operations
		 WHERE created_at < $1
		 ORDER BY created_at ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list operations before %s: %w", before, err)
	}
	defer rows.Close()

	ops, err := scanOperationRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan archived operations: %w", err)
	}
	return ops, nil
}

// DeleteBefore prunes operations created strictly before the cutoff and
// returns the number of rows removed.
func (s *OperationStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM operations WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete operations before %s: %w", before, err)
	}
	return tag.RowsAffected(), nil
}
