package directory

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Insert claims a handle for an account. The two uniqueness constraints on the
// handles table resolve races between concurrent setters: losing on the handle
// column maps to ErrConflict, losing on the account column to ErrAlreadySet.
func (r *Repository) Insert(ctx context.Context, accountID int, handle string) error {
	query := "INSERT INTO handles (account_id, handle) VALUES ($1, $2)"
	_, err := r.db.ExecContext(ctx, query, accountID, handle)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			if pgErr.ConstraintName == "handles_handle_key" {
				return ErrConflict
			}
			return ErrAlreadySet
		}
		return err
	}
	return nil
}

func (r *Repository) ByAccount(ctx context.Context, accountID int) (string, error) {
	var handle string
	query := "SELECT handle FROM handles WHERE account_id = $1"

	err := r.db.QueryRowContext(ctx, query, accountID).Scan(&handle)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return handle, nil
}

func (r *Repository) Exists(ctx context.Context, handle string) (bool, error) {
	var one int
	query := "SELECT 1 FROM handles WHERE handle = $1"

	err := r.db.QueryRowContext(ctx, query, handle).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// likeEscaper neutralizes LIKE metacharacters so the prefix matches
// literally. Handles may legally contain underscores; a query for "a_"
// must not match "axb".
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// SearchPrefix returns handles starting with prefix, case-insensitively.
func (r *Repository) SearchPrefix(ctx context.Context, prefix string, limit int) ([]string, error) {
	query := "SELECT handle FROM handles WHERE handle ILIKE $1 || '%' ORDER BY handle LIMIT $2"
	rows, err := r.db.QueryContext(ctx, query, likeEscaper.Replace(prefix), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var handles []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, rows.Err()
}
