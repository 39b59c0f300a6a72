package account

import (
	"context"
	"database/sql"
	"errors"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateAccount(ctx context.Context, a *Account) (*Account, error) {
	var id int
	query := "INSERT INTO accounts (username, password) VALUES ($1, $2) RETURNING id"

	err := r.db.QueryRowContext(ctx, query, a.Username, a.Password).Scan(&id)
	if err != nil {
		return nil, err
	}

	a.ID = id
	return a, nil
}

func (r *Repository) GetByUsername(ctx context.Context, username string) (*Account, error) {
	a := &Account{}
	query := "SELECT id, username, password FROM accounts WHERE username = $1"

	err := r.db.QueryRowContext(ctx, query, username).Scan(&a.ID, &a.Username, &a.Password)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.New("account not found")
		}
		return nil, err
	}

	return a, nil
}
