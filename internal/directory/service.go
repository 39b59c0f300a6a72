package directory

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

// searchPageSize caps every search result, matching the directory page size
// used by the account search it replaced.
const searchPageSize = 10

var handlePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{2,31}$`)

// Store is the persistence surface the service needs. *Repository implements
// it against Postgres; tests substitute an in-memory version.
type Store interface {
	Insert(ctx context.Context, accountID int, handle string) error
	ByAccount(ctx context.Context, accountID int) (string, error)
	Exists(ctx context.Context, handle string) (bool, error)
	SearchPrefix(ctx context.Context, prefix string, limit int) ([]string, error)
}

type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// SetHandle claims requested for the account. A handle is set exactly once:
// re-setting the same handle is a no-op, anything else is ErrAlreadySet, and a
// handle owned by someone else is ErrConflict. Races between concurrent
// setters are decided by the store's uniqueness constraints, not by the read
// below, which only exists to give friendly errors on the common paths.
func (s *Service) SetHandle(ctx context.Context, accountID int, requested string) (string, error) {
	handle := strings.ToLower(strings.TrimSpace(requested))
	if !handlePattern.MatchString(handle) {
		return "", ErrInvalidHandle
	}

	existing, err := s.store.ByAccount(ctx, accountID)
	switch {
	case err == nil:
		if existing == handle {
			return handle, nil
		}
		return "", ErrAlreadySet
	case !errors.Is(err, ErrNotFound):
		return "", err
	}

	if err := s.store.Insert(ctx, accountID, handle); err != nil {
		if errors.Is(err, ErrAlreadySet) {
			// Lost a race against ourselves (another tab); idempotent if the
			// winner wrote the same handle.
			winner, rerr := s.store.ByAccount(ctx, accountID)
			if rerr == nil && winner == handle {
				return handle, nil
			}
		}
		return "", err
	}
	return handle, nil
}

// Resolve returns the handle for an account, or ErrNotFound.
func (s *Service) Resolve(ctx context.Context, accountID int) (string, error) {
	return s.store.ByAccount(ctx, accountID)
}

// Lookup reports whether a handle exists in the directory.
func (s *Service) Lookup(ctx context.Context, handle string) (bool, error) {
	return s.store.Exists(ctx, handle)
}

// Search does a case-insensitive prefix match. An empty query returns an
// empty result, never the whole directory.
func (s *Service) Search(ctx context.Context, query string) ([]string, error) {
	prefix := strings.ToLower(strings.TrimSpace(query))
	if prefix == "" {
		return []string{}, nil
	}
	handles, err := s.store.SearchPrefix(ctx, prefix, searchPageSize)
	if err != nil {
		return nil, err
	}
	if handles == nil {
		handles = []string{}
	}
	return handles, nil
}
