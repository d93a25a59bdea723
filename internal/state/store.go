// Package state owns the single mutation path for project aggregates.
// Every write goes through Mutate, which checks the aggregate version and
// rejects concurrent writers instead of merging them.
package state

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"covenant/internal/domain"
	"covenant/internal/repo"
)

var ErrConcurrencyConflict = errors.New("project state changed concurrently")

type Store struct {
	DB   *sql.DB
	Repo repo.Repo
	Now  func() time.Time
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Read returns the current project snapshot without taking a write lock.
func (s Store) Read(ctx context.Context, projectID string) (domain.Project, error) {
	return s.Repo.GetProject(ctx, projectID)
}

// Mutate loads the project inside a transaction, applies fn, and writes the
// result back only if the stored version still equals the version fn saw.
// A lost race surfaces as ErrConcurrencyConflict with nothing written.
func (s Store) Mutate(ctx context.Context, projectID string, fn func(ctx context.Context, tx *sql.Tx, p *domain.Project) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	p, err := s.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return err
	}
	expected := p.Version

	if err := fn(ctx, tx, &p); err != nil {
		return err
	}

	p.Version = expected + 1
	p.UpdatedAt = s.now().UTC().Format(time.RFC3339)
	if err := s.Repo.UpdateProjectVersioned(ctx, tx, p, expected); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrConcurrencyConflict
		}
		return err
	}
	return tx.Commit()
}

// MutateRetry retries Mutate on version conflicts up to attempts times.
// Conflicts are expected under parallel dispatch; anything else aborts.
func (s Store) MutateRetry(ctx context.Context, projectID string, attempts int, fn func(ctx context.Context, tx *sql.Tx, p *domain.Project) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = s.Mutate(ctx, projectID, fn)
		if !errors.Is(err, ErrConcurrencyConflict) {
			return err
		}
	}
	return err
}
