package state_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"covenant/internal/db"
	"covenant/internal/domain"
	"covenant/internal/migrate"
	"covenant/internal/repo"
	"covenant/internal/state"
)

func newStore(t *testing.T) (state.Store, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	s := state.Store{DB: conn, Repo: r, Now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }}

	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	p := domain.Project{
		ID:        "demo",
		Name:      "demo",
		Phase:     domain.PhaseDesign,
		Version:   1,
		CreatedAt: "2024-01-01T00:00:00Z",
		UpdatedAt: "2024-01-01T00:00:00Z",
	}
	if err := r.InsertProject(ctx, tx, p); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return s, ctx
}

func TestMutateBumpsVersion(t *testing.T) {
	s, ctx := newStore(t)
	err := s.Mutate(ctx, "demo", func(ctx context.Context, tx *sql.Tx, p *domain.Project) error {
		p.Phase = domain.PhaseBuild
		p.Tier = 1
		return nil
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	p, err := s.Read(ctx, "demo")
	if err != nil {
		t.Fatal(err)
	}
	if p.Version != 2 || p.Phase != domain.PhaseBuild || p.Tier != 1 {
		t.Fatalf("mutation not applied: %+v", p)
	}
}

func TestMutateDetectsLostUpdate(t *testing.T) {
	s, ctx := newStore(t)
	err := s.Mutate(ctx, "demo", func(ctx context.Context, tx *sql.Tx, p *domain.Project) error {
		// another writer commits between the read and the versioned write
		_, err := tx.ExecContext(ctx, `UPDATE projects SET version = version + 1 WHERE id = ?`, p.ID)
		return err
	})
	if !errors.Is(err, state.ErrConcurrencyConflict) {
		t.Fatalf("expected ErrConcurrencyConflict, got %v", err)
	}
	p, err := s.Read(ctx, "demo")
	if err != nil {
		t.Fatal(err)
	}
	if p.Phase != domain.PhaseDesign {
		t.Fatalf("conflicting mutation must not persist: %+v", p)
	}
}

func TestMutateRetrySucceedsAfterConflict(t *testing.T) {
	s, ctx := newStore(t)
	attempts := 0
	err := s.MutateRetry(ctx, "demo", 3, func(ctx context.Context, tx *sql.Tx, p *domain.Project) error {
		attempts++
		if attempts == 1 {
			_, err := tx.ExecContext(ctx, `UPDATE projects SET version = version + 1 WHERE id = ?`, p.ID)
			return err
		}
		p.Phase = domain.PhaseBuild
		return nil
	})
	if err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
	p, _ := s.Read(ctx, "demo")
	if p.Phase != domain.PhaseBuild {
		t.Fatalf("retried mutation not applied: %+v", p)
	}
}

func TestMutateRetryGivesUp(t *testing.T) {
	s, ctx := newStore(t)
	attempts := 0
	err := s.MutateRetry(ctx, "demo", 2, func(ctx context.Context, tx *sql.Tx, p *domain.Project) error {
		attempts++
		_, err := tx.ExecContext(ctx, `UPDATE projects SET version = version + 1 WHERE id = ?`, p.ID)
		return err
	})
	if !errors.Is(err, state.ErrConcurrencyConflict) {
		t.Fatalf("expected conflict after exhausting retries, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestMutateUnknownProject(t *testing.T) {
	s, ctx := newStore(t)
	err := s.Mutate(ctx, "missing", func(ctx context.Context, tx *sql.Tx, p *domain.Project) error { return nil })
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
