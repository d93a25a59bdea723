// Package lineage answers "why does this artifact exist": it walks the
// decision chain from an artifact back to the design document element that
// motivated it.
package lineage

import (
	"context"
	"errors"
	"fmt"

	"covenant/internal/domain"
	"covenant/internal/repo"
)

var (
	ErrBrokenChain = errors.New("decision chain does not terminate at a design reference")
	ErrCyclicChain = errors.New("decision chain contains a cycle")
)

type Tracer struct {
	Repo repo.Repo
}

// Trace returns the decision chain for an artifact, newest first, ending at
// the root decision that carries the design reference. The walk is bounded
// by the project's decision count, so a corrupted chain fails instead of
// looping.
func (t Tracer) Trace(ctx context.Context, artifactID string) ([]domain.Decision, error) {
	artifact, err := t.Repo.GetArtifact(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	bound, err := t.Repo.CountDecisions(ctx, artifact.ProjectID)
	if err != nil {
		return nil, err
	}

	var chain []domain.Decision
	seen := map[string]bool{}
	next := artifact.DecisionID
	for next != "" {
		if seen[next] {
			return nil, fmt.Errorf("%w: decision %s repeats", ErrCyclicChain, next)
		}
		if len(chain) >= bound {
			return nil, fmt.Errorf("%w: chain exceeds %d recorded decisions", ErrCyclicChain, bound)
		}
		seen[next] = true
		d, err := t.Repo.GetDecision(ctx, next)
		if err != nil {
			return nil, fmt.Errorf("decision %s: %w", next, err)
		}
		chain = append(chain, d)
		if d.ParentID == nil {
			if d.DesignRef == "" {
				return nil, fmt.Errorf("%w: root decision %s has no design reference", ErrBrokenChain, d.ID)
			}
			return chain, nil
		}
		next = *d.ParentID
	}
	return nil, ErrBrokenChain
}

// Verify traces every artifact of a project and reports the first failure.
func (t Tracer) Verify(ctx context.Context, projectID string) error {
	artifacts, err := t.Repo.ListArtifacts(ctx, projectID)
	if err != nil {
		return err
	}
	for _, a := range artifacts {
		if _, err := t.Trace(ctx, a.ID); err != nil {
			return fmt.Errorf("artifact %s (%s): %w", a.ID, a.Path, err)
		}
	}
	return nil
}
