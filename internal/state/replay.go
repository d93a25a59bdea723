package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"covenant/internal/domain"
	"covenant/internal/repo"
)

var ErrReplayDivergence = errors.New("journal replay diverges from stored state")

// Replay folds the project's event journal back into contract, gate and
// artifact facts and checks them against the stored rows. The journal is
// append-only and written in the same transaction as each mutation, so any
// divergence means the snapshot was changed outside the mutation path.
func (s Store) Replay(ctx context.Context, projectID string) error {
	p, err := s.Repo.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	journal, err := s.Repo.ListEvents(ctx, projectID)
	if err != nil {
		return err
	}

	contracts := map[string]string{}
	gates := map[string]string{}
	merged := map[string]bool{}
	pendingGate := ""

	for _, evt := range journal {
		payload := map[string]any{}
		if evt.Payload != "" {
			if err := json.Unmarshal([]byte(evt.Payload), &payload); err != nil {
				return fmt.Errorf("event %d payload: %w", evt.ID, err)
			}
		}
		switch {
		case evt.Type == "gate.open":
			gates[evt.EntityID] = domain.GatePending
			pendingGate = evt.EntityID
		case evt.Type == "gate.resolve":
			status, _ := payload["status"].(string)
			gates[evt.EntityID] = status
			if pendingGate == evt.EntityID {
				pendingGate = ""
			}
		case evt.Type == "contract.status" || evt.Type == "contract.reset":
			status, _ := payload["status"].(string)
			contracts[evt.EntityID] = status
		case evt.Type == "contract.accept":
			contracts[evt.EntityID] = domain.ContractAccepted
		case evt.Type == "artifact.merge":
			merged[evt.EntityID] = true
		case strings.HasPrefix(evt.Type, "contract."):
			// terminal closes journal as contract.<status>
			status := strings.TrimPrefix(evt.Type, "contract.")
			if status == domain.ContractRejected || status == domain.ContractEscalated {
				contracts[evt.EntityID] = status
			}
		}
	}

	stored := ""
	if p.PendingGateID != nil {
		stored = *p.PendingGateID
	}
	if stored != pendingGate {
		return fmt.Errorf("%w: pending gate %q, journal says %q", ErrReplayDivergence, stored, pendingGate)
	}

	for id, status := range gates {
		g, err := s.Repo.GetGate(ctx, id)
		if err != nil {
			return fmt.Errorf("%w: journaled gate %s has no row", ErrReplayDivergence, id)
		}
		if g.Status != status {
			return fmt.Errorf("%w: gate %s is %s, journal says %s", ErrReplayDivergence, id, g.Status, status)
		}
	}

	rows, err := s.Repo.ListContracts(ctx, repo.ContractFilters{ProjectID: projectID})
	if err != nil {
		return err
	}
	for _, c := range rows {
		want, ok := contracts[c.ID]
		if !ok {
			want = domain.ContractQueued
		}
		if c.Status != want {
			return fmt.Errorf("%w: contract %s is %s, journal says %s", ErrReplayDivergence, c.ID, c.Status, want)
		}
	}

	artifacts, err := s.Repo.ListArtifacts(ctx, projectID)
	if err != nil {
		return err
	}
	for _, a := range artifacts {
		if !merged[a.ID] {
			return fmt.Errorf("%w: artifact %s was never journaled", ErrReplayDivergence, a.ID)
		}
	}
	return nil
}
