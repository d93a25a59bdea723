// Package decompose turns an approved design document into per-tier task
// contracts with dependency ordering and parallel groups.
package decompose

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"covenant/internal/design"
	"covenant/internal/domain"
)

var (
	ErrTierNotApproved  = errors.New("tier is not approved for planning")
	ErrCyclicDependency = errors.New("design document dependency graph has a cycle")
	ErrTierEmpty        = errors.New("no subsystems declared for tier")
)

type Planner struct {
	Now func() time.Time
}

func (p Planner) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// contractNamespace keeps contract IDs stable across replans of the same
// project, tier and subsystem.
var contractNamespace = uuid.MustParse("6b6f7665-6e61-6e74-8000-000000000001")

// ContractID derives the deterministic contract identifier.
func ContractID(projectID string, tier int, subsystem string) string {
	return uuid.NewSHA1(contractNamespace, []byte(fmt.Sprintf("%s|%d|%s", projectID, tier, subsystem))).String()
}

// Plan emits the contracts for one tier of an approved design document.
// Contracts are grouped by dependency depth: group 0 holds subsystems with
// no in-tier dependencies, group N holds subsystems whose deepest in-tier
// dependency sits in group N-1.
func (p Planner) Plan(doc *design.Document, projectID string, tier, approvedTier int) ([]domain.TaskContract, error) {
	if tier > approvedTier {
		return nil, fmt.Errorf("%w: tier %d, approved through %d", ErrTierNotApproved, tier, approvedTier)
	}
	subsystems := doc.TierSubsystems(tier)
	if len(subsystems) == 0 {
		return nil, fmt.Errorf("%w: tier %d", ErrTierEmpty, tier)
	}

	inTier := map[string]design.Subsystem{}
	for _, s := range subsystems {
		inTier[s.Name] = s
	}

	groups, err := orderByDependency(subsystems, inTier)
	if err != nil {
		return nil, err
	}

	now := p.now().UTC().Format(time.RFC3339)
	var contracts []domain.TaskContract
	for groupIdx, group := range groups {
		for _, name := range group {
			s := inTier[name]
			slice, err := doc.SliceFor(name)
			if err != nil {
				return nil, err
			}
			sliceJSON, err := json.Marshal(slice)
			if err != nil {
				return nil, err
			}
			c := domain.TaskContract{
				ID:             ContractID(projectID, tier, name),
				ProjectID:      projectID,
				Tier:           tier,
				Subsystem:      name,
				CrossCutting:   s.CrossCutting,
				Objective:      s.Objective,
				SliceJSON:      string(sliceJSON),
				MustNotTouch:   s.MustNotTouch,
				AllowedVerbs:   s.Verbs,
				ParallelGroup:  groupIdx,
				Status:         domain.ContractQueued,
				RollbackPolicy: domain.RollbackCommitPartial,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			for _, dep := range s.DependsOn {
				if _, ok := inTier[dep]; ok {
					c.DependsOn = append(c.DependsOn, ContractID(projectID, tier, dep))
				}
			}
			sort.Strings(c.DependsOn)
			if len(c.DependsOn) == 0 {
				c.ConcurrencyClass = domain.ClassIndependent
			} else {
				c.ConcurrencyClass = domain.ClassDependent
			}
			if len(s.Steps) > 0 {
				steps := make([]domain.ContractStep, len(s.Steps))
				for i, obj := range s.Steps {
					steps[i] = domain.ContractStep{Index: i + 1, Objective: obj}
				}
				b, err := json.Marshal(steps)
				if err != nil {
					return nil, err
				}
				js := string(b)
				c.StepsJSON = &js
			}
			contracts = append(contracts, c)
		}
	}
	return contracts, nil
}

// orderByDependency runs Kahn's algorithm over in-tier edges and returns
// subsystem names in dependency levels, each level name-sorted.
func orderByDependency(subsystems []design.Subsystem, inTier map[string]design.Subsystem) ([][]string, error) {
	indegree := map[string]int{}
	dependents := map[string][]string{}
	for _, s := range subsystems {
		indegree[s.Name] = 0
	}
	for _, s := range subsystems {
		for _, dep := range s.DependsOn {
			if _, ok := inTier[dep]; !ok {
				continue
			}
			indegree[s.Name]++
			dependents[dep] = append(dependents[dep], s.Name)
		}
	}

	var groups [][]string
	var frontier []string
	for name, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, name)
		}
	}
	placed := 0
	for len(frontier) > 0 {
		sort.Strings(frontier)
		groups = append(groups, frontier)
		placed += len(frontier)
		var next []string
		for _, name := range frontier {
			for _, dep := range dependents[name] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		frontier = next
	}
	if placed != len(subsystems) {
		var stuck []string
		for name, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("%w: involving %v", ErrCyclicDependency, stuck)
	}
	return groups, nil
}
