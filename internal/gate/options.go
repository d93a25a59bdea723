package gate

import (
	"fmt"

	"covenant/internal/design"
	"covenant/internal/domain"
)

// VisionOptions builds the choices for the vision-confirmed gate opened at
// project creation.
func VisionOptions(doc *design.Document) []domain.GateOption {
	tiers := doc.MaxTier()
	return []domain.GateOption{
		{
			Letter:       "A",
			Name:         "build-as-designed",
			Recommended:  true,
			Summary:      fmt.Sprintf("Approve the design document and start tier 1 of %d", tiers),
			OptimizesFor: []string{"momentum", "design fidelity"},
			Consequences: domain.Consequences{
				Immediate:  []string{"design document approved at version 1", "tier 1 planning unlocked"},
				Downstream: []string{fmt.Sprintf("%d subsystems will be contracted across %d tiers", len(doc.Subsystems), tiers)},
				LongTerm:   []string{"later scope changes go through scope-change gates"},
			},
			Risk:     "low",
			Timeline: "immediate",
		},
		{
			Letter:       "B",
			Name:         "narrow-first-tier",
			Summary:      "Approve the design but ask for a reduced tier 1 before building",
			OptimizesFor: []string{"early feedback"},
			Costs:        []string{"a design revision cycle before any build work"},
			Consequences: domain.Consequences{
				Immediate:  []string{"a revised design document version is requested"},
				Downstream: []string{"tier 1 contracts shrink; later tiers absorb the deferred subsystems"},
			},
			Risk: "low",
		},
		{
			Letter:       "C",
			Name:         "hold",
			Summary:      "Keep the project in the design phase pending further vision work",
			OptimizesFor: []string{"certainty"},
			Costs:        []string{"no build progress"},
			Consequences: domain.Consequences{
				Immediate: []string{"project stays in design"},
			},
			Risk: "none",
		},
	}
}

// TierOptions builds the choices for a tier-complete gate.
func TierOptions(tier, maxTier, acceptedArtifacts int) []domain.GateOption {
	next := tier + 1
	options := []domain.GateOption{
		{
			Letter:       "A",
			Name:         fmt.Sprintf("proceed-to-tier-%d", next),
			Recommended:  true,
			Summary:      fmt.Sprintf("Accept tier %d (%d artifacts) and unlock tier %d", tier, acceptedArtifacts, next),
			OptimizesFor: []string{"momentum"},
			Consequences: domain.Consequences{
				Immediate:  []string{fmt.Sprintf("tier %d approved for planning", next)},
				Downstream: []string{fmt.Sprintf("tier %d contracts build on tier %d artifacts", next, tier)},
			},
			Risk:     "low",
			Timeline: "immediate",
		},
		{
			Letter:       "B",
			Name:         "review-before-proceeding",
			Summary:      fmt.Sprintf("Hold at tier %d for a manual review of the accepted artifacts", tier),
			OptimizesFor: []string{"quality"},
			Costs:        []string{"build pause until the review lands"},
			Consequences: domain.Consequences{
				Immediate: []string{"project stays at the current tier"},
			},
			Risk: "none",
		},
	}
	if next > maxTier {
		options[0] = domain.GateOption{
			Letter:       "A",
			Name:         "close-out",
			Recommended:  true,
			Summary:      fmt.Sprintf("Accept the final tier %d and move the project to validation", tier),
			OptimizesFor: []string{"completion"},
			Consequences: domain.Consequences{
				Immediate: []string{"project enters the validation phase"},
				LongTerm:  []string{"further work requires a scope-change gate"},
			},
			Risk:     "low",
			Timeline: "immediate",
		}
	}
	return options
}

// ScopeChangeOptions builds the choices for a scope-change gate opened by a
// design revision.
func ScopeChangeOptions(version int) []domain.GateOption {
	return []domain.GateOption{
		{
			Letter:       "A",
			Name:         "adopt-revision",
			Recommended:  true,
			Summary:      fmt.Sprintf("Approve design document v%d as the new authority", version),
			OptimizesFor: []string{"design fidelity"},
			Consequences: domain.Consequences{
				Immediate:  []string{fmt.Sprintf("v%d becomes the approved design", version)},
				Downstream: []string{"unplanned tiers follow the revised subsystem set"},
				LongTerm:   []string{"already accepted artifacts keep their lineage to earlier versions"},
			},
			Risk: "low",
		},
		{
			Letter:       "B",
			Name:         "keep-current",
			Summary:      fmt.Sprintf("Reject v%d and keep building against the current approved design", version),
			OptimizesFor: []string{"stability"},
			Costs:        []string{"the revision effort is shelved"},
			Consequences: domain.Consequences{
				Immediate: []string{"the draft stays recorded but inert"},
			},
			Risk: "none",
		},
	}
}

// ExceptionOptions builds the choices for an exception gate opened when
// contracts escalate out of the review loop.
func ExceptionOptions(subsystems []string) []domain.GateOption {
	return []domain.GateOption{
		{
			Letter:       "A",
			Name:         "replan-escalated",
			Recommended:  true,
			Summary:      fmt.Sprintf("Reset the %d escalated contracts to queued for another run", len(subsystems)),
			OptimizesFor: []string{"recovery"},
			Consequences: domain.Consequences{
				Immediate:  []string{"escalated contracts return to the queue with their revision history intact"},
				Downstream: []string{"dependent contracts wait on the rerun"},
			},
			Risk: "medium",
		},
		{
			Letter:       "B",
			Name:         "revise-design",
			Summary:      "Treat the escalations as a design fault and open a design revision",
			OptimizesFor: []string{"root cause"},
			Costs:        []string{"a new design document version and re-approval"},
			Consequences: domain.Consequences{
				Immediate:  []string{"project returns to the design phase", "escalated contracts requeue"},
				Downstream: []string{"build resumes at this tier once a revised design is adopted"},
			},
			Risk: "medium",
		},
		{
			Letter:       "C",
			Name:         "drop-subsystems",
			Summary:      fmt.Sprintf("Abandon the escalated subsystems (%v) for this tier", subsystems),
			OptimizesFor: []string{"schedule"},
			Costs:        []string{"declared functionality is cut"},
			Consequences: domain.Consequences{
				Immediate:  []string{"escalated contracts are closed as rejected"},
				Downstream: []string{"contracts depending on them are cut too"},
				LongTerm:   []string{"the design document no longer matches the built system until revised"},
			},
			Risk: "high",
		},
	}
}
