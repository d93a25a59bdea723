package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"covenant/internal/config"
	"covenant/internal/decompose"
	"covenant/internal/design"
	"covenant/internal/domain"
	"covenant/internal/events"
	"covenant/internal/gate"
	"covenant/internal/lineage"
	"covenant/internal/repo"
	"covenant/internal/state"
)

var (
	ErrGateBlocked = errors.New("a pending gate blocks this operation")
	ErrPhase       = errors.New("operation not valid in the current phase")
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	State   state.Store
	Charter *config.Charter
	Now     func() time.Time
}

func New(db *sql.DB, charter *config.Charter) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:      db,
		Repo:    r,
		Events:  events.Writer{DB: db},
		State:   state.Store{DB: db, Repo: r},
		Charter: charter,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) mutateRetries() int {
	if e.Charter != nil && e.Charter.State.MutateRetries > 0 {
		return e.Charter.State.MutateRetries
	}
	return 1
}

// InitProject creates a project from a design document and opens the
// vision-confirmed gate. The project starts in the design phase; nothing
// can be planned until the gate clears.
func (e Engine) InitProject(ctx context.Context, projectID, name string, designYAML []byte, actorID string) (domain.Project, domain.Gate, error) {
	doc, err := design.Parse(designYAML)
	if err != nil {
		return domain.Project{}, domain.Gate{}, err
	}
	if projectID == "" {
		projectID = doc.Project
	}
	if name == "" {
		name = doc.Project
	}

	g, err := gate.New(projectID, domain.GateVisionConfirmed, 0, "project created", gate.VisionOptions(doc), e.now())
	if err != nil {
		return domain.Project{}, domain.Gate{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, domain.Gate{}, err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	p := domain.Project{
		ID:            projectID,
		Name:          name,
		Phase:         domain.PhaseDesign,
		Tier:          0,
		Version:       1,
		PendingGateID: &g.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, domain.Gate{}, fmt.Errorf("insert project: %w", err)
	}
	d := domain.DesignDocument{
		ProjectID: projectID,
		Version:   1,
		Status:    "draft",
		BodyYAML:  string(designYAML),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Repo.InsertDesignDocument(ctx, tx, d); err != nil {
		return domain.Project{}, domain.Gate{}, fmt.Errorf("insert design document: %w", err)
	}
	if err := e.Repo.UpsertCharterTx(ctx, tx, projectID, config.Default(projectID)); err != nil {
		return domain.Project{}, domain.Gate{}, fmt.Errorf("insert charter: %w", err)
	}
	root := domain.Decision{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		TS:          now,
		Actor:       "human",
		Type:        "project-created",
		Description: fmt.Sprintf("project %s created from design document v1", projectID),
		DesignRef:   designRef(projectID, 1),
	}
	if err := e.Repo.InsertDecision(ctx, tx, root); err != nil {
		return domain.Project{}, domain.Gate{}, fmt.Errorf("insert root decision: %w", err)
	}
	if err := e.Repo.InsertGate(ctx, tx, g); err != nil {
		return domain.Project{}, domain.Gate{}, fmt.Errorf("insert gate: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "project.init", projectID, "project", projectID, actorID, events.EventPayload{"phase": p.Phase}); err != nil {
		return domain.Project{}, domain.Gate{}, err
	}
	if err := e.Events.Append(ctx, tx, "gate.open", projectID, "gate", g.ID, actorID, events.EventPayload{"type": g.Type}); err != nil {
		return domain.Project{}, domain.Gate{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, domain.Gate{}, err
	}
	return p, g, nil
}

func designRef(projectID string, version int) string {
	return fmt.Sprintf("design:%s:v%d", projectID, version)
}

// ImportCharter replaces the stored charter for a project.
func (e Engine) ImportCharter(ctx context.Context, projectID string, charter *config.Charter, actorID string) error {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertCharterTx(ctx, tx, projectID, charter); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "charter.import", projectID, "charter", projectID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// ResolveGate applies a human response to a pending gate and performs the
// phase or tier advancement the resolution implies. Resolution is single
// shot; a resolved gate rejects further responses.
func (e Engine) ResolveGate(ctx context.Context, gateID string, resp domain.GateResponse) (domain.Gate, error) {
	g, err := e.Repo.GetGate(ctx, gateID)
	if err != nil {
		return domain.Gate{}, err
	}
	var resolved domain.Gate
	err = e.State.MutateRetry(ctx, g.ProjectID, e.mutateRetries(), func(ctx context.Context, tx *sql.Tx, p *domain.Project) error {
		cur, err := e.Repo.GetGateTx(ctx, tx, gateID)
		if err != nil {
			return err
		}
		var reopen bool
		resolved, reopen, err = gate.Resolve(cur, resp, e.now())
		if err != nil {
			return err
		}
		if err := e.Repo.ResolveGate(ctx, tx, resolved); err != nil {
			return err
		}
		p.PendingGateID = nil

		if resolved.Status == domain.GateApproved {
			if err := e.applyApproval(ctx, tx, p, resolved); err != nil {
				return err
			}
		}
		if reopen {
			fresh, err := gate.New(p.ID, resolved.Type, resolved.Tier,
				fmt.Sprintf("different options requested: %s", resp.Feedback), resolved.Options, e.now())
			if err != nil {
				return err
			}
			if err := e.Repo.InsertGate(ctx, tx, fresh); err != nil {
				return err
			}
			p.PendingGateID = &fresh.ID
			if err := e.Events.Append(ctx, tx, "gate.open", p.ID, "gate", fresh.ID, resp.ActorID, events.EventPayload{"type": fresh.Type, "reopened_from": resolved.ID}); err != nil {
				return err
			}
		}

		if _, err := e.appendDecision(ctx, tx, p.ID, "human", "gate-resolution", gate.Describe(resolved), resp.Feedback, "", "gate:"+resolved.ID); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "gate.resolve", p.ID, "gate", resolved.ID, resp.ActorID, events.EventPayload{"status": resolved.Status, "kind": resp.Kind})
	})
	if err != nil {
		return domain.Gate{}, err
	}
	return resolved, nil
}

// chosenOption returns the option letter the resolution acted on. Combined
// resolutions act on the proceed option when it is part of the mix;
// revise_and_proceed always acts on the recommended option.
func chosenOption(g domain.Gate) string {
	if g.Response == nil {
		return ""
	}
	switch g.Response.Kind {
	case domain.ResponseChoose, domain.ResponseChooseModified:
		return g.Response.SelectedOption
	case domain.ResponseCombine:
		for _, letter := range g.Response.CombinedOptions {
			if letter == "A" {
				return "A"
			}
		}
		if len(g.Response.CombinedOptions) > 0 {
			return g.Response.CombinedOptions[0]
		}
	case domain.ResponseReviseProceed:
		for _, opt := range g.Options {
			if opt.Recommended {
				return opt.Letter
			}
		}
	}
	return ""
}

// applyApproval advances project state for an approved gate, honoring the
// consequence projection of the option the human picked: hold options leave
// the project where it is.
func (e Engine) applyApproval(ctx context.Context, tx *sql.Tx, p *domain.Project, g domain.Gate) error {
	switch g.Type {
	case domain.GateVisionConfirmed:
		if opt := chosenOption(g); opt != "" && opt != "A" {
			// narrow-first-tier and hold both stay in design; a revised
			// design adopted through a scope-change gate confirms the
			// vision later
			return nil
		}
		d, err := e.Repo.LatestDesignDocumentTx(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		d.Status = "approved"
		d.ApprovedTier = 1
		d.UpdatedAt = e.now().UTC().Format(time.RFC3339)
		if err := e.Repo.UpdateDesignDocument(ctx, tx, d); err != nil {
			return err
		}
		p.Phase = domain.PhaseBuild
		p.Tier = 1
	case domain.GateTierComplete:
		if opt := chosenOption(g); opt == "B" {
			// review-before-proceeding: stay at the tier; rerunning it
			// reopens this gate once the review lands
			return nil
		}
		d, err := e.Repo.ApprovedDesignDocumentTx(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		doc, err := design.Parse([]byte(d.BodyYAML))
		if err != nil {
			return err
		}
		next := g.Tier + 1
		if next > doc.MaxTier() {
			p.Phase = domain.PhaseValidation
			return nil
		}
		d.ApprovedTier = next
		d.UpdatedAt = e.now().UTC().Format(time.RFC3339)
		if err := e.Repo.UpdateDesignDocument(ctx, tx, d); err != nil {
			return err
		}
		p.Tier = next
	case domain.GateFinal:
		if opt := chosenOption(g); opt == "B" {
			return nil
		}
		p.Phase = domain.PhaseValidation
	case domain.GateScopeChange:
		if chosenOption(g) == "B" {
			// keep-current: the draft stays recorded but is not adopted
			return nil
		}
		d, err := e.Repo.LatestDesignDocumentTx(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		if d.Status != "approved" {
			d.Status = "approved"
			if p.Tier == 0 && d.ApprovedTier < 1 {
				d.ApprovedTier = 1
			}
			d.UpdatedAt = e.now().UTC().Format(time.RFC3339)
			if err := e.Repo.UpdateDesignDocument(ctx, tx, d); err != nil {
				return err
			}
		}
		// adopting a design while still in the design phase confirms the
		// vision; an exception recovery re-enters build at its old tier
		if p.Phase == domain.PhaseDesign {
			p.Phase = domain.PhaseBuild
			if p.Tier == 0 {
				p.Tier = 1
			}
		}
	case domain.GateException:
		return e.applyExceptionApproval(ctx, tx, p, g)
	}
	return nil
}

// applyExceptionApproval acts on the chosen recovery for escalated contracts.
func (e Engine) applyExceptionApproval(ctx context.Context, tx *sql.Tx, p *domain.Project, g domain.Gate) error {
	if g.Response == nil {
		return nil
	}
	var target string
	switch chosenOption(g) {
	case "A":
		target = domain.ContractQueued
	case "B":
		// design fault: requeue the escalated work and drop back to the
		// design phase; a revised design adopted through the scope-change
		// flow re-enters build at this tier
		target = domain.ContractQueued
		p.Phase = domain.PhaseDesign
	case "C":
		target = domain.ContractRejected
	}
	if target == "" {
		return nil
	}
	escalated, err := e.Repo.ListContracts(ctx, repo.ContractFilters{ProjectID: p.ID, Tier: g.Tier, HasTier: true, Status: domain.ContractEscalated})
	if err != nil {
		return err
	}
	now := e.now().UTC().Format(time.RFC3339)
	for _, c := range escalated {
		c.Status = target
		c.UpdatedAt = now
		if err := e.Repo.UpdateContractProgress(ctx, tx, c); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "contract.reset", p.ID, "contract", c.ID, g.Response.ActorID, events.EventPayload{"status": target}); err != nil {
			return err
		}
	}
	return nil
}

// ReviseDesign stores a new draft design document version and opens a
// scope-change gate for it.
func (e Engine) ReviseDesign(ctx context.Context, projectID string, designYAML []byte, actorID string) (domain.DesignDocument, domain.Gate, error) {
	if _, err := design.Parse(designYAML); err != nil {
		return domain.DesignDocument{}, domain.Gate{}, err
	}
	var doc domain.DesignDocument
	var g domain.Gate
	err := e.State.MutateRetry(ctx, projectID, e.mutateRetries(), func(ctx context.Context, tx *sql.Tx, p *domain.Project) error {
		if p.PendingGateID != nil {
			return fmt.Errorf("%w: gate %s", ErrGateBlocked, *p.PendingGateID)
		}
		prev, err := e.Repo.LatestDesignDocumentTx(ctx, tx, projectID)
		if err != nil {
			return err
		}
		now := e.now().UTC().Format(time.RFC3339)
		doc = domain.DesignDocument{
			ProjectID:    projectID,
			Version:      prev.Version + 1,
			Status:       "draft",
			ApprovedTier: prev.ApprovedTier,
			BodyYAML:     string(designYAML),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := e.Repo.InsertDesignDocument(ctx, tx, doc); err != nil {
			return err
		}
		g, err = gate.New(projectID, domain.GateScopeChange, p.Tier,
			fmt.Sprintf("design revision v%d submitted", doc.Version), gate.ScopeChangeOptions(doc.Version), e.now())
		if err != nil {
			return err
		}
		if err := e.Repo.InsertGate(ctx, tx, g); err != nil {
			return err
		}
		p.PendingGateID = &g.ID
		if _, err := e.appendDecision(ctx, tx, projectID, "human", "design-revision",
			fmt.Sprintf("design document revised to v%d", doc.Version), "", designRef(projectID, doc.Version), ""); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "design.revise", projectID, "design", fmt.Sprintf("v%d", doc.Version), actorID, nil); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "gate.open", projectID, "gate", g.ID, actorID, events.EventPayload{"type": g.Type})
	})
	if err != nil {
		return domain.DesignDocument{}, domain.Gate{}, err
	}
	return doc, g, nil
}

// PlanTier emits the task contracts for one tier. Planning is idempotent:
// contract identifiers derive from project, tier and subsystem, and an
// already planned tier returns its existing contracts.
func (e Engine) PlanTier(ctx context.Context, projectID string, tier int, actorID string) ([]domain.TaskContract, error) {
	existing, err := e.Repo.ListContracts(ctx, repo.ContractFilters{ProjectID: projectID, Tier: tier, HasTier: true})
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing, nil
	}

	var contracts []domain.TaskContract
	err = e.State.MutateRetry(ctx, projectID, e.mutateRetries(), func(ctx context.Context, tx *sql.Tx, p *domain.Project) error {
		contracts = nil
		if p.PendingGateID != nil {
			return fmt.Errorf("%w: gate %s", ErrGateBlocked, *p.PendingGateID)
		}
		if p.Phase != domain.PhaseBuild {
			return fmt.Errorf("%w: phase %s", ErrPhase, p.Phase)
		}
		d, err := e.Repo.ApprovedDesignDocumentTx(ctx, tx, projectID)
		if err != nil {
			return err
		}
		doc, err := design.Parse([]byte(d.BodyYAML))
		if err != nil {
			return err
		}
		planner := decompose.Planner{Now: e.Now}
		contracts, err = planner.Plan(doc, projectID, tier, d.ApprovedTier)
		if err != nil {
			return err
		}
		for _, c := range contracts {
			if err := e.Repo.InsertContract(ctx, tx, c); err != nil {
				return fmt.Errorf("insert contract %s: %w", c.Subsystem, err)
			}
		}
		if _, err := e.appendDecision(ctx, tx, projectID, "design-authority", "tier-planned",
			fmt.Sprintf("tier %d planned: %d contracts", tier, len(contracts)), "", designRef(projectID, d.Version), ""); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "tier.plan", projectID, "tier", fmt.Sprintf("%d", tier), actorID, events.EventPayload{"contracts": len(contracts)})
	})
	if err != nil {
		return nil, err
	}
	return contracts, nil
}

// appendDecision chains a new record onto the project's decision log.
func (e Engine) appendDecision(ctx context.Context, tx *sql.Tx, projectID, actor, dtype, description, rationale, dRef, pRef string) (domain.Decision, error) {
	d := domain.Decision{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		TS:          e.now().UTC().Format(time.RFC3339),
		Actor:       actor,
		Type:        dtype,
		Description: description,
		Rationale:   rationale,
		DesignRef:   dRef,
		PolicyRef:   pRef,
	}
	parent, err := e.Repo.LatestDecisionTx(ctx, tx, projectID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return d, err
		}
	} else {
		d.ParentID = &parent.ID
	}
	return d, e.Repo.InsertDecision(ctx, tx, d)
}

// StatusReport is the operator-facing project summary.
type StatusReport struct {
	Project       domain.Project `json:"project"`
	DesignVersion int            `json:"design_version"`
	DesignStatus  string         `json:"design_status"`
	ApprovedTier  int            `json:"approved_tier"`
	Contracts     map[string]int `json:"contracts"`
	PendingGate   *domain.Gate   `json:"pending_gate,omitempty"`
	Artifacts     int            `json:"artifacts"`
	Decisions     int            `json:"decisions"`
	EstimatedCost float64        `json:"estimated_cost"`
}

func (e Engine) Status(ctx context.Context, projectID string) (StatusReport, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return StatusReport{}, err
	}
	report := StatusReport{Project: p}
	if d, err := e.Repo.LatestDesignDocument(ctx, projectID); err == nil {
		report.DesignVersion = d.Version
		report.DesignStatus = d.Status
		report.ApprovedTier = d.ApprovedTier
	} else if !errors.Is(err, repo.ErrNotFound) {
		return StatusReport{}, err
	}
	if report.Contracts, err = e.Repo.CountContractsByStatus(ctx, projectID); err != nil {
		return StatusReport{}, err
	}
	if p.PendingGateID != nil {
		g, err := e.Repo.GetGate(ctx, *p.PendingGateID)
		if err != nil {
			return StatusReport{}, err
		}
		report.PendingGate = &g
	}
	if report.Artifacts, err = e.Repo.CountArtifacts(ctx, projectID); err != nil {
		return StatusReport{}, err
	}
	if report.Decisions, err = e.Repo.CountDecisions(ctx, projectID); err != nil {
		return StatusReport{}, err
	}
	costs, err := e.tracer().Costs(ctx, projectID)
	if err != nil {
		return StatusReport{}, err
	}
	report.EstimatedCost = costs.Total.EstimatedCost
	return report, nil
}

func (e Engine) tracer() lineage.Tracer {
	return lineage.Tracer{Repo: e.Repo}
}

// Trace walks an artifact's decision chain back to its design element.
func (e Engine) Trace(ctx context.Context, artifactID string) ([]domain.Decision, error) {
	return e.tracer().Trace(ctx, artifactID)
}

// VerifyLineage traces every artifact of a project.
func (e Engine) VerifyLineage(ctx context.Context, projectID string) error {
	return e.tracer().Verify(ctx, projectID)
}

func (e Engine) Decisions(ctx context.Context, projectID string) ([]domain.Decision, error) {
	return e.Repo.ListDecisions(ctx, projectID)
}

func (e Engine) Costs(ctx context.Context, projectID string) (lineage.CostReport, error) {
	return e.tracer().Costs(ctx, projectID)
}

func sliceOf(c domain.TaskContract) (design.Slice, error) {
	var s design.Slice
	if err := json.Unmarshal([]byte(c.SliceJSON), &s); err != nil {
		return s, fmt.Errorf("contract %s slice: %w", c.ID, err)
	}
	return s, nil
}
