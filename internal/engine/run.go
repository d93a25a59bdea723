package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"covenant/internal/design"
	"covenant/internal/dispatch"
	"covenant/internal/domain"
	"covenant/internal/events"
	"covenant/internal/gate"
	"covenant/internal/policy"
	"covenant/internal/repo"
	"covenant/internal/review"
)

// TierReport summarizes one tier run.
type TierReport struct {
	Tier      int    `json:"tier"`
	Accepted  int    `json:"accepted"`
	Rejected  int    `json:"rejected"`
	Escalated int    `json:"escalated"`
	Skipped   int    `json:"skipped"`
	GateID    string `json:"gate_id,omitempty"`
	GateType  string `json:"gate_type,omitempty"`
}

// RunTier dispatches the current tier's contracts, reviews every output and
// opens the follow-up gate. Accepted work merges into project state as it
// lands; a rerun after an exception picks up where the last run stopped.
func (e Engine) RunTier(ctx context.Context, projectID string, tier int, session dispatch.WorkerSession, authority review.DesignAuthority, actorID string) (TierReport, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return TierReport{}, err
	}
	if p.PendingGateID != nil {
		return TierReport{}, fmt.Errorf("%w: gate %s", ErrGateBlocked, *p.PendingGateID)
	}
	if p.Phase != domain.PhaseBuild {
		return TierReport{}, fmt.Errorf("%w: phase %s", ErrPhase, p.Phase)
	}
	if tier > p.Tier {
		return TierReport{}, fmt.Errorf("%w: tier %d is not unlocked (current tier %d)", dispatch.ErrDependencyUnmet, tier, p.Tier)
	}
	if tier < p.Tier {
		return TierReport{}, fmt.Errorf("tier %d is already complete", tier)
	}

	contracts, err := e.PlanTier(ctx, projectID, tier, actorID)
	if err != nil {
		return TierReport{}, err
	}

	done := map[string]bool{}
	var runnable []domain.TaskContract
	slices := map[string]design.Slice{}
	for _, c := range contracts {
		if c.Status == domain.ContractAccepted {
			done[c.ID] = true
			continue
		}
		if domain.TerminalContract(c.Status) {
			continue
		}
		s, err := sliceOf(c)
		if err != nil {
			return TierReport{}, err
		}
		slices[c.ID] = s
		runnable = append(runnable, c)
	}

	dispatcher := dispatch.Dispatcher{
		Session:          session,
		ConcurrencyLimit: e.Charter.Dispatch.ConcurrencyLimit,
		WorkerTimeout:    time.Duration(e.Charter.Dispatch.WorkerTimeoutSeconds) * time.Second,
		RetryBound:       e.Charter.Dispatch.RetryBound,
	}
	pipeline := review.Pipeline{
		Validator: policy.Validator{Charter: e.Charter},
		Authority: authority,
		Now:       e.Now,
	}

	report := TierReport{Tier: tier}
	handle := func(ctx context.Context, c domain.TaskContract, out domain.WorkerOutput, execErr error) (bool, error) {
		if execErr != nil {
			if errors.Is(execErr, dispatch.ErrDependencyUnmet) {
				report.Skipped++
				return false, e.recordSkip(ctx, c, execErr, actorID)
			}
			report.Escalated++
			return false, e.escalateContract(ctx, &c, execErr.Error(), actorID)
		}
		status, err := e.reviewLoop(ctx, c, out, slices[c.ID], pipeline, dispatcher, actorID)
		if err != nil {
			return false, err
		}
		switch status {
		case domain.ContractAccepted:
			report.Accepted++
			return true, nil
		case domain.ContractRejected:
			report.Rejected++
		case domain.ContractEscalated:
			report.Escalated++
		}
		return false, nil
	}

	if err := dispatcher.Run(ctx, runnable, slices, done, handle); err != nil {
		return report, err
	}

	// reload for the gate decision; accepted counts include earlier runs
	contracts, err = e.Repo.ListContracts(ctx, repo.ContractFilters{ProjectID: projectID, Tier: tier, HasTier: true})
	if err != nil {
		return report, err
	}
	accepted, escalated := 0, 0
	var escalatedSubs []string
	for _, c := range contracts {
		switch c.Status {
		case domain.ContractAccepted:
			accepted++
		case domain.ContractEscalated:
			escalated++
			escalatedSubs = append(escalatedSubs, c.Subsystem)
		}
	}

	var g domain.Gate
	switch {
	case escalated > 0:
		g, err = e.openGate(ctx, projectID, domain.GateException, tier,
			fmt.Sprintf("%d contracts escalated in tier %d", escalated, tier),
			gate.ExceptionOptions(escalatedSubs), actorID)
	case accepted == len(contracts):
		maxTier, mErr := e.approvedMaxTier(ctx, projectID)
		if mErr != nil {
			return report, mErr
		}
		gateType := domain.GateTierComplete
		if tier >= maxTier {
			gateType = domain.GateFinal
		}
		artifactsInTier, aErr := e.tierArtifactCount(ctx, projectID, tier)
		if aErr != nil {
			return report, aErr
		}
		g, err = e.openGate(ctx, projectID, gateType, tier,
			fmt.Sprintf("all %d tier %d contracts accepted", len(contracts), tier),
			gate.TierOptions(tier, maxTier, artifactsInTier), actorID)
	default:
		return report, nil
	}
	if err != nil {
		return report, err
	}
	report.GateID = g.ID
	report.GateType = g.Type
	return report, nil
}

func (e Engine) approvedMaxTier(ctx context.Context, projectID string) (int, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	d, err := e.Repo.ApprovedDesignDocumentTx(ctx, tx, projectID)
	if err != nil {
		return 0, err
	}
	doc, err := design.Parse([]byte(d.BodyYAML))
	if err != nil {
		return 0, err
	}
	return doc.MaxTier(), nil
}

func (e Engine) tierArtifactCount(ctx context.Context, projectID string, tier int) (int, error) {
	artifacts, err := e.Repo.ListArtifacts(ctx, projectID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range artifacts {
		if a.Tier == tier {
			n++
		}
	}
	return n, nil
}

// reviewLoop runs execute-review-act until the contract reaches a terminal
// status. Revisions re-dispatch in place with the verdict's instructions
// appended; the revision counter caps the loop.
func (e Engine) reviewLoop(ctx context.Context, c domain.TaskContract, out domain.WorkerOutput, slice design.Slice, pipeline review.Pipeline, dispatcher dispatch.Dispatcher, actorID string) (string, error) {
	if err := e.markContract(ctx, &c, domain.ContractDispatched, actorID); err != nil {
		return "", err
	}
	for {
		if err := e.markContract(ctx, &c, domain.ContractAwaitingReview, actorID); err != nil {
			return "", err
		}
		acceptedArtifacts, err := e.Repo.ListArtifacts(ctx, c.ProjectID)
		if err != nil {
			return "", err
		}

		if out.ID == "" {
			out.ID = uuid.NewString()
		}
		out.ContractID = c.ID
		if out.SubmittedAt == "" {
			out.SubmittedAt = e.now().UTC().Format(time.RFC3339)
		}
		attempt := c.Revisions + 1
		verdict, err := pipeline.Review(ctx, c, out, slice, acceptedArtifacts, attempt)
		if err != nil {
			return "", err
		}
		if err := e.recordAttempt(ctx, c, out, verdict, actorID); err != nil {
			return "", err
		}

		switch verdict.Decision {
		case domain.VerdictAccept:
			if err := e.mergeAccepted(ctx, &c, out, verdict, actorID); err != nil {
				return "", err
			}
			return domain.ContractAccepted, nil
		case domain.VerdictReject:
			if err := e.closeContract(ctx, &c, domain.ContractRejected, verdictSummary(verdict), actorID); err != nil {
				return "", err
			}
			return domain.ContractRejected, nil
		case domain.VerdictEscalate:
			if err := e.closeContract(ctx, &c, domain.ContractEscalated, verdictSummary(verdict), actorID); err != nil {
				return "", err
			}
			return domain.ContractEscalated, nil
		case domain.VerdictRevise:
			if verdict.FailedStep != nil && c.RollbackPolicy == domain.RollbackCommitPartial {
				if err := e.mergeCompletedSteps(ctx, &c, out, verdict, actorID); err != nil {
					return "", err
				}
			}
			if c.Revisions >= e.Charter.Dispatch.RevisionLimit {
				reason := fmt.Sprintf("revision limit %d reached", e.Charter.Dispatch.RevisionLimit)
				if err := e.closeContract(ctx, &c, domain.ContractEscalated, reason, actorID); err != nil {
					return "", err
				}
				return domain.ContractEscalated, nil
			}
			c.Revisions++
			instr := appendInstruction(c.Instructions, verdict.Instructions)
			c.Instructions = &instr
			if err := e.markContract(ctx, &c, domain.ContractRevised, actorID); err != nil {
				return "", err
			}
			if err := e.markContract(ctx, &c, domain.ContractDispatched, actorID); err != nil {
				return "", err
			}
			fromStep := 0
			if verdict.FailedStep != nil && c.RollbackPolicy == domain.RollbackCommitPartial {
				fromStep = *verdict.FailedStep
			}
			next, err := dispatcher.Execute(ctx, dispatch.WorkContext{
				Contract:     c,
				Slice:        slice,
				Instructions: instr,
				FromStep:     fromStep,
			})
			if err != nil {
				if cErr := e.closeContract(ctx, &c, domain.ContractEscalated, err.Error(), actorID); cErr != nil {
					return "", cErr
				}
				return domain.ContractEscalated, nil
			}
			out = next
		default:
			return "", fmt.Errorf("unknown verdict %q", verdict.Decision)
		}
	}
}

func appendInstruction(existing *string, instruction string) string {
	if existing == nil || *existing == "" {
		return instruction
	}
	if instruction == "" {
		return *existing
	}
	return *existing + "\n" + instruction
}

func verdictSummary(v domain.ReviewVerdict) string {
	for _, c := range v.Checks {
		if !c.Passed {
			return fmt.Sprintf("%s: %s", c.Code, c.Detail)
		}
	}
	if v.SemanticNotes != "" {
		return v.SemanticNotes
	}
	if len(v.IntegrationIssues) > 0 {
		return strings.Join(v.IntegrationIssues, "; ")
	}
	return v.Decision
}

// markContract applies one lifecycle transition with its journal entry.
func (e Engine) markContract(ctx context.Context, c *domain.TaskContract, newStatus, actorID string) error {
	if err := domain.EnsureContractTransition(c.Status, newStatus); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	c.Status = newStatus
	c.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateContractProgress(ctx, tx, *c); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "contract.status", c.ProjectID, "contract", c.ID, actorID, events.EventPayload{"status": newStatus}); err != nil {
		return err
	}
	return tx.Commit()
}

// closeContract moves a contract to a terminal status and records why.
func (e Engine) closeContract(ctx context.Context, c *domain.TaskContract, status, reason, actorID string) error {
	if err := domain.EnsureContractTransition(c.Status, status); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	c.Status = status
	c.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateContractProgress(ctx, tx, *c); err != nil {
		return err
	}
	if _, err := e.appendDecision(ctx, tx, c.ProjectID, "design-authority", "contract-"+status,
		fmt.Sprintf("contract %s (%s) %s: %s", c.ID, c.Subsystem, status, reason), "", "", "contract:"+c.ID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "contract."+status, c.ProjectID, "contract", c.ID, actorID, events.EventPayload{"reason": reason}); err != nil {
		return err
	}
	return tx.Commit()
}

// escalateContract handles dispatch-level failures (timeouts after retries,
// worker errors) that never produced a reviewable output.
func (e Engine) escalateContract(ctx context.Context, c *domain.TaskContract, reason, actorID string) error {
	if c.Status == domain.ContractQueued || c.Status == domain.ContractRevised {
		if err := e.markContract(ctx, c, domain.ContractDispatched, actorID); err != nil {
			return err
		}
	}
	return e.closeContract(ctx, c, domain.ContractEscalated, reason, actorID)
}

func (e Engine) recordSkip(ctx context.Context, c domain.TaskContract, cause error, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "contract.skip", c.ProjectID, "contract", c.ID, actorID, events.EventPayload{"reason": cause.Error()}); err != nil {
		return err
	}
	return tx.Commit()
}

// recordAttempt persists one output, its verdict and any reported usage.
func (e Engine) recordAttempt(ctx context.Context, c domain.TaskContract, out domain.WorkerOutput, verdict domain.ReviewVerdict, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertWorkerOutput(ctx, tx, out); err != nil {
		return err
	}
	if err := e.Repo.InsertVerdict(ctx, tx, verdict); err != nil {
		return err
	}
	for _, u := range out.Usage {
		u.ProjectID = c.ProjectID
		if u.TaskID == "" {
			u.TaskID = c.ID
		}
		if u.Tier == 0 {
			u.Tier = c.Tier
		}
		if u.Role == "" {
			u.Role = "worker"
		}
		if u.TS == "" {
			u.TS = e.now().UTC().Format(time.RFC3339)
		}
		if err := e.Repo.InsertUsage(ctx, tx, u); err != nil {
			return err
		}
	}
	if err := e.Events.Append(ctx, tx, "contract.review", c.ProjectID, "verdict", verdict.ID, actorID, events.EventPayload{"decision": verdict.Decision, "attempt": verdict.Attempt}); err != nil {
		return err
	}
	return tx.Commit()
}

// mergeAccepted writes the accepted artifacts and the decision they link to.
// The merge goes through the versioned mutation path, so two contracts
// finishing at once serialize instead of overwriting each other.
func (e Engine) mergeAccepted(ctx context.Context, c *domain.TaskContract, out domain.WorkerOutput, verdict domain.ReviewVerdict, actorID string) error {
	err := e.State.MutateRetry(ctx, c.ProjectID, e.mutateRetries(), func(ctx context.Context, tx *sql.Tx, p *domain.Project) error {
		d, err := e.appendDecision(ctx, tx, p.ID, "design-authority", "task-accepted",
			fmt.Sprintf("contract %s (%s) accepted on attempt %d", c.ID, c.Subsystem, verdict.Attempt),
			verdict.SemanticNotes, "", "verdict:"+verdict.ID)
		if err != nil {
			return err
		}
		if err := e.insertArtifacts(ctx, tx, p.ID, *c, out.Artifacts, verdict.ID, d.ID, actorID); err != nil {
			return err
		}
		if err := domain.EnsureContractTransition(c.Status, domain.ContractAccepted); err != nil {
			return err
		}
		c.Status = domain.ContractAccepted
		c.UpdatedAt = e.now().UTC().Format(time.RFC3339)
		if err := e.Repo.UpdateContractProgress(ctx, tx, *c); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "contract.accept", p.ID, "contract", c.ID, actorID, nil)
	})
	return err
}

// mergeCompletedSteps applies the artifacts of steps that finished before
// the failure point. Under commit_partial those artifacts are project state
// the moment their step completes; the re-dispatch resumes after them.
func (e Engine) mergeCompletedSteps(ctx context.Context, c *domain.TaskContract, out domain.WorkerOutput, verdict domain.ReviewVerdict, actorID string) error {
	var kept []domain.OutputArtifact
	for _, a := range out.Artifacts {
		if a.Step > 0 && a.Step < *verdict.FailedStep {
			kept = append(kept, a)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return e.State.MutateRetry(ctx, c.ProjectID, e.mutateRetries(), func(ctx context.Context, tx *sql.Tx, p *domain.Project) error {
		d, err := e.appendDecision(ctx, tx, p.ID, "design-authority", "steps-committed",
			fmt.Sprintf("contract %s (%s) committed %d artifacts from steps before step %d", c.ID, c.Subsystem, len(kept), *verdict.FailedStep),
			verdict.Instructions, "", "verdict:"+verdict.ID)
		if err != nil {
			return err
		}
		return e.insertArtifacts(ctx, tx, p.ID, *c, kept, verdict.ID, d.ID, actorID)
	})
}

// insertArtifacts records produced artifacts, superseding any earlier
// artifact at the same path.
func (e Engine) insertArtifacts(ctx context.Context, tx *sql.Tx, projectID string, c domain.TaskContract, produced []domain.OutputArtifact, verdictID, decisionID, actorID string) error {
	existing, err := e.Repo.ListArtifactsTx(ctx, tx, projectID)
	if err != nil {
		return err
	}
	latestByPath := map[string]string{}
	for _, a := range existing {
		latestByPath[a.Path] = a.ID
	}
	now := e.now().UTC().Format(time.RFC3339)
	for _, out := range produced {
		a := domain.Artifact{
			ID:         uuid.NewString(),
			ProjectID:  projectID,
			Path:       out.Path,
			ContractID: c.ID,
			Tier:       c.Tier,
			Subsystem:  c.Subsystem,
			VerdictID:  verdictID,
			DecisionID: decisionID,
			CreatedAt:  now,
		}
		if prev, ok := latestByPath[out.Path]; ok {
			a.SupersedesID = &prev
		}
		if err := e.Repo.InsertArtifact(ctx, tx, a); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "artifact.merge", projectID, "artifact", a.ID, actorID, events.EventPayload{"path": a.Path, "contract": c.ID}); err != nil {
			return err
		}
	}
	return nil
}

// openGate activates a gate, enforcing the one-pending-gate invariant.
func (e Engine) openGate(ctx context.Context, projectID, gateType string, tier int, trigger string, options []domain.GateOption, actorID string) (domain.Gate, error) {
	var g domain.Gate
	err := e.State.MutateRetry(ctx, projectID, e.mutateRetries(), func(ctx context.Context, tx *sql.Tx, p *domain.Project) error {
		if p.PendingGateID != nil {
			return fmt.Errorf("%w: gate %s", gate.ErrGatePending, *p.PendingGateID)
		}
		var err error
		g, err = gate.New(projectID, gateType, tier, trigger, options, e.now())
		if err != nil {
			return err
		}
		if err := e.Repo.InsertGate(ctx, tx, g); err != nil {
			return err
		}
		p.PendingGateID = &g.ID
		return e.Events.Append(ctx, tx, "gate.open", projectID, "gate", g.ID, actorID, events.EventPayload{"type": gateType, "trigger": trigger})
	})
	if err != nil {
		return domain.Gate{}, err
	}
	return g, nil
}
