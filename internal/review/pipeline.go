// Package review runs the three review stages over a worker output and
// composes the verdict. Stage one is the automated policy check; a failure
// there rejects without consulting the design authority at all.
package review

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"covenant/internal/design"
	"covenant/internal/domain"
	"covenant/internal/policy"
)

// Assessment is what the design authority returns for the semantic and
// integration stages.
type Assessment struct {
	Verdict      string // accept | reject | revise | escalate
	Notes        string
	Instructions string
	Issues       []string
}

// DesignAuthority is the pluggable semantic reviewer. Like worker sessions
// it is an opaque external collaborator.
type DesignAuthority interface {
	// AssessSemantics judges design coherence, interface correctness and
	// completeness of one output against its contract.
	AssessSemantics(ctx context.Context, contract domain.TaskContract, output domain.WorkerOutput, slice design.Slice) (Assessment, error)
	// AssessIntegration checks the proposed artifacts against artifacts the
	// project has already accepted.
	AssessIntegration(ctx context.Context, contract domain.TaskContract, output domain.WorkerOutput, accepted []domain.Artifact) (Assessment, error)
}

type Pipeline struct {
	Validator policy.Validator
	Authority DesignAuthority
	Now       func() time.Time
}

func (p Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Review produces the verdict for one output attempt. The automated stage
// always runs first; incomplete items fold into it and reject, while open
// questions escalate once the checks are on record.
func (p Pipeline) Review(ctx context.Context, contract domain.TaskContract, output domain.WorkerOutput, slice design.Slice, acceptedArtifacts []domain.Artifact, attempt int) (domain.ReviewVerdict, error) {
	v := domain.ReviewVerdict{
		ID:         uuid.NewString(),
		ProjectID:  contract.ProjectID,
		ContractID: contract.ID,
		Attempt:    attempt,
		CreatedAt:  p.now().UTC().Format(time.RFC3339),
	}
	v.FailedStep = output.FailedStep
	if output.FailedStep != nil {
		v.RollbackPolicy = contract.RollbackPolicy
	}

	v.Checks = p.Validator.Validate(output, contract, slice)
	// a failed step necessarily leaves the later steps incomplete; the
	// resume path owns those, not the completeness check
	if output.FailedStep == nil && len(output.Incomplete) > 0 {
		v.Checks = append(v.Checks, domain.CheckResult{
			Name:   "completeness",
			Passed: false,
			Code:   "INCOMPLETE_OUTPUT",
			Detail: fmt.Sprintf("worker reported %d incomplete items", len(output.Incomplete)),
		})
	}
	if !policy.Passed(v.Checks) {
		v.Decision = domain.VerdictReject
		return v, nil
	}

	if len(output.Questions) > 0 {
		v.Decision = domain.VerdictEscalate
		v.SemanticNotes = "worker raised questions needing a design decision"
		return v, nil
	}

	// a failed step with clean checks means the completed steps stand and
	// the remainder is re-dispatched
	if output.FailedStep != nil {
		v.Decision = domain.VerdictRevise
		v.Instructions = resumeInstruction(*output.FailedStep, contract.RollbackPolicy)
		return v, nil
	}

	sem, err := p.Authority.AssessSemantics(ctx, contract, output, slice)
	if err != nil {
		return v, err
	}
	v.SemanticNotes = sem.Notes
	if sem.Verdict != domain.VerdictAccept {
		v.Decision = sem.Verdict
		v.Instructions = sem.Instructions
		return v, nil
	}

	integ, err := p.Authority.AssessIntegration(ctx, contract, output, acceptedArtifacts)
	if err != nil {
		return v, err
	}
	v.IntegrationIssues = integ.Issues
	if integ.Verdict != domain.VerdictAccept {
		// integration conflicts never hard-reject; they revise or escalate
		v.Decision = integ.Verdict
		if v.Decision == domain.VerdictReject {
			v.Decision = domain.VerdictRevise
		}
		v.Instructions = integ.Instructions
		return v, nil
	}

	v.Decision = domain.VerdictAccept
	return v, nil
}

func resumeInstruction(failedStep int, rollbackPolicy string) string {
	if rollbackPolicy == domain.RollbackDiscardAll {
		return fmt.Sprintf("step %d failed; all steps discarded, restart from step 1", failedStep)
	}
	return fmt.Sprintf("step %d failed; earlier steps kept, resume from step %d", failedStep, failedStep)
}
