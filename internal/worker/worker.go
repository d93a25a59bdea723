// Package worker provides the session implementations the CLI runs with:
// outputs come from operator-prepared files rather than a live model call,
// which keeps tier runs reproducible and scriptable.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"covenant/internal/design"
	"covenant/internal/dispatch"
	"covenant/internal/domain"
	"covenant/internal/review"
)

// FileSession resolves each contract to <dir>/<subsystem>.json. Revision
// attempts look for <dir>/<subsystem>.rev<N>.json first and fall back to
// the base file.
type FileSession struct {
	Dir string
	Now func() time.Time
}

func (s FileSession) Execute(ctx context.Context, wc dispatch.WorkContext) (domain.WorkerOutput, error) {
	if err := ctx.Err(); err != nil {
		return domain.WorkerOutput{}, err
	}
	path := filepath.Join(s.Dir, wc.Contract.Subsystem+".json")
	if wc.Contract.Revisions > 0 {
		rev := filepath.Join(s.Dir, fmt.Sprintf("%s.rev%d.json", wc.Contract.Subsystem, wc.Contract.Revisions))
		if _, err := os.Stat(rev); err == nil {
			path = rev
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.WorkerOutput{}, fmt.Errorf("%w: no output file %s", dispatch.ErrWorkerError, path)
		}
		return domain.WorkerOutput{}, err
	}
	var out domain.WorkerOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return domain.WorkerOutput{}, fmt.Errorf("%w: %s: %v", dispatch.ErrWorkerError, path, err)
	}
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	out.ContractID = wc.Contract.ID
	if out.SubmittedAt == "" {
		now := time.Now
		if s.Now != nil {
			now = s.Now
		}
		out.SubmittedAt = now().UTC().Format(time.RFC3339)
	}
	return out, nil
}

// StaticAuthority approves everything the automated checks let through.
// Used when no semantic reviewer is wired in; the policy validator remains
// the only rejection path.
type StaticAuthority struct{}

func (StaticAuthority) AssessSemantics(ctx context.Context, contract domain.TaskContract, output domain.WorkerOutput, slice design.Slice) (review.Assessment, error) {
	return review.Assessment{Verdict: domain.VerdictAccept, Notes: "automated checks passed; no semantic reviewer configured"}, nil
}

func (StaticAuthority) AssessIntegration(ctx context.Context, contract domain.TaskContract, output domain.WorkerOutput, accepted []domain.Artifact) (review.Assessment, error) {
	for _, a := range accepted {
		for _, produced := range output.Artifacts {
			if a.Path == produced.Path && a.ContractID != contract.ID {
				return review.Assessment{
					Verdict:      domain.VerdictRevise,
					Issues:       []string{fmt.Sprintf("%s already produced by contract %s", produced.Path, a.ContractID)},
					Instructions: fmt.Sprintf("artifact %s collides with accepted work; pick a path inside your subsystem", produced.Path),
				}, nil
			}
		}
	}
	return review.Assessment{Verdict: domain.VerdictAccept}, nil
}
