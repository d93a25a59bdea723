package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"covenant/internal/dispatch"
	"covenant/internal/domain"
	"covenant/internal/worker"
)

func writeOutput(t *testing.T, dir, name string, out domain.WorkerOutput) {
	t.Helper()
	data, err := json.Marshal(out)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestFileSessionReadsSubsystemFile(t *testing.T) {
	dir := t.TempDir()
	writeOutput(t, dir, "accounts.json", domain.WorkerOutput{
		Artifacts: []domain.OutputArtifact{{Path: "accounts/main.json", Subsystem: "accounts"}},
	})
	s := worker.FileSession{Dir: dir}
	out, err := s.Execute(context.Background(), dispatch.WorkContext{
		Contract: domain.TaskContract{ID: "c-1", Subsystem: "accounts"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.ContractID != "c-1" || out.ID == "" || out.SubmittedAt == "" {
		t.Fatalf("output identity not filled: %+v", out)
	}
	if len(out.Artifacts) != 1 {
		t.Fatalf("artifacts lost: %+v", out)
	}
}

func TestFileSessionPrefersRevisionFile(t *testing.T) {
	dir := t.TempDir()
	writeOutput(t, dir, "accounts.json", domain.WorkerOutput{
		Artifacts: []domain.OutputArtifact{{Path: "base.json", Subsystem: "accounts"}},
	})
	writeOutput(t, dir, "accounts.rev1.json", domain.WorkerOutput{
		Artifacts: []domain.OutputArtifact{{Path: "revised.json", Subsystem: "accounts"}},
	})
	s := worker.FileSession{Dir: dir}
	out, err := s.Execute(context.Background(), dispatch.WorkContext{
		Contract: domain.TaskContract{ID: "c-1", Subsystem: "accounts", Revisions: 1},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Artifacts[0].Path != "revised.json" {
		t.Fatalf("revision file not used: %+v", out.Artifacts)
	}

	// missing revision file falls back to the base output
	out, err = s.Execute(context.Background(), dispatch.WorkContext{
		Contract: domain.TaskContract{ID: "c-1", Subsystem: "accounts", Revisions: 2},
	})
	if err != nil {
		t.Fatalf("fallback execute: %v", err)
	}
	if out.Artifacts[0].Path != "base.json" {
		t.Fatalf("expected base fallback: %+v", out.Artifacts)
	}
}

func TestFileSessionMissingFileIsWorkerError(t *testing.T) {
	s := worker.FileSession{Dir: t.TempDir()}
	_, err := s.Execute(context.Background(), dispatch.WorkContext{
		Contract: domain.TaskContract{ID: "c-1", Subsystem: "accounts"},
	})
	if !errors.Is(err, dispatch.ErrWorkerError) {
		t.Fatalf("expected ErrWorkerError, got %v", err)
	}
}

func TestFileSessionRejectsMalformedJSON(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "accounts.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := worker.FileSession{Dir: dir}
	_, err := s.Execute(context.Background(), dispatch.WorkContext{
		Contract: domain.TaskContract{ID: "c-1", Subsystem: "accounts"},
	})
	if !errors.Is(err, dispatch.ErrWorkerError) {
		t.Fatalf("expected ErrWorkerError, got %v", err)
	}
}

func TestStaticAuthorityFlagsPathCollisions(t *testing.T) {
	authority := worker.StaticAuthority{}
	contract := domain.TaskContract{ID: "c-2", Subsystem: "transfers"}
	output := domain.WorkerOutput{
		Artifacts: []domain.OutputArtifact{{Path: "shared.json", Subsystem: "transfers"}},
	}
	accepted := []domain.Artifact{{ID: "a-1", Path: "shared.json", ContractID: "c-1"}}

	a, err := authority.AssessIntegration(context.Background(), contract, output, accepted)
	if err != nil {
		t.Fatal(err)
	}
	if a.Verdict != domain.VerdictRevise || len(a.Issues) != 1 {
		t.Fatalf("expected revise on collision: %+v", a)
	}

	// an artifact re-accepted by the same contract is a supersede, not a collision
	accepted[0].ContractID = "c-2"
	a, err = authority.AssessIntegration(context.Background(), contract, output, accepted)
	if err != nil {
		t.Fatal(err)
	}
	if a.Verdict != domain.VerdictAccept {
		t.Fatalf("expected accept for own path: %+v", a)
	}
}
