package review_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"covenant/internal/config"
	"covenant/internal/design"
	"covenant/internal/domain"
	"covenant/internal/policy"
	"covenant/internal/review"
)

type stubAuthority struct {
	semantic     review.Assessment
	integration  review.Assessment
	semanticRuns int
}

func (s *stubAuthority) AssessSemantics(ctx context.Context, contract domain.TaskContract, output domain.WorkerOutput, slice design.Slice) (review.Assessment, error) {
	s.semanticRuns++
	return s.semantic, nil
}

func (s *stubAuthority) AssessIntegration(ctx context.Context, contract domain.TaskContract, output domain.WorkerOutput, accepted []domain.Artifact) (review.Assessment, error) {
	return s.integration, nil
}

func acceptAll() *stubAuthority {
	return &stubAuthority{
		semantic:    review.Assessment{Verdict: domain.VerdictAccept},
		integration: review.Assessment{Verdict: domain.VerdictAccept},
	}
}

func testPipeline(authority review.DesignAuthority) review.Pipeline {
	return review.Pipeline{
		Validator: policy.Validator{Charter: config.Default("demo")},
		Authority: authority,
		Now:       func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) },
	}
}

func testContract() domain.TaskContract {
	return domain.TaskContract{
		ID:             "c-1",
		ProjectID:      "demo",
		Subsystem:      "accounts",
		AllowedVerbs:   []string{"create"},
		RollbackPolicy: domain.RollbackCommitPartial,
	}
}

func testSlice() design.Slice {
	return design.Slice{Subsystem: "accounts", Layer: "state", Verbs: []string{"create"}}
}

func cleanOutput() domain.WorkerOutput {
	return domain.WorkerOutput{
		ID:         "out-1",
		ContractID: "c-1",
		Artifacts: []domain.OutputArtifact{{
			Path:      "accounts/store.json",
			Subsystem: "accounts",
			VerbsUsed: []string{"create"},
			Layers:    []string{"state"},
		}},
	}
}

func TestAcceptPath(t *testing.T) {
	p := testPipeline(acceptAll())
	v, err := p.Review(context.Background(), testContract(), cleanOutput(), testSlice(), nil, 1)
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if v.Decision != domain.VerdictAccept {
		t.Fatalf("expected accept, got %s", v.Decision)
	}
	if len(v.Checks) != 6 {
		t.Fatalf("expected full check record, got %d", len(v.Checks))
	}
}

func TestQuestionsEscalateAfterAutomatedChecks(t *testing.T) {
	authority := acceptAll()
	p := testPipeline(authority)
	out := cleanOutput()
	out.Questions = []string{"is balance allowed to be zero?"}
	v, err := p.Review(context.Background(), testContract(), out, testSlice(), nil, 1)
	if err != nil {
		t.Fatal(err)
	}
	if v.Decision != domain.VerdictEscalate {
		t.Fatalf("expected escalate, got %s", v.Decision)
	}
	if len(v.Checks) != 6 {
		t.Fatalf("automated checks must run before escalation, got %d", len(v.Checks))
	}
	if authority.semanticRuns != 0 {
		t.Fatalf("authority must not see an ambiguous output")
	}
}

func TestIncompleteItemsRejectInAutomatedStage(t *testing.T) {
	authority := acceptAll()
	p := testPipeline(authority)
	out := cleanOutput()
	out.Incomplete = []domain.IncompleteItem{{Item: "balance index", Reason: "ran out of context"}}
	v, err := p.Review(context.Background(), testContract(), out, testSlice(), nil, 1)
	if err != nil {
		t.Fatal(err)
	}
	if v.Decision != domain.VerdictReject {
		t.Fatalf("expected reject, got %s", v.Decision)
	}
	if authority.semanticRuns != 0 {
		t.Fatalf("authority must not be consulted for an incomplete output")
	}
	last := v.Checks[len(v.Checks)-1]
	if last.Name != "completeness" || last.Passed || last.Code != "INCOMPLETE_OUTPUT" {
		t.Fatalf("completeness check not recorded: %+v", last)
	}
}

func TestFailedStepLeavesCompletenessToResume(t *testing.T) {
	p := testPipeline(acceptAll())
	out := cleanOutput()
	step := 2
	out.FailedStep = &step
	out.Incomplete = []domain.IncompleteItem{{Item: "step 2", Reason: "validation failed"}}
	v, err := p.Review(context.Background(), testContract(), out, testSlice(), nil, 1)
	if err != nil {
		t.Fatal(err)
	}
	if v.Decision != domain.VerdictRevise {
		t.Fatalf("a failed step with clean checks resumes, got %s", v.Decision)
	}
}

func TestPolicyFailureRejectsWithoutAuthority(t *testing.T) {
	authority := acceptAll()
	p := testPipeline(authority)
	out := cleanOutput()
	out.Artifacts[0].VerbsUsed = []string{"refactor"}
	v, err := p.Review(context.Background(), testContract(), out, testSlice(), nil, 1)
	if err != nil {
		t.Fatal(err)
	}
	if v.Decision != domain.VerdictReject {
		t.Fatalf("expected reject, got %s", v.Decision)
	}
	if authority.semanticRuns != 0 {
		t.Fatalf("authority must not be consulted after a policy failure")
	}
	if policy.Passed(v.Checks) {
		t.Fatalf("checks should record the failure")
	}
}

func TestFailedStepRevisesWithResumePoint(t *testing.T) {
	p := testPipeline(acceptAll())
	out := cleanOutput()
	step := 3
	out.FailedStep = &step
	v, err := p.Review(context.Background(), testContract(), out, testSlice(), nil, 1)
	if err != nil {
		t.Fatal(err)
	}
	if v.Decision != domain.VerdictRevise {
		t.Fatalf("expected revise, got %s", v.Decision)
	}
	if v.FailedStep == nil || *v.FailedStep != 3 || v.RollbackPolicy != domain.RollbackCommitPartial {
		t.Fatalf("failure point not recorded: %+v", v)
	}
	if !strings.Contains(v.Instructions, "resume from step 3") {
		t.Fatalf("expected resume instruction, got %q", v.Instructions)
	}

	c := testContract()
	c.RollbackPolicy = domain.RollbackDiscardAll
	v, err = p.Review(context.Background(), c, out, testSlice(), nil, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(v.Instructions, "restart from step 1") {
		t.Fatalf("expected restart instruction, got %q", v.Instructions)
	}
}

func TestSemanticReviseCarriesInstructions(t *testing.T) {
	authority := acceptAll()
	authority.semantic = review.Assessment{
		Verdict:      domain.VerdictRevise,
		Notes:        "interface drifts from the slice",
		Instructions: "align field names with the schema",
	}
	p := testPipeline(authority)
	v, err := p.Review(context.Background(), testContract(), cleanOutput(), testSlice(), nil, 1)
	if err != nil {
		t.Fatal(err)
	}
	if v.Decision != domain.VerdictRevise || v.Instructions == "" || v.SemanticNotes == "" {
		t.Fatalf("semantic revise not carried: %+v", v)
	}
}

func TestIntegrationRejectDowngradesToRevise(t *testing.T) {
	authority := acceptAll()
	authority.integration = review.Assessment{
		Verdict: domain.VerdictReject,
		Issues:  []string{"path collides with accepted artifact"},
	}
	p := testPipeline(authority)
	v, err := p.Review(context.Background(), testContract(), cleanOutput(), testSlice(), nil, 1)
	if err != nil {
		t.Fatal(err)
	}
	if v.Decision != domain.VerdictRevise {
		t.Fatalf("integration conflicts must revise, got %s", v.Decision)
	}
	if len(v.IntegrationIssues) != 1 {
		t.Fatalf("issues not recorded: %+v", v.IntegrationIssues)
	}
}
