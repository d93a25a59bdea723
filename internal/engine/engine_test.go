package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"covenant/internal/config"
	"covenant/internal/db"
	"covenant/internal/design"
	"covenant/internal/dispatch"
	"covenant/internal/domain"
	"covenant/internal/engine"
	"covenant/internal/migrate"
	"covenant/internal/repo"
	"covenant/internal/review"
	"covenant/internal/state"
	"covenant/internal/worker"
)

const designYAML = `project: demo
vision: minimal double-entry ledger
subsystems:
  - name: accounts
    tier: 1
    layer: state
    objective: account records with balances
    verbs: [create, update]
    schema:
      - name: id
        type: string
      - name: balance
        type: int
    rules:
      - id: R1
        text: balance never negative
        hardness: hard
  - name: transfers
    tier: 1
    layer: rules
    objective: transfer validation
    verbs: [create, validate]
    depends_on: [accounts]
  - name: reporting
    tier: 2
    layer: interface
    objective: balance reporting
    verbs: [derive, emit]
    depends_on: [accounts]
`

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Gate   domain.Gate
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	return newTestEnvWith(t, designYAML)
}

func newTestEnvWith(t *testing.T, design string) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default("demo"))
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	_, g, err := eng.InitProject(ctx, "demo", "Demo", []byte(design), "tester")
	if err != nil {
		t.Fatalf("init project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Gate: g}
}

func (env testEnv) approveGate(t *testing.T, gateID string) domain.Gate {
	t.Helper()
	g, err := env.Engine.ResolveGate(env.Ctx, gateID, domain.GateResponse{
		Kind:           domain.ResponseChoose,
		SelectedOption: "A",
		ActorID:        "tester",
	})
	if err != nil {
		t.Fatalf("resolve gate: %v", err)
	}
	return g
}

// scriptedSession returns canned outputs per subsystem and counts attempts.
type scriptedSession struct {
	mu      sync.Mutex
	calls   map[string]int
	outputs func(subsystem string, attempt int) domain.WorkerOutput
}

func newScriptedSession(outputs func(subsystem string, attempt int) domain.WorkerOutput) *scriptedSession {
	return &scriptedSession{calls: map[string]int{}, outputs: outputs}
}

func (s *scriptedSession) Execute(ctx context.Context, wc dispatch.WorkContext) (domain.WorkerOutput, error) {
	s.mu.Lock()
	s.calls[wc.Contract.Subsystem]++
	attempt := s.calls[wc.Contract.Subsystem]
	s.mu.Unlock()
	return s.outputs(wc.Contract.Subsystem, attempt), nil
}

func (s *scriptedSession) attempts(subsystem string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[subsystem]
}

func goodOutput(subsystem string) domain.WorkerOutput {
	verbs := map[string][]string{
		"accounts":  {"create"},
		"transfers": {"validate"},
		"reporting": {"derive"},
	}
	layers := map[string]string{
		"accounts":  "state",
		"transfers": "rules",
		"reporting": "interface",
	}
	return domain.WorkerOutput{
		Artifacts: []domain.OutputArtifact{{
			Path:      subsystem + "/main.json",
			Subsystem: subsystem,
			VerbsUsed: verbs[subsystem],
			Layers:    []string{layers[subsystem]},
		}},
	}
}

func goodSession() *scriptedSession {
	return newScriptedSession(func(subsystem string, attempt int) domain.WorkerOutput {
		return goodOutput(subsystem)
	})
}

func TestInitProjectBlocksUntilVisionResolved(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.Repo.GetProject(env.Ctx, "demo")
	if err != nil {
		t.Fatal(err)
	}
	if p.Phase != domain.PhaseDesign || p.PendingGateID == nil {
		t.Fatalf("expected design phase with pending gate: %+v", p)
	}
	if env.Gate.Type != domain.GateVisionConfirmed {
		t.Fatalf("expected vision gate, got %s", env.Gate.Type)
	}
	if _, err := env.Engine.PlanTier(env.Ctx, "demo", 1, "tester"); !errors.Is(err, engine.ErrGateBlocked) {
		t.Fatalf("expected ErrGateBlocked, got %v", err)
	}
	if _, err := env.Engine.RunTier(env.Ctx, "demo", 1, goodSession(), worker.StaticAuthority{}, "tester"); !errors.Is(err, engine.ErrGateBlocked) {
		t.Fatalf("expected ErrGateBlocked from run, got %v", err)
	}
}

func TestVisionApprovalUnlocksTierOne(t *testing.T) {
	env := newTestEnv(t)
	env.approveGate(t, env.Gate.ID)

	p, err := env.Engine.Repo.GetProject(env.Ctx, "demo")
	if err != nil {
		t.Fatal(err)
	}
	if p.Phase != domain.PhaseBuild || p.Tier != 1 || p.PendingGateID != nil {
		t.Fatalf("vision approval should unlock tier 1: %+v", p)
	}
	d, err := env.Engine.Repo.LatestDesignDocument(env.Ctx, "demo")
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != "approved" || d.ApprovedTier != 1 {
		t.Fatalf("design document should be approved through tier 1: %+v", d)
	}

	contracts, err := env.Engine.PlanTier(env.Ctx, "demo", 1, "tester")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(contracts) != 2 {
		t.Fatalf("expected 2 tier 1 contracts, got %d", len(contracts))
	}
	again, err := env.Engine.PlanTier(env.Ctx, "demo", 1, "tester")
	if err != nil {
		t.Fatalf("replan: %v", err)
	}
	if len(again) != 2 || again[0].ID != contracts[0].ID {
		t.Fatalf("planning must be idempotent")
	}
	if _, err := env.Engine.PlanTier(env.Ctx, "demo", 2, "tester"); err == nil {
		t.Fatalf("tier 2 must not plan before approval")
	}
}

func TestRunTierThroughFinalGate(t *testing.T) {
	env := newTestEnv(t)
	env.approveGate(t, env.Gate.ID)
	session := goodSession()

	report, err := env.Engine.RunTier(env.Ctx, "demo", 1, session, worker.StaticAuthority{}, "tester")
	if err != nil {
		t.Fatalf("run tier 1: %v", err)
	}
	if report.Accepted != 2 || report.Rejected != 0 || report.Escalated != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.GateType != domain.GateTierComplete {
		t.Fatalf("expected tier-complete gate, got %s", report.GateType)
	}
	artifacts, err := env.Engine.Repo.ListArtifacts(env.Ctx, "demo")
	if err != nil {
		t.Fatal(err)
	}
	if len(artifacts) != 2 {
		t.Fatalf("expected 2 artifacts, got %d", len(artifacts))
	}
	if err := env.Engine.VerifyLineage(env.Ctx, "demo"); err != nil {
		t.Fatalf("lineage: %v", err)
	}
	chain, err := env.Engine.Trace(env.Ctx, artifacts[0].ID)
	if err != nil {
		t.Fatalf("trace: %v", err)
	}
	root := chain[len(chain)-1]
	if root.DesignRef == "" {
		t.Fatalf("trace must end at a design-referenced decision: %+v", root)
	}

	env.approveGate(t, report.GateID)
	p, _ := env.Engine.Repo.GetProject(env.Ctx, "demo")
	if p.Tier != 2 {
		t.Fatalf("tier approval should unlock tier 2, got %d", p.Tier)
	}

	report, err = env.Engine.RunTier(env.Ctx, "demo", 2, session, worker.StaticAuthority{}, "tester")
	if err != nil {
		t.Fatalf("run tier 2: %v", err)
	}
	if report.Accepted != 1 || report.GateType != domain.GateFinal {
		t.Fatalf("last tier should open the final gate: %+v", report)
	}
	env.approveGate(t, report.GateID)
	p, _ = env.Engine.Repo.GetProject(env.Ctx, "demo")
	if p.Phase != domain.PhaseValidation {
		t.Fatalf("final approval should enter validation, got %s", p.Phase)
	}
	if err := env.Engine.State.Replay(env.Ctx, "demo"); err != nil {
		t.Fatalf("journal replay: %v", err)
	}
}

func TestPolicyRejectionSkipsDependents(t *testing.T) {
	env := newTestEnv(t)
	env.approveGate(t, env.Gate.ID)
	session := newScriptedSession(func(subsystem string, attempt int) domain.WorkerOutput {
		out := goodOutput(subsystem)
		if subsystem == "accounts" {
			out.Artifacts[0].VerbsUsed = []string{"refactor"}
		}
		return out
	})

	report, err := env.Engine.RunTier(env.Ctx, "demo", 1, session, worker.StaticAuthority{}, "tester")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Rejected != 1 || report.Skipped != 1 || report.Accepted != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.GateID != "" {
		t.Fatalf("partial tier must not open a gate")
	}
	c, err := env.Engine.Repo.GetContract(env.Ctx, contractID(t, env, "accounts"))
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != domain.ContractRejected {
		t.Fatalf("accounts should be rejected, got %s", c.Status)
	}
	dep, err := env.Engine.Repo.GetContract(env.Ctx, contractID(t, env, "transfers"))
	if err != nil {
		t.Fatal(err)
	}
	if dep.Status != domain.ContractQueued {
		t.Fatalf("skipped contract stays queued, got %s", dep.Status)
	}
}

// reviseOnceAuthority demands one revision of accounts, then accepts.
type reviseOnceAuthority struct{}

func (reviseOnceAuthority) AssessSemantics(ctx context.Context, contract domain.TaskContract, output domain.WorkerOutput, slice design.Slice) (review.Assessment, error) {
	if contract.Subsystem == "accounts" && contract.Revisions == 0 {
		return review.Assessment{
			Verdict:      domain.VerdictRevise,
			Notes:        "balance updates miss the overdraft rule",
			Instructions: "enforce R1 before committing the balance",
		}, nil
	}
	return review.Assessment{Verdict: domain.VerdictAccept}, nil
}

func (reviseOnceAuthority) AssessIntegration(ctx context.Context, contract domain.TaskContract, output domain.WorkerOutput, accepted []domain.Artifact) (review.Assessment, error) {
	return review.Assessment{Verdict: domain.VerdictAccept}, nil
}

func TestRevisionLoopReDispatchesInPlace(t *testing.T) {
	env := newTestEnv(t)
	env.approveGate(t, env.Gate.ID)
	session := goodSession()

	report, err := env.Engine.RunTier(env.Ctx, "demo", 1, session, reviseOnceAuthority{}, "tester")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Accepted != 2 {
		t.Fatalf("expected both accepted after revision: %+v", report)
	}
	if session.attempts("accounts") != 2 {
		t.Fatalf("expected accounts re-dispatched once, got %d attempts", session.attempts("accounts"))
	}
	c, err := env.Engine.Repo.GetContract(env.Ctx, contractID(t, env, "accounts"))
	if err != nil {
		t.Fatal(err)
	}
	if c.Revisions != 1 || c.Status != domain.ContractAccepted {
		t.Fatalf("revision not recorded: %+v", c)
	}
	if c.Instructions == nil || *c.Instructions == "" {
		t.Fatalf("revision instructions should accumulate on the contract")
	}
	verdicts, err := env.Engine.Repo.ListVerdicts(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(verdicts) != 2 || verdicts[0].Decision != domain.VerdictRevise || verdicts[1].Decision != domain.VerdictAccept {
		t.Fatalf("expected revise then accept verdicts, got %+v", verdicts)
	}
}

// alwaysReviseAuthority never accepts accounts, forcing the revision cap.
type alwaysReviseAuthority struct{}

func (alwaysReviseAuthority) AssessSemantics(ctx context.Context, contract domain.TaskContract, output domain.WorkerOutput, slice design.Slice) (review.Assessment, error) {
	if contract.Subsystem == "accounts" {
		return review.Assessment{Verdict: domain.VerdictRevise, Instructions: "still wrong"}, nil
	}
	return review.Assessment{Verdict: domain.VerdictAccept}, nil
}

func (alwaysReviseAuthority) AssessIntegration(ctx context.Context, contract domain.TaskContract, output domain.WorkerOutput, accepted []domain.Artifact) (review.Assessment, error) {
	return review.Assessment{Verdict: domain.VerdictAccept}, nil
}

func TestRevisionLimitEscalatesAndExceptionRecovers(t *testing.T) {
	env := newTestEnv(t)
	env.approveGate(t, env.Gate.ID)
	session := goodSession()

	report, err := env.Engine.RunTier(env.Ctx, "demo", 1, session, alwaysReviseAuthority{}, "tester")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Escalated != 1 || report.Skipped != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.GateType != domain.GateException {
		t.Fatalf("escalation must open an exception gate, got %q", report.GateType)
	}
	c, err := env.Engine.Repo.GetContract(env.Ctx, contractID(t, env, "accounts"))
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != domain.ContractEscalated {
		t.Fatalf("accounts should be escalated, got %s", c.Status)
	}
	limit := env.Engine.Charter.Dispatch.RevisionLimit
	if session.attempts("accounts") != limit+1 {
		t.Fatalf("expected %d attempts before escalation, got %d", limit+1, session.attempts("accounts"))
	}

	// option A replans the escalated contract
	env.approveGate(t, report.GateID)
	c, err = env.Engine.Repo.GetContract(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != domain.ContractQueued {
		t.Fatalf("exception recovery should requeue, got %s", c.Status)
	}

	// rerun with an accepting authority completes the tier
	report, err = env.Engine.RunTier(env.Ctx, "demo", 1, goodSession(), worker.StaticAuthority{}, "tester")
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if report.Accepted != 2 || report.GateType != domain.GateTierComplete {
		t.Fatalf("rerun should complete the tier: %+v", report)
	}
	if err := env.Engine.State.Replay(env.Ctx, "demo"); err != nil {
		t.Fatalf("journal replay after recovery: %v", err)
	}
}

func TestReplayFlagsOutOfBandWrites(t *testing.T) {
	env := newTestEnv(t)
	env.approveGate(t, env.Gate.ID)
	if _, err := env.Engine.RunTier(env.Ctx, "demo", 1, goodSession(), worker.StaticAuthority{}, "tester"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := env.Engine.State.Replay(env.Ctx, "demo"); err != nil {
		t.Fatalf("clean replay: %v", err)
	}

	// a write that bypasses the mutation path leaves no journal entry
	_, err := env.Engine.DB.ExecContext(env.Ctx,
		`UPDATE contracts SET status = 'rejected' WHERE id = ?`, contractID(t, env, "accounts"))
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.State.Replay(env.Ctx, "demo"); !errors.Is(err, state.ErrReplayDivergence) {
		t.Fatalf("expected ErrReplayDivergence, got %v", err)
	}
}

func TestScopeChangeKeepCurrentLeavesDraft(t *testing.T) {
	env := newTestEnv(t)
	env.approveGate(t, env.Gate.ID)

	revised := []byte(designYAML + `  - name: audit
    tier: 2
    layer: policy
    verbs: [emit]
`)
	doc, g, err := env.Engine.ReviseDesign(env.Ctx, "demo", revised, "tester")
	if err != nil {
		t.Fatalf("revise: %v", err)
	}
	if doc.Version != 2 || doc.Status != "draft" || g.Type != domain.GateScopeChange {
		t.Fatalf("unexpected revision: doc=%+v gate=%s", doc, g.Type)
	}

	// keep-current leaves the revision as an unadopted draft
	if _, err := env.Engine.ResolveGate(env.Ctx, g.ID, domain.GateResponse{
		Kind:           domain.ResponseChoose,
		SelectedOption: "B",
		ActorID:        "tester",
	}); err != nil {
		t.Fatalf("resolve keep-current: %v", err)
	}
	latest, err := env.Engine.Repo.LatestDesignDocument(env.Ctx, "demo")
	if err != nil {
		t.Fatal(err)
	}
	if latest.Version != 2 || latest.Status != "draft" {
		t.Fatalf("draft should remain unadopted: %+v", latest)
	}

	// a second revision adopted via option A becomes the authority
	doc, g, err = env.Engine.ReviseDesign(env.Ctx, "demo", revised, "tester")
	if err != nil {
		t.Fatalf("second revision: %v", err)
	}
	env.approveGate(t, g.ID)
	latest, err = env.Engine.Repo.LatestDesignDocument(env.Ctx, "demo")
	if err != nil {
		t.Fatal(err)
	}
	if latest.Version != doc.Version || latest.Status != "approved" {
		t.Fatalf("adopted revision should be approved: %+v", latest)
	}
}

func TestUsageAggregatesIntoCosts(t *testing.T) {
	env := newTestEnv(t)
	env.approveGate(t, env.Gate.ID)
	session := newScriptedSession(func(subsystem string, attempt int) domain.WorkerOutput {
		out := goodOutput(subsystem)
		out.Usage = []domain.UsageEntry{{
			Provider:      "openai",
			Model:         "gpt-4o",
			InputTokens:   100,
			OutputTokens:  40,
			EstimatedCost: 0.25,
		}}
		return out
	})
	if _, err := env.Engine.RunTier(env.Ctx, "demo", 1, session, worker.StaticAuthority{}, "tester"); err != nil {
		t.Fatalf("run: %v", err)
	}
	costs, err := env.Engine.Costs(env.Ctx, "demo")
	if err != nil {
		t.Fatalf("costs: %v", err)
	}
	if costs.Total.Calls != 2 || costs.Total.EstimatedCost != 0.5 {
		t.Fatalf("unexpected totals: %+v", costs.Total)
	}
	if len(costs.ByTier) == 0 || costs.ByTier[0].Key != "tier-1" {
		t.Fatalf("expected per-tier slice: %+v", costs.ByTier)
	}

	status, err := env.Engine.Status(env.Ctx, "demo")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.EstimatedCost != 0.5 || status.Artifacts != 2 {
		t.Fatalf("status should surface costs and artifacts: %+v", status)
	}
}

func contractID(t *testing.T, env testEnv, subsystem string) string {
	t.Helper()
	contracts, err := env.Engine.Repo.ListContracts(env.Ctx, repo.ContractFilters{ProjectID: "demo"})
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range contracts {
		if c.Subsystem == subsystem {
			return c.ID
		}
	}
	t.Fatalf("no contract for %s", subsystem)
	return ""
}

const steppedDesignYAML = `project: demo
vision: account store built in ordered steps
subsystems:
  - name: accounts
    tier: 1
    layer: state
    objective: account records with balances
    verbs: [create, update]
    steps:
      - create the account store
      - add balance updates
      - wire account events
`

func stepArtifact(step int, path string) domain.OutputArtifact {
	return domain.OutputArtifact{
		Path:      path,
		Subsystem: "accounts",
		Step:      step,
		VerbsUsed: []string{"create"},
		Layers:    []string{"state"},
	}
}

func TestCommitPartialKeepsCompletedStepArtifacts(t *testing.T) {
	env := newTestEnvWith(t, steppedDesignYAML)
	env.approveGate(t, env.Gate.ID)
	failed := 2
	session := newScriptedSession(func(subsystem string, attempt int) domain.WorkerOutput {
		return domain.WorkerOutput{
			Artifacts:  []domain.OutputArtifact{stepArtifact(1, "accounts/store.json")},
			FailedStep: &failed,
		}
	})

	report, err := env.Engine.RunTier(env.Ctx, "demo", 1, session, worker.StaticAuthority{}, "tester")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Escalated != 1 {
		t.Fatalf("persistent step failure should escalate: %+v", report)
	}
	artifacts, err := env.Engine.Repo.ListArtifacts(env.Ctx, "demo")
	if err != nil {
		t.Fatal(err)
	}
	if len(artifacts) == 0 {
		t.Fatalf("step 1 artifacts must be project state despite the step 2 failure")
	}
	for _, a := range artifacts {
		if a.Path != "accounts/store.json" {
			t.Fatalf("unexpected artifact %+v", a)
		}
	}
	chain, err := env.Engine.Trace(env.Ctx, artifacts[0].ID)
	if err != nil {
		t.Fatalf("trace: %v", err)
	}
	if chain[len(chain)-1].DesignRef == "" {
		t.Fatalf("committed step artifacts need full lineage: %+v", chain)
	}
	if err := env.Engine.State.Replay(env.Ctx, "demo"); err != nil {
		t.Fatalf("journal replay: %v", err)
	}
}

func TestCommitPartialResumesAndMergesRemainder(t *testing.T) {
	env := newTestEnvWith(t, steppedDesignYAML)
	env.approveGate(t, env.Gate.ID)
	failed := 2
	session := newScriptedSession(func(subsystem string, attempt int) domain.WorkerOutput {
		if attempt == 1 {
			return domain.WorkerOutput{
				Artifacts:  []domain.OutputArtifact{stepArtifact(1, "accounts/store.json")},
				FailedStep: &failed,
			}
		}
		return domain.WorkerOutput{
			Artifacts: []domain.OutputArtifact{stepArtifact(2, "accounts/updates.json")},
		}
	})

	report, err := env.Engine.RunTier(env.Ctx, "demo", 1, session, worker.StaticAuthority{}, "tester")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Accepted != 1 {
		t.Fatalf("resumed contract should accept: %+v", report)
	}
	c, err := env.Engine.Repo.GetContract(env.Ctx, contractID(t, env, "accounts"))
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != domain.ContractAccepted || c.Revisions != 1 {
		t.Fatalf("unexpected contract state: %+v", c)
	}
	verdicts, err := env.Engine.Repo.ListVerdicts(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(verdicts) != 2 || !strings.Contains(verdicts[0].Instructions, "resume from step 2") {
		t.Fatalf("expected a resume instruction on the first verdict: %+v", verdicts)
	}
	artifacts, err := env.Engine.Repo.ListArtifacts(env.Ctx, "demo")
	if err != nil {
		t.Fatal(err)
	}
	paths := map[string]bool{}
	for _, a := range artifacts {
		paths[a.Path] = true
	}
	if !paths["accounts/store.json"] || !paths["accounts/updates.json"] {
		t.Fatalf("both step artifacts should be merged, got %+v", artifacts)
	}
}

func TestVisionHoldStaysInDesignUntilRevisionAdopted(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.ResolveGate(env.Ctx, env.Gate.ID, domain.GateResponse{
		Kind:           domain.ResponseChoose,
		SelectedOption: "C",
		ActorID:        "tester",
	}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	p, err := env.Engine.Repo.GetProject(env.Ctx, "demo")
	if err != nil {
		t.Fatal(err)
	}
	if p.Phase != domain.PhaseDesign || p.Tier != 0 {
		t.Fatalf("chose hold but project advanced: %+v", p)
	}
	d, err := env.Engine.Repo.LatestDesignDocument(env.Ctx, "demo")
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != "draft" {
		t.Fatalf("held design must stay a draft, got %s", d.Status)
	}
	if _, err := env.Engine.PlanTier(env.Ctx, "demo", 1, "tester"); err == nil {
		t.Fatalf("planning must stay blocked while held")
	}

	// adopting a revision through the scope-change flow confirms the vision
	_, g, err := env.Engine.ReviseDesign(env.Ctx, "demo", []byte(designYAML), "tester")
	if err != nil {
		t.Fatalf("revise: %v", err)
	}
	env.approveGate(t, g.ID)
	p, _ = env.Engine.Repo.GetProject(env.Ctx, "demo")
	if p.Phase != domain.PhaseBuild || p.Tier != 1 {
		t.Fatalf("adopted revision should enter build: %+v", p)
	}
	contracts, err := env.Engine.PlanTier(env.Ctx, "demo", 1, "tester")
	if err != nil {
		t.Fatalf("plan after adoption: %v", err)
	}
	if len(contracts) != 2 {
		t.Fatalf("expected 2 tier 1 contracts, got %d", len(contracts))
	}
}

func TestTierHoldReopensGateOnRerun(t *testing.T) {
	env := newTestEnv(t)
	env.approveGate(t, env.Gate.ID)
	report, err := env.Engine.RunTier(env.Ctx, "demo", 1, goodSession(), worker.StaticAuthority{}, "tester")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := env.Engine.ResolveGate(env.Ctx, report.GateID, domain.GateResponse{
		Kind:           domain.ResponseChoose,
		SelectedOption: "B",
		ActorID:        "tester",
	}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	p, _ := env.Engine.Repo.GetProject(env.Ctx, "demo")
	if p.Tier != 1 {
		t.Fatalf("review-before-proceeding must hold the tier, got %d", p.Tier)
	}

	report, err = env.Engine.RunTier(env.Ctx, "demo", 1, goodSession(), worker.StaticAuthority{}, "tester")
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if report.GateType != domain.GateTierComplete {
		t.Fatalf("rerun should reopen the tier gate: %+v", report)
	}
	env.approveGate(t, report.GateID)
	p, _ = env.Engine.Repo.GetProject(env.Ctx, "demo")
	if p.Tier != 2 {
		t.Fatalf("proceed should unlock tier 2, got %d", p.Tier)
	}
}

func TestFinalGateHoldStaysInBuild(t *testing.T) {
	env := newTestEnv(t)
	env.approveGate(t, env.Gate.ID)
	report, err := env.Engine.RunTier(env.Ctx, "demo", 1, goodSession(), worker.StaticAuthority{}, "tester")
	if err != nil {
		t.Fatalf("run tier 1: %v", err)
	}
	env.approveGate(t, report.GateID)
	report, err = env.Engine.RunTier(env.Ctx, "demo", 2, goodSession(), worker.StaticAuthority{}, "tester")
	if err != nil {
		t.Fatalf("run tier 2: %v", err)
	}
	if report.GateType != domain.GateFinal {
		t.Fatalf("expected final gate: %+v", report)
	}
	if _, err := env.Engine.ResolveGate(env.Ctx, report.GateID, domain.GateResponse{
		Kind:           domain.ResponseChoose,
		SelectedOption: "B",
		ActorID:        "tester",
	}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	p, _ := env.Engine.Repo.GetProject(env.Ctx, "demo")
	if p.Phase != domain.PhaseBuild || p.Tier != 2 {
		t.Fatalf("holding the final gate must not close out: %+v", p)
	}

	report, err = env.Engine.RunTier(env.Ctx, "demo", 2, goodSession(), worker.StaticAuthority{}, "tester")
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	env.approveGate(t, report.GateID)
	p, _ = env.Engine.Repo.GetProject(env.Ctx, "demo")
	if p.Phase != domain.PhaseValidation {
		t.Fatalf("close-out should enter validation, got %s", p.Phase)
	}
}

func TestExceptionReviseDesignReturnsToDesignPhase(t *testing.T) {
	env := newTestEnv(t)
	env.approveGate(t, env.Gate.ID)
	report, err := env.Engine.RunTier(env.Ctx, "demo", 1, goodSession(), alwaysReviseAuthority{}, "tester")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.GateType != domain.GateException {
		t.Fatalf("expected exception gate: %+v", report)
	}
	if _, err := env.Engine.ResolveGate(env.Ctx, report.GateID, domain.GateResponse{
		Kind:           domain.ResponseChoose,
		SelectedOption: "B",
		ActorID:        "tester",
	}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	p, _ := env.Engine.Repo.GetProject(env.Ctx, "demo")
	if p.Phase != domain.PhaseDesign {
		t.Fatalf("revise-design must return to the design phase: %+v", p)
	}
	c, err := env.Engine.Repo.GetContract(env.Ctx, contractID(t, env, "accounts"))
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != domain.ContractQueued {
		t.Fatalf("escalated contract should requeue for the rerun, got %s", c.Status)
	}
	if _, err := env.Engine.RunTier(env.Ctx, "demo", 1, goodSession(), worker.StaticAuthority{}, "tester"); !errors.Is(err, engine.ErrPhase) {
		t.Fatalf("build must wait for the revised design, got %v", err)
	}

	_, g, err := env.Engine.ReviseDesign(env.Ctx, "demo", []byte(designYAML), "tester")
	if err != nil {
		t.Fatalf("revise: %v", err)
	}
	env.approveGate(t, g.ID)
	p, _ = env.Engine.Repo.GetProject(env.Ctx, "demo")
	if p.Phase != domain.PhaseBuild || p.Tier != 1 {
		t.Fatalf("adoption should re-enter build at the held tier: %+v", p)
	}

	report, err = env.Engine.RunTier(env.Ctx, "demo", 1, goodSession(), worker.StaticAuthority{}, "tester")
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if report.Accepted != 2 || report.GateType != domain.GateTierComplete {
		t.Fatalf("rerun under the revised design should complete the tier: %+v", report)
	}
}
