package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"covenant/internal/config"
	"covenant/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- projects ---

const projectCols = `id,name,phase,tier,version,pending_gate_id,created_at,updated_at`

func scanProject(scan func(...any) error) (domain.Project, error) {
	var p domain.Project
	var pending sql.NullString
	err := scan(&p.ID, &p.Name, &p.Phase, &p.Tier, &p.Version, &pending, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if pending.Valid {
		p.PendingGateID = &pending.String
	}
	return p, err
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(`+projectCols+`) VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, p.Phase, p.Tier, p.Version, nullableStringPtr(p.PendingGateID), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE id=?`, id)
	return scanProject(row.Scan)
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE id=?`, id)
	return scanProject(row.Scan)
}

// UpdateProjectVersioned writes project fields only if the stored version
// still matches. Returns ErrNotFound when the version moved.
func (r Repo) UpdateProjectVersioned(ctx context.Context, tx *sql.Tx, p domain.Project, expectedVersion int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET name=?, phase=?, tier=?, version=?, pending_gate_id=?, updated_at=? WHERE id=? AND version=?`,
		p.Name, p.Phase, p.Tier, p.Version, nullableStringPtr(p.PendingGateID), p.UpdatedAt, p.ID, expectedVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectCols+` FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

// --- design documents ---

func (r Repo) InsertDesignDocument(ctx context.Context, tx *sql.Tx, d domain.DesignDocument) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO design_documents(project_id,version,status,approved_tier,body_yaml,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		d.ProjectID, d.Version, d.Status, d.ApprovedTier, d.BodyYAML, d.CreatedAt, d.UpdatedAt)
	return err
}

func (r Repo) UpdateDesignDocument(ctx context.Context, tx *sql.Tx, d domain.DesignDocument) error {
	res, err := tx.ExecContext(ctx, `UPDATE design_documents SET status=?, approved_tier=?, updated_at=? WHERE project_id=? AND version=?`,
		d.Status, d.ApprovedTier, d.UpdatedAt, d.ProjectID, d.Version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) LatestDesignDocument(ctx context.Context, projectID string) (domain.DesignDocument, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT project_id,version,status,approved_tier,body_yaml,created_at,updated_at FROM design_documents WHERE project_id=? ORDER BY version DESC LIMIT 1`, projectID)
	return scanDesignDocument(row.Scan)
}

func (r Repo) LatestDesignDocumentTx(ctx context.Context, tx *sql.Tx, projectID string) (domain.DesignDocument, error) {
	row := tx.QueryRowContext(ctx, `SELECT project_id,version,status,approved_tier,body_yaml,created_at,updated_at FROM design_documents WHERE project_id=? ORDER BY version DESC LIMIT 1`, projectID)
	return scanDesignDocument(row.Scan)
}

// ApprovedDesignDocumentTx returns the newest approved version, skipping
// drafts that were recorded but never adopted.
func (r Repo) ApprovedDesignDocumentTx(ctx context.Context, tx *sql.Tx, projectID string) (domain.DesignDocument, error) {
	row := tx.QueryRowContext(ctx, `SELECT project_id,version,status,approved_tier,body_yaml,created_at,updated_at FROM design_documents WHERE project_id=? AND status='approved' ORDER BY version DESC LIMIT 1`, projectID)
	return scanDesignDocument(row.Scan)
}

func scanDesignDocument(scan func(...any) error) (domain.DesignDocument, error) {
	var d domain.DesignDocument
	err := scan(&d.ProjectID, &d.Version, &d.Status, &d.ApprovedTier, &d.BodyYAML, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

// --- charters ---

func (r Repo) UpsertCharter(ctx context.Context, projectID string, c *config.Charter) error {
	return upsertCharter(ctx, r.DB, nil, projectID, c)
}

func (r Repo) UpsertCharterTx(ctx context.Context, tx *sql.Tx, projectID string, c *config.Charter) error {
	return upsertCharter(ctx, nil, tx, projectID, c)
}

func upsertCharter(ctx context.Context, db *sql.DB, tx *sql.Tx, projectID string, c *config.Charter) error {
	if c == nil {
		return fmt.Errorf("charter nil")
	}
	c.Project.ID = projectID
	if err := c.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO project_charters(project_id,charter_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET charter_json=excluded.charter_json, updated_at=excluded.updated_at`, projectID, string(payload), now, now)
	return err
}

func (r Repo) GetCharter(ctx context.Context, projectID string) (*config.Charter, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT charter_json FROM project_charters WHERE project_id=?`, projectID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var c config.Charter
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return nil, err
	}
	if c.Project.ID == "" {
		c.Project.ID = projectID
	}
	return &c, c.Validate()
}

// --- contracts ---

const contractCols = `id,project_id,tier,subsystem,cross_cutting,objective,slice_json,must_not_touch_json,verbs_json,concurrency_class,parallel_group,status,revisions,instructions,steps_json,rollback_policy,created_at,updated_at`

func (r Repo) InsertContract(ctx context.Context, tx *sql.Tx, c domain.TaskContract) error {
	mnt, err := marshalStringSlice(c.MustNotTouch)
	if err != nil {
		return err
	}
	verbs, err := json.Marshal(c.AllowedVerbs)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO contracts(`+contractCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.ProjectID, c.Tier, c.Subsystem, boolInt(c.CrossCutting), c.Objective, c.SliceJSON,
		nullableStringPtr(mnt), string(verbs), c.ConcurrencyClass, c.ParallelGroup, c.Status, c.Revisions,
		nullableStringPtr(c.Instructions), nullableStringPtr(c.StepsJSON), c.RollbackPolicy, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return err
	}
	for _, dep := range c.DependsOn {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO contract_deps(contract_id,depends_on_contract_id) VALUES (?,?)`, c.ID, dep); err != nil {
			return err
		}
	}
	return nil
}

// UpdateContractProgress writes the mutable part of a contract: status,
// revision counter and appended instructions. Everything else is immutable
// once dispatched.
func (r Repo) UpdateContractProgress(ctx context.Context, tx *sql.Tx, c domain.TaskContract) error {
	res, err := tx.ExecContext(ctx, `UPDATE contracts SET status=?, revisions=?, instructions=?, updated_at=? WHERE id=?`,
		c.Status, c.Revisions, nullableStringPtr(c.Instructions), c.UpdatedAt, c.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanContract(scan func(...any) error) (domain.TaskContract, error) {
	var c domain.TaskContract
	var crossCutting int
	var mnt, instructions, steps sql.NullString
	var verbs string
	err := scan(&c.ID, &c.ProjectID, &c.Tier, &c.Subsystem, &crossCutting, &c.Objective, &c.SliceJSON,
		&mnt, &verbs, &c.ConcurrencyClass, &c.ParallelGroup, &c.Status, &c.Revisions,
		&instructions, &steps, &c.RollbackPolicy, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.CrossCutting = crossCutting != 0
	if mnt.Valid {
		_ = json.Unmarshal([]byte(mnt.String), &c.MustNotTouch)
	}
	_ = json.Unmarshal([]byte(verbs), &c.AllowedVerbs)
	if instructions.Valid {
		c.Instructions = &instructions.String
	}
	if steps.Valid {
		c.StepsJSON = &steps.String
	}
	return c, nil
}

func (r Repo) GetContract(ctx context.Context, id string) (domain.TaskContract, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+contractCols+` FROM contracts WHERE id=?`, id)
	c, err := scanContract(row.Scan)
	if err != nil {
		return c, err
	}
	c.DependsOn, err = r.listContractDeps(ctx, r.DB.QueryContext, id)
	return c, err
}

func (r Repo) GetContractTx(ctx context.Context, tx *sql.Tx, id string) (domain.TaskContract, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+contractCols+` FROM contracts WHERE id=?`, id)
	c, err := scanContract(row.Scan)
	if err != nil {
		return c, err
	}
	c.DependsOn, err = r.listContractDeps(ctx, tx.QueryContext, id)
	return c, err
}

type queryFn func(ctx context.Context, query string, args ...any) (*sql.Rows, error)

func (r Repo) listContractDeps(ctx context.Context, query queryFn, contractID string) ([]string, error) {
	rows, err := query(ctx, `SELECT depends_on_contract_id FROM contract_deps WHERE contract_id=? ORDER BY depends_on_contract_id`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

type ContractFilters struct {
	ProjectID string
	Tier      int
	HasTier   bool
	Status    string
}

func (r Repo) ListContracts(ctx context.Context, f ContractFilters) ([]domain.TaskContract, error) {
	clauses := []string{"project_id=?"}
	args := []any{f.ProjectID}
	if f.HasTier {
		clauses = append(clauses, "tier=?")
		args = append(args, f.Tier)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + contractCols + ` FROM contracts WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY tier, parallel_group, subsystem`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskContract
	for rows.Next() {
		c, err := scanContract(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		res[i].DependsOn, err = r.listContractDeps(ctx, r.DB.QueryContext, res[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (r Repo) CountContractsByStatus(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM contracts WHERE project_id=? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// --- worker outputs ---

func (r Repo) InsertWorkerOutput(ctx context.Context, tx *sql.Tx, o domain.WorkerOutput) error {
	artifacts, err := json.Marshal(o.Artifacts)
	if err != nil {
		return err
	}
	incomplete, err := marshalJSONOrNil(o.Incomplete)
	if err != nil {
		return err
	}
	questions, err := marshalStringSlice(o.Questions)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO worker_outputs(id,contract_id,artifacts_json,incomplete_json,questions_json,failed_step,submitted_at) VALUES (?,?,?,?,?,?,?)`,
		o.ID, o.ContractID, string(artifacts), nullableStringPtr(incomplete), nullableStringPtr(questions), nullableIntPtr(o.FailedStep), o.SubmittedAt)
	return err
}

func (r Repo) ListWorkerOutputs(ctx context.Context, contractID string) ([]domain.WorkerOutput, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,contract_id,artifacts_json,incomplete_json,questions_json,failed_step,submitted_at FROM worker_outputs WHERE contract_id=? ORDER BY submitted_at, id`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkerOutput
	for rows.Next() {
		var o domain.WorkerOutput
		var artifacts string
		var incomplete, questions sql.NullString
		var failedStep sql.NullInt64
		if err := rows.Scan(&o.ID, &o.ContractID, &artifacts, &incomplete, &questions, &failedStep, &o.SubmittedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(artifacts), &o.Artifacts)
		if incomplete.Valid {
			_ = json.Unmarshal([]byte(incomplete.String), &o.Incomplete)
		}
		if questions.Valid {
			_ = json.Unmarshal([]byte(questions.String), &o.Questions)
		}
		if failedStep.Valid {
			v := int(failedStep.Int64)
			o.FailedStep = &v
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// --- verdicts ---

func (r Repo) InsertVerdict(ctx context.Context, tx *sql.Tx, v domain.ReviewVerdict) error {
	checks, err := json.Marshal(v.Checks)
	if err != nil {
		return err
	}
	integration, err := marshalStringSlice(v.IntegrationIssues)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO verdicts(id,project_id,contract_id,attempt,checks_json,semantic_notes,integration_json,decision,instructions,failed_step,rollback_policy,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		v.ID, v.ProjectID, v.ContractID, v.Attempt, string(checks), nullable(v.SemanticNotes), nullableStringPtr(integration),
		v.Decision, nullable(v.Instructions), nullableIntPtr(v.FailedStep), nullable(v.RollbackPolicy), v.CreatedAt)
	return err
}

func scanVerdict(scan func(...any) error) (domain.ReviewVerdict, error) {
	var v domain.ReviewVerdict
	var checks string
	var notes, integration, instructions, rollback sql.NullString
	var failedStep sql.NullInt64
	err := scan(&v.ID, &v.ProjectID, &v.ContractID, &v.Attempt, &checks, &notes, &integration, &v.Decision, &instructions, &failedStep, &rollback, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	_ = json.Unmarshal([]byte(checks), &v.Checks)
	if notes.Valid {
		v.SemanticNotes = notes.String
	}
	if integration.Valid {
		_ = json.Unmarshal([]byte(integration.String), &v.IntegrationIssues)
	}
	if instructions.Valid {
		v.Instructions = instructions.String
	}
	if failedStep.Valid {
		s := int(failedStep.Int64)
		v.FailedStep = &s
	}
	if rollback.Valid {
		v.RollbackPolicy = rollback.String
	}
	return v, nil
}

const verdictCols = `id,project_id,contract_id,attempt,checks_json,semantic_notes,integration_json,decision,instructions,failed_step,rollback_policy,created_at`

func (r Repo) GetVerdict(ctx context.Context, id string) (domain.ReviewVerdict, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+verdictCols+` FROM verdicts WHERE id=?`, id)
	return scanVerdict(row.Scan)
}

func (r Repo) ListVerdicts(ctx context.Context, contractID string) ([]domain.ReviewVerdict, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+verdictCols+` FROM verdicts WHERE contract_id=? ORDER BY attempt`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReviewVerdict
	for rows.Next() {
		v, err := scanVerdict(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// --- gates ---

const gateCols = `id,project_id,type,tier,trigger,status,options_json,response_json,created_at,resolved_at`

func (r Repo) InsertGate(ctx context.Context, tx *sql.Tx, g domain.Gate) error {
	options, err := json.Marshal(g.Options)
	if err != nil {
		return err
	}
	var response *string
	if g.Response != nil {
		b, err := json.Marshal(g.Response)
		if err != nil {
			return err
		}
		s := string(b)
		response = &s
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO gates(`+gateCols+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		g.ID, g.ProjectID, g.Type, g.Tier, g.Trigger, g.Status, string(options), nullableStringPtr(response), g.CreatedAt, nullableStringPtr(g.ResolvedAt))
	return err
}

// ResolveGate writes a gate's terminal state. The status guard in SQL keeps
// resolution exactly-once even across processes.
func (r Repo) ResolveGate(ctx context.Context, tx *sql.Tx, g domain.Gate) error {
	if g.Response == nil || g.ResolvedAt == nil {
		return fmt.Errorf("gate resolution requires response and resolved_at")
	}
	response, err := json.Marshal(g.Response)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE gates SET status=?, response_json=?, resolved_at=? WHERE id=? AND status='pending'`,
		g.Status, string(response), *g.ResolvedAt, g.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("gate %s is not pending", g.ID)
	}
	return nil
}

func scanGate(scan func(...any) error) (domain.Gate, error) {
	var g domain.Gate
	var options string
	var response, resolvedAt sql.NullString
	err := scan(&g.ID, &g.ProjectID, &g.Type, &g.Tier, &g.Trigger, &g.Status, &options, &response, &g.CreatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	if err != nil {
		return g, err
	}
	_ = json.Unmarshal([]byte(options), &g.Options)
	if response.Valid {
		var resp domain.GateResponse
		if err := json.Unmarshal([]byte(response.String), &resp); err == nil {
			g.Response = &resp
		}
	}
	if resolvedAt.Valid {
		g.ResolvedAt = &resolvedAt.String
	}
	return g, nil
}

func (r Repo) GetGate(ctx context.Context, id string) (domain.Gate, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+gateCols+` FROM gates WHERE id=?`, id)
	return scanGate(row.Scan)
}

func (r Repo) GetGateTx(ctx context.Context, tx *sql.Tx, id string) (domain.Gate, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+gateCols+` FROM gates WHERE id=?`, id)
	return scanGate(row.Scan)
}

func (r Repo) ListGates(ctx context.Context, projectID, status string) ([]domain.Gate, error) {
	clauses := []string{"project_id=?"}
	args := []any{projectID}
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	query := `SELECT ` + gateCols + ` FROM gates WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Gate
	for rows.Next() {
		g, err := scanGate(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

// --- decisions ---

const decisionCols = `id,project_id,ts,actor,type,description,rationale,design_ref,policy_ref,parent_id`

func (r Repo) InsertDecision(ctx context.Context, tx *sql.Tx, d domain.Decision) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO decisions(`+decisionCols+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.ProjectID, d.TS, d.Actor, d.Type, d.Description, nullable(d.Rationale), nullable(d.DesignRef), nullable(d.PolicyRef), nullableStringPtr(d.ParentID))
	return err
}

func scanDecision(scan func(...any) error) (domain.Decision, error) {
	var d domain.Decision
	var rationale, designRef, policyRef, parent sql.NullString
	err := scan(&d.ID, &d.ProjectID, &d.TS, &d.Actor, &d.Type, &d.Description, &rationale, &designRef, &policyRef, &parent)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if rationale.Valid {
		d.Rationale = rationale.String
	}
	if designRef.Valid {
		d.DesignRef = designRef.String
	}
	if policyRef.Valid {
		d.PolicyRef = policyRef.String
	}
	if parent.Valid {
		d.ParentID = &parent.String
	}
	return d, nil
}

func (r Repo) GetDecision(ctx context.Context, id string) (domain.Decision, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+decisionCols+` FROM decisions WHERE id=?`, id)
	return scanDecision(row.Scan)
}

// ListDecisions returns a project's decision log in append order.
func (r Repo) ListDecisions(ctx context.Context, projectID string) ([]domain.Decision, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+decisionCols+` FROM decisions WHERE project_id=? ORDER BY rowid`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Decision
	for rows.Next() {
		d, err := scanDecision(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// LatestDecisionTx returns the newest decision for a project, used to chain
// a new record onto the log.
func (r Repo) LatestDecisionTx(ctx context.Context, tx *sql.Tx, projectID string) (domain.Decision, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+decisionCols+` FROM decisions WHERE project_id=? ORDER BY rowid DESC LIMIT 1`, projectID)
	return scanDecision(row.Scan)
}

func (r Repo) CountDecisions(ctx context.Context, projectID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM decisions WHERE project_id=?`, projectID).Scan(&n)
	return n, err
}

// --- artifacts ---

const artifactCols = `id,project_id,path,contract_id,tier,subsystem,verdict_id,decision_id,supersedes_id,created_at`

func (r Repo) InsertArtifact(ctx context.Context, tx *sql.Tx, a domain.Artifact) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO artifacts(`+artifactCols+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.ProjectID, a.Path, a.ContractID, a.Tier, a.Subsystem, a.VerdictID, a.DecisionID, nullableStringPtr(a.SupersedesID), a.CreatedAt)
	return err
}

func scanArtifact(scan func(...any) error) (domain.Artifact, error) {
	var a domain.Artifact
	var supersedes sql.NullString
	err := scan(&a.ID, &a.ProjectID, &a.Path, &a.ContractID, &a.Tier, &a.Subsystem, &a.VerdictID, &a.DecisionID, &supersedes, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if supersedes.Valid {
		a.SupersedesID = &supersedes.String
	}
	return a, err
}

func (r Repo) GetArtifact(ctx context.Context, id string) (domain.Artifact, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+artifactCols+` FROM artifacts WHERE id=?`, id)
	return scanArtifact(row.Scan)
}

func (r Repo) ListArtifacts(ctx context.Context, projectID string) ([]domain.Artifact, error) {
	return listArtifacts(ctx, r.DB.QueryContext, projectID)
}

func (r Repo) ListArtifactsTx(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.Artifact, error) {
	return listArtifacts(ctx, tx.QueryContext, projectID)
}

func listArtifacts(ctx context.Context, query queryFn, projectID string) ([]domain.Artifact, error) {
	rows, err := query(ctx, `SELECT `+artifactCols+` FROM artifacts WHERE project_id=? ORDER BY rowid`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) CountArtifacts(ctx context.Context, projectID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM artifacts WHERE project_id=?`, projectID).Scan(&n)
	return n, err
}

// --- usage ---

func (r Repo) InsertUsage(ctx context.Context, tx *sql.Tx, u domain.UsageEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO usage(project_id,task_id,tier,role,provider,model,input_tokens,output_tokens,estimated_cost,ts) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		u.ProjectID, u.TaskID, u.Tier, u.Role, u.Provider, u.Model, u.InputTokens, u.OutputTokens, u.EstimatedCost, u.TS)
	return err
}

func (r Repo) ListUsage(ctx context.Context, projectID string) ([]domain.UsageEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,task_id,tier,role,provider,model,input_tokens,output_tokens,estimated_cost,ts FROM usage WHERE project_id=? ORDER BY id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.UsageEntry
	for rows.Next() {
		var u domain.UsageEntry
		if err := rows.Scan(&u.ID, &u.ProjectID, &u.TaskID, &u.Tier, &u.Role, &u.Provider, &u.Model, &u.InputTokens, &u.OutputTokens, &u.EstimatedCost, &u.TS); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// --- events ---

// ListEvents returns a project's full journal in insertion order.
func (r Repo) ListEvents(ctx context.Context, projectID string) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,ts,type,project_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE project_id=? ORDER BY id ASC`,
		projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (r Repo) LatestEvents(ctx context.Context, limit int, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,project_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var projectID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &projectID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if projectID.Valid {
			e.ProjectID = projectID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalStringSlice(in []string) (*string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func marshalJSONOrNil[T any](in []T) (*string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}
