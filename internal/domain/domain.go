package domain

import "fmt"

// Project phases.
const (
	PhaseDesign     = "design"
	PhaseBuild      = "build"
	PhaseValidation = "validation"
)

// Contract statuses.
const (
	ContractQueued         = "queued"
	ContractDispatched     = "dispatched"
	ContractAwaitingReview = "awaiting_review"
	ContractAccepted       = "accepted"
	ContractRejected       = "rejected"
	ContractRevised        = "revised"
	ContractEscalated      = "escalated"
)

// Concurrency classes.
const (
	ClassIndependent = "independent"
	ClassDependent   = "dependent"
)

// Verdict decisions.
const (
	VerdictAccept   = "accept"
	VerdictReject   = "reject"
	VerdictRevise   = "revise"
	VerdictEscalate = "escalate"
)

// Gate types.
const (
	GateVisionConfirmed = "vision-confirmed"
	GateDesignApproved  = "design-approved"
	GateTierComplete    = "tier-complete"
	GateScopeChange     = "scope-change"
	GateException       = "exception"
	GateFinal           = "final"
)

// Gate statuses.
const (
	GatePending  = "pending"
	GateApproved = "approved"
	GateRejected = "rejected"
	GateDeferred = "deferred"
)

// Gate response kinds.
const (
	ResponseChoose             = "choose"
	ResponseChooseModified     = "choose_with_modifications"
	ResponseCombine            = "combine"
	ResponseReviseProceed      = "revise_and_proceed"
	ResponseExploreDifferently = "explore_differently"
	ResponseReject             = "reject"
)

// Rollback policies for step units.
const (
	RollbackCommitPartial = "commit_partial"
	RollbackDiscardAll    = "discard_all"
)

type Project struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Phase         string  `json:"phase" enum:"design,build,validation"`
	Tier          int     `json:"tier"`
	Version       int64   `json:"version"`
	PendingGateID *string `json:"pending_gate_id,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

// DesignDocument is the authoritative structural description of a project.
// Revisions create a new version; the body is never edited in place.
type DesignDocument struct {
	ProjectID    string `json:"project_id"`
	Version      int    `json:"version"`
	Status       string `json:"status" enum:"draft,approved"`
	ApprovedTier int    `json:"approved_tier"`
	BodyYAML     string `json:"body_yaml"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

// TaskContract is a scoped unit of work. Immutable once dispatched except
// for status, revision counter and appended revision instructions.
type TaskContract struct {
	ID               string   `json:"id"`
	ProjectID        string   `json:"project_id"`
	Tier             int      `json:"tier"`
	Subsystem        string   `json:"subsystem"`
	CrossCutting     bool     `json:"cross_cutting,omitempty"`
	Objective        string   `json:"objective"`
	SliceJSON        string   `json:"slice_json"`
	MustNotTouch     []string `json:"must_not_touch,omitempty"`
	AllowedVerbs     []string `json:"allowed_verbs"`
	DependsOn        []string `json:"depends_on,omitempty"`
	ConcurrencyClass string   `json:"concurrency_class" enum:"independent,dependent"`
	ParallelGroup    int      `json:"parallel_group"`
	Status           string   `json:"status" enum:"queued,dispatched,awaiting_review,accepted,rejected,revised,escalated"`
	Revisions        int      `json:"revisions"`
	Instructions     *string  `json:"instructions,omitempty"`
	StepsJSON        *string  `json:"steps_json,omitempty"`
	RollbackPolicy   string   `json:"rollback_policy" enum:"commit_partial,discard_all"`
	CreatedAt        string   `json:"created_at" format:"date-time"`
	UpdatedAt        string   `json:"updated_at" format:"date-time"`
}

// ContractStep is one element of a sequential step unit.
type ContractStep struct {
	Index     int    `json:"index"`
	Objective string `json:"objective"`
}

// WorkerOutput is the result of executing a contract against a worker session.
type WorkerOutput struct {
	ID          string           `json:"id"`
	ContractID  string           `json:"contract_id"`
	Artifacts   []OutputArtifact `json:"artifacts"`
	Incomplete  []IncompleteItem `json:"incomplete,omitempty"`
	Questions   []string         `json:"questions,omitempty"`
	FailedStep  *int             `json:"failed_step,omitempty"`
	Usage       []UsageEntry     `json:"usage,omitempty"`
	SubmittedAt string           `json:"submitted_at" format:"date-time"`
}

// OutputArtifact is the declared manifest of one produced artifact. The
// validator checks declarations, it does not parse artifact content.
type OutputArtifact struct {
	Path         string               `json:"path"`
	Subsystem    string               `json:"subsystem"`
	Step         int                  `json:"step,omitempty"`
	SchemaFields []string             `json:"schema_fields,omitempty"`
	VerbsUsed    []string             `json:"verbs_used,omitempty"`
	Layers       []string             `json:"layers,omitempty"`
	Constraints  []ConstraintHandling `json:"constraints,omitempty"`
	Randomness   []RandomnessDecl     `json:"randomness,omitempty"`
	Touches      []string             `json:"touches,omitempty"`
	Content      string               `json:"content,omitempty"`
}

type ConstraintHandling struct {
	RuleID      string `json:"rule_id"`
	Enforcement string `json:"enforcement" enum:"reject,warn"`
}

type RandomnessDecl struct {
	Site   string `json:"site"`
	Seeded bool   `json:"seeded"`
	Logged bool   `json:"logged"`
}

type IncompleteItem struct {
	Item   string `json:"item"`
	Reason string `json:"reason"`
}

// CheckResult is one Policy Validator check outcome. Code is set only on failure.
type CheckResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// ReviewVerdict records one review pass over a worker output. A contract
// accumulates one verdict per attempt; all are retained.
type ReviewVerdict struct {
	ID                string        `json:"id"`
	ProjectID         string        `json:"project_id"`
	ContractID        string        `json:"contract_id"`
	Attempt           int           `json:"attempt"`
	Checks            []CheckResult `json:"checks"`
	SemanticNotes     string        `json:"semantic_notes,omitempty"`
	IntegrationIssues []string      `json:"integration_issues,omitempty"`
	Decision          string        `json:"decision" enum:"accept,reject,revise,escalate"`
	Instructions      string        `json:"instructions,omitempty"`
	FailedStep        *int          `json:"failed_step,omitempty"`
	RollbackPolicy    string        `json:"rollback_policy,omitempty"`
	CreatedAt         string        `json:"created_at" format:"date-time"`
}

type Gate struct {
	ID         string       `json:"id"`
	ProjectID  string       `json:"project_id"`
	Type       string       `json:"type" enum:"vision-confirmed,design-approved,tier-complete,scope-change,exception,final"`
	Tier       int          `json:"tier"`
	Trigger    string       `json:"trigger"`
	Status     string       `json:"status" enum:"pending,approved,rejected,deferred"`
	Options    []GateOption `json:"options"`
	Response   *GateResponse `json:"response,omitempty"`
	CreatedAt  string       `json:"created_at" format:"date-time"`
	ResolvedAt *string      `json:"resolved_at,omitempty" format:"date-time"`
}

// GateOption is one presented choice with its consequence projection.
type GateOption struct {
	Letter        string       `json:"letter"`
	Name          string       `json:"name"`
	Recommended   bool         `json:"recommended,omitempty"`
	Summary       string       `json:"summary"`
	OptimizesFor  []string     `json:"optimizes_for,omitempty"`
	Costs         []string     `json:"costs,omitempty"`
	Consequences  Consequences `json:"consequences"`
	Risk          string       `json:"risk,omitempty"`
	EstimatedCost string       `json:"estimated_cost,omitempty"`
	Timeline      string       `json:"timeline,omitempty"`
}

type Consequences struct {
	Immediate  []string `json:"immediate,omitempty"`
	Downstream []string `json:"downstream,omitempty"`
	LongTerm   []string `json:"long_term,omitempty"`
}

type GateResponse struct {
	Kind            string   `json:"kind" enum:"choose,choose_with_modifications,combine,revise_and_proceed,explore_differently,reject"`
	SelectedOption  string   `json:"selected_option,omitempty"`
	CombinedOptions []string `json:"combined_options,omitempty"`
	Modifications   []string `json:"modifications,omitempty"`
	Feedback        string   `json:"feedback,omitempty"`
	Reason          string   `json:"reason,omitempty"`
	ActorID         string   `json:"actor_id"`
}

// Decision is one append-only decision record. Records form a linear chain
// per project via ParentID; the root record carries the design reference.
type Decision struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	TS          string  `json:"ts" format:"date-time"`
	Actor       string  `json:"actor" enum:"human,design-authority,worker"`
	Type        string  `json:"type"`
	Description string  `json:"description"`
	Rationale   string  `json:"rationale,omitempty"`
	DesignRef   string  `json:"design_ref,omitempty"`
	PolicyRef   string  `json:"policy_ref,omitempty"`
	ParentID    *string `json:"parent_id,omitempty"`
}

// Artifact is an accepted, immutable output. Superseding creates a new record.
type Artifact struct {
	ID           string  `json:"id"`
	ProjectID    string  `json:"project_id"`
	Path         string  `json:"path"`
	ContractID   string  `json:"contract_id"`
	Tier         int     `json:"tier"`
	Subsystem    string  `json:"subsystem"`
	VerdictID    string  `json:"verdict_id"`
	DecisionID   string  `json:"decision_id"`
	SupersedesID *string `json:"supersedes_id,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

// UsageEntry is one numeric usage record reported by a worker call.
type UsageEntry struct {
	ID            int64   `json:"id"`
	ProjectID     string  `json:"project_id"`
	TaskID        string  `json:"task_id"`
	Tier          int     `json:"tier"`
	Role          string  `json:"role"`
	Provider      string  `json:"provider"`
	Model         string  `json:"model"`
	InputTokens   int     `json:"input_tokens"`
	OutputTokens  int     `json:"output_tokens"`
	EstimatedCost float64 `json:"estimated_cost"`
	TS            string  `json:"ts" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// EnsureContractTransition guards the contract lifecycle.
func EnsureContractTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case ContractQueued:
		if newStatus == ContractDispatched {
			return nil
		}
	case ContractDispatched:
		if newStatus == ContractAwaitingReview || newStatus == ContractEscalated {
			return nil
		}
	case ContractAwaitingReview:
		switch newStatus {
		case ContractAccepted, ContractRejected, ContractRevised, ContractEscalated:
			return nil
		}
	case ContractRevised:
		if newStatus == ContractDispatched || newStatus == ContractEscalated {
			return nil
		}
	}
	return fmt.Errorf("invalid contract status transition %s -> %s", oldStatus, newStatus)
}

// EnsureGateResolution guards that a gate is resolved exactly once.
func EnsureGateResolution(g Gate, status string) error {
	if g.Status != GatePending {
		return fmt.Errorf("gate %s already resolved (%s)", g.ID, g.Status)
	}
	switch status {
	case GateApproved, GateRejected, GateDeferred:
		return nil
	}
	return fmt.Errorf("invalid gate resolution %s", status)
}

// TerminalContract reports whether a contract needs no further scheduling.
func TerminalContract(status string) bool {
	switch status {
	case ContractAccepted, ContractRejected, ContractEscalated:
		return true
	}
	return false
}
