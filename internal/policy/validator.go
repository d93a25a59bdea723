// Package policy implements the automated check pass over worker outputs.
// The validator is a pure function of its inputs so the same output always
// produces the same check results.
package policy

import (
	"fmt"

	"covenant/internal/config"
	"covenant/internal/design"
	"covenant/internal/domain"
)

// Failure codes, one per check class.
const (
	CodeMissingArtifact    = "MISSING_ARTIFACT"
	CodeSchemaMismatch     = "SCHEMA_MISMATCH"
	CodeUnknownVerb        = "UNKNOWN_VERB"
	CodeSoftConstraint     = "SOFT_CONSTRAINT"
	CodeLayerViolation     = "LAYER_VIOLATION"
	CodeUnseededRandomness = "UNSEEDED_RANDOMNESS"
	CodeScopeViolation     = "SCOPE_VIOLATION"
)

// Check class names in evaluation order.
const (
	CheckStructural  = "structural"
	CheckVocabulary  = "vocabulary"
	CheckConstraints = "constraints"
	CheckLayering    = "layering"
	CheckDeterminism = "determinism"
	CheckScope       = "scope"
)

type Validator struct {
	Charter *config.Charter
}

// Validate runs the six check classes in fixed order. Evaluation stops after
// the first class that produced failures, but every violation within that
// class is reported.
func (v Validator) Validate(output domain.WorkerOutput, contract domain.TaskContract, slice design.Slice) []domain.CheckResult {
	var results []domain.CheckResult
	classes := []struct {
		name string
		run  func(domain.WorkerOutput, domain.TaskContract, design.Slice) []domain.CheckResult
	}{
		{CheckStructural, v.checkStructural},
		{CheckVocabulary, v.checkVocabulary},
		{CheckConstraints, v.checkConstraints},
		{CheckLayering, v.checkLayering},
		{CheckDeterminism, v.checkDeterminism},
		{CheckScope, v.checkScope},
	}
	for _, class := range classes {
		failures := class.run(output, contract, slice)
		if len(failures) > 0 {
			return append(results, failures...)
		}
		results = append(results, domain.CheckResult{Name: class.name, Passed: true})
	}
	return results
}

// Passed reports whether a check run contains no failures.
func Passed(checks []domain.CheckResult) bool {
	for _, c := range checks {
		if !c.Passed {
			return false
		}
	}
	return true
}

func fail(name, code, format string, args ...any) domain.CheckResult {
	return domain.CheckResult{Name: name, Passed: false, Code: code, Detail: fmt.Sprintf(format, args...)}
}

func (v Validator) checkStructural(output domain.WorkerOutput, contract domain.TaskContract, slice design.Slice) []domain.CheckResult {
	var failures []domain.CheckResult
	if len(output.Artifacts) == 0 {
		return append(failures, fail(CheckStructural, CodeMissingArtifact, "output for contract %s declares no artifacts", contract.ID))
	}
	known := map[string]bool{}
	for _, f := range slice.Schema {
		known[f.Name] = true
	}
	for _, a := range output.Artifacts {
		if a.Path == "" {
			failures = append(failures, fail(CheckStructural, CodeMissingArtifact, "artifact for subsystem %s has no path", a.Subsystem))
			continue
		}
		for _, field := range a.SchemaFields {
			if !known[field] {
				failures = append(failures, fail(CheckStructural, CodeSchemaMismatch, "%s declares schema field %q outside the contract slice", a.Path, field))
			}
		}
	}
	return failures
}

func (v Validator) checkVocabulary(output domain.WorkerOutput, contract domain.TaskContract, _ design.Slice) []domain.CheckResult {
	allowed := map[string]bool{}
	for _, verb := range contract.AllowedVerbs {
		allowed[verb] = true
	}
	var failures []domain.CheckResult
	for _, a := range output.Artifacts {
		for _, verb := range a.VerbsUsed {
			if !v.Charter.KnownVerb(verb) {
				failures = append(failures, fail(CheckVocabulary, CodeUnknownVerb, "%s uses verb %q absent from the vocabulary catalog", a.Path, verb))
				continue
			}
			if !allowed[verb] {
				failures = append(failures, fail(CheckVocabulary, CodeUnknownVerb, "%s uses verb %q not granted by the contract", a.Path, verb))
			}
		}
	}
	return failures
}

func (v Validator) checkConstraints(output domain.WorkerOutput, _ domain.TaskContract, slice design.Slice) []domain.CheckResult {
	hardness := map[string]string{}
	for _, rule := range slice.Rules {
		hardness[rule.ID] = rule.Hardness
	}
	var failures []domain.CheckResult
	for _, a := range output.Artifacts {
		for _, c := range a.Constraints {
			h, ok := hardness[c.RuleID]
			if !ok {
				failures = append(failures, fail(CheckConstraints, CodeSoftConstraint, "%s handles unknown rule %q", a.Path, c.RuleID))
				continue
			}
			if h == design.HardnessHard && c.Enforcement != "reject" {
				failures = append(failures, fail(CheckConstraints, CodeSoftConstraint, "%s enforces hard rule %q as %q instead of rejecting", a.Path, c.RuleID, c.Enforcement))
			}
		}
	}
	return failures
}

func (v Validator) checkLayering(output domain.WorkerOutput, _ domain.TaskContract, _ design.Slice) []domain.CheckResult {
	var failures []domain.CheckResult
	for _, a := range output.Artifacts {
		core := 0
		for _, layer := range a.Layers {
			if !v.Charter.KnownLayer(layer) {
				failures = append(failures, fail(CheckLayering, CodeLayerViolation, "%s declares unknown layer %q", a.Path, layer))
				continue
			}
			switch layer {
			case "state", "rules", "policy":
				core++
			}
		}
		if core > 1 {
			failures = append(failures, fail(CheckLayering, CodeLayerViolation, "%s mixes state, rule and policy concerns in one unit", a.Path))
		}
	}
	return failures
}

func (v Validator) checkDeterminism(output domain.WorkerOutput, _ domain.TaskContract, _ design.Slice) []domain.CheckResult {
	var failures []domain.CheckResult
	for _, a := range output.Artifacts {
		for _, r := range a.Randomness {
			if !r.Seeded || !r.Logged {
				failures = append(failures, fail(CheckDeterminism, CodeUnseededRandomness, "%s uses randomness at %s without seed control and logging", a.Path, r.Site))
			}
		}
	}
	return failures
}

func (v Validator) checkScope(output domain.WorkerOutput, contract domain.TaskContract, _ design.Slice) []domain.CheckResult {
	forbidden := map[string]bool{}
	for _, t := range contract.MustNotTouch {
		forbidden[t] = true
	}
	var failures []domain.CheckResult
	for _, a := range output.Artifacts {
		if a.Subsystem != contract.Subsystem && !contract.CrossCutting {
			failures = append(failures, fail(CheckScope, CodeScopeViolation, "%s targets subsystem %q outside contract scope %q", a.Path, a.Subsystem, contract.Subsystem))
		}
		for _, t := range a.Touches {
			if forbidden[t] {
				failures = append(failures, fail(CheckScope, CodeScopeViolation, "%s touches %q which the contract forbids", a.Path, t))
			}
		}
	}
	return failures
}
