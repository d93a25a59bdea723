// Package gate handles decision gate construction and resolution rules.
// Gates are strictly serialized per project: activating one while another
// is pending is an error, and resolution happens exactly once.
package gate

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"covenant/internal/domain"
)

var (
	ErrGatePending   = errors.New("a gate is already pending for this project")
	ErrGateResolved  = errors.New("gate is already resolved")
	ErrUnknownOption = errors.New("selected option is not offered by this gate")
)

// New builds a pending gate. The caller is responsible for checking the
// project has no pending gate before persisting it.
func New(projectID, gateType string, tier int, trigger string, options []domain.GateOption, now time.Time) (domain.Gate, error) {
	if len(options) == 0 {
		return domain.Gate{}, fmt.Errorf("gate of type %s offers no options", gateType)
	}
	seen := map[string]bool{}
	for _, o := range options {
		if o.Letter == "" || o.Name == "" {
			return domain.Gate{}, fmt.Errorf("gate option needs letter and name")
		}
		if seen[o.Letter] {
			return domain.Gate{}, fmt.Errorf("duplicate gate option %s", o.Letter)
		}
		seen[o.Letter] = true
	}
	return domain.Gate{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Type:      gateType,
		Tier:      tier,
		Trigger:   trigger,
		Status:    domain.GatePending,
		Options:   options,
		CreatedAt: now.UTC().Format(time.RFC3339),
	}, nil
}

// Resolve validates a response against the gate and returns the resolved
// gate plus whether the response opens a fresh gate (explore_differently).
func Resolve(g domain.Gate, resp domain.GateResponse, now time.Time) (domain.Gate, bool, error) {
	if g.Status != domain.GatePending {
		return g, false, fmt.Errorf("%w: %s (%s)", ErrGateResolved, g.ID, g.Status)
	}
	if resp.ActorID == "" {
		return g, false, fmt.Errorf("gate response requires an actor")
	}

	offered := map[string]bool{}
	for _, o := range g.Options {
		offered[o.Letter] = true
	}

	reopen := false
	var status string
	switch resp.Kind {
	case domain.ResponseChoose:
		if !offered[resp.SelectedOption] {
			return g, false, fmt.Errorf("%w: %q", ErrUnknownOption, resp.SelectedOption)
		}
		status = domain.GateApproved
	case domain.ResponseChooseModified:
		if !offered[resp.SelectedOption] {
			return g, false, fmt.Errorf("%w: %q", ErrUnknownOption, resp.SelectedOption)
		}
		if len(resp.Modifications) == 0 {
			return g, false, fmt.Errorf("choose_with_modifications requires modifications")
		}
		status = domain.GateApproved
	case domain.ResponseCombine:
		if len(resp.CombinedOptions) < 2 {
			return g, false, fmt.Errorf("combine requires at least two options")
		}
		for _, letter := range resp.CombinedOptions {
			if !offered[letter] {
				return g, false, fmt.Errorf("%w: %q", ErrUnknownOption, letter)
			}
		}
		status = domain.GateApproved
	case domain.ResponseReviseProceed:
		if resp.Feedback == "" {
			return g, false, fmt.Errorf("revise_and_proceed requires feedback")
		}
		status = domain.GateApproved
	case domain.ResponseExploreDifferently:
		if resp.Feedback == "" {
			return g, false, fmt.Errorf("explore_differently requires feedback on what to explore")
		}
		status = domain.GateDeferred
		reopen = true
	case domain.ResponseReject:
		if resp.Reason == "" {
			return g, false, fmt.Errorf("reject requires a reason")
		}
		status = domain.GateRejected
	default:
		return g, false, fmt.Errorf("unknown gate response kind %q", resp.Kind)
	}

	if err := domain.EnsureGateResolution(g, status); err != nil {
		return g, false, err
	}
	g.Status = status
	g.Response = &resp
	ts := now.UTC().Format(time.RFC3339)
	g.ResolvedAt = &ts
	return g, reopen, nil
}

// Describe renders a one-line summary of a resolution for the decision log.
func Describe(g domain.Gate) string {
	if g.Response == nil {
		return fmt.Sprintf("%s gate pending", g.Type)
	}
	r := g.Response
	switch r.Kind {
	case domain.ResponseChoose:
		return fmt.Sprintf("%s gate: chose option %s", g.Type, r.SelectedOption)
	case domain.ResponseChooseModified:
		return fmt.Sprintf("%s gate: chose option %s with %d modifications", g.Type, r.SelectedOption, len(r.Modifications))
	case domain.ResponseCombine:
		return fmt.Sprintf("%s gate: combined options %s", g.Type, strings.Join(r.CombinedOptions, "+"))
	case domain.ResponseReviseProceed:
		return fmt.Sprintf("%s gate: proceed with feedback applied", g.Type)
	case domain.ResponseExploreDifferently:
		return fmt.Sprintf("%s gate: deferred, different options requested", g.Type)
	case domain.ResponseReject:
		return fmt.Sprintf("%s gate: rejected (%s)", g.Type, r.Reason)
	}
	return fmt.Sprintf("%s gate resolved", g.Type)
}
