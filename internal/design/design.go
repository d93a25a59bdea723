// Package design models the structural design document a project is built
// from: subsystems per tier, their state schemas, rules, permitted verbs
// and cross-subsystem dependencies.
package design

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

type Document struct {
	Project    string      `yaml:"project" json:"project"`
	Vision     string      `yaml:"vision,omitempty" json:"vision,omitempty"`
	Subsystems []Subsystem `yaml:"subsystems" json:"subsystems"`
}

type Subsystem struct {
	Name         string        `yaml:"name" json:"name"`
	Tier         int           `yaml:"tier" json:"tier"`
	Layer        string        `yaml:"layer" json:"layer"`
	Objective    string        `yaml:"objective,omitempty" json:"objective,omitempty"`
	Schema       []SchemaField `yaml:"schema,omitempty" json:"schema,omitempty"`
	Rules        []Rule        `yaml:"rules,omitempty" json:"rules,omitempty"`
	Verbs        []string      `yaml:"verbs,omitempty" json:"verbs,omitempty"`
	DependsOn    []string      `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	MustNotTouch []string      `yaml:"must_not_touch,omitempty" json:"must_not_touch,omitempty"`
	CrossCutting bool          `yaml:"cross_cutting,omitempty" json:"cross_cutting,omitempty"`
	Steps        []string      `yaml:"steps,omitempty" json:"steps,omitempty"`
}

type SchemaField struct {
	Name        string `yaml:"name" json:"name"`
	Type        string `yaml:"type" json:"type"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

const (
	HardnessHard = "hard"
	HardnessSoft = "soft"
)

type Rule struct {
	ID       string `yaml:"id" json:"id"`
	Text     string `yaml:"text" json:"text"`
	Hardness string `yaml:"hardness" json:"hardness"` // hard | soft
}

// Slice is the read-only sub-view of the document handed to one contract.
// Workers never see anything beyond their slice.
type Slice struct {
	Subsystem string        `json:"subsystem"`
	Layer     string        `json:"layer"`
	Schema    []SchemaField `json:"schema,omitempty"`
	Rules     []Rule        `json:"rules,omitempty"`
	Verbs     []string      `json:"verbs"`
}

// Parse decodes and validates a design document from YAML.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid design yaml: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (d *Document) Validate() error {
	if d.Project == "" {
		return fmt.Errorf("design.project is required")
	}
	if len(d.Subsystems) == 0 {
		return fmt.Errorf("design.subsystems is required")
	}
	seen := map[string]bool{}
	for _, s := range d.Subsystems {
		if s.Name == "" {
			return fmt.Errorf("design has subsystem with empty name")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate subsystem %s", s.Name)
		}
		seen[s.Name] = true
		if s.Tier < 1 {
			return fmt.Errorf("subsystem %s has tier %d; tiers start at 1", s.Name, s.Tier)
		}
		switch s.Layer {
		case "state", "rules", "policy", "interface":
		default:
			return fmt.Errorf("subsystem %s has unknown layer %q", s.Name, s.Layer)
		}
		for _, r := range s.Rules {
			if r.ID == "" {
				return fmt.Errorf("subsystem %s has rule with empty id", s.Name)
			}
			if r.Hardness != HardnessHard && r.Hardness != HardnessSoft {
				return fmt.Errorf("rule %s has invalid hardness %q", r.ID, r.Hardness)
			}
		}
	}
	for _, s := range d.Subsystems {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("subsystem %s depends on unknown subsystem %s", s.Name, dep)
			}
		}
	}
	return nil
}

// Subsystem returns the named subsystem.
func (d *Document) Subsystem(name string) (Subsystem, error) {
	for _, s := range d.Subsystems {
		if s.Name == name {
			return s, nil
		}
	}
	return Subsystem{}, fmt.Errorf("subsystem %s not in design document", name)
}

// TierSubsystems returns subsystems active in a tier, name-ordered for
// deterministic planning.
func (d *Document) TierSubsystems(tier int) []Subsystem {
	var res []Subsystem
	for _, s := range d.Subsystems {
		if s.Tier == tier {
			res = append(res, s)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res
}

// MaxTier returns the highest tier declared in the document.
func (d *Document) MaxTier() int {
	max := 0
	for _, s := range d.Subsystems {
		if s.Tier > max {
			max = s.Tier
		}
	}
	return max
}

// SliceFor extracts the contract input slice for one subsystem.
func (d *Document) SliceFor(name string) (Slice, error) {
	s, err := d.Subsystem(name)
	if err != nil {
		return Slice{}, err
	}
	return Slice{
		Subsystem: s.Name,
		Layer:     s.Layer,
		Schema:    s.Schema,
		Rules:     s.Rules,
		Verbs:     s.Verbs,
	}, nil
}
