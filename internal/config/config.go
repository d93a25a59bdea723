package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Charter models covenant.yml: the per-project rule set injected into the
// validator and into worker context construction. Vocabulary and layer
// definitions are data, never hard-coded.
type Charter struct {
	Project struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"project"`
	Vocabulary struct {
		Catalog map[string]struct {
			Description string `yaml:"description"`
		} `yaml:"catalog"`
	} `yaml:"vocabulary"`
	Layers   []string `yaml:"layers"`
	Dispatch struct {
		ConcurrencyLimit     int `yaml:"concurrency_limit"`
		WorkerTimeoutSeconds int `yaml:"worker_timeout_seconds"`
		RetryBound           int `yaml:"retry_bound"`
		RevisionLimit        int `yaml:"revision_limit"`
	} `yaml:"dispatch"`
	State struct {
		MutateRetries int `yaml:"mutate_retries"`
	} `yaml:"state"`
}

// Load reads and validates the charter from a workspace.
func Load(workspace string) (*Charter, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("charter %s not found; import with cov charter import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the charter meets required structure.
func (c *Charter) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("charter.project.id is required")
	}
	if c.Project.Kind != "constitutional-project" {
		return fmt.Errorf("charter.project.kind must be 'constitutional-project'")
	}
	if len(c.Vocabulary.Catalog) == 0 {
		return fmt.Errorf("charter.vocabulary.catalog is required")
	}
	for verb := range c.Vocabulary.Catalog {
		if verb == "" {
			return fmt.Errorf("charter.vocabulary.catalog contains empty verb")
		}
	}
	if len(c.Layers) == 0 {
		return fmt.Errorf("charter.layers is required")
	}
	for _, l := range c.Layers {
		if l == "" {
			return fmt.Errorf("charter.layers contains empty layer")
		}
	}
	if c.Dispatch.ConcurrencyLimit < 1 {
		return fmt.Errorf("charter.dispatch.concurrency_limit must be >= 1")
	}
	if c.Dispatch.WorkerTimeoutSeconds < 1 {
		return fmt.Errorf("charter.dispatch.worker_timeout_seconds must be >= 1")
	}
	if c.Dispatch.RetryBound < 0 {
		return fmt.Errorf("charter.dispatch.retry_bound must be >= 0")
	}
	if c.Dispatch.RevisionLimit < 0 {
		return fmt.Errorf("charter.dispatch.revision_limit must be >= 0")
	}
	if c.State.MutateRetries < 1 {
		return fmt.Errorf("charter.state.mutate_retries must be >= 1")
	}
	return nil
}

// KnownVerb reports whether a verb is in the charter vocabulary.
func (c *Charter) KnownVerb(verb string) bool {
	_, ok := c.Vocabulary.Catalog[verb]
	return ok
}

// KnownLayer reports whether a layer concern is declared.
func (c *Charter) KnownLayer(layer string) bool {
	for _, l := range c.Layers {
		if l == layer {
			return true
		}
	}
	return false
}

// Path returns the charter file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "covenant.yml")
}

// GenerateDefault returns default charter YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// LoadOptional returns nil,nil if the charter file does not exist.
func LoadOptional(workspace string) (*Charter, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Charter for a project. The template is
// embedded, so a decode failure is a build defect, not a runtime condition.
func Default(projectID string) *Charter {
	var c Charter
	c.Project.ID = projectID
	c.Project.Kind = "constitutional-project"
	if err := yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&c); err != nil {
		panic(fmt.Sprintf("default charter template: %v", err))
	}
	return &c
}

// FromYAML parses and validates a charter from raw YAML bytes.
func FromYAML(data []byte) (*Charter, error) {
	var c Charter
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("invalid charter yaml: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// FromFile reads YAML charter from the given path.
func FromFile(path string) (*Charter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s
  kind: constitutional-project

vocabulary:
  catalog:
    create:
      description: "Introduce a new record or file within the declared scope"
    update:
      description: "Modify an existing record the subsystem owns"
    delete:
      description: "Remove a record the subsystem owns"
    derive:
      description: "Compute a value from owned state without mutating inputs"
    emit:
      description: "Publish an event or notification"
    validate:
      description: "Check input against declared rules, rejecting on failure"

layers:
  - state
  - rules
  - policy
  - interface

dispatch:
  concurrency_limit: 4
  worker_timeout_seconds: 300
  retry_bound: 2
  revision_limit: 2

state:
  mutate_retries: 5
`
