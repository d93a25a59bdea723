package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"covenant/internal/config"
)

func TestDefaultValidates(t *testing.T) {
	c := config.Default("demo")
	if err := c.Validate(); err != nil {
		t.Fatalf("default charter invalid: %v", err)
	}
	if c.Project.ID != "demo" {
		t.Fatalf("unexpected project id %q", c.Project.ID)
	}
	if !c.KnownVerb("create") || c.KnownVerb("refactor") {
		t.Fatalf("vocabulary lookup wrong")
	}
	if !c.KnownLayer("state") || c.KnownLayer("frontend") {
		t.Fatalf("layer lookup wrong")
	}
}

func TestGenerateDefaultRoundTrip(t *testing.T) {
	c, err := config.FromYAML([]byte(config.GenerateDefault("demo")))
	if err != nil {
		t.Fatalf("generated charter invalid: %v", err)
	}
	if c.Dispatch.ConcurrencyLimit != 4 || c.State.MutateRetries != 5 {
		t.Fatalf("unexpected defaults: %+v", c.Dispatch)
	}
}

func TestFromYAMLRejectsMissingPieces(t *testing.T) {
	base := config.GenerateDefault("demo")
	for _, cut := range []string{"kind: constitutional-project", "- state"} {
		broken := strings.Replace(base, cut, "", 1)
		if _, err := config.FromYAML([]byte(broken)); err == nil {
			t.Fatalf("expected validation error after removing %q", cut)
		}
	}
	if _, err := config.FromYAML([]byte("not: [valid")); err == nil {
		t.Fatalf("expected yaml error")
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	c, err := config.LoadOptional(dir)
	if err != nil || c != nil {
		t.Fatalf("expected nil,nil for missing charter, got %v, %v", c, err)
	}
	path := filepath.Join(dir, "covenant.yml")
	if err := os.WriteFile(path, []byte(config.GenerateDefault("demo")), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err = config.LoadOptional(dir)
	if err != nil || c == nil {
		t.Fatalf("expected charter, got %v, %v", c, err)
	}
}
