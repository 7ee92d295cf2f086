package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pitabwire/signoff/internal/capability"
	"github.com/pitabwire/signoff/internal/definition"
	"github.com/pitabwire/signoff/internal/guard"
	"github.com/pitabwire/signoff/internal/workflow"
	"github.com/pitabwire/signoff/model"
)

const definitionsDir = "../../definitions"

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--env-file", filepath.Join(t.TempDir(), "missing.env")))
	err := root.Execute()
	return out.String(), err
}

func TestValidate_shippedDefinitions(t *testing.T) {
	out, err := execute(t, "validate", definitionsDir)
	if err != nil {
		t.Fatalf("validate error: %v\n%s", err, out)
	}
	if !strings.Contains(out, "valid") {
		t.Errorf("output = %q, want a summary", out)
	}
}

func TestValidate_reportsProblems(t *testing.T) {
	dir := t.TempDir()
	bad := []byte(`domain: broken
version: "1"
templates:
  - id: broken.empty
    name: No steps
    version: 1
    entity_type: thing
    steps: []
`)
	if err := os.WriteFile(filepath.Join(dir, "broken.yaml"), bad, 0o600); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}

	out, err := execute(t, "validate", dir)
	if err == nil {
		t.Fatalf("validate error = nil, want problems\n%s", out)
	}
	if !strings.Contains(out, "at least one step is required") {
		t.Errorf("output = %q, want the missing steps reported", out)
	}
}

func TestValidate_requiresDirectory(t *testing.T) {
	if _, err := execute(t, "validate"); err == nil {
		t.Fatal("validate without arguments should fail")
	}
}

func TestMigrate_sqlite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signoff.db")
	out, err := execute(t, "migrate", "--driver", "sqlite", "--sqlite-path", path)
	if err != nil {
		t.Fatalf("migrate error: %v\n%s", err, out)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("database file not created: %v", err)
	}
}

func TestMigrate_postgresWithoutDSN(t *testing.T) {
	t.Setenv("SIGNOFF_TEST_EMPTY_DSN", "")
	_, err := execute(t, "migrate", "--dsn-env", "SIGNOFF_TEST_EMPTY_DSN")
	if err == nil || !strings.Contains(err.Error(), "SIGNOFF_TEST_EMPTY_DSN") {
		t.Fatalf("migrate error = %v, want missing DSN", err)
	}
}

func TestVerify_sqliteHistory(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "signoff.db")

	defs, err := definition.NewLoader().LoadAll([]string{definitionsDir})
	if err != nil {
		t.Fatalf("LoadAll error: %v", err)
	}
	compiled, verrs := definition.Compile(defs)
	if len(verrs) > 0 {
		t.Fatalf("Compile errors: %v", verrs)
	}

	store, err := workflow.OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("OpenSQLite error: %v", err)
	}
	resolver := capability.NewResolver(capability.NewStaticPolicy(nil), 0)
	engine := workflow.NewEngine(store, guard.NewRegistry(compiled.Tables...), resolver)
	if err := engine.SeedTemplates(ctx, compiled.Templates); err != nil {
		t.Fatalf("SeedTemplates error: %v", err)
	}
	promoter := &model.RequestContext{SubjectID: "p-1", TenantID: "acme", Roles: []string{"promoter"}}
	inst, err := engine.StartInstance(ctx, promoter, "sales.contract", model.EntityRef{Type: "contract", ID: "c-1"})
	if err != nil {
		t.Fatalf("StartInstance error: %v", err)
	}
	if _, err := engine.ApproveStep(ctx, promoter, inst.ID, model.Decision{}); err != nil {
		t.Fatalf("ApproveStep error: %v", err)
	}
	store.Close()

	out, err := execute(t, "verify", "contract", "c-1",
		"--driver", "sqlite", "--sqlite-path", path, "--definitions", definitionsDir)
	if err != nil {
		t.Fatalf("verify error: %v\n%s", err, out)
	}
	if !strings.Contains(out, "2 record(s) verified") {
		t.Errorf("output = %q, want 2 records verified", out)
	}
}
