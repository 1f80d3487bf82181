package cli_test

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/headline-goat/labgoat/internal/cli"
)

func run(t *testing.T, db string, args ...string) (string, error) {
	t.Helper()
	cmd := cli.NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--db", db, "--log-level", "error"))
	err := cmd.Execute()
	return out.String(), err
}

func mustRun(t *testing.T, db string, args ...string) string {
	t.Helper()
	out, err := run(t, db, args...)
	if err != nil {
		t.Fatalf("%v failed: %v\n%s", args, err, out)
	}
	return out
}

func tempDB(t *testing.T) string {
	return filepath.Join(t.TempDir(), "labgoat.db")
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExperimentLifecycle(t *testing.T) {
	db := tempDB(t)

	out := mustRun(t, db, "create", "Hero Headline", "--variants", "Control,Ship Faster", "--page", "/", "--element", "h1")
	for _, want := range []string{"hero-headline", "control", "ship-faster", "50.0%"} {
		if !strings.Contains(out, want) {
			t.Errorf("create output missing %q:\n%s", want, out)
		}
	}

	out = mustRun(t, db, "list")
	if !strings.Contains(out, "hero-headline") || !strings.Contains(out, "DRAFT") {
		t.Errorf("list output unexpected:\n%s", out)
	}

	out = mustRun(t, db, "start", "hero-headline")
	if !strings.Contains(out, "running") {
		t.Errorf("start output unexpected:\n%s", out)
	}

	out = mustRun(t, db, "list", "--status", "running")
	if !strings.Contains(out, "RUNNING") {
		t.Errorf("filtered list missing running experiment:\n%s", out)
	}

	out = mustRun(t, db, "results", "hero-headline")
	for _, want := range []string{"EXPERIMENT: Hero Headline", "VARIANT", "VS CONTROL", "(control)"} {
		if !strings.Contains(out, want) {
			t.Errorf("results output missing %q:\n%s", want, out)
		}
	}

	mustRun(t, db, "pause", "hero-headline")

	out = mustRun(t, db, "stop", "hero-headline", "--winner", "ship-faster")
	if !strings.Contains(out, "Winner: ship-faster") {
		t.Errorf("stop output unexpected:\n%s", out)
	}

	if _, err := run(t, db, "start", "hero-headline"); err == nil {
		t.Error("expected completed experiment to refuse start")
	}
}

func TestCreate_Errors(t *testing.T) {
	db := tempDB(t)

	if _, err := run(t, db, "create", "hero", "--variants", "Only"); err == nil {
		t.Error("expected single variant to fail")
	}
	if _, err := run(t, db, "create", "hero", "--variants", "A,B", "--split", "50"); err == nil {
		t.Error("expected mismatched split to fail")
	}

	_, err := run(t, db, "create", "hero", "--variants", "A,B", "--split", "60,50")
	if err == nil || !strings.Contains(err.Error(), "allocation") {
		t.Errorf("expected allocation violation, got %v", err)
	}
}

func TestStart_Conflict(t *testing.T) {
	db := tempDB(t)
	mustRun(t, db, "create", "one", "--variants", "A,B", "--page", "/landing", "--element", ".cta")
	mustRun(t, db, "create", "two", "--variants", "A,B", "--page", "/landing", "--element", ".cta")
	mustRun(t, db, "start", "one")

	_, err := run(t, db, "start", "two")
	if err == nil || !strings.Contains(err.Error(), "one") {
		t.Errorf("expected conflict naming 'one', got %v", err)
	}
}

func TestValidate(t *testing.T) {
	db := tempDB(t)

	valid := writeFile(t, "hero.yaml", `
name: hero
primaryGoal:
  id: signup
  name: Signup
variants:
  - id: control
    name: Control
    isControl: true
    trafficAllocation: 60
  - id: bold
    name: Bold
    trafficAllocation: 40
`)
	out := mustRun(t, db, "validate", valid)
	if !strings.Contains(out, "is valid") {
		t.Errorf("expected valid, got:\n%s", out)
	}

	invalid := writeFile(t, "hero.json", `{
		"name": "hero",
		"primaryGoal": {"id": "signup"},
		"variants": [
			{"id": "control", "isControl": true, "trafficAllocation": 60},
			{"id": "bold", "trafficAllocation": 50}
		]
	}`)
	out, err := run(t, db, "validate", invalid)
	if err == nil {
		t.Fatal("expected validation to fail")
	}
	if !strings.Contains(out, "allocation_sum") {
		t.Errorf("expected allocation_sum in output:\n%s", out)
	}

	if _, err := run(t, db, "validate", writeFile(t, "hero.txt", "x")); err == nil {
		t.Error("expected unsupported extension to fail")
	}
}

func TestSampleSize(t *testing.T) {
	out := mustRun(t, tempDB(t), "sample-size", "--baseline", "0.05", "--mde", "0.2")
	for _, want := range []string{"Per variant", "Total", "Estimated days"} {
		if !strings.Contains(out, want) {
			t.Errorf("sample-size output missing %q:\n%s", want, out)
		}
	}

	if _, err := run(t, tempDB(t), "sample-size", "--baseline", "1.5", "--mde", "0.2"); err == nil {
		t.Error("expected invalid baseline to fail")
	}
}

func TestExport(t *testing.T) {
	db := tempDB(t)
	mustRun(t, db, "create", "hero", "--variants", "A,B")

	out := mustRun(t, db, "export", "hero")
	records, err := csv.NewReader(strings.NewReader(out)).ReadAll()
	if err != nil {
		t.Fatalf("export is not CSV: %v", err)
	}
	if len(records) != 1 || records[0][0] != "timestamp" {
		t.Errorf("expected header only, got %v", records)
	}

	out = mustRun(t, db, "export", "hero", "--format", "json")
	if !strings.Contains(out, `"experimentId": "hero"`) || !strings.Contains(out, `"conversions": []`) {
		t.Errorf("unexpected JSON export:\n%s", out)
	}

	if _, err := run(t, db, "export", "hero", "--format", "xml"); err == nil {
		t.Error("expected invalid format to fail")
	}
	if _, err := run(t, db, "export", "missing"); err == nil {
		t.Error("expected unknown experiment to fail")
	}
}

func TestAutopilot(t *testing.T) {
	db := tempDB(t)
	signals := writeFile(t, "signals.json", `{"signals": [
		{"page": "/pricing", "element": "button.cta", "visitors": 20000, "conversionRate": 0.01,
		 "bounceRate": 0.7, "timeOnPage": 20, "clickThroughRate": 0.02}
	]}`)

	out := mustRun(t, db, "autopilot", signals, "--create", "--owner", "growth")
	for _, want := range []string{"/pricing", "HYPOTHESIS", "Created draft"} {
		if !strings.Contains(out, want) {
			t.Errorf("autopilot output missing %q:\n%s", want, out)
		}
	}

	out = mustRun(t, db, "list", "--status", "draft")
	if !strings.Contains(out, "Autopilot") {
		t.Errorf("expected autopilot draft in list:\n%s", out)
	}

	out = mustRun(t, db, "autopilot", signals, "--top", "0")
	if strings.Contains(out, "HYPOTHESIS") {
		t.Errorf("--top 0 should list opportunities only:\n%s", out)
	}
	if _, err := run(t, db, "autopilot", signals, "--top", "-1"); err == nil {
		t.Error("expected negative --top to fail")
	}

	bad := writeFile(t, "bad.json", `[{"page": "", "conversionRate": 3}]`)
	if _, err := run(t, db, "autopilot", bad); err == nil {
		t.Error("expected invalid signals to fail")
	}
}

func TestSnippet(t *testing.T) {
	db := tempDB(t)
	mustRun(t, db, "create", "hero", "--variants", "A,B", "--page", "/", "--element", "h1.title")

	out := mustRun(t, db, "snippet", "hero", "--server-url", "https://ab.example.com/")
	for _, want := range []string{
		`<script src="https://ab.example.com/labgoat.js" defer></script>`,
		`<h1 data-labgoat-experiment="hero">`,
		`data-labgoat-convert="hero"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("snippet missing %q:\n%s", want, out)
		}
	}

	mustRun(t, db, "start", "hero")
	mustRun(t, db, "stop", "hero", "--winner", "b")
	out = mustRun(t, db, "snippet", "hero", "--server-url", "https://ab.example.com")
	if strings.Contains(out, "labgoat.js") || !strings.Contains(out, `winner "B"`) {
		t.Errorf("expected static winner markup:\n%s", out)
	}
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, "labgoat.yaml", "store:\n  driver: badger\n")
	db := filepath.Join(dir, "badger")

	mustRun(t, db, "--config", cfg, "create", "hero", "--variants", "A,B")
	out := mustRun(t, db, "--config", cfg, "list")
	if !strings.Contains(out, "hero") {
		t.Errorf("badger-backed list missing experiment:\n%s", out)
	}

	if _, err := run(t, db, "--config", writeFile(t, "bad.yaml", "store:\n  driver: postgres\n"), "list"); err == nil {
		t.Error("expected unknown driver to fail")
	}
}
