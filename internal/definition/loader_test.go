package definition

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

const orderRuleJSON = `{
  "rules": [
    {
      "id": "order-min-total",
      "entity": "orders",
      "hook": "before_write",
      "type": "field",
      "definition": {"field": "total", "operator": "min", "value": 1},
      "priority": 10,
      "active": true
    }
  ]
}`

const orderWorkflowJSON = `{
  "workflows": [
    {
      "id": "order-approval",
      "name": "Order approval",
      "trigger": {"type": "state_change", "entity": "orders", "field": "status", "to": "submitted"},
      "steps": [
        {"id": "notify", "type": "action", "actions": [{"type": "send_event", "event": "order.submitted"}], "then": "end"}
      ],
      "active": true
    }
  ]
}`

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "rules.json", orderRuleJSON)

	b, err := NewLoader().LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}
	if len(b.Rules) != 1 || b.Rules[0].ID != "order-min-total" {
		t.Errorf("rules = %+v", b.Rules)
	}
	if b.SourceFile != path {
		t.Errorf("source file = %q", b.SourceFile)
	}
	if b.Checksum == "" {
		t.Error("checksum not computed")
	}
}

func TestLoadFile_checksumTracksContent(t *testing.T) {
	dir := t.TempDir()
	p1 := writeFile(t, dir, "a.json", orderRuleJSON)
	p2 := writeFile(t, dir, "b.json", orderWorkflowJSON)

	l := NewLoader()
	b1, err := l.LoadFile(p1)
	if err != nil {
		t.Fatalf("LoadFile a: %v", err)
	}
	b2, err := l.LoadFile(p2)
	if err != nil {
		t.Fatalf("LoadFile b: %v", err)
	}
	if b1.Checksum == b2.Checksum {
		t.Error("different files produced the same checksum")
	}
}

func TestLoadFile_invalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "broken.json", `{"rules": [`)

	if _, err := NewLoader().LoadFile(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadAll_recursesAndSkipsNonJSON(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "rules.json", orderRuleJSON)
	writeFile(t, dir, "notes.txt", "not a definition")
	sub := filepath.Join(dir, "workflows")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, sub, "approval.json", orderWorkflowJSON)

	bundles, err := NewLoader().LoadAll([]string{dir})
	if err != nil {
		t.Fatalf("LoadAll error: %v", err)
	}
	if len(bundles) != 2 {
		t.Fatalf("len(bundles) = %d, want 2", len(bundles))
	}
}

func TestLoadAll_missingDirectory(t *testing.T) {
	if _, err := NewLoader().LoadAll([]string{"/nonexistent/definitions"}); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestBundle_merge(t *testing.T) {
	dir := t.TempDir()
	l := NewLoader()
	b1, err := l.LoadFile(writeFile(t, dir, "a.json", orderRuleJSON))
	if err != nil {
		t.Fatal(err)
	}
	b2, err := l.LoadFile(writeFile(t, dir, "b.json", orderWorkflowJSON))
	if err != nil {
		t.Fatal(err)
	}

	b1.Merge(b2)
	if len(b1.Rules) != 1 || len(b1.Workflows) != 1 {
		t.Errorf("merged bundle = %d rules, %d workflows", len(b1.Rules), len(b1.Workflows))
	}
}
