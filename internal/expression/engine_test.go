package expression

import (
	"testing"

	"github.com/statera-io/statera/model"
)

func TestCompile_cachesPrograms(t *testing.T) {
	e := New()

	p1, err := e.Compile("record.total > 100")
	if err != nil {
		t.Fatalf("Compile error: %v", err)
	}
	p2, err := e.Compile("record.total > 100")
	if err != nil {
		t.Fatalf("second Compile error: %v", err)
	}
	if p1 != p2 {
		t.Error("identical sources compiled to different programs; cache miss")
	}
}

func TestCompile_invalidSource(t *testing.T) {
	e := New()

	_, err := e.Compile("record.total >")
	if err == nil {
		t.Fatal("expected compile error")
	}
	if model.CodeOf(err) != model.ErrInternalError {
		t.Errorf("error code = %s, want %s", model.CodeOf(err), model.ErrInternalError)
	}
}

func TestEvalBoolSource(t *testing.T) {
	e := New()
	env := WriteEnv(map[string]any{"total": 150.0}, nil, true)

	got, err := e.EvalBoolSource("record.total > 100", env)
	if err != nil {
		t.Fatalf("EvalBoolSource error: %v", err)
	}
	if !got {
		t.Error("got false, want true")
	}
}

func TestEvalBoolSource_nonBoolResult(t *testing.T) {
	e := New()
	env := WriteEnv(map[string]any{"total": 150.0}, nil, true)

	_, err := e.EvalBoolSource("record.total + 1", env)
	if err == nil {
		t.Fatal("expected error for non-boolean result")
	}
}

func TestEvalValueSource(t *testing.T) {
	e := New()
	env := WriteEnv(map[string]any{"quantity": 3.0, "unit_price": 9.5}, nil, true)

	got, err := e.EvalValueSource("record.quantity * record.unit_price", env)
	if err != nil {
		t.Fatalf("EvalValueSource error: %v", err)
	}
	if got != 28.5 {
		t.Errorf("got %v, want 28.5", got)
	}
}

func TestWriteEnv_actionDiscriminator(t *testing.T) {
	record := map[string]any{"status": "draft"}
	old := map[string]any{"status": "new"}

	createEnv := WriteEnv(record, nil, true)
	if createEnv["action"] != "create" {
		t.Errorf("create action = %v", createEnv["action"])
	}
	if createEnv["record"].(map[string]any)["status"] != "draft" {
		t.Errorf("record = %v", createEnv["record"])
	}

	updateEnv := WriteEnv(record, old, false)
	if updateEnv["action"] != "update" {
		t.Errorf("update action = %v", updateEnv["action"])
	}
	if updateEnv["old"].(map[string]any)["status"] != "new" {
		t.Errorf("old = %v", updateEnv["old"])
	}
}

func TestWriteEnv_oldComparison(t *testing.T) {
	e := New()
	env := WriteEnv(
		map[string]any{"priority": 5.0},
		map[string]any{"priority": 2.0},
		false,
	)

	got, err := e.EvalBoolSource("record.priority > old.priority", env)
	if err != nil {
		t.Fatalf("EvalBoolSource error: %v", err)
	}
	if !got {
		t.Error("got false, want true")
	}
}

func TestContextEnv(t *testing.T) {
	e := New()
	env := ContextEnv(map[string]any{"amount": 5000.0})

	got, err := e.EvalBoolSource("context.amount > 1000", env)
	if err != nil {
		t.Fatalf("EvalBoolSource error: %v", err)
	}
	if !got {
		t.Error("got false, want true")
	}
}
