package cli

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"nbdeploy/internal/deploy"
	"nbdeploy/internal/model"
)

func fieldIndex(f *jobForm, key string) int {
	for i, field := range f.Fields {
		if field.Key == key {
			return i
		}
	}
	return -1
}

func testPlatforms() []model.Platform {
	return []model.Platform{{ID: 3, Name: "dev"}, {ID: 7, Name: "prod"}}
}

func baseForm() deploy.JobForm {
	return deploy.JobForm{
		Capsule:    model.CapsuleNotebook,
		PlatformID: 7,
		Name:       "report",
		Resources:  model.Resources{CPU: 0.5, DiskMB: 512, MemoryMB: 512},
	}
}

func TestJobFormHidesPythonFieldsForNotebookJobs(t *testing.T) {
	f := newJobForm(baseForm(), testPlatforms(), nil, 80)
	if f.python() {
		t.Fatal("expected notebook capsule")
	}
	if f.visible(fieldIndex(f, "code_cells")) {
		t.Fatal("code cells should be hidden for notebook jobs")
	}
	if idx := fieldIndex(f, "upgrade"); idx >= 0 {
		t.Fatal("upgrade field needs a previous python job")
	}

	f.Index = fieldIndex(f, "capsule")
	f.stepSelectOption(1)
	if !f.python() || !f.visible(fieldIndex(f, "code_cells")) {
		t.Fatalf("expected python fields after switching capsule, got %q", f.currentField().Value)
	}
}

func TestJobFormMoveSkipsHiddenFields(t *testing.T) {
	f := newJobForm(baseForm(), testPlatforms(), nil, 80)
	f.Index = fieldIndex(f, "memory_mb")
	if f.move(1) {
		t.Fatalf("expected memory to be the last visible field, moved to %s", f.currentField().Key)
	}
	if !f.lastVisible() {
		t.Fatal("expected lastVisible on memory_mb")
	}
}

func TestJobFormPreselectsPlatform(t *testing.T) {
	f := newJobForm(baseForm(), testPlatforms(), nil, 80)
	got := f.Fields[fieldIndex(f, "platform")].Value
	if got != "7: prod" {
		t.Fatalf("expected prod preselected, got %q", got)
	}

	manual := newJobForm(deploy.JobForm{Name: "x"}, nil, nil, 80)
	field := manual.Fields[fieldIndex(manual, "platform")]
	if field.Kind != formFieldInt || field.Value != "" {
		t.Fatalf("expected free platform id field, got %+v", field)
	}
}

func TestJobFormToJobForm(t *testing.T) {
	f := newJobForm(baseForm(), testPlatforms(), nil, 80)
	f.Index = fieldIndex(f, "capsule")
	f.stepSelectOption(1)
	f.Fields[fieldIndex(f, "code_cells")].Value = "0|2"
	f.Fields[fieldIndex(f, "disk_mb")].Value = ""

	out, err := f.toJobForm()
	if err != nil {
		t.Fatalf("toJobForm: %v", err)
	}
	if out.Capsule != model.CapsulePython || out.PlatformID != 7 || out.CodeCells != "0|2" {
		t.Fatalf("unexpected form: %+v", out)
	}
	if out.Resources.DiskMB != 0 || out.Resources.CPU != 0.5 {
		t.Fatalf("unexpected resources: %+v", out.Resources)
	}
}

func TestJobFormToJobFormErrors(t *testing.T) {
	cases := []struct {
		key   string
		value string
		want  string
	}{
		{"name", "", "job name is required"},
		{"cpu", "abc", "cpu must be a number > 0"},
		{"cpu", "0", "cpu must be a number > 0"},
		{"memory_mb", "-5", "memory (mb) must be an integer >= 0"},
		{"platform", "9: nowhere", "platform has invalid value"},
	}
	for _, tc := range cases {
		f := newJobForm(baseForm(), testPlatforms(), nil, 80)
		f.Fields[fieldIndex(f, tc.key)].Value = tc.value
		_, err := f.toJobForm()
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s=%q: expected %q, got %v", tc.key, tc.value, tc.want, err)
		}
	}
}

func TestJobFormUpgradeFieldSupportsYN(t *testing.T) {
	form := baseForm()
	form.Capsule = model.CapsulePython
	prev := &model.DeploymentRecord{Job: model.Job{ID: 41, Capsule: model.CapsulePython, Name: "report"}}
	m := deployModel{
		view: deploy.View{Name: deploy.ViewJobForm},
		form: newJobForm(form, testPlatforms(), prev, 80),
	}
	m.form.Index = fieldIndex(m.form, "upgrade")
	if m.form.Index < 0 {
		t.Fatal("upgrade field not found")
	}

	next, _ := m.updateForm(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'y'}})
	m2 := next.(deployModel)
	if got := m2.form.currentField().Value; got != "y" {
		t.Fatalf("expected y, got %q", got)
	}
	next, _ = m2.updateForm(tea.KeyMsg{Type: tea.KeySpace})
	m3 := next.(deployModel)
	if got := m3.form.currentField().Value; got != "n" {
		t.Fatalf("expected n after space, got %q", got)
	}
}
