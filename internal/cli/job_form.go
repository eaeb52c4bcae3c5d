package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"

	"nbdeploy/internal/deploy"
	"nbdeploy/internal/model"
)

type formFieldKind int

const (
	formFieldString formFieldKind = iota
	formFieldInt
	formFieldFloat
	formFieldBool
	formFieldSelect
)

const (
	capsuleOptionNotebook = "notebook"
	capsuleOptionPython   = "python"
)

type formField struct {
	Key        string
	Label      string
	Help       string
	Kind       formFieldKind
	Value      string
	Options    []string
	Required   bool
	PythonOnly bool
}

// jobForm edits a deploy.JobForm one field at a time.
type jobForm struct {
	Title     string
	Fields    []formField
	Index     int
	Input     textinput.Model
	Error     string
	Saving    bool
	platforms []model.Platform
}

func newJobForm(form deploy.JobForm, platforms []model.Platform, prev *model.DeploymentRecord, width int) *jobForm {
	f := &jobForm{Title: "Deploy Notebook", platforms: platforms}

	capsule := capsuleOptionNotebook
	if form.Capsule == model.CapsulePython {
		capsule = capsuleOptionPython
	}
	f.Fields = []formField{
		{Key: "capsule", Label: "Job Type", Help: "notebook runs the kernel remotely; python runs the selected code cells as a script", Kind: formFieldSelect, Value: capsule, Options: []string{capsuleOptionNotebook, capsuleOptionPython}},
		platformField(form.PlatformID, platforms),
		{Key: "name", Label: "Job Name", Kind: formFieldString, Value: form.Name, Required: true},
		{Key: "description", Label: "Description", Help: "Optional", Kind: formFieldString, Value: form.Description},
		{Key: "cpu", Label: "CPU", Help: "Cores, fractions allowed", Kind: formFieldFloat, Value: formatFloat(form.Resources.CPU)},
		{Key: "disk_mb", Label: "Disk (MB)", Kind: formFieldInt, Value: strconv.Itoa(form.Resources.DiskMB)},
		{Key: "memory_mb", Label: "Memory (MB)", Kind: formFieldInt, Value: strconv.Itoa(form.Resources.MemoryMB)},
		{Key: "language_version", Label: "Python Version", Kind: formFieldString, Value: form.LanguageVersion, PythonOnly: true},
		{Key: "code_cells", Label: "Code Cells", Help: "Code cell indices separated by |, empty deploys every code cell", Kind: formFieldString, Value: form.CodeCells, PythonOnly: true},
		{Key: "shell_command", Label: "Command Line", Help: "Optional, e.g. python {file} arg1 arg2", Kind: formFieldString, Value: form.ShellCommand, PythonOnly: true},
		{Key: "release_note", Label: "Release Note", Help: "Optional", Kind: formFieldString, Value: form.ReleaseNote, PythonOnly: true},
	}
	if prev != nil && prev.Job.Capsule == model.CapsulePython {
		f.Fields = append(f.Fields, formField{
			Key:        "upgrade",
			Label:      "Upgrade Existing Job",
			Help:       fmt.Sprintf("y posts a new version of job #%d (%s) instead of creating a job", prev.Job.ID, prev.Job.Name),
			Kind:       formFieldBool,
			Value:      boolToYN(form.UpgradeExisting),
			PythonOnly: true,
		})
	}

	input := textinput.New()
	input.Prompt = "> "
	input.CharLimit = 1024
	input.Width = clampInt(width-8, 20, 120)
	f.Input = input
	f.loadFieldIntoInput()
	f.Input.Focus()
	return f
}

func platformField(selected int, platforms []model.Platform) formField {
	if len(platforms) == 0 {
		value := ""
		if selected > 0 {
			value = strconv.Itoa(selected)
		}
		return formField{Key: "platform", Label: "Platform ID", Help: "No platforms listed; enter the id", Kind: formFieldInt, Value: value, Required: true}
	}
	options := make([]string, 0, len(platforms))
	value := ""
	for _, p := range platforms {
		opt := platformOption(p)
		options = append(options, opt)
		if p.ID == selected {
			value = opt
		}
	}
	if value == "" {
		value = options[0]
	}
	return formField{Key: "platform", Label: "Platform", Kind: formFieldSelect, Value: value, Options: options, Required: true}
}

func platformOption(p model.Platform) string {
	return fmt.Sprintf("%d: %s", p.ID, p.Name)
}

func parsePlatformOption(raw string) (int, error) {
	idPart, _, _ := strings.Cut(strings.TrimSpace(raw), ":")
	id, err := strconv.Atoi(strings.TrimSpace(idPart))
	if err != nil || id <= 0 {
		return 0, errors.New("platform must be a positive id")
	}
	return id, nil
}

func (f *jobForm) resize(width int) {
	if f == nil {
		return
	}
	f.Input.Width = clampInt(width-8, 20, 120)
}

func (f *jobForm) python() bool {
	for _, field := range f.Fields {
		if field.Key == "capsule" {
			return field.Value == capsuleOptionPython
		}
	}
	return false
}

func (f *jobForm) visible(i int) bool {
	if i < 0 || i >= len(f.Fields) {
		return false
	}
	return !f.Fields[i].PythonOnly || f.python()
}

func (f *jobForm) currentField() formField {
	if len(f.Fields) == 0 {
		return formField{}
	}
	if f.Index < 0 {
		f.Index = 0
	}
	if f.Index >= len(f.Fields) {
		f.Index = len(f.Fields) - 1
	}
	return f.Fields[f.Index]
}

// move steps to the next visible field in dir and reports whether it moved.
func (f *jobForm) move(dir int) bool {
	for i := f.Index + dir; i >= 0 && i < len(f.Fields); i += dir {
		if f.visible(i) {
			f.Index = i
			f.loadFieldIntoInput()
			return true
		}
	}
	return false
}

func (f *jobForm) commitInput() {
	if f == nil || len(f.Fields) == 0 {
		return
	}
	kind := f.Fields[f.Index].Kind
	if kind == formFieldBool || kind == formFieldSelect {
		return
	}
	f.Fields[f.Index].Value = strings.TrimSpace(f.Input.Value())
}

func (f *jobForm) loadFieldIntoInput() {
	if f == nil || len(f.Fields) == 0 {
		return
	}
	f.Input.SetValue(f.Fields[f.Index].Value)
	f.Input.CursorEnd()
}

func (f *jobForm) setBoolField(v bool) {
	if f == nil || len(f.Fields) == 0 || f.Fields[f.Index].Kind != formFieldBool {
		return
	}
	f.Fields[f.Index].Value = boolToYN(v)
	f.loadFieldIntoInput()
}

func (f *jobForm) toggleBoolField() {
	if f == nil || len(f.Fields) == 0 || f.Fields[f.Index].Kind != formFieldBool {
		return
	}
	v, _ := parseBool(f.Fields[f.Index].Value)
	f.setBoolField(!v)
}

func (f *jobForm) stepSelectOption(delta int) {
	if f == nil || len(f.Fields) == 0 {
		return
	}
	curr := f.Fields[f.Index]
	if curr.Kind != formFieldSelect || len(curr.Options) == 0 {
		return
	}
	pos := 0
	for i, opt := range curr.Options {
		if strings.EqualFold(opt, strings.TrimSpace(curr.Value)) {
			pos = i
			break
		}
	}
	pos = (pos + delta + len(curr.Options)) % len(curr.Options)
	curr.Value = curr.Options[pos]
	f.Fields[f.Index] = curr
	f.loadFieldIntoInput()
}

func (f *jobForm) lastVisible() bool {
	for i := f.Index + 1; i < len(f.Fields); i++ {
		if f.visible(i) {
			return false
		}
	}
	return true
}

// toJobForm checks every visible field and builds the form the session expects.
func (f *jobForm) toJobForm() (deploy.JobForm, error) {
	if f == nil {
		return deploy.JobForm{}, errors.New("internal form error")
	}
	vals := make(map[string]string, len(f.Fields))
	for i, field := range f.Fields {
		if !f.visible(i) {
			continue
		}
		v := strings.TrimSpace(field.Value)
		label := strings.ToLower(field.Label)
		if field.Required && v == "" {
			return deploy.JobForm{}, fmt.Errorf("%s is required", label)
		}
		switch field.Kind {
		case formFieldInt:
			if v == "" {
				v = "0"
			}
			if n, err := strconv.Atoi(v); err != nil || n < 0 {
				return deploy.JobForm{}, fmt.Errorf("%s must be an integer >= 0", label)
			}
		case formFieldFloat:
			if n, err := strconv.ParseFloat(v, 64); err != nil || n <= 0 {
				return deploy.JobForm{}, fmt.Errorf("%s must be a number > 0", label)
			}
		case formFieldBool:
			if _, ok := parseBool(v); !ok {
				return deploy.JobForm{}, fmt.Errorf("%s must be y or n", label)
			}
		case formFieldSelect:
			matched := false
			for _, opt := range field.Options {
				if strings.EqualFold(opt, v) {
					v = opt
					matched = true
					break
				}
			}
			if !matched {
				return deploy.JobForm{}, fmt.Errorf("%s has invalid value", label)
			}
		}
		vals[field.Key] = v
	}

	platformID, err := parsePlatformOption(vals["platform"])
	if err != nil {
		return deploy.JobForm{}, err
	}
	cpu, _ := strconv.ParseFloat(vals["cpu"], 64)
	disk, _ := strconv.Atoi(defaultIfEmpty(vals["disk_mb"], "0"))
	memory, _ := strconv.Atoi(defaultIfEmpty(vals["memory_mb"], "0"))

	out := deploy.JobForm{
		Capsule:     model.CapsuleNotebook,
		PlatformID:  platformID,
		Name:        vals["name"],
		Description: vals["description"],
		Resources:   model.Resources{CPU: cpu, DiskMB: disk, MemoryMB: memory},
	}
	if vals["capsule"] == capsuleOptionPython {
		out.Capsule = model.CapsulePython
		out.LanguageVersion = vals["language_version"]
		out.CodeCells = vals["code_cells"]
		out.ShellCommand = vals["shell_command"]
		out.ReleaseNote = vals["release_note"]
		out.UpgradeExisting, _ = parseBool(vals["upgrade"])
	}
	return out, nil
}
