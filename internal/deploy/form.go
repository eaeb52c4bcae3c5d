package deploy

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"nbdeploy/internal/config"
	"nbdeploy/internal/kernels"
	"nbdeploy/internal/model"
	"nbdeploy/internal/notebook"
)

// JobForm is what the user fills in before submission.
type JobForm struct {
	Capsule     model.CapsuleType
	PlatformID  int
	Name        string
	Description string
	Resources   model.Resources

	// python jobs only
	LanguageVersion string
	ShellCommand    string
	ReleaseNote     string
	CodeCells       string
	// UpgradeExisting posts a new version of the notebook's previous python job.
	UpgradeExisting bool
}

type Settings struct {
	PollInterval      time.Duration
	UploadRetryDelay  time.Duration
	MaxUploadAttempts int
	Defaults          model.Resources
	LanguageVersion   string
}

func SettingsFromConfig(cfg config.Config) Settings {
	return Settings{
		PollInterval:      cfg.Deploy.PollInterval,
		UploadRetryDelay:  cfg.Deploy.UploadRetryDelay,
		MaxUploadAttempts: cfg.Deploy.MaxUploadAttempts,
		Defaults: model.Resources{
			CPU:      cfg.Deploy.Defaults.CPU,
			DiskMB:   cfg.Deploy.Defaults.DiskMB,
			MemoryMB: cfg.Deploy.Defaults.MemoryMB,
		},
		LanguageVersion: cfg.Deploy.Defaults.LanguageVersion,
	}
}

func (s *Settings) normalize() {
	def := SettingsFromConfig(config.Default())
	if s.PollInterval <= 0 {
		s.PollInterval = def.PollInterval
	}
	if s.UploadRetryDelay <= 0 {
		s.UploadRetryDelay = def.UploadRetryDelay
	}
	if s.MaxUploadAttempts < 0 {
		s.MaxUploadAttempts = 0
	}
	if s.Defaults.CPU <= 0 {
		s.Defaults.CPU = def.Defaults.CPU
	}
	if s.Defaults.DiskMB <= 0 {
		s.Defaults.DiskMB = def.Defaults.DiskMB
	}
	if s.Defaults.MemoryMB <= 0 {
		s.Defaults.MemoryMB = def.Defaults.MemoryMB
	}
	if strings.TrimSpace(s.LanguageVersion) == "" {
		s.LanguageVersion = def.LanguageVersion
	}
}

// defaultForm prefills from the previous deployment of the notebook when there is one.
func defaultForm(doc notebook.Document, settings Settings, prev *model.DeploymentRecord) JobForm {
	form := JobForm{
		Capsule:         model.CapsuleNotebook,
		Name:            doc.Name(),
		Resources:       settings.Defaults,
		LanguageVersion: settings.LanguageVersion,
	}
	if prev == nil {
		return form
	}
	snap := prev.Request
	if c, err := model.ParseCapsule(snap.Capsule); err == nil {
		form.Capsule = c
	}
	form.PlatformID = snap.PlatformID
	if snap.Name != "" {
		form.Name = snap.Name
	}
	form.Description = snap.Description
	if snap.Resources.CPU > 0 {
		form.Resources = snap.Resources
	}
	if snap.LanguageVersion != "" {
		form.LanguageVersion = snap.LanguageVersion
	}
	form.ShellCommand = snap.ShellCommand
	form.UpgradeExisting = prev.Job.Capsule == model.CapsulePython
	return form
}

// validate checks the fields that do not depend on the remote.
func (f JobForm) validate() error {
	if f.Capsule != model.CapsulePython && f.Capsule != model.CapsuleNotebook {
		return errors.New("capsule type must be python or notebook")
	}
	if f.PlatformID <= 0 && !f.UpgradeExisting {
		return errors.New("platform is required")
	}
	if strings.TrimSpace(f.Name) == "" && !f.UpgradeExisting {
		return errors.New("job name is required")
	}
	if f.Resources.CPU <= 0 {
		return errors.New("cpu must be > 0")
	}
	if f.Resources.DiskMB <= 0 || f.Resources.MemoryMB <= 0 {
		return errors.New("disk and memory must be > 0")
	}
	if f.UpgradeExisting && f.Capsule != model.CapsulePython {
		return errors.New("only python jobs can be upgraded")
	}
	if f.Capsule == model.CapsulePython && strings.TrimSpace(f.LanguageVersion) == "" {
		return errors.New("language version is required")
	}
	return nil
}

// pythonOptions extracts the selected code cells from the notebook.
func (f JobForm) pythonOptions(doc notebook.Document) (*model.PythonOptions, error) {
	indices, err := notebook.ParseCellSelection(f.CodeCells)
	if err != nil {
		return nil, err
	}
	code, err := doc.Code(indices)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(code) == "" {
		return nil, errors.New("notebook has no code to deploy")
	}
	return &model.PythonOptions{
		LanguageVersion: strings.TrimSpace(f.LanguageVersion),
		ShellCommand:    strings.TrimSpace(f.ShellCommand),
		ReleaseNote:     strings.TrimSpace(f.ReleaseNote),
		Code:            code,
	}, nil
}

// buildRequest assembles the immutable request. For notebook jobs the kernel
// is mapped here, so an unsupported kernel fails before any remote call.
func (f JobForm) buildRequest(doc notebook.Document, km kernels.Map, python *model.PythonOptions) (model.JobRequest, error) {
	req := model.JobRequest{
		PlatformID:  f.PlatformID,
		Capsule:     f.Capsule,
		Name:        strings.TrimSpace(f.Name),
		Description: strings.TrimSpace(f.Description),
		Resources:   f.Resources,
	}
	switch f.Capsule {
	case model.CapsulePython:
		req.Python = python
	case model.CapsuleNotebook:
		remote, err := km.Lookup(doc.Kernel())
		if err != nil {
			return model.JobRequest{}, err
		}
		req.Notebook = &model.NotebookOptions{Kernel: remote}
	default:
		return model.JobRequest{}, fmt.Errorf("unknown capsule %s", f.Capsule)
	}
	return req, nil
}
