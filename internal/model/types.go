package model

// Platform is a remote execution environment a job can target.
type Platform struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type Resources struct {
	CPU      float64 `json:"cpu"`
	DiskMB   int     `json:"disk_mb"`
	MemoryMB int     `json:"memory_mb"`
}

type PythonOptions struct {
	LanguageVersion string
	ShellCommand    string
	ReleaseNote     string
	// SourceFile is the file name the script is uploaded as; empty derives it from the job name.
	SourceFile string
	Code       string
}

type NotebookOptions struct {
	// Kernel is the remote kernel runtime id returned by the kernel map.
	Kernel string
}

// JobRequest is built fresh for every submission and is not mutated once sent.
type JobRequest struct {
	PlatformID  int
	Capsule     CapsuleType
	Name        string
	Description string
	Resources   Resources
	Python      *PythonOptions
	Notebook    *NotebookOptions
}

// Job is the remote job record as created or upgraded by the platform.
type Job struct {
	ID         int         `json:"id"`
	PlatformID int         `json:"platform_id"`
	Capsule    CapsuleType `json:"capsule"`
	Name       string      `json:"name"`
	KernelURL  string      `json:"kernel_url,omitempty"`
}

type RunStatus string

const (
	RunPending RunStatus = "PENDING"
	RunRunning RunStatus = "RUNNING"
	RunSuccess RunStatus = "SUCCESS"
	RunFailed  RunStatus = "FAILED"
)

// JobRun is a snapshot of the latest run of a job.
type JobRun struct {
	ID        int       `json:"id"`
	Status    RunStatus `json:"status"`
	Stdout    string    `json:"stdout,omitempty"`
	Stderr    string    `json:"stderr,omitempty"`
	// KernelURL is the job's notebook server as reported alongside the run.
	KernelURL string    `json:"kernel_url,omitempty"`
}

func (r JobRun) Ready() bool {
	return r.Status == RunSuccess
}

// DeploymentRecord remembers the current job deployed from one notebook.
type DeploymentRecord struct {
	NotebookPath string      `json:"notebook_path"`
	SessionID    string      `json:"session_id"`
	Job          Job         `json:"job"`
	Request      JobSnapshot `json:"request"`
	State        string      `json:"state"`
	UpdatedAt    string      `json:"updated_at"`
}

// JobSnapshot is the persisted subset of a JobRequest needed to upgrade the job later.
type JobSnapshot struct {
	PlatformID      int       `json:"platform_id"`
	Capsule         string    `json:"capsule"`
	Name            string    `json:"name"`
	Description     string    `json:"description,omitempty"`
	Resources       Resources `json:"resources"`
	LanguageVersion string    `json:"language_version,omitempty"`
	ShellCommand    string    `json:"shell_command,omitempty"`
	Kernel          string    `json:"kernel,omitempty"`
}

func SnapshotRequest(req JobRequest) JobSnapshot {
	snap := JobSnapshot{
		PlatformID:  req.PlatformID,
		Capsule:     req.Capsule.Wire(),
		Name:        req.Name,
		Description: req.Description,
		Resources:   req.Resources,
	}
	if req.Python != nil {
		snap.LanguageVersion = req.Python.LanguageVersion
		snap.ShellCommand = req.Python.ShellCommand
	}
	if req.Notebook != nil {
		snap.Kernel = req.Notebook.Kernel
	}
	return snap
}
