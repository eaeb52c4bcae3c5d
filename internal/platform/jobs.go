package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"nbdeploy/internal/model"
	"nbdeploy/internal/transport"
)

const jobCategory = "processing"

// SubmissionError reports a job creation or upgrade the platform refused or
// never acknowledged. Submissions are not retried.
type SubmissionError struct {
	Op  string
	Err error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit job: %s: %v", e.Op, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

type jobCurrent struct {
	CPU         float64           `json:"cpu"`
	Disk        int               `json:"disk"`
	Memory      int               `json:"memory"`
	Options     map[string]string `json:"options"`
	ReleaseNote string            `json:"releaseNote,omitempty"`
	Template    string            `json:"template,omitempty"`
	File        string            `json:"file,omitempty"`
}

type createJobBody struct {
	PlatformID  int        `json:"platform_id"`
	CapsuleCode string     `json:"capsule_code"`
	Category    string     `json:"category"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Current     jobCurrent `json:"current"`
}

type jobResponse struct {
	ID          int    `json:"id"`
	PlatformID  int    `json:"platform_id"`
	CapsuleCode string `json:"capsule_code"`
	Name        string `json:"name"`
	Current     struct {
		URL string `json:"url"`
	} `json:"current"`
	LastInstance *struct {
		ID     int    `json:"id"`
		Status string `json:"status"`
	} `json:"last_instance"`
}

type runResponse struct {
	ID      int    `json:"id"`
	Status  string `json:"status"`
	LogsOut string `json:"logs_out"`
	LogsErr string `json:"logs_err"`
}

func (c *Client) ListPlatforms(ctx context.Context) ([]model.Platform, error) {
	var out []model.Platform
	if err := c.getJSON(ctx, c.platformsPath(), &out); err != nil {
		return nil, fmt.Errorf("list platforms: %w", err)
	}
	return out, nil
}

func validateRequest(req model.JobRequest) error {
	if req.PlatformID <= 0 {
		return errors.New("platform is required")
	}
	if strings.TrimSpace(req.Name) == "" {
		return errors.New("job name is required")
	}
	switch req.Capsule {
	case model.CapsulePython:
		if req.Python == nil {
			return errors.New("python job needs python options")
		}
	case model.CapsuleNotebook:
		if req.Notebook == nil || strings.TrimSpace(req.Notebook.Kernel) == "" {
			return errors.New("notebook job needs a remote kernel")
		}
	default:
		return fmt.Errorf("unsupported capsule %s", req.Capsule)
	}
	return nil
}

// SubmitJob creates a job. Python jobs upload their script first. The create
// call is sent at most once.
func (c *Client) SubmitJob(ctx context.Context, req model.JobRequest) (model.Job, error) {
	if err := validateRequest(req); err != nil {
		return model.Job{}, &SubmissionError{Op: "validate", Err: err}
	}
	current, err := c.buildCurrent(ctx, req)
	if err != nil {
		return model.Job{}, err
	}
	body := createJobBody{
		PlatformID:  req.PlatformID,
		CapsuleCode: req.Capsule.Wire(),
		Category:    jobCategory,
		Name:        req.Name,
		Description: req.Description,
		Current:     current,
	}
	raw, err := c.caller.Call(ctx, transport.Request{
		Method: "POST",
		URL:    c.jobsPath(req.PlatformID),
		JSON:   body,
	})
	if err != nil {
		return model.Job{}, &SubmissionError{Op: "create", Err: err}
	}
	var resp jobResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return model.Job{}, &SubmissionError{Op: "create", Err: fmt.Errorf("decode job: %w", err)}
	}
	job := jobFromResponse(resp, req)
	c.logger.Info("job created",
		zap.Int("platform_id", job.PlatformID),
		zap.Int("job_id", job.ID),
		zap.String("capsule", job.Capsule.Wire()),
	)
	return job, nil
}

// UpgradeJob posts a new version of an existing python job.
func (c *Client) UpgradeJob(ctx context.Context, job model.Job, req model.JobRequest) (model.Job, error) {
	if job.Capsule != model.CapsulePython {
		return model.Job{}, &SubmissionError{Op: "upgrade", Err: errors.New("only python jobs can be upgraded")}
	}
	req.PlatformID = job.PlatformID
	req.Name = job.Name
	req.Capsule = model.CapsulePython
	if err := validateRequest(req); err != nil {
		return model.Job{}, &SubmissionError{Op: "validate", Err: err}
	}
	current, err := c.buildCurrent(ctx, req)
	if err != nil {
		return model.Job{}, err
	}
	_, err = c.caller.Call(ctx, transport.Request{
		Method: "POST",
		URL:    c.jobPath(job.PlatformID, job.ID) + "/version",
		JSON:   map[string]any{"current": current},
	})
	if err != nil {
		return model.Job{}, &SubmissionError{Op: "upgrade", Err: err}
	}
	c.logger.Info("job upgraded", zap.Int("platform_id", job.PlatformID), zap.Int("job_id", job.ID))
	return job, nil
}

func (c *Client) buildCurrent(ctx context.Context, req model.JobRequest) (jobCurrent, error) {
	current := jobCurrent{
		CPU:     req.Resources.CPU,
		Disk:    req.Resources.DiskMB,
		Memory:  req.Resources.MemoryMB,
		Options: map[string]string{},
	}
	switch req.Capsule {
	case model.CapsulePython:
		fileName, err := c.uploadScript(ctx, req)
		if err != nil {
			return jobCurrent{}, &SubmissionError{Op: "upload script", Err: err}
		}
		current.Options["language_version"] = req.Python.LanguageVersion
		current.ReleaseNote = req.Python.ReleaseNote
		current.Template = req.Python.ShellCommand
		current.File = fileName
	case model.CapsuleNotebook:
		current.Options["notebook"] = req.Notebook.Kernel
	}
	return current, nil
}

func (c *Client) uploadScript(ctx context.Context, req model.JobRequest) (string, error) {
	name := strings.TrimSpace(req.Python.SourceFile)
	if name == "" {
		name = req.Name + ".py"
	}
	raw, err := c.caller.Call(ctx, transport.Request{
		Method: "POST",
		URL:    c.jobsPath(req.PlatformID) + "/upload",
		File:   &transport.FilePart{Field: "file", Name: name, Content: []byte(req.Python.Code)},
	})
	if err != nil {
		return "", err
	}
	var out struct {
		FileName string `json:"fileName"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if strings.TrimSpace(out.FileName) == "" {
		return "", errors.New("upload response has no fileName")
	}
	return out.FileName, nil
}

func jobFromResponse(resp jobResponse, req model.JobRequest) model.Job {
	job := model.Job{
		ID:         resp.ID,
		PlatformID: resp.PlatformID,
		Name:       resp.Name,
		Capsule:    req.Capsule,
	}
	if parsed, err := model.ParseCapsule(resp.CapsuleCode); err == nil {
		job.Capsule = parsed
	}
	if job.PlatformID == 0 {
		job.PlatformID = req.PlatformID
	}
	if job.Name == "" {
		job.Name = req.Name
	}
	if job.Capsule == model.CapsuleNotebook && strings.TrimSpace(resp.Current.URL) != "" {
		job.KernelURL = kernelURL(resp.Current.URL)
	}
	return job
}

func kernelURL(raw string) string {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	return "https://" + raw
}

// LatestRun reports the job's most recent run, if the platform has started one.
func (c *Client) LatestRun(ctx context.Context, job model.Job) (model.JobRun, bool, error) {
	var resp jobResponse
	if err := c.getJSON(ctx, c.jobPath(job.PlatformID, job.ID), &resp); err != nil {
		return model.JobRun{}, false, fmt.Errorf("get job %d: %w", job.ID, err)
	}
	if resp.LastInstance == nil {
		return model.JobRun{}, false, nil
	}
	run := model.JobRun{
		ID:     resp.LastInstance.ID,
		Status: model.RunStatus(resp.LastInstance.Status),
	}
	if strings.TrimSpace(resp.Current.URL) != "" {
		run.KernelURL = kernelURL(resp.Current.URL)
	}
	return run, true, nil
}

// RunDetails fetches a run with its captured output.
func (c *Client) RunDetails(ctx context.Context, runID int) (model.JobRun, error) {
	var resp runResponse
	if err := c.getJSON(ctx, c.runPath(runID), &resp); err != nil {
		return model.JobRun{}, fmt.Errorf("get run %d: %w", runID, err)
	}
	return model.JobRun{
		ID:     resp.ID,
		Status: model.RunStatus(resp.Status),
		Stdout: resp.LogsOut,
		Stderr: resp.LogsErr,
	}, nil
}
