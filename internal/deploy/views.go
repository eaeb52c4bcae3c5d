package deploy

import (
	"nbdeploy/internal/model"
	"nbdeploy/internal/platform"
)

type ViewName string

const (
	ViewLoginForm         ViewName = "login_form"
	ViewJobForm           ViewName = "job_form"
	ViewConnectionError   ViewName = "connection_error"
	ViewUnsupportedKernel ViewName = "unsupported_kernel"
	ViewSubmissionFailed  ViewName = "submission_rejected"
	ViewStartingJob       ViewName = "starting_job"
	ViewStillWorking      ViewName = "still_working"
	ViewUploadingNotebook ViewName = "uploading_notebook"
	ViewCompleted         ViewName = "completed"
	ViewUploadAbandoned   ViewName = "upload_abandoned"
	ViewClosed            ViewName = "closed"
)

// View is everything a presentation surface needs to draw one screen.
type View struct {
	Seq       uint64
	Name      ViewName
	State     model.State
	Reason    model.FailureReason
	Error     string
	Notebook  string
	Kernel    string
	Platforms []model.Platform
	Form      JobForm
	Previous  *model.DeploymentRecord
	Job       *model.Job
	Run       *model.JobRun
	Links     *platform.Links
	Attempt   int
}

// Presenter receives views in order. Render must not call back into the
// session's state-changing methods.
type Presenter interface {
	Render(View)
}

type PresenterFunc func(View)

func (f PresenterFunc) Render(v View) {
	f(v)
}

type nopPresenter struct{}

func (nopPresenter) Render(View) {}
