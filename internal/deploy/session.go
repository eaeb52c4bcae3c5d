package deploy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"nbdeploy/internal/kernels"
	"nbdeploy/internal/model"
	"nbdeploy/internal/notebook"
	"nbdeploy/internal/notify"
	"nbdeploy/internal/platform"
	"nbdeploy/internal/store"
	"nbdeploy/internal/telemetry"
	"nbdeploy/internal/transport"
)

// Remote is the part of the platform client the orchestrator drives.
type Remote interface {
	CheckAuthenticated(ctx context.Context) (platform.AuthState, error)
	PostCredentials(ctx context.Context, username, password string) error
	ListPlatforms(ctx context.Context) ([]model.Platform, error)
	SubmitJob(ctx context.Context, req model.JobRequest) (model.Job, error)
	UpgradeJob(ctx context.Context, job model.Job, req model.JobRequest) (model.Job, error)
	LatestRun(ctx context.Context, job model.Job) (model.JobRun, bool, error)
	RunDetails(ctx context.Context, runID int) (model.JobRun, error)
	ProbeKernel(ctx context.Context, job model.Job, doc notebook.Document) error
	UploadNotebook(ctx context.Context, job model.Job, doc notebook.Document) error
	Links(job model.Job, fileName string) platform.Links
}

const (
	msgInvalidCredentials = "Invalid username or password."
	msgPlatformDown       = "The platform is unavailable. Try again in a moment."
)

type Option func(*Session)

func WithKernels(m kernels.Map) Option {
	return func(s *Session) { s.kernels = m }
}

func WithPresenter(p Presenter) Option {
	return func(s *Session) {
		if p != nil {
			s.presenter = p
		}
	}
}

func WithSink(sink notify.Sink) Option {
	return func(s *Session) {
		if sink != nil {
			s.sink = sink
		}
	}
}

func WithStore(st store.Store) Option {
	return func(s *Session) { s.store = st }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

func WithClock(c Clock) Option {
	return func(s *Session) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithSettings(settings Settings) Option {
	return func(s *Session) { s.settings = settings }
}

func WithSessionID(id string) Option {
	return func(s *Session) {
		if id != "" {
			s.id = id
		}
	}
}

// Session is one deployment attempt for one notebook. It is created when the
// presentation surface opens and discarded when it closes.
type Session struct {
	id       string
	remote   Remote
	doc      notebook.Document
	kernels  kernels.Map
	settings Settings

	presenter Presenter
	sink      notify.Sink
	store     store.Store
	logger    *zap.Logger
	metrics   *telemetry.Metrics
	clock     Clock
	sched     *scheduler

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       model.State
	reason      model.FailureReason
	lastErr     error
	busy        bool
	attempt     int
	platforms   []model.Platform
	form        JobForm
	previous    *model.DeploymentRecord
	request     model.JobRequest
	job         *model.Job
	run         *model.JobRun
	staleRun    int
	polls       int
	uploads     int
	inFlight    int
	maxInFlight int
	history     []model.Transition
	seq         uint64

	// outbox, drained by flush in order
	views   []View
	events  []notify.Event
	records []model.DeploymentRecord

	outMu sync.Mutex
}

func NewSession(remote Remote, doc notebook.Document, opts ...Option) *Session {
	s := &Session{
		id:        uuid.NewString(),
		remote:    remote,
		doc:       doc,
		kernels:   kernels.Default(),
		presenter: nopPresenter{},
		sink:      notify.NopSink{},
		logger:    zap.NewNop(),
		clock:     realClock{},
		state:     model.StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.settings.normalize()
	s.sched = newScheduler(s.clock)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.logger = s.logger.With(zap.String("session_id", s.id), zap.String("notebook", doc.Path))
	return s
}

func (s *Session) ID() string {
	return s.id
}

// Open starts the flow. The authentication probe runs before Open returns.
// Calling Open on a session that is already open does nothing.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.state == model.StateClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.state != model.StateIdle {
		s.mu.Unlock()
		s.logger.Debug("open ignored", zap.String("state", string(s.State())))
		return nil
	}
	s.busy = true
	s.transitionLocked(model.StateCheckingAuth, model.ReasonNone)
	s.mu.Unlock()

	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	s.loadPrevious(ctx)
	s.probe(ctx)
	s.flush()
	return nil
}

// Retry re-runs the authentication probe after a connection error.
func (s *Session) Retry(ctx context.Context) error {
	s.mu.Lock()
	if err := s.acquireLocked("retry", model.StateCheckingAuth); err != nil {
		s.mu.Unlock()
		return err
	}
	s.transitionLocked(model.StateCheckingAuth, model.ReasonNone)
	s.mu.Unlock()

	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	s.probe(ctx)
	s.flush()
	return nil
}

// Login posts credentials, then re-probes from CheckingAuth. Only the probe
// decides the outcome; a rejection keeps the login form up.
func (s *Session) Login(ctx context.Context, username, password string) error {
	s.mu.Lock()
	if err := s.acquireLocked("login", model.StateLoggingIn); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	postErr := s.remote.PostCredentials(ctx, username, password)

	s.mu.Lock()
	if s.state != model.StateLoggingIn {
		s.busy = false
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.transitionLocked(model.StateCheckingAuth, model.ReasonNone)
	s.mu.Unlock()
	s.flush()

	auth := platform.AuthUnavailable
	err := postErr
	if postErr == nil {
		auth, err = s.remote.CheckAuthenticated(ctx)
	}
	if auth == platform.Authenticated {
		s.enterForm(ctx)
		s.flush()
		return nil
	}

	s.mu.Lock()
	s.busy = false
	if s.state != model.StateCheckingAuth {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	msg := msgInvalidCredentials
	result := ErrAuthRejected
	if auth == platform.AuthUnavailable {
		msg = msgPlatformDown
		result = err
		if result == nil {
			result = transport.ErrRemoteUnavailable
		}
	}
	s.lastErr = result
	s.transitionLocked(model.StateLoggingIn, model.ReasonNone)
	v := s.viewLocked(ViewLoginForm)
	v.Error = msg
	s.queueLocked(v)
	s.mu.Unlock()
	s.flush()
	return result
}

// Submit builds a request from form and creates the job. The notebook's
// kernel is mapped before anything is sent.
func (s *Session) Submit(ctx context.Context, form JobForm) error {
	s.mu.Lock()
	if err := s.acquireLocked("submit", model.StateFormEntry); err != nil {
		s.mu.Unlock()
		return err
	}
	var prev *model.Job
	if form.UpgradeExisting {
		if s.previous == nil || s.previous.Job.Capsule != model.CapsulePython {
			s.rejectFormLocked(form, ErrNoPreviousJob)
			s.mu.Unlock()
			s.flush()
			return ErrNoPreviousJob
		}
		j := s.previous.Job
		prev = &j
		if form.PlatformID <= 0 {
			form.PlatformID = j.PlatformID
		}
		if form.Name == "" {
			form.Name = j.Name
		}
	}
	err := form.validate()
	var python *model.PythonOptions
	if err == nil && form.Capsule == model.CapsulePython {
		python, err = form.pythonOptions(s.doc)
	}
	if err != nil {
		s.rejectFormLocked(form, err)
		s.mu.Unlock()
		s.flush()
		return err
	}
	s.form = form
	s.attempt++
	s.job = nil
	s.run = nil
	s.staleRun = 0
	s.polls = 0
	s.uploads = 0
	s.transitionLocked(model.StateSubmitting, model.ReasonNone)

	req, err := form.buildRequest(s.doc, s.kernels, python)
	if err != nil {
		reason, view := model.ReasonSubmissionRejected, ViewSubmissionFailed
		if errors.Is(err, kernels.ErrUnsupportedKernel) {
			reason, view = model.ReasonUnsupportedKernel, ViewUnsupportedKernel
		}
		s.failLocked(reason, err, view)
		s.mu.Unlock()
		s.flush()
		return &Failure{Reason: reason, Err: err}
	}
	s.request = req
	s.mu.Unlock()
	s.flush()

	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var job model.Job
	staleRun := 0
	if prev != nil {
		// the upgraded job keeps its last run until the platform starts a new one
		if run, found, rerr := s.remote.LatestRun(ctx, *prev); rerr != nil {
			s.logger.Warn("read last run before upgrade", zap.Int("job_id", prev.ID), zap.Error(rerr))
		} else if found {
			staleRun = run.ID
		}
		job, err = s.remote.UpgradeJob(ctx, *prev, req)
	} else {
		job, err = s.remote.SubmitJob(ctx, req)
	}

	s.mu.Lock()
	s.busy = false
	if s.state != model.StateSubmitting {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if err != nil {
		reason := model.ReasonSubmissionRejected
		if errors.Is(err, transport.ErrRemoteUnavailable) {
			reason = model.ReasonRemoteUnavailable
		}
		s.failLocked(reason, err, ViewSubmissionFailed)
		s.mu.Unlock()
		s.flush()
		return &Failure{Reason: reason, Err: err}
	}
	s.job = &job
	s.staleRun = staleRun
	s.transitionLocked(model.StateAwaitingRunReady, model.ReasonNone)
	s.recordLocked()
	s.queueLocked(s.viewLocked(ViewStartingJob))
	s.sched.schedule(s.settings.PollInterval, s.poll)
	s.mu.Unlock()
	s.flush()
	return nil
}

// EditAgain returns a failed attempt to the job form, keeping the last values.
func (s *Session) EditAgain() error {
	s.mu.Lock()
	if err := s.acquireLocked("edit", model.StateFailed); err != nil {
		s.mu.Unlock()
		return err
	}
	s.busy = false
	s.lastErr = nil
	s.transitionLocked(model.StateFormEntry, model.ReasonNone)
	s.queueLocked(s.viewLocked(ViewJobForm))
	s.mu.Unlock()
	s.flush()
	return nil
}

// Close abandons the session. Pending polls and uploads never fire after it
// returns. The remote job is left running.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == model.StateClosed {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.sched.cancel()
	wasTerminal := model.IsTerminal(s.state)
	if s.job != nil && !wasTerminal {
		s.metrics.ObserveDeployment("abandoned")
	}
	s.transitionLocked(model.StateClosed, model.ReasonNone)
	if s.job != nil && !wasTerminal {
		s.recordLocked()
	}
	s.queueLocked(s.viewLocked(ViewClosed))
	s.mu.Unlock()
	s.flush()
}

func (s *Session) poll() {
	s.mu.Lock()
	if s.state != model.StateAwaitingRunReady || s.job == nil {
		s.mu.Unlock()
		return
	}
	job := *s.job
	attempt := s.attempt
	stale := s.staleRun
	s.polls++
	s.beginTaskLocked()
	s.mu.Unlock()

	s.metrics.IncPoll()
	run, found, err := s.remote.LatestRun(s.ctx, job)
	if err == nil && found && stale != 0 && run.ID == stale {
		found = false
	}
	if err == nil && found && run.Ready() {
		details, derr := s.remote.RunDetails(s.ctx, run.ID)
		if derr != nil {
			err = derr
		} else {
			run.Stdout = details.Stdout
			run.Stderr = details.Stderr
		}
	}

	s.mu.Lock()
	s.endTaskLocked()
	if s.state != model.StateAwaitingRunReady || s.attempt != attempt {
		s.mu.Unlock()
		return
	}
	switch {
	case err != nil:
		s.lastErr = err
		s.logger.Warn("run poll failed", zap.Int("job_id", job.ID), zap.Error(err))
		v := s.viewLocked(ViewStillWorking)
		v.Error = err.Error()
		s.queueLocked(v)
		s.sched.schedule(s.settings.PollInterval, s.poll)
	case !found || !run.Ready():
		if found {
			s.run = &run
		}
		s.sched.schedule(s.settings.PollInterval, s.poll)
	case job.Capsule == model.CapsuleNotebook:
		s.run = &run
		s.lastErr = nil
		if s.job.KernelURL == "" {
			s.job.KernelURL = run.KernelURL
		}
		if s.job.KernelURL == "" {
			s.failLocked(model.ReasonUploadAbandoned, ErrNoKernelURL, ViewUploadAbandoned)
			break
		}
		s.transitionLocked(model.StateUploadingContent, model.ReasonNone)
		s.queueLocked(s.viewLocked(ViewUploadingNotebook))
		s.sched.schedule(0, s.upload)
	default:
		s.run = &run
		s.lastErr = nil
		s.completeLocked()
	}
	s.mu.Unlock()
	s.flush()
}

// upload makes one attempt: probe the kernel endpoint, then PUT the document.
func (s *Session) upload() {
	s.mu.Lock()
	if s.state != model.StateUploadingContent || s.job == nil {
		s.mu.Unlock()
		return
	}
	job := *s.job
	attempt := s.attempt
	s.uploads++
	n := s.uploads
	s.beginTaskLocked()
	s.mu.Unlock()

	err := s.remote.ProbeKernel(s.ctx, job, s.doc)
	if err == nil {
		err = s.remote.UploadNotebook(s.ctx, job, s.doc)
	}

	s.mu.Lock()
	s.endTaskLocked()
	if s.state != model.StateUploadingContent || s.attempt != attempt {
		s.mu.Unlock()
		return
	}
	if err == nil {
		s.metrics.ObserveUpload("success")
		s.lastErr = nil
		s.completeLocked()
		s.mu.Unlock()
		s.flush()
		return
	}
	s.metrics.ObserveUpload("failure")
	s.lastErr = err
	s.logger.Warn("notebook upload failed", zap.Int("attempt", n), zap.Error(err))
	if limit := s.settings.MaxUploadAttempts; limit > 0 && n >= limit {
		s.failLocked(model.ReasonUploadAbandoned, fmt.Errorf("%w after %d attempts: %v", ErrUploadAbandoned, n, err), ViewUploadAbandoned)
	} else {
		v := s.viewLocked(ViewUploadingNotebook)
		v.Error = err.Error()
		s.queueLocked(v)
		s.sched.schedule(s.settings.UploadRetryDelay, s.upload)
	}
	s.mu.Unlock()
	s.flush()
}

func (s *Session) loadPrevious(ctx context.Context) {
	if s.store == nil {
		return
	}
	rec, err := s.store.GetDeployment(ctx, s.doc.Path)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("load previous deployment", zap.Error(err))
		}
		return
	}
	s.mu.Lock()
	s.previous = &rec
	s.mu.Unlock()
}

// probe runs the auth check from CheckingAuth and branches on the answer.
func (s *Session) probe(ctx context.Context) {
	auth, err := s.remote.CheckAuthenticated(ctx)
	if auth == platform.Authenticated {
		s.enterForm(ctx)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
	if s.state != model.StateCheckingAuth {
		return
	}
	if auth == platform.NotAuthenticated {
		s.lastErr = nil
		s.transitionLocked(model.StateLoggingIn, model.ReasonNone)
		s.queueLocked(s.viewLocked(ViewLoginForm))
		return
	}
	s.connectionErrorLocked(err)
}

// enterForm fetches the platform list and shows the job form.
func (s *Session) enterForm(ctx context.Context) {
	platforms, err := s.remote.ListPlatforms(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
	if s.state != model.StateCheckingAuth {
		return
	}
	if err != nil {
		s.connectionErrorLocked(err)
		return
	}
	s.platforms = platforms
	s.form = defaultForm(s.doc, s.settings, s.previous)
	if s.form.PlatformID == 0 && len(platforms) > 0 {
		s.form.PlatformID = platforms[0].ID
	}
	s.lastErr = nil
	s.transitionLocked(model.StateFormEntry, model.ReasonNone)
	s.queueLocked(s.viewLocked(ViewJobForm))
}

func (s *Session) connectionErrorLocked(err error) {
	if err == nil {
		err = transport.ErrRemoteUnavailable
	}
	s.lastErr = err
	v := s.viewLocked(ViewConnectionError)
	v.Error = msgPlatformDown
	s.queueLocked(v)
}

func (s *Session) rejectFormLocked(form JobForm, err error) {
	s.busy = false
	s.form = form
	s.lastErr = err
	v := s.viewLocked(ViewJobForm)
	v.Error = err.Error()
	s.queueLocked(v)
}

func (s *Session) failLocked(reason model.FailureReason, err error, view ViewName) {
	s.busy = false
	s.lastErr = err
	s.transitionLocked(model.StateFailed, reason)
	s.metrics.ObserveDeployment(string(reason))
	if s.job != nil {
		s.recordLocked()
	}
	v := s.viewLocked(view)
	if err != nil {
		v.Error = err.Error()
	}
	s.queueLocked(v)
	s.logger.Warn("deployment failed", zap.String("reason", string(reason)), zap.Error(err))
}

func (s *Session) completeLocked() {
	s.transitionLocked(model.StateCompleted, model.ReasonNone)
	s.metrics.ObserveDeployment("completed")
	s.recordLocked()
	s.queueLocked(s.viewLocked(ViewCompleted))
	s.logger.Info("deployment completed", zap.Int("job_id", s.job.ID), zap.Int("polls", s.polls), zap.Int("uploads", s.uploads))
}

// acquireLocked claims the session for a user operation that must start in want.
func (s *Session) acquireLocked(op string, want model.State) error {
	if s.state == model.StateClosed {
		return ErrSessionClosed
	}
	if s.busy {
		return ErrBusy
	}
	if s.state != want {
		return &StateError{Op: op, State: s.state}
	}
	s.busy = true
	return nil
}

// transitionLocked applies one edge of the state table and queues its event.
func (s *Session) transitionLocked(to model.State, reason model.FailureReason) {
	from := s.state
	if err := model.CheckTransition(from, to, s.id); err != nil {
		s.logger.Error("rejected transition", zap.Error(err))
		return
	}
	s.state = to
	s.reason = reason
	s.history = append(s.history, model.Transition{From: from, To: to, Reason: reason})
	s.metrics.ObserveTransition(string(to))

	fields := []zap.Field{zap.String("from", string(from)), zap.String("to", string(to))}
	if reason != model.ReasonNone {
		fields = append(fields, zap.String("reason", string(reason)))
	}
	s.logger.Info("state changed", fields...)

	evt := notify.Event{
		EventID:   uuid.NewString(),
		SessionID: s.id,
		Notebook:  s.doc.Path,
		From:      string(from),
		To:        string(to),
		Reason:    string(reason),
		At:        s.clock.Now().UTC(),
	}
	if s.job != nil {
		evt.PlatformID = s.job.PlatformID
		evt.JobID = s.job.ID
	}
	s.events = append(s.events, evt)
}

func (s *Session) recordLocked() {
	if s.job == nil {
		return
	}
	s.records = append(s.records, model.DeploymentRecord{
		NotebookPath: s.doc.Path,
		SessionID:    s.id,
		Job:          *s.job,
		Request:      model.SnapshotRequest(s.request),
		State:        string(s.state),
		UpdatedAt:    s.clock.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Session) viewLocked(name ViewName) View {
	v := View{
		Name:      name,
		State:     s.state,
		Reason:    s.reason,
		Notebook:  s.doc.Path,
		Kernel:    s.doc.Kernel(),
		Platforms: append([]model.Platform(nil), s.platforms...),
		Form:      s.form,
		Previous:  s.previous,
		Attempt:   s.uploads,
	}
	if s.job != nil {
		job := *s.job
		v.Job = &job
		links := s.remote.Links(job, s.doc.FileName())
		v.Links = &links
	}
	if s.run != nil {
		run := *s.run
		v.Run = &run
	}
	return v
}

func (s *Session) queueLocked(v View) {
	s.seq++
	v.Seq = s.seq
	s.views = append(s.views, v)
}

func (s *Session) beginTaskLocked() {
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
}

func (s *Session) endTaskLocked() {
	s.inFlight--
}

// opCtx ties a caller's context to the session lifetime, so Close also
// cancels a user operation that is waiting on the remote.
func (s *Session) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	merged, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}

// flush delivers queued views, events and records in the order they were
// produced. Presenters run on the caller's goroutine.
func (s *Session) flush() {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	for {
		s.mu.Lock()
		views, events, records := s.views, s.events, s.records
		s.views, s.events, s.records = nil, nil, nil
		s.mu.Unlock()
		if len(views) == 0 && len(events) == 0 && len(records) == 0 {
			return
		}
		for _, rec := range records {
			if s.store == nil {
				break
			}
			if err := s.store.SaveDeployment(context.Background(), rec); err != nil {
				s.logger.Warn("save deployment", zap.Error(err))
			}
		}
		for _, evt := range events {
			if err := s.sink.Publish(context.Background(), evt); err != nil {
				s.logger.Warn("publish event", zap.String("to", evt.To), zap.Error(err))
			}
		}
		for _, v := range views {
			s.presenter.Render(v)
		}
	}
}

func (s *Session) State() model.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Reason() model.FailureReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Snapshot is a consistent copy of the session's progress.
type Snapshot struct {
	ID          string
	State       model.State
	Reason      model.FailureReason
	LastError   string
	Job         *model.Job
	Run         *model.JobRun
	Polls       int
	Uploads     int
	Outstanding bool
	MaxInFlight int
	Transitions []model.Transition
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:          s.id,
		State:       s.state,
		Reason:      s.reason,
		Polls:       s.polls,
		Uploads:     s.uploads,
		Outstanding: s.sched.outstanding(),
		MaxInFlight: s.maxInFlight,
		Transitions: append([]model.Transition(nil), s.history...),
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	}
	if s.job != nil {
		job := *s.job
		snap.Job = &job
	}
	if s.run != nil {
		run := *s.run
		snap.Run = &run
	}
	return snap
}
