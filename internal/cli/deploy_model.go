package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"nbdeploy/internal/deploy"
	"nbdeploy/internal/notebook"
)

// deploySession is the part of deploy.Session the terminal UI drives.
type deploySession interface {
	Open(ctx context.Context) error
	Retry(ctx context.Context) error
	Login(ctx context.Context, username, password string) error
	Submit(ctx context.Context, form deploy.JobForm) error
	EditAgain() error
}

type viewMsg struct {
	view deploy.View
}

type opDoneMsg struct {
	op  string
	err error
}

type loginInputs struct {
	user  textinput.Model
	pass  textinput.Model
	focus int
}

type deployModel struct {
	session  deploySession
	notebook string
	kernel   string
	view     deploy.View
	width    int
	height   int
	spinner  spinner.Model
	login    loginInputs
	form     *jobForm
	pending  string
	status   string
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	panelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

func newDeployModel(session deploySession, doc notebook.Document) deployModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return deployModel{
		session:  session,
		notebook: doc.Path,
		kernel:   doc.Kernel(),
		spinner:  sp,
		login:    newLoginInputs(),
	}
}

func newLoginInputs() loginInputs {
	user := textinput.New()
	user.Prompt = "username > "
	user.CharLimit = 256
	user.Focus()
	pass := textinput.New()
	pass.Prompt = "password > "
	pass.CharLimit = 256
	pass.EchoMode = textinput.EchoPassword
	pass.EchoCharacter = '•'
	return loginInputs{user: user, pass: pass}
}

func (l *loginInputs) setFocus(i int) {
	l.focus = i
	if i == 0 {
		l.user.Focus()
		l.pass.Blur()
		return
	}
	l.user.Blur()
	l.pass.Focus()
}

func sessionCmd(op string, fn func() error) tea.Cmd {
	return func() tea.Msg {
		return opDoneMsg{op: op, err: fn()}
	}
}

func (m deployModel) Init() tea.Cmd {
	s := m.session
	return tea.Batch(m.spinner.Tick, sessionCmd("open", func() error {
		return s.Open(context.Background())
	}))
}

func (m deployModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.form.resize(m.width)
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case viewMsg:
		return m.applyView(msg.view), nil
	case opDoneMsg:
		m.pending = ""
		if msg.op == "submit" && m.form != nil && m.view.Name == deploy.ViewJobForm {
			m.form.Saving = false
		}
		var stateErr *deploy.StateError
		if errors.As(msg.err, &stateErr) || errors.Is(msg.err, deploy.ErrBusy) {
			m.status = "error: " + msg.err.Error()
		}
		return m, nil
	case tea.KeyMsg:
		return m.updateKey(msg)
	}
	return m, nil
}

// applyView shows v unless a newer view already arrived.
func (m deployModel) applyView(v deploy.View) deployModel {
	if m.view.Seq != 0 && v.Seq <= m.view.Seq {
		return m
	}
	prev := m.view.Name
	m.view = v
	m.status = ""
	switch v.Name {
	case deploy.ViewLoginForm:
		if prev != deploy.ViewLoginForm {
			m.login = newLoginInputs()
		} else {
			m.login.pass.SetValue("")
			m.login.setFocus(1)
		}
	case deploy.ViewJobForm:
		if m.form == nil || v.Error == "" {
			m.form = newJobForm(v.Form, v.Platforms, v.Previous, m.width)
		}
		m.form.Error = v.Error
		m.form.Saving = false
	}
	return m
}

func (m deployModel) updateKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()
	if key == "ctrl+c" {
		return m, tea.Quit
	}
	switch m.view.Name {
	case deploy.ViewLoginForm:
		return m.updateLogin(msg)
	case deploy.ViewJobForm:
		return m.updateForm(msg)
	case deploy.ViewConnectionError:
		switch key {
		case "r", "enter":
			if m.pending != "" {
				return m, nil
			}
			m.pending = "retry"
			s := m.session
			return m, sessionCmd("retry", func() error { return s.Retry(context.Background()) })
		case "q", "esc":
			return m, tea.Quit
		}
	case deploy.ViewUnsupportedKernel, deploy.ViewSubmissionFailed, deploy.ViewUploadAbandoned:
		switch key {
		case "e", "enter":
			if m.pending != "" {
				return m, nil
			}
			m.pending = "edit"
			s := m.session
			return m, sessionCmd("edit", s.EditAgain)
		case "q", "esc":
			return m, tea.Quit
		}
	case deploy.ViewCompleted, deploy.ViewClosed:
		switch key {
		case "q", "esc", "enter":
			return m, tea.Quit
		}
	default:
		switch key {
		case "q", "esc":
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m deployModel) updateLogin(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.pending != "" {
		return m, nil
	}
	switch msg.String() {
	case "esc":
		return m, tea.Quit
	case "tab", "shift+tab", "up", "down":
		m.login.setFocus(1 - m.login.focus)
		return m, nil
	case "enter":
		if m.login.focus == 0 {
			m.login.setFocus(1)
			return m, nil
		}
		user := strings.TrimSpace(m.login.user.Value())
		pass := m.login.pass.Value()
		if user == "" || pass == "" {
			m.status = "error: username and password are required"
			return m, nil
		}
		m.pending = "login"
		m.status = ""
		s := m.session
		return m, sessionCmd("login", func() error { return s.Login(context.Background(), user, pass) })
	}
	var cmd tea.Cmd
	if m.login.focus == 0 {
		m.login.user, cmd = m.login.user.Update(msg)
	} else {
		m.login.pass, cmd = m.login.pass.Update(msg)
	}
	return m, cmd
}

func (m deployModel) updateForm(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.form == nil || m.form.Saving {
		return m, nil
	}
	key := strings.ToLower(msg.String())
	kind := m.form.currentField().Kind
	switch key {
	case "esc":
		return m, tea.Quit
	case "up", "shift+tab":
		m.form.commitInput()
		m.form.move(-1)
		return m, nil
	case "down", "tab":
		m.form.commitInput()
		m.form.move(1)
		return m, nil
	case " ", "space", "right", "l":
		if kind == formFieldBool {
			m.form.toggleBoolField()
			return m, nil
		}
		if kind == formFieldSelect {
			m.form.stepSelectOption(1)
			return m, nil
		}
	case "left", "h":
		if kind == formFieldBool {
			m.form.toggleBoolField()
			return m, nil
		}
		if kind == formFieldSelect {
			m.form.stepSelectOption(-1)
			return m, nil
		}
	case "y":
		if kind == formFieldBool {
			m.form.setBoolField(true)
			return m, nil
		}
	case "n":
		if kind == formFieldBool {
			m.form.setBoolField(false)
			return m, nil
		}
	case "enter", "ctrl+s":
		m.form.commitInput()
		if key != "ctrl+s" && !m.form.lastVisible() {
			m.form.move(1)
			return m, nil
		}
		form, err := m.form.toJobForm()
		if err != nil {
			m.form.Error = err.Error()
			return m, nil
		}
		m.form.Error = ""
		m.form.Saving = true
		m.pending = "submit"
		s := m.session
		return m, sessionCmd("submit", func() error { return s.Submit(context.Background(), form) })
	}

	if kind == formFieldBool || kind == formFieldSelect {
		return m, nil
	}
	var cmd tea.Cmd
	m.form.Input, cmd = m.form.Input.Update(msg)
	m.form.Fields[m.form.Index].Value = m.form.Input.Value()
	return m, cmd
}

func (m deployModel) View() string {
	if m.width <= 0 {
		m.width = 100
	}
	header := titleStyle.Render("nbdeploy") + "  " + mutedStyle.Render(fmt.Sprintf("%s (kernel %s)", m.notebook, defaultIfEmpty(m.kernel, "unknown")))

	var body, hints string
	switch m.view.Name {
	case "":
		body = m.spinner.View() + " Checking platform session..."
		hints = "q: quit"
	case deploy.ViewLoginForm:
		body = m.viewLogin()
		hints = "tab: switch field | enter: next/login | esc: quit"
	case deploy.ViewConnectionError:
		body = errorStyle.Render("Cannot reach the platform.") + "\n" + mutedStyle.Render(m.view.Error)
		hints = "r/enter: retry | q: quit"
	case deploy.ViewJobForm:
		body = m.viewForm()
		hints = "tab/shift+tab or up/down: move | left/right/space: change | y/n: set yes/no | enter: next/deploy | ctrl+s: deploy | esc: quit"
	case deploy.ViewStartingJob, deploy.ViewStillWorking:
		body = m.viewProgress("Waiting for the job to start")
		hints = "q: stop waiting (the job keeps running)"
	case deploy.ViewUploadingNotebook:
		body = m.viewProgress("Uploading the notebook into the job's kernel")
		hints = "q: stop waiting (the job keeps running)"
	case deploy.ViewCompleted:
		body = m.viewCompleted()
		hints = "enter/q: quit"
	case deploy.ViewUnsupportedKernel:
		body = errorStyle.Render(fmt.Sprintf("Kernel %q is not supported.", m.view.Kernel)) + "\n" +
			mutedStyle.Render("Switch the notebook kernel or deploy it as a python job.")
		hints = "e/enter: edit job | q: quit"
	case deploy.ViewSubmissionFailed:
		body = errorStyle.Render("The platform refused the job.") + "\n" + wrapOrTrim(m.view.Error, maxInt(m.width-6, 20))
		hints = "e/enter: edit job | q: quit"
	case deploy.ViewUploadAbandoned:
		body = errorStyle.Render("Gave up uploading the notebook.") + "\n" + wrapOrTrim(m.view.Error, maxInt(m.width-6, 20)) + m.viewLinks()
		hints = "e/enter: edit job | q: quit"
	case deploy.ViewClosed:
		body = mutedStyle.Render("Session closed.")
		hints = "q: quit"
	}

	panel := panelStyle.Width(maxInt(m.width-2, 40)).Render(body)
	parts := []string{header, mutedStyle.Render(hints), panel}
	if m.status != "" {
		style := mutedStyle
		if strings.HasPrefix(m.status, "error:") {
			style = errorStyle
		}
		parts = append(parts, style.Render(truncateRunes(m.status, maxInt(m.width-2, 10))))
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (m deployModel) viewLogin() string {
	lines := []string{"Log in to the platform", "", m.login.user.View(), m.login.pass.View()}
	if m.pending == "login" {
		lines = append(lines, "", m.spinner.View()+" Logging in...")
	}
	if m.view.Error != "" {
		lines = append(lines, "", errorStyle.Render(m.view.Error))
	}
	return strings.Join(lines, "\n")
}

func (m deployModel) viewForm() string {
	if m.form == nil {
		return ""
	}
	lines := make([]string, 0, len(m.form.Fields)+8)
	lines = append(lines, m.form.Title, "")
	if prev := m.view.Previous; prev != nil {
		lines = append(lines, mutedStyle.Render(fmt.Sprintf("Last deployed as job #%d on platform %d (%s)", prev.Job.ID, prev.Job.PlatformID, prev.State)), "")
	}
	for i, f := range m.form.Fields {
		if !m.form.visible(i) {
			continue
		}
		prefix := "  "
		if i == m.form.Index {
			prefix = "> "
		}
		display := strings.TrimSpace(f.Value)
		if f.Kind == formFieldBool {
			v, _ := parseBool(display)
			display = yesNo(v)
		}
		if display == "" {
			display = mutedStyle.Render("(empty)")
		}
		if f.Kind == formFieldSelect {
			display = "[" + display + "]"
		}
		lines = append(lines, wrapOrTrim(fmt.Sprintf("%s%s: %s", prefix, f.Label, display), maxInt(m.width-6, 20)))
	}

	curr := m.form.currentField()
	lines = append(lines, "", curr.Label)
	if strings.TrimSpace(curr.Help) != "" {
		lines = append(lines, mutedStyle.Render(curr.Help))
	}
	lines = append(lines, m.form.Input.View())
	if m.form.Saving {
		lines = append(lines, "", m.spinner.View()+" Submitting...")
	}
	if strings.TrimSpace(m.form.Error) != "" {
		lines = append(lines, "", errorStyle.Render(m.form.Error))
	}
	return strings.Join(lines, "\n")
}

func (m deployModel) viewProgress(title string) string {
	lines := []string{m.spinner.View() + " " + title}
	if job := m.view.Job; job != nil {
		lines = append(lines, "", kv("job", fmt.Sprintf("#%d %s", job.ID, job.Name)), kv("platform", fmt.Sprint(job.PlatformID)))
	}
	if run := m.view.Run; run != nil {
		lines = append(lines, kv("run", fmt.Sprintf("#%d %s", run.ID, run.Status)))
	}
	if m.view.Name == deploy.ViewUploadingNotebook && m.view.Attempt > 0 {
		lines = append(lines, kv("upload attempts", fmt.Sprint(m.view.Attempt)))
	}
	if m.view.Error != "" {
		lines = append(lines, "", mutedStyle.Render("still working: "+truncateRunes(m.view.Error, maxInt(m.width-22, 20))))
	}
	return strings.Join(lines, "\n") + m.viewLinks()
}

func (m deployModel) viewCompleted() string {
	lines := []string{okStyle.Render("Deployed.")}
	if job := m.view.Job; job != nil {
		lines = append(lines, "", kv("job", fmt.Sprintf("#%d %s", job.ID, job.Name)), kv("type", job.Capsule.String()))
	}
	if run := m.view.Run; run != nil {
		if out := lastLines(run.Stdout, 8); len(out) > 0 {
			lines = append(lines, "", "stdout:")
			lines = append(lines, out...)
		}
		if errOut := lastLines(run.Stderr, 8); len(errOut) > 0 {
			lines = append(lines, "", "stderr:")
			lines = append(lines, errOut...)
		}
	}
	return strings.Join(lines, "\n") + m.viewLinks()
}

func (m deployModel) viewLinks() string {
	l := m.view.Links
	if l == nil {
		return ""
	}
	lines := []string{"", kv("manager", l.Admin), kv("logs", l.Logs)}
	if l.Notebook != "" {
		lines = append(lines, kv("notebook", l.Notebook))
	}
	return strings.Join(lines, "\n")
}

// programPresenter forwards session views into a running bubbletea program.
type programPresenter struct {
	mu sync.RWMutex
	p  *tea.Program
}

func (pp *programPresenter) attach(p *tea.Program) {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	pp.p = p
}

func (pp *programPresenter) detach() {
	pp.attach(nil)
}

func (pp *programPresenter) Render(v deploy.View) {
	pp.mu.RLock()
	p := pp.p
	pp.mu.RUnlock()
	if p != nil {
		p.Send(viewMsg{view: v})
	}
}
