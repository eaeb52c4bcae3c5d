package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"nbdeploy/internal/model"
	"nbdeploy/internal/notebook"
	"nbdeploy/internal/transport"
)

type fakeCaller struct {
	calls   []transport.Request
	respond func(req transport.Request) ([]byte, error)
}

func (f *fakeCaller) Call(_ context.Context, req transport.Request) ([]byte, error) {
	f.calls = append(f.calls, req)
	if f.respond == nil {
		return []byte(`{}`), nil
	}
	return f.respond(req)
}

func newTestClient(f *fakeCaller) *Client {
	return New(f, Settings{RootURL: "https://manager.prod.saagie.io"}, nil)
}

func TestCheckAuthenticatedMapsStatuses(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want AuthState
	}{
		{"ok", nil, Authenticated},
		{"redirect", &transport.StatusError{Code: http.StatusFound}, NotAuthenticated},
		{"proxy down", transport.ErrRemoteUnavailable, AuthUnavailable},
		{"forbidden", &transport.StatusError{Code: http.StatusForbidden}, AuthUnavailable},
	}
	for _, tc := range cases {
		f := &fakeCaller{respond: func(transport.Request) ([]byte, error) { return []byte(`[]`), tc.err }}
		got, _ := newTestClient(f).CheckAuthenticated(context.Background())
		if got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
		req := f.calls[0]
		if req.Method != "GET" || req.URL != "/api-internal/v1/platform" || req.AllowRedirects {
			t.Fatalf("%s: unexpected probe request %+v", tc.name, req)
		}
	}
}

func TestLoginDecidesByReprobe(t *testing.T) {
	loggedIn := false
	f := &fakeCaller{respond: func(req transport.Request) ([]byte, error) {
		switch req.URL {
		case "/login_check":
			if req.Form["_username"] == "ada" && req.Form["_password"] == "secret" {
				loggedIn = true
			}
			return nil, &transport.StatusError{Code: http.StatusFound}
		case "/api-internal/v1/platform":
			if loggedIn {
				return []byte(`[]`), nil
			}
			return nil, &transport.StatusError{Code: http.StatusFound}
		}
		return nil, fmt.Errorf("unexpected url %s", req.URL)
	}}
	c := newTestClient(f)
	ctx := context.Background()

	if state, _ := c.CheckAuthenticated(ctx); state != NotAuthenticated {
		t.Fatalf("expected not authenticated before login, got %s", state)
	}
	ok, err := c.Login(ctx, "ada", "wrong")
	if err != nil || ok {
		t.Fatalf("expected rejected login, got ok=%v err=%v", ok, err)
	}
	ok, err = c.Login(ctx, "ada", "secret")
	if err != nil || !ok {
		t.Fatalf("expected accepted login, got ok=%v err=%v", ok, err)
	}
	if state, _ := c.CheckAuthenticated(ctx); state != Authenticated {
		t.Fatalf("expected authenticated after login, got %s", state)
	}
}

func TestPostCredentialsIgnoresLoginResponse(t *testing.T) {
	f := &fakeCaller{respond: func(transport.Request) ([]byte, error) {
		return nil, &transport.StatusError{Code: http.StatusFound}
	}}
	if err := newTestClient(f).PostCredentials(context.Background(), "ada", "wrong"); err != nil {
		t.Fatalf("expected redirect to be ignored, got %v", err)
	}
	req := f.calls[0]
	if req.Method != "POST" || req.URL != "/login_check" || req.Form["_username"] != "ada" {
		t.Fatalf("unexpected login request %+v", req)
	}
	if len(f.calls) != 1 {
		t.Fatalf("expected a single POST, got %d calls", len(f.calls))
	}
}

func TestLoginUnavailable(t *testing.T) {
	f := &fakeCaller{respond: func(transport.Request) ([]byte, error) {
		return nil, fmt.Errorf("%w: down", transport.ErrRemoteUnavailable)
	}}
	ok, err := newTestClient(f).Login(context.Background(), "ada", "secret")
	if ok || !errors.Is(err, transport.ErrRemoteUnavailable) {
		t.Fatalf("expected unavailable login error, got ok=%v err=%v", ok, err)
	}
	if len(f.calls) != 1 {
		t.Fatalf("expected no reprobe after unavailable login, got %d calls", len(f.calls))
	}
}

func TestSubmitNotebookJobSendsKernelOption(t *testing.T) {
	var created createJobBody
	f := &fakeCaller{respond: func(req transport.Request) ([]byte, error) {
		raw, _ := json.Marshal(req.JSON)
		_ = json.Unmarshal(raw, &created)
		return []byte(`{"id":55,"platform_id":7,"capsule_code":"jupiter","name":"nb","current":{"url":"kernel-55.prod.saagie.io"}}`), nil
	}}
	job, err := newTestClient(f).SubmitJob(context.Background(), model.JobRequest{
		PlatformID: 7,
		Capsule:    model.CapsuleNotebook,
		Name:       "nb",
		Resources:  model.Resources{CPU: 0.5, DiskMB: 512, MemoryMB: 256},
		Notebook:   &model.NotebookOptions{Kernel: "jupyter"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(f.calls) != 1 {
		t.Fatalf("expected a single create call, got %d", len(f.calls))
	}
	if f.calls[0].URL != "/api-internal/v1/platform/7/job" || f.calls[0].Method != "POST" {
		t.Fatalf("unexpected create request %+v", f.calls[0])
	}
	if created.CapsuleCode != "jupiter" || created.Category != "processing" {
		t.Fatalf("unexpected body %+v", created)
	}
	if created.Current.Options["notebook"] != "jupyter" || created.Current.File != "" {
		t.Fatalf("unexpected current %+v", created.Current)
	}
	if created.Current.CPU != 0.5 || created.Current.Disk != 512 || created.Current.Memory != 256 {
		t.Fatalf("unexpected resources %+v", created.Current)
	}
	if job.ID != 55 || job.PlatformID != 7 || job.Capsule != model.CapsuleNotebook {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.KernelURL != "https://kernel-55.prod.saagie.io" {
		t.Fatalf("unexpected kernel url %q", job.KernelURL)
	}
}

func TestSubmitPythonJobUploadsScriptFirst(t *testing.T) {
	var created createJobBody
	f := &fakeCaller{respond: func(req transport.Request) ([]byte, error) {
		if strings.HasSuffix(req.URL, "/upload") {
			if req.File == nil || req.File.Name != "etl.py" || string(req.File.Content) != "print(1)" {
				t.Errorf("unexpected file part %+v", req.File)
			}
			return []byte(`{"fileName":"etl-123.py"}`), nil
		}
		raw, _ := json.Marshal(req.JSON)
		_ = json.Unmarshal(raw, &created)
		return []byte(`{"id":9,"platform_id":7,"capsule_code":"python","name":"etl"}`), nil
	}}
	job, err := newTestClient(f).SubmitJob(context.Background(), model.JobRequest{
		PlatformID: 7,
		Capsule:    model.CapsulePython,
		Name:       "etl",
		Python: &model.PythonOptions{
			LanguageVersion: "3.5.2",
			ShellCommand:    "python {file} arg1",
			ReleaseNote:     "first",
			Code:            "print(1)",
		},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(f.calls) != 2 || !strings.HasSuffix(f.calls[0].URL, "/job/upload") {
		t.Fatalf("expected upload then create, got %+v", f.calls)
	}
	if created.Current.File != "etl-123.py" || created.Current.Options["language_version"] != "3.5.2" {
		t.Fatalf("unexpected current %+v", created.Current)
	}
	if created.Current.Template != "python {file} arg1" || created.Current.ReleaseNote != "first" {
		t.Fatalf("unexpected template/release note %+v", created.Current)
	}
	if job.Capsule != model.CapsulePython || job.KernelURL != "" {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestSubmitFailureIsSubmissionError(t *testing.T) {
	f := &fakeCaller{respond: func(transport.Request) ([]byte, error) {
		return nil, &transport.StatusError{Code: http.StatusBadRequest, Body: "bad"}
	}}
	_, err := newTestClient(f).SubmitJob(context.Background(), model.JobRequest{
		PlatformID: 7,
		Capsule:    model.CapsuleNotebook,
		Name:       "nb",
		Notebook:   &model.NotebookOptions{Kernel: "jupyter"},
	})
	var se *SubmissionError
	if !errors.As(err, &se) || se.Op != "create" {
		t.Fatalf("expected create submission error, got %v", err)
	}
	if len(f.calls) != 1 {
		t.Fatalf("expected no retry, got %d calls", len(f.calls))
	}
}

func TestSubmitValidatesRequest(t *testing.T) {
	f := &fakeCaller{}
	_, err := newTestClient(f).SubmitJob(context.Background(), model.JobRequest{Capsule: model.CapsuleNotebook, Name: "nb"})
	var se *SubmissionError
	if !errors.As(err, &se) || se.Op != "validate" {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(f.calls) != 0 {
		t.Fatalf("expected no remote calls, got %d", len(f.calls))
	}
}

func TestUpgradeJobPostsVersion(t *testing.T) {
	var body map[string]jobCurrent
	f := &fakeCaller{respond: func(req transport.Request) ([]byte, error) {
		if strings.HasSuffix(req.URL, "/upload") {
			return []byte(`{"fileName":"etl-2.py"}`), nil
		}
		raw, _ := json.Marshal(req.JSON)
		_ = json.Unmarshal(raw, &body)
		return []byte(`{}`), nil
	}}
	job := model.Job{ID: 9, PlatformID: 7, Name: "etl", Capsule: model.CapsulePython}
	_, err := newTestClient(f).UpgradeJob(context.Background(), job, model.JobRequest{
		Python: &model.PythonOptions{LanguageVersion: "3.5.2", Code: "print(2)"},
	})
	if err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	if f.calls[1].URL != "/api-internal/v1/platform/7/job/9/version" {
		t.Fatalf("unexpected upgrade url %q", f.calls[1].URL)
	}
	if f.calls[0].File.Name != "etl.py" {
		t.Fatalf("expected script named after job, got %q", f.calls[0].File.Name)
	}
	if body["current"].File != "etl-2.py" {
		t.Fatalf("unexpected upgrade body %+v", body)
	}

	_, err = newTestClient(f).UpgradeJob(context.Background(), model.Job{Capsule: model.CapsuleNotebook}, model.JobRequest{})
	if err == nil {
		t.Fatalf("expected notebook upgrade to be refused")
	}
}

func TestLatestRunAndDetails(t *testing.T) {
	f := &fakeCaller{respond: func(req transport.Request) ([]byte, error) {
		switch req.URL {
		case "/api-internal/v1/platform/7/job/9":
			return []byte(`{"id":9,"current":{"url":"k-9.prod.saagie.io"},"last_instance":{"id":31,"status":"RUNNING"}}`), nil
		case "/api-internal/v1/platform/7/job/10":
			return []byte(`{"id":10}`), nil
		case "/api-internal/v1/jobtask/31":
			return []byte(`{"id":31,"status":"SUCCESS","logs_out":"hello","logs_err":"warn"}`), nil
		}
		return nil, fmt.Errorf("unexpected url %s", req.URL)
	}}
	c := newTestClient(f)
	ctx := context.Background()

	run, ok, err := c.LatestRun(ctx, model.Job{ID: 9, PlatformID: 7})
	if err != nil || !ok || run.ID != 31 || run.Status != model.RunRunning {
		t.Fatalf("unexpected run %+v ok=%v err=%v", run, ok, err)
	}
	if run.KernelURL != "https://k-9.prod.saagie.io" {
		t.Fatalf("expected kernel url from the job record, got %q", run.KernelURL)
	}
	_, ok, err = c.LatestRun(ctx, model.Job{ID: 10, PlatformID: 7})
	if err != nil || ok {
		t.Fatalf("expected no run yet, got ok=%v err=%v", ok, err)
	}
	details, err := c.RunDetails(ctx, 31)
	if err != nil {
		t.Fatalf("details: %v", err)
	}
	if !details.Ready() || details.Stdout != "hello" || details.Stderr != "warn" {
		t.Fatalf("unexpected details %+v", details)
	}
}

func TestProbeAndUploadNotebook(t *testing.T) {
	f := &fakeCaller{}
	c := newTestClient(f)
	doc, err := notebook.Parse("work/my nb.ipynb", []byte(`{"cells":[],"metadata":{"kernelspec":{"name":"python3"}}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	job := model.Job{ID: 1, PlatformID: 7, Capsule: model.CapsuleNotebook, KernelURL: "https://k.prod.saagie.io"}

	if err := c.ProbeKernel(context.Background(), job, doc); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if err := c.UploadNotebook(context.Background(), job, doc); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if f.calls[0].URL != "https://k.prod.saagie.io/notebooks/my%20nb.ipynb" || f.calls[0].Method != "GET" {
		t.Fatalf("unexpected probe %+v", f.calls[0])
	}
	put := f.calls[1]
	if put.Method != "PUT" || put.URL != "https://k.prod.saagie.io/api/contents/my%20nb.ipynb" {
		t.Fatalf("unexpected upload %+v", put)
	}
	raw, _ := json.Marshal(put.JSON)
	var body map[string]json.RawMessage
	_ = json.Unmarshal(raw, &body)
	if string(body["type"]) != `"notebook"` || !strings.Contains(string(body["content"]), `"kernelspec"`) {
		t.Fatalf("unexpected upload body %s", raw)
	}

	if err := c.UploadNotebook(context.Background(), model.Job{}, doc); err == nil {
		t.Fatalf("expected error without kernel url")
	}
}

func TestLinks(t *testing.T) {
	c := newTestClient(&fakeCaller{})
	job := model.Job{ID: 9, PlatformID: 7, KernelURL: "https://k.prod.saagie.io"}
	links := c.Links(job, "a.ipynb")
	if links.Admin != "https://manager.prod.saagie.io/#/manager/7/job/9" {
		t.Fatalf("unexpected admin url %q", links.Admin)
	}
	if links.Logs != links.Admin+"/logs" {
		t.Fatalf("unexpected logs url %q", links.Logs)
	}
	if links.Notebook != "https://k.prod.saagie.io/notebooks/a.ipynb" {
		t.Fatalf("unexpected notebook url %q", links.Notebook)
	}
}
