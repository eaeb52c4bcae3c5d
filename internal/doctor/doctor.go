package doctor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"nbdeploy/internal/config"
	"nbdeploy/internal/kernels"
	"nbdeploy/internal/notify"
	"nbdeploy/internal/platform"
	"nbdeploy/internal/runstore"
)

type Options struct {
	ConfigPath string
	Config     config.Config
	StateDir   string
	HTTPClient *http.Client
	// AuthProbe, when set, checks that the platform answers through the proxy.
	AuthProbe func(ctx context.Context) (platform.AuthState, error)
}

type Result struct {
	OK     bool    `json:"ok"`
	Checks []Check `json:"checks"`
}

type Check struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

func Run(ctx context.Context, opts Options) (Result, error) {
	cfg := opts.Config
	stateDir := strings.TrimSpace(opts.StateDir)
	if stateDir == "" {
		stateDir = runstore.StateDir()
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 3 * time.Second}
	}

	checks := make([]Check, 0, 8)
	if err := cfg.Validate(); err != nil {
		checks = append(checks, Check{Name: "config", OK: false, Message: err.Error()})
	} else {
		checks = append(checks, Check{Name: "config", OK: true, Message: configMessage(opts.ConfigPath)})
	}

	km, err := kernels.New(cfg.Kernels)
	if err != nil {
		checks = append(checks, Check{Name: "kernels", OK: false, Message: err.Error()})
	} else {
		checks = append(checks, Check{Name: "kernels", OK: true, Message: fmt.Sprintf("%d mappings", len(km.Entries()))})
	}

	ok, msg := ensureWritableDir(stateDir)
	checks = append(checks, Check{Name: "directory:state", OK: ok, Message: msg})

	if path := strings.TrimSpace(opts.ConfigPath); path != "" {
		ok, msg := ensureWritableDir(filepath.Dir(path))
		checks = append(checks, Check{Name: "directory:config", OK: ok, Message: msg})
	}
	if cfg.Logging.File != "" {
		ok, msg := ensureWritableDir(filepath.Dir(cfg.Logging.File))
		checks = append(checks, Check{Name: "directory:logs", OK: ok, Message: msg})
	}
	if cfg.Store.Path != "" {
		ok, msg := ensureWritableDir(cfg.Store.Path)
		checks = append(checks, Check{Name: "directory:store", OK: ok, Message: msg})
	}

	checks = append(checks, proxyCheck(ctx, hc, cfg.Proxy.URL))

	if cfg.Notify.NATSURL != "" {
		pub, err := notify.NewPublisher(cfg.Notify.NATSURL, cfg.Notify.Subject, nil)
		if err != nil {
			checks = append(checks, Check{Name: "notify:nats", OK: false, Message: err.Error()})
		} else {
			pub.Close()
			checks = append(checks, Check{Name: "notify:nats", OK: true, Message: "connected to " + cfg.Notify.NATSURL})
		}
	}

	if opts.AuthProbe != nil {
		checks = append(checks, platformCheck(ctx, opts.AuthProbe, cfg.Platform.RootURL))
	}

	all := true
	for _, c := range checks {
		if !c.OK {
			all = false
			break
		}
	}
	return Result{OK: all, Checks: checks}, nil
}

func configMessage(path string) string {
	if strings.TrimSpace(path) == "" {
		return "defaults"
	}
	if _, err := os.Stat(path); err != nil {
		return "defaults (" + path + " not found)"
	}
	return "loaded " + path
}

func proxyCheck(ctx context.Context, hc *http.Client, proxyURL string) Check {
	if proxyURL == "" {
		return Check{Name: "proxy", OK: true, Message: "embedded proxy, started per command"}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, proxyURL+"/health", nil)
	if err != nil {
		return Check{Name: "proxy", OK: false, Message: err.Error()}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return Check{Name: "proxy", OK: false, Message: err.Error()}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return Check{Name: "proxy", OK: false, Message: fmt.Sprintf("%s/health returned %d", proxyURL, resp.StatusCode)}
	}
	return Check{Name: "proxy", OK: true, Message: proxyURL + " healthy"}
}

func platformCheck(ctx context.Context, probe func(context.Context) (platform.AuthState, error), root string) Check {
	state, err := probe(ctx)
	switch state {
	case platform.Authenticated:
		return Check{Name: "platform", OK: true, Message: root + " reachable, session authenticated"}
	case platform.NotAuthenticated:
		return Check{Name: "platform", OK: true, Message: root + " reachable, login required"}
	default:
		msg := root + " unavailable"
		if err != nil {
			msg += ": " + err.Error()
		}
		return Check{Name: "platform", OK: false, Message: msg}
	}
}

func ensureWritableDir(path string) (bool, string) {
	if strings.TrimSpace(path) == "" {
		return false, "empty path"
	}
	if err := runstore.Mkdir(path); err != nil {
		return false, err.Error()
	}
	f, err := os.CreateTemp(path, "nbdeploy-check-*.tmp")
	if err != nil {
		return false, err.Error()
	}
	_ = f.Close()
	_ = os.Remove(f.Name())
	return true, path + " writable"
}
