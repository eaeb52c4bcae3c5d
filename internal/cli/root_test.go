package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"nbdeploy/internal/kernels"
)

func executeRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("XDG_STATE_HOME", t.TempDir())
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestKernelsJSON(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	out, err := executeRoot(t, "--config", cfgPath, "kernels", "--json")
	if err != nil {
		t.Fatalf("kernels: %v", err)
	}
	var entries []kernels.Entry
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("decode output %q: %v", out, err)
	}
	found := false
	for _, e := range entries {
		if e.Local == "python3" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected python3 in %v", entries)
	}
}

func TestConfigInitAndShow(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "nbdeploy", "config.yaml")
	if _, err := executeRoot(t, "--config", cfgPath, "config", "init"); err != nil {
		t.Fatalf("config init: %v", err)
	}
	if _, err := os.Stat(cfgPath); err != nil {
		t.Fatalf("expected config file: %v", err)
	}
	if _, err := executeRoot(t, "--config", cfgPath, "config", "init"); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected existing config error, got %v", err)
	}
	if _, err := executeRoot(t, "--config", cfgPath, "config", "init", "--force"); err != nil {
		t.Fatalf("config init --force: %v", err)
	}

	out, err := executeRoot(t, "--config", cfgPath, "config", "show", "--json")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	var shown struct {
		Store struct {
			Path string `json:"path"`
		} `json:"store"`
	}
	if err := json.Unmarshal([]byte(out), &shown); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if !strings.HasSuffix(shown.Store.Path, "deployments") {
		t.Fatalf("expected default store path, got %q", shown.Store.Path)
	}
}

func TestDeployRequiresNotebookArgument(t *testing.T) {
	if _, err := executeRoot(t, "deploy"); err == nil {
		t.Fatal("expected missing argument error")
	}
}
