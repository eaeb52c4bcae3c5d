package kernels

import (
	"errors"
	"testing"
)

func TestLookupDefaultTable(t *testing.T) {
	cases := []struct {
		local  string
		remote string
	}{
		{"python2", "jupyter"},
		{"python3", "jupyter"},
		{"ir", "r"},
		{"spark", "scala-spark1.6"},
		{"ruby", "ruby"},
		{"haskell", "haskell"},
		{"julia-0.3", "julia"},
	}
	m := Default()
	for _, tc := range cases {
		got, err := m.Lookup(tc.local)
		if err != nil {
			t.Fatalf("lookup %q: %v", tc.local, err)
		}
		if got != tc.remote {
			t.Fatalf("lookup %q: expected %q, got %q", tc.local, tc.remote, got)
		}
	}
}

func TestLookupUnknownKernel(t *testing.T) {
	_, err := Default().Lookup("cobol")
	if !errors.Is(err, ErrUnsupportedKernel) {
		t.Fatalf("expected ErrUnsupportedKernel, got %v", err)
	}
}

func TestNewExtendsDefaults(t *testing.T) {
	m, err := New(map[string]string{"python3": "jupyter-py3", "scala": "scala-2.11"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if got, _ := m.Lookup("python3"); got != "jupyter-py3" {
		t.Fatalf("expected override to win, got %q", got)
	}
	if got, _ := m.Lookup("scala"); got != "scala-2.11" {
		t.Fatalf("expected added entry, got %q", got)
	}
	if got, _ := m.Lookup("ir"); got != "r" {
		t.Fatalf("expected default entry kept, got %q", got)
	}
	if _, err := Default().Lookup("scala"); err == nil {
		t.Fatalf("expected default table to stay unchanged")
	}
}

func TestNewRejectsEmptyMapping(t *testing.T) {
	if _, err := New(map[string]string{"bash": " "}); err == nil {
		t.Fatalf("expected error for empty remote kernel")
	}
}
