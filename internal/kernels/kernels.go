package kernels

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrUnsupportedKernel = errors.New("unsupported kernel")

var defaultTable = map[string]string{
	"python2":   "jupyter",
	"python3":   "jupyter",
	"ir":        "r",
	"spark":     "scala-spark1.6",
	"ruby":      "ruby",
	"haskell":   "haskell",
	"julia-0.3": "julia",
}

// Map translates local kernel identifiers into remote kernel runtime ids.
// It is immutable after construction.
type Map struct {
	table map[string]string
}

type Entry struct {
	Local  string `json:"local"`
	Remote string `json:"remote"`
}

func Default() Map {
	m, _ := New(nil)
	return m
}

// New returns the default table extended with extra. Extra entries win over defaults.
func New(extra map[string]string) (Map, error) {
	table := make(map[string]string, len(defaultTable)+len(extra))
	for k, v := range defaultTable {
		table[k] = v
	}
	for k, v := range extra {
		local := strings.TrimSpace(k)
		remote := strings.TrimSpace(v)
		if local == "" || remote == "" {
			return Map{}, fmt.Errorf("kernel mapping %q -> %q: both sides are required", k, v)
		}
		table[local] = remote
	}
	return Map{table: table}, nil
}

func (m Map) Lookup(local string) (string, error) {
	remote, ok := m.table[strings.TrimSpace(local)]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedKernel, local)
	}
	return remote, nil
}

func (m Map) Entries() []Entry {
	out := make([]Entry, 0, len(m.table))
	for k, v := range m.table {
		out = append(out, Entry{Local: k, Remote: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Local < out[j].Local })
	return out
}
