package notebook

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	DefaultPath   = "Untitled.ipynb"
	DefaultKernel = "python3"
	cellSeparator = "\n\n\n"
)

// Document is a parsed .ipynb file. Raw keeps the original JSON so it can be
// uploaded unchanged.
type Document struct {
	// Path is absolute when the document came from Load; deployment records
	// are keyed by it.
	Path string
	Raw  json.RawMessage

	kernel string
	cells  []cell
}

type cell struct {
	CellType string `json:"cell_type"`
	Source   source `json:"source"`
}

// source accepts both the string and the list-of-lines encodings nbformat allows.
type source string

func (s *source) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = source(str)
		return nil
	}
	var lines []string
	if err := json.Unmarshal(data, &lines); err != nil {
		return fmt.Errorf("cell source must be a string or list of strings: %w", err)
	}
	*s = source(strings.Join(lines, ""))
	return nil
}

type rawDocument struct {
	Cells    []cell `json:"cells"`
	Metadata struct {
		KernelSpec struct {
			Name        string `json:"name"`
			DisplayName string `json:"display_name"`
		} `json:"kernelspec"`
	} `json:"metadata"`
}

func Load(path string) (Document, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Document{}, fmt.Errorf("resolve notebook path %s: %w", path, err)
	}
	path = abs
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read notebook %s: %w", path, err)
	}
	return Parse(path, data)
}

// Parse builds a Document. Empty data yields an empty python3 notebook.
func Parse(path string, data []byte) (Document, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultPath
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		data = []byte(`{"cells":[],"metadata":{"kernelspec":{"name":"python3"}},"nbformat":4,"nbformat_minor":2}`)
	}
	var raw rawDocument
	if err := json.Unmarshal(data, &raw); err != nil {
		return Document{}, fmt.Errorf("parse notebook %s: %w", path, err)
	}
	kernel := strings.TrimSpace(raw.Metadata.KernelSpec.Name)
	if kernel == "" {
		kernel = DefaultKernel
	}
	return Document{
		Path:   path,
		Raw:    json.RawMessage(data),
		kernel: kernel,
		cells:  raw.Cells,
	}, nil
}

func (d Document) Kernel() string {
	return d.kernel
}

// Name is the file name without directory or extension.
func (d Document) Name() string {
	base := filepath.Base(d.Path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// FileName is the base name used when uploading into a remote kernel.
func (d Document) FileName() string {
	return filepath.Base(d.Path)
}

func (d Document) CodeCells() []string {
	out := make([]string, 0, len(d.cells))
	for _, c := range d.cells {
		if c.CellType == "code" {
			out = append(out, string(c.Source))
		}
	}
	return out
}

// Code joins the selected code cells. Nil indices select every code cell.
func (d Document) Code(indices []int) (string, error) {
	cells := d.CodeCells()
	if indices == nil {
		return strings.Join(cells, cellSeparator), nil
	}
	parts := make([]string, 0, len(indices))
	for _, i := range indices {
		if i < 0 || i >= len(cells) {
			return "", fmt.Errorf("code cell %d out of range (notebook has %d code cells)", i, len(cells))
		}
		parts = append(parts, cells[i])
	}
	return strings.Join(parts, cellSeparator), nil
}

// ParseCellSelection reads a "0|2|3" style list. Empty input selects all cells.
func ParseCellSelection(raw string) ([]int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, "|")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, errors.New("code cells must be indices separated by |")
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("code cell index %q must be an integer >= 0", p)
		}
		out = append(out, n)
	}
	return out, nil
}
