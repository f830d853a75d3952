// Package offsets sanity checks a precomputed function offset table, the JSON
// document a tracer produces from DWARF data and consumes at attach time.
//
// A table whose offsets are all zero is the usual symptom of a stripped
// binary: the DWARF pass found names but no addresses.
package offsets

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

var ErrMalformedTable = errors.New("malformed offset table")

// SampleSize is how many valid functions each module report lists.
const SampleSize = 5

type table struct {
	Version any                                   `json:"version"`
	Func2PC map[string]map[string]json.RawMessage `json:"mod_func2pc"`
	Func2VF map[string]map[string]json.RawMessage `json:"mod_func2vf"`
}

// FunctionOffset is one entry of a module's function table.
type FunctionOffset struct {
	Function string `json:"function"`
	Offset   string `json:"offset"`
}

// ModuleReport summarises the offsets recorded for one module.
type ModuleReport struct {
	Module  string           `json:"module"`
	Valid   int              `json:"valid"`
	Invalid int              `json:"invalid"`
	Sample  []FunctionOffset `json:"sample,omitempty" yaml:"sample,omitempty"`
	// InvalidFunctions lists every function whose offset is zero, empty or
	// unparsable.
	InvalidFunctions []FunctionOffset `json:"invalid_functions,omitempty" yaml:"invalid_functions,omitempty"`
}

// Empty reports whether the module has no functions at all.
func (m *ModuleReport) Empty() bool {
	return m.Valid+m.Invalid == 0
}

// Report is the outcome of Check.
type Report struct {
	Version    string         `json:"version,omitempty" yaml:"version,omitempty"`
	HasFunc2PC bool           `json:"has_mod_func2pc" yaml:"has_mod_func2pc"`
	HasFunc2VF bool           `json:"has_mod_func2vf" yaml:"has_mod_func2vf"`
	Modules    []ModuleReport `json:"modules"`
	// VariableInfo is the number of functions with variable field info, per
	// module.
	VariableInfo map[string]int `json:"variable_info,omitempty" yaml:"variable_info,omitempty"`
	// HasValidOffsets is true when at least one function in any module has a
	// usable offset.
	HasValidOffsets bool `json:"has_valid_offsets" yaml:"has_valid_offsets"`
}

// CheckFile runs Check on the file at path.
func CheckFile(path string) (*Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open offset table: %w", err)
	}
	defer f.Close()

	return Check(f)
}

// Check decodes an offset table from r and classifies every function offset.
func Check(r io.Reader) (*Report, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read offset table: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedTable, err)
	}

	var t table
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedTable, err)
	}

	_, hasPC := raw["mod_func2pc"]
	_, hasVF := raw["mod_func2vf"]

	rep := &Report{
		Version:    versionString(t.Version),
		HasFunc2PC: hasPC,
		HasFunc2VF: hasVF,
		Modules:    make([]ModuleReport, 0, len(t.Func2PC)),
	}

	for _, mod := range sortedKeys(t.Func2PC) {
		m := checkModule(mod, t.Func2PC[mod])
		if m.Valid > 0 {
			rep.HasValidOffsets = true
		}
		rep.Modules = append(rep.Modules, m)
	}

	if hasVF {
		rep.VariableInfo = make(map[string]int, len(t.Func2VF))
		for mod, funcs := range t.Func2VF {
			rep.VariableInfo[mod] = len(funcs)
		}
	}

	return rep, nil
}

func checkModule(mod string, funcs map[string]json.RawMessage) ModuleReport {
	m := ModuleReport{Module: mod}

	for _, fn := range sortedKeys(funcs) {
		off, ok := parseOffset(funcs[fn])
		entry := FunctionOffset{Function: fn, Offset: off}

		if !ok {
			m.Invalid++
			m.InvalidFunctions = append(m.InvalidFunctions, entry)
			continue
		}

		m.Valid++
		if len(m.Sample) < SampleSize {
			m.Sample = append(m.Sample, entry)
		}
	}

	return m
}

// parseOffset returns the offset as written and whether it is usable. Offsets
// may be JSON numbers or strings in any base strconv accepts; zero, empty and
// null are not.
func parseOffset(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)

	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "null", false
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return string(raw), false
		}

		s = strings.TrimSpace(s)
		if s == "" {
			return s, false
		}

		v, err := strconv.ParseUint(s, 0, 64)

		return s, err == nil && v != 0
	}

	s := string(raw)
	v, err := strconv.ParseFloat(s, 64)

	return s, err == nil && v > 0
}

func versionString(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return keys
}
