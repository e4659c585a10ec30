package policy

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

//go:embed schema.cue
var schemaSource []byte

//go:embed default.cue
var defaultSource []byte

var (
	defaultOnce   sync.Once
	defaultPolicy *Policy
	defaultErr    error
)

// Default returns a fresh copy of the embedded default policy.
// It panics if the embedded files do not compile, which is a build defect.
func Default() *Policy {
	defaultOnce.Do(func() {
		defaultPolicy, defaultErr = compile(&Policy{}, defaultSource, "default.cue")
	})
	if defaultErr != nil {
		panic(fmt.Sprintf("embedded default policy: %v", defaultErr))
	}
	return defaultPolicy.Clone()
}

// Parse compiles CUE source over the default policy and validates the
// result.
func Parse(src []byte, filename string) (*Policy, error) {
	p, err := compile(Default(), src, filename)
	if err != nil {
		return nil, err
	}
	if errs := Validate(p); len(errs) > 0 {
		return nil, &InvalidError{File: filename, Errors: errs}
	}
	return p, nil
}

// LoadFile reads and parses a policy file.
func LoadFile(path string) (*Policy, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return Parse(src, filepath.Base(path))
}

// compile unifies src with the closed #Policy schema, exports it to JSON
// and decodes it over base. Fields absent from src keep base's values.
func compile(base *Policy, src []byte, filename string) (*Policy, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileBytes(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	def := schema.LookupPath(cue.ParsePath("#Policy"))

	v := ctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	unified := def.Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	data, err := unified.MarshalJSON()
	if err != nil {
		return nil, formatCUEError(err)
	}
	out := base.Clone()
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("decode policy %s: %w", filename, err)
	}
	return out, nil
}

// Clone returns a deep copy of p.
func (p *Policy) Clone() *Policy {
	out := *p
	out.Priority.Severity = make(map[string]float64, len(p.Priority.Severity))
	for k, v := range p.Priority.Severity {
		out.Priority.Severity[k] = v
	}
	out.Contracts.HealthyStatuses = append([]string(nil), p.Contracts.HealthyStatuses...)
	out.LogRules = make([]LogRule, len(p.LogRules))
	for i, r := range p.LogRules {
		r.Keywords = append([]string(nil), r.Keywords...)
		out.LogRules[i] = r
	}
	out.RootCauseHints = make(map[string][]string, len(p.RootCauseHints))
	for k, v := range p.RootCauseHints {
		out.RootCauseHints[k] = append([]string(nil), v...)
	}
	out.Related = append([][2]string(nil), p.Related...)
	return &out
}

// CompileError is a CUE error with its source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
