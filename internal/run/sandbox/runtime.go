// Package sandbox executes one run's entrypoint in a private workspace and classifies the outcome.
package sandbox

import (
	"os/exec"
	"path/filepath"
	"strings"

	"runbox/internal/run/model"
	appErr "runbox/pkg/errors"

	"github.com/google/shlex"
)

const entrypointToken = "{entrypoint}"

// Runtime defines how one language variant is launched.
type Runtime struct {
	Language model.Language `yaml:"language"`
	// RunCmdTpl is split with shell quoting rules. The {entrypoint} token is replaced by the
	// entrypoint path relative to the workspace.
	RunCmdTpl string   `yaml:"runCmd"`
	Env       []string `yaml:"env"`
}

// DefaultRuntimes returns the built-in variants.
func DefaultRuntimes() []Runtime {
	return []Runtime{
		{
			Language:  model.LanguagePython,
			RunCmdTpl: "python3 -u {entrypoint}",
			Env:       []string{"PYTHONDONTWRITEBYTECODE=1", "PYTHONUNBUFFERED=1"},
		},
		{
			Language:  model.LanguageJavaScript,
			RunCmdTpl: "node {entrypoint}",
		},
	}
}

// Binary is the executable the template starts.
func (r Runtime) Binary() string {
	fields, err := shlex.Split(r.RunCmdTpl)
	if err != nil || len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// Command expands the template for entrypoint.
func (r Runtime) Command(entrypoint string) ([]string, error) {
	if strings.TrimSpace(r.RunCmdTpl) == "" {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command template is required")
	}
	fields, err := shlex.Split(r.RunCmdTpl)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidParams, "parse command template failed")
	}
	if len(fields) == 0 {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command is empty after expansion")
	}
	for i, field := range fields {
		fields[i] = strings.ReplaceAll(field, entrypointToken, entrypoint)
	}
	return fields, nil
}

// Registry is the closed set of runtimes an executor accepts.
type Registry struct {
	runtimes map[model.Language]Runtime
}

// NewRegistry builds a registry. Later entries replace earlier ones for the same language.
func NewRegistry(runtimes ...Runtime) (*Registry, error) {
	reg := &Registry{runtimes: make(map[model.Language]Runtime, len(runtimes))}
	for _, rt := range runtimes {
		if rt.Language == "" {
			return nil, appErr.New(appErr.InvalidParams).WithMessage("runtime language is required")
		}
		if _, err := rt.Command("main"); err != nil {
			return nil, err
		}
		reg.runtimes[rt.Language] = rt
	}
	return reg, nil
}

// Lookup returns the runtime for language.
func (r *Registry) Lookup(language model.Language) (Runtime, bool) {
	rt, ok := r.runtimes[language]
	return rt, ok
}

// Supports reports whether language has a runtime.
func (r *Registry) Supports(language model.Language) bool {
	_, ok := r.runtimes[language]
	return ok
}

// resolveBinary returns the absolute path of name, searching PATH when name is bare.
func resolveBinary(name string) (string, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", err
	}
	return filepath.Abs(path)
}
