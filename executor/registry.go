package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/codejudge/config"
	"github.com/isdmx/codejudge/execution"
	"github.com/isdmx/codejudge/sandbox"
)

type languageError string

func (e languageError) Error() string { return string(e) }

func (languageError) FailureCode() execution.FailureCode {
	return execution.FailureUnsupportedLanguage
}

// ErrUnsupportedLanguage is returned by Resolve for languages without an
// executor. It classifies as UNSUPPORTED_LANGUAGE.
var ErrUnsupportedLanguage error = languageError("unsupported language")

// Registry maps language names to executors. It is built once at startup and
// read-only afterwards.
type Registry struct {
	executors map[string]Executor
}

// NewRegistry creates a registry. Two executors for the same language are an
// error.
func NewRegistry(execs ...Executor) (*Registry, error) {
	r := &Registry{executors: make(map[string]Executor, len(execs))}
	for _, e := range execs {
		name := normalize(e.Language())
		if name == "" {
			return nil, errors.New("executor with empty language name")
		}
		if _, dup := r.executors[name]; dup {
			return nil, fmt.Errorf("duplicate executor for language %q", name)
		}
		r.executors[name] = e
	}
	return r, nil
}

// NewRegistryFromConfig builds container executors for every configured
// language.
func NewRegistryFromConfig(logger *zap.Logger, cfg *config.Config, runner *sandbox.Runner) (*Registry, error) {
	profiles, err := ProfilesFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	settings := SettingsFromConfig(cfg)

	execs := make([]Executor, 0, len(profiles))
	for _, p := range profiles {
		execs = append(execs, NewContainerExecutor(logger, p, settings, runner))
	}
	return NewRegistry(execs...)
}

// SettingsFromConfig extracts the shared sandbox settings.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		User:        cfg.Sandbox.User,
		NanoCPUs:    int64(cfg.Sandbox.CPUs * 1e9),
		PidsLimit:   cfg.Sandbox.PidsLimit,
		WorkspaceMB: cfg.Sandbox.WorkspaceSizeMB,
		Network:     cfg.Sandbox.NetworkEnabled,
		OutputLimit: cfg.Sandbox.MaxOutputKB * 1024,
	}
}

// Resolve returns the executor for language.
func (r *Registry) Resolve(language string) (Executor, error) {
	e, ok := r.executors[normalize(language)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, language)
	}
	return e, nil
}

// Languages returns the supported language names, sorted.
func (r *Registry) Languages() []string {
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that the image of every executor is usable.
func (r *Registry) Validate(ctx context.Context, checker sandbox.ImageChecker) error {
	seen := make(map[string]bool)
	var errs []error
	for _, name := range r.Languages() {
		img := r.executors[name].Image()
		if seen[img] {
			continue
		}
		seen[img] = true
		if err := checker.EnsureImage(ctx, img); err != nil {
			errs = append(errs, fmt.Errorf("language %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func normalize(language string) string {
	return strings.ToLower(strings.TrimSpace(language))
}

func validateProfile(p Profile) error {
	switch {
	case p.Image == "":
		return fmt.Errorf("language %s: image is required", p.Language)
	case p.SourceFile == "":
		return fmt.Errorf("language %s: source file is required", p.Language)
	case strings.Contains(p.SourceFile, "/"):
		return fmt.Errorf("language %s: source file must be a plain file name", p.Language)
	case p.RunCmd == "":
		return fmt.Errorf("language %s: run command is required", p.Language)
	}
	return nil
}

func cfgDefaultLimits(cfg *config.Config) execution.Limits {
	return execution.Limits{
		Time:     time.Duration(cfg.Sandbox.TimeLimitMs) * time.Millisecond,
		MemoryMB: cfg.Sandbox.MemoryMB,
	}
}
