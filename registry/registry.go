package registry

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/isdmx/runbox/config"
)

// ErrNotSupported is returned for language identifiers outside the configured set.
var ErrNotSupported = errors.New("language not supported")

// Placeholders substituted in command templates.
const (
	PlaceholderFile  = "{file}"
	PlaceholderClass = "{class}"
)

// Profile is the static execution configuration of one language.
type Profile struct {
	ID       string
	Aliases  []string
	FileName string
	Image    string
	RootFS   string

	CompileCmd []string
	RunCmd     []string
	Env        map[string]string

	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	CompileTimeout time.Duration
	DefaultMemory  int64
	MaxMemory      int64
}

// Compiled reports whether the language needs a compile step before running.
func (p Profile) Compiled() bool {
	return len(p.CompileCmd) > 0
}

// EnvList returns the profile environment as sorted KEY=VALUE pairs.
func (p Profile) EnvList() []string {
	env := make([]string, 0, len(p.Env))
	for k, v := range p.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

// Registry is a read-only lookup table of execution profiles.
type Registry struct {
	byKey    map[string]*Profile
	profiles []Profile
}

// New builds a registry from profiles. Identifiers and aliases must be unique
// ignoring case.
func New(profiles []Profile) (*Registry, error) {
	r := &Registry{
		byKey:    make(map[string]*Profile, len(profiles)),
		profiles: make([]Profile, 0, len(profiles)),
	}

	sorted := append([]Profile(nil), profiles...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	for i := range sorted {
		p := sorted[i]
		if p.ID == "" {
			return nil, fmt.Errorf("profile with empty id")
		}
		if len(p.RunCmd) == 0 {
			return nil, fmt.Errorf("profile %s: run command is required", p.ID)
		}
		if p.DefaultTimeout <= 0 || p.MaxTimeout < p.DefaultTimeout {
			return nil, fmt.Errorf("profile %s: default timeout must be positive and at most the max timeout", p.ID)
		}
		if p.Compiled() && p.CompileTimeout <= 0 {
			return nil, fmt.Errorf("profile %s: compiled languages need a compile timeout", p.ID)
		}
		r.profiles = append(r.profiles, p)
	}

	for i := range r.profiles {
		p := &r.profiles[i]
		for _, key := range append([]string{p.ID}, p.Aliases...) {
			key = normalize(key)
			if key == "" {
				continue
			}
			if other, exists := r.byKey[key]; exists {
				return nil, fmt.Errorf("language key %q registered by both %s and %s", key, other.ID, p.ID)
			}
			r.byKey[key] = p
		}
	}

	return r, nil
}

// NewFromConfig builds the registry from the languages section of the configuration.
func NewFromConfig(cfg *config.Config) (*Registry, error) {
	profiles := make([]Profile, 0, len(cfg.Languages))
	for id, lang := range cfg.Languages {
		p, err := profileFromConfig(id, lang)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return New(profiles)
}

func profileFromConfig(id string, lang config.Language) (Profile, error) {
	runCmd, err := expandTemplate(lang.RunCmd, lang.FileName)
	if err != nil {
		return Profile{}, fmt.Errorf("languages.%s.run_cmd: %w", id, err)
	}

	var compileCmd []string
	if strings.TrimSpace(lang.CompileCmd) != "" {
		compileCmd, err = expandTemplate(lang.CompileCmd, lang.FileName)
		if err != nil {
			return Profile{}, fmt.Errorf("languages.%s.compile_cmd: %w", id, err)
		}
	}

	compileTimeout := time.Duration(lang.CompileTimeoutMs) * time.Millisecond
	if compileTimeout == 0 && len(compileCmd) > 0 {
		compileTimeout = time.Duration(lang.MaxTimeoutMs) * time.Millisecond
	}

	return Profile{
		ID:             strings.ToLower(id),
		Aliases:        lang.Aliases,
		FileName:       lang.FileName,
		Image:          lang.Image,
		RootFS:         lang.RootFS,
		CompileCmd:     compileCmd,
		RunCmd:         runCmd,
		Env:            lang.Environment,
		DefaultTimeout: time.Duration(lang.DefaultTimeoutMs) * time.Millisecond,
		MaxTimeout:     time.Duration(lang.MaxTimeoutMs) * time.Millisecond,
		CompileTimeout: compileTimeout,
		DefaultMemory:  lang.DefaultMemoryBytes,
		MaxMemory:      lang.MaxMemoryBytes,
	}, nil
}

// expandTemplate splits a shell-like command template and substitutes the
// entry file placeholders in every argument.
func expandTemplate(template, fileName string) ([]string, error) {
	args, err := shlex.Split(template)
	if err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	class := strings.TrimSuffix(fileName, filepath.Ext(fileName))
	replacer := strings.NewReplacer(PlaceholderFile, fileName, PlaceholderClass, class)
	for i, arg := range args {
		args[i] = replacer.Replace(arg)
	}
	return args, nil
}

// Resolve returns the profile registered for languageID or one of its aliases.
func (r *Registry) Resolve(languageID string) (Profile, error) {
	p, ok := r.byKey[normalize(languageID)]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrNotSupported, languageID)
	}
	return *p, nil
}

// Supported reports whether languageID resolves to a profile.
func (r *Registry) Supported(languageID string) bool {
	_, ok := r.byKey[normalize(languageID)]
	return ok
}

// Languages returns all profiles ordered by id.
func (r *Registry) Languages() []Profile {
	out := make([]Profile, len(r.profiles))
	copy(out, r.profiles)
	return out
}

func normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
