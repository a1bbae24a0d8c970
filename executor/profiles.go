package executor

import (
	"sort"
	"strings"
	"time"

	"github.com/isdmx/codejudge/config"
)

// Built-in language names.
const (
	LanguagePython = "python"
	LanguageNodeJS = "nodejs"
	LanguageGo     = "go"
	LanguageCPP    = "cpp"
	LanguageJava   = "java"
)

// defaultCompileAllowance applies to compiled languages that do not set one.
const defaultCompileAllowance = 10 * time.Second

// BuiltinProfiles returns the languages supported out of the box. Default
// limits are left zero and filled from configuration.
func BuiltinProfiles() map[string]Profile {
	tmp := map[string]string{"TMPDIR": "/workspace", "HOME": "/workspace"}
	withTmp := func(extra map[string]string) map[string]string {
		env := make(map[string]string, len(tmp)+len(extra))
		for k, v := range tmp {
			env[k] = v
		}
		for k, v := range extra {
			env[k] = v
		}
		return env
	}

	return map[string]Profile{
		LanguagePython: {
			Language:   LanguagePython,
			Image:      "python:3.12-slim",
			SourceFile: "main.py",
			RunCmd:     "python3 main.py",
			Env: withTmp(map[string]string{
				"PYTHONDONTWRITEBYTECODE": "1",
				"PYTHONUNBUFFERED":        "1",
			}),
		},
		LanguageNodeJS: {
			Language:   LanguageNodeJS,
			Image:      "node:20-alpine",
			SourceFile: "main.js",
			RunCmd:     "node main.js",
			Env:        withTmp(nil),
		},
		LanguageGo: {
			Language:         LanguageGo,
			Image:            "golang:1.23-alpine",
			SourceFile:       "main.go",
			CompileCmd:       "go build -o app main.go",
			CompileAllowance: 20 * time.Second,
			RunCmd:           "./app",
			Env: withTmp(map[string]string{
				"GOCACHE":     "/workspace/.cache",
				"GOPATH":      "/workspace/.go",
				"CGO_ENABLED": "0",
				"GOFLAGS":     "-buildvcs=false",
			}),
		},
		LanguageCPP: {
			Language:         LanguageCPP,
			Image:            "gcc:13",
			SourceFile:       "main.cpp",
			CompileCmd:       "g++ -std=c++17 -O2 -o app main.cpp",
			CompileAllowance: defaultCompileAllowance,
			RunCmd:           "./app",
			Env:              withTmp(nil),
		},
		LanguageJava: {
			Language:         LanguageJava,
			Image:            "eclipse-temurin:17-jdk-alpine",
			SourceFile:       "Main.java",
			CompileCmd:       "javac Main.java",
			CompileAllowance: defaultCompileAllowance,
			RunCmd:           "java -cp . Main",
			Env: withTmp(map[string]string{
				"JAVA_TOOL_OPTIONS": "-XX:-UsePerfData -Djava.io.tmpdir=/workspace",
			}),
		},
	}
}

// ProfilesFromConfig merges the languages section of cfg over the built-in
// profiles and fills default limits from the sandbox section. Languages that
// only exist in cfg must name an image, a source file and a run command.
func ProfilesFromConfig(cfg *config.Config) ([]Profile, error) {
	profiles := BuiltinProfiles()

	for name, lang := range cfg.Languages {
		name = strings.ToLower(strings.TrimSpace(name))
		p, ok := profiles[name]
		if !ok {
			p = Profile{Language: name}
		}
		if lang.Image != "" {
			p.Image = lang.Image
		}
		if lang.SourceFile != "" {
			p.SourceFile = lang.SourceFile
		}
		if lang.CompileCmd != "" {
			p.CompileCmd = lang.CompileCmd
		}
		if lang.RunCmd != "" {
			p.RunCmd = lang.RunCmd
		}
		if lang.CompileTimeoutSec > 0 {
			p.CompileAllowance = time.Duration(lang.CompileTimeoutSec) * time.Second
		}
		if lang.TimeLimitMs > 0 {
			p.DefaultLimits.Time = time.Duration(lang.TimeLimitMs) * time.Millisecond
		}
		if lang.MemoryMB > 0 {
			p.DefaultLimits.MemoryMB = lang.MemoryMB
		}
		if len(lang.Environment) > 0 {
			env := make(map[string]string, len(p.Env)+len(lang.Environment))
			for k, v := range p.Env {
				env[k] = v
			}
			// viper lowercases map keys
			for k, v := range lang.Environment {
				env[strings.ToUpper(k)] = v
			}
			p.Env = env
		}
		if p.Compiled() && p.CompileAllowance <= 0 {
			p.CompileAllowance = defaultCompileAllowance
		}
		if err := validateProfile(p); err != nil {
			return nil, err
		}
		profiles[name] = p
	}

	defaults := cfgDefaultLimits(cfg)
	out := make([]Profile, 0, len(profiles))
	for _, p := range profiles {
		p.DefaultLimits = p.DefaultLimits.WithDefaults(defaults)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Language < out[j].Language })
	return out, nil
}
