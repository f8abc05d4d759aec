package detector

import (
	"path"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/loykin/workerpanel/internal/process"
)

// DefaultImagePatterns matches CPython interpreter images such as python,
// python3.12 and pythonw.exe.
var DefaultImagePatterns = []string{"python*"}

// Detector decides whether a process-table record is an instance of the worker.
// Implementations must be safe for concurrent use.
type Detector interface {
	// Match returns true if rec looks like a worker instance.
	Match(rec process.Record) bool
	// Describe returns a human-readable description of the rule.
	Describe() string
}

// ImageDetector matches the executable image name against glob patterns
// (path.Match syntax), case-insensitively.
type ImageDetector struct {
	Patterns []string
}

func (d ImageDetector) Match(rec process.Record) bool {
	name := strings.ToLower(rec.Name)
	if name == "" {
		return false
	}
	for _, p := range d.Patterns {
		ok, err := path.Match(strings.ToLower(p), name)
		if err == nil && ok {
			return true
		}
	}
	return false
}

func (d ImageDetector) Describe() string { return "image:" + strings.Join(d.Patterns, ",") }

// ScriptDetector matches records whose command line passes the entry script,
// either exactly as configured or as the same absolute path. Records without a
// readable command line never match.
type ScriptDetector struct {
	Script  string
	WorkDir string // resolves a relative Script to its absolute form
}

func (d ScriptDetector) Match(rec process.Record) bool {
	if d.Script == "" || len(rec.Cmdline) == 0 {
		return false
	}
	abs := d.absScript()
	// Cmdline[0] is the interpreter itself.
	for _, arg := range rec.Cmdline[1:] {
		if arg == d.Script {
			return true
		}
		if abs != "" && filepath.IsAbs(arg) && samePath(filepath.Clean(arg), abs) {
			return true
		}
	}
	return false
}

func (d ScriptDetector) Describe() string { return "script:" + d.Script }

func (d ScriptDetector) absScript() string {
	s := d.Script
	if !filepath.IsAbs(s) {
		if d.WorkDir == "" {
			return ""
		}
		s = filepath.Join(d.WorkDir, s)
	}
	abs, err := filepath.Abs(s)
	if err != nil {
		return ""
	}
	return abs
}

func samePath(a, b string) bool {
	if runtime.GOOS == "windows" {
		return strings.EqualFold(a, b)
	}
	return a == b
}

// All matches when every member matches. An empty set never matches.
type All []Detector

func (a All) Match(rec process.Record) bool {
	if len(a) == 0 {
		return false
	}
	for _, d := range a {
		if !d.Match(rec) {
			return false
		}
	}
	return true
}

func (a All) Describe() string {
	parts := make([]string, 0, len(a))
	for _, d := range a {
		parts = append(parts, d.Describe())
	}
	return strings.Join(parts, "+")
}

// Worker builds the stray-instance rule: image pattern AND entry script.
func Worker(imagePatterns []string, script, workDir string) Detector {
	return All{
		ImageDetector{Patterns: imagePatterns},
		ScriptDetector{Script: script, WorkDir: workDir},
	}
}
