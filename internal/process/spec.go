package process

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Spec describes how the worker is launched: an interpreter running an entry script.
type Spec struct {
	Interpreter string         `json:"interpreter"` // runtime executable; relative paths with separators resolve against WorkDir
	Script      string         `json:"script"`      // entry-point script passed as first argument
	Args        []string       `json:"args"`        // optional extra arguments after the script
	WorkDir     string         `json:"work_dir"`    // optional working dir
	Env         []string       `json:"env"`         // full child environment; nil inherits the parent's
	Output      io.WriteCloser `json:"-"`           // combined stdout/stderr; closed once the worker exits
}

// Argv returns the arguments passed to the interpreter.
func (s Spec) Argv() []string {
	argv := make([]string, 0, len(s.Args)+1)
	if s.Script != "" {
		argv = append(argv, s.Script)
	}
	return append(argv, s.Args...)
}

// String renders the command line for logs.
func (s Spec) String() string {
	return strings.TrimSpace(s.Interpreter + " " + strings.Join(s.Argv(), " "))
}

// ResolveInterpreter returns the absolute interpreter path or an error wrapping
// ErrExecutableNotFound. Bare names are looked up in PATH.
func (s Spec) ResolveInterpreter() (string, error) {
	name := strings.TrimSpace(s.Interpreter)
	if name == "" {
		return "", fmt.Errorf("%w: interpreter not configured", ErrExecutableNotFound)
	}
	if !strings.ContainsAny(name, `/\`) {
		p, err := exec.LookPath(name)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrExecutableNotFound, name, err)
		}
		return p, nil
	}
	if !filepath.IsAbs(name) && s.WorkDir != "" {
		name = filepath.Join(s.WorkDir, name)
	}
	abs, err := filepath.Abs(name)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrExecutableNotFound, name, err)
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrExecutableNotFound, abs)
	}
	if fi.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrExecutableNotFound, abs)
	}
	return abs, nil
}

// BuildCommand constructs the *exec.Cmd for s. The interpreter is
// executed directly, never through a shell.
func (s Spec) BuildCommand() (*exec.Cmd, error) {
	path, err := s.ResolveInterpreter()
	if err != nil {
		return nil, err
	}
	// ok: intentional execution of the configured interpreter
	// #nosec G204
	cmd := exec.Command(path, s.Argv()...)
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	if len(s.Env) > 0 {
		cmd.Env = s.Env
	}
	configureSysProcAttr(cmd)
	if s.Output != nil {
		cmd.Stdout = s.Output
		cmd.Stderr = s.Output
	}
	return cmd, nil
}
