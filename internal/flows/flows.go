// Package flows is the narrow filesystem-discovery collaborator the core
// consumes (spec §1 names flow discovery as out of scope for the engine
// proper). It locates flow.sh, optional flow.yaml, and step.sh under
// flowsRoot, and decodes flow.yaml the way the teacher decodes its own
// YAML-shaped config: gopkg.in/yaml.v3 into a map, then
// github.com/mitchellh/mapstructure into a typed struct.
package flows

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ErrNotExecutable is returned when a discovered script exists but lacks
// the execute bit, distinct from a plain not-found.
type ErrNotExecutable struct{ Path string }

func (e *ErrNotExecutable) Error() string { return fmt.Sprintf("%s is not executable", e.Path) }

// Manifest is the recognised shape of flow.yaml: only "title" is defined by
// spec §6; unknown keys are ignored.
type Manifest struct {
	Title string `mapstructure:"title"`
}

// Flow resolves the on-disk layout for one flow.
type Flow struct {
	Root       string // flowsRoot/flowName
	ScriptPath string // flowsRoot/flowName/flow.sh
	Manifest   *Manifest
}

// Locate resolves a flow by name under flowsRoot, reading its optional
// flow.yaml. Returns an error if flowName isn't a safe path component or
// flow.sh is missing/not executable.
func Locate(flowsRoot, flowName string) (*Flow, error) {
	if !namePattern.MatchString(flowName) {
		return nil, fmt.Errorf("invalid flow name %q", flowName)
	}

	root := filepath.Join(flowsRoot, flowName)
	scriptPath := filepath.Join(root, "flow.sh")

	info, err := os.Stat(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("flow.sh for %q: %w", flowName, err)
	}
	if info.Mode().Perm()&0o111 == 0 {
		return nil, &ErrNotExecutable{Path: scriptPath}
	}

	manifest, err := readManifest(filepath.Join(root, "flow.yaml"))
	if err != nil {
		return nil, err
	}

	return &Flow{Root: root, ScriptPath: scriptPath, Manifest: manifest}, nil
}

func readManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manifest{}, nil
		}
		return nil, fmt.Errorf("read flow.yaml: %w", err)
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse flow.yaml: %w", err)
	}

	var manifest Manifest
	if err := mapstructure.Decode(raw, &manifest); err != nil {
		return nil, fmt.Errorf("decode flow.yaml: %w", err)
	}
	return &manifest, nil
}

// StepScriptPath resolves a step's script path within a flow, validating
// the step's name component matches the same charset as step ids.
func StepScriptPath(flowsRoot, flowName, stepName string) (string, error) {
	if !namePattern.MatchString(stepName) {
		return "", fmt.Errorf("invalid step name %q", stepName)
	}
	path := filepath.Join(flowsRoot, flowName, "steps", stepName, "step.sh")
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("step.sh for %q/%q: %w", flowName, stepName, err)
	}
	if info.Mode().Perm()&0o111 == 0 {
		return "", &ErrNotExecutable{Path: path}
	}
	return path, nil
}

// ValidName reports whether s matches the charset spec §3/§4.7 require for
// step ids and names ([A-Za-z0-9_-]+).
func ValidName(s string) bool {
	return s != "" && namePattern.MatchString(s)
}
