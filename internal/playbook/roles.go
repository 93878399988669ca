package playbook

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Role is a role directory a play depends on.
type Role struct {
	Name string
	Path string
}

// RoleResolver finds role directories. Play-relative roles/ directories are
// searched first, then SearchPaths in order.
type RoleResolver struct {
	SearchPaths []string
}

// Resolve returns the roles of play followed by their meta/main.yml
// dependencies, each role listed once.
func (r RoleResolver) Resolve(play *Play) ([]Role, error) {
	var (
		out  []Role
		seen = make(map[string]bool)
	)
	var visit func(name, from string, depth int) error
	visit = func(name, from string, depth int) error {
		if depth > maxImportDepth {
			return fmt.Errorf("role %s: dependencies nested too deep", name)
		}
		path, err := r.find(name, play.Dir, from)
		if err != nil {
			return err
		}
		if seen[path] {
			return nil
		}
		seen[path] = true
		out = append(out, Role{Name: filepath.Base(path), Path: path})

		deps, err := roleDependencies(path)
		if err != nil {
			return err
		}
		for _, dep := range deps {
			if err := visit(dep, filepath.Dir(path), depth+1); err != nil {
				return err
			}
		}
		return nil
	}

	for _, name := range play.Roles {
		if err := visit(name, "", 0); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r RoleResolver) find(name, playDir, siblingDir string) (string, error) {
	if filepath.IsAbs(name) {
		if isDir(name) {
			return name, nil
		}
		return "", fmt.Errorf("role %s: not a directory", name)
	}

	candidates := []string{filepath.Join(playDir, "roles", name)}
	if siblingDir != "" {
		candidates = append(candidates, filepath.Join(siblingDir, name))
	}
	for _, p := range r.SearchPaths {
		candidates = append(candidates, filepath.Join(p, name))
	}
	candidates = append(candidates, filepath.Join(playDir, name))

	for _, c := range candidates {
		if isDir(c) {
			abs, err := filepath.Abs(c)
			if err != nil {
				return "", err
			}
			return abs, nil
		}
	}
	return "", fmt.Errorf("role %s not found (searched %v)", name, candidates)
}

// roleDependencies reads dependencies from meta/main.yml (or .yaml).
func roleDependencies(roleDir string) ([]string, error) {
	var data []byte
	for _, name := range []string{"main.yml", "main.yaml"} {
		b, err := os.ReadFile(filepath.Join(roleDir, "meta", name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("role %s meta: %w", roleDir, err)
		}
		data = b
		break
	}
	if data == nil {
		return nil, nil
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("role %s meta: %w", roleDir, err)
	}
	if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, nil
	}
	deps, err := roleNames(mappingValue(doc.Content[0], "dependencies"))
	if err != nil {
		return nil, fmt.Errorf("role %s meta: %w", roleDir, err)
	}
	return deps, nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
