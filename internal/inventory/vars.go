package inventory

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// magicVariables are set by Ansible itself while a play runs. They describe
// the controller's run and must not be frozen into a host's vars file.
var magicVariables = map[string]struct{}{
	"ansible_check_mode":           {},
	"ansible_collection_name":      {},
	"ansible_config_file":          {},
	"ansible_dependent_role_names": {},
	"ansible_diff_mode":            {},
	"ansible_facts":                {},
	"ansible_forks":                {},
	"ansible_index_var":            {},
	"ansible_inventory_sources":    {},
	"ansible_limit":                {},
	"ansible_loop":                 {},
	"ansible_loop_var":             {},
	"ansible_parent_role_names":    {},
	"ansible_parent_role_paths":    {},
	"ansible_play_batch":           {},
	"ansible_play_hosts":           {},
	"ansible_play_hosts_all":       {},
	"ansible_play_name":            {},
	"ansible_play_role_names":      {},
	"ansible_playbook_python":      {},
	"ansible_role_name":            {},
	"ansible_role_names":           {},
	"ansible_run_tags":             {},
	"ansible_search_path":          {},
	"ansible_skip_tags":            {},
	"ansible_verbosity":            {},
	"ansible_version":              {},
	"group_names":                  {},
	"groups":                       {},
	"hostvars":                     {},
	"inventory_dir":                {},
	"inventory_file":               {},
	"inventory_hostname":           {},
	"inventory_hostname_short":     {},
	"omit":                         {},
	"play_hosts":                   {},
	"playbook_dir":                 {},
	"role_name":                    {},
	"role_names":                   {},
	"role_path":                    {},
	"vars":                         {},
}

// IsMagic reports whether name is a variable Ansible computes at run time.
func IsMagic(name string) bool {
	_, ok := magicVariables[name]
	return ok
}

// FilterMagic returns a copy of vars without magic variables.
func FilterMagic(vars map[string]any) map[string]any {
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		if !IsMagic(k) {
			out[k] = v
		}
	}
	return out
}

// Vars returns the variables of host, lowest precedence first:
// group vars from all to the most specific group (inline, then group_vars
// files), host inline vars, host_vars files, then extra. Later layers
// replace earlier keys wholesale.
func (inv *Inventory) Vars(host string, extra map[string]any) (map[string]any, error) {
	h, ok := inv.hosts[host]
	if !ok {
		return nil, fmt.Errorf("host %q is not in the inventory", host)
	}

	out := make(map[string]any)
	for _, group := range inv.Groups(host) {
		maps.Copy(out, inv.groups[group].Vars)
		for _, dir := range inv.varsDirs {
			vars, err := loadVarsEntry(filepath.Join(dir, "group_vars"), group)
			if err != nil {
				return nil, err
			}
			maps.Copy(out, vars)
		}
	}

	maps.Copy(out, h.Vars)
	for _, dir := range inv.varsDirs {
		vars, err := loadVarsEntry(filepath.Join(dir, "host_vars"), host)
		if err != nil {
			return nil, err
		}
		maps.Copy(out, vars)
	}

	maps.Copy(out, extra)
	return out, nil
}

// Connection returns the resolved ansible_connection of host, or "" when
// none is set.
func (inv *Inventory) Connection(host string, extra map[string]any) string {
	vars, err := inv.Vars(host, extra)
	if err != nil {
		return ""
	}
	s, _ := vars["ansible_connection"].(string)
	return s
}

// loadVarsEntry loads dir/name, dir/name.yml, dir/name.yaml, dir/name.json
// and, when dir/name is a directory, every vars file inside it in lexical
// order. Missing entries yield no vars.
func loadVarsEntry(dir, name string) (map[string]any, error) {
	out := make(map[string]any)
	base := filepath.Join(dir, name)

	for _, path := range []string{base, base + ".yml", base + ".yaml", base + ".json"} {
		info, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("vars %s: %w", path, err)
		}
		if !info.IsDir() {
			vars, err := LoadVarsFile(path)
			if err != nil {
				return nil, err
			}
			maps.Copy(out, vars)
			continue
		}

		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("vars %s: %w", path, err)
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if !e.IsDir() && isVarsFileName(e.Name()) {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)
		for _, n := range names {
			vars, err := LoadVarsFile(filepath.Join(path, n))
			if err != nil {
				return nil, err
			}
			maps.Copy(out, vars)
		}
	}
	return out, nil
}

// LoadVarsFile reads a YAML (or JSON) mapping of variables.
func LoadVarsFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("vars %s: %w", path, err)
	}
	var vars map[string]any
	if err := yaml.Unmarshal(data, &vars); err != nil {
		return nil, fmt.Errorf("vars %s: %w", path, err)
	}
	return vars, nil
}

func isVarsFileName(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case "", ".yml", ".yaml", ".json":
		return true
	}
	return false
}
