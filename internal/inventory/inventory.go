package inventory

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
)

const (
	GroupAll       = "all"
	GroupUngrouped = "ungrouped"
)

// Host is an inventory host and the variables declared for it inline.
type Host struct {
	Name string
	Vars map[string]any
}

// Group is an inventory group.
type Group struct {
	Name     string
	Vars     map[string]any
	Hosts    []string
	Children []string
}

// Inventory is a loaded set of hosts and groups.
type Inventory struct {
	hosts    map[string]*Host
	order    []string
	groups   map[string]*Group
	varsDirs []string
}

// New returns an inventory holding only the all and ungrouped groups.
func New() *Inventory {
	inv := &Inventory{
		hosts:  make(map[string]*Host),
		groups: make(map[string]*Group),
	}
	inv.group(GroupAll)
	inv.group(GroupUngrouped)
	inv.addChild(GroupAll, GroupUngrouped)
	return inv
}

// Load reads source, which is either a comma separated host list
// ("web1,web2," or "localhost,"), an inventory file, or a directory of
// inventory files. group_vars/ and host_vars/ next to the source are used.
func Load(source string) (*Inventory, error) {
	info, statErr := os.Stat(source)
	if statErr != nil && strings.Contains(source, ",") {
		return ParseHostList(source), nil
	}
	if statErr != nil {
		return nil, fmt.Errorf("inventory %s: %w", source, statErr)
	}

	inv := New()
	if !info.IsDir() {
		if err := inv.loadFile(source); err != nil {
			return nil, err
		}
		inv.AddVarsDir(filepath.Dir(source))
		return inv, nil
	}

	entries, err := os.ReadDir(source)
	if err != nil {
		return nil, fmt.Errorf("inventory %s: %w", source, err)
	}
	for _, e := range entries {
		if e.IsDir() || skipInventoryFile(e.Name()) {
			continue
		}
		if err := inv.loadFile(filepath.Join(source, e.Name())); err != nil {
			return nil, err
		}
	}
	inv.AddVarsDir(source)
	return inv, nil
}

// ParseHostList builds an inventory from "h1,h2,...". Empty items are ignored.
func ParseHostList(list string) *Inventory {
	inv := New()
	for _, name := range strings.Split(list, ",") {
		if name = strings.TrimSpace(name); name != "" {
			inv.AddHost(GroupUngrouped, name, nil)
		}
	}
	return inv
}

func (inv *Inventory) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("inventory %s: %w", path, err)
	}
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yml" || ext == ".yaml" || ext == ".json" {
		err = inv.parseYAML(data)
	} else {
		err = inv.parseINI(data)
	}
	if err != nil {
		return fmt.Errorf("inventory %s: %w", path, err)
	}
	return nil
}

func skipInventoryFile(name string) bool {
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~") {
		return true
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".orig", ".ini.bak", ".retry", ".pyc", ".cfg":
		return true
	}
	return false
}

// AddVarsDir registers a directory searched for group_vars/ and host_vars/.
// Later directories take precedence.
func (inv *Inventory) AddVarsDir(dir string) {
	for _, d := range inv.varsDirs {
		if d == dir {
			return
		}
	}
	inv.varsDirs = append(inv.varsDirs, dir)
}

// AddHost adds name to group, merging vars into the host's inline vars.
func (inv *Inventory) AddHost(group, name string, vars map[string]any) {
	h, ok := inv.hosts[name]
	if !ok {
		h = &Host{Name: name, Vars: make(map[string]any)}
		inv.hosts[name] = h
		inv.order = append(inv.order, name)
	}
	for k, v := range vars {
		h.Vars[k] = v
	}
	if group == "" {
		group = GroupUngrouped
	}
	g := inv.group(group)
	for _, existing := range g.Hosts {
		if existing == name {
			return
		}
	}
	g.Hosts = append(g.Hosts, name)
}

// SetGroupVars merges vars into a group's inline vars.
func (inv *Inventory) SetGroupVars(group string, vars map[string]any) {
	g := inv.group(group)
	for k, v := range vars {
		g.Vars[k] = v
	}
}

func (inv *Inventory) group(name string) *Group {
	g, ok := inv.groups[name]
	if !ok {
		g = &Group{Name: name, Vars: make(map[string]any)}
		inv.groups[name] = g
		if name != GroupAll && name != GroupUngrouped && inv.groups[GroupAll] != nil {
			inv.addChild(GroupAll, name)
		}
	}
	return g
}

func (inv *Inventory) addChild(parent, child string) {
	p := inv.group(parent)
	inv.group(child)
	for _, c := range p.Children {
		if c == child {
			return
		}
	}
	p.Children = append(p.Children, child)
}

// Host returns the named host.
func (inv *Inventory) Host(name string) (*Host, bool) {
	h, ok := inv.hosts[name]
	return h, ok
}

// Hosts returns every host in declaration order.
func (inv *Inventory) Hosts() []string {
	return append([]string(nil), inv.order...)
}

// GroupNames returns every group name, sorted.
func (inv *Inventory) GroupNames() []string {
	names := make([]string, 0, len(inv.groups))
	for n := range inv.groups {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Groups returns the groups host belongs to, directly or through child
// groups, ordered from least to most specific (all first, then by nesting
// depth and name). A host in no named group is reported in ungrouped.
func (inv *Inventory) Groups(host string) []string {
	if _, ok := inv.hosts[host]; !ok {
		return nil
	}

	var names []string
	for name := range inv.groups {
		if name == GroupAll || name == GroupUngrouped {
			continue
		}
		if slices.Contains(inv.GroupHosts(name), host) {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return []string{GroupAll, GroupUngrouped}
	}

	depth := inv.groupDepths()
	sort.Slice(names, func(i, j int) bool {
		if depth[names[i]] != depth[names[j]] {
			return depth[names[i]] < depth[names[j]]
		}
		return names[i] < names[j]
	})
	return append([]string{GroupAll}, names...)
}

// groupDepths returns the longest child chain from all to each group.
func (inv *Inventory) groupDepths() map[string]int {
	depth := make(map[string]int)
	onPath := make(map[string]bool)
	var walk func(name string, d int)
	walk = func(name string, d int) {
		if onPath[name] {
			return
		}
		if cur, ok := depth[name]; ok && cur >= d {
			return
		}
		depth[name] = d
		onPath[name] = true
		for _, c := range inv.groups[name].Children {
			walk(c, d+1)
		}
		onPath[name] = false
	}
	walk(GroupAll, 0)
	return depth
}

// GroupHosts returns the hosts in group, including those of child groups,
// in declaration order.
func (inv *Inventory) GroupHosts(group string) []string {
	if _, ok := inv.groups[group]; !ok {
		return nil
	}
	member := make(map[string]bool)
	seen := make(map[string]bool)
	var walk func(name string)
	walk = func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		g := inv.groups[name]
		for _, h := range g.Hosts {
			member[h] = true
		}
		for _, c := range g.Children {
			walk(c)
		}
	}
	walk(group)

	var out []string
	for _, h := range inv.order {
		if member[h] {
			out = append(out, h)
		}
	}
	return out
}
