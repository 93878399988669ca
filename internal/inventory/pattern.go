package inventory

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

// Match resolves a host pattern such as "all", "web:&prod:!web3", "db*",
// "~^mail[0-9]+$" or "work,personal". Plain terms are unioned, "&" terms
// intersected and "!" terms subtracted, in that order. Naming localhost when
// the inventory does not declare it adds it as an implicit local host.
// Hosts are returned in inventory order.
func (inv *Inventory) Match(pattern string) ([]string, error) {
	var include, intersect, exclude []string
	for _, term := range splitPattern(pattern) {
		switch term[0] {
		case '&':
			intersect = append(intersect, term[1:])
		case '!':
			exclude = append(exclude, term[1:])
		default:
			include = append(include, term)
		}
	}

	selected := make(map[string]bool)
	for _, term := range include {
		hosts, err := inv.resolveTerm(term)
		if err != nil {
			return nil, err
		}
		for _, h := range hosts {
			selected[h] = true
		}
	}
	for _, term := range intersect {
		hosts, err := inv.resolveTerm(term)
		if err != nil {
			return nil, err
		}
		keep := make(map[string]bool, len(hosts))
		for _, h := range hosts {
			keep[h] = true
		}
		for h := range selected {
			if !keep[h] {
				delete(selected, h)
			}
		}
	}
	for _, term := range exclude {
		hosts, err := inv.resolveTerm(term)
		if err != nil {
			return nil, err
		}
		for _, h := range hosts {
			delete(selected, h)
		}
	}

	var out []string
	for _, h := range inv.order {
		if selected[h] {
			out = append(out, h)
			delete(selected, h)
		}
	}
	for _, h := range []string{"localhost", "127.0.0.1", "::1"} {
		if selected[h] {
			out = append(out, h)
		}
	}
	return out, nil
}

func splitPattern(pattern string) []string {
	var terms []string
	for _, part := range strings.FieldsFunc(pattern, func(r rune) bool { return r == ',' }) {
		for _, term := range strings.Split(part, ":") {
			if term = strings.TrimSpace(term); term != "" && term != "&" && term != "!" {
				terms = append(terms, term)
			}
		}
	}
	return terms
}

func (inv *Inventory) resolveTerm(term string) ([]string, error) {
	if term == GroupAll || term == "*" {
		return inv.Hosts(), nil
	}

	if strings.HasPrefix(term, "~") {
		re, err := regexp.Compile(term[1:])
		if err != nil {
			return nil, fmt.Errorf("host pattern %q: %w", term, err)
		}
		return inv.collect(re.MatchString), nil
	}

	if strings.ContainsAny(term, "*?[") {
		if _, err := path.Match(term, ""); err != nil {
			return nil, fmt.Errorf("host pattern %q: %w", term, err)
		}
		return inv.collect(func(name string) bool {
			ok, _ := path.Match(term, name)
			return ok
		}), nil
	}

	if _, ok := inv.groups[term]; ok {
		return inv.GroupHosts(term), nil
	}
	if _, ok := inv.hosts[term]; ok {
		return []string{term}, nil
	}
	if isLocalhost(term) {
		inv.implicitLocalhost(term)
		return []string{term}, nil
	}
	return nil, nil
}

// collect returns the hosts of every group whose name matches, plus every
// host whose own name matches.
func (inv *Inventory) collect(match func(string) bool) []string {
	var out []string
	for _, g := range inv.GroupNames() {
		if match(g) {
			out = append(out, inv.GroupHosts(g)...)
		}
	}
	for _, h := range inv.order {
		if match(h) {
			out = append(out, h)
		}
	}
	return out
}

func isLocalhost(name string) bool {
	return name == "localhost" || name == "127.0.0.1" || name == "::1"
}

// implicitLocalhost registers name as a local host outside every group, so
// that "all" keeps excluding it.
func (inv *Inventory) implicitLocalhost(name string) {
	if _, ok := inv.hosts[name]; ok {
		return
	}
	inv.hosts[name] = &Host{Name: name, Vars: map[string]any{"ansible_connection": "local"}}
}
