// Package playbook loads Ansible playbooks and rewrites single plays so they
// can run against one host somewhere else.
package playbook

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const maxImportDepth = 16

// Play is one play of a playbook. The original mapping is kept so that a
// rewritten copy preserves every key the proxy does not touch.
type Play struct {
	Index int
	Name  string
	Hosts string
	Roles []string
	Dir   string

	node *yaml.Node
}

// Playbook is an ordered list of plays, import_playbook entries flattened.
type Playbook struct {
	Path  string
	Plays []*Play
}

// Load parses the playbook at path.
func Load(path string) (*Playbook, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("playbook %s: %w", path, err)
	}
	pb := &Playbook{Path: abs}
	if err := pb.load(abs, 0); err != nil {
		return nil, err
	}
	if len(pb.Plays) == 0 {
		return nil, fmt.Errorf("playbook %s: no plays", path)
	}
	return pb, nil
}

// Parse parses playbook content. dir anchors relative role lookups.
func Parse(data []byte, dir string) (*Playbook, error) {
	pb := &Playbook{}
	if err := pb.parse(data, dir, 0); err != nil {
		return nil, err
	}
	return pb, nil
}

// Dir is the directory holding the playbook.
func (pb *Playbook) Dir() string {
	return filepath.Dir(pb.Path)
}

func (pb *Playbook) load(path string, depth int) error {
	if depth > maxImportDepth {
		return fmt.Errorf("playbook %s: import_playbook nested too deep", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("playbook %s: %w", path, err)
	}
	if err := pb.parse(data, filepath.Dir(path), depth); err != nil {
		return fmt.Errorf("playbook %s: %w", path, err)
	}
	return nil
}

func (pb *Playbook) parse(data []byte, dir string, depth int) error {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.SequenceNode {
		return fmt.Errorf("a playbook must be a list of plays")
	}

	for _, item := range root.Content {
		if item.Kind != yaml.MappingNode {
			return fmt.Errorf("line %d: play must be a mapping", item.Line)
		}
		if imp := mappingValue(item, "import_playbook"); imp != nil {
			target := imp.Value
			if !filepath.IsAbs(target) {
				target = filepath.Join(dir, target)
			}
			if err := pb.load(target, depth+1); err != nil {
				return err
			}
			continue
		}

		play, err := newPlay(item, dir)
		if err != nil {
			return err
		}
		play.Index = len(pb.Plays)
		pb.Plays = append(pb.Plays, play)
	}
	return nil
}

func newPlay(node *yaml.Node, dir string) (*Play, error) {
	p := &Play{Dir: dir, node: node}
	if n := mappingValue(node, "name"); n != nil {
		p.Name = n.Value
	}

	hosts := mappingValue(node, "hosts")
	if hosts == nil {
		return nil, fmt.Errorf("line %d: play %q has no hosts", node.Line, p.Name)
	}
	switch hosts.Kind {
	case yaml.ScalarNode:
		p.Hosts = hosts.Value
	case yaml.SequenceNode:
		parts := make([]string, 0, len(hosts.Content))
		for _, h := range hosts.Content {
			parts = append(parts, h.Value)
		}
		p.Hosts = strings.Join(parts, ",")
	default:
		return nil, fmt.Errorf("line %d: hosts must be a string or a list", hosts.Line)
	}

	roles, err := roleNames(mappingValue(node, "roles"))
	if err != nil {
		return nil, err
	}
	p.Roles = roles
	return p, nil
}

// roleNames reads a roles list whose entries are names or mappings carrying
// role: or name:.
func roleNames(n *yaml.Node) ([]string, error) {
	if n == nil {
		return nil, nil
	}
	if n.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("line %d: roles must be a list", n.Line)
	}
	var out []string
	for _, r := range n.Content {
		switch r.Kind {
		case yaml.ScalarNode:
			out = append(out, r.Value)
		case yaml.MappingNode:
			v := mappingValue(r, "role")
			if v == nil {
				v = mappingValue(r, "name")
			}
			if v == nil {
				return nil, fmt.Errorf("line %d: role entry without role or name", r.Line)
			}
			out = append(out, v.Value)
		default:
			return nil, fmt.Errorf("line %d: invalid role entry", r.Line)
		}
	}
	return out, nil
}

// DisplayName is the play name, or its hosts pattern when unnamed.
func (p *Play) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.Hosts
}

// Rewrite renders the play as a single-play playbook whose hosts are
// replaced by hosts and whose strategy is forced to linear.
func (p *Play) Rewrite(hosts []string) ([]byte, error) {
	node := cloneNode(p.node)

	hostList := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
	for _, h := range hosts {
		hostList.Content = append(hostList.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: h})
	}
	setMappingValue(node, "hosts", hostList)
	setMappingValue(node, "strategy", &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "linear"})

	doc := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq", Content: []*yaml.Node{node}}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("render play %q: %w", p.DisplayName(), err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("render play %q: %w", p.DisplayName(), err)
	}
	return buf.Bytes(), nil
}

// ForHost is Rewrite for a single host.
func (p *Play) ForHost(host string) ([]byte, error) {
	return p.Rewrite([]string{host})
}

func mappingValue(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

func setMappingValue(m *yaml.Node, key string, val *yaml.Node) {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			m.Content[i+1] = val
			return
		}
	}
	m.Content = append(m.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}, val)
}

func cloneNode(n *yaml.Node) *yaml.Node {
	if n == nil {
		return nil
	}
	c := *n
	c.Content = make([]*yaml.Node, len(n.Content))
	for i, child := range n.Content {
		c.Content[i] = cloneNode(child)
	}
	return &c
}
