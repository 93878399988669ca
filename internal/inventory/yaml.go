package inventory

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

const maxGroupDepth = 64

// parseYAML reads the YAML inventory layout: a mapping of group names, each
// with optional hosts, vars and children. Declaration order is kept.
func (inv *Inventory) parseYAML(data []byte) error {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse yaml inventory: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return fmt.Errorf("yaml inventory: top level must be a mapping of groups")
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		if err := inv.loadYAMLGroup(root.Content[i].Value, root.Content[i+1], 0); err != nil {
			return err
		}
	}
	return nil
}

func (inv *Inventory) loadYAMLGroup(name string, n *yaml.Node, depth int) error {
	inv.group(name)
	if depth > maxGroupDepth {
		return fmt.Errorf("group %s: nesting too deep", name)
	}
	if n.Kind != yaml.MappingNode {
		return nil
	}

	for i := 0; i+1 < len(n.Content); i += 2 {
		key, val := n.Content[i].Value, n.Content[i+1]
		switch key {
		case "hosts":
			if val.Kind != yaml.MappingNode {
				continue
			}
			target := name
			if name == GroupAll {
				target = GroupUngrouped
			}
			for j := 0; j+1 < len(val.Content); j += 2 {
				var vars map[string]any
				if err := val.Content[j+1].Decode(&vars); err != nil {
					return fmt.Errorf("host %s: %w", val.Content[j].Value, err)
				}
				inv.AddHost(target, val.Content[j].Value, vars)
			}
		case "vars":
			var vars map[string]any
			if err := val.Decode(&vars); err != nil {
				return fmt.Errorf("group %s vars: %w", name, err)
			}
			inv.SetGroupVars(name, vars)
		case "children":
			if val.Kind != yaml.MappingNode {
				continue
			}
			for j := 0; j+1 < len(val.Content); j += 2 {
				child := val.Content[j].Value
				inv.addChild(name, child)
				if err := inv.loadYAMLGroup(child, val.Content[j+1], depth+1); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("group %s: unexpected key %q", name, key)
		}
	}
	return nil
}
